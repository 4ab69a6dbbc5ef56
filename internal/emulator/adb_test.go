package emulator

import (
	"context"
	"encoding/base64"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fakeADB writes a shell script that logs its arguments and answers
// the handful of adb commands the driver issues.
func fakeADB(t *testing.T) (path, logPath string) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	logPath = filepath.Join(dir, "calls.log")
	script := `#!/bin/sh
echo "$*" >> "` + logPath + `"
case "$*" in
  *"getprop sys.boot_completed"*) echo 1 ;;
  *"pm list packages"*) printf 'package:com.example.app.debug\npackage:com.example.app\n' ;;
  *"install -r"*bad.apk) echo "Failure [INSTALL_FAILED_INVALID_APK]" ;;
  *"install -r"*) printf 'Performing Streamed Install\nSuccess\n' ;;
  *"screenrecord --time-limit"*) exec sleep 10 ;;
  *"pull "*) echo "1 file pulled" ;;
esac
`
	path = filepath.Join(dir, "adb")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path, logPath
}

func readCalls(t *testing.T, logPath string) []string {
	t.Helper()
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read call log: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

// waitForCall waits until the fake has logged a call containing substr.
func waitForCall(t *testing.T, logPath, substr string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(logPath); err == nil && strings.Contains(string(data), substr) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no %q call logged", substr)
}

func TestADB_Ready(t *testing.T) {
	adb, logPath := fakeADB(t)
	a := NewADB(ADBConfig{ADBPath: adb, Serial: "emulator-5554"}, nil, testLogger())

	if !a.Ready(context.Background()) {
		t.Fatal("Ready = false")
	}
	calls := readCalls(t, logPath)
	if calls[0] != "-s emulator-5554 shell getprop sys.boot_completed" {
		t.Errorf("call = %q", calls[0])
	}
}

func TestADB_PackageInstalled(t *testing.T) {
	adb, _ := fakeADB(t)
	a := NewADB(ADBConfig{ADBPath: adb}, nil, testLogger())

	tests := []struct {
		pkg  string
		want bool
	}{
		{"com.example.app", true},
		{"com.example.app.debug", true},
		{"com.example", false},
	}
	for _, tt := range tests {
		got, err := a.PackageInstalled(context.Background(), tt.pkg)
		if err != nil {
			t.Fatalf("PackageInstalled(%s): %v", tt.pkg, err)
		}
		if got != tt.want {
			t.Errorf("PackageInstalled(%s) = %v, want %v", tt.pkg, got, tt.want)
		}
	}
}

func TestADB_Install(t *testing.T) {
	adb, _ := fakeADB(t)
	a := NewADB(ADBConfig{ADBPath: adb}, nil, testLogger())

	if err := a.Install(context.Background(), "/builds/good.apk"); err != nil {
		t.Errorf("Install(good): %v", err)
	}
	err := a.Install(context.Background(), "/builds/bad.apk")
	if err == nil || !strings.Contains(err.Error(), "INSTALL_FAILED_INVALID_APK") {
		t.Errorf("Install(bad) err = %v", err)
	}
}

func TestADB_SendTextUsesBase64Broadcast(t *testing.T) {
	adb, logPath := fakeADB(t)
	a := NewADB(ADBConfig{ADBPath: adb}, nil, testLogger())

	msg := "Transfer €40 to Zürich"
	if err := a.SendText(context.Background(), msg); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	calls := readCalls(t, logPath)
	if len(calls) != 3 {
		t.Fatalf("calls = %v", calls)
	}
	want := "shell am broadcast -a ADB_INPUT_B64 --es msg " + base64.StdEncoding.EncodeToString([]byte(msg))
	if calls[2] != want {
		t.Errorf("broadcast = %q, want %q", calls[2], want)
	}
}

func TestADB_CommandFailure(t *testing.T) {
	a := NewADB(ADBConfig{ADBPath: "false"}, nil, testLogger())
	if _, err := exec.LookPath("false"); err != nil {
		t.Skip("false not available")
	}
	if err := a.Launch(context.Background(), "com.example.app"); err == nil {
		t.Error("Launch succeeded with a failing adb")
	}
	if a.Ready(context.Background()) {
		t.Error("Ready = true with a failing adb")
	}
}

func TestADB_RecordingKill(t *testing.T) {
	adb, logPath := fakeADB(t)
	a := NewADB(ADBConfig{ADBPath: adb}, nil, testLogger())

	rec, err := a.StartRecording(context.Background(), "/sdcard/run.mp4", 30*time.Second)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if rec.RemotePath() != "/sdcard/run.mp4" {
		t.Errorf("RemotePath = %q", rec.RemotePath())
	}

	waitForCall(t, logPath, "screenrecord")

	if err := rec.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	select {
	case <-rec.(*adbRecording).done:
	case <-time.After(5 * time.Second):
		t.Fatal("screenrecord still running after Kill")
	}

	// Stopping a finished recording is a no-op.
	if err := rec.Stop(context.Background()); err != nil {
		t.Errorf("Stop after Kill: %v", err)
	}

	calls := readCalls(t, logPath)
	if calls[0] != "shell screenrecord --time-limit 30 /sdcard/run.mp4" {
		t.Errorf("first call = %q", calls[0])
	}
	if calls[len(calls)-1] != "shell pkill -KILL screenrecord" {
		t.Errorf("last call = %q", calls[len(calls)-1])
	}
}

func TestADB_RecordingStopTimesOut(t *testing.T) {
	adb, _ := fakeADB(t)
	a := NewADB(ADBConfig{ADBPath: adb}, nil, testLogger())

	rec, err := a.StartRecording(context.Background(), "/sdcard/run.mp4", 30*time.Second)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	defer rec.Kill()

	// The fake pkill does nothing, so the recorder never exits.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := rec.Stop(ctx); err == nil {
		t.Error("Stop returned nil while the recorder was still running")
	}
}

func TestIsRemoteAPK(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"https://example.com/app.apk", true},
		{"http://10.0.0.2:8080/a.apk", true},
		{"/tmp/app.apk", false},
		{"app.apk", false},
		{"ftp://example.com/app.apk", false},
		{"https://", false},
	}
	for _, tt := range tests {
		if got := isRemoteAPK(tt.in); got != tt.want {
			t.Errorf("isRemoteAPK(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
