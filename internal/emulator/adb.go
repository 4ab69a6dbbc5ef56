package emulator

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nugget/toolrelay/internal/tools"
)

// ADB Keyboard receives base64 text through this broadcast, which keeps
// non-ASCII input intact where "input text" would mangle it.
const (
	adbKeyboardIME    = "com.android.adbkeyboard/.AdbIME"
	adbKeyboardAction = "ADB_INPUT_B64"
)

// Command timeouts for the platform tools.
const (
	shortCommandTimeout = 15 * time.Second
	installTimeout      = 3 * time.Minute
	transferTimeout     = 2 * time.Minute
)

// ADBConfig locates the Android platform tools.
type ADBConfig struct {
	ADBPath        string
	EmulatorPath   string
	AVDManagerPath string
	// Serial selects a device when several are attached.
	Serial string
}

// ADB drives an emulator through adb, emulator, and avdmanager.
type ADB struct {
	cfg    ADBConfig
	exec   *tools.Executor
	logger *slog.Logger
}

// NewADB creates a command-line device driver. exec may be nil.
func NewADB(cfg ADBConfig, exec *tools.Executor, logger *slog.Logger) *ADB {
	if cfg.ADBPath == "" {
		cfg.ADBPath = "adb"
	}
	if cfg.EmulatorPath == "" {
		cfg.EmulatorPath = "emulator"
	}
	if cfg.AVDManagerPath == "" {
		cfg.AVDManagerPath = "avdmanager"
	}
	if exec == nil {
		exec = tools.NewExecutor(tools.ExecConfig{MaxTimeout: installTimeout})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ADB{cfg: cfg, exec: exec, logger: logger.With("component", "adb")}
}

func (a *ADB) adbArgs(args ...string) []string {
	if a.cfg.Serial == "" {
		return args
	}
	return append([]string{"-s", a.cfg.Serial}, args...)
}

// run executes a platform tool and returns its stdout. A non-zero exit
// or timeout is an error.
func (a *ADB) run(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
	res, err := a.exec.Run(ctx, timeout, name, args...)
	if err != nil {
		return "", err
	}
	if err := res.Err(); err != nil {
		return "", fmt.Errorf("%s %s: %w", filepath.Base(name), strings.Join(args, " "), err)
	}
	return res.Stdout, nil
}

func (a *ADB) adb(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	return a.run(ctx, timeout, a.cfg.ADBPath, a.adbArgs(args...)...)
}

// CreateAVD creates the virtual device, replacing any existing one of
// the same name.
func (a *ADB) CreateAVD(ctx context.Context, name, systemImage string) error {
	_, err := a.run(ctx, transferTimeout, a.cfg.AVDManagerPath,
		"create", "avd", "--force", "-n", name, "-k", systemImage)
	return err
}

// StartEmulator launches the emulator detached from ctx; the process
// outlives the request that started it.
func (a *ADB) StartEmulator(_ context.Context, avdName string) error {
	cmd := exec.Command(a.cfg.EmulatorPath,
		"-avd", avdName, "-no-snapshot-save", "-no-boot-anim", "-no-audio")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start emulator: %w", err)
	}
	a.logger.Info("emulator started", "avd", avdName, "pid", cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		a.logger.Info("emulator exited", "avd", avdName, "error", err)
	}()
	return nil
}

// Ready reports whether the device has finished booting.
func (a *ADB) Ready(ctx context.Context) bool {
	out, err := a.adb(ctx, shortCommandTimeout, "shell", "getprop", "sys.boot_completed")
	return err == nil && strings.TrimSpace(out) == "1"
}

// PackageInstalled reports whether pkg is installed.
func (a *ADB) PackageInstalled(ctx context.Context, pkg string) (bool, error) {
	out, err := a.adb(ctx, shortCommandTimeout, "shell", "pm", "list", "packages", pkg)
	if err != nil {
		return false, err
	}
	// pm filters by substring; require an exact match.
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == "package:"+pkg {
			return true, nil
		}
	}
	return false, nil
}

// Install installs a local package, replacing an existing install.
func (a *ADB) Install(ctx context.Context, apkPath string) error {
	out, err := a.adb(ctx, installTimeout, "install", "-r", apkPath)
	if err != nil {
		return err
	}
	if !strings.Contains(out, "Success") {
		return fmt.Errorf("adb install %s: %s", filepath.Base(apkPath), strings.TrimSpace(out))
	}
	return nil
}

// Launch starts pkg's launcher activity.
func (a *ADB) Launch(ctx context.Context, pkg string) error {
	_, err := a.adb(ctx, shortCommandTimeout,
		"shell", "monkey", "-p", pkg, "-c", "android.intent.category.LAUNCHER", "1")
	return err
}

// SendText switches to ADB Keyboard and broadcasts text to it.
func (a *ADB) SendText(ctx context.Context, text string) error {
	if _, err := a.adb(ctx, shortCommandTimeout, "shell", "ime", "enable", adbKeyboardIME); err != nil {
		return fmt.Errorf("enable adb keyboard: %w", err)
	}
	if _, err := a.adb(ctx, shortCommandTimeout, "shell", "ime", "set", adbKeyboardIME); err != nil {
		return fmt.Errorf("select adb keyboard: %w", err)
	}
	_, err := a.adb(ctx, shortCommandTimeout,
		"shell", "am", "broadcast", "-a", adbKeyboardAction, "--es", "msg", encodeKeyboardText(text))
	return err
}

func encodeKeyboardText(text string) string {
	return base64.StdEncoding.EncodeToString([]byte(text))
}

// Pull copies a file from the device.
func (a *ADB) Pull(ctx context.Context, remotePath, localPath string) error {
	_, err := a.adb(ctx, transferTimeout, "pull", remotePath, localPath)
	return err
}

// Remove deletes a file on the device.
func (a *ADB) Remove(ctx context.Context, remotePath string) error {
	_, err := a.adb(ctx, shortCommandTimeout, "shell", "rm", "-f", remotePath)
	return err
}

// StartRecording runs screenrecord in the background. The adb process
// is not bound to ctx: the recording continues after the starting
// request returns.
func (a *ADB) StartRecording(_ context.Context, remotePath string, limit time.Duration) (Recording, error) {
	secs := strconv.Itoa(int(limit.Seconds()))
	cmd := exec.Command(a.cfg.ADBPath,
		a.adbArgs("shell", "screenrecord", "--time-limit", secs, remotePath)...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start screenrecord: %w", err)
	}

	rec := &adbRecording{
		adb:    a,
		cmd:    cmd,
		remote: remotePath,
		done:   make(chan struct{}),
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			a.logger.Debug("screenrecord exited", "remote", remotePath, "error", err)
		}
		close(rec.done)
	}()

	a.logger.Debug("screen recording started", "remote", remotePath, "limit_sec", secs)
	return rec, nil
}

type adbRecording struct {
	adb    *ADB
	cmd    *exec.Cmd
	remote string
	done   chan struct{}

	killOnce sync.Once
}

func (r *adbRecording) RemotePath() string { return r.remote }

// Stop interrupts screenrecord on the device so it finalizes the file,
// then waits for the local adb process to exit.
func (r *adbRecording) Stop(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	default:
	}

	// pkill exits non-zero when screenrecord already finished on its own.
	if _, err := r.adb.adb(ctx, shortCommandTimeout, "shell", "pkill", "-INT", "screenrecord"); err != nil {
		r.adb.logger.Debug("screenrecord interrupt failed", "error", err)
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop recording: %w", ctx.Err())
	}
}

// Kill terminates the local adb process and, best effort, the recorder
// on the device.
func (r *adbRecording) Kill() error {
	var err error
	r.killOnce.Do(func() {
		select {
		case <-r.done:
			return
		default:
		}
		if kerr := r.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			err = fmt.Errorf("kill screenrecord: %w", kerr)
		}

		ctx, cancel := context.WithTimeout(context.Background(), shortCommandTimeout)
		defer cancel()
		if _, kerr := r.adb.adb(ctx, shortCommandTimeout, "shell", "pkill", "-KILL", "screenrecord"); kerr != nil {
			r.adb.logger.Debug("device screenrecord kill failed", "error", kerr)
		}
	})
	return err
}
