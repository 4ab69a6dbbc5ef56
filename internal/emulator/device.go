package emulator

import (
	"context"
	"time"
)

// Device is the automation target: an Android emulator reached through
// the platform tools. All methods block until the operation completes
// or ctx ends.
type Device interface {
	// CreateAVD creates (or overwrites) a virtual device definition.
	CreateAVD(ctx context.Context, name, systemImage string) error

	// StartEmulator launches the emulator for an AVD in the background.
	// It returns once the process has started, not once it has booted.
	StartEmulator(ctx context.Context, avdName string) error

	// Ready reports whether a device is attached and finished booting.
	Ready(ctx context.Context) bool

	// PackageInstalled reports whether pkg is installed.
	PackageInstalled(ctx context.Context, pkg string) (bool, error)

	// Install installs (or reinstalls) a local package file.
	Install(ctx context.Context, apkPath string) error

	// Launch starts the package's launcher activity.
	Launch(ctx context.Context, pkg string) error

	// StartRecording begins a screen recording to remotePath on the
	// device, limited to limit. The recording runs in the background.
	StartRecording(ctx context.Context, remotePath string, limit time.Duration) (Recording, error)

	// SendText delivers text to the focused input field.
	SendText(ctx context.Context, text string) error

	// Pull copies a file from the device to localPath.
	Pull(ctx context.Context, remotePath, localPath string) error

	// Remove deletes a file on the device.
	Remove(ctx context.Context, remotePath string) error
}

// Recording is a live background screen capture.
type Recording interface {
	// RemotePath is where the capture is written on the device.
	RemotePath() string

	// Stop asks the recorder to finish cleanly and waits for it to exit,
	// so the file on the device is complete.
	Stop(ctx context.Context) error

	// Kill terminates the recorder immediately. The remote file may be
	// truncated.
	Kill() error
}
