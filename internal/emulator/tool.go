package emulator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/toolrelay/internal/config"
	"github.com/nugget/toolrelay/internal/jsonval"
	"github.com/nugget/toolrelay/internal/mcp"
	"github.com/nugget/toolrelay/internal/tools"
)

// Register adds the device tool to reg.
func (w *Workflow) Register(reg *tools.Registry) {
	actions := make([]any, len(Actions))
	for i, a := range Actions {
		actions[i] = string(a)
	}

	reg.Register(&tools.Tool{
		Name: mcp.DeviceToolName,
		Description: "Control an Android emulator. Actions: create_avd, start_emulator, install_apk, " +
			"record_screen and stop_recording for a manual capture, get_recording_path for the latest saved " +
			"recording (or the one from run_id), and simulate_user_flow to boot, install, launch, record, type a message, and save " +
			"the recording in one step.",
		InputSchema: &mcp.PropertySchema{
			Type: "object",
			Properties: map[string]*mcp.PropertySchema{
				"action":       {Type: "string", Description: "Operation to perform", Enum: actions},
				"avd_name":     {Type: "string", Description: "Virtual device name"},
				"system_image": {Type: "string", Description: "System image package for create_avd"},
				"apk_path":     {Type: "string", Description: "Local path or http(s) URL of the app package"},
				"package_name": {Type: "string", Description: "Application id of the app under test"},
				"recording_duration": {
					Type:        "integer",
					Description: fmt.Sprintf("Recording limit in seconds (%d-%d)", config.MinRecordingSeconds, config.MaxRecordingSeconds),
				},
				"test_message": {Type: "string", Description: "Text to type into the app; a sample sentence is generated when omitted"},
				"run_id":       {Type: "string", Description: "Run whose recording get_recording_path should report"},
			},
			Required: []string{"action"},
		},
		Handler: w.handle,
	})
}

type deviceArgs struct {
	Action            string `json:"action" validate:"required,oneof=create_avd start_emulator install_apk record_screen simulate_user_flow stop_recording get_recording_path"`
	AVDName           string `json:"avd_name" validate:"max=128"`
	SystemImage       string `json:"system_image"`
	APKPath           string `json:"apk_path"`
	PackageName       string `json:"package_name" validate:"max=256"`
	RecordingDuration *int   `json:"recording_duration"`
	TestMessage       string `json:"test_message" validate:"max=2000"`
	RunID             string `json:"run_id" validate:"max=64"`
}

// duration returns the clamped recording limit, or zero to use the
// configured default.
func (a *deviceArgs) duration() time.Duration {
	if a.RecordingDuration == nil {
		return 0
	}
	return time.Duration(config.ClampRecordingDuration(*a.RecordingDuration)) * time.Second
}

func (w *Workflow) handle(ctx context.Context, args jsonval.Object) (string, error) {
	var a deviceArgs
	if err := tools.DecodeArgs(args, &a); err != nil {
		return "", err
	}

	switch Action(a.Action) {
	case ActionCreateAVD:
		return w.CreateAVD(ctx, a.AVDName, a.SystemImage)
	case ActionStartEmulator:
		return w.StartEmulator(ctx, a.AVDName)
	case ActionInstallAPK:
		return w.InstallAPK(ctx, a.APKPath)
	case ActionRecordScreen:
		return w.RecordScreen(ctx, a.duration())
	case ActionStopRecording:
		return w.StopRecording(ctx)
	case ActionGetRecordingPath:
		return w.RecordingPath(ctx, a.RunID)
	case ActionFullFlow:
		return w.handleFullFlow(ctx, &a)
	}
	return "", &tools.ArgumentError{Field: "action", Reason: "unsupported action " + a.Action}
}

func (w *Workflow) handleFullFlow(ctx context.Context, a *deviceArgs) (string, error) {
	run, err := w.FullFlow(ctx, FlowRequest{
		AVDName:     a.AVDName,
		APKPath:     a.APKPath,
		PackageName: a.PackageName,
		Duration:    a.duration(),
		Message:     a.TestMessage,
	})
	if run == nil {
		return "", err
	}

	summary := run.Summary()
	if err != nil {
		return "", &runError{err: err, steps: summary}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Run %s completed", run.ID)
	if art := run.Artifact(); art != nil {
		fmt.Fprintf(&sb, "; recording saved to %s", art.Path)
	}
	sb.WriteString(".\n\nSteps:\n")
	sb.WriteString(summary)
	return sb.String(), nil
}

// runError attaches a failed run's step log to its cause.
type runError struct {
	err   error
	steps string
}

func (e *runError) Error() string {
	if e.steps == "" {
		return e.err.Error()
	}
	return e.err.Error() + "\n\nSteps:\n" + e.steps
}

func (e *runError) Unwrap() error { return e.err }
