// Package emulator automates an Android emulator for scripted
// demonstrations: boot the device, install and launch an app, record
// the screen while text is delivered to it, and keep the recording.
//
// A [Workflow] admits one run at a time. Each run carries its own step
// log and live recording handle in a [Run]; nothing about a run is
// process-global.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/toolrelay/internal/httpkit"
)

// Action names a device tool operation.
type Action string

// Device tool actions.
const (
	ActionCreateAVD        Action = "create_avd"
	ActionStartEmulator    Action = "start_emulator"
	ActionInstallAPK       Action = "install_apk"
	ActionRecordScreen     Action = "record_screen"
	ActionFullFlow         Action = "simulate_user_flow"
	ActionStopRecording    Action = "stop_recording"
	ActionGetRecordingPath Action = "get_recording_path"
)

// Actions lists every action in the order the tool schema presents them.
var Actions = []Action{
	ActionCreateAVD,
	ActionStartEmulator,
	ActionInstallAPK,
	ActionRecordScreen,
	ActionFullFlow,
	ActionStopRecording,
	ActionGetRecordingPath,
}

// State is a run's position in the full flow.
type State string

// Run states, in full-flow order.
const (
	StateIdle           State = "idle"
	StatePreparing      State = "preparing"
	StateInstalling     State = "installing"
	StateLaunching      State = "launching"
	StateRecording      State = "recording"
	StateInputDelivered State = "input_delivered"
	StateAwaiting       State = "awaiting"
	StateFinalizing     State = "finalizing"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

// StepStatus is the outcome of one step.
type StepStatus string

// Step outcomes.
const (
	StepSuccess StepStatus = "success"
	StepSkipped StepStatus = "skipped"
	StepError   StepStatus = "error"
)

// Step is one entry in a run's step log.
type Step struct {
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
	Detail string     `json:"detail,omitempty"`
	At     time.Time  `json:"at"`
}

// StepPublisher receives each step as it is logged. PublishStep must
// not block.
type StepPublisher interface {
	PublishStep(runID string, step Step)
}

// Run is the context of one action: its identity, deadline, step log,
// and the recording it owns while one is live.
type Run struct {
	ID        string
	Action    Action
	StartedAt time.Time
	Deadline  time.Time

	mu        sync.Mutex
	state     State
	steps     []Step
	recording Recording
	artifact  *Artifact
}

// State returns the run's current state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Steps returns a copy of the step log.
func (r *Run) Steps() []Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Step(nil), r.steps...)
}

// Artifact returns the saved recording, or nil.
func (r *Run) Artifact() *Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.artifact
}

// Summary renders the step log, one line per step.
func (r *Run) Summary() string {
	var sb strings.Builder
	for _, s := range r.Steps() {
		fmt.Fprintf(&sb, "- %s: %s", s.Name, s.Status)
		if s.Detail != "" {
			fmt.Fprintf(&sb, " (%s)", s.Detail)
		}
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (r *Run) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Run) appendStep(s Step) {
	r.mu.Lock()
	r.steps = append(r.steps, s)
	r.mu.Unlock()
}

func (r *Run) setRecording(rec Recording) {
	r.mu.Lock()
	r.recording = rec
	r.mu.Unlock()
}

// takeRecording hands the live recording to exactly one caller.
func (r *Run) takeRecording() Recording {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.recording
	r.recording = nil
	return rec
}

func (r *Run) setArtifact(a *Artifact) {
	r.mu.Lock()
	r.artifact = a
	r.mu.Unlock()
}

// Config holds workflow defaults and timing.
type Config struct {
	AVDName           string
	SystemImage       string
	PackageName       string
	RecordingDir      string
	RecordingDuration time.Duration
	Retention         time.Duration

	BootTimeout  time.Duration
	PollInterval time.Duration
	WarmupDelay  time.Duration
	AwaitDelay   time.Duration
	RunTimeout   time.Duration
}

// Workflow timing defaults.
const (
	DefaultRunTimeout   = 5 * time.Minute
	DefaultBootTimeout  = 3 * time.Minute
	DefaultPollInterval = 2 * time.Second
	DefaultRetention    = 7 * 24 * time.Hour
	defaultDuration     = 60 * time.Second

	// cleanupTimeout bounds stopping a recording after its run failed.
	cleanupTimeout = 15 * time.Second
)

// FlowRequest parameterizes a full flow. Empty fields use the
// workflow's configured defaults.
type FlowRequest struct {
	AVDName     string
	APKPath     string
	PackageName string
	Duration    time.Duration
	Message     string
}

// Workflow drives a Device through the device tool's actions.
type Workflow struct {
	device    Device
	store     *Store
	cfg       Config
	http      *http.Client
	publisher StepPublisher
	logger    *slog.Logger

	now func() time.Time
	rng *rand.Rand

	mu          sync.Mutex
	active      *Run
	manual      Recording
	manualRunID string
}

// NewWorkflow creates a workflow over device, saving recordings into
// store.
func NewWorkflow(cfg Config, device Device, store *Store, logger *slog.Logger) *Workflow {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	if cfg.BootTimeout <= 0 {
		cfg.BootTimeout = DefaultBootTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.RecordingDuration <= 0 {
		cfg.RecordingDuration = defaultDuration
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		device: device,
		store:  store,
		cfg:    cfg,
		http:   httpkit.NewClient(httpkit.WithTimeout(5*time.Minute), httpkit.WithLogger(logger)),
		logger: logger.With("component", "emulator"),
		now:    time.Now,
	}
}

// SetPublisher installs a receiver for step log entries.
func (w *Workflow) SetPublisher(p StepPublisher) {
	w.mu.Lock()
	w.publisher = p
	w.mu.Unlock()
}

// begin claims the device for a new run.
func (w *Workflow) begin(action Action) (*Run, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active != nil {
		return nil, &PreconditionError{
			Step:   string(action),
			Reason: fmt.Sprintf("run %s (%s) is still in progress", w.active.ID, w.active.Action),
			Err:    ErrRunInProgress,
		}
	}
	if w.manual != nil && action != ActionStopRecording {
		return nil, &PreconditionError{
			Step:   string(action),
			Reason: "a screen recording is in progress; call stop_recording first",
			Err:    ErrRunInProgress,
		}
	}

	now := w.now()
	run := &Run{
		ID:        uuid.NewString(),
		Action:    action,
		StartedAt: now,
		Deadline:  now.Add(w.cfg.RunTimeout),
		state:     StateIdle,
	}
	w.active = run
	return run, nil
}

// end releases the device.
func (w *Workflow) end(run *Run) {
	w.mu.Lock()
	if w.active == run {
		w.active = nil
	}
	w.mu.Unlock()
}

// logStep appends to the run's log and forwards the entry to the
// publisher.
func (w *Workflow) logStep(run *Run, name string, status StepStatus, detail string) {
	step := Step{Name: name, Status: status, Detail: detail, At: w.now()}
	run.appendStep(step)

	level := slog.LevelInfo
	if status == StepError {
		level = slog.LevelWarn
	}
	w.logger.Log(context.Background(), level, "workflow step",
		"run_id", run.ID, "step", name, "status", status, "detail", detail)

	w.mu.Lock()
	p := w.publisher
	w.mu.Unlock()
	if p != nil {
		p.PublishStep(run.ID, step)
	}
}

type stepFunc func(ctx context.Context) (StepStatus, string, error)

// step moves run into state and logs fn's outcome under that name.
func (w *Workflow) step(ctx context.Context, run *Run, state State, fn stepFunc) error {
	run.setState(state)
	status, detail, err := fn(ctx)
	if err != nil {
		w.logStep(run, string(state), StepError, err.Error())
		return err
	}
	w.logStep(run, string(state), status, detail)
	return nil
}

// FullFlow runs every step from boot to saved recording under the
// run deadline. The returned Run is non-nil whenever the run started,
// including on failure.
func (w *Workflow) FullFlow(ctx context.Context, req FlowRequest) (*Run, error) {
	if req.PackageName == "" {
		req.PackageName = w.cfg.PackageName
	}
	if req.PackageName == "" {
		return nil, &PreconditionError{Step: string(ActionFullFlow), Reason: "package_name is required"}
	}
	if req.AVDName == "" {
		req.AVDName = w.cfg.AVDName
	}
	if req.Duration <= 0 {
		req.Duration = w.cfg.RecordingDuration
	}

	run, err := w.begin(ActionFullFlow)
	if err != nil {
		return nil, err
	}
	w.logger.Info("full flow started", "run_id", run.ID, "package", req.PackageName, "deadline", run.Deadline)

	runCtx, cancel := context.WithTimeout(ctx, w.cfg.RunTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		err := w.fullFlow(runCtx, run, req)
		w.end(run)
		done <- err
	}()

	select {
	case err := <-done:
		return run, w.finish(runCtx, run, err)
	case <-runCtx.Done():
	}

	// The steps may have finished as the deadline fired.
	select {
	case err := <-done:
		return run, w.finish(runCtx, run, err)
	default:
	}

	if !errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		run.setState(StateFailed)
		return run, runCtx.Err()
	}
	return run, w.expire(run)
}

// finish maps a completed run's result. A step that failed because the
// deadline passed is reported as a timeout.
func (w *Workflow) finish(runCtx context.Context, run *Run, err error) error {
	if err == nil {
		run.setState(StateDone)
		w.logger.Info("full flow finished", "run_id", run.ID, "elapsed", w.now().Sub(run.StartedAt).Round(time.Millisecond))
		return nil
	}
	run.setState(StateFailed)
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return w.expire(run)
	}
	return err
}

// expire kills any live recording of a run that passed its deadline.
func (w *Workflow) expire(run *Run) error {
	run.setState(StateFailed)
	if rec := run.takeRecording(); rec != nil {
		if err := rec.Kill(); err != nil {
			w.logStep(run, "cleanup", StepError, "kill recording: "+err.Error())
		} else {
			w.logStep(run, "cleanup", StepSuccess, "recording killed at deadline")
		}
	}
	terr := &TimeoutError{Action: string(run.Action), After: w.cfg.RunTimeout}
	w.logger.Warn("full flow timed out", "run_id", run.ID, "after", w.cfg.RunTimeout)
	return terr
}

func (w *Workflow) fullFlow(ctx context.Context, run *Run, req FlowRequest) (err error) {
	if err := w.step(ctx, run, StatePreparing, func(ctx context.Context) (StepStatus, string, error) {
		return w.prepare(ctx, req.AVDName)
	}); err != nil {
		return err
	}

	if err := w.step(ctx, run, StateInstalling, func(ctx context.Context) (StepStatus, string, error) {
		return w.install(ctx, req.APKPath, req.PackageName)
	}); err != nil {
		return err
	}

	if err := w.step(ctx, run, StateLaunching, func(ctx context.Context) (StepStatus, string, error) {
		if err := w.device.Launch(ctx, req.PackageName); err != nil {
			return "", "", err
		}
		return StepSuccess, "launched " + req.PackageName, nil
	}); err != nil {
		return err
	}

	if err := w.step(ctx, run, StateRecording, func(ctx context.Context) (StepStatus, string, error) {
		remote := remoteRecordingPath(run.ID)
		rec, err := w.device.StartRecording(ctx, remote, req.Duration)
		if err != nil {
			return "", "", err
		}
		run.setRecording(rec)
		return StepSuccess, fmt.Sprintf("recording to %s for up to %s", remote, req.Duration), nil
	}); err != nil {
		return err
	}

	// From here on a failure must not orphan the recording.
	defer func() {
		if err != nil {
			w.abortRecording(run)
		}
	}()

	if err := w.step(ctx, run, StateInputDelivered, func(ctx context.Context) (StepStatus, string, error) {
		if err := sleepCtx(ctx, w.cfg.WarmupDelay); err != nil {
			return "", "", err
		}
		payload := req.Message
		if payload == "" {
			payload = synthesizePayload(w.rng)
		}
		if err := w.device.SendText(ctx, payload); err != nil {
			return "", "", err
		}
		return StepSuccess, fmt.Sprintf("delivered %q", payload), nil
	}); err != nil {
		return err
	}

	if err := w.step(ctx, run, StateAwaiting, func(ctx context.Context) (StepStatus, string, error) {
		if err := sleepCtx(ctx, w.cfg.AwaitDelay); err != nil {
			return "", "", err
		}
		return StepSuccess, "waited " + w.cfg.AwaitDelay.String(), nil
	}); err != nil {
		return err
	}

	return w.step(ctx, run, StateFinalizing, func(ctx context.Context) (StepStatus, string, error) {
		rec := run.takeRecording()
		if rec == nil {
			return "", "", errors.New("no live recording to finalize")
		}
		a, swept, err := w.saveRecording(ctx, run.ID, req.PackageName, rec)
		if err != nil {
			return "", "", err
		}
		run.setArtifact(a)
		detail := "saved " + a.Path
		if swept > 0 {
			detail += fmt.Sprintf(", removed %d expired", swept)
		}
		return StepSuccess, detail, nil
	})
}

func (w *Workflow) prepare(ctx context.Context, avd string) (StepStatus, string, error) {
	if w.device.Ready(ctx) {
		return StepSkipped, "emulator already running", nil
	}
	if avd == "" {
		return "", "", &PreconditionError{Step: string(StatePreparing), Reason: "no emulator is running and avd_name is not set"}
	}
	if err := w.device.StartEmulator(ctx, avd); err != nil {
		return "", "", err
	}
	if err := w.waitReady(ctx); err != nil {
		return "", "", err
	}
	return StepSuccess, "booted " + avd, nil
}

// waitReady polls until the device finishes booting or BootTimeout
// elapses.
func (w *Workflow) waitReady(ctx context.Context) error {
	bootCtx, cancel := context.WithTimeout(ctx, w.cfg.BootTimeout)
	defer cancel()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if w.device.Ready(bootCtx) {
			return nil
		}
		select {
		case <-bootCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &TimeoutError{Action: "emulator boot", After: w.cfg.BootTimeout}
		case <-ticker.C:
		}
	}
}

func (w *Workflow) install(ctx context.Context, apk, pkg string) (StepStatus, string, error) {
	installed, err := w.device.PackageInstalled(ctx, pkg)
	if err != nil {
		return "", "", fmt.Errorf("check %s: %w", pkg, err)
	}
	if installed {
		return StepSkipped, pkg + " already installed", nil
	}
	if apk == "" {
		return "", "", &PreconditionError{
			Step:   string(StateInstalling),
			Reason: pkg + " is not installed and no apk_path was given",
		}
	}

	local, cleanup, err := w.resolveAPK(ctx, string(StateInstalling), apk)
	defer cleanup()
	if err != nil {
		return "", "", err
	}
	if err := w.device.Install(ctx, local); err != nil {
		return "", "", err
	}
	return StepSuccess, "installed " + apk, nil
}

// abortRecording stops a failed run's recording, killing it if a clean
// stop does not succeed. The run's context may already be done, so it
// uses its own.
func (w *Workflow) abortRecording(run *Run) {
	rec := run.takeRecording()
	if rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := rec.Stop(ctx); err != nil {
		w.logger.Warn("recording stop failed, killing", "run_id", run.ID, "error", err)
		if kerr := rec.Kill(); kerr != nil {
			w.logStep(run, "cleanup", StepError, "kill recording: "+kerr.Error())
			return
		}
	}
	w.logStep(run, "cleanup", StepSuccess, "recording stopped after failure")
}

// saveRecording stops rec, pulls it into the recording directory,
// deletes the device copy, indexes it, and sweeps expired artifacts.
func (w *Workflow) saveRecording(ctx context.Context, runID, pkg string, rec Recording) (*Artifact, int, error) {
	if err := rec.Stop(ctx); err != nil {
		if kerr := rec.Kill(); kerr != nil {
			w.logger.Warn("recording kill failed", "run_id", runID, "error", kerr)
		}
		return nil, 0, err
	}

	if err := os.MkdirAll(w.cfg.RecordingDir, 0o755); err != nil {
		return nil, 0, fmt.Errorf("create recording dir: %w", err)
	}
	local := filepath.Join(w.cfg.RecordingDir, runID+".mp4")
	if err := w.device.Pull(ctx, rec.RemotePath(), local); err != nil {
		return nil, 0, fmt.Errorf("pull recording: %w", err)
	}
	if err := w.device.Remove(ctx, rec.RemotePath()); err != nil {
		w.logger.Warn("failed to delete device recording", "remote", rec.RemotePath(), "error", err)
	}

	a := &Artifact{
		ID:        uuid.NewString(),
		RunID:     runID,
		Package:   pkg,
		Path:      local,
		CreatedAt: w.now(),
	}
	if err := w.store.Add(ctx, a); err != nil {
		return nil, 0, err
	}

	swept, err := w.store.Sweep(ctx, w.now().Add(-w.cfg.Retention))
	if err != nil {
		w.logger.Warn("recording retention sweep incomplete", "removed", swept, "error", err)
	}
	if swept > 0 {
		w.logger.Info("expired recordings removed", "count", swept)
	}
	return a, swept, nil
}

// CreateAVD creates a virtual device.
func (w *Workflow) CreateAVD(ctx context.Context, name, systemImage string) (string, error) {
	if name == "" {
		name = w.cfg.AVDName
	}
	if systemImage == "" {
		systemImage = w.cfg.SystemImage
	}
	if name == "" || systemImage == "" {
		return "", &PreconditionError{Step: string(ActionCreateAVD), Reason: "avd_name and system_image are required"}
	}

	run, err := w.begin(ActionCreateAVD)
	if err != nil {
		return "", err
	}
	defer w.end(run)

	if err := w.device.CreateAVD(ctx, name, systemImage); err != nil {
		return "", err
	}
	return fmt.Sprintf("Created AVD %s from %s.", name, systemImage), nil
}

// StartEmulator boots an AVD unless a device is already running.
func (w *Workflow) StartEmulator(ctx context.Context, avd string) (string, error) {
	if avd == "" {
		avd = w.cfg.AVDName
	}
	run, err := w.begin(ActionStartEmulator)
	if err != nil {
		return "", err
	}
	defer w.end(run)

	status, _, err := w.prepare(ctx, avd)
	if err != nil {
		return "", err
	}
	if status == StepSkipped {
		return "Emulator is already running.", nil
	}
	return fmt.Sprintf("Emulator %s is booted.", avd), nil
}

// InstallAPK installs a package from a local path or URL.
func (w *Workflow) InstallAPK(ctx context.Context, apk string) (string, error) {
	if apk == "" {
		return "", &PreconditionError{Step: string(ActionInstallAPK), Reason: "apk_path is required"}
	}
	run, err := w.begin(ActionInstallAPK)
	if err != nil {
		return "", err
	}
	defer w.end(run)

	local, cleanup, err := w.resolveAPK(ctx, string(ActionInstallAPK), apk)
	defer cleanup()
	if err != nil {
		return "", err
	}
	if err := w.device.Install(ctx, local); err != nil {
		return "", err
	}
	return "Installed " + apk + ".", nil
}

// RecordScreen starts a recording that runs until StopRecording or
// its time limit.
func (w *Workflow) RecordScreen(ctx context.Context, limit time.Duration) (string, error) {
	if limit <= 0 {
		limit = w.cfg.RecordingDuration
	}
	run, err := w.begin(ActionRecordScreen)
	if err != nil {
		return "", err
	}
	defer w.end(run)

	remote := remoteRecordingPath(run.ID)
	rec, err := w.device.StartRecording(ctx, remote, limit)
	if err != nil {
		return "", err
	}

	w.mu.Lock()
	w.manual = rec
	w.manualRunID = run.ID
	w.mu.Unlock()

	w.logger.Info("screen recording started", "run_id", run.ID, "remote", remote, "limit", limit)
	return fmt.Sprintf("Recording to %s for up to %s. Call stop_recording to save it.", remote, limit), nil
}

// StopRecording stops the recording started by RecordScreen and saves
// it.
func (w *Workflow) StopRecording(ctx context.Context) (string, error) {
	run, err := w.begin(ActionStopRecording)
	if err != nil {
		return "", err
	}
	defer w.end(run)

	w.mu.Lock()
	rec, runID := w.manual, w.manualRunID
	w.manual, w.manualRunID = nil, ""
	w.mu.Unlock()

	if rec == nil {
		return "", &PreconditionError{Step: string(ActionStopRecording), Reason: "no recording is in progress"}
	}

	a, _, err := w.saveRecording(ctx, runID, w.cfg.PackageName, rec)
	if err != nil {
		return "", err
	}
	return "Recording saved to " + a.Path + ".", nil
}

// RecordingPath reports the most recently saved recording, or the one
// saved by runID when it is non-empty.
func (w *Workflow) RecordingPath(ctx context.Context, runID string) (string, error) {
	if runID != "" {
		a, err := w.store.ForRun(ctx, runID)
		if err != nil {
			return "", err
		}
		if a == nil {
			return fmt.Sprintf("No recording saved for run %s.", runID), nil
		}
		return fmt.Sprintf("Recording for run %s: %s (%s).", runID, a.Path, a.CreatedAt.UTC().Format(time.RFC3339)), nil
	}

	a, err := w.store.Latest(ctx)
	if err != nil {
		return "", err
	}

	w.mu.Lock()
	live := w.manual != nil
	w.mu.Unlock()

	var sb strings.Builder
	if a == nil {
		sb.WriteString("No recordings saved yet.")
	} else {
		fmt.Fprintf(&sb, "Latest recording: %s (run %s, %s).", a.Path, a.RunID, a.CreatedAt.UTC().Format(time.RFC3339))
	}
	if live {
		sb.WriteString(" A recording is in progress.")
	}
	return sb.String(), nil
}

func remoteRecordingPath(runID string) string {
	return "/sdcard/toolrelay-" + runID + ".mp4"
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
