package runtime

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ormasoftchile/sequencer/pkg/hal"
	"github.com/ormasoftchile/sequencer/pkg/protocol"
)

// Bounds passed with every wait_for_temperature command, in seconds. The
// hardware blocks inside the command; these cap how long.
const (
	MaxTemperatureWaitS = 30 * 60
	MaxTemperatureHoldS = 5
)

// DefaultWaitSlice bounds cancellation latency inside a Wait step.
const DefaultWaitSlice = 1 * time.Second

// ErrRunInProgress is returned by Run when the engine is already executing.
var ErrRunInProgress = errors.New("a run is already in progress")

// GenerateRunID returns a unique run identifier in the format
// 20060102T150405-a1b2c3d4 (timestamp + random suffix).
func GenerateRunID() string {
	ts := time.Now().Format("20060102T150405")
	suffix := make([]byte, 4)
	rand.Read(suffix)
	return fmt.Sprintf("%s-%x", ts, suffix)
}

// Status is the terminal outcome of a run.
type Status string

const (
	StatusCompleted Status = "Completed"
	StatusStopped   Status = "Stopped"
	StatusFailed    Status = "Failed"
)

// RunReport is the outcome of one run. HeaterErr is carried separately from
// Err: a failed heater shutdown needs operator attention regardless of how
// the run itself ended.
type RunReport struct {
	RunID     string
	Dir       string
	Status    Status
	Err       error
	HeaterErr error
	Steps     int
	Cleaves   int
	StartedAt time.Time
	EndedAt   time.Time
}

// RunOptions carries per-run parameters.
type RunOptions struct {
	// Observer, when set, is invoked synchronously with the context of each
	// step dispatch and each synthetic cleave. Held only for the run.
	Observer func(*RunContext)
	// ProtocolPath is recorded in the run manifest.
	ProtocolPath string
	// Mock flags the manifest when the run used a simulated instrument.
	Mock bool
}

// Engine executes protocol trees against a HAL client, one run at a time.
type Engine struct {
	client *hal.Client
	log    zerolog.Logger

	// OutputRoot is the directory run directories are created under.
	OutputRoot string
	// WaitSlice overrides DefaultWaitSlice; tests set it near zero.
	WaitSlice time.Duration
	// HeaterMaxTries is passed to DisableHeater; zero means its default.
	HeaterMaxTries int

	running atomic.Bool
}

// NewEngine creates an engine writing run artifacts under outputRoot.
func NewEngine(client *hal.Client, outputRoot string, log zerolog.Logger) *Engine {
	return &Engine{
		client:     client,
		log:        log,
		OutputRoot: outputRoot,
	}
}

func (e *Engine) waitSlice() time.Duration {
	if e.WaitSlice > 0 {
		return e.WaitSlice
	}
	return DefaultWaitSlice
}

// Run executes the tree rooted at root and returns its report. The error
// return covers setup failures only (concurrent start, run directory,
// trace file); execution failures land in the report.
//
// Cancelling ctx stops the run at the next dispatch or wait slice and
// yields StatusStopped. The heater shutdown still runs, on a fresh context,
// so a stop request can never skip it.
func (e *Engine) Run(ctx context.Context, root *protocol.Step, opts RunOptions) (*RunReport, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer e.running.Store(false)

	runID := GenerateRunID()
	runDir := filepath.Join(e.OutputRoot, runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}
	trace, err := NewTraceWriter(filepath.Join(runDir, "trace.jsonl"))
	if err != nil {
		return nil, err
	}
	defer trace.Close()

	report := &RunReport{RunID: runID, Dir: runDir, StartedAt: time.Now()}
	run := &runEnv{
		engine:   e,
		report:   report,
		trace:    trace,
		observer: opts.Observer,
	}

	e.log.Info().Str("run_id", runID).Str("dir", runDir).Msg("run started")

	err = run.dispatch(ctx, NewRunContext(root, runDir))
	switch {
	case err == nil:
		report.Status = StatusCompleted
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		report.Status = StatusStopped
	default:
		report.Status = StatusFailed
		report.Err = err
	}

	cleanupCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if herr := e.client.DisableHeater(cleanupCtx, e.HeaterMaxTries); herr != nil {
		report.HeaterErr = herr
		e.log.Error().Err(herr).Msg("heater shutdown failed")
	}

	report.EndedAt = time.Now()
	manifest := &RunManifest{
		RunID:     runID,
		Protocol:  opts.ProtocolPath,
		Mock:      opts.Mock,
		Status:    string(report.Status),
		StartedAt: report.StartedAt.Format(time.RFC3339),
		EndedAt:   report.EndedAt.Format(time.RFC3339),
		Steps:     report.Steps,
		Cleaves:   report.Cleaves,
	}
	if report.Err != nil {
		manifest.Error = report.Err.Error()
	}
	if report.HeaterErr != nil {
		manifest.HeaterError = report.HeaterErr.Error()
	}
	if merr := writeManifest(filepath.Join(runDir, "run.yaml"), manifest); merr != nil {
		e.log.Warn().Err(merr).Msg("write run manifest failed")
	}

	e.log.Info().
		Str("run_id", runID).
		Str("status", string(report.Status)).
		Int("steps", report.Steps).
		Msg("run finished")
	return report, nil
}

// runEnv carries per-run plumbing through the recursive walk.
type runEnv struct {
	engine   *Engine
	report   *RunReport
	trace    *TraceWriter
	observer func(*RunContext)
}

// notify records one dispatch in the trace and calls the observer.
func (r *runEnv) notify(rc *RunContext, eventType string) {
	step := rc.Step()
	event := &TraceEvent{
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     r.report.RunID,
		Line:      step.Line,
		Depth:     step.Depth,
		Kind:      string(step.Kind),
		Label:     step.Label,
		Path:      rc.String(),
		Sequence:  rc.State().SequenceNumber,
		Cycle:     rc.State().CycleNumber,
	}
	if err := r.trace.Write(event); err != nil {
		r.engine.log.Warn().Err(err).Msg("write trace event failed")
	}
	if r.observer != nil {
		r.observer(rc)
	}
}

func (r *runEnv) dispatch(ctx context.Context, rc *RunContext) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	step := rc.Step()
	r.notify(rc, "step")
	r.report.Steps++

	switch step.Kind {
	case protocol.KindWait:
		return r.runWait(ctx, step)
	case protocol.KindImageSequence:
		return r.runImageSequence(ctx, rc)
	case protocol.KindSetTemperature:
		return r.runSetTemperature(ctx, step)
	case protocol.KindGroup:
		return r.runChildren(ctx, rc)
	case protocol.KindReactionCycle:
		return r.runReactionCycle(ctx, rc)
	}
	return fmt.Errorf("line %d: unknown step kind %q", step.Line, step.Kind)
}

func (r *runEnv) runChildren(ctx context.Context, rc *RunContext) error {
	step := rc.Step()
	for iteration := 0; iteration < step.Iterations; iteration++ {
		for i, child := range step.Children {
			if err := r.dispatch(ctx, rc.Child(child, i, iteration)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *runEnv) runReactionCycle(ctx context.Context, rc *RunContext) error {
	step := rc.Step()
	for iteration := 0; iteration < step.Iterations; iteration++ {
		for i, child := range step.Children {
			if err := r.dispatch(ctx, rc.Child(child, i, iteration)); err != nil {
				return err
			}
		}
		if err := r.runCleave(ctx, rc.CleaveChild(iteration)); err != nil {
			return err
		}
	}
	return nil
}

// runWait sleeps the step duration in short slices so a stop request is
// honored promptly inside long pauses.
func (r *runEnv) runWait(ctx context.Context, step *protocol.Step) error {
	remaining := time.Duration(step.Wait.DurationMS) * time.Millisecond
	slice := r.engine.waitSlice()
	for remaining > 0 {
		d := remaining
		if d > slice {
			d = slice
		}
		select {
		case <-time.After(d):
			remaining -= d
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *runEnv) runImageSequence(ctx context.Context, rc *RunContext) error {
	step := rc.Step()
	state := rc.State()
	images := step.ImageSequence.Images

	// One contiguous block of sequence numbers for the whole step, so the
	// files of one capture sort together.
	seq := state.NextSequenceNumber(len(images))
	now := time.Now()
	tagged := make([]protocol.Image, len(images))
	for i, img := range images {
		img.Filename = fileTag(seq+i, i, img.Label, state.CycleNumber, now, rc)
		tagged[i] = img
	}

	outputDir := rc.OutputDir()
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	args := &hal.ImageSequenceArgs{
		Sequence: hal.Sequence{
			Label:         step.Label,
			SchemaVersion: step.ImageSequence.SchemaVersion,
			Images:        tagged,
		},
		OutputDir: outputDir,
	}
	if err := r.engine.client.RunImageSequence(ctx, args); err != nil {
		return fmt.Errorf("line %d (%s): %w", step.Line, rc, err)
	}
	return nil
}

func (r *runEnv) runSetTemperature(ctx context.Context, step *protocol.Step) error {
	args := &hal.TemperatureArgs{
		TemperatureArgs: hal.TemperatureSettings{
			TargetTemperatureKelvin: step.SetTemperature.TargetTemperatureKelvin,
			WaitTimeS:               MaxTemperatureWaitS,
			HoldTimeS:               MaxTemperatureHoldS,
		},
	}
	if err := r.engine.client.WaitForTemperature(ctx, args); err != nil {
		return fmt.Errorf("line %d: %w", step.Line, err)
	}
	return nil
}

// runCleave performs the synthetic cleave that ends one reaction-cycle
// iteration. The file tag uses the cycle number current at dispatch; the
// counter advances once the command has been issued.
func (r *runEnv) runCleave(ctx context.Context, rc *RunContext) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	step := rc.Step()
	r.notify(rc, "cleave")

	state := rc.State()
	seq := state.NextSequenceNumber(1)
	filename := fileTag(seq, 0, "cleave", state.CycleNumber, time.Now(), rc)
	outputDir := rc.OutputDir()
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	args := &hal.CleaveCommandArgs{
		CleaveArgs: *step.Cleaving,
		OutputDir:  outputDir,
		Filename:   filename,
	}
	if err := r.engine.client.Cleave(ctx, args); err != nil {
		return fmt.Errorf("line %d (%s): %w", step.Line, rc, err)
	}
	state.CycleNumber++
	r.report.Cleaves++
	return nil
}

// fileTag builds the filename stem the HAL stores a capture under:
// sequence, image index, label, cycle, timestamp, then the context path
// with "-" separators so the whole tag stays a single path element.
func fileTag(sequence, imageIndex int, label string, cycle int, ts time.Time, rc *RunContext) string {
	return fmt.Sprintf("%06d_%d_%s_C%04d_%s_P-%s",
		sequence, imageIndex, label, cycle, ts.Format("20060102T150405"), rc.PathTag())
}
