package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ormasoftchile/sequencer/pkg/hal"
	"github.com/ormasoftchile/sequencer/pkg/protocol"
)

// recordedCommand is one exchange seen by the fake transport.
type recordedCommand struct {
	Command string
	Args    json.RawMessage
}

// fakeTransport answers every command with success unless the command is
// listed in fail, and records everything it sees.
type fakeTransport struct {
	mu       sync.Mutex
	fail     map[string]string
	commands []recordedCommand
}

func (t *fakeTransport) Exchange(ctx context.Context, request []byte) ([]byte, error) {
	var req struct {
		Command string          `json:"command"`
		Args    json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.commands = append(t.commands, recordedCommand{Command: req.Command, Args: req.Args})
	t.mu.Unlock()

	if msg, ok := t.fail[req.Command]; ok {
		return []byte(`{"success": false, "error_message": "` + msg + `"}`), nil
	}
	return []byte(`{"success": true, "response": {}}`), nil
}

func (t *fakeTransport) names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.commands))
	for i, c := range t.commands {
		out[i] = c.Command
	}
	return out
}

func (t *fakeTransport) count(command string) int {
	n := 0
	for _, c := range t.names() {
		if c == command {
			n++
		}
	}
	return n
}

func newTestEngine(t *testing.T, tr hal.Transport) *Engine {
	t.Helper()
	client := hal.NewClient(tr, zerolog.Nop())
	client.HeaterRetryDelay = time.Millisecond
	e := NewEngine(client, t.TempDir(), zerolog.Nop())
	e.WaitSlice = time.Millisecond
	return e
}

func TestRunReactionCycle(t *testing.T) {
	tr := &fakeTransport{}
	e := newTestEngine(t, tr)

	report, err := e.Run(context.Background(), testTree(), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Status != StatusCompleted {
		t.Fatalf("status = %s, want Completed (err: %v)", report.Status, report.Err)
	}

	// Two iterations: image sequence then cleave each time, heater shutdown
	// at the end.
	want := []string{
		"run_image_sequence", "cleave",
		"run_image_sequence", "cleave",
		"disable_heater",
	}
	got := tr.names()
	if len(got) != len(want) {
		t.Fatalf("commands = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("command %d = %q, want %q", i, got[i], want[i])
		}
	}

	// Root + (wait + image sequence) per iteration.
	if report.Steps != 5 {
		t.Errorf("steps = %d, want 5", report.Steps)
	}
	if report.Cleaves != 2 {
		t.Errorf("cleaves = %d, want 2", report.Cleaves)
	}
}

func TestRunAssignsFileTags(t *testing.T) {
	tr := &fakeTransport{}
	e := newTestEngine(t, tr)

	report, err := e.Run(context.Background(), testTree(), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Status != StatusCompleted {
		t.Fatalf("status = %s (err: %v)", report.Status, report.Err)
	}

	var seqArgs []hal.ImageSequenceArgs
	var cleaveArgs []hal.CleaveCommandArgs
	for _, c := range tr.commands {
		switch c.Command {
		case hal.CmdRunImageSequence:
			var a hal.ImageSequenceArgs
			if err := json.Unmarshal(c.Args, &a); err != nil {
				t.Fatalf("decode image sequence args: %v", err)
			}
			seqArgs = append(seqArgs, a)
		case hal.CmdCleave:
			var a hal.CleaveCommandArgs
			if err := json.Unmarshal(c.Args, &a); err != nil {
				t.Fatalf("decode cleave args: %v", err)
			}
			cleaveArgs = append(cleaveArgs, a)
		}
	}
	if len(seqArgs) != 2 || len(cleaveArgs) != 2 {
		t.Fatalf("got %d image sequences, %d cleaves", len(seqArgs), len(cleaveArgs))
	}

	// Iteration 0: images take sequence numbers 0 and 1 at cycle 0.
	first := seqArgs[0].Sequence.Images
	if len(first) != 2 {
		t.Fatalf("first sequence has %d images", len(first))
	}
	if !strings.HasPrefix(first[0].Filename, "000000_0_dark_C0000_") {
		t.Errorf("image 0 filename = %q", first[0].Filename)
	}
	if !strings.HasPrefix(first[1].Filename, "000001_1_lit_C0000_") {
		t.Errorf("image 1 filename = %q", first[1].Filename)
	}
	if !strings.HasSuffix(first[0].Filename, "_P-ReactionCycle-iteration_0-step_1-ImageSequence") {
		t.Errorf("image 0 filename path tag = %q", first[0].Filename)
	}

	// The cleave of iteration 0 reserves one number after the images and
	// still carries cycle 0; the counter advances afterwards.
	if !strings.HasPrefix(cleaveArgs[0].Filename, "000002_0_cleave_C0000_") {
		t.Errorf("cleave 0 filename = %q", cleaveArgs[0].Filename)
	}

	// Iteration 1 sees the incremented cycle number.
	second := seqArgs[1].Sequence.Images
	if !strings.HasPrefix(second[0].Filename, "000003_0_dark_C0001_") {
		t.Errorf("iteration 1 image 0 filename = %q", second[0].Filename)
	}
	if !strings.HasPrefix(cleaveArgs[1].Filename, "000005_0_cleave_C0001_") {
		t.Errorf("cleave 1 filename = %q", cleaveArgs[1].Filename)
	}

	// Output directories were created under the run directory.
	if seqArgs[0].OutputDir == "" {
		t.Fatal("image sequence args carry no output dir")
	}
	if _, err := os.Stat(seqArgs[0].OutputDir); err != nil {
		t.Errorf("output dir not created: %v", err)
	}
}

func TestRunSetTemperatureCarriesBounds(t *testing.T) {
	tr := &fakeTransport{}
	e := newTestEngine(t, tr)

	root := &protocol.Step{
		Kind:           protocol.KindSetTemperature,
		Label:          "warm",
		SetTemperature: &protocol.TemperatureArgs{TargetTemperatureKelvin: 310.5},
	}
	report, err := e.Run(context.Background(), root, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Status != StatusCompleted {
		t.Fatalf("status = %s (err: %v)", report.Status, report.Err)
	}
	if tr.count(hal.CmdWaitForTemperature) != 1 {
		t.Fatalf("wait_for_temperature sent %d times, want 1", tr.count(hal.CmdWaitForTemperature))
	}

	var args hal.TemperatureArgs
	for _, c := range tr.commands {
		if c.Command == hal.CmdWaitForTemperature {
			if err := json.Unmarshal(c.Args, &args); err != nil {
				t.Fatalf("decode temperature args: %v", err)
			}
		}
	}
	got := args.TemperatureArgs
	if got.TargetTemperatureKelvin != 310.5 {
		t.Errorf("target = %g K, want 310.5", got.TargetTemperatureKelvin)
	}
	if got.WaitTimeS != MaxTemperatureWaitS {
		t.Errorf("wait_time_s = %d, want %d", got.WaitTimeS, MaxTemperatureWaitS)
	}
	if got.HoldTimeS != MaxTemperatureHoldS {
		t.Errorf("hold_time_s = %d, want %d", got.HoldTimeS, MaxTemperatureHoldS)
	}
}

func TestRunStoppedOnCancel(t *testing.T) {
	tr := &fakeTransport{}
	e := newTestEngine(t, tr)

	root := &protocol.Step{
		Kind:  protocol.KindWait,
		Label: "long pause",
		Wait:  &protocol.WaitArgs{DurationMS: 10_000},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	report, err := e.Run(ctx, root, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Status != StatusStopped {
		t.Fatalf("status = %s, want Stopped", report.Status)
	}
	// The stop request must not skip the heater shutdown.
	if tr.count(hal.CmdDisableHeater) != 1 {
		t.Errorf("disable_heater sent %d times, want 1", tr.count(hal.CmdDisableHeater))
	}
}

func TestRunFailurePropagates(t *testing.T) {
	tr := &fakeTransport{fail: map[string]string{
		hal.CmdRunImageSequence: "stage motor stalled",
	}}
	e := newTestEngine(t, tr)

	report, err := e.Run(context.Background(), testTree(), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Status != StatusFailed {
		t.Fatalf("status = %s, want Failed", report.Status)
	}
	var rej *hal.RejectedError
	if !errors.As(report.Err, &rej) {
		t.Fatalf("report.Err %T, want *hal.RejectedError", report.Err)
	}
	// No cleave after the failed step, but the heater shutdown still runs.
	if tr.count(hal.CmdCleave) != 0 {
		t.Errorf("cleave sent %d times after failure, want 0", tr.count(hal.CmdCleave))
	}
	if tr.count(hal.CmdDisableHeater) != 1 {
		t.Errorf("disable_heater sent %d times, want 1", tr.count(hal.CmdDisableHeater))
	}
}

func TestRunReportsHeaterShutdownFailure(t *testing.T) {
	tr := &fakeTransport{fail: map[string]string{
		hal.CmdDisableHeater: "no ack",
	}}
	e := newTestEngine(t, tr)
	e.HeaterMaxTries = 2

	root := &protocol.Step{
		Kind:  protocol.KindWait,
		Label: "blip",
		Wait:  &protocol.WaitArgs{DurationMS: 1},
	}
	report, err := e.Run(context.Background(), root, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Status != StatusCompleted {
		t.Errorf("status = %s, want Completed", report.Status)
	}
	var hse *hal.HeaterShutdownError
	if !errors.As(report.HeaterErr, &hse) {
		t.Fatalf("HeaterErr %T, want *hal.HeaterShutdownError", report.HeaterErr)
	}
	if tr.count(hal.CmdDisableHeater) != 2 {
		t.Errorf("disable_heater sent %d times, want 2", tr.count(hal.CmdDisableHeater))
	}
}

func TestRunRejectsConcurrentStart(t *testing.T) {
	e := newTestEngine(t, &fakeTransport{})
	e.running.Store(true)

	root := &protocol.Step{Kind: protocol.KindWait, Wait: &protocol.WaitArgs{DurationMS: 1}}
	if _, err := e.Run(context.Background(), root, RunOptions{}); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("err = %v, want ErrRunInProgress", err)
	}
}

func TestRunObserverAndTrace(t *testing.T) {
	tr := &fakeTransport{}
	e := newTestEngine(t, tr)

	var paths []string
	report, err := e.Run(context.Background(), testTree(), RunOptions{
		Observer: func(rc *RunContext) { paths = append(paths, rc.String()) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{
		"ReactionCycle",
		"ReactionCycle-iteration_0-step_0/Wait",
		"ReactionCycle-iteration_0-step_1/ImageSequence",
		"ReactionCycle-iteration_0",
		"ReactionCycle-iteration_1-step_0/Wait",
		"ReactionCycle-iteration_1-step_1/ImageSequence",
		"ReactionCycle-iteration_1",
	}
	if len(paths) != len(want) {
		t.Fatalf("observer saw %d events, want %d: %v", len(paths), len(want), paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, paths[i], want[i])
		}
	}

	// One trace line per observer event.
	f, err := os.Open(filepath.Join(report.Dir, "trace.jsonl"))
	if err != nil {
		t.Fatalf("open trace: %v", err)
	}
	defer f.Close()
	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var event TraceEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			t.Fatalf("trace line %d: %v", lines, err)
		}
		if event.RunID != report.RunID {
			t.Errorf("trace line %d run id = %q, want %q", lines, event.RunID, report.RunID)
		}
		lines++
	}
	if lines != len(want) {
		t.Errorf("trace has %d lines, want %d", lines, len(want))
	}
}

func TestRunProgressDeterministicAcrossRuns(t *testing.T) {
	e := newTestEngine(t, &fakeTransport{})

	run := func() []string {
		var paths []string
		report, err := e.Run(context.Background(), testTree(), RunOptions{
			Observer: func(rc *RunContext) { paths = append(paths, rc.String()) },
		})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if report.Status != StatusCompleted {
			t.Fatalf("status = %s (err: %v)", report.Status, report.Err)
		}
		return paths
	}

	first := run()
	second := run()
	if len(first) != len(second) {
		t.Fatalf("runs saw %d and %d events", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("event %d differs: %q vs %q", i, first[i], second[i])
		}
	}
}

func TestRunWritesManifest(t *testing.T) {
	tr := &fakeTransport{}
	e := newTestEngine(t, tr)

	report, err := e.Run(context.Background(), testTree(), RunOptions{
		ProtocolPath: "demo.454sp.json",
		Mock:         true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(report.Dir, "run.yaml"))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	text := string(raw)
	for _, want := range []string{report.RunID, "Completed", "demo.454sp.json", "mock: true"} {
		if !strings.Contains(text, want) {
			t.Errorf("manifest missing %q:\n%s", want, text)
		}
	}
}
