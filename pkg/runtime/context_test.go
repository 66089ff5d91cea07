package runtime

import (
	"path/filepath"
	"testing"

	"github.com/ormasoftchile/sequencer/pkg/protocol"
)

func testTree() *protocol.Step {
	wait := &protocol.Step{
		Kind:  protocol.KindWait,
		Label: "pause",
		Line:  1,
		Depth: 1,
		Wait:  &protocol.WaitArgs{DurationMS: 10},
	}
	snap := &protocol.Step{
		Kind:  protocol.KindImageSequence,
		Label: "snap",
		Line:  2,
		Depth: 1,
		ImageSequence: &protocol.ImageSequenceArgs{
			Images: []protocol.Image{{Label: "dark"}, {Label: "lit"}},
		},
	}
	return &protocol.Step{
		Kind:       protocol.KindReactionCycle,
		Label:      "cycle",
		Iterations: 2,
		Children:   []*protocol.Step{wait, snap},
		Cleaving: &protocol.CleaveArgs{
			CleavingDurationMS:        1000,
			CleavingIntensityPerMille: 500,
		},
	}
}

func TestRunContextString(t *testing.T) {
	root := testTree()
	rc := NewRunContext(root, "/out")
	if got := rc.String(); got != "ReactionCycle" {
		t.Errorf("root String() = %q, want ReactionCycle", got)
	}

	child := rc.Child(root.Children[0], 0, 1)
	want := "ReactionCycle-iteration_1-step_0/Wait"
	if got := child.String(); got != want {
		t.Errorf("child String() = %q, want %q", got, want)
	}
}

func TestChildDoesNotMutateParent(t *testing.T) {
	root := testTree()
	rc := NewRunContext(root, "/out")
	before := rc.String()

	_ = rc.Child(root.Children[1], 1, 0)
	_ = rc.CleaveChild(0)

	if got := rc.String(); got != before {
		t.Errorf("parent context changed: %q -> %q", before, got)
	}
}

func TestCleaveChildString(t *testing.T) {
	root := testTree()
	rc := NewRunContext(root, "/out")
	cleave := rc.CleaveChild(1)
	if got := cleave.String(); got != "ReactionCycle-iteration_1" {
		t.Errorf("cleave String() = %q, want ReactionCycle-iteration_1", got)
	}
}

func TestOutputDirAndPathTag(t *testing.T) {
	root := testTree()
	rc := NewRunContext(root, "/out").Child(root.Children[1], 1, 0)

	wantDir := filepath.Join("/out", "ReactionCycle-iteration_0-step_1", "ImageSequence")
	if got := rc.OutputDir(); got != wantDir {
		t.Errorf("OutputDir() = %q, want %q", got, wantDir)
	}
	wantTag := "ReactionCycle-iteration_0-step_1-ImageSequence"
	if got := rc.PathTag(); got != wantTag {
		t.Errorf("PathTag() = %q, want %q", got, wantTag)
	}
}

func TestNextSequenceNumberReservesBlocks(t *testing.T) {
	state := &RunState{}
	if got := state.NextSequenceNumber(3); got != 0 {
		t.Errorf("first block starts at %d, want 0", got)
	}
	if got := state.NextSequenceNumber(1); got != 3 {
		t.Errorf("second block starts at %d, want 3", got)
	}
	if got := state.NextSequenceNumber(2); got != 4 {
		t.Errorf("third block starts at %d, want 4", got)
	}
}

func TestStateSharedAcrossDerivedContexts(t *testing.T) {
	root := testTree()
	rc := NewRunContext(root, "/out")
	child := rc.Child(root.Children[0], 0, 0)

	child.State().NextSequenceNumber(5)
	if got := rc.State().SequenceNumber; got != 5 {
		t.Errorf("root sees sequence %d, want 5", got)
	}
}
