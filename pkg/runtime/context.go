// Package runtime executes a loaded protocol tree against the instrument,
// tracking per-run state and emitting progress and trace events.
package runtime

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ormasoftchile/sequencer/pkg/protocol"
)

// RunState is the mutable counters of one run, shared by every context
// derived from the run's root context.
type RunState struct {
	// SequenceNumber is the next unassigned global capture sequence number.
	SequenceNumber int
	// CycleNumber counts completed reaction-cycle iterations across the
	// whole run, regardless of which cycle step produced them.
	CycleNumber int
}

// NextSequenceNumber reserves reserve consecutive sequence numbers and
// returns the first. A single engine worker mutates run state, so a plain
// counter suffices.
func (s *RunState) NextSequenceNumber(reserve int) int {
	n := s.SequenceNumber
	s.SequenceNumber += reserve
	return n
}

// PathNode is one ancestry entry of a RunContext. StepIndex and Iteration
// are recorded on a node only when one of its children has been entered; a
// set Iteration with a nil StepIndex marks the synthetic cleave position of
// a reaction cycle.
type PathNode struct {
	Step      *protocol.Step
	StepIndex *int
	Iteration *int
}

func (n PathNode) String() string {
	s := string(n.Step.Kind)
	if n.Iteration != nil {
		s += fmt.Sprintf("-iteration_%d", *n.Iteration)
	}
	if n.StepIndex != nil {
		s += fmt.Sprintf("-step_%d", *n.StepIndex)
	}
	return s
}

// RunContext locates one dispatch within the protocol tree: the chain of
// steps from the root down to the current step, with the child index and
// iteration recorded on each traversed container. Contexts are never
// mutated; descending derives a copy.
type RunContext struct {
	path       []PathNode
	outputRoot string
	state      *RunState
}

// NewRunContext creates the root context of a run. outputRoot is the
// run-unique directory all capture output lands under.
func NewRunContext(root *protocol.Step, outputRoot string) *RunContext {
	return &RunContext{
		path:       []PathNode{{Step: root}},
		outputRoot: outputRoot,
		state:      &RunState{},
	}
}

// Step returns the step this context points at.
func (rc *RunContext) Step() *protocol.Step {
	return rc.path[len(rc.path)-1].Step
}

// State returns the run state shared by all contexts of this run.
func (rc *RunContext) State() *RunState {
	return rc.state
}

func (rc *RunContext) clonePath() []PathNode {
	path := make([]PathNode, len(rc.path))
	copy(path, rc.path)
	return path
}

// Child derives the context for dispatching one child step: the current
// node is annotated with the child's index and the container iteration,
// then the child is appended as a bare node.
func (rc *RunContext) Child(step *protocol.Step, stepIndex, iteration int) *RunContext {
	path := rc.clonePath()
	last := &path[len(path)-1]
	last.StepIndex = &stepIndex
	last.Iteration = &iteration
	path = append(path, PathNode{Step: step})
	return &RunContext{path: path, outputRoot: rc.outputRoot, state: rc.state}
}

// CleaveChild derives the context for the synthetic cleave that ends one
// reaction-cycle iteration. The cycle node records the iteration but no
// child index; cleaving is an action of the cycle itself, not a tree node.
func (rc *RunContext) CleaveChild(iteration int) *RunContext {
	path := rc.clonePath()
	last := &path[len(path)-1]
	last.Iteration = &iteration
	last.StepIndex = nil
	return &RunContext{path: path, outputRoot: rc.outputRoot, state: rc.state}
}

// String renders the slash-joined node path, the run-relative identity
// shown in progress lines and used for output directories.
func (rc *RunContext) String() string {
	return strings.Join(rc.parts(), "/")
}

// PathTag renders the node path with "-" separators, safe for embedding in
// a filename.
func (rc *RunContext) PathTag() string {
	return strings.Join(rc.parts(), "-")
}

// OutputDir returns the directory capture files of this context land in:
// one subdirectory per path node under the run's output root.
func (rc *RunContext) OutputDir() string {
	return filepath.Join(append([]string{rc.outputRoot}, rc.parts()...)...)
}

func (rc *RunContext) parts() []string {
	parts := make([]string, len(rc.path))
	for i, n := range rc.path {
		parts[i] = n.String()
	}
	return parts
}
