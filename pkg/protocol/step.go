package protocol

import "fmt"

// Kind discriminates the step variants.
type Kind string

const (
	KindWait           Kind = "Wait"
	KindImageSequence  Kind = "ImageSequence"
	KindSetTemperature Kind = "SetTemperature"
	KindGroup          Kind = "Group"
	KindReactionCycle  Kind = "ReactionCycle"
)

// readableKinds maps step kinds to the labels shown to operators.
var readableKinds = map[Kind]string{
	KindWait:           "Wait",
	KindImageSequence:  "Image Sequence",
	KindSetTemperature: "Set Temperature",
	KindGroup:          "Group",
	KindReactionCycle:  "Reaction Cycle",
}

// Step is one node of a loaded protocol tree. Exactly one of the variant
// members matching Kind is populated. Steps are immutable after Load.
//
// Line is the step's 0-based position in a pre-order flattening of the whole
// tree; Depth is its nesting level. Both are assigned by the loader.
type Step struct {
	Kind  Kind
	Label string
	Line  int
	Depth int

	Wait           *WaitArgs
	ImageSequence  *ImageSequenceArgs
	SetTemperature *TemperatureArgs

	// Container fields, set for Group and ReactionCycle.
	Children   []*Step
	Iterations int
	// Cleaving is set for ReactionCycle only.
	Cleaving *CleaveArgs
}

// ReadableKind returns the operator-facing name of the step kind.
func (s *Step) ReadableKind() string {
	if r, ok := readableKinds[s.Kind]; ok {
		return r
	}
	return string(s.Kind)
}

// IsContainer reports whether the step has children to execute.
func (s *Step) IsContainer() bool {
	return s.Kind == KindGroup || s.Kind == KindReactionCycle
}

// Count returns the number of tree nodes reachable from s: itself plus all
// descendants. The synthetic cleave action of a ReactionCycle is not a node.
func (s *Step) Count() int {
	n := 1
	for _, child := range s.Children {
		n += child.Count()
	}
	return n
}

// Walk calls fn for every node reachable from s in pre-order.
func (s *Step) Walk(fn func(*Step)) {
	fn(s)
	for _, child := range s.Children {
		child.Walk(fn)
	}
}

// Details returns a short human-readable summary of the step's payload for
// progress and viewer lines.
func (s *Step) Details() string {
	switch s.Kind {
	case KindWait:
		return fmt.Sprintf("%g seconds", float64(s.Wait.DurationMS)/1000)
	case KindImageSequence:
		return fmt.Sprintf("%d images", len(s.ImageSequence.Images))
	case KindSetTemperature:
		return fmt.Sprintf("%.2f K", s.SetTemperature.TargetTemperatureKelvin)
	case KindGroup, KindReactionCycle:
		return fmt.Sprintf("%d iterations, %d children", s.Iterations, s.Count()-1)
	}
	return ""
}
