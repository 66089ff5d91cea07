package protocol

import (
	"encoding/json"
	"fmt"
	"os"
)

// UnsupportedKindError is returned when a document declares an event_type the
// loader does not know. The whole load aborts; no partial tree is returned.
type UnsupportedKindError struct {
	EventType string
}

func (e *UnsupportedKindError) Error() string {
	return fmt.Sprintf("unsupported event type %q", e.EventType)
}

// Load parses a raw protocol document and builds the step tree, assigning
// Line and Depth in pre-order. Returns the root step and the total node
// count so callers can pre-size line-indexed storage.
//
// Load assumes the document already passed Validate; it still fails cleanly
// on structural problems, but diagnostics are better from the validator.
func Load(raw []byte) (*Step, int, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, 0, fmt.Errorf("decode protocol: %w", err)
	}
	return loadDocument(&doc, 0, 0)
}

// LoadFile reads and loads a protocol file.
func LoadFile(path string) (*Step, int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("read protocol: %w", err)
	}
	return Load(raw)
}

// loadDocument recursively builds one subtree. line is the pre-order position
// of this node; the returned count is the size of the subtree, which the
// caller uses to advance sibling line numbers.
func loadDocument(doc *Document, line, depth int) (*Step, int, error) {
	step := &Step{
		Label: doc.Label,
		Line:  line,
		Depth: depth,
	}

	switch doc.EventType {
	case string(KindReactionCycle):
		if doc.ReactionCycleArgs == nil {
			return nil, 0, fmt.Errorf("line %d: ReactionCycle step has no ReactionCycle_args", line)
		}
		args := doc.ReactionCycleArgs
		count, err := loadChildren(step, args.Events, line, depth)
		if err != nil {
			return nil, 0, err
		}
		step.Kind = KindReactionCycle
		step.Iterations = args.Iterations
		cleaving := args.Cleaving
		step.Cleaving = &cleaving
		return step, count, nil

	case string(KindGroup):
		if doc.GroupArgs == nil {
			return nil, 0, fmt.Errorf("line %d: Group step has no Group_args", line)
		}
		args := doc.GroupArgs
		count, err := loadChildren(step, args.Events, line, depth)
		if err != nil {
			return nil, 0, err
		}
		step.Kind = KindGroup
		step.Iterations = args.Iterations
		return step, count, nil

	case string(KindImageSequence):
		if doc.ImageSequenceArgs == nil {
			return nil, 0, fmt.Errorf("line %d: ImageSequence step has no ImageSequence_args", line)
		}
		step.Kind = KindImageSequence
		step.ImageSequence = doc.ImageSequenceArgs
		return step, 1, nil

	case string(KindWait):
		if doc.WaitArgs == nil {
			return nil, 0, fmt.Errorf("line %d: Wait step has no Wait_args", line)
		}
		step.Kind = KindWait
		step.Wait = doc.WaitArgs
		return step, 1, nil

	case string(KindSetTemperature):
		if doc.SetTemperatureArgs == nil {
			return nil, 0, fmt.Errorf("line %d: SetTemperature step has no SetTemperature_args", line)
		}
		step.Kind = KindSetTemperature
		step.SetTemperature = doc.SetTemperatureArgs
		return step, 1, nil
	}

	return nil, 0, &UnsupportedKindError{EventType: doc.EventType}
}

// loadChildren builds the children of a container step. The first child gets
// line+1; each subsequent sibling advances by the previous subtree's count.
func loadChildren(step *Step, events []Document, line, depth int) (int, error) {
	nextLine := line + 1
	count := 1
	for i := range events {
		child, childCount, err := loadDocument(&events[i], nextLine, depth+1)
		if err != nil {
			return 0, err
		}
		nextLine += childCount
		count += childCount
		step.Children = append(step.Children, child)
	}
	return count, nil
}
