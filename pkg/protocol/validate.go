package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// Temperature bounds accepted by the domain validator. The instrument heater
// cannot reach past boiling and the flow cell must stay above freezing.
const (
	minTargetKelvin = 273.15
	maxTargetKelvin = 373.15
)

// maxWaitDurationMS caps a single Wait step at 24 hours.
const maxWaitDurationMS = 24 * 60 * 60 * 1000

// ValidationError represents a single validation error with location context.
type ValidationError struct {
	Phase    string `json:"phase"` // structural, semantic, domain
	Path     string `json:"path"`  // JSON-path-like location (e.g., "ReactionCycle_args/events/0")
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message)
}

// Validate performs the full 3-phase validation pipeline on a raw protocol
// document. Malformed input must never reach the recursive loader.
// Phase 1: Structural (strict JSON decode)
// Phase 2: Semantic (JSON Schema validation)
// Phase 3: Domain (custom Go rules)
func Validate(raw []byte) []*ValidationError {
	// Phase 1: Structural — strict JSON decode
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return []*ValidationError{{
			Phase:    "structural",
			Message:  err.Error(),
			Severity: "error",
		}}
	}

	// Phase 2: Semantic — JSON Schema validation
	if errs := validateSemantic(raw); len(errs) > 0 {
		return errs
	}

	// Phase 3: Domain — custom Go rules
	return validateDomain(&doc, "")
}

// ValidateFile reads a protocol file and validates it.
func ValidateFile(path string) []*ValidationError {
	raw, err := os.ReadFile(path)
	if err != nil {
		return []*ValidationError{{
			Phase:    "structural",
			Message:  err.Error(),
			Severity: "error",
		}}
	}
	return Validate(raw)
}

// validateSemantic validates the raw document against the generated JSON Schema.
func validateSemantic(raw []byte) []*ValidationError {
	schemaJSON, err := GenerateJSONSchema()
	if err != nil {
		return []*ValidationError{{
			Phase:    "semantic",
			Message:  fmt.Sprintf("generate schema: %v", err),
			Severity: "error",
		}}
	}

	var schemaDoc interface{}
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return []*ValidationError{{
			Phase:    "semantic",
			Message:  fmt.Sprintf("unmarshal schema: %v", err),
			Severity: "error",
		}}
	}

	c := sjsonschema.NewCompiler()
	if err := c.AddResource("protocol-v0.json", schemaDoc); err != nil {
		return []*ValidationError{{
			Phase:    "semantic",
			Message:  fmt.Sprintf("add schema resource: %v", err),
			Severity: "error",
		}}
	}

	sch, err := c.Compile("protocol-v0.json")
	if err != nil {
		return []*ValidationError{{
			Phase:    "semantic",
			Message:  fmt.Sprintf("compile schema: %v", err),
			Severity: "error",
		}}
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return []*ValidationError{{
			Phase:    "semantic",
			Message:  fmt.Sprintf("unmarshal document: %v", err),
			Severity: "error",
		}}
	}

	if err := sch.Validate(doc); err != nil {
		var errs []*ValidationError
		if ve, ok := err.(*sjsonschema.ValidationError); ok {
			for _, cause := range flattenValidationErrors(ve) {
				errs = append(errs, &ValidationError{
					Phase:    "semantic",
					Path:     strings.Join(cause.InstanceLocation, "/"),
					Message:  fmt.Sprintf("%v", cause.ErrorKind),
					Severity: "error",
				})
			}
		} else {
			errs = append(errs, &ValidationError{
				Phase:    "semantic",
				Message:  err.Error(),
				Severity: "error",
			})
		}
		return errs
	}
	return nil
}

// flattenValidationErrors recursively collects all leaf validation errors.
func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

// validateDomain applies rules the schema cannot express: variant arguments
// matching the declared event_type, and numeric ranges with physical meaning.
func validateDomain(doc *Document, path string) []*ValidationError {
	var errs []*ValidationError

	fail := func(p, msg string) {
		errs = append(errs, &ValidationError{
			Phase:    "domain",
			Path:     p,
			Message:  msg,
			Severity: "error",
		})
	}
	join := func(elem string) string {
		if path == "" {
			return elem
		}
		return path + "/" + elem
	}

	var events []Document
	switch doc.EventType {
	case string(KindReactionCycle):
		if doc.ReactionCycleArgs == nil {
			fail(join("ReactionCycle_args"), "ReactionCycle step requires ReactionCycle_args")
			return errs
		}
		events = doc.ReactionCycleArgs.Events
		path = join("ReactionCycle_args/events")
	case string(KindGroup):
		if doc.GroupArgs == nil {
			fail(join("Group_args"), "Group step requires Group_args")
			return errs
		}
		events = doc.GroupArgs.Events
		path = join("Group_args/events")
	case string(KindImageSequence):
		if doc.ImageSequenceArgs == nil {
			fail(join("ImageSequence_args"), "ImageSequence step requires ImageSequence_args")
		}
	case string(KindWait):
		if doc.WaitArgs == nil {
			fail(join("Wait_args"), "Wait step requires Wait_args")
		} else if doc.WaitArgs.DurationMS > maxWaitDurationMS {
			fail(join("Wait_args/duration_ms"),
				fmt.Sprintf("duration %d ms exceeds maximum %d ms", doc.WaitArgs.DurationMS, maxWaitDurationMS))
		}
	case string(KindSetTemperature):
		if doc.SetTemperatureArgs == nil {
			fail(join("SetTemperature_args"), "SetTemperature step requires SetTemperature_args")
		} else {
			k := doc.SetTemperatureArgs.TargetTemperatureKelvin
			if k < minTargetKelvin || k > maxTargetKelvin {
				fail(join("SetTemperature_args/target_temperature_kelvin"),
					fmt.Sprintf("target %.2f K outside supported range [%.2f, %.2f]", k, minTargetKelvin, maxTargetKelvin))
			}
		}
	default:
		fail(join("event_type"), fmt.Sprintf("unsupported event type %q", doc.EventType))
	}

	for i := range events {
		errs = append(errs, validateDomain(&events[i], fmt.Sprintf("%s/%d", path, i))...)
	}
	return errs
}
