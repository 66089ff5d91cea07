// Package protocol defines the Go struct types for the sequencing protocol
// JSON document format and the in-memory step tree built from it.
package protocol

// Document is one node of a raw protocol file. Exactly one of the *_args
// members is populated, selected by EventType.
type Document struct {
	Label              string             `json:"label"                         jsonschema:"required"`
	EventType          string             `json:"event_type"                    jsonschema:"required,enum=ReactionCycle,enum=Group,enum=ImageSequence,enum=Wait,enum=SetTemperature"`
	ReactionCycleArgs  *ReactionCycleArgs `json:"ReactionCycle_args,omitempty"`
	GroupArgs          *GroupArgs         `json:"Group_args,omitempty"`
	ImageSequenceArgs  *ImageSequenceArgs `json:"ImageSequence_args,omitempty"`
	WaitArgs           *WaitArgs          `json:"Wait_args,omitempty"`
	SetTemperatureArgs *TemperatureArgs   `json:"SetTemperature_args,omitempty"`
}

// ReactionCycleArgs configures a repeated block of children followed by a
// cleave action after each iteration.
type ReactionCycleArgs struct {
	Events     []Document `json:"events"     jsonschema:"required,minItems=1"`
	Cleaving   CleaveArgs `json:"cleaving"   jsonschema:"required"`
	Iterations int        `json:"iterations" jsonschema:"required,minimum=1"`
}

// GroupArgs configures a repeated block of children.
type GroupArgs struct {
	Events     []Document `json:"events"     jsonschema:"required,minItems=1"`
	Iterations int        `json:"iterations" jsonschema:"required,minimum=1"`
}

// ImageSequenceArgs is forwarded to the HAL's run_image_sequence command.
type ImageSequenceArgs struct {
	SchemaVersion int     `json:"schema_version"`
	Images        []Image `json:"images" jsonschema:"required,minItems=1"`
}

// Image describes a single capture within an image sequence.
// Filename is assigned by the engine at dispatch time, never by the author.
type Image struct {
	Label    string  `json:"label"              jsonschema:"required"`
	Flashes  []Flash `json:"flashes,omitempty"`
	Filter   string  `json:"filter,omitempty"   jsonschema:"enum=any_filter,enum=no_filter,enum=red,enum=orange,enum=green,enum=blue"`
	Filename string  `json:"filename,omitempty"`
}

// Flash is one LED flash during an exposure.
type Flash struct {
	LED        string `json:"led"         jsonschema:"required,enum=red,enum=orange,enum=green,enum=blue"`
	DurationMS int    `json:"duration_ms" jsonschema:"required,minimum=0"`
}

// CleaveArgs is forwarded to the HAL's cleave command.
type CleaveArgs struct {
	SchemaVersion             int `json:"schema_version"`
	CapturePeriodMS           int `json:"capture_period_ms"           jsonschema:"minimum=0"`
	CleavingDurationMS        int `json:"cleaving_duration_ms"        jsonschema:"required,minimum=0"`
	CleavingIntensityPerMille int `json:"cleaving_intensity_per_mille" jsonschema:"required,minimum=0,maximum=1000"`
}

// WaitArgs configures a timed pause.
type WaitArgs struct {
	DurationMS int `json:"duration_ms" jsonschema:"required,minimum=0"`
}

// TemperatureArgs configures a heater target for wait_for_temperature.
type TemperatureArgs struct {
	TargetTemperatureKelvin float64 `json:"target_temperature_kelvin" jsonschema:"required,minimum=0"`
}
