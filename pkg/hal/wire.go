// Package hal implements the wire client for the instrument's Hardware
// Abstraction Layer: one JSON request and one JSON response per exchange,
// over a unix domain socket or TCP depending on deployment.
package hal

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ormasoftchile/sequencer/pkg/protocol"
)

// Command names understood by the HAL endpoint.
const (
	CmdGetMetadata        = "get_metadata"
	CmdRunImageSequence   = "run_image_sequence"
	CmdWaitForTemperature = "wait_for_temperature"
	CmdCleave             = "cleave"
	CmdDisableHeater      = "disable_heater"
	CmdFlashLEDs          = "flash_leds"
	CmdRunLivePreview     = "run_live_preview"
)

// Request is one command sent to the HAL.
type Request struct {
	Command string `json:"command"`
	Args    any    `json:"args"`
}

// Response is the HAL's reply to a single Request.
type Response struct {
	Success      BoostBool       `json:"success"`
	Body         json.RawMessage `json:"response"`
	ErrorMessage string          `json:"error_message"`
}

// BoostBool decodes a boolean that may arrive as a native bool or the
// literal strings "true"/"false" — an artifact of the remote encoder.
type BoostBool bool

func (b *BoostBool) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "true", `"true"`:
		*b = true
	case "false", `"false"`:
		*b = false
	default:
		return fmt.Errorf("cannot decode %s as boolean", data)
	}
	return nil
}

// LooseInt decodes an integer that may arrive quoted, for the same reason
// as BoostBool.
type LooseInt int

func (n *LooseInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("cannot decode %s as integer", data)
	}
	*n = LooseInt(v)
	return nil
}

// Metadata describes the optional capabilities of the connected instrument,
// returned by get_metadata.
type Metadata struct {
	SerialNumber        string         `json:"serial_number"`
	HALVersion          string         `json:"hal_version"`
	FilterServoControl  BoostBool      `json:"filter_servo_control"`
	TemperatureControl  BoostBool      `json:"temperature_control"`
	CanOverrideExposure BoostBool      `json:"can_override_exposure"`
	CameraOptions       *CameraOptions `json:"camera_options,omitempty"`
}

// CameraOptions reports camera limits used to bound operator inputs.
type CameraOptions struct {
	ShutterTimeMS LooseInt `json:"shutter_time_ms"`
}

// ImageSequenceArgs is the args object of a run_image_sequence command.
type ImageSequenceArgs struct {
	Sequence               Sequence `json:"sequence"`
	OutputDir              string   `json:"output_dir,omitempty"`
	ExposureTimeMSOverride *int     `json:"exposure_time_ms_override,omitempty"`
}

// Sequence is the capture list forwarded to the HAL, the step's imaging
// arguments plus the step label and engine-assigned filenames.
type Sequence struct {
	Label         string           `json:"label"`
	SchemaVersion int              `json:"schema_version"`
	Images        []protocol.Image `json:"images"`
}

// TemperatureArgs is the args object of a wait_for_temperature command.
type TemperatureArgs struct {
	TemperatureArgs TemperatureSettings `json:"temperature_args"`
}

// TemperatureSettings bounds how long the hardware may block: WaitTimeS to
// reach the target, HoldTimeS after it is reached.
type TemperatureSettings struct {
	TargetTemperatureKelvin float64 `json:"target_temperature_kelvin"`
	WaitTimeS               int     `json:"wait_time_s"`
	HoldTimeS               int     `json:"hold_time_s"`
}

// CleaveCommandArgs is the args object of a cleave command.
type CleaveCommandArgs struct {
	CleaveArgs protocol.CleaveArgs `json:"cleave_args"`
	OutputDir  string              `json:"output_dir,omitempty"`
	Filename   string              `json:"filename,omitempty"`
}

// FlashArgs is the args object of a flash_leds command.
type FlashArgs struct {
	Flashes []protocol.Flash `json:"flashes"`
}
