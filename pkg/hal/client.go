package hal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Default safety tunables for the heater shutdown procedure.
const (
	DefaultHeaterMaxTries   = 3
	DefaultHeaterRetryDelay = 2 * time.Second
)

// Client builds and sends HAL command messages and classifies failures.
type Client struct {
	transport Transport
	log       zerolog.Logger

	// HeaterRetryDelay separates disable_heater attempts; zero means
	// DefaultHeaterRetryDelay.
	HeaterRetryDelay time.Duration
}

// NewClient creates a client over the given transport.
func NewClient(transport Transport, log zerolog.Logger) *Client {
	return &Client{
		transport: transport,
		log:       log,
	}
}

// SendCommand serializes and sends one command, waits for the response, and
// normalizes its success indicator. A falsy indicator becomes a
// *RejectedError carrying the hardware-supplied error text.
func (c *Client) SendCommand(ctx context.Context, command string, args any) (json.RawMessage, error) {
	payload, err := json.Marshal(Request{Command: command, Args: args})
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", command, err)
	}

	c.log.Debug().Str("command", command).Msg("sending hal command")
	start := time.Now()

	raw, err := c.transport.Exchange(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", command, err)
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", command, err)
	}

	c.log.Debug().
		Str("command", command).
		Bool("success", bool(resp.Success)).
		Dur("elapsed", time.Since(start)).
		Msg("hal command finished")

	if !resp.Success {
		return nil, &RejectedError{Command: command, Message: resp.ErrorMessage}
	}
	return resp.Body, nil
}

// GetMetadata performs the best-effort startup capability discovery call.
func (c *Client) GetMetadata(ctx context.Context) (*Metadata, error) {
	body, err := c.SendCommand(ctx, CmdGetMetadata, struct{}{})
	if err != nil {
		return nil, err
	}
	var md Metadata
	if err := json.Unmarshal(body, &md); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &md, nil
}

// RunImageSequence issues one run_image_sequence command.
func (c *Client) RunImageSequence(ctx context.Context, args *ImageSequenceArgs) error {
	_, err := c.SendCommand(ctx, CmdRunImageSequence, args)
	return err
}

// WaitForTemperature issues one wait_for_temperature command. The HAL
// blocks until the target is reached or the embedded bounds expire.
func (c *Client) WaitForTemperature(ctx context.Context, args *TemperatureArgs) error {
	_, err := c.SendCommand(ctx, CmdWaitForTemperature, args)
	return err
}

// Cleave issues one cleave (UV exposure) command.
func (c *Client) Cleave(ctx context.Context, args *CleaveCommandArgs) error {
	_, err := c.SendCommand(ctx, CmdCleave, args)
	return err
}

// FlashLEDs issues one flash_leds command (manual controls path).
func (c *Client) FlashLEDs(ctx context.Context, args *FlashArgs) error {
	_, err := c.SendCommand(ctx, CmdFlashLEDs, args)
	return err
}

// RunLivePreview issues one run_live_preview command (manual controls path).
func (c *Client) RunLivePreview(ctx context.Context, args *ImageSequenceArgs) error {
	_, err := c.SendCommand(ctx, CmdRunLivePreview, args)
	return err
}

func (c *Client) heaterRetryDelay() time.Duration {
	if c.HeaterRetryDelay > 0 {
		return c.HeaterRetryDelay
	}
	return DefaultHeaterRetryDelay
}

// DisableHeater attempts the disable_heater safety command up to maxTries
// times with a fixed inter-attempt delay, logging and swallowing each
// failure. Exhausting the retries returns a *HeaterShutdownError — a fatal
// condition, distinct from an ordinary rejection.
func (c *Client) DisableHeater(ctx context.Context, maxTries int) error {
	if maxTries <= 0 {
		maxTries = DefaultHeaterMaxTries
	}

	var lastErr error
	for attempt := 1; attempt <= maxTries; attempt++ {
		_, err := c.SendCommand(ctx, CmdDisableHeater, struct{}{})
		if err == nil {
			return nil
		}
		lastErr = err
		c.log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_tries", maxTries).
			Msg("disable_heater failed")

		if attempt < maxTries {
			select {
			case <-time.After(c.heaterRetryDelay()):
			case <-ctx.Done():
				return &HeaterShutdownError{Attempts: attempt, LastErr: ctx.Err()}
			}
		}
	}
	return &HeaterShutdownError{Attempts: maxTries, LastErr: lastErr}
}
