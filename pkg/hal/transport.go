package hal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Default transport tunables.
const (
	DefaultPollInterval    = 1 * time.Second
	DefaultResponseTimeout = 10 * time.Minute
	DefaultMockDelay       = 1 * time.Second
)

// Transport carries one request/response exchange with the HAL endpoint.
// Implementations: NetTransport (real hardware), MockTransport (simulated).
type Transport interface {
	Exchange(ctx context.Context, request []byte) ([]byte, error)
}

// NetTransport talks to a real HAL over a unix domain socket or TCP.
// Each exchange is one connection: dial, write the request, poll-read the
// response. Reads use short deadlines so cancellation is observed between
// poll attempts; cancellation latency is bounded by PollInterval.
type NetTransport struct {
	Network string // "tcp" or "unix"
	Address string

	// PollInterval is the read-deadline granularity; zero means
	// DefaultPollInterval.
	PollInterval time.Duration
	// ResponseTimeout is the total window allowed for a response; zero
	// means DefaultResponseTimeout. Hardware commands can legitimately
	// block for minutes (temperature ramps), so this is generous.
	ResponseTimeout time.Duration
}

func (t *NetTransport) pollInterval() time.Duration {
	if t.PollInterval > 0 {
		return t.PollInterval
	}
	return DefaultPollInterval
}

func (t *NetTransport) responseTimeout() time.Duration {
	if t.ResponseTimeout > 0 {
		return t.ResponseTimeout
	}
	return DefaultResponseTimeout
}

// commandName extracts the command field from an encoded request, for
// error reporting only.
func commandName(request []byte) string {
	var req struct {
		Command string `json:"command"`
	}
	json.Unmarshal(request, &req)
	return req.Command
}

// Exchange sends one request and waits for the complete JSON response.
func (t *NetTransport) Exchange(ctx context.Context, request []byte) ([]byte, error) {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, t.Network, t.Address)
	if err != nil {
		return nil, fmt.Errorf("dial hal: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write(request); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	start := time.Now()
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		// Cancellation is checked here, between poll attempts. A
		// cancelled exchange never tries to parse partial data.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if elapsed := time.Since(start); elapsed > t.responseTimeout() {
			return nil, &TimeoutError{Command: commandName(request), Elapsed: elapsed}
		}

		if err := conn.SetReadDeadline(time.Now().Add(t.pollInterval())); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		n, err := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) && json.Valid(buf) {
				return buf, nil
			}
			return nil, fmt.Errorf("read response: %w", err)
		}
		// Responses are a single JSON object; a read may return it in
		// pieces, so keep accumulating until it parses.
		if json.Valid(buf) {
			return buf, nil
		}
	}
}

// MockTransport simulates the HAL locally: a fixed delay per command, no
// real I/O. Step logic never branches on mock mode; only the transport
// differs. Used when no HAL endpoint is reachable at startup.
type MockTransport struct {
	// Delay is the simulated per-command latency; zero means
	// DefaultMockDelay. Tests set it near zero.
	Delay time.Duration
	// Metadata overrides the canned get_metadata response when non-nil.
	Metadata *Metadata
}

// mockMetadata is the capability set reported by a simulated instrument.
var mockMetadata = Metadata{
	SerialNumber:        "MOCK00000000",
	HALVersion:          "mock",
	FilterServoControl:  false,
	TemperatureControl:  true,
	CanOverrideExposure: false,
}

func (t *MockTransport) delay() time.Duration {
	if t.Delay > 0 {
		return t.Delay
	}
	return DefaultMockDelay
}

// Exchange simulates one command: sleep, then answer success.
func (t *MockTransport) Exchange(ctx context.Context, request []byte) ([]byte, error) {
	var req Request
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}

	select {
	case <-time.After(t.delay()):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var body any = struct{}{}
	if req.Command == CmdGetMetadata {
		if t.Metadata != nil {
			body = t.Metadata
		} else {
			body = &mockMetadata
		}
	}
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode mock response: %w", err)
	}
	return json.Marshal(map[string]any{
		"success":  true,
		"response": json.RawMessage(bodyJSON),
	})
}

// Probe reports whether anything is listening at the given endpoint. Used
// once at startup to decide between real and mock transports.
func Probe(network, address string, timeout time.Duration) bool {
	conn, err := net.DialTimeout(network, address, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
