package preview

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// DefaultReconnectDelay separates reconnection attempts when the preview
// endpoint is down or drops the stream.
const DefaultReconnectDelay = 5 * time.Second

// headerSize is the fixed frame-header length in bytes. The header packs,
// most significant bits first: version (4 bits), width (12), height (12),
// pixel format (6), payload size (26), then 4 bits of padding.
const headerSize = 8

// maxPayload bounds the per-frame allocation at the hardware's stated 48 MB
// message maximum, below the 26-bit field limit, so a desynchronized stream
// fails fast instead of allocating garbage.
const maxPayload = 48 << 20

// header is the decoded fixed-size frame prefix.
type header struct {
	Version int
	Width   int
	Height  int
	Format  int
	Size    int
}

func decodeHeader(raw [headerSize]byte) (header, error) {
	u := binary.BigEndian.Uint64(raw[:])
	h := header{
		Version: int(u >> 60),
		Width:   int(u >> 48 & 0xFFF),
		Height:  int(u >> 36 & 0xFFF),
		Format:  int(u >> 30 & 0x3F),
		Size:    int(u >> 4 & 0x3FFFFFF),
	}
	if h.Version != 0 {
		return header{}, fmt.Errorf("unsupported preview protocol version %d", h.Version)
	}
	if h.Size > maxPayload {
		return header{}, fmt.Errorf("frame payload %d exceeds limit %d", h.Size, maxPayload)
	}
	return h, nil
}

// ReadFrame reads exactly one frame from the stream: the 8-byte header, then
// the payload it announces. Payload bytes may arrive across many reads; the
// frame is complete only when the announced size has been consumed.
func ReadFrame(r io.Reader) (*Frame, error) {
	var raw [headerSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	h, err := decodeHeader(raw)
	if err != nil {
		return nil, err
	}

	data := make([]byte, h.Size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return &Frame{
		Width:     h.Width,
		Height:    h.Height,
		Format:    h.Format,
		Stride:    Stride(h.Width),
		Data:      data,
		Timestamp: time.Now(),
	}, nil
}

// Decoder consumes the live-preview socket and hands decoded frames to a
// sink. One Decoder serves one stream.
type Decoder struct {
	Network string
	Address string
	Sink    FrameSink

	// ReconnectDelay separates reconnection attempts; zero means
	// DefaultReconnectDelay.
	ReconnectDelay time.Duration

	Log zerolog.Logger
}

func (d *Decoder) reconnectDelay() time.Duration {
	if d.ReconnectDelay > 0 {
		return d.ReconnectDelay
	}
	return DefaultReconnectDelay
}

// Stream connects to the preview endpoint and decodes frames until ctx is
// cancelled. The endpoint only serves frames while the hardware is actively
// previewing, so connection loss is routine; Stream reconnects after a fixed
// delay rather than treating it as an error. Returns ctx.Err() on
// cancellation.
func (d *Decoder) Stream(ctx context.Context) error {
	for {
		if err := d.streamOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.Log.Debug().Err(err).Msg("preview stream interrupted")
		}

		select {
		case <-time.After(d.reconnectDelay()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// streamOnce runs one connection to completion: dial, decode frames until
// the peer closes or an error occurs.
func (d *Decoder) streamOnce(ctx context.Context) error {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, d.Network, d.Address)
	if err != nil {
		return fmt.Errorf("dial preview: %w", err)
	}
	defer conn.Close()

	// Closing the connection on cancellation unblocks any in-flight read.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	d.Log.Info().Str("address", d.Address).Msg("preview stream connected")

	var seq uint64
	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		frame.Seq = seq
		seq++
		if d.Sink != nil {
			d.Sink.OnFrameDecoded(frame)
		}
	}
}
