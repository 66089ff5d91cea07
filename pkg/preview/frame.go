// Package preview decodes the instrument's live-preview stream: a
// persistent socket carrying length-prefixed binary image frames.
package preview

import "time"

// Frame is one decoded preview image. Data is shared by reference and must
// not be modified by sinks.
type Frame struct {
	Width  int
	Height int
	// Format is the pixel-format tag from the frame header, opaque to the
	// decoder and interpreted by the display sink.
	Format int
	// Stride is the row stride in bytes for the RGB888 format family.
	Stride int
	Data   []byte
	// Seq is a monotonically increasing per-stream frame number assigned
	// by the decoder. Used for drop detection by sinks.
	Seq       uint64
	Timestamp time.Time
}

// Stride returns width*3 rounded up to the next multiple of 32 bytes, the
// row alignment used by the RGB888 pixel-format family.
func Stride(width int) int {
	return (width*3 + 31) / 32 * 32
}

// FrameSink receives decoded frames. Called synchronously from the decoder
// worker; slow sinks delay the stream.
type FrameSink interface {
	OnFrameDecoded(frame *Frame)
}

// FrameSinkFunc adapts a function to the FrameSink interface.
type FrameSinkFunc func(frame *Frame)

func (f FrameSinkFunc) OnFrameDecoded(frame *Frame) { f(frame) }
