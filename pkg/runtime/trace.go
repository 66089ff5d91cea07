package runtime

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// TraceEvent is one JSONL progress record. The engine writes one per step
// dispatch and one per synthetic cleave.
type TraceEvent struct {
	Type      string    `json:"type"` // step, cleave
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	Line      int       `json:"line"`
	Depth     int       `json:"depth"`
	Kind      string    `json:"kind"`
	Label     string    `json:"label"`
	Path      string    `json:"path"`
	Sequence  int       `json:"sequence"`
	Cycle     int       `json:"cycle"`
}

// TraceWriter writes TraceEvents to a JSONL trace file.
type TraceWriter struct {
	file   *os.File
	writer *bufio.Writer
	enc    *json.Encoder
}

// NewTraceWriter creates a trace writer that appends to the given file.
func NewTraceWriter(path string) (*TraceWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	w := bufio.NewWriter(f)
	return &TraceWriter{
		file:   f,
		writer: w,
		enc:    json.NewEncoder(w),
	}, nil
}

// Write appends one event and flushes to disk. Dispatches are minutes
// apart, so durability per event is cheap and a crash loses nothing.
func (tw *TraceWriter) Write(event *TraceEvent) error {
	if err := tw.enc.Encode(event); err != nil {
		return fmt.Errorf("encode trace event: %w", err)
	}
	if err := tw.writer.Flush(); err != nil {
		return fmt.Errorf("flush trace: %w", err)
	}
	if err := tw.file.Sync(); err != nil {
		return fmt.Errorf("sync trace: %w", err)
	}
	return nil
}

// Close flushes and closes the trace file.
func (tw *TraceWriter) Close() error {
	if err := tw.writer.Flush(); err != nil {
		return err
	}
	return tw.file.Close()
}
