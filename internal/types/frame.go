package types

import (
	"fmt"
	"time"
)

// Frame represents a single decoded video frame tagged with its source.
type Frame struct {
	// SourceID is the configured camera index that produced the frame
	SourceID int
	// Seq is the monotonic per-source sequence number (starts at 1)
	Seq uint64
	// Timestamp is when the frame left the decoder
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains packed RGB pixels (3 bytes per pixel)
	Data []byte
	// TraceID is a unique identifier for distributed tracing
	TraceID string
}

// Validate reports whether the pixel buffer matches the declared geometry.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame geometry %dx%d", f.Width, f.Height)
	}
	if len(f.Data) == 0 {
		return fmt.Errorf("empty frame buffer")
	}
	if expected := f.Width * f.Height * 3; len(f.Data) != expected {
		return fmt.Errorf("invalid RGB data size: got %d, expected %d", len(f.Data), expected)
	}
	return nil
}

// Batch is one synchronized group of frames handed to the detection stage.
//
// Frames holds at most one frame per active source, ordered by source id.
type Batch struct {
	ID       uint64
	FormedAt time.Time
	Frames   []Frame
}

// Size returns the number of frames in the batch.
func (b Batch) Size() int {
	return len(b.Frames)
}

// SourceIDs returns the source ids in batch order.
func (b Batch) SourceIDs() []int {
	ids := make([]int, len(b.Frames))
	for i, f := range b.Frames {
		ids[i] = f.SourceID
	}
	return ids
}
