package record

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/e7canasta/orion-edge-guard/internal/types"
)

// timestampLayout matches the alert timestamp format.
const timestampLayout = "20060102_150405"

// Encoder compresses a frame to JPEG.
type Encoder interface {
	EncodeJPEG(frame types.Frame) ([]byte, error)
}

// Recorder saves annotated frames to disk as JPEG.
//
// Layout: {dir}/cam_{source:02d}/frame_{seq:06d}_{YYYYMMDD_HHMMSS}.jpg (UTC).
// Thread-safe: can be called from multiple workers concurrently.
type Recorder struct {
	dir     string
	encoder Encoder

	framesSaved  atomic.Uint64
	framesFailed atomic.Uint64
}

// New creates the output directory if needed.
func New(dir string, encoder Encoder) (*Recorder, error) {
	if dir == "" {
		return nil, fmt.Errorf("record: output directory is required")
	}
	if encoder == nil {
		return nil, fmt.Errorf("record: encoder is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &Recorder{dir: dir, encoder: encoder}, nil
}

// Path returns the file path a frame is saved to.
func (r *Recorder) Path(frame types.Frame) string {
	name := fmt.Sprintf("frame_%06d_%s.jpg", frame.Seq, frame.Timestamp.UTC().Format(timestampLayout))
	return filepath.Join(r.dir, fmt.Sprintf("cam_%02d", frame.SourceID), name)
}

// Save encodes and writes frame, returning the file path.
func (r *Recorder) Save(frame types.Frame) (string, error) {
	data, err := r.encoder.EncodeJPEG(frame)
	if err != nil {
		r.framesFailed.Add(1)
		return "", fmt.Errorf("JPEG encode failed: %w", err)
	}

	path := r.Path(frame)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		r.framesFailed.Add(1)
		return "", fmt.Errorf("failed to create source directory: %w", err)
	}

	// Write to a temp name first so readers never see partial files
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		r.framesFailed.Add(1)
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		r.framesFailed.Add(1)
		return "", fmt.Errorf("failed to rename file: %w", err)
	}

	r.framesSaved.Add(1)
	return path, nil
}

// Stats returns current save statistics.
func (r *Recorder) Stats() (saved, failed uint64) {
	return r.framesSaved.Load(), r.framesFailed.Load()
}
