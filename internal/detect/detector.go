package detect

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/e7canasta/orion-edge-guard/internal/types"
)

var (
	ErrIndexOutOfRange = errors.New("detect: result index out of batch range")
	ErrDuplicateIndex  = errors.New("detect: duplicate result index")
)

// Detector is the detection stage: one Result per frame of a batch.
//
// Results carry batch-relative indices and may arrive in any order.
type Detector interface {
	Detect(ctx context.Context, batch types.Batch) ([]types.Result, error)
}

// Func adapts a function to Detector.
type Func func(ctx context.Context, batch types.Batch) ([]types.Result, error)

// Detect implements Detector.
func (f Func) Detect(ctx context.Context, batch types.Batch) ([]types.Result, error) {
	return f(ctx, batch)
}

// Associate re-attaches every result to the frame it was computed from.
//
// The output follows batch order. Frames without a result get no detections.
func Associate(batch types.Batch, results []types.Result) ([]types.FrameResult, error) {
	out := make([]types.FrameResult, len(batch.Frames))
	for i, f := range batch.Frames {
		out[i].Frame = f
	}

	seen := make([]bool, len(batch.Frames))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(batch.Frames) {
			return nil, fmt.Errorf("%w: index %d, batch %d size %d",
				ErrIndexOutOfRange, r.Index, batch.ID, len(batch.Frames))
		}
		if seen[r.Index] {
			return nil, fmt.Errorf("%w: index %d, batch %d", ErrDuplicateIndex, r.Index, batch.ID)
		}
		seen[r.Index] = true
		out[r.Index].Detections = r.Detections
	}
	return out, nil
}

// Static replays scripted detections keyed by source id. Used for dry runs and tests.
type Static struct {
	mu        sync.RWMutex
	bySource  map[int][]types.Detection
	failAfter int
	calls     int
}

// NewStatic creates a detector that reports the given detections for each source.
func NewStatic(bySource map[int][]types.Detection) *Static {
	if bySource == nil {
		bySource = make(map[int][]types.Detection)
	}
	return &Static{bySource: bySource}
}

// Set replaces the detections reported for sourceID.
func (s *Static) Set(sourceID int, dets []types.Detection) {
	s.mu.Lock()
	s.bySource[sourceID] = dets
	s.mu.Unlock()
}

// FailAfter makes Detect return an error once n batches have been served (0 disables).
func (s *Static) FailAfter(n int) {
	s.mu.Lock()
	s.failAfter = n
	s.mu.Unlock()
}

// Detect implements Detector. Results are emitted in reverse batch order to
// exercise index re-association.
func (s *Static) Detect(ctx context.Context, batch types.Batch) ([]types.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.calls++
	if s.failAfter > 0 && s.calls > s.failAfter {
		s.mu.Unlock()
		return nil, fmt.Errorf("detect: static detector failure after %d batches", s.failAfter)
	}
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]types.Result, 0, len(batch.Frames))
	for i := len(batch.Frames) - 1; i >= 0; i-- {
		results = append(results, types.Result{
			Index:      i,
			Detections: s.bySource[batch.Frames[i].SourceID],
		})
	}
	return results, nil
}
