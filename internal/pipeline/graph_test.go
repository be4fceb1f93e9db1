package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-edge-guard/internal/batch"
	"github.com/e7canasta/orion-edge-guard/internal/capture"
	"github.com/e7canasta/orion-edge-guard/internal/detect"
	"github.com/e7canasta/orion-edge-guard/internal/extract"
	"github.com/e7canasta/orion-edge-guard/internal/types"
)

// syntheticFactory builds generated sources; ids in failing refuse to start,
// ids in unbuildable cannot even be constructed.
func syntheticFactory(maxFrames uint64, failing, unbuildable map[int]bool) capture.Factory {
	return func(id int, uri string) (capture.Source, error) {
		if unbuildable[id] {
			return nil, fmt.Errorf("unsupported uri %q", uri)
		}
		cfg := capture.SyntheticConfig{Width: 4, Height: 2, FPS: 200, MaxFrames: maxFrames}
		if failing[id] {
			cfg.StartErr = errors.New("connection refused")
		}
		return capture.NewSynthetic(id, uri, cfg)
	}
}

type recordingProcessor struct {
	mu     sync.Mutex
	bySrc  map[int][]uint64
	frames int
}

func newRecordingProcessor() *recordingProcessor {
	return &recordingProcessor{bySrc: make(map[int][]uint64)}
}

func (p *recordingProcessor) Process(fr types.FrameResult) extract.Decision {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bySrc[fr.Frame.SourceID] = append(p.bySrc[fr.Frame.SourceID], fr.Frame.Seq)
	p.frames++
	return extract.DecisionNone
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}

type sizeRecorder struct {
	mu    sync.Mutex
	sizes []int
}

func (r *sizeRecorder) detector() detect.Detector {
	static := detect.NewStatic(nil)
	return detect.Func(func(ctx context.Context, b types.Batch) ([]types.Result, error) {
		r.mu.Lock()
		r.sizes = append(r.sizes, b.Size())
		r.mu.Unlock()
		return static.Detect(ctx, b)
	})
}

func (r *sizeRecorder) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.sizes...)
}

func cameras(ids ...int) []Camera {
	cams := make([]Camera, len(ids))
	for i, id := range ids {
		cams[i] = Camera{ID: id, URI: fmt.Sprintf("synthetic://cam%d", id)}
	}
	return cams
}

func TestFailingSourceIsSkipped(t *testing.T) {
	sizes := &sizeRecorder{}
	proc := newRecordingProcessor()

	g, err := New(Config{
		Name:    "group-a",
		Cameras: cameras(1, 2, 3),
		Batch:   batch.Config{Window: 20 * time.Millisecond, Depth: 4},
	}, syntheticFactory(0, map[int]bool{2: true}, nil), sizes.detector(), proc)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- g.Run(context.Background()) }()

	require.Eventually(t, func() bool { return g.State() == StateRunning }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(sizes.snapshot()) >= 20 }, 3*time.Second, 10*time.Millisecond)

	g.Stop()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("graph did not stop")
	}
	assert.Equal(t, StateStopped, g.State())

	full := 0
	for _, n := range sizes.snapshot() {
		assert.LessOrEqual(t, n, 2, "failed source must never appear in a batch")
		if n == 2 {
			full++
		}
	}
	assert.Greater(t, full, 10)

	st := g.Stats()
	require.Len(t, st.Sources, 3)
	assert.Equal(t, capture.StateFailed.String(), st.Sources[1].State)
	assert.Equal(t, "STOPPED", st.State)
	t.Logf("✅ %d/%d batches carried both live sources", full, len(sizes.snapshot()))
}

func TestPerSourceOrderFollowsArrival(t *testing.T) {
	proc := newRecordingProcessor()
	g, err := New(Config{
		Name:    "ordered",
		Cameras: cameras(1, 2),
		Batch:   batch.Config{Window: 5 * time.Millisecond},
	}, syntheticFactory(0, nil, nil), detect.NewStatic(nil), proc)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- g.Run(ctx) }()

	require.Eventually(t, func() bool { return proc.count() >= 40 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	proc.mu.Lock()
	defer proc.mu.Unlock()
	for src, seqs := range proc.bySrc {
		for i := 1; i < len(seqs); i++ {
			assert.Less(t, seqs[i-1], seqs[i], "source %d out of order", src)
		}
	}
}

func TestDetectorFailureFailsGraph(t *testing.T) {
	static := detect.NewStatic(nil)
	static.FailAfter(3)

	g, err := New(Config{
		Name:    "flaky",
		Cameras: cameras(1),
		Batch:   batch.Config{Window: 5 * time.Millisecond},
	}, syntheticFactory(0, nil, nil), static, newRecordingProcessor())
	require.NoError(t, err)

	err = g.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDetector)
	assert.Equal(t, StateFailed, g.State())
	assert.Equal(t, uint64(3), g.Stats().Batches)
}

func TestNoSourcesFailsBuild(t *testing.T) {
	g, err := New(Config{
		Name:    "dark",
		Cameras: cameras(1, 2),
	}, syntheticFactory(0, map[int]bool{1: true}, map[int]bool{2: true}), detect.NewStatic(nil), newRecordingProcessor())
	require.NoError(t, err)

	err = g.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoSources)
	assert.Equal(t, StateFailed, g.State())

	assert.ErrorIs(t, g.Run(context.Background()), ErrAlreadyRun)
}

func TestAllSourcesEndingIsEndOfStream(t *testing.T) {
	proc := newRecordingProcessor()
	g, err := New(Config{
		Name:    "finite",
		Cameras: cameras(1, 2),
		Batch:   batch.Config{Window: 5 * time.Millisecond},
	}, syntheticFactory(5, nil, nil), detect.NewStatic(nil), proc)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrEndOfStream)
	case <-time.After(5 * time.Second):
		t.Fatal("graph did not notice end of stream")
	}
	assert.Equal(t, StateFailed, g.State())
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Name: "empty"}, syntheticFactory(0, nil, nil), detect.NewStatic(nil), newRecordingProcessor())
	assert.ErrorIs(t, err, ErrNoSources)

	_, err = New(Config{Name: "x", Cameras: cameras(1)}, nil, detect.NewStatic(nil), newRecordingProcessor())
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateBuilding: "BUILDING",
		StateRunning:  "RUNNING",
		StateStopping: "STOPPING",
		StateStopped:  "STOPPED",
		StateFailed:   "FAILED",
		State(99):     "UNKNOWN",
	} {
		assert.Equal(t, want, s.String())
	}
}
