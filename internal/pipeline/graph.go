package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-edge-guard/internal/batch"
	"github.com/e7canasta/orion-edge-guard/internal/capture"
	"github.com/e7canasta/orion-edge-guard/internal/detect"
	"github.com/e7canasta/orion-edge-guard/internal/extract"
	"github.com/e7canasta/orion-edge-guard/internal/types"
)

var (
	// ErrNoSources is returned when no camera of the group could be built.
	ErrNoSources = errors.New("pipeline: no sources could be built")
	// ErrEndOfStream is returned when every source of a running graph has ended.
	ErrEndOfStream = errors.New("pipeline: end of stream")
	// ErrDetector wraps detection stage failures.
	ErrDetector = errors.New("pipeline: detection stage failed")
	// ErrAlreadyRun is returned when Run is called twice on one graph.
	ErrAlreadyRun = errors.New("pipeline: graph already run")
)

// State is the lifecycle state of a graph.
type State int32

const (
	StateBuilding State = iota
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "BUILDING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Camera is one configured source of a group.
type Camera struct {
	ID  int
	URI string
}

// Processor consumes every frame with its detections, in arrival order.
type Processor interface {
	Process(fr types.FrameResult) extract.Decision
}

// Config describes one graph.
type Config struct {
	Name    string
	Cameras []Camera
	Batch   batch.Config
}

// Stats is a snapshot of graph state and counters.
type Stats struct {
	Name          string          `json:"name"`
	State         string          `json:"state"`
	StartedAt     time.Time       `json:"started_at"`
	Batches       uint64          `json:"batches"`
	Frames        uint64          `json:"frames"`
	AssociateErrs uint64          `json:"associate_errors"`
	Sources       []capture.Stats `json:"sources"`
	Aggregator    batch.Stats     `json:"aggregator"`
}

// Graph is one camera group: sources → aggregator → detector → processor.
//
// Lifecycle: BUILDING → RUNNING → STOPPING → STOPPED | FAILED.
// A graph runs once; the supervisor builds a fresh one for every restart.
type Graph struct {
	cfg       Config
	factory   capture.Factory
	detector  detect.Detector
	processor Processor

	state atomic.Int32
	ran   atomic.Bool

	mu        sync.Mutex
	cancel    context.CancelFunc
	sources   []capture.Source
	agg       *batch.Aggregator
	startedAt time.Time

	batches       atomic.Uint64
	frames        atomic.Uint64
	associateErrs atomic.Uint64
}

// New creates a graph in BUILDING state.
func New(cfg Config, factory capture.Factory, detector detect.Detector, processor Processor) (*Graph, error) {
	if factory == nil || detector == nil || processor == nil {
		return nil, fmt.Errorf("pipeline: %s: factory, detector and processor are required", cfg.Name)
	}
	if len(cfg.Cameras) == 0 {
		return nil, fmt.Errorf("pipeline: %s: %w", cfg.Name, ErrNoSources)
	}
	return &Graph{
		cfg:       cfg,
		factory:   factory,
		detector:  detector,
		processor: processor,
	}, nil
}

// Name returns the group name.
func (g *Graph) Name() string { return g.cfg.Name }

// State returns the current lifecycle state.
func (g *Graph) State() State { return State(g.state.Load()) }

func (g *Graph) setState(to State) {
	from := State(g.state.Swap(int32(to)))
	if from != to {
		slog.Info("pipeline: state transition",
			"graph", g.cfg.Name,
			"from", from.String(),
			"to", to.String(),
		)
	}
}

// Run builds the graph, runs it until a graph error, end of stream or a stop
// request, then tears everything down.
//
// Returns nil after a requested stop (STOPPED); otherwise the cause (FAILED).
func (g *Graph) Run(ctx context.Context) error {
	if !g.ran.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.mu.Lock()
	g.cancel = cancel
	g.agg = batch.New(g.cfg.Batch)
	agg := g.agg
	g.mu.Unlock()

	live := g.build(runCtx, agg)
	if live == 0 {
		g.teardown(nil)
		g.setState(StateFailed)
		slog.Error("pipeline: no sources could be built", "graph", g.cfg.Name)
		return fmt.Errorf("pipeline: %s: %w", g.cfg.Name, ErrNoSources)
	}

	aggDone := make(chan struct{})
	go func() {
		defer close(aggDone)
		agg.Run(runCtx)
	}()

	g.mu.Lock()
	g.startedAt = time.Now()
	g.mu.Unlock()
	g.setState(StateRunning)
	slog.Info("pipeline: graph running",
		"graph", g.cfg.Name,
		"sources", agg.Sources(),
		"configured", len(g.cfg.Cameras),
	)

	err := g.loop(runCtx, agg)

	g.setState(StateStopping)
	cancel()
	g.teardown(aggDone)

	if err != nil {
		g.setState(StateFailed)
		slog.Error("pipeline: graph failed",
			"graph", g.cfg.Name,
			"error", err,
			"batches", g.batches.Load(),
		)
		return fmt.Errorf("pipeline: %s: %w", g.cfg.Name, err)
	}

	g.setState(StateStopped)
	slog.Info("pipeline: graph stopped",
		"graph", g.cfg.Name,
		"batches", g.batches.Load(),
		"frames", g.frames.Load(),
	)
	return nil
}

// build creates and starts one source per camera. Sources that fail are
// skipped; they are still kept for teardown. Returns the number attached.
func (g *Graph) build(ctx context.Context, agg *batch.Aggregator) int {
	g.setState(StateBuilding)

	cams := append([]Camera(nil), g.cfg.Cameras...)
	sort.Slice(cams, func(i, j int) bool { return cams[i].ID < cams[j].ID })

	live := 0
	for _, cam := range cams {
		src, err := g.factory(cam.ID, cam.URI)
		if err != nil {
			slog.Error("pipeline: failed to build source, skipping",
				"graph", g.cfg.Name,
				"source_id", cam.ID,
				"uri", cam.URI,
				"error", err,
			)
			continue
		}

		g.mu.Lock()
		g.sources = append(g.sources, src)
		g.mu.Unlock()

		frames, err := src.Start(ctx)
		if err != nil {
			slog.Error("pipeline: failed to start source, skipping",
				"graph", g.cfg.Name,
				"source_id", cam.ID,
				"uri", cam.URI,
				"error", err,
			)
			continue
		}

		if err := agg.Attach(ctx, cam.ID, frames); err != nil {
			slog.Error("pipeline: failed to attach source, skipping",
				"graph", g.cfg.Name,
				"source_id", cam.ID,
				"error", err,
			)
			continue
		}
		live++
	}
	return live
}

// loop handles batches one at a time so per-source order follows arrival.
func (g *Graph) loop(ctx context.Context, agg *batch.Aggregator) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-agg.Drained():
			slog.Warn("pipeline: every source ended", "graph", g.cfg.Name)
			return ErrEndOfStream

		case b, ok := <-agg.Batches():
			if !ok {
				return nil
			}
			if err := g.handle(ctx, b); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (g *Graph) handle(ctx context.Context, b types.Batch) error {
	results, err := g.detector.Detect(ctx, b)
	if err != nil {
		return fmt.Errorf("%w: batch %d: %w", ErrDetector, b.ID, err)
	}
	g.batches.Add(1)

	paired, err := detect.Associate(b, results)
	if err != nil {
		g.associateErrs.Add(1)
		slog.Warn("pipeline: malformed detection results, skipping batch",
			"graph", g.cfg.Name,
			"batch_id", b.ID,
			"error", err,
		)
		return nil
	}

	for _, fr := range paired {
		g.frames.Add(1)
		g.processor.Process(fr)
	}
	return nil
}

// teardown stops every built source in order, then waits for the aggregator.
func (g *Graph) teardown(aggDone <-chan struct{}) {
	g.mu.Lock()
	sources := g.sources
	g.mu.Unlock()

	for _, src := range sources {
		if err := src.Stop(); err != nil {
			slog.Error("pipeline: failed to stop source",
				"graph", g.cfg.Name,
				"source_id", src.ID(),
				"error", err,
			)
		}
	}

	if aggDone == nil {
		return
	}
	select {
	case <-aggDone:
	case <-time.After(3 * time.Second):
		slog.Warn("pipeline: aggregator stop timeout exceeded", "graph", g.cfg.Name)
	}
}

// Stop requests a graceful stop. Safe to call at any time, more than once.
func (g *Graph) Stop() {
	g.mu.Lock()
	cancel := g.cancel
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Stats returns a snapshot of the graph.
func (g *Graph) Stats() Stats {
	g.mu.Lock()
	sources := g.sources
	agg := g.agg
	startedAt := g.startedAt
	g.mu.Unlock()

	st := Stats{
		Name:          g.cfg.Name,
		State:         g.State().String(),
		StartedAt:     startedAt,
		Batches:       g.batches.Load(),
		Frames:        g.frames.Load(),
		AssociateErrs: g.associateErrs.Load(),
		Sources:       make([]capture.Stats, 0, len(sources)),
	}
	for _, src := range sources {
		st.Sources = append(st.Sources, src.Stats())
	}
	if agg != nil {
		st.Aggregator = agg.Stats()
	}
	return st
}
