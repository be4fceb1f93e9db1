package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-edge-guard/internal/types"
)

const (
	// DefaultWindow mirrors a 30 fps sampling cadence.
	DefaultWindow = 33 * time.Millisecond
	// DefaultDepth is the per-source queue depth.
	DefaultDepth = 4
	// MaxDepth bounds the per-source queue depth.
	MaxDepth = 10
)

var (
	ErrUnknownSource  = errors.New("batch: unknown source")
	ErrSourceAttached = errors.New("batch: source already attached")
)

// Config controls batching.
type Config struct {
	// Window is the batch formation period
	Window time.Duration
	// Depth is the per-source queue capacity (1-10)
	Depth int
	// OutputBuffer is the capacity of the Batches channel
	OutputBuffer int
}

// Stats is a snapshot of aggregator counters.
type Stats struct {
	BatchesFormed uint64             `json:"batches_formed"`
	EmptyWindows  uint64             `json:"empty_windows"`
	LastBatchSize int                `json:"last_batch_size"`
	Sources       map[int]QueueStats `json:"sources"`
}

// Aggregator merges frames from N sources into fixed-interval batches.
//
// Frames are pushed into one leaky queue per source. Every window the oldest
// queued frame of each non-empty queue goes into a batch, ordered by source id.
// Sources can be detached at any time; batching continues over the rest.
type Aggregator struct {
	cfg Config

	mu     sync.RWMutex
	queues map[int]*Queue

	out chan types.Batch

	// drained closes once the last source detaches
	drained   chan struct{}
	drainOnce sync.Once

	nextID        atomic.Uint64
	batchesFormed atomic.Uint64
	emptyWindows  atomic.Uint64
	lastBatchSize atomic.Int64

	wg sync.WaitGroup
}

// New creates an aggregator. Zero config fields take defaults.
func New(cfg Config) *Aggregator {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Depth <= 0 {
		cfg.Depth = DefaultDepth
	}
	if cfg.Depth > MaxDepth {
		cfg.Depth = MaxDepth
	}
	if cfg.OutputBuffer <= 0 {
		cfg.OutputBuffer = 1
	}
	return &Aggregator{
		cfg:     cfg,
		queues:  make(map[int]*Queue),
		out:     make(chan types.Batch, cfg.OutputBuffer),
		drained: make(chan struct{}),
	}
}

// Add registers a source queue without a feeding goroutine.
func (a *Aggregator) Add(sourceID int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.queues[sourceID]; ok {
		return fmt.Errorf("%w: %d", ErrSourceAttached, sourceID)
	}
	a.queues[sourceID] = NewQueue(a.cfg.Depth)
	return nil
}

// Attach registers sourceID and feeds it from frames until the channel closes
// or ctx ends, then detaches it.
func (a *Aggregator) Attach(ctx context.Context, sourceID int, frames <-chan types.Frame) error {
	if err := a.Add(sourceID); err != nil {
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.Detach(sourceID)

		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-frames:
				if !ok {
					slog.Warn("batch: source channel closed, detaching",
						"source_id", sourceID,
					)
					return
				}
				f.SourceID = sourceID
				if _, err := a.Push(f); err != nil {
					return
				}
			}
		}
	}()
	return nil
}

// Detach removes sourceID and discards its queued frames.
func (a *Aggregator) Detach(sourceID int) {
	a.mu.Lock()
	q, ok := a.queues[sourceID]
	delete(a.queues, sourceID)
	remaining := len(a.queues)
	a.mu.Unlock()

	if ok && remaining == 0 {
		a.drainOnce.Do(func() { close(a.drained) })
	}

	if ok {
		st := q.Stats()
		slog.Info("batch: source detached",
			"source_id", sourceID,
			"remaining_sources", remaining,
			"frames_pushed", st.Pushed,
			"frames_dropped", st.Dropped,
		)
	}
}

// Push queues f on its source queue without blocking. It reports whether
// the oldest queued frame was evicted to make room.
func (a *Aggregator) Push(f types.Frame) (bool, error) {
	a.mu.RLock()
	q, ok := a.queues[f.SourceID]
	a.mu.RUnlock()

	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownSource, f.SourceID)
	}

	evicted := q.Push(f)
	if evicted {
		slog.Debug("batch: queue full, dropped oldest frame",
			"source_id", f.SourceID,
			"seq", f.Seq,
			"depth", q.Depth(),
		)
	}
	return evicted, nil
}

// Sources returns the attached source ids in ascending order.
func (a *Aggregator) Sources() []int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ids := make([]int, 0, len(a.queues))
	for id := range a.queues {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Drained is closed when the last registered source has been detached.
func (a *Aggregator) Drained() <-chan struct{} {
	return a.drained
}

// Batches returns the output channel. It closes when Run returns.
func (a *Aggregator) Batches() <-chan types.Batch {
	return a.out
}

// Collect forms one batch from the current queue heads.
func (a *Aggregator) Collect(now time.Time) (types.Batch, bool) {
	type slot struct {
		id int
		q  *Queue
	}

	a.mu.RLock()
	slots := make([]slot, 0, len(a.queues))
	for id, q := range a.queues {
		slots = append(slots, slot{id: id, q: q})
	}
	a.mu.RUnlock()

	sort.Slice(slots, func(i, j int) bool { return slots[i].id < slots[j].id })

	frames := make([]types.Frame, 0, len(slots))
	for _, s := range slots {
		if f, ok := s.q.Pop(); ok {
			frames = append(frames, f)
		}
	}

	if len(frames) == 0 {
		a.emptyWindows.Add(1)
		return types.Batch{}, false
	}

	b := types.Batch{
		ID:       a.nextID.Add(1),
		FormedAt: now,
		Frames:   frames,
	}
	a.batchesFormed.Add(1)
	a.lastBatchSize.Store(int64(len(frames)))
	return b, true
}

// Run forms batches every window until ctx ends, then waits for feeders and
// closes the output channel. Sending a batch waits for the consumer; in the
// meantime the source queues absorb overload by dropping their oldest frames.
func (a *Aggregator) Run(ctx context.Context) {
	defer func() {
		a.wg.Wait()
		close(a.out)
	}()

	ticker := time.NewTicker(a.cfg.Window)
	defer ticker.Stop()

	slog.Info("batch: aggregator running",
		"window", a.cfg.Window,
		"depth", a.cfg.Depth,
		"sources", a.Sources(),
	)

	for {
		select {
		case <-ctx.Done():
			slog.Debug("batch: context cancelled, stopping aggregator")
			return
		case now := <-ticker.C:
			b, ok := a.Collect(now)
			if !ok {
				continue
			}
			select {
			case a.out <- b:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Stats returns a snapshot of aggregator and per-source queue counters.
func (a *Aggregator) Stats() Stats {
	a.mu.RLock()
	sources := make(map[int]QueueStats, len(a.queues))
	for id, q := range a.queues {
		sources[id] = q.Stats()
	}
	a.mu.RUnlock()

	return Stats{
		BatchesFormed: a.batchesFormed.Load(),
		EmptyWindows:  a.emptyWindows.Load(),
		LastBatchSize: int(a.lastBatchSize.Load()),
		Sources:       sources,
	}
}
