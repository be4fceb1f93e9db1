package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/orion-edge-guard/internal/pipeline"
	"github.com/e7canasta/orion-edge-guard/internal/retry"
)

// DefaultRestartDelay is the wait before relaunching the graphs.
const DefaultRestartDelay = 5 * time.Second

// Runner is one supervised graph.
type Runner interface {
	Name() string
	Run(ctx context.Context) error
	State() pipeline.State
	Stats() pipeline.Stats
}

// Builder creates a fresh runner for a group on every launch.
type Builder func(cfg pipeline.Config) (Runner, error)

// GraphBuilder adapts pipeline.New to a Builder.
func GraphBuilder(build func(cfg pipeline.Config) (*pipeline.Graph, error)) Builder {
	return func(cfg pipeline.Config) (Runner, error) {
		g, err := build(cfg)
		if err != nil {
			return nil, err
		}
		return g, nil
	}
}

// Status is a snapshot for the status API.
type Status struct {
	Running     bool             `json:"running"`
	Generation  uint64           `json:"generation"`
	Restarts    uint64           `json:"restarts"`
	LastError   string           `json:"last_error,omitempty"`
	LastRestart time.Time        `json:"last_restart,omitempty"`
	Graphs      []pipeline.Stats `json:"graphs"`
}

// Supervisor runs one graph per camera group and restarts all of them
// whenever any one fails or ends.
type Supervisor struct {
	groups  []pipeline.Config
	build   Builder
	restart retry.Policy

	running    atomic.Bool
	generation atomic.Uint64
	restarts   atomic.Uint64

	mu          sync.RWMutex
	current     []Runner
	lastErr     error
	lastRestart time.Time
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithRestartPolicy sets the wait between relaunches (attempt = consecutive restarts).
func WithRestartPolicy(p retry.Policy) Option {
	return func(s *Supervisor) { s.restart = p }
}

// New creates a supervisor for the given groups.
func New(groups []pipeline.Config, build Builder, opts ...Option) (*Supervisor, error) {
	if len(groups) == 0 {
		return nil, fmt.Errorf("supervisor: at least one group is required")
	}
	if build == nil {
		return nil, fmt.Errorf("supervisor: builder is required")
	}
	s := &Supervisor{
		groups:  groups,
		build:   build,
		restart: retry.Fixed(0, DefaultRestartDelay),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run launches every graph and blocks. On any graph failure or end the
// siblings are cancelled and, after the restart delay, the entire set is
// relaunched. Returns nil when ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("supervisor: already running")
	}
	defer s.running.Store(false)

	consecutive := 0
	for {
		started := time.Now()
		err := s.runOnce(ctx)

		if ctx.Err() != nil {
			slog.Info("supervisor: interrupted, all graphs stopped",
				"generation", s.generation.Load(),
				"restarts", s.restarts.Load(),
			)
			return nil
		}

		// A generation that ran for a while resets the backoff schedule
		if time.Since(started) > time.Minute {
			consecutive = 0
		}
		consecutive++
		s.restarts.Add(1)

		delay := s.restart.DelayFor(consecutive)
		s.mu.Lock()
		s.lastErr = err
		s.lastRestart = time.Now()
		s.mu.Unlock()

		slog.Error("supervisor: graph set ended, restarting all graphs",
			"error", err,
			"generation", s.generation.Load(),
			"restarts", s.restarts.Load(),
			"delay", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			slog.Info("supervisor: interrupted during restart delay")
			return nil
		}
	}
}

// runOnce builds and runs one generation of graphs until the first one
// returns; the rest are cancelled through the group context.
func (s *Supervisor) runOnce(ctx context.Context) error {
	gen := s.generation.Add(1)

	runners := make([]Runner, 0, len(s.groups))
	for _, cfg := range s.groups {
		r, err := s.buildGraph(cfg)
		if err != nil {
			return fmt.Errorf("supervisor: build graph %s: %w", cfg.Name, err)
		}
		runners = append(runners, r)
	}

	s.mu.Lock()
	s.current = runners
	s.mu.Unlock()

	slog.Info("supervisor: launching graphs",
		"generation", gen,
		"graphs", len(runners),
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		r := r
		g.Go(func() error {
			err := runGraph(gctx, r)
			if err == nil && gctx.Err() == nil {
				// A graph only returns cleanly on its own when stopped out of band
				return fmt.Errorf("supervisor: graph %s ended", r.Name())
			}
			return err
		})
	}
	return g.Wait()
}

// buildGraph turns a panicking builder into a build error.
func (s *Supervisor) buildGraph(cfg pipeline.Config) (r Runner, err error) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("supervisor: graph build panicked",
				"graph", cfg.Name,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			r, err = nil, fmt.Errorf("supervisor: build of graph %s panicked: %v", cfg.Name, p)
		}
	}()
	return s.build(cfg)
}

// runGraph runs r, converting a panic into an error so the set is restarted
// instead of the process dying.
func runGraph(ctx context.Context, r Runner) (err error) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("supervisor: graph panicked",
				"graph", r.Name(),
				"panic", p,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("supervisor: graph %s panicked: %v", r.Name(), p)
		}
	}()
	return r.Run(ctx)
}

// Restarts returns how many times the graph set has been relaunched.
func (s *Supervisor) Restarts() uint64 {
	return s.restarts.Load()
}

// States returns the current state of every graph by name.
func (s *Supervisor) States() map[string]pipeline.State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]pipeline.State, len(s.current))
	for _, r := range s.current {
		out[r.Name()] = r.State()
	}
	return out
}

// Ready reports whether every graph of the current generation is RUNNING.
func (s *Supervisor) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.running.Load() || len(s.current) == 0 {
		return false
	}
	for _, r := range s.current {
		if r.State() != pipeline.StateRunning {
			return false
		}
	}
	return true
}

// Status returns a snapshot for the status API.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	runners := s.current
	lastErr := s.lastErr
	lastRestart := s.lastRestart
	s.mu.RUnlock()

	st := Status{
		Running:     s.running.Load(),
		Generation:  s.generation.Load(),
		Restarts:    s.restarts.Load(),
		LastRestart: lastRestart,
		Graphs:      make([]pipeline.Stats, 0, len(runners)),
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	for _, r := range runners {
		st.Graphs = append(st.Graphs, r.Stats())
	}
	return st
}
