package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-edge-guard/internal/types"
)

// SyntheticConfig configures a generated test-pattern source.
type SyntheticConfig struct {
	Width  int
	Height int
	// FPS is the generation rate (default 10)
	FPS float64
	// MaxFrames ends the stream after n frames (0 = endless)
	MaxFrames uint64
	// StartErr makes Start fail, emulating an unreachable camera
	StartErr error
}

// Synthetic generates solid RGB frames without any decoder.
// It backs "synthetic://" camera URIs for dry runs and drives graph tests.
type Synthetic struct {
	id  int
	uri string
	cfg SyntheticConfig

	state *StateTracker

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	frameCount    atomic.Uint64
	framesDropped atomic.Uint64
	bytesRead     atomic.Uint64
	lastFrameAt   atomic.Int64
}

// NewSynthetic creates a synthetic source.
func NewSynthetic(id int, uri string, cfg SyntheticConfig) (*Synthetic, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("stream-capture: invalid synthetic geometry %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 10
	}
	return &Synthetic{
		id:    id,
		uri:   uri,
		cfg:   cfg,
		state: NewStateTracker(id, uri),
	}, nil
}

func (s *Synthetic) ID() int      { return s.id }
func (s *Synthetic) URI() string  { return s.uri }
func (s *Synthetic) State() State { return s.state.Load() }

// Start begins frame generation.
func (s *Synthetic) Start(ctx context.Context) (<-chan types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil, ErrAlreadyStarted
	}

	s.state.Set(StateConnecting, "start")
	if s.cfg.StartErr != nil {
		s.state.Set(StateFailed, s.cfg.StartErr.Error())
		return nil, fmt.Errorf("stream-capture: source %d: %w", s.id, s.cfg.StartErr)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	frames := make(chan types.Frame, 10)
	s.wg.Add(1)
	go s.generate(runCtx, frames)

	s.state.Set(StateConnected, "generator running")
	return frames, nil
}

func (s *Synthetic) generate(ctx context.Context, frames chan<- types.Frame) {
	defer s.wg.Done()
	defer close(frames)

	ticker := time.NewTicker(time.Duration(float64(time.Second) / s.cfg.FPS))
	defer ticker.Stop()

	size := s.cfg.Width * s.cfg.Height * 3
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.frameCount.Load(); s.cfg.MaxFrames > 0 && n >= s.cfg.MaxFrames {
				slog.Info("stream-capture: end of stream received",
					"source_id", s.id,
					"frames_processed", n,
				)
				s.state.Set(StateDisconnected, "end of stream")
				return
			}
			seq := s.frameCount.Add(1)

			data := make([]byte, size)
			shade := byte(seq)
			for i := range data {
				data[i] = shade
			}

			f := types.Frame{
				SourceID:  s.id,
				Seq:       seq,
				Timestamp: now,
				Width:     s.cfg.Width,
				Height:    s.cfg.Height,
				Data:      data,
				TraceID:   uuid.New().String(),
			}
			s.bytesRead.Add(uint64(size))
			s.lastFrameAt.Store(now.UnixNano())

			select {
			case frames <- f:
			case <-ctx.Done():
				return
			default:
				s.framesDropped.Add(1)
			}
		}
	}
}

// Stop halts generation and closes the frame channel. Idempotent.
func (s *Synthetic) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil

	if s.state.Load() != StateFailed {
		s.state.Set(StateDisconnected, "stopped")
	}
	return nil
}

// Stats returns current counters.
func (s *Synthetic) Stats() Stats {
	st := Stats{
		SourceID:      s.id,
		URI:           s.uri,
		State:         s.State().String(),
		FrameCount:    s.frameCount.Load(),
		FramesDropped: s.framesDropped.Load(),
		BytesRead:     s.bytesRead.Load(),
	}
	if ns := s.lastFrameAt.Load(); ns > 0 {
		st.LastFrameAt = time.Unix(0, ns)
	}
	return st
}
