package gstsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-edge-guard/internal/capture"
	"github.com/e7canasta/orion-edge-guard/internal/retry"
	"github.com/e7canasta/orion-edge-guard/internal/types"
)

// errConnectionLost marks a session that reached PLAYING before failing.
// It restarts the reconnect schedule from the first attempt.
var errConnectionLost = errors.New("stream-capture: connection lost")

// Config contains configuration for a GStreamer source.
type Config struct {
	// Width and Height are the output (scaled) frame size
	Width  int
	Height int
	// QueueDepth is the leaky decode queue size
	QueueDepth int
	// Reconnect controls retries after runtime pipeline errors
	Reconnect retry.Policy
	// OutputBuffer is the frame channel capacity
	OutputBuffer int
}

// DefaultConfig returns 1920x1080 output, depth 10 and 5 reconnects (1s → 30s).
func DefaultConfig() Config {
	return Config{
		Width:        1920,
		Height:       1080,
		QueueDepth:   10,
		Reconnect:    retry.Backoff(5, time.Second, 30*time.Second),
		OutputBuffer: 10,
	}
}

// Source decodes one URI through GStreamer and emits RGB frames.
type Source struct {
	id  int
	uri string
	cfg Config

	state *capture.StateTracker

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	outMu sync.RWMutex
	out   chan types.Frame

	frameCount    atomic.Uint64
	framesDropped atomic.Uint64
	bytesRead     atomic.Uint64
	reconnects    atomic.Uint32
	lastFrameAt   atomic.Int64
	errors        capture.ErrorCounters
}

// New creates a source with fail-fast validation.
func New(id int, uri string, cfg Config) (*Source, error) {
	if uri == "" {
		return nil, fmt.Errorf("stream-capture: source %d: URI is required", id)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("stream-capture: source %d: invalid resolution %dx%d", id, cfg.Width, cfg.Height)
	}

	def := DefaultConfig()
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = def.QueueDepth
	}
	if cfg.Reconnect.MaxAttempts <= 0 {
		cfg.Reconnect = def.Reconnect
	}
	if cfg.OutputBuffer <= 0 {
		cfg.OutputBuffer = def.OutputBuffer
	}

	if err := checkGStreamerAvailable(); err != nil {
		return nil, fmt.Errorf("stream-capture: GStreamer not available: %w", err)
	}

	slog.Info("stream-capture: source created",
		"source_id", id,
		"uri", uri,
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"queue_depth", cfg.QueueDepth,
	)

	return &Source{
		id:    id,
		uri:   uri,
		cfg:   cfg,
		state: capture.NewStateTracker(id, uri),
	}, nil
}

// Factory returns a capture.Factory producing GStreamer sources.
func Factory(cfg Config) capture.Factory {
	return func(id int, uri string) (capture.Source, error) {
		return New(id, uri, cfg)
	}
}

func (s *Source) ID() int              { return s.id }
func (s *Source) URI() string          { return s.uri }
func (s *Source) State() capture.State { return s.state.Load() }

// Start launches the decode loop and returns the frame channel immediately.
// Frames arrive once the pipeline reaches PLAYING. The channel closes when
// the source is stopped or has failed for good.
func (s *Source) Start(ctx context.Context) (<-chan types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil, capture.ErrAlreadyStarted
	}
	s.state.Reset()

	out := make(chan types.Frame, s.cfg.OutputBuffer)
	s.outMu.Lock()
	s.out = out
	s.outMu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(runCtx)

	return out, nil
}

// run drives sessions with reconnect until ctx ends or the source fails.
func (s *Source) run(ctx context.Context) {
	defer s.wg.Done()
	defer s.closeOutput()

	started := time.Now()
	for {
		err := retry.Do(ctx, s.cfg.Reconnect, s.session, &s.reconnects)

		switch {
		case ctx.Err() != nil || err == nil:
			s.state.Set(capture.StateDisconnected, "stopped")
			return

		case errors.Is(err, errConnectionLost):
			slog.Warn("stream-capture: connection lost, reconnecting",
				"source_id", s.id,
				"error", err,
				"delay", s.cfg.Reconnect.Delay,
			)
			select {
			case <-time.After(s.cfg.Reconnect.Delay):
			case <-ctx.Done():
				s.state.Set(capture.StateDisconnected, "stopped")
				return
			}

		default:
			slog.Error("stream-capture: source stopped after reconnection failure",
				"source_id", s.id,
				"uri", s.uri,
				"error", err,
				"uptime", time.Since(started),
				"frames_processed", s.frameCount.Load(),
				"reconnects", s.reconnects.Load(),
			)
			s.state.Set(capture.StateFailed, err.Error())
			return
		}
	}
}

// session builds one pipeline, plays it and watches its bus.
func (s *Source) session(ctx context.Context, attempt int) error {
	s.state.Set(capture.StateConnecting, fmt.Sprintf("attempt %d", attempt))

	elems, err := createPipeline(pipelineConfig{
		URI:        s.uri,
		Width:      s.cfg.Width,
		Height:     s.cfg.Height,
		QueueDepth: s.cfg.QueueDepth,
	})
	if err != nil {
		// Missing elements will not appear on retry
		return retry.Permanent(fmt.Errorf("%w: %w", capture.ErrFormatMismatch, err))
	}
	defer func() {
		if err := destroyPipeline(elems); err != nil {
			slog.Error("stream-capture: failed to destroy pipeline", "source_id", s.id, "error", err)
		}
	}()

	elems.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})
	elems.Decode.Connect("pad-added", func(self *gst.Element, pad *gst.Pad) {
		onPadAdded(elems, s.id, pad)
	})
	elems.Decode.Connect("no-more-pads", func(self *gst.Element) {
		onNoMorePads(elems, s.id)
	})

	if err := elems.Pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	played, err := s.monitorBus(ctx, elems)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, capture.ErrFormatMismatch):
		return retry.Permanent(err)
	case played:
		return retry.Permanent(fmt.Errorf("%w: %w", errConnectionLost, err))
	default:
		return err
	}
}

// monitorBus polls the pipeline bus for EOS, errors and state changes.
//
// Returns nil when ctx is cancelled. played reports whether the pipeline
// reached PLAYING during this session.
func (s *Source) monitorBus(ctx context.Context, elems *pipelineElements) (played bool, err error) {
	bus := elems.Pipeline.GetPipelineBus()
	pipelineName := elems.Pipeline.GetName()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("stream-capture: context cancelled, stopping bus monitor", "source_id", s.id)
			return played, nil
		default:
		}

		if elems.noVideo.Load() {
			s.errors.Record(capture.ErrCategoryCodec)
			return played, fmt.Errorf("%w: no video stream in %s", capture.ErrFormatMismatch, s.uri)
		}

		// Short timeout keeps shutdown responsive
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("stream-capture: end of stream received",
				"source_id", s.id,
				"uri", s.uri,
				"frames_processed", s.frameCount.Load(),
			)
			return played, fmt.Errorf("end of stream")

		case gst.MessageError:
			gerr := msg.ParseError()
			category := capture.Classify(gerr.Error(), gerr.DebugString())
			s.errors.Record(category)

			slog.Error("stream-capture: pipeline error",
				"source_id", s.id,
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"uri", s.uri,
				"frames_processed", s.frameCount.Load(),
				"reconnects", s.reconnects.Load(),
			)

			if !category.Retryable() {
				return played, fmt.Errorf("%w: %s", capture.ErrFormatMismatch, gerr.Error())
			}
			return played, fmt.Errorf("pipeline error [%s]: %s", category.String(), gerr.Error())

		case gst.MessageStateChanged:
			if msg.Source() != pipelineName {
				continue
			}
			old, new := msg.ParseStateChanged()
			slog.Debug("stream-capture: pipeline state changed",
				"source_id", s.id,
				"from", old,
				"to", new,
			)
			if new == gst.StatePlaying {
				played = true
				s.state.Set(capture.StateConnected, "pipeline playing")
			}
		}
	}
}

func (s *Source) closeOutput() {
	s.outMu.Lock()
	defer s.outMu.Unlock()

	if s.out != nil {
		close(s.out)
		s.out = nil
	}
}

// Stop cancels the decode loop, waits up to 3s and releases the pipeline.
// Idempotent.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	slog.Info("stream-capture: stopping source", "source_id", s.id)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		slog.Debug("stream-capture: goroutines stopped cleanly", "source_id", s.id)
	case <-time.After(3 * time.Second):
		err = fmt.Errorf("stream-capture: source %d stop timeout exceeded", s.id)
		slog.Warn("stream-capture: stop timeout exceeded, some goroutines may still be running", "source_id", s.id)
	}

	slog.Info("stream-capture: source stopped",
		"source_id", s.id,
		"frames_captured", s.frameCount.Load(),
		"frames_dropped", s.framesDropped.Load(),
		"reconnects", s.reconnects.Load(),
	)

	s.cancel = nil
	return err
}

// Stats returns current source statistics. Thread-safe.
func (s *Source) Stats() capture.Stats {
	st := capture.Stats{
		SourceID:      s.id,
		URI:           s.uri,
		State:         s.State().String(),
		FrameCount:    s.frameCount.Load(),
		FramesDropped: s.framesDropped.Load(),
		BytesRead:     s.bytesRead.Load(),
		Reconnects:    s.reconnects.Load(),
		Errors:        s.errors.Snapshot(),
	}
	if ns := s.lastFrameAt.Load(); ns > 0 {
		st.LastFrameAt = time.Unix(0, ns)
	}
	return st
}
