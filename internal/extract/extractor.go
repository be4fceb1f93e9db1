package extract

import (
	"log/slog"
	"sync/atomic"

	"github.com/e7canasta/orion-edge-guard/internal/alert"
	"github.com/e7canasta/orion-edge-guard/internal/ratemon"
	"github.com/e7canasta/orion-edge-guard/internal/types"
)

const (
	// DefaultTargetClass is the detector class id for "person".
	DefaultTargetClass = 0
	// DefaultBias is the minimum confidence (inclusive) for an event.
	DefaultBias = 0.6
)

// Decision is what happened to one frame.
type Decision int

const (
	// DecisionNone: no qualifying detection
	DecisionNone Decision = iota
	// DecisionSkipped: unreadable frame buffer
	DecisionSkipped
	// DecisionThrottled: event suppressed by the dedup throttle
	DecisionThrottled
	// DecisionAlerted: event handed to the dispatcher
	DecisionAlerted
	// DecisionDropped: dispatcher queue full
	DecisionDropped
)

func (d Decision) String() string {
	switch d {
	case DecisionNone:
		return "none"
	case DecisionSkipped:
		return "skipped"
	case DecisionThrottled:
		return "throttled"
	case DecisionAlerted:
		return "alerted"
	case DecisionDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Annotator draws detections on a frame copy.
type Annotator interface {
	Annotate(frame types.Frame, dets []types.Detection) (types.Frame, error)
}

// Recorder persists annotated event frames.
type Recorder interface {
	Save(frame types.Frame) (string, error)
}

// Gate decides whether a source may alert now.
type Gate interface {
	ShouldAlert(sourceID int) bool
}

// Submitter accepts events without blocking.
type Submitter interface {
	Submit(ev alert.Event) bool
}

// Config selects which detections count as events.
type Config struct {
	TargetClass int
	Bias        float64
}

// DefaultConfig returns class 0 (person) with 0.6 bias.
func DefaultConfig() Config {
	return Config{TargetClass: DefaultTargetClass, Bias: DefaultBias}
}

// Stats is a snapshot of extractor counters.
type Stats struct {
	Frames         uint64 `json:"frames"`
	Skipped        uint64 `json:"skipped"`
	Events         uint64 `json:"events"`
	Alerts         uint64 `json:"alerts"`
	Throttled      uint64 `json:"throttled"`
	Dropped        uint64 `json:"dropped"`
	Saved          uint64 `json:"saved"`
	AnnotateErrors uint64 `json:"annotate_errors"`
	SaveErrors     uint64 `json:"save_errors"`
}

// Extractor turns detection results into alert events.
//
// Per frame: FPS accounting, bias scan for the target class, overlay,
// optional local save, throttle check and non-blocking hand-off.
type Extractor struct {
	cfg       Config
	rates     *ratemon.Monitor
	gate      Gate
	submitter Submitter
	annotator Annotator
	recorder  Recorder

	frames         atomic.Uint64
	skipped        atomic.Uint64
	events         atomic.Uint64
	alerts         atomic.Uint64
	throttled      atomic.Uint64
	dropped        atomic.Uint64
	saved          atomic.Uint64
	annotateErrors atomic.Uint64
	saveErrors     atomic.Uint64
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithAnnotator sets the overlay collaborator.
func WithAnnotator(a Annotator) Option {
	return func(e *Extractor) { e.annotator = a }
}

// WithRecorder enables local persistence of event frames.
func WithRecorder(r Recorder) Option {
	return func(e *Extractor) { e.recorder = r }
}

// New creates an extractor. rates may be nil to disable FPS accounting.
func New(cfg Config, rates *ratemon.Monitor, gate Gate, submitter Submitter, opts ...Option) *Extractor {
	e := &Extractor{
		cfg:       cfg,
		rates:     rates,
		gate:      gate,
		submitter: submitter,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Qualifying returns the detections of class with confidence >= bias.
func Qualifying(dets []types.Detection, class int, bias float64) []types.Detection {
	var out []types.Detection
	for _, d := range dets {
		if d.ClassID == class && d.Confidence >= bias {
			out = append(out, d)
		}
	}
	return out
}

// Process handles one frame and its detections.
func (e *Extractor) Process(fr types.FrameResult) Decision {
	e.frames.Add(1)
	frame := fr.Frame

	if e.rates != nil {
		e.rates.Observe(frame.SourceID)
	}

	if err := frame.Validate(); err != nil {
		e.skipped.Add(1)
		slog.Warn("extract: unreadable frame buffer, skipping",
			"source_id", frame.SourceID,
			"seq", frame.Seq,
			"error", err,
		)
		return DecisionSkipped
	}

	hits := Qualifying(fr.Detections, e.cfg.TargetClass, e.cfg.Bias)
	if len(hits) == 0 {
		return DecisionNone
	}
	e.events.Add(1)

	annotated := frame
	if e.annotator != nil {
		out, err := e.annotator.Annotate(frame, hits)
		if err != nil {
			e.annotateErrors.Add(1)
			slog.Warn("extract: overlay failed, using raw frame",
				"source_id", frame.SourceID,
				"seq", frame.Seq,
				"error", err,
			)
		} else {
			annotated = out
		}
	}

	if e.recorder != nil {
		if path, err := e.recorder.Save(annotated); err != nil {
			e.saveErrors.Add(1)
			slog.Warn("extract: failed to save event frame",
				"source_id", frame.SourceID,
				"seq", frame.Seq,
				"error", err,
			)
		} else {
			e.saved.Add(1)
			slog.Debug("extract: event frame saved", "source_id", frame.SourceID, "path", path)
		}
	}

	if !e.gate.ShouldAlert(frame.SourceID) {
		e.throttled.Add(1)
		slog.Debug("extract: alert throttled",
			"source_id", frame.SourceID,
			"seq", frame.Seq,
		)
		return DecisionThrottled
	}

	ev := alert.NewEvent(annotated, hits)
	if !e.submitter.Submit(ev) {
		e.dropped.Add(1)
		return DecisionDropped
	}

	e.alerts.Add(1)
	slog.Info("extract: alert submitted",
		"source_id", frame.SourceID,
		"seq", frame.Seq,
		"event_id", ev.ID,
		"detections", len(hits),
		"trace_id", frame.TraceID,
	)
	return DecisionAlerted
}

// Stats returns current counters.
func (e *Extractor) Stats() Stats {
	return Stats{
		Frames:         e.frames.Load(),
		Skipped:        e.skipped.Load(),
		Events:         e.events.Load(),
		Alerts:         e.alerts.Load(),
		Throttled:      e.throttled.Load(),
		Dropped:        e.dropped.Load(),
		Saved:          e.saved.Load(),
		AnnotateErrors: e.annotateErrors.Load(),
		SaveErrors:     e.saveErrors.Load(),
	}
}
