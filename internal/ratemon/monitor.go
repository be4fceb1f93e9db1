package ratemon

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

const (
	// DefaultWindow is the wall-clock reporting period.
	DefaultWindow = time.Second

	// defaultHistory is the number of per-window samples kept for stability stats.
	defaultHistory = 30

	// stabilityThreshold: a stream is stable if stddev < 15% of mean FPS.
	stabilityThreshold = 0.15
)

// Rate is a per-source throughput snapshot.
type Rate struct {
	SourceID    int       `json:"source_id"`
	FPS         float64   `json:"fps"`
	FPSMean     float64   `json:"fps_mean"`
	FPSStdDev   float64   `json:"fps_stddev"`
	FPSMin      float64   `json:"fps_min"`
	FPSMax      float64   `json:"fps_max"`
	IsStable    bool      `json:"is_stable"`
	TotalFrames uint64    `json:"total_frames"`
	LastFrameAt time.Time `json:"last_frame_at"`
}

// Monitor tracks frames per second for every source.
//
// Reporting is wall-clock driven: the count is turned into a rate once at
// least one window has elapsed since the last report, whatever the frame rate.
type Monitor struct {
	window  time.Duration
	history int
	now     func() time.Time

	entries sync.Map // int -> *entry
}

type entry struct {
	mu          sync.Mutex
	frames      uint64
	windowStart time.Time
	total       uint64
	lastFPS     float64
	lastFrameAt time.Time
	samples     []float64
	next        int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithHistory sets how many window samples feed the stability statistics.
func WithHistory(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.history = n
		}
	}
}

// New creates a monitor. A non-positive window uses DefaultWindow.
func New(window time.Duration, opts ...Option) *Monitor {
	if window <= 0 {
		window = DefaultWindow
	}
	m := &Monitor{
		window:  window,
		history: defaultHistory,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Observe counts one frame for sourceID. When a window has elapsed it
// computes frames/elapsed, logs it, resets the window and returns reported=true.
func (m *Monitor) Observe(sourceID int) (fps float64, reported bool) {
	now := m.now()
	e := m.entryFor(sourceID, now)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.frames++
	e.total++
	e.lastFrameAt = now

	elapsed := now.Sub(e.windowStart)
	if elapsed < m.window {
		return e.lastFPS, false
	}

	fps = float64(e.frames) / elapsed.Seconds()
	e.lastFPS = fps
	e.frames = 0
	e.windowStart = now
	e.push(fps, m.history)

	slog.Info("ratemon: stream fps",
		"source_id", sourceID,
		"fps", math.Round(fps*100)/100,
		"total_frames", e.total,
	)
	return fps, true
}

// Forget drops the counters of sourceID.
func (m *Monitor) Forget(sourceID int) {
	m.entries.Delete(sourceID)
}

// Get returns the snapshot of one source.
func (m *Monitor) Get(sourceID int) (Rate, bool) {
	v, ok := m.entries.Load(sourceID)
	if !ok {
		return Rate{}, false
	}
	return v.(*entry).snapshot(sourceID), true
}

// Snapshot returns every tracked source.
func (m *Monitor) Snapshot() map[int]Rate {
	out := make(map[int]Rate)
	m.entries.Range(func(key, value any) bool {
		id := key.(int)
		out[id] = value.(*entry).snapshot(id)
		return true
	})
	return out
}

func (m *Monitor) entryFor(sourceID int, now time.Time) *entry {
	if v, ok := m.entries.Load(sourceID); ok {
		return v.(*entry)
	}
	v, _ := m.entries.LoadOrStore(sourceID, &entry{windowStart: now})
	return v.(*entry)
}

func (e *entry) push(fps float64, history int) {
	if len(e.samples) < history {
		e.samples = append(e.samples, fps)
		return
	}
	e.samples[e.next] = fps
	e.next = (e.next + 1) % history
}

func (e *entry) snapshot(sourceID int) Rate {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Summarize(e.samples)
	return Rate{
		SourceID:    sourceID,
		FPS:         e.lastFPS,
		FPSMean:     s.Mean,
		FPSStdDev:   s.StdDev,
		FPSMin:      s.Min,
		FPSMax:      s.Max,
		IsStable:    s.Stable,
		TotalFrames: e.total,
		LastFrameAt: e.lastFrameAt,
	}
}

// Summary describes a series of FPS samples.
type Summary struct {
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
	Stable bool
}

// Summarize computes mean, population stddev, min and max of samples.
// Stable requires at least two samples and stddev < 15% of the mean.
func Summarize(samples []float64) Summary {
	if len(samples) == 0 {
		return Summary{}
	}

	s := Summary{Min: samples[0], Max: samples[0]}
	var sum float64
	for _, v := range samples {
		sum += v
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	s.Mean = sum / float64(len(samples))

	var sumSquares float64
	for _, v := range samples {
		diff := v - s.Mean
		sumSquares += diff * diff
	}
	s.StdDev = math.Sqrt(sumSquares / float64(len(samples)))
	s.Stable = len(samples) >= 2 && s.Mean > 0 && s.StdDev < s.Mean*stabilityThreshold
	return s
}
