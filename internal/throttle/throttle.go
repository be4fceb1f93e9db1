package throttle

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is the production minimum interval between alerts per source.
const DefaultInterval = 2 * time.Minute

// Throttle is a per-source minimum-interval gate for alert emission.
//
// Each source id owns its own gate, so approvals for different sources never
// contend on the same lock. Safe for concurrent use.
type Throttle struct {
	interval time.Duration
	now      func() time.Time

	gates sync.Map // int -> *gate
}

type gate struct {
	mu       sync.Mutex
	last     time.Time
	approved uint64
	rejected uint64
}

// Option configures a Throttle.
type Option func(*Throttle)

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(t *Throttle) { t.now = now }
}

// New creates a throttle. A non-positive interval uses DefaultInterval.
func New(interval time.Duration, opts ...Option) *Throttle {
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := &Throttle{
		interval: interval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Interval returns the configured minimum interval.
func (t *Throttle) Interval() time.Duration {
	return t.interval
}

// ShouldAlert returns true iff no alert for sourceID was approved within the
// last interval. On approval the current time is recorded for sourceID.
func (t *Throttle) ShouldAlert(sourceID int) bool {
	g := t.gateFor(sourceID)
	now := t.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.last.IsZero() && now.Sub(g.last) < t.interval {
		g.rejected++
		slog.Debug("throttle: alert suppressed",
			"source_id", sourceID,
			"since_last", now.Sub(g.last),
			"interval", t.interval,
		)
		return false
	}

	g.last = now
	g.approved++
	return true
}

// LastApproved returns the last approval time for sourceID (zero if none).
func (t *Throttle) LastApproved(sourceID int) time.Time {
	v, ok := t.gates.Load(sourceID)
	if !ok {
		return time.Time{}
	}
	g := v.(*gate)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// Stats is a per-source snapshot of throttle decisions.
type Stats struct {
	LastApproved time.Time
	Approved     uint64
	Rejected     uint64
}

// Stats returns a snapshot for every source seen so far.
func (t *Throttle) Stats() map[int]Stats {
	out := make(map[int]Stats)
	t.gates.Range(func(key, value any) bool {
		g := value.(*gate)
		g.mu.Lock()
		out[key.(int)] = Stats{
			LastApproved: g.last,
			Approved:     g.approved,
			Rejected:     g.rejected,
		}
		g.mu.Unlock()
		return true
	})
	return out
}

func (t *Throttle) gateFor(sourceID int) *gate {
	if v, ok := t.gates.Load(sourceID); ok {
		return v.(*gate)
	}
	v, _ := t.gates.LoadOrStore(sourceID, &gate{})
	return v.(*gate)
}
