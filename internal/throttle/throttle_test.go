package throttle

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 12, 30, 8, 54, 9, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestShouldAlertHonoursInterval(t *testing.T) {
	clock := newFakeClock()
	th := New(2*time.Minute, WithClock(clock.Now))

	require.True(t, th.ShouldAlert(1), "first alert must be approved")

	tests := []struct {
		name    string
		advance time.Duration
		want    bool
	}{
		{"immediately after", 0, false},
		{"one second later", time.Second, false},
		{"just before interval", 2*time.Minute - 2*time.Second, false},
		{"interval plus epsilon", 2 * time.Second, true},
		{"right after new approval", time.Millisecond, false},
	}

	for _, tt := range tests {
		clock.Advance(tt.advance)
		assert.Equal(t, tt.want, th.ShouldAlert(1), tt.name)
	}

	stats := th.Stats()[1]
	assert.Equal(t, uint64(2), stats.Approved)
	assert.Equal(t, uint64(4), stats.Rejected)
	t.Logf("✅ interval honoured: approved=%d rejected=%d", stats.Approved, stats.Rejected)
}

func TestShouldAlertNeverTwiceWithinInterval(t *testing.T) {
	clock := newFakeClock()
	interval := 5 * time.Second
	th := New(interval, WithClock(clock.Now))

	var approvals []time.Time
	for i := 0; i < 1000; i++ {
		if th.ShouldAlert(7) {
			approvals = append(approvals, clock.Now())
		}
		clock.Advance(37 * time.Millisecond)
	}

	require.Greater(t, len(approvals), 1)
	for i := 1; i < len(approvals); i++ {
		gap := approvals[i].Sub(approvals[i-1])
		assert.GreaterOrEqual(t, gap, interval, "approvals %d and %d too close", i-1, i)
	}
	t.Logf("✅ %d approvals over %v, all ≥ %v apart", len(approvals), 1000*37*time.Millisecond, interval)
}

func TestShouldAlertIndependentPerSource(t *testing.T) {
	clock := newFakeClock()
	th := New(time.Minute, WithClock(clock.Now))

	assert.True(t, th.ShouldAlert(1))
	assert.True(t, th.ShouldAlert(2), "source 2 must not be blocked by source 1")
	assert.False(t, th.ShouldAlert(1))
	assert.False(t, th.ShouldAlert(2))
	assert.True(t, th.ShouldAlert(3))

	assert.Equal(t, clock.Now(), th.LastApproved(1))
	assert.True(t, th.LastApproved(99).IsZero())
}

func TestShouldAlertConcurrentSources(t *testing.T) {
	th := New(time.Hour)

	const sources = 16
	const callsPerSource = 200

	var approved [sources]atomic.Int32
	var wg sync.WaitGroup
	for s := 0; s < sources; s++ {
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				for i := 0; i < callsPerSource; i++ {
					if th.ShouldAlert(id) {
						approved[id].Add(1)
					}
				}
			}(s)
		}
	}
	wg.Wait()

	for s := 0; s < sources; s++ {
		assert.Equal(t, int32(1), approved[s].Load(), "source %d", s)
	}
	t.Logf("✅ %d sources hammered concurrently, exactly one approval each", sources)
}

func TestNewDefaultInterval(t *testing.T) {
	assert.Equal(t, DefaultInterval, New(0).Interval())
	assert.Equal(t, 5*time.Second, New(5*time.Second).Interval())
}
