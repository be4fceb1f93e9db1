package ratemon

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

func TestObserveReportsOncePerWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := New(time.Second, WithClock(clock.Now))

	reports := 0
	var last float64
	// 25 fps for 3 seconds
	for i := 0; i < 75; i++ {
		clock.Advance(40 * time.Millisecond)
		if fps, ok := m.Observe(1); ok {
			reports++
			last = fps
		}
	}

	assert.Equal(t, 2, reports, "first report at 1s, second at 2s, third window still open")
	assert.InDelta(t, 25.0, last, 0.5)
	t.Logf("✅ %d reports, last fps %.2f", reports, last)
}

func TestObserveIsWallClockDriven(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := New(time.Second, WithClock(clock.Now))

	// A very slow source: one frame every 2.5s still reports on every frame after the first.
	_, ok := m.Observe(9)
	assert.False(t, ok)

	clock.Advance(2500 * time.Millisecond)
	fps, ok := m.Observe(9)
	require.True(t, ok)
	assert.InDelta(t, 2.0/2.5, fps, 0.001)

	// A burst of frames inside the same second never reports.
	for i := 0; i < 500; i++ {
		_, ok := m.Observe(9)
		assert.False(t, ok)
	}
}

func TestObserveSourcesIndependent(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := New(time.Second, WithClock(clock.Now))

	for i := 0; i < 20; i++ {
		clock.Advance(100 * time.Millisecond)
		m.Observe(1)
		if i%2 == 0 {
			m.Observe(2)
		}
	}

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, uint64(20), snap[1].TotalFrames)
	assert.Equal(t, uint64(10), snap[2].TotalFrames)
	assert.Greater(t, snap[1].FPS, snap[2].FPS)

	m.Forget(2)
	_, ok := m.Get(2)
	assert.False(t, ok)
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name    string
		samples []float64
		stable  bool
		mean    float64
	}{
		{"empty", nil, false, 0},
		{"single sample", []float64{25}, false, 25},
		{"steady", []float64{25, 25, 24.5, 25.5, 25}, true, 25},
		{"erratic", []float64{5, 30, 2, 28, 15}, false, 16},
		{"all zero", []float64{0, 0, 0}, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Summarize(tt.samples)
			assert.Equal(t, tt.stable, s.Stable)
			assert.InDelta(t, tt.mean, s.Mean, 0.001)
		})
	}
}

func TestHistoryRingBounded(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := New(time.Second, WithClock(clock.Now), WithHistory(3))

	m.Observe(1)
	for _, step := range []time.Duration{time.Second, time.Second, time.Second, 500 * time.Millisecond} {
		clock.Advance(step)
		m.Observe(1)
		m.Observe(1)
		clock.Advance(500 * time.Millisecond)
	}

	r, ok := m.Get(1)
	require.True(t, ok)
	assert.LessOrEqual(t, r.FPSMax, 4.0)
	assert.Equal(t, uint64(9), r.TotalFrames)
}
