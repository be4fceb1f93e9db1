package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-edge-guard/internal/pipeline"
	"github.com/e7canasta/orion-edge-guard/internal/retry"
)

// fakeRunner runs until ctx ends, or returns failErr (or panics with
// panicMsg) after failAfter.
type fakeRunner struct {
	name      string
	failAfter time.Duration
	failErr   error
	panicMsg  string
	state     atomic.Int32
}

func (r *fakeRunner) Name() string          { return r.name }
func (r *fakeRunner) State() pipeline.State { return pipeline.State(r.state.Load()) }
func (r *fakeRunner) set(s pipeline.State)  { r.state.Store(int32(s)) }

func (r *fakeRunner) Stats() pipeline.Stats {
	return pipeline.Stats{Name: r.name, State: r.State().String()}
}

func (r *fakeRunner) Run(ctx context.Context) error {
	r.set(pipeline.StateRunning)

	var fail <-chan time.Time
	if r.failAfter > 0 {
		fail = time.After(r.failAfter)
	}

	select {
	case <-ctx.Done():
		r.set(pipeline.StateStopped)
		return nil
	case <-fail:
		r.set(pipeline.StateFailed)
		if r.panicMsg != "" {
			panic(r.panicMsg)
		}
		return r.failErr
	}
}

// scriptedBuilder counts builds per group and makes the first build of
// failing groups fail at runtime.
type scriptedBuilder struct {
	mu         sync.Mutex
	builds     map[string]int
	failing    map[string]bool
	buildErr   map[string]bool
	panicking  map[string]bool
	buildPanic map[string]bool
}

func newScriptedBuilder(failing ...string) *scriptedBuilder {
	b := &scriptedBuilder{
		builds:     make(map[string]int),
		failing:    make(map[string]bool),
		buildErr:   make(map[string]bool),
		panicking:  make(map[string]bool),
		buildPanic: make(map[string]bool),
	}
	for _, name := range failing {
		b.failing[name] = true
	}
	return b
}

func (b *scriptedBuilder) build(cfg pipeline.Config) (Runner, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.builds[cfg.Name]++
	first := b.builds[cfg.Name] == 1
	if first && b.buildErr[cfg.Name] {
		return nil, errors.New("camera config unreadable")
	}
	if first && b.buildPanic[cfg.Name] {
		panic("decoder plugin crashed")
	}
	r := &fakeRunner{name: cfg.Name}
	if first && b.failing[cfg.Name] {
		r.failAfter = 20 * time.Millisecond
		r.failErr = pipeline.ErrEndOfStream
	}
	if first && b.panicking[cfg.Name] {
		r.failAfter = 20 * time.Millisecond
		r.panicMsg = "frame processor blew up"
	}
	return r, nil
}

func (b *scriptedBuilder) count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.builds[name]
}

func groups(names ...string) []pipeline.Config {
	out := make([]pipeline.Config, len(names))
	for i, n := range names {
		out[i] = pipeline.Config{Name: n, Cameras: []pipeline.Camera{{ID: i + 1, URI: "synthetic://" + n}}}
	}
	return out
}

func TestFailureRestartsAllGraphs(t *testing.T) {
	b := newScriptedBuilder("cam-b")
	s, err := New(groups("cam-a", "cam-b", "cam-c"), b.build,
		WithRestartPolicy(retry.Fixed(0, 10*time.Millisecond)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Restarts() == 1 && s.Ready() }, 2*time.Second, 5*time.Millisecond)

	for _, name := range []string{"cam-a", "cam-b", "cam-c"} {
		assert.Equal(t, 2, b.count(name), "group %s must be relaunched", name)
	}

	st := s.Status()
	assert.True(t, st.Running)
	assert.Equal(t, uint64(2), st.Generation)
	assert.Contains(t, st.LastError, "end of stream")
	assert.Len(t, st.Graphs, 3)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err, "interrupt is a clean exit")
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}

	for name, state := range s.States() {
		assert.Equal(t, pipeline.StateStopped, state, "graph %s", name)
	}
	assert.False(t, s.Ready())
	t.Logf("✅ one failure relaunched all %d graphs", len(st.Graphs))
}

func TestBuildErrorTriggersRestart(t *testing.T) {
	b := newScriptedBuilder()
	b.buildErr["cam-a"] = true

	s, err := New(groups("cam-a"), b.build, WithRestartPolicy(retry.Fixed(0, time.Millisecond)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	require.Eventually(t, s.Ready, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), s.Restarts())
	assert.Equal(t, 2, b.count("cam-a"))
}

func TestPanicRestartsAllGraphs(t *testing.T) {
	tests := []struct {
		name  string
		setup func(b *scriptedBuilder)
		want  string
	}{
		{"graph run panics", func(b *scriptedBuilder) { b.panicking["cam-b"] = true }, "frame processor blew up"},
		{"graph build panics", func(b *scriptedBuilder) { b.buildPanic["cam-b"] = true }, "decoder plugin crashed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newScriptedBuilder()
			tt.setup(b)

			s, err := New(groups("cam-a", "cam-b"), b.build,
				WithRestartPolicy(retry.Fixed(0, 10*time.Millisecond)))
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- s.Run(ctx) }()

			require.Eventually(t, func() bool { return s.Restarts() == 1 && s.Ready() }, 2*time.Second, 5*time.Millisecond)
			assert.Equal(t, 2, b.count("cam-b"), "panicking group must be relaunched")
			assert.Contains(t, s.Status().LastError, "panicked")
			assert.Contains(t, s.Status().LastError, tt.want)

			cancel()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(time.Second):
				t.Fatal("supervisor did not stop")
			}
			t.Logf("✅ panic recovered and graphs relaunched: %s", tt.want)
		})
	}
}

func TestInterruptDuringRestartDelay(t *testing.T) {
	b := newScriptedBuilder("cam-a")
	s, err := New(groups("cam-a"), b.build, WithRestartPolicy(retry.Fixed(0, time.Hour)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Restarts() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("restart delay ignored cancellation")
	}
}

func TestGraphBuilderAdaptsPipeline(t *testing.T) {
	build := GraphBuilder(func(cfg pipeline.Config) (*pipeline.Graph, error) {
		return nil, errors.New("no detector")
	})
	r, err := build(pipeline.Config{Name: "x"})
	assert.Error(t, err)
	assert.Nil(t, r, "failed build must not yield a typed nil runner")
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, newScriptedBuilder().build)
	assert.Error(t, err)

	_, err = New(groups("a"), nil)
	assert.Error(t, err)
}
