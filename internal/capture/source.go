package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-edge-guard/internal/types"
)

var (
	// ErrFormatMismatch is returned when a stream exposes no usable video path.
	ErrFormatMismatch = errors.New("stream-capture: stream format mismatch")
	// ErrAlreadyStarted is returned by Start on a running source.
	ErrAlreadyStarted = errors.New("stream-capture: source already started")
)

// State is the connection state of one source.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Source produces decoded frames for one camera.
//
// Implementations must guarantee:
//   - Start returns immediately; frames arrive asynchronously
//   - the frame channel closes when the source stops or fails for good
//   - Stop is idempotent and bounded
//   - State and Stats are safe to call from any goroutine
type Source interface {
	ID() int
	URI() string
	Start(ctx context.Context) (<-chan types.Frame, error)
	Stop() error
	State() State
	Stats() Stats
}

// Factory builds the source for a configured camera entry.
type Factory func(id int, uri string) (Source, error)

// Stats contains current source statistics.
type Stats struct {
	SourceID      int        `json:"source_id"`
	URI           string     `json:"uri"`
	State         string     `json:"state"`
	FrameCount    uint64     `json:"frame_count"`
	FramesDropped uint64     `json:"frames_dropped"`
	BytesRead     uint64     `json:"bytes_read"`
	Reconnects    uint32     `json:"reconnects"`
	LastFrameAt   time.Time  `json:"last_frame_at"`
	Errors        ErrorStats `json:"errors"`
}

// StateTracker holds a source state and logs every transition.
type StateTracker struct {
	sourceID int
	uri      string
	state    atomic.Int32
}

// NewStateTracker starts in StateDisconnected.
func NewStateTracker(sourceID int, uri string) *StateTracker {
	return &StateTracker{sourceID: sourceID, uri: uri}
}

// Load returns the current state.
func (t *StateTracker) Load() State {
	return State(t.state.Load())
}

// Set moves to the given state. FAILED is terminal until Reset.
// It reports whether the state changed.
func (t *StateTracker) Set(to State, reason string) bool {
	for {
		from := State(t.state.Load())
		if from == to || from == StateFailed {
			return false
		}
		if t.state.CompareAndSwap(int32(from), int32(to)) {
			level := slog.LevelInfo
			if to == StateFailed {
				level = slog.LevelError
			}
			slog.Log(context.Background(), level, "stream-capture: state transition",
				"source_id", t.sourceID,
				"uri", t.uri,
				"from", from.String(),
				"to", to.String(),
				"reason", reason,
			)
			return true
		}
	}
}

// Reset returns a stopped or failed source to DISCONNECTED.
func (t *StateTracker) Reset() {
	from := State(t.state.Swap(int32(StateDisconnected)))
	if from != StateDisconnected {
		slog.Info("stream-capture: state transition",
			"source_id", t.sourceID,
			"uri", t.uri,
			"from", from.String(),
			"to", StateDisconnected.String(),
			"reason", "reset",
		)
	}
}
