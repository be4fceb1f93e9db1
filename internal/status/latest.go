package status

import (
	"github.com/e7canasta/orion-edge-guard/internal/alert"
	"github.com/e7canasta/orion-edge-guard/internal/notify"
)

// TrackLatest keeps the newest delivery outcome for health snapshots.
// Intermediate outcomes may be skipped. Blocks until r is closed.
func (s *Server) TrackLatest(r notify.Receiver[alert.Outcome]) {
	for {
		o, ok := r.Receive()
		if !ok {
			return
		}
		s.mu.Lock()
		s.last = &o
		s.mu.Unlock()
	}
}

// LastAlert returns the newest outcome seen by TrackLatest.
func (s *Server) LastAlert() (alert.Outcome, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.last == nil {
		return alert.Outcome{}, false
	}
	return *s.last, true
}
