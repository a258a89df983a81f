package registry

import (
	"sync"

	"github.com/google/uuid"
)

// session is the server-side state bound to one live connection.
//
// mu guards the counter state and is never held across a store call, so a
// slow flush cannot stall click handling. flushMu serializes flushes for
// this session (ticker, retry, disconnect) so an older total can never
// overwrite a newer one.
type session struct {
	connID string

	mu      sync.Mutex
	userID  uuid.UUID
	authed  bool
	pending int64 // clicks accumulated since the last flush
	total   int64 // running absolute total, as last intended for the store
	dirty   bool  // a flush failed; total must be re-sent

	flushMu  sync.Mutex
	stop     chan struct{}
	stopOnce sync.Once
}

func newSession(connID string) *session {
	return &session{
		connID: connID,
		stop:   make(chan struct{}),
	}
}

// stopFlusher cancels the session's flush timer. Safe to call more than
// once; only the first call has any effect.
func (s *session) stopFlusher() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// capture atomically drains pending into total and returns what must be
// written: the new total, and whether a write is needed at all.
func (s *session) capture() (userID uuid.UUID, total int64, needWrite bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	needWrite = s.pending != 0 || s.dirty
	s.total += s.pending
	s.pending = 0
	return s.userID, s.total, needWrite
}
