package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrUnknownConnection    = errors.New("unknown connection")
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrAlreadyAuthenticated = errors.New("session already authenticated")
	ErrUserConnected        = errors.New("user already has a live session")
	ErrInvalidCount         = errors.New("click count must be a non-negative integer")
	ErrStoreUnavailable     = errors.New("record store unavailable")
)

// CounterStore is the durable mapping from user id to banana total.
// Writes are absolute: re-sending the same total after a failure is safe.
type CounterStore interface {
	BananaCount(ctx context.Context, userID uuid.UUID) (int64, error)
	SetBananaCount(ctx context.Context, userID uuid.UUID, total int64) error
}

// Broadcaster receives counter updates to fan out to connected clients.
type Broadcaster interface {
	CounterUpdated(userID uuid.UUID, total int64)
}

// Registry owns the connection-to-session mapping and each session's
// flush timer. Sessions are independent units of concurrency; no operation
// on one session ever blocks another. Calls for a single connection are
// expected to arrive serially, from that connection's read loop; calls
// for different connections may be fully concurrent.
type Registry struct {
	store         CounterStore
	bcast         Broadcaster
	flushInterval time.Duration
	storeTimeout  time.Duration
	log           *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
	byUser   map[uuid.UUID]string
}

func New(store CounterStore, bcast Broadcaster, flushInterval, storeTimeout time.Duration, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		store:         store,
		bcast:         bcast,
		flushInterval: flushInterval,
		storeTimeout:  storeTimeout,
		log:           log,
		sessions:      make(map[string]*session),
		byUser:        make(map[uuid.UUID]string),
	}
}

// Connect registers a new, unauthenticated session. No flush timer is
// armed until the session authenticates.
func (r *Registry) Connect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[connID]; ok {
		return
	}
	r.sessions[connID] = newSession(connID)
}

// Authenticate binds a verified identity to the session exactly once,
// loads the user's stored total, and arms the flush timer. A user may hold
// at most one live session; a second one is rejected with ErrUserConnected.
func (r *Registry) Authenticate(ctx context.Context, connID string, userID uuid.UUID) error {
	r.mu.Lock()
	s, ok := r.sessions[connID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownConnection
	}
	s.mu.Lock()
	if s.authed {
		s.mu.Unlock()
		r.mu.Unlock()
		return ErrAlreadyAuthenticated
	}
	if _, live := r.byUser[userID]; live {
		s.mu.Unlock()
		r.mu.Unlock()
		return ErrUserConnected
	}
	s.authed = true
	s.userID = userID
	r.byUser[userID] = connID
	s.mu.Unlock()
	r.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	total, err := r.store.BananaCount(cctx, userID)
	cancel()
	if err != nil {
		// Roll the binding back so the client can retry.
		r.mu.Lock()
		delete(r.byUser, userID)
		s.mu.Lock()
		s.authed = false
		s.userID = uuid.Nil
		s.pending = 0
		s.mu.Unlock()
		r.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	s.total = total
	s.mu.Unlock()

	go r.runFlusher(s)

	r.log.Info("session authenticated",
		zap.String("conn_id", connID),
		zap.String("user_id", userID.String()),
		zap.Int64("stored_total", total))
	return nil
}

// Click adds count to the session's unflushed delta, broadcasts the user's
// live total, and returns the new pending delta.
func (r *Registry) Click(connID string, count int64) (int64, error) {
	if count < 0 {
		return 0, ErrInvalidCount
	}

	r.mu.Lock()
	s, ok := r.sessions[connID]
	r.mu.Unlock()
	if !ok {
		return 0, ErrUnknownConnection
	}

	s.mu.Lock()
	if !s.authed {
		s.mu.Unlock()
		return 0, ErrNotAuthenticated
	}
	s.pending += count
	pending := s.pending
	live := s.total + s.pending
	userID := s.userID
	s.mu.Unlock()

	r.bcast.CounterUpdated(userID, live)
	return pending, nil
}

// Count returns the session user's live total (stored + pending) without
// mutating any state.
func (r *Registry) Count(connID string) (int64, error) {
	r.mu.Lock()
	s, ok := r.sessions[connID]
	r.mu.Unlock()
	if !ok {
		return 0, ErrUnknownConnection
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authed {
		return 0, ErrNotAuthenticated
	}
	return s.total + s.pending, nil
}

// Disconnect tears down the session: cancels its flush timer, makes one
// bounded best-effort flush of anything unpersisted, and removes it.
// Unknown connection ids are a no-op, so calling it twice is safe.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	s, ok := r.sessions[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, connID)
	s.mu.Lock()
	authed := s.authed
	if authed {
		delete(r.byUser, s.userID)
	}
	s.mu.Unlock()
	r.mu.Unlock()

	s.stopFlusher()
	if !authed {
		return
	}
	if err := r.flush(s); err != nil {
		// No session survives to retry; the unflushed clicks are lost.
		r.log.Error("final flush failed, pending clicks dropped",
			zap.String("conn_id", connID), zap.Error(err))
	}
	r.log.Info("session closed", zap.String("conn_id", connID))
}

// Shutdown disconnects every live session, running each one's final flush
// before returning. Gateway read loops racing with this are harmless since
// Disconnect is idempotent.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Disconnect(id)
	}
}

// ActiveSessions reports the number of live connections.
func (r *Registry) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
