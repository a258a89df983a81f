package registry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// runFlusher drives one session's periodic persistence. It exits when the
// session's stop channel closes; stopFlusher is called exactly once, at
// disconnect.
func (r *Registry) runFlusher(s *session) {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.flush(s); err != nil {
				// The running total survives in memory; the next tick
				// re-sends it.
				r.log.Warn("flush failed, will retry",
					zap.String("conn_id", s.connID), zap.Error(err))
			}
		case <-s.stop:
			return
		}
	}
}

// flush drains the session's pending delta into its running total and
// writes the total to the store with a bounded deadline. A tick with
// nothing captured and nothing dirty skips the store entirely.
func (r *Registry) flush(s *session) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	userID, total, needWrite := s.capture()
	if !needWrite {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.storeTimeout)
	defer cancel()

	if err := r.store.SetBananaCount(ctx, userID, total); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()

	r.log.Debug("flushed banana total",
		zap.String("user_id", userID.String()), zap.Int64("total", total))
	return nil
}
