// Package sweep owns the deferred cleanup of recorded sessions. A session's
// chunks are never removed inline: ending a session arms a timer, and only
// when it fires does the scheduler decide what to purge. Anything uploaded
// by then survives as the audit record; everything else is considered
// abandoned and dropped.
package sweep

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/recvault/recvault/pkg/vault"
)

// Store is the slice of the chunk store the scheduler needs.
type Store interface {
	ListBySession(ctx context.Context, sessionID string, opts ...vault.ListOption) ([]vault.Chunk, error)
	DeleteSession(ctx context.Context, sessionID string) (int, error)
	DeleteWhere(ctx context.Context, sessionID string, pred vault.DeletePredicate) (int, error)
}

// Config holds the scheduler configuration.
type Config struct {
	// Store performs the actual deletions.
	Store Store
	// Logger receives sweep outcomes. Defaults to slog.Default(). Sweep
	// failures are logged here and never propagated: cleanup is best
	// effort and one broken session must not take the scheduler down.
	Logger *slog.Logger
}

// pendingSweep identifies one armed timer. The fire callback holds the
// pointer it was created with, so a timer that was replaced or cancelled
// can recognize itself as stale and back out.
type pendingSweep struct {
	timer *time.Timer
}

// Scheduler keeps at most one pending sweep per session. All methods are
// safe for concurrent use.
type Scheduler struct {
	store  Store
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingSweep
	closed  bool

	wg sync.WaitGroup
}

// New returns a Scheduler ready to accept work.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   cfg.Store,
		logger:  logger.With("component", "sweep"),
		pending: make(map[string]*pendingSweep),
	}
}

// Schedule arms the deferred sweep for a session after delay. Scheduling a
// session that already has a pending sweep replaces it, so only the most
// recent call decides when the sweep runs.
func (s *Scheduler) Schedule(sessionID string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if prev, ok := s.pending[sessionID]; ok {
		prev.timer.Stop()
	}
	p := &pendingSweep{}
	p.timer = time.AfterFunc(delay, func() {
		s.fire(sessionID, p)
	})
	s.pending[sessionID] = p
	s.logger.Info("cleanup scheduled", "session_id", sessionID, "delay", delay)
}

// Cancel disarms a session's pending sweep and reports whether one was
// pending. When Cancel returns true the sweep will not run, even if its
// timer had already expired: an expired callback that finds its entry gone
// backs out without touching the store.
func (s *Scheduler) Cancel(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[sessionID]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(s.pending, sessionID)
	s.logger.Info("cleanup cancelled", "session_id", sessionID)
	return true
}

// Pending reports whether a sweep is currently scheduled for the session.
func (s *Scheduler) Pending(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[sessionID]
	return ok
}

// Close disarms every pending sweep and waits for in-flight ones to finish.
// The scheduler accepts no new work afterwards.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for id, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// fire runs when a timer expires. It only proceeds if its pendingSweep is
// still the one on record for the session; otherwise a later Schedule or a
// Cancel won the race and this callback is stale.
func (s *Scheduler) fire(sessionID string, p *pendingSweep) {
	s.mu.Lock()
	current, ok := s.pending[sessionID]
	if !ok || current != p || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.pending, sessionID)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	s.SweepNow(context.Background(), sessionID)
}

// SweepNow applies the purge policy to a session immediately, bypassing any
// timer. The deferred path funnels through here; tests and operators can
// call it directly.
//
// Policy: no chunks means nothing to do. No uploaded chunk at all means the
// whole session was abandoned and every chunk goes. Otherwise only the
// non-uploaded chunks go and the uploaded ones stay behind as the audit
// record. Failures are logged and swallowed.
func (s *Scheduler) SweepNow(ctx context.Context, sessionID string) {
	logger := s.logger.With("session_id", sessionID)

	chunks, err := s.store.ListBySession(ctx, sessionID)
	if err != nil {
		logger.Error("cleanup could not list chunks", "error", err)
		return
	}
	if len(chunks) == 0 {
		logger.Info("cleanup found no chunks")
		return
	}

	uploaded := 0
	for _, c := range chunks {
		if c.Status == vault.StatusUploaded {
			uploaded++
		}
	}

	if uploaded == 0 {
		removed, err := s.store.DeleteSession(ctx, sessionID)
		if err != nil {
			logger.Error("cleanup could not delete session chunks", "error", err)
			return
		}
		logger.Info("cleanup removed never-uploaded session", "chunks_removed", removed)
		return
	}

	removed, err := s.store.DeleteWhere(ctx, sessionID, func(c vault.Chunk) bool {
		return c.Status != vault.StatusUploaded
	})
	if err != nil {
		logger.Error("cleanup could not prune chunks", "error", err)
		return
	}
	logger.Info("cleanup pruned abandoned chunks", "chunks_removed", removed, "chunks_kept", uploaded)
}
