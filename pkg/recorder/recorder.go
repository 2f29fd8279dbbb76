// Package recorder wires the chunk vault, the event timeline and the
// cleanup scheduler into the operation surface the rest of the proctoring
// system calls: start a session, feed it events and recording chunks, hand
// chunks to the uploader, and let the deferred cleanup reclaim whatever was
// never uploaded.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/recvault/recvault/pkg/sweep"
	"github.com/recvault/recvault/pkg/timeline"
	"github.com/recvault/recvault/pkg/vault"
)

var (
	// ErrNoActiveSession is returned by operations that need a session
	// when none is active or resolvable.
	ErrNoActiveSession = errors.New("no active session")
	// ErrInvalidArgument is returned for parameters that can never
	// identify or describe a chunk, such as negative indexes.
	ErrInvalidArgument = errors.New("invalid argument")
)

// DefaultCleanupGrace is how long after a session ends its non-uploaded
// chunks stick around. The grace window is what lets a slow uploader finish
// before the sweep.
const DefaultCleanupGrace = 5 * time.Minute

// Summary is the payload-free view of a chunk handed to polling consumers.
type Summary struct {
	Key         vault.ChunkKey
	Index       uint32
	StartTime   time.Time
	EndTime     time.Time
	DurationMs  int64
	SizeBytes   int64
	Digest      string
	Status      vault.Status
	UploadedRef string
	Events      []timeline.Event
}

// UploadChunk is what the upload collaborator receives: the payload plus
// enough metadata to name and verify it.
type UploadChunk struct {
	Key        vault.ChunkKey
	Index      uint32
	StartTime  time.Time
	EndTime    time.Time
	DurationMs int64
	SizeBytes  int64
	Digest     string
	Events     []timeline.Event
	Payload    []byte
}

// Option configures a Manager.
type Option func(*Manager)

// WithSegmentDuration sets the window size used to assign events to chunk
// indexes. It must match the duration the capture side slices recordings
// at.
func WithSegmentDuration(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.segmentDur = d
		}
	}
}

// WithCleanupGrace sets the delay between EndSession and the automatic
// cleanup sweep.
func WithCleanupGrace(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.cleanupGrace = d
		}
	}
}

// WithLogger sets the logger shared by the manager and its scheduler.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithNowFunc overrides the wall clock used for event offsets.
func WithNowFunc(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager is the session-scoped entry point for recording persistence. All
// methods are safe for concurrent use.
//
// One Manager serves one live session at a time. The producer operations
// (InitSession, AddEvent, RegisterChunk, EndSession) require that live
// session; the upload operations (ListSummaries, ChunkForUpload,
// ConfirmUploaded) also work after a process restart, because the session
// pointer is persisted eagerly and rehydrated on demand.
type Manager struct {
	store  *vault.Store
	sweeps *sweep.Scheduler
	logger *slog.Logger
	now    func() time.Time

	segmentDur   time.Duration
	cleanupGrace time.Duration

	timeline *timeline.Timeline

	mu        sync.Mutex
	sessionID string
	subjectID string
	ledger    []vault.ChunkKey
}

// New builds a Manager on top of store.
func New(store *vault.Store, opts ...Option) *Manager {
	m := &Manager{
		store:        store,
		logger:       slog.Default(),
		now:          time.Now,
		segmentDur:   timeline.DefaultSegmentDuration,
		cleanupGrace: DefaultCleanupGrace,
	}
	for _, opt := range opts {
		opt(m)
	}

	base := m.logger
	m.logger = base.With("component", "recorder")
	m.timeline = timeline.New(
		timeline.WithSegmentDuration(m.segmentDur),
		timeline.WithNowFunc(m.now),
	)
	m.sweeps = sweep.New(sweep.Config{Store: store, Logger: base})
	return m
}

// InitSession starts a monitored session. The session record and the
// last-active-session pointer are persisted immediately, before any chunk
// arrives, so a crashed and restarted process can still find this session.
// Starting over an already active session simply begins the new one.
func (m *Manager) InitSession(ctx context.Context, sessionID, subjectID string) (time.Time, error) {
	if sessionID == "" || subjectID == "" {
		return time.Time{}, fmt.Errorf("%w: session and subject ids are required", ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.timeline.Start(sessionID, subjectID)
	m.sessionID = sessionID
	m.subjectID = subjectID
	m.ledger = nil

	rec := vault.SessionRecord{
		SessionID: sessionID,
		SubjectID: subjectID,
		StartTime: start,
		Status:    vault.SessionRecording,
		Events:    m.timeline.Events(),
	}
	if err := m.store.PutSession(ctx, rec); err != nil {
		return time.Time{}, err
	}
	if err := m.store.SetLastSession(ctx, sessionID); err != nil {
		return time.Time{}, err
	}

	m.logger.Info("session started", "session_id", sessionID, "subject_id", subjectID)
	return start, nil
}

// AddEvent appends a marker to the live timeline and returns it. With no
// active session it returns nil and records nothing; callers treat that as
// an ordinary no-op.
func (m *Manager) AddEvent(eventType string, details map[string]any) *timeline.Event {
	return m.timeline.Append(eventType, details)
}

// RegisterChunk persists one recording segment together with the timeline
// events that fall inside its window. The chunk is keyed by (session,
// subject, index); registering an index twice overwrites the first record.
// Unlike the upload paths, registration never rehydrates: it requires the
// session that is live in this process.
func (m *Manager) RegisterChunk(ctx context.Context, index int, start, end time.Time, durationMs int64, payload []byte) (vault.Chunk, error) {
	if index < 0 {
		return vault.Chunk{}, fmt.Errorf("%w: negative chunk index %d", ErrInvalidArgument, index)
	}
	if durationMs < 0 {
		return vault.Chunk{}, fmt.Errorf("%w: negative chunk duration %dms", ErrInvalidArgument, durationMs)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.timeline.Active() {
		return vault.Chunk{}, ErrNoActiveSession
	}

	chunk := vault.Chunk{
		SessionID:  m.sessionID,
		SubjectID:  m.subjectID,
		Index:      uint32(index),
		StartTime:  start.UTC(),
		EndTime:    end.UTC(),
		DurationMs: durationMs,
		Status:     vault.StatusStored,
		Events:     m.timeline.EventsInWindow(uint32(index)),
		Payload:    payload,
	}
	stored, err := m.store.Put(ctx, chunk)
	if err != nil {
		return vault.Chunk{}, err
	}

	if key := stored.Key(); !slices.Contains(m.ledger, key) {
		m.ledger = append(m.ledger, key)
	}
	m.logger.Info("chunk registered",
		"chunk", stored.Key().String(),
		"size_bytes", stored.SizeBytes,
		"events", len(stored.Events))
	return stored, nil
}

// EndSession closes the live session: the terminal marker is appended, the
// final session record is persisted, and the cleanup grace timer is armed.
// It returns how many distinct chunks this process registered for the
// session. The session pointer stays resolvable so late uploads can finish
// during the grace window.
func (m *Manager) EndSession(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ended := m.timeline.End()
	if ended == nil {
		return 0, ErrNoActiveSession
	}

	rec := vault.SessionRecord{
		SessionID: m.sessionID,
		SubjectID: m.subjectID,
		StartTime: m.timeline.StartTime(),
		EndTime:   &ended.WallClock,
		Status:    vault.SessionEnded,
		Events:    m.timeline.Events(),
	}
	if err := m.store.PutSession(ctx, rec); err != nil {
		return 0, err
	}

	m.sweeps.Schedule(m.sessionID, m.cleanupGrace)

	total := len(m.ledger)
	m.logger.Info("session ended",
		"session_id", m.sessionID,
		"total_chunks", total,
		"cleanup_in", m.cleanupGrace)
	return total, nil
}

// ListSummaries returns the resolvable session's chunks, payloads omitted,
// in ascending index order. When no session was ever recorded it returns an
// empty list rather than an error: this path serves passive polling.
func (m *Manager) ListSummaries(ctx context.Context) ([]Summary, error) {
	sessionID, err := m.resolveSession(ctx)
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		return []Summary{}, nil
	}

	chunks, err := m.store.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	summaries := make([]Summary, 0, len(chunks))
	for _, c := range chunks {
		summaries = append(summaries, Summary{
			Key:         c.Key(),
			Index:       c.Index,
			StartTime:   c.StartTime,
			EndTime:     c.EndTime,
			DurationMs:  c.DurationMs,
			SizeBytes:   c.SizeBytes,
			Digest:      c.Digest,
			Status:      c.Status,
			UploadedRef: c.UploadedRef,
			Events:      c.Events,
		})
	}
	return summaries, nil
}

// ChunkForUpload hands the chunk at index to the upload collaborator and
// marks it Uploading. The mark is an unconditional overwrite: pulling a
// chunk that is already Uploading (a retry of a silently dead upload) or
// even already Uploaded is allowed, and nothing ever moves a chunk back on
// its own.
func (m *Manager) ChunkForUpload(ctx context.Context, index int) (*UploadChunk, error) {
	if index < 0 {
		return nil, fmt.Errorf("%w: negative chunk index %d", ErrInvalidArgument, index)
	}
	sessionID, err := m.resolveSession(ctx)
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, ErrNoActiveSession
	}

	chunk, err := m.store.GetByIndex(ctx, sessionID, uint32(index))
	if err != nil {
		return nil, err
	}
	if _, err := m.store.UpdateStatus(ctx, chunk.Key(), vault.StatusUploading, nil); err != nil {
		return nil, err
	}

	m.logger.Info("chunk handed to uploader", "chunk", chunk.Key().String(), "size_bytes", chunk.SizeBytes)
	return &UploadChunk{
		Key:        chunk.Key(),
		Index:      chunk.Index,
		StartTime:  chunk.StartTime,
		EndTime:    chunk.EndTime,
		DurationMs: chunk.DurationMs,
		SizeBytes:  chunk.SizeBytes,
		Digest:     chunk.Digest,
		Events:     chunk.Events,
		Payload:    chunk.Payload,
	}, nil
}

// ConfirmUploaded finalizes a chunk after a successful upload, recording
// where it landed. Confirmations are idempotent; repeated calls overwrite
// the reference and the last caller wins.
func (m *Manager) ConfirmUploaded(ctx context.Context, key vault.ChunkKey, ref string) error {
	if _, err := m.store.UpdateStatus(ctx, key, vault.StatusUploaded, &ref); err != nil {
		return err
	}
	m.logger.Info("chunk upload confirmed", "chunk", key.String(), "ref", ref)
	return nil
}

// ScheduleCleanup arms the deferred purge for a session. Scheduling again
// replaces the pending timer, so repeated calls debounce into the most
// recent delay.
func (m *Manager) ScheduleCleanup(sessionID string, delay time.Duration) {
	m.sweeps.Schedule(sessionID, delay)
}

// CancelCleanup disarms a pending purge and reports whether one was
// pending. After a true return the purge will not run.
func (m *Manager) CancelCleanup(sessionID string) bool {
	return m.sweeps.Cancel(sessionID)
}

// Close drains the cleanup scheduler. The store is left open for its owner
// to close.
func (m *Manager) Close() {
	m.sweeps.Close()
}
