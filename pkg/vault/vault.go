// Package vault is the durable, keyed store for recording chunks and
// session metadata. Everything lives in a single bbolt database file:
// chunk records (metadata and payload framed into one value, so a chunk is
// persisted atomically), session records, and the pointer to the last
// active session that makes recovery after a process restart possible.
//
// The database handle is opened lazily on the first operation that needs
// it and reopened the same way after Close, so a restarted process can
// keep calling into the same Store value.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// ErrChunkNotFound is returned when no chunk exists under the requested
	// key.
	ErrChunkNotFound = errors.New("chunk not found")
	// ErrSessionNotFound is returned when no session record exists for the
	// requested id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrCorruptRecord is returned when a stored value fails framing or
	// checksum validation.
	ErrCorruptRecord = errors.New("corrupt record")
	// ErrMalformedKey is returned for chunk keys that cannot identify a
	// record.
	ErrMalformedKey = errors.New("malformed chunk key")
)

var (
	bucketChunks   = []byte("chunks")
	bucketSessions = []byte("sessions")
	bucketMeta     = []byte("meta")
)

// keyLastSession is the meta bucket key holding the last active session id.
var keyLastSession = []byte("last_active_session")

// DeletePredicate reports whether DeleteWhere should remove a chunk. It
// only ever sees the metadata view, never the payload.
type DeletePredicate func(Chunk) bool

// ListOption adjusts how list operations materialize chunks.
type ListOption func(*listOptions)

type listOptions struct {
	payloads bool
}

// WithPayloads makes a list operation include payload bytes. Listings omit
// them by default because polling consumers only want bookkeeping.
func WithPayloads() ListOption {
	return func(o *listOptions) {
		o.payloads = true
	}
}

// Config holds the store configuration.
type Config struct {
	// Path is the bbolt database file. Parent directory must exist.
	Path string
	// Logger is used for store level warnings. Defaults to slog.Default().
	Logger *slog.Logger
}

// Store reads and writes chunk and session records. All methods are safe
// for concurrent use; writes are atomic per record.
type Store struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
	db *bolt.DB
}

// New returns a Store for the database file at cfg.Path. No file is opened
// until the first operation needs one.
func New(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:   cfg.Path,
		logger: logger.With("component", "vault"),
	}
}

// handle returns the open database, opening it and creating the buckets on
// first use.
func (s *Store) handle() (*bolt.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db, nil
	}
	db, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open vault at %s: %w", s.path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketChunks, bucketSessions, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Info("vault opened", "path", s.path)
	s.db = db
	return db, nil
}

// Close releases the database handle. The store stays usable: the next
// operation transparently reopens it. Closing an unopened store is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Put persists a chunk's metadata and payload atomically as one record,
// keyed by session and sequence index. Re-putting an existing index
// overwrites the previous record; there is never more than one chunk per
// (session, index). Size and digest are derived from the payload here, not
// trusted from the caller.
func (s *Store) Put(ctx context.Context, c Chunk) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	if c.SessionID == "" || c.SubjectID == "" {
		return Chunk{}, fmt.Errorf("%w: empty session or subject id", ErrMalformedKey)
	}
	db, err := s.handle()
	if err != nil {
		return Chunk{}, err
	}

	c.SizeBytes = int64(len(c.Payload))
	c.Digest = payloadDigest(c.Payload)
	value, err := encodeChunk(c)
	if err != nil {
		return Chunk{}, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		sb, err := tx.Bucket(bucketChunks).CreateBucketIfNotExists([]byte(c.SessionID))
		if err != nil {
			return fmt.Errorf("create session bucket: %w", err)
		}
		return sb.Put(encodeIndex(c.Index), value)
	})
	if err != nil {
		return Chunk{}, fmt.Errorf("put chunk %s: %w", c.Key(), err)
	}
	return c, nil
}

// Get returns the full chunk stored under key, payload included. The
// subject id is part of the identity: a record stored for a different
// subject is not found.
func (s *Store) Get(ctx context.Context, key ChunkKey) (Chunk, error) {
	c, err := s.getChunk(ctx, key.SessionID, key.Index)
	if err != nil {
		return Chunk{}, err
	}
	if c.SubjectID != key.SubjectID {
		return Chunk{}, fmt.Errorf("get chunk %s: %w", key, ErrChunkNotFound)
	}
	return c, nil
}

// GetByIndex returns the full chunk at the given position within a session.
// Upload paths use it after a restart, when the subject id is no longer in
// memory.
func (s *Store) GetByIndex(ctx context.Context, sessionID string, index uint32) (Chunk, error) {
	return s.getChunk(ctx, sessionID, index)
}

func (s *Store) getChunk(ctx context.Context, sessionID string, index uint32) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	db, err := s.handle()
	if err != nil {
		return Chunk{}, err
	}

	var c Chunk
	err = db.View(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketChunks).Bucket([]byte(sessionID))
		if sb == nil {
			return ErrChunkNotFound
		}
		data := sb.Get(encodeIndex(index))
		if data == nil {
			return ErrChunkNotFound
		}
		decoded, err := decodeChunk(data)
		if err != nil {
			return err
		}
		c = decoded
		return nil
	})
	if err != nil {
		return Chunk{}, fmt.Errorf("get chunk %s/%d: %w", sessionID, index, err)
	}
	return c, nil
}

// ListBySession returns a session's chunks in ascending index order.
// Payloads are omitted unless WithPayloads is given. An unknown session
// yields an empty list, not an error.
func (s *Store) ListBySession(ctx context.Context, sessionID string, opts ...ListOption) ([]Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var lo listOptions
	for _, opt := range opts {
		opt(&lo)
	}
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var chunks []Chunk
	err = db.View(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketChunks).Bucket([]byte(sessionID))
		if sb == nil {
			return nil
		}
		c := sb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			chunk, err := s.decodeFor(lo, v)
			if err != nil {
				return fmt.Errorf("chunk %s/%d: %w", sessionID, decodeIndex(k), err)
			}
			chunks = append(chunks, chunk)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list session %s: %w", sessionID, err)
	}
	return chunks, nil
}

// ListBySubject returns every stored chunk belonging to a subject across
// all sessions. It is a full scan; the subject id lives inside the record,
// not in the key.
func (s *Store) ListBySubject(ctx context.Context, subjectID string) ([]Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var chunks []Chunk
	err = db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketChunks)
		rc := root.Cursor()
		for sk, sv := rc.First(); sk != nil; sk, sv = rc.Next() {
			if sv != nil {
				continue // only nested session buckets live here
			}
			c := root.Bucket(sk).Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				meta, err := decodeChunkMeta(v)
				if err != nil {
					return fmt.Errorf("chunk %s/%d: %w", sk, decodeIndex(k), err)
				}
				if meta.SubjectID == subjectID {
					chunks = append(chunks, meta)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list subject %s: %w", subjectID, err)
	}
	return chunks, nil
}

// ListByStatus returns a session's chunks currently in the given lifecycle
// status, in ascending index order, payloads omitted. Upload collaborators
// use it to find chunks still awaiting export.
func (s *Store) ListByStatus(ctx context.Context, sessionID string, status Status) ([]Chunk, error) {
	chunks, err := s.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var matched []Chunk
	for _, c := range chunks {
		if c.Status == status {
			matched = append(matched, c)
		}
	}
	return matched, nil
}

func (s *Store) decodeFor(lo listOptions, value []byte) (Chunk, error) {
	if lo.payloads {
		return decodeChunk(value)
	}
	return decodeChunkMeta(value)
}

// UpdateStatus sets a chunk's lifecycle status in a single read-modify-write
// transaction. A non-nil ref overwrites the stored upload reference, so the
// last confirmation wins; a nil ref leaves the reference untouched. The
// previous status is never consulted. It returns the updated metadata view.
func (s *Store) UpdateStatus(ctx context.Context, key ChunkKey, status Status, ref *string) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	db, err := s.handle()
	if err != nil {
		return Chunk{}, err
	}

	var updated Chunk
	err = db.Update(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketChunks).Bucket([]byte(key.SessionID))
		if sb == nil {
			return ErrChunkNotFound
		}
		bk := encodeIndex(key.Index)
		data := sb.Get(bk)
		if data == nil {
			return ErrChunkNotFound
		}
		c, err := decodeChunk(data)
		if err != nil {
			return err
		}
		if c.SubjectID != key.SubjectID {
			return ErrChunkNotFound
		}

		c.Status = status
		if ref != nil {
			c.UploadedRef = *ref
		}
		value, err := encodeChunk(c)
		if err != nil {
			return err
		}
		if err := sb.Put(bk, value); err != nil {
			return err
		}
		updated = c
		updated.Payload = nil
		return nil
	})
	if err != nil {
		return Chunk{}, fmt.Errorf("update status of %s: %w", key, err)
	}
	return updated, nil
}

// DeleteSession removes every chunk stored for a session and reports how
// many records were dropped. Session metadata and the last-session pointer
// are not touched. Deleting a session with no chunks is a no-op.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	db, err := s.handle()
	if err != nil {
		return 0, err
	}

	removed := 0
	err = db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketChunks)
		sb := root.Bucket([]byte(sessionID))
		if sb == nil {
			return nil
		}
		if err := sb.ForEach(func(_, _ []byte) error { removed++; return nil }); err != nil {
			return err
		}
		return root.DeleteBucket([]byte(sessionID))
	})
	if err != nil {
		return 0, fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return removed, nil
}

// DeleteWhere removes a session's chunks matching pred and reports how many
// were dropped. The predicate sees metadata only.
func (s *Store) DeleteWhere(ctx context.Context, sessionID string, pred DeletePredicate) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	db, err := s.handle()
	if err != nil {
		return 0, err
	}

	removed := 0
	err = db.Update(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketChunks).Bucket([]byte(sessionID))
		if sb == nil {
			return nil
		}
		// Collect first, delete after: mutating under an open cursor is
		// easy to get wrong.
		var doomed [][]byte
		c := sb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			meta, err := decodeChunkMeta(v)
			if err != nil {
				return fmt.Errorf("chunk %s/%d: %w", sessionID, decodeIndex(k), err)
			}
			if pred(meta) {
				doomed = append(doomed, append([]byte(nil), k...))
			}
		}
		for _, k := range doomed {
			if err := sb.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete from session %s: %w", sessionID, err)
	}
	return removed, nil
}

// PutSession writes a session record, overwriting any previous one for the
// same id.
func (s *Store) PutSession(ctx context.Context, rec SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.SessionID == "" {
		return fmt.Errorf("%w: empty session id", ErrMalformedKey)
	}
	db, err := s.handle()
	if err != nil {
		return err
	}

	value, err := encodeSessionRecord(rec)
	if err != nil {
		return err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(rec.SessionID), value)
	})
	if err != nil {
		return fmt.Errorf("put session %s: %w", rec.SessionID, err)
	}
	return nil
}

// GetSession returns the stored record for a session id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return SessionRecord{}, err
	}
	db, err := s.handle()
	if err != nil {
		return SessionRecord{}, err
	}

	var rec SessionRecord
	err = db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(sessionID))
		if data == nil {
			return ErrSessionNotFound
		}
		decoded, err := decodeSessionRecord(data)
		if err != nil {
			return err
		}
		rec = decoded
		return nil
	})
	if err != nil {
		return SessionRecord{}, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return rec, nil
}

// ListSessions returns every stored session record, ordered by session id.
func (s *Store) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var recs []SessionRecord
	err = db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSessions).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rec, err := decodeSessionRecord(v)
			if err != nil {
				return fmt.Errorf("session %s: %w", k, err)
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return recs, nil
}

// SetLastSession durably records sessionID as the most recently active
// session. It is written eagerly at session start so a process restart can
// still find the session's chunks.
func (s *Store) SetLastSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db, err := s.handle()
	if err != nil {
		return err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyLastSession, []byte(sessionID))
	})
	if err != nil {
		return fmt.Errorf("set last session: %w", err)
	}
	return nil
}

// LastSession returns the most recently recorded active session id, or ""
// when none was ever recorded. An empty answer is not an error.
func (s *Store) LastSession(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	db, err := s.handle()
	if err != nil {
		return "", err
	}

	var id string
	err = db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketMeta).Get(keyLastSession); data != nil {
			id = string(data)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("get last session: %w", err)
	}
	return id, nil
}

// SessionStats walks a session's chunk metadata and aggregates counts and
// payload bytes by status.
func (s *Store) SessionStats(ctx context.Context, sessionID string) (Stats, error) {
	chunks, err := s.ListBySession(ctx, sessionID)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{ByStatus: make(map[Status]int)}
	for _, c := range chunks {
		stats.Chunks++
		stats.PayloadBytes += c.SizeBytes
		stats.ByStatus[c.Status]++
	}
	return stats, nil
}
