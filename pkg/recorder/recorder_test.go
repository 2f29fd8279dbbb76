package recorder_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recvault/recvault/pkg/recorder"
	"github.com/recvault/recvault/pkg/timeline"
	"github.com/recvault/recvault/pkg/vault"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newStoreAt(t *testing.T, path string) *vault.Store {
	t.Helper()
	s := vault.New(vault.Config{Path: path, Logger: quietLogger()})
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func newManager(t *testing.T, store *vault.Store, opts ...recorder.Option) *recorder.Manager {
	t.Helper()
	opts = append([]recorder.Option{recorder.WithLogger(quietLogger())}, opts...)
	m := recorder.New(store, opts...)
	t.Cleanup(m.Close)
	return m
}

// registerChunk registers a minimal chunk at index with a payload derived
// from the index.
func registerChunk(t *testing.T, m *recorder.Manager, index int, payload string) vault.Chunk {
	t.Helper()
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC).Add(time.Duration(index) * 10 * time.Minute)
	chunk, err := m.RegisterChunk(context.Background(), index, start, start.Add(10*time.Minute), 600000, []byte(payload))
	require.NoError(t, err)
	return chunk
}

func TestManagerInitSessionPersistsEagerly(t *testing.T) {
	store := newStoreAt(t, filepath.Join(t.TempDir(), "recorder.db"))
	m := newManager(t, store)
	ctx := context.Background()

	start, err := m.InitSession(ctx, "session-1", "subject-1")
	require.NoError(t, err)
	assert.False(t, start.IsZero())
	assert.Equal(t, "session-1", m.CurrentSessionID())

	// Both the session record and the restart pointer must exist before
	// any chunk was registered.
	rec, err := store.GetSession(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, vault.SessionRecording, rec.Status)
	assert.Equal(t, "subject-1", rec.SubjectID)
	require.Len(t, rec.Events, 1)
	assert.Equal(t, timeline.EventSessionStart, rec.Events[0].Type)

	last, err := store.LastSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "session-1", last)
}

func TestManagerInitSessionValidation(t *testing.T) {
	store := newStoreAt(t, filepath.Join(t.TempDir(), "recorder.db"))
	m := newManager(t, store)

	_, err := m.InitSession(context.Background(), "", "subject-1")
	assert.ErrorIs(t, err, recorder.ErrInvalidArgument)
	_, err = m.InitSession(context.Background(), "session-1", "")
	assert.ErrorIs(t, err, recorder.ErrInvalidArgument)
}

func TestManagerEventWindowAssignment(t *testing.T) {
	// An event 650 seconds in belongs to the second 10 minute chunk, no
	// matter which chunk is registered first.
	orders := map[string][]int{
		"chunk 0 first": {0, 1},
		"chunk 1 first": {1, 0},
	}
	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			store := newStoreAt(t, filepath.Join(t.TempDir(), "recorder.db"))
			m := newManager(t, store, recorder.WithNowFunc(clock.Now))
			ctx := context.Background()

			_, err := m.InitSession(ctx, "exam-7", "candidate-3")
			require.NoError(t, err)

			clock.Advance(650 * time.Second)
			ev := m.AddEvent("cheat_attempt", map[string]any{"screen": "secondary"})
			require.NotNil(t, ev)
			require.Equal(t, int64(650000), ev.OffsetMs)

			byIndex := map[int]vault.Chunk{}
			for _, idx := range order {
				byIndex[idx] = registerChunk(t, m, idx, "payload")
			}

			types := func(events []timeline.Event) []string {
				var out []string
				for _, e := range events {
					out = append(out, e.Type)
				}
				return out
			}

			assert.Equal(t, []string{timeline.EventSessionStart}, types(byIndex[0].Events))
			assert.Equal(t, []string{"cheat_attempt"}, types(byIndex[1].Events))
		})
	}
}

func TestManagerRegisterChunkRequiresActiveSession(t *testing.T) {
	store := newStoreAt(t, filepath.Join(t.TempDir(), "recorder.db"))
	m := newManager(t, store)
	ctx := context.Background()

	_, err := m.RegisterChunk(ctx, 0, time.Now(), time.Now(), 1000, []byte("x"))
	assert.ErrorIs(t, err, recorder.ErrNoActiveSession)

	_, err = m.InitSession(ctx, "session-1", "subject-1")
	require.NoError(t, err)
	_, err = m.EndSession(ctx)
	require.NoError(t, err)

	_, err = m.RegisterChunk(ctx, 0, time.Now(), time.Now(), 1000, []byte("x"))
	assert.ErrorIs(t, err, recorder.ErrNoActiveSession)
}

func TestManagerRegisterChunkValidation(t *testing.T) {
	store := newStoreAt(t, filepath.Join(t.TempDir(), "recorder.db"))
	m := newManager(t, store)
	ctx := context.Background()

	_, err := m.InitSession(ctx, "session-1", "subject-1")
	require.NoError(t, err)

	_, err = m.RegisterChunk(ctx, -1, time.Now(), time.Now(), 1000, []byte("x"))
	assert.ErrorIs(t, err, recorder.ErrInvalidArgument)

	_, err = m.RegisterChunk(ctx, 0, time.Now(), time.Now(), -5, []byte("x"))
	assert.ErrorIs(t, err, recorder.ErrInvalidArgument)
}

func TestManagerRegisterChunkOverwritesSameIndex(t *testing.T) {
	store := newStoreAt(t, filepath.Join(t.TempDir(), "recorder.db"))
	m := newManager(t, store)
	ctx := context.Background()

	_, err := m.InitSession(ctx, "session-1", "subject-1")
	require.NoError(t, err)

	registerChunk(t, m, 0, "first attempt")
	registerChunk(t, m, 0, "second attempt")

	summaries, err := m.ListSummaries(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1, "re-registering an index must not duplicate the chunk")

	total, err := m.EndSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	got, err := store.Get(ctx, vault.ChunkKey{SessionID: "session-1", SubjectID: "subject-1", Index: 0})
	require.NoError(t, err)
	assert.Equal(t, []byte("second attempt"), got.Payload)
}

func TestManagerUploadRoundTrip(t *testing.T) {
	store := newStoreAt(t, filepath.Join(t.TempDir(), "recorder.db"))
	m := newManager(t, store)
	ctx := context.Background()

	_, err := m.InitSession(ctx, "session-1", "subject-1")
	require.NoError(t, err)
	registered := registerChunk(t, m, 0, "recording bytes")

	up, err := m.ChunkForUpload(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, registered.Key(), up.Key)
	assert.Equal(t, []byte("recording bytes"), up.Payload)
	assert.Equal(t, registered.Digest, up.Digest)
	require.Len(t, up.Events, 1)

	summaries, err := m.ListSummaries(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, vault.StatusUploading, summaries[0].Status)
	assert.Nil(t, summaries[0].Events[0].Details)

	require.NoError(t, m.ConfirmUploaded(ctx, up.Key, "s3://exams/session-1/000000000"))

	summaries, err = m.ListSummaries(ctx)
	require.NoError(t, err)
	assert.Equal(t, vault.StatusUploaded, summaries[0].Status)
	assert.Equal(t, "s3://exams/session-1/000000000", summaries[0].UploadedRef)

	// Confirming again with a different ref overwrites: last caller wins.
	require.NoError(t, m.ConfirmUploaded(ctx, up.Key, "s3://exams/session-1/retry"))
	summaries, err = m.ListSummaries(ctx)
	require.NoError(t, err)
	assert.Equal(t, vault.StatusUploaded, summaries[0].Status)
	assert.Equal(t, "s3://exams/session-1/retry", summaries[0].UploadedRef)
}

func TestManagerChunkForUploadMissing(t *testing.T) {
	store := newStoreAt(t, filepath.Join(t.TempDir(), "recorder.db"))
	m := newManager(t, store)
	ctx := context.Background()

	_, err := m.InitSession(ctx, "session-1", "subject-1")
	require.NoError(t, err)

	_, err = m.ChunkForUpload(ctx, 4)
	assert.ErrorIs(t, err, vault.ErrChunkNotFound)

	_, err = m.ChunkForUpload(ctx, -1)
	assert.ErrorIs(t, err, recorder.ErrInvalidArgument)
}

func TestManagerChunkForUploadRepullsConfirmedChunk(t *testing.T) {
	store := newStoreAt(t, filepath.Join(t.TempDir(), "recorder.db"))
	m := newManager(t, store)
	ctx := context.Background()

	_, err := m.InitSession(ctx, "session-1", "subject-1")
	require.NoError(t, err)
	registerChunk(t, m, 0, "bytes")

	up, err := m.ChunkForUpload(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, m.ConfirmUploaded(ctx, up.Key, "ref-1"))

	// Pulling again is allowed and flips the chunk back to Uploading; the
	// earlier ref survives until the next confirmation overwrites it.
	_, err = m.ChunkForUpload(ctx, 0)
	require.NoError(t, err)

	summaries, err := m.ListSummaries(ctx)
	require.NoError(t, err)
	assert.Equal(t, vault.StatusUploading, summaries[0].Status)
	assert.Equal(t, "ref-1", summaries[0].UploadedRef)
}

func TestManagerListSummariesEmptyStore(t *testing.T) {
	store := newStoreAt(t, filepath.Join(t.TempDir(), "recorder.db"))
	m := newManager(t, store)

	summaries, err := m.ListSummaries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summaries)
	assert.Empty(t, m.CurrentSessionID())
}

func TestManagerRehydratesAfterRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recorder.db")
	ctx := context.Background()

	store := newStoreAt(t, path)
	m := newManager(t, store)
	_, err := m.InitSession(ctx, "exam-99", "candidate-1")
	require.NoError(t, err)
	m.AddEvent("tab_switch", nil)
	registerChunk(t, m, 0, "chunk zero")
	registerChunk(t, m, 1, "chunk one")

	// The process dies: no EndSession, the handle is dropped.
	m.Close()
	require.NoError(t, store.Close())

	restarted := newStoreAt(t, path)
	m2 := newManager(t, restarted)

	// Before any upload-path call the new process knows nothing.
	assert.Empty(t, m2.CurrentSessionID())

	// Upload paths recover the session from the persisted pointer.
	summaries, err := m2.ListSummaries(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "exam-99", m2.CurrentSessionID())

	up, err := m2.ChunkForUpload(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("chunk one"), up.Payload)
	require.NoError(t, m2.ConfirmUploaded(ctx, up.Key, "s3://exams/exam-99/1"))

	// Rehydration restores addressability only: there is still no live
	// timeline, so producer operations keep failing.
	_, err = m2.RegisterChunk(ctx, 2, time.Now(), time.Now(), 1000, []byte("x"))
	assert.ErrorIs(t, err, recorder.ErrNoActiveSession)
	assert.Nil(t, m2.AddEvent("tab_switch", nil))
}

func TestManagerEndSessionSweepsAbandonedChunks(t *testing.T) {
	store := newStoreAt(t, filepath.Join(t.TempDir(), "recorder.db"))
	m := newManager(t, store, recorder.WithCleanupGrace(15*time.Millisecond))
	ctx := context.Background()

	_, err := m.InitSession(ctx, "session-1", "subject-1")
	require.NoError(t, err)
	registerChunk(t, m, 0, "never uploaded")
	registerChunk(t, m, 1, "never uploaded either")

	total, err := m.EndSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	require.Eventually(t, func() bool {
		chunks, err := store.ListBySession(ctx, "session-1")
		return err == nil && len(chunks) == 0
	}, 2*time.Second, 5*time.Millisecond, "abandoned chunks should be purged after the grace window")

	// The session record itself is kept as the audit trail.
	rec, err := store.GetSession(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, vault.SessionEnded, rec.Status)
	require.NotNil(t, rec.EndTime)
}

func TestManagerEndSessionKeepsUploadedChunks(t *testing.T) {
	store := newStoreAt(t, filepath.Join(t.TempDir(), "recorder.db"))
	m := newManager(t, store, recorder.WithCleanupGrace(15*time.Millisecond))
	ctx := context.Background()

	_, err := m.InitSession(ctx, "session-1", "subject-1")
	require.NoError(t, err)
	registerChunk(t, m, 0, "uploaded")
	registerChunk(t, m, 1, "abandoned")

	up, err := m.ChunkForUpload(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, m.ConfirmUploaded(ctx, up.Key, "ref-0"))

	_, err = m.EndSession(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		chunks, err := store.ListBySession(ctx, "session-1")
		return err == nil && len(chunks) == 1
	}, 2*time.Second, 5*time.Millisecond)

	chunks, err := store.ListBySession(ctx, "session-1")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, uint32(0), chunks[0].Index)
	assert.Equal(t, vault.StatusUploaded, chunks[0].Status)
}

func TestManagerCancelCleanupDuringGrace(t *testing.T) {
	store := newStoreAt(t, filepath.Join(t.TempDir(), "recorder.db"))
	m := newManager(t, store, recorder.WithCleanupGrace(40*time.Millisecond))
	ctx := context.Background()

	_, err := m.InitSession(ctx, "session-1", "subject-1")
	require.NoError(t, err)
	registerChunk(t, m, 0, "keep me")

	_, err = m.EndSession(ctx)
	require.NoError(t, err)

	require.True(t, m.CancelCleanup("session-1"))
	assert.False(t, m.CancelCleanup("session-1"), "second cancel has nothing to disarm")

	time.Sleep(100 * time.Millisecond)
	chunks, err := store.ListBySession(ctx, "session-1")
	require.NoError(t, err)
	assert.Len(t, chunks, 1, "cancelled cleanup must leave chunks alone")
}

func TestManagerLateUploadDuringGrace(t *testing.T) {
	store := newStoreAt(t, filepath.Join(t.TempDir(), "recorder.db"))
	m := newManager(t, store, recorder.WithCleanupGrace(time.Hour))
	ctx := context.Background()

	_, err := m.InitSession(ctx, "session-1", "subject-1")
	require.NoError(t, err)
	registerChunk(t, m, 0, "late")

	_, err = m.EndSession(ctx)
	require.NoError(t, err)

	// The session pointer survives EndSession, so the uploader can still
	// drain chunks during the grace window.
	up, err := m.ChunkForUpload(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, m.ConfirmUploaded(ctx, up.Key, "ref"))

	summaries, err := m.ListSummaries(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, vault.StatusUploaded, summaries[0].Status)
}

func TestManagerEndSessionTwice(t *testing.T) {
	store := newStoreAt(t, filepath.Join(t.TempDir(), "recorder.db"))
	m := newManager(t, store, recorder.WithCleanupGrace(time.Hour))
	ctx := context.Background()

	_, err := m.InitSession(ctx, "session-1", "subject-1")
	require.NoError(t, err)

	_, err = m.EndSession(ctx)
	require.NoError(t, err)
	_, err = m.EndSession(ctx)
	assert.ErrorIs(t, err, recorder.ErrNoActiveSession)
}

func TestManagerScheduleCleanupDebounces(t *testing.T) {
	store := newStoreAt(t, filepath.Join(t.TempDir(), "recorder.db"))
	m := newManager(t, store, recorder.WithCleanupGrace(time.Hour))
	ctx := context.Background()

	_, err := m.InitSession(ctx, "session-1", "subject-1")
	require.NoError(t, err)
	registerChunk(t, m, 0, "bytes")
	_, err = m.EndSession(ctx)
	require.NoError(t, err)

	// Re-scheduling replaces the hour-long timer armed by EndSession.
	m.ScheduleCleanup("session-1", 10*time.Millisecond)

	require.Eventually(t, func() bool {
		chunks, err := store.ListBySession(ctx, "session-1")
		return err == nil && len(chunks) == 0
	}, 2*time.Second, 5*time.Millisecond)
}
