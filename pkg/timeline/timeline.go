// Package timeline maintains the ordered, session-scoped log of timestamped
// events recorded while a subject is being monitored, and assigns every
// event to a fixed-duration segment window so that each recording chunk can
// carry exactly the events that happened during it.
//
// Window assignment is a pure function of the event offset and the segment
// duration. Which chunks actually exist, and in which order they were
// registered, never changes the answer.
package timeline

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSegmentDuration is the window size used to map events to segment
// indexes when no override is configured.
const DefaultSegmentDuration = 10 * time.Minute

// Reserved event types appended by the timeline itself.
const (
	EventSessionStart = "session_start"
	EventSessionEnd   = "session_end"
)

// Event is a single timestamped marker on a session's timeline. Events are
// immutable once appended and keep their append order forever.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	OffsetMs  int64          `json:"offset_ms"`
	WallClock time.Time      `json:"wall_clock"`
	Details   map[string]any `json:"details,omitempty"`
}

// Option configures a Timeline.
type Option func(*Timeline)

// WithSegmentDuration overrides the window size used by WindowFor and
// EventsInWindow. Non-positive values are ignored.
func WithSegmentDuration(d time.Duration) Option {
	return func(t *Timeline) {
		if d > 0 {
			t.segmentDur = d
		}
	}
}

// WithNowFunc overrides the wall clock. Tests use it to pin event offsets.
func WithNowFunc(now func() time.Time) Option {
	return func(t *Timeline) {
		if now != nil {
			t.now = now
		}
	}
}

// Timeline is the event log for at most one active session. All methods are
// safe for concurrent use.
type Timeline struct {
	segmentDur time.Duration
	now        func() time.Time

	mu        sync.RWMutex
	active    bool
	sessionID string
	subjectID string
	startTime time.Time
	events    []Event
}

// New returns an inactive Timeline. Nothing can be appended until Start is
// called.
func New(opts ...Option) *Timeline {
	t := &Timeline{
		segmentDur: DefaultSegmentDuration,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start begins a session: any previous log is discarded and replaced with a
// single synthetic session_start marker at offset zero. It returns the
// session start time, the origin all later offsets are measured from.
func (t *Timeline) Start(sessionID, subjectID string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := t.now().UTC()
	t.active = true
	t.sessionID = sessionID
	t.subjectID = subjectID
	t.startTime = start
	t.events = []Event{{
		ID:        uuid.NewString(),
		Type:      EventSessionStart,
		OffsetMs:  0,
		WallClock: start,
	}}
	return start
}

// Append records an event of the given type at the current offset and
// returns it. When no session is active it returns nil and records nothing;
// callers treat that as an ordinary no-op, not a failure.
func (t *Timeline) Append(eventType string, details map[string]any) *Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return nil
	}
	now := t.now().UTC()
	ev := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		OffsetMs:  now.Sub(t.startTime).Milliseconds(),
		WallClock: now,
		Details:   details,
	}
	t.events = append(t.events, ev)
	return &ev
}

// End appends the terminal session_end marker and deactivates the timeline.
// The log itself is retained for inspection until the next Start. It
// returns nil when no session is active.
func (t *Timeline) End() *Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return nil
	}
	now := t.now().UTC()
	ev := Event{
		ID:        uuid.NewString(),
		Type:      EventSessionEnd,
		OffsetMs:  now.Sub(t.startTime).Milliseconds(),
		WallClock: now,
	}
	t.events = append(t.events, ev)
	t.active = false
	return &ev
}

// WindowFor returns the half-open offset range [index*D, (index+1)*D)
// covered by the segment with the given sequence index, in milliseconds
// from session start.
func (t *Timeline) WindowFor(index uint32) (startMs, endMs int64) {
	d := t.segmentDur.Milliseconds()
	startMs = int64(index) * d
	return startMs, startMs + d
}

// EventsInWindow returns the events whose offsets fall inside the given
// segment's window, preserving append order. An event at exactly the window
// end belongs to the next segment.
func (t *Timeline) EventsInWindow(index uint32) []Event {
	startMs, endMs := t.WindowFor(index)

	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Event
	for _, ev := range t.events {
		if ev.OffsetMs >= startMs && ev.OffsetMs < endMs {
			out = append(out, ev)
		}
	}
	return out
}

// Events returns a copy of the full log in append order.
func (t *Timeline) Events() []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

// Active reports whether a session is currently being recorded.
func (t *Timeline) Active() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active
}

// SessionID returns the id passed to the most recent Start.
func (t *Timeline) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// SubjectID returns the id passed to the most recent Start.
func (t *Timeline) SubjectID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.subjectID
}

// StartTime returns the most recent session's start time, or the zero time
// when Start has never been called.
func (t *Timeline) StartTime() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.startTime
}

// SegmentDuration returns the configured window size.
func (t *Timeline) SegmentDuration() time.Duration {
	return t.segmentDur
}
