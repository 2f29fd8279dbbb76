package vault

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/recvault/recvault/pkg/timeline"
)

// Status is a chunk's position in the upload lifecycle. Transitions are
// plain overwrites: marking a chunk Uploading never checks what it was
// before, and a chunk never leaves Uploaded on its own. Whoever writes
// last wins.
type Status uint8

const (
	// StatusStored means the chunk is persisted locally and nothing has
	// picked it up yet.
	StatusStored Status = iota + 1
	// StatusUploading means an upload collaborator has pulled the chunk.
	// There is no automatic reversion if that upload dies silently.
	StatusUploading
	// StatusUploaded means a collaborator confirmed the upload and left a
	// remote reference behind.
	StatusUploaded
)

func (s Status) String() string {
	switch s {
	case StatusStored:
		return "stored"
	case StatusUploading:
		return "uploading"
	case StatusUploaded:
		return "uploaded"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// SessionStatus tracks whether a session is still recording.
type SessionStatus uint8

const (
	SessionRecording SessionStatus = iota + 1
	SessionEnded
)

func (s SessionStatus) String() string {
	switch s {
	case SessionRecording:
		return "recording"
	case SessionEnded:
		return "ended"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ChunkKey is the composite identity of a chunk: which session, which
// subject, which position in the sequence. Its string form is what gets
// handed to upload collaborators and parsed back on confirmation.
type ChunkKey struct {
	SessionID string
	SubjectID string
	Index     uint32
}

func (k ChunkKey) String() string {
	return fmt.Sprintf("%s/%s/%09d", k.SessionID, k.SubjectID, k.Index)
}

// ParseChunkKey parses the string form produced by ChunkKey.String.
// Session and subject ids must not contain '/'.
func ParseChunkKey(s string) (ChunkKey, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return ChunkKey{}, fmt.Errorf("%w: %q", ErrMalformedKey, s)
	}
	index, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return ChunkKey{}, fmt.Errorf("%w: bad index in %q", ErrMalformedKey, s)
	}
	return ChunkKey{SessionID: parts[0], SubjectID: parts[1], Index: uint32(index)}, nil
}

// Chunk is one fixed-duration recording segment: the opaque payload plus
// the bookkeeping needed to upload it and to know which events happened
// while it was being captured.
type Chunk struct {
	SessionID   string           `json:"session_id"`
	SubjectID   string           `json:"subject_id"`
	Index       uint32           `json:"index"`
	StartTime   time.Time        `json:"start_time"`
	EndTime     time.Time        `json:"end_time"`
	DurationMs  int64            `json:"duration_ms"`
	SizeBytes   int64            `json:"size_bytes"`
	Digest      string           `json:"digest,omitempty"`
	Status      Status           `json:"status"`
	UploadedRef string           `json:"uploaded_ref,omitempty"`
	Events      []timeline.Event `json:"events,omitempty"`

	// Payload is the raw recording blob. It is stored out of band of the
	// metadata JSON, and list operations leave it nil unless asked.
	Payload []byte `json:"-"`
}

// Key returns the chunk's composite identity.
func (c Chunk) Key() ChunkKey {
	return ChunkKey{SessionID: c.SessionID, SubjectID: c.SubjectID, Index: c.Index}
}

// SessionRecord is the stored metadata for one monitored session, including
// the event timeline snapshot taken when the record was last written.
type SessionRecord struct {
	SessionID string           `json:"session_id"`
	SubjectID string           `json:"subject_id"`
	StartTime time.Time        `json:"start_time"`
	EndTime   *time.Time       `json:"end_time,omitempty"`
	Status    SessionStatus    `json:"status"`
	Events    []timeline.Event `json:"events,omitempty"`
}

// Stats aggregates a session's stored footprint.
type Stats struct {
	Chunks       int
	PayloadBytes int64
	ByStatus     map[Status]int
}

// encodeIndex converts a sequence index to big-endian bytes. Bolt keys sort
// bytewise, so big-endian keys make cursor scans return chunks in ascending
// index order.
func encodeIndex(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

// decodeIndex is the inverse of encodeIndex.
func decodeIndex(data []byte) uint32 {
	return binary.BigEndian.Uint32(data)
}
