package vault

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Chunk values are framed so a torn write or a bit flip fails decode
// instead of round-tripping garbage:
//
//	magic (4) | version (2) | metaLen (4) | meta JSON | payload | crc32c (4)
//
// The checksum covers everything before it. Metadata travels as JSON; the
// payload is appended raw so it never pays a base64 detour.
const (
	recordMagic   uint32 = 0x52435643 // "RCVC"
	recordVersion uint16 = 1

	recordHeaderSize = 10
	recordCRCSize    = 4
)

// crcTable caches the CRC32 Castagnoli table used for record checksums.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// payloadDigest returns the xxHash64 checksum of payload as a hex string.
// Upload collaborators use it to verify what they received.
func payloadDigest(payload []byte) string {
	return strconv.FormatUint(xxhash.Sum64(payload), 16)
}

// encodeChunk frames a chunk's metadata and payload into a single bolt
// value.
func encodeChunk(c Chunk) ([]byte, error) {
	meta, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode chunk meta: %w", err)
	}

	buf := make([]byte, recordHeaderSize+len(meta)+len(c.Payload)+recordCRCSize)
	binary.LittleEndian.PutUint32(buf[0:4], recordMagic)
	binary.LittleEndian.PutUint16(buf[4:6], recordVersion)
	binary.LittleEndian.PutUint32(buf[6:10], uint32(len(meta)))
	copy(buf[recordHeaderSize:], meta)
	copy(buf[recordHeaderSize+len(meta):], c.Payload)

	sum := crc32.Checksum(buf[:len(buf)-recordCRCSize], crcTable)
	binary.LittleEndian.PutUint32(buf[len(buf)-recordCRCSize:], sum)
	return buf, nil
}

// decodeChunk decodes a full chunk record including its payload. The
// payload is copied, so the result stays valid after the bolt transaction
// that produced data ends.
func decodeChunk(data []byte) (Chunk, error) {
	meta, payload, err := splitRecord(data)
	if err != nil {
		return Chunk{}, err
	}
	c, err := unmarshalMeta(meta)
	if err != nil {
		return Chunk{}, err
	}
	if len(payload) > 0 {
		c.Payload = append([]byte(nil), payload...)
	}
	return c, nil
}

// decodeChunkMeta decodes only the metadata section, leaving Payload nil.
// The checksum still covers the payload bytes, so corruption is detected
// even on the cheap path.
func decodeChunkMeta(data []byte) (Chunk, error) {
	meta, _, err := splitRecord(data)
	if err != nil {
		return Chunk{}, err
	}
	return unmarshalMeta(meta)
}

func unmarshalMeta(meta []byte) (Chunk, error) {
	var c Chunk
	if err := json.Unmarshal(meta, &c); err != nil {
		return Chunk{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return c, nil
}

// encodeSessionRecord serializes a session record. Session records are
// small and carry no payload, so plain JSON is enough.
func encodeSessionRecord(rec SessionRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode session record: %w", err)
	}
	return data, nil
}

func decodeSessionRecord(data []byte) (SessionRecord, error) {
	var rec SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return SessionRecord{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return rec, nil
}

// splitRecord validates the framing and checksum of a stored value and
// returns its metadata and payload sections. The returned slices alias
// data.
func splitRecord(data []byte) (meta, payload []byte, err error) {
	if len(data) < recordHeaderSize+recordCRCSize {
		return nil, nil, fmt.Errorf("%w: truncated record (%d bytes)", ErrCorruptRecord, len(data))
	}
	if m := binary.LittleEndian.Uint32(data[0:4]); m != recordMagic {
		return nil, nil, fmt.Errorf("%w: bad magic 0x%08x", ErrCorruptRecord, m)
	}
	if v := binary.LittleEndian.Uint16(data[4:6]); v != recordVersion {
		return nil, nil, fmt.Errorf("%w: unsupported record version %d", ErrCorruptRecord, v)
	}
	metaLen := int(binary.LittleEndian.Uint32(data[6:10]))
	if metaLen < 0 || recordHeaderSize+metaLen > len(data)-recordCRCSize {
		return nil, nil, fmt.Errorf("%w: meta length %d out of bounds", ErrCorruptRecord, metaLen)
	}

	body := data[:len(data)-recordCRCSize]
	saved := binary.LittleEndian.Uint32(data[len(data)-recordCRCSize:])
	if sum := crc32.Checksum(body, crcTable); sum != saved {
		return nil, nil, fmt.Errorf("%w: checksum mismatch (stored 0x%08x, computed 0x%08x)", ErrCorruptRecord, saved, sum)
	}

	meta = data[recordHeaderSize : recordHeaderSize+metaLen]
	payload = data[recordHeaderSize+metaLen : len(data)-recordCRCSize]
	return meta, payload, nil
}
