package index

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"grepwise/internal/logentry"
)

// The durable log is a sequence of frames:
//
//	[4 bytes big-endian payload length][4 bytes CRC32 (IEEE) of payload][payload]
//
// where payload is a msgpack-encoded frame record. A frame whose
// checksum or length does not hold marks the end of the valid prefix;
// recovery truncates there.

const frameHeaderSize = 8

// maxFrameSize bounds a single frame; anything larger is treated as a
// corrupt length prefix.
const maxFrameSize = 16 << 20

var errBadFrame = errors.New("bad frame")

// frameRecord is what actually lands in the log: the entry plus the
// extracted field values computed at ingest, so replay does not rerun
// the field registry.
type frameRecord struct {
	Entry  logentry.LogEntry `msgpack:"e"`
	Fields map[string]string `msgpack:"f,omitempty"`
}

// encodeFrame serializes rec into a framed byte slice.
func encodeFrame(rec frameRecord) ([]byte, error) {
	payload, err := msgpack.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(payload))
	copy(buf[frameHeaderSize:], payload)
	return buf, nil
}

// readFrame reads one frame from r. Returns io.EOF at a clean end,
// errBadFrame on a torn or corrupt frame.
func readFrame(r io.Reader) (frameRecord, int64, error) {
	var rec frameRecord
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) {
			return rec, 0, io.EOF
		}
		return rec, 0, errBadFrame
	}
	length := binary.BigEndian.Uint32(header[0:4])
	sum := binary.BigEndian.Uint32(header[4:8])
	if length == 0 || length > maxFrameSize {
		return rec, 0, errBadFrame
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return rec, 0, errBadFrame
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return rec, 0, errBadFrame
	}
	if err := msgpack.Unmarshal(payload, &rec); err != nil {
		return rec, 0, errBadFrame
	}
	return rec, int64(frameHeaderSize) + int64(length), nil
}
