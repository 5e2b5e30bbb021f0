// Package logentry defines the canonical log record shared by the whole
// pipeline, plus the parsing helpers that derive timestamps and levels
// from raw lines and the registry of configurable extracted fields.
package logentry

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxMessageBytes bounds the stored Message. Longer messages are
// truncated; RawContent always keeps the original line verbatim.
const MaxMessageBytes = 64 << 10

// Normalized levels.
const (
	LevelTrace   = "TRACE"
	LevelDebug   = "DEBUG"
	LevelInfo    = "INFO"
	LevelWarn    = "WARN"
	LevelError   = "ERROR"
	LevelFatal   = "FATAL"
	LevelUnknown = "UNKNOWN"
)

// EntryID is a time-ordered unique entry identifier. V7 UUIDs sort by
// creation time, which gives the id-ascending tiebreak the same order
// entries were ingested in.
type EntryID uuid.UUID

func NewEntryID() EntryID {
	return EntryID(uuid.Must(uuid.NewV7()))
}

func ParseEntryID(value string) (EntryID, error) {
	parsed, err := uuid.Parse(value)
	if err != nil {
		return EntryID{}, err
	}
	return EntryID(parsed), nil
}

func (id EntryID) String() string {
	return uuid.UUID(id).String()
}

func (id EntryID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *EntryID) UnmarshalText(text []byte) error {
	parsed, err := ParseEntryID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// LogEntry is immutable once committed to a partition.
type LogEntry struct {
	ID         EntryID           `json:"id" msgpack:"id"`
	Timestamp  int64             `json:"timestamp" msgpack:"ts"`
	RecordTime *int64            `json:"recordTime,omitempty" msgpack:"rts,omitempty"`
	Level      string            `json:"level" msgpack:"lvl"`
	Message    string            `json:"message" msgpack:"msg"`
	Source     string            `json:"source" msgpack:"src"`
	Metadata   map[string]string `json:"metadata,omitempty" msgpack:"meta,omitempty"`
	RawContent string            `json:"rawContent,omitempty" msgpack:"raw,omitempty"`
}

// Clone returns a deep copy. The redactor mutates copies, never the
// stored entry.
func (e LogEntry) Clone() LogEntry {
	c := e
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	if e.RecordTime != nil {
		rt := *e.RecordTime
		c.RecordTime = &rt
	}
	return c
}

// NormalizeLevel maps arbitrary level spellings to the canonical set.
// Unrecognized values become UNKNOWN.
func NormalizeLevel(level string) string {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return LevelTrace
	case "DEBUG", "FINE", "FINER", "FINEST":
		return LevelDebug
	case "INFO", "INFORMATIONAL", "NOTICE":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR", "ERR", "SEVERE", "CRITICAL", "CRIT", "ALERT", "EMERGENCY", "EMERG":
		return LevelError
	case "FATAL", "PANIC":
		return LevelFatal
	default:
		return LevelUnknown
	}
}

// FromLine builds an entry from a raw line, deriving timestamp and
// level from the content. Missing timestamps fall back to ingestTime.
func FromLine(line, source string, ingestTime time.Time) LogEntry {
	e := LogEntry{
		ID:         NewEntryID(),
		Source:     source,
		RawContent: line,
		Message:    line,
		Level:      DeriveLevel(line),
	}
	if len(e.Message) > MaxMessageBytes {
		e.Message = e.Message[:MaxMessageBytes]
	}
	if ts, ok := ExtractTimestamp(line, ingestTime); ok {
		e.Timestamp = ts
		rt := ts
		e.RecordTime = &rt
	} else {
		e.Timestamp = ingestTime.UnixMilli()
	}
	return e
}
