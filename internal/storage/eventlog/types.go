package eventlog

import (
	"encoding/json"

	"github.com/ChuLiYu/logbus/pkg/types"
)

// ============================================================================
// Event Log Type Definitions
// Responsibility: on-disk record layout shared by the writer and the tailer
// ============================================================================

// FileSuffix marks a peer log inside the shared directory.
const FileSuffix = ".log"

// MarkType is the record type of a sequence high-water mark. Compaction
// writes one when it drops the newest records, so a reopened log never
// reuses a sequence number. Marks are not events: the tailer consumes them
// silently and ReadRecords leaves them out.
const MarkType = "_mark"

// Record is one line of a peer log.
type Record struct {
	Epoch     string          `json:"epoch"`    // Log incarnation, kept across compaction
	Seq       uint64          `json:"seq"`      // Monotonic within an epoch
	Type      string          `json:"type"`     // Event kind discriminator
	Timestamp int64           `json:"ts"`       // Unix milliseconds at append
	Checksum  uint32          `json:"checksum"` // CRC32 over epoch|seq|type|body
	Body      json.RawMessage `json:"body"`     // Encoded event
}

// Entry is a record yielded by the tailer together with the peer that owns it.
type Entry struct {
	Peer   types.PeerID
	Offset int64 // byte offset of the record inside the peer file
	Record Record
}

// KeepFunc decides whether a record survives compaction.
type KeepFunc func(rec Record) bool
