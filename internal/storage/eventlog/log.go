package eventlog

// ============================================================================
// Event Log writer
// Responsibilities:
// 1. Append records to the peer's own file (append-only, fsync before return)
// 2. Resume epoch and sequence numbering from an existing file
// 3. Compact the file in place (temp file + rename) during a GC window
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/logbus/internal/idgen"
	"github.com/ChuLiYu/logbus/pkg/types"
)

// Log is the append-only log owned by one peer.
type Log struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	peer   types.PeerID
	epoch  string
	seq    uint64
	size   int64
	closed bool
}

// CompactResult summarises one compaction.
type CompactResult struct {
	Before  int64 // file size before compaction
	After   int64 // file size after compaction
	Kept    int   // records retained
	Dropped int   // records discarded (including corrupted lines)
}

// PathFor returns the log file path of peer inside dir.
func PathFor(dir string, peer types.PeerID) string {
	return filepath.Join(dir, string(peer)+FileSuffix)
}

// PeerFromName extracts the peer id from a log file name.
func PeerFromName(name string) (types.PeerID, bool) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, FileSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(base, FileSuffix)
	if id == "" || strings.HasPrefix(id, ".") {
		return "", false
	}
	return types.PeerID(id), true
}

/*
Open creates or opens the log of peer inside dir.

Behaviour:
  - A missing file is created and gets a fresh epoch, seq starts at 0
  - An existing file keeps the epoch and seq of its last valid record
    (a compaction high-water mark counts as a record)
  - The file is opened with O_APPEND so writes never overwrite
*/
func Open(dir string, peer types.PeerID) (*Log, error) {
	if peer == "" {
		return nil, fmt.Errorf("eventlog: empty peer id")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create log dir: %w", err)
	}

	path := PathFor(dir, peer)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	l := &Log{
		file: file,
		path: path,
		peer: peer,
		size: stat.Size(),
	}

	if stat.Size() > 0 {
		if last, err := LastRecord(path); err == nil && last != nil {
			l.epoch = last.Epoch
			l.seq = last.Seq
		}
	}
	if l.epoch == "" {
		epoch, err := idgen.NewEpoch()
		if err != nil {
			file.Close()
			return nil, err
		}
		l.epoch = epoch
	}

	return l, nil
}

// Append writes one record and syncs it to disk before returning.
// It returns the written record and its byte offset.
func (l *Log) Append(typ string, body []byte) (Record, int64, error) {
	if typ == "" {
		return Record{}, 0, ErrEmptyType
	}
	if typ == MarkType {
		return Record{}, 0, ErrReservedType
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Record{}, 0, ErrLogClosed
	}

	// Bodies are stored compacted; the checksum must cover the stored bytes.
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, body); err != nil {
		return Record{}, 0, fmt.Errorf("eventlog: invalid body: %w", err)
	}
	body = compacted.Bytes()

	// seq is consumed even if the write fails so it is never reused.
	l.seq++
	rec := newRecord(l.epoch, l.seq, typ, body)
	line, err := json.Marshal(rec)
	if err != nil {
		return Record{}, 0, fmt.Errorf("eventlog: marshal record: %w", err)
	}
	line = append(line, '\n')

	n, err := l.file.Write(line)
	l.size += int64(n)
	if err != nil {
		return Record{}, 0, fmt.Errorf("eventlog: append seq=%d: %w", rec.Seq, err)
	}
	if err := l.file.Sync(); err != nil {
		return Record{}, 0, fmt.Errorf("eventlog: sync seq=%d: %w", rec.Seq, err)
	}

	return rec, l.size - int64(n), nil
}

func newRecord(epoch string, seq uint64, typ string, body []byte) Record {
	rec := Record{
		Epoch:     epoch,
		Seq:       seq,
		Type:      typ,
		Timestamp: time.Now().UnixMilli(),
		Body:      json.RawMessage(body),
	}
	rec.Checksum = CalculateChecksum(rec.Epoch, rec.Seq, rec.Type, rec.Body)
	return rec
}

// Compact rewrites the log keeping only the records for which keep returns
// true. Records are copied verbatim, so epoch, seq and checksum survive and
// tailers can de-duplicate after they restart from offset 0. When the newest
// records are dropped a high-water mark carrying the current seq is written
// last, so a crash before the next append cannot rewind the sequence.
func (l *Log) Compact(keep KeepFunc) (CompactResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return CompactResult{}, ErrLogClosed
	}

	res := CompactResult{Before: l.size}

	records, corrupted, err := ReadRecords(l.path)
	if err != nil {
		return res, err
	}
	res.Dropped = corrupted

	tmpPath := l.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return res, fmt.Errorf("eventlog: create compaction file: %w", err)
	}

	var (
		written int64
		highest uint64
	)
	if l.seq > 0 {
		// Old marks are left out by ReadRecords; one fresh mark replaces them.
		records = append(records, newRecord(l.epoch, l.seq, MarkType, []byte(`{}`)))
	}
	for _, rec := range records {
		mark := rec.Type == MarkType
		if mark && highest >= rec.Seq {
			continue
		}
		if !mark && !keep(rec) {
			res.Dropped++
			continue
		}
		line, err := json.Marshal(rec)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return res, fmt.Errorf("eventlog: marshal record seq=%d: %w", rec.Seq, err)
		}
		n, err := tmp.Write(append(line, '\n'))
		written += int64(n)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return res, fmt.Errorf("eventlog: write compaction file: %w", err)
		}
		highest = max(highest, rec.Seq)
		if !mark {
			res.Kept++
		}
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return res, fmt.Errorf("eventlog: sync compaction file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return res, err
	}

	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		return res, fmt.Errorf("eventlog: replace log: %w", err)
	}

	l.file.Close()
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		l.closed = true
		return res, fmt.Errorf("eventlog: reopen log: %w", err)
	}
	l.file = file
	l.size = written
	res.After = written

	return res, nil
}

// Size returns the current file size in bytes.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// LastSeq returns the sequence number of the last appended record.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Epoch returns the log incarnation id.
func (l *Log) Epoch() string {
	return l.epoch
}

// Path returns the file path.
func (l *Log) Path() string {
	return l.path
}

// Peer returns the owning peer id.
func (l *Log) Peer() types.PeerID {
	return l.peer
}

// Close closes the file. A closed log cannot be reused.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
