package eventlog

// ============================================================================
// Event log utilities
// Responsibility: whole-file reads used by compaction, recovery and the CLI
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// decodeLine parses and validates one record line.
func decodeLine(line []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return rec, err
	}
	if rec.Type == "" {
		return rec, ErrEmptyType
	}
	if !VerifyChecksum(rec) {
		return rec, ErrChecksumMismatch
	}
	return rec, nil
}

// forEachLine calls fn for every complete line of the file at path.
// A trailing line without newline is ignored: its writer has not finished.
func forEachLine(path string, fn func(offset int64, line []byte)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var off int64
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		start := off
		off += int64(len(line))
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		fn(start, line)
	}
}

// ReadRecords reads every valid event record of a log file. Corrupted lines
// are skipped and counted; high-water marks are skipped silently.
func ReadRecords(path string) ([]Record, int, error) {
	var (
		records   []Record
		corrupted int
	)
	err := forEachLine(path, func(_ int64, line []byte) {
		rec, err := decodeLine(line)
		if err != nil {
			corrupted++
			return
		}
		if rec.Type == MarkType {
			return
		}
		records = append(records, rec)
	})
	if err != nil {
		return nil, 0, err
	}
	return records, corrupted, nil
}

// LastRecord returns the last valid record of a log file, or nil when the
// file holds none.
func LastRecord(path string) (*Record, error) {
	var last *Record
	err := forEachLine(path, func(_ int64, line []byte) {
		if rec, err := decodeLine(line); err == nil {
			last = &rec
		}
	})
	if err != nil {
		return nil, err
	}
	return last, nil
}

// DumpLog writes a human readable listing of a log file, marking corrupted lines.
func DumpLog(path string, w io.Writer) error {
	return forEachLine(path, func(offset int64, line []byte) {
		rec, err := decodeLine(line)
		if err != nil {
			fmt.Fprintf(w, "[@%d] CORRUPTED: %v\n", offset, err)
			return
		}
		fmt.Fprintf(w, "[@%d] %s #%d %s at %s %s\n",
			offset, rec.Epoch, rec.Seq, rec.Type,
			time.UnixMilli(rec.Timestamp).UTC().Format(time.RFC3339Nano), rec.Body)
	})
}

// LogStats summarises a log file.
type LogStats struct {
	Size           int64          `json:"size"`
	TotalRecords   int            `json:"total_records"`
	Types          map[string]int `json:"types"`
	Epochs         int            `json:"epochs"`
	FirstSeq       uint64         `json:"first_seq"`
	LastSeq        uint64         `json:"last_seq"`
	TimeRange      [2]int64       `json:"time_range"`
	CorruptedCount int            `json:"corrupted"`
}

// GetLogStats scans a log file and collects statistics.
func GetLogStats(path string) (*LogStats, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	stats := &LogStats{Size: info.Size(), Types: make(map[string]int)}
	epochs := make(map[string]struct{})

	err = forEachLine(path, func(_ int64, line []byte) {
		rec, err := decodeLine(line)
		if err != nil {
			stats.CorruptedCount++
			return
		}
		if stats.TotalRecords == 0 {
			stats.FirstSeq = rec.Seq
			stats.TimeRange[0] = rec.Timestamp
		}
		stats.TotalRecords++
		stats.Types[rec.Type]++
		stats.LastSeq = rec.Seq
		stats.TimeRange[1] = rec.Timestamp
		epochs[rec.Epoch] = struct{}{}
	})
	if err != nil {
		return nil, err
	}
	stats.Epochs = len(epochs)
	return stats, nil
}
