package eventlog

// ============================================================================
// Tailer
// Responsibilities:
// 1. Discover every peer log inside the shared directory
// 2. Read bytes appended since the last recorded offset of each file
// 3. Restart a cursor when its file shrinks or is replaced by compaction,
//    de-duplicating on (epoch, seq)
// 4. Skip malformed records without stopping
// ============================================================================

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"iter"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/logbus/pkg/types"
)

// Cursor is the read position of one peer file.
type Cursor struct {
	Offset int64  `json:"offset"`
	Epoch  string `json:"epoch"`
	Seq    uint64 `json:"seq"` // last delivered seq within Epoch
}

type cursor struct {
	Cursor
	info os.FileInfo // nil until the first scan after Restore
}

// Tailer reads every log file in a directory. Each Tailer keeps private
// offsets, so any number of tailers may read the same directory.
type Tailer struct {
	dir       string
	fromStart bool
	logger    *slog.Logger

	mu      sync.Mutex
	cursors map[types.PeerID]*cursor
	peers   []types.PeerID // sorted, as of the last scan
	scanned bool

	skipped atomic.Uint64
}

// NewTailer creates a tailer for dir. Unless fromStart is set, files present
// at the first scan are tailed from their current end; files discovered later
// are always read from the beginning.
func NewTailer(dir string, fromStart bool, logger *slog.Logger) *Tailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tailer{
		dir:       dir,
		fromStart: fromStart,
		logger:    logger.With("component", "tailer"),
		cursors:   make(map[types.PeerID]*cursor),
	}
}

// Scan lists the directory, opens cursors for new files, resets cursors of
// replaced or truncated files and drops cursors of vanished ones.
// It returns the peers whose log file is currently present.
func (t *Tailer) Scan() ([]types.PeerID, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	present := make(map[types.PeerID]struct{}, len(entries))
	peers := make([]types.PeerID, 0, len(entries))

	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		peer, ok := PeerFromName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}

		present[peer] = struct{}{}
		peers = append(peers, peer)

		c, ok := t.cursors[peer]
		if !ok {
			c = &cursor{info: info}
			if t.scanned || t.fromStart {
				t.logger.Debug("tailing new log from start", "peer", peer)
			} else {
				c.Offset = info.Size()
				if last, err := LastRecord(PathFor(t.dir, peer)); err == nil && last != nil {
					c.Epoch = last.Epoch
					c.Seq = last.Seq
				}
			}
			t.cursors[peer] = c
			continue
		}

		replaced := c.info != nil && !os.SameFile(c.info, info)
		if replaced || info.Size() < c.Offset {
			t.logger.Debug("log replaced or truncated, restarting cursor",
				"peer", peer, "offset", c.Offset, "size", info.Size())
			c.Offset = 0
		}
		c.info = info
	}

	for peer := range t.cursors {
		if _, ok := present[peer]; !ok {
			delete(t.cursors, peer)
		}
	}

	types.SortPeers(peers)
	t.peers = peers
	t.scanned = true

	return append([]types.PeerID(nil), peers...), nil
}

// Poll returns a lazy sequence of the records appended since the previous
// poll, in per-file append order. Files are visited in peer order, so no
// ordering holds across peers. Breaking out of the loop early is safe: the
// next Poll resumes after the last yielded record.
func (t *Tailer) Poll() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		t.mu.Lock()
		peers := append([]types.PeerID(nil), t.peers...)
		t.mu.Unlock()

		for _, peer := range peers {
			if !t.pollFile(peer, yield) {
				return
			}
		}
	}
}

func (t *Tailer) pollFile(peer types.PeerID, yield func(Entry) bool) bool {
	path := PathFor(t.dir, peer)
	f, err := os.Open(path)
	if err != nil {
		// Vanished since the scan; the next scan drops the cursor.
		return true
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		t.logger.Error("stat failed", "peer", peer, "error", err)
		return true
	}

	// The file may have been replaced by compaction after the last scan; an
	// offset into the old file means nothing in the new one.
	t.mu.Lock()
	c, ok := t.cursors[peer]
	var start int64
	if ok {
		if (c.info != nil && !os.SameFile(c.info, info)) || info.Size() < c.Offset {
			t.logger.Debug("log replaced since scan, restarting cursor", "peer", peer, "offset", c.Offset)
			c.Offset = 0
		}
		c.info = info
		start = c.Offset
	}
	t.mu.Unlock()
	if !ok {
		return true
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		t.logger.Error("seek failed", "peer", peer, "offset", start, "error", err)
		return true
	}

	r := bufio.NewReader(f)
	off := start
	for {
		raw, err := r.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Error("read failed", "peer", peer, "offset", off, "error", err)
			}
			// A partial trailing line stays unread until its newline lands.
			return true
		}

		recOff := off
		off += int64(len(raw))

		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			t.advance(peer, off, nil)
			continue
		}

		rec, err := decodeLine(line)
		if err != nil {
			t.skipped.Add(1)
			t.logger.Warn("skipping malformed record",
				"error", &CorruptionError{Path: path, Offset: recOff, Cause: err})
			t.advance(peer, off, nil)
			continue
		}

		if !t.advance(peer, off, &rec) || rec.Type == MarkType {
			continue
		}
		if !yield(Entry{Peer: peer, Offset: recOff, Record: rec}) {
			return false
		}
	}
}

// advance moves the cursor of peer to off and reports whether rec is new.
func (t *Tailer) advance(peer types.PeerID, off int64, rec *Record) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.cursors[peer]
	if !ok {
		return false
	}
	c.Offset = off
	if rec == nil {
		return false
	}
	if rec.Epoch == c.Epoch && rec.Seq <= c.Seq {
		return false
	}
	c.Epoch = rec.Epoch
	c.Seq = rec.Seq
	return true
}

// Peers returns the peers found by the last scan.
func (t *Tailer) Peers() []types.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]types.PeerID(nil), t.peers...)
}

// Cursors returns a copy of all cursors, for checkpointing.
func (t *Tailer) Cursors() map[types.PeerID]Cursor {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[types.PeerID]Cursor, len(t.cursors))
	for peer, c := range t.cursors {
		out[peer] = c.Cursor
	}
	return out
}

// Restore installs checkpointed cursors. Offsets are not trusted across a
// restart (the file may have been compacted meanwhile): each restored file is
// re-read from the beginning and records up to the checkpointed (epoch, seq)
// are skipped. Files absent from the checkpoint are treated as new.
func (t *Tailer) Restore(cursors map[types.PeerID]Cursor) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for peer, c := range cursors {
		c.Offset = 0
		t.cursors[peer] = &cursor{Cursor: c}
	}
	t.scanned = true
}

// Skipped returns the number of malformed records skipped so far.
func (t *Tailer) Skipped() uint64 {
	return t.skipped.Load()
}
