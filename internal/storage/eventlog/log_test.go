package eventlog

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ChuLiYu/logbus/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T, dir string, peer string) *Log {
	t.Helper()
	l, err := Open(dir, types.PeerID(peer))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestOpenCreatesFile(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, "1")

	_, err := os.Stat(filepath.Join(dir, "1.log"))
	require.NoError(t, err)
	assert.NotEmpty(t, l.Epoch())
	assert.Equal(t, uint64(0), l.LastSeq())
	assert.Equal(t, int64(0), l.Size())
}

func TestOpenRejectsEmptyPeer(t *testing.T) {
	_, err := Open(t.TempDir(), "")
	assert.Error(t, err)
}

func TestAppendAssignsSequence(t *testing.T) {
	l := openTestLog(t, t.TempDir(), "1")

	var lastOff int64 = -1
	for i := 1; i <= 3; i++ {
		rec, off, err := l.Append("PING", []byte(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), rec.Seq)
		assert.Equal(t, l.Epoch(), rec.Epoch)
		assert.True(t, VerifyChecksum(rec))
		assert.Greater(t, off, lastOff)
		lastOff = off
	}

	records, corrupted, err := ReadRecords(l.Path())
	require.NoError(t, err)
	assert.Equal(t, 0, corrupted)
	require.Len(t, records, 3)
	assert.JSONEq(t, `{"n":2}`, string(records[1].Body))
}

func TestAppendEmptyTypeFails(t *testing.T) {
	l := openTestLog(t, t.TempDir(), "1")
	_, _, err := l.Append("", []byte(`{}`))
	assert.ErrorIs(t, err, ErrEmptyType)
}

func TestAppendAfterClose(t *testing.T) {
	l, err := Open(t.TempDir(), "1")
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, _, err = l.Append("PING", []byte(`{}`))
	assert.ErrorIs(t, err, ErrLogClosed)
	assert.NoError(t, l.Close(), "second close is a no-op")
}

func TestReopenResumesEpochAndSeq(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "7")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, _, err := l.Append("PING", []byte(`{}`))
		require.NoError(t, err)
	}
	epoch := l.Epoch()
	require.NoError(t, l.Close())

	reopened, err := Open(dir, "7")
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, epoch, reopened.Epoch())
	assert.Equal(t, uint64(5), reopened.LastSeq())

	rec, _, err := reopened.Append("PING", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), rec.Seq)
}

func TestRecreatedLogGetsNewEpoch(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "7")
	require.NoError(t, err)
	_, _, err = l.Append("PING", []byte(`{}`))
	require.NoError(t, err)
	epoch := l.Epoch()
	require.NoError(t, l.Close())
	require.NoError(t, os.Remove(l.Path()))

	fresh, err := Open(dir, "7")
	require.NoError(t, err)
	defer fresh.Close()
	assert.NotEqual(t, epoch, fresh.Epoch())
	assert.Equal(t, uint64(0), fresh.LastSeq())
}

func TestCompactShrinksAndKeepsRetained(t *testing.T) {
	l := openTestLog(t, t.TempDir(), "1")

	var keepSeq uint64
	for i := 0; i < 20; i++ {
		rec, _, err := l.Append("PING", []byte(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
		if i == 7 {
			keepSeq = rec.Seq
		}
	}
	before := l.Size()

	res, err := l.Compact(func(rec Record) bool { return rec.Seq == keepSeq })
	require.NoError(t, err)

	assert.Equal(t, before, res.Before)
	assert.Less(t, res.After, res.Before)
	assert.Equal(t, 1, res.Kept)
	assert.Equal(t, 19, res.Dropped)
	assert.Equal(t, res.After, l.Size())

	records, _, err := ReadRecords(l.Path())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, keepSeq, records[0].Seq)

	// Appends continue the sequence after compaction.
	rec, _, err := l.Append("PING", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(21), rec.Seq)

	_, err = os.Stat(l.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not survive")
}

func TestReopenAfterCompactionDoesNotRewindSequence(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "1")
	require.NoError(t, err)
	tl := NewTailer(dir, true, quietLogger())

	appendN(t, l, "A", 10)
	require.Len(t, drain(t, tl), 10)

	// Crash right after compaction: nothing appended after the rename.
	_, err = l.Compact(func(rec Record) bool { return rec.Seq == 2 })
	require.NoError(t, err)
	epoch := l.Epoch()
	require.NoError(t, l.Close())

	reopened, err := Open(dir, "1")
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, epoch, reopened.Epoch())
	assert.Equal(t, uint64(10), reopened.LastSeq())

	appendN(t, reopened, "B", 3)
	entries := drain(t, tl)
	require.Len(t, entries, 3, "records appended after the restart must reach the tailer")
	assert.Equal(t, uint64(11), entries[0].Record.Seq)

	records, _, err := ReadRecords(reopened.Path())
	require.NoError(t, err)
	require.Len(t, records, 4, "the high-water mark is not an event")
}

func TestCompactKeepsSingleMark(t *testing.T) {
	l := openTestLog(t, t.TempDir(), "1")

	appendN(t, l, "A", 5)
	_, err := l.Compact(func(Record) bool { return false })
	require.NoError(t, err)
	res, err := l.Compact(func(Record) bool { return false })
	require.NoError(t, err)
	assert.Equal(t, 0, res.Kept)
	assert.Equal(t, 0, res.Dropped)

	stats, err := GetLogStats(l.Path())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Types[MarkType])
	assert.Equal(t, uint64(5), stats.LastSeq)

	// No mark needed when the newest record survives.
	appendN(t, l, "A", 1)
	_, err = l.Compact(func(rec Record) bool { return rec.Seq == 6 })
	require.NoError(t, err)
	stats, err = GetLogStats(l.Path())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Types[MarkType])
	assert.Equal(t, 1, stats.TotalRecords)
}

func TestAppendReservedTypeFails(t *testing.T) {
	l := openTestLog(t, t.TempDir(), "1")
	_, _, err := l.Append(MarkType, []byte(`{}`))
	assert.ErrorIs(t, err, ErrReservedType)
	assert.Equal(t, uint64(0), l.LastSeq())
}

func TestCompactDropsCorruptedLines(t *testing.T) {
	l := openTestLog(t, t.TempDir(), "1")
	_, _, err := l.Append("PING", []byte(`{}`))
	require.NoError(t, err)

	f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n")
	require.NoError(t, err)
	f.Close()

	res, err := l.Compact(func(Record) bool { return true })
	require.NoError(t, err)
	assert.Equal(t, 1, res.Kept)
	assert.Equal(t, 1, res.Dropped)
}

func TestChecksumDetectsTampering(t *testing.T) {
	rec := Record{Epoch: "ep-1", Seq: 3, Type: "PING", Body: []byte(`{"a":1}`)}
	rec.Checksum = CalculateChecksum(rec.Epoch, rec.Seq, rec.Type, rec.Body)
	assert.True(t, VerifyChecksum(rec))

	rec.Body = []byte(`{"a":2}`)
	assert.False(t, VerifyChecksum(rec))
}

func TestDumpAndStats(t *testing.T) {
	l := openTestLog(t, t.TempDir(), "1")
	for _, typ := range []string{"A", "B", "A"} {
		_, _, err := l.Append(typ, []byte(`{}`))
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	require.NoError(t, DumpLog(l.Path(), &buf))
	assert.Contains(t, buf.String(), "#2 B")

	stats, err := GetLogStats(l.Path())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalRecords)
	assert.Equal(t, 2, stats.Types["A"])
	assert.Equal(t, uint64(1), stats.FirstSeq)
	assert.Equal(t, uint64(3), stats.LastSeq)
	assert.Equal(t, 1, stats.Epochs)
}

func TestPeerFromName(t *testing.T) {
	peer, ok := PeerFromName("/tmp/x/12.log")
	assert.True(t, ok)
	assert.Equal(t, "12", string(peer))

	_, ok = PeerFromName("12.log.tmp")
	assert.False(t, ok)
	_, ok = PeerFromName(".log")
	assert.False(t, ok)
}
