package bus

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/logbus/internal/storage/eventlog"
	"github.com/ChuLiYu/logbus/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const kindPing = "PING"

type pingEvent struct {
	Header
	N int `json:"n"`
}

func (*pingEvent) Kind() string { return kindPing }

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Supports(e Event) bool { return true }

func (r *recorder) Handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func testConverter() *Converter {
	conv := NewConverter()
	RegisterJSON[pingEvent](conv, kindPing)
	return conv
}

func newTestBus(t *testing.T, dir, id string, mutate ...func(*Config)) *Bus {
	t.Helper()
	cfg := Config{
		LogDir:    dir,
		ServiceID: types.PeerID(id),
		Delay:     10 * time.Millisecond,
		FromStart: true,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	b, err := New(cfg, testConverter())
	require.NoError(t, err)
	t.Cleanup(func() { b.Stop() })
	return b
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{ServiceID: "1"}, nil)
	assert.Error(t, err)

	_, err = New(Config{LogDir: t.TempDir()}, nil)
	assert.Error(t, err)
}

func TestPublishIsObservedAfterTick(t *testing.T) {
	dir := t.TempDir()
	b := newTestBus(t, dir, "1")
	rec := &recorder{}
	b.Register(rec)

	ev := &pingEvent{N: 7}
	require.True(t, b.Publish(ev))
	assert.NotEmpty(t, ev.EventID())
	assert.Empty(t, rec.snapshot(), "dispatch only happens on a poll tick")

	b.Tick()
	got := rec.snapshot()
	require.Len(t, got, 1)
	ping, ok := got[0].(*pingEvent)
	require.True(t, ok)
	assert.Equal(t, 7, ping.N)
	assert.Equal(t, ev.EventID(), ping.EventID())
	assert.Equal(t, types.PeerID("1"), ping.Publisher())
}

func TestPeersSeeEachOther(t *testing.T) {
	dir := t.TempDir()
	a := newTestBus(t, dir, "1")
	b := newTestBus(t, dir, "2")
	recA, recB := &recorder{}, &recorder{}
	a.Register(recA)
	b.Register(recB)

	for i := 0; i < 3; i++ {
		require.True(t, a.Publish(&pingEvent{N: i}))
	}
	require.True(t, b.Publish(&pingEvent{N: 100}))

	a.Tick()
	b.Tick()

	assert.Len(t, recA.snapshot(), 4)
	assert.Len(t, recB.snapshot(), 4)

	// per-peer FIFO
	var fromA []int
	for _, e := range recB.snapshot() {
		if e.Publisher() == "1" {
			fromA = append(fromA, e.(*pingEvent).N)
		}
	}
	assert.Equal(t, []int{0, 1, 2}, fromA)
	assert.Equal(t, []types.PeerID{"1", "2"}, a.Peers())
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	b := newTestBus(t, t.TempDir(), "1")

	var order []string
	b.Register(KindHandler(func(Event) { order = append(order, "first") }, kindPing))
	b.Register(KindHandler(func(Event) { order = append(order, "never") }, "OTHER"))
	b.Register(KindHandler(func(Event) { order = append(order, "second") }, kindPing))

	require.True(t, b.Publish(&pingEvent{}))
	b.Tick()

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestObserversRunBeforeDispatch(t *testing.T) {
	b := newTestBus(t, t.TempDir(), "1")

	var calls []string
	var seen []types.PeerID
	b.Observe(ObserverFunc(func(peers []types.PeerID, _ time.Time) {
		calls = append(calls, "observe")
		seen = peers
	}))
	b.Register(KindHandler(func(Event) { calls = append(calls, "handle") }, kindPing))

	require.True(t, b.Publish(&pingEvent{}))
	b.Tick()

	assert.Equal(t, []string{"observe", "handle"}, calls)
	assert.Equal(t, []types.PeerID{"1"}, seen)
}

func TestSuspendRefusesPublish(t *testing.T) {
	b := newTestBus(t, t.TempDir(), "1")

	require.True(t, b.Suspend())
	assert.False(t, b.Suspend(), "already suspended")
	assert.Equal(t, types.StateSuspended, b.State())

	size := b.LogSize()
	assert.False(t, b.Publish(&pingEvent{}))
	assert.Equal(t, size, b.LogSize(), "refused publish must not write")

	require.NoError(t, b.PublishControl(&pingEvent{}))
	assert.Greater(t, b.LogSize(), size)

	require.True(t, b.Resume())
	assert.False(t, b.Resume())
	assert.Equal(t, types.StateActive, b.State())
	assert.True(t, b.Publish(&pingEvent{}))
}

func TestMalformedAndUnknownRecordsAreSkipped(t *testing.T) {
	dir := t.TempDir()
	b := newTestBus(t, dir, "1")
	rec := &recorder{}
	b.Register(rec)

	// Another peer's log with garbage, an unknown kind and a valid ping.
	other, err := eventlog.Open(dir, "2")
	require.NoError(t, err)
	defer other.Close()
	f, err := os.OpenFile(other.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json at all\n")
	require.NoError(t, err)
	f.Close()
	_, _, err = other.Append("SOMETHING_ELSE", []byte(`{"id":"x"}`))
	require.NoError(t, err)
	_, _, err = other.Append(kindPing, []byte(`{"id":"y","n":3}`))
	require.NoError(t, err)

	b.Tick()
	got := rec.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "y", got[0].EventID())
	assert.Equal(t, types.PeerID("2"), got[0].Publisher())
}

func TestHandlerPanicDoesNotStopDispatch(t *testing.T) {
	b := newTestBus(t, t.TempDir(), "1")
	rec := &recorder{}
	b.Register(KindHandler(func(Event) { panic("boom") }, kindPing))
	b.Register(rec)

	require.True(t, b.Publish(&pingEvent{}))
	require.True(t, b.Publish(&pingEvent{}))
	assert.NotPanics(t, b.Tick)
	assert.Len(t, rec.snapshot(), 2)
}

func TestPollLoopDispatches(t *testing.T) {
	b := newTestBus(t, t.TempDir(), "1")
	rec := &recorder{}
	b.Register(rec)

	require.NoError(t, b.Start())
	assert.ErrorIs(t, b.Start(), ErrAlreadyRunning)

	require.True(t, b.Publish(&pingEvent{}))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, b.Stop())
	require.NoError(t, b.Stop(), "stop is idempotent")
	assert.False(t, b.Publish(&pingEvent{}), "closed log refuses publish")
}

func TestCompactKeepsRetainedEvents(t *testing.T) {
	b := newTestBus(t, t.TempDir(), "1")

	keepEv := &pingEvent{N: 1}
	for i := 0; i < 20; i++ {
		require.True(t, b.Publish(&pingEvent{N: i}))
	}
	require.True(t, b.Publish(keepEv))

	before := b.LogSize()
	res, err := b.Compact(func(id string) bool { return id == keepEv.EventID() })
	require.NoError(t, err)
	assert.Less(t, b.LogSize(), before)
	assert.Equal(t, 1, res.Kept)

	records, _, err := eventlog.ReadRecords(b.LogPath())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Contains(t, string(records[0].Body), keepEv.EventID())
}

func TestCheckpointResumesAfterRestart(t *testing.T) {
	dir := t.TempDir()
	state := t.TempDir()
	withState := func(c *Config) {
		c.StateDir = state
		c.FromStart = false
	}

	a := newTestBus(t, dir, "1", withState)
	other := newTestBus(t, dir, "2")
	rec := &recorder{}
	a.Register(rec)

	a.Tick()
	require.True(t, other.Publish(&pingEvent{N: 1}))
	a.Tick()
	require.Len(t, rec.snapshot(), 1)
	require.NoError(t, a.Stop())

	// Published while "1" is down.
	require.True(t, other.Publish(&pingEvent{N: 2}))

	restarted := newTestBus(t, dir, "1", withState)
	rec2 := &recorder{}
	restarted.Register(rec2)
	require.NoError(t, restarted.Start())

	require.Eventually(t, func() bool { return len(rec2.snapshot()) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, rec2.snapshot()[0].(*pingEvent).N)
}

func TestConverterKinds(t *testing.T) {
	conv := testConverter()
	conv.Register("B", nil)
	conv.Register("A", nil)
	assert.Equal(t, []string{"A", "B", kindPing}, conv.Kinds())

	_, err := conv.Decode("NOPE", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = conv.Decode(kindPing, []byte(`{bad`))
	assert.Error(t, err)
}
