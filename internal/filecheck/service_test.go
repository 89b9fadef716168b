package filecheck

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/logbus/internal/ackcall"
	"github.com/ChuLiYu/logbus/internal/bus"
	"github.com/ChuLiYu/logbus/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type capturePublisher struct {
	mu     sync.Mutex
	events []bus.Event
}

func (c *capturePublisher) Publish(e bus.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return true
}

func (c *capturePublisher) acks() []*CheckAckEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*CheckAckEvent
	for _, e := range c.events {
		if a, ok := e.(*CheckAckEvent); ok {
			out = append(out, a)
		}
	}
	return out
}

// countingStater becomes readable after `missing` attempts.
type countingStater struct {
	missing int32
	calls   atomic.Int32
}

func (c *countingStater) Readable(string) (bool, error) {
	n := c.calls.Add(1)
	return n > c.missing, nil
}

func newTestService(t *testing.T, self types.PeerID, pub ackcall.Publisher, st Stater, mutate ...func(*Config)) *Service {
	t.Helper()
	cfg := Config{
		MaxCheckTimes: 5,
		CheckInterval: 10 * time.Millisecond,
		Timeout:       time.Second,
		Logger:        quietLogger(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s := New(self, pub, st, cfg)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

func request(from types.PeerID, hosts ...types.PeerID) *CheckEvent {
	return &CheckEvent{
		Header: bus.Header{ID: "req-1", From: from},
		Path:   "/artifacts/a.tgz",
		Hosts:  hosts,
	}
}

func TestLocalDisk(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "repo"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "repo", "a.jar"), []byte("x"), 0o644))

	d := LocalDisk{Root: root}
	ok, err := d.Readable("/repo/a.jar")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Readable("/repo/missing.jar")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = d.Readable("/repo")
	require.NoError(t, err)
	assert.False(t, ok, "directories are not files")
}

func TestAcksWhenFileIsPresent(t *testing.T) {
	pub := &capturePublisher{}
	s := newTestService(t, "2", pub, &countingStater{})

	req := request("1", "2", "3")
	require.True(t, s.Supports(req))
	s.Handle(req)

	require.Eventually(t, func() bool { return len(pub.acks()) == 1 }, time.Second, 5*time.Millisecond)
	ack := pub.acks()[0]
	assert.Equal(t, "req-1", ack.EventID())
	assert.Equal(t, req.Path, ack.Path)
}

func TestRetriesUntilFileAppears(t *testing.T) {
	pub := &capturePublisher{}
	st := &countingStater{missing: 2}
	s := newTestService(t, "2", pub, st)

	s.Handle(request("1", "2"))

	require.Eventually(t, func() bool { return len(pub.acks()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), st.calls.Load())
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	pub := &capturePublisher{}
	st := &countingStater{missing: 1 << 30}
	s := newTestService(t, "2", pub, st, func(c *Config) { c.MaxCheckTimes = 3 })

	s.Handle(request("1", "2"))

	require.Eventually(t, func() bool { return st.calls.Load() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), st.calls.Load(), "bounded by attempt count")
	assert.Empty(t, pub.acks())
}

// blockingStater holds every stat until release is closed.
type blockingStater struct {
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingStater) Readable(string) (bool, error) {
	b.calls.Add(1)
	<-b.release
	return true, nil
}

func TestBurstOfRequestsDoesNotBlockHandle(t *testing.T) {
	pub := &capturePublisher{}
	st := &blockingStater{release: make(chan struct{})}
	s := newTestService(t, "2", pub, st)
	// Registered after the service, so it runs before the service stops.
	t.Cleanup(func() { close(st.release) })

	const burst = 200 // well past the task queue capacity
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < burst; i++ {
			req := request("1", "2")
			req.ID = fmt.Sprintf("req-%d", i)
			s.Handle(req)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Handle blocked while the retry worker was busy")
	}
	require.Eventually(t, func() bool { return st.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestIgnoresRequestsForOtherHosts(t *testing.T) {
	pub := &capturePublisher{}
	st := &countingStater{}
	s := newTestService(t, "9", pub, st)

	s.Handle(request("1", "2", "3"))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), st.calls.Load())
}

func TestOwnRequestIgnoredUnlessCheckSelf(t *testing.T) {
	pub := &capturePublisher{}
	st := &countingStater{}
	s := newTestService(t, "1", pub, st)
	s.Handle(request("1", "1", "2"))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), st.calls.Load())

	pub2 := &capturePublisher{}
	self := newTestService(t, "1", pub2, &countingStater{}, func(c *Config) { c.CheckSelf = true })
	self.Handle(request("1", "1", "2"))
	require.Eventually(t, func() bool { return len(pub2.acks()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestCheckRejectsEmptyPath(t *testing.T) {
	s := newTestService(t, "1", &capturePublisher{}, nil)
	assert.Error(t, s.Check(context.Background(), []types.PeerID{"2"}, ""))
}

func TestCheckOnlySelfCompletesImmediately(t *testing.T) {
	pub := &capturePublisher{}
	s := newTestService(t, "1", pub, nil)
	require.NoError(t, s.Check(context.Background(), []types.PeerID{"1"}, "/x"))
	assert.Empty(t, pub.events)
}

type host struct {
	bus  *bus.Bus
	svc  *Service
	root string
}

func startHosts(t *testing.T, ids []types.PeerID, timeout time.Duration) map[types.PeerID]*host {
	t.Helper()
	dir := t.TempDir()
	hosts := make(map[types.PeerID]*host, len(ids))

	for _, id := range ids {
		conv := bus.NewConverter()
		RegisterEvents(conv)
		b, err := bus.New(bus.Config{
			LogDir:    dir,
			ServiceID: id,
			Delay:     10 * time.Millisecond,
			Logger:    quietLogger(),
		}, conv)
		require.NoError(t, err)

		root := t.TempDir()
		svc := New(id, b, LocalDisk{Root: root}, Config{
			MaxCheckTimes: 5,
			CheckInterval: 50 * time.Millisecond,
			Timeout:       timeout,
			Logger:        quietLogger(),
		})
		require.NoError(t, svc.Start())
		b.Register(svc)
		require.NoError(t, b.Start())

		t.Cleanup(func() {
			b.Stop()
			svc.Stop()
		})
		hosts[id] = &host{bus: b, svc: svc, root: root}
	}
	// Every tailer has passed its first scan.
	time.Sleep(50 * time.Millisecond)
	return hosts
}

func writeArtifact(t *testing.T, root, path string) {
	t.Helper()
	full := filepath.Join(root, path)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte("artifact"), 0o644))
}

// The file exists on host 2 but never on host 3: the call times out naming 3.
func TestCheckTimesOutNamingMissingHost(t *testing.T) {
	hosts := startHosts(t, []types.PeerID{"1", "2", "3"}, 600*time.Millisecond)
	path := "/npm/left-pad/-/left-pad-1.3.0.tgz"
	writeArtifact(t, hosts["2"].root, path)

	err := hosts["1"].svc.Check(context.Background(), []types.PeerID{"1", "2", "3"}, path)
	require.Error(t, err)
	te, ok := ackcall.IsTimeout(err)
	require.True(t, ok)
	assert.Equal(t, []types.PeerID{"3"}, te.Missing)
	assert.Equal(t, "lose acks in hosts [3]", err.Error())
}

// The file appears on host 3 while it is still retrying: the call succeeds.
func TestCheckSucceedsWhenFileArrivesInTime(t *testing.T) {
	hosts := startHosts(t, []types.PeerID{"1", "2", "3"}, 2*time.Second)
	path := "/maven/com/acme/lib/1.0/lib-1.0.jar"
	writeArtifact(t, hosts["2"].root, path)

	late := filepath.Join(hosts["3"].root, path)
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = os.MkdirAll(filepath.Dir(late), 0o755)
		_ = os.WriteFile(late, []byte("artifact"), 0o644)
	}()

	err := hosts["1"].svc.Check(context.Background(), []types.PeerID{"2", "3"}, path)
	require.NoError(t, err)
	assert.Equal(t, 0, hosts["1"].svc.Pending())
}
