package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/logbus/internal/ackcall"
	"github.com/ChuLiYu/logbus/internal/gc"
	"github.com/ChuLiYu/logbus/internal/node"
	"github.com/ChuLiYu/logbus/pkg/types"
)

type fakeBackend struct {
	status   node.Status
	gcResult gc.Result
	gcErr    error
	checkErr error

	checkedPath  string
	checkedHosts []types.PeerID
	panicOnGC    bool
}

func (f *fakeBackend) Status() node.Status { return f.status }

func (f *fakeBackend) TriggerGC(context.Context) (gc.Result, error) {
	if f.panicOnGC {
		panic("boom")
	}
	return f.gcResult, f.gcErr
}

func (f *fakeBackend) CheckFile(_ context.Context, path string, hosts []types.PeerID) error {
	f.checkedPath = path
	f.checkedHosts = hosts
	return f.checkErr
}

// startAdmin serves backend over an in-memory listener and returns a client.
func startAdmin(t *testing.T, backend Backend) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(NewServer(backend, slog.New(slog.NewTextHandler(io.Discard, nil))))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	client, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func requireCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok, "expected gRPC status error, got %v", err)
	assert.Equal(t, code, st.Code(), st.Message())
}

func TestStatusRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	backend := &fakeBackend{status: node.Status{
		ID:       "2",
		State:    types.StateSuspended,
		Leader:   "1",
		Election: "Follower",
		Members: []types.Peer{
			{ID: "1", FirstSeen: now, LastSeen: now, Alive: true},
			{ID: "2", FirstSeen: now, LastSeen: now, Alive: true},
		},
		LogSize:      4096,
		PendingCalls: 2,
		Initiators:   []types.PeerID{"1"},
		Uptime:       90 * time.Second,
	}}
	client := startAdmin(t, backend)

	st, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, backend.status, st)
}

func TestTriggerGC(t *testing.T) {
	backend := &fakeBackend{gcResult: gc.Result{Before: 1000, After: 100, Kept: 1, Dropped: 9, Duration: time.Second}}
	client := startAdmin(t, backend)

	res, err := client.TriggerGC(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), res.Before)
	assert.Equal(t, int64(100), res.After)
	assert.Equal(t, 9, res.Dropped)
	assert.Equal(t, time.Second, res.Duration)
}

func TestCheckFile(t *testing.T) {
	backend := &fakeBackend{}
	client := startAdmin(t, backend)

	require.NoError(t, client.CheckFile(context.Background(), "/a.bin", []types.PeerID{"2", "3"}))
	assert.Equal(t, "/a.bin", backend.checkedPath)
	assert.Equal(t, []types.PeerID{"2", "3"}, backend.checkedHosts)
}

func TestErrorCodes(t *testing.T) {
	ctx := context.Background()

	for _, tc := range []struct {
		name    string
		backend *fakeBackend
		call    func(*Client) error
		code    codes.Code
	}{
		{"CheckFile/MissingPath", &fakeBackend{}, func(c *Client) error {
			return c.CheckFile(ctx, "", []types.PeerID{"1"})
		}, codes.InvalidArgument},
		{"CheckFile/MissingHosts", &fakeBackend{}, func(c *Client) error {
			return c.CheckFile(ctx, "/a", nil)
		}, codes.InvalidArgument},
		{"CheckFile/Timeout", &fakeBackend{checkErr: &ackcall.TimeoutError{Missing: []types.PeerID{"3"}}}, func(c *Client) error {
			return c.CheckFile(ctx, "/a", []types.PeerID{"3"})
		}, codes.DeadlineExceeded},
		{"TriggerGC/Suspended", &fakeBackend{gcErr: gc.ErrSuspended}, func(c *Client) error {
			_, err := c.TriggerGC(ctx)
			return err
		}, codes.FailedPrecondition},
		{"TriggerGC/InProgress", &fakeBackend{gcErr: gc.ErrInProgress}, func(c *Client) error {
			_, err := c.TriggerGC(ctx)
			return err
		}, codes.FailedPrecondition},
		{"TriggerGC/Panic", &fakeBackend{panicOnGC: true}, func(c *Client) error {
			_, err := c.TriggerGC(ctx)
			return err
		}, codes.Internal},
	} {
		t.Run(tc.name, func(t *testing.T) {
			client := startAdmin(t, tc.backend)
			requireCode(t, tc.call(client), tc.code)
		})
	}
}

func TestTimeoutMessageNamesHosts(t *testing.T) {
	backend := &fakeBackend{checkErr: &ackcall.TimeoutError{Missing: []types.PeerID{"2", "3"}}}
	client := startAdmin(t, backend)

	err := client.CheckFile(context.Background(), "/a", []types.PeerID{"2", "3"})
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, "lose acks in hosts [2, 3]", st.Message())
}

func TestParseCheckRequestRejectsNonStringHosts(t *testing.T) {
	req, err := structpb.NewStruct(map[string]any{"path": "/a", "hosts": []any{1.0}})
	require.NoError(t, err)
	_, _, err = parseCheckRequest(req)
	assert.Error(t, err)
}
