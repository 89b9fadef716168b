// Package ackcall emulates request/response over the bus: a caller publishes
// a request event and blocks until enough peers have published an ack
// carrying the same id, or until its deadline passes.
package ackcall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/logbus/internal/bus"
	"github.com/ChuLiYu/logbus/internal/metrics"
	"github.com/ChuLiYu/logbus/pkg/types"
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultRetry   = 50 * time.Millisecond
)

// Publisher is the part of the bus a call needs.
type Publisher interface {
	Publish(e bus.Event) bool
}

// Policy decides whether the acks received so far complete a request.
// received is always a subset of expected.
type Policy func(expected, received map[types.PeerID]struct{}) bool

// All completes once every expected peer has acknowledged.
func All(expected, received map[types.PeerID]struct{}) bool {
	return len(received) == len(expected)
}

// Majority completes once more than half of the expected peers acknowledged.
// An empty expected set is trivially complete.
func Majority(expected, received map[types.PeerID]struct{}) bool {
	return len(expected) == 0 || len(received) > len(expected)/2
}

// Config configures an AckCall.
type Config struct {
	Name     string        // used in logs and metrics
	Timeout  time.Duration // per-call deadline
	Retry    time.Duration // publish retry interval while the bus is suspended
	Complete Policy
	Logger   *slog.Logger
	Metrics  *metrics.Collector
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "ackcall"
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Retry <= 0 {
		c.Retry = DefaultRetry
	}
	if c.Complete == nil {
		c.Complete = All
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type pendingRequest struct {
	expected map[types.PeerID]struct{}
	received map[types.PeerID]struct{}
	started  time.Time
	done     chan struct{}
	finished bool
}

func (p *pendingRequest) missing() []types.PeerID {
	out := make([]types.PeerID, 0, len(p.expected)-len(p.received))
	for id := range p.expected {
		if _, ok := p.received[id]; !ok {
			out = append(out, id)
		}
	}
	types.SortPeers(out)
	return out
}

// AckCall tracks outstanding requests of type Req and the acks of type Ack
// that answer them. Register it on the bus so acks reach Handle.
type AckCall[Req, Ack bus.Event] struct {
	pub    Publisher
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// New creates an AckCall publishing through pub.
func New[Req, Ack bus.Event](pub Publisher, cfg Config) *AckCall[Req, Ack] {
	cfg = cfg.withDefaults()
	return &AckCall[Req, Ack]{
		pub:     pub,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", cfg.Name),
		pending: make(map[string]*pendingRequest),
	}
}

// Call publishes req and blocks until the completion policy is satisfied by
// acks from peers in expected, the call's timeout elapses or ctx is done.
// The request is registered before it is published, so an ack can never
// arrive for an unknown id. While the bus is suspended the publish is retried
// until the deadline.
func (c *AckCall[Req, Ack]) Call(ctx context.Context, req Req, expected []types.PeerID) error {
	id := bus.EnsureID(req)

	p := &pendingRequest{
		expected: make(map[types.PeerID]struct{}, len(expected)),
		received: make(map[types.PeerID]struct{}, len(expected)),
		started:  time.Now(),
		done:     make(chan struct{}),
	}
	for _, e := range expected {
		p.expected[e] = struct{}{}
	}
	// Nobody to ask: no policy can be waited on.
	if len(p.expected) == 0 || c.cfg.Complete(p.expected, p.received) {
		return nil
	}

	c.mu.Lock()
	if _, dup := c.pending[id]; dup {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, id)
	}
	c.pending[id] = p
	c.cfg.Metrics.SetPendingCalls(len(c.pending))
	c.mu.Unlock()
	defer c.remove(id)

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	for !c.pub.Publish(req) {
		select {
		case <-callCtx.Done():
			return c.fail(ctx, id, p)
		case <-time.After(c.cfg.Retry):
		}
	}
	c.logger.Debug("request published", "id", id, "kind", req.Kind(), "expected", len(expected))

	select {
	case <-p.done:
		c.cfg.Metrics.RecordAckCall("ok", time.Since(p.started))
		return nil
	case <-callCtx.Done():
		return c.fail(ctx, id, p)
	}
}

func (c *AckCall[Req, Ack]) fail(parent context.Context, id string, p *pendingRequest) error {
	if err := parent.Err(); err != nil {
		c.cfg.Metrics.RecordAckCall("canceled", time.Since(p.started))
		return err
	}

	c.mu.Lock()
	missing := p.missing()
	c.mu.Unlock()

	c.cfg.Metrics.RecordAckCall("timeout", time.Since(p.started))
	c.logger.Warn("ack call timed out", "id", id, "missing", missing)
	return &TimeoutError{RequestID: id, Missing: missing}
}

func (c *AckCall[Req, Ack]) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
	c.cfg.Metrics.SetPendingCalls(len(c.pending))
}

// Ack records an acknowledgement. Acks for unknown or finished requests and
// acks from peers outside the expected set are ignored. It reports whether
// the ack was counted.
func (c *AckCall[Req, Ack]) Ack(ack Ack) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[ack.EventID()]
	if !ok || p.finished {
		return false
	}
	from := ack.Publisher()
	if _, ok := p.expected[from]; !ok {
		return false
	}
	if _, dup := p.received[from]; dup {
		return false
	}
	p.received[from] = struct{}{}

	if c.cfg.Complete(p.expected, p.received) {
		p.finished = true
		close(p.done)
	}
	return true
}

// Supports accepts events of the Ack type.
func (c *AckCall[Req, Ack]) Supports(e bus.Event) bool {
	_, ok := e.(Ack)
	return ok
}

// Handle forwards an Ack event to Ack.
func (c *AckCall[Req, Ack]) Handle(e bus.Event) {
	if ack, ok := e.(Ack); ok {
		c.Ack(ack)
	}
}

// Retains reports whether id belongs to an outstanding request. Log
// compaction keeps such events.
func (c *AckCall[Req, Ack]) Retains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

// Pending returns the number of outstanding requests.
func (c *AckCall[Req, Ack]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// IsTimeout reports whether err is a call timeout and returns its details.
func IsTimeout(err error) (*TimeoutError, bool) {
	var te *TimeoutError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
