package gc

// ============================================================================
// GC Coordinator
// Responsibilities:
// 1. Trigger a compaction when the local log reaches MaxLogSize (or on GC())
// 2. Pause the whole bus around it: GC_PREPARE suspends every peer,
//    GC_RECOVER resumes them
// 3. Never drop an event a Retainer (an outstanding ack call) still needs
// 4. Auto-resume a peer whose initiator never sent GC_RECOVER
//
// Per peer:
//   ACTIVE --(GC_PREPARE from X)--> SUSPENDED        (X added to initiators)
//   SUSPENDED --(GC_RECOVER from X | Timeout for X)--> initiator X removed
//   SUSPENDED --(no initiator left)--> ACTIVE
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/logbus/internal/archive"
	"github.com/ChuLiYu/logbus/internal/bus"
	"github.com/ChuLiYu/logbus/internal/metrics"
	"github.com/ChuLiYu/logbus/internal/storage/eventlog"
	"github.com/ChuLiYu/logbus/pkg/types"
)

const (
	DefaultMaxLogSize int64 = 8 << 20
	DefaultTimeout          = 30 * time.Second
)

var (
	ErrInProgress = errors.New("gc: a cycle is already running on this peer")
	ErrSuspended  = errors.New("gc: bus is suspended")
	ErrNotPaused  = errors.New("gc: local bus did not suspend in time")
	ErrStopped    = errors.New("gc: coordinator stopped")
)

// Bus is the part of the event bus the coordinator drives.
type Bus interface {
	ID() types.PeerID
	Delay() time.Duration
	Publish(e bus.Event) bool
	PublishControl(e bus.Event) error
	Suspend() bool
	Resume() bool
	State() types.BusState
	LogSize() int64
	LogPath() string
	Compact(keep func(id string) bool) (eventlog.CompactResult, error)
}

// Retainer reports whether the event with id must survive compaction.
type Retainer interface {
	Retains(id string) bool
}

// Config configures the coordinator.
type Config struct {
	MaxLogSize int64         // size trigger; negative disables it
	Timeout    time.Duration // suspend safety valve
	Settle     time.Duration // wait after the local pause so every peer has paused
	Archiver   archive.Archiver
	Logger     *slog.Logger
	Metrics    *metrics.Collector
}

func (c Config) withDefaults(delay time.Duration) Config {
	if c.MaxLogSize == 0 {
		c.MaxLogSize = DefaultMaxLogSize
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Settle <= 0 {
		c.Settle = 2 * delay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Result summarises one local GC cycle.
type Result struct {
	Before   int64         `json:"before"`
	After    int64         `json:"after"`
	Kept     int           `json:"kept"`
	Dropped  int           `json:"dropped"`
	Archive  string        `json:"archive,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

type suspension struct {
	timer *time.Timer
	gen   uint64
	since time.Time
}

// Coordinator runs the GC protocol for one peer. Register it on the bus both
// as a handler and as an observer.
type Coordinator struct {
	bus     Bus
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Collector

	mu          sync.Mutex
	suspensions map[types.PeerID]*suspension
	gen         uint64
	changed     chan struct{}
	retainers   []Retainer
	last        *Result

	running atomic.Bool
	stopped atomic.Bool
	wg      sync.WaitGroup

	// ctx is canceled by Stop and bounds every cycle.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a coordinator for b.
func New(b Bus, cfg Config) *Coordinator {
	cfg = cfg.withDefaults(b.Delay())
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		bus:         b,
		cfg:         cfg,
		logger:      cfg.Logger.With("component", "gc", "service", b.ID()),
		metrics:     cfg.Metrics,
		suspensions: make(map[types.PeerID]*suspension),
		changed:     make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// AddRetainer registers r. Compaction keeps every event some retainer retains.
func (c *Coordinator) AddRetainer(r Retainer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retainers = append(c.retainers, r)
}

// Supports accepts GC control events.
func (c *Coordinator) Supports(e bus.Event) bool {
	switch e.(type) {
	case *PrepareEvent, *RecoverEvent:
		return true
	}
	return false
}

// Handle applies a control event to the local suspension state.
func (c *Coordinator) Handle(e bus.Event) {
	switch ev := e.(type) {
	case *PrepareEvent:
		c.suspend(ev.Publisher(), ev.EventID())
	case *RecoverEvent:
		c.recover(ev.Publisher(), "recover")
	}
}

func (c *Coordinator) suspend(initiator types.PeerID, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped.Load() {
		return
	}

	c.gen++
	gen := c.gen
	if s, ok := c.suspensions[initiator]; ok {
		s.timer.Stop()
	}
	c.suspensions[initiator] = &suspension{
		gen:   gen,
		since: time.Now(),
		timer: time.AfterFunc(c.cfg.Timeout, func() { c.expire(initiator, gen) }),
	}

	c.bus.Suspend()
	c.logger.Info("gc prepare received, bus suspended",
		"initiator", initiator, "id", id, "initiators", len(c.suspensions))
	c.notifyLocked()
}

func (c *Coordinator) recover(initiator types.PeerID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.suspensions[initiator]
	if !ok {
		return
	}
	s.timer.Stop()
	delete(c.suspensions, initiator)
	c.resumeIfIdleLocked(initiator, reason)
}

func (c *Coordinator) expire(initiator types.PeerID, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.suspensions[initiator]
	if !ok || s.gen != gen {
		return
	}
	delete(c.suspensions, initiator)
	c.metrics.RecordAutoResume()
	c.logger.Warn("gc recover not received before timeout, resuming",
		"initiator", initiator, "suspended_for", time.Since(s.since))
	c.resumeIfIdleLocked(initiator, "timeout")
}

func (c *Coordinator) resumeIfIdleLocked(initiator types.PeerID, reason string) {
	if len(c.suspensions) == 0 {
		c.bus.Resume()
		c.logger.Info("bus resumed", "initiator", initiator, "reason", reason)
	} else {
		c.logger.Info("gc window closed, others still open",
			"initiator", initiator, "reason", reason, "initiators", len(c.suspensions))
	}
	c.notifyLocked()
}

func (c *Coordinator) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Observe starts a background cycle once the local log reaches MaxLogSize.
func (c *Coordinator) Observe(_ []types.PeerID, _ time.Time) {
	if c.cfg.MaxLogSize < 0 || c.stopped.Load() {
		return
	}
	if c.bus.State() != types.StateActive || c.bus.LogSize() < c.cfg.MaxLogSize {
		return
	}
	if !c.running.CompareAndSwap(false, true) {
		return
	}

	// Add under mu so Stop never waits on a WaitGroup that is still growing.
	c.mu.Lock()
	if c.stopped.Load() {
		c.mu.Unlock()
		c.running.Store(false)
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("log size threshold reached", "size", c.bus.LogSize(), "max", c.cfg.MaxLogSize)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.Timeout)
		defer cancel()
		if _, err := c.run(ctx); err != nil {
			c.logger.Warn("size triggered gc failed", "error", err)
		}
	}()
}

// GC runs one cycle on this peer and blocks until the recover event has been
// published. Stop aborts a running cycle; the recover is still published.
//
// Steps:
//  1. publish GC_PREPARE (refused if the bus is already suspended)
//  2. wait until the local bus has seen it and suspended
//  3. wait Settle so every peer has tailed it too
//  4. archive the log if an archiver is configured
//  5. compact, keeping retained events
//  6. publish GC_RECOVER through the control path
func (c *Coordinator) GC(ctx context.Context) (Result, error) {
	if c.stopped.Load() {
		return Result{}, ErrStopped
	}
	if !c.running.CompareAndSwap(false, true) {
		return Result{}, ErrInProgress
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unhook := context.AfterFunc(c.ctx, cancel)
	defer unhook()

	return c.run(ctx)
}

func (c *Coordinator) run(ctx context.Context) (res Result, err error) {
	defer c.running.Store(false)

	res.Started = time.Now()
	self := c.bus.ID()

	defer func() {
		res.Duration = time.Since(res.Started)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		c.metrics.RecordGC(outcome, res.Duration, res.Before-res.After)
	}()

	prepare := &PrepareEvent{LogPath: c.bus.LogPath(), Size: c.bus.LogSize()}
	if !c.bus.Publish(prepare) {
		return res, ErrSuspended
	}
	c.logger.Info("gc started", "id", prepare.EventID(), "size", prepare.Size)

	recoverEv := &RecoverEvent{LogPath: c.bus.LogPath()}
	defer func() {
		if err != nil {
			recoverEv.Aborted = true
		}
		if perr := c.bus.PublishControl(recoverEv); perr != nil {
			c.logger.Error("publish gc recover failed", "error", perr)
			err = errors.Join(err, perr)
		}
	}()

	if err := c.awaitLocalPause(ctx, self); err != nil {
		return res, err
	}
	if err := sleepCtx(ctx, c.cfg.Settle); err != nil {
		return res, err
	}

	if c.cfg.Archiver != nil {
		loc, err := c.cfg.Archiver.Archive(ctx, self, c.bus.LogPath(), res.Started)
		if err != nil {
			return res, fmt.Errorf("gc: archive before compaction: %w", err)
		}
		res.Archive = loc
	}

	// Retainers only know this peer's own pending calls. Acks published here
	// for another peer's call are not retained: they survive only because
	// Settle gives every peer time to tail them before the rewrite. A
	// requester that lags more than Settle behind loses those acks and its
	// call times out.
	c.mu.Lock()
	retainers := append([]Retainer(nil), c.retainers...)
	c.mu.Unlock()

	cr, err := c.bus.Compact(func(id string) bool {
		for _, r := range retainers {
			if r.Retains(id) {
				return true
			}
		}
		return false
	})
	res.Before, res.After, res.Kept, res.Dropped = cr.Before, cr.After, cr.Kept, cr.Dropped
	recoverEv.Before, recoverEv.After = cr.Before, cr.After
	if err != nil {
		return res, fmt.Errorf("gc: compact: %w", err)
	}

	c.logger.Info("gc compacted log",
		"before", res.Before, "after", res.After, "kept", res.Kept, "dropped", res.Dropped)

	c.mu.Lock()
	c.last = &res
	c.mu.Unlock()
	return res, nil
}

// awaitLocalPause waits until this peer's own prepare event has been
// dispatched locally.
func (c *Coordinator) awaitLocalPause(ctx context.Context, self types.PeerID) error {
	deadline := time.NewTimer(c.cfg.Timeout)
	defer deadline.Stop()

	for {
		c.mu.Lock()
		_, paused := c.suspensions[self]
		wait := c.changed
		c.mu.Unlock()
		if paused {
			return nil
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrNotPaused
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Initiators returns the peers whose GC window is open here.
func (c *Coordinator) Initiators() []types.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]types.PeerID, 0, len(c.suspensions))
	for id := range c.suspensions {
		out = append(out, id)
	}
	types.SortPeers(out)
	return out
}

// InProgress reports whether this peer is running a cycle.
func (c *Coordinator) InProgress() bool { return c.running.Load() }

// LastResult returns the last successful cycle, if any.
func (c *Coordinator) LastResult() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Result{}, false
	}
	return *c.last, true
}

// Stop aborts a running cycle, waits for a size-triggered one to publish its
// recover and cancels the safety timers. Stop the coordinator before the bus
// it drives.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopped.Store(true)
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, s := range c.suspensions {
		s.timer.Stop()
		delete(c.suspensions, id)
	}
}
