package bus

// ============================================================================
// Event Bus
// Responsibilities:
// 1. Append published events to the local peer log, gated by the
//    ACTIVE / SUSPENDED state
// 2. Tail every peer log in the shared directory on a fixed delay
// 3. Call observers once per tick, then dispatch each decoded event to the
//    handlers that support it, in registration order
// 4. Checkpoint tail cursors across restarts
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/logbus/internal/metrics"
	"github.com/ChuLiYu/logbus/internal/snapshot"
	"github.com/ChuLiYu/logbus/internal/storage/eventlog"
	"github.com/ChuLiYu/logbus/pkg/types"
)

const DefaultDelay = 200 * time.Millisecond

var (
	ErrNotRunning     = errors.New("bus: not running")
	ErrAlreadyRunning = errors.New("bus: already running")
)

// Config configures one bus instance.
type Config struct {
	LogDir    string        // shared directory holding every peer log
	ServiceID types.PeerID  // this peer; its log is <LogDir>/<ServiceID>.log
	Delay     time.Duration // poll cadence
	FromStart bool          // replay logs present at first start
	StateDir  string        // cursor checkpoint directory, empty disables it
	Logger    *slog.Logger
	Metrics   *metrics.Collector
}

func (c Config) withDefaults() Config {
	if c.Delay <= 0 {
		c.Delay = DefaultDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Bus is one peer's view of the shared event log.
type Bus struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Collector
	conv    *Converter

	log        *eventlog.Log
	tailer     *eventlog.Tailer
	checkpoint *snapshot.Manager

	// gate is held for reading by publishes and for writing by state changes,
	// so once Suspend returns no gated append is in flight.
	gate      sync.RWMutex
	suspended atomic.Bool

	mu        sync.RWMutex
	handlers  []Handler
	observers []Observer

	tickMu      sync.Mutex // serialises ticks
	polled      atomic.Bool
	lastSkipped uint64

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	loopWg  sync.WaitGroup
}

// New opens the local log and prepares the tailer. It does not start polling.
func New(cfg Config, conv *Converter) (*Bus, error) {
	cfg = cfg.withDefaults()
	if cfg.LogDir == "" {
		return nil, fmt.Errorf("bus: log dir is required")
	}
	if cfg.ServiceID == "" {
		return nil, fmt.Errorf("bus: service id is required")
	}
	if conv == nil {
		conv = NewConverter()
	}

	l, err := eventlog.Open(cfg.LogDir, cfg.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("bus: open log: %w", err)
	}

	logger := cfg.Logger.With("component", "bus", "service", cfg.ServiceID)

	b := &Bus{
		cfg:     cfg,
		logger:  logger,
		metrics: cfg.Metrics,
		conv:    conv,
		log:     l,
		tailer:  eventlog.NewTailer(cfg.LogDir, cfg.FromStart, logger),
	}
	if cfg.StateDir != "" {
		b.checkpoint = snapshot.NewManager(snapshot.PathFor(cfg.StateDir, cfg.ServiceID))
	}
	return b, nil
}

// ID returns the local service id.
func (b *Bus) ID() types.PeerID { return b.cfg.ServiceID }

// Delay returns the poll cadence.
func (b *Bus) Delay() time.Duration { return b.cfg.Delay }

// Converter returns the decoder table of this bus.
func (b *Bus) Converter() *Converter { return b.conv }

// Logger returns the bus logger.
func (b *Bus) Logger() *slog.Logger { return b.cfg.Logger }

// Register appends h to the dispatch chain.
func (b *Bus) Register(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Observe appends o to the per-tick observers.
func (b *Bus) Observe(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

// Publish appends e to the local log. It returns false without writing while
// the bus is suspended, and false when the write fails.
func (b *Bus) Publish(e Event) bool {
	b.gate.RLock()
	defer b.gate.RUnlock()

	if b.suspended.Load() {
		b.metrics.RecordRefused()
		b.logger.Debug("publish refused, bus suspended", "kind", e.Kind())
		return false
	}
	if err := b.append(e); err != nil {
		b.logger.Error("publish failed", "kind", e.Kind(), "error", err)
		return false
	}
	return true
}

// PublishControl appends e regardless of the suspend state. It is reserved
// for the events that end a suspension.
func (b *Bus) PublishControl(e Event) error {
	return b.append(e)
}

func (b *Bus) append(e Event) error {
	EnsureID(e)
	h := e.header()
	h.From = b.cfg.ServiceID
	if h.SentAt.IsZero() {
		h.SentAt = time.Now().UTC()
	}

	body, err := b.conv.Encode(e)
	if err != nil {
		return fmt.Errorf("bus: encode %s: %w", e.Kind(), err)
	}
	if _, _, err := b.log.Append(e.Kind(), body); err != nil {
		return err
	}

	b.metrics.RecordPublished(e.Kind())
	b.metrics.SetLogSize(b.log.Size())
	return nil
}

// Suspend closes the publish gate. It returns false if already suspended.
func (b *Bus) Suspend() bool {
	b.gate.Lock()
	defer b.gate.Unlock()

	if !b.suspended.CompareAndSwap(false, true) {
		return false
	}
	b.metrics.SetSuspended(true)
	b.logger.Info("bus suspended")
	return true
}

// Resume opens the publish gate. It returns false if already active.
func (b *Bus) Resume() bool {
	b.gate.Lock()
	defer b.gate.Unlock()

	if !b.suspended.CompareAndSwap(true, false) {
		return false
	}
	b.metrics.SetSuspended(false)
	b.logger.Info("bus resumed")
	return true
}

// State returns the current publish gate state.
func (b *Bus) State() types.BusState {
	if b.suspended.Load() {
		return types.StateSuspended
	}
	return types.StateActive
}

// LogSize returns the size of the local log in bytes.
func (b *Bus) LogSize() int64 { return b.log.Size() }

// LogPath returns the path of the local log.
func (b *Bus) LogPath() string { return b.log.Path() }

// Peers returns the peers found by the last directory scan.
func (b *Bus) Peers() []types.PeerID { return b.tailer.Peers() }

// Compact rewrites the local log keeping the events for which keep returns
// true. Records whose id cannot be read are dropped.
func (b *Bus) Compact(keep func(id string) bool) (eventlog.CompactResult, error) {
	res, err := b.log.Compact(func(rec eventlog.Record) bool {
		var h Header
		if err := json.Unmarshal(rec.Body, &h); err != nil || h.ID == "" {
			return false
		}
		return keep(h.ID)
	})
	if err == nil {
		b.metrics.SetLogSize(res.After)
	}
	return res, err
}

// Start restores the cursor checkpoint (if any) and starts the poll loop.
func (b *Bus) Start() error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	if b.running {
		return ErrAlreadyRunning
	}

	if b.checkpoint != nil {
		cp, ok, err := b.checkpoint.Load()
		if err != nil {
			b.logger.Warn("ignoring unreadable cursor checkpoint", "error", err)
		} else if ok {
			b.tailer.Restore(cp.Cursors)
			b.logger.Info("cursor checkpoint restored", "files", len(cp.Cursors), "saved_at", cp.SavedAt)
		}
	}

	b.stopCh = make(chan struct{})
	b.running = true
	b.loopWg.Add(1)
	go b.pollLoop(b.stopCh)

	b.logger.Info("bus started", "dir", b.cfg.LogDir, "delay", b.cfg.Delay)
	return nil
}

// Stop halts polling, writes the cursor checkpoint and closes the local log.
// The checkpoint is only written once the bus has polled at least once.
func (b *Bus) Stop() error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	if b.running {
		close(b.stopCh)
		b.loopWg.Wait()
		b.running = false
	}

	var errs []error
	if b.checkpoint != nil && b.polled.Load() {
		err := b.checkpoint.Write(snapshot.Checkpoint{
			ServiceID: b.cfg.ServiceID,
			Cursors:   b.tailer.Cursors(),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("bus: write checkpoint: %w", err))
		}
	}
	if err := b.log.Close(); err != nil && !errors.Is(err, eventlog.ErrLogClosed) {
		errs = append(errs, err)
	}

	b.logger.Info("bus stopped")
	return errors.Join(errs...)
}

func (b *Bus) pollLoop(stopCh <-chan struct{}) {
	defer b.loopWg.Done()

	ticker := time.NewTicker(b.cfg.Delay)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			b.Tick()
		}
	}
}

// Tick runs one poll cycle: scan the directory, call observers, then
// dispatch every newly tailed event. The poll loop calls it on every delay;
// tests may call it directly.
func (b *Bus) Tick() {
	b.tickMu.Lock()
	defer b.tickMu.Unlock()

	peers, err := b.tailer.Scan()
	if err != nil {
		b.logger.Error("scan log dir failed", "error", err)
		return
	}
	b.polled.Store(true)

	b.mu.RLock()
	observers := append([]Observer(nil), b.observers...)
	b.mu.RUnlock()

	now := time.Now()
	for _, o := range observers {
		b.safeObserve(o, peers, now)
	}

	for entry := range b.tailer.Poll() {
		ev, err := b.conv.Decode(entry.Record.Type, entry.Record.Body)
		if err != nil {
			if errors.Is(err, ErrUnknownKind) {
				b.logger.Debug("no decoder for event kind", "peer", entry.Peer, "kind", entry.Record.Type)
			} else {
				b.metrics.RecordSkipped(1)
				b.logger.Warn("skipping undecodable event", "peer", entry.Peer,
					"offset", entry.Offset, "kind", entry.Record.Type, "error", err)
			}
			continue
		}
		// The file a record came from is authoritative for its publisher.
		ev.header().From = entry.Peer
		b.dispatch(ev)
	}

	skipped := b.tailer.Skipped()
	b.metrics.RecordSkipped(int(skipped - b.lastSkipped))
	b.lastSkipped = skipped
	b.metrics.SetLogSize(b.log.Size())
}

func (b *Bus) dispatch(e Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers...)
	b.mu.RUnlock()

	b.metrics.RecordDispatched(e.Kind())
	b.logger.Debug("dispatch", "kind", e.Kind(), "id", e.EventID(), "from", e.Publisher())

	for _, h := range handlers {
		b.safeHandle(h, e)
	}
}

func (b *Bus) safeHandle(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.RecordHandlerPanic()
			b.logger.Error("handler panicked", "kind", e.Kind(), "id", e.EventID(), "panic", r)
		}
	}()
	if h.Supports(e) {
		h.Handle(e)
	}
}

func (b *Bus) safeObserve(o Observer, peers []types.PeerID, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.RecordHandlerPanic()
			b.logger.Error("observer panicked", "panic", r)
		}
	}()
	o.Observe(peers, now)
}
