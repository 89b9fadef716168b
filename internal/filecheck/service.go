// Package filecheck verifies that a file is readable on a set of hosts. The
// caller publishes a FILE_CHECK request and waits until every requested host
// has published a FILE_CHECK_ACK. A host that cannot read the file yet
// retries on a fixed interval for a bounded number of attempts.
package filecheck

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ChuLiYu/logbus/internal/ackcall"
	"github.com/ChuLiYu/logbus/internal/bus"
	"github.com/ChuLiYu/logbus/internal/metrics"
	"github.com/ChuLiYu/logbus/internal/worker"
	"github.com/ChuLiYu/logbus/pkg/types"
)

const (
	DefaultMaxCheckTimes = 5
	DefaultCheckInterval = time.Second
)

// Config configures the service.
type Config struct {
	MaxCheckTimes int           // local attempts per request
	CheckInterval time.Duration // delay between local attempts
	CheckSelf     bool          // whether the requesting host checks itself
	Timeout       time.Duration // how long Check waits for acks
	Retry         time.Duration // request publish retry while suspended
	Logger        *slog.Logger
	Metrics       *metrics.Collector
}

func (c Config) withDefaults() Config {
	if c.MaxCheckTimes <= 0 {
		c.MaxCheckTimes = DefaultMaxCheckTimes
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = ackcall.DefaultTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Service is both the requesting side (Check) and the answering side
// (a bus.Handler) of the file-check protocol.
type Service struct {
	self   types.PeerID
	pub    ackcall.Publisher
	stater Stater
	cfg    Config
	logger *slog.Logger

	pool  *worker.Pool
	calls *ackcall.AckCall[*CheckEvent, *CheckAckEvent]
}

// New creates the service for the local host self.
func New(self types.PeerID, pub ackcall.Publisher, stater Stater, cfg Config) *Service {
	cfg = cfg.withDefaults()
	if stater == nil {
		stater = LocalDisk{}
	}
	return &Service{
		self:   self,
		pub:    pub,
		stater: stater,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "filecheck", "service", self),
		pool:   worker.NewPool(64),
		calls: ackcall.New[*CheckEvent, *CheckAckEvent](pub, ackcall.Config{
			Name:     "filecheck",
			Timeout:  cfg.Timeout,
			Retry:    cfg.Retry,
			Complete: ackcall.All,
			Logger:   cfg.Logger,
			Metrics:  cfg.Metrics,
		}),
	}
}

// Start starts the single retry worker.
func (s *Service) Start() error {
	return s.pool.Start(1)
}

// Stop drops scheduled retries and stops the worker.
func (s *Service) Stop() {
	s.pool.Stop()
}

// Check blocks until every host in hosts confirmed that path is readable.
// Unless CheckSelf is set the local host is left out of the expected set.
// On timeout the error is an *ackcall.TimeoutError naming the silent hosts.
func (s *Service) Check(ctx context.Context, hosts []types.PeerID, path string) error {
	if path == "" {
		return fmt.Errorf("filecheck: empty path")
	}

	seen := make(map[types.PeerID]struct{}, len(hosts))
	expected := make([]types.PeerID, 0, len(hosts))
	for _, h := range hosts {
		if h == "" {
			continue
		}
		if h == s.self && !s.cfg.CheckSelf {
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		expected = append(expected, h)
	}
	types.SortPeers(expected)

	req := &CheckEvent{Path: path, Hosts: expected}
	err := s.calls.Call(ctx, req, expected)
	if err != nil {
		s.logger.Warn("file check failed", "id", req.EventID(), "path", path, "error", err)
		return err
	}
	s.logger.Debug("file check passed", "id", req.EventID(), "path", path, "hosts", expected)
	return nil
}

// Supports accepts both file-check kinds.
func (s *Service) Supports(e bus.Event) bool {
	switch e.(type) {
	case *CheckEvent, *CheckAckEvent:
		return true
	}
	return false
}

// Handle answers requests addressed to this host and forwards acks to the
// pending calls.
func (s *Service) Handle(e bus.Event) {
	switch ev := e.(type) {
	case *CheckAckEvent:
		s.calls.Handle(ev)
	case *CheckEvent:
		if ev.Publisher() == s.self && !s.cfg.CheckSelf {
			return
		}
		if !slices.Contains(ev.Hosts, s.self) {
			return
		}
		s.submit(ev, 1, 0)
	}
}

// submit always goes through Schedule: Handle runs on the bus dispatch loop,
// and a full task queue must stall a timer goroutine, not dispatch.
func (s *Service) submit(req *CheckEvent, attempt int, delay time.Duration) {
	task := worker.Task{
		ID:  fmt.Sprintf("%s#%d", req.EventID(), attempt),
		Run: func(context.Context) error { s.attempt(req, attempt); return nil },
	}

	if err := s.pool.Schedule(delay, task); err != nil {
		s.logger.Warn("file check dropped", "id", req.EventID(), "attempt", attempt, "error", err)
	}
}

func (s *Service) attempt(req *CheckEvent, attempt int) {
	ok, err := s.stater.Readable(req.Path)
	if err != nil {
		s.logger.Warn("file check stat failed", "id", req.EventID(), "path", req.Path, "error", err)
	}

	if ok {
		s.cfg.Metrics.RecordFileCheck("found")
		ack := &CheckAckEvent{Header: bus.Header{ID: req.EventID()}, Path: req.Path}
		if !s.pub.Publish(ack) {
			// Suspended: retry the ack without spending an attempt.
			s.submit(req, attempt, s.cfg.CheckInterval)
		}
		return
	}

	if attempt >= s.cfg.MaxCheckTimes {
		s.cfg.Metrics.RecordFileCheck("gave_up")
		s.logger.Warn("file not readable, giving up",
			"id", req.EventID(), "path", req.Path, "attempts", attempt)
		return
	}
	s.cfg.Metrics.RecordFileCheck("missing")
	s.submit(req, attempt+1, s.cfg.CheckInterval)
}

// Retains reports whether id belongs to an outstanding check.
func (s *Service) Retains(id string) bool {
	return s.calls.Retains(id)
}

// Pending returns the number of outstanding checks started on this host.
func (s *Service) Pending() int {
	return s.calls.Pending()
}
