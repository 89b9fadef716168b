// Package mirror republishes dispatched bus events to NATS so processes that
// do not share the log directory can follow the bus.
package mirror

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ChuLiYu/logbus/internal/bus"
	"github.com/ChuLiYu/logbus/pkg/types"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "logbus"

var ErrNoURL = errors.New("mirror: nats url is empty")

// Message is the JSON payload published for every event.
type Message struct {
	Kind      string       `json:"kind"`
	ID        string       `json:"id"`
	Publisher types.PeerID `json:"publisher"`
	Event     bus.Event    `json:"event"`
}

// Config configures a Mirror.
type Config struct {
	URL    string
	Prefix string
	Logger *slog.Logger
}

// Mirror is a bus handler that supports every event.
type Mirror struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// New connects to NATS. The connection reconnects indefinitely.
func New(cfg Config, opts ...nats.Option) (*Mirror, error) {
	if cfg.URL == "" {
		return nil, ErrNoURL
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "mirror")

	defaults := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
	}
	nc, err := nats.Connect(cfg.URL, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}
	return &Mirror{conn: nc, prefix: cfg.Prefix, logger: logger}, nil
}

// Subject returns the subject an event of kind is published on.
func (m *Mirror) Subject(kind string) string {
	return m.prefix + "." + strings.ToLower(kind)
}

func (m *Mirror) Supports(bus.Event) bool { return true }

// Handle publishes e. Failures are logged; the bus is never blocked on NATS.
func (m *Mirror) Handle(e bus.Event) {
	data, err := json.Marshal(Message{
		Kind:      e.Kind(),
		ID:        e.EventID(),
		Publisher: e.Publisher(),
		Event:     e,
	})
	if err != nil {
		m.logger.Error("marshal event", "kind", e.Kind(), "error", err)
		return
	}
	if err := m.conn.Publish(m.Subject(e.Kind()), data); err != nil {
		m.logger.Warn("publish to nats", "kind", e.Kind(), "error", err)
	}
}

// Flush waits until the server has processed every published message.
func (m *Mirror) Flush() error {
	return m.conn.Flush()
}

// Close drains pending messages and closes the connection.
func (m *Mirror) Close() error {
	if err := m.conn.Drain(); err != nil {
		m.conn.Close()
		return err
	}
	return nil
}
