package bus

// ============================================================================
// Converter
// Responsibility: map an event kind to the decoder of its concrete type.
// Modules register their own kinds at startup; the bus never changes.
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownKind is returned when no decoder is registered for a kind.
var ErrUnknownKind = errors.New("bus: unknown event kind")

// DecodeFunc decodes the body of a record into an event.
type DecodeFunc func(body []byte) (Event, error)

// Converter is the kind → decoder table shared by the publisher and the
// dispatch loop.
type Converter struct {
	mu       sync.RWMutex
	decoders map[string]DecodeFunc
}

// NewConverter returns an empty converter.
func NewConverter() *Converter {
	return &Converter{decoders: make(map[string]DecodeFunc)}
}

// Register adds or replaces the decoder for kind.
func (c *Converter) Register(kind string, fn DecodeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decoders[kind] = fn
}

// Decode turns a record body back into an event.
func (c *Converter) Decode(kind string, body []byte) (Event, error) {
	c.mu.RLock()
	fn, ok := c.decoders[kind]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	ev, err := fn(body)
	if err != nil {
		return nil, fmt.Errorf("bus: decode %s: %w", kind, err)
	}
	if ev.Kind() != kind {
		return nil, fmt.Errorf("bus: decoder for %s produced %s", kind, ev.Kind())
	}
	return ev, nil
}

// Encode serialises an event body.
func (c *Converter) Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Kinds lists the registered kinds in sorted order.
func (c *Converter) Kinds() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	kinds := make([]string, 0, len(c.decoders))
	for k := range c.decoders {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// JSONDecoder returns a decoder that unmarshals the body into a new T.
func JSONDecoder[T any, PT interface {
	*T
	Event
}]() DecodeFunc {
	return func(body []byte) (Event, error) {
		var v T
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, err
		}
		return PT(&v), nil
	}
}

// RegisterJSON registers a JSON decoder for the event type T under kind.
//
//	bus.RegisterJSON[gc.PrepareEvent](conv, gc.KindPrepare)
func RegisterJSON[T any, PT interface {
	*T
	Event
}](c *Converter, kind string) {
	c.Register(kind, JSONDecoder[T, PT]())
}
