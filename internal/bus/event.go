package bus

import (
	"time"

	"github.com/ChuLiYu/logbus/internal/idgen"
	"github.com/ChuLiYu/logbus/pkg/types"
)

// Event is one unit published on the bus. Concrete events embed Header and
// implement Kind.
type Event interface {
	Kind() string
	EventID() string
	Publisher() types.PeerID
	header() *Header
}

// Header carries the attributes shared by every event.
type Header struct {
	ID     string       `json:"id"`
	From   types.PeerID `json:"publisher"`
	SentAt time.Time    `json:"sent_at"`
}

func (h *Header) EventID() string { return h.ID }

func (h *Header) Publisher() types.PeerID { return h.From }

func (h *Header) header() *Header { return h }

// EnsureID assigns a fresh id to e unless it already has one, and returns it.
// Callers that must know the id before publishing (request/ack protocols)
// call it first.
func EnsureID(e Event) string {
	h := e.header()
	if h.ID == "" {
		h.ID = idgen.MustEventID()
	}
	return h.ID
}
