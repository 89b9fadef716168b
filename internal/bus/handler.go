package bus

import (
	"time"

	"github.com/ChuLiYu/logbus/pkg/types"
)

// Handler reacts to dispatched events. Handle is only called when Supports
// returns true. Both run on the dispatch loop and must not block for long.
type Handler interface {
	Supports(e Event) bool
	Handle(e Event)
}

// Observer is called once per poll tick, before that tick's events are
// dispatched, with the peers whose log file is currently present.
type Observer interface {
	Observe(peers []types.PeerID, now time.Time)
}

type kindHandler struct {
	kinds map[string]struct{}
	fn    func(Event)
}

// KindHandler returns a handler that calls fn for events of the given kinds.
func KindHandler(fn func(Event), kinds ...string) Handler {
	h := &kindHandler{kinds: make(map[string]struct{}, len(kinds)), fn: fn}
	for _, k := range kinds {
		h.kinds[k] = struct{}{}
	}
	return h
}

func (h *kindHandler) Supports(e Event) bool {
	_, ok := h.kinds[e.Kind()]
	return ok
}

func (h *kindHandler) Handle(e Event) {
	h.fn(e)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(peers []types.PeerID, now time.Time)

func (f ObserverFunc) Observe(peers []types.PeerID, now time.Time) {
	f(peers, now)
}
