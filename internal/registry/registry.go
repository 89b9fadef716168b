// Package registry tracks the live peer set from the state of the shared log
// directory. A peer joins when its log file is first seen and leaves once the
// file has been missing for a full poll cycle.
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/logbus/internal/bus"
	"github.com/ChuLiYu/logbus/internal/metrics"
	"github.com/ChuLiYu/logbus/pkg/types"
)

// missesBeforeRemoval is the number of consecutive scans a file must be
// missing before its peer is removed.
const missesBeforeRemoval = 2

type entry struct {
	peer   types.Peer
	misses int
}

// Registry is the live peer set. It is a bus.Observer (membership) and a
// bus.Handler (last event time per peer).
type Registry struct {
	self    types.PeerID
	logger  *slog.Logger
	metrics *metrics.Collector

	mu      sync.RWMutex
	peers   map[types.PeerID]*entry
	version uint64
}

// New creates an empty registry for the local peer self.
func New(self types.PeerID, logger *slog.Logger, m *metrics.Collector) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		self:    self,
		logger:  logger.With("component", "registry", "service", self),
		metrics: m,
		peers:   make(map[types.PeerID]*entry),
	}
}

// Observe applies one directory scan.
func (r *Registry) Observe(present []types.PeerID, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[types.PeerID]struct{}, len(present))
	changed := false

	for _, id := range present {
		seen[id] = struct{}{}
		e, ok := r.peers[id]
		if !ok {
			r.peers[id] = &entry{peer: types.Peer{ID: id, FirstSeen: now, LastSeen: now, Alive: true}}
			r.logger.Info("peer joined", "peer", id)
			changed = true
			continue
		}
		e.misses = 0
		e.peer.LastSeen = now
		e.peer.Alive = true
	}

	for id, e := range r.peers {
		if _, ok := seen[id]; ok {
			continue
		}
		e.misses++
		e.peer.Alive = false
		if e.misses >= missesBeforeRemoval {
			delete(r.peers, id)
			r.logger.Info("peer left", "peer", id, "last_seen", e.peer.LastSeen)
			changed = true
		}
	}

	if changed {
		r.version++
		r.metrics.SetMembers(len(r.peers))
	}
}

// Supports accepts every event.
func (r *Registry) Supports(bus.Event) bool { return true }

// Handle records the time of the latest event from its publisher.
func (r *Registry) Handle(e bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[e.Publisher()]; ok {
		p.peer.LastEvent = time.Now()
	}
}

// Members returns the ids of the current members, sorted.
func (r *Registry) Members() []types.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]types.PeerID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	types.SortPeers(ids)
	return ids
}

// Peers returns a snapshot of every member, sorted by id.
func (r *Registry) Peers() []types.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Peer, 0, len(r.peers))
	for _, e := range r.peers {
		out = append(out, e.peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// Count returns the number of members.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Contains reports whether id is a member.
func (r *Registry) Contains(id types.PeerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[id]
	return ok
}

// Version increases on every membership change.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Self returns the local peer id.
func (r *Registry) Self() types.PeerID { return r.self }
