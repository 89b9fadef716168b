package election

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/logbus/internal/metrics"
	"github.com/ChuLiYu/logbus/pkg/types"
)

// ErrTimeout is returned by Await when the leader did not stabilise in time.
var ErrTimeout = errors.New("election: leader not stable before timeout")

// State represents the local view of the election.
type State int

const (
	Candidate State = iota // leader not yet stable
	Follower               // stable, another peer leads
	Leader                 // stable, this peer leads
)

func (s State) String() string {
	switch s {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// Membership is the live peer set the election is computed from.
type Membership interface {
	Members() []types.PeerID
	Version() uint64
}

// Elect returns the leader of a membership set: its smallest id under
// types.PeerID.Less. It returns "" for an empty set.
func Elect(members []types.PeerID) types.PeerID {
	var leader types.PeerID
	for i, id := range members {
		if i == 0 || id.Less(leader) {
			leader = id
		}
	}
	return leader
}

// Election recomputes the leader on every poll tick. A leader is stable
// once the membership it was computed from survived one more tick unchanged.
type Election struct {
	self       types.PeerID
	membership Membership
	logger     *slog.Logger
	metrics    *metrics.Collector

	mu          sync.Mutex
	leader      types.PeerID
	version     uint64
	stableTicks int
	observed    bool
	changed     chan struct{} // closed and replaced on every observation
}

// New creates an election for the local peer self.
func New(self types.PeerID, membership Membership, logger *slog.Logger, m *metrics.Collector) *Election {
	if logger == nil {
		logger = slog.Default()
	}
	return &Election{
		self:       self,
		membership: membership,
		logger:     logger.With("component", "election", "service", self),
		metrics:    m,
		changed:    make(chan struct{}),
	}
}

// Observe recomputes the leader. The membership must already reflect the
// same scan, so the election is registered after the registry.
func (e *Election) Observe(_ []types.PeerID, _ time.Time) {
	members := e.membership.Members()
	version := e.membership.Version()
	leader := Elect(members)

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.observed || leader != e.leader || version != e.version {
		if leader != e.leader {
			e.logger.Info("leader changed", "leader", leader, "previous", e.leader, "members", len(members))
			e.metrics.SetLeader(leader != "" && leader == e.self)
		}
		e.leader = leader
		e.version = version
		e.stableTicks = 0
		e.observed = true
	} else {
		e.stableTicks++
	}

	close(e.changed)
	e.changed = make(chan struct{})
}

func (e *Election) stableLocked() bool {
	return e.leader != "" && e.stableTicks >= 1
}

// Await blocks until the leader is stable or timeout elapses. On timeout it
// returns the last computed leader (possibly "") together with ErrTimeout.
func (e *Election) Await(timeout time.Duration) (types.PeerID, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		e.mu.Lock()
		if e.stableLocked() {
			leader := e.leader
			e.mu.Unlock()
			return leader, nil
		}
		wait := e.changed
		e.mu.Unlock()

		select {
		case <-wait:
		case <-deadline.C:
			return e.Leader(), ErrTimeout
		}
	}
}

// Leader returns the last computed leader.
func (e *Election) Leader() types.PeerID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

// LocalServiceID returns the local peer id.
func (e *Election) LocalServiceID() types.PeerID { return e.self }

// IsLeader reports whether the local peer is the stable leader.
func (e *Election) IsLeader() bool {
	return e.State() == Leader
}

// State returns the local view of the election.
func (e *Election) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case !e.stableLocked():
		return Candidate
	case e.leader == e.self:
		return Leader
	default:
		return Follower
	}
}
