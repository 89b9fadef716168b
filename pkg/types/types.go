// Package types defines the value types shared by every logbus component.
package types

import (
	"sort"
	"strconv"
	"time"
)

// PeerID identifies one bus instance. It is derived from the name of the
// instance's log file ("<id>.log").
type PeerID string

func (p PeerID) String() string {
	return string(p)
}

// Less orders peer ids numerically when both parse as integers and
// lexicographically otherwise.
func (p PeerID) Less(other PeerID) bool {
	a, errA := strconv.ParseInt(string(p), 10, 64)
	b, errB := strconv.ParseInt(string(other), 10, 64)
	if errA == nil && errB == nil {
		if a != b {
			return a < b
		}
	}
	return p < other
}

// SortPeers sorts ids in place using PeerID.Less.
func SortPeers(ids []PeerID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}

// BusState is the publish gate of one bus instance.
type BusState int32

const (
	StateActive    BusState = iota // publish accepted
	StateSuspended                 // GC in progress, publish refused
)

func (s BusState) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateSuspended:
		return "SUSPENDED"
	default:
		return "UNKNOWN"
	}
}

// Peer is a point-in-time view of one registry entry.
type Peer struct {
	ID        PeerID    `json:"id"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`  // last scan that found its log file
	LastEvent time.Time `json:"last_event"` // last dispatched event it published
	Alive     bool      `json:"alive"`
}
