// ============================================================================
// logbus Performance Test Suite
// ============================================================================
//
// Package: test/integration
// File: performance_test.go
// Functionality: Multi-node delivery throughput and GC cost
//
// TestBusThroughput:
//   - 3 nodes, each publishes 300 events
//   - every node must dispatch all 900 events, in per-publisher order
//   - reports events/s
//
// TestGCPerformance:
//   - fills one log with 2000 events
//   - measures prepare-to-recover time of one GC cycle
//   - verifies the log shrinks and every node accepts publishes afterwards
//
// Notes:
//   - test results affected by system load
//   - CI environment may be slower than local
//
// ============================================================================

package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/logbus/internal/bus"
	"github.com/ChuLiYu/logbus/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const kindLoad = "LOAD"

type loadEvent struct {
	bus.Header
	N int `json:"n"`
}

func (*loadEvent) Kind() string { return kindLoad }

// loadCounter records, per publisher, the order in which load events arrive.
type loadCounter struct {
	mu   sync.Mutex
	seen map[types.PeerID][]int
}

func newLoadCounter() *loadCounter {
	return &loadCounter{seen: make(map[types.PeerID][]int)}
}

func (c *loadCounter) handle(e bus.Event) {
	ev := e.(*loadEvent)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[ev.Publisher()] = append(c.seen[ev.Publisher()], ev.N)
}

func (c *loadCounter) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.seen {
		n += len(s)
	}
	return n
}

func (c *loadCounter) ordered(from types.PeerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, n := range c.seen[from] {
		if n != i {
			return false
		}
	}
	return true
}

func TestBusThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping throughput test in short mode")
	}

	env := newTestEnv(t)
	ids := []types.PeerID{"1", "2", "3"}
	counters := make(map[types.PeerID]*loadCounter)
	var nodes []*bus.Bus

	for _, id := range ids {
		n := env.newNode(t, id)
		b := n.Bus()
		bus.RegisterJSON[loadEvent](b.Converter(), kindLoad)
		counters[id] = newLoadCounter()
		b.Register(bus.KindHandler(counters[id].handle, kindLoad))
		require.NoError(t, n.Start())
		nodes = append(nodes, b)
	}

	const perNode = 300
	total := perNode * len(ids)

	startTime := time.Now()
	var wg sync.WaitGroup
	for _, b := range nodes {
		wg.Add(1)
		go func(b *bus.Bus) {
			defer wg.Done()
			for i := 0; i < perNode; i++ {
				assert.True(t, b.Publish(&loadEvent{N: i}))
			}
		}(b)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		for _, c := range counters {
			if c.total() != total {
				return false
			}
		}
		return true
	}, 20*time.Second, 20*time.Millisecond)
	elapsed := time.Since(startTime)

	for id, c := range counters {
		for _, from := range ids {
			assert.True(t, c.ordered(from), "node %s saw events from %s out of order", id, from)
		}
	}

	t.Logf("Delivered %d events to %d nodes in %v (%.0f events/s)",
		total, len(ids), elapsed, float64(total)/elapsed.Seconds())
}

func TestGCPerformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping GC performance test in short mode")
	}

	env := newTestEnv(t)
	n1 := env.newNode(t, "1")
	bus.RegisterJSON[loadEvent](n1.Bus().Converter(), kindLoad)
	for i := 0; i < 2000; i++ {
		require.True(t, n1.Bus().Publish(&loadEvent{N: i}))
	}
	require.NoError(t, n1.Start())
	n2 := env.startNode(t, "2")
	awaitMembers(t, 2, n1, n2)

	before := n1.Bus().LogSize()
	res, err := n1.TriggerGC(context.Background())
	require.NoError(t, err)

	t.Logf("GC: %d -> %d bytes, dropped %d events in %v", res.Before, res.After, res.Dropped, res.Duration)
	assert.Less(t, res.After, before)
	assert.GreaterOrEqual(t, res.Dropped, 2000)
	assert.Less(t, res.Duration, 5*time.Second, "GC cycle should complete well within the suspend timeout")

	require.Eventually(t, func() bool {
		return n1.Bus().State() == types.StateActive && n2.Bus().State() == types.StateActive
	}, 3*time.Second, 10*time.Millisecond)
	assert.True(t, n2.Bus().Publish(&loadEvent{N: 0}))
}
