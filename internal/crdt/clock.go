package crdt

import (
	"sync"

	"github.com/google/uuid"
)

// LamportClock логические часы Лампорта. Каждая операция документа получает
// метку больше всех меток, которые реплика видела до этого.
type LamportClock struct {
	nodeID  string
	counter int64
	mu      sync.Mutex
}

// NewLamportClock creates a clock with a random node id.
func NewLamportClock() *LamportClock {
	return NewLamportClockWithNodeID(uuid.NewString())
}

// NewLamportClockWithNodeID creates a clock for a known replica id.
func NewLamportClockWithNodeID(nodeID string) *LamportClock {
	return &LamportClock{nodeID: nodeID}
}

// Tick advances the clock for a local event and returns the new timestamp.
func (lc *LamportClock) Tick() int64 {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	lc.counter++
	return lc.counter
}

// Witness records a timestamp observed from another replica without producing a
// new event: counter = max(counter, remote).
func (lc *LamportClock) Witness(remote int64) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if remote > lc.counter {
		lc.counter = remote
	}
}

// Update records a received timestamp and ticks: counter = max(counter, remote) + 1.
func (lc *LamportClock) Update(remote int64) int64 {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if remote > lc.counter {
		lc.counter = remote
	}
	lc.counter++
	return lc.counter
}

// Timestamp returns the current counter.
func (lc *LamportClock) Timestamp() int64 {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	return lc.counter
}

// NodeID returns the replica id.
func (lc *LamportClock) NodeID() string {
	return lc.nodeID
}
