package crdt

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLamportClock(t *testing.T) {
	clock := NewLamportClock()

	require.NotNil(t, clock)
	assert.Equal(t, int64(0), clock.Timestamp())
	assert.NotEmpty(t, clock.NodeID())

	other := NewLamportClock()
	assert.NotEqual(t, clock.NodeID(), other.NodeID(), "node ids must be unique")
}

func TestLamportClock_Tick(t *testing.T) {
	clock := NewLamportClockWithNodeID("node-a")

	var previous int64
	for i := 0; i < 100; i++ {
		current := clock.Tick()
		assert.Greater(t, current, previous)
		previous = current
	}
	assert.Equal(t, int64(100), clock.Timestamp())
	assert.Equal(t, "node-a", clock.NodeID())
}

func TestLamportClock_Update(t *testing.T) {
	tests := []struct {
		name     string
		local    int64
		remote   int64
		expected int64
	}{
		{name: "remote ahead", local: 5, remote: 10, expected: 11},
		{name: "remote behind", local: 15, remote: 10, expected: 16},
		{name: "equal", local: 7, remote: 7, expected: 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := NewLamportClockWithNodeID("n")
			clock.Witness(tt.local)
			assert.Equal(t, tt.expected, clock.Update(tt.remote))
		})
	}
}

func TestLamportClock_Witness(t *testing.T) {
	clock := NewLamportClockWithNodeID("n")
	clock.Witness(10)
	assert.Equal(t, int64(10), clock.Timestamp())

	// меньшая метка не откатывает часы
	clock.Witness(3)
	assert.Equal(t, int64(10), clock.Timestamp())
}

func TestLamportClock_Concurrent(t *testing.T) {
	clock := NewLamportClockWithNodeID("n")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				clock.Tick()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1000), clock.Timestamp())
}
