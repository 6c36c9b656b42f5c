package audit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndSnapshot(t *testing.T) {
	trail := NewTrail(5)
	assert.Equal(t, 0, trail.Len())
	assert.Equal(t, 5, trail.Capacity())

	trail.Append(Entry{Kind: KindRequest, ScenarioIdx: 0, URL: "http://a/prepare"})
	trail.Append(Entry{Kind: KindResponse, ScenarioIdx: 0, Status: 200})
	trail.Append(Entry{Kind: KindError, ScenarioIdx: 1, Detail: "connection refused"})

	entries := trail.Snapshot()
	require.Len(t, entries, 3)
	assert.Equal(t, KindRequest, entries[0].Kind)
	assert.Equal(t, KindResponse, entries[1].Kind)
	assert.Equal(t, KindError, entries[2].Kind)
}

func TestAppendFillsIDAndTime(t *testing.T) {
	trail := NewTrail(2)
	trail.Append(Entry{Kind: KindRequest})

	e := trail.Snapshot()[0]
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Time.IsZero())

	fixed := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	trail.Append(Entry{ID: "given", Time: fixed, Kind: KindResponse})
	e = trail.Snapshot()[1]
	assert.Equal(t, "given", e.ID)
	assert.Equal(t, fixed, e.Time)
}

func TestEvictsOldestWhenFull(t *testing.T) {
	trail := NewTrail(3)
	for i := 0; i < 5; i++ {
		trail.Append(Entry{Kind: KindRequest, Detail: fmt.Sprintf("entry-%d", i)})
	}

	assert.Equal(t, 3, trail.Len())
	assert.EqualValues(t, 2, trail.Evicted())

	entries := trail.Snapshot()
	require.Len(t, entries, 3)
	assert.Equal(t, "entry-2", entries[0].Detail)
	assert.Equal(t, "entry-3", entries[1].Detail)
	assert.Equal(t, "entry-4", entries[2].Detail)
}

func TestClear(t *testing.T) {
	trail := NewTrail(3)
	for i := 0; i < 4; i++ {
		trail.Append(Entry{Kind: KindRequest})
	}

	trail.Clear()
	assert.Equal(t, 0, trail.Len())
	assert.Empty(t, trail.Snapshot())
	assert.EqualValues(t, 1, trail.Evicted(), "eviction counter survives a clear")

	trail.Append(Entry{Kind: KindResponse, Detail: "after clear"})
	entries := trail.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "after clear", entries[0].Detail)
}

func TestDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, NewTrail(0).Capacity())
	assert.Equal(t, DefaultCapacity, NewTrail(-1).Capacity())
}

func TestConcurrentAppends(t *testing.T) {
	trail := NewTrail(16)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				trail.Append(Entry{Kind: KindRequest})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 16, trail.Len())
	assert.EqualValues(t, 8*50-16, trail.Evicted())
	assert.Len(t, trail.Snapshot(), 16)
}
