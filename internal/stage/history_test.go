package stage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryBoundedAndTicked(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Append("A", i, StageEarly)
	}

	recs := h.Snapshot("A")
	require.Len(t, recs, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{recs[0].Tick, recs[1].Tick, recs[2].Tick})
	assert.Equal(t, 4, recs[2].Score)
}

func TestHistorySnapshotIsACopy(t *testing.T) {
	h := NewHistory(5)
	h.Append("A", 1, StageEarly)

	recs := h.Snapshot("A")
	recs[0].Score = 99

	assert.Equal(t, 1, h.Snapshot("A")[0].Score)
	assert.Empty(t, h.Snapshot("missing"))
}

func TestHistoryForget(t *testing.T) {
	h := NewHistory(0)
	h.Append("A", 1, StageEarly)
	h.Append("A", 2, StageEarly)
	assert.Len(t, h.Snapshot("A"), 1, "size is clamped to one")

	h.Append("B", 1, StageEarly)
	h.Forget("A")
	assert.Equal(t, 1, h.Len())

	rec := h.Append("A", 3, StageBuilding)
	assert.Equal(t, int64(1), rec.Tick, "ticks restart after forget")
}

func TestHistoryConcurrentAppend(t *testing.T) {
	h := NewHistory(1000)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h.Append("A", j, StageEarly)
			}
		}()
	}
	wg.Wait()

	recs := h.Snapshot("A")
	require.Len(t, recs, 500)
	for i, r := range recs {
		assert.Equal(t, int64(i+1), r.Tick)
	}
}
