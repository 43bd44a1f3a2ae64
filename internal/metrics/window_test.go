package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWindowSnapshotEmpty(t *testing.T) {
	w := NewWindow(10)
	snap := w.Snapshot()
	assert.Equal(t, 0, snap.Samples)
}

func TestWindowComputesAvg(t *testing.T) {
	w := NewWindow(10)
	for _, v := range []float64{10, 20, 30} {
		w.Record(v)
	}
	snap := w.Snapshot()
	assert.Equal(t, 3, snap.Samples)
	assert.InDelta(t, 20.0, snap.Avg, 0.001)
}

func TestWindowEvictsOldestBeyondCapacity(t *testing.T) {
	w := NewWindow(3)
	for i := 1; i <= 5; i++ {
		w.Record(float64(i))
	}
	snap := w.Snapshot()
	assert.Equal(t, 3, snap.Samples)
	// Only samples 3,4,5 should remain, averaging to 4.
	assert.InDelta(t, 4.0, snap.Avg, 0.001)
}
