package tremord

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSampleRingEviction(t *testing.T) {
	sr := NewSampleRing(3)
	for i := 0; i < 5; i++ {
		sr.Append(Sample{Time: float64(i), Channels: []float32{float32(i)}})
	}
	assert.Equal(t, 3, sr.Len())
	assert.Equal(t, uint64(2), sr.Evicted())

	drained := sr.Drain()
	assert.Equal(t, 0, sr.Len())
	if assert.Len(t, drained, 3) {
		assert.Equal(t, 2.0, drained[0].Time, "oldest surviving sample")
		assert.Equal(t, 4.0, drained[2].Time, "newest sample")
	}
}

func TestSampleRingDefaultCap(t *testing.T) {
	sr := NewSampleRing(0)
	assert.Equal(t, DefaultHistoryCap, sr.cap)
	sr.Append(Sample{Time: 1})
	sr.Clear()
	assert.Equal(t, 0, sr.Len())
}

func TestLatestSlotGenerations(t *testing.T) {
	var ls LatestSlot
	_, gen, ok := ls.TakeNewer(0)
	assert.False(t, ok, "empty slot has nothing newer")

	ls.Store(Sample{Time: 1})
	ls.Store(Sample{Time: 2})
	s, gen, ok := ls.TakeNewer(gen)
	assert.True(t, ok)
	assert.Equal(t, 2.0, s.Time, "intermediate samples are overwritten")

	_, _, ok = ls.TakeNewer(gen)
	assert.False(t, ok, "no redelivery without a new store")
}
