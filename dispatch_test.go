package tremord

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// The recording sinks are written by whichever goroutine runs the
// dispatcher and read by the test, so they carry their own lock.
type recordingGraphSink struct {
	mu      sync.Mutex
	batches []*BatchDelivery
	fail    bool
}

func (s *recordingGraphSink) PublishBatch(b *BatchDelivery) error {
	if s.fail {
		return fmt.Errorf("downstream gone")
	}
	s.mu.Lock()
	s.batches = append(s.batches, b)
	s.mu.Unlock()
	return nil
}

func (s *recordingGraphSink) all() []*BatchDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*BatchDelivery(nil), s.batches...)
}

type recordingAnimSink struct {
	mu      sync.Mutex
	updates []*LatestDelivery
	panics  bool
}

func (s *recordingAnimSink) PublishLatest(u *LatestDelivery) error {
	if s.panics {
		panic("render thread wedged")
	}
	s.mu.Lock()
	s.updates = append(s.updates, u)
	s.mu.Unlock()
	return nil
}

func (s *recordingAnimSink) all() []*LatestDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*LatestDelivery(nil), s.updates...)
}

func newTestDispatcher(graphRate, animRate float64) (*Dispatcher, *SampleRing, *LatestSlot, *recordingGraphSink, *recordingAnimSink) {
	ring := NewSampleRing(DefaultHistoryCap)
	latest := new(LatestSlot)
	graph := new(recordingGraphSink)
	anim := new(recordingAnimSink)
	d := NewDispatcher(ring, latest, graph, graphRate, anim, animRate, 0)
	return d, ring, latest, graph, anim
}

func TestBatchedFlushOnThreshold(t *testing.T) {
	d, ring, _, graph, _ := newTestDispatcher(10, 0)

	now := 100.0
	for i := 0; i < initialBatchThreshold-1; i++ {
		ring.Append(Sample{Time: now, Channels: []float32{1}})
		d.Step(now)
		now += 1e-4 // far below the 0.1 s interval
	}
	assert.Empty(t, graph.batches, "no flush below threshold and interval")

	ring.Append(Sample{Time: now, Channels: []float32{1}})
	d.Step(now)
	if assert.Len(t, graph.batches, 1) {
		assert.Len(t, graph.batches[0].Timestamps, initialBatchThreshold)
		assert.Len(t, graph.batches[0].Frames, initialBatchThreshold)
	}
	assert.Equal(t, 0, ring.Len(), "flush drains the pending window")
}

func TestBatchedFlushOnInterval(t *testing.T) {
	d, ring, _, graph, _ := newTestDispatcher(10, 0)

	ring.Append(Sample{Time: 0, Channels: []float32{1, 2}})
	d.Step(0.05)
	assert.Empty(t, graph.batches, "one pending sample, interval not yet elapsed")

	d.Step(0.11)
	if assert.Len(t, graph.batches, 1) {
		assert.Equal(t, []float64{0}, graph.batches[0].Timestamps)
		assert.Equal(t, []float32{1, 2}, graph.batches[0].Frames[0])
	}
}

func TestBatchThresholdTuning(t *testing.T) {
	d, ring, _, _, _ := newTestDispatcher(10, 0)

	// Threshold-triggered flushes arriving much faster than the 0.1 s
	// interval: flushes are cheap, threshold grows. The first adjustment
	// after startup is neutral (no reference interval yet), so two tuning
	// windows yield one step.
	now := 0.0
	for flush := 0; flush < 2*batchTuneEvery; flush++ {
		for i := 0; i < maxBatchThreshold; i++ {
			ring.Append(Sample{Time: now, Channels: []float32{0}})
		}
		d.Step(now)
		now += 0.001
	}
	assert.Equal(t, initialBatchThreshold+batchTuneStep, d.BatchThreshold())

	// Ten interval-triggered flushes running slow: threshold shrinks,
	// never below the floor.
	for round := 0; round < 20; round++ {
		for flush := 0; flush < batchTuneEvery; flush++ {
			ring.Append(Sample{Time: now, Channels: []float32{0}})
			now += 1.0
			d.Step(now)
		}
	}
	assert.Equal(t, minBatchThreshold, d.BatchThreshold())

	// And grows again, capped at the ceiling.
	for round := 0; round < 30; round++ {
		for flush := 0; flush < batchTuneEvery; flush++ {
			for i := 0; i < maxBatchThreshold; i++ {
				ring.Append(Sample{Time: now, Channels: []float32{0}})
			}
			d.Step(now)
			now += 0.0001
		}
	}
	assert.Equal(t, maxBatchThreshold, d.BatchThreshold())
}

func TestLatestSinkRateCeiling(t *testing.T) {
	d, _, latest, _, anim := newTestDispatcher(0, 30)

	// 10000 samples over one second into a 30 Hz sink.
	const n = 10000
	for i := 0; i < n; i++ {
		now := float64(i) / n
		latest.Store(Sample{Time: now, Channels: []float32{float32(i)}})
		d.Step(now)
	}
	assert.LessOrEqual(t, len(anim.updates), 31, "at most rate*duration+1 deliveries")
	assert.Greater(t, len(anim.updates), 25, "the sink should run near its target rate")

	// Deliveries carry only the single most recent sample.
	last := anim.updates[len(anim.updates)-1]
	assert.Len(t, last.Nodes, 1)
	assert.Equal(t, 0, last.Nodes[0].ID)
}

func TestLatestSinkSkipsWithoutNewData(t *testing.T) {
	d, _, latest, _, anim := newTestDispatcher(0, 30)

	latest.Store(Sample{Time: 1, Channels: []float32{5}})
	d.Step(1.0)
	assert.Len(t, anim.updates, 1)

	// Ticks keep coming but no new sample arrives: nothing is redelivered.
	d.Step(2.0)
	d.Step(3.0)
	assert.Len(t, anim.updates, 1)
}

func TestSinkFailuresDoNotPropagate(t *testing.T) {
	d, ring, latest, graph, anim := newTestDispatcher(10, 30)
	graph.fail = true
	anim.panics = true

	ring.Append(Sample{Time: 0, Channels: []float32{1}})
	latest.Store(Sample{Time: 0, Channels: []float32{1}})
	assert.NotPanics(t, func() { d.Step(10.0) })
	assert.Equal(t, 2, d.SinkErrors())
	assert.Equal(t, 0, ring.Len(), "a failed flush still drains the window")
}

func TestMaxRateClampsBothSinks(t *testing.T) {
	ring := NewSampleRing(10)
	latest := new(LatestSlot)
	d := NewDispatcher(ring, latest, new(recordingGraphSink), 1000, new(recordingAnimSink), 1000, 50)
	assert.InDelta(t, 1.0/50, d.graphInterval, 1e-12)
	assert.InDelta(t, 1.0/50, d.animInterval, 1e-12)
}
