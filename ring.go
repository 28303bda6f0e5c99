package tremord

import "sync"

// Sample is one fully decoded, reconciled, time-normalized observation.
type Sample struct {
	Time     float64 // seconds
	Channels []float32
}

// DefaultHistoryCap bounds the in-memory history window. At 1000
// packets/s this holds a few seconds of data.
const DefaultHistoryCap = 6000

// SampleRing is the append-only, size-capped history window between the
// ingestion loop and the batched sink. The ingestion loop is the only
// writer; the dispatcher drains it. The lock exists so that a dispatcher
// running on a timer instead of inline sees consistent state, and its
// critical sections are limited to slice swaps.
type SampleRing struct {
	mu      sync.Mutex
	samples []Sample
	cap     int
	evicted uint64
}

// NewSampleRing returns a ring holding at most max samples (DefaultHistoryCap if max <= 0).
func NewSampleRing(max int) *SampleRing {
	if max <= 0 {
		max = DefaultHistoryCap
	}
	return &SampleRing{cap: max}
}

// Append adds one sample, evicting the oldest entries on overflow.
func (sr *SampleRing) Append(s Sample) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.samples = append(sr.samples, s)
	if n := len(sr.samples) - sr.cap; n > 0 {
		sr.samples = sr.samples[n:]
		sr.evicted += uint64(n)
	}
}

// Len returns the number of pending samples.
func (sr *SampleRing) Len() int {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return len(sr.samples)
}

// Evicted returns how many samples overflowed out of the window.
func (sr *SampleRing) Evicted() uint64 {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.evicted
}

// Drain removes and returns all pending samples, oldest first.
func (sr *SampleRing) Drain() []Sample {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	out := sr.samples
	sr.samples = nil
	return out
}

// Clear discards all pending samples.
func (sr *SampleRing) Clear() {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.samples = nil
}

// LatestSlot is the last-write-wins slot feeding the latest-value sink.
// Each write bumps a generation counter so a reader can tell whether a
// newer sample arrived since its last take.
type LatestSlot struct {
	mu     sync.Mutex
	sample Sample
	gen    uint64
}

// Store overwrites the slot unconditionally.
func (ls *LatestSlot) Store(s Sample) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.sample = s
	ls.gen++
}

// TakeNewer returns the current sample if its generation is newer than
// sinceGen, along with the new generation and whether anything newer
// existed.
func (ls *LatestSlot) TakeNewer(sinceGen uint64) (Sample, uint64, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.gen == sinceGen {
		return Sample{}, sinceGen, false
	}
	return ls.sample, ls.gen, true
}
