package tremord

// The dispatcher drains the shared sample state into downstream sinks,
// each with its own target rate. It runs inline in the ingestion loop's
// per-datagram step: there is one writer and one same-thread reader, and
// a slow sink can never stall packet reception because deliveries are
// bounded and sink failures are swallowed.

// NodeAmplitude is one channel's latest value, keyed for the 3-D view.
type NodeAmplitude struct {
	ID        int     `json:"id"`
	Amplitude float32 `json:"amplitude"`
}

// BatchDelivery is the payload handed to a batched (history/graph) sink.
type BatchDelivery struct {
	Timestamps []float64   `json:"ts"`
	Frames     [][]float32 `json:"frames"`
}

// LatestDelivery is the payload handed to a latest-value (3-D) sink.
type LatestDelivery struct {
	Timestamp float64         `json:"timestamp"`
	Nodes     []NodeAmplitude `json:"nodes"`
}

// GraphSink consumes batched history frames.
type GraphSink interface {
	PublishBatch(*BatchDelivery) error
}

// AnimSink consumes single latest-value updates.
type AnimSink interface {
	PublishLatest(*LatestDelivery) error
}

// Bounds and step of the self-tuning batch threshold.
const (
	minBatchThreshold     = 5
	maxBatchThreshold     = 50
	initialBatchThreshold = 20
	batchTuneEvery        = 10 // flushes between adjustments
	batchTuneStep         = 5
)

// Dispatcher pushes shared sample state to one batched and one
// latest-value sink, self-tuning the batch size threshold so that flush
// latency and per-flush overhead stay bounded without manual tuning.
type Dispatcher struct {
	ring   *SampleRing
	latest *LatestSlot

	graph          GraphSink
	graphInterval  float64 // seconds between forced flushes
	lastGraphSend  float64
	batchThreshold int
	flushCount     int
	lastTuneTime   float64

	anim          AnimSink
	animInterval  float64
	lastAnimSend  float64
	animGen       uint64

	sinkErrors int
}

// NewDispatcher wires a dispatcher to the shared state and sinks. Sink
// rates are clamped to maxRate when maxRate is positive; a nil sink or
// non-positive rate disables that sink class.
func NewDispatcher(ring *SampleRing, latest *LatestSlot,
	graph GraphSink, graphRate float64, anim AnimSink, animRate float64, maxRate float64) *Dispatcher {
	if maxRate > 0 {
		if graphRate > maxRate {
			graphRate = maxRate
		}
		if animRate > maxRate {
			animRate = maxRate
		}
	}
	d := &Dispatcher{
		ring:           ring,
		latest:         latest,
		graph:          graph,
		anim:           anim,
		batchThreshold: initialBatchThreshold,
	}
	if graphRate > 0 {
		d.graphInterval = 1.0 / graphRate
	}
	if animRate > 0 {
		d.animInterval = 1.0 / animRate
	}
	return d
}

// BatchThreshold returns the current self-tuned flush threshold.
func (d *Dispatcher) BatchThreshold() int { return d.batchThreshold }

// SinkErrors returns how many deliveries failed.
func (d *Dispatcher) SinkErrors() int { return d.sinkErrors }

// Step performs one cooperative dispatch pass at the given time
// (seconds on a monotonic scale). Called once per received datagram, or
// on a timer when the caller decouples dispatch from packet arrival.
func (d *Dispatcher) Step(now float64) {
	d.stepGraph(now)
	d.stepAnim(now)
}

func (d *Dispatcher) stepGraph(now float64) {
	if d.graph == nil || d.graphInterval <= 0 {
		return
	}
	n := d.ring.Len()
	if n == 0 {
		return
	}
	if n < d.batchThreshold && now-d.lastGraphSend < d.graphInterval {
		return
	}
	samples := d.ring.Drain()
	batch := &BatchDelivery{
		Timestamps: make([]float64, len(samples)),
		Frames:     make([][]float32, len(samples)),
	}
	for i, s := range samples {
		batch.Timestamps[i] = s.Time
		batch.Frames[i] = s.Channels
	}
	d.deliver("graph", func() error { return d.graph.PublishBatch(batch) })
	d.lastGraphSend = now
	d.flushCount++
	if d.flushCount%batchTuneEvery == 0 {
		d.tuneThreshold(now)
	}
}

// tuneThreshold adjusts the flush threshold every batchTuneEvery
// flushes. Flush intervals running well under the target mean flushes
// are cheap and can carry more samples each; intervals running over are
// a back-pressure signal, so flush smaller batches sooner.
func (d *Dispatcher) tuneThreshold(now float64) {
	interval := d.graphInterval
	if d.lastTuneTime > 0 {
		interval = (now - d.lastTuneTime) / batchTuneEvery
	}
	switch {
	case interval < 0.5*d.graphInterval:
		d.batchThreshold += batchTuneStep
		if d.batchThreshold > maxBatchThreshold {
			d.batchThreshold = maxBatchThreshold
		}
	case interval > 1.5*d.graphInterval:
		d.batchThreshold -= batchTuneStep
		if d.batchThreshold < minBatchThreshold {
			d.batchThreshold = minBatchThreshold
		}
	}
	d.lastTuneTime = now
}

func (d *Dispatcher) stepAnim(now float64) {
	if d.anim == nil || d.animInterval <= 0 {
		return
	}
	if now-d.lastAnimSend < d.animInterval {
		return
	}
	s, gen, ok := d.latest.TakeNewer(d.animGen)
	if !ok {
		return
	}
	d.animGen = gen
	update := &LatestDelivery{
		Timestamp: s.Time,
		Nodes:     make([]NodeAmplitude, len(s.Channels)),
	}
	for i, v := range s.Channels {
		update.Nodes[i] = NodeAmplitude{ID: i, Amplitude: v}
	}
	d.deliver("anim", func() error { return d.anim.PublishLatest(update) })
	d.lastAnimSend = now
}

// deliver hands data to a sink. Sink failures, including panics from a
// misbehaving consumer, are logged and must never reach the ingestion loop.
func (d *Dispatcher) deliver(name string, push func() error) {
	defer func() {
		if r := recover(); r != nil {
			d.sinkErrors++
			ProblemLogger.Printf("%s sink panic: %v", name, r)
		}
	}()
	if err := push(); err != nil {
		d.sinkErrors++
		ProblemLogger.Printf("%s sink error: %v", name, err)
	}
}
