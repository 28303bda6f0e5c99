package tremord

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	sysctl "github.com/lorenzosaino/go-sysctl"
	"github.com/oklog/ulid/v2"
	"gonum.org/v1/gonum/stat"

	"github.com/tremorview/tremord/internal/tremordb"
	"github.com/tremorview/tremord/wire"
)

// SourceState is used to indicate the active/inactive/transition state
// of the telemetry listener.
type SourceState int

// Names for the possible values of SourceState
const (
	Inactive SourceState = iota // Listener is not active
	Starting                    // Listener is in transition to Active state
	Active                      // Listener is actively receiving datagrams
	Stopping                    // Listener is in transition to Inactive state
)

func (s SourceState) String() string {
	switch s {
	case Inactive:
		return "Inactive"
	case Starting:
		return "Starting"
	case Active:
		return "Active"
	case Stopping:
		return "Stopping"
	}
	return fmt.Sprintf("SourceState(%d)", int(s))
}

// readDeadline bounds each blocking read so the loop can notice a stop
// request even when the wake datagram cannot reach the bound address.
const readDeadline = 500 * time.Millisecond

// stopJoinTimeout bounds how long Stop waits for the receive loop to
// drain and exit.
const stopJoinTimeout = time.Second

// minReceiveBuffer is roughly one second of full-width traffic
// (4096 channels at 60 packets/s). Below this the kernel will shed
// bursts before the loop ever sees them.
const minReceiveBuffer = 1 << 20

// ListenerConfig collects the user-settable listener parameters.
type ListenerConfig struct {
	Host             string  // bind address; "" means wildcard
	Port             int     // UDP port
	ExpectedChannels int     // 0 means accept whatever arrives
	GraphRate        float64 // batched sink target (Hz)
	AnimRate         float64 // latest-value sink target (Hz)
	MaxRate          float64 // ceiling on both sink rates; 0 = none
}

// SourceStatus is the externally visible summary of a listener, sent to
// status subscribers and returned by the RPC Status call.
type SourceStatus struct {
	Running         bool    `json:"running"`
	State           string  `json:"state"`
	SessionID       string  `json:"sessionid"`
	Host            string  `json:"host"`
	Port            int     `json:"port"`
	Nchan           int     `json:"nchan"`
	PacketsReceived uint64  `json:"packetsreceived"`
	BytesReceived   uint64  `json:"bytesreceived"`
	PacketsDropped  uint64  `json:"packetsdropped"`
	Mismatches      int     `json:"mismatches"`
	SinkErrors      int     `json:"sinkerrors"`
	SamplesEvicted  uint64  `json:"samplesevicted"`
	RateEstimate    float64 `json:"rateestimate"`
	TimestampMode   string  `json:"timestampmode"`
}

// UDPSource owns one UDP socket and everything downstream of it: the
// sample history ring, the latest-value slot, the channel reconciler,
// the timestamp normalizer, and the dispatcher. One receive goroutine
// runs per active source.
type UDPSource struct {
	name string
	cfg  ListenerConfig

	ring   *SampleRing
	latest *LatestSlot
	rec    *Reconciler
	clock  *TimeNormalizer
	disp   *Dispatcher

	dbLock sync.Mutex
	db     *tremordb.Connection

	conn      *net.UDPConn
	sessionID string
	abortSelf chan struct{} // closed by Stop to end the receive loop
	runDone   chan struct{} // closed by the receive loop on exit

	sourceState     SourceState
	sourceStateLock sync.Mutex // guards sourceState

	countsLock      sync.Mutex // guards the fields below
	packetsReceived uint64
	bytesReceived   uint64
	packetsDropped  uint64
	nchanSeen       int
	estRate         float64
	sinkErrs        int
}

// NewUDPSource builds an inactive listener. Either sink may be nil.
func NewUDPSource(name string, cfg ListenerConfig, graph GraphSink, anim AnimSink) *UDPSource {
	ring := NewSampleRing(DefaultHistoryCap)
	latest := &LatestSlot{}
	return &UDPSource{
		name:   name,
		cfg:    cfg,
		ring:   ring,
		latest: latest,
		rec:    NewReconciler(cfg.ExpectedChannels),
		clock:  NewTimeNormalizer(ModeAuto),
		disp:   NewDispatcher(ring, latest, graph, cfg.GraphRate, anim, cfg.AnimRate, cfg.MaxRate),
		db:     tremordb.DummyConnection(),
	}
}

// AttachDB routes per-second throughput diagnostics to a database
// connection. Safe to call while the listener runs.
func (us *UDPSource) AttachDB(db *tremordb.Connection) {
	us.dbLock.Lock()
	us.db = db
	us.dbLock.Unlock()
}

func (us *UDPSource) database() *tremordb.Connection {
	us.dbLock.Lock()
	defer us.dbLock.Unlock()
	return us.db
}

// GetState returns the current listener state.
func (us *UDPSource) GetState() SourceState {
	us.sourceStateLock.Lock()
	defer us.sourceStateLock.Unlock()
	return us.sourceState
}

// Running is true while the listener is starting or receiving.
func (us *UDPSource) Running() bool {
	state := us.GetState()
	return state == Starting || state == Active
}

// SessionID returns the ULID assigned to the current (or most recent)
// run, or "" before the first Start.
func (us *UDPSource) SessionID() string {
	us.sourceStateLock.Lock()
	defer us.sourceStateLock.Unlock()
	return us.sessionID
}

// LocalAddr returns the bound socket address, or nil when inactive.
// With a configured port of 0, this is the only way to learn the port
// the kernel picked.
func (us *UDPSource) LocalAddr() net.Addr {
	us.sourceStateLock.Lock()
	defer us.sourceStateLock.Unlock()
	if us.conn == nil {
		return nil
	}
	return us.conn.LocalAddr()
}

// Normalizer exposes the timestamp normalizer for mode changes.
func (us *UDPSource) Normalizer() *TimeNormalizer {
	return us.clock
}

// SetExpectedChannels changes the reconciler's expected count, which is
// safe while the listener runs.
func (us *UDPSource) SetExpectedChannels(n int) {
	us.rec.SetExpected(n)
}

// Status snapshots the listener counters.
func (us *UDPSource) Status() SourceStatus {
	us.sourceStateLock.Lock()
	state := us.sourceState
	session := us.sessionID
	us.sourceStateLock.Unlock()

	us.countsLock.Lock()
	defer us.countsLock.Unlock()
	return SourceStatus{
		Running:         state == Starting || state == Active,
		State:           state.String(),
		SessionID:       session,
		Host:            us.cfg.Host,
		Port:            us.cfg.Port,
		Nchan:           us.nchanSeen,
		PacketsReceived: us.packetsReceived,
		BytesReceived:   us.bytesReceived,
		PacketsDropped:  us.packetsDropped,
		Mismatches:      us.rec.Mismatches(),
		SinkErrors:      us.sinkErrs,
		SamplesEvicted:  us.ring.Evicted(),
		RateEstimate:    us.estRate,
		TimestampMode:   us.clock.Mode().String(),
	}
}

// Start binds the socket and launches the receive loop. Starting an
// already-running listener is a no-op.
func (us *UDPSource) Start() error {
	us.sourceStateLock.Lock()
	switch us.sourceState {
	case Starting, Active:
		us.sourceStateLock.Unlock()
		return nil
	case Stopping:
		us.sourceStateLock.Unlock()
		return fmt.Errorf("UDPSource %s is stopping, cannot start", us.name)
	}
	us.sourceState = Starting
	us.sourceStateLock.Unlock()

	conn, err := us.bindListener()
	if err != nil {
		us.sourceStateLock.Lock()
		us.sourceState = Inactive
		us.sourceStateLock.Unlock()
		return err
	}
	us.checkReceiveBuffer()

	us.sourceStateLock.Lock()
	us.conn = conn
	us.sessionID = ulid.Make().String()
	us.abortSelf = make(chan struct{})
	us.runDone = make(chan struct{})
	us.sourceState = Active
	session := us.sessionID
	us.sourceStateLock.Unlock()

	UpdateLogger.Printf("listener %s active on %v (session %s)", us.name, conn.LocalAddr(), session)
	queueClientUpdate("LISTENER", us.Status())
	go us.coreLoop()
	return nil
}

// Stop asks the receive loop to exit and waits for it, with a bounded
// join. Stopping an inactive listener is a no-op.
func (us *UDPSource) Stop() error {
	us.sourceStateLock.Lock()
	switch us.sourceState {
	case Inactive, Stopping:
		us.sourceStateLock.Unlock()
		return nil
	case Starting:
		// The run channels do not exist yet; the caller must let
		// Start finish first.
		us.sourceStateLock.Unlock()
		return fmt.Errorf("UDPSource %s is still starting, cannot stop", us.name)
	}
	us.sourceState = Stopping
	closeIfOpen(us.abortSelf)
	done := us.runDone
	conn := us.conn
	us.sourceStateLock.Unlock()

	// Nudge the blocked read so the loop notices the abort at once; if
	// the datagram cannot reach the bound address, the read deadline
	// unblocks the loop within readDeadline anyway.
	wakeListener(conn)

	select {
	case <-done:
	case <-time.After(stopJoinTimeout):
		ProblemLogger.Printf("listener %s did not stop within %v; abandoning the join", us.name, stopJoinTimeout)
	}
	return nil
}

func closeIfOpen(c chan struct{}) {
	select {
	case <-c:
	default:
		close(c)
	}
}

// wakeListener sends one self-addressed datagram to the listener's port.
func wakeListener(conn *net.UDPConn) {
	if conn == nil {
		return
	}
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return
	}
	wake, err := net.Dial("udp", net.JoinHostPort("127.0.0.1", strconv.Itoa(addr.Port)))
	if err != nil {
		return
	}
	wake.Write([]byte{0})
	wake.Close()
}

// bindListener binds the configured address, falling back once to the
// wildcard address on the same port when a specific host cannot bind.
func (us *UDPSource) bindListener() (*net.UDPConn, error) {
	hostport := net.JoinHostPort(us.cfg.Host, strconv.Itoa(us.cfg.Port))
	raddr, err := net.ResolveUDPAddr("udp", hostport)
	if err == nil {
		var conn *net.UDPConn
		if conn, err = net.ListenUDP("udp", raddr); err == nil {
			return conn, nil
		}
	}
	if us.cfg.Host == "" {
		return nil, fmt.Errorf("cannot bind %s: %w", hostport, err)
	}
	ProblemLogger.Printf("listener %s cannot bind %s (%v); falling back to wildcard", us.name, hostport, err)
	conn, werr := net.ListenUDP("udp", &net.UDPAddr{Port: us.cfg.Port})
	if werr != nil {
		return nil, fmt.Errorf("cannot bind %s (%v) nor the wildcard fallback: %w", hostport, err, werr)
	}
	return conn, nil
}

// checkReceiveBuffer warns when the kernel's receive buffer ceiling is
// too small for full-width traffic. Best effort: silently skipped where
// /proc/sys is unavailable.
func (us *UDPSource) checkReceiveBuffer() {
	v, err := sysctl.Get("net.core.rmem_max")
	if err != nil {
		return
	}
	max, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || max >= minReceiveBuffer {
		return
	}
	ProblemLogger.Printf("net.core.rmem_max is %d bytes; bursts may be shed before tremord sees them (consider sysctl -w net.core.rmem_max=%d)",
		max, minReceiveBuffer)
}

func (us *UDPSource) stopping() bool {
	select {
	case <-us.abortSelf:
		return true
	default:
		return false
	}
}

// coreLoop receives datagrams until graceful stop. This is a
// long-running goroutine, one per active listener.
func (us *UDPSource) coreLoop() {
	defer func() {
		us.conn.Close()
		us.sourceStateLock.Lock()
		us.sourceState = Inactive
		session := us.sessionID
		us.sourceStateLock.Unlock()
		close(us.runDone)
		UpdateLogger.Printf("listener %s stopped (session %s)", us.name, session)
		queueClientUpdate("LISTENER", us.Status())
	}()

	buf := make([]byte, 65536)
	window := newThroughputWindow()
	nextReport := time.Now().Add(time.Second)

	for {
		if us.stopping() {
			return
		}
		if err := us.conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			ProblemLogger.Printf("listener %s cannot set read deadline: %v", us.name, err)
			return
		}
		n, _, err := us.conn.ReadFromUDP(buf)
		switch {
		case err == nil:
			if us.stopping() {
				return
			}
			us.processDatagram(buf[:n], window)
		case isTimeout(err):
			// No packet this interval; fall through to the report check.
		case us.stopping():
			return
		default:
			ProblemLogger.Printf("listener %s read error, stopping: %v", us.name, err)
			return
		}
		if now := time.Now(); !now.Before(nextReport) {
			us.reportSecond(window, now)
			nextReport = now.Add(time.Second)
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// processDatagram runs one datagram through decode, reconcile,
// normalize, append, and dispatch. Malformed datagrams are counted and
// dropped; they never stop the loop.
func (us *UDPSource) processDatagram(datagram []byte, w *throughputWindow) {
	s, err := wire.Decode(datagram)
	if err != nil {
		us.countsLock.Lock()
		us.packetsDropped++
		us.countsLock.Unlock()
		return
	}

	values := us.rec.Reconcile(s.Channels)
	var t float64
	switch {
	case s.HasUnit:
		t = us.clock.NormalizeUnit(s.Tick, s.Unit)
	case s.HasTick:
		t = us.clock.Normalize(float64(s.Tick))
	default:
		// Raw arrays carry no timestamp; use the arrival time.
		t = float64(time.Now().UnixNano()) / 1e9
	}

	sample := Sample{Time: t, Channels: values}
	us.ring.Append(sample)
	us.latest.Store(sample)
	us.disp.Step(time.Since(TremordStartTime).Seconds())

	w.observe(len(datagram), len(values), t)
	us.countsLock.Lock()
	us.packetsReceived++
	us.bytesReceived += uint64(len(datagram))
	us.nchanSeen = len(values)
	us.countsLock.Unlock()
}

// reportSecond emits the once-per-second throughput line and forwards
// the same figures to the diagnostics database.
func (us *UDPSource) reportSecond(w *throughputWindow, now time.Time) {
	packets, bytes, nchan, rate := w.summarize()
	if packets > 0 {
		UpdateLogger.Printf("listener %s: %d packets/s, %d channels, %.0f bytes/packet, est. sample rate %.1f Hz",
			us.name, packets, nchan, float64(bytes)/float64(packets), rate)
	}

	us.countsLock.Lock()
	us.estRate = rate
	us.sinkErrs = us.disp.SinkErrors()
	dropped := us.packetsDropped
	us.countsLock.Unlock()

	if packets > 0 {
		us.database().RecordThroughput(&tremordb.ThroughputMessage{
			SessionID:    us.sessionID,
			Time:         now,
			Packets:      packets,
			Bytes:        bytes,
			Channels:     nchan,
			Drops:        dropped,
			RateEstimate: rate,
		})
	}
	w.reset()
}

// throughputWindow accumulates per-second receive statistics. The rate
// estimate is 1 over the median inter-sample interval, which tolerates
// the occasional delayed or reordered packet better than a mean would.
type throughputWindow struct {
	packets int
	bytes   uint64
	nchan   int
	times   []float64
}

func newThroughputWindow() *throughputWindow {
	return &throughputWindow{times: make([]float64, 0, 256)}
}

func (w *throughputWindow) observe(nbytes, nchan int, t float64) {
	w.packets++
	w.bytes += uint64(nbytes)
	w.nchan = nchan
	if len(w.times) < cap(w.times) {
		w.times = append(w.times, t)
	}
}

func (w *throughputWindow) summarize() (packets int, bytes uint64, nchan int, rate float64) {
	packets, bytes, nchan = w.packets, w.bytes, w.nchan
	if len(w.times) < 3 {
		return
	}
	dts := make([]float64, 0, len(w.times)-1)
	for i := 1; i < len(w.times); i++ {
		if dt := w.times[i] - w.times[i-1]; dt > 0 {
			dts = append(dts, dt)
		}
	}
	if len(dts) == 0 {
		return
	}
	sort.Float64s(dts)
	if med := stat.Quantile(0.5, stat.Empirical, dts, nil); med > 0 {
		rate = 1.0 / med
	}
	return
}

func (w *throughputWindow) reset() {
	w.packets = 0
	w.bytes = 0
	w.times = w.times[:0]
}
