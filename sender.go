package tremord

// WaveSender generates the synthetic multi-channel sine telemetry used
// for soak tests and receiver bring-up: every channel carries the same
// phase with a per-channel amplitude, so a subscriber can verify channel
// identity and ordering at a glance.

import (
	"fmt"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/tremorview/tremord/wire"
)

// SenderConfig collects the user-settable waveform parameters.
type SenderConfig struct {
	Host     string        `json:"host"`
	Port     int           `json:"port"`
	Channels int           `json:"channels"`
	Freq     float64       `json:"freq"` // waveform frequency (Hz)
	Rate     float64       `json:"rate"` // packet rate (packets/s)
	Unit     wire.TimeUnit `json:"unit"`
}

// SenderStatus is the externally visible summary of the sender.
type SenderStatus struct {
	Running     bool    `json:"running"`
	Host        string  `json:"host"`
	Port        int     `json:"port"`
	Channels    int     `json:"channels"`
	Freq        float64 `json:"freq"`
	Rate        float64 `json:"rate"`
	Unit        string  `json:"unit"`
	PacketsSent uint64  `json:"packetssent"`
}

// WaveSender produces v2 datagrams at a fixed packet rate from one
// producer goroutine.
type WaveSender struct {
	mu          sync.Mutex
	cfg         SenderConfig
	running     bool
	reanchor    bool
	packetsSent uint64
	abort       chan struct{}
	done        chan struct{}
}

// NewWaveSender builds an idle sender with the given parameters.
func NewWaveSender(cfg SenderConfig) (*WaveSender, error) {
	if err := validateSenderConfig(cfg); err != nil {
		return nil, err
	}
	return &WaveSender{cfg: cfg}, nil
}

func validateSenderConfig(cfg SenderConfig) error {
	if cfg.Channels < 1 || cfg.Channels > wire.MaxChannels {
		return fmt.Errorf("sender channel count %d out of range 1 to %d", cfg.Channels, wire.MaxChannels)
	}
	if cfg.Rate <= 0 {
		return fmt.Errorf("sender packet rate must be positive, have %g", cfg.Rate)
	}
	if cfg.Freq < 0 {
		return fmt.Errorf("sender waveform frequency must be non-negative, have %g", cfg.Freq)
	}
	return nil
}

// SetParams updates the waveform parameters. A change to the channel
// count or the packet rate re-anchors the timing reference; a frequency
// or unit change keeps the phase and schedule continuous. Host and port
// changes take effect on the next Start.
func (ws *WaveSender) SetParams(cfg SenderConfig) error {
	if err := validateSenderConfig(cfg); err != nil {
		return err
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if cfg.Channels != ws.cfg.Channels || cfg.Rate != ws.cfg.Rate {
		ws.reanchor = true
	}
	ws.cfg = cfg
	return nil
}

// Config returns the current waveform parameters.
func (ws *WaveSender) Config() SenderConfig {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.cfg
}

// Running reports whether the producer goroutine is active.
func (ws *WaveSender) Running() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.running
}

// Status snapshots the sender state.
func (ws *WaveSender) Status() SenderStatus {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return SenderStatus{
		Running:     ws.running,
		Host:        ws.cfg.Host,
		Port:        ws.cfg.Port,
		Channels:    ws.cfg.Channels,
		Freq:        ws.cfg.Freq,
		Rate:        ws.cfg.Rate,
		Unit:        ws.cfg.Unit.String(),
		PacketsSent: ws.packetsSent,
	}
}

// Start dials the destination and launches the producer goroutine.
// Starting a running sender is a no-op.
func (ws *WaveSender) Start() error {
	ws.mu.Lock()
	if ws.running {
		ws.mu.Unlock()
		return nil
	}
	cfg := ws.cfg
	ws.mu.Unlock()

	conn, err := net.Dial("udp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return fmt.Errorf("sender cannot dial %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	ws.mu.Lock()
	ws.running = true
	ws.reanchor = false
	ws.abort = make(chan struct{})
	ws.done = make(chan struct{})
	abort, done := ws.abort, ws.done
	ws.mu.Unlock()

	UpdateLogger.Printf("sender started toward %v (%d channels at %g packets/s)", conn.RemoteAddr(), cfg.Channels, cfg.Rate)
	go ws.produce(conn, abort, done)
	return nil
}

// Stop ends the producer goroutine and waits for it, with a bounded
// join. Stopping an idle sender is a no-op.
func (ws *WaveSender) Stop() error {
	ws.mu.Lock()
	if !ws.running {
		ws.mu.Unlock()
		return nil
	}
	closeIfOpen(ws.abort)
	done := ws.done
	ws.mu.Unlock()

	select {
	case <-done:
	case <-time.After(stopJoinTimeout):
		ProblemLogger.Printf("sender did not stop within %v; abandoning the join", stopJoinTimeout)
	}
	return nil
}

// produce is the long-running generator loop. The schedule is
// drift-corrected: each deadline is computed from the anchor, not from
// the previous wakeup, so scheduler jitter never accumulates.
func (ws *WaveSender) produce(conn net.Conn, abort, done chan struct{}) {
	defer func() {
		conn.Close()
		ws.mu.Lock()
		ws.running = false
		ws.mu.Unlock()
		close(done)
		UpdateLogger.Printf("sender stopped")
	}()

	enc := wire.NewEncoder(ws.Config().Unit)
	anchor := time.Now()
	var n uint64 // packets since anchor
	var amps []float32

	for {
		ws.mu.Lock()
		cfg := ws.cfg
		if ws.reanchor {
			anchor = time.Now()
			n = 0
			ws.reanchor = false
		}
		ws.mu.Unlock()
		enc.SetUnit(cfg.Unit)
		if len(amps) != cfg.Channels {
			amps = amplitudeEnvelope(cfg.Channels)
		}

		period := time.Duration(float64(time.Second) / cfg.Rate)
		next := anchor.Add(time.Duration(n) * period)
		if wait := time.Until(next); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-abort:
				timer.Stop()
				return
			case <-timer.C:
			}
		} else {
			select {
			case <-abort:
				return
			default:
			}
		}

		t := next.Sub(anchor).Seconds()
		phase := 2 * math.Pi * cfg.Freq * t
		values := make([]float32, cfg.Channels)
		for i, amp := range amps {
			values[i] = amp * float32(math.Sin(phase))
		}
		tick := unitTicks(time.Now(), cfg.Unit)
		datagram, err := enc.Encode(tick, values)
		if err != nil {
			ProblemLogger.Printf("sender encode failed, stopping: %v", err)
			return
		}
		if _, err = conn.Write(datagram); err != nil {
			// UDP write errors (e.g. ICMP port unreachable) are
			// transient; keep the schedule going.
			ProblemLogger.Printf("sender write: %v", err)
		} else {
			ws.mu.Lock()
			ws.packetsSent++
			ws.mu.Unlock()
		}
		n++
	}
}

// amplitudeEnvelope spreads per-channel amplitudes linearly from 0.1 to
// 0.6 so every channel is visually distinct; a single channel gets 0.3.
func amplitudeEnvelope(count int) []float32 {
	amps := make([]float32, count)
	if count == 1 {
		amps[0] = 0.3
		return amps
	}
	for i := range amps {
		amps[i] = float32(0.1 + 0.5*float64(i)/float64(count-1))
	}
	return amps
}

// unitTicks converts a wall-clock instant to integer ticks of the unit.
func unitTicks(now time.Time, unit wire.TimeUnit) uint64 {
	switch unit {
	case wire.UnitSeconds:
		return uint64(now.Unix())
	case wire.UnitMillis:
		return uint64(now.UnixMilli())
	case wire.UnitMicros:
		return uint64(now.UnixMicro())
	case wire.UnitNanos:
		return uint64(now.UnixNano())
	}
	return uint64(now.UnixMilli())
}
