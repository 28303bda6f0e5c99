// Package wire implements the tremor telemetry datagram format: the
// current v2 framing with an explicit timestamp unit, the legacy v1
// framing (timestamps always in milliseconds), and the headerless raw
// float arrays that the oldest senders still emit.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// MAGIC is the v2 header's magic number ("UDP2" as a little-endian uint32).
const MAGIC uint32 = 0x55445032

// VERSION is the only protocol version the v2 decoder accepts.
const VERSION uint8 = 2

// MaxChannels is a sanity ceiling on the declared channel count, so a
// corrupt length field can never cause a huge allocation.
const MaxChannels = 4096

const (
	headerLengthV2 = 22
	headerLengthV1 = 14
)

// ErrUnrecognized reports a datagram that matches none of the known
// framings. Callers treat it as a per-packet drop, not a fatal error.
var ErrUnrecognized = errors.New("datagram matches no known telemetry framing")

// TimeUnit is the v2 header's timestamp unit code.
type TimeUnit uint8

// The unit codes defined by the v2 framing.
const (
	UnitSeconds TimeUnit = iota
	UnitMillis
	UnitMicros
	UnitNanos
)

// Divisor returns the factor that converts a tick in this unit to seconds.
func (u TimeUnit) Divisor() float64 {
	switch u {
	case UnitSeconds:
		return 1
	case UnitMillis:
		return 1e3
	case UnitMicros:
		return 1e6
	case UnitNanos:
		return 1e9
	}
	return 1e3
}

func (u TimeUnit) String() string {
	switch u {
	case UnitSeconds:
		return "s"
	case UnitMillis:
		return "ms"
	case UnitMicros:
		return "us"
	case UnitNanos:
		return "ns"
	}
	return fmt.Sprintf("TimeUnit(%d)", uint8(u))
}

// Sample is one decoded observation. The Has* flags record which header
// fields the matched framing actually carries: v2 carries all of them,
// v1 carries sequence and tick but no unit, and the raw fallbacks carry
// channel values only.
type Sample struct {
	Sequence    uint32
	HasSequence bool
	Tick        uint64
	HasTick     bool
	Unit        TimeUnit
	HasUnit     bool
	Channels    []float32
}

// headerV2 is the 22-byte little-endian v2 header.
type headerV2 struct {
	Magic        uint32
	Version      uint8
	Unit         uint8
	Reserved     uint16
	Sequence     uint32
	TimestampRaw uint64
	ChannelCount uint16
}

// headerV1 is the 14-byte little-endian legacy header.
type headerV1 struct {
	Sequence     uint32
	TimestampMS  uint64
	ChannelCount uint16
}

// Decode interprets one datagram, attempting the known framings in
// strict priority order (v2, v1, raw float32, raw float64) and stopping
// at the first structurally valid match. A datagram that matches none
// returns ErrUnrecognized.
func Decode(datagram []byte) (*Sample, error) {
	if s, ok := decodeV2(datagram); ok {
		return s, nil
	}
	if s, ok := decodeV1(datagram); ok {
		return s, nil
	}
	if s, ok := decodeRawF32(datagram); ok {
		return s, nil
	}
	if s, ok := decodeRawF64(datagram); ok {
		return s, nil
	}
	return nil, ErrUnrecognized
}

func decodeV2(datagram []byte) (*Sample, bool) {
	if len(datagram) < headerLengthV2 {
		return nil, false
	}
	if binary.LittleEndian.Uint32(datagram[:4]) != MAGIC {
		return nil, false
	}
	var h headerV2
	if err := binary.Read(bytes.NewReader(datagram), binary.LittleEndian, &h); err != nil {
		return nil, false
	}
	if h.Version != VERSION {
		return nil, false
	}
	count := int(h.ChannelCount)
	if count <= 0 || count > MaxChannels {
		return nil, false
	}
	if len(datagram) < headerLengthV2+4*count {
		return nil, false
	}
	s := &Sample{
		Sequence:    h.Sequence,
		HasSequence: true,
		Tick:        h.TimestampRaw,
		HasTick:     true,
		Channels:    readF32(datagram[headerLengthV2:], count),
	}
	// Unit codes beyond ns are not an error: the tick survives and the
	// receiver's auto heuristic classifies it.
	if h.Unit <= uint8(UnitNanos) {
		s.Unit = TimeUnit(h.Unit)
		s.HasUnit = true
	}
	return s, true
}

func decodeV1(datagram []byte) (*Sample, bool) {
	if len(datagram) < headerLengthV1 {
		return nil, false
	}
	var h headerV1
	if err := binary.Read(bytes.NewReader(datagram), binary.LittleEndian, &h); err != nil {
		return nil, false
	}
	count := int(h.ChannelCount)
	if count <= 0 || count > MaxChannels {
		return nil, false
	}
	if len(datagram) < headerLengthV1+4*count {
		return nil, false
	}
	return &Sample{
		Sequence:    h.Sequence,
		HasSequence: true,
		Tick:        h.TimestampMS,
		HasTick:     true,
		Channels:    readF32(datagram[headerLengthV1:], count),
	}, true
}

func decodeRawF32(datagram []byte) (*Sample, bool) {
	if len(datagram)%4 != 0 {
		return nil, false
	}
	count := len(datagram) / 4
	if count < 1 || count > MaxChannels {
		return nil, false
	}
	return &Sample{Channels: readF32(datagram, count)}, true
}

func decodeRawF64(datagram []byte) (*Sample, bool) {
	if len(datagram)%8 != 0 {
		return nil, false
	}
	count := len(datagram) / 8
	if count < 1 || count > MaxChannels {
		return nil, false
	}
	values := make([]float32, count)
	for i := 0; i < count; i++ {
		bits := binary.LittleEndian.Uint64(datagram[8*i:])
		values[i] = float32(math.Float64frombits(bits))
	}
	return &Sample{Channels: values}, true
}

func readF32(data []byte, count int) []float32 {
	values := make([]float32, count)
	for i := 0; i < count; i++ {
		bits := binary.LittleEndian.Uint32(data[4*i:])
		values[i] = math.Float32frombits(bits)
	}
	return values
}

// Encoder emits v2 datagrams with a monotonically increasing sequence
// number (wrapping at 2^32) and a caller-chosen timestamp unit.
type Encoder struct {
	unit TimeUnit
	seq  uint32
}

// NewEncoder returns an Encoder that stamps datagrams with the given unit.
func NewEncoder(unit TimeUnit) *Encoder {
	return &Encoder{unit: unit}
}

// Sequence returns the sequence number the next Encode call will use.
func (e *Encoder) Sequence() uint32 { return e.seq }

// Unit returns the encoder's timestamp unit.
func (e *Encoder) Unit() TimeUnit { return e.unit }

// SetUnit changes the unit stamped on subsequent datagrams. The
// sequence counter is unaffected.
func (e *Encoder) SetUnit(unit TimeUnit) { e.unit = unit }

// Encode frames one tick and channel vector as a v2 datagram.
func (e *Encoder) Encode(tick uint64, values []float32) ([]byte, error) {
	if len(values) < 1 || len(values) > MaxChannels {
		return nil, fmt.Errorf("cannot encode %d channels, want 1 to %d", len(values), MaxChannels)
	}
	h := headerV2{
		Magic:        MAGIC,
		Version:      VERSION,
		Unit:         uint8(e.unit),
		Sequence:     e.seq,
		TimestampRaw: tick,
		ChannelCount: uint16(len(values)),
	}
	buf := new(bytes.Buffer)
	buf.Grow(headerLengthV2 + 4*len(values))
	binary.Write(buf, binary.LittleEndian, &h)
	binary.Write(buf, binary.LittleEndian, values)
	e.seq++ // wraps at 2^32 by uint32 arithmetic
	return buf.Bytes(), nil
}
