package tremord

import (
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tremorview/tremord/wire"
)

func TestAmplitudeEnvelope(t *testing.T) {
	single := amplitudeEnvelope(1)
	assert.Equal(t, []float32{0.3}, single)

	amps := amplitudeEnvelope(6)
	assert.InDelta(t, 0.1, amps[0], 1e-6)
	assert.InDelta(t, 0.6, amps[5], 1e-6)
	for i := 1; i < len(amps); i++ {
		assert.Greater(t, amps[i], amps[i-1], "envelope must increase with channel index")
	}
}

func TestSenderConfigValidation(t *testing.T) {
	base := SenderConfig{Host: "localhost", Port: 9870, Channels: 4, Freq: 1, Rate: 10, Unit: wire.UnitMillis}

	_, err := NewWaveSender(base)
	assert.NoError(t, err)

	bad := base
	bad.Channels = 0
	_, err = NewWaveSender(bad)
	assert.Error(t, err)

	bad = base
	bad.Channels = wire.MaxChannels + 1
	_, err = NewWaveSender(bad)
	assert.Error(t, err)

	bad = base
	bad.Rate = 0
	_, err = NewWaveSender(bad)
	assert.Error(t, err)

	bad = base
	bad.Freq = -1
	_, err = NewWaveSender(bad)
	assert.Error(t, err)

	ws, err := NewWaveSender(base)
	require.NoError(t, err)
	assert.Error(t, ws.SetParams(bad))
	assert.Equal(t, base, ws.Config(), "a rejected SetParams must not change anything")
}

func TestWaveSenderProducesV2(t *testing.T) {
	receiver, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer receiver.Close()
	port := receiver.LocalAddr().(*net.UDPAddr).Port

	ws, err := NewWaveSender(SenderConfig{
		Host:     "127.0.0.1",
		Port:     port,
		Channels: 8,
		Freq:     7.0,
		Rate:     500.0,
		Unit:     wire.UnitMicros,
	})
	require.NoError(t, err)
	require.NoError(t, ws.Start())
	require.NoError(t, ws.Start(), "second Start is a no-op")
	defer ws.Stop()

	amps := amplitudeEnvelope(8)
	buf := make([]byte, 4096)
	var lastSeq uint32
	var havePrev bool
	var sawNonzero bool
	for range 20 {
		receiver.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := receiver.ReadFromUDP(buf)
		require.NoError(t, err)

		s, err := wire.Decode(buf[:n])
		require.NoError(t, err)
		require.True(t, s.HasSequence)
		require.True(t, s.HasUnit)
		assert.Equal(t, wire.UnitMicros, s.Unit)
		require.Len(t, s.Channels, 8)

		if havePrev {
			assert.Equal(t, lastSeq+1, s.Sequence, "sequence must increase by one per packet")
		}
		lastSeq, havePrev = s.Sequence, true

		// Every channel carries the same phase; only the amplitude
		// differs, so channel i must equal channel 0 scaled by the
		// envelope ratio.
		if math.Abs(float64(s.Channels[0])) > 1e-3 {
			sawNonzero = true
			for i, v := range s.Channels {
				want := s.Channels[0] / amps[0] * amps[i]
				assert.InDelta(t, want, v, 1e-4)
			}
		}
	}
	assert.True(t, sawNonzero, "a 7 Hz sine sampled 20 times at 500 Hz cannot be all zeros")

	require.NoError(t, ws.Stop())
	assert.False(t, ws.Running())
	require.NoError(t, ws.Stop(), "second Stop is a no-op")
	assert.Greater(t, ws.Status().PacketsSent, uint64(0))
}

func TestWaveSenderTickUnits(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 500e6, time.UTC)
	assert.Equal(t, uint64(now.Unix()), unitTicks(now, wire.UnitSeconds))
	assert.Equal(t, uint64(now.UnixMilli()), unitTicks(now, wire.UnitMillis))
	assert.Equal(t, uint64(now.UnixMicro()), unitTicks(now, wire.UnitMicros))
	assert.Equal(t, uint64(now.UnixNano()), unitTicks(now, wire.UnitNanos))
}

func TestWaveSenderLiveReconfigure(t *testing.T) {
	receiver, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer receiver.Close()
	port := receiver.LocalAddr().(*net.UDPAddr).Port

	cfg := SenderConfig{Host: "127.0.0.1", Port: port, Channels: 2, Freq: 1, Rate: 500, Unit: wire.UnitMillis}
	ws, err := NewWaveSender(cfg)
	require.NoError(t, err)
	require.NoError(t, ws.Start())
	defer ws.Stop()

	cfg.Channels = 5
	require.NoError(t, ws.SetParams(cfg))

	buf := make([]byte, 4096)
	saw5 := false
	for range 50 {
		receiver.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := receiver.ReadFromUDP(buf)
		require.NoError(t, err)
		s, err := wire.Decode(buf[:n])
		require.NoError(t, err)
		if len(s.Channels) == 5 {
			saw5 = true
			break
		}
		require.Len(t, s.Channels, 2, "channel count other than old or new config")
	}
	assert.True(t, saw5, "the new channel count never took effect")
}
