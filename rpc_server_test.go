package tremord

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSourceControl skips NewSourceControl so no PUB sockets are bound.
func testSourceControl() *SourceControl {
	return &SourceControl{
		listenerCfg: ListenerConfig{Host: "127.0.0.1", GraphRate: 10, AnimRate: 30},
		tsMode:      ModeAuto,
	}
}

func TestConfigureListenerValidation(t *testing.T) {
	s := testSourceControl()
	var ok bool

	bad := ListenerConfig{Port: 0}
	assert.Error(t, s.ConfigureListener(&bad, &ok))

	bad = ListenerConfig{Port: 70000}
	assert.Error(t, s.ConfigureListener(&bad, &ok))

	bad = ListenerConfig{Port: 9870, ExpectedChannels: 5000}
	assert.Error(t, s.ConfigureListener(&bad, &ok))

	good := ListenerConfig{Host: "127.0.0.1", Port: 9870, ExpectedChannels: 64, GraphRate: 10, AnimRate: 30}
	require.NoError(t, s.ConfigureListener(&good, &ok))
	assert.True(t, ok)
	assert.Equal(t, good, s.listenerCfg)
}

func TestListenerControlLifecycle(t *testing.T) {
	s := testSourceControl()
	var ok bool
	var dummy string

	var status SourceStatus
	require.NoError(t, s.Status(&dummy, &status))
	assert.False(t, status.Running)
	assert.Equal(t, "Inactive", status.State)

	require.NoError(t, s.Start(&dummy, &ok))
	require.True(t, ok)
	defer func() {
		var stopOK bool
		s.Stop(&dummy, &stopOK)
	}()

	require.NoError(t, s.Status(&dummy, &status))
	assert.True(t, status.Running)

	// Starting again succeeds without replacing the source.
	first := s.source
	require.NoError(t, s.Start(&dummy, &ok))
	assert.Same(t, first, s.source)

	// While running, only the expected channel count may change.
	cfg := s.listenerCfg
	cfg.Port = 9999
	assert.Error(t, s.ConfigureListener(&cfg, &ok))

	cfg = s.listenerCfg
	cfg.ExpectedChannels = 12
	require.NoError(t, s.ConfigureListener(&cfg, &ok))
	assert.Equal(t, 12, s.source.rec.Expected())

	require.NoError(t, s.Stop(&dummy, &ok))
	require.NoError(t, s.Status(&dummy, &status))
	assert.False(t, status.Running)

	// Stopping again is harmless.
	require.NoError(t, s.Stop(&dummy, &ok))
}

func TestSetTimestampMode(t *testing.T) {
	s := testSourceControl()
	var ok bool
	var dummy string

	mode := "sideways"
	assert.Error(t, s.SetTimestampMode(&mode, &ok))

	mode = "relative"
	require.NoError(t, s.SetTimestampMode(&mode, &ok))
	assert.Equal(t, ModeRelative, s.tsMode)

	// A running source picks up the change immediately.
	require.NoError(t, s.Start(&dummy, &ok))
	defer func() {
		var stopOK bool
		s.Stop(&dummy, &stopOK)
	}()
	mode = "ns"
	require.NoError(t, s.SetTimestampMode(&mode, &ok))
	assert.Equal(t, ModeNanos, s.source.Normalizer().Mode())
}

func TestSenderControl(t *testing.T) {
	s := testSourceControl()
	var ok bool
	var dummy string

	assert.Error(t, s.StartSender(&dummy, &ok), "unconfigured sender cannot start")

	cfg := SenderConfig{Host: "127.0.0.1", Port: 9870, Channels: 4, Freq: 2, Rate: 30}
	require.NoError(t, s.ConfigureSender(&cfg, &ok))
	require.True(t, ok)

	require.NoError(t, s.StartSender(&dummy, &ok))
	assert.True(t, s.sender.Running())
	require.NoError(t, s.StopSender(&dummy, &ok))
	assert.False(t, s.sender.Running())

	// Reconfiguring an existing sender goes through SetParams.
	cfg.Channels = 9
	require.NoError(t, s.ConfigureSender(&cfg, &ok))
	assert.Equal(t, 9, s.sender.Config().Channels)
}
