package tremord

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tremorview/tremord/wire"
)

func fixedClock(sec int64) func() time.Time {
	return func() time.Time { return time.Unix(sec, 0) }
}

func TestParseTimeMode(t *testing.T) {
	var tests = []struct {
		in   string
		want TimeMode
	}{
		{"auto", ModeAuto},
		{"", ModeAuto},
		{"s", ModeSeconds},
		{"SEC", ModeSeconds},
		{"ms", ModeMillis},
		{"us", ModeMicros},
		{"ns", ModeNanos},
		{"Relative", ModeRelative},
	}
	for _, test := range tests {
		m, err := ParseTimeMode(test.in)
		if err != nil {
			t.Errorf("ParseTimeMode(%q) error: %v", test.in, err)
		}
		if m != test.want {
			t.Errorf("ParseTimeMode(%q) = %v, want %v", test.in, m, test.want)
		}
	}
	if _, err := ParseTimeMode("fortnights"); err == nil {
		t.Errorf("ParseTimeMode with a nonsense unit should error")
	}
}

func TestExplicitUnits(t *testing.T) {
	tn := NewTimeNormalizer(ModeAuto)
	assert.Equal(t, 5.0, tn.NormalizeUnit(5, wire.UnitSeconds))
	assert.Equal(t, 5.0, tn.NormalizeUnit(5000, wire.UnitMillis))
	assert.Equal(t, 5.0, tn.NormalizeUnit(5000000, wire.UnitMicros))
	assert.Equal(t, 5.0, tn.NormalizeUnit(5000000000, wire.UnitNanos))

	tn.SetMode(ModeMillis)
	assert.Equal(t, 1.5, tn.Normalize(1500))
	tn.SetMode(ModeSeconds)
	assert.Equal(t, 1500.0, tn.Normalize(1500))
	tn.SetMode(ModeMicros)
	assert.Equal(t, 1.5, tn.Normalize(1.5e6))
	tn.SetMode(ModeNanos)
	assert.Equal(t, 1.5, tn.Normalize(1.5e9))
}

func TestAutoDetectEpoch(t *testing.T) {
	const epoch = 1700000000
	tn := NewTimeNormalizer(ModeAuto)
	tn.now = fixedClock(epoch)

	// ms-epoch ticks land within 0.1 s of the wall clock.
	got := tn.Normalize(float64(epoch) * 1e3)
	if math.Abs(got-epoch) > 0.1 {
		t.Errorf("auto ms-epoch tick normalized to %.3f, want ~%d", got, epoch)
	}
	// us- and ns-epoch likewise.
	got = tn.Normalize(float64(epoch) * 1e6)
	if math.Abs(got-epoch) > 0.1 {
		t.Errorf("auto us-epoch tick normalized to %.3f, want ~%d", got, epoch)
	}
	got = tn.Normalize(float64(epoch) * 1e9)
	if math.Abs(got-epoch) > 0.1 {
		t.Errorf("auto ns-epoch tick normalized to %.3f, want ~%d", got, epoch)
	}
}

func TestAutoDetectRelativeMagnitude(t *testing.T) {
	tn := NewTimeNormalizer(ModeAuto)
	tn.now = fixedClock(1700000000)

	// Small ticks far from any epoch scale classify by digit count.
	assert.InDelta(t, 2.0, tn.Normalize(2e9), 1e-9, "ns-relative")
	assert.InDelta(t, 2.0, tn.Normalize(2e6), 1e-9, "us-relative")
	assert.InDelta(t, 2.0, tn.Normalize(2e3), 1e-9, "ms-relative")
	assert.InDelta(t, 2.0, tn.Normalize(2), 1e-9, "seconds-relative")
}

func TestRelativeModeAnchoring(t *testing.T) {
	tn := NewTimeNormalizer(ModeRelative)

	// First tick anchors the session; values start near zero.
	first := 5e9
	assert.InDelta(t, 0.0, tn.Normalize(first), 1e-9)
	assert.InDelta(t, 1.0, tn.Normalize(first+1e9), 1e-9)

	// Switching away clears the base; switching back re-anchors.
	tn.SetMode(ModeMillis)
	tn.SetMode(ModeRelative)
	assert.InDelta(t, 0.0, tn.Normalize(9e9), 1e-9, "base must re-anchor after a mode round trip")
}
