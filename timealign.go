package tremord

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tremorview/tremord/wire"
)

// TimeMode selects how raw timestamp ticks without an explicit on-wire
// unit are converted to seconds. The wire format grew a unit field only
// in v2, so legacy and raw decodes need a receiver-side policy.
type TimeMode int

// The possible values of TimeMode.
const (
	ModeAuto TimeMode = iota // classify the tick against the wall clock
	ModeSeconds
	ModeMillis
	ModeMicros
	ModeNanos
	ModeRelative // monotonic-style ticks, re-anchored to zero
)

func (m TimeMode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeSeconds:
		return "s"
	case ModeMillis:
		return "ms"
	case ModeMicros:
		return "us"
	case ModeNanos:
		return "ns"
	case ModeRelative:
		return "relative"
	}
	return fmt.Sprintf("TimeMode(%d)", int(m))
}

// ParseTimeMode converts a configuration string to a TimeMode.
func ParseTimeMode(s string) (TimeMode, error) {
	switch strings.ToLower(s) {
	case "auto", "":
		return ModeAuto, nil
	case "s", "sec", "seconds":
		return ModeSeconds, nil
	case "ms", "millis":
		return ModeMillis, nil
	case "us", "micros":
		return ModeMicros, nil
	case "ns", "nanos":
		return ModeNanos, nil
	case "relative":
		return ModeRelative, nil
	}
	return ModeAuto, fmt.Errorf("unknown timestamp mode %q, want one of (auto,s,ms,us,ns,relative)", s)
}

// relativeMaxSeconds bounds how large a tick can be (interpreted in ns)
// and still plausibly be a relative, monotonic-clock-style value.
const relativeMaxSeconds = 86400.0

// TimeNormalizer converts raw timestamp ticks to floating-point seconds.
// The Relative mode carries session state: the first tick seen after a
// switch into Relative becomes the zero point, and switching away
// clears it so a later switch back re-anchors.
type TimeNormalizer struct {
	mu       sync.Mutex
	mode     TimeMode
	base     float64
	haveBase bool
	now      func() time.Time // replaced in tests
}

// NewTimeNormalizer returns a TimeNormalizer in the given mode.
func NewTimeNormalizer(mode TimeMode) *TimeNormalizer {
	return &TimeNormalizer{mode: mode, now: time.Now}
}

// Mode returns the current conversion mode.
func (tn *TimeNormalizer) Mode() TimeMode {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	return tn.mode
}

// SetMode changes the conversion mode. Any captured Relative base is
// cleared unless the new mode is Relative itself.
func (tn *TimeNormalizer) SetMode(mode TimeMode) {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	tn.mode = mode
	if mode != ModeRelative {
		tn.haveBase = false
		tn.base = 0
	}
}

// NormalizeUnit converts a tick with an explicit on-wire unit (v2).
func (tn *TimeNormalizer) NormalizeUnit(tick uint64, unit wire.TimeUnit) float64 {
	return float64(tick) / unit.Divisor()
}

// Normalize converts a tick with no on-wire unit according to the
// current mode.
func (tn *TimeNormalizer) Normalize(tick float64) float64 {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	switch tn.mode {
	case ModeSeconds:
		return tick
	case ModeMillis:
		return tick / 1e3
	case ModeMicros:
		return tick / 1e6
	case ModeNanos:
		return tick / 1e9
	case ModeRelative:
		if !tn.haveBase {
			tn.base = tick
			tn.haveBase = true
		}
		return (tick - tn.base) / magnitudeDivisor(tick)
	}
	return tn.autoDetect(tick)
}

// autoDetect classifies an un-annotated tick. Epoch-proximity checks run
// first (ns, then us, then ms, each with a generous tolerance); a tick
// near none of them but small enough to be a relative value is classified
// by digit magnitude; everything else falls back to milliseconds. The
// tolerance windows can overlap for adversarial inputs, so this is a
// best-effort ordering, not a guarantee.
func (tn *TimeNormalizer) autoDetect(tick float64) float64 {
	now := float64(tn.now().UnixNano()) / 1e9
	if diff := tick - now*1e9; diff < 1e11 && diff > -1e11 {
		return tick / 1e9
	}
	if diff := tick - now*1e6; diff < 1e8 && diff > -1e8 {
		return tick / 1e6
	}
	if diff := tick - now*1e3; diff < 1e5 && diff > -1e5 {
		return tick / 1e3
	}
	if tick >= 0 && tick/1e9 <= relativeMaxSeconds {
		return tick / magnitudeDivisor(tick)
	}
	return tick / 1e3
}

// magnitudeDivisor guesses a tick's unit from its digit count alone.
func magnitudeDivisor(tick float64) float64 {
	switch {
	case tick > 1e9:
		return 1e9
	case tick > 1e6:
		return 1e6
	case tick > 1e3:
		return 1e3
	}
	return 1
}
