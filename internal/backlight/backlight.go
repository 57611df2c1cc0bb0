// Package backlight implements the Backlight component (spec.md §4.3):
// brightness pipeline with software fade, HBM sub-component, and sysfs
// descriptor probing (§9 design note replacing the legacy
// DISPLAY_TYPE_ACX565AKM-style cascade with one ordered descriptor list).
//
// The fade/HBM timers are driven through the clock/timer interfaces in
// clock.go, grounded on azade-c-openclaw-node-kobo's power.Manager, so
// fade-step and HBM-decay behavior (§8 S4) can be tested without a real
// clock.
package backlight

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// FadePolicy selects how the step interval for a software fade is
// computed (§4.3 "Fade algorithm").
type FadePolicy int

const (
	// StepTime fades at a fixed per-step interval.
	StepTime FadePolicy = iota
	// ConstantTime fades the whole delta over a fixed total duration.
	ConstantTime
	// Direct jumps immediately, used when hardware fading is available.
	Direct
)

// DefaultHBMTimeout is the decay period for a non-zero HBM level (§4.3).
const DefaultHBMTimeout = 5 * time.Second

// Levels holds the brightness pipeline's value set (§3 "BrightnessLevels").
type Levels struct {
	Maximum    int
	Setting    int // user 1..100
	DisplayOn  int
	DisplayDim int
	DisplayLpm int
	Cached     int
	Target     int
	Resume     int
}

// Sink writes a brightness or HBM level to the underlying hardware, and
// is the only thing in the process that touches the sysfs brightness
// file, per §5 "owned exclusively by the Backlight component".
type Sink interface {
	WriteBrightness(level int) error
	WriteHBM(level int) error
	HardwareFadeSupported() bool
}

// SysfsSink writes to the standard backlight class device files, tracking
// the last-written value so repeated identical writes are skipped (§5).
type SysfsSink struct {
	BrightnessPath string
	HBMPath        string
	HardwareFade   bool

	mu             sync.Mutex
	lastBrightness int
	lastHBM        int
	initialized    bool
}

func (s *SysfsSink) WriteBrightness(level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized && s.lastBrightness == level {
		return nil
	}
	if err := os.WriteFile(s.BrightnessPath, []byte(fmt.Sprintf("%d", level)), 0o644); err != nil {
		return fmt.Errorf("backlight: write brightness %d: %w", level, err)
	}
	s.lastBrightness = level
	s.initialized = true
	return nil
}

func (s *SysfsSink) WriteHBM(level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.HBMPath == "" {
		return nil
	}
	if s.lastHBM == level {
		return nil
	}
	if err := os.WriteFile(s.HBMPath, []byte(fmt.Sprintf("%d", level)), 0o644); err != nil {
		return fmt.Errorf("backlight: write hbm %d: %w", level, err)
	}
	s.lastHBM = level
	return nil
}

func (s *SysfsSink) HardwareFadeSupported() bool { return s.HardwareFade }

// Descriptor names one candidate backlight device probed in order (§9).
type Descriptor struct {
	DisplayID         string
	BrightnessPath    string
	MaxBrightnessPath string
	HBMPath           string
	HardwareFade      bool
}

// ReadMaxBrightness reads the hardware's compile-time maximum brightness
// from path (§6 max_brightness), read once at init per §3
// "BrightnessLevels.maximum".
func ReadMaxBrightness(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("backlight: read max_brightness: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("backlight: parse max_brightness %q: %w", data, err)
	}
	return n, nil
}

// Probe returns the first descriptor whose BrightnessPath exists, the
// Go-native reading of the legacy sysfs cascade collapsed into a single
// ordered scan; the last entry is expected to be a generic fallback.
func Probe(descriptors []Descriptor) (Descriptor, error) {
	for _, d := range descriptors {
		if _, err := os.Stat(d.BrightnessPath); err == nil {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("backlight: no backlight descriptor found among %d candidates", len(descriptors))
}

// Backlight drives Levels through a software or hardware fade and the
// HBM decay timer.
type Backlight struct {
	sink   Sink
	policy FadePolicy
	step   time.Duration // used when policy == StepTime
	total  time.Duration // used when policy == ConstantTime
	clk    clock
	log    logrus.FieldLogger

	mu        sync.Mutex
	levels    Levels
	fadeTimer timer
	fading    bool

	hbmWanted int
	hbmTimer  timer

	dimPercent int
}

// New constructs a Backlight over sink with the given fade policy and
// parameter (step interval for StepTime, total duration for ConstantTime).
func New(sink Sink, policy FadePolicy, param time.Duration, log logrus.FieldLogger) *Backlight {
	return newBacklight(sink, policy, param, systemClock{}, log)
}

func newBacklight(sink Sink, policy FadePolicy, param time.Duration, clk clock, log logrus.FieldLogger) *Backlight {
	return &Backlight{
		sink:       sink,
		policy:     policy,
		step:       param,
		total:      param,
		clk:        clk,
		log:        log.WithField("component", "backlight"),
		levels:     Levels{Maximum: 100},
		dimPercent: 50,
	}
}

// SetMaximum sets the hardware's maximum brightness (§3 "maximum"),
// normally read once via ReadMaxBrightness at probe time. Values <= 0 are
// ignored so a failed sysfs read keeps the compiled-in default.
func (b *Backlight) SetMaximum(n int) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	b.levels.Maximum = n
	b.mu.Unlock()
}

// SetDimPercent sets the configured dim-level percentage the dim display
// state targets (§4.3 "display_dim"), clamped to the valid 1..100 range.
func (b *Backlight) SetDimPercent(pct int) {
	if pct < 1 {
		pct = 1
	}
	if pct > 100 {
		pct = 100
	}
	b.mu.Lock()
	b.dimPercent = pct
	b.mu.Unlock()
}

// Levels returns a snapshot of the current brightness pipeline values.
func (b *Backlight) Levels() Levels {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.levels
}

// ForceLevel cancels any fade, writes n immediately, and updates cached
// and target (§4.3).
func (b *Backlight) ForceLevel(n int) error {
	b.mu.Lock()
	b.cancelFadeLocked()
	b.levels.Cached = n
	b.levels.Target = n
	b.mu.Unlock()
	return b.sink.WriteBrightness(n)
}

// SetFadeTarget begins or redirects a fade toward newLevel (§4.3). If
// hardware fading is supported, or the policy is Direct, it jumps
// immediately instead.
func (b *Backlight) SetFadeTarget(newLevel int) error {
	if b.sink.HardwareFadeSupported() || b.policy == Direct {
		return b.ForceLevel(newLevel)
	}

	b.mu.Lock()
	b.levels.Target = newLevel
	if b.levels.Cached == newLevel {
		b.mu.Unlock()
		return nil
	}
	b.cancelFadeLocked()
	b.fading = true
	interval, stepLength := b.stepParamsLocked()
	b.fadeTimer = b.clk.NewTimer(interval)
	fadeTimer := b.fadeTimer
	b.mu.Unlock()

	go b.fadeLoop(fadeTimer, interval, stepLength)
	return nil
}

// stepParamsLocked computes (interval, step-length-in-units) per the
// "Fade algorithm" special case: a computed 5ms step becomes 2ms steps of
// 2 units instead of 5ms steps of 1 unit.
func (b *Backlight) stepParamsLocked() (time.Duration, int) {
	delta := b.levels.Target - b.levels.Cached
	if delta < 0 {
		delta = -delta
	}
	if delta == 0 {
		delta = 1
	}

	var interval time.Duration
	switch b.policy {
	case ConstantTime:
		interval = b.total / time.Duration(delta)
	default:
		interval = b.step
	}

	stepLength := 1
	if interval == 5*time.Millisecond {
		interval = 2 * time.Millisecond
		stepLength = 2
	}
	return interval, stepLength
}

func (b *Backlight) fadeLoop(t timer, interval time.Duration, stepLength int) {
	for {
		<-t.C()
		b.mu.Lock()
		if !b.fading || b.fadeTimer != t {
			b.mu.Unlock()
			return
		}
		delta := b.levels.Target - b.levels.Cached
		done := false
		if abs(delta) <= stepLength {
			b.levels.Cached = b.levels.Target
			done = true
			b.fading = false
		} else if delta > 0 {
			b.levels.Cached += stepLength
		} else {
			b.levels.Cached -= stepLength
		}
		level := b.levels.Cached
		b.mu.Unlock()

		if err := b.sink.WriteBrightness(level); err != nil {
			b.log.WithError(err).Warn("fade step write failed")
		}
		if done {
			return
		}
		t.Reset(interval)
	}
}

func (b *Backlight) cancelFadeLocked() {
	if b.fadeTimer != nil {
		b.fadeTimer.Stop()
		b.fadeTimer = nil
	}
	b.fading = false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// SetOnLevel interprets a combined HBM-nibble+percentage integer the way
// the source's set_on_level does: high nibble is HBM, low byte is a
// 1..100 percentage scaled to [0, Maximum] (§4.3).
func (b *Backlight) SetOnLevel(hbmAndLevel int, displayNeedsPower bool) error {
	hbm := (hbmAndLevel >> 8) & 0xF
	pct := hbmAndLevel & 0xFF
	if pct < 1 {
		pct = 1
	}
	if pct > 100 {
		pct = 100
	}

	b.mu.Lock()
	maximum := b.levels.Maximum
	b.levels.DisplayOn = pct * maximum / 100
	dimPct := b.dimPercent
	if half := pct / 2; dimPct <= 0 || dimPct > half {
		dimPct = half
	}
	dim := dimPct * maximum / 100
	if dim < 1 {
		dim = 1
	}
	b.levels.DisplayDim = dim
	lpm := dim / 2
	if lpm < 1 {
		lpm = 1
	}
	b.levels.DisplayLpm = lpm
	b.mu.Unlock()

	if err := b.SetHBMWanted(hbm, displayNeedsPower); err != nil {
		return err
	}
	return b.SetFadeTarget(b.Levels().DisplayOn)
}

// SetHBMWanted requests an HBM level; it is forced to zero unless the
// display needs power (§4.3 "forced to 0 while display_state != On or
// while in transitional states" — displayNeedsPower folds that check).
func (b *Backlight) SetHBMWanted(level int, displayNeedsPower bool) error {
	b.mu.Lock()
	if !displayNeedsPower {
		level = 0
	}
	b.hbmWanted = level
	if b.hbmTimer != nil {
		b.hbmTimer.Stop()
		b.hbmTimer = nil
	}
	var armTimer timer
	if level != 0 {
		armTimer = b.clk.NewTimer(DefaultHBMTimeout)
		b.hbmTimer = armTimer
	}
	b.mu.Unlock()

	if err := b.sink.WriteHBM(level); err != nil {
		return err
	}
	if armTimer != nil {
		go b.decayHBM(armTimer)
	}
	return nil
}

func (b *Backlight) decayHBM(t timer) {
	<-t.C()
	b.mu.Lock()
	if b.hbmTimer != t {
		b.mu.Unlock()
		return
	}
	b.hbmTimer = nil
	b.hbmWanted = 0
	b.mu.Unlock()
	if err := b.sink.WriteHBM(0); err != nil {
		b.log.WithError(err).Warn("hbm decay write failed")
	}
}
