// Package blanking implements the BlankingTimers component (spec.md
// §4.2): arms and disarms the six display timers according to the
// current input snapshot, including adaptive dimming and blanking-pause
// client bookkeeping.
//
// The six-timer matrix and clients-bounded-to-5 design is grounded on the
// teacher's power.Manager (a single-purpose idle timer keyed off a
// config struct) generalized from one timer to a role-keyed map, and on
// imdominicreed-league-web's PauseManager for the bounded, peer-keyed
// client bookkeeping shape.
package blanking

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mced/display-core/internal/displaytypes"
	"github.com/mced/display-core/internal/wakelock"
)

// Role identifies one of the six one-shot timers (§3 "BlankingTimers").
type Role int

const (
	RoleDim Role = iota
	RoleOff
	RoleLpmOn
	RoleLpmOff
	RolePausePeriod
	RoleAdaptiveDim
)

func (r Role) String() string {
	switch r {
	case RoleDim:
		return "dim"
	case RoleOff:
		return "off"
	case RoleLpmOn:
		return "lpm-on"
	case RoleLpmOff:
		return "lpm-off"
	case RolePausePeriod:
		return "pause-period"
	case RoleAdaptiveDim:
		return "adaptive-dim"
	default:
		return "unknown"
	}
}

// DefaultLpmProximityBlankTimeout is DEFAULT_LPM_PROXIMITY_BLANK_TIMEOUT
// (§4.2 LpmOn arming).
const DefaultLpmProximityBlankTimeout = 5 * time.Second

// MaxPauseClients bounds the number of concurrently registered
// blanking-pause clients (§3 BLANKING_PAUSE_MAX_MONITORED=5).
const MaxPauseClients = 5

// Config holds the configured timeouts BlankingTimers evaluates against.
type Config struct {
	BlankTimeout        time.Duration // disp_blank_timeout (Dim -> Off)
	LpmOffTimeout       time.Duration // disp_lpm_off_timeout
	BlankPreventTimeout time.Duration // blank_prevent_timeout (pause period)
	AdaptiveDimEnabled  bool
	AdaptiveThreshold   time.Duration // adaptive_dimming_threshold, default 5s
	PossibleDimTimeouts []int         // seconds, ascending
	DimTimeout          int           // configured dim_timeout in seconds (§6); the base index into PossibleDimTimeouts is derived via FindDimTimeoutIndex
}

// FindDimTimeoutIndex returns the first index into timeouts (expected
// ascending) whose stored value is >= dimTimeout — the documented-intended
// semantics of the source's mdy_blanking_find_dim_timeout_index, which a
// comparison-operator typo obscures (spec.md §9 Open Question 2). If no
// entry is large enough, the last index is used so dimming is never
// skipped entirely.
func FindDimTimeoutIndex(timeouts []int, dimTimeout int) int {
	for i, v := range timeouts {
		if v >= dimTimeout {
			return i
		}
	}
	if len(timeouts) == 0 {
		return 0
	}
	return len(timeouts) - 1
}

// Inputs is the snapshot rethink_timers evaluates (§4.2).
type Inputs struct {
	DisplayState   displaytypes.DisplayState
	CallState      displaytypes.CallState
	Exceptions     displaytypes.ExceptionState
	Charger        bool
	HandsetAudio   bool
	ProximityCover bool
	Tklock         bool
	InhibitMode    displaytypes.InhibitMode
	BlankingPaused bool
}

func (in Inputs) equal(o Inputs) bool { return in == o }

// BlankingTimers owns the six timer slots and re-evaluates them whenever
// RethinkTimers is called with a changed snapshot or force==true.
type BlankingTimers struct {
	cfg       Config
	clk       clock
	inhibitor wakelock.Inhibitor
	log       logrus.FieldLogger
	onFire    func(Role)

	dimTimeoutIndex int // FindDimTimeoutIndex(cfg.PossibleDimTimeouts, cfg.DimTimeout), computed once at construction

	mu             sync.Mutex
	timers         map[Role]timer
	lastInputs     Inputs
	haveLastInputs bool
	adaptiveIndex  int
	adaptiveArmed  bool
	pauseClients   map[string]struct{}
}

// New constructs a BlankingTimers. onFire is invoked (off the timer
// goroutine) whenever a role's timer expires; inhibitor is used to hold
// "mce_lpm_off" while the Off timer is armed (§4.2).
func New(cfg Config, inhibitor wakelock.Inhibitor, onFire func(Role), log logrus.FieldLogger) *BlankingTimers {
	return newBlankingTimers(cfg, systemClock{}, inhibitor, onFire, log)
}

func newBlankingTimers(cfg Config, clk clock, inhibitor wakelock.Inhibitor, onFire func(Role), log logrus.FieldLogger) *BlankingTimers {
	if cfg.AdaptiveThreshold == 0 {
		cfg.AdaptiveThreshold = 5 * time.Second
	}
	return &BlankingTimers{
		cfg:             cfg,
		clk:             clk,
		inhibitor:       inhibitor,
		onFire:          onFire,
		log:             log.WithField("component", "blanking"),
		timers:          make(map[Role]timer),
		pauseClients:    make(map[string]struct{}),
		dimTimeoutIndex: FindDimTimeoutIndex(cfg.PossibleDimTimeouts, cfg.DimTimeout),
	}
}

// RethinkTimers re-evaluates the timer matrix against in. It is a no-op
// unless in differs from the last evaluated snapshot or force is true
// (§4.2).
func (b *BlankingTimers) RethinkTimers(in Inputs, force bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !force && b.haveLastInputs && b.lastInputs.equal(in) {
		return
	}
	prev := b.lastInputs
	hadPrev := b.haveLastInputs
	b.lastInputs = in
	b.haveLastInputs = true

	b.disarmLocked(RoleDim)
	b.disarmLocked(RoleOff)
	b.disarmLocked(RoleLpmOn)
	b.disarmLocked(RoleLpmOff)

	// Update the adaptive index/threshold before (re)arming RoleDim below,
	// so a completed ON->DIM->ON cycle's incremented index is what the
	// freshly re-entered On state's Dim arm actually uses (§8 S3).
	b.rethinkAdaptiveLocked(prev, hadPrev, in)

	switch in.DisplayState {
	case displaytypes.DisplayOff:
		// no timers
	case displaytypes.DisplayLpmOff:
		b.armLocked(RoleOff, b.cfg.LpmOffTimeout)
	case displaytypes.DisplayLpmOn:
		b.armLocked(RoleLpmOff, DefaultLpmProximityBlankTimeout)
	case displaytypes.DisplayDim:
		if !(in.InhibitMode == displaytypes.InhibitStayDim ||
			(in.InhibitMode == displaytypes.InhibitStayDimWithCharger && in.Charger)) {
			b.armLocked(RoleOff, b.cfg.BlankTimeout)
		}
	case displaytypes.DisplayOn:
		b.rethinkOnLocked(in)
	}
}

func (b *BlankingTimers) rethinkOnLocked(in Inputs) {
	if in.Exceptions&^displaytypes.ExceptionCall != 0 {
		return // host UI manages blanking while a non-call exception is active
	}
	if in.Exceptions.Has(displaytypes.ExceptionCall) {
		if in.CallState == displaytypes.CallStateRinging {
			return
		}
		if in.HandsetAudio && in.ProximityCover {
			return
		}
		b.armLocked(RoleDim, b.dimTimeoutLocked())
		return
	}
	if in.InhibitMode == displaytypes.InhibitStayOn ||
		(in.InhibitMode == displaytypes.InhibitStayOnWithCharger && in.Charger) {
		return
	}
	if in.Tklock {
		b.armLocked(RoleOff, b.cfg.BlankTimeout)
		return
	}
	if in.BlankingPaused {
		return
	}
	b.armLocked(RoleDim, b.dimTimeoutLocked())
}

// dimTimeoutLocked returns the seconds to arm RoleDim for, honoring the
// adaptive index when adaptive dimming is enabled and currently armed.
func (b *BlankingTimers) dimTimeoutLocked() time.Duration {
	if len(b.cfg.PossibleDimTimeouts) == 0 {
		return 0
	}
	offset := 0
	if b.cfg.AdaptiveDimEnabled {
		offset = b.adaptiveIndex
	}
	idx := clampIndex(b.dimTimeoutIndex+offset, len(b.cfg.PossibleDimTimeouts))
	return time.Duration(b.cfg.PossibleDimTimeouts[idx]) * time.Second
}

func clampIndex(i, n int) int {
	if n == 0 {
		return 0
	}
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// rethinkAdaptiveLocked manages the adaptive-dimming threshold timer and
// index (§4.2 "Adaptive dimming"). The threshold timer starts on entering
// Dim and stops on entering Off/LpmOff. Per spec.md §4.2, "every
// transition ON->DIM->ON increments adaptive_dimming_index" while the
// threshold is armed — the increment therefore happens when On is
// re-entered after Dim (the cycle's completion), not when Dim is
// (re-)entered, so the very next Dim arm (computed right after this call
// returns, in the DisplayOn case below) already sees the bumped index
// (§8 S3). The threshold's expiry resets the index to 0.
func (b *BlankingTimers) rethinkAdaptiveLocked(prev Inputs, hadPrev bool, in Inputs) {
	if !b.cfg.AdaptiveDimEnabled {
		return
	}

	switch in.DisplayState {
	case displaytypes.DisplayDim:
		if !b.adaptiveArmed {
			b.adaptiveArmed = true
			b.armLocked(RoleAdaptiveDim, b.cfg.AdaptiveThreshold)
		}
	case displaytypes.DisplayOn:
		if b.adaptiveArmed && hadPrev && prev.DisplayState == displaytypes.DisplayDim {
			b.adaptiveIndex++
		}
	case displaytypes.DisplayOff, displaytypes.DisplayLpmOff:
		b.disarmLocked(RoleAdaptiveDim)
		b.adaptiveArmed = false
		b.adaptiveIndex = 0
	}
}

// armLocked arms role for d, replacing any existing timer for that role.
// d<=0 means "no timer" and is a no-op (e.g. an empty dim-timeout list).
func (b *BlankingTimers) armLocked(role Role, d time.Duration) {
	b.disarmLocked(role)
	if d <= 0 {
		return
	}
	if role == RoleOff && b.inhibitor != nil {
		if err := b.inhibitor.Acquire(wakelock.LpmOff); err != nil {
			b.log.WithError(err).Warn("failed to acquire lpm-off wakelock")
		}
	}
	t := b.clk.NewTimer(d)
	b.timers[role] = t
	go b.waitFire(role, t)
}

func (b *BlankingTimers) waitFire(role Role, t timer) {
	<-t.C()
	b.mu.Lock()
	if b.timers[role] != t {
		b.mu.Unlock()
		return
	}
	delete(b.timers, role)
	if role == RoleOff && b.inhibitor != nil {
		if err := b.inhibitor.Release(wakelock.LpmOff); err != nil {
			b.log.WithError(err).Warn("failed to release lpm-off wakelock")
		}
	}
	if role == RoleAdaptiveDim {
		b.adaptiveArmed = false
		b.adaptiveIndex = 0
	}
	b.mu.Unlock()

	if b.onFire != nil {
		b.onFire(role)
	}
}

func (b *BlankingTimers) disarmLocked(role Role) {
	t, ok := b.timers[role]
	if !ok {
		return
	}
	t.Stop()
	delete(b.timers, role)
	if role == RoleOff && b.inhibitor != nil {
		if err := b.inhibitor.Release(wakelock.LpmOff); err != nil {
			b.log.WithError(err).Warn("failed to release lpm-off wakelock")
		}
	}
}

// Armed reports whether role currently has a timer running (for tests and
// the debug surface).
func (b *BlankingTimers) Armed(role Role) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.timers[role]
	return ok
}

// AddPauseClient registers peer as a blanking-pause holder (§4.2). It is
// rejected unless the display is On and tklock is inactive, and bounded
// to MaxPauseClients.
func (b *BlankingTimers) AddPauseClient(peer string, in Inputs) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if in.DisplayState != displaytypes.DisplayOn || in.Tklock {
		return fmt.Errorf("blanking: pause rejected, display not on or tklock active")
	}
	if _, ok := b.pauseClients[peer]; !ok && len(b.pauseClients) >= MaxPauseClients {
		return fmt.Errorf("blanking: pause rejected, %d clients already registered", MaxPauseClients)
	}
	b.pauseClients[peer] = struct{}{}
	b.armLocked(RolePausePeriod, b.cfg.BlankPreventTimeout)
	return nil
}

// RemovePauseClient drops peer (explicit cancel, or peer name-owner loss).
// When the last client is removed, the pause period is disarmed
// immediately so the caller can force a rethink.
func (b *BlankingTimers) RemovePauseClient(peer string) (lastClientRemoved bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pauseClients[peer]; !ok {
		return false
	}
	delete(b.pauseClients, peer)
	if len(b.pauseClients) == 0 {
		b.disarmLocked(RolePausePeriod)
		return true
	}
	return false
}

// PauseClientCount returns the number of currently registered pause
// clients.
func (b *BlankingTimers) PauseClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pauseClients)
}
