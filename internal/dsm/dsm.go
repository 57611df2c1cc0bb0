// Package dsm implements the Display State Machine (spec.md §4.1): the
// arbiter that serializes display-state changes, coordinates renderer
// IPC with frame-buffer suspend/resume, and owns the display-on
// wakelock.
//
// The event-channel-driven single-goroutine loop is grounded on
// librescoot-alarm-service's StateMachine.Run/SendEvent: one owned
// goroutine drains an event channel and a single mutex protects the
// small set of fields read by CurrentDisplayState() from other
// goroutines. The explicit per-state step table (rather than a
// coroutine) follows spec.md §9's design note directly.
package dsm

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mced/display-core/internal/displaytypes"
	"github.com/mced/display-core/internal/wakelock"
)

// FBController drives the frame-buffer suspend/resume bridge (§4.5); the
// DSM only ever asks it to start a direction and waits for the
// corresponding OnFBStateChange notification.
type FBController interface {
	StartSuspend() error
	StartResume() error
}

// Renderer is the subset of rendereripc.RendererIPC the DSM drives.
type Renderer interface {
	SetStateReq(enabled bool)
	State() displaytypes.RendererUiState
}

// PolicyFunc returns the currently allowed suspend level (§4.6).
type PolicyFunc func() displaytypes.AllowedSuspendLevel

// event is the DSM's internal message type; SendEvent-style methods wrap
// construction so callers never touch the channel directly.
type event interface{ isEvent() }

type reqEvent struct{ want displaytypes.DisplayState }
type rendererReplyEvent struct{ state displaytypes.RendererUiState }
type fbStateEvent struct{ suspended bool }
type policyChangeEvent struct{}
type uiReappearedEvent struct{}

func (reqEvent) isEvent()           {}
func (rendererReplyEvent) isEvent() {}
func (fbStateEvent) isEvent()       {}
func (policyChangeEvent) isEvent()  {}
func (uiReappearedEvent) isEvent()  {}

// DSM is the display state machine described in §4.1.
type DSM struct {
	fb        FBController
	renderer  Renderer
	policy    PolicyFunc
	inhibitor wakelock.Inhibitor
	publish   func(displaytypes.DisplayState)
	log       logrus.FieldLogger

	events chan event

	mu                     sync.Mutex
	stmState               displaytypes.StmState
	curr                   displaytypes.DisplayState
	next                   displaytypes.DisplayState
	want                   displaytypes.DisplayState
	suspended              bool
	leavingOff             bool // true while a transition away from Off is in flight
	enteringOff            bool // true while a transition into Off is in flight
	wakelockOn             bool
	redundantEnabledNeeded bool
	rendererState          displaytypes.RendererUiState
	lpmEnabled             bool
}

// New constructs a DSM. publish is called with the observer-visible
// DisplayState (including the PoweringUp/PoweringDown placeholders)
// whenever it changes (§3 invariants, §5 ordering guarantees).
func New(fb FBController, renderer Renderer, policy PolicyFunc, inhibitor wakelock.Inhibitor, publish func(displaytypes.DisplayState), log logrus.FieldLogger) *DSM {
	return &DSM{
		fb:         fb,
		renderer:   renderer,
		policy:     policy,
		inhibitor:  inhibitor,
		publish:    publish,
		log:        log.WithField("component", "dsm"),
		events:     make(chan event, 32),
		stmState:   displaytypes.StmUnset,
		curr:       displaytypes.DisplayUndef,
		next:       displaytypes.DisplayUndef,
		want:       displaytypes.DisplayUndef,
		lpmEnabled: true,
	}
}

// Run drains the event channel on the calling goroutine until ctx is
// done. Callers should invoke it as `go dsm.Run(ctx)`.
func (d *DSM) Run(ctx context.Context) {
	d.log.Info("dsm started")
	for {
		select {
		case ev := <-d.events:
			d.handle(ev)
			d.exec()
		case <-ctx.Done():
			d.log.Info("dsm stopped")
			return
		}
	}
}

func (d *DSM) send(ev event) {
	select {
	case d.events <- ev:
	default:
		d.log.Warn("dsm event queue full, dropping event")
	}
}

// Request asks the DSM to move toward next (§4.1 "request").
func (d *DSM) Request(next displaytypes.DisplayState) error {
	if !next.IsRequestable() {
		return fmt.Errorf("dsm: %s is not a requestable target state", next)
	}
	d.send(reqEvent{want: next})
	return nil
}

// OnRendererReply is called by the RendererIPC state-change callback.
func (d *DSM) OnRendererReply(state displaytypes.RendererUiState) {
	d.send(rendererReplyEvent{state: state})
}

// OnFBStateChange is called by the FB-Waiter consumer when fb suspend
// state changes.
func (d *DSM) OnFBStateChange(suspended bool) {
	d.send(fbStateEvent{suspended: suspended})
}

// OnPolicyChange is called whenever an input the Policy layer consumes
// changes, to re-evaluate the allowed suspend level mid-StayPowerOff.
func (d *DSM) OnPolicyChange() {
	d.send(policyChangeEvent{})
}

// SetLowPowerModeEnabled toggles whether LpmOn/LpmOff are valid request
// targets (spec.md §8 S1, §9 Open Questions: LPM disabled must settle a
// requested LpmOn/LpmOff to Off). Any already-latched want is remapped
// immediately so a setting change mid-flight takes effect without a
// further request.
func (d *DSM) SetLowPowerModeEnabled(enabled bool) {
	d.mu.Lock()
	d.lpmEnabled = enabled
	if !enabled {
		d.want = d.gateLpmWantLocked(d.want)
	}
	d.mu.Unlock()
	d.send(policyChangeEvent{})
}

// gateLpmWantLocked maps a requested LpmOn/LpmOff target to Off whenever
// low-power mode is disabled (§8 S1); every other target passes through
// unchanged. Callers hold d.mu.
func (d *DSM) gateLpmWantLocked(want displaytypes.DisplayState) displaytypes.DisplayState {
	if d.lpmEnabled {
		return want
	}
	switch want {
	case displaytypes.DisplayLpmOn, displaytypes.DisplayLpmOff:
		return displaytypes.DisplayOff
	default:
		return want
	}
}

// OnUIReappeared is called when the UI peer's D-Bus name reappears after
// having been lost (RendererIPC's NotifyNameOwnerChanged); it forces a
// redundant renderer-enabled call once StmStayPowerOn is next reached,
// since the UI may have started rendering before we could tell it to
// (§4.4 name-owner resynchronization).
func (d *DSM) OnUIReappeared() {
	d.send(uiReappearedEvent{})
}

// CurrentDisplayState returns the observer-visible DisplayState (§3
// invariant on Stay*/transitional placeholders).
func (d *DSM) CurrentDisplayState() displaytypes.DisplayState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.observedStateLocked()
}

func (d *DSM) observedStateLocked() displaytypes.DisplayState {
	switch d.stmState {
	case displaytypes.StmStayPowerOn, displaytypes.StmStayPowerOff, displaytypes.StmStayLogicalOff:
		return d.curr
	default:
		if d.enteringOff {
			return displaytypes.DisplayPoweringDown
		}
		if d.leavingOff {
			return displaytypes.DisplayPoweringUp
		}
		return d.curr
	}
}

func (d *DSM) handle(ev event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch e := ev.(type) {
	case reqEvent:
		want := d.gateLpmWantLocked(e.want)
		if d.want != want {
			d.want = want
		}
	case rendererReplyEvent:
		d.rendererState = e.state
	case fbStateEvent:
		d.suspended = e.suspended
	case policyChangeEvent:
		// handled implicitly: exec() re-reads policy on every step
	case uiReappearedEvent:
		d.redundantEnabledNeeded = true
	}
}

// exec runs step() repeatedly until it makes no further progress, the
// Go-native reading of §4.1's "runs step() repeatedly until no
// transition occurs". A bounded iteration count guards against a logic
// error turning this into a busy loop.
func (d *DSM) exec() {
	for i := 0; i < 64; i++ {
		d.mu.Lock()
		progressed := d.step()
		d.mu.Unlock()
		if !progressed {
			return
		}
	}
	d.log.Error("dsm: exec() exceeded iteration bound, possible transition cycle")
}
