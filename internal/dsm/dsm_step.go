package dsm

import (
	"time"

	"github.com/mced/display-core/internal/displaytypes"
	"github.com/mced/display-core/internal/wakelock"
)

// wakelockReleaseDelay is the timed-release grace period the display-on
// wakelock downgrades to instead of an immediate wake_unlock, so the
// renderer and fb-suspend path that just ran still have a moment to
// settle (spec.md §4.1, §8 P3).
const wakelockReleaseDelay = time.Second

// step executes exactly one transition attempt from the current
// stmState, per the table in spec.md §4.1. It returns true if the
// machine moved to a new stmState (so exec() should call step() again)
// or false if it is waiting on an external condition. Callers hold d.mu.
func (d *DSM) step() bool {
	switch d.stmState {
	case displaytypes.StmUnset:
		return d.stepUnset()
	case displaytypes.StmRendererInitStart:
		return d.stepRendererInitStart()
	case displaytypes.StmRendererWaitStart:
		return d.stepRendererWaitStart()
	case displaytypes.StmEnterPowerOn:
		return d.stepEnterPowerOn()
	case displaytypes.StmStayPowerOn:
		return d.stepStayPowerOn()
	case displaytypes.StmLeavePowerOn:
		return d.stepLeavePowerOn()
	case displaytypes.StmRendererInitStop:
		return d.stepRendererInitStop()
	case displaytypes.StmRendererWaitStop:
		return d.stepRendererWaitStop()
	case displaytypes.StmInitSuspend:
		return d.stepInitSuspend()
	case displaytypes.StmWaitSuspend:
		return d.stepWaitSuspend()
	case displaytypes.StmEnterPowerOff:
		return d.stepEnterPowerOff()
	case displaytypes.StmStayPowerOff:
		return d.stepStayPowerOff()
	case displaytypes.StmLeavePowerOff:
		return d.stepLeavePowerOff()
	case displaytypes.StmInitResume:
		return d.stepInitResume()
	case displaytypes.StmWaitResume:
		return d.stepWaitResume()
	case displaytypes.StmEnterLogicalOff:
		return d.stepEnterLogicalOff()
	case displaytypes.StmStayLogicalOff:
		return d.stepStayLogicalOff()
	case displaytypes.StmLeaveLogicalOff:
		return d.stepLeaveLogicalOff()
	default:
		d.log.WithField("state", d.stmState.String()).Error("dsm: unknown stm state")
		return false
	}
}

func (d *DSM) gotoLocked(s displaytypes.StmState) bool {
	d.log.WithField("from", d.stmState.String()).WithField("to", s.String()).Debug("dsm transition")
	d.stmState = s
	return true
}

// wantsPower reports whether the latched target needs the display
// powered (On/Dim/LpmOn), used throughout the table to decide whether a
// Leave* state proceeds to re-enter power or continue tearing down.
func (d *DSM) wantsPower() bool {
	return d.want.NeedsPower()
}

func (d *DSM) stepUnset() bool {
	d.acquireWakelockLocked()
	return d.gotoLocked(displaytypes.StmRendererInitStart)
}

func (d *DSM) stepRendererInitStart() bool {
	d.leavingOff = !d.curr.NeedsPower()
	d.renderer.SetStateReq(true)
	return d.gotoLocked(displaytypes.StmRendererWaitStart)
}

func (d *DSM) stepRendererWaitStart() bool {
	switch d.rendererState {
	case displaytypes.RendererEnabled:
		return d.gotoLocked(displaytypes.StmEnterPowerOn)
	case displaytypes.RendererError:
		return d.gotoLocked(displaytypes.StmRendererInitStart)
	default:
		return false
	}
}

func (d *DSM) stepEnterPowerOn() bool {
	d.leavingOff = false
	d.commitLocked(d.want)
	return d.gotoLocked(displaytypes.StmStayPowerOn)
}

func (d *DSM) stepStayPowerOn() bool {
	if d.want != d.curr {
		return d.gotoLocked(displaytypes.StmLeavePowerOn)
	}
	if d.redundantEnabledNeeded {
		d.redundantEnabledNeeded = false
		d.renderer.SetStateReq(true)
	}
	return false
}

func (d *DSM) stepLeavePowerOn() bool {
	if d.wantsPower() {
		return d.gotoLocked(displaytypes.StmRendererInitStart)
	}
	return d.gotoLocked(displaytypes.StmRendererInitStop)
}

func (d *DSM) stepRendererInitStop() bool {
	d.enteringOff = true
	d.renderer.SetStateReq(false)
	return d.gotoLocked(displaytypes.StmRendererWaitStop)
}

func (d *DSM) stepRendererWaitStop() bool {
	switch d.rendererState {
	case displaytypes.RendererDisabled:
		return d.gotoLocked(displaytypes.StmInitSuspend)
	case displaytypes.RendererError:
		return d.gotoLocked(displaytypes.StmRendererInitStop)
	default:
		return false
	}
}

func (d *DSM) stepInitSuspend() bool {
	if d.policy() == displaytypes.SuspendLevelOn {
		return d.gotoLocked(displaytypes.StmEnterLogicalOff)
	}
	if err := d.fb.StartSuspend(); err != nil {
		d.log.WithError(err).Warn("failed to start fb suspend")
	}
	return d.gotoLocked(displaytypes.StmWaitSuspend)
}

func (d *DSM) stepWaitSuspend() bool {
	if d.suspended {
		return d.gotoLocked(displaytypes.StmEnterPowerOff)
	}
	return false
}

func (d *DSM) stepEnterPowerOff() bool {
	d.enteringOff = false
	d.commitLocked(displaytypes.DisplayOff)
	return d.gotoLocked(displaytypes.StmStayPowerOff)
}

func (d *DSM) stepStayPowerOff() bool {
	level := d.policy()
	if level == displaytypes.SuspendLevelLate {
		d.releaseWakelockLocked()
	} else {
		d.acquireWakelockLocked()
	}
	if d.want != d.curr || level == displaytypes.SuspendLevelOn {
		return d.gotoLocked(displaytypes.StmLeavePowerOff)
	}
	return false
}

func (d *DSM) stepLeavePowerOff() bool {
	d.acquireWakelockLocked()
	if d.wantsPower() {
		return d.gotoLocked(displaytypes.StmInitResume)
	}
	return d.gotoLocked(displaytypes.StmEnterPowerOff)
}

func (d *DSM) stepInitResume() bool {
	if err := d.fb.StartResume(); err != nil {
		d.log.WithError(err).Warn("failed to start fb resume")
	}
	return d.gotoLocked(displaytypes.StmWaitResume)
}

func (d *DSM) stepWaitResume() bool {
	if !d.suspended {
		if d.wantsPower() {
			return d.gotoLocked(displaytypes.StmRendererInitStart)
		}
		return d.gotoLocked(displaytypes.StmEnterLogicalOff)
	}
	return false
}

func (d *DSM) stepEnterLogicalOff() bool {
	d.enteringOff = false
	d.commitLocked(displaytypes.DisplayOff)
	return d.gotoLocked(displaytypes.StmStayLogicalOff)
}

func (d *DSM) stepStayLogicalOff() bool {
	if d.want != d.curr {
		return d.gotoLocked(displaytypes.StmLeaveLogicalOff)
	}
	if d.rendererState == displaytypes.RendererEnabled {
		return d.gotoLocked(displaytypes.StmRendererInitStop)
	}
	return false
}

func (d *DSM) stepLeaveLogicalOff() bool {
	if d.wantsPower() {
		return d.gotoLocked(displaytypes.StmRendererInitStart)
	}
	if d.policy() != displaytypes.SuspendLevelOn {
		return d.gotoLocked(displaytypes.StmInitSuspend)
	}
	return d.gotoLocked(displaytypes.StmEnterLogicalOff)
}

// commitLocked sets curr/next to state and publishes the observer-visible
// value, honoring the transitional placeholders while a transition is
// still technically in flight (it never is at the exact moment of
// commit, since commitLocked is only called from Enter* states where
// leavingOff/enteringOff have just been cleared by the caller).
func (d *DSM) commitLocked(state displaytypes.DisplayState) {
	d.curr = state
	d.next = state
	if d.publish != nil {
		d.publish(d.observedStateLocked())
	}
}

func (d *DSM) acquireWakelockLocked() {
	if d.wakelockOn {
		return
	}
	if d.inhibitor != nil {
		if err := d.inhibitor.Acquire(wakelock.DisplayOn); err != nil {
			d.log.WithError(err).Warn("failed to acquire display-on wakelock")
		}
	}
	d.wakelockOn = true
}

// releaseWakelockLocked downgrades the display-on wakelock to a
// kernel-timed hold rather than dropping it outright (§4.1 "release
// wakelock"): its only caller is StayPowerOff with late suspend allowed,
// and the timed hold gives the machine a moment to reach a sleep-stable
// state before the kernel may suspend.
func (d *DSM) releaseWakelockLocked() {
	if !d.wakelockOn {
		return
	}
	if d.inhibitor != nil {
		if err := d.inhibitor.Downgrade(wakelock.DisplayOn, wakelockReleaseDelay); err != nil {
			d.log.WithError(err).Warn("failed to downgrade display-on wakelock")
		}
	}
	d.wakelockOn = false
}
