// Package policy implements the pure predicate layer (spec.md §4.6): given
// a snapshot of cached inputs, it answers how far suspend may proceed and
// whether an external display-on/dim request must be denied. Both
// functions are free of side effects and state, grounded on the teacher's
// preference for small stateless helper functions (led.Controller's
// GetState) generalized here to pure functions over a value type instead
// of a method on a stateful struct.
package policy

import "github.com/mced/display-core/internal/displaytypes"

// Inputs is the snapshot of cached state the policy functions evaluate.
// It is a plain value, not a pointer into shared state, so callers must
// take a consistent snapshot before calling — there is no observer
// wiring inside this package.
type Inputs struct {
	RendererUIState displaytypes.RendererUiState
	Unloading       bool
	SuspendPolicy   displaytypes.SuspendPolicy

	CallState      displaytypes.CallState
	AlarmActive    bool
	Exceptions     displaytypes.ExceptionState
	SystemState    displaytypes.SystemState
	BootupComplete bool
	ShutdownActive bool
	PackageKitLocked bool

	ProximityCovered bool
}

// AllowedLevel computes the maximum suspend level currently permitted
// (§4.6).
func AllowedLevel(in Inputs) displaytypes.AllowedSuspendLevel {
	if in.RendererUIState != displaytypes.RendererDisabled ||
		in.Unloading ||
		in.SuspendPolicy == displaytypes.SuspendDisabled {
		return displaytypes.SuspendLevelOn
	}

	if in.CallState == displaytypes.CallStateRinging ||
		in.AlarmActive ||
		in.Exceptions.Has(displaytypes.ExceptionNotification) ||
		in.Exceptions.Has(displaytypes.ExceptionLinger) ||
		in.SystemState != displaytypes.SystemStateUser ||
		!in.BootupComplete ||
		in.ShutdownActive ||
		in.PackageKitLocked ||
		in.SuspendPolicy == displaytypes.SuspendEarlyOnly {
		return displaytypes.SuspendLevelEarly
	}

	return displaytypes.SuspendLevelLate
}

// ReasonToBlockDisplayOn returns an informative reason an external
// display-on/dim request must be denied, or "allowed" if it is not
// (§4.6).
func ReasonToBlockDisplayOn(in Inputs) string {
	if in.SystemState != displaytypes.SystemStateUser && in.SystemState != displaytypes.SystemStateActDead {
		return "system not in user or actdead state"
	}
	if in.CallState == displaytypes.CallStateRinging || in.CallState == displaytypes.CallStateActive {
		return "call ringing or active"
	}
	if in.AlarmActive {
		return "alarm active"
	}
	if in.ProximityCovered {
		return "proximity covered"
	}
	return "allowed"
}
