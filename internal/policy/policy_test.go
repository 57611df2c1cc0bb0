package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mced/display-core/internal/displaytypes"
)

func baseInputs() Inputs {
	return Inputs{
		RendererUIState: displaytypes.RendererDisabled,
		SuspendPolicy:   displaytypes.SuspendEnabled,
		SystemState:     displaytypes.SystemStateUser,
		BootupComplete:  true,
	}
}

func TestAllowedLevelOnWhenRendererNotDisabled(t *testing.T) {
	in := baseInputs()
	in.RendererUIState = displaytypes.RendererEnabled
	assert.Equal(t, displaytypes.SuspendLevelOn, AllowedLevel(in))
}

func TestAllowedLevelOnWhenUnloading(t *testing.T) {
	in := baseInputs()
	in.Unloading = true
	assert.Equal(t, displaytypes.SuspendLevelOn, AllowedLevel(in))
}

func TestAllowedLevelOnWhenSuspendDisabled(t *testing.T) {
	in := baseInputs()
	in.SuspendPolicy = displaytypes.SuspendDisabled
	assert.Equal(t, displaytypes.SuspendLevelOn, AllowedLevel(in))
}

func TestAllowedLevelEarlyWhenRinging(t *testing.T) {
	in := baseInputs()
	in.CallState = displaytypes.CallStateRinging
	assert.Equal(t, displaytypes.SuspendLevelEarly, AllowedLevel(in))
}

func TestAllowedLevelEarlyWhenSystemNotUser(t *testing.T) {
	in := baseInputs()
	in.SystemState = displaytypes.SystemStateActDead
	assert.Equal(t, displaytypes.SuspendLevelEarly, AllowedLevel(in))
}

func TestAllowedLevelLateWhenIdle(t *testing.T) {
	assert.Equal(t, displaytypes.SuspendLevelLate, AllowedLevel(baseInputs()))
}

func TestReasonToBlockDisplayOnAllowed(t *testing.T) {
	assert.Equal(t, "allowed", ReasonToBlockDisplayOn(baseInputs()))
}

func TestReasonToBlockDisplayOnRinging(t *testing.T) {
	in := baseInputs()
	in.CallState = displaytypes.CallStateRinging
	assert.Equal(t, "call ringing or active", ReasonToBlockDisplayOn(in))
}

func TestReasonToBlockDisplayOnProximity(t *testing.T) {
	in := baseInputs()
	in.ProximityCovered = true
	assert.Equal(t, "proximity covered", ReasonToBlockDisplayOn(in))
}
