package dbusiface

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
)

func TestDispatchDesktopVisible(t *testing.T) {
	var fired bool
	c := &SignalConsumer{
		uiPeer: "org.nemomobile.lipstick",
		cb:     SignalCallbacks{DesktopVisible: func() { fired = true }},
		log:    testLogger(),
	}
	c.dispatch(&dbus.Signal{Name: startupIface + ".desktop_visible"})
	assert.True(t, fired)
}

func TestDispatchShutdownLatchedOnAnyDsmeSignal(t *testing.T) {
	for _, member := range []string{"shutdown_ind", "thermal_shutdown_ind", "battery_empty_ind"} {
		var fired bool
		c := &SignalConsumer{
			cb:  SignalCallbacks{ShutdownLatched: func() { fired = true }},
			log: testLogger(),
		}
		c.dispatch(&dbus.Signal{Name: dsmeIface + "." + member})
		assert.True(t, fired, member)
	}
}

func TestDispatchNameOwnerChangedOnlyForTrackedPeer(t *testing.T) {
	var gotOwner string
	var calls int
	c := &SignalConsumer{
		uiPeer: "org.nemomobile.lipstick",
		cb: SignalCallbacks{UIOwnerChanged: func(owner string) {
			calls++
			gotOwner = owner
		}},
		log: testLogger(),
	}

	c.dispatch(&dbus.Signal{
		Name: dbusIface + ".NameOwnerChanged",
		Body: []interface{}{"org.other.service", "", ":1.5"},
	})
	assert.Equal(t, 0, calls)

	c.dispatch(&dbus.Signal{
		Name: dbusIface + ".NameOwnerChanged",
		Body: []interface{}{"org.nemomobile.lipstick", ":1.4", ":1.7"},
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, ":1.7", gotOwner)
}

func TestDispatchUnhandledSignalIsIgnored(t *testing.T) {
	c := &SignalConsumer{log: testLogger()}
	assert.NotPanics(t, func() {
		c.dispatch(&dbus.Signal{Name: "org.example.Unrelated"})
	})
}
