package dbusiface

import (
	"context"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

const (
	startupIface = "com.nokia.startup.signal"
	dsmeIface    = "com.nokia.dsme.signal"
	dbusIface    = "org.freedesktop.DBus"
)

// SignalCallbacks are the daemon-level reactions to the consumed
// signals listed in spec.md §6. Each is invoked on the dispatch
// goroutine, so implementations must not block.
type SignalCallbacks struct {
	// DesktopVisible fires on com.nokia.startup.signal/desktop_visible:
	// clears bootup submode and the additional dim timeout.
	DesktopVisible func()

	// ShutdownLatched fires on any of com.nokia.dsme.signal's
	// shutdown_ind, thermal_shutdown_ind, battery_empty_ind: latches
	// shutdown_started so the policy denies further suspend.
	ShutdownLatched func()

	// UIOwnerChanged fires on NameOwnerChanged for the UI peer, with
	// the new unique owner name (empty string on loss).
	UIOwnerChanged func(newOwner string)
}

// SignalConsumer subscribes to the bus signals the display core reacts
// to and dispatches them to SignalCallbacks. Grounded on the same
// godbus/dbus/v5 connection the request Server is exported on.
type SignalConsumer struct {
	conn     *dbus.Conn
	cb       SignalCallbacks
	log      logrus.FieldLogger
	uiPeer   string
	signals  chan *dbus.Signal
}

// NewSignalConsumer adds the match rules for the signals named in §6
// and returns a consumer ready to Run. uiPeer is the well-known bus
// name whose NameOwnerChanged transitions are tracked (e.g.
// "org.nemomobile.lipstick").
func NewSignalConsumer(conn *dbus.Conn, uiPeer string, cb SignalCallbacks, log logrus.FieldLogger) (*SignalConsumer, error) {
	rules := []string{
		"type='signal',interface='" + startupIface + "',member='desktop_visible'",
		"type='signal',interface='" + dsmeIface + "',member='shutdown_ind'",
		"type='signal',interface='" + dsmeIface + "',member='thermal_shutdown_ind'",
		"type='signal',interface='" + dsmeIface + "',member='battery_empty_ind'",
		"type='signal',interface='" + dbusIface + "',member='NameOwnerChanged',arg0='" + uiPeer + "'",
	}
	for _, rule := range rules {
		if call := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule); call.Err != nil {
			return nil, call.Err
		}
	}

	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)

	return &SignalConsumer{
		conn:    conn,
		cb:      cb,
		log:     log.WithField("component", "dbusiface.signals"),
		uiPeer:  uiPeer,
		signals: signals,
	}, nil
}

// Run dispatches signals until ctx is done.
func (c *SignalConsumer) Run(ctx context.Context) {
	for {
		select {
		case sig := <-c.signals:
			if sig == nil {
				return
			}
			c.dispatch(sig)
		case <-ctx.Done():
			return
		}
	}
}

func (c *SignalConsumer) dispatch(sig *dbus.Signal) {
	switch sig.Name {
	case startupIface + ".desktop_visible":
		if c.cb.DesktopVisible != nil {
			c.cb.DesktopVisible()
		}
	case dsmeIface + ".shutdown_ind", dsmeIface + ".thermal_shutdown_ind", dsmeIface + ".battery_empty_ind":
		if c.cb.ShutdownLatched != nil {
			c.cb.ShutdownLatched()
		}
	case dbusIface + ".NameOwnerChanged":
		c.dispatchNameOwnerChanged(sig)
	default:
		c.log.WithField("signal", sig.Name).Debug("dbusiface: unhandled signal")
	}
}

func (c *SignalConsumer) dispatchNameOwnerChanged(sig *dbus.Signal) {
	if len(sig.Body) != 3 {
		return
	}
	name, ok := sig.Body[0].(string)
	if !ok || name != c.uiPeer {
		return
	}
	newOwner, ok := sig.Body[2].(string)
	if !ok {
		return
	}
	if c.cb.UIOwnerChanged != nil {
		c.cb.UIOwnerChanged(newOwner)
	}
}
