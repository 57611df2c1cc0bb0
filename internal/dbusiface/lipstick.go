package dbusiface

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/mced/display-core/internal/rendereripc"
)

// LipstickUIProcess implements rendereripc.UIProcess over the real bus,
// calling org.nemomobile.lipstick's setUpdatesEnabled asynchronously and
// tracking the peer's owning unique name so callers can resolve its pid
// for the escalation chain (§6 "async ... setUpdatesEnabled(bool)").
type LipstickUIProcess struct {
	conn *dbus.Conn

	mu      sync.Mutex
	ownerID string
	havePID bool
	pid     int
}

// NewLipstickUIProcess returns a UIProcess bound to conn.
func NewLipstickUIProcess(conn *dbus.Conn) *LipstickUIProcess {
	return &LipstickUIProcess{conn: conn}
}

// SetUpdatesEnabled issues the call and blocks until ctx is done or a
// reply (or D-Bus error) arrives. A NameHasNoOwner error (the peer
// disappeared) surfaces as rendereripc.ErrPeerGone (§4.1).
func (l *LipstickUIProcess) SetUpdatesEnabled(ctx context.Context, enabled bool) error {
	obj := l.conn.Object(lipstickDest, dbus.ObjectPath(lipstickPath))

	deadline, ok := ctx.Deadline()
	timeout := setUpdatesEnabledTimeoutMs * time.Millisecond
	if ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	call := obj.CallWithContext(callCtx, lipstickIface+".setUpdatesEnabled", 0, enabled)
	if call.Err != nil {
		if isNameGoneErr(call.Err) {
			return rendereripc.ErrPeerGone
		}
		return fmt.Errorf("dbusiface: setUpdatesEnabled(%v): %w", enabled, call.Err)
	}
	return nil
}

func isNameGoneErr(err error) bool {
	dbusErr, ok := err.(dbus.Error)
	if !ok {
		return false
	}
	return dbusErr.Name == "org.freedesktop.DBus.Error.NameHasNoOwner" ||
		dbusErr.Name == "org.freedesktop.DBus.Error.ServiceUnknown"
}

// PID returns the last-resolved unix process id of the lipstick peer, if
// NotifyOwnerChanged has resolved one.
func (l *LipstickUIProcess) PID() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pid, l.havePID
}

// NotifyOwnerChanged is called from the NameOwnerChanged signal consumer
// (§6) with the new unique bus name owning lipstickDest (empty string on
// loss). It resolves the pid via GetConnectionUnixProcessID.
func (l *LipstickUIProcess) NotifyOwnerChanged(newOwner string) {
	l.mu.Lock()
	l.ownerID = newOwner
	if newOwner == "" {
		l.havePID = false
		l.pid = 0
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	var pid uint32
	busObj := l.conn.BusObject()
	err := busObj.Call("org.freedesktop.DBus.GetConnectionUnixProcessID", 0, newOwner).Store(&pid)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ownerID != newOwner {
		return // superseded by a newer owner change while resolving
	}
	if err == nil {
		l.pid = int(pid)
		l.havePID = true
	}
}
