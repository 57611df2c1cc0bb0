// Package dbusiface exposes the display core's D-Bus request interface
// and consumes the system signals it reacts to (spec.md §6). It is built
// on github.com/godbus/dbus/v5, the bus library the teacher's go.mod
// declares (and librescoot-alarm-service actually uses for an embedded
// daemon of the same shape), adapted here from the teacher's HTTP
// mux.Router request-handler pattern to exported D-Bus methods.
package dbusiface

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/mced/display-core/internal/blanking"
	"github.com/mced/display-core/internal/displaytypes"
)

const (
	busName      = "com.nokia.mce"
	objectPath   = "/com/nokia/mce/request"
	requestIface = "com.nokia.mce.request"
	signalIface  = "com.nokia.mce.signal"

	lipstickDest = "org.nemomobile.lipstick"
	lipstickPath = "/"
	lipstickIface = "org.nemomobile.lipstick"

	setUpdatesEnabledTimeoutMs = 120000
)

// DSM is the subset of dsm.DSM the request interface drives.
type DSM interface {
	Request(next displaytypes.DisplayState) error
	CurrentDisplayState() displaytypes.DisplayState
}

// BlankingPause is the subset of blanking.BlankingTimers the pause
// request methods drive, plus a snapshot accessor for the inputs the
// pause-admission check needs (display must be On, tklock inactive).
type BlankingPause interface {
	AddPauseClient(peer string, in blanking.Inputs) error
	RemovePauseClient(peer string) bool
}

// PauseInputs returns the current blanking Inputs snapshot to evaluate a
// pause request against.
type PauseInputs func() blanking.Inputs

// CABC exposes the panel's content-adaptive-backlight mode; dbusiface
// only forwards get/set calls to the implementation it is given (§1
// Non-goals: "CABC-mode wire format" is out
// of core scope, so this is a thin pass-through, not a format parser).
type CABC interface {
	Mode() string
	SetMode(mode string) error
}

// Server exposes the request interface on conn and emits
// display_status_ind. It does not own the connection's lifecycle — the
// caller is expected to have already called conn.RequestName.
type Server struct {
	conn   *dbus.Conn
	dsm    DSM
	cabc   CABC
	pause  BlankingPause
	inputs PauseInputs
	log    logrus.FieldLogger
}

// New constructs a Server and exports it at objectPath/requestIface.
func New(conn *dbus.Conn, dsm DSM, cabc CABC, pause BlankingPause, inputs PauseInputs, log logrus.FieldLogger) (*Server, error) {
	s := &Server{conn: conn, dsm: dsm, cabc: cabc, pause: pause, inputs: inputs, log: log.WithField("component", "dbusiface")}
	if err := conn.Export(s, objectPath, requestIface); err != nil {
		return nil, fmt.Errorf("dbusiface: export request interface: %w", err)
	}
	return s, nil
}

// GetDisplayStatus implements get_display_status.
func (s *Server) GetDisplayStatus() (string, *dbus.Error) {
	return statusString(s.dsm.CurrentDisplayState()), nil
}

// GetCABCMode implements get_cabc_mode.
func (s *Server) GetCABCMode() (string, *dbus.Error) {
	if s.cabc == nil {
		return "", dbus.NewError(requestIface+".Unsupported", []interface{}{"cabc not available"})
	}
	return s.cabc.Mode(), nil
}

// ReqDisplayStateOn implements req_display_state_on.
func (s *Server) ReqDisplayStateOn() *dbus.Error {
	return s.request(displaytypes.DisplayOn)
}

// ReqDisplayStateDim implements req_display_state_dim.
func (s *Server) ReqDisplayStateDim() *dbus.Error {
	return s.request(displaytypes.DisplayDim)
}

// ReqDisplayStateOff implements req_display_state_off.
func (s *Server) ReqDisplayStateOff() *dbus.Error {
	return s.request(displaytypes.DisplayOff)
}

func (s *Server) request(target displaytypes.DisplayState) *dbus.Error {
	if err := s.dsm.Request(target); err != nil {
		s.log.WithError(err).WithField("target", target.String()).Warn("display state request denied")
		return dbus.NewError(requestIface+".InvalidRequest", []interface{}{err.Error()})
	}
	return nil
}

// ReqCABCMode implements req_cabc_mode, echoing the mode on success.
func (s *Server) ReqCABCMode(mode string) (string, *dbus.Error) {
	if s.cabc == nil {
		return "", dbus.NewError(requestIface+".Unsupported", []interface{}{"cabc not available"})
	}
	if err := s.cabc.SetMode(mode); err != nil {
		return "", dbus.NewError(requestIface+".InvalidRequest", []interface{}{err.Error()})
	}
	return mode, nil
}

// ReqDisplayBlankingPause implements req_display_blanking_pause. sender
// is populated by godbus from the D-Bus method call header and used as
// the pause-client key (§4.2 BlankingPauseClients).
func (s *Server) ReqDisplayBlankingPause(sender dbus.Sender) *dbus.Error {
	if s.pause == nil || s.inputs == nil {
		return dbus.NewError(requestIface+".Unsupported", []interface{}{"blanking pause not available"})
	}
	if err := s.pause.AddPauseClient(string(sender), s.inputs()); err != nil {
		return dbus.NewError(requestIface+".InvalidRequest", []interface{}{err.Error()})
	}
	return nil
}

// ReqDisplayCancelBlankingPause implements req_display_cancel_blanking_pause.
func (s *Server) ReqDisplayCancelBlankingPause(sender dbus.Sender) *dbus.Error {
	if s.pause == nil {
		return dbus.NewError(requestIface+".Unsupported", []interface{}{"blanking pause not available"})
	}
	s.pause.RemovePauseClient(string(sender))
	return nil
}

// EmitDisplayStatusInd emits display_status_ind for a settled state
// change (§6: "transitional states do not emit signals").
func (s *Server) EmitDisplayStatusInd(state displaytypes.DisplayState) error {
	return s.conn.Emit(objectPath, signalIface+".display_status_ind", statusString(state))
}

func statusString(s displaytypes.DisplayState) string {
	switch s {
	case displaytypes.DisplayOff, displaytypes.DisplayLpmOff:
		return "off"
	case displaytypes.DisplayDim:
		return "dim"
	default:
		return "on"
	}
}
