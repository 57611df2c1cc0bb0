package dbusiface

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/mced/display-core/internal/blanking"
	"github.com/mced/display-core/internal/displaytypes"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type fakeDSM struct {
	state       displaytypes.DisplayState
	requestErr  error
	lastRequest displaytypes.DisplayState
}

func (f *fakeDSM) Request(next displaytypes.DisplayState) error {
	f.lastRequest = next
	return f.requestErr
}

func (f *fakeDSM) CurrentDisplayState() displaytypes.DisplayState { return f.state }

type fakeCABC struct {
	mode    string
	setErr  error
}

func (f *fakeCABC) Mode() string { return f.mode }
func (f *fakeCABC) SetMode(mode string) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.mode = mode
	return nil
}

type fakePause struct {
	added   map[string]bool
	addErr  error
}

func (f *fakePause) AddPauseClient(peer string, in blanking.Inputs) error {
	if f.addErr != nil {
		return f.addErr
	}
	if f.added == nil {
		f.added = make(map[string]bool)
	}
	f.added[peer] = true
	return nil
}

func (f *fakePause) RemovePauseClient(peer string) bool {
	delete(f.added, peer)
	return true
}

func newTestServer(dsm *fakeDSM, cabc *fakeCABC, pause *fakePause) *Server {
	return &Server{
		dsm:    dsm,
		cabc:   cabc,
		pause:  pause,
		inputs: func() blanking.Inputs { return blanking.Inputs{DisplayState: displaytypes.DisplayOn} },
		log:    testLogger(),
	}
}

func TestGetDisplayStatusMapsStates(t *testing.T) {
	cases := map[displaytypes.DisplayState]string{
		displaytypes.DisplayOn:     "on",
		displaytypes.DisplayDim:    "dim",
		displaytypes.DisplayOff:    "off",
		displaytypes.DisplayLpmOff: "off",
	}
	for state, want := range cases {
		s := newTestServer(&fakeDSM{state: state}, nil, nil)
		got, derr := s.GetDisplayStatus()
		assert.Nil(t, derr)
		assert.Equal(t, want, got)
	}
}

func TestReqDisplayStateOnForwardsToDSM(t *testing.T) {
	dsm := &fakeDSM{}
	s := newTestServer(dsm, nil, nil)
	derr := s.ReqDisplayStateOn()
	assert.Nil(t, derr)
	assert.Equal(t, displaytypes.DisplayOn, dsm.lastRequest)
}

func TestReqDisplayStateReturnsInvalidRequestOnDenial(t *testing.T) {
	dsm := &fakeDSM{requestErr: errors.New("call ringing")}
	s := newTestServer(dsm, nil, nil)
	derr := s.ReqDisplayStateOn()
	assert.NotNil(t, derr)
	assert.Equal(t, requestIface+".InvalidRequest", derr.Name)
}

func TestReqCABCModeEchoesMode(t *testing.T) {
	cabc := &fakeCABC{}
	s := newTestServer(&fakeDSM{}, cabc, nil)
	got, derr := s.ReqCABCMode("still")
	assert.Nil(t, derr)
	assert.Equal(t, "still", got)
	assert.Equal(t, "still", cabc.mode)
}

func TestGetCABCModeUnsupportedWithoutCABC(t *testing.T) {
	s := newTestServer(&fakeDSM{}, nil, nil)
	_, derr := s.GetCABCMode()
	assert.NotNil(t, derr)
}

func TestReqDisplayBlankingPauseAddsClient(t *testing.T) {
	pause := &fakePause{}
	s := newTestServer(&fakeDSM{}, nil, pause)
	derr := s.ReqDisplayBlankingPause("peer.sender")
	assert.Nil(t, derr)
	assert.True(t, pause.added["peer.sender"])
}

func TestIsNameGoneErrDetectsNameHasNoOwner(t *testing.T) {
	assert.True(t, isNameGoneErr(dbus.Error{Name: "org.freedesktop.DBus.Error.NameHasNoOwner"}))
	assert.False(t, isNameGoneErr(errors.New("some other error")))
}
