package rendereripc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mced/display-core/internal/displaytypes"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type fakeUI struct {
	mu      sync.Mutex
	err     error
	calls   int
	lastReq bool
	block   chan struct{}
}

func (f *fakeUI) SetUpdatesEnabled(ctx context.Context, enabled bool) error {
	f.mu.Lock()
	f.calls++
	f.lastReq = enabled
	block := f.block
	err := f.err
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeUI) PID() (int, bool) { return 0, false }

func waitForState(t *testing.T, r *RendererIPC, want displaytypes.RendererUiState) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if r.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state did not reach %v, got %v", want, r.State())
}

func TestSetStateReqSuccessSetsEnabled(t *testing.T) {
	ui := &fakeUI{}
	r := New(ui, testLogger(), nil)
	r.SetStateReq(true)
	waitForState(t, r, displaytypes.RendererEnabled)
}

func TestSetStateReqErrorSetsErrorState(t *testing.T) {
	ui := &fakeUI{err: errors.New("boom")}
	r := New(ui, testLogger(), nil)
	r.SetStateReq(false)
	waitForState(t, r, displaytypes.RendererError)
}

func TestSetStateReqPeerGoneTreatedAsSuccess(t *testing.T) {
	ui := &fakeUI{err: ErrPeerGone}
	r := New(ui, testLogger(), nil)
	r.SetStateReq(true)
	waitForState(t, r, displaytypes.RendererEnabled)
}

func TestSetStateReqSupersedesPendingCall(t *testing.T) {
	block := make(chan struct{})
	ui := &fakeUI{block: block}
	r := New(ui, testLogger(), nil)

	r.SetStateReq(true)
	time.Sleep(10 * time.Millisecond)
	r.SetStateReq(false)
	close(block)

	waitForState(t, r, displaytypes.RendererDisabled)
}

func TestNotifyNameOwnerLostResetsState(t *testing.T) {
	block := make(chan struct{})
	ui := &fakeUI{block: block}
	r := New(ui, testLogger(), nil)
	r.SetStateReq(true)

	r.NotifyNameOwnerLost()
	assert.Equal(t, displaytypes.RendererUnknown, r.State())
	close(block)
}

type nullKiller struct {
	mu       sync.Mutex
	probed   bool
	killed   bool
	verified bool
}

func (k *nullKiller) ProbeAndDump(pid int) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.probed = true
	return true
}

func (k *nullKiller) Kill(pid int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.killed = true
	return nil
}

func (k *nullKiller) Verify(pid int) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.verified = true
	return false
}

func TestWithUnresponsiveUIKillerRequiresPID(t *testing.T) {
	ui := &fakeUI{}
	k := &nullKiller{}
	r := New(ui, testLogger(), nil, WithUnresponsiveUIKiller(k))
	require.NotNil(t, r)
	// PID() returns false here, so no escalation goroutine should start;
	// exercised mainly to confirm construction with the option succeeds.
	r.SetStateReq(true)
	waitForState(t, r, displaytypes.RendererEnabled)
}
