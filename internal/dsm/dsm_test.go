package dsm

import (
	"context"
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

type fakeFB struct {
	mu             sync.Mutex
	suspendCalls   int
	resumeCalls    int
}

func (f *fakeFB) StartSuspend() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspendCalls++
	return nil
}

func (f *fakeFB) StartResume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumeCalls++
	return nil
}

// fakeRenderer only records every request; the tests model the async
// reply by calling dsm.OnRendererReply explicitly, without a real D-Bus
// round trip.
type fakeRenderer struct {
	mu    sync.Mutex
	state displaytypes.RendererUiState
	reqs  []bool
}

func (f *fakeRenderer) SetStateReq(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, enabled)
}

func (f *fakeRenderer) State() displaytypes.RendererUiState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

type fakeInhibitor struct {
	mu         sync.Mutex
	acquired   int
	released   int
	downgraded int
	lastTimeout time.Duration
}

func (f *fakeInhibitor) Acquire(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired++
	return nil
}

func (f *fakeInhibitor) Release(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return nil
}

func (f *fakeInhibitor) Downgrade(_ string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downgraded++
	f.lastTimeout = timeout
	return nil
}

func (f *fakeInhibitor) downgradeCallsSnapshot() (int, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downgraded, f.lastTimeout
}

func alwaysLate() displaytypes.AllowedSuspendLevel { return displaytypes.SuspendLevelLate }

func newTestDSM(policy PolicyFunc) (*DSM, *fakeFB, *fakeInhibitor, chan displaytypes.DisplayState) {
	fb := &fakeFB{}
	inh := &fakeInhibitor{}
	published := make(chan displaytypes.DisplayState, 64)
	renderer := &fakeRenderer{}
	d := New(fb, renderer, policy, inh, func(s displaytypes.DisplayState) {
		select {
		case published <- s:
		default:
		}
	}, testLogger())
	return d, fb, inh, published
}

func TestRequestOnReachesStayPowerOnAfterRendererEnabled(t *testing.T) {
	d, _, _, published := newTestDSM(alwaysLate)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	require.NoError(t, d.Request(displaytypes.DisplayOn))
	time.Sleep(20 * time.Millisecond) // allow Unset -> RendererInitStart -> RendererWaitStart
	d.OnRendererReply(displaytypes.RendererEnabled)

	deadline := time.Now().Add(time.Second)
	var gotOn bool
	for time.Now().Before(deadline) {
		select {
		case s := <-published:
			if s == displaytypes.DisplayOn {
				gotOn = true
			}
		default:
			time.Sleep(time.Millisecond)
		}
		if gotOn {
			break
		}
	}
	assert.True(t, gotOn, "expected On to be published")
	assert.Equal(t, displaytypes.DisplayOn, d.CurrentDisplayState())
}

func TestRejectsNonRequestableTarget(t *testing.T) {
	d, _, _, _ := newTestDSM(alwaysLate)
	err := d.Request(displaytypes.DisplayPoweringUp)
	assert.Error(t, err)
}

func TestRequestOffProgressesThroughSuspendWhenPolicyAllows(t *testing.T) {
	d, fb, _, published := newTestDSM(alwaysLate)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	require.NoError(t, d.Request(displaytypes.DisplayOn))
	time.Sleep(10 * time.Millisecond)
	d.OnRendererReply(displaytypes.RendererEnabled)
	time.Sleep(10 * time.Millisecond)
	drain(published)

	require.NoError(t, d.Request(displaytypes.DisplayOff))
	time.Sleep(10 * time.Millisecond)
	d.OnRendererReply(displaytypes.RendererDisabled)
	time.Sleep(10 * time.Millisecond)

	assert.GreaterOrEqual(t, fb.suspendCallsSnapshot(), 1)
	d.OnFBStateChange(true)

	deadline := time.Now().Add(time.Second)
	var gotOff bool
	for time.Now().Before(deadline) {
		select {
		case s := <-published:
			if s == displaytypes.DisplayOff {
				gotOff = true
			}
		default:
			time.Sleep(time.Millisecond)
		}
		if gotOff {
			break
		}
	}
	assert.True(t, gotOff)
}

func TestRequestOffDowngradesWakelockInsteadOfReleasing(t *testing.T) {
	d, fb, inh, published := newTestDSM(alwaysLate)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	require.NoError(t, d.Request(displaytypes.DisplayOn))
	time.Sleep(10 * time.Millisecond)
	d.OnRendererReply(displaytypes.RendererEnabled)
	time.Sleep(10 * time.Millisecond)
	drain(published)

	require.NoError(t, d.Request(displaytypes.DisplayOff))
	time.Sleep(10 * time.Millisecond)
	d.OnRendererReply(displaytypes.RendererDisabled)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && fb.suspendCallsSnapshot() == 0 {
		time.Sleep(time.Millisecond)
	}
	require.GreaterOrEqual(t, fb.suspendCallsSnapshot(), 1)
	d.OnFBStateChange(true)

	deadline = time.Now().Add(time.Second)
	var downgrades int
	var timeout time.Duration
	for time.Now().Before(deadline) {
		downgrades, timeout = inh.downgradeCallsSnapshot()
		if downgrades > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	assert.GreaterOrEqual(t, downgrades, 1, "expected the display-on wakelock to be downgraded, not released outright")
	assert.Equal(t, wakelockReleaseDelay, timeout)

	inh.mu.Lock()
	released := inh.released
	inh.mu.Unlock()
	assert.Equal(t, 0, released, "an instant wake_unlock must not happen on this path")
}

func (f *fakeFB) suspendCallsSnapshot() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.suspendCalls
}

func drain(ch chan displaytypes.DisplayState) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
