// Package rendereripc implements the RendererIPC component (spec.md
// §4.4): asynchronous "enable/disable UI updates" calls to the renderer
// process, timeout/escalation handling for an unresponsive UI peer (§4.1
// failure semantics, §8 scenario S6), and name-owner change tracking.
//
// The retry-with-backoff shape (cancel pending, issue with timeout,
// decay an alert-timeout value) is grounded on the teacher's
// network.Client.doWithRetry, adapted from synchronous HTTP retries to a
// single async call plus an escalating watchdog. The decayed alert-timeout
// value is only kept; no alert timer or LED is armed with it.
package rendereripc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mced/display-core/internal/displaytypes"
)

// ErrPeerGone indicates the UI's D-Bus name disappeared while a call was
// in flight; the DSM treats this the same as a successful reply (§4.1).
var ErrPeerGone = errors.New("rendereripc: ui peer gone")

const (
	callTimeout          = 2 * time.Minute
	ledInitialTimeout    = 15 * time.Second
	ledMinTimeout        = 1500 * time.Millisecond
	unresponsivePtrace   = 30 * time.Second
	unresponsiveKill     = 25 * time.Second
	unresponsiveVerify   = 5 * time.Second
)

// UIProcess is the D-Bus-backed peer this package drives; the real
// implementation wraps a godbus/dbus/v5 object, test doubles can fake
// slow or erroring peers.
type UIProcess interface {
	// SetUpdatesEnabled issues the async call and blocks the calling
	// goroutine until a reply arrives or ctx is done. Returning
	// ErrPeerGone signals the D-Bus name disappeared mid-call.
	SetUpdatesEnabled(ctx context.Context, enabled bool) error
	// PID returns the last-known peer process id, if any.
	PID() (int, bool)
}

// Killer escalates against an unresponsive UI process (§4.1, S6): probe
// via ptrace attach/detach, then SIGXCPU+SIGCONT to force a core dump,
// then SIGKILL, then a liveness verification.
type Killer interface {
	ProbeAndDump(pid int) (attempted bool)
	Kill(pid int) error
	Verify(pid int) (alive bool)
}

// RendererIPC drives UIProcess and tracks renderer_ui_state.
type RendererIPC struct {
	ui      UIProcess
	killer  Killer
	log     logrus.FieldLogger
	enabled bool // runtime switch for the unresponsive-ui killer chain, off by default

	onReappeared func() // called from NotifyNameOwnerChanged, outside r.mu

	mu            sync.Mutex
	state         displaytypes.RendererUiState
	cancelPending context.CancelFunc
	ledTimeout    time.Duration
	generation    int
	onStateChange func(displaytypes.RendererUiState)
}

// Option configures optional behavior at construction.
type Option func(*RendererIPC)

// WithUnresponsiveUIKiller enables the ptrace/SIGXCPU/SIGKILL escalation
// chain. It defaults to off: the source gates it behind a "devel" log
// level, so here it ships runtime-disabled (§9 Open Questions).
func WithUnresponsiveUIKiller(k Killer) Option {
	return func(r *RendererIPC) {
		r.killer = k
		r.enabled = true
	}
}

// WithNameOwnerReappearedHook registers fn to run whenever
// NotifyNameOwnerChanged fires, so a caller (the DSM) can latch its own
// resynchronization state without RendererIPC needing to know about it
// (§4.4).
func WithNameOwnerReappearedHook(fn func()) Option {
	return func(r *RendererIPC) {
		r.onReappeared = fn
	}
}

// New constructs a RendererIPC. onStateChange is invoked whenever
// renderer_ui_state settles to a new value.
func New(ui UIProcess, log logrus.FieldLogger, onStateChange func(displaytypes.RendererUiState), opts ...Option) *RendererIPC {
	r := &RendererIPC{
		ui:            ui,
		log:           log.WithField("component", "rendereripc"),
		state:         displaytypes.RendererUnknown,
		ledTimeout:    ledInitialTimeout,
		onStateChange: onStateChange,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// State returns the last-known renderer UI state.
func (r *RendererIPC) State() displaytypes.RendererUiState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetStateReq cancels any pending call, issues a new asynchronous
// UpdatesEnabled(enabled) call, and arms the escalation chain (§4.4).
func (r *RendererIPC) SetStateReq(enabled bool) {
	r.mu.Lock()
	if r.cancelPending != nil {
		r.cancelPending()
	}
	r.state = displaytypes.RendererUnknown
	r.generation++
	gen := r.generation
	ledTimeout := r.ledTimeout
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	r.mu.Lock()
	r.cancelPending = cancel
	r.mu.Unlock()

	if r.enabled && r.killer != nil {
		if pid, ok := r.ui.PID(); ok {
			go r.runEscalation(ctx, gen, pid)
		}
	}

	go r.call(ctx, cancel, gen, enabled, ledTimeout)
}

func (r *RendererIPC) call(ctx context.Context, cancel context.CancelFunc, gen int, enabled bool, ledTimeout time.Duration) {
	defer cancel()
	err := r.ui.SetUpdatesEnabled(ctx, enabled)

	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.generation {
		return // superseded by a later request; this reply is stale
	}

	switch {
	case err == nil:
		if enabled {
			r.state = displaytypes.RendererEnabled
		} else {
			r.state = displaytypes.RendererDisabled
		}
		r.ledTimeout = ledInitialTimeout
	case errors.Is(err, ErrPeerGone):
		// treated as success: proceed without UI cooperation (§4.1)
		if enabled {
			r.state = displaytypes.RendererEnabled
		} else {
			r.state = displaytypes.RendererDisabled
		}
	default:
		r.state = displaytypes.RendererError
		r.ledTimeout = decay(r.ledTimeout)
		r.log.WithError(err).Warn("renderer ipc call failed")
	}

	if r.onStateChange != nil {
		r.onStateChange(r.state)
	}
}

func decay(cur time.Duration) time.Duration {
	next := cur / 2
	if next < ledMinTimeout {
		return ledMinTimeout
	}
	return next
}

// runEscalation implements the S6 timeline: 30s → ptrace probe; +25s →
// SIGKILL; +5s → verify. Any generation change (a fresh SetStateReq, or
// a reply arriving) observed via ctx cancellation aborts the chain.
func (r *RendererIPC) runEscalation(ctx context.Context, gen int, pid int) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(unresponsivePtrace):
	}
	if r.superseded(gen) {
		return
	}
	attempted := r.killer.ProbeAndDump(pid)
	r.log.WithField("pid", pid).WithField("attempted", attempted).Warn("renderer unresponsive, dump attempted")

	select {
	case <-ctx.Done():
		return
	case <-time.After(unresponsiveKill):
	}
	if r.superseded(gen) {
		return
	}
	if err := r.killer.Kill(pid); err != nil {
		r.log.WithError(err).Warn("failed to kill unresponsive renderer")
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(unresponsiveVerify):
	}
	if r.superseded(gen) {
		return
	}
	if r.killer.Verify(pid) {
		r.log.WithField("pid", pid).Error("renderer still alive after kill escalation")
	}
}

func (r *RendererIPC) superseded(gen int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return gen != r.generation
}

// NotifyNameOwnerChanged marks the UI peer as freshly (re)appeared,
// forcing a redundant Enabled call at the next opportunity — the UI may
// render immediately on startup and our cached state must resynchronize
// (§4.4).
func (r *RendererIPC) NotifyNameOwnerChanged() {
	r.SetStateReq(true)
	if r.onReappeared != nil {
		r.onReappeared()
	}
}

// NotifyNameOwnerLost drops any in-flight call and cancels the
// escalation chain; the peer cannot reply or be killed once it is gone.
func (r *RendererIPC) NotifyNameOwnerLost() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelPending != nil {
		r.cancelPending()
	}
	r.generation++
	r.state = displaytypes.RendererUnknown
}
