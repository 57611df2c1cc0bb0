package blanking

import "time"

// timer and clock mirror backlight's abstraction (itself grounded on
// azade-c-openclaw-node-kobo's power.Manager) so the six-timer matrix can
// be driven deterministically in tests instead of sleeping real seconds.
type timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

type clock interface {
	NewTimer(d time.Duration) timer
}

type systemClock struct{}

func (systemClock) NewTimer(d time.Duration) timer {
	return &systemTimer{t: time.NewTimer(d)}
}

type systemTimer struct{ t *time.Timer }

func (t *systemTimer) C() <-chan time.Time         { return t.t.C }
func (t *systemTimer) Stop() bool                  { return t.t.Stop() }
func (t *systemTimer) Reset(d time.Duration) bool { return t.t.Reset(d) }
