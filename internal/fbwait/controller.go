package fbwait

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
)

// Controller adapts Waiter/Blank to dsm.FBController (spec.md §4.5):
// StartSuspend/StartResume issue the imperative FBIOBLANK ioctl; the
// actual suspended/resumed observation comes asynchronously through
// Waiter's Events() channel when the wait-for-fb sysfs files exist, or
// is short-circuited synchronously via onFBStateChange when they don't.
type Controller struct {
	waiter  *Waiter
	fbDev   string
	hasWait bool
	notify  func(suspended bool)
	log     logrus.FieldLogger
}

// NewController probes for the wait-for-fb sysfs files; when absent it
// falls back to the synchronous short-circuit spec.md §4.5 describes.
func NewController(basePath, fbDev string, notify func(suspended bool), log logrus.FieldLogger) *Controller {
	waitPath := basePath + "/wait_for_fb_wake"
	if basePath == "" {
		waitPath = defaultWaitForWake
	}
	_, err := os.Stat(waitPath)
	return &Controller{
		waiter:  New(basePath, log),
		fbDev:   fbDev,
		hasWait: err == nil,
		notify:  notify,
		log:     log.WithField("component", "fbwait.controller"),
	}
}

// Start begins watching Waiter's events when the wait-for-fb sysfs files
// are present; on fallback platforms it is a no-op, since StartSuspend/
// StartResume already notify synchronously.
func (c *Controller) Start(ctx context.Context) error {
	if !c.hasWait {
		c.log.Info("wait-for-fb sysfs absent, using synchronous fbioblank fallback")
		return nil
	}
	if err := c.waiter.Start(ctx); err != nil {
		return err
	}
	go c.pump(ctx)
	return nil
}

func (c *Controller) pump(ctx context.Context) {
	for {
		select {
		case ev, ok := <-c.waiter.Events():
			if !ok {
				return
			}
			c.notify(ev == EventSleep)
		case <-ctx.Done():
			return
		}
	}
}

// StartSuspend issues FBIOBLANK(POWERDOWN). On fallback platforms it
// also synchronously marks suspended.
func (c *Controller) StartSuspend() error {
	if err := Blank(c.fbDev, FbBlankPowerdown); err != nil {
		return err
	}
	if !c.hasWait {
		c.notify(true)
	}
	return nil
}

// StartResume issues FBIOBLANK(UNBLANK). On fallback platforms it also
// synchronously marks resumed.
func (c *Controller) StartResume() error {
	if err := Blank(c.fbDev, FbBlankUnblank); err != nil {
		return err
	}
	if !c.hasWait {
		c.notify(false)
	}
	return nil
}

// Stop idempotently stops the underlying Waiter, a no-op on fallback
// platforms where no background goroutine was ever started.
func (c *Controller) Stop() {
	if c.hasWait {
		c.waiter.Stop()
	}
}
