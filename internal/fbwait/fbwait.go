// Package fbwait implements the FB-Waiter component (spec.md §4.4): a
// dedicated goroutine that blocks on the kernel's frame-buffer
// wait-for-state sysfs files and reports wake/sleep transitions to the
// DSM over a channel.
//
// The read/notify goroutine shape is grounded on the teacher's
// nfc.Reader.readLoop (a single background goroutine owned by Start/Stop
// that feeds a callback); here the blocking syscall is a real blocking
// read rather than a poll ticker, so cancellation is by closing the
// underlying file descriptor rather than by a context select, matching
// how a blocking read on a sysfs attribute must actually be interrupted.
// The ioctl fallback follows stigoleg-keep-alive's raw
// syscall.Syscall(SYS_IOCTL, ...) idiom, ported to golang.org/x/sys/unix.
package fbwait

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Event is a frame-buffer power transition observed by the waiter.
type Event int

const (
	EventWake Event = iota
	EventSleep
)

func (e Event) String() string {
	if e == EventWake {
		return "wake"
	}
	return "sleep"
}

const (
	defaultWaitForWake  = "/sys/power/wait_for_fb_wake"
	defaultWaitForSleep = "/sys/power/wait_for_fb_sleep"
)

// FBIOBLANK ioctl constant and blank modes (Linux fb.h), used by Blank as
// the imperative counterpart to the passive wait files.
const (
	fbioblank = 0x4611

	FbBlankUnblank   = 0
	FbBlankPowerdown = 4
)

// Waiter blocks on the sysfs wait-for-fb-state attributes in a dedicated
// goroutine per direction and emits Events on Events().
type Waiter struct {
	wakePath  string
	sleepPath string
	log       logrus.FieldLogger

	events chan Event

	mu        sync.Mutex
	wakeFile  *os.File
	sleepFile *os.File
	started   bool
}

// New returns a Waiter reading the standard sysfs paths, or basePath-
// relative overrides when basePath is non-empty (used by tests).
func New(basePath string, log logrus.FieldLogger) *Waiter {
	wake, sleep := defaultWaitForWake, defaultWaitForSleep
	if basePath != "" {
		wake = basePath + "/wait_for_fb_wake"
		sleep = basePath + "/wait_for_fb_sleep"
	}
	return &Waiter{
		wakePath:  wake,
		sleepPath: sleep,
		log:       log.WithField("component", "fbwait"),
		events:    make(chan Event, 8),
	}
}

// Events returns the channel wake/sleep transitions are published on.
func (w *Waiter) Events() <-chan Event { return w.events }

// Start opens both wait-for-state files and spawns one blocking-read
// goroutine per direction. ctx cancellation triggers Stop via a goroutine
// watching ctx.Done(), matching spec.md §5's "unloading_module" shutdown
// ordering (FB-Waiter thread is torn down before the D-Bus surface).
func (w *Waiter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return fmt.Errorf("fbwait: already started")
	}
	wakeFile, err := os.Open(w.wakePath)
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("fbwait: open %s: %w", w.wakePath, err)
	}
	sleepFile, err := os.Open(w.sleepPath)
	if err != nil {
		wakeFile.Close()
		w.mu.Unlock()
		return fmt.Errorf("fbwait: open %s: %w", w.sleepPath, err)
	}
	w.wakeFile = wakeFile
	w.sleepFile = sleepFile
	w.started = true
	w.mu.Unlock()

	go w.readLoop(wakeFile, EventWake)
	go w.readLoop(sleepFile, EventSleep)
	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	w.log.Info("fb-waiter started")
	return nil
}

// readLoop performs repeated blocking reads of a wait-for-state sysfs
// attribute; each successful read (any content, including EOF on a
// poll-style attribute) is one transition.
func (w *Waiter) readLoop(f *os.File, ev Event) {
	buf := make([]byte, 32)
	for {
		if _, err := f.ReadAt(buf, 0); err != nil && err != io.EOF {
			if isClosed(err) {
				return
			}
			w.log.WithError(err).WithField("event", ev.String()).Warn("fb-waiter read failed, retrying")
			continue
		}
		select {
		case w.events <- ev:
		default:
			w.log.WithField("event", ev.String()).Warn("fb-waiter event dropped, consumer too slow")
		}
	}
}

func isClosed(err error) bool {
	return errors.Is(err, os.ErrClosed) || os.IsNotExist(err)
}

// Stop closes both wait-for-state descriptors, unblocking the read
// goroutines.
func (w *Waiter) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	w.started = false
	if w.wakeFile != nil {
		w.wakeFile.Close()
	}
	if w.sleepFile != nil {
		w.sleepFile.Close()
	}
}

// Blank issues the FBIOBLANK ioctl directly against devPath (typically
// /dev/fb0), used as the imperative trigger paired with the passive wait
// mechanism above (§4.4, P1/P2).
func Blank(devPath string, mode int) error {
	f, err := os.OpenFile(devPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("fbwait: open %s: %w", devPath, err)
	}
	defer f.Close()

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(fbioblank), uintptr(mode))
	if errno != 0 {
		return fmt.Errorf("fbwait: FBIOBLANK(%d) on %s: %w", mode, devPath, errno)
	}
	return nil
}
