// Package wakelock manages the named suspend-blockers the DSM uses to keep
// the kernel from autosuspending while a display transition is in flight
// (spec.md §3 "mce_display_on", "mce_lpm_off"; testable property P3).
//
// The interface is modeled on librescoot-alarm-service's SuspendInhibitor
// (Acquire/Release by reason string); the sysfs implementation below
// follows azade-c-openclaw-node-kobo's suspendToRAM, which writes directly
// to a /sys/power file rather than shelling out.
package wakelock

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Names of the two wakelocks the DSM holds (§3, §8 P3).
const (
	DisplayOn = "mce_display_on"
	LpmOff    = "mce_lpm_off"
)

// Inhibitor acquires and releases a named suspend blocker.
type Inhibitor interface {
	Acquire(reason string) error
	Release(reason string) error

	// Downgrade converts an indefinite hold on reason into one that
	// auto-expires after timeout, so a caller that wants the lock gone
	// "soon" doesn't race its own in-flight I/O against an instant
	// wake_unlock (§4.1, §8 P3).
	Downgrade(reason string, timeout time.Duration) error
}

// SysfsInhibitor writes to the kernel wakelock sysfs interface
// (/sys/power/wake_lock, /sys/power/wake_unlock), refcounting acquisitions
// per reason so overlapping holders don't release each other's lock early.
type SysfsInhibitor struct {
	lockPath   string
	unlockPath string
	log        logrus.FieldLogger

	mu     sync.Mutex
	counts map[string]int
}

// NewSysfsInhibitor returns an Inhibitor backed by the standard Android/
// kernel wakelock sysfs pair. basePath defaults to "/sys/power" when empty.
func NewSysfsInhibitor(basePath string, log logrus.FieldLogger) *SysfsInhibitor {
	if basePath == "" {
		basePath = "/sys/power"
	}
	return &SysfsInhibitor{
		lockPath:   basePath + "/wake_lock",
		unlockPath: basePath + "/wake_unlock",
		log:        log.WithField("component", "wakelock"),
		counts:     make(map[string]int),
	}
}

// Acquire takes reason's wakelock, writing to wake_lock only on the
// transition from zero to one holder.
func (s *SysfsInhibitor) Acquire(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[reason] > 0 {
		s.counts[reason]++
		return nil
	}
	if err := os.WriteFile(s.lockPath, []byte(reason), 0o200); err != nil {
		return fmt.Errorf("wakelock: acquire %q: %w", reason, err)
	}
	s.counts[reason] = 1
	s.log.WithField("reason", reason).Debug("wakelock acquired")
	return nil
}

// Release drops one hold on reason's wakelock, writing to wake_unlock only
// once the refcount returns to zero.
func (s *SysfsInhibitor) Release(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[reason] == 0 {
		return nil
	}
	s.counts[reason]--
	if s.counts[reason] > 0 {
		return nil
	}
	delete(s.counts, reason)
	if err := os.WriteFile(s.unlockPath, []byte(reason), 0o200); err != nil {
		return fmt.Errorf("wakelock: release %q: %w", reason, err)
	}
	s.log.WithField("reason", reason).Debug("wakelock released")
	return nil
}

// Downgrade rewrites reason's hold as a kernel-timed one, the same
// wake_lock file accepting an optional "name timeout_ns" form that the
// kernel auto-releases without a further wake_unlock write. It drops the
// refcount immediately since the kernel now owns the expiry.
func (s *SysfsInhibitor) Downgrade(reason string, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[reason] == 0 {
		return nil
	}
	payload := fmt.Sprintf("%s %d", reason, timeout.Nanoseconds())
	if err := os.WriteFile(s.lockPath, []byte(payload), 0o200); err != nil {
		return fmt.Errorf("wakelock: downgrade %q: %w", reason, err)
	}
	delete(s.counts, reason)
	s.log.WithField("reason", reason).WithField("timeout", timeout).Debug("wakelock downgraded to timed release")
	return nil
}

// NullInhibitor is a no-op Inhibitor for platforms without the sysfs
// wakelock interface (SysfsUnavailable, §7) or for tests.
type NullInhibitor struct{}

func (NullInhibitor) Acquire(string) error                           { return nil }
func (NullInhibitor) Release(string) error                           { return nil }
func (NullInhibitor) Downgrade(string, time.Duration) error          { return nil }
