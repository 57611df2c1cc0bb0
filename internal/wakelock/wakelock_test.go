package wakelock

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestInhibitor(t *testing.T) (*SysfsInhibitor, string, string) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wake_lock"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wake_unlock"), nil, 0o644))
	return NewSysfsInhibitor(dir, testLogger()), filepath.Join(dir, "wake_lock"), filepath.Join(dir, "wake_unlock")
}

func TestAcquireWritesOnFirstHold(t *testing.T) {
	inh, lockPath, _ := newTestInhibitor(t)
	require.NoError(t, inh.Acquire(DisplayOn))

	b, err := os.ReadFile(lockPath)
	require.NoError(t, err)
	assert.Equal(t, DisplayOn, string(b))
}

func TestReleaseOnlyUnlocksAtZeroRefcount(t *testing.T) {
	inh, _, unlockPath := newTestInhibitor(t)
	require.NoError(t, inh.Acquire(DisplayOn))
	require.NoError(t, inh.Acquire(DisplayOn))

	require.NoError(t, inh.Release(DisplayOn))
	b, err := os.ReadFile(unlockPath)
	require.NoError(t, err)
	assert.Empty(t, string(b), "single release with an outstanding hold must not unlock yet")

	require.NoError(t, inh.Release(DisplayOn))
	b, err = os.ReadFile(unlockPath)
	require.NoError(t, err)
	assert.Equal(t, DisplayOn, string(b))
}

func TestReleaseWithoutAcquireIsNoop(t *testing.T) {
	inh, _, _ := newTestInhibitor(t)
	assert.NoError(t, inh.Release(DisplayOn))
}

func TestNullInhibitorIsNoop(t *testing.T) {
	var inh NullInhibitor
	assert.NoError(t, inh.Acquire(DisplayOn))
	assert.NoError(t, inh.Release(DisplayOn))
	assert.NoError(t, inh.Downgrade(DisplayOn, time.Second))
}

func TestDowngradeWritesTimeoutAndDropsRefcount(t *testing.T) {
	inh, lockPath, unlockPath := newTestInhibitor(t)
	require.NoError(t, inh.Acquire(DisplayOn))
	require.NoError(t, inh.Acquire(DisplayOn))

	require.NoError(t, inh.Downgrade(DisplayOn, time.Second))
	b, err := os.ReadFile(lockPath)
	require.NoError(t, err)
	assert.Equal(t, DisplayOn+" 1000000000", string(b))

	// refcount is gone: a further Release must not touch wake_unlock.
	require.NoError(t, inh.Release(DisplayOn))
	b, err = os.ReadFile(unlockPath)
	require.NoError(t, err)
	assert.Empty(t, string(b))
}

func TestDowngradeWithoutAcquireIsNoop(t *testing.T) {
	inh, lockPath, _ := newTestInhibitor(t)
	require.NoError(t, inh.Downgrade(DisplayOn, time.Second))
	b, err := os.ReadFile(lockPath)
	require.NoError(t, err)
	assert.True(t, strings.TrimSpace(string(b)) == "")
}
