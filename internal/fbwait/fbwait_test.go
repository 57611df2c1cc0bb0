package fbwait

import (
	"context"
	"os"
	"path/filepath"
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

func TestStartPublishesEventsUntilStopped(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wait_for_fb_wake"), []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wait_for_fb_sleep"), []byte("1"), 0o644))

	w := New(dir, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))

	select {
	case ev := <-w.Events():
		assert.Contains(t, []Event{EventWake, EventSleep}, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fb-waiter event")
	}

	cancel()
}

func TestStartFailsOnMissingFile(t *testing.T) {
	w := New(t.TempDir(), testLogger())
	err := w.Start(context.Background())
	assert.Error(t, err)
}

func TestStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wait_for_fb_wake"), []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wait_for_fb_sleep"), []byte("1"), 0o644))

	w := New(dir, testLogger())
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	assert.NotPanics(t, func() { w.Stop() })
}
