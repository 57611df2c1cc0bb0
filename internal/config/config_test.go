package config

import (
	"os"
	"path/filepath"
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

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"), testLogger())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Blanking.DimTimeout, cfg.Blanking.DimTimeout)
	assert.Equal(t, displaytypes.SuspendEnabled, cfg.SuspendPolicy)
}

func TestLoadDecodesAndResolvesEnums(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"blanking": {"blank_timeout": "2s", "dim_timeout": 10, "possible_dim_timeouts": [1,5,10,15,20]},
		"inhibit_mode": "stay-on-with-charger",
		"suspend_policy": "early-only"
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Blanking.DimTimeout)
	assert.Equal(t, displaytypes.InhibitStayOnWithCharger, cfg.InhibitMode)
	assert.Equal(t, displaytypes.SuspendEarlyOnly, cfg.SuspendPolicy)
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"blanking":{"blank_timeout":"not-a-duration"}}`), 0o644))

	_, err := Load(path, testLogger())
	assert.Error(t, err)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"blanking":{"dim_timeout":5}}`), 0o644))

	w, err := NewWatcher(path, testLogger())
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte(`{"blanking":{"dim_timeout":9}}`), 0o644))

	select {
	case cfg := <-w.Changes():
		assert.Equal(t, 9, cfg.Blanking.DimTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
