// Package config loads and hot-reloads the display core's settings (§6).
// It follows the teacher's load/default/decode shape: open a JSON file,
// fall back to compiled defaults when it is missing, and unmarshal
// duration fields through a small wrapper type that accepts Go duration
// strings ("250ms", "5m") instead of raw nanosecond integers.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/mced/display-core/internal/displaytypes"
)

// Duration wraps time.Duration so it can be written as "30s" in JSON,
// matching the teacher's Config.Cursive.Timeout pattern.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", value, err)
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("config: invalid duration value %v", v)
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// Brightness holds the fade-step settings §4.3 needs (step count, step
// size, current setting, and the dim-state percentage).
type Brightness struct {
	StepCount  int `json:"step_count"`
	StepSize   int `json:"step_size"`
	Setting    int `json:"setting"`
	DimPercent int `json:"dim_percent"`
}

// Blanking holds the BlankingTimers matrix settings (§4.2, §6).
type Blanking struct {
	BlankTimeout         Duration `json:"blank_timeout"`
	LpmOffTimeout        Duration `json:"lpm_off_timeout"`
	NeverBlank           bool     `json:"never_blank"`
	AdaptiveDimEnabled   bool     `json:"adaptive_dim_enabled"`
	AdaptiveDimThreshold int      `json:"adaptive_dim_threshold"`
	PossibleDimTimeouts  []int    `json:"possible_dim_timeouts"`
	DimTimeout           int      `json:"dim_timeout"`
	BlankPreventTimeout  Duration `json:"blank_prevent_timeout"`
}

// Config is the display core's settings document (§6 "Settings keys").
type Config struct {
	Blanking           Blanking               `json:"blanking"`
	LowPowerModeEnabled bool                  `json:"low_power_mode_enabled"`
	InhibitMode        displaytypes.InhibitMode `json:"-"`
	InhibitModeRaw     string                 `json:"inhibit_mode"`
	Brightness         Brightness             `json:"brightness"`
	SuspendPolicy      displaytypes.SuspendPolicy `json:"-"`
	SuspendPolicyRaw   string                 `json:"suspend_policy"`
	CPUGovernorOverride string                `json:"cpu_governor_override"`
	LipstickCoreDelay  Duration               `json:"lipstick_core_delay"`
}

var inhibitModeByName = map[string]displaytypes.InhibitMode{
	"off":                   displaytypes.InhibitOff,
	"stay-on-with-charger":  displaytypes.InhibitStayOnWithCharger,
	"stay-dim-with-charger": displaytypes.InhibitStayDimWithCharger,
	"stay-on":               displaytypes.InhibitStayOn,
	"stay-dim":              displaytypes.InhibitStayDim,
}

var suspendPolicyByName = map[string]displaytypes.SuspendPolicy{
	"disabled":   displaytypes.SuspendDisabled,
	"enabled":    displaytypes.SuspendEnabled,
	"early-only": displaytypes.SuspendEarlyOnly,
}

// resolveEnums translates the raw string enum fields decoded from JSON
// into their typed displaytypes values, defaulting unknown/empty strings
// to the zero value of each enum.
func (c *Config) resolveEnums() {
	c.InhibitMode = inhibitModeByName[c.InhibitModeRaw]
	c.SuspendPolicy = suspendPolicyByName[c.SuspendPolicyRaw]
}

// Load reads path the way the teacher's loadConfig does: open, decode,
// wrap decode errors; a missing file is not an error, it falls back to
// DefaultConfig and logs at notice (Info) level per spec.md §7's
// ConfigMissing handling.
func Load(path string, log logrus.FieldLogger) (Config, error) {
	log = log.WithField("component", "config")
	log.Debug("loading configuration")

	file, err := os.Open(path)
	if err != nil {
		log.WithField("path", path).Info("configuration file not found, using compiled defaults")
		cfg := DefaultConfig()
		cfg.resolveEnums()
		return cfg, nil
	}
	defer file.Close()

	cfg := DefaultConfig()
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	cfg.resolveEnums()
	log.Info("configuration loaded")
	return cfg, nil
}

// DefaultConfig returns the compiled-in fallback settings, mirroring the
// teacher's getDefaultConfig.
func DefaultConfig() Config {
	return Config{
		Blanking: Blanking{
			BlankTimeout:         Duration{5 * time.Second},
			LpmOffTimeout:        Duration{5 * time.Second},
			NeverBlank:           false,
			AdaptiveDimEnabled:   true,
			AdaptiveDimThreshold: 5,
			PossibleDimTimeouts:  []int{1, 5, 10, 15, 20},
			DimTimeout:           5,
			BlankPreventTimeout:  Duration{60 * time.Second},
		},
		LowPowerModeEnabled: false,
		InhibitModeRaw:      "off",
		Brightness: Brightness{
			StepCount:  100,
			StepSize:   1,
			Setting:    60,
			DimPercent: 50,
		},
		SuspendPolicyRaw:    "enabled",
		CPUGovernorOverride: "",
		LipstickCoreDelay:   Duration{30 * time.Second},
	}
}

// Watcher hot-reloads Config from path on every fsnotify write event,
// publishing successfully-parsed configs onto changes. Modeled on
// dank0i-pc-bridge's InitGameMapWatcher: a single fsnotify.Watcher
// goroutine that re-reads the file and republishes on change, logging
// and skipping a reload that fails to parse.
type Watcher struct {
	path    string
	log     logrus.FieldLogger
	watcher *fsnotify.Watcher
	changes chan Config
	done    chan struct{}
}

// NewWatcher starts watching path's containing directory (fsnotify watches
// directories reliably across editors' rename-then-write save patterns;
// watching the file directly can miss events after an atomic replace).
func NewWatcher(path string, log logrus.FieldLogger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: new fsnotify watcher: %w", err)
	}
	dir := dirOf(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}
	w := &Watcher{
		path:    path,
		log:     log.WithField("component", "config-watcher"),
		watcher: fw,
		changes: make(chan Config, 1),
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path, w.log)
			if err != nil {
				w.log.WithError(err).Warn("config reload failed, keeping previous settings")
				continue
			}
			select {
			case w.changes <- cfg:
			default:
				// drop the stale pending reload, the new one supersedes it
				select {
				case <-w.changes:
				default:
				}
				w.changes <- cfg
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("config watcher error")
		case <-w.done:
			return
		}
	}
}

// Changes returns the channel successfully-reloaded configs are published
// on.
func (w *Watcher) Changes() <-chan Config { return w.changes }

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
