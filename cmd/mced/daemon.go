// Package main wires every display-core component into a running
// daemon: a config-driven Backlight, BlankingTimers, FB-Waiter,
// RendererIPC, Policy, and DSM, fronted by the D-Bus request interface
// and a debug HTTP/websocket surface.
//
// Daemon/NewDaemon/Start/Shutdown below follow the teacher's
// shape directly (a struct holding every component, a construct then
// Start then Shutdown lifecycle, os/signal-driven graceful shutdown) —
// generalized from FizHub's NFC/LED/power/audio components to the
// display core's own.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/mced/display-core/internal/backlight"
	"github.com/mced/display-core/internal/blanking"
	"github.com/mced/display-core/internal/config"
	"github.com/mced/display-core/internal/datapipe"
	"github.com/mced/display-core/internal/dbusiface"
	"github.com/mced/display-core/internal/debugapi"
	"github.com/mced/display-core/internal/displaytypes"
	"github.com/mced/display-core/internal/dsm"
	"github.com/mced/display-core/internal/fbwait"
	"github.com/mced/display-core/internal/policy"
	"github.com/mced/display-core/internal/rendereripc"
	"github.com/mced/display-core/internal/wakelock"
)

// sharedInputs is the set of cached, independently-changing inputs the
// Policy layer and BlankingTimers evaluate against (spec.md §3 "Global
// mutable state"), each held in a datapipe.Pipe so every producer
// (D-Bus signal dispatch, method handlers, the DSM's renderer-reply
// callback) publishes through Set instead of mutating a bare field, and
// subscribers can re-trigger a rethink synchronously on change (§1.4).
type sharedInputs struct {
	systemState    *datapipe.Pipe[displaytypes.SystemState]
	bootupComplete *datapipe.Pipe[bool]
	shutdownActive *datapipe.Pipe[bool]
	callState      *datapipe.Pipe[displaytypes.CallState]
	alarmActive    *datapipe.Pipe[bool]
	exceptions     *datapipe.Pipe[displaytypes.ExceptionState]
	charger        *datapipe.Pipe[bool]
	handsetAudio   *datapipe.Pipe[bool]
	proximityCover *datapipe.Pipe[bool]
	tklock         *datapipe.Pipe[bool]
	packageKit     *datapipe.Pipe[bool]
}

func newSharedInputs() *sharedInputs {
	return &sharedInputs{
		systemState:    datapipe.New(displaytypes.SystemStateUser),
		bootupComplete: datapipe.New(true),
		shutdownActive: datapipe.New(false),
		callState:      datapipe.New(displaytypes.CallStateNone),
		alarmActive:    datapipe.New(false),
		exceptions:     datapipe.New(displaytypes.ExceptionNone),
		charger:        datapipe.New(false),
		handsetAudio:   datapipe.New(false),
		proximityCover: datapipe.New(false),
		tklock:         datapipe.New(false),
		packageKit:     datapipe.New(false),
	}
}

// onAnyChange subscribes fn to every pipe whose change should trigger a
// DSM/BlankingTimers rethink.
func (s *sharedInputs) onAnyChange(fn func()) {
	s.systemState.Subscribe(func(displaytypes.SystemState, displaytypes.SystemState) { fn() })
	s.bootupComplete.Subscribe(func(bool, bool) { fn() })
	s.shutdownActive.Subscribe(func(bool, bool) { fn() })
	s.callState.Subscribe(func(displaytypes.CallState, displaytypes.CallState) { fn() })
	s.alarmActive.Subscribe(func(bool, bool) { fn() })
	s.exceptions.Subscribe(func(displaytypes.ExceptionState, displaytypes.ExceptionState) { fn() })
	s.charger.Subscribe(func(bool, bool) { fn() })
	s.handsetAudio.Subscribe(func(bool, bool) { fn() })
	s.proximityCover.Subscribe(func(bool, bool) { fn() })
	s.tklock.Subscribe(func(bool, bool) { fn() })
	s.packageKit.Subscribe(func(bool, bool) { fn() })
}

func (s *sharedInputs) policyInputs(rendererState displaytypes.RendererUiState, suspendPolicy displaytypes.SuspendPolicy) policy.Inputs {
	return policy.Inputs{
		RendererUIState:  rendererState,
		SuspendPolicy:    suspendPolicy,
		CallState:        s.callState.Get(),
		AlarmActive:      s.alarmActive.Get(),
		Exceptions:       s.exceptions.Get(),
		SystemState:      s.systemState.Get(),
		BootupComplete:   s.bootupComplete.Get(),
		ShutdownActive:   s.shutdownActive.Get(),
		PackageKitLocked: s.packageKit.Get(),
		ProximityCovered: s.proximityCover.Get(),
	}
}

func (s *sharedInputs) blankingInputs(displayState displaytypes.DisplayState, inhibit displaytypes.InhibitMode, paused bool) blanking.Inputs {
	return blanking.Inputs{
		DisplayState:   displayState,
		CallState:      s.callState.Get(),
		Exceptions:     s.exceptions.Get(),
		Charger:        s.charger.Get(),
		HandsetAudio:   s.handsetAudio.Get(),
		ProximityCover: s.proximityCover.Get(),
		Tklock:         s.tklock.Get(),
		InhibitMode:    inhibit,
		BlankingPaused: paused,
	}
}

// Daemon owns every display-core component for one process lifetime.
type Daemon struct {
	cfg config.Config
	log *logrus.Logger

	inputs    *sharedInputs
	inhibitor wakelock.Inhibitor

	backlight *backlight.Backlight
	blanking  *blanking.BlankingTimers
	fbCtrl    *fbwait.Controller
	renderer  *rendereripc.RendererIPC
	sm        *dsm.DSM

	dbusConn   *dbus.Conn
	dbusServer *dbusiface.Server
	signals    *dbusiface.SignalConsumer
	lipstick   *dbusiface.LipstickUIProcess
	debugSrv   *debugapi.Server
	cfgWatcher *config.Watcher
}

// NewDaemon constructs every component from cfg but starts nothing.
func NewDaemon(cfg config.Config, log *logrus.Logger) (*Daemon, error) {
	d := &Daemon{
		cfg:       cfg,
		log:       log,
		inputs:    newSharedInputs(),
		inhibitor: wakelock.NewSysfsInhibitor("/sys/power", log),
	}
	d.inputs.onAnyChange(func() { d.onInputsChanged() })

	sink := &backlight.SysfsSink{
		BrightnessPath: "/sys/class/backlight/display0/brightness",
		HBMPath:        "/sys/class/backlight/display0/hbm",
	}
	maxBrightnessPath := "/sys/class/backlight/display0/max_brightness"
	if desc, err := backlight.Probe(defaultBacklightDescriptors()); err == nil {
		sink = &backlight.SysfsSink{BrightnessPath: desc.BrightnessPath, HBMPath: desc.HBMPath, HardwareFade: desc.HardwareFade}
		maxBrightnessPath = desc.MaxBrightnessPath
	} else {
		log.WithError(err).Warn("no backlight descriptor found, using default sysfs paths")
	}
	d.backlight = backlight.New(sink, backlight.StepTime, defaultFadeStepInterval, log)
	if maxBrightnessPath != "" {
		if max, err := backlight.ReadMaxBrightness(maxBrightnessPath); err == nil {
			d.backlight.SetMaximum(max)
		} else {
			log.WithError(err).Warn("failed to read max_brightness, using compiled default")
		}
	}

	d.blanking = blanking.New(blanking.Config{
		BlankTimeout:        cfg.Blanking.BlankTimeout.Duration,
		LpmOffTimeout:       cfg.Blanking.LpmOffTimeout.Duration,
		BlankPreventTimeout: cfg.Blanking.BlankPreventTimeout.Duration,
		AdaptiveDimEnabled:  cfg.Blanking.AdaptiveDimEnabled,
		AdaptiveThreshold:   time.Duration(cfg.Blanking.AdaptiveDimThreshold) * time.Second,
		PossibleDimTimeouts: cfg.Blanking.PossibleDimTimeouts,
		DimTimeout:          cfg.Blanking.DimTimeout,
	}, d.inhibitor, d.onBlankingFire, log)

	d.fbCtrl = fbwait.NewController("", "/dev/fb0", d.onFBStateChange, log)

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("mced: connect system bus: %w", err)
	}
	d.dbusConn = conn
	d.lipstick = dbusiface.NewLipstickUIProcess(conn)

	d.renderer = rendereripc.New(d.lipstick, log, d.onRendererStateChange, rendereripc.WithNameOwnerReappearedHook(func() {
		if d.sm != nil {
			d.sm.OnUIReappeared()
		}
	}))

	d.sm = dsm.New(d.fbCtrl, rendererAdapter{d.renderer}, d.policyFunc, d.inhibitor, d.onDisplayStateChange, log)
	d.sm.SetLowPowerModeEnabled(cfg.LowPowerModeEnabled)
	d.applyBrightnessConfig(cfg)

	dbusServer, err := dbusiface.New(conn, dsmAdapter{d.sm}, cabcAdapter{}, d.blanking, d.pauseSnapshot, log)
	if err != nil {
		return nil, fmt.Errorf("mced: export request interface: %w", err)
	}
	d.dbusServer = dbusServer

	if _, err := conn.RequestName("com.nokia.mce", dbus.NameFlagDoNotQueue); err != nil {
		return nil, fmt.Errorf("mced: request bus name: %w", err)
	}

	signals, err := dbusiface.NewSignalConsumer(conn, "org.nemomobile.lipstick", dbusiface.SignalCallbacks{
		DesktopVisible:  d.onDesktopVisible,
		ShutdownLatched: d.onShutdownLatched,
		UIOwnerChanged:  d.onUIOwnerChanged,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("mced: subscribe signals: %w", err)
	}
	d.signals = signals

	d.debugSrv = debugapi.New("127.0.0.1:8711", d.snapshot, log)

	return d, nil
}

// defaultFadeStepInterval is the per-step interval of the StepTime
// software fade used when no hardware fade path is available.
const defaultFadeStepInterval = 20 * time.Millisecond

func defaultBacklightDescriptors() []backlight.Descriptor {
	return []backlight.Descriptor{
		{DisplayID: "acx565akm", BrightnessPath: "/sys/class/backlight/acx565akm/brightness", MaxBrightnessPath: "/sys/class/backlight/acx565akm/max_brightness", HBMPath: "/sys/class/backlight/acx565akm/hbm"},
		{DisplayID: "display0", BrightnessPath: "/sys/class/backlight/display0/brightness", MaxBrightnessPath: "/sys/class/backlight/display0/max_brightness", HBMPath: "/sys/class/backlight/display0/hbm"},
		{DisplayID: "lcd-backlight", BrightnessPath: "/sys/class/leds/lcd-backlight/brightness", MaxBrightnessPath: "/sys/class/leds/lcd-backlight/max_brightness"},
	}
}

// Start brings every component up in leaves-first-reversed order
// (wakelock infra ready, then FB-Waiter, then the D-Bus surface last so
// method calls never arrive before the components answering them
// exist) and blocks until ctx is done or a fatal error occurs.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.fbCtrl.Start(ctx); err != nil {
		return fmt.Errorf("mced: start fb controller: %w", err)
	}
	go d.sm.Run(ctx)
	go d.signals.Run(ctx)

	errc := d.debugSrv.Start()
	go func() {
		if err, ok := <-errc; ok && err != nil {
			d.log.WithError(err).Error("debugapi server stopped")
		}
	}()

	d.log.Info("mced started")
	<-ctx.Done()
	return nil
}

// Shutdown tears down in leaves-first order (spec.md §5): FB-Waiter,
// D-Bus connection, debug HTTP server, settings watcher, timers, and
// finally the display-on wakelock.
func (d *Daemon) Shutdown() {
	d.log.Info("mced shutting down")
	d.fbCtrl.Stop()
	if d.dbusConn != nil {
		d.dbusConn.Close()
	}
	if err := d.debugSrv.Shutdown(); err != nil {
		d.log.WithError(err).Warn("debugapi shutdown error")
	}
	if d.cfgWatcher != nil {
		d.cfgWatcher.Close()
	}
	d.blanking.RethinkTimers(blanking.Inputs{}, true)
	if err := d.inhibitor.Release(wakelock.DisplayOn); err != nil {
		d.log.WithError(err).Warn("failed to release display-on wakelock")
	}
}

func (d *Daemon) policyFunc() displaytypes.AllowedSuspendLevel {
	in := d.inputs.policyInputs(d.renderer.State(), d.cfg.SuspendPolicy)
	return policy.AllowedLevel(in)
}

func (d *Daemon) onFBStateChange(suspended bool) {
	d.sm.OnFBStateChange(suspended)
}

func (d *Daemon) onRendererStateChange(state displaytypes.RendererUiState) {
	d.sm.OnRendererReply(state)
}

func (d *Daemon) onDisplayStateChange(state displaytypes.DisplayState) {
	switch state {
	case displaytypes.DisplayOn:
		d.backlight.SetFadeTarget(d.backlight.Levels().DisplayOn)
	case displaytypes.DisplayDim:
		d.backlight.SetFadeTarget(d.backlight.Levels().DisplayDim)
	case displaytypes.DisplayLpmOn:
		d.backlight.SetFadeTarget(d.backlight.Levels().DisplayLpm)
	case displaytypes.DisplayOff, displaytypes.DisplayLpmOff:
		d.backlight.ForceLevel(0)
	}
	if err := d.dbusServer.EmitDisplayStatusInd(state); err != nil {
		d.log.WithError(err).Warn("failed to emit display_status_ind")
	}
	if d.debugSrv != nil {
		d.debugSrv.PublishDisplayState(state)
	}
	d.blanking.RethinkTimers(d.pauseSnapshot(), false)
}

func (d *Daemon) onBlankingFire(role blanking.Role) {
	var target displaytypes.DisplayState
	switch role {
	case blanking.RoleDim:
		target = displaytypes.DisplayDim
	case blanking.RoleOff, blanking.RoleLpmOff:
		target = displaytypes.DisplayOff
	case blanking.RoleLpmOn:
		target = displaytypes.DisplayLpmOn
	default:
		return
	}
	if err := d.sm.Request(target); err != nil {
		d.log.WithError(err).WithField("role", role.String()).Warn("blanking timer fired but request was rejected")
	}
}

// applyBrightnessConfig pushes cfg.Brightness into the backlight pipeline
// (§4.3 "setting -> on-level -> dim/lpm-level"): the dim-level percentage
// and the combined on-level (no HBM bits set, since init/settings-reload
// has no HBM request of its own).
func (d *Daemon) applyBrightnessConfig(cfg config.Config) {
	d.backlight.SetDimPercent(cfg.Brightness.DimPercent)
	needsPower := d.sm != nil && d.sm.CurrentDisplayState().NeedsPower()
	if err := d.backlight.SetOnLevel(cfg.Brightness.Setting, needsPower); err != nil {
		d.log.WithError(err).Warn("failed to apply configured brightness setting")
	}
}

// onUIOwnerChanged handles NameOwnerChanged for the UI peer (§6, §4.4):
// it resolves the lipstick pid and forwards the appearance/loss to
// RendererIPC, which in turn forces the redundant Enabled call and
// dsm.OnUIReappeared (via the WithNameOwnerReappearedHook closure) or
// cancels the killer chain on loss.
func (d *Daemon) onUIOwnerChanged(newOwner string) {
	d.lipstick.NotifyOwnerChanged(newOwner)
	if newOwner == "" {
		d.renderer.NotifyNameOwnerLost()
		return
	}
	d.renderer.NotifyNameOwnerChanged()
}

// onConfigReloaded applies a hot-reloaded config (§3 "Lifecycle": settings
// changes mutate individual fields and may trigger a DSM re-think).
func (d *Daemon) onConfigReloaded(cfg config.Config) {
	d.cfg = cfg
	d.sm.SetLowPowerModeEnabled(cfg.LowPowerModeEnabled)
	d.applyBrightnessConfig(cfg)
	d.onInputsChanged()
}

func (d *Daemon) onDesktopVisible() {
	d.inputs.bootupComplete.Set(true)
}

func (d *Daemon) onShutdownLatched() {
	d.inputs.shutdownActive.Set(true)
}

// onInputsChanged re-evaluates the suspend policy and the blanking
// timer matrix whenever a cached input changes (§3: "settings/state
// change notifications... may trigger a DSM re-think").
func (d *Daemon) onInputsChanged() {
	d.sm.OnPolicyChange()
	d.blanking.RethinkTimers(d.pauseSnapshot(), false)
}

func (d *Daemon) pauseSnapshot() blanking.Inputs {
	paused := d.blanking.PauseClientCount() > 0
	return d.inputs.blankingInputs(d.sm.CurrentDisplayState(), d.cfg.InhibitMode, paused)
}

func (d *Daemon) snapshot() debugapi.Snapshot {
	return debugapi.Snapshot{
		DisplayState:  d.sm.CurrentDisplayState().String(),
		RendererState: d.renderer.State().String(),
		PauseClients:  d.blanking.PauseClientCount(),
		ObservedAt:    time.Now(),
	}
}

// rendererAdapter satisfies dsm.Renderer over *rendereripc.RendererIPC.
type rendererAdapter struct{ r *rendereripc.RendererIPC }

func (a rendererAdapter) SetStateReq(enabled bool)            { a.r.SetStateReq(enabled) }
func (a rendererAdapter) State() displaytypes.RendererUiState { return a.r.State() }

// dsmAdapter satisfies dbusiface.DSM over *dsm.DSM.
type dsmAdapter struct{ d *dsm.DSM }

func (a dsmAdapter) Request(next displaytypes.DisplayState) error  { return a.d.Request(next) }
func (a dsmAdapter) CurrentDisplayState() displaytypes.DisplayState { return a.d.CurrentDisplayState() }

// cabcAdapter is a placeholder CABC backend until a panel-specific sysfs
// binding is wired in (spec.md §1 Non-goals: CABC wire format is out of
// core scope).
type cabcAdapter struct{}

func (cabcAdapter) Mode() string         { return "off" }
func (cabcAdapter) SetMode(string) error { return nil }

func main() {
	configPath := flag.String("config", "/etc/mced/config.json", "path to the display core settings file")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath, log)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	d, err := NewDaemon(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize daemon")
	}

	if watcher, err := config.NewWatcher(*configPath, log); err != nil {
		log.WithError(err).Warn("config hot-reload disabled")
	} else {
		d.cfgWatcher = watcher
		go func() {
			for newCfg := range watcher.Changes() {
				d.onConfigReloaded(newCfg)
				log.Info("configuration reloaded")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		log.WithError(err).Error("daemon exited with error")
		d.Shutdown()
		os.Exit(1)
	}
	d.Shutdown()
}
