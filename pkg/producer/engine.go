// Package producer implements the device-side engine: capture lifecycle,
// thermal degradation ladder, cadence-driven throttling, delivery routing
// and crash-recovery bookkeeping. All state mutation happens on the Run
// goroutine; captures, commands and timers are funnelled into it.
package producer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fixrelay/fixrelay/pkg/battery"
	"github.com/fixrelay/fixrelay/pkg/cadence"
	"github.com/fixrelay/fixrelay/pkg/command"
	"github.com/fixrelay/fixrelay/pkg/fix"
	"github.com/fixrelay/fixrelay/pkg/logx"
	"github.com/fixrelay/fixrelay/pkg/recovery"
	"github.com/fixrelay/fixrelay/pkg/router"
	"github.com/fixrelay/fixrelay/pkg/transport"
)

// Phase is the producer state machine phase
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseTracking        Phase = "tracking"
	PhaseThermalDegraded Phase = "thermal_degraded"
	PhaseThermalStopped  Phase = "thermal_stopped"
)

// Observer receives producer-side notifications for UI/analytics layers
type Observer interface {
	OnFixProduced(f fix.Fix)
	OnFailure(err error)
	OnRemoteStopReceived()
	OnReachabilityChanged(reachable bool)
}

// Config holds producer engine configuration
type Config struct {
	DeviceID                  string        `json:"device_id"`
	WatchdogInterval          time.Duration `json:"watchdog_interval"`
	BatchTickInterval         time.Duration `json:"batch_tick_interval"`
	CachedFixMaxAge           time.Duration `json:"cached_fix_max_age"`
	RestartBackoffBase        time.Duration `json:"restart_backoff_base"`
	RestartMaxAttempts        int           `json:"restart_max_attempts"`
	EmergencyRecoveryInterval time.Duration `json:"emergency_recovery_interval"`
	LowBatteryWarnHorizon     time.Duration `json:"low_battery_warn_horizon"`
	CommandDedupSize          int           `json:"command_dedup_size"`
	BatteryWindow             time.Duration `json:"battery_window"`
}

// DefaultConfig returns default producer configuration
func DefaultConfig() Config {
	return Config{
		DeviceID:                  "device",
		WatchdogInterval:          30 * time.Second,
		BatchTickInterval:         5 * time.Second,
		CachedFixMaxAge:           30 * time.Second,
		RestartBackoffBase:        3 * time.Second,
		RestartMaxAttempts:        5,
		EmergencyRecoveryInterval: 60 * time.Second,
		LowBatteryWarnHorizon:     30 * time.Minute,
		CommandDedupSize:          128,
		BatteryWindow:             30 * time.Minute,
	}
}

// Deps bundles the engine's injected collaborators
type Deps struct {
	Link    transport.Link
	Router  *router.Router
	Cadence *cadence.Controller
	Source  CaptureSource
	Grant   BackgroundGrant
	States  StateStore
	Logger  *logx.Logger

	// Recovery enables the emergency side channel; Thermals feeds thermal
	// transitions while capture is halted. Both optional, as is Observer.
	Recovery recovery.Store
	Thermals <-chan ThermalState
	Observer Observer
}

// Snapshot is a thread-safe view of the engine for status surfaces
type Snapshot struct {
	Phase           Phase            `json:"phase"`
	Mode            fix.TrackingMode `json:"mode"`
	Produced        int64            `json:"produced"`
	RestartAttempts int              `json:"restart_attempts"`
	PendingBatch    int              `json:"pending_batch"`
}

// Engine drives capture, cadence and delivery on the sensor device
type Engine struct {
	config    Config
	logger    *logx.Logger
	link      transport.Link
	router    *router.Router
	cadence   *cadence.Controller
	motion    *cadence.MotionTracker
	source    CaptureSource
	grant     BackgroundGrant
	states    StateStore
	store     recovery.Store
	thermals  <-chan ThermalState
	estimator *battery.Estimator
	observer  Observer
	dedup     *command.Dedup
	now       func() time.Time

	cmds      chan command.Command
	restartCh chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once

	// Run-goroutine state
	phase            Phase
	mode             fix.TrackingMode
	idlePreset       fix.CadencePreset
	intentionalStop  bool
	restartAttempts  int
	grantEnabled     bool
	resumeOnRun      bool
	seq              int64
	produced         int64
	lastPublished    *fix.Fix
	lastBattery      float64
	lastRecoverySave time.Time
	lowBatteryWarned bool
	samples          <-chan Sample

	snapMu sync.Mutex
	snap   Snapshot
}

// New creates a producer engine, restoring persisted crash-recovery state
func New(config Config, deps Deps) *Engine {
	cc := deps.Cadence.Config()

	e := &Engine{
		config:      config,
		logger:      deps.Logger,
		link:        deps.Link,
		router:      deps.Router,
		cadence:     deps.Cadence,
		motion:      cadence.NewMotionTracker(cc.MovementThresholdM, cc.StationaryWindow),
		source:      deps.Source,
		grant:       deps.Grant,
		states:      deps.States,
		store:       deps.Recovery,
		thermals:    deps.Thermals,
		estimator:   battery.NewEstimator(config.BatteryWindow, 0),
		observer:    deps.Observer,
		dedup:       command.NewDedup(config.CommandDedupSize),
		now:         time.Now,
		cmds:        make(chan command.Command, 16),
		restartCh:   make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		phase:       PhaseIdle,
		mode:        fix.ModeAuto,
		idlePreset:  fix.PresetBalanced,
		lastBattery: 1.0,
	}
	if e.grant == nil {
		e.grant = NoopGrant{}
	}
	e.grantEnabled = true

	// The router reports delivery outcomes back through the engine's
	// observer surface.
	e.router.SetObserver(routerObserver{e})

	if prior, ok, err := e.states.Load(); err != nil {
		e.logger.Warn("failed to load persisted state", "error", err.Error())
	} else if ok {
		if prior.Mode != "" {
			e.mode = prior.Mode
		}
		if prior.IdleHeartbeatSeconds > 0 && prior.IdleFullFixSeconds > 0 {
			e.idlePreset = fix.CadencePreset{
				Name:              "idle",
				HeartbeatInterval: time.Duration(prior.IdleHeartbeatSeconds) * time.Second,
				FullFixInterval:   time.Duration(prior.IdleFullFixSeconds) * time.Second,
			}.Clamped()
		}
		if prior.TrackingActive && !prior.IntentionallyStopped {
			e.logger.Info("interrupted tracking session detected, will resume")
			e.resumeOnRun = true
		}
	}

	e.updateSnapshot()
	return e
}

// routerObserver adapts delivery outcomes to the producer observer
type routerObserver struct{ e *Engine }

func (o routerObserver) OnFixDelivered(f fix.Fix, path transport.Path) {
	if o.e.observer != nil {
		o.e.observer.OnFixProduced(f)
	}
}

func (o routerObserver) OnDeliveryError(err error) {
	if o.e.observer != nil {
		o.e.observer.OnFailure(err)
	}
}

// Start begins a tracking session: clears the intentional-stop flag,
// resets the restart counter, acquires the background grant and starts
// capture at the aggressive preset. Call before Run or from the Run
// goroutine; not safe concurrently with a running engine.
func (e *Engine) Start() error {
	e.resumeOnRun = false
	e.intentionalStop = false
	e.restartAttempts = 0
	e.lowBatteryWarned = false

	if e.grantEnabled {
		if err := e.grant.Acquire(); err != nil {
			e.logger.Warn("background grant unavailable", "error", err.Error())
		}
	}

	// Fresh sessions start at the aggressive preset; the per-sample battery
	// tiers slow transmission down from there.
	preset := fix.PresetAggressive
	if err := e.source.Start(preset); err != nil {
		e.phase = PhaseIdle
		e.persistState(false)
		wrapped := router.NewError(router.ErrKindAuthorizationDenied, err)
		e.notifyFailure(wrapped)
		e.updateSnapshot()
		return wrapped
	}

	e.cadence.SetPreset(preset)
	e.samples = e.source.Samples()
	e.phase = PhaseTracking
	e.persistState(true)
	e.updateSnapshot()
	e.logger.Info("tracking started", "mode", string(e.mode), "preset", preset.Name)
	return nil
}

// Stop requests engine shutdown; idempotent and safe to call from an
// unexpected-termination handler
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// HandleCommandPayload decodes an inbound command payload and queues it for
// the Run goroutine. Safe to call from transport callbacks.
func (e *Engine) HandleCommandPayload(data []byte) {
	cmd, err := command.Decode(data)
	if err != nil {
		e.logger.Warn("dropping undecodable command", "error", err.Error())
		return
	}
	select {
	case e.cmds <- cmd:
	case <-e.stopCh:
	}
}

// Run processes captures, commands and timers until the context is
// cancelled or Stop is called
func (e *Engine) Run(ctx context.Context) {
	watchdog := time.NewTicker(e.config.WatchdogInterval)
	defer watchdog.Stop()
	batch := time.NewTicker(e.config.BatchTickInterval)
	defer batch.Stop()

	if e.resumeOnRun {
		e.resumeOnRun = false
		if err := e.Start(); err != nil {
			e.logger.Error("failed to resume interrupted session", "error", err.Error())
		}
	}

	for {
		select {
		case <-ctx.Done():
			// Process shutdown, not an intentional stop: leave the
			// persisted flags so the next run resumes the session.
			e.teardown(false)
			return
		case <-e.stopCh:
			e.teardown(true)
			return
		case cmd := <-e.cmds:
			e.applyCommand(ctx, cmd)
		case <-e.restartCh:
			e.restartCapture()
		case t := <-e.thermals:
			e.handleThermal(t, e.lastBattery)
			e.updateSnapshot()
		case s, ok := <-e.samples:
			if !ok {
				e.handleSourceTermination()
				continue
			}
			e.handleSample(ctx, s)
		case <-watchdog.C:
			e.checkWatchdog(ctx)
		case <-batch.C:
			e.router.Tick(ctx)
			e.updateSnapshot()
		}
	}
}

// handleSample runs the thermal ladder, cadence rules and delivery for one
// raw capture
func (e *Engine) handleSample(ctx context.Context, s Sample) {
	e.lastBattery = s.BatteryFraction

	if !e.handleThermal(s.Thermal, s.BatteryFraction) {
		e.updateSnapshot()
		return
	}
	if e.phase != PhaseTracking && e.phase != PhaseThermalDegraded {
		return
	}

	e.estimator.AddSample(s.Time, s.BatteryFraction)
	e.maybeWarnLowBattery(s.Time)

	stationary := e.motion.Update(s.Latitude, s.Longitude, s.Time)
	cs := cadence.Sample{
		Time:                s.Time,
		BatteryFraction:     s.BatteryFraction,
		Stationary:          stationary,
		HorizontalAccuracyM: s.HorizontalAccuracy,
		Mode:                e.mode,
	}

	if !e.cadence.ShouldTransmit(cs) {
		// Throttled: the sample is discarded. The motion tracker keeps
		// the last known location for stationarity comparison.
		return
	}

	f := e.buildFix(s)
	e.publish(ctx, f, cs)
	e.updateSnapshot()
}

// handleThermal walks the degrade/stop/recover ladder; returns false when
// capture is (or just became) halted
func (e *Engine) handleThermal(t ThermalState, batteryFraction float64) bool {
	switch t {
	case ThermalCritical:
		if e.phase == PhaseThermalStopped {
			return false
		}
		e.logger.Warn("thermal critical, halting capture")
		e.source.Stop()
		e.samples = nil
		e.grant.Release()
		// intentionalStop stays false so recovery can auto-resume
		e.phase = PhaseThermalStopped
		return false

	case ThermalSerious:
		if e.phase == PhaseTracking {
			e.logger.Warn("thermal serious, degrading to saver preset")
			e.cadence.SetPreset(fix.PresetSaver)
			e.phase = PhaseThermalDegraded
		}
		return true

	default: // nominal
		switch e.phase {
		case PhaseThermalDegraded:
			e.logger.Info("thermal recovered, restoring preset")
			e.cadence.SetPreset(fix.EffectivePreset(e.mode, batteryFraction))
			e.phase = PhaseTracking
		case PhaseThermalStopped:
			e.logger.Info("thermal recovered, restarting capture")
			e.restartAttempts = 0
			e.resumeFromThermalStop(batteryFraction)
		}
		return true
	}
}

// resumeFromThermalStop restarts capture and the background grant after a
// thermal-critical halt
func (e *Engine) resumeFromThermalStop(batteryFraction float64) {
	if e.grantEnabled {
		if err := e.grant.Acquire(); err != nil {
			e.logger.Warn("background grant unavailable on thermal resume", "error", err.Error())
		}
	}
	preset := fix.EffectivePreset(e.mode, batteryFraction)
	if err := e.source.Start(preset); err != nil {
		e.logger.Error("capture restart after thermal stop failed", "error", err.Error())
		e.notifyFailure(router.NewError(router.ErrKindAuthorizationDenied, err))
		e.phase = PhaseIdle
		e.persistState(false)
		return
	}
	e.cadence.SetPreset(preset)
	e.samples = e.source.Samples()
	e.phase = PhaseTracking
}

// handleSourceTermination reacts to the capture session ending without a
// stop request: auto-restart with exponential backoff, capped
func (e *Engine) handleSourceTermination() {
	e.samples = nil
	if e.intentionalStop || e.phase == PhaseThermalStopped || e.phase == PhaseIdle {
		return
	}

	e.restartAttempts++
	if e.restartAttempts > e.config.RestartMaxAttempts {
		e.logger.Error("capture restart attempts exhausted", "attempts", e.restartAttempts-1)
		e.phase = PhaseIdle
		e.persistState(false)
		e.notifyFailure(fmt.Errorf("capture session terminated after %d restart attempts", e.config.RestartMaxAttempts))
		e.updateSnapshot()
		return
	}

	delay := e.config.RestartBackoffBase << (e.restartAttempts - 1)
	e.logger.Warn("capture session terminated unexpectedly, restarting",
		"attempt", e.restartAttempts, "retry_in", delay.String())
	e.updateSnapshot()
	time.AfterFunc(delay, func() {
		select {
		case e.restartCh <- struct{}{}:
		case <-e.stopCh:
		}
	})
}

// restartCapture performs one backoff-scheduled restart attempt
func (e *Engine) restartCapture() {
	if e.intentionalStop || e.phase == PhaseThermalStopped || e.phase == PhaseIdle {
		return
	}
	preset := fix.EffectivePreset(e.mode, e.lastBattery)
	if err := e.source.Start(preset); err != nil {
		e.logger.Warn("capture restart failed", "error", err.Error())
		e.handleSourceTermination()
		return
	}
	e.cadence.SetPreset(preset)
	e.samples = e.source.Samples()
	e.phase = PhaseTracking
	e.logger.Info("capture restarted", "preset", preset.Name)
	e.updateSnapshot()
}

// checkWatchdog forces a transmission when none occurred within the
// configured maximum interval
func (e *Engine) checkWatchdog(ctx context.Context) {
	if e.phase != PhaseTracking && e.phase != PhaseThermalDegraded {
		return
	}
	now := e.now()
	elapsed, ok := e.cadence.TimeSinceTransmit(now)
	if ok && elapsed < e.cadence.Config().MaxUpdateInterval {
		return
	}

	if e.lastPublished != nil && now.Sub(e.lastPublished.Timestamp) <= e.config.CachedFixMaxAge {
		// Re-send the cached fix; the hub's dedup makes this harmless if
		// the original arrived.
		f := *e.lastPublished
		e.logger.Debug("watchdog re-sending cached fix", "seq", f.Sequence)
		e.router.Publish(ctx, f)
		e.cadence.MarkTransmitted(cadence.Sample{
			Time:                now,
			BatteryFraction:     f.BatteryFraction,
			HorizontalAccuracyM: f.HorizontalAccuracy,
			Mode:                e.mode,
		})
		return
	}
	e.logger.Debug("watchdog requesting fresh capture")
	e.source.RequestSample()
}

// buildFix converts a raw sample into an immutable Fix with the next
// sequence number
func (e *Engine) buildFix(s Sample) fix.Fix {
	return fix.Fix{
		Timestamp:          s.Time,
		DeviceID:           e.config.DeviceID,
		Latitude:           s.Latitude,
		Longitude:          s.Longitude,
		Altitude:           s.Altitude,
		HorizontalAccuracy: s.HorizontalAccuracy,
		VerticalAccuracy:   s.VerticalAccuracy,
		Speed:              s.Speed,
		Course:             s.Course,
		Heading:            s.Heading,
		BatteryFraction:    s.BatteryFraction,
		Sequence:           e.nextSequence(s.Time),
		Preset:             e.cadence.Preset().Name,
	}
}

// nextSequence derives a strictly increasing sequence number from the
// capture clock; not required to be contiguous
func (e *Engine) nextSequence(t time.Time) int64 {
	s := t.UnixNano()
	if s <= e.seq {
		s = e.seq + 1
	}
	e.seq = s
	return s
}

// publish routes a fix and records the transmission for the throttle rules
func (e *Engine) publish(ctx context.Context, f fix.Fix, cs cadence.Sample) {
	e.router.Publish(ctx, f)
	e.cadence.MarkTransmitted(cs)
	cp := f
	e.lastPublished = &cp
	e.produced++
	e.maybeEmergencySideChannel(f)
}

// maybeEmergencySideChannel writes the fix to the durable recovery store
// when the direct transport is down in emergency mode, throttled to once
// per interval
func (e *Engine) maybeEmergencySideChannel(f fix.Fix) {
	if e.store == nil || e.mode.Effective() != fix.ModeEmergency {
		return
	}
	if e.link.Reachable() {
		return
	}
	now := e.now()
	if !e.lastRecoverySave.IsZero() && now.Sub(e.lastRecoverySave) < e.config.EmergencyRecoveryInterval {
		return
	}
	e.lastRecoverySave = now

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.store.SaveLatest(ctx, f); err != nil {
			e.logger.Warn("emergency recovery save failed", "seq", f.Sequence, "error", err.Error())
		}
	}()
}

// maybeWarnLowBattery surfaces the drain estimate once per session when the
// projected time to the critical tier drops under the warn horizon
func (e *Engine) maybeWarnLowBattery(now time.Time) {
	if e.lowBatteryWarned {
		return
	}
	cc := e.cadence.Config()
	ttc, err := e.estimator.TimeToThreshold(now, cc.CriticalBatteryFraction)
	if err != nil {
		return
	}
	if ttc <= e.config.LowBatteryWarnHorizon {
		e.lowBatteryWarned = true
		rate, _ := e.estimator.DrainRatePerHour()
		e.logger.Warn("battery approaching critical tier",
			"time_to_critical", ttc.String(), "drain_per_hour", rate)
		e.notifyFailure(fmt.Errorf("battery critical in ~%s at current drain", ttc.Round(time.Minute)))
	}
}

// applyCommand executes one hub command; duplicate deliveries are dropped
func (e *Engine) applyCommand(ctx context.Context, cmd command.Command) {
	if e.dedup.Seen(cmd.ID) {
		e.logger.Debug("duplicate command ignored", "id", cmd.ID, "kind", string(cmd.Kind))
		return
	}
	e.logger.Info("command received", "id", cmd.ID, "kind", string(cmd.Kind))

	switch cmd.Kind {
	case command.KindRequestLocation:
		e.handleRequestLocation(ctx, cmd.Force)
	case command.KindSetMode:
		e.setMode(ctx, cmd)
	case command.KindSetBackgroundGrant:
		e.setBackgroundGrant(cmd.Enabled)
	case command.KindSetIdleCadence:
		e.setIdleCadence(cmd)
	case command.KindStopTracking:
		if e.observer != nil {
			e.observer.OnRemoteStopReceived()
		}
		e.stopTracking()
	}
	e.updateSnapshot()
}

func (e *Engine) handleRequestLocation(ctx context.Context, force bool) {
	if !force && e.lastPublished != nil && e.now().Sub(e.lastPublished.Timestamp) <= e.config.CachedFixMaxAge {
		e.router.Publish(ctx, *e.lastPublished)
		return
	}
	if e.samples != nil {
		e.source.RequestSample()
	}
}

func (e *Engine) setMode(ctx context.Context, cmd command.Command) {
	prev := e.mode
	e.mode = cmd.Mode

	preset := fix.EffectivePreset(cmd.Mode, e.lastBattery)
	if hb, ok := cmd.HeartbeatInterval(); ok {
		preset.HeartbeatInterval = hb
	}
	if ff, ok := cmd.FullFixInterval(); ok {
		preset.FullFixInterval = ff
	}
	preset = preset.Clamped()

	switch {
	case cmd.Mode.Effective() == fix.ModeEmergency:
		// Emergency forces aggressive capture regardless of battery and
		// transmits immediately.
		e.cadence.SetPreset(preset)
		e.handleRequestLocation(ctx, e.lastPublished == nil)
	case prev.Effective() == fix.ModeEmergency:
		// Leaving emergency restores the persisted idle cadence.
		e.cadence.SetPreset(e.idlePreset)
	default:
		e.cadence.SetPreset(preset)
	}

	e.persistState(e.phase != PhaseIdle)
	e.logger.Info("tracking mode changed", "from", string(prev), "to", string(cmd.Mode))
}

func (e *Engine) setBackgroundGrant(enabled bool) {
	e.grantEnabled = enabled
	if !enabled {
		e.grant.Release()
		return
	}
	if e.phase == PhaseTracking || e.phase == PhaseThermalDegraded {
		if err := e.grant.Acquire(); err != nil {
			e.logger.Warn("background grant unavailable", "error", err.Error())
		}
	}
}

func (e *Engine) setIdleCadence(cmd command.Command) {
	hb, _ := cmd.HeartbeatInterval()
	ff, _ := cmd.FullFixInterval()
	e.idlePreset = fix.CadencePreset{Name: "idle", HeartbeatInterval: hb, FullFixInterval: ff}.Clamped()
	if e.mode.Effective() != fix.ModeEmergency {
		e.cadence.SetPreset(e.idlePreset)
	}
	e.persistState(e.phase != PhaseIdle)
}

// stopTracking performs an intentional stop without shutting down the Run
// loop; a later Start can begin a new session
func (e *Engine) stopTracking() {
	e.intentionalStop = true
	if e.samples != nil {
		e.source.Stop()
		e.samples = nil
	}
	e.grant.Release()
	e.phase = PhaseIdle
	e.persistState(false)
	e.logger.Info("tracking stopped by command")
}

// teardown releases everything on Run exit. intentional distinguishes an
// explicit stop (persisted as such) from process shutdown (session left
// resumable).
func (e *Engine) teardown(intentional bool) {
	if e.samples != nil {
		e.source.Stop()
		e.samples = nil
	}
	e.grant.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	e.router.Drain(ctx)

	if intentional {
		e.intentionalStop = true
		e.phase = PhaseIdle
		e.persistState(false)
	}
	e.updateSnapshot()
	e.logger.Info("producer engine stopped", "intentional", intentional)
}

// persistState synchronously saves the crash-recovery flags
func (e *Engine) persistState(trackingActive bool) {
	s := State{
		TrackingActive:       trackingActive,
		IntentionallyStopped: e.intentionalStop,
		Mode:                 e.mode,
		IdleHeartbeatSeconds: int64(e.idlePreset.HeartbeatInterval / time.Second),
		IdleFullFixSeconds:   int64(e.idlePreset.FullFixInterval / time.Second),
	}
	if err := e.states.Save(s); err != nil {
		e.logger.Error("failed to persist engine state", "error", err.Error())
	}
}

func (e *Engine) notifyFailure(err error) {
	if e.observer != nil {
		e.observer.OnFailure(err)
	}
}

func (e *Engine) updateSnapshot() {
	e.snapMu.Lock()
	e.snap = Snapshot{
		Phase:           e.phase,
		Mode:            e.mode,
		Produced:        e.produced,
		RestartAttempts: e.restartAttempts,
		PendingBatch:    e.router.PendingCount(),
	}
	e.snapMu.Unlock()
}

// Snapshot returns a thread-safe view of the engine state
func (e *Engine) Snapshot() Snapshot {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	return e.snap
}
