package producer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fixrelay/fixrelay/pkg/cadence"
	"github.com/fixrelay/fixrelay/pkg/command"
	"github.com/fixrelay/fixrelay/pkg/fix"
	"github.com/fixrelay/fixrelay/pkg/logx"
	"github.com/fixrelay/fixrelay/pkg/router"
	"github.com/fixrelay/fixrelay/pkg/transport"
)

type fakeSource struct {
	mu           sync.Mutex
	startCount   int
	stopCount    int
	requestCount int
	startErr     error
	lastPreset   fix.CadencePreset
	samples      chan Sample
}

func (s *fakeSource) Start(preset fix.CadencePreset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.startCount++
	s.lastPreset = preset
	s.samples = make(chan Sample, 8)
	return nil
}

func (s *fakeSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCount++
}

func (s *fakeSource) RequestSample() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestCount++
}

func (s *fakeSource) Samples() <-chan Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples
}

func (s *fakeSource) requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestCount
}

type fakeGrant struct {
	mu       sync.Mutex
	acquired int
	released int
}

func (g *fakeGrant) Acquire() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.acquired++
	return nil
}

func (g *fakeGrant) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released++
}

type fakeLink struct {
	mu        sync.Mutex
	reachable bool
	fixes     [][]byte
	batches   [][]byte
	files     map[string][]byte
}

func newFakeLink(reachable bool) *fakeLink {
	return &fakeLink{reachable: reachable, files: make(map[string][]byte)}
}

func (l *fakeLink) Connect() error { return nil }
func (l *fakeLink) Disconnect()    {}

func (l *fakeLink) Reachable() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reachable
}

func (l *fakeLink) SendFix(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fixes = append(l.fixes, data)
	return nil
}

func (l *fakeLink) SendBatch(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.batches = append(l.batches, data)
	return nil
}

func (l *fakeLink) SendFile(handle string, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.files[handle] = data
	return nil
}

func (l *fakeLink) SubscribeTelemetry(transport.TelemetryHandler) error { return nil }
func (l *fakeLink) SubscribeCommands(func(data []byte)) error          { return nil }
func (l *fakeLink) PublishCommand([]byte) error                        { return nil }
func (l *fakeLink) OnReachabilityChanged(func(bool))                   {}

func (l *fakeLink) sentFixes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fixes)
}

type recordingProducerObserver struct {
	mu          sync.Mutex
	produced    []fix.Fix
	failures    []error
	remoteStops int
}

func (o *recordingProducerObserver) OnFixProduced(f fix.Fix) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.produced = append(o.produced, f)
}

func (o *recordingProducerObserver) OnFailure(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, err)
}

func (o *recordingProducerObserver) OnRemoteStopReceived() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.remoteStops++
}

func (o *recordingProducerObserver) OnReachabilityChanged(bool) {}

func (o *recordingProducerObserver) failureCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.failures)
}

type testEngine struct {
	engine   *Engine
	source   *fakeSource
	grant    *fakeGrant
	link     *fakeLink
	states   *MemoryStateStore
	observer *recordingProducerObserver
}

func newTestEngine(t *testing.T, config Config, reachable bool) *testEngine {
	t.Helper()
	logger := logx.New("error")
	source := &fakeSource{}
	grant := &fakeGrant{}
	link := newFakeLink(reachable)
	states := NewMemoryStateStore()
	observer := &recordingProducerObserver{}

	e := New(config, Deps{
		Link:     link,
		Router:   router.New(link, router.DefaultConfig(), logger),
		Cadence:  cadence.New(cadence.DefaultConfig(), fix.PresetBalanced),
		Source:   source,
		Grant:    grant,
		States:   states,
		Observer: observer,
		Logger:   logger,
	})
	return &testEngine{engine: e, source: source, grant: grant, link: link, states: states, observer: observer}
}

func sampleAt(at time.Time) Sample {
	return Sample{
		Time:               at,
		Latitude:           59.3293,
		Longitude:          18.0686,
		HorizontalAccuracy: 10,
		BatteryFraction:    0.9,
		Thermal:            ThermalNominal,
	}
}

func TestStartBeginsTracking(t *testing.T) {
	te := newTestEngine(t, DefaultConfig(), true)

	if err := te.engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if te.engine.phase != PhaseTracking {
		t.Errorf("phase = %v, want tracking", te.engine.phase)
	}
	if te.source.startCount != 1 {
		t.Errorf("source start count = %d", te.source.startCount)
	}
	if te.source.lastPreset.Name != "aggressive" {
		t.Errorf("initial preset = %q, want aggressive", te.source.lastPreset.Name)
	}
	if te.grant.acquired != 1 {
		t.Errorf("grant acquired = %d", te.grant.acquired)
	}
	state, ok, _ := te.states.Load()
	if !ok || !state.TrackingActive || state.IntentionallyStopped {
		t.Errorf("persisted state = %+v, want active and not intentionally stopped", state)
	}
}

func TestStartAuthorizationDenied(t *testing.T) {
	te := newTestEngine(t, DefaultConfig(), true)
	te.source.startErr = ErrAuthorizationDenied

	err := te.engine.Start()
	if err == nil {
		t.Fatal("Start should fail when capture authorization is denied")
	}
	if router.KindOf(err) != router.ErrKindAuthorizationDenied {
		t.Errorf("error kind = %v, want authorization_denied", router.KindOf(err))
	}
	if te.engine.phase != PhaseIdle {
		t.Errorf("phase = %v, want idle", te.engine.phase)
	}
	if te.observer.failureCount() != 1 {
		t.Errorf("observer failures = %d, want 1", te.observer.failureCount())
	}
	state, _, _ := te.states.Load()
	if state.TrackingActive {
		t.Error("tracking should not be persisted as active")
	}
}

func TestSampleTransmitsInteractively(t *testing.T) {
	te := newTestEngine(t, DefaultConfig(), true)
	if err := te.engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	te.engine.handleSample(context.Background(), sampleAt(time.Now()))

	if te.link.sentFixes() != 1 {
		t.Fatalf("sent fixes = %d, want 1", te.link.sentFixes())
	}
	if te.engine.lastPublished == nil {
		t.Fatal("lastPublished should be recorded")
	}
	if te.engine.lastPublished.DeviceID != te.engine.config.DeviceID {
		t.Errorf("device id = %q", te.engine.lastPublished.DeviceID)
	}
	if snap := te.engine.Snapshot(); snap.Produced != 1 {
		t.Errorf("snapshot produced = %d", snap.Produced)
	}
}

func TestThrottledSampleDiscarded(t *testing.T) {
	te := newTestEngine(t, DefaultConfig(), true)
	if err := te.engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	base := time.Now()
	te.engine.handleSample(context.Background(), sampleAt(base))
	// 100ms later, same accuracy: under the high-frequency interval, so the
	// sample is discarded rather than queued
	te.engine.handleSample(context.Background(), sampleAt(base.Add(100*time.Millisecond)))

	if te.link.sentFixes() != 1 {
		t.Errorf("sent fixes = %d, want 1", te.link.sentFixes())
	}
	if n := te.engine.router.PendingCount(); n != 0 {
		t.Errorf("pending batch = %d, discarded samples must not queue", n)
	}
}

func TestUnreachableSampleBatches(t *testing.T) {
	te := newTestEngine(t, DefaultConfig(), false)
	if err := te.engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	te.engine.handleSample(context.Background(), sampleAt(time.Now()))

	if te.link.sentFixes() != 0 {
		t.Errorf("sent fixes = %d, want 0 while unreachable", te.link.sentFixes())
	}
	if n := te.engine.router.PendingCount(); n != 1 {
		t.Errorf("pending batch = %d, want 1", n)
	}
}

func TestThermalLadder(t *testing.T) {
	te := newTestEngine(t, DefaultConfig(), true)
	if err := te.engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	s := sampleAt(time.Now())
	s.Thermal = ThermalSerious
	te.engine.handleSample(context.Background(), s)
	if te.engine.phase != PhaseThermalDegraded {
		t.Fatalf("phase = %v, want thermal_degraded", te.engine.phase)
	}
	if te.engine.cadence.Preset().Name != "saver" {
		t.Errorf("degraded preset = %q, want saver", te.engine.cadence.Preset().Name)
	}

	s.Thermal = ThermalCritical
	s.Time = s.Time.Add(time.Second)
	te.engine.handleSample(context.Background(), s)
	if te.engine.phase != PhaseThermalStopped {
		t.Fatalf("phase = %v, want thermal_stopped", te.engine.phase)
	}
	if te.source.stopCount != 1 {
		t.Errorf("source stops = %d, want 1", te.source.stopCount)
	}
	if te.grant.released == 0 {
		t.Error("grant should be released on thermal stop")
	}
	if te.engine.intentionalStop {
		t.Error("thermal stop must not be recorded as intentional")
	}

	// Recovery arrives out of band since capture is halted
	te.engine.handleThermal(ThermalNominal, 0.9)
	if te.engine.phase != PhaseTracking {
		t.Fatalf("phase after recovery = %v, want tracking", te.engine.phase)
	}
	if te.source.startCount != 2 {
		t.Errorf("source starts = %d, want restart after recovery", te.source.startCount)
	}
}

func TestWatchdogResendsCachedFix(t *testing.T) {
	config := DefaultConfig()
	config.CachedFixMaxAge = 5 * time.Minute
	te := newTestEngine(t, config, false)
	if err := te.engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	base := time.Now()
	te.engine.handleSample(context.Background(), sampleAt(base))
	if n := te.engine.router.PendingCount(); n != 1 {
		t.Fatalf("pending = %d after first sample", n)
	}

	// Past the max update interval with a still-fresh cached fix: the
	// watchdog re-sends it instead of requesting a capture
	te.engine.now = func() time.Time { return base.Add(130 * time.Second) }
	te.engine.checkWatchdog(context.Background())

	if n := te.engine.router.PendingCount(); n != 2 {
		t.Errorf("pending = %d, want cached fix re-queued", n)
	}
	if te.source.requests() != 0 {
		t.Errorf("fresh capture requested %d times, want 0", te.source.requests())
	}
}

func TestWatchdogRequestsFreshSampleWhenCacheStale(t *testing.T) {
	te := newTestEngine(t, DefaultConfig(), false)
	if err := te.engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	base := time.Now()
	te.engine.handleSample(context.Background(), sampleAt(base))

	// 130s elapsed, cache max age 30s: the cached fix is too old
	te.engine.now = func() time.Time { return base.Add(130 * time.Second) }
	te.engine.checkWatchdog(context.Background())

	if te.source.requests() != 1 {
		t.Errorf("fresh capture requests = %d, want 1", te.source.requests())
	}
}

func TestSourceTerminationRestartsWithBackoffCap(t *testing.T) {
	config := DefaultConfig()
	config.RestartMaxAttempts = 2
	te := newTestEngine(t, config, true)
	if err := te.engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	te.engine.handleSourceTermination()
	if te.engine.restartAttempts != 1 {
		t.Errorf("restart attempts = %d", te.engine.restartAttempts)
	}
	if te.engine.phase != PhaseTracking {
		t.Errorf("phase = %v, restart should still be pending", te.engine.phase)
	}

	te.engine.handleSourceTermination()
	te.engine.handleSourceTermination()

	if te.engine.phase != PhaseIdle {
		t.Errorf("phase = %v, want idle after exhausting restarts", te.engine.phase)
	}
	if te.observer.failureCount() == 0 {
		t.Error("observer should be notified when restarts are exhausted")
	}
	state, _, _ := te.states.Load()
	if state.TrackingActive {
		t.Error("tracking should be persisted inactive after giving up")
	}
}

func TestIntentionalStopSuppressesRestart(t *testing.T) {
	te := newTestEngine(t, DefaultConfig(), true)
	if err := te.engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	te.engine.stopTracking()
	te.engine.handleSourceTermination()

	if te.engine.restartAttempts != 0 {
		t.Errorf("restart attempts = %d, want 0 after intentional stop", te.engine.restartAttempts)
	}
	state, _, _ := te.states.Load()
	if !state.IntentionallyStopped {
		t.Error("intentional stop should be persisted")
	}
}

func TestDuplicateCommandIgnored(t *testing.T) {
	te := newTestEngine(t, DefaultConfig(), true)
	if err := te.engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	cmd := command.Command{ID: "cmd-1", Kind: command.KindSetMode, Mode: fix.ModeEmergency}
	te.engine.applyCommand(context.Background(), cmd)
	if te.engine.mode != fix.ModeEmergency {
		t.Fatalf("mode = %v, want emergency", te.engine.mode)
	}

	// Redelivery of the same ID with different content must be a no-op
	dup := command.Command{ID: "cmd-1", Kind: command.KindSetMode, Mode: fix.ModeSaver}
	te.engine.applyCommand(context.Background(), dup)
	if te.engine.mode != fix.ModeEmergency {
		t.Errorf("mode = %v, duplicate command must not apply", te.engine.mode)
	}
}

func TestSetModeEmergencyAndBack(t *testing.T) {
	te := newTestEngine(t, DefaultConfig(), true)
	if err := te.engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	te.engine.idlePreset = fix.PresetSaver

	te.engine.applyCommand(context.Background(), command.Command{
		ID: "c1", Kind: command.KindSetMode, Mode: fix.ModeEmergency,
	})
	if te.engine.cadence.Preset().Name != "aggressive" {
		t.Errorf("emergency preset = %q, want aggressive", te.engine.cadence.Preset().Name)
	}
	// No cached fix yet, so entering emergency requests a capture
	if te.source.requests() != 1 {
		t.Errorf("capture requests = %d, want 1 on emergency entry", te.source.requests())
	}

	te.engine.applyCommand(context.Background(), command.Command{
		ID: "c2", Kind: command.KindSetMode, Mode: fix.ModeBalanced,
	})
	if te.engine.cadence.Preset().Name != "saver" {
		t.Errorf("preset after leaving emergency = %q, want the persisted idle preset", te.engine.cadence.Preset().Name)
	}
}

func TestSetIdleCadenceClampsAndPersists(t *testing.T) {
	te := newTestEngine(t, DefaultConfig(), true)
	if err := te.engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	hb := int64(1)     // below the 10s floor
	ff := int64(7200)  // above the 60min ceiling
	te.engine.applyCommand(context.Background(), command.Command{
		ID: "c1", Kind: command.KindSetIdleCadence, HeartbeatSeconds: &hb, FullFixSeconds: &ff,
	})

	if te.engine.idlePreset.HeartbeatInterval != fix.MinHeartbeatInterval {
		t.Errorf("heartbeat = %v, want clamped to %v", te.engine.idlePreset.HeartbeatInterval, fix.MinHeartbeatInterval)
	}
	if te.engine.idlePreset.FullFixInterval != fix.MaxFullFixInterval {
		t.Errorf("full fix = %v, want clamped to %v", te.engine.idlePreset.FullFixInterval, fix.MaxFullFixInterval)
	}
	state, _, _ := te.states.Load()
	if state.IdleHeartbeatSeconds != 10 || state.IdleFullFixSeconds != 3600 {
		t.Errorf("persisted idle cadence = %d/%d", state.IdleHeartbeatSeconds, state.IdleFullFixSeconds)
	}
}

func TestStopTrackingCommand(t *testing.T) {
	te := newTestEngine(t, DefaultConfig(), true)
	if err := te.engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	te.engine.applyCommand(context.Background(), command.Command{ID: "c1", Kind: command.KindStopTracking})

	if te.observer.remoteStops != 1 {
		t.Errorf("remote stop notifications = %d, want 1", te.observer.remoteStops)
	}
	if te.engine.phase != PhaseIdle {
		t.Errorf("phase = %v, want idle", te.engine.phase)
	}
	if te.source.stopCount != 1 {
		t.Errorf("source stops = %d, want 1", te.source.stopCount)
	}
}

func TestCrashRecoveryStateRestored(t *testing.T) {
	logger := logx.New("error")
	link := newFakeLink(true)
	states := NewMemoryStateStore()
	states.Save(State{
		TrackingActive:       true,
		IntentionallyStopped: false,
		Mode:                 fix.ModeSaver,
		IdleHeartbeatSeconds: 120,
		IdleFullFixSeconds:   600,
	})

	e := New(DefaultConfig(), Deps{
		Link:    link,
		Router:  router.New(link, router.DefaultConfig(), logger),
		Cadence: cadence.New(cadence.DefaultConfig(), fix.PresetBalanced),
		Source:  &fakeSource{},
		States:  states,
		Logger:  logger,
	})

	if !e.resumeOnRun {
		t.Error("interrupted session should be flagged for resume")
	}
	if e.mode != fix.ModeSaver {
		t.Errorf("restored mode = %v, want saver", e.mode)
	}
	if e.idlePreset.HeartbeatInterval != 120*time.Second || e.idlePreset.FullFixInterval != 600*time.Second {
		t.Errorf("restored idle preset = %+v", e.idlePreset)
	}
}

func TestIntentionalStopNotResumed(t *testing.T) {
	logger := logx.New("error")
	link := newFakeLink(true)
	states := NewMemoryStateStore()
	states.Save(State{TrackingActive: false, IntentionallyStopped: true, Mode: fix.ModeBalanced})

	e := New(DefaultConfig(), Deps{
		Link:    link,
		Router:  router.New(link, router.DefaultConfig(), logger),
		Cadence: cadence.New(cadence.DefaultConfig(), fix.PresetBalanced),
		Source:  &fakeSource{},
		States:  states,
		Logger:  logger,
	})

	if e.resumeOnRun {
		t.Error("intentionally stopped session must not resume")
	}
}

type countingRecoveryStore struct {
	mu    sync.Mutex
	saves int
}

func (s *countingRecoveryStore) CheckAvailability(ctx context.Context) bool { return true }

func (s *countingRecoveryStore) SaveLatest(ctx context.Context, f fix.Fix) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	return nil
}

func (s *countingRecoveryStore) LoadLatest(ctx context.Context, deviceID string) (*fix.Fix, error) {
	return nil, errors.New("not implemented")
}

func (s *countingRecoveryStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func TestEmergencySideChannelThrottled(t *testing.T) {
	logger := logx.New("error")
	link := newFakeLink(false)
	store := &countingRecoveryStore{}
	source := &fakeSource{}

	e := New(DefaultConfig(), Deps{
		Link:     link,
		Router:   router.New(link, router.DefaultConfig(), logger),
		Cadence:  cadence.New(cadence.DefaultConfig(), fix.PresetAggressive),
		Source:   source,
		States:   NewMemoryStateStore(),
		Recovery: store,
		Logger:   logger,
	})
	e.mode = fix.ModeEmergency
	if err := e.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	base := time.Now()
	e.now = func() time.Time { return base }
	e.handleSample(context.Background(), sampleAt(base))

	waitFor(t, func() bool { return store.count() == 1 })

	// 30s later, inside the recovery interval: the save is throttled
	e.now = func() time.Time { return base.Add(30 * time.Second) }
	e.handleSample(context.Background(), sampleAt(base.Add(30*time.Second)))
	time.Sleep(50 * time.Millisecond)
	if store.count() != 1 {
		t.Errorf("recovery saves = %d, want throttle to hold at 1", store.count())
	}

	// Past the interval the next save goes through
	e.now = func() time.Time { return base.Add(90 * time.Second) }
	e.handleSample(context.Background(), sampleAt(base.Add(90*time.Second)))
	waitFor(t, func() bool { return store.count() == 2 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
