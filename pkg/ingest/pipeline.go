// Package ingest implements the hub's ingestion pipeline: acceptance
// policy, duplicate rejection, ordered bounded history and connectivity
// health classification for fixes arriving out of order over any of the
// three delivery paths.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/fixrelay/fixrelay/pkg/fix"
	"github.com/fixrelay/fixrelay/pkg/geofence"
	"github.com/fixrelay/fixrelay/pkg/logx"
	"github.com/fixrelay/fixrelay/pkg/recovery"
	"github.com/fixrelay/fixrelay/pkg/transport"
)

// RejectReason classifies why a fix was not admitted. Rejections are
// expected filtering outcomes, not errors.
type RejectReason string

const (
	ReasonDuplicateSequence RejectReason = "duplicate_sequence"
	ReasonPoorAccuracy      RejectReason = "poor_accuracy"
	ReasonImplausibleJump   RejectReason = "implausible_jump"
)

// Result is the outcome of one admission attempt
type Result struct {
	Admitted bool
	Reason   RejectReason
}

// Health is the coarse connectivity classification derived from delivery
// recency and path
type Health string

const (
	HealthExcellent   Health = "excellent"
	HealthDegraded    Health = "degraded"
	HealthUnreachable Health = "unreachable"
	HealthUnknown     Health = "unknown"
)

// Config holds ingestion pipeline configuration
type Config struct {
	Mode                    fix.TrackingMode `json:"mode"`
	DeviceID                string           `json:"device_id"`
	HistoryCapacity         int              `json:"history_capacity"`
	SequenceCacheCapacity   int              `json:"sequence_cache_capacity"`
	JumpCheckWindow         time.Duration    `json:"jump_check_window"`
	DirectHealthWindow      time.Duration    `json:"direct_health_window"`
	AnyHealthWindow         time.Duration    `json:"any_health_window"`
	RecoveryForwardInterval time.Duration    `json:"recovery_forward_interval"`
	RecoverySeedMaxAge      time.Duration    `json:"recovery_seed_max_age"`
	DecodeFailureEscalation int              `json:"decode_failure_escalation"`
	InboxSize               int              `json:"inbox_size"`
}

// DefaultConfig returns default pipeline configuration
func DefaultConfig() Config {
	return Config{
		Mode:                    fix.ModeAuto,
		DeviceID:                "",
		HistoryCapacity:         DefaultHistoryCapacity,
		SequenceCacheCapacity:   512,
		JumpCheckWindow:         5 * time.Second,
		DirectHealthWindow:      60 * time.Second,
		AnyHealthWindow:         300 * time.Second,
		RecoveryForwardInterval: 5 * time.Minute,
		RecoverySeedMaxAge:      24 * time.Hour,
		DecodeFailureEscalation: 5,
		InboxSize:               256,
	}
}

type delivery struct {
	path    transport.Path
	payload []byte
}

// Pipeline is the hub-side ingestion engine. Deliveries from all transport
// paths are funnelled through one inbox into a single processing goroutine;
// the mutex additionally guards read access from the status and metrics
// surfaces.
type Pipeline struct {
	logger *logx.Logger
	config Config
	policy fix.AcceptancePolicy
	store  recovery.Store
	zones  geofence.Evaluator
	now    func() time.Time

	onAdmitted func(fix.Fix)

	inbox chan delivery
	done  chan struct{}

	mu                 sync.Mutex
	cache              *SequenceCache
	history            *History
	latest             *fix.Fix
	latestPath         transport.Path
	lastDirectDelivery time.Time
	lastAnyDelivery    time.Time
	lastForward        time.Time
	decodeStreak       int
	syncDegraded       bool
	counters           counters
}

type counters struct {
	admitted       int64
	rejected       map[RejectReason]int64
	decodeFailures int64
	deliveries     map[transport.Path]int64
}

// Stats is a point-in-time snapshot of the pipeline for the status and
// metrics surfaces
type Stats struct {
	Admitted       int64                    `json:"admitted"`
	Rejected       map[RejectReason]int64   `json:"rejected"`
	DecodeFailures int64                    `json:"decode_failures"`
	SyncDegraded   bool                     `json:"sync_degraded"`
	Deliveries     map[transport.Path]int64 `json:"deliveries"`
	HistoryLen     int                      `json:"history_len"`
	HistoryCap     int                      `json:"history_cap"`
	Latest         *fix.Fix                 `json:"latest,omitempty"`
	LatestPath     transport.Path           `json:"latest_path,omitempty"`
	Health         Health                   `json:"health"`
}

// New creates an ingestion pipeline. store and zones may be nil.
func New(config Config, store recovery.Store, zones geofence.Evaluator, logger *logx.Logger) *Pipeline {
	if config.SequenceCacheCapacity <= 0 {
		config.SequenceCacheCapacity = 512
	}
	if config.InboxSize <= 0 {
		config.InboxSize = 256
	}
	if zones == nil {
		zones = geofence.Noop{}
	}
	return &Pipeline{
		logger:  logger,
		config:  config,
		policy:  fix.PolicyFor(config.Mode),
		store:   store,
		zones:   zones,
		now:     time.Now,
		inbox:   make(chan delivery, config.InboxSize),
		done:    make(chan struct{}),
		cache:   NewSequenceCache(config.SequenceCacheCapacity),
		history: NewHistory(config.HistoryCapacity),
		counters: counters{
			rejected:   make(map[RejectReason]int64),
			deliveries: make(map[transport.Path]int64),
		},
	}
}

// SetOnAdmitted registers a callback invoked for every admitted fix (after
// the geofence evaluator). Must be set before Run.
func (p *Pipeline) SetOnAdmitted(fn func(fix.Fix)) {
	p.onAdmitted = fn
}

// SetMode switches the acceptance policy to the given tracking mode
func (p *Pipeline) SetMode(mode fix.TrackingMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.config.Mode = mode
	p.policy = fix.PolicyFor(mode)
}

// HandleDelivery funnels an inbound transport payload into the pipeline.
// Safe to call from any transport callback goroutine.
func (p *Pipeline) HandleDelivery(path transport.Path, payload []byte) {
	select {
	case p.inbox <- delivery{path: path, payload: payload}:
	case <-p.done:
	}
}

// Run processes deliveries until the context is cancelled
func (p *Pipeline) Run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-p.inbox:
			p.process(d)
		}
	}
}

// process decodes one delivery and admits its fixes
func (p *Pipeline) process(d delivery) {
	payload, err := transport.Decode(d.payload)
	if err != nil {
		p.recordDecodeFailure(err)
		return
	}
	p.resetDecodeStreak()
	p.recordDelivery(d.path)

	for _, f := range payload.Fixes {
		p.Admit(f, d.path)
	}
}

// Admit applies the acceptance policy to one fix. It is the single
// admission point; Run calls it for transport deliveries and tests call it
// directly.
func (p *Pipeline) Admit(f fix.Fix, path transport.Path) Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cache.Contains(f.Sequence) {
		p.counters.rejected[ReasonDuplicateSequence]++
		p.logger.Debug("fix rejected", "reason", ReasonDuplicateSequence, "seq", f.Sequence)
		return Result{Reason: ReasonDuplicateSequence}
	}

	if f.HorizontalAccuracy > p.policy.MaxHorizontalAccuracyM {
		p.counters.rejected[ReasonPoorAccuracy]++
		p.logger.Debug("fix rejected", "reason", ReasonPoorAccuracy,
			"seq", f.Sequence, "h_accuracy_m", f.HorizontalAccuracy)
		return Result{Reason: ReasonPoorAccuracy}
	}

	// Staleness is logged but never rejected: historical fixes backfill
	// the trail.
	if age := f.Age(p.now()); age > p.policy.MaxFixStaleness {
		p.logger.Debug("admitting stale fix", "seq", f.Sequence, "age", age.String(), "path", string(path))
	}

	if p.latest != nil {
		gap := absDuration(f.Timestamp.Sub(p.latest.Timestamp))
		if gap <= p.config.JumpCheckWindow {
			if d := f.DistanceTo(p.latest); d > p.policy.MaxJumpDistanceM {
				p.counters.rejected[ReasonImplausibleJump]++
				p.logger.Debug("fix rejected", "reason", ReasonImplausibleJump,
					"seq", f.Sequence, "jump_m", d, "gap", gap.String())
				return Result{Reason: ReasonImplausibleJump}
			}
		}
	}

	p.cache.Record(f.Sequence)
	p.history.Insert(f)
	p.counters.admitted++

	replacedLatest := false
	if p.latest == nil || !f.Timestamp.Before(p.latest.Timestamp) {
		cp := f
		p.latest = &cp
		p.latestPath = path
		replacedLatest = true
	}

	if replacedLatest {
		p.maybeForwardToRecovery(f)
	}

	p.zones.ProcessLocation(f)
	if p.onAdmitted != nil {
		p.onAdmitted(f)
	}
	return Result{Admitted: true}
}

// maybeForwardToRecovery forwards a latest-replacing fix to the durable
// store, throttled to avoid its rate limits. Caller holds the mutex.
func (p *Pipeline) maybeForwardToRecovery(f fix.Fix) {
	if p.store == nil {
		return
	}
	now := p.now()
	if !p.lastForward.IsZero() && now.Sub(p.lastForward) < p.config.RecoveryForwardInterval {
		return
	}
	p.lastForward = now

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.store.SaveLatest(ctx, f); err != nil {
			p.logger.Warn("recovery store forward failed", "seq", f.Sequence, "error", err.Error())
		}
	}()
}

// SeedFromRecovery loads the latest fix from the durable store on cold
// start when no local history exists and the record is fresh enough
func (p *Pipeline) SeedFromRecovery(ctx context.Context) {
	if p.store == nil {
		return
	}

	p.mu.Lock()
	empty := p.history.Len() == 0
	p.mu.Unlock()
	if !empty {
		return
	}

	if !p.store.CheckAvailability(ctx) {
		p.logger.Warn("recovery store unavailable, starting cold")
		return
	}
	f, err := p.store.LoadLatest(ctx, p.config.DeviceID)
	if err != nil {
		p.logger.Warn("recovery store load failed", "error", err.Error())
		return
	}
	if f == nil {
		return
	}
	if f.Age(p.now()) > p.config.RecoverySeedMaxAge {
		p.logger.Info("recovery record too old to seed", "age", f.Age(p.now()).String())
		return
	}

	p.mu.Lock()
	p.cache.Record(f.Sequence)
	p.history.Insert(*f)
	cp := *f
	p.latest = &cp
	p.mu.Unlock()
	p.logger.Info("seeded latest fix from recovery store", "seq", f.Sequence)
}

// recordDelivery updates the delivery-recency state that drives health
// classification; it runs for every decoded delivery regardless of
// acceptance outcome
func (p *Pipeline) recordDelivery(path transport.Path) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	p.counters.deliveries[path]++
	p.lastAnyDelivery = now
	if path == transport.PathInteractive {
		p.lastDirectDelivery = now
	}
}

func (p *Pipeline) recordDecodeFailure(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counters.decodeFailures++
	p.decodeStreak++
	if p.decodeStreak >= p.config.DecodeFailureEscalation {
		if !p.syncDegraded {
			p.logger.Error("data sync degraded: repeated decode failures",
				"streak", p.decodeStreak, "error", err.Error())
		}
		p.syncDegraded = true
	} else {
		p.logger.Debug("decode failure", "streak", p.decodeStreak, "error", err.Error())
	}
}

func (p *Pipeline) resetDecodeStreak() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decodeStreak = 0
	if p.syncDegraded {
		p.logger.Info("data sync recovered")
		p.syncDegraded = false
	}
}

// Health classifies connectivity from the recency and path of the last
// successful delivery
func (p *Pipeline) Health() Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthLocked()
}

func (p *Pipeline) healthLocked() Health {
	now := p.now()
	if p.lastAnyDelivery.IsZero() {
		return HealthUnknown
	}
	if !p.lastDirectDelivery.IsZero() && now.Sub(p.lastDirectDelivery) <= p.config.DirectHealthWindow {
		return HealthExcellent
	}
	if now.Sub(p.lastAnyDelivery) <= p.config.AnyHealthWindow {
		return HealthDegraded
	}
	return HealthUnreachable
}

// Latest returns the latest admitted fix, or nil
func (p *Pipeline) Latest() *fix.Fix {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil {
		return nil
	}
	cp := *p.latest
	return &cp
}

// Trail returns the admitted history, oldest first
func (p *Pipeline) Trail() []fix.Fix {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.history.Snapshot()
}

// Stats returns a snapshot for the status and metrics surfaces
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	rejected := make(map[RejectReason]int64, len(p.counters.rejected))
	for k, v := range p.counters.rejected {
		rejected[k] = v
	}
	deliveries := make(map[transport.Path]int64, len(p.counters.deliveries))
	for k, v := range p.counters.deliveries {
		deliveries[k] = v
	}

	s := Stats{
		Admitted:       p.counters.admitted,
		Rejected:       rejected,
		DecodeFailures: p.counters.decodeFailures,
		SyncDegraded:   p.syncDegraded,
		Deliveries:     deliveries,
		HistoryLen:     p.history.Len(),
		HistoryCap:     p.history.Capacity(),
		Health:         p.healthLocked(),
	}
	if p.latest != nil {
		cp := *p.latest
		s.Latest = &cp
		s.LatestPath = p.latestPath
	}
	return s
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
