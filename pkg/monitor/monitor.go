// Package monitor runs the control loop: it scores probe results, evaluates
// every failover policy against the latest scores and records the resulting
// events.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"overlay-wan/pkg/failover"
	"overlay-wan/pkg/health"
	"overlay-wan/pkg/model"
	"overlay-wan/pkg/probe"
	"overlay-wan/pkg/routing"
	"overlay-wan/pkg/store"
)

var (
	ErrUnknownPolicy = errors.New("unknown policy")
	// ErrPersist marks events that were produced but could not be stored.
	// They stay queued and are retried on the next evaluation.
	ErrPersist = errors.New("event persistence failed")
	// ErrInvalidProbe rejects probe results with negative or non-finite values.
	ErrInvalidProbe = errors.New("invalid probe result")
	ErrNoSelector   = errors.New("path steering not configured")
)

const (
	DefaultProbeInterval = 5 * time.Second
	DefaultEvalInterval  = 30 * time.Second
	// DefaultStaleProbes is how many probe intervals a result stays valid.
	DefaultStaleProbes = 3
	defaultParallelism = 32
)

// Options wires a Monitor. Store and Engine are required.
type Options struct {
	Store  store.Store
	Engine *failover.Engine
	// Prober is optional; without it results only arrive through RecordProbe.
	Prober   *probe.Dispatcher
	Selector *routing.Selector

	Thresholds    health.Thresholds
	Paths         []model.Path
	Targets       []probe.Target
	ProbeInterval time.Duration
	EvalInterval  time.Duration
	// StaleAfter is how long a probe result counts. Older results score 0,
	// the same as a path that stopped answering. Defaults to
	// DefaultStaleProbes probe intervals.
	StaleAfter time.Duration
	CacheSize  int

	Metrics *Metrics
	Logger  *zap.Logger
	// OnEvent receives every event once it is persisted. It runs on its own
	// goroutine, never under a policy lock; Close drains it.
	OnEvent func(model.FailoverEvent)
}

// Monitor owns the policy registry and the path health cache.
type Monitor struct {
	store    store.Store
	engine   *failover.Engine
	prober   *probe.Dispatcher
	selector *routing.Selector
	clock    clock.Clock
	cache    *HealthCache
	reg      *Registry
	metrics  *Metrics
	log      *zap.Logger
	notify   *notifier

	probeInterval time.Duration
	evalInterval  time.Duration
	staleAfter    time.Duration
	pending       atomic.Int64

	mu         sync.RWMutex
	thresholds health.Thresholds
	paths      map[model.PathID]model.Path
	targets    []probe.Target
}

// PolicyStatus is a point-in-time view of one policy.
type PolicyStatus struct {
	Policy        failover.Policy `json:"policy"`
	State         failover.State  `json:"state"`
	PrimaryScore  float64         `json:"primary_score"`
	PendingEvents int             `json:"pending_events"`
}

func New(opts Options) (*Monitor, error) {
	if opts.Store == nil {
		return nil, errors.New("monitor: store is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("monitor: engine is required")
	}
	if opts.Thresholds == (health.Thresholds{}) {
		opts.Thresholds = health.DefaultThresholds()
	}
	if err := opts.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}
	if opts.EvalInterval <= 0 {
		opts.EvalInterval = DefaultEvalInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleProbes * opts.ProbeInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	cache, err := NewHealthCache(opts.CacheSize)
	if err != nil {
		return nil, err
	}
	m := &Monitor{
		store:         opts.Store,
		engine:        opts.Engine,
		prober:        opts.Prober,
		selector:      opts.Selector,
		clock:         opts.Engine.Clock(),
		cache:         cache,
		reg:           NewRegistry(),
		metrics:       opts.Metrics,
		log:           opts.Logger.Named("monitor"),
		probeInterval: opts.ProbeInterval,
		evalInterval:  opts.EvalInterval,
		staleAfter:    opts.StaleAfter,
		thresholds:    opts.Thresholds,
	}
	if opts.OnEvent != nil {
		m.notify = newNotifier(opts.OnEvent, notifyBuffer, m.metrics.droppedNotices, m.log)
	}
	m.SetPaths(opts.Paths, opts.Targets)
	return m, nil
}

// Close stops event delivery after handing over what is already queued.
func (m *Monitor) Close() {
	if m.notify != nil {
		m.notify.close()
	}
}

// SetThresholds swaps the scoring thresholds used for future probes.
func (m *Monitor) SetThresholds(t health.Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.thresholds = t
	m.mu.Unlock()
	return nil
}

// SetPaths replaces the path inventory and probe targets.
func (m *Monitor) SetPaths(paths []model.Path, targets []probe.Target) {
	byID := make(map[model.PathID]model.Path, len(paths))
	for _, p := range paths {
		byID[p.ID] = p
	}
	m.mu.Lock()
	m.paths = byID
	m.targets = append([]probe.Target(nil), targets...)
	m.mu.Unlock()
}

// Load activates every policy found in the store without emitting events.
// Unreadable or invalid policies are skipped with a warning.
func (m *Monitor) Load() error {
	policies, err := m.store.ListPolicies()
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			m.log.Warn("skip stored policy", zap.String("policy", p.ID), zap.Error(err))
			continue
		}
		e := &entry{policy: p, state: m.engine.NewState(p)}
		if _, inserted := m.reg.putIfAbsent(p.ID, e); inserted {
			m.metrics.observeState(p.ID, e.state.ActivePathID, e.state.UsingPrimary)
		}
	}
	m.log.Info("policies loaded", zap.Int("count", m.reg.Len()))
	return nil
}

// UpsertPolicy validates p, persists it and activates it. A policy without
// an id gets a fresh one. Replacing a policy keeps its failover state unless
// the primary changed or the active path is no longer part of the policy.
func (m *Monitor) UpsertPolicy(p failover.Policy) (failover.Policy, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.BackupPathIDs = slices.Clone(p.BackupPathIDs)
	if err := p.Validate(); err != nil {
		return p, err
	}
	if err := m.store.SavePolicy(p); err != nil {
		return p, fmt.Errorf("save policy %s: %w", p.ID, err)
	}

	e, inserted := m.lockOrInsert(p)
	defer e.mu.Unlock()

	if inserted {
		m.log.Info("policy added", zap.String("policy", p.ID), zap.String("name", p.Name),
			zap.Uint32("primary", uint32(p.PrimaryPathID)), zap.Bool("enabled", p.Enabled))
	} else if e.policy.PrimaryPathID != p.PrimaryPathID || !slices.Contains(p.Paths(), e.state.ActivePathID) {
		m.log.Info("policy paths changed; failover state reset", zap.String("policy", p.ID))
		e.state = m.engine.NewState(p)
		e.failedLatched = false
	}

	next := p
	next.Enabled = e.policy.Enabled
	ev := m.engine.SetEnabled(&next, p.Enabled)
	e.policy = next
	m.metrics.observeState(p.ID, e.state.ActivePathID, e.state.UsingPrimary)
	if ev != nil {
		m.queueLocked(e, *ev)
	}
	if _, err := m.flushLocked(e); err != nil {
		return next, err
	}
	return next, nil
}

// lockOrInsert returns the locked entry for p.ID. A new entry starts
// disabled so that enabling it goes through the usual toggle event.
func (m *Monitor) lockOrInsert(p failover.Policy) (e *entry, inserted bool) {
	for {
		fresh := &entry{policy: p, state: m.engine.NewState(p)}
		fresh.policy.Enabled = false
		fresh.mu.Lock()
		e, inserted = m.reg.putIfAbsent(p.ID, fresh)
		if inserted {
			return e, true
		}
		fresh.mu.Unlock()
		e.mu.Lock()
		if !e.removed {
			return e, false
		}
		// deleted while we waited; try again with a new entry
		e.mu.Unlock()
	}
}

// DeletePolicy deactivates and forgets a policy. Its audit log is kept.
// Queued events get one last persistence attempt.
func (m *Monitor) DeletePolicy(id string) error {
	if _, ok := m.reg.get(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPolicy, id)
	}
	if err := m.store.DeletePolicy(id); err != nil {
		return fmt.Errorf("delete policy %s: %w", id, err)
	}
	e, ok := m.reg.remove(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPolicy, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
	if _, err := m.flushLocked(e); err != nil {
		m.log.Warn("dropping unpersisted events of deleted policy", zap.String("policy", id),
			zap.Int("events", len(e.pending)), zap.Error(err))
		m.pending.Add(-int64(len(e.pending)))
		m.metrics.pendingEvents.Set(float64(m.pending.Load()))
		e.pending = nil
	}
	m.metrics.forgetPolicy(id)
	m.log.Info("policy deleted", zap.String("policy", id))
	return nil
}

// SetEnabled toggles a policy. It returns nil, nil when the flag already
// had the requested value.
func (m *Monitor) SetEnabled(id string, enabled bool) (*model.FailoverEvent, error) {
	e, err := m.lockEntry(id)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	next := e.policy
	ev := m.engine.SetEnabled(&next, enabled)
	if ev == nil {
		return nil, nil
	}
	if err := m.store.SavePolicy(next); err != nil {
		return nil, fmt.Errorf("save policy %s: %w", id, err)
	}
	e.policy = next
	m.queueLocked(e, *ev)
	saved, err := m.flushLocked(e)
	return persisted(saved, ev, err), err
}

// RecordProbe scores one probe result, caches it and stores the metrics snapshot.
func (m *Monitor) RecordProbe(id model.PathID, r model.ProbeResult) (health.PathHealth, error) {
	if err := validateProbe(r); err != nil {
		return health.PathHealth{}, fmt.Errorf("path %d: %w", id, err)
	}
	m.mu.RLock()
	t := m.thresholds
	info := m.paths[id]
	m.mu.RUnlock()

	h := health.NewPathHealth(id, r, t, m.clock.Now())
	prev, had := m.cache.Put(h)
	m.metrics.observePath(h)
	if !had || prev.Status != h.Status {
		m.log.Info("path status changed", zap.Uint32("path", uint32(id)),
			zap.String("from", string(prev.Status)), zap.String("to", string(h.Status)),
			zap.Float64("score", h.Score.Score))
	}
	if err := m.store.SaveMetrics(h.Metrics(info.BandwidthMbps, info.MTU, info.Cost)); err != nil {
		return h, fmt.Errorf("save metrics for path %d: %w", id, err)
	}
	return h, nil
}

func validateProbe(r model.ProbeResult) error {
	for _, v := range []float64{r.LatencyMs, r.PacketLossPct, r.JitterMs} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%w: %+v", ErrInvalidProbe, r)
		}
	}
	if r.PacketLossPct > 100 {
		return fmt.Errorf("%w: loss %.1f%% above 100", ErrInvalidProbe, r.PacketLossPct)
	}
	return nil
}

// EvaluatePolicy runs one failover evaluation for id against the cached
// path scores. Events still queued from earlier failures are persisted
// first. The returned event is nil when nothing changed. When persistence
// fails the event is still returned, together with an ErrPersist error; the
// in-memory state keeps the transition.
func (m *Monitor) EvaluatePolicy(ctx context.Context, id string) (*model.FailoverEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, err := m.lockEntry(id)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	_, retryErr := m.flushLocked(e)

	tick := m.tick(e.policy)
	ev := m.engine.Evaluate(e.policy, e.state, tick)
	ev = dedupFailed(e, ev, tick)
	m.metrics.observeState(id, e.state.ActivePathID, e.state.UsingPrimary)
	if ev == nil {
		return nil, retryErr
	}
	m.queueLocked(e, *ev)
	saved, err := m.flushLocked(e)
	return persisted(saved, ev, err), err
}

// dedupFailed lets one Failed event through per outage. The latch clears
// once the policy is no longer failing on its primary.
func dedupFailed(e *entry, ev *model.FailoverEvent, tick failover.Tick) *model.FailoverEvent {
	if ev != nil && ev.EventType == model.EventFailed {
		if e.failedLatched {
			return nil
		}
		e.failedLatched = true
		return ev
	}
	if !e.state.UsingPrimary || !e.policy.ShouldFailover(tick.PrimaryScore) {
		e.failedLatched = false
	}
	return ev
}

func (m *Monitor) tick(p failover.Policy) failover.Tick {
	t := failover.Tick{
		PrimaryScore: m.score(p.PrimaryPathID),
		BackupScores: make(map[model.PathID]float64, len(p.BackupPathIDs)),
	}
	for _, b := range p.BackupPathIDs {
		t.BackupScores[b] = m.score(b)
	}
	return t
}

// score is the latest composite score of a path. Paths never measured, or
// not measured within staleAfter, score 0.
func (m *Monitor) score(id model.PathID) float64 {
	h, ok, stale := m.cache.Fresh(id, m.freshSince())
	if stale {
		m.metrics.stalePaths.Inc()
		m.log.Debug("path result expired", zap.Uint32("path", uint32(id)),
			zap.Time("checkedAt", h.CheckedAt), zap.Duration("staleAfter", m.staleAfter))
	}
	if !ok {
		return 0
	}
	return h.Score.Score
}

func (m *Monitor) freshSince() time.Time {
	return m.clock.Now().Add(-m.staleAfter)
}

// EvaluateAll evaluates every policy concurrently, each under its own lock.
// Errors from individual policies are combined; one failing policy does not
// stop the others.
func (m *Monitor) EvaluateAll(ctx context.Context) error {
	start := time.Now()
	defer func() { m.metrics.evalDuration.Observe(time.Since(start).Seconds()) }()

	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	g.SetLimit(defaultParallelism)
	for _, id := range m.reg.IDs() {
		g.Go(func() error {
			_, err := m.EvaluatePolicy(ctx, id)
			if err != nil && !errors.Is(err, ErrUnknownPolicy) {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// ProbeAll measures every configured target and records the results.
func (m *Monitor) ProbeAll(ctx context.Context) error {
	m.mu.RLock()
	targets := m.targets
	m.mu.RUnlock()
	if m.prober == nil || len(targets) == 0 {
		return nil
	}
	results, err := m.prober.ProbeAll(ctx, targets)
	if err != nil {
		return err
	}
	var errs error
	for id, r := range results {
		if _, err := m.RecordProbe(id, r); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Run probes and evaluates on their own tickers until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("monitor started", zap.Duration("probeInterval", m.probeInterval),
		zap.Duration("evalInterval", m.evalInterval), zap.Int("policies", m.reg.Len()))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		probeRound := func() {
			if err := m.ProbeAll(gctx); err != nil && gctx.Err() == nil {
				m.log.Warn("probe round", zap.Error(err))
			}
		}
		probeRound()
		m.every(gctx, m.probeInterval, probeRound)
		return nil
	})
	g.Go(func() error {
		m.every(gctx, m.evalInterval, func() {
			if err := m.EvaluateAll(gctx); err != nil && gctx.Err() == nil {
				m.log.Warn("evaluation round", zap.Error(err))
			}
		})
		return nil
	})
	err := g.Wait()
	m.log.Info("monitor stopped")
	return err
}

func (m *Monitor) every(ctx context.Context, d time.Duration, fn func()) {
	t := m.clock.Ticker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

// ActivePath is the path currently carrying traffic for a policy.
func (m *Monitor) ActivePath(id string) (model.PathID, bool) {
	e, err := m.lockEntry(id)
	if err != nil {
		return 0, false
	}
	defer e.mu.Unlock()
	return e.state.ActivePathID, true
}

// Policy returns the active definition of a policy.
func (m *Monitor) Policy(id string) (failover.Policy, bool) {
	e, err := m.lockEntry(id)
	if err != nil {
		return failover.Policy{}, false
	}
	defer e.mu.Unlock()
	return e.policy, true
}

// Status returns a view of one policy.
func (m *Monitor) Status(id string) (PolicyStatus, bool) {
	e, err := m.lockEntry(id)
	if err != nil {
		return PolicyStatus{}, false
	}
	defer e.mu.Unlock()
	return m.statusLocked(e), true
}

// Snapshot returns a view of every policy, ordered by id.
func (m *Monitor) Snapshot() []PolicyStatus {
	ids := m.reg.IDs()
	out := make([]PolicyStatus, 0, len(ids))
	for _, id := range ids {
		if st, ok := m.Status(id); ok {
			out = append(out, st)
		}
	}
	return out
}

func (m *Monitor) statusLocked(e *entry) PolicyStatus {
	p := e.policy
	p.BackupPathIDs = slices.Clone(p.BackupPathIDs)
	return PolicyStatus{
		Policy:        p,
		State:         e.state.Snapshot(),
		PrimaryScore:  m.score(p.PrimaryPathID),
		PendingEvents: len(e.pending),
	}
}

// Paths returns the latest health of every measured path, expired or not.
func (m *Monitor) Paths() []health.PathHealth {
	return m.cache.All(time.Time{})
}

// Events reads the persisted audit log.
func (m *Monitor) Events(policyID string, limit int) ([]model.FailoverEvent, error) {
	return m.store.ListEvents(policyID, limit)
}

// History reads a path's stored metrics since the given time.
func (m *Monitor) History(id model.PathID, since time.Time) ([]model.PathMetrics, error) {
	return m.store.ListMetricsHistory(id, since)
}

// Steer picks a path for flow among the paths measured within staleAfter.
func (m *Monitor) Steer(flow routing.Flow) (routing.Decision, error) {
	if m.selector == nil {
		return routing.Decision{}, ErrNoSelector
	}
	m.mu.RLock()
	paths := m.paths
	m.mu.RUnlock()
	all := m.cache.All(m.freshSince())
	candidates := make([]routing.Candidate, 0, len(all))
	for _, h := range all {
		info := paths[h.PathID]
		candidates = append(candidates, routing.Candidate{
			Metrics: h.Metrics(info.BandwidthMbps, info.MTU, info.Cost),
			Status:  h.Status,
		})
	}
	return m.selector.Select(flow, candidates)
}

// PendingEvents is the number of events waiting to be persisted.
func (m *Monitor) PendingEvents() int64 { return m.pending.Load() }

func (m *Monitor) lockEntry(id string) (*entry, error) {
	e, ok := m.reg.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPolicy, id)
	}
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownPolicy, id)
	}
	return e, nil
}

func (m *Monitor) queueLocked(e *entry, ev model.FailoverEvent) {
	e.pending = append(e.pending, ev)
	m.metrics.events.WithLabelValues(ev.PolicyID, string(ev.EventType)).Inc()
	m.metrics.pendingEvents.Set(float64(m.pending.Add(1)))
}

// flushLocked persists queued events in order and stops at the first failure.
func (m *Monitor) flushLocked(e *entry) ([]model.FailoverEvent, error) {
	var saved []model.FailoverEvent
	for len(e.pending) > 0 {
		ev, err := m.store.AppendEvent(e.pending[0])
		if err != nil {
			m.metrics.persistFailures.Inc()
			m.log.Warn("event persistence failed; will retry", zap.String("policy", e.pending[0].PolicyID),
				zap.Int("queued", len(e.pending)), zap.Error(err))
			return saved, fmt.Errorf("%w: policy %s: %w", ErrPersist, e.pending[0].PolicyID, err)
		}
		e.pending = e.pending[1:]
		m.metrics.pendingEvents.Set(float64(m.pending.Add(-1)))
		saved = append(saved, ev)
		if m.notify != nil {
			m.notify.notify(ev)
		}
	}
	e.pending = nil
	return saved, nil
}

// persisted returns the stored copy of ev, which carries its EventID. ev is
// always queued last, so a fully drained queue ends with it.
func persisted(saved []model.FailoverEvent, ev *model.FailoverEvent, err error) *model.FailoverEvent {
	if err != nil || len(saved) == 0 {
		return ev
	}
	last := saved[len(saved)-1]
	return &last
}
