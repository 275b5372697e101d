package failover

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"overlay-wan/pkg/model"
)

// Tick carries the health observed for one evaluation of a policy.
// Paths missing from BackupScores are treated as score 0.
type Tick struct {
	PrimaryScore float64
	BackupScores map[model.PathID]float64
}

// Engine drives policy state transitions and produces audit events.
// It holds no per-policy data and can be shared by concurrent evaluations of
// different policies.
type Engine struct {
	clock clock.Clock
	log   *zap.Logger
}

// NewEngine builds an engine. A nil clk uses the wall clock, a nil log discards.
func NewEngine(clk clock.Clock, log *zap.Logger) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{clock: clk, log: log}
}

// Clock returns the engine's time source, for building states that share it.
func (e *Engine) Clock() clock.Clock { return e.clock }

// NewState activates p using the engine clock.
func (e *Engine) NewState(p Policy) *State {
	return NewState(p, e.clock)
}

// Evaluate runs one tick for p against s and returns the resulting event,
// or nil when nothing changed. s is mutated in place.
func (e *Engine) Evaluate(p Policy, s *State, tick Tick) *model.FailoverEvent {
	if s.UsingPrimary {
		return e.evaluatePrimary(p, s, tick)
	}
	return e.evaluateBackup(p, s, tick)
}

func (e *Engine) evaluatePrimary(p Policy, s *State, tick Tick) *model.FailoverEvent {
	if !p.ShouldFailover(tick.PrimaryScore) {
		return nil
	}
	from := s.ActivePathID
	backup, ok := p.BestBackup(tick.BackupScores)
	if !ok {
		e.log.Warn("failover needed but no backup configured",
			zap.String("policy", p.ID),
			zap.Uint32("primary", uint32(p.PrimaryPathID)),
			zap.Float64("primaryScore", tick.PrimaryScore))
		return &model.FailoverEvent{
			PolicyID:           p.ID,
			EventType:          model.EventFailed,
			FromPathID:         model.PathRef(from),
			Reason:             fmt.Sprintf("primary path %d health %.1f below failover threshold %.1f; no backup path available", p.PrimaryPathID, tick.PrimaryScore, p.FailoverThreshold),
			PrimaryHealthScore: model.ScoreRef(tick.PrimaryScore),
			Timestamp:          e.clock.Now(),
		}
	}
	backupScore := tick.BackupScores[backup]
	s.RecordFailover(backup)
	e.log.Info("failover triggered",
		zap.String("policy", p.ID),
		zap.Uint32("from", uint32(from)),
		zap.Uint32("to", uint32(backup)),
		zap.Float64("primaryScore", tick.PrimaryScore),
		zap.Float64("backupScore", backupScore),
		zap.Uint64("failoverCount", s.FailoverCount))
	return &model.FailoverEvent{
		PolicyID:           p.ID,
		EventType:          model.EventTriggered,
		FromPathID:         model.PathRef(from),
		ToPathID:           model.PathRef(backup),
		Reason:             fmt.Sprintf("primary path %d health %.1f below failover threshold %.1f; switched to backup %d (health %.1f)", p.PrimaryPathID, tick.PrimaryScore, p.FailoverThreshold, backup, backupScore),
		PrimaryHealthScore: model.ScoreRef(tick.PrimaryScore),
		BackupHealthScore:  model.ScoreRef(backupScore),
		Timestamp:          e.clock.Now(),
	}
}

func (e *Engine) evaluateBackup(p Policy, s *State, tick Tick) *model.FailoverEvent {
	if p.ShouldFailback(tick.PrimaryScore) {
		s.MarkPrimaryHealthy()
	} else {
		s.MarkPrimaryUnhealthy()
	}
	if !s.CanFailback(p.FailbackDelay()) {
		return nil
	}
	from := s.ActivePathID
	backupScore, haveBackup := tick.BackupScores[from]
	s.RecordFailback(p.PrimaryPathID)
	e.log.Info("failback completed",
		zap.String("policy", p.ID),
		zap.Uint32("from", uint32(from)),
		zap.Uint32("to", uint32(p.PrimaryPathID)),
		zap.Float64("primaryScore", tick.PrimaryScore),
		zap.Uint64("failoverCount", s.FailoverCount))
	ev := &model.FailoverEvent{
		PolicyID:           p.ID,
		EventType:          model.EventCompleted,
		FromPathID:         model.PathRef(from),
		ToPathID:           model.PathRef(p.PrimaryPathID),
		Reason:             fmt.Sprintf("primary path %d held health >= %.1f for %s; failed back from %d", p.PrimaryPathID, p.FailbackThreshold, p.FailbackDelay(), from),
		PrimaryHealthScore: model.ScoreRef(tick.PrimaryScore),
		Timestamp:          e.clock.Now(),
	}
	if haveBackup {
		ev.BackupHealthScore = model.ScoreRef(backupScore)
	}
	return ev
}

// SetEnabled toggles p and returns the matching audit event, or nil when the
// flag already had the requested value.
func (e *Engine) SetEnabled(p *Policy, enabled bool) *model.FailoverEvent {
	if p.Enabled == enabled {
		return nil
	}
	p.Enabled = enabled
	ev := &model.FailoverEvent{
		PolicyID:  p.ID,
		EventType: model.EventPolicyEnabled,
		Reason:    fmt.Sprintf("policy %q enabled", p.Name),
		Timestamp: e.clock.Now(),
	}
	if !enabled {
		ev.EventType = model.EventPolicyDisabled
		ev.Reason = fmt.Sprintf("policy %q disabled", p.Name)
	}
	e.log.Info("policy toggled", zap.String("policy", p.ID), zap.Bool("enabled", enabled))
	return ev
}
