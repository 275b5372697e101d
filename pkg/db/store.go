package db

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"overlay-wan/pkg/failover"
	"overlay-wan/pkg/model"
	"overlay-wan/pkg/store"
)

// PolicyRow is the failover_policies table.
type PolicyRow struct {
	ID                string         `gorm:"primaryKey;size:64"`
	Name              string         `gorm:"size:128;not null"`
	PrimaryPathID     uint32         `gorm:"not null"`
	BackupPathIDs     []model.PathID `gorm:"serializer:json;type:text"`
	FailoverThreshold float64
	FailbackThreshold float64
	FailbackDelaySecs uint64
	Enabled           bool
	UpdatedAt         time.Time
}

func (PolicyRow) TableName() string { return "failover_policies" }

// EventRow is the append-only failover_events table.
type EventRow struct {
	ID                 int64  `gorm:"primaryKey;autoIncrement"`
	PolicyID           string `gorm:"size:64;index"`
	EventType          string `gorm:"size:32"`
	FromPathID         *uint32
	ToPathID           *uint32
	Reason             string `gorm:"type:text"`
	PrimaryHealthScore *float64
	BackupHealthScore  *float64
	Timestamp          time.Time `gorm:"index"`
}

func (EventRow) TableName() string { return "failover_events" }

// MetricsRow is one path_metrics sample.
type MetricsRow struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	PathID        uint32 `gorm:"index:idx_path_time,priority:1"`
	LatencyMs     float64
	JitterMs      float64
	PacketLossPct float64
	BandwidthMbps float64
	MTU           int
	Cost          float64
	Score         float64
	MeasuredAt    time.Time `gorm:"index:idx_path_time,priority:2"`
}

func (MetricsRow) TableName() string { return "path_metrics" }

// Store implements store.Store on MySQL through gorm.
type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func policyToRow(p failover.Policy) PolicyRow {
	return PolicyRow{
		ID:                p.ID,
		Name:              p.Name,
		PrimaryPathID:     uint32(p.PrimaryPathID),
		BackupPathIDs:     p.BackupPathIDs,
		FailoverThreshold: p.FailoverThreshold,
		FailbackThreshold: p.FailbackThreshold,
		FailbackDelaySecs: p.FailbackDelaySecs,
		Enabled:           p.Enabled,
	}
}

func (r PolicyRow) policy() failover.Policy {
	return failover.Policy{
		ID:                r.ID,
		Name:              r.Name,
		PrimaryPathID:     model.PathID(r.PrimaryPathID),
		BackupPathIDs:     r.BackupPathIDs,
		FailoverThreshold: r.FailoverThreshold,
		FailbackThreshold: r.FailbackThreshold,
		FailbackDelaySecs: r.FailbackDelaySecs,
		Enabled:           r.Enabled,
	}
}

func eventToRow(ev model.FailoverEvent) EventRow {
	return EventRow{
		ID:                 ev.EventID,
		PolicyID:           ev.PolicyID,
		EventType:          string(ev.EventType),
		FromPathID:         pathPtr(ev.FromPathID),
		ToPathID:           pathPtr(ev.ToPathID),
		Reason:             ev.Reason,
		PrimaryHealthScore: ev.PrimaryHealthScore,
		BackupHealthScore:  ev.BackupHealthScore,
		Timestamp:          ev.Timestamp,
	}
}

func (r EventRow) event() model.FailoverEvent {
	ev := model.FailoverEvent{
		EventID:            r.ID,
		PolicyID:           r.PolicyID,
		EventType:          model.EventType(r.EventType),
		Reason:             r.Reason,
		PrimaryHealthScore: r.PrimaryHealthScore,
		BackupHealthScore:  r.BackupHealthScore,
		Timestamp:          r.Timestamp,
	}
	if r.FromPathID != nil {
		ev.FromPathID = model.PathRef(model.PathID(*r.FromPathID))
	}
	if r.ToPathID != nil {
		ev.ToPathID = model.PathRef(model.PathID(*r.ToPathID))
	}
	return ev
}

func pathPtr(p *model.PathID) *uint32 {
	if p == nil {
		return nil
	}
	v := uint32(*p)
	return &v
}

func metricsToRow(pm model.PathMetrics) MetricsRow {
	return MetricsRow{
		PathID:        uint32(pm.PathID),
		LatencyMs:     pm.LatencyMs,
		JitterMs:      pm.JitterMs,
		PacketLossPct: pm.PacketLossPct,
		BandwidthMbps: pm.BandwidthMbps,
		MTU:           pm.MTU,
		Cost:          pm.Cost,
		Score:         pm.Score,
		MeasuredAt:    pm.MeasuredAt,
	}
}

func (r MetricsRow) metrics() model.PathMetrics {
	return model.PathMetrics{
		PathID:        model.PathID(r.PathID),
		LatencyMs:     r.LatencyMs,
		JitterMs:      r.JitterMs,
		PacketLossPct: r.PacketLossPct,
		BandwidthMbps: r.BandwidthMbps,
		MTU:           r.MTU,
		Cost:          r.Cost,
		Score:         r.Score,
		MeasuredAt:    r.MeasuredAt,
	}
}

func (s *Store) SavePolicy(p failover.Policy) error {
	row := policyToRow(p)
	if err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("save policy %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) GetPolicy(id string) (failover.Policy, bool, error) {
	var row PolicyRow
	err := s.db.First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return failover.Policy{}, false, nil
	}
	if err != nil {
		return failover.Policy{}, false, err
	}
	return row.policy(), true, nil
}

func (s *Store) ListPolicies() ([]failover.Policy, error) {
	var rows []PolicyRow
	if err := s.db.Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]failover.Policy, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.policy())
	}
	return out, nil
}

func (s *Store) DeletePolicy(id string) error {
	return s.db.Delete(&PolicyRow{}, "id = ?", id).Error
}

func (s *Store) AppendEvent(ev model.FailoverEvent) (model.FailoverEvent, error) {
	row := eventToRow(ev)
	row.ID = 0
	if err := s.db.Create(&row).Error; err != nil {
		return ev, fmt.Errorf("append event: %w", err)
	}
	ev.EventID = row.ID
	return ev, nil
}

func (s *Store) ListEvents(policyID string, limit int) ([]model.FailoverEvent, error) {
	q := s.db.Order("id DESC")
	if policyID != "" {
		q = q.Where("policy_id = ?", policyID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []EventRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.FailoverEvent, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r.event()
	}
	return out, nil
}

func (s *Store) SaveMetrics(pm model.PathMetrics) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		row := metricsToRow(pm)
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		cutoff := pm.MeasuredAt.Add(-store.MetricsRetention)
		return tx.Where("path_id = ? AND measured_at <= ?", row.PathID, cutoff).Delete(&MetricsRow{}).Error
	})
}

func (s *Store) LatestMetrics() ([]model.PathMetrics, error) {
	latest := s.db.Model(&MetricsRow{}).Select("path_id, MAX(measured_at) AS measured_at").Group("path_id")
	var rows []MetricsRow
	err := s.db.Joins("JOIN (?) AS l ON l.path_id = path_metrics.path_id AND l.measured_at = path_metrics.measured_at", latest).
		Order("path_metrics.path_id").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]model.PathMetrics, 0, len(rows))
	for i, r := range rows {
		if i > 0 && rows[i-1].PathID == r.PathID {
			continue
		}
		out = append(out, r.metrics())
	}
	return out, nil
}

func (s *Store) ListMetricsHistory(pathID model.PathID, since time.Time) ([]model.PathMetrics, error) {
	var rows []MetricsRow
	err := s.db.Where("path_id = ? AND measured_at >= ?", uint32(pathID), since).Order("measured_at").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]model.PathMetrics, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.metrics())
	}
	return out, nil
}

func (s *Store) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
