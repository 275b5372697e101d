package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"overlay-wan/pkg/failover"
	"overlay-wan/pkg/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS policies(
	id TEXT PRIMARY KEY,
	body TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS failover_events(
	event_id INTEGER PRIMARY KEY AUTOINCREMENT,
	policy_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	from_path_id INTEGER,
	to_path_id INTEGER,
	reason TEXT NOT NULL,
	primary_health_score REAL,
	backup_health_score REAL,
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_failover_events_policy ON failover_events(policy_id, event_id);
CREATE TABLE IF NOT EXISTS path_metrics(
	path_id INTEGER NOT NULL,
	latency_ms REAL NOT NULL,
	jitter_ms REAL NOT NULL,
	packet_loss_pct REAL NOT NULL,
	bandwidth_mbps REAL NOT NULL,
	mtu INTEGER NOT NULL,
	cost REAL NOT NULL,
	score REAL NOT NULL,
	measured_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_path_metrics_path ON path_metrics(path_id, measured_at);
`

const sqliteOpTimeout = 3 * time.Second

// SQLiteStore is the embedded on-disk backend.
type SQLiteStore struct {
	db  *sql.DB
	log *zap.Logger
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(path string, log *zap.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite mkdir: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout=5000&_pragma=journal_mode=WAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOpTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite init schema: %w", err)
	}
	log.Named("sqlite").Info("store opened", zap.String("path", path))
	return &SQLiteStore{db: db, log: log.Named("sqlite")}, nil
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), sqliteOpTimeout)
}

func (s *SQLiteStore) SavePolicy(p failover.Policy) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	ctx, cancel := opContext()
	defer cancel()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policies(id, body, updated_at) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET body=excluded.body, updated_at=excluded.updated_at`,
		p.ID, string(b), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save policy %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetPolicy(id string) (failover.Policy, bool, error) {
	ctx, cancel := opContext()
	defer cancel()
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM policies WHERE id=?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return failover.Policy{}, false, nil
	}
	if err != nil {
		return failover.Policy{}, false, fmt.Errorf("get policy %s: %w", id, err)
	}
	var p failover.Policy
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return failover.Policy{}, false, err
	}
	return p, true, nil
}

func (s *SQLiteStore) ListPolicies() ([]failover.Policy, error) {
	ctx, cancel := opContext()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM policies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()
	var out []failover.Policy
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var p failover.Policy
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			s.log.Warn("skip unreadable policy row", zap.Error(err))
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeletePolicy(id string) error {
	ctx, cancel := opContext()
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id=?`, id); err != nil {
		return fmt.Errorf("delete policy %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) AppendEvent(ev model.FailoverEvent) (model.FailoverEvent, error) {
	ctx, cancel := opContext()
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO failover_events(policy_id, event_type, from_path_id, to_path_id, reason, primary_health_score, backup_health_score, ts)
		 VALUES(?,?,?,?,?,?,?,?)`,
		ev.PolicyID, string(ev.EventType), nullPath(ev.FromPathID), nullPath(ev.ToPathID), ev.Reason,
		nullScore(ev.PrimaryHealthScore), nullScore(ev.BackupHealthScore), ev.Timestamp.UnixNano())
	if err != nil {
		return ev, fmt.Errorf("append event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ev, fmt.Errorf("append event: %w", err)
	}
	ev.EventID = id
	return ev, nil
}

func (s *SQLiteStore) ListEvents(policyID string, limit int) ([]model.FailoverEvent, error) {
	q := `SELECT event_id, policy_id, event_type, from_path_id, to_path_id, reason, primary_health_score, backup_health_score, ts
	      FROM failover_events`
	var args []any
	if policyID != "" {
		q += ` WHERE policy_id=?`
		args = append(args, policyID)
	}
	q += ` ORDER BY event_id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	ctx, cancel := opContext()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []model.FailoverEvent
	for rows.Next() {
		var (
			ev       model.FailoverEvent
			typ      string
			from, to sql.NullInt64
			pri, bak sql.NullFloat64
			ts       int64
		)
		if err := rows.Scan(&ev.EventID, &ev.PolicyID, &typ, &from, &to, &ev.Reason, &pri, &bak, &ts); err != nil {
			return nil, err
		}
		ev.EventType = model.EventType(typ)
		ev.FromPathID = pathFromNull(from)
		ev.ToPathID = pathFromNull(to)
		ev.PrimaryHealthScore = scoreFromNull(pri)
		ev.BackupHealthScore = scoreFromNull(bak)
		ev.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// newest first from the query; callers expect oldest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) SaveMetrics(pm model.PathMetrics) error {
	ctx, cancel := opContext()
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO path_metrics(path_id, latency_ms, jitter_ms, packet_loss_pct, bandwidth_mbps, mtu, cost, score, measured_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		int64(pm.PathID), pm.LatencyMs, pm.JitterMs, pm.PacketLossPct, pm.BandwidthMbps, pm.MTU, pm.Cost, pm.Score,
		pm.MeasuredAt.UnixNano()); err != nil {
		return fmt.Errorf("save metrics: %w", err)
	}
	cutoff := pm.MeasuredAt.Add(-MetricsRetention).UnixNano()
	if _, err := tx.ExecContext(ctx, `DELETE FROM path_metrics WHERE path_id=? AND measured_at<=?`, int64(pm.PathID), cutoff); err != nil {
		return fmt.Errorf("prune metrics: %w", err)
	}
	return tx.Commit()
}

const metricsColumns = `path_id, latency_ms, jitter_ms, packet_loss_pct, bandwidth_mbps, mtu, cost, score, measured_at`

func (s *SQLiteStore) LatestMetrics() ([]model.PathMetrics, error) {
	ctx, cancel := opContext()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT `+metricsColumns+` FROM path_metrics m
		WHERE measured_at = (SELECT MAX(measured_at) FROM path_metrics WHERE path_id = m.path_id)
		GROUP BY path_id ORDER BY path_id`)
	if err != nil {
		return nil, fmt.Errorf("latest metrics: %w", err)
	}
	defer rows.Close()
	return scanMetrics(rows)
}

func (s *SQLiteStore) ListMetricsHistory(pathID model.PathID, since time.Time) ([]model.PathMetrics, error) {
	ctx, cancel := opContext()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT `+metricsColumns+` FROM path_metrics
		WHERE path_id=? AND measured_at>=? ORDER BY measured_at`, int64(pathID), since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("metrics history: %w", err)
	}
	defer rows.Close()
	return scanMetrics(rows)
}

func scanMetrics(rows *sql.Rows) ([]model.PathMetrics, error) {
	var out []model.PathMetrics
	for rows.Next() {
		var (
			pm   model.PathMetrics
			id   int64
			when int64
		)
		if err := rows.Scan(&id, &pm.LatencyMs, &pm.JitterMs, &pm.PacketLossPct, &pm.BandwidthMbps, &pm.MTU, &pm.Cost, &pm.Score, &when); err != nil {
			return nil, err
		}
		pm.PathID = model.PathID(id)
		pm.MeasuredAt = time.Unix(0, when).UTC()
		out = append(out, pm)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Ping() error {
	ctx, cancel := opContext()
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func nullPath(p *model.PathID) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func pathFromNull(v sql.NullInt64) *model.PathID {
	if !v.Valid {
		return nil
	}
	return model.PathRef(model.PathID(v.Int64))
}

func nullScore(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func scoreFromNull(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return model.ScoreRef(v.Float64)
}
