// Package failover implements primary/backup path failover with hysteresis.
package failover

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/multierr"

	"overlay-wan/pkg/health"
	"overlay-wan/pkg/model"
)

// ErrInvalidPolicy wraps every policy validation failure.
var ErrInvalidPolicy = errors.New("invalid failover policy")

// MinBackupScore is the lowest score a backup may have to be preferred over
// the fail-open choice (Degraded or better).
const MinBackupScore = health.DegradedThreshold

// Policy declares a primary path, its ranked backups and the thresholds that
// drive switching between them. Policies are immutable values; updates replace them.
type Policy struct {
	ID                string         `json:"policy_id" yaml:"id"`
	Name              string         `json:"name" yaml:"name"`
	PrimaryPathID     model.PathID   `json:"primary_path_id" yaml:"primary_path_id"`
	BackupPathIDs     []model.PathID `json:"backup_path_ids" yaml:"backup_path_ids"`
	FailoverThreshold float64        `json:"failover_threshold" yaml:"failover_threshold"`
	FailbackThreshold float64        `json:"failback_threshold" yaml:"failback_threshold"`
	FailbackDelaySecs uint64         `json:"failback_delay_secs" yaml:"failback_delay_secs"`
	Enabled           bool           `json:"enabled" yaml:"enabled"`
}

// Validate reports every violated invariant, wrapped in ErrInvalidPolicy.
func (p Policy) Validate() error {
	var errs error
	if strings.TrimSpace(p.Name) == "" {
		errs = multierr.Append(errs, errors.New("name is required"))
	}
	if len(p.BackupPathIDs) == 0 {
		errs = multierr.Append(errs, errors.New("at least one backup path is required"))
	}
	seen := make(map[model.PathID]bool, len(p.BackupPathIDs))
	for _, id := range p.BackupPathIDs {
		if id == p.PrimaryPathID {
			errs = multierr.Append(errs, fmt.Errorf("primary path %d is listed as a backup", id))
		}
		if seen[id] {
			errs = multierr.Append(errs, fmt.Errorf("backup path %d is listed twice", id))
		}
		seen[id] = true
	}
	if !inPercentRange(p.FailoverThreshold) {
		errs = multierr.Append(errs, fmt.Errorf("failover threshold %v outside [0,100]", p.FailoverThreshold))
	}
	if !inPercentRange(p.FailbackThreshold) {
		errs = multierr.Append(errs, fmt.Errorf("failback threshold %v outside [0,100]", p.FailbackThreshold))
	}
	if !(p.FailoverThreshold < p.FailbackThreshold) {
		errs = multierr.Append(errs, fmt.Errorf("failover threshold %v must be below failback threshold %v",
			p.FailoverThreshold, p.FailbackThreshold))
	}
	if errs != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidPolicy, p.Name, errs)
	}
	return nil
}

func inPercentRange(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 100
}

// ShouldFailover reports whether the primary has fallen below the failover threshold.
func (p Policy) ShouldFailover(primaryScore float64) bool {
	return p.Enabled && primaryScore < p.FailoverThreshold
}

// ShouldFailback reports whether the primary is good enough to count toward failback.
func (p Policy) ShouldFailback(primaryScore float64) bool {
	return p.Enabled && primaryScore >= p.FailbackThreshold
}

// BestBackup walks the backups in priority order and returns the first one
// scoring at least MinBackupScore. If none qualify it returns the first backup
// anyway: an unhealthy backup is preferred over a confirmed-failed primary.
// Backups missing from scores count as zero. ok is false only when the policy
// has no backups.
func (p Policy) BestBackup(scores map[model.PathID]float64) (id model.PathID, ok bool) {
	if len(p.BackupPathIDs) == 0 {
		return 0, false
	}
	for _, b := range p.BackupPathIDs {
		if scores[b] >= MinBackupScore {
			return b, true
		}
	}
	return p.BackupPathIDs[0], true
}

// FailbackDelay is the hysteresis window as a duration.
func (p Policy) FailbackDelay() time.Duration {
	return time.Duration(p.FailbackDelaySecs) * time.Second
}

// Paths lists the primary followed by the backups in priority order.
func (p Policy) Paths() []model.PathID {
	out := make([]model.PathID, 0, len(p.BackupPathIDs)+1)
	out = append(out, p.PrimaryPathID)
	return append(out, p.BackupPathIDs...)
}
