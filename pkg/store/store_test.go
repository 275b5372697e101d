package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"overlay-wan/pkg/failover"
	"overlay-wan/pkg/model"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func samplePolicy(id string) failover.Policy {
	return failover.Policy{
		ID:                id,
		Name:              "site-" + id,
		PrimaryPathID:     1,
		BackupPathIDs:     []model.PathID{2, 3},
		FailoverThreshold: 50,
		FailbackThreshold: 80,
		FailbackDelaySecs: 60,
		Enabled:           true,
	}
}

func backends(t *testing.T) map[string]Store {
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func TestStore_Policies(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Ping())
			require.NoError(t, s.SavePolicy(samplePolicy("b")))
			require.NoError(t, s.SavePolicy(samplePolicy("a")))

			got, ok, err := s.GetPolicy("a")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, samplePolicy("a"), got)

			updated := samplePolicy("a")
			updated.Enabled = false
			updated.BackupPathIDs = []model.PathID{3}
			require.NoError(t, s.SavePolicy(updated))
			got, _, _ = s.GetPolicy("a")
			assert.Equal(t, updated, got)

			list, err := s.ListPolicies()
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "a", list[0].ID)
			assert.Equal(t, "b", list[1].ID)

			require.NoError(t, s.DeletePolicy("a"))
			require.NoError(t, s.DeletePolicy("missing"))
			_, ok, err = s.GetPolicy("a")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_Events(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			trig := model.FailoverEvent{
				PolicyID:           "a",
				EventType:          model.EventTriggered,
				FromPathID:         model.PathRef(1),
				ToPathID:           model.PathRef(2),
				Reason:             "primary down",
				PrimaryHealthScore: model.ScoreRef(12.5),
				BackupHealthScore:  model.ScoreRef(91),
				Timestamp:          t0,
			}
			first, err := s.AppendEvent(trig)
			require.NoError(t, err)
			assert.Positive(t, first.EventID)

			second, err := s.AppendEvent(model.FailoverEvent{PolicyID: "b", EventType: model.EventFailed, FromPathID: model.PathRef(7), Reason: "no backup", Timestamp: t0.Add(time.Second)})
			require.NoError(t, err)
			third, err := s.AppendEvent(model.FailoverEvent{PolicyID: "a", EventType: model.EventCompleted, Reason: "recovered", Timestamp: t0.Add(time.Minute)})
			require.NoError(t, err)
			assert.Greater(t, second.EventID, first.EventID)
			assert.Greater(t, third.EventID, second.EventID)

			all, err := s.ListEvents("", 0)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, []int64{first.EventID, second.EventID, third.EventID}, []int64{all[0].EventID, all[1].EventID, all[2].EventID})

			got := all[0]
			assert.Equal(t, model.EventTriggered, got.EventType)
			assert.Equal(t, "primary down", got.Reason)
			require.NotNil(t, got.FromPathID)
			require.NotNil(t, got.ToPathID)
			assert.EqualValues(t, 1, *got.FromPathID)
			assert.EqualValues(t, 2, *got.ToPathID)
			assert.Equal(t, 12.5, *got.PrimaryHealthScore)
			assert.Equal(t, 91.0, *got.BackupHealthScore)
			assert.True(t, got.Timestamp.Equal(t0))

			assert.Nil(t, all[1].ToPathID)
			assert.Nil(t, all[1].BackupHealthScore)

			onlyA, err := s.ListEvents("a", 0)
			require.NoError(t, err)
			require.Len(t, onlyA, 2)
			assert.Equal(t, model.EventCompleted, onlyA[1].EventType)

			last, err := s.ListEvents("", 2)
			require.NoError(t, err)
			require.Len(t, last, 2)
			assert.Equal(t, second.EventID, last[0].EventID)
			assert.Equal(t, third.EventID, last[1].EventID)
		})
	}
}

func TestStore_Metrics(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			old := model.PathMetrics{PathID: 1, LatencyMs: 30, MTU: 1420, MeasuredAt: t0, Score: 90}
			mid := model.PathMetrics{PathID: 1, LatencyMs: 40, MTU: 1420, MeasuredAt: t0.Add(12 * time.Hour), Score: 88}
			other := model.PathMetrics{PathID: 2, LatencyMs: 300, PacketLossPct: 4, BandwidthMbps: 100, Cost: 2, MTU: 1380, MeasuredAt: t0.Add(time.Hour), Score: 40}
			require.NoError(t, s.SaveMetrics(old))
			require.NoError(t, s.SaveMetrics(mid))
			require.NoError(t, s.SaveMetrics(other))

			hist, err := s.ListMetricsHistory(1, time.Time{})
			require.NoError(t, err)
			require.Len(t, hist, 2)

			// a sample 25h after the first pushes it out of retention
			newest := model.PathMetrics{PathID: 1, LatencyMs: 20, MTU: 1420, MeasuredAt: t0.Add(25 * time.Hour), Score: 95}
			require.NoError(t, s.SaveMetrics(newest))
			hist, err = s.ListMetricsHistory(1, time.Time{})
			require.NoError(t, err)
			require.Len(t, hist, 2)
			assert.Equal(t, 40.0, hist[0].LatencyMs)
			assert.Equal(t, 20.0, hist[1].LatencyMs)

			hist, err = s.ListMetricsHistory(1, t0.Add(24*time.Hour))
			require.NoError(t, err)
			require.Len(t, hist, 1)

			latest, err := s.LatestMetrics()
			require.NoError(t, err)
			require.Len(t, latest, 2)
			assert.EqualValues(t, 1, latest[0].PathID)
			assert.Equal(t, 95.0, latest[0].Score)
			assert.EqualValues(t, 2, latest[1].PathID)
			assert.Equal(t, 2.0, latest[1].Cost)
			assert.Equal(t, 1380, latest[1].MTU)
		})
	}
}
