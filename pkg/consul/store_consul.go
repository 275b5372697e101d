//go:build consul

package consul

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"

	"overlay-wan/pkg/failover"
	"overlay-wan/pkg/model"
)

// Store keeps policies, the failover audit log and path metrics in Consul KV,
// so several controllers can share one view.
type Store struct {
	cli *consulapi.Client
	log *zap.Logger
}

const (
	policyPrefix  = "overlay-wan/policies/"
	eventPrefix   = "overlay-wan/events/"
	eventSeqKey   = "overlay-wan/event-seq"
	metricsPrefix = "overlay-wan/metrics/"
	latestPrefix  = "overlay-wan/metrics-latest/"

	casAttempts = 16
)

var errNoClient = errors.New("consul client not configured")

func NewStore(addr string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &Store{cli: cli, log: log.Named("consul")}, nil
}

func (s *Store) putJSON(key string, v any) error {
	if s.cli == nil {
		return errNoClient
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.cli.KV().Put(&consulapi.KVPair{Key: key, Value: b}, nil)
	return err
}

func (s *Store) SavePolicy(p failover.Policy) error {
	return s.putJSON(policyPrefix+p.ID, p)
}

func (s *Store) GetPolicy(id string) (failover.Policy, bool, error) {
	if s.cli == nil {
		return failover.Policy{}, false, errNoClient
	}
	kv, _, err := s.cli.KV().Get(policyPrefix+id, nil)
	if err != nil || kv == nil {
		return failover.Policy{}, false, err
	}
	var p failover.Policy
	if err := json.Unmarshal(kv.Value, &p); err != nil {
		return failover.Policy{}, false, err
	}
	return p, true, nil
}

func (s *Store) ListPolicies() ([]failover.Policy, error) {
	if s.cli == nil {
		return nil, errNoClient
	}
	pairs, _, err := s.cli.KV().List(policyPrefix, nil)
	if err != nil {
		return nil, err
	}
	var out []failover.Policy
	for _, p := range pairs {
		var pol failover.Policy
		if err := json.Unmarshal(p.Value, &pol); err != nil {
			s.log.Warn("skip unreadable policy", zap.String("key", p.Key), zap.Error(err))
			continue
		}
		out = append(out, pol)
	}
	return out, nil
}

func (s *Store) DeletePolicy(id string) error {
	if s.cli == nil {
		return errNoClient
	}
	_, err := s.cli.KV().Delete(policyPrefix+id, nil)
	return err
}

// nextEventID bumps the shared sequence with check-and-set.
func (s *Store) nextEventID() (int64, error) {
	kv := s.cli.KV()
	for i := 0; i < casAttempts; i++ {
		cur, _, err := kv.Get(eventSeqKey, nil)
		if err != nil {
			return 0, err
		}
		var (
			seq   int64
			index uint64
		)
		if cur != nil {
			seq, _ = strconv.ParseInt(string(cur.Value), 10, 64)
			index = cur.ModifyIndex
		}
		seq++
		ok, _, err := kv.CAS(&consulapi.KVPair{Key: eventSeqKey, Value: []byte(strconv.FormatInt(seq, 10)), ModifyIndex: index}, nil)
		if err != nil {
			return 0, err
		}
		if ok {
			return seq, nil
		}
	}
	return 0, fmt.Errorf("event sequence CAS failed after %d attempts", casAttempts)
}

func (s *Store) AppendEvent(ev model.FailoverEvent) (model.FailoverEvent, error) {
	if s.cli == nil {
		return ev, errNoClient
	}
	id, err := s.nextEventID()
	if err != nil {
		return ev, fmt.Errorf("append event: %w", err)
	}
	ev.EventID = id
	if err := s.putJSON(fmt.Sprintf("%s%020d", eventPrefix, id), ev); err != nil {
		return ev, fmt.Errorf("append event: %w", err)
	}
	return ev, nil
}

func (s *Store) ListEvents(policyID string, limit int) ([]model.FailoverEvent, error) {
	if s.cli == nil {
		return nil, errNoClient
	}
	pairs, _, err := s.cli.KV().List(eventPrefix, nil)
	if err != nil {
		return nil, err
	}
	var out []model.FailoverEvent
	for _, p := range pairs {
		var e model.FailoverEvent
		if err := json.Unmarshal(p.Value, &e); err != nil {
			continue
		}
		if policyID == "" || e.PolicyID == policyID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func metricsKey(pm model.PathMetrics) string {
	return fmt.Sprintf("%s%d/%020d", metricsPrefix, pm.PathID, pm.MeasuredAt.UnixNano())
}

func (s *Store) SaveMetrics(pm model.PathMetrics) error {
	if err := s.putJSON(metricsKey(pm), pm); err != nil {
		return err
	}
	if err := s.putJSON(fmt.Sprintf("%s%d", latestPrefix, pm.PathID), pm); err != nil {
		return err
	}
	// prune history older than a day relative to this sample
	prefix := fmt.Sprintf("%s%d/", metricsPrefix, pm.PathID)
	keys, _, err := s.cli.KV().Keys(prefix, "", nil)
	if err != nil {
		return err
	}
	cutoff := pm.MeasuredAt.Add(-24 * time.Hour).UnixNano()
	for _, k := range keys {
		ns, err := strconv.ParseInt(strings.TrimPrefix(k, prefix), 10, 64)
		if err != nil || ns > cutoff {
			continue
		}
		if _, err := s.cli.KV().Delete(k, nil); err != nil {
			s.log.Warn("prune metrics", zap.String("key", k), zap.Error(err))
		}
	}
	return nil
}

func (s *Store) LatestMetrics() ([]model.PathMetrics, error) {
	if s.cli == nil {
		return nil, errNoClient
	}
	pairs, _, err := s.cli.KV().List(latestPrefix, nil)
	if err != nil {
		return nil, err
	}
	var out []model.PathMetrics
	for _, p := range pairs {
		var pm model.PathMetrics
		if err := json.Unmarshal(p.Value, &pm); err == nil {
			out = append(out, pm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PathID < out[j].PathID })
	return out, nil
}

func (s *Store) ListMetricsHistory(pathID model.PathID, since time.Time) ([]model.PathMetrics, error) {
	if s.cli == nil {
		return nil, errNoClient
	}
	pairs, _, err := s.cli.KV().List(fmt.Sprintf("%s%d/", metricsPrefix, pathID), nil)
	if err != nil {
		return nil, err
	}
	var out []model.PathMetrics
	for _, p := range pairs {
		var pm model.PathMetrics
		if err := json.Unmarshal(p.Value, &pm); err != nil {
			continue
		}
		if !pm.MeasuredAt.Before(since) {
			out = append(out, pm)
		}
	}
	return out, nil
}

// Ping checks that the agent has a leader.
func (s *Store) Ping() error {
	if s.cli == nil {
		return errNoClient
	}
	_, err := s.cli.Status().Leader()
	return err
}

func (s *Store) Close() error { return nil }
