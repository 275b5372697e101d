package agent

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"overlay-wan/pkg/model"
	"overlay-wan/pkg/probe"
)

const probesPath = "/api/v1/probes"

// ErrNoTargets is returned when the agent has nothing to probe.
var ErrNoTargets = errors.New("agent: no probe targets")

// Options configures a Reporter. Controller and Prober are required.
type Options struct {
	Name       string
	Controller string
	Token      string
	Client     *http.Client
	Prober     *probe.Dispatcher
	Targets    []probe.Target
	Clock      clock.Clock
	Logger     *zap.Logger
}

// Reporter probes its targets and posts each round to the controller.
type Reporter struct {
	name     string
	endpoint string
	token    string
	client   *http.Client
	prober   *probe.Dispatcher
	targets  []probe.Target
	clock    clock.Clock
	log      *zap.Logger
}

func NewReporter(o Options) (*Reporter, error) {
	if o.Controller == "" {
		return nil, errors.New("agent: controller url is required")
	}
	if o.Prober == nil {
		return nil, errors.New("agent: prober is required")
	}
	if len(o.Targets) == 0 {
		return nil, ErrNoTargets
	}
	if o.Name == "" {
		o.Name, _ = os.Hostname()
	}
	if o.Client == nil {
		o.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return &Reporter{
		name:     o.Name,
		endpoint: strings.TrimRight(o.Controller, "/") + probesPath,
		token:    o.Token,
		client:   o.Client,
		prober:   o.Prober,
		targets:  o.Targets,
		clock:    o.Clock,
		log:      o.Logger.Named("agent"),
	}, nil
}

// Round runs one probe round and reports it.
func (r *Reporter) Round(ctx context.Context) (model.ProbeResponse, error) {
	results, err := r.prober.ProbeAll(ctx, r.targets)
	if err != nil {
		// failed probes are already folded into lost results
		r.log.Debug("probe errors", zap.Error(err))
	}
	if ctx.Err() != nil {
		return model.ProbeResponse{}, ctx.Err()
	}
	report := model.ProbeReport{Agent: r.name, Results: make([]model.PathProbe, 0, len(results))}
	for id, res := range results {
		report.Results = append(report.Results, model.PathProbe{PathID: id, ProbeResult: res})
	}
	sort.Slice(report.Results, func(i, j int) bool {
		return report.Results[i].PathID < report.Results[j].PathID
	})

	var resp model.ProbeResponse
	if err := postJSON(ctx, r.client, r.endpoint, r.token, report, &resp); err != nil {
		return resp, err
	}
	for path, reason := range resp.Rejected {
		r.log.Warn("controller rejected probe", zap.String("path", path), zap.String("reason", reason))
	}
	return resp, nil
}

// Run reports immediately and then every interval until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) error {
	ticker := r.clock.Ticker(interval)
	defer ticker.Stop()
	r.log.Info("agent started", zap.String("controller", r.endpoint),
		zap.Int("targets", len(r.targets)), zap.Duration("interval", interval))
	for {
		if _, err := r.Round(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("report failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
