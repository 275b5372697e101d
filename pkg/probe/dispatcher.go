package probe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"overlay-wan/pkg/model"
)

// DefaultParallelism caps concurrent probes in one round.
const DefaultParallelism = 16

// Dispatcher routes targets to the prober registered for their kind.
type Dispatcher struct {
	probers     map[Kind]Prober
	parallelism int
	log         *zap.Logger
}

func NewDispatcher(log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		probers:     make(map[Kind]Prober),
		parallelism: DefaultParallelism,
		log:         log.Named("probe"),
	}
}

// Register installs p for kind, replacing any previous prober.
func (d *Dispatcher) Register(kind Kind, p Prober) *Dispatcher {
	d.probers[kind] = p
	return d
}

// SetParallelism bounds concurrent probes; n <= 0 means unbounded.
func (d *Dispatcher) SetParallelism(n int) { d.parallelism = n }

// Probe measures one target under its own timeout. Any failure is folded
// into a lost probe so the path scores as failed; the error is returned
// for logging only.
func (d *Dispatcher) Probe(ctx context.Context, t Target) (model.ProbeResult, error) {
	t = t.WithDefaults()
	p, ok := d.probers[t.Kind]
	if !ok {
		return model.LostProbe(t.Count, t.Timeout), fmt.Errorf("path %d: no prober for kind %q", t.PathID, t.Kind)
	}
	// ping itself waits Timeout per reply; leave it room to finish the round.
	pctx, cancel := context.WithTimeout(ctx, t.Timeout*time.Duration(t.Count+1))
	defer cancel()
	res, err := p.Probe(pctx, t)
	if err != nil {
		return model.LostProbe(t.Count, t.Timeout), err
	}
	return res, nil
}

// ProbeAll probes every target concurrently and returns one result per path.
// It only fails when ctx is cancelled.
func (d *Dispatcher) ProbeAll(ctx context.Context, targets []Target) (map[model.PathID]model.ProbeResult, error) {
	var (
		mu  sync.Mutex
		out = make(map[model.PathID]model.ProbeResult, len(targets))
	)
	g, gctx := errgroup.WithContext(ctx)
	if d.parallelism > 0 {
		g.SetLimit(d.parallelism)
	}
	for _, t := range targets {
		t := t
		g.Go(func() error {
			res, err := d.Probe(gctx, t)
			if err != nil {
				d.log.Debug("probe failed", zap.Uint32("path", uint32(t.PathID)), zap.String("kind", string(t.Kind)), zap.Error(err))
			}
			mu.Lock()
			out[t.PathID] = res
			mu.Unlock()
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
