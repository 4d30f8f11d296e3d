package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/windsim/simrunner/internal/broadcast"
	"github.com/windsim/simrunner/internal/classify"
	"github.com/windsim/simrunner/internal/mirror"
	"github.com/windsim/simrunner/internal/model"
	"github.com/windsim/simrunner/internal/observability"
	"github.com/windsim/simrunner/internal/service"
	"github.com/windsim/simrunner/internal/store"
	"github.com/windsim/simrunner/internal/tasks"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

// app is the wired supervisor with everything it depends on.
type app struct {
	store      *store.Store
	metrics    *observability.Metrics
	sup        *service.Supervisor
	forwarders []*mirror.Forwarder
}

// newApp opens the status database and builds a supervisor. Mirrors are
// started only when withMirrors is set.
func newApp(ctx context.Context, cfg model.Config, reg prometheus.Registerer, withMirrors bool) (*app, error) {
	registry, err := tasks.FromConfig(cfg.Tasks)
	if err != nil {
		return nil, fmt.Errorf("tasks: %w", err)
	}
	if err := os.MkdirAll(cfg.Service.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	clock := clockwork.NewRealClock()
	st, err := store.Open(ctx, filepath.Join(cfg.Service.DataDir, "simrunner.db"), clock)
	if err != nil {
		return nil, err
	}

	metrics := observability.NewMetrics(reg)
	a := &app{store: st, metrics: metrics}
	if withMirrors {
		a.forwarders, err = mirror.FromConfig(ctx, cfg.Mirror, metrics)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	sinks := make([]service.Sink, len(a.forwarders))
	for i, f := range a.forwarders {
		sinks[i] = f
	}

	a.sup = service.NewSupervisor(service.ConfigFrom(cfg), service.Deps{
		Registry:    registry,
		Classifier:  classify.New(registry, metrics),
		Store:       st,
		Broadcaster: broadcast.New(cfg.Broadcast.QueueSize, broadcast.WithMetrics(metrics)),
		Metrics:     metrics,
		Clock:       clock,
		Sinks:       sinks,
	})
	return a, nil
}

// close stops the supervisor first, so every stored event still reaches
// the mirrors.
func (a *app) close(ctx context.Context) error {
	errs := []error{a.sup.Close(ctx)}
	a.sup.Broadcaster().Close()
	for _, f := range a.forwarders {
		errs = append(errs, f.Close(ctx))
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}
