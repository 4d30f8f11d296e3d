package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/windsim/simrunner/internal/api"
	"github.com/windsim/simrunner/internal/log"
	"github.com/windsim/simrunner/internal/service"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve exposes the calculations over HTTP",
	Args:  cobra.NoArgs,
	RunE:  doServe,
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(),
		slog.Group("simrunner",
			slog.String("cmd", "serve"),
			slog.Int("pid", os.Getpid()),
		),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a, err := newApp(ctx, config, reg, true)
	if err != nil {
		return err
	}

	// jobs a previous process left running can never finish
	if _, err := a.sup.Recover(ctx); err != nil {
		_ = a.close(context.Background())
		return err
	}

	var janitor *service.Janitor
	if config.Janitor != nil {
		janitor, err = service.NewJanitor(ctx, config.Service.CasesDir, *config.Janitor, a.metrics, clockwork.NewRealClock())
		if err != nil {
			_ = a.close(context.Background())
			return fmt.Errorf("janitor: %w", err)
		}
		janitor.Start()
	}

	server := api.NewServer(config.Service.Addr, api.Config{
		Jobs:        a.sup,
		Ready:       a.store,
		Gatherer:    reg,
		CORSOrigins: config.Service.CORSOrigins,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := server.Start(gctx)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.InfoContext(ctx, "shutting down")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.Service.ShutdownTimeout.Duration)
		defer cancel()

		errs := []error{server.Shutdown(sctx)}
		if janitor != nil {
			janitor.Shutdown(sctx)
		}
		errs = append(errs, a.close(sctx))
		return errors.Join(errs...)
	})
	return g.Wait()
}
