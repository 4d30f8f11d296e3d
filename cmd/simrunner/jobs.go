package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/windsim/simrunner/internal/log"
	"github.com/windsim/simrunner/internal/model"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <caseId>",
	Short: "run executes one calculation and prints its events as JSON lines",
	Args:  cobra.ExactArgs(1),
	RunE:  doRun,
}

var statusCmd = &cobra.Command{
	Use:   "status <caseId>",
	Short: "status prints the job record of a case",
	Args:  cobra.ExactArgs(1),
	RunE:  doStatus,
}

var resetCmd = &cobra.Command{
	Use:   "reset <caseId>",
	Short: "reset forgets the status and progress of a case",
	Args:  cobra.ExactArgs(1),
	RunE:  doReset,
}

func cmdContext(cmd *cobra.Command, name string) context.Context {
	return log.ContextAttrs(cmd.Context(),
		slog.Group("simrunner",
			slog.String("cmd", name),
			slog.Int("pid", os.Getpid()),
		),
	)
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd, "run")
	id := args[0]
	a, err := newApp(ctx, config, nil, true)
	if err != nil {
		return err
	}
	defer func() {
		// an interrupted calculation is killed after the shutdown timeout
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.Service.ShutdownTimeout.Duration)
		defer cancel()
		if err := a.close(cctx); err != nil {
			slog.ErrorContext(ctx, "closing", "error", err)
		}
	}()

	b := a.sup.Broadcaster()
	sub := b.Subscribe(id)
	var wg sync.WaitGroup
	wg.Go(func() {
		enc := json.NewEncoder(cmd.OutOrStdout())
		for ev := range sub.Events() {
			if err := enc.Encode(ev); err != nil {
				slog.ErrorContext(ctx, "writing event", "error", err)
			}
		}
	})
	defer func() {
		b.Unsubscribe(sub)
		wg.Wait()
	}()

	run, err := a.sup.Start(ctx, id)
	if err != nil {
		return err
	}
	job, err := run.Wait(ctx)
	if err != nil {
		return err
	}
	// post processing keeps the run active
	if err := a.sup.Close(ctx); err != nil {
		return err
	}
	if job.Phase != model.PhaseCompleted {
		code := -1
		if job.ExitCode != nil {
			code = *job.ExitCode
		}
		return fmt.Errorf("calculation of %s %s with exit code %d", id, job.Phase, code)
	}
	return nil
}

func doStatus(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd, "status")
	a, err := newApp(ctx, config, nil, false)
	if err != nil {
		return err
	}
	defer func() { _ = a.close(ctx) }()

	job, err := a.sup.Job(ctx, args[0])
	if err != nil {
		return err
	}
	progress, err := a.sup.Progress(ctx, args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		CalculationStatus model.Phase    `json:"calculationStatus"`
		Job               model.Job      `json:"job"`
		Progress          model.Progress `json:"progress"`
	}{a.sup.Status(ctx, args[0]), job, progress})
}

func doReset(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd, "reset")
	a, err := newApp(ctx, config, nil, false)
	if err != nil {
		return err
	}
	defer func() { _ = a.close(ctx) }()
	if err := a.sup.Reset(ctx, args[0]); err != nil {
		return err
	}
	slog.InfoContext(ctx, "case reset", "job_id", args[0])
	return nil
}
