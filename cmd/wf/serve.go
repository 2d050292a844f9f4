package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/zulandar/workforce/internal/api"
	"github.com/zulandar/workforce/internal/config"
	"github.com/zulandar/workforce/internal/db"
	"github.com/zulandar/workforce/internal/dispatch"
	"github.com/zulandar/workforce/internal/executor"
	"github.com/zulandar/workforce/internal/lease"
	"github.com/zulandar/workforce/internal/llm"
	"github.com/zulandar/workforce/internal/metering"
	"github.com/zulandar/workforce/internal/metrics"
	"github.com/zulandar/workforce/internal/notify"
	"github.com/zulandar/workforce/internal/planner"
	"github.com/zulandar/workforce/internal/skill"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker pool, HTTP API and lease sweeper",
		Long: "Starts the dispatch engine, the HTTP control surface and the lease sweeper. " +
			"Unfinished tasks are recovered on start. SIGINT or SIGTERM drains running steps and exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.HTTP.Port = port
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			out := cmd.OutOrStdout()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				select {
				case sig := <-sigCh:
					fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
					cancel()
				case <-ctx.Done():
				}
			}()

			return runServe(ctx, serveOpts{
				Config:     cfg,
				DB:         gormDB,
				Model:      llm.NewEchoInvoker(),
				Registerer: prometheus.DefaultRegisterer,
				Gatherer:   prometheus.DefaultGatherer,
				Out:        out,
				LogOut:     cmd.ErrOrStderr(),
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (default: http.port from config)")
	return cmd
}

type serveOpts struct {
	Config *config.Config
	DB     *gorm.DB
	// Model serves every metered model call. The binary ships only the echo
	// invoker; embedders wire a real provider through the Go API.
	Model      llm.Invoker
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Out        io.Writer
	LogOut     io.Writer
}

// runServe wires the engine and runs its long-lived parts until ctx is
// cancelled or one of them fails.
func runServe(ctx context.Context, opts serveOpts) error {
	cfg := opts.Config
	log, err := newLogger(cfg, opts.LogOut)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(opts.DB); err != nil {
		return err
	}
	notifier, err := buildNotifier(cfg, log)
	if err != nil {
		return err
	}
	m := metrics.New(opts.Registerer)

	exec, err := executor.New(executor.Options{
		DB:       opts.DB,
		Actions:  skill.NewActions(),
		Model:    opts.Model,
		Pricing:  llm.Pricing(cfg.Pricing),
		Steps:    cfg.Steps,
		Notifier: notifier,
		Metrics:  m,
		Log:      log.With("component", "executor"),
	})
	if err != nil {
		return err
	}
	engine, err := dispatch.New(dispatch.Options{
		DB: opts.DB,
		Planner: planner.New(opts.DB, planner.NewModelStrategy(metering.Options{
			DB:      opts.DB,
			Model:   opts.Model,
			Pricing: llm.Pricing(cfg.Pricing),
			Metrics: m,
			Hold:    cfg.Steps.HoldPerCall,
		})),
		Executor: exec,
		Workers:  cfg.Workers,
		Steps:    cfg.Steps,
		Notifier: notifier,
		Metrics:  m,
		Log:      log.With("component", "dispatch"),
	})
	if err != nil {
		return err
	}
	sweeper, err := lease.NewSweeper(opts.DB, cfg.Lease.SweepSchedule, log.With("component", "lease"))
	if err != nil {
		return err
	}
	sweeper.OnSweep = func(res lease.SweepResult) {
		m.RecordSweep(len(res.Renewed), len(res.Terminated), len(res.Lapsed))
		if len(res.Lapsed) > 0 {
			if err := notifier.Notify(ctx, notify.LeasesLapsed(res.Lapsed)); err != nil {
				log.Warn("lapsed lease notification failed", "error", err)
			}
		}
	}

	log.Info("workforce starting",
		"owner", cfg.Owner,
		"workers", cfg.Workers.Count,
		"queue_size", cfg.Workers.QueueSize,
		"port", cfg.HTTP.Port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return sweeper.Start(gctx) })
	g.Go(func() error {
		return api.Start(gctx, api.StartOpts{
			Options: api.Options{
				DB:       opts.DB,
				Engine:   engine,
				Gatherer: opts.Gatherer,
				Log:      log.With("component", "api"),
			},
			Port: cfg.HTTP.Port,
			Out:  opts.Out,
		})
	})
	err = g.Wait()
	log.Info("workforce stopped")
	return err
}
