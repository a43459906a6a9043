package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sipwise/ngcp-taskagent/internal/agent"
	"github.com/sipwise/ngcp-taskagent/internal/metrics"
	"github.com/sipwise/ngcp-taskagent/internal/scheduler"
	"github.com/sipwise/ngcp-taskagent/internal/store"
	"github.com/sipwise/ngcp-taskagent/internal/taskagent"
	"github.com/sipwise/ngcp-taskagent/internal/web"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd(gf *globalFlags) *cobra.Command {
	var (
		withAgent bool
		retention time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator with its API, scheduler and history",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), gf, withAgent, retention)
		},
	}
	cmd.Flags().BoolVar(&withAgent, "with-agent", false, "Also answer tasks as a local agent")
	cmd.Flags().DurationVar(&retention, "history-retention", 0, "Prune invocation history older than this (0 keeps everything)")
	return cmd
}

func runServe(ctx context.Context, gf *globalFlags, withAgent bool, retention time.Duration) error {
	cfg, err := gf.load()
	if err != nil {
		return err
	}

	slog.Info("starting taskagentd", "version", version, "bus", cfg.Bus.Kind)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	t, closeTransport, err := openTransport(ctx, cfg.Bus, true)
	if err != nil {
		return fmt.Errorf("init transport: %w", err)
	}
	defer closeTransport()

	collector := metrics.NewCollector(nil)
	coord := taskagent.NewCoordinator(t, cfg.TaskAgent.Coordinator(),
		taskagent.WithObserver(db.Recorder()),
		taskagent.WithObserver(collector),
	)

	g, gctx := errgroup.WithContext(ctx)

	if withAgent {
		responder := agent.NewResponder(t, cfg.TaskAgent.Channel,
			agent.LocalIdentity(cfg.Agent.Name, cfg.Agent.Attributes),
			agent.WithChunkSize(cfg.Agent.ChunkSize))
		responder.RegisterBuiltins()
		if err := responder.Start(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return responder.Stop(stopCtx)
		})
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(db, coord, cfg.Scheduler)
	}

	if cfg.Web.Enabled {
		srv := web.NewServer(db, coord, sched, collector.Handler(), cfg.Web, version)
		coord.AddObserver(srv.Hub())
		g.Go(func() error {
			return srv.Start(gctx)
		})
	}

	if sched != nil {
		g.Go(func() error {
			sched.Start(gctx)
			return nil
		})
	}

	if retention > 0 {
		g.Go(func() error {
			pruneHistory(gctx, db, retention)
			return nil
		})
	}

	<-gctx.Done()
	slog.Info("shutting down")
	return g.Wait()
}

func pruneHistory(ctx context.Context, db *store.Store, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		n, err := db.DeleteInvocationsBefore(time.Now().Add(-retention))
		if err != nil {
			slog.Error("prune invocation history failed", "error", err)
		} else if n > 0 {
			slog.Info("pruned invocation history", "deleted", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
