package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/devblac/wallet-sync/internal/event"
	"github.com/devblac/wallet-sync/internal/fetcher"
	"github.com/devblac/wallet-sync/internal/health"
	"github.com/devblac/wallet-sync/internal/metrics"
	"github.com/devblac/wallet-sync/internal/preload"
	"github.com/devblac/wallet-sync/internal/session"
	"github.com/devblac/wallet-sync/internal/sink"
	"github.com/devblac/wallet-sync/internal/source/evm"
)

const (
	defaultPreloadSchedule = "@every 5m"
	shutdownGrace          = 30 * time.Second
)

var (
	flagUser    string
	flagOnce    bool
	flagDryRun  bool
	flagNoLive  bool
	flagHealth  string
	flagMetrics string
)

func init() {
	runCmd.Flags().StringVar(&flagUser, "user", "", "Wallet address to sync (required)")
	runCmd.Flags().BoolVar(&flagOnce, "once", false, "Run one preload and exit")
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Log notifications instead of sending them to sinks")
	runCmd.Flags().BoolVar(&flagNoLive, "no-live", false, "Rely on scheduled preloads only")
	runCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8080)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
	_ = runCmd.MarkFlagRequired("user")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Preload a wallet's history, then keep it current with live updates and scheduled syncs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		user, err := parseUser(flagUser)
		if err != nil {
			return err
		}

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		log := a.log

		var mtr *metrics.Metrics
		if flagMetrics != "" {
			mtr = metrics.Init()
			log.Info("metrics enabled", "addr", flagMetrics)
		}

		factory, err := session.NewFactory(a.cfg, a.store, session.WithLogger(log), session.WithMetrics(mtr))
		if err != nil {
			return err
		}
		defer factory.Close()

		sess, err := factory.Open(ctx, user, fetcher.WithProgress(func(p fetcher.Progress) {
			log.Debug("fetch progress", "done", p.Done, "total", p.Total, "percent", p.Percent)
		}))
		if err != nil {
			return err
		}
		defer sess.Close()
		orch := sess.Orchestrator()

		senders, err := sink.Build(a.cfg.Sinks)
		if err != nil {
			return err
		}
		notifier := sink.NewNotifier(senders, log, flagDryRun)

		unsubscribe := orch.OnStatusChange(func(st preload.Status) {
			if st.IsRunning {
				return
			}
			notifier.Notify(context.WithoutCancel(ctx), sink.FromStatus(st))
		})
		defer unsubscribe()

		if flagHealth != "" {
			sources := map[string]evm.LogSource{}
			for _, d := range sess.Domains() {
				sources[d.ID] = d.Components.Source
			}
			rpcChecker := health.NewRPCChecker(sources)
			healthSrv := health.Serve(flagHealth, health.Checker{
				DBPing:  a.store.Ping,
				RPCPing: rpcChecker.Ping,
				Preload: orch.Status,
			})
			log.Info("health check enabled", "addr", flagHealth, "rpc_sources", rpcChecker.Len())
			for id, reason := range rpcChecker.Skipped() {
				log.Warn("domain excluded from rpc health", "domain", id, "reason", reason)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = health.Shutdown(shutdownCtx, healthSrv)
			}()
		}

		if flagMetrics != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			srv := &http.Server{Addr: flagMetrics, Handler: mux, ReadHeaderTimeout: 3 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server error", "error", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		sess.Preload(ctx)
		st := orch.Status()
		log.Info("initial preload complete", "user", user.Hex(), "ready", st.PerDomainReady)
		if flagOnce {
			if !st.Ready() {
				return fmt.Errorf("preload incomplete: %v", st.PerDomainReady)
			}
			return nil
		}

		if !flagNoLive {
			err := sess.StartLive(ctx, func(domain string, r event.Record) {
				d, _ := sess.Domain(domain)
				log.Info("live event", "domain", domain, "type", r.Type.String(), "block", r.Block, "tx", r.TxHash.Hex())
				notifier.Notify(context.WithoutCancel(ctx), sink.FromRecord(d.Components.Network.Key(), domain, user.Hex(), r))
			})
			if err != nil {
				return err
			}
		}

		schedule := a.cfg.Global.PreloadSchedule
		if schedule == "" {
			schedule = defaultPreloadSchedule
		}
		scheduler := cron.New()
		if _, err := scheduler.AddFunc(schedule, func() {
			if !orch.Start(ctx, user) {
				log.Debug("preload already running; skipping scheduled run")
			}
		}); err != nil {
			return fmt.Errorf("preload schedule: %w", err)
		}
		scheduler.Start()
		log.Info("scheduled preloads", "schedule", schedule, "live", !flagNoLive)

		<-ctx.Done()
		<-scheduler.Stop().Done()
		log.Info("shutting down")
		return drainPreload(orch, shutdownGrace, log)
	},
}

// drainPreload waits for a background preload to persist its status before the store is closed.
func drainPreload(orch *preload.Orchestrator, grace time.Duration, log *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := orch.Wait(ctx); err != nil {
		log.Warn("preload still running at shutdown", "grace", grace.String())
		return fmt.Errorf("wait for preload: %w", err)
	}
	return nil
}
