package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/devblac/wallet-sync/internal/metrics"
	"github.com/devblac/wallet-sync/internal/quota"
)

var (
	flagQuotaUser      string
	flagQuotaCost      float64
	flagQuotaValue     float64
	flagQuotaOp        string
	flagQuotaSponsored bool
	flagQuotaToken     string
	flagQuotaAddr      string
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Gas sponsorship decisions and daily usage",
}

var quotaDecideCmd = &cobra.Command{
	Use:   "decide",
	Short: "Decide how a transaction's gas would be paid",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		user, err := parseUser(flagQuotaUser)
		if err != nil {
			return err
		}
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		e, err := quotaEngine(a, staticPolicy(a))
		if err != nil {
			return err
		}
		d, err := e.Decide(ctx, user, flagQuotaCost, flagQuotaValue, flagQuotaOp)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "method=%s reason=%q remaining_usd=%.6f\n", d.Method, d.Reason, d.RemainingUSD)
		return nil
	},
}

var quotaRecordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record the actual gas spend of a transaction",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		user, err := parseUser(flagQuotaUser)
		if err != nil {
			return err
		}
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		e, err := quotaEngine(a, staticPolicy(a))
		if err != nil {
			return err
		}
		if err := e.RecordUsage(ctx, user, flagQuotaCost, flagQuotaSponsored, flagQuotaToken); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "recorded")
		return nil
	},
}

var quotaUsageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show today's user and global counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		user, err := parseUser(flagQuotaUser)
		if err != nil {
			return err
		}
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		e, err := quotaEngine(a, staticPolicy(a))
		if err != nil {
			return err
		}
		u, err := e.Usage(ctx, user)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "date: %s\n", u.Date)
		fmt.Fprintf(out, "user:   %.6f USD over %d tx\n", u.User.TotalSpentUSD, len(u.User.Entries))
		fmt.Fprintf(out, "global: %.6f USD over %d tx\n", u.Global.TotalSpentUSD, len(u.Global.Entries))
		return nil
	},
}

var quotaServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve quota decisions over HTTP, reloading the policy file on change",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		policy := staticPolicy(a)
		if path := a.cfg.Sponsorship.PolicyFile; path != "" {
			w, err := quota.NewPolicyWatcher(path,
				quota.WithWatcherLogger(a.log),
				quota.OnReload(func(p quota.Policy) {
					a.log.Info("policy reloaded", "per_user_usd", p.PerUserDailyLimitUSD, "global_usd", p.GlobalDailyLimitUSD)
				}))
			if err != nil {
				return err
			}
			if err := w.Start(ctx); err != nil {
				return err
			}
			defer w.Close()
			policy = w
		}

		e, err := quotaEngine(a, policy, quota.WithMetrics(metrics.Init()))
		if err != nil {
			return err
		}

		mux := http.NewServeMux()
		mux.Handle("/quota/", quota.Handler(e))
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: flagQuotaAddr, Handler: mux, ReadHeaderTimeout: 3 * time.Second}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		a.log.Info("quota api listening", "addr", flagQuotaAddr)

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	for _, c := range []*cobra.Command{quotaDecideCmd, quotaRecordCmd, quotaUsageCmd} {
		c.Flags().StringVar(&flagQuotaUser, "user", "", "Wallet address (required)")
		_ = c.MarkFlagRequired("user")
	}
	quotaDecideCmd.Flags().Float64Var(&flagQuotaCost, "cost", 0, "Estimated gas cost in USD")
	quotaDecideCmd.Flags().Float64Var(&flagQuotaValue, "value", 0, "Transaction value in USD")
	quotaDecideCmd.Flags().StringVar(&flagQuotaOp, "op", "", "Operation name")
	quotaRecordCmd.Flags().Float64Var(&flagQuotaCost, "cost", 0, "Actual gas cost in USD")
	quotaRecordCmd.Flags().BoolVar(&flagQuotaSponsored, "sponsored", false, "Whether the transaction was sponsored")
	quotaRecordCmd.Flags().StringVar(&flagQuotaToken, "token", "", "Token the gas was paid in")
	quotaServeCmd.Flags().StringVar(&flagQuotaAddr, "addr", ":8090", "HTTP listen address")

	quotaCmd.AddCommand(quotaDecideCmd, quotaRecordCmd, quotaUsageCmd, quotaServeCmd)
}

// staticPolicy reads the policy file when configured, falling back to the sponsorship section.
func staticPolicy(a *app) quota.PolicySource {
	if path := a.cfg.Sponsorship.PolicyFile; path != "" {
		p, err := quota.LoadPolicyFile(path)
		if err == nil {
			return quota.StaticPolicy(p)
		}
		a.log.Warn("policy file unreadable; using config sponsorship section", "path", path, "err", err)
	}
	return quota.StaticPolicy(quota.PolicyFromConfig(a.cfg.Sponsorship))
}

func quotaEngine(a *app, policy quota.PolicySource, opts ...quota.Option) (*quota.Engine, error) {
	if err := policy.Policy().Validate(); err != nil {
		return nil, fmt.Errorf("sponsorship policy: %w", err)
	}
	opts = append([]quota.Option{
		quota.WithLogger(a.log),
		quota.WithLocation(a.cfg.Sponsorship.Location()),
	}, opts...)
	return quota.New(a.store, policy, opts...), nil
}
