package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/devblac/wallet-sync/internal/cache"
	"github.com/devblac/wallet-sync/internal/preload"
	"github.com/devblac/wallet-sync/internal/session"
	"github.com/devblac/wallet-sync/internal/storage"
	"github.com/devblac/wallet-sync/internal/syncer"
)

var flagStateUser string

func init() {
	stateCmd.Flags().StringVar(&flagStateUser, "user", "", "Wallet address (required)")
	_ = stateCmd.MarkFlagRequired("user")
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show per-domain watermarks, index sizes and preload status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		user, err := parseUser(flagStateUser)
		if err != nil {
			return err
		}

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		// The factory only resolves network contexts here; no endpoint is dialed.
		factory, err := session.NewFactory(a.cfg, a.store, session.WithLogger(a.log))
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "DOMAIN\tNETWORK\tWATERMARK\tUPDATED\tRECORDS")
		for _, d := range a.cfg.Domains {
			nc, _ := factory.NetworkContext(d)
			var wm syncer.Watermark
			ok, err := storage.GetJSON(ctx, a.store, syncer.WatermarkKey(nc.Key(), d.ID, user), &wm)
			if err != nil {
				return err
			}
			ids, err := factory.Cache().Index(ctx, cache.IndexKey(nc.Key(), d.ID, user))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintf(tw, "%s\t%s\t-\t-\t%d\n", d.ID, nc.Key(), len(ids))
				continue
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\n", d.ID, nc.Key(), wm.LastProcessed, wm.UpdatedAt.Format(time.RFC3339), len(ids))
		}
		if err := tw.Flush(); err != nil {
			return err
		}

		var st preload.Status
		ok, err := storage.GetJSON(ctx, a.store, factory.StatusKey(user), &st)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(out, "preload: never run")
			return nil
		}
		age := "-"
		if !st.LastCompletedAt.IsZero() {
			age = time.Since(st.LastCompletedAt).Round(time.Second).String()
		}
		fmt.Fprintf(out, "preload: user=%s ready=%v last_completed=%s age=%s\n",
			st.User, st.PerDomainReady, st.LastCompletedAt.Format(time.RFC3339), age)
		return nil
	},
}
