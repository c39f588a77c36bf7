package main

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/devblac/wallet-sync/internal/event"
	"github.com/devblac/wallet-sync/internal/session"
)

var (
	flagWatchUser   string
	flagWatchWhere  []string
	flagWatchDomain string
)

func init() {
	watchCmd.Flags().StringVar(&flagWatchUser, "user", "", "Wallet address to watch (required)")
	watchCmd.Flags().StringArrayVar(&flagWatchWhere, "where", nil, `Predicate on event args, e.g. "amount > 1000" (repeatable)`)
	watchCmd.Flags().StringVar(&flagWatchDomain, "domain", "", "Only print events of this domain")
	_ = watchCmd.MarkFlagRequired("user")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Tail live events relevant to a wallet",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		user, err := parseUser(flagWatchUser)
		if err != nil {
			return err
		}
		preds, err := event.CompileWhere(flagWatchWhere)
		if err != nil {
			return fmt.Errorf("where: %w", err)
		}

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		factory, err := session.NewFactory(a.cfg, a.store, session.WithLogger(a.log))
		if err != nil {
			return err
		}
		defer factory.Close()

		sess, err := factory.Open(ctx, user)
		if err != nil {
			return err
		}
		defer sess.Close()

		var mu sync.Mutex
		err = sess.StartLive(ctx, func(domain string, r event.Record) {
			if flagWatchDomain != "" && domain != flagWatchDomain {
				return
			}
			ok, err := event.MatchAll(preds, r)
			if err != nil {
				a.log.Warn("evaluate predicate", "type", r.Type.String(), "err", err)
				return
			}
			if !ok {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(out, "%s %-20s block=%d tx=%s args=%v\n", domain, r.Type.String(), r.Block, r.TxHash.Hex(), r.Payload.Args())
		})
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "watching %s on %d domain(s); ctrl-c to stop\n", user.Hex(), len(sess.Domains()))
		<-ctx.Done()
		return nil
	},
}
