package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const sampleConfig = `version: 1
global:
  store: sqlite            # sqlite | redis | memory
  db_path: wallet-sync.db
  redis_url: ${REDIS_URL}
  log_level: info
  cache_ttl: 30s
  preload_schedule: "*/5 * * * *"

networks:
  - id: mainnet
    chain_id: 1
    rpc_url: ${RPC_URL}
    max_query_span: 1000
    max_range: 50000
    union_filter: true
    rps: 10
    burst: 5
    retry_backoff: 1s

domains:
  - id: trades
    network: mainnet
    kind: trades
    contract: "0x0000000000000000000000000000000000000000"
  - id: treasury
    network: mainnet
    kind: treasury
    contract: "0x0000000000000000000000000000000000000000"

sponsorship:
  per_user_daily_limit_usd: 0.50
  global_daily_limit_usd: 100
  max_sponsored_value_usd: 10000
  eligible_operations: [fund, approve, release, vote, stake]
  fallback_method: token_pay
  timezone: UTC

sinks:
  - id: ops
    type: slack
    webhook_url: ${SLACK_WEBHOOK}
`

var flagInitForce bool

func init() {
	initCmd.Flags().BoolVar(&flagInitForce, "force", false, "Overwrite an existing config file")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(cfgPath); err == nil && !flagInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", cfgPath, err)
		}
		if err := os.WriteFile(cfgPath, []byte(sampleConfig), 0o644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", cfgPath)
		return nil
	},
}
