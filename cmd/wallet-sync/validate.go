package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"github.com/devblac/wallet-sync/internal/config"
)

const defaultHTTPTimeout = 8 * time.Second

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config and check each network's chain id",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d)\n", cfg.Version)

		client := &http.Client{Timeout: defaultHTTPTimeout}
		failures := 0

		for _, n := range cfg.Networks {
			if n.RPCURL == "" {
				fmt.Fprintf(out, "- network %s: no rpc_url, domains on it are disabled\n", n.ID)
				continue
			}
			chainID, err := pingEVM(cmd.Context(), client, n.RPCURL)
			if err != nil {
				failures++
				fmt.Fprintf(out, "- network %s: ERROR %v\n", n.ID, err)
				continue
			}
			if chainID != n.ChainID {
				failures++
				fmt.Fprintf(out, "- network %s: chainId %d does not match configured %d\n", n.ID, chainID, n.ChainID)
				continue
			}
			fmt.Fprintf(out, "- network %s: chainId %d OK\n", n.ID, chainID)
		}

		for _, d := range cfg.Domains {
			if d.Contract == "" {
				fmt.Fprintf(out, "- domain %s: no contract, disabled\n", d.ID)
			}
		}

		if failures > 0 {
			return fmt.Errorf("validate: %d network(s) failed connectivity", failures)
		}

		fmt.Fprintln(out, "validate: success")
		return nil
	},
}

func pingEVM(ctx context.Context, client *http.Client, url string) (uint64, error) {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_chainId",
		"params":  []any{},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("call eth_chainId: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("rpc status %d", resp.StatusCode)
	}

	var rpcResp struct {
		Result string `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return 0, fmt.Errorf("decode rpc response: %w", err)
	}

	if rpcResp.Error != nil {
		return 0, fmt.Errorf("rpc error: %s", rpcResp.Error.Message)
	}
	if rpcResp.Result == "" {
		return 0, fmt.Errorf("empty chainId result")
	}

	id, err := hexutil.DecodeUint64(rpcResp.Result)
	if err != nil {
		return 0, fmt.Errorf("parse chainId %q: %w", rpcResp.Result, err)
	}
	return id, nil
}
