package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagExportPrefix string
	flagExportOut    string
)

func init() {
	exportCmd.Flags().StringVar(&flagExportPrefix, "prefix", "", "Only export keys with this prefix (e.g. watermark/, quota/)")
	exportCmd.Flags().StringVarP(&flagExportOut, "out", "o", "", "Write to file instead of stdout")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export persisted state (watermarks, indexes, cache, quotas) as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		keys, err := a.store.Keys(ctx, flagExportPrefix)
		if err != nil {
			return fmt.Errorf("list keys: %w", err)
		}
		dump := make(map[string]json.RawMessage, len(keys))
		for _, k := range keys {
			raw, ok, err := a.store.Get(ctx, k)
			if err != nil {
				return fmt.Errorf("read %s: %w", k, err)
			}
			if !ok {
				continue
			}
			if !json.Valid(raw) {
				raw, _ = json.Marshal(string(raw))
			}
			dump[k] = raw
		}

		body, err := json.MarshalIndent(dump, "", "  ")
		if err != nil {
			return fmt.Errorf("encode export: %w", err)
		}
		body = append(body, '\n')

		if flagExportOut == "" {
			_, err = cmd.OutOrStdout().Write(body)
			return err
		}
		if err := os.WriteFile(flagExportOut, body, 0o644); err != nil {
			return fmt.Errorf("write export: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "exported %d keys to %s\n", len(dump), flagExportOut)
		return nil
	},
}
