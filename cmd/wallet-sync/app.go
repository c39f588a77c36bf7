package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"github.com/devblac/wallet-sync/internal/config"
	"github.com/devblac/wallet-sync/internal/logging"
	"github.com/devblac/wallet-sync/internal/storage"
)

// app holds what every stateful command needs: config, logger and the opened store.
type app struct {
	cfg   *config.Config
	log   *slog.Logger
	store storage.Backend
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := newLogger(cfg)

	store, err := storage.OpenBackend(ctx, cfg.Global)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return &app{cfg: cfg, log: log, store: store}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("close storage", "err", err)
	}
}

// newLogger prefers LOG_LEVEL over global.log_level.
func newLogger(cfg *config.Config) *slog.Logger {
	level := os.Getenv("LOG_LEVEL")
	if level == "" && cfg != nil {
		level = cfg.Global.LogLevel
	}
	if level == "" {
		level = "info"
	}
	return logging.NewWithLevel(level)
}

func parseUser(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid user address %q", s)
	}
	return common.HexToAddress(s), nil
}
