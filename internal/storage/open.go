package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/devblac/wallet-sync/internal/config"
)

// Backend is a KV with lifecycle and key listing, as returned by OpenBackend.
type Backend interface {
	KV
	Lister
	Ping(ctx context.Context) error
	Close() error
}

// OpenBackend opens the store selected by global.store.
func OpenBackend(ctx context.Context, g config.GlobalConfig) (Backend, error) {
	switch strings.ToLower(g.Store) {
	case "", "sqlite":
		return Open(g.DBPath)
	case "redis":
		return OpenRedis(ctx, g.RedisURL, "")
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported store: %s", g.Store)
	}
}
