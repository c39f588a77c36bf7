package cache

import (
	"context"
	"time"

	"github.com/devblac/wallet-sync/internal/event"
	"github.com/devblac/wallet-sync/internal/oracle"
)

// Records is the read-through view of record state for one network.
type Records struct {
	cache   *Cache
	oracle  oracle.Oracle
	network string
	ttl     time.Duration
}

func NewRecords(c *Cache, o oracle.Oracle, network string, ttl time.Duration) *Records {
	return &Records{cache: c, oracle: o, network: network, ttl: ttl}
}

// Record returns the cached state of id, reading the oracle when the entry is missing or expired.
func (r *Records) Record(ctx context.Context, id event.RecordID) (oracle.RecordData, error) {
	return ReadThrough(ctx, r.cache, RecordKey(r.network, id), r.ttl, func(ctx context.Context) (oracle.RecordData, error) {
		return r.oracle.ReadRecord(ctx, id)
	})
}

// Invalidate drops the cached state of ids.
func (r *Records) Invalidate(ctx context.Context, ids ...event.RecordID) error {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, RecordKey(r.network, id))
	}
	return r.cache.Invalidate(ctx, keys...)
}

// Cache exposes the underlying cache for index operations.
func (r *Records) Cache() *Cache { return r.cache }

// Network returns the network key the records belong to.
func (r *Records) Network() string { return r.network }
