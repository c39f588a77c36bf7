package cache

import (
	"context"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/devblac/wallet-sync/internal/event"
	"github.com/devblac/wallet-sync/internal/storage"
)

// IndexKey names the record index of user for one network and domain.
func IndexKey(network, domain string, user common.Address) string {
	return storage.Key("index", network, domain, user.Hex())
}

// RecordKey names the cached state of one record on a network.
func RecordKey(network string, id event.RecordID) string {
	return storage.Key("record", network, string(id))
}

// Index returns the record ids stored under key, sorted.
func (c *Cache) Index(ctx context.Context, key string) ([]event.RecordID, error) {
	e, ok, err := Get[[]event.RecordID](ctx, c, key)
	if err != nil || !ok {
		return nil, err
	}
	return e.Value, nil
}

// MergeIndex adds ids to the index under key and returns how many were new. Index entries never expire.
func (c *Cache) MergeIndex(ctx context.Context, key string, ids []event.RecordID) (int, error) {
	current, err := c.Index(ctx, key)
	if err != nil {
		return 0, err
	}
	set := make(map[event.RecordID]struct{}, len(current)+len(ids))
	for _, id := range current {
		set[id] = struct{}{}
	}
	added := 0
	for _, id := range ids {
		if _, ok := set[id]; ok {
			continue
		}
		set[id] = struct{}{}
		added++
	}
	if added == 0 && len(current) > 0 {
		return 0, nil
	}
	merged := make([]event.RecordID, 0, len(set))
	for id := range set {
		merged = append(merged, id)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i] < merged[j] })
	if err := Put(ctx, c, key, merged, 0); err != nil {
		return 0, err
	}
	return added, nil
}
