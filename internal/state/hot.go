// Package state implements the two-tier State Snapshot store of spec
// §3/§4.6: a Redis hot tier for recently used sessions and an S3 cold
// tier for archived ones, with an Archivist goroutine moving idle
// sessions from hot to cold. Snapshot bytes are opaque to this package;
// compression happens entirely inside the embedded Interpreter Server.
package state

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sandboxlabs/sandboxd/internal/errs"
)

// HotStore is the Redis-backed recent-session tier. Grounded on
// _examples/other_examples/manifests/Siryoos-tartarus/go.mod's use of
// github.com/redis/go-redis/v9 for its own session/state tier — the
// teacher repo carries no persistence layer at all.
type HotStore struct {
	rdb            *redis.Client
	ttl            time.Duration
	maxSnapshotLen int
}

// NewHotStore creates a HotStore against an already-configured
// *redis.Client (a *miniredis.Miniredis-backed client in tests).
func NewHotStore(rdb *redis.Client, ttl time.Duration, maxSnapshotBytes int) *HotStore {
	return &HotStore{rdb: rdb, ttl: ttl, maxSnapshotLen: maxSnapshotBytes}
}

func key(sessionID string) string { return "sandboxd:state:" + sessionID }

// Save stores the base64 snapshot blob for sessionID, refreshing its
// TTL. Returns StateTooLarge if blob exceeds the configured bound, per
// spec §4.7.
func (h *HotStore) Save(ctx context.Context, sessionID string, blob string) error {
	if h.maxSnapshotLen > 0 && len(blob) > h.maxSnapshotLen {
		return errs.New(errs.KindStateTooLarge, "state.Save", fmt.Errorf("snapshot is %d bytes, limit is %d", len(blob), h.maxSnapshotLen))
	}
	if err := h.rdb.Set(ctx, key(sessionID), blob, h.ttl).Err(); err != nil {
		return errs.New(errs.KindStorageUnavail, "state.Save", err)
	}
	return nil
}

// Load returns the snapshot blob for sessionID and resets its TTL (via
// GETEX), which also resets the idle time the Archivist reads. A miss
// returns the package's own ErrNotFound sentinel, never redis.Nil.
func (h *HotStore) Load(ctx context.Context, sessionID string) (string, error) {
	val, err := h.rdb.GetEx(ctx, key(sessionID), h.ttl).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errs.New(errs.KindStorageUnavail, "state.Load", err)
	}
	return val, nil
}

// Delete removes sessionID's snapshot from the hot tier. Idempotent.
func (h *HotStore) Delete(ctx context.Context, sessionID string) error {
	if err := h.rdb.Del(ctx, key(sessionID)).Err(); err != nil {
		return errs.New(errs.KindStorageUnavail, "state.Delete", err)
	}
	return nil
}

// IdleSince reports how long sessionID's snapshot has sat untouched, by
// reading its remaining TTL against the configured ceiling. Used by the
// Archivist to pick archival candidates without a separate
// last-accessed index.
func (h *HotStore) IdleSince(ctx context.Context, sessionID string) (time.Duration, error) {
	ttl, err := h.rdb.TTL(ctx, key(sessionID)).Result()
	if err != nil {
		return 0, errs.New(errs.KindStorageUnavail, "state.IdleSince", err)
	}
	if ttl < 0 {
		return 0, ErrNotFound
	}
	return h.ttl - ttl, nil
}

// Keys lists session IDs currently present in the hot tier, used by the
// Archivist's scan. Uses SCAN rather than KEYS to avoid blocking Redis
// under a large key space.
func (h *HotStore) Keys(ctx context.Context) ([]string, error) {
	var ids []string
	iter := h.rdb.Scan(ctx, 0, "sandboxd:state:*", 0).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, iter.Val()[len("sandboxd:state:"):])
	}
	if err := iter.Err(); err != nil {
		return nil, errs.New(errs.KindStorageUnavail, "state.Keys", err)
	}
	return ids, nil
}

// Healthy probes Redis reachability for GET /v1/health/detailed.
func (h *HotStore) Healthy() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.rdb.Ping(ctx).Err(); err != nil {
		return errs.New(errs.KindStorageUnavail, "state.HotStore.Healthy", err)
	}
	return nil
}
