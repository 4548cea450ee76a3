package state

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxlabs/sandboxd/internal/errs"
)

func newTestHotStore(t *testing.T, ttl time.Duration, maxBytes int) (*HotStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewHotStore(rdb, ttl, maxBytes), mr
}

func TestHotStoreSaveLoadRoundTrip(t *testing.T) {
	h, _ := newTestHotStore(t, time.Hour, 0)
	ctx := context.Background()

	require.NoError(t, h.Save(ctx, "s1", "snapshot-bytes"))

	got, err := h.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "snapshot-bytes", got)
}

func TestHotStoreLoadMissReturnsErrNotFound(t *testing.T) {
	h, _ := newTestHotStore(t, time.Hour, 0)
	_, err := h.Load(context.Background(), "never-saved")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHotStoreSaveRejectsOversizeSnapshot(t *testing.T) {
	h, _ := newTestHotStore(t, time.Hour, 4)
	err := h.Save(context.Background(), "s1", "way too long")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindStateTooLarge))
}

func TestHotStoreDeleteIsIdempotent(t *testing.T) {
	h, _ := newTestHotStore(t, time.Hour, 0)
	ctx := context.Background()
	require.NoError(t, h.Save(ctx, "s1", "blob"))

	require.NoError(t, h.Delete(ctx, "s1"))
	_, err := h.Load(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again (nothing left to delete) is still a no-op success.
	assert.NoError(t, h.Delete(ctx, "s1"))
}

func TestHotStoreEntryExpiresPastTTL(t *testing.T) {
	h, mr := newTestHotStore(t, time.Minute, 0)
	ctx := context.Background()
	require.NoError(t, h.Save(ctx, "s1", "blob"))

	mr.FastForward(2 * time.Minute)

	_, err := h.Load(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHotStoreIdleSinceTracksElapsedTime(t *testing.T) {
	h, mr := newTestHotStore(t, time.Hour, 0)
	ctx := context.Background()
	require.NoError(t, h.Save(ctx, "s1", "blob"))

	mr.FastForward(20 * time.Minute)

	idle, err := h.IdleSince(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 20*time.Minute, idle, float64(time.Second))
}

func TestHotStoreIdleSinceMissingKeyReturnsNotFound(t *testing.T) {
	h, _ := newTestHotStore(t, time.Hour, 0)
	_, err := h.IdleSince(context.Background(), "never-saved")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHotStoreLoadRefreshesTTL(t *testing.T) {
	h, mr := newTestHotStore(t, time.Hour, 0)
	ctx := context.Background()
	require.NoError(t, h.Save(ctx, "s1", "blob"))

	mr.FastForward(50 * time.Minute)
	_, err := h.Load(ctx, "s1")
	require.NoError(t, err)

	// Load should have reset the TTL back to a full hour; without the
	// refresh this entry would expire in 10 more minutes.
	mr.FastForward(50 * time.Minute)
	_, err = h.Load(ctx, "s1")
	assert.NoError(t, err)
}

func TestHotStoreKeysListsOnlyOwnNamespace(t *testing.T) {
	h, mr := newTestHotStore(t, time.Hour, 0)
	ctx := context.Background()
	require.NoError(t, h.Save(ctx, "s1", "a"))
	require.NoError(t, h.Save(ctx, "s2", "b"))
	require.NoError(t, mr.Set("unrelated:key", "x"))

	keys, err := h.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", "s2"}, keys)
	for _, k := range keys {
		assert.False(t, strings.Contains(k, "sandboxd:state:"))
	}
}

func TestHotStoreHealthyReportsReachableRedis(t *testing.T) {
	h, _ := newTestHotStore(t, time.Hour, 0)
	assert.NoError(t, h.Healthy())
}

func TestHotStoreHealthyReportsUnreachableRedis(t *testing.T) {
	h, mr := newTestHotStore(t, time.Hour, 0)
	mr.Close()
	err := h.Healthy()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindStorageUnavail))
}
