package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeColdTier is an in-memory ColdTier double used to exercise Store's
// fall-through/re-promotion logic and the Archivist's sweep without a
// live S3 bucket.
type fakeColdTier struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeColdTier() *fakeColdTier {
	return &fakeColdTier{objects: map[string][]byte{}}
}

func (f *fakeColdTier) Archive(_ context.Context, sessionID string, blob []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(blob))
	copy(cp, blob)
	f.objects[sessionID] = cp
	return nil
}

func (f *fakeColdTier) Restore(_ context.Context, sessionID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	blob, ok := f.objects[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return blob, nil
}

func (f *fakeColdTier) Delete(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, sessionID)
	return nil
}

func TestStoreLoadPrefershHotOverCold(t *testing.T) {
	hot, _ := newTestHotStore(t, time.Hour, 0)
	cold := newFakeColdTier()
	ctx := context.Background()

	require.NoError(t, hot.Save(ctx, "s1", "hot-value"))
	require.NoError(t, cold.Archive(ctx, "s1", []byte("stale-cold-value")))

	store := NewStore(hot, cold)
	got, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "hot-value", got)
}

func TestStoreLoadFallsThroughToColdAndRepromotes(t *testing.T) {
	hot, _ := newTestHotStore(t, time.Hour, 0)
	cold := newFakeColdTier()
	ctx := context.Background()

	require.NoError(t, cold.Archive(ctx, "s1", []byte("archived-value")))

	store := NewStore(hot, cold)
	got, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "archived-value", got)

	// Re-promoted: a second Load must not need the cold tier at all.
	cold.Delete(ctx, "s1")
	got, err = store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "archived-value", got)
}

func TestStoreLoadMissOnBothTiersIsNotFound(t *testing.T) {
	hot, _ := newTestHotStore(t, time.Hour, 0)
	cold := newFakeColdTier()
	store := NewStore(hot, cold)

	_, err := store.Load(context.Background(), "ghost-session")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreSaveWritesOnlyToHotTier(t *testing.T) {
	hot, _ := newTestHotStore(t, time.Hour, 0)
	cold := newFakeColdTier()
	store := NewStore(hot, cold)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "s1", "fresh"))

	_, err := cold.Restore(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound, "Save must not eagerly archive")
}

func TestStoreDeleteRemovesFromBothTiers(t *testing.T) {
	hot, _ := newTestHotStore(t, time.Hour, 0)
	cold := newFakeColdTier()
	store := NewStore(hot, cold)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "s1", "value"))
	require.NoError(t, cold.Archive(ctx, "s1", []byte("value")))

	require.NoError(t, store.Delete(ctx, "s1"))

	_, err := hot.Load(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = cold.Restore(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreLoadPropagatesStorageErrorsWithoutFallback(t *testing.T) {
	cold := newFakeColdTier()
	store := NewStore(brokenHotTier{}, cold)

	_, err := store.Load(context.Background(), "s1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

// brokenHotTier simulates a hot tier that is unreachable, so Store must
// surface the storage error instead of silently treating it as a fresh
// session.
type brokenHotTier struct{}

func (brokenHotTier) Save(context.Context, string, string) error { return errors.New("unreachable") }
func (brokenHotTier) Load(context.Context, string) (string, error) {
	return "", errors.New("unreachable")
}
func (brokenHotTier) Delete(context.Context, string) error { return errors.New("unreachable") }
func (brokenHotTier) IdleSince(context.Context, string) (time.Duration, error) {
	return 0, errors.New("unreachable")
}
func (brokenHotTier) Keys(context.Context) ([]string, error) { return nil, errors.New("unreachable") }
