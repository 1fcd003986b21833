package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	entries map[string][]byte
	getErr  error
	setErr  error
	sets    int
}

func newFakeStore() *fakeStore { return &fakeStore{entries: make(map[string][]byte)} }

func (f *fakeStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	b, ok := f.entries[key]
	return b, ok, nil
}

func (f *fakeStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.sets++
	f.entries[key] = value
	return nil
}

func (f *fakeStore) Invalidate(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.entries, k)
	}
	return nil
}

func TestReadThrough_MissLoadsAndPopulates(t *testing.T) {
	store := newFakeStore()
	loads := 0
	load := func(ctx context.Context) ([]byte, error) {
		loads++
		return []byte("fresh"), nil
	}

	b, err := ReadThrough(context.Background(), store, InventoryKey("PRD-1"), time.Minute, load)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(b))
	assert.Equal(t, 1, loads)

	b, err = ReadThrough(context.Background(), store, InventoryKey("PRD-1"), time.Minute, load)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(b))
	assert.Equal(t, 1, loads, "hit must not reload")
}

func TestReadThrough_StoreErrorDegradesToLoader(t *testing.T) {
	store := newFakeStore()
	store.getErr = errors.New("redis down")
	store.setErr = errors.New("redis down")

	b, err := ReadThrough(context.Background(), store, OrderKey("ord-1"), time.Minute,
		func(ctx context.Context) ([]byte, error) { return []byte("source"), nil })
	require.NoError(t, err, "cache failure must not change correctness")
	assert.Equal(t, "source", string(b))
}

func TestReadThrough_LoaderErrorSurfaces(t *testing.T) {
	store := newFakeStore()
	wantErr := errors.New("row missing")

	_, err := ReadThrough(context.Background(), store, OrderKey("ord-1"), time.Minute,
		func(ctx context.Context) ([]byte, error) { return nil, wantErr })
	require.ErrorIs(t, err, wantErr)
	assert.Zero(t, store.sets, "a failed load must not poison the cache")
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "order:ord-1", OrderKey("ord-1"))
	assert.Equal(t, "inventory:PRD-1", InventoryKey("PRD-1"))
}
