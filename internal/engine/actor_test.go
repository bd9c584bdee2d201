package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matteso1/crabdb/internal/storage"
)

// memStore is a map-backed storage.Store that can be told to block or fail.
type memStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	ops     []string
	block   chan struct{}
	failPut error
	closed  bool
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (s *memStore) Put(key string, value []byte) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "put "+key)
	if s.failPut != nil {
		return s.failPut
	}
	s.data[key] = value
	return nil
}

func (s *memStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "get "+key)
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func startActor(t *testing.T, store storage.Store) *StorageActor {
	t.Helper()
	a := NewStorageActor(store, Config{})
	a.Start()
	t.Cleanup(func() { a.Stop() })
	return a
}

func TestActor_WriteRead(t *testing.T) {
	store := newMemStore()
	h := startActor(t, store).Handle()
	ctx := context.Background()

	require.NoError(t, h.Write(ctx, "a", []byte("hello")))
	value, found, err := h.Read(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "hello", string(value))

	_, found, err = h.Read(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestActor_PreservesOrderPerCaller(t *testing.T) {
	store := newMemStore()
	h := startActor(t, store).Handle()
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.NoError(t, h.Write(ctx, "k", []byte(fmt.Sprint(i))))
	}
	value, _, err := h.Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "19", string(value))
	assert.Len(t, store.ops, 21)
}

func TestActor_ConcurrentCallers(t *testing.T) {
	store := newMemStore()
	h := startActor(t, store).Handle()
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				key := fmt.Sprintf("w%d-%d", w, i)
				if err := h.Write(ctx, key, []byte(key)); err != nil {
					t.Errorf("write %s: %v", key, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.data, 16*50)
}

func TestActor_StoreErrorReturned(t *testing.T) {
	store := newMemStore()
	store.failPut = errors.New("disk full")
	h := startActor(t, store).Handle()

	err := h.Write(context.Background(), "a", []byte("b"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestActor_UnavailableAfterStop(t *testing.T) {
	store := newMemStore()
	a := NewStorageActor(store, Config{})
	a.Start()
	h := a.Handle()

	require.NoError(t, a.Stop())
	assert.True(t, store.closed)

	assert.ErrorIs(t, h.Write(context.Background(), "a", []byte("b")), ErrActorUnavailable)
	_, _, err := h.Read(context.Background(), "a")
	assert.ErrorIs(t, err, ErrActorUnavailable)

	// Stopping again is a no-op.
	require.NoError(t, a.Stop())
}

func TestActor_StopWithoutStart(t *testing.T) {
	store := newMemStore()
	a := NewStorageActor(store, Config{QueueSize: 1})
	require.NoError(t, a.Stop())
	assert.True(t, store.closed)
	assert.ErrorIs(t, a.Handle().Write(context.Background(), "a", nil), ErrActorUnavailable)
}

func TestActor_ZeroHandle(t *testing.T) {
	var h Handle
	assert.ErrorIs(t, h.Write(context.Background(), "a", nil), ErrActorUnavailable)
}

func TestActor_ContextCancelStopsWaiting(t *testing.T) {
	store := newMemStore()
	store.block = make(chan struct{})
	h := startActor(t, store).Handle()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := h.Write(ctx, "slow", []byte("v"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The actor still finishes the write once unblocked.
	close(store.block)
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		_, ok := store.data["slow"]
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestActor_SegmentManagerBackend(t *testing.T) {
	config := storage.DefaultConfig()
	config.MergeInterval = time.Hour
	m, err := storage.Open(t.TempDir(), config)
	require.NoError(t, err)

	a := NewStorageActor(m, Config{})
	a.Start()
	h := a.Handle()
	ctx := context.Background()

	require.NoError(t, h.Write(ctx, "a", []byte("hello")))
	require.NoError(t, h.Write(ctx, "a", []byte("world")))
	value, found, err := h.Read(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "world", string(value))
	assert.Equal(t, int64(len("world")), m.Stats().LiveSegmentSize)

	require.NoError(t, a.Stop())
	assert.ErrorIs(t, m.Put("b", nil), storage.ErrClosed)
}
