package cache_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-bridge/internal/storage/cache"
	"github.com/tinywideclouds/go-push-bridge/internal/storage/ledger"
	"github.com/tinywideclouds/go-push-bridge/internal/storage/sqlite"
	"github.com/tinywideclouds/go-push-bridge/pkg/message"
	"github.com/tinywideclouds/go-push-bridge/pkg/push"
)

// --- Mocks ---
type MockCache struct {
	mock.Mock
}

func (m *MockCache) Get(ctx context.Context, key string, dest interface{}) error {
	args := m.Called(ctx, key, dest)
	return args.Error(0)
}
func (m *MockCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return m.Called(ctx, key, value, ttl).Error(0)
}
func (m *MockCache) Del(ctx context.Context, keys ...string) error {
	return m.Called(ctx, keys).Error(0)
}
func (m *MockCache) DelPrefix(ctx context.Context, prefix string) error {
	return m.Called(ctx, prefix).Error(0)
}

type MockRealStore struct {
	mock.Mock
}

func (m *MockRealStore) Put(ctx context.Context, msg message.Message) ([]string, error) {
	args := m.Called(ctx, msg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}
func (m *MockRealStore) Get(ctx context.Context, id string) (*message.Message, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*message.Message), args.Error(1)
}
func (m *MockRealStore) Remove(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}
func (m *MockRealStore) Clear(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

var _ push.MessageStore = (*cache.CachedMessageStore)(nil)

func TestCachedStore_Invalidation(t *testing.T) {
	ctx := context.Background()
	msg := message.Message{ID: "m21", Payload: message.Map(nil)}

	t.Run("Put invalidates the id and every evicted id", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDB := new(MockRealStore)
		store := cache.NewCachedMessageStore(mockDB, mockCache, time.Hour, "device-1")

		mockDB.On("Put", ctx, msg).Return([]string{"m1"}, nil)
		mockCache.On("Del", ctx, []string{"push:messages:device-1:m21", "push:messages:device-1:m1"}).Return(nil)

		evicted, err := store.Put(ctx, msg)

		require.NoError(t, err)
		assert.Equal(t, []string{"m1"}, evicted)
		mockDB.AssertExpectations(t)
		mockCache.AssertExpectations(t)
	})

	t.Run("Remove invalidates before and after the store", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDB := new(MockRealStore)
		store := cache.NewCachedMessageStore(mockDB, mockCache, time.Hour, "device-1")

		mockDB.On("Remove", ctx, "m21").Return(nil).Once()
		mockCache.On("Del", ctx, []string{"push:messages:device-1:m21"}).Return(nil).Twice()

		require.NoError(t, store.Remove(ctx, "m21"))
		mockDB.AssertExpectations(t)
		mockCache.AssertExpectations(t)
	})

	t.Run("Clear drops the namespace", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDB := new(MockRealStore)
		store := cache.NewCachedMessageStore(mockDB, mockCache, time.Hour, "device-1")

		mockDB.On("Clear", ctx).Return(nil)
		mockCache.On("DelPrefix", ctx, "push:messages:device-1:").Return(nil)

		require.NoError(t, store.Clear(ctx))
		mockCache.AssertExpectations(t)
	})

	t.Run("Store failure stops after the first invalidation", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDB := new(MockRealStore)
		store := cache.NewCachedMessageStore(mockDB, mockCache, time.Hour, "device-1")

		mockDB.On("Remove", ctx, "m21").Return(assert.AnError)
		mockCache.On("Del", ctx, []string{"push:messages:device-1:m21"}).Return(nil).Once()

		assert.ErrorIs(t, store.Remove(ctx, "m21"), assert.AnError)
		mockCache.AssertExpectations(t)
	})
}

func TestCachedStore_ReadAside(t *testing.T) {
	ctx := context.Background()
	key := "push:messages:device-1:m5"

	t.Run("Miss falls back to the store and refills", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDB := new(MockRealStore)
		store := cache.NewCachedMessageStore(mockDB, mockCache, time.Hour, "device-1")

		fresh := &message.Message{ID: "m5", Payload: message.Map(nil)}
		mockCache.On("Get", ctx, key, mock.Anything).Return(assert.AnError) // Error implies miss
		mockDB.On("Get", ctx, "m5").Return(fresh, nil)
		mockCache.On("Set", ctx, key, fresh, time.Hour).Return(nil)

		got, err := store.Get(ctx, "m5")

		require.NoError(t, err)
		assert.Equal(t, fresh, got)
		mockDB.AssertExpectations(t)
		mockCache.AssertExpectations(t)
	})

	t.Run("Absent in both tiers is not cached", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDB := new(MockRealStore)
		store := cache.NewCachedMessageStore(mockDB, mockCache, time.Hour, "device-1")

		mockCache.On("Get", ctx, key, mock.Anything).Return(assert.AnError)
		mockDB.On("Get", ctx, "m5").Return(nil, nil)

		got, err := store.Get(ctx, "m5")

		require.NoError(t, err)
		assert.Nil(t, got)
		mockCache.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Hit never touches the store", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDB := new(MockRealStore)
		store := cache.NewCachedMessageStore(mockDB, mockCache, time.Hour, "device-1")

		mockCache.On("Get", ctx, key, mock.Anything).Run(func(args mock.Arguments) {
			dest := args.Get(2).(*message.Message)
			dest.ID = "m5"
		}).Return(nil)

		got, err := store.Get(ctx, "m5")

		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "m5", got.ID)
		mockDB.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
	})
}

// flakyCache is an in-memory CacheClient whose next Del calls can be made to fail.
type flakyCache struct {
	mu       sync.Mutex
	entries  map[string][]byte
	failDels int
}

var errRedisDown = errors.New("redis unavailable")

func newFlakyCache() *flakyCache {
	return &flakyCache{entries: make(map[string][]byte)}
}

func (c *flakyCache) Get(_ context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.entries[key]
	if !ok {
		return cache.ErrMiss
	}
	return json.Unmarshal(raw, dest)
}

func (c *flakyCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = raw
	return nil
}

func (c *flakyCache) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failDels > 0 {
		c.failDels--
		return errRedisDown
	}
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

func (c *flakyCache) DelPrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
	return nil
}

func (c *flakyCache) failNextDels(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failDels = n
}

func TestCachedStore_RemoveWithFlakyRedis(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	setup := func(t *testing.T) (*cache.CachedMessageStore, *flakyCache) {
		t.Helper()
		backing, err := sqlite.NewMessageStore(filepath.Join(t.TempDir(), "messages.db"), ledger.DefaultCapacity, logger)
		require.NoError(t, err)
		t.Cleanup(func() { _ = backing.Close() })

		fc := newFlakyCache()
		store := cache.NewCachedMessageStore(backing, fc, time.Hour, "device-1")

		_, err = store.Put(ctx, message.Message{ID: "tap", Payload: message.Map(map[string]message.Value{"k": message.String("v")})})
		require.NoError(t, err)
		got, err := store.Get(ctx, "tap")
		require.NoError(t, err)
		require.NotNil(t, got, "the read fills the cache")
		return store, fc
	}

	t.Run("One failed invalidation still leaves the message absent", func(t *testing.T) {
		store, fc := setup(t)
		fc.failNextDels(1)

		require.NoError(t, store.Remove(ctx, "tap"))

		got, err := store.Get(ctx, "tap")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("Redis down for both invalidations is reported", func(t *testing.T) {
		store, fc := setup(t)
		fc.failNextDels(2)

		err := store.Remove(ctx, "tap")
		assert.ErrorIs(t, err, errRedisDown)
	})
}
