// Package cache provides a Redis read-aside layer in front of a MessageStore.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-push-bridge/pkg/message"
	"github.com/tinywideclouds/go-push-bridge/pkg/push"
)

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns the value or an error if not found.
	Get(ctx context.Context, key string, dest interface{}) error
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Del removes the keys.
	Del(ctx context.Context, keys ...string) error
	// DelPrefix removes every key in a namespace.
	DelPrefix(ctx context.Context, prefix string) error
}

// CachedMessageStore is a Decorator that adds Read-Aside caching to any MessageStore.
type CachedMessageStore struct {
	realStore push.MessageStore
	cache     CacheClient
	ttl       time.Duration
	namespace string
}

// NewCachedMessageStore creates the decorator. The namespace isolates one
// device's keys from another's on a shared Redis.
func NewCachedMessageStore(realStore push.MessageStore, cache CacheClient, ttl time.Duration, namespace string) *CachedMessageStore {
	return &CachedMessageStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
		namespace: namespace,
	}
}

// --- READ PATH (Read-Aside) ---

func (s *CachedMessageStore) Get(ctx context.Context, id string) (*message.Message, error) {
	key := s.cacheKey(id)

	// 1. Try Cache
	var cached message.Message
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return &cached, nil
	}

	// 2. Fallback to Real Store
	fresh, err := s.realStore.Get(ctx, id)
	if err != nil || fresh == nil {
		return fresh, err
	}

	// 3. Populate Cache (Fire and Forget)
	// Caching is an optimization; if Redis is down we serve from the store.
	_ = s.cache.Set(ctx, key, fresh, s.ttl)

	return fresh, nil
}

// --- WRITE PATHS (Invalidate-on-Write) ---

func (s *CachedMessageStore) Put(ctx context.Context, msg message.Message) ([]string, error) {
	evicted, err := s.realStore.Put(ctx, msg)
	if err != nil {
		return nil, err
	}
	// Evicted ids must disappear from the cache too, or a Get would resurrect them.
	keys := make([]string, 0, len(evicted)+1)
	keys = append(keys, s.cacheKey(msg.ID))
	for _, id := range evicted {
		keys = append(keys, s.cacheKey(id))
	}
	return evicted, s.cache.Del(ctx, keys...)
}

// Remove invalidates the key on both sides of the real removal, so a refill
// racing the delete is dropped again. It fails only when neither
// invalidation reached Redis.
func (s *CachedMessageStore) Remove(ctx context.Context, id string) error {
	key := s.cacheKey(id)
	before := s.cache.Del(ctx, key)

	if err := s.realStore.Remove(ctx, id); err != nil {
		return err
	}

	after := s.cache.Del(ctx, key)
	if before != nil && after != nil {
		return fmt.Errorf("failed to invalidate cached message %s: %w", id, after)
	}
	return nil
}

func (s *CachedMessageStore) Clear(ctx context.Context) error {
	if err := s.realStore.Clear(ctx); err != nil {
		return err
	}
	return s.cache.DelPrefix(ctx, s.prefix())
}

// --- Helpers ---

func (s *CachedMessageStore) prefix() string {
	return fmt.Sprintf("push:messages:%s:", s.namespace)
}

func (s *CachedMessageStore) cacheKey(id string) string {
	return s.prefix() + id
}
