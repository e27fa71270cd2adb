// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casesync

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis"
)

// PayloadCache stores rendered restore payloads, indexed by the owner IDs
// they cover so submissions can invalidate exactly the affected entries.
// Entries expire on their own; invalidation just shortens the window.
type PayloadCache interface {
	// Get returns the cached payload and true, or nil and false.
	Get(key string) ([]byte, bool)
	Set(key string, ownerIDs []string, payload []byte, ttl time.Duration) error
	// InvalidateOwners drops every entry tagged with any of the owners.
	InvalidateOwners(ownerIDs []string) error
	Delete(key string) error
}

// RedisPayloadCache backs PayloadCache with Redis. Each cache key holds the
// payload bytes; a per-owner set tracks which keys mention that owner.
type RedisPayloadCache struct {
	client *redis.Client
	prefix string
}

func NewRedisPayloadCache(client *redis.Client, prefix string) *RedisPayloadCache {
	if prefix == "" {
		prefix = "casesync"
	}
	return &RedisPayloadCache{client: client, prefix: prefix}
}

func (c *RedisPayloadCache) payloadKey(key string) string {
	return c.prefix + ":payload:" + key
}

func (c *RedisPayloadCache) ownerKey(ownerID string) string {
	return c.prefix + ":owner:" + ownerID
}

func (c *RedisPayloadCache) Get(key string) ([]byte, bool) {
	b, err := c.client.Get(c.payloadKey(key)).Bytes()
	if err != nil {
		return nil, false
	}
	return b, true
}

func (c *RedisPayloadCache) Set(key string, ownerIDs []string, payload []byte, ttl time.Duration) error {
	if err := c.client.Set(c.payloadKey(key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("cache payload %s: %w", key, err)
	}
	for _, ownerID := range ownerIDs {
		ok := c.ownerKey(ownerID)
		if err := c.client.SAdd(ok, key).Err(); err != nil {
			return fmt.Errorf("index payload %s under owner %s: %w", key, ownerID, err)
		}
		// owner sets outlive their newest member slightly; stale members
		// are harmless on invalidation
		if err := c.client.Expire(ok, ttl+time.Hour).Err(); err != nil {
			return fmt.Errorf("expire owner index %s: %w", ownerID, err)
		}
	}
	return nil
}

func (c *RedisPayloadCache) InvalidateOwners(ownerIDs []string) error {
	for _, ownerID := range ownerIDs {
		ok := c.ownerKey(ownerID)
		keys, err := c.client.SMembers(ok).Result()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("list payloads for owner %s: %w", ownerID, err)
		}
		for _, key := range keys {
			if err := c.client.Del(c.payloadKey(key)).Err(); err != nil {
				return fmt.Errorf("invalidate payload %s: %w", key, err)
			}
		}
		if err := c.client.Del(ok).Err(); err != nil {
			return fmt.Errorf("drop owner index %s: %w", ownerID, err)
		}
	}
	return nil
}

func (c *RedisPayloadCache) Delete(key string) error {
	return c.client.Del(c.payloadKey(key)).Err()
}

type memCacheEntry struct {
	payload   []byte
	owners    []string
	expiresAt time.Time
}

// MemoryPayloadCache is a map-backed PayloadCache for tests and single-node
// deployments.
type MemoryPayloadCache struct {
	mu      sync.RWMutex
	entries map[string]*memCacheEntry
	byOwner map[string]IDSet
	now     func() time.Time
}

func NewMemoryPayloadCache() *MemoryPayloadCache {
	return &MemoryPayloadCache{
		entries: make(map[string]*memCacheEntry),
		byOwner: make(map[string]IDSet),
		now:     time.Now,
	}
}

func (c *MemoryPayloadCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.expiresAt) {
		return nil, false
	}
	return e.payload, true
}

func (c *MemoryPayloadCache) Set(key string, ownerIDs []string, payload []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
	c.entries[key] = &memCacheEntry{
		payload:   append([]byte(nil), payload...),
		owners:    append([]string(nil), ownerIDs...),
		expiresAt: c.now().Add(ttl),
	}
	for _, ownerID := range ownerIDs {
		set, ok := c.byOwner[ownerID]
		if !ok {
			set = NewIDSet()
			c.byOwner[ownerID] = set
		}
		set.Add(key)
	}
	return nil
}

func (c *MemoryPayloadCache) InvalidateOwners(ownerIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ownerID := range ownerIDs {
		for key := range c.byOwner[ownerID] {
			c.removeLocked(key)
		}
		delete(c.byOwner, ownerID)
	}
	return nil
}

func (c *MemoryPayloadCache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
	return nil
}

func (c *MemoryPayloadCache) removeLocked(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	for _, ownerID := range e.owners {
		if set, ok := c.byOwner[ownerID]; ok {
			set.Remove(key)
			if len(set) == 0 {
				delete(c.byOwner, ownerID)
			}
		}
	}
}
