// Package cache はIdPプロフィールの短期キャッシュを提供する。
// キーはアクセストークンのハッシュで、生のトークンは保存しない。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/botpanel/internal/model"
)

const defaultProfileKeyPrefix = "profile:"

// cachedProfile はキャッシュに保存するプロフィールのJSON形式。
type cachedProfile struct {
	ExternalID  string `json:"external_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// RedisProfileCache はRedisを使用したプロフィールキャッシュ。
type RedisProfileCache struct {
	client *redis.Client
	prefix string
}

// NewRedisProfileCache はRedisProfileCacheを生成する。prefixが空の場合は"profile:"を使用する。
func NewRedisProfileCache(client *redis.Client, prefix string) *RedisProfileCache {
	if prefix == "" {
		prefix = defaultProfileKeyPrefix
	}
	return &RedisProfileCache{client: client, prefix: prefix}
}

// Get はキャッシュされたプロフィールを返す。存在しない場合はnilを返す。
func (c *RedisProfileCache) Get(ctx context.Context, key string) (*model.ExternalIdentity, error) {
	b, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cached profile: %w", err)
	}

	var p cachedProfile
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("failed to decode cached profile: %w", err)
	}
	return &model.ExternalIdentity{
		ExternalID:  p.ExternalID,
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
	}, nil
}

// Set はプロフィールをTTL付きで保存する。
func (c *RedisProfileCache) Set(ctx context.Context, key string, identity *model.ExternalIdentity, ttl time.Duration) error {
	b, err := json.Marshal(cachedProfile{
		ExternalID:  identity.ExternalID,
		DisplayName: identity.DisplayName,
		AvatarURL:   identity.AvatarURL,
	})
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, b, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache profile: %w", err)
	}
	return nil
}

// memorySweepInterval は期限切れエントリを一括削除する最短間隔。
const memorySweepInterval = time.Minute

type memoryEntry struct {
	identity  model.ExternalIdentity
	expiresAt time.Time
}

// MemoryProfileCache はプロセス内のプロフィールキャッシュ。
// キーはトークンの更新ごとに変わり再読込されないことが多いため、
// 期限切れエントリはGet時に加えてSet時の定期スイープでも削除する。
type MemoryProfileCache struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	now       func() time.Time
	nextSweep time.Time
}

// NewMemoryProfileCache はMemoryProfileCacheを生成する。nowがnilの場合はtime.Nowを使用する。
func NewMemoryProfileCache(now func() time.Time) *MemoryProfileCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryProfileCache{
		entries: make(map[string]memoryEntry),
		now:     now,
	}
}

// Get はキャッシュされたプロフィールを返す。存在しないか期限切れの場合はnilを返す。
func (c *MemoryProfileCache) Get(_ context.Context, key string) (*model.ExternalIdentity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return nil, nil
	}
	identity := entry.identity
	return &identity, nil
}

// Set はプロフィールをTTL付きで保存する。
func (c *MemoryProfileCache) Set(_ context.Context, key string, identity *model.ExternalIdentity, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !now.Before(c.nextSweep) {
		c.sweep(now)
		c.nextSweep = now.Add(memorySweepInterval)
	}
	c.entries[key] = memoryEntry{identity: *identity, expiresAt: now.Add(ttl)}
	return nil
}

// Len は保持しているエントリ数を返す（期限切れで未削除のものを含む）。
func (c *MemoryProfileCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// sweep は期限切れエントリを削除する。c.muを保持して呼び出すこと。
func (c *MemoryProfileCache) sweep(now time.Time) {
	for key, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}
