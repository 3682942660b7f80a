// Package cache backs the permission resolver and reference sequencer
// with Redis.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pesaloop/pesaloop-backend/internal/domain"
)

func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// PermissionCache stores resolved permission sets as JSON arrays under
// a per-user key.
type PermissionCache struct {
	client *redis.Client
}

func NewPermissionCache(client *redis.Client) *PermissionCache {
	return &PermissionCache{client: client}
}

func permissionKey(userID uuid.UUID) string {
	return "rbac:permissions:" + userID.String()
}

func (c *PermissionCache) Get(ctx context.Context, userID uuid.UUID) ([]string, error) {
	raw, err := c.client.Get(ctx, permissionKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("PermissionCache.Get: %w", err)
	}

	var permissions []string
	if err := json.Unmarshal(raw, &permissions); err != nil {
		return nil, fmt.Errorf("PermissionCache.Get: %w", err)
	}
	return permissions, nil
}

func (c *PermissionCache) Set(ctx context.Context, userID uuid.UUID, permissions []string, ttl time.Duration) error {
	raw, err := json.Marshal(permissions)
	if err != nil {
		return fmt.Errorf("PermissionCache.Set: %w", err)
	}
	if err := c.client.Set(ctx, permissionKey(userID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("PermissionCache.Set: %w", err)
	}
	return nil
}

func (c *PermissionCache) Invalidate(ctx context.Context, userID uuid.UUID) error {
	if err := c.client.Del(ctx, permissionKey(userID)).Err(); err != nil {
		return fmt.Errorf("PermissionCache.Invalidate: %w", err)
	}
	return nil
}

// Sequencer exposes Redis counters to the reference generator.
type Sequencer struct {
	client *redis.Client
}

func NewSequencer(client *redis.Client) *Sequencer {
	return &Sequencer{client: client}
}

func (s *Sequencer) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("Sequencer.Incr: %w", err)
	}
	return n, nil
}

func (s *Sequencer) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("Sequencer.Expire: %w", err)
	}
	return nil
}
