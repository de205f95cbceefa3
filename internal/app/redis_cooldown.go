package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisCooldownStore shares cooldowns across replicas. Each reservation is a key with a
// TTL equal to the window; Redis expiry does the pruning.
type RedisCooldownStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCooldownStore(client redis.UniversalClient, prefix string) *RedisCooldownStore {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "eggs:cooldown"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisCooldownStore{
		client: client,
		prefix: trimmedPrefix,
	}
}

func (r *RedisCooldownStore) key(commandID uuid.UUID, actor string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, commandID, strings.TrimSpace(actor))
}

func (r *RedisCooldownStore) Acquire(ctx context.Context, commandID uuid.UUID, actor string, window time.Duration, now time.Time) (bool, error) {
	if window <= 0 {
		return true, nil
	}
	if window < time.Millisecond {
		window = time.Millisecond
	}
	ok, err := r.client.SetNX(ctx, r.key(commandID, actor), now.UnixMilli(), window).Result()
	if err != nil {
		return false, fmt.Errorf("cooldown acquire: %w", err)
	}
	return ok, nil
}

func (r *RedisCooldownStore) Release(ctx context.Context, commandID uuid.UUID, actor string) error {
	if err := r.client.Del(ctx, r.key(commandID, actor)).Err(); err != nil {
		return fmt.Errorf("cooldown release: %w", err)
	}
	return nil
}
