package app

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CooldownStore reserves per-actor, per-command reuse windows.
type CooldownStore interface {
	// Acquire reserves the window starting at now. It reports false when the actor is
	// still inside a previous window for the command.
	Acquire(ctx context.Context, commandID uuid.UUID, actor string, window time.Duration, now time.Time) (bool, error)
	// Release drops a reservation taken by Acquire, e.g. when a later gate fails.
	Release(ctx context.Context, commandID uuid.UUID, actor string) error
}

const cooldownShards = 32

type cooldownKey struct {
	command uuid.UUID
	actor   string
}

type cooldownShard struct {
	mu      sync.Mutex
	expires map[cooldownKey]time.Time
}

// MemoryCooldownStore keeps cooldowns in process. Entries are spread over shards with
// their own locks so that chat workers only contend on the same key range.
type MemoryCooldownStore struct {
	shards [cooldownShards]*cooldownShard
}

// NewMemoryCooldownStore creates an empty in-memory cooldown store.
func NewMemoryCooldownStore() *MemoryCooldownStore {
	s := &MemoryCooldownStore{}
	for i := range s.shards {
		s.shards[i] = &cooldownShard{expires: make(map[cooldownKey]time.Time)}
	}
	return s
}

func (s *MemoryCooldownStore) shard(key cooldownKey) *cooldownShard {
	h := fnv.New32a()
	h.Write(key.command[:])
	h.Write([]byte(key.actor))
	return s.shards[h.Sum32()%cooldownShards]
}

func (s *MemoryCooldownStore) Acquire(_ context.Context, commandID uuid.UUID, actor string, window time.Duration, now time.Time) (bool, error) {
	if window <= 0 {
		return true, nil
	}
	key := cooldownKey{command: commandID, actor: actor}
	shard := s.shard(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if until, ok := shard.expires[key]; ok && now.Before(until) {
		return false, nil
	}
	shard.expires[key] = now.Add(window)
	return true, nil
}

func (s *MemoryCooldownStore) Release(_ context.Context, commandID uuid.UUID, actor string) error {
	key := cooldownKey{command: commandID, actor: actor}
	shard := s.shard(key)

	shard.mu.Lock()
	delete(shard.expires, key)
	shard.mu.Unlock()
	return nil
}

// Prune removes expired entries and returns how many were dropped.
func (s *MemoryCooldownStore) Prune(now time.Time) int {
	removed := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		for key, until := range shard.expires {
			if !now.Before(until) {
				delete(shard.expires, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked entries, expired or not.
func (s *MemoryCooldownStore) Len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		total += len(shard.expires)
		shard.mu.Unlock()
	}
	return total
}
