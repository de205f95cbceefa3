/**
 * @description
 * This file defines the ledger domain models for the egg-service: accounts, pools,
 * the append-only transaction log, and the read models used by leaderboards and
 * merge previews.
 *
 * @notes
 * - Balances are whole eggs stored as `int64` and must never go below zero.
 * - Pool keys live in their own namespace (`pool:` prefix) so they can never collide
 *   with a personal account key.
 */

package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// PoolKeyPrefix namespaces shared pool keys away from personal account keys.
const PoolKeyPrefix = "pool:"

// TransactionKind classifies a balance movement recorded in the ledger log.
type TransactionKind string

const (
	KindDonation    TransactionKind = "donation"
	KindAdminAdd    TransactionKind = "admin_add"
	KindAdminRemove TransactionKind = "admin_remove"
	KindMerge       TransactionKind = "merge"
)

// Account represents one identity that can hold eggs.
// This struct maps directly to the `accounts` table.
type Account struct {
	Key         string    `json:"account_key"`
	ExternalID  *string   `json:"external_id,omitempty"`
	DisplayName string    `json:"display_name"`
	Balance     int64     `json:"balance"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AccountRef is how callers name an account before it has been resolved to a key.
// ExternalID is the platform's durable user id; DisplayName is the fallback.
type AccountRef struct {
	ExternalID  string `json:"id"`
	DisplayName string `json:"name"`
}

// Key returns the storage key for the reference: the external id when known,
// otherwise the normalized display name.
func (r AccountRef) Key() string {
	if id := strings.TrimSpace(r.ExternalID); id != "" {
		return id
	}
	return NormalizeName(r.DisplayName)
}

// NameKey returns the normalized display name for legacy lookups.
func (r AccountRef) NameKey() string {
	return NormalizeName(r.DisplayName)
}

// IsZero reports whether the reference carries no identity at all.
func (r AccountRef) IsZero() bool {
	return r.Key() == ""
}

// NormalizeName lowercases and trims a display name and strips a leading '@'.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimPrefix(name, "@")
	return strings.ToLower(strings.TrimSpace(name))
}

// PoolKey derives the namespaced key for a pool name.
func PoolKey(name string) string {
	normalized := NormalizeName(name)
	if normalized == "" {
		return ""
	}
	return PoolKeyPrefix + normalized
}

// IsPoolKey reports whether the key addresses a pool rather than an account.
func IsPoolKey(key string) bool {
	return strings.HasPrefix(key, PoolKeyPrefix)
}

// Pool is a shared, named balance fed by donations.
type Pool struct {
	Key       string    `json:"pool_key"`
	Name      string    `json:"name"`
	Balance   int64     `json:"balance"`
	Owner     string    `json:"owner"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerTransaction is one append-only audit row for a movement between two parties.
type LedgerTransaction struct {
	ID        uuid.UUID       `json:"id"`
	Source    string          `json:"source"`
	Target    string          `json:"target"`
	Amount    int64           `json:"amount"`
	Kind      TransactionKind `json:"kind"`
	Actor     string          `json:"actor"`
	Reason    string          `json:"reason"`
	CreatedAt time.Time       `json:"created_at"`
}

// LeaderboardOrder selects the sort column for leaderboard queries.
type LeaderboardOrder string

const (
	OrderByBalance LeaderboardOrder = "balance"
	OrderByName    LeaderboardOrder = "name"
)

// LedgerStats summarizes all personal account balances.
type LedgerStats struct {
	Count   int64   `json:"count"`
	Total   int64   `json:"total"`
	Average float64 `json:"average"`
	Max     int64   `json:"max"`
}

// MergePreview shows the balances a merge would produce without applying it.
type MergePreview struct {
	SourceKey     string `json:"source_key"`
	TargetKey     string `json:"target_key"`
	SourceBalance int64  `json:"source_balance"`
	TargetBalance int64  `json:"target_balance"`
	TargetExists  bool   `json:"target_exists"`
	TargetAfter   int64  `json:"target_after"`
	SourceAfter   int64  `json:"source_after"`
}

// MergeResult is returned once a merge has committed.
type MergeResult struct {
	SourceKey     string            `json:"source_key"`
	TargetKey     string            `json:"target_key"`
	Moved         int64             `json:"moved"`
	TargetBalance int64             `json:"target_balance"`
	SourceDeleted bool              `json:"source_deleted"`
	Repointed     int64             `json:"repointed"`
	Record        LedgerTransaction `json:"record"`
}
