/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the egg-service. Two implementations exist:
 * PostgreSQL (pgx) for production and embedded SQLite for single-node installs and tests.
 *
 * Every balance mutation is a single atomic statement or runs inside one database
 * transaction; callers never read a balance and write it back.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/google/uuid: For command identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/maddeth/boozie-bot-sub000/internal/domain"
)

var (
	// ErrNotFound is the umbrella for every "row does not exist" outcome.
	ErrNotFound = errors.New("not found")
	// ErrConflict is the umbrella for duplicate or self-referencing requests.
	ErrConflict = errors.New("conflict")

	ErrAccountNotFound    = fmt.Errorf("account %w", ErrNotFound)
	ErrPoolNotFound       = fmt.Errorf("pool %w", ErrNotFound)
	ErrCommandNotFound    = fmt.Errorf("command %w", ErrNotFound)
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrDuplicateAccount   = fmt.Errorf("duplicate account: %w", ErrConflict)
	ErrPoolExists         = fmt.Errorf("pool already exists: %w", ErrConflict)
	ErrCommandExists      = fmt.Errorf("command trigger already exists: %w", ErrConflict)
	ErrPoolInactive       = errors.New("pool is not active")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// unavailable tags an unexpected driver error as a transient storage failure.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// LedgerRepository holds balances, pools and the transaction log.
type LedgerRepository interface {
	// Account methods
	FindAccount(ctx context.Context, ref domain.AccountRef) (*domain.Account, error)
	GetBalance(ctx context.Context, accountKey string) (int64, error)
	RegisterAccount(ctx context.Context, accountKey, externalID, displayName string) (*domain.Account, error)
	CreditOrCreate(ctx context.Context, accountKey, externalID, displayName string, amount int64) (int64, error)
	Debit(ctx context.Context, accountKey string, amount int64) (int64, error)
	Leaderboard(ctx context.Context, limit int, order domain.LeaderboardOrder) ([]domain.Account, error)
	Stats(ctx context.Context) (*domain.LedgerStats, error)
	Rank(ctx context.Context, accountKey string) (int64, error)

	// Pool methods
	CreatePool(ctx context.Context, pool *domain.Pool) (*domain.Pool, error)
	FindPool(ctx context.Context, poolKey string) (*domain.Pool, error)
	ListPools(ctx context.Context, includeInactive bool) ([]domain.Pool, error)
	DeactivatePool(ctx context.Context, poolKey string) error

	// Multi-step movements. Each runs in one database transaction together with
	// the insert of its audit record.
	DonateAtomic(ctx context.Context, record domain.LedgerTransaction) (int64, error)
	AdjustAccountAtomic(ctx context.Context, accountKey, externalID, displayName string, delta int64, record domain.LedgerTransaction) (int64, error)
	AdjustPoolAtomic(ctx context.Context, poolKey string, delta int64, record domain.LedgerTransaction) (int64, error)
	MergeAtomic(ctx context.Context, params MergeParams) (*domain.MergeResult, error)
	PreviewMerge(ctx context.Context, sourceKey, targetKey string) (*domain.MergePreview, error)

	// Transaction history methods
	ListTransactions(ctx context.Context, key string, limit int) ([]domain.LedgerTransaction, error)
	ListTransactionsBetween(ctx context.Context, from, to time.Time) ([]domain.LedgerTransaction, error)
}

// CommandRepository is the durable command table the command index projects from.
type CommandRepository interface {
	ListCommands(ctx context.Context, enabledOnly bool) ([]domain.Command, error)
	FindCommandByID(ctx context.Context, id uuid.UUID) (*domain.Command, error)
	CreateCommand(ctx context.Context, cmd *domain.Command) (*domain.Command, error)
	UpdateCommand(ctx context.Context, cmd *domain.Command) (*domain.Command, error)
	DeleteCommand(ctx context.Context, id uuid.UUID) error
	IncrementCommandUsage(ctx context.Context, id uuid.UUID) (int64, error)
}

// Repository is implemented by each storage driver.
type Repository interface {
	LedgerRepository
	CommandRepository
	Migrate(ctx context.Context) error
	Close()
}

// MergeParams describes an account merge. The record's Amount is filled in by the
// repository with the balance read under lock.
type MergeParams struct {
	SourceKey        string
	TargetKey        string
	TargetExternalID string
	TargetName       string
	DeleteSource     bool
	RepointHistory   bool
	Record           domain.LedgerTransaction
}

func clampLimit(limit, fallback, max int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > max {
		return max
	}
	return limit
}
