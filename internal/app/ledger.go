/**
 * @description
 * This file contains the ledger use cases of the egg-service. `LedgerService` composes the
 * repository primitives into the operations exposed to chat and to the management API:
 * lookups, rewards, pools, donations, administrative adjustments and merges.
 *
 * Key features:
 * - Every call is bounded by the configured ledger timeout. A timed-out call is rolled
 *   back by the repository transaction, never partially applied.
 * - Audit records are built here (id, kind, actor, timestamp) and persisted by the
 *   repository in the same unit of work as the balance change.
 * - Inputs are validated before any storage access.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For audit record ids.
 * - internal/domain, internal/store: For domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/maddeth/boozie-bot-sub000/internal/domain"
	"github.com/maddeth/boozie-bot-sub000/internal/store"
)

var (
	ErrInvalidAmount   = errors.New("amount must be a positive whole number")
	ErrSelfMerge       = fmt.Errorf("cannot merge an account into itself: %w", store.ErrConflict)
	ErrInvalidAccount  = errors.New("account reference is empty or not a personal account")
	ErrInvalidPoolName = errors.New("pool name must be 1-64 characters")
)

const maxPoolNameLength = 64

// LedgerOptions tunes a LedgerService.
type LedgerOptions struct {
	Timeout        time.Duration
	RepointHistory bool
}

// LedgerService coordinates balance movements.
type LedgerService struct {
	repo           store.LedgerRepository
	timeout        time.Duration
	repointHistory bool
	now            func() time.Time
}

// NewLedgerService creates a new ledger coordinator.
func NewLedgerService(repo store.LedgerRepository, opts LedgerOptions) *LedgerService {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &LedgerService{
		repo:           repo,
		timeout:        timeout,
		repointHistory: opts.RepointHistory,
		now:            time.Now,
	}
}

func (s *LedgerService) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *LedgerService) newRecord(kind domain.TransactionKind, source, target string, amount int64, actor, reason string) domain.LedgerTransaction {
	return domain.LedgerTransaction{
		ID:        uuid.New(),
		Source:    source,
		Target:    target,
		Amount:    amount,
		Kind:      kind,
		Actor:     strings.TrimSpace(actor),
		Reason:    strings.TrimSpace(reason),
		CreatedAt: s.now().UTC(),
	}
}

// Lookup resolves a reference to its account.
func (s *LedgerService) Lookup(ctx context.Context, ref domain.AccountRef) (*domain.Account, error) {
	if ref.IsZero() {
		return nil, ErrInvalidAccount
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.repo.FindAccount(ctx, ref)
}

// Register explicitly creates an account with a zero balance. Registering an existing
// account only refreshes its display name.
func (s *LedgerService) Register(ctx context.Context, ref domain.AccountRef) (*domain.Account, error) {
	key := ref.Key()
	if key == "" || domain.IsPoolKey(key) {
		return nil, ErrInvalidAccount
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	account, err := s.repo.RegisterAccount(ctx, key, strings.TrimSpace(ref.ExternalID), strings.TrimSpace(ref.DisplayName))
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=ledger msg=\"account registered\" account=%s", account.Key)
	return account, nil
}

// Reward credits eggs earned in chat. Rewards are not transfers and leave no audit row.
func (s *LedgerService) Reward(ctx context.Context, ref domain.AccountRef, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	key := ref.Key()
	if key == "" || domain.IsPoolKey(key) {
		return 0, ErrInvalidAccount
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	// Credit a legacy name-keyed row when the chatter has no stable account yet.
	if existing, err := s.repo.FindAccount(ctx, ref); err == nil {
		key = existing.Key
	} else if !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}

	externalID := ""
	if key == strings.TrimSpace(ref.ExternalID) {
		externalID = key
	}
	return s.repo.CreditOrCreate(ctx, key, externalID, strings.TrimSpace(ref.DisplayName), amount)
}

// Charge debits an exact account key. Used by the command executor for costs.
func (s *LedgerService) Charge(ctx context.Context, accountKey string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.repo.Debit(ctx, accountKey, amount)
}

// Leaderboard returns the top accounts.
func (s *LedgerService) Leaderboard(ctx context.Context, limit int, order domain.LeaderboardOrder) ([]domain.Account, error) {
	if order != domain.OrderByName {
		order = domain.OrderByBalance
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.repo.Leaderboard(ctx, limit, order)
}

// Stats summarizes all balances.
func (s *LedgerService) Stats(ctx context.Context) (*domain.LedgerStats, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.repo.Stats(ctx)
}

// Rank returns the leaderboard position of an account key.
func (s *LedgerService) Rank(ctx context.Context, accountKey string) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.repo.Rank(ctx, accountKey)
}

// History lists recent ledger records for an account or pool key.
func (s *LedgerService) History(ctx context.Context, key string, limit int) ([]domain.LedgerTransaction, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.repo.ListTransactions(ctx, key, limit)
}

func poolKeyFor(name string) (string, error) {
	normalized := domain.NormalizeName(name)
	if normalized == "" || utf8.RuneCountInString(normalized) > maxPoolNameLength {
		return "", ErrInvalidPoolName
	}
	return domain.PoolKey(normalized), nil
}

// CreatePool creates a new, empty, active pool.
func (s *LedgerService) CreatePool(ctx context.Context, name, owner string) (*domain.Pool, error) {
	key, err := poolKeyFor(name)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	pool, err := s.repo.CreatePool(ctx, &domain.Pool{
		Key:   key,
		Name:  strings.TrimSpace(name),
		Owner: strings.TrimSpace(owner),
	})
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=ledger msg=\"pool created\" pool=%s owner=%s", pool.Key, pool.Owner)
	return pool, nil
}

// GetPool returns a pool by name.
func (s *LedgerService) GetPool(ctx context.Context, name string) (*domain.Pool, error) {
	key, err := poolKeyFor(name)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.repo.FindPool(ctx, key)
}

// ListPools returns pools, optionally including deactivated ones.
func (s *LedgerService) ListPools(ctx context.Context, includeInactive bool) ([]domain.Pool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.repo.ListPools(ctx, includeInactive)
}

// DeactivatePool closes a pool to new donations.
func (s *LedgerService) DeactivatePool(ctx context.Context, name string) error {
	key, err := poolKeyFor(name)
	if err != nil {
		return err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.repo.DeactivatePool(ctx, key); err != nil {
		return err
	}
	log.Printf("level=info component=ledger msg=\"pool deactivated\" pool=%s", key)
	return nil
}

// Donate moves eggs from a donor into an active pool. Returns the new pool total.
func (s *LedgerService) Donate(ctx context.Context, poolName string, donor domain.AccountRef, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	poolKey, err := poolKeyFor(poolName)
	if err != nil {
		return 0, err
	}
	if donor.IsZero() {
		return 0, ErrInvalidAccount
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	account, err := s.repo.FindAccount(ctx, donor)
	if err != nil {
		return 0, err
	}

	record := s.newRecord(domain.KindDonation, account.Key, poolKey, amount, account.Key, reason)
	total, err := s.repo.DonateAtomic(ctx, record)
	if err != nil {
		return 0, err
	}
	log.Printf("level=info component=ledger msg=\"donation applied\" pool=%s donor=%s amount=%d pool_total=%d", poolKey, account.Key, amount, total)
	return total, nil
}

// AdjustRequest is an administrative signed adjustment. Key may name a pool (pool: prefix)
// or an account; for accounts the external id and display name let a positive adjustment
// create the account.
type AdjustRequest struct {
	Key         string
	ExternalID  string
	DisplayName string
	Amount      int64
	Actor       string
	Reason      string
}

// AdminAdjust applies a signed amount to a pool or account and records it. Adjustments
// that would drive a balance negative are rejected regardless of who asks.
func (s *LedgerService) AdminAdjust(ctx context.Context, req AdjustRequest) (int64, error) {
	if req.Amount == 0 {
		return 0, ErrInvalidAmount
	}
	key := strings.TrimSpace(req.Key)
	if key == "" {
		key = domain.AccountRef{ExternalID: req.ExternalID, DisplayName: req.DisplayName}.Key()
	}
	if key == "" {
		return 0, ErrInvalidAccount
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	record := s.adjustRecord(key, req)

	var (
		balance int64
		err     error
	)
	if domain.IsPoolKey(key) {
		balance, err = s.repo.AdjustPoolAtomic(ctx, key, req.Amount, record)
	} else {
		externalID := strings.TrimSpace(req.ExternalID)
		if existing, findErr := s.repo.FindAccount(ctx, domain.AccountRef{ExternalID: key, DisplayName: req.DisplayName}); findErr == nil {
			key = existing.Key
			record = s.adjustRecord(key, req)
		} else if !errors.Is(findErr, store.ErrNotFound) {
			return 0, findErr
		}
		if externalID != key {
			externalID = ""
		}
		balance, err = s.repo.AdjustAccountAtomic(ctx, key, externalID, strings.TrimSpace(req.DisplayName), req.Amount, record)
	}
	if err != nil {
		return 0, err
	}

	log.Printf("level=info component=ledger msg=\"admin adjustment applied\" key=%s amount=%d actor=%s balance=%d", key, req.Amount, record.Actor, balance)
	return balance, nil
}

func (s *LedgerService) adjustRecord(key string, req AdjustRequest) domain.LedgerTransaction {
	if req.Amount > 0 {
		return s.newRecord(domain.KindAdminAdd, req.Actor, key, req.Amount, req.Actor, req.Reason)
	}
	return s.newRecord(domain.KindAdminRemove, key, req.Actor, -req.Amount, req.Actor, req.Reason)
}

// MergeRequest folds Source into Target.
type MergeRequest struct {
	Source       domain.AccountRef
	Target       domain.AccountRef
	Actor        string
	Reason       string
	DeleteSource bool
}

func (s *LedgerService) mergeKeys(ctx context.Context, source, target domain.AccountRef) (string, string, error) {
	if source.IsZero() || target.IsZero() {
		return "", "", ErrInvalidAccount
	}
	sourceAccount, err := s.repo.FindAccount(ctx, source)
	if err != nil {
		return "", "", err
	}
	targetKey := target.Key()
	if strings.TrimSpace(target.ExternalID) == "" {
		// A name-only target resolves to the account that name currently belongs to.
		existing, err := s.repo.FindAccount(ctx, target)
		switch {
		case err == nil:
			targetKey = existing.Key
		case !errors.Is(err, store.ErrNotFound):
			return "", "", err
		}
	}
	if domain.IsPoolKey(sourceAccount.Key) || domain.IsPoolKey(targetKey) {
		return "", "", ErrInvalidAccount
	}
	if sourceAccount.Key == targetKey {
		return "", "", ErrSelfMerge
	}
	return sourceAccount.Key, targetKey, nil
}

// PreviewMerge reports the balances a merge would produce without changing anything.
func (s *LedgerService) PreviewMerge(ctx context.Context, source, target domain.AccountRef) (*domain.MergePreview, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	sourceKey, targetKey, err := s.mergeKeys(ctx, source, target)
	if err != nil {
		return nil, err
	}
	return s.repo.PreviewMerge(ctx, sourceKey, targetKey)
}

// Merge moves the whole source balance into the target in one transaction. The source
// is zeroed, or removed when DeleteSource is set. A zero balance still merges and is
// recorded with amount 0.
func (s *LedgerService) Merge(ctx context.Context, req MergeRequest) (*domain.MergeResult, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	sourceKey, targetKey, err := s.mergeKeys(ctx, req.Source, req.Target)
	if err != nil {
		return nil, err
	}

	targetExternalID := strings.TrimSpace(req.Target.ExternalID)
	if targetExternalID != targetKey {
		targetExternalID = ""
	}

	result, err := s.repo.MergeAtomic(ctx, store.MergeParams{
		SourceKey:        sourceKey,
		TargetKey:        targetKey,
		TargetExternalID: targetExternalID,
		TargetName:       strings.TrimSpace(req.Target.DisplayName),
		DeleteSource:     req.DeleteSource,
		RepointHistory:   s.repointHistory,
		Record:           s.newRecord(domain.KindMerge, sourceKey, targetKey, 0, req.Actor, req.Reason),
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=ledger msg=\"accounts merged\" source=%s target=%s moved=%d deleted=%t repointed=%d",
		result.SourceKey, result.TargetKey, result.Moved, result.SourceDeleted, result.Repointed)
	return result, nil
}
