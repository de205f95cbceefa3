/**
 * @description
 * This file provides the PostgreSQL implementation of the ledger half of the `Repository`
 * interface. Balance arithmetic is always expressed in SQL (`balance = balance + $n`),
 * guarded by `WHERE balance >= $n` or the table's CHECK constraint, so concurrent
 * writers can never lose an update or drive a balance negative.
 *
 * @dependencies
 * - context, errors, fmt, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/maddeth/boozie-bot-sub000/internal/domain"
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// pgQuerier is satisfied by both the pool and an open transaction.
type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements(postgresSchema) {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return unavailable("migrate", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	r.db.Close()
}

// FindAccount resolves a reference to an account. A stable-id match wins. When the ref
// carries a stable id, the name fallback only reaches legacy rows without one, so an
// unknown id never lands on another chatter's account. A name-only ref prefers a
// stable account over a legacy name-keyed row.
func (r *PostgresRepository) FindAccount(ctx context.Context, ref domain.AccountRef) (*domain.Account, error) {
	query := `
		SELECT account_key, external_id, display_name, balance, created_at, updated_at
		FROM accounts
		WHERE ($1::text <> '' AND (account_key = $1 OR external_id = $1))
		   OR ($2::text <> '' AND ($1::text = '' OR external_id IS NULL) AND (name_key = $2 OR account_key = $2))
		ORDER BY
			CASE
				WHEN $1::text <> '' AND (account_key = $1 OR external_id = $1) THEN 0
				WHEN external_id IS NOT NULL THEN 1
				ELSE 2
			END,
			updated_at DESC
		LIMIT 1
	`
	var account domain.Account
	err := r.db.QueryRow(ctx, query, strings.TrimSpace(ref.ExternalID), ref.NameKey()).Scan(
		&account.Key,
		&account.ExternalID,
		&account.DisplayName,
		&account.Balance,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, unavailable("find account", err)
	}
	return &account, nil
}

// GetBalance returns the balance stored under an exact account key.
func (r *PostgresRepository) GetBalance(ctx context.Context, accountKey string) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx, `SELECT balance FROM accounts WHERE account_key = $1`, accountKey).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, unavailable("get balance", err)
	}
	return balance, nil
}

// RegisterAccount creates an empty account or refreshes the display name of an existing one.
func (r *PostgresRepository) RegisterAccount(ctx context.Context, accountKey, externalID, displayName string) (*domain.Account, error) {
	query := `
		INSERT INTO accounts (account_key, external_id, display_name, name_key, balance)
		VALUES ($1, NULLIF($2, ''), $3, $4, 0)
		ON CONFLICT (account_key) DO UPDATE
		SET display_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name ELSE accounts.display_name END,
		    name_key = CASE WHEN EXCLUDED.name_key <> '' THEN EXCLUDED.name_key ELSE accounts.name_key END,
		    updated_at = NOW()
		RETURNING account_key, external_id, display_name, balance, created_at, updated_at
	`
	var account domain.Account
	err := r.db.QueryRow(ctx, query, accountKey, externalID, displayName, domain.NormalizeName(displayName)).Scan(
		&account.Key,
		&account.ExternalID,
		&account.DisplayName,
		&account.Balance,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if pgErrorCode(err) == pgUniqueViolation {
			return nil, ErrDuplicateAccount
		}
		return nil, unavailable("register account", err)
	}
	return &account, nil
}

// CreditOrCreate applies a signed amount in one upsert. A missing account is created
// with max(0, amount); an existing one is adjusted in place. A negative amount larger
// than the balance trips the CHECK constraint and is reported as insufficient funds.
func (r *PostgresRepository) CreditOrCreate(ctx context.Context, accountKey, externalID, displayName string, amount int64) (int64, error) {
	return r.creditOrCreate(ctx, r.db, accountKey, externalID, displayName, amount)
}

func (r *PostgresRepository) creditOrCreate(ctx context.Context, q pgQuerier, accountKey, externalID, displayName string, amount int64) (int64, error) {
	query := `
		INSERT INTO accounts (account_key, external_id, display_name, name_key, balance)
		VALUES ($1, NULLIF($2, ''), $3, $4, GREATEST($5::bigint, 0))
		ON CONFLICT (account_key) DO UPDATE
		SET balance = accounts.balance + $5::bigint,
		    display_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name ELSE accounts.display_name END,
		    name_key = CASE WHEN EXCLUDED.name_key <> '' THEN EXCLUDED.name_key ELSE accounts.name_key END,
		    updated_at = NOW()
		RETURNING balance
	`
	var balance int64
	err := q.QueryRow(ctx, query, accountKey, externalID, displayName, domain.NormalizeName(displayName), amount).Scan(&balance)
	if err != nil {
		switch pgErrorCode(err) {
		case pgCheckViolation:
			return 0, ErrInsufficientFunds
		case pgUniqueViolation:
			return 0, ErrDuplicateAccount
		}
		return 0, unavailable("credit account", err)
	}
	return balance, nil
}

// Debit performs a guarded decrement as a single statement.
func (r *PostgresRepository) Debit(ctx context.Context, accountKey string, amount int64) (int64, error) {
	return r.debit(ctx, r.db, accountKey, amount)
}

func (r *PostgresRepository) debit(ctx context.Context, q pgQuerier, accountKey string, amount int64) (int64, error) {
	var balance int64
	err := q.QueryRow(ctx, `
		UPDATE accounts
		SET balance = balance - $2, updated_at = NOW()
		WHERE account_key = $1 AND balance >= $2
		RETURNING balance
	`, accountKey, amount).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, unavailable("debit account", err)
	}

	// Nothing was updated: tell a missing account apart from a short one.
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE account_key = $1)`, accountKey).Scan(&exists); err != nil {
		return 0, unavailable("debit account", err)
	}
	if !exists {
		return 0, ErrAccountNotFound
	}
	return 0, ErrInsufficientFunds
}

// Leaderboard lists personal accounts ordered by balance or by name.
func (r *PostgresRepository) Leaderboard(ctx context.Context, limit int, order domain.LeaderboardOrder) ([]domain.Account, error) {
	orderClause := "balance DESC, name_key ASC"
	if order == domain.OrderByName {
		orderClause = "name_key ASC, account_key ASC"
	}
	query := fmt.Sprintf(`
		SELECT account_key, external_id, display_name, balance, created_at, updated_at
		FROM accounts
		ORDER BY %s
		LIMIT $1
	`, orderClause)

	rows, err := r.db.Query(ctx, query, clampLimit(limit, 10, 100))
	if err != nil {
		return nil, unavailable("leaderboard", err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		var account domain.Account
		if err := rows.Scan(&account.Key, &account.ExternalID, &account.DisplayName, &account.Balance, &account.CreatedAt, &account.UpdatedAt); err != nil {
			return nil, unavailable("leaderboard", err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("leaderboard", err)
	}
	return accounts, nil
}

// Stats aggregates all personal balances.
func (r *PostgresRepository) Stats(ctx context.Context) (*domain.LedgerStats, error) {
	var stats domain.LedgerStats
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(balance), 0)::bigint,
		       COALESCE(AVG(balance), 0)::float8,
		       COALESCE(MAX(balance), 0)::bigint
		FROM accounts
	`).Scan(&stats.Count, &stats.Total, &stats.Average, &stats.Max)
	if err != nil {
		return nil, unavailable("stats", err)
	}
	return &stats, nil
}

// Rank returns the 1-based leaderboard position of an account; ties share a rank.
func (r *PostgresRepository) Rank(ctx context.Context, accountKey string) (int64, error) {
	balance, err := r.GetBalance(ctx, accountKey)
	if err != nil {
		return 0, err
	}
	var ahead int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM accounts WHERE balance > $1`, balance).Scan(&ahead); err != nil {
		return 0, unavailable("rank", err)
	}
	return ahead + 1, nil
}

// CreatePool inserts a new, active pool with a zero balance.
func (r *PostgresRepository) CreatePool(ctx context.Context, pool *domain.Pool) (*domain.Pool, error) {
	err := r.db.QueryRow(ctx, `
		INSERT INTO pools (pool_key, name, balance, owner, active)
		VALUES ($1, $2, 0, $3, TRUE)
		RETURNING balance, active, created_at, updated_at
	`, pool.Key, pool.Name, pool.Owner).Scan(&pool.Balance, &pool.Active, &pool.CreatedAt, &pool.UpdatedAt)
	if err != nil {
		if pgErrorCode(err) == pgUniqueViolation {
			return nil, ErrPoolExists
		}
		return nil, unavailable("create pool", err)
	}
	return pool, nil
}

// FindPool retrieves a pool by its namespaced key.
func (r *PostgresRepository) FindPool(ctx context.Context, poolKey string) (*domain.Pool, error) {
	var pool domain.Pool
	err := r.db.QueryRow(ctx, `
		SELECT pool_key, name, balance, owner, active, created_at, updated_at
		FROM pools
		WHERE pool_key = $1
	`, poolKey).Scan(&pool.Key, &pool.Name, &pool.Balance, &pool.Owner, &pool.Active, &pool.CreatedAt, &pool.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPoolNotFound
		}
		return nil, unavailable("find pool", err)
	}
	return &pool, nil
}

// ListPools returns pools ordered by balance, optionally including deactivated ones.
func (r *PostgresRepository) ListPools(ctx context.Context, includeInactive bool) ([]domain.Pool, error) {
	rows, err := r.db.Query(ctx, `
		SELECT pool_key, name, balance, owner, active, created_at, updated_at
		FROM pools
		WHERE active OR $1
		ORDER BY balance DESC, pool_key ASC
	`, includeInactive)
	if err != nil {
		return nil, unavailable("list pools", err)
	}
	defer rows.Close()

	var pools []domain.Pool
	for rows.Next() {
		var pool domain.Pool
		if err := rows.Scan(&pool.Key, &pool.Name, &pool.Balance, &pool.Owner, &pool.Active, &pool.CreatedAt, &pool.UpdatedAt); err != nil {
			return nil, unavailable("list pools", err)
		}
		pools = append(pools, pool)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list pools", err)
	}
	return pools, nil
}

// DeactivatePool stops a pool from accepting donations. The row is kept for history.
func (r *PostgresRepository) DeactivatePool(ctx context.Context, poolKey string) error {
	result, err := r.db.Exec(ctx, `UPDATE pools SET active = FALSE, updated_at = NOW() WHERE pool_key = $1`, poolKey)
	if err != nil {
		return unavailable("deactivate pool", err)
	}
	if result.RowsAffected() == 0 {
		return ErrPoolNotFound
	}
	return nil
}

// DonateAtomic moves eggs from the record's source account into its target pool and
// appends the donation record, all in one transaction. Returns the new pool total.
func (r *PostgresRepository) DonateAtomic(ctx context.Context, record domain.LedgerTransaction) (int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, unavailable("donate: begin", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the pool row and make sure it still accepts donations.
	var active bool
	err = tx.QueryRow(ctx, `SELECT active FROM pools WHERE pool_key = $1 FOR UPDATE`, record.Target).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrPoolNotFound
		}
		return 0, unavailable("donate: lock pool", err)
	}
	if !active {
		return 0, ErrPoolInactive
	}

	// 2. Guarded debit of the donor.
	if _, err := r.debit(ctx, tx, record.Source, record.Amount); err != nil {
		return 0, err
	}

	// 3. Credit the pool.
	var total int64
	err = tx.QueryRow(ctx, `
		UPDATE pools SET balance = balance + $2, updated_at = NOW()
		WHERE pool_key = $1
		RETURNING balance
	`, record.Target, record.Amount).Scan(&total)
	if err != nil {
		return 0, unavailable("donate: credit pool", err)
	}

	// 4. Append the audit record in the same unit of work.
	if err := r.insertTransaction(ctx, tx, record); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, unavailable("donate: commit", err)
	}
	return total, nil
}

// AdjustAccountAtomic applies an administrative signed adjustment to an account and
// records it. Positive adjustments create the account when it is missing.
func (r *PostgresRepository) AdjustAccountAtomic(ctx context.Context, accountKey, externalID, displayName string, delta int64, record domain.LedgerTransaction) (int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, unavailable("adjust account: begin", err)
	}
	defer tx.Rollback(ctx)

	var balance int64
	if delta >= 0 {
		balance, err = r.creditOrCreate(ctx, tx, accountKey, externalID, displayName, delta)
	} else {
		balance, err = r.debit(ctx, tx, accountKey, -delta)
	}
	if err != nil {
		return 0, err
	}

	if err := r.insertTransaction(ctx, tx, record); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, unavailable("adjust account: commit", err)
	}
	return balance, nil
}

// AdjustPoolAtomic applies an administrative signed adjustment to a pool and records it.
// Inactive pools can still be adjusted by an administrator.
func (r *PostgresRepository) AdjustPoolAtomic(ctx context.Context, poolKey string, delta int64, record domain.LedgerTransaction) (int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, unavailable("adjust pool: begin", err)
	}
	defer tx.Rollback(ctx)

	var balance int64
	err = tx.QueryRow(ctx, `
		UPDATE pools SET balance = balance + $2, updated_at = NOW()
		WHERE pool_key = $1 AND balance + $2 >= 0
		RETURNING balance
	`, poolKey, delta).Scan(&balance)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, unavailable("adjust pool", err)
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pools WHERE pool_key = $1)`, poolKey).Scan(&exists); err != nil {
			return 0, unavailable("adjust pool", err)
		}
		if !exists {
			return 0, ErrPoolNotFound
		}
		return 0, ErrInsufficientFunds
	}

	if err := r.insertTransaction(ctx, tx, record); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, unavailable("adjust pool: commit", err)
	}
	return balance, nil
}

// MergeAtomic folds the source account into the target inside one transaction.
// Both rows are locked in key order so concurrent merges cannot deadlock.
func (r *PostgresRepository) MergeAtomic(ctx context.Context, params MergeParams) (*domain.MergeResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, unavailable("merge: begin", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock both rows.
	rows, err := tx.Query(ctx, `
		SELECT account_key, balance
		FROM accounts
		WHERE account_key = $1 OR account_key = $2
		ORDER BY account_key
		FOR UPDATE
	`, params.SourceKey, params.TargetKey)
	if err != nil {
		return nil, unavailable("merge: lock accounts", err)
	}
	balances := make(map[string]int64, 2)
	for rows.Next() {
		var key string
		var balance int64
		if err := rows.Scan(&key, &balance); err != nil {
			rows.Close()
			return nil, unavailable("merge: lock accounts", err)
		}
		balances[key] = balance
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, unavailable("merge: lock accounts", err)
	}

	moved, ok := balances[params.SourceKey]
	if !ok {
		return nil, ErrAccountNotFound
	}

	// 2. Credit the target, creating it when it is the implicit target of the merge.
	targetBalance, err := r.creditOrCreate(ctx, tx, params.TargetKey, params.TargetExternalID, params.TargetName, moved)
	if err != nil {
		return nil, err
	}

	// 3. Retire the source.
	if params.DeleteSource {
		_, err = tx.Exec(ctx, `DELETE FROM accounts WHERE account_key = $1`, params.SourceKey)
	} else {
		_, err = tx.Exec(ctx, `UPDATE accounts SET balance = 0, updated_at = NOW() WHERE account_key = $1`, params.SourceKey)
	}
	if err != nil {
		return nil, unavailable("merge: retire source", err)
	}

	// 4. Re-point historical provenance to the surviving identity.
	var repointed int64
	if params.RepointHistory {
		for _, column := range []string{"source", "target"} {
			tag, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE ledger_transactions SET %s = $2 WHERE %s = $1`, column, column), params.SourceKey, params.TargetKey)
			if err != nil {
				return nil, unavailable("merge: repoint history", err)
			}
			repointed += tag.RowsAffected()
		}
	}

	// 5. Append the merge record with the amount actually moved.
	record := params.Record
	record.Amount = moved
	if err := r.insertTransaction(ctx, tx, record); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable("merge: commit", err)
	}

	return &domain.MergeResult{
		SourceKey:     params.SourceKey,
		TargetKey:     params.TargetKey,
		Moved:         moved,
		TargetBalance: targetBalance,
		SourceDeleted: params.DeleteSource,
		Repointed:     repointed,
		Record:        record,
	}, nil
}

// PreviewMerge reads both balances in one statement and computes the post-merge state.
func (r *PostgresRepository) PreviewMerge(ctx context.Context, sourceKey, targetKey string) (*domain.MergePreview, error) {
	rows, err := r.db.Query(ctx, `SELECT account_key, balance FROM accounts WHERE account_key = $1 OR account_key = $2`, sourceKey, targetKey)
	if err != nil {
		return nil, unavailable("preview merge", err)
	}
	defer rows.Close()

	balances := make(map[string]int64, 2)
	for rows.Next() {
		var key string
		var balance int64
		if err := rows.Scan(&key, &balance); err != nil {
			return nil, unavailable("preview merge", err)
		}
		balances[key] = balance
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("preview merge", err)
	}
	return buildMergePreview(sourceKey, targetKey, balances)
}

// ListTransactions returns the most recent ledger records touching a key.
func (r *PostgresRepository) ListTransactions(ctx context.Context, key string, limit int) ([]domain.LedgerTransaction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, source, target, amount, kind, actor, reason, created_at
		FROM ledger_transactions
		WHERE source = $1 OR target = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, key, clampLimit(limit, 20, 200))
	if err != nil {
		return nil, unavailable("list transactions", err)
	}
	defer rows.Close()
	return scanPgTransactions(rows)
}

// ListTransactionsBetween returns every ledger record created in [from, to).
func (r *PostgresRepository) ListTransactionsBetween(ctx context.Context, from, to time.Time) ([]domain.LedgerTransaction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, source, target, amount, kind, actor, reason, created_at
		FROM ledger_transactions
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at ASC, id
	`, from, to)
	if err != nil {
		return nil, unavailable("list transactions", err)
	}
	defer rows.Close()
	return scanPgTransactions(rows)
}

func scanPgTransactions(rows pgx.Rows) ([]domain.LedgerTransaction, error) {
	var records []domain.LedgerTransaction
	for rows.Next() {
		var record domain.LedgerTransaction
		var kind string
		if err := rows.Scan(&record.ID, &record.Source, &record.Target, &record.Amount, &kind, &record.Actor, &record.Reason, &record.CreatedAt); err != nil {
			return nil, unavailable("scan transaction", err)
		}
		record.Kind = domain.TransactionKind(kind)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("scan transaction", err)
	}
	return records, nil
}

func (r *PostgresRepository) insertTransaction(ctx context.Context, q pgQuerier, record domain.LedgerTransaction) error {
	_, err := q.Exec(ctx, `
		INSERT INTO ledger_transactions (id, source, target, amount, kind, actor, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, record.ID, record.Source, record.Target, record.Amount, string(record.Kind), record.Actor, record.Reason, record.CreatedAt)
	if err != nil {
		return unavailable("insert transaction", err)
	}
	return nil
}

// buildMergePreview is shared by both drivers.
func buildMergePreview(sourceKey, targetKey string, balances map[string]int64) (*domain.MergePreview, error) {
	sourceBalance, ok := balances[sourceKey]
	if !ok {
		return nil, ErrAccountNotFound
	}
	targetBalance, targetExists := balances[targetKey]
	return &domain.MergePreview{
		SourceKey:     sourceKey,
		TargetKey:     targetKey,
		SourceBalance: sourceBalance,
		TargetBalance: targetBalance,
		TargetExists:  targetExists,
		TargetAfter:   targetBalance + sourceBalance,
		SourceAfter:   0,
	}, nil
}
