/**
 * @description
 * SQLite implementation of the ledger half of the `Repository` interface, backed by
 * the pure-Go modernc.org/sqlite driver. It is meant for single-node installs and for
 * exercising the real SQL paths in tests without an external database.
 *
 * The pool is capped at one open connection, so every statement and transaction is
 * serialized by database/sql. Timestamps are stored as unix nanoseconds.
 *
 * @dependencies
 * - database/sql: The driver-agnostic SQL interface.
 * - modernc.org/sqlite: Registers the "sqlite" driver.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/maddeth/boozie-bot-sub000/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteRepository is the embedded implementation of the Repository interface.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository opens (creating if needed) the database file at path.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLiteRepository{db: db, now: time.Now}, nil
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func isSQLiteCheck(err error) bool {
	return err != nil && strings.Contains(err.Error(), "CHECK constraint failed")
}

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (r *SQLiteRepository) stamp() int64 {
	return r.now().UTC().UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func scanSQLiteAccount(row interface{ Scan(...any) error }) (*domain.Account, error) {
	var account domain.Account
	var externalID sql.NullString
	var created, updated int64
	if err := row.Scan(&account.Key, &externalID, &account.DisplayName, &account.Balance, &created, &updated); err != nil {
		return nil, err
	}
	account.ExternalID = nullableString(externalID)
	account.CreatedAt = fromUnixNano(created)
	account.UpdatedAt = fromUnixNano(updated)
	return &account, nil
}

func scanSQLitePool(row interface{ Scan(...any) error }) (*domain.Pool, error) {
	var pool domain.Pool
	var created, updated int64
	if err := row.Scan(&pool.Key, &pool.Name, &pool.Balance, &pool.Owner, &pool.Active, &created, &updated); err != nil {
		return nil, err
	}
	pool.CreatedAt = fromUnixNano(created)
	pool.UpdatedAt = fromUnixNano(updated)
	return &pool, nil
}

// Migrate applies the embedded schema.
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements(sqliteSchema) {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return unavailable("migrate", err)
		}
	}
	return nil
}

// Close closes the database handle.
func (r *SQLiteRepository) Close() {
	r.db.Close()
}

const sqliteAccountColumns = `account_key, external_id, display_name, balance, created_at, updated_at`

// FindAccount resolves a reference with the same precedence as the Postgres driver.
func (r *SQLiteRepository) FindAccount(ctx context.Context, ref domain.AccountRef) (*domain.Account, error) {
	query := `
		SELECT ` + sqliteAccountColumns + `
		FROM accounts
		WHERE (?1 <> '' AND (account_key = ?1 OR external_id = ?1))
		   OR (?2 <> '' AND (?1 = '' OR external_id IS NULL) AND (name_key = ?2 OR account_key = ?2))
		ORDER BY
			CASE
				WHEN ?1 <> '' AND (account_key = ?1 OR external_id = ?1) THEN 0
				WHEN external_id IS NOT NULL THEN 1
				ELSE 2
			END,
			updated_at DESC
		LIMIT 1
	`
	account, err := scanSQLiteAccount(r.db.QueryRowContext(ctx, query, strings.TrimSpace(ref.ExternalID), ref.NameKey()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, unavailable("find account", err)
	}
	return account, nil
}

// GetBalance returns the balance stored under an exact account key.
func (r *SQLiteRepository) GetBalance(ctx context.Context, accountKey string) (int64, error) {
	var balance int64
	err := r.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE account_key = ?1`, accountKey).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, unavailable("get balance", err)
	}
	return balance, nil
}

// RegisterAccount creates an empty account or refreshes the display name of an existing one.
func (r *SQLiteRepository) RegisterAccount(ctx context.Context, accountKey, externalID, displayName string) (*domain.Account, error) {
	now := r.stamp()
	account, err := scanSQLiteAccount(r.db.QueryRowContext(ctx, `
		INSERT INTO accounts (account_key, external_id, display_name, name_key, balance, created_at, updated_at)
		VALUES (?1, NULLIF(?2, ''), ?3, ?4, 0, ?5, ?5)
		ON CONFLICT (account_key) DO UPDATE
		SET display_name = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE accounts.display_name END,
		    name_key = CASE WHEN excluded.name_key <> '' THEN excluded.name_key ELSE accounts.name_key END,
		    updated_at = ?5
		RETURNING `+sqliteAccountColumns,
		accountKey, externalID, displayName, domain.NormalizeName(displayName), now,
	))
	if err != nil {
		if isSQLiteUnique(err) {
			return nil, ErrDuplicateAccount
		}
		return nil, unavailable("register account", err)
	}
	return account, nil
}

// CreditOrCreate applies a signed amount in one upsert statement.
func (r *SQLiteRepository) CreditOrCreate(ctx context.Context, accountKey, externalID, displayName string, amount int64) (int64, error) {
	return r.creditOrCreate(ctx, r.db, accountKey, externalID, displayName, amount)
}

func (r *SQLiteRepository) creditOrCreate(ctx context.Context, q sqlQuerier, accountKey, externalID, displayName string, amount int64) (int64, error) {
	var balance int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO accounts (account_key, external_id, display_name, name_key, balance, created_at, updated_at)
		VALUES (?1, NULLIF(?2, ''), ?3, ?4, MAX(?5, 0), ?6, ?6)
		ON CONFLICT (account_key) DO UPDATE
		SET balance = accounts.balance + ?5,
		    display_name = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE accounts.display_name END,
		    name_key = CASE WHEN excluded.name_key <> '' THEN excluded.name_key ELSE accounts.name_key END,
		    updated_at = ?6
		RETURNING balance
	`, accountKey, externalID, displayName, domain.NormalizeName(displayName), amount, r.stamp()).Scan(&balance)
	if err != nil {
		switch {
		case isSQLiteCheck(err):
			return 0, ErrInsufficientFunds
		case isSQLiteUnique(err):
			return 0, ErrDuplicateAccount
		}
		return 0, unavailable("credit account", err)
	}
	return balance, nil
}

// Debit performs a guarded decrement as a single statement.
func (r *SQLiteRepository) Debit(ctx context.Context, accountKey string, amount int64) (int64, error) {
	return r.debit(ctx, r.db, accountKey, amount)
}

func (r *SQLiteRepository) debit(ctx context.Context, q sqlQuerier, accountKey string, amount int64) (int64, error) {
	var balance int64
	err := q.QueryRowContext(ctx, `
		UPDATE accounts
		SET balance = balance - ?2, updated_at = ?3
		WHERE account_key = ?1 AND balance >= ?2
		RETURNING balance
	`, accountKey, amount, r.stamp()).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, unavailable("debit account", err)
	}

	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE account_key = ?1)`, accountKey).Scan(&exists); err != nil {
		return 0, unavailable("debit account", err)
	}
	if !exists {
		return 0, ErrAccountNotFound
	}
	return 0, ErrInsufficientFunds
}

// Leaderboard lists personal accounts ordered by balance or by name.
func (r *SQLiteRepository) Leaderboard(ctx context.Context, limit int, order domain.LeaderboardOrder) ([]domain.Account, error) {
	orderClause := "balance DESC, name_key ASC"
	if order == domain.OrderByName {
		orderClause = "name_key ASC, account_key ASC"
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM accounts ORDER BY %s LIMIT ?1
	`, sqliteAccountColumns, orderClause), clampLimit(limit, 10, 100))
	if err != nil {
		return nil, unavailable("leaderboard", err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		account, err := scanSQLiteAccount(rows)
		if err != nil {
			return nil, unavailable("leaderboard", err)
		}
		accounts = append(accounts, *account)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("leaderboard", err)
	}
	return accounts, nil
}

// Stats aggregates all personal balances.
func (r *SQLiteRepository) Stats(ctx context.Context) (*domain.LedgerStats, error) {
	var stats domain.LedgerStats
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(balance), 0),
		       COALESCE(AVG(balance), 0.0),
		       COALESCE(MAX(balance), 0)
		FROM accounts
	`).Scan(&stats.Count, &stats.Total, &stats.Average, &stats.Max)
	if err != nil {
		return nil, unavailable("stats", err)
	}
	return &stats, nil
}

// Rank returns the 1-based leaderboard position of an account; ties share a rank.
func (r *SQLiteRepository) Rank(ctx context.Context, accountKey string) (int64, error) {
	balance, err := r.GetBalance(ctx, accountKey)
	if err != nil {
		return 0, err
	}
	var ahead int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE balance > ?1`, balance).Scan(&ahead); err != nil {
		return 0, unavailable("rank", err)
	}
	return ahead + 1, nil
}

const sqlitePoolColumns = `pool_key, name, balance, owner, active, created_at, updated_at`

// CreatePool inserts a new, active pool with a zero balance.
func (r *SQLiteRepository) CreatePool(ctx context.Context, pool *domain.Pool) (*domain.Pool, error) {
	created, err := scanSQLitePool(r.db.QueryRowContext(ctx, `
		INSERT INTO pools (pool_key, name, balance, owner, active, created_at, updated_at)
		VALUES (?1, ?2, 0, ?3, 1, ?4, ?4)
		RETURNING `+sqlitePoolColumns,
		pool.Key, pool.Name, pool.Owner, r.stamp(),
	))
	if err != nil {
		if isSQLiteUnique(err) || strings.Contains(err.Error(), "PRIMARY KEY") {
			return nil, ErrPoolExists
		}
		return nil, unavailable("create pool", err)
	}
	return created, nil
}

// FindPool retrieves a pool by its namespaced key.
func (r *SQLiteRepository) FindPool(ctx context.Context, poolKey string) (*domain.Pool, error) {
	pool, err := scanSQLitePool(r.db.QueryRowContext(ctx, `SELECT `+sqlitePoolColumns+` FROM pools WHERE pool_key = ?1`, poolKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPoolNotFound
		}
		return nil, unavailable("find pool", err)
	}
	return pool, nil
}

// ListPools returns pools ordered by balance.
func (r *SQLiteRepository) ListPools(ctx context.Context, includeInactive bool) ([]domain.Pool, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sqlitePoolColumns+`
		FROM pools
		WHERE active = 1 OR ?1
		ORDER BY balance DESC, pool_key ASC
	`, includeInactive)
	if err != nil {
		return nil, unavailable("list pools", err)
	}
	defer rows.Close()

	var pools []domain.Pool
	for rows.Next() {
		pool, err := scanSQLitePool(rows)
		if err != nil {
			return nil, unavailable("list pools", err)
		}
		pools = append(pools, *pool)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list pools", err)
	}
	return pools, nil
}

// DeactivatePool stops a pool from accepting donations.
func (r *SQLiteRepository) DeactivatePool(ctx context.Context, poolKey string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE pools SET active = 0, updated_at = ?2 WHERE pool_key = ?1`, poolKey, r.stamp())
	if err != nil {
		return unavailable("deactivate pool", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrPoolNotFound
	}
	return nil
}

// DonateAtomic moves eggs from the donor into the pool and appends the record.
func (r *SQLiteRepository) DonateAtomic(ctx context.Context, record domain.LedgerTransaction) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable("donate: begin", err)
	}
	defer tx.Rollback()

	var active bool
	err = tx.QueryRowContext(ctx, `SELECT active FROM pools WHERE pool_key = ?1`, record.Target).Scan(&active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrPoolNotFound
		}
		return 0, unavailable("donate: read pool", err)
	}
	if !active {
		return 0, ErrPoolInactive
	}

	if _, err := r.debit(ctx, tx, record.Source, record.Amount); err != nil {
		return 0, err
	}

	var total int64
	err = tx.QueryRowContext(ctx, `
		UPDATE pools SET balance = balance + ?2, updated_at = ?3
		WHERE pool_key = ?1
		RETURNING balance
	`, record.Target, record.Amount, r.stamp()).Scan(&total)
	if err != nil {
		return 0, unavailable("donate: credit pool", err)
	}

	if err := insertSQLiteTransaction(ctx, tx, record); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, unavailable("donate: commit", err)
	}
	return total, nil
}

// AdjustAccountAtomic applies an administrative signed adjustment to an account.
func (r *SQLiteRepository) AdjustAccountAtomic(ctx context.Context, accountKey, externalID, displayName string, delta int64, record domain.LedgerTransaction) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable("adjust account: begin", err)
	}
	defer tx.Rollback()

	var balance int64
	if delta >= 0 {
		balance, err = r.creditOrCreate(ctx, tx, accountKey, externalID, displayName, delta)
	} else {
		balance, err = r.debit(ctx, tx, accountKey, -delta)
	}
	if err != nil {
		return 0, err
	}

	if err := insertSQLiteTransaction(ctx, tx, record); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, unavailable("adjust account: commit", err)
	}
	return balance, nil
}

// AdjustPoolAtomic applies an administrative signed adjustment to a pool.
func (r *SQLiteRepository) AdjustPoolAtomic(ctx context.Context, poolKey string, delta int64, record domain.LedgerTransaction) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable("adjust pool: begin", err)
	}
	defer tx.Rollback()

	var balance int64
	err = tx.QueryRowContext(ctx, `
		UPDATE pools SET balance = balance + ?2, updated_at = ?3
		WHERE pool_key = ?1 AND balance + ?2 >= 0
		RETURNING balance
	`, poolKey, delta, r.stamp()).Scan(&balance)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, unavailable("adjust pool", err)
		}
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM pools WHERE pool_key = ?1)`, poolKey).Scan(&exists); err != nil {
			return 0, unavailable("adjust pool", err)
		}
		if !exists {
			return 0, ErrPoolNotFound
		}
		return 0, ErrInsufficientFunds
	}

	if err := insertSQLiteTransaction(ctx, tx, record); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, unavailable("adjust pool: commit", err)
	}
	return balance, nil
}

// MergeAtomic folds the source account into the target inside one transaction.
func (r *SQLiteRepository) MergeAtomic(ctx context.Context, params MergeParams) (*domain.MergeResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("merge: begin", err)
	}
	defer tx.Rollback()

	var moved int64
	err = tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE account_key = ?1`, params.SourceKey).Scan(&moved)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, unavailable("merge: read source", err)
	}

	targetBalance, err := r.creditOrCreate(ctx, tx, params.TargetKey, params.TargetExternalID, params.TargetName, moved)
	if err != nil {
		return nil, err
	}

	if params.DeleteSource {
		_, err = tx.ExecContext(ctx, `DELETE FROM accounts WHERE account_key = ?1`, params.SourceKey)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE accounts SET balance = 0, updated_at = ?2 WHERE account_key = ?1`, params.SourceKey, r.stamp())
	}
	if err != nil {
		return nil, unavailable("merge: retire source", err)
	}

	var repointed int64
	if params.RepointHistory {
		for _, column := range []string{"source", "target"} {
			result, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE ledger_transactions SET %s = ?2 WHERE %s = ?1`, column, column), params.SourceKey, params.TargetKey)
			if err != nil {
				return nil, unavailable("merge: repoint history", err)
			}
			n, _ := result.RowsAffected()
			repointed += n
		}
	}

	record := params.Record
	record.Amount = moved
	if err := insertSQLiteTransaction(ctx, tx, record); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
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
func (r *SQLiteRepository) PreviewMerge(ctx context.Context, sourceKey, targetKey string) (*domain.MergePreview, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT account_key, balance FROM accounts WHERE account_key IN (?1, ?2)`, sourceKey, targetKey)
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

const sqliteTransactionColumns = `id, source, target, amount, kind, actor, reason, created_at`

// ListTransactions returns the most recent ledger records touching a key.
func (r *SQLiteRepository) ListTransactions(ctx context.Context, key string, limit int) ([]domain.LedgerTransaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sqliteTransactionColumns+`
		FROM ledger_transactions
		WHERE source = ?1 OR target = ?1
		ORDER BY created_at DESC, id
		LIMIT ?2
	`, key, clampLimit(limit, 20, 200))
	if err != nil {
		return nil, unavailable("list transactions", err)
	}
	defer rows.Close()
	return scanSQLiteTransactions(rows)
}

// ListTransactionsBetween returns every ledger record created in [from, to).
func (r *SQLiteRepository) ListTransactionsBetween(ctx context.Context, from, to time.Time) ([]domain.LedgerTransaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sqliteTransactionColumns+`
		FROM ledger_transactions
		WHERE created_at >= ?1 AND created_at < ?2
		ORDER BY created_at ASC, id
	`, from.UTC().UnixNano(), to.UTC().UnixNano())
	if err != nil {
		return nil, unavailable("list transactions", err)
	}
	defer rows.Close()
	return scanSQLiteTransactions(rows)
}

func scanSQLiteTransactions(rows *sql.Rows) ([]domain.LedgerTransaction, error) {
	var records []domain.LedgerTransaction
	for rows.Next() {
		var record domain.LedgerTransaction
		var kind string
		var created int64
		if err := rows.Scan(&record.ID, &record.Source, &record.Target, &record.Amount, &kind, &record.Actor, &record.Reason, &created); err != nil {
			return nil, unavailable("scan transaction", err)
		}
		record.Kind = domain.TransactionKind(kind)
		record.CreatedAt = fromUnixNano(created)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("scan transaction", err)
	}
	return records, nil
}

func insertSQLiteTransaction(ctx context.Context, q sqlQuerier, record domain.LedgerTransaction) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_transactions (`+sqliteTransactionColumns+`)
		VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8)
	`, record.ID.String(), record.Source, record.Target, record.Amount, string(record.Kind), record.Actor, record.Reason, record.CreatedAt.UTC().UnixNano())
	if err != nil {
		return unavailable("insert transaction", err)
	}
	return nil
}
