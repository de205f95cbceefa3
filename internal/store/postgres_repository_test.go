package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/maddeth/boozie-bot-sub000/internal/domain"
)

// newTestPostgres connects with the same pool settings as the service and migrates a
// throwaway schema, so the run never touches existing tables.
func newTestPostgres(t *testing.T) *PostgresRepository {
	t.Helper()
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		t.Skip("DATABASE_URL not set; skipping postgres tests")
	}

	ctx := context.Background()
	schema := "eggs_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	admin, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := admin.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", schema)); err != nil {
		admin.Close(ctx)
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		if _, err := admin.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA %s CASCADE", schema)); err != nil {
			t.Logf("drop schema %s: %v", schema, err)
		}
		admin.Close(context.Background())
	})

	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		t.Fatalf("parse database url: %v", err)
	}
	poolConfig.MaxConns = 8
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	poolConfig.ConnConfig.RuntimeParams["search_path"] = schema

	db, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	repo := NewPostgresRepository(db)
	t.Cleanup(repo.Close)

	if err := repo.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func TestPgErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "check violation", err: &pgconn.PgError{Code: pgCheckViolation}, want: pgCheckViolation},
		{name: "wrapped unique violation", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: pgUniqueViolation}), want: pgUniqueViolation},
		{name: "plain error", err: errors.New("boom"), want: ""},
		{name: "nil", err: nil, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pgErrorCode(tt.err); got != tt.want {
				t.Fatalf("expected code=%q, got %q", tt.want, got)
			}
		})
	}
}

func TestPostgresBalanceGuards(t *testing.T) {
	ctx := context.Background()
	repo := newTestPostgres(t)

	if _, err := repo.CreditOrCreate(ctx, "1001", "1001", "Alice", 10); err != nil {
		t.Fatalf("seed: %v", err)
	}

	tests := []struct {
		name    string
		run     func() (int64, error)
		want    int64
		wantErr error
	}{
		{
			name:    "negative upsert past zero trips the check constraint",
			run:     func() (int64, error) { return repo.CreditOrCreate(ctx, "1001", "1001", "Alice", -11) },
			wantErr: ErrInsufficientFunds,
		},
		{
			name:    "guarded debit refuses overdraw",
			run:     func() (int64, error) { return repo.Debit(ctx, "1001", 11) },
			wantErr: ErrInsufficientFunds,
		},
		{
			name:    "debit of a missing account",
			run:     func() (int64, error) { return repo.Debit(ctx, "nobody", 1) },
			wantErr: ErrAccountNotFound,
		},
		{
			name:    "exact debit reaches zero",
			run:     func() (int64, error) { return repo.Debit(ctx, "1001", 10) },
			want:    0,
		},
		{
			name:    "new account never starts negative",
			run:     func() (int64, error) { return repo.CreditOrCreate(ctx, "2002", "2002", "Bob", -5) },
			want:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.run()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected balance=%d, got %d", tt.want, got)
			}
		})
	}
}

func TestPostgresConcurrentDebits(t *testing.T) {
	ctx := context.Background()
	repo := newTestPostgres(t)
	if _, err := repo.CreditOrCreate(ctx, "1001", "1001", "Alice", 150); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Debit(ctx, "1001", 100)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, short int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInsufficientFunds):
			short++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || short != 1 {
		t.Fatalf("expected one success and one insufficient funds, got ok=%d short=%d", ok, short)
	}
	if got, _ := repo.GetBalance(ctx, "1001"); got != 50 {
		t.Fatalf("expected balance=50, got %d", got)
	}
}

func TestPostgresOpposingMergesDoNotDeadlock(t *testing.T) {
	ctx := context.Background()
	repo := newTestPostgres(t)
	if _, err := repo.CreditOrCreate(ctx, "1001", "1001", "Alice", 37); err != nil {
		t.Fatalf("seed alice: %v", err)
	}
	if _, err := repo.CreditOrCreate(ctx, "2002", "2002", "Bob", 10); err != nil {
		t.Fatalf("seed bob: %v", err)
	}

	pairs := [][2]string{{"1001", "2002"}, {"2002", "1001"}}
	var wg sync.WaitGroup
	errs := make(chan error, len(pairs))
	for _, pair := range pairs {
		wg.Add(1)
		go func(source, target string) {
			defer wg.Done()
			_, err := repo.MergeAtomic(ctx, MergeParams{
				SourceKey: source,
				TargetKey: target,
				Record:    ledgerRecord(domain.KindMerge, source, target, 0),
			})
			errs <- err
		}(pair[0], pair[1])
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("merge failed: %v", err)
		}
	}

	alice, _ := repo.GetBalance(ctx, "1001")
	bob, _ := repo.GetBalance(ctx, "2002")
	if alice+bob != 47 {
		t.Fatalf("merges must conserve the total: alice=%d bob=%d", alice, bob)
	}
	if alice != 0 && bob != 0 {
		t.Fatalf("the later merge should leave one side empty: alice=%d bob=%d", alice, bob)
	}

	history, err := repo.ListTransactions(ctx, "1001", 10)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 merge records, got %d", len(history))
	}
}

func TestPostgresFindAccountAndPools(t *testing.T) {
	ctx := context.Background()
	repo := newTestPostgres(t)
	if _, err := repo.CreditOrCreate(ctx, "1001", "1001", "Alice", 5); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := repo.FindAccount(ctx, domain.AccountRef{ExternalID: "9999", DisplayName: "Alice"}); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("an unknown stable id must not resolve to another account, got %v", err)
	}
	account, err := repo.FindAccount(ctx, domain.AccountRef{DisplayName: "@alice"})
	if err != nil {
		t.Fatalf("find by name: %v", err)
	}
	if account.Key != "1001" || account.ExternalID == nil || *account.ExternalID != "1001" {
		t.Fatalf("unexpected account: %+v", account)
	}

	for _, name := range []string{"open", "closed"} {
		if _, err := repo.CreatePool(ctx, &domain.Pool{Key: domain.PoolKey(name), Name: name, Owner: "mod"}); err != nil {
			t.Fatalf("create pool %s: %v", name, err)
		}
	}
	if _, err := repo.CreatePool(ctx, &domain.Pool{Key: domain.PoolKey("open"), Name: "open"}); !errors.Is(err, ErrPoolExists) {
		t.Fatalf("expected ErrPoolExists, got %v", err)
	}
	if err := repo.DeactivatePool(ctx, domain.PoolKey("closed")); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	tests := []struct {
		name            string
		includeInactive bool
		want            int
	}{
		{name: "active only", includeInactive: false, want: 1},
		{name: "include inactive", includeInactive: true, want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pools, err := repo.ListPools(ctx, tt.includeInactive)
			if err != nil {
				t.Fatalf("list pools: %v", err)
			}
			if len(pools) != tt.want {
				t.Fatalf("expected %d pools, got %d", tt.want, len(pools))
			}
		})
	}

	total, err := repo.DonateAtomic(ctx, ledgerRecord(domain.KindDonation, "1001", domain.PoolKey("open"), 5))
	if err != nil {
		t.Fatalf("donate: %v", err)
	}
	if total != 5 {
		t.Fatalf("expected pool total=5, got %d", total)
	}
	if _, err := repo.DonateAtomic(ctx, ledgerRecord(domain.KindDonation, "1001", domain.PoolKey("closed"), 1)); !errors.Is(err, ErrPoolInactive) {
		t.Fatalf("expected ErrPoolInactive, got %v", err)
	}

	from := time.Now().UTC().Add(-time.Hour)
	records, err := repo.ListTransactionsBetween(ctx, from, from.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("list between: %v", err)
	}
	if len(records) != 1 || records[0].Kind != domain.KindDonation {
		t.Fatalf("expected one donation record, got %+v", records)
	}
}
