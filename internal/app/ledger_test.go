package app

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/maddeth/boozie-bot-sub000/internal/domain"
	"github.com/maddeth/boozie-bot-sub000/internal/store"
)

func newTestLedger(t *testing.T) (*LedgerService, *store.SQLiteRepository) {
	t.Helper()
	repo, err := store.NewSQLiteRepository(filepath.Join(t.TempDir(), "eggs.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(repo.Close)
	if err := repo.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewLedgerService(repo, LedgerOptions{Timeout: 2 * time.Second, RepointHistory: true}), repo
}

func TestLedgerRewardCreditsLegacyRow(t *testing.T) {
	ctx := context.Background()
	ledger, repo := newTestLedger(t)

	if _, err := repo.CreditOrCreate(ctx, "alice", "", "alice", 5); err != nil {
		t.Fatalf("seed: %v", err)
	}

	balance, err := ledger.Reward(ctx, domain.AccountRef{DisplayName: "@Alice"}, 3)
	if err != nil {
		t.Fatalf("reward: %v", err)
	}
	if balance != 8 {
		t.Fatalf("expected balance=8, got %d", balance)
	}

	balance, err = ledger.Reward(ctx, domain.AccountRef{ExternalID: "2002", DisplayName: "Bob"}, 4)
	if err != nil {
		t.Fatalf("reward new account: %v", err)
	}
	account, err := ledger.Lookup(ctx, domain.AccountRef{DisplayName: "bob"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if account.Key != "2002" || account.ExternalID == nil || *account.ExternalID != "2002" || balance != 4 {
		t.Fatalf("unexpected account: %+v (balance %d)", account, balance)
	}

	for _, amount := range []int64{0, -1} {
		if _, err := ledger.Reward(ctx, domain.AccountRef{DisplayName: "alice"}, amount); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %d: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestLedgerSharedDisplayNameKeepsStableAccountsApart(t *testing.T) {
	ctx := context.Background()
	ledger, repo := newTestLedger(t)

	if _, err := repo.CreditOrCreate(ctx, "1001", "1001", "Alice", 100); err != nil {
		t.Fatalf("seed: %v", err)
	}
	other := domain.AccountRef{ExternalID: "9999", DisplayName: "Alice"}

	balance, err := ledger.Reward(ctx, other, 5)
	if err != nil {
		t.Fatalf("reward: %v", err)
	}
	if balance != 5 {
		t.Fatalf("expected a fresh account with balance=5, got %d", balance)
	}
	account, err := ledger.Lookup(ctx, other)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if account.Key != "9999" {
		t.Fatalf("expected key=9999, got %s", account.Key)
	}

	if _, err := ledger.AdminAdjust(ctx, AdjustRequest{ExternalID: "9999", DisplayName: "Alice", Amount: 10, Actor: "mod"}); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	if got, _ := repo.GetBalance(ctx, "1001"); got != 100 {
		t.Fatalf("expected 1001 untouched at 100, got %d", got)
	}
	if got, _ := repo.GetBalance(ctx, "9999"); got != 15 {
		t.Fatalf("expected 9999 balance=15, got %d", got)
	}
}

func TestLedgerPools(t *testing.T) {
	ctx := context.Background()
	ledger, repo := newTestLedger(t)
	if _, err := repo.CreditOrCreate(ctx, "1001", "1001", "Alice", 40); err != nil {
		t.Fatalf("seed: %v", err)
	}

	pool, err := ledger.CreatePool(ctx, "  Charity ", "mod")
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	if pool.Key != "pool:charity" {
		t.Fatalf("expected pool:charity, got %s", pool.Key)
	}
	if _, err := ledger.CreatePool(ctx, "charity", "mod"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict for duplicate pool, got %v", err)
	}
	if _, err := ledger.CreatePool(ctx, "   ", "mod"); !errors.Is(err, ErrInvalidPoolName) {
		t.Fatalf("expected ErrInvalidPoolName, got %v", err)
	}
	if _, err := ledger.CreatePool(ctx, strings.Repeat("x", 65), "mod"); !errors.Is(err, ErrInvalidPoolName) {
		t.Fatalf("expected ErrInvalidPoolName for long name, got %v", err)
	}

	total, err := ledger.Donate(ctx, "charity", domain.AccountRef{ExternalID: "1001"}, 25, "for the cause")
	if err != nil {
		t.Fatalf("donate: %v", err)
	}
	if total != 25 {
		t.Fatalf("expected total=25, got %d", total)
	}
	if _, err := ledger.Donate(ctx, "charity", domain.AccountRef{ExternalID: "1001"}, 0, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := ledger.Donate(ctx, "charity", domain.AccountRef{DisplayName: "nobody"}, 1, ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found donor, got %v", err)
	}

	balance, err := ledger.AdminAdjust(ctx, AdjustRequest{Key: pool.Key, Amount: -10, Actor: "mod", Reason: "payout"})
	if err != nil {
		t.Fatalf("adjust pool: %v", err)
	}
	if balance != 15 {
		t.Fatalf("expected pool balance=15, got %d", balance)
	}
	if _, err := ledger.AdminAdjust(ctx, AdjustRequest{Key: pool.Key, Amount: -16, Actor: "mod"}); !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	history, err := ledger.History(ctx, pool.Key, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected donation and admin_remove records, got %d", len(history))
	}
	for _, record := range history {
		if record.Kind == domain.KindAdminRemove && (record.Source != pool.Key || record.Amount != 10) {
			t.Fatalf("unexpected admin_remove record: %+v", record)
		}
	}

	if err := ledger.DeactivatePool(ctx, "charity"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	active, _ := ledger.ListPools(ctx, false)
	all, _ := ledger.ListPools(ctx, true)
	if len(active) != 0 || len(all) != 1 {
		t.Fatalf("expected 0 active and 1 total pool, got %d/%d", len(active), len(all))
	}
}

func TestLedgerAdminAdjustAccount(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t)

	balance, err := ledger.AdminAdjust(ctx, AdjustRequest{ExternalID: "3003", DisplayName: "Carol", Amount: 20, Actor: "mod"})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if balance != 20 {
		t.Fatalf("expected balance=20, got %d", balance)
	}
	if _, err := ledger.AdminAdjust(ctx, AdjustRequest{Key: "3003", Amount: -21, Actor: "mod"}); !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := ledger.AdminAdjust(ctx, AdjustRequest{Key: "ghost", Amount: -1, Actor: "mod"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := ledger.AdminAdjust(ctx, AdjustRequest{Key: "3003", Amount: 0}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}

	history, _ := ledger.History(ctx, "3003", 10)
	if len(history) != 1 || history[0].Kind != domain.KindAdminAdd {
		t.Fatalf("failed adjustments must not be recorded, got %+v", history)
	}
}

func TestLedgerMerge(t *testing.T) {
	ctx := context.Background()
	ledger, repo := newTestLedger(t)
	if _, err := repo.CreditOrCreate(ctx, "alice", "", "alice", 37); err != nil {
		t.Fatalf("seed legacy: %v", err)
	}
	if _, err := repo.CreditOrCreate(ctx, "1001", "1001", "Alice", 10); err != nil {
		t.Fatalf("seed stable: %v", err)
	}

	if _, err := ledger.Merge(ctx, MergeRequest{
		Source: domain.AccountRef{ExternalID: "1001"},
		Target: domain.AccountRef{ExternalID: "1001"},
	}); !errors.Is(err, ErrSelfMerge) || !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrSelfMerge, got %v", err)
	}

	preview, err := ledger.PreviewMerge(ctx, domain.AccountRef{ExternalID: "alice"}, domain.AccountRef{ExternalID: "1001"})
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if preview.TargetAfter != 47 {
		t.Fatalf("expected target after=47, got %d", preview.TargetAfter)
	}
	if balance, _ := repo.GetBalance(ctx, "alice"); balance != 37 {
		t.Fatalf("preview must not mutate, got %d", balance)
	}

	result, err := ledger.Merge(ctx, MergeRequest{
		Source: domain.AccountRef{ExternalID: "alice"},
		Target: domain.AccountRef{ExternalID: "1001", DisplayName: "Alice"},
		Actor:  "mod",
		Reason: "link legacy name",
	})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if result.Moved != 37 || result.TargetBalance != 47 || result.Record.Amount != 37 || result.Record.Kind != domain.KindMerge {
		t.Fatalf("unexpected merge result: %+v", result)
	}
	if balance, _ := repo.GetBalance(ctx, "alice"); balance != 0 {
		t.Fatalf("expected source zeroed, got %d", balance)
	}

	merges := 0
	history, _ := ledger.History(ctx, "1001", 10)
	for _, record := range history {
		if record.Kind == domain.KindMerge {
			merges++
		}
	}
	if merges != 1 {
		t.Fatalf("expected exactly one merge record, got %d", merges)
	}
}

func TestLedgerTimeoutRollsBack(t *testing.T) {
	ledger, repo := newTestLedger(t)
	ctx := context.Background()
	if _, err := repo.CreditOrCreate(ctx, "1001", "1001", "Alice", 10); err != nil {
		t.Fatalf("seed: %v", err)
	}
	pool, _ := ledger.CreatePool(ctx, "fund", "mod")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := ledger.Donate(cancelled, "fund", domain.AccountRef{ExternalID: "1001"}, 5, ""); err == nil {
		t.Fatalf("expected cancelled donation to fail")
	}
	if balance, _ := repo.GetBalance(ctx, "1001"); balance != 10 {
		t.Fatalf("cancelled donation must leave donor untouched, got %d", balance)
	}
	found, _ := repo.FindPool(ctx, pool.Key)
	if found.Balance != 0 {
		t.Fatalf("cancelled donation must leave pool untouched, got %d", found.Balance)
	}
}
