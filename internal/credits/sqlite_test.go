package credits

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
)

func newTestAccounts(t *testing.T) *SQLiteAccounts {
	t.Helper()
	accounts, err := NewSQLiteAccounts(filepath.Join(t.TempDir(), "accounts.db"))
	if err != nil {
		t.Fatalf("NewSQLiteAccounts returned error: %v", err)
	}
	t.Cleanup(func() { _ = accounts.Close() })
	return accounts
}

func TestRequired(t *testing.T) {
	cases := []struct {
		chars, per, want int
	}{
		{12000, 1000, 12},
		{12001, 1000, 13},
		{1, 1000, 1},
		{0, 1000, 0},
		{2500, 0, 3},
	}
	for _, tc := range cases {
		if got := Required(tc.chars, tc.per); got != tc.want {
			t.Errorf("Required(%d, %d) = %d, want %d", tc.chars, tc.per, got, tc.want)
		}
	}
}

func TestCreateAndGetUser(t *testing.T) {
	accounts := newTestAccounts(t)
	ctx := context.Background()

	if err := accounts.CreateUser(ctx, "user-1", "a@example.com", "hash", 10); err != nil {
		t.Fatalf("CreateUser returned error: %v", err)
	}
	if err := accounts.CreateUser(ctx, "user-1", "b@example.com", "hash", 10); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}

	user, err := accounts.GetUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetUser returned error: %v", err)
	}
	if user.Email != "a@example.com" || user.Credits != 10 {
		t.Fatalf("unexpected user: %#v", user)
	}
	hash, err := accounts.APIKeyHash(ctx, "user-1")
	if err != nil || hash != "hash" {
		t.Fatalf("APIKeyHash = %q, %v", hash, err)
	}
	if err := accounts.SetAPIKeyHash(ctx, "user-1", "rotated"); err != nil {
		t.Fatalf("SetAPIKeyHash returned error: %v", err)
	}
	if hash, _ := accounts.APIKeyHash(ctx, "user-1"); hash != "rotated" {
		t.Fatalf("hash = %q after rotation", hash)
	}
	if _, err := accounts.GetCredits(ctx, "nobody"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if err := accounts.SetAPIKeyHash(ctx, "nobody", "x"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestReserveDeductsAndRecords(t *testing.T) {
	accounts := newTestAccounts(t)
	ctx := context.Background()
	_ = accounts.CreateUser(ctx, "user-1", "", "", 20)

	balance, err := accounts.Reserve(ctx, "user-1", "stream_a", 12)
	if err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}
	if balance != 8 {
		t.Fatalf("balance = %d, want 8", balance)
	}
	if _, err := accounts.Reserve(ctx, "user-1", "stream_a", 1); !errors.Is(err, ErrAlreadyReserved) {
		t.Fatalf("expected ErrAlreadyReserved, got %v", err)
	}
	if credits, _ := accounts.GetCredits(ctx, "user-1"); credits != 8 {
		t.Fatalf("duplicate reserve must roll back, credits = %d", credits)
	}

	txs, err := accounts.ListTransactions(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("ListTransactions returned error: %v", err)
	}
	if len(txs) != 1 || txs[0].Kind != KindReserve || txs[0].Amount != -12 || txs[0].BalanceAfter != 8 || txs[0].JobID != "stream_a" {
		t.Fatalf("unexpected transactions: %#v", txs)
	}
}

func TestReserveInsufficientLeavesBalance(t *testing.T) {
	accounts := newTestAccounts(t)
	ctx := context.Background()
	_ = accounts.CreateUser(ctx, "user-1", "", "", 3)

	_, err := accounts.Reserve(ctx, "user-1", "stream_b", 12)
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	var insufficient *InsufficientCreditsError
	if !errors.As(err, &insufficient) || insufficient.Required != 12 || insufficient.Available != 3 {
		t.Fatalf("unexpected error detail: %#v", err)
	}
	if credits, _ := accounts.GetCredits(ctx, "user-1"); credits != 3 {
		t.Fatalf("credits = %d, want 3", credits)
	}
	if _, err := accounts.Reserve(ctx, "nobody", "stream_c", 1); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestRefundIsIdempotentPerJob(t *testing.T) {
	accounts := newTestAccounts(t)
	ctx := context.Background()
	_ = accounts.CreateUser(ctx, "user-1", "", "", 20)
	_, _ = accounts.Reserve(ctx, "user-1", "stream_a", 12)

	if err := accounts.Refund(ctx, "user-1", "stream_a", 12); err != nil {
		t.Fatalf("Refund returned error: %v", err)
	}
	if err := accounts.Refund(ctx, "user-1", "stream_a", 12); err != nil {
		t.Fatalf("second Refund returned error: %v", err)
	}
	if credits, _ := accounts.GetCredits(ctx, "user-1"); credits != 20 {
		t.Fatalf("credits = %d, want 20", credits)
	}
	if err := accounts.Refund(ctx, "nobody", "stream_x", 1); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	txs, _ := accounts.ListTransactions(ctx, "user-1", 10)
	if len(txs) != 2 || txs[0].Kind != KindRefund || txs[0].BalanceAfter != 20 {
		t.Fatalf("unexpected transactions: %#v", txs)
	}
}

func TestSetCreditsRecordsAdjustment(t *testing.T) {
	accounts := newTestAccounts(t)
	ctx := context.Background()
	_ = accounts.CreateUser(ctx, "user-1", "", "", 5)

	if err := accounts.SetCredits(ctx, "user-1", 50); err != nil {
		t.Fatalf("SetCredits returned error: %v", err)
	}
	if err := accounts.SetCredits(ctx, "user-1", 40); err != nil {
		t.Fatalf("SetCredits returned error: %v", err)
	}
	if err := accounts.SetCredits(ctx, "user-1", -1); err == nil {
		t.Fatal("expected error for negative credits")
	}
	if credits, _ := accounts.GetCredits(ctx, "user-1"); credits != 40 {
		t.Fatalf("credits = %d, want 40", credits)
	}
	txs, _ := accounts.ListTransactions(ctx, "user-1", 10)
	if len(txs) != 2 || txs[0].Amount != -10 || txs[1].Amount != 45 {
		t.Fatalf("unexpected adjustments: %#v", txs)
	}
}

func TestConcurrentReservesNeverOverdraw(t *testing.T) {
	accounts := newTestAccounts(t)
	ctx := context.Background()
	_ = accounts.CreateUser(ctx, "user-1", "", "", 10)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := accounts.Reserve(ctx, "user-1", "stream_"+string(rune('a'+i)), 3); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if success != 3 {
		t.Fatalf("successful reserves = %d, want 3", success)
	}
	if credits, _ := accounts.GetCredits(ctx, "user-1"); credits != 1 {
		t.Fatalf("credits = %d, want 1", credits)
	}
}
