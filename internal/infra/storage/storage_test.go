package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"exchange_core/internal/domain"

	"github.com/shopspring/decimal"
)

func setupTestDB(t *testing.T) *Storage {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(Options{Driver: DriverSQLite, DSN: dbPath})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func TestGetOrCreateWallet(t *testing.T) {
	s := setupTestDB(t)
	key := domain.WalletKey{AccountID: 1001, Asset: "BTC", Market: domain.MarketSpot}

	// 1. Create
	w, err := s.GetOrCreateWallet(key)
	if err != nil {
		t.Fatalf("GetOrCreateWallet failed: %v", err)
	}
	if w.ID == 0 || !w.Balance.IsZero() {
		t.Fatalf("expected new empty wallet, got %+v", w)
	}

	// 2. Same key returns the same row
	again, err := s.GetOrCreateWallet(key)
	if err != nil {
		t.Fatalf("GetOrCreateWallet failed: %v", err)
	}
	if again.ID != w.ID {
		t.Errorf("expected wallet %d, got %d", w.ID, again.ID)
	}

	// 3. A variant is a different wallet
	variant := key
	variant.Variant = "pos-1"
	other, err := s.GetOrCreateWallet(variant)
	if err != nil {
		t.Fatalf("GetOrCreateWallet failed: %v", err)
	}
	if other.ID == w.ID {
		t.Error("variant wallet must be a distinct row")
	}
}

func TestFindWallet_NotFound(t *testing.T) {
	s := setupTestDB(t)

	w, err := s.FindWallet(domain.WalletKey{AccountID: 1, Asset: "NONE", Market: domain.MarketSpot})
	if err != nil {
		t.Fatalf("FindWallet failed: %v", err)
	}
	if w != nil {
		t.Error("expected nil for missing wallet")
	}
}

func TestUpdateWalletBalance_DecimalRoundTrip(t *testing.T) {
	s := setupTestDB(t)
	w, _ := s.GetOrCreateWallet(domain.WalletKey{AccountID: 1001, Asset: "BTC", Market: domain.MarketSpot})

	w.Balance = decimal.RequireFromString("0.123456789012345678")
	w.Locked = decimal.RequireFromString("0.1")
	if err := s.UpdateWalletBalance(w, w.UpdatedAt); err != nil {
		t.Fatalf("UpdateWalletBalance failed: %v", err)
	}

	got, err := s.WalletByID(w.ID)
	if err != nil {
		t.Fatalf("WalletByID failed: %v", err)
	}
	if !got.Balance.Equal(w.Balance) || !got.Locked.Equal(w.Locked) {
		t.Errorf("decimal round trip lost precision: %v/%v", got.Balance, got.Locked)
	}
}

func TestLockWallets_SortedByID(t *testing.T) {
	s := setupTestDB(t)
	a, _ := s.GetOrCreateWallet(domain.WalletKey{AccountID: 1001, Asset: "BTC", Market: domain.MarketSpot})
	b, _ := s.GetOrCreateWallet(domain.WalletKey{AccountID: 1002, Asset: "BTC", Market: domain.MarketSpot})

	got, err := s.LockWallets([]uint64{b.ID, a.ID})
	if err != nil {
		t.Fatalf("LockWallets failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != a.ID || got[1].ID != b.ID {
		t.Errorf("expected wallets in id order, got %+v", got)
	}
}

func TestTransitionPosition_Gate(t *testing.T) {
	s := setupTestDB(t)
	p := &domain.MarginPosition{
		AccountID: 1001,
		Symbol:    "BTCUSDT",
		Side:      domain.PositionShort,
		Variant:   "v1",
		Status:    domain.PositionOpen,
	}
	if err := s.CreatePosition(p); err != nil {
		t.Fatalf("CreatePosition failed: %v", err)
	}

	ok, err := s.TransitionPosition(p.ID, domain.PositionOpen, domain.PositionTerminating)
	if err != nil || !ok {
		t.Fatalf("first transition should win: ok=%v err=%v", ok, err)
	}
	ok, err = s.TransitionPosition(p.ID, domain.PositionOpen, domain.PositionTerminating)
	if err != nil || ok {
		t.Fatalf("second transition should lose: ok=%v err=%v", ok, err)
	}

	ok, _ = s.ClaimPositionRetry(p.ID, 0)
	if !ok {
		t.Fatal("retry claim with current attempts should win")
	}
	ok, _ = s.ClaimPositionRetry(p.ID, 0)
	if ok {
		t.Fatal("retry claim with stale attempts should lose")
	}
}

func TestMarkCancelRequested(t *testing.T) {
	s := setupTestDB(t)
	o := &domain.Order{
		AccountID: 1001, Market: domain.MarketSpot, WalletID: 1, Symbol: "BTCUSDT",
		Side: domain.SideBuy, Status: domain.OrderStatusNew, Type: domain.OrderTypeOrdinary,
		FillType: domain.FillTypeLimit, Amount: decimal.NewFromInt(1), Price: decimal.NewFromInt(100),
		LockKey: "order-lock-1",
	}
	if err := s.CreateOrder(o); err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	ok, err := s.MarkCancelRequested(o.ID)
	if err != nil || !ok {
		t.Fatalf("MarkCancelRequested failed: ok=%v err=%v", ok, err)
	}
	ids, err := s.CancelRequestedOrderIDs(10)
	if err != nil || len(ids) != 1 || ids[0] != o.ID {
		t.Fatalf("expected pending cancel for %d, got %v (err=%v)", o.ID, ids, err)
	}
}

func TestTransaction_RollbackOnError(t *testing.T) {
	s := setupTestDB(t)
	boom := errors.New("boom")

	err := s.Transaction(context.Background(), func(tx *Storage) error {
		if _, err := tx.GetOrCreateWallet(domain.WalletKey{AccountID: 1001, Asset: "ETH", Market: domain.MarketSpot}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	w, _ := s.FindWallet(domain.WalletKey{AccountID: 1001, Asset: "ETH", Market: domain.MarketSpot})
	if w != nil {
		t.Error("wallet created inside a rolled back transaction must not exist")
	}
}

func TestGetAlert_DefaultsInactive(t *testing.T) {
	s := setupTestDB(t)

	a, err := s.GetAlert(1001)
	if err != nil {
		t.Fatalf("GetAlert failed: %v", err)
	}
	if a.Active {
		t.Error("missing alert should be inactive")
	}

	a.Active = true
	a.Level = decimal.RequireFromString("1.25")
	if err := s.SaveAlert(a); err != nil {
		t.Fatalf("SaveAlert failed: %v", err)
	}
	got, _ := s.GetAlert(1001)
	if !got.Active || !got.Level.Equal(a.Level) {
		t.Errorf("alert not persisted: %+v", got)
	}
}

func TestCreatePosition_OneActivePerKey(t *testing.T) {
	s := setupTestDB(t)
	newPos := func(variant string) *domain.MarginPosition {
		return &domain.MarginPosition{
			AccountID: 1001,
			Symbol:    "BTCUSDT",
			Side:      domain.PositionLong,
			Variant:   variant,
			Status:    domain.PositionOpen,
		}
	}

	first := newPos("v1")
	if err := s.CreatePosition(first); err != nil {
		t.Fatalf("CreatePosition failed: %v", err)
	}

	// Another active position for the same key must be rejected
	if err := s.CreatePosition(newPos("v2")); !errors.Is(err, domain.ErrPositionBusy) {
		t.Fatalf("expected ErrPositionBusy, got %v", err)
	}

	// The other side is a different key
	short := newPos("v3")
	short.Side = domain.PositionShort
	if err := s.CreatePosition(short); err != nil {
		t.Fatalf("short position should be allowed: %v", err)
	}

	// Once closed, the key is free again
	if ok, err := s.TransitionPosition(first.ID, domain.PositionOpen, domain.PositionClosed); err != nil || !ok {
		t.Fatalf("close failed: ok=%v err=%v", ok, err)
	}
	if err := s.CreatePosition(newPos("v4")); err != nil {
		t.Fatalf("new position after close should be allowed: %v", err)
	}
}

func TestWalletsByScope(t *testing.T) {
	s := setupTestDB(t)
	scope := domain.WalletScope{AccountID: 1001, Market: domain.MarketMargin, Variant: "pos-1"}

	for _, asset := range []string{"BTC", "USDT"} {
		if _, err := s.GetOrCreateWallet(scope.Key(asset)); err != nil {
			t.Fatalf("GetOrCreateWallet failed: %v", err)
		}
	}
	if _, err := s.GetOrCreateWallet(domain.Spot(1001).Key("BTC")); err != nil {
		t.Fatalf("GetOrCreateWallet failed: %v", err)
	}

	got, err := s.WalletsByScope(scope)
	if err != nil {
		t.Fatalf("WalletsByScope failed: %v", err)
	}
	if len(got) != 2 || got[0].Asset != "BTC" || got[1].Asset != "USDT" {
		t.Errorf("expected the two position wallets, got %+v", got)
	}
}

func TestTrxsByWallet_NewestFirst(t *testing.T) {
	s := setupTestDB(t)
	a, _ := s.GetOrCreateWallet(domain.Spot(1001).Key("USDT"))
	b, _ := s.GetOrCreateWallet(domain.Spot(1002).Key("USDT"))
	c, _ := s.GetOrCreateWallet(domain.Spot(1003).Key("USDT"))

	trxs := []domain.Trx{
		{SenderID: a.ID, ReceiverID: b.ID, Asset: "USDT", Amount: decimal.NewFromInt(1), Scope: domain.ScopeTransfer, GroupID: "g1"},
		{SenderID: b.ID, ReceiverID: c.ID, Asset: "USDT", Amount: decimal.NewFromInt(2), Scope: domain.ScopeTransfer, GroupID: "g2"},
		{SenderID: c.ID, ReceiverID: a.ID, Asset: "USDT", Amount: decimal.NewFromInt(3), Scope: domain.ScopeTransfer, GroupID: "g3"},
	}
	if err := s.InsertTrxs(trxs); err != nil {
		t.Fatalf("InsertTrxs failed: %v", err)
	}

	got, err := s.TrxsByWallet(a.ID, 10)
	if err != nil {
		t.Fatalf("TrxsByWallet failed: %v", err)
	}
	if len(got) != 2 || got[0].GroupID != "g3" || got[1].GroupID != "g1" {
		t.Errorf("expected g3 then g1, got %+v", got)
	}

	got, _ = s.TrxsByWallet(a.ID, 1)
	if len(got) != 1 {
		t.Errorf("limit not applied, got %d rows", len(got))
	}
}
