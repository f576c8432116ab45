// Package testutil builds throwaway databases and market fixtures for package tests.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"exchange_core/internal/domain"
	"exchange_core/internal/infra/storage"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NewStorage opens a migrated sqlite database in a temp dir.
func NewStorage(t testing.TB) *storage.Storage {
	t.Helper()
	s, err := storage.Open(storage.Options{
		Driver: storage.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "exchange.db"),
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Registry returns BTC/ETH/USDT with BTCUSDT and ETHUSDT pairs.
// Fees: maker 0.1%, taker 0.2%.
func Registry(t testing.TB) *domain.Registry {
	t.Helper()
	d := decimal.RequireFromString
	r, err := domain.NewRegistry(
		[]domain.Asset{
			{Symbol: "BTC", Precision: 8, InterestRate: d("0.001")},
			{Symbol: "ETH", Precision: 8, InterestRate: d("0.001")},
			{Symbol: "USDT", Precision: 6, InterestRate: d("0.0005")},
		},
		[]domain.Pair{
			{
				Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT",
				PricePrecision: 2, AmountPrecision: 6,
				MinAmount: d("0.00001"), MaxAmount: d("1000"), MinNotional: d("5"),
				MakerFee: d("0.001"), TakerFee: d("0.002"),
			},
			{
				Symbol: "ETHUSDT", Base: "ETH", Quote: "USDT",
				PricePrecision: 2, AmountPrecision: 5,
				MinAmount: d("0.0001"), MinNotional: d("5"),
				MakerFee: d("0.001"), TakerFee: d("0.002"),
			},
		},
	)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	return r
}

// Fund credits a wallet from the out account, recording the deposit leg.
func Fund(t testing.TB, s *storage.Storage, key domain.WalletKey, amount string) *domain.Wallet {
	t.Helper()
	amt := decimal.RequireFromString(amount)
	now := time.Now()

	w, err := s.GetOrCreateWallet(key)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	out, err := s.GetOrCreateWallet(domain.WalletKey{AccountID: domain.AccountOut, Asset: key.Asset, Market: domain.MarketSpot})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}

	w.Balance = w.Balance.Add(amt)
	out.Balance = out.Balance.Sub(amt)
	if err := s.UpdateWalletBalance(w, now); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := s.UpdateWalletBalance(out, now); err != nil {
		t.Fatalf("fund: %v", err)
	}
	err = s.InsertTrxs([]domain.Trx{{
		SenderID: out.ID, ReceiverID: w.ID, Asset: key.Asset, Amount: amt,
		Scope: domain.ScopeDeposit, GroupID: uuid.NewString(), CreatedAt: now,
	}})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	return w
}

// Wallet reloads a wallet by key. A missing wallet comes back empty.
func Wallet(t testing.TB, s *storage.Storage, key domain.WalletKey) *domain.Wallet {
	t.Helper()
	w, err := s.FindWallet(key)
	if err != nil {
		t.Fatalf("wallet %s: %v", key, err)
	}
	if w == nil {
		return &domain.Wallet{AccountID: key.AccountID, Asset: key.Asset, Market: key.Market, Variant: key.Variant}
	}
	return w
}

// AssetTotal sums every wallet balance of asset. The out account is included,
// so anything that only moves funds keeps the total at zero.
func AssetTotal(t testing.TB, s *storage.Storage, asset string) decimal.Decimal {
	t.Helper()
	wallets, err := s.WalletsByAsset(asset)
	if err != nil {
		t.Fatalf("asset total: %v", err)
	}
	sum := decimal.Zero
	for _, w := range wallets {
		sum = sum.Add(w.Balance)
	}
	return sum
}

// D is shorthand for decimal.RequireFromString.
func D(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
