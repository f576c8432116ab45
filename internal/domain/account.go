package domain

import "fmt"

// Market is the balance segment a wallet belongs to.
type Market string

const (
	MarketSpot   Market = "spot"
	MarketMargin Market = "margin"
	MarketLoan   Market = "loan"
	MarketStake  Market = "stake"
)

// System accounts. Ids below SystemAccountLimit are never assigned to users.
const (
	AccountOut         uint64 = 1 // absorbs external flow (deposits, withdrawals)
	AccountFee         uint64 = 2
	AccountInsurance   uint64 = 3
	AccountMarginPool  uint64 = 4
	AccountMarketMaker uint64 = 5

	SystemAccountLimit uint64 = 1000
)

// IsSystemAccount reports whether id is reserved for the exchange itself.
func IsSystemAccount(id uint64) bool {
	return id < SystemAccountLimit
}

// WalletScope addresses every wallet of one account in one market segment and variant.
type WalletScope struct {
	AccountID uint64
	Market    Market
	Variant   string
}

// Spot returns the general spot scope of an account.
func Spot(accountID uint64) WalletScope {
	return WalletScope{AccountID: accountID, Market: MarketSpot}
}

// Key narrows the scope to a single asset.
func (s WalletScope) Key(asset string) WalletKey {
	return WalletKey{AccountID: s.AccountID, Asset: asset, Market: s.Market, Variant: s.Variant}
}

// WalletKey uniquely identifies a wallet row.
type WalletKey struct {
	AccountID uint64
	Asset     string
	Market    Market
	Variant   string
}

// Scope drops the asset from the key.
func (k WalletKey) Scope() WalletScope {
	return WalletScope{AccountID: k.AccountID, Market: k.Market, Variant: k.Variant}
}

func (k WalletKey) String() string {
	if k.Variant == "" {
		return fmt.Sprintf("%d/%s/%s", k.AccountID, k.Market, k.Asset)
	}
	return fmt.Sprintf("%d/%s/%s/%s", k.AccountID, k.Market, k.Variant, k.Asset)
}
