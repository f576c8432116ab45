package margin_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"exchange_core/internal/domain"
	"exchange_core/internal/infra/storage"
	"exchange_core/internal/ledger"
	"exchange_core/internal/margin"
	"exchange_core/internal/matching"
	"exchange_core/internal/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	bidder uint64 = 1001
	asker  uint64 = 2001
	trader uint64 = 3001
)

type recordingNotifier struct {
	mu       sync.Mutex
	calls    []uint64
	resolved []uint64
}

func (n *recordingNotifier) MarginCall(_ context.Context, accountID uint64, _ decimal.Decimal) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, accountID)
}

func (n *recordingNotifier) MarginResolved(_ context.Context, accountID uint64, _ decimal.Decimal) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolved = append(n.resolved, accountID)
}

type fixture struct {
	t        *testing.T
	s        *storage.Storage
	l        *ledger.Ledger
	m        *matching.Engine
	e        *margin.Engine
	notifier *recordingNotifier
}

func testConfig() margin.Config {
	return margin.Config{
		Thresholds: domain.MarginThresholds{
			Liquidation: testutil.D("1.1"),
			MarginCall:  testutil.D("1.3"),
			Resolve:     testutil.D("1.5"),
		},
		MaxLeverage:    testutil.D("10"),
		InterestWindow: time.Hour,
		MaxAttempts:    5,
		Workers:        4,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := testutil.NewStorage(t)
	l := ledger.New(s, testutil.Registry(t))
	m := matching.New(l)
	n := &recordingNotifier{}
	f := &fixture{t: t, s: s, l: l, m: m, notifier: n}
	f.e = margin.New(l, m, testConfig(), margin.WithNotifier(n))

	testutil.Fund(t, s, domain.Spot(bidder).Key("USDT"), "100000")
	testutil.Fund(t, s, domain.Spot(asker).Key("BTC"), "10")
	testutil.Fund(t, s, domain.Spot(trader).Key("USDT"), "5000")
	testutil.Fund(t, s, domain.Spot(domain.AccountInsurance).Key("USDT"), "10000")
	return f
}

func (f *fixture) rest(account uint64, side domain.Side, amount, price string) {
	f.t.Helper()
	_, err := f.m.Submit(context.Background(), matching.SubmitRequest{
		Scope:    domain.Spot(account),
		Symbol:   "BTCUSDT",
		Side:     side,
		Amount:   testutil.D(amount),
		Price:    testutil.D(price),
		FillType: domain.FillTypeLimit,
	})
	require.NoError(f.t, err)
}

func snapshot(bid, ask string) domain.PriceSnapshot {
	return domain.NewPriceSnapshot(time.Now(), domain.Ticker{
		Symbol: "BTCUSDT",
		Bid:    testutil.D(bid),
		Ask:    testutil.D(ask),
	})
}

// openShort sells 0.15 BTC borrowed against 1000 USDT at 3x into a 20000 bid.
func (f *fixture) openShort() *domain.MarginPosition {
	f.t.Helper()
	f.rest(bidder, domain.SideBuy, "0.15", "20000")
	snap := snapshot("20000", "20010")
	pos, err := f.e.Open(context.Background(), margin.OpenRequest{
		AccountID:  trader,
		Symbol:     "BTCUSDT",
		Side:       domain.PositionShort,
		Collateral: testutil.D("1000"),
		Leverage:   testutil.D("3"),
		Prices:     &snap,
	})
	require.NoError(f.t, err)
	return pos
}

// openLong buys 0.1 BTC with 1000 USDT collateral at 2x from a 20000 ask.
func (f *fixture) openLong() *domain.MarginPosition {
	f.t.Helper()
	f.rest(asker, domain.SideSell, "0.2", "20000")
	snap := snapshot("19990", "20000")
	pos, err := f.e.Open(context.Background(), margin.OpenRequest{
		AccountID:  trader,
		Symbol:     "BTCUSDT",
		Side:       domain.PositionLong,
		Collateral: testutil.D("1000"),
		Leverage:   testutil.D("2"),
		Prices:     &snap,
	})
	require.NoError(f.t, err)
	return pos
}

func (f *fixture) position(id uint64) *domain.MarginPosition {
	f.t.Helper()
	pos, err := f.e.Position(context.Background(), id)
	require.NoError(f.t, err)
	return pos
}

func (f *fixture) balance(key domain.WalletKey) string {
	return testutil.Wallet(f.t, f.s, key).Balance.String()
}

func (f *fixture) locked(key domain.WalletKey) string {
	return testutil.Wallet(f.t, f.s, key).Locked.String()
}

func (f *fixture) assertConserved() {
	f.t.Helper()
	for _, asset := range []string{"BTC", "USDT"} {
		assert.True(f.t, testutil.AssetTotal(f.t, f.s, asset).IsZero(), "%s total must stay zero", asset)
	}
}

func TestOpenShort_LiquidationPrice(t *testing.T) {
	f := newFixture(t)
	pos := f.openShort()

	assert.Equal(t, domain.PositionOpen, pos.Status)
	assert.Equal(t, "0.15", pos.Amount.String())
	assert.Equal(t, "20000", pos.AveragePrice.String())
	assert.Equal(t, "3", pos.Leverage.String())

	// 1000 collateral + 3000 proceeds - 6 taker fee.
	quote := testutil.D("3994")
	assert.Equal(t, quote.String(), f.balance(pos.MarginScope().Key("USDT")))
	assert.Equal(t, "-0.15", f.balance(pos.LoanScope().Key("BTC")))
	assert.Equal(t, "4000", f.balance(domain.Spot(trader).Key("USDT")))

	// collateral / (1.1 x debt)
	want := quote.Div(testutil.D("1.1").Mul(testutil.D("0.15"))).Round(2)
	assert.Equal(t, "24206.06", want.String())
	assert.True(t, want.Equal(pos.LiquidationPrice), "got %s", pos.LiquidationPrice)

	// At the liquidation price the level sits on the threshold.
	snap := snapshot(pos.LiquidationPrice.String(), pos.LiquidationPrice.String())
	level, ok, err := f.e.Level(context.Background(), pos, &snap)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1.1000", level.StringFixed(4))
	f.assertConserved()
}

func TestOpenLong_AndVoluntaryClose(t *testing.T) {
	f := newFixture(t)
	pos := f.openLong()

	assert.Equal(t, "0.0998", pos.Amount.String())
	assert.Equal(t, "-1000", f.balance(pos.LoanScope().Key("USDT")))
	assert.Equal(t, "0", f.balance(pos.MarginScope().Key("USDT")))
	want := testutil.D("1100").Div(testutil.D("0.0998")).Round(2)
	assert.True(t, want.Equal(pos.LiquidationPrice), "got %s", pos.LiquidationPrice)

	f.rest(bidder, domain.SideBuy, "0.1", "21000")
	snap := snapshot("21000", "21010")
	closed, err := f.e.Close(context.Background(), pos.ID, false, &snap)
	require.NoError(t, err)

	assert.Equal(t, domain.PositionClosed, closed.Status)
	assert.True(t, closed.Amount.IsZero())
	assert.NotNil(t, closed.ClosedAt)
	// 0.0998 x 21000 = 2095.8, minus 4.1916 fee, minus 1000 debt.
	assert.Equal(t, "5091.6084", f.balance(domain.Spot(trader).Key("USDT")))
	assert.Equal(t, "0", f.balance(pos.LoanScope().Key("USDT")))
	assert.Equal(t, "0", f.balance(pos.MarginScope().Key("USDT")))
	f.assertConserved()
}

func TestOpen_ExtendsExistingPosition(t *testing.T) {
	f := newFixture(t)
	first := f.openShort()

	f.rest(bidder, domain.SideBuy, "0.05", "20000")
	snap := snapshot("20000", "20010")
	second, err := f.e.Open(context.Background(), margin.OpenRequest{
		AccountID:  trader,
		Symbol:     "BTCUSDT",
		Side:       domain.PositionShort,
		Collateral: testutil.D("500"),
		Leverage:   testutil.D("2"),
		Prices:     &snap,
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Variant, second.Variant)
	assert.Equal(t, "0.2", second.Amount.String())
	assert.Equal(t, "-0.2", f.balance(second.LoanScope().Key("BTC")))
	f.assertConserved()
}

func TestOpen_Validation(t *testing.T) {
	f := newFixture(t)
	snap := snapshot("20000", "20010")
	req := margin.OpenRequest{
		AccountID:  trader,
		Symbol:     "BTCUSDT",
		Side:       domain.PositionShort,
		Collateral: testutil.D("1000"),
		Leverage:   testutil.D("1"),
		Prices:     &snap,
	}
	ctx := context.Background()

	_, err := f.e.Open(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	req.Leverage = testutil.D("11")
	_, err = f.e.Open(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	req.Leverage = testutil.D("3")
	req.Prices = nil
	_, err = f.e.Open(ctx, req)
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)

	// Nothing to sell into: the whole open rolls back.
	req.Prices = &snap
	_, err = f.e.Open(ctx, req)
	assert.ErrorIs(t, err, domain.ErrNoLiquidity)
	assert.Equal(t, "5000", f.balance(domain.Spot(trader).Key("USDT")))
	positions, err := f.s.PositionsByAccount(trader)
	require.NoError(t, err)
	assert.Empty(t, positions)
	f.assertConserved()
}

func TestAccountLevel(t *testing.T) {
	f := newFixture(t)
	f.openShort()

	snap := snapshot("19990", "20000")
	level, ok, err := f.e.AccountLevel(context.Background(), trader, &snap)
	require.NoError(t, err)
	require.True(t, ok)
	// 3994 / (0.15 x 20000)
	assert.Equal(t, "1.3313", level.StringFixed(4))

	_, ok, err = f.e.AccountLevel(context.Background(), bidder, &snap)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAccrueInterest(t *testing.T) {
	f := newFixture(t)
	pos := f.openShort()
	later := time.Now().Add(61 * time.Minute)

	n, err := f.e.AccrueInterest(context.Background(), later)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// 0.15 x 0.001 for one window.
	assert.Equal(t, "-0.15015", f.balance(pos.LoanScope().Key("BTC")))
	assert.Equal(t, "0.00015", f.balance(domain.Spot(domain.AccountMarginPool).Key("BTC")))

	got := f.position(pos.ID)
	require.NotNil(t, got.LastAccruedAt)
	assert.Equal(t, "0.15015", got.Amount.String())
	want := testutil.D("3994").Div(testutil.D("1.1").Mul(testutil.D("0.15015"))).Round(2)
	assert.True(t, want.Equal(got.LiquidationPrice), "got %s", got.LiquidationPrice)
	assert.True(t, got.LiquidationPrice.LessThan(pos.LiquidationPrice), "growing debt lowers a short's liquidation price")

	// Same window again charges nothing.
	n, err = f.e.AccrueInterest(context.Background(), later)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, "-0.15015", f.balance(pos.LoanScope().Key("BTC")))
	f.assertConserved()
}

func TestAccrueInterest_TerminatingPositionKeepsAccruing(t *testing.T) {
	f := newFixture(t)
	pos := f.openLong()
	f.rest(bidder, domain.SideBuy, "0.05", "15000")
	snap := snapshot("15000", "15010")
	got, err := f.e.Liquidate(context.Background(), pos.ID, &snap)
	require.NoError(t, err)
	require.Equal(t, domain.PositionTerminating, got.Status)
	require.Equal(t, "-251.5", f.balance(pos.LoanScope().Key("USDT")))

	n, err := f.e.AccrueInterest(context.Background(), time.Now().Add(61*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// 251.5 x 0.0005 for one window.
	assert.Equal(t, "-251.62575", f.balance(pos.LoanScope().Key("USDT")))
	got = f.position(pos.ID)
	assert.Equal(t, domain.PositionTerminating, got.Status)
	require.NotNil(t, got.LastAccruedAt)
	f.assertConserved()
}

func TestFastRepay(t *testing.T) {
	f := newFixture(t)
	pos := f.openLong()
	testutil.Fund(t, f.s, pos.MarginScope().Key("USDT"), "300")

	repaid, err := f.e.FastRepay(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Equal(t, "300", repaid.String())
	assert.Equal(t, "-700", f.balance(pos.LoanScope().Key("USDT")))
	assert.Equal(t, "0", f.balance(pos.MarginScope().Key("USDT")))

	got := f.position(pos.ID)
	want := testutil.D("770").Div(testutil.D("0.0998")).Round(2)
	assert.True(t, want.Equal(got.LiquidationPrice), "got %s", got.LiquidationPrice)

	_, err = f.e.FastRepay(context.Background(), 999)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	f.assertConserved()
}
