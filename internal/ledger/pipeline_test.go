package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"exchange_core/internal/domain"
	"exchange_core/internal/ledger"
	"exchange_core/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	aliceBTC  = domain.WalletKey{AccountID: 1001, Asset: "BTC", Market: domain.MarketSpot}
	bobBTC    = domain.WalletKey{AccountID: 1002, Asset: "BTC", Market: domain.MarketSpot}
	aliceUSDT = domain.WalletKey{AccountID: 1001, Asset: "USDT", Market: domain.MarketSpot}
)

// assertLocksMatch checks locked against the sum of the wallet's active locks.
func assertLocksMatch(t *testing.T, l *ledger.Ledger, key domain.WalletKey) {
	t.Helper()
	w := testutil.Wallet(t, l.Storage(), key)
	sum, err := l.Storage().ActiveLockSum(w.ID)
	require.NoError(t, err)
	assert.True(t, sum.Equal(w.Locked), "locked %s != active locks %s", w.Locked, sum)
}

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	return ledger.New(testutil.NewStorage(t), testutil.Registry(t))
}

func TestRun_TransferConservesAsset(t *testing.T) {
	l := newLedger(t)
	s := l.Storage()
	testutil.Fund(t, s, aliceBTC, "1")

	err := l.Run(context.Background(), func(p *ledger.Pipeline) error {
		return p.Transfer(aliceBTC, bobBTC, testutil.D("0.25"), domain.ScopeTransfer, "")
	})
	require.NoError(t, err)

	assert.Equal(t, "0.75", testutil.Wallet(t, s, aliceBTC).Balance.String())
	assert.Equal(t, "0.25", testutil.Wallet(t, s, bobBTC).Balance.String())
	assert.True(t, testutil.AssetTotal(t, s, "BTC").IsZero())
}

func TestRun_LegsShareGroup(t *testing.T) {
	l := newLedger(t)
	s := l.Storage()
	testutil.Fund(t, s, aliceBTC, "1")

	var group string
	err := l.Run(context.Background(), func(p *ledger.Pipeline) error {
		group = p.GroupID()
		if err := p.Transfer(aliceBTC, bobBTC, testutil.D("0.1"), domain.ScopeTransfer, ""); err != nil {
			return err
		}
		return p.Transfer(bobBTC, aliceBTC, testutil.D("0.05"), domain.ScopeTransfer, "")
	})
	require.NoError(t, err)

	trxs, err := s.TrxsByGroup(group)
	require.NoError(t, err)
	assert.Len(t, trxs, 2)
}

func TestRun_QuantizesAndDropsNoOps(t *testing.T) {
	l := newLedger(t)
	s := l.Storage()
	testutil.Fund(t, s, aliceBTC, "1")

	var staged int
	err := l.Run(context.Background(), func(p *ledger.Pipeline) error {
		// Below BTC precision: truncates to zero.
		if err := p.Transfer(aliceBTC, bobBTC, testutil.D("0.000000001"), domain.ScopeTransfer, ""); err != nil {
			return err
		}
		// Self transfer.
		if err := p.Transfer(aliceBTC, aliceBTC, testutil.D("0.5"), domain.ScopeTransfer, ""); err != nil {
			return err
		}
		if err := p.Transfer(aliceBTC, bobBTC, testutil.D("0.123456789"), domain.ScopeTransfer, ""); err != nil {
			return err
		}
		staged = len(p.Trxs())
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, staged)
	assert.Equal(t, "0.12345678", testutil.Wallet(t, s, bobBTC).Balance.String())
}

func TestRun_OverspendRollsBackEverything(t *testing.T) {
	l := newLedger(t)
	s := l.Storage()
	testutil.Fund(t, s, aliceBTC, "1")
	testutil.Fund(t, s, aliceUSDT, "100")

	err := l.Run(context.Background(), func(p *ledger.Pipeline) error {
		if err := p.Transfer(aliceUSDT, domain.Spot(1002).Key("USDT"), testutil.D("50"), domain.ScopeTransfer, ""); err != nil {
			return err
		}
		return p.Transfer(aliceBTC, bobBTC, testutil.D("1.5"), domain.ScopeTransfer, "")
	})
	require.Error(t, err)

	var be *domain.BalanceError
	require.True(t, errors.As(err, &be))
	assert.True(t, errors.Is(err, domain.ErrInsufficientBalance))
	assert.Equal(t, "100", testutil.Wallet(t, s, aliceUSDT).Balance.String())
	assert.Equal(t, "1", testutil.Wallet(t, s, aliceBTC).Balance.String())
}

func TestRun_CallbackErrorPersistsNothing(t *testing.T) {
	l := newLedger(t)
	s := l.Storage()
	testutil.Fund(t, s, aliceBTC, "1")
	boom := errors.New("boom")
	hookRan := false

	err := l.Run(context.Background(), func(p *ledger.Pipeline) error {
		p.AfterCommit(func() { hookRan = true })
		if err := p.Transfer(aliceBTC, bobBTC, testutil.D("0.5"), domain.ScopeTransfer, ""); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, hookRan)
	assert.Equal(t, "1", testutil.Wallet(t, s, aliceBTC).Balance.String())

	w, err := s.FindWallet(bobBTC)
	require.NoError(t, err)
	assert.Nil(t, w, "wallet created inside the rolled back pipeline")
}

func TestRun_AfterCommitHook(t *testing.T) {
	l := newLedger(t)
	testutil.Fund(t, l.Storage(), aliceBTC, "1")
	hookRan := false

	err := l.Run(context.Background(), func(p *ledger.Pipeline) error {
		p.AfterCommit(func() { hookRan = true })
		return p.Transfer(aliceBTC, bobBTC, testutil.D("0.1"), domain.ScopeTransfer, "")
	})
	require.NoError(t, err)
	assert.True(t, hookRan)
}

func TestNewTrx_IntegrityErrors(t *testing.T) {
	l := newLedger(t)
	testutil.Fund(t, l.Storage(), aliceBTC, "1")

	err := l.Run(context.Background(), func(p *ledger.Pipeline) error {
		return p.Transfer(aliceBTC, aliceUSDT, testutil.D("0.1"), domain.ScopeTransfer, "")
	})
	assert.ErrorIs(t, err, domain.ErrIntegrity)

	err = l.Run(context.Background(), func(p *ledger.Pipeline) error {
		return p.Transfer(aliceBTC, bobBTC, testutil.D("-0.1"), domain.ScopeTransfer, "")
	})
	assert.ErrorIs(t, err, domain.ErrIntegrity)
}

func TestLoanWalletMayGoNegative(t *testing.T) {
	l := newLedger(t)
	s := l.Storage()
	loan := domain.WalletKey{AccountID: 1001, Asset: "USDT", Market: domain.MarketLoan, Variant: "pos-1"}
	margin := domain.WalletKey{AccountID: 1001, Asset: "USDT", Market: domain.MarketMargin, Variant: "pos-1"}

	err := l.Run(context.Background(), func(p *ledger.Pipeline) error {
		return p.Transfer(loan, margin, testutil.D("500"), domain.ScopeMarginBorrow, "")
	})
	require.NoError(t, err)
	assert.Equal(t, "-500", testutil.Wallet(t, s, loan).Balance.String())
	assert.Equal(t, "500", testutil.Wallet(t, s, margin).Balance.String())
}

func TestLock_RoundTripRestoresAvailable(t *testing.T) {
	l := newLedger(t)
	s := l.Storage()
	testutil.Fund(t, s, aliceBTC, "1")
	ctx := context.Background()

	err := l.Run(ctx, func(p *ledger.Pipeline) error {
		w, err := p.Wallet(aliceBTC)
		if err != nil {
			return err
		}
		return p.NewLock("withdraw-1", w, testutil.D("0.6"), domain.LockReasonWithdraw)
	})
	require.NoError(t, err)
	w := testutil.Wallet(t, s, aliceBTC)
	assert.Equal(t, "0.4", w.Available().String())

	// Another reservation beyond what is available fails.
	err = l.Run(ctx, func(p *ledger.Pipeline) error {
		w, err := p.Wallet(aliceBTC)
		if err != nil {
			return err
		}
		return p.NewLock("withdraw-2", w, testutil.D("0.5"), domain.LockReasonWithdraw)
	})
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	for i := 0; i < 2; i++ {
		err = l.Run(ctx, func(p *ledger.Pipeline) error {
			p.ReleaseLock("withdraw-1")
			return nil
		})
		require.NoError(t, err)
	}

	w = testutil.Wallet(t, s, aliceBTC)
	assert.Equal(t, "1", w.Balance.String())
	assert.True(t, w.Locked.IsZero())

	lock, err := s.BalanceLockByKey("withdraw-1")
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.True(t, lock.Freed)
	assert.Equal(t, "0.6", lock.Original.String())
}

func TestLock_DecreaseThenRelease(t *testing.T) {
	l := newLedger(t)
	s := l.Storage()
	testutil.Fund(t, s, aliceUSDT, "100")
	ctx := context.Background()

	require.NoError(t, l.Run(ctx, func(p *ledger.Pipeline) error {
		w, err := p.Wallet(aliceUSDT)
		if err != nil {
			return err
		}
		return p.NewLock("order-1", w, testutil.D("40"), domain.LockReasonTrade)
	}))
	require.NoError(t, l.Run(ctx, func(p *ledger.Pipeline) error {
		p.DecreaseLock("order-1", testutil.D("15"))
		return nil
	}))
	assert.Equal(t, "25", testutil.Wallet(t, s, aliceUSDT).Locked.String())
	assertLocksMatch(t, l, aliceUSDT)

	// Decreasing past the remainder only releases what is left.
	require.NoError(t, l.Run(ctx, func(p *ledger.Pipeline) error {
		p.DecreaseLock("order-1", testutil.D("1000"))
		p.ReleaseLock("order-1")
		return nil
	}))
	w := testutil.Wallet(t, s, aliceUSDT)
	assert.True(t, w.Locked.IsZero())
	assert.Equal(t, "100", w.Balance.String())
	assertLocksMatch(t, l, aliceUSDT)
}

func TestLock_CreateAndReleaseInOnePipeline(t *testing.T) {
	l := newLedger(t)
	s := l.Storage()
	testutil.Fund(t, s, aliceUSDT, "100")

	err := l.Run(context.Background(), func(p *ledger.Pipeline) error {
		w, err := p.Wallet(aliceUSDT)
		if err != nil {
			return err
		}
		if err := p.NewLock("a", w, testutil.D("80"), domain.LockReasonTrade); err != nil {
			return err
		}
		p.ReleaseLock("a")
		// Released funds are reusable before commit.
		return p.NewLock("b", w, testutil.D("80"), domain.LockReasonTrade)
	})
	require.NoError(t, err)
	assert.Equal(t, "80", testutil.Wallet(t, s, aliceUSDT).Locked.String())
}

func TestLock_Policy(t *testing.T) {
	l := newLedger(t)
	s := l.Storage()
	loan := domain.WalletKey{AccountID: 1001, Asset: "USDT", Market: domain.MarketLoan, Variant: "pos-1"}
	testutil.Fund(t, s, aliceUSDT, "10")

	err := l.Run(context.Background(), func(p *ledger.Pipeline) error {
		w, err := p.Wallet(loan)
		if err != nil {
			return err
		}
		return p.NewLock("loan-lock", w, testutil.D("1"), domain.LockReasonTrade)
	})
	assert.ErrorIs(t, err, domain.ErrLockNotAllowed)

	err = l.Run(context.Background(), func(p *ledger.Pipeline) error {
		w, err := p.Wallet(aliceUSDT)
		if err != nil {
			return err
		}
		return p.NewLock("zero", w, testutil.D("0"), domain.LockReasonTrade)
	})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestLock_DuplicateKey(t *testing.T) {
	l := newLedger(t)
	testutil.Fund(t, l.Storage(), aliceUSDT, "100")
	lockOnce := func(p *ledger.Pipeline) error {
		w, err := p.Wallet(aliceUSDT)
		if err != nil {
			return err
		}
		return p.NewLock("dup", w, testutil.D("1"), domain.LockReasonTrade)
	}

	require.NoError(t, l.Run(context.Background(), lockOnce))
	err := l.Run(context.Background(), lockOnce)
	assert.ErrorIs(t, err, domain.ErrIntegrity)
}

func TestLockedFundsCannotBeSpent(t *testing.T) {
	l := newLedger(t)
	s := l.Storage()
	testutil.Fund(t, s, aliceBTC, "1")

	require.NoError(t, l.Run(context.Background(), func(p *ledger.Pipeline) error {
		w, err := p.Wallet(aliceBTC)
		if err != nil {
			return err
		}
		return p.NewLock("order-9", w, testutil.D("0.7"), domain.LockReasonTrade)
	}))

	err := l.Run(context.Background(), func(p *ledger.Pipeline) error {
		return p.Transfer(aliceBTC, bobBTC, testutil.D("0.5"), domain.ScopeTransfer, "")
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
}

func TestConcurrentSpendsNeverDoubleSpend(t *testing.T) {
	l := newLedger(t)
	s := l.Storage()
	testutil.Fund(t, s, aliceBTC, "1")

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := domain.Spot(uint64(2000 + i)).Key("BTC")
			errs[i] = l.Run(context.Background(), func(p *ledger.Pipeline) error {
				return p.Transfer(aliceBTC, to, testutil.D("0.3"), domain.ScopeTransfer, "")
			})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	}
	assert.Equal(t, 3, ok)
	assert.Equal(t, "0.1", testutil.Wallet(t, s, aliceBTC).Balance.String())
	assert.True(t, testutil.AssetTotal(t, s, "BTC").IsZero())
}
