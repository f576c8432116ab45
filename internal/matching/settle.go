package matching

import (
	"fmt"
	"log/slog"

	"exchange_core/internal/domain"
	"exchange_core/internal/ledger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// settle books one match of amount between taker and maker at the maker's price.
func (e *Engine) settle(p *ledger.Pipeline, pair domain.Pair, taker, maker *domain.Order, amount decimal.Decimal) (*domain.Fill, error) {
	price := maker.Price

	if err := e.hedge(p, pair, taker, maker, amount); err != nil {
		return nil, err
	}

	buyer, seller := taker, maker
	if taker.Side == domain.SideSell {
		buyer, seller = maker, taker
	}
	buyerRate := pair.FeeRate(buyer == maker)
	sellerRate := pair.FeeRate(seller == maker)

	group := uuid.NewString()
	value := amount.Mul(price)
	buyerFee := amount.Mul(buyerRate)
	sellerFee := value.Mul(sellerRate)
	fee := domain.Spot(domain.AccountFee)

	legs := []struct {
		from, to domain.WalletKey
		amount   decimal.Decimal
		scope    domain.Scope
	}{
		{seller.Scope().Key(pair.Base), buyer.Scope().Key(pair.Base), amount, domain.ScopeTrade},
		{buyer.Scope().Key(pair.Quote), seller.Scope().Key(pair.Quote), value, domain.ScopeTrade},
		{buyer.Scope().Key(pair.Base), fee.Key(pair.Base), buyerFee, domain.ScopeCommission},
		{seller.Scope().Key(pair.Quote), fee.Key(pair.Quote), sellerFee, domain.ScopeCommission},
	}
	for _, leg := range legs {
		if err := p.Transfer(leg.from, leg.to, leg.amount, leg.scope, group); err != nil {
			return nil, err
		}
	}

	for _, o := range []*domain.Order{taker, maker} {
		p.DecreaseLock(o.LockKey, p.Quantize(lockAsset(pair, o), lockDecrease(o, amount)))
		o.Filled = o.Filled.Add(amount)
		o.UpdatedAt = p.Now()
	}
	if !maker.Remaining().IsPositive() {
		maker.Status = domain.OrderStatusFilled
		p.ReleaseLock(maker.LockKey)
	}
	if err := p.Storage().SaveOrder(maker); err != nil {
		return nil, fmt.Errorf("save maker %d: %w", maker.ID, err)
	}

	fill := &domain.Fill{
		Symbol:       pair.Symbol,
		MakerOrderID: maker.ID,
		TakerOrderID: taker.ID,
		TakerSide:    taker.Side,
		Amount:       amount,
		Price:        price,
		MakerFee:     pair.MakerFee,
		TakerFee:     pair.TakerFee,
		GroupID:      group,
		CreatedAt:    p.Now(),
	}
	if err := p.Storage().CreateFill(fill); err != nil {
		return nil, fmt.Errorf("create fill: %w", err)
	}
	return fill, nil
}

// hedge offsets a user order crossing market-maker inventory on the asset's venue.
// A refused hedge fails the whole submit.
func (e *Engine) hedge(p *ledger.Pipeline, pair domain.Pair, taker, maker *domain.Order, amount decimal.Decimal) error {
	if maker.AccountID != domain.AccountMarketMaker || domain.IsSystemAccount(taker.AccountID) || e.hedges == nil {
		return nil
	}
	provider := e.hedges.For(pair.Base)
	if provider == nil {
		return nil
	}
	if !provider.TryHedge(p.Context(), pair.Base, taker.Side, amount, domain.ScopeTrade) {
		e.logger.Warn("hedge refused",
			slog.String("symbol", pair.Symbol),
			slog.String("side", string(taker.Side)),
			slog.String("amount", amount.String()),
			slog.Uint64("maker_order_id", maker.ID),
		)
		return fmt.Errorf("%w: %s %s %s", domain.ErrHedgeFailure, pair.Base, taker.Side, amount)
	}
	return nil
}
