package bitget

import (
	"context"
	"log/slog"

	"exchange_core/internal/domain"
	"exchange_core/internal/infra"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// orderPlacer is the part of Client the hedger needs.
type orderPlacer interface {
	PlaceMarketOrder(ctx context.Context, symbol string, side domain.Side, size decimal.Decimal, clientOid string) (string, error)
}

// Hedger offsets exchange inventory on Bitget spot against one quote asset.
type Hedger struct {
	client  orderPlacer
	quote   string
	oracle  domain.PriceOracle
	metrics *infra.Metrics
	logger  *slog.Logger
}

// NewHedger builds a hedger trading <asset><quote> instruments.
// The oracle converts buy amounts to the quote size the venue expects.
func NewHedger(client orderPlacer, quote string, oracle domain.PriceOracle, metrics *infra.Metrics, logger *slog.Logger) *Hedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hedger{
		client:  client,
		quote:   quote,
		oracle:  oracle,
		metrics: metrics,
		logger:  logger.With("module", "bitget_hedger"),
	}
}

// TryHedge mirrors the user's side on the venue. Any failure returns false.
func (h *Hedger) TryHedge(ctx context.Context, asset string, side domain.Side, amount decimal.Decimal, scope domain.Scope) bool {
	ok := h.hedge(ctx, asset, side, amount, scope)
	h.metrics.RecordHedge(Venue, ok)
	return ok
}

func (h *Hedger) hedge(ctx context.Context, asset string, side domain.Side, amount decimal.Decimal, scope domain.Scope) bool {
	symbol := asset + h.quote
	log := h.logger.With(
		slog.String("symbol", symbol),
		slog.String("side", string(side)),
		slog.String("amount", amount.String()),
		slog.String("scope", string(scope)),
	)

	size := amount
	if side == domain.SideBuy {
		if h.oracle == nil {
			log.Warn("hedge skipped: no price source for buy sizing")
			return false
		}
		price, ok := h.oracle.GetPrice(symbol, domain.SideBuy, false)
		if !ok {
			log.Warn("hedge skipped: price unavailable")
			return false
		}
		size = amount.Mul(price)
	}

	orderID, err := h.client.PlaceMarketOrder(ctx, symbol, side, size, uuid.NewString())
	if err != nil {
		log.Error("hedge order failed", slog.Any("error", err), slog.Bool("retriable", domain.IsRetriable(err)))
		return false
	}
	log.Debug("hedged", slog.String("order_id", orderID))
	return true
}
