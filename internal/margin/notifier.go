package margin

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"
)

// LogNotifier writes margin-call notices to the log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) MarginCall(ctx context.Context, accountID uint64, level decimal.Decimal) {
	n.logger.WarnContext(ctx, "margin call", slog.Uint64("account_id", accountID), slog.String("level", level.StringFixed(4)))
}

func (n *LogNotifier) MarginResolved(ctx context.Context, accountID uint64, level decimal.Decimal) {
	n.logger.InfoContext(ctx, "margin call resolved", slog.Uint64("account_id", accountID), slog.String("level", level.StringFixed(4)))
}
