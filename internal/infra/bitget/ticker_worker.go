package bitget

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"exchange_core/internal/domain"
	"exchange_core/internal/infra"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// TickerWorker streams Bitget spot tickers into a price sink.
type TickerWorker struct {
	url     string
	symbols map[string]string // venue instId -> internal symbol
	sink    chan<- domain.Ticker
	metrics *infra.Metrics
	logger  *slog.Logger

	conn      *websocket.Conn
	mu        sync.RWMutex
	writeMu   sync.Mutex
	connected bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewTickerWorker builds a worker; url defaults to the public v2 endpoint.
func NewTickerWorker(url string, symbols map[string]string, sink chan<- domain.Ticker, metrics *infra.Metrics, logger *slog.Logger) *TickerWorker {
	if url == "" {
		url = DefaultWSURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TickerWorker{
		url:     url,
		symbols: symbols,
		sink:    sink,
		metrics: metrics,
		logger:  logger.With("module", "bitget_ticker"),
	}
}

var _ domain.ExchangeWorker = (*TickerWorker)(nil)

func (w *TickerWorker) Connect(ctx context.Context) error {
	if len(w.symbols) == 0 {
		return fmt.Errorf("bitget ticker: no symbols configured")
	}
	if len(w.symbols) > maxSymbols {
		return fmt.Errorf("bitget ticker: %d symbols exceeds %d per connection", len(w.symbols), maxSymbols)
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.connectionLoop(ctx)
	return nil
}

func (w *TickerWorker) connectionLoop(ctx context.Context) {
	defer w.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("connection loop panic", slog.Any("panic", r))
		}
	}()

	retryCount := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			w.logger.Warn("connection failed", slog.Any("error", err), slog.Int("retry", retryCount))
			retryCount++
			if retryCount > maxRetries {
				retryCount = 0
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(infra.CalculateBackoff(retryCount)):
			}
			continue
		}
		retryCount = 0
		w.readLoop(ctx)
	}
}

func (w *TickerWorker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeWait}
	header := http.Header{}
	header.Set("User-Agent", infra.DefaultUserAgent)

	conn, _, err := dialer.DialContext(ctx, w.url, header)
	if err != nil {
		return domain.NewNetworkError("connect", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.connected = true
	w.mu.Unlock()

	if err := w.subscribe(); err != nil {
		w.closeConnection()
		return err
	}

	w.metrics.SetFeedConnected(Venue, true)
	go w.pingLoop(ctx, conn)
	w.logger.Info("connected", slog.Int("symbols", len(w.symbols)))
	return nil
}

func (w *TickerWorker) subscribe() error {
	args := make([]subscribeArg, 0, len(w.symbols))
	for instID := range w.symbols {
		args = append(args, subscribeArg{InstType: "SPOT", Channel: "ticker", InstId: instID})
	}
	b, err := json.Marshal(subscribeRequest{Op: "subscribe", Args: args})
	if err != nil {
		return err
	}
	return w.threadSafeWrite(websocket.TextMessage, b)
}

// pingLoop stops once conn has been replaced or closed.
func (w *TickerWorker) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.RLock()
			current := w.conn == conn
			w.mu.RUnlock()
			if !current {
				return
			}
			if err := w.threadSafeWrite(websocket.TextMessage, []byte("ping")); err != nil {
				w.logger.Debug("ping failed", slog.Any("error", err))
			}
		}
	}
}

func (w *TickerWorker) threadSafeWrite(msgType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.conn == nil {
		return fmt.Errorf("no conn")
	}
	return w.conn.WriteMessage(msgType, data)
}

func (w *TickerWorker) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		_, msg, err := conn.ReadMessage()
		if err != nil {
			w.logger.Warn("read failed", slog.Any("error", err))
			w.closeConnection()
			return
		}
		if string(msg) == "pong" {
			continue
		}
		w.handleMessage(msg)
	}
}

// handleMessage decodes a ticker push and forwards one domain.Ticker per entry.
// A full sink drops the update; the next push supersedes it.
func (w *TickerWorker) handleMessage(msg []byte) {
	var resp tickerResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		w.logger.Debug("unparsed message", slog.String("raw", string(msg)))
		return
	}
	if resp.Arg.Channel != "ticker" || len(resp.Data) == 0 {
		return
	}

	for _, data := range resp.Data {
		instID := data.InstId
		if instID == "" {
			instID = resp.Arg.InstId
		}
		symbol, ok := w.symbols[instID]
		if !ok {
			continue
		}
		t, err := toTicker(symbol, data, resp.Ts)
		if err != nil {
			w.logger.Debug("bad ticker", slog.String("inst_id", instID), slog.Any("error", err))
			continue
		}
		w.metrics.RecordTicker(Venue)

		select {
		case w.sink <- t:
		default:
			w.logger.Debug("ticker dropped", slog.String("symbol", symbol))
		}
	}
}

func toTicker(symbol string, d tickerData, fallbackTs int64) (domain.Ticker, error) {
	bid, err := parseDecimal(d.BidPr)
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("bid: %w", err)
	}
	ask, err := parseDecimal(d.AskPr)
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("ask: %w", err)
	}
	last, err := parseDecimal(d.LastPr)
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("last: %w", err)
	}

	ms := fallbackTs
	if d.Ts != "" {
		if v, err := strconv.ParseInt(d.Ts, 10, 64); err == nil {
			ms = v
		}
	}
	ts := time.Now()
	if ms > 0 {
		ts = time.UnixMilli(ms)
	}

	return domain.Ticker{
		Symbol:   symbol,
		Bid:      bid,
		Ask:      ask,
		Last:     last,
		Exchange: Venue,
		Time:     ts,
	}, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func (w *TickerWorker) closeConnection() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
	if w.connected {
		w.metrics.SetFeedConnected(Venue, false)
	}
	w.connected = false
}

func (w *TickerWorker) Disconnect() {
	if w.cancel != nil {
		w.cancel()
	}
	w.closeConnection()
	w.wg.Wait()
}

func (w *TickerWorker) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}
