package bitget

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"exchange_core/internal/domain"
	"exchange_core/internal/infra"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ClientConfig carries the REST endpoint and credentials.
type ClientConfig struct {
	BaseURL    string
	AccessKey  string
	SecretKey  string
	Passphrase string
	Timeout    time.Duration
}

// Client is the Bitget V2 REST API client
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *Signer
	logger     *slog.Logger
}

// NewClient creates a new Bitget API client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultRestURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		signer: NewSigner(cfg.AccessKey, cfg.SecretKey, cfg.Passphrase),
		logger: logger.With("module", "bitget_client"),
	}
}

// PlaceMarketOrder sends a spot market order and returns the venue order id.
// Bitget sizes market buys in the quote asset and market sells in the base asset.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side domain.Side, size decimal.Decimal, clientOid string) (string, error) {
	if !size.IsPositive() {
		return "", fmt.Errorf("%w: size %s", domain.ErrInvalidAmount, size)
	}
	reqBody := placeOrderRequest{
		Symbol:        symbol,
		Side:          strings.ToLower(string(side)),
		OrderType:     "market",
		Force:         "gtc",
		Size:          size.String(),
		ClientOrderId: clientOid,
	}

	var reply apiResponse
	if err := c.doRequest(ctx, http.MethodPost, placeOrderPath, reqBody, &reply); err != nil {
		return "", err
	}

	c.logger.Info("order placed",
		slog.String("symbol", symbol),
		slog.String("side", reqBody.Side),
		slog.String("size", reqBody.Size),
		slog.String("order_id", reply.Data.OrderId),
		slog.String("client_oid", clientOid),
	)
	return reply.Data.OrderId, nil
}

// doRequest signs, sends and decodes one call. Transport failures and 5xx
// answers are retriable network errors; business errors are not.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, out *apiResponse) error {
	var bodyReader io.Reader
	var bodyStr string
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(raw)
		bodyStr = string(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	for k, v := range c.signer.GenerateHeaders(method, path, "", bodyStr) {
		req.Header.Set(k, v)
	}
	req.Header.Set("User-Agent", infra.DefaultUserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.NewNetworkError(path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.NewNetworkError(path, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return domain.NewNetworkError(path, fmt.Errorf("status=%d body=%s", resp.StatusCode, raw))
	}
	if resp.StatusCode != http.StatusOK {
		return domain.NewFatalNetworkError(path, fmt.Errorf("status=%d body=%s", resp.StatusCode, raw))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	if out.Code != successCode {
		return fmt.Errorf("bitget business error: code=%s msg=%s", out.Code, out.Msg)
	}
	return nil
}
