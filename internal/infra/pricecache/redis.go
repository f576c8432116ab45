package pricecache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"exchange_core/internal/domain"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const keyPrefix = "price:"

// Redis stores the latest ticker per symbol with a TTL.
type Redis struct {
	client redis.Cmdable
	ttl    time.Duration
}

var _ domain.PriceCache = (*Redis)(nil)

// NewClient dials redis and checks the connection.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, domain.NewNetworkError("redis_ping", err)
	}
	return client, nil
}

// New wraps a client. ttl <= 0 keeps entries forever.
func New(client redis.Cmdable, ttl time.Duration) *Redis {
	if ttl < 0 {
		ttl = 0
	}
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) Put(ctx context.Context, t domain.Ticker) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode ticker %s: %w", t.Symbol, err)
	}
	return r.client.Set(ctx, keyPrefix+t.Symbol, raw, r.ttl).Err()
}

func (r *Redis) Get(ctx context.Context, symbol string) (domain.Ticker, bool, error) {
	raw, err := r.client.Get(ctx, keyPrefix+symbol).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Ticker{}, false, nil
	}
	if err != nil {
		return domain.Ticker{}, false, err
	}
	var t domain.Ticker
	if err := json.Unmarshal(raw, &t); err != nil {
		return domain.Ticker{}, false, fmt.Errorf("decode ticker %s: %w", symbol, err)
	}
	return t, true, nil
}
