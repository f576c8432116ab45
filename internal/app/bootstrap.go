package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"time"

	"exchange_core/internal/domain"
	"exchange_core/internal/engine"
	"exchange_core/internal/event"
	"exchange_core/internal/infra"
	"exchange_core/internal/infra/bitget"
	"exchange_core/internal/infra/hedge"
	"exchange_core/internal/infra/kafka"
	"exchange_core/internal/infra/pricecache"
	"exchange_core/internal/infra/storage"
	"exchange_core/internal/ledger"
	"exchange_core/internal/margin"
	"exchange_core/internal/matching"
	"exchange_core/internal/otc"
	"exchange_core/internal/service"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Bootstrap owns every long-lived component of the process.
type Bootstrap struct {
	Config  *infra.Config
	Logger  *slog.Logger
	Metrics *infra.Metrics
	Storage *storage.Storage

	Ledger    *ledger.Ledger
	Matching  *matching.Engine
	Margin    *margin.Engine
	Prices    *service.PriceService
	Accounts  *service.AccountService
	OTC       *otc.Service
	Events    *event.Bus
	Scheduler *engine.Scheduler

	feed   *bitget.TickerWorker
	redis  *redis.Client
	server *http.Server
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads configuration and builds the component graph. Nothing runs yet.
func (b *Bootstrap) Initialize(ctx context.Context, configPath string) error {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	b.Config = cfg

	b.Logger = infra.NewLogger(cfg)
	slog.SetDefault(b.Logger)
	b.Logger.Debug("effective configuration", slog.String("config", cfg.Dump()))

	b.Metrics = infra.NewMetrics()

	store, err := storage.Open(storage.Options{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	b.Storage = store
	b.Logger.Info("database ready", slog.String("driver", cfg.Database.Driver))

	registry, err := cfg.Registry()
	if err != nil {
		return err
	}

	if err := b.initEvents(); err != nil {
		return err
	}
	if err := b.initPrices(ctx); err != nil {
		return err
	}

	b.Ledger = ledger.New(store, registry,
		ledger.WithLogger(b.Logger.With("module", "ledger")),
		ledger.WithMetrics(b.Metrics),
	)

	router, err := b.hedgeRouter(registry)
	if err != nil {
		return err
	}

	b.Matching = matching.New(b.Ledger,
		matching.WithHedgeRouter(router),
		matching.WithEvents(b.Events),
		matching.WithMetrics(b.Metrics),
		matching.WithLogger(b.Logger.With("module", "matching")),
	)

	b.Margin = margin.New(b.Ledger, b.Matching, margin.Config{
		Thresholds:      cfg.Thresholds(),
		MaxLeverage:     cfg.Margin.MaxLeverage,
		InterestWindow:  cfg.Margin.InterestWindow,
		RetryStaleAfter: cfg.Margin.RetryStaleAfter,
		MaxAttempts:     cfg.Margin.MaxAttempts,
		Workers:         cfg.Margin.Workers,
	},
		margin.WithOracle(b.Prices),
		margin.WithNotifier(margin.NewLogNotifier(b.Logger)),
		margin.WithEvents(b.Events),
		margin.WithMetrics(b.Metrics),
		margin.WithLogger(b.Logger.With("module", "margin")),
	)

	b.Accounts = service.NewAccountService(b.Ledger, b.Matching, b.Margin, b.Prices,
		service.WithAccountEvents(b.Events),
		service.WithAccountLogger(b.Logger),
	)

	b.OTC = otc.New(b.Ledger, b.Prices, otc.Config{
		Spread:       cfg.OTC.Spread,
		QuoteTTL:     cfg.OTC.QuoteTTL,
		MaxPriceMove: cfg.OTC.MaxPriceMove,
	},
		otc.WithHedgeRouter(router),
		otc.WithEvents(b.Events),
		otc.WithLogger(b.Logger),
	)

	if cfg.API.Bitget.Enabled && len(cfg.API.Bitget.Symbols) > 0 {
		b.feed = bitget.NewTickerWorker(cfg.API.Bitget.WSURL, cfg.API.Bitget.Symbols,
			b.Prices.GetTickerChan(), b.Metrics, b.Logger)
	}

	b.Scheduler = engine.NewScheduler(b.Logger)
	if err := b.registerJobs(); err != nil {
		return err
	}

	b.Logger.Info("bootstrap complete",
		slog.Int("assets", len(registry.Assets())),
		slog.Int("markets", len(registry.Pairs())),
	)
	return nil
}

func (b *Bootstrap) initEvents() error {
	var sink domain.EventPublisher = event.NewLogPublisher(b.Logger)
	if b.Config.Kafka.Enabled {
		pub, err := kafka.NewPublisher(b.Config.Kafka.Brokers, b.Config.Kafka.Topic)
		if err != nil {
			return err
		}
		sink = pub
		b.Logger.Info("kafka event sink", slog.String("topic", b.Config.Kafka.Topic))
	}
	b.Events = event.NewBus(sink, b.Config.Kafka.Buffer, b.Metrics, b.Logger)
	return nil
}

func (b *Bootstrap) initPrices(ctx context.Context) error {
	opts := []service.PriceOption{service.WithPriceLogger(b.Logger)}
	if b.Config.Redis.Enabled {
		client, err := pricecache.NewClient(ctx, b.Config.Redis.Address, b.Config.Redis.Password, b.Config.Redis.DB)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		b.redis = client
		opts = append(opts, service.WithPriceCache(pricecache.New(client, b.Config.Prices.CacheTTL)))
		b.Logger.Info("redis price cache", slog.String("address", b.Config.Redis.Address))
	}
	b.Prices = service.NewPriceService(b.Config.Prices.StaleAfter, opts...)
	return nil
}

func (b *Bootstrap) hedgeRouter(registry *domain.Registry) (*hedge.Router, error) {
	bg := b.Config.API.Bitget
	client := bitget.NewClient(bitget.ClientConfig{
		BaseURL:    bg.RestURL,
		AccessKey:  bg.AccessKey,
		SecretKey:  bg.SecretKey,
		Passphrase: bg.Passphrase,
		Timeout:    bg.Timeout,
	}, b.Logger)

	return hedge.NewRouter(registry, map[string]domain.HedgeProvider{
		bitget.Venue:        bitget.NewHedger(client, bg.HedgeQuote, b.Prices, b.Metrics, b.Logger),
		hedge.VenueInternal: hedge.NewInternal(b.Metrics, b.Logger),
	})
}

func (b *Bootstrap) registerJobs() error {
	cfg := b.Config
	jobs := []engine.Job{
		{
			Name:     "margin_sweep",
			Interval: cfg.Margin.SweepInterval,
			Run: func(ctx context.Context) error {
				_, err := b.Margin.Sweep(ctx, b.Prices.Snapshot())
				return err
			},
		},
		{
			Name:     "margin_retry",
			Interval: cfg.Margin.RetryInterval,
			Run: func(ctx context.Context) error {
				_, err := b.Margin.RetryTerminating(ctx, b.Prices.Snapshot())
				return err
			},
		},
		{
			Name:     "margin_interest",
			Interval: cfg.Margin.InterestWindow,
			Run: func(ctx context.Context) error {
				_, err := b.Margin.AccrueInterest(ctx, b.Ledger.Now())
				return err
			},
		},
		{
			Name:     "cancel_sweep",
			Interval: cfg.Matching.CancelSweepInterval,
			Run: func(ctx context.Context) error {
				_, err := b.Matching.CancelRequested(ctx, cfg.Matching.CancelBatch)
				return err
			},
		},
	}
	for _, job := range jobs {
		if err := b.Scheduler.Add(job); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the price pipeline, the feed, the scheduler and the metrics server.
func (b *Bootstrap) Start(ctx context.Context) {
	b.Prices.StartTickerProcessor(ctx)

	if b.feed != nil {
		if err := b.feed.Connect(ctx); err != nil {
			b.Logger.Error("price feed failed to start", slog.Any("error", err))
		}
	}

	go b.Scheduler.Run(ctx)

	if addr := b.Config.Metrics.Addr; addr != "" {
		b.server = &http.Server{Addr: addr, Handler: b.routes(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			b.Logger.Info("metrics server started", slog.String("addr", addr))
			if err := b.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.Logger.Error("metrics server failed", slog.Any("error", err))
			}
		}()
	}
}

func (b *Bootstrap) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", b.Metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		body := struct {
			Feed bool               `json:"feed_connected"`
			Jobs []engine.JobStatus `json:"jobs"`
		}{
			Feed: b.feed != nil && b.feed.IsConnected(),
			Jobs: b.Scheduler.Status(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
	if b.Config.Metrics.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

// Close stops the feed, flushes events and releases connections.
func (b *Bootstrap) Close(ctx context.Context) {
	if b.feed != nil {
		b.feed.Disconnect()
	}
	if b.server != nil {
		if err := b.server.Shutdown(ctx); err != nil {
			b.Logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
	}
	if b.Events != nil {
		if err := b.Events.Close(); err != nil {
			b.Logger.Warn("event sink close", slog.Any("error", err))
		}
	}
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.Storage != nil {
		if err := b.Storage.Close(); err != nil {
			b.Logger.Warn("database close", slog.Any("error", err))
		}
	}
}
