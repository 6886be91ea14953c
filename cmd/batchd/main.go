package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"BatchSettle/internal/api"
	"BatchSettle/internal/config"
	"BatchSettle/internal/converter"
	"BatchSettle/internal/custody"
	"BatchSettle/internal/events"
	"BatchSettle/internal/keeper"
	"BatchSettle/internal/ledger"
	"BatchSettle/internal/logging"
	"BatchSettle/internal/metrics"
	"BatchSettle/internal/model"
	"BatchSettle/internal/notifier"
	"BatchSettle/internal/recorder"
	"BatchSettle/internal/staking"
	"BatchSettle/internal/storage"
)

const eventBuffer = 1024

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		cfgPath = v
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config validation: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("batchd stopped with error", zap.Error(err))
	}
	logger.Info("batchd stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("batchd starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	assets := model.Assets{Base: cfg.Engine.BaseAsset, Composite: cfg.Engine.CompositeAsset}
	bank := custody.NewBank(logger.Named("custody"))

	conv, err := newConverter(cfg, assets, bank)
	if err != nil {
		return err
	}

	// Durable state
	store, closeStore, err := newStore(ctx, cfg, bank)
	if err != nil {
		return err
	}
	defer closeStore()
	var snap *ledger.Snapshot
	var held *custody.State
	if store != nil {
		if snap, err = store.Load(ctx); err != nil {
			return fmt.Errorf("load ledger state: %w", err)
		}
		if held, err = store.LoadCustody(ctx); err != nil {
			return fmt.Errorf("load custody state: %w", err)
		}
	}
	switch {
	case held != nil:
		logger.Info("restoring custody state",
			zap.Int("balances", len(held.Balances)), zap.Int("allowances", len(held.Allowances)))
		bank.Import(*held)
	case snap != nil:
		// state written before custody was persisted
		logger.Warn("no custody state stored, rebuilding engine holdings from the snapshot")
		if err := bank.Reconcile(snap, assets); err != nil {
			return fmt.Errorf("reconcile custody: %w", err)
		}
	}
	fresh := snap == nil
	if snap != nil {
		logger.Info("restoring ledger state",
			zap.Int("batches", len(snap.Batches)), zap.Time("taken_at", snap.TakenAt))
	}
	if fresh {
		if err := fundGenesis(bank, cfg.Genesis); err != nil {
			return err
		}
	}

	// Event sinks
	var rec recorder.Recorder = recorder.NewNoopRecorder()
	sinks := events.Fanout{}
	if cfg.Database.SQLitePath != "" {
		sr, err := recorder.NewSQLiteRecorder(cfg.Database.SQLitePath, logger.Named("recorder"))
		if err != nil {
			logger.Warn("init sqlite recorder failed, using noop", zap.Error(err))
		} else {
			rec = sr
			sinks = append(sinks, sr)
		}
	}
	defer func() { _ = rec.Close() }()

	var asyncSinks []*events.Async
	if cfg.Redis.Addr != "" {
		pub, err := events.NewRedisPublisher(ctx, events.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
			Stream:   cfg.Redis.Stream,
		}, logger.Named("redis"), m)
		if err != nil {
			logger.Warn("redis publisher unavailable, events will not be published", zap.Error(err))
		} else {
			defer func() { _ = pub.Close() }()
			a := events.NewAsync("redis", pub, eventBuffer, logger, m)
			asyncSinks = append(asyncSinks, a)
			sinks = append(sinks, a)
		}
	}

	var sender notifier.Sender
	var tn *notifier.TelegramNotifier
	if cfg.Telegram.BotToken != "" {
		tn = notifier.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Proxy, logger.Named("telegram"))
		sender = tn
		a := events.NewAsync("telegram", events.NewFilter(notifier.NewProcessedSink(tn, logger), model.EventBatchProcessed), eventBuffer, logger, m)
		asyncSinks = append(asyncSinks, a)
		sinks = append(sinks, a)
	}
	defer func() {
		for _, a := range asyncSinks {
			a.Close()
		}
	}()

	operators := append([]string{cfg.Keeper.Identity, cfg.HTTP.OperatorID}, cfg.Engine.Operators...)
	if cfg.Telegram.ChatID != "" {
		operators = append(operators, notifier.OperatorID(cfg.Telegram.ChatID))
	}

	thresholds, err := parseThresholds(cfg)
	if err != nil {
		return err
	}
	pool := staking.NewPool(bank, logger.Named("staking"))
	opts := []ledger.Option{
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithStaker(pool),
		ledger.WithMetrics(m),
		ledger.WithSink(sinks),
		ledger.WithSnapshot(snap),
	}
	if store != nil {
		opts = append(opts, ledger.WithStore(store))
	}
	l, err := ledger.New(ledger.Config{
		Cooldown:   cfg.Engine.Cooldown,
		Thresholds: thresholds,
		Assets:     assets,
		Paused:     cfg.Engine.StartPaused,
	}, ledger.NewOperatorSet(operators...), bank, conv, opts...)
	if err != nil {
		return fmt.Errorf("init ledger: %w", err)
	}
	if store != nil && fresh {
		if err := store.Save(ctx, l.Snapshot()); err != nil {
			return fmt.Errorf("save initial state: %w", err)
		}
	}
	p := l.Params()
	logger.Info("ledger ready",
		zap.Duration("cooldown", p.Cooldown),
		zap.Stringer("mint_threshold", p.Thresholds[model.Mint]),
		zap.Stringer("redeem_threshold", p.Thresholds[model.Redeem]),
		zap.Bool("paused", p.Paused))

	// Keeper
	if cfg.Keeper.Enabled {
		k := keeper.New(ctx, l, cfg.Keeper.Identity, sender, m, logger.Named("keeper"))
		if err := k.Register(cfg.Keeper.Cron); err != nil {
			return fmt.Errorf("register keeper: %w", err)
		}
		k.Start()
		defer k.Stop()
	}

	// Start Telegram polling
	if tn != nil {
		go tn.StartPolling(ctx, notifier.NewConsole(l, logger.Named("console")).Handle)
		logger.Info("telegram polling started")
	}

	ctrl := api.NewController(l, rec, m, api.Config{
		OperatorToken: cfg.HTTP.OperatorToken,
		OperatorID:    cfg.HTTP.OperatorID,
		AccountTokens: cfg.HTTP.Accounts,
		JWTSecret:     []byte(cfg.HTTP.JWTSecret),
	}, logger.Named("api"))
	ctrl.Stakes = pool
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           ctrl.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newConverter(cfg *config.Config, assets model.Assets, bank *custody.Bank) (ledger.Converter, error) {
	if cfg.Converter.Mode == "http" {
		remote := converter.NewHTTP(cfg.Converter.BaseURL, cfg.Converter.APIKey, cfg.Proxy)
		return converter.Settled(remote, assets, bank), nil
	}
	mintRate, err := converter.ParseRate(cfg.Converter.MintRate)
	if err != nil {
		return nil, fmt.Errorf("converter.mint_rate: %w", err)
	}
	redeemRate, err := converter.ParseRate(cfg.Converter.RedeemRate)
	if err != nil {
		return nil, fmt.Errorf("converter.redeem_rate: %w", err)
	}
	return converter.NewFixed(assets, map[model.BatchKind]converter.Rate{
		model.Mint:   mintRate,
		model.Redeem: redeemRate,
	}, bank), nil
}

// newStore returns nil for the memory driver. Persistent stores save the
// bank with every snapshot.
func newStore(ctx context.Context, cfg *config.Config, bank *custody.Bank) (storage.Durable, func(), error) {
	switch cfg.Storage.Driver {
	case "file":
		return storage.NewFileStore(cfg.Storage.Path, storage.WithCustody(bank)), func() {}, nil
	case "sqlite":
		db, err := storage.Open(ctx, storage.Config{Path: cfg.Storage.Path})
		if err != nil {
			return nil, nil, fmt.Errorf("open state db: %w", err)
		}
		return storage.NewSQLiteStore(db, storage.WithCustody(bank)), func() { _ = db.Close() }, nil
	}
	return nil, func() {}, nil
}

func parseThresholds(cfg *config.Config) (map[model.BatchKind]model.Amount, error) {
	mint, err := model.ParseAmount(cfg.Engine.MintThreshold)
	if err != nil {
		return nil, fmt.Errorf("engine.mint_threshold: %w", err)
	}
	redeem, err := model.ParseAmount(cfg.Engine.RedeemThreshold)
	if err != nil {
		return nil, fmt.Errorf("engine.redeem_threshold: %w", err)
	}
	return map[model.BatchKind]model.Amount{model.Mint: mint, model.Redeem: redeem}, nil
}

func fundGenesis(bank *custody.Bank, balances []config.Balance) error {
	for _, g := range balances {
		amount, err := model.ParseAmount(g.Amount)
		if err != nil {
			return fmt.Errorf("genesis %s/%s: %w", g.Account, g.Asset, err)
		}
		if err := bank.Mint(g.Asset, g.Account, amount); err != nil {
			return fmt.Errorf("genesis %s/%s: %w", g.Account, g.Asset, err)
		}
		bank.Approve(g.Asset, g.Account, amount)
	}
	return nil
}
