package main

import (
	"context"
	"fmt"
	"time"

	"github.com/eddiefleurent/scrip_bridge/internal/broker"
	"github.com/eddiefleurent/scrip_bridge/internal/cache"
	"github.com/eddiefleurent/scrip_bridge/internal/catalog"
	"github.com/eddiefleurent/scrip_bridge/internal/config"
	"github.com/eddiefleurent/scrip_bridge/internal/history"
	"github.com/eddiefleurent/scrip_bridge/internal/mock"
	"github.com/eddiefleurent/scrip_bridge/internal/orders"
	"github.com/eddiefleurent/scrip_bridge/internal/resolver"
	"github.com/eddiefleurent/scrip_bridge/internal/retry"
	"github.com/eddiefleurent/scrip_bridge/internal/server"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// Bridge owns the long-lived components.
type Bridge struct {
	config     *config.Config
	cache      *cache.Cache
	resolver   *resolver.Resolver
	broker     broker.Broker
	dispatcher *orders.Dispatcher
	history    *history.JSONStore
	server     *server.Server
	logger     *logrus.Logger
}

// newBridge wires every component. It performs no network I/O.
func newBridge(cfg *config.Config, logger *logrus.Logger) (*Bridge, error) {
	b := &Bridge{config: cfg, logger: logger}

	fetchRetry := retry.NewClient(logger.WithField("component", "catalog"), retry.Config{
		MaxRetries:     cfg.Catalog.MaxRetries,
		InitialBackoff: cfg.GetInitialBackoff(),
	})
	fetcher := catalog.NewFetcher(cfg.Catalog.URL, cfg.GetFetchTimeout(),
		catalog.WithRetry(fetchRetry),
		catalog.WithLogger(logger.WithField("component", "catalog")))
	normalizer := catalog.NewNormalizer(catalog.Filter{
		Underlying: cfg.Instrument.Underlying,
		Exclude:    cfg.Instrument.Exclude,
		Family:     cfg.Instrument.Family,
		Exchange:   cfg.Instrument.Exchange,
	})
	source := catalog.NewSource(fetcher, normalizer, logger.WithField("component", "catalog"))

	b.cache = cache.New(source, cache.Config{
		RefreshInterval: cfg.GetRefreshInterval(),
		ColdStartWait:   cfg.GetColdStartWait(),
		ColdStartRetry:  cfg.GetColdStartRetry(),
		StaleAfter:      cfg.GetStaleAfter(),
	}, logger.WithField("component", "cache"))

	b.resolver = resolver.New(resolver.Config{
		StrikeIncrement:  decimal.NewFromFloat(cfg.Instrument.StrikeIncrement),
		OffsetIncrements: cfg.Instrument.StrikeOffsetIncrements,
		RolloverDays:     cfg.Instrument.RolloverDays,
		DefaultLotSize:   cfg.Instrument.DefaultLotSize,
		BuyKeyword:       cfg.Instrument.BuyKeyword,
		Location:         cfg.Location(),
	}, b.cache, logger.WithField("component", "resolver"))

	if cfg.IsPaperTrading() {
		b.broker = mock.NewPaperBroker(b.symbolLookup, logger.WithField("component", "paper-broker"))
	} else {
		dhan := broker.NewDhanClient(cfg.Broker.APIEndpoint, cfg.Broker.ClientID, cfg.Broker.AccessToken,
			cfg.GetBrokerTimeout(), logger.WithField("component", "broker"))
		b.broker = broker.NewCircuitBreakerBroker(dhan, logger.WithField("component", "broker"))
	}

	b.dispatcher = orders.NewDispatcher(b.broker, logger.WithField("component", "orders"), orders.Config{
		Underlying:      cfg.Instrument.Underlying,
		Exclude:         cfg.Instrument.Exclude,
		ExchangeSegment: cfg.Broker.ExchangeSegment,
		ProductType:     cfg.Broker.ProductType,
		ReverseOnSignal: cfg.Orders.ReverseOnSignal,
		SettleDelay:     cfg.GetSettleDelay(),
		CallTimeout:     cfg.GetBrokerTimeout(),
	})

	store, err := history.NewJSONStore(cfg.History.Path, cfg.History.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("opening trade history: %w", err)
	}
	b.history = store

	b.server = server.NewServer(server.Config{
		Port:            cfg.Server.Port,
		AuthToken:       cfg.Server.AuthToken,
		RateLimitPerSec: cfg.Server.RateLimitPerSec,
		RateBurst:       cfg.Server.RateBurst,
		Location:        cfg.Location(),
		RolloverDays:    cfg.Instrument.RolloverDays,
	}, b.resolver, b.dispatcher, b.cache, b.history, logger.WithField("component", "server"))

	return b, nil
}

// symbolLookup names a security the way the broker reports positions.
func (b *Bridge) symbolLookup(securityID string) (string, bool) {
	snap := b.cache.Snapshot()
	inst, ok := snap.ByID(securityID)
	if !ok {
		return "", false
	}
	return inst.TradingSymbol(snap.Underlying()), true
}

// Run starts the cache and the HTTP server and blocks until ctx is canceled
// or the server fails.
func (b *Bridge) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := b.cache.Start(gctx); err != nil {
		return fmt.Errorf("starting catalog cache: %w", err)
	}

	g.Go(b.server.Start)

	g.Go(func() error {
		<-gctx.Done()
		b.logger.Info("Shutdown signal received, stopping bridge...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := b.server.Shutdown(shutdownCtx)
		b.cache.Stop()
		if saveErr := b.history.Save(); saveErr != nil {
			b.logger.WithError(saveErr).Error("Failed to save trade history")
		}
		return err
	})

	return g.Wait()
}
