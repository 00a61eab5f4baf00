// Command catalogcheck downloads the scrip master once, reports what the
// normalizer kept, and optionally resolves a price the way the webhook would.
//
// Usage:
//
//	catalogcheck -config config.yaml -price 52480 -message BUY
//	catalogcheck -mock -price 52480 -message SELL
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	"github.com/eddiefleurent/scrip_bridge/internal/catalog"
	"github.com/eddiefleurent/scrip_bridge/internal/config"
	"github.com/eddiefleurent/scrip_bridge/internal/expiry"
	"github.com/eddiefleurent/scrip_bridge/internal/mock"
	"github.com/eddiefleurent/scrip_bridge/internal/resolver"
	"github.com/eddiefleurent/scrip_bridge/internal/retry"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func main() {
	var (
		configPath string
		price      string
		message    string
		useMock    bool
		spot       float64
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&price, "price", "", "Reference price to resolve (optional)")
	flag.StringVar(&message, "message", "BUY", "Signal message")
	flag.BoolVar(&useMock, "mock", false, "Serve a synthetic scrip master instead of downloading")
	flag.Float64Var(&spot, "spot", 52480, "Spot price for the synthetic scrip master")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	_ = godotenv.Load()

	cfg, err := loadConfig(configPath, useMock)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load config")
	}

	if useMock {
		gen := mock.NewCatalogGenerator(decimal.NewFromFloat(spot))
		body, err := gen.CSV()
		if err != nil {
			logger.WithError(err).Fatal("Failed to generate scrip master")
		}
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/csv")
			_, _ = w.Write(body)
		}))
		defer ts.Close()
		cfg.Catalog.URL = ts.URL + "/api-scrip-master.csv"
	}

	if err := run(context.Background(), cfg, price, message, logger); err != nil {
		logger.WithError(err).Error("Catalog check failed")
		os.Exit(1)
	}
}

func loadConfig(path string, useMock bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil || !useMock {
		return cfg, err
	}
	// Mock runs work without a config file.
	return config.Parse([]byte(`
environment: {mode: paper}
catalog: {url: "http://localhost/mock.csv"}
instrument: {underlying: BANKNIFTY, exclude: [BANKEX], strike_increment: 100, rollover_days: 5, default_lot_size: 30}
server: {port: 5000}
`))
}

func run(ctx context.Context, cfg *config.Config, price, message string, logger *logrus.Logger) error {
	fetcher := catalog.NewFetcher(cfg.Catalog.URL, cfg.GetFetchTimeout(),
		catalog.WithRetry(retry.NewClient(logger, retry.Config{
			MaxRetries:     cfg.Catalog.MaxRetries,
			InitialBackoff: cfg.GetInitialBackoff(),
		})),
		catalog.WithLogger(logger))
	normalizer := catalog.NewNormalizer(catalog.Filter{
		Underlying: cfg.Instrument.Underlying,
		Exclude:    cfg.Instrument.Exclude,
		Family:     cfg.Instrument.Family,
		Exchange:   cfg.Instrument.Exchange,
	})

	start := time.Now()
	raw, err := fetcher.Fetch(ctx)
	if err != nil {
		return err
	}
	snap, stats, err := normalizer.NormalizeWithStats(raw)
	if err != nil {
		return err
	}

	loc := cfg.Location()
	today := expiry.Today(time.Now(), loc)
	logger.WithFields(logrus.Fields{
		"url":            fetcher.URL(),
		"duration":       time.Since(start).Round(time.Millisecond),
		"raw_rows":       stats.RawRows,
		"matched":        stats.Matched,
		"kept":           stats.Kept,
		"dropped_expiry": stats.DroppedExpiry,
		"dropped_strike": stats.DroppedStrike,
		"dropped_type":   stats.DroppedType,
		"dropped_id":     stats.DroppedID,
		"missing_lots":   stats.MissingLotSizes,
	}).Info("Scrip master normalized")

	if current, next, ok := expiry.ActiveCycle(snap.Expiries(), today); ok {
		selected := expiry.Select(current, next, today, cfg.Instrument.RolloverDays)
		logger.WithFields(logrus.Fields{
			"today":    today.Format(time.DateOnly),
			"current":  current.Format(time.DateOnly),
			"next":     next.Format(time.DateOnly),
			"selected": selected.Format(time.DateOnly),
		}).Info("Active expiry cycle")
	} else {
		logger.WithField("today", today.Format(time.DateOnly)).Warn("No expiry on or after today")
	}

	if price == "" {
		return nil
	}

	p, err := decimal.NewFromString(price)
	if err != nil {
		return fmt.Errorf("parsing -price: %w", err)
	}
	res := resolver.New(resolver.Config{
		StrikeIncrement:  decimal.NewFromFloat(cfg.Instrument.StrikeIncrement),
		OffsetIncrements: cfg.Instrument.StrikeOffsetIncrements,
		RolloverDays:     cfg.Instrument.RolloverDays,
		DefaultLotSize:   cfg.Instrument.DefaultLotSize,
		BuyKeyword:       cfg.Instrument.BuyKeyword,
		Location:         loc,
	}, nil, logger)

	contract, err := res.Resolve(decimal.NullDecimal{Decimal: p, Valid: true}, message, snap, today)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(struct {
		*resolver.Contract
		TradingSymbol string `json:"trading_symbol"`
	}{contract, tradingSymbol(snap, contract.SecurityID)}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func tradingSymbol(snap *catalog.Snapshot, securityID string) string {
	inst, ok := snap.ByID(securityID)
	if !ok {
		return ""
	}
	return inst.TradingSymbol(snap.Underlying())
}
