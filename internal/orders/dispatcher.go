// Package orders turns a resolved contract into broker orders.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eddiefleurent/scrip_bridge/internal/broker"
	"github.com/eddiefleurent/scrip_bridge/internal/catalog"
	"github.com/eddiefleurent/scrip_bridge/internal/resolver"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const remarkEntryFailed = "Entry Failed"

// Config contains configuration for the dispatcher.
type Config struct {
	// Underlying and Exclude select which open positions belong to us.
	Underlying      string
	Exclude         []string
	ExchangeSegment string
	ProductType     string
	// ReverseOnSignal flattens opposite-type positions before entry.
	ReverseOnSignal bool
	// SettleDelay is waited after closing positions and before entry.
	SettleDelay time.Duration
	CallTimeout time.Duration
}

// DefaultConfig is the default configuration for the dispatcher.
var DefaultConfig = Config{
	Underlying:      "BANKNIFTY",
	ExchangeSegment: broker.SegmentNSEFNO,
	ProductType:     broker.ProductMargin,
	ReverseOnSignal: true,
	SettleDelay:     500 * time.Millisecond,
	CallTimeout:     10 * time.Second,
}

// Result is the outcome of one dispatch.
type Result struct {
	Success       bool   `json:"success"`
	OrderID       string `json:"order_id,omitempty"`
	CorrelationID string `json:"correlation_id"`
	Remarks       string `json:"remarks"`
	// Reversed is set when at least one opposite position was closed.
	Reversed bool `json:"reversed"`
	Closed   int  `json:"closed"`
}

// Dispatcher places entry orders for resolved contracts.
type Dispatcher struct {
	broker broker.Broker
	config Config
	logger logrus.FieldLogger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(b broker.Broker, logger logrus.FieldLogger, config ...Config) *Dispatcher {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.ExchangeSegment == "" {
		cfg.ExchangeSegment = DefaultConfig.ExchangeSegment
	}
	if cfg.ProductType == "" {
		cfg.ProductType = DefaultConfig.ProductType
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	if b == nil {
		panic("orders.NewDispatcher: broker must not be nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Dispatcher{
		broker: b,
		config: cfg,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Dispatch optionally reverses opposite positions, then buys c.LotSize of c.
// A failed entry returns both a Result carrying the broker's remark and an error.
func (d *Dispatcher) Dispatch(ctx context.Context, c *resolver.Contract) (*Result, error) {
	if c == nil {
		return nil, errors.New("dispatch: nil contract")
	}
	res := &Result{CorrelationID: newCorrelationID()}
	log := d.logger.WithFields(logrus.Fields{
		"correlation_id": res.CorrelationID,
		"security_id":    c.SecurityID,
		"strike":         c.Strike.String(),
		"option_type":    c.OptionType.Code(),
	})

	if d.config.ReverseOnSignal {
		res.Closed = d.reverse(ctx, c.OptionType, log)
		res.Reversed = res.Closed > 0
		if res.Reversed && d.config.SettleDelay > 0 {
			if err := d.sleep(ctx, d.config.SettleDelay); err != nil {
				res.Remarks = remarkEntryFailed
				return res, fmt.Errorf("waiting for reversal to settle: %w", err)
			}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.config.CallTimeout)
	defer cancel()

	resp, err := d.broker.PlaceOrder(callCtx, broker.OrderRequest{
		CorrelationID:   res.CorrelationID,
		TransactionType: broker.TransactionBuy,
		ExchangeSegment: d.config.ExchangeSegment,
		ProductType:     d.config.ProductType,
		OrderType:       broker.OrderTypeMarket,
		Validity:        broker.ValidityDay,
		SecurityID:      c.SecurityID,
		Quantity:        c.LotSize,
	})
	if err != nil {
		res.Remarks = failureRemark(err)
		log.WithError(err).Error("Entry order failed")
		return res, fmt.Errorf("entry order for %s: %w", c.SecurityID, err)
	}

	res.Success = true
	res.OrderID = resp.OrderID
	res.Remarks = successRemark(c, res.Reversed)
	log.WithFields(logrus.Fields{
		"order_id": resp.OrderID,
		"quantity": c.LotSize,
		"reversed": res.Reversed,
	}).Info(res.Remarks)
	return res, nil
}

// reverse closes open positions of the opposite option type and returns how
// many were closed. Failures are logged and never block the entry.
func (d *Dispatcher) reverse(ctx context.Context, entry catalog.OptionType, log logrus.FieldLogger) int {
	callCtx, cancel := context.WithTimeout(ctx, d.config.CallTimeout)
	positions, err := d.broker.GetPositions(callCtx)
	cancel()
	if err != nil {
		log.WithError(err).Warn("Could not fetch positions for reversal")
		return 0
	}

	closed := 0
	for _, p := range d.OppositePositions(positions, entry) {
		side, qty := broker.TransactionSell, p.NetQty
		if qty < 0 {
			side, qty = broker.TransactionBuy, -qty
		}
		segment := p.ExchangeSegment
		if segment == "" {
			segment = d.config.ExchangeSegment
		}
		product := p.ProductType
		if product == "" {
			product = d.config.ProductType
		}

		plog := log.WithFields(logrus.Fields{
			"closing_symbol":   p.TradingSymbol,
			"closing_security": p.SecurityID,
			"closing_side":     side,
			"closing_quantity": qty,
		})

		callCtx, cancel := context.WithTimeout(ctx, d.config.CallTimeout)
		_, err := d.broker.PlaceOrder(callCtx, broker.OrderRequest{
			CorrelationID:   newCorrelationID(),
			TransactionType: side,
			ExchangeSegment: segment,
			ProductType:     product,
			OrderType:       broker.OrderTypeMarket,
			Validity:        broker.ValidityDay,
			SecurityID:      p.SecurityID,
			Quantity:        qty,
		})
		cancel()
		if err != nil {
			plog.WithError(err).Warn("Failed to close opposite position")
			continue
		}
		plog.Info("Closed opposite position")
		closed++
	}
	return closed
}

// OppositePositions filters positions down to open contracts of the
// configured underlying whose option type is the opposite of entry.
func (d *Dispatcher) OppositePositions(positions []broker.Position, entry catalog.OptionType) []broker.Position {
	underlying := strings.ToUpper(strings.TrimSpace(d.config.Underlying))
	suffix := entry.Opposite().Code()

	var out []broker.Position
	for _, p := range positions {
		if p.NetQty == 0 {
			continue
		}
		sym := strings.ToUpper(strings.TrimSpace(p.TradingSymbol))
		if underlying != "" && !strings.Contains(sym, underlying) {
			continue
		}
		if d.excluded(sym) {
			continue
		}
		if !strings.HasSuffix(sym, suffix) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (d *Dispatcher) excluded(sym string) bool {
	for _, ex := range d.config.Exclude {
		ex = strings.ToUpper(strings.TrimSpace(ex))
		if ex != "" && strings.Contains(sym, ex) {
			return true
		}
	}
	return false
}

func successRemark(c *resolver.Contract, reversed bool) string {
	if reversed {
		return fmt.Sprintf("Closed %s & Opened %s %s", c.OptionType.Opposite().Code(), c.OptionType.Code(), c.Strike.String())
	}
	return fmt.Sprintf("Opened %s %s", c.OptionType.Code(), c.Strike.String())
}

func failureRemark(err error) string {
	var apiErr *broker.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return remarkEntryFailed
}

// newCorrelationID returns a compact UUID; the broker caps correlation IDs
// well below the 36 characters of the canonical form.
func newCorrelationID() string {
	return shortID(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// shortID truncates id to 20 characters.
func shortID(id string) string {
	if len(id) > 20 {
		return id[:20]
	}
	return id
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
