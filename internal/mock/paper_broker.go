package mock

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/eddiefleurent/scrip_bridge/internal/broker"
	"github.com/sirupsen/logrus"
)

// SymbolFunc maps a security ID to its trading symbol.
type SymbolFunc func(securityID string) (string, bool)

// PaperBroker fills every market order immediately and tracks net positions
// in memory.
type PaperBroker struct {
	mu        sync.Mutex
	symbols   SymbolFunc
	positions map[string]*broker.Position
	order     []string // first-seen order of positions
	orders    []broker.OrderRequest
	nextID    int64
	logger    logrus.FieldLogger
}

// Ensure PaperBroker implements broker.Broker
var _ broker.Broker = (*PaperBroker)(nil)

// NewPaperBroker creates a paper broker. symbols may be nil, in which case
// positions carry the security ID as their trading symbol.
func NewPaperBroker(symbols SymbolFunc, logger logrus.FieldLogger) *PaperBroker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PaperBroker{
		symbols:   symbols,
		positions: make(map[string]*broker.Position),
		nextID:    1_000_000 + secureInt63n(1_000_000),
		logger:    logger,
	}
}

// PlaceOrder fills req at once.
func (p *PaperBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.SecurityID == "" || req.Quantity <= 0 {
		return nil, &broker.APIError{Status: 400, Code: "PAPER-400",
			Message: fmt.Sprintf("invalid order: security %q quantity %d", req.SecurityID, req.Quantity)}
	}

	delta := req.Quantity
	switch req.TransactionType {
	case broker.TransactionBuy:
	case broker.TransactionSell:
		delta = -delta
	default:
		return nil, &broker.APIError{Status: 400, Code: "PAPER-400",
			Message: fmt.Sprintf("invalid transaction type %q", req.TransactionType)}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[req.SecurityID]
	if !ok {
		symbol := req.SecurityID
		if p.symbols != nil {
			if s, found := p.symbols(req.SecurityID); found {
				symbol = s
			}
		}
		pos = &broker.Position{
			TradingSymbol:   symbol,
			SecurityID:      req.SecurityID,
			ExchangeSegment: req.ExchangeSegment,
			ProductType:     req.ProductType,
		}
		p.positions[req.SecurityID] = pos
		p.order = append(p.order, req.SecurityID)
	}
	if delta > 0 {
		pos.BuyQty += delta
	} else {
		pos.SellQty -= delta
	}
	pos.NetQty += delta
	pos.PositionType = positionType(pos.NetQty)

	p.orders = append(p.orders, req)
	p.nextID++
	id := strconv.FormatInt(p.nextID, 10)

	p.logger.WithFields(logrus.Fields{
		"order_id":    id,
		"security_id": req.SecurityID,
		"symbol":      pos.TradingSymbol,
		"side":        req.TransactionType,
		"quantity":    req.Quantity,
		"net_qty":     pos.NetQty,
	}).Info("Paper order filled")

	return &broker.OrderResponse{OrderID: id, OrderStatus: "TRADED"}, nil
}

// GetPositions returns a copy of all positions, including closed ones.
func (p *PaperBroker) GetPositions(ctx context.Context) ([]broker.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]broker.Position, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, *p.positions[id])
	}
	return out, nil
}

// Orders returns every order received so far.
func (p *PaperBroker) Orders() []broker.OrderRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]broker.OrderRequest(nil), p.orders...)
}

func positionType(net int) string {
	switch {
	case net > 0:
		return "LONG"
	case net < 0:
		return "SHORT"
	}
	return "CLOSED"
}
