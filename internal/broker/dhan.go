package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/eddiefleurent/scrip_bridge/internal/retry"
	"github.com/sirupsen/logrus"
)

// DefaultBaseURL is the Dhan v2 REST endpoint.
const DefaultBaseURL = "https://api.dhan.co/v2"

const defaultTimeout = 10 * time.Second

// Order field values accepted by the Dhan API.
const (
	TransactionBuy  = "BUY"
	TransactionSell = "SELL"

	OrderTypeMarket = "MARKET"
	ValidityDay     = "DAY"

	SegmentNSEFNO = "NSE_FNO"
	ProductMargin = "MARGIN"
)

// APIError represents a non-2xx response from the broker.
type APIError struct {
	Status  int
	Body    string
	Code    string // errorCode from the response body, when present
	Message string // errorMessage from the response body, when present
}

func (e *APIError) Error() string {
	if e.Code != "" || e.Message != "" {
		return fmt.Sprintf("API error %d: %s %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// Transient reports whether the request may succeed if repeated.
func (e *APIError) Transient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Remark is a short human-readable reason for the failure.
func (e *APIError) Remark() string {
	if e.Message != "" {
		return e.Message
	}
	return http.StatusText(e.Status)
}

// OrderRequest is the body of POST /orders.
type OrderRequest struct {
	DhanClientID    string  `json:"dhanClientId,omitempty"`
	CorrelationID   string  `json:"correlationId,omitempty"`
	TransactionType string  `json:"transactionType"`
	ExchangeSegment string  `json:"exchangeSegment"`
	ProductType     string  `json:"productType"`
	OrderType       string  `json:"orderType"`
	Validity        string  `json:"validity"`
	SecurityID      string  `json:"securityId"`
	Quantity        int     `json:"quantity"`
	Price           float64 `json:"price"`
}

// OrderResponse is returned by POST /orders.
type OrderResponse struct {
	OrderID     string `json:"orderId"`
	OrderStatus string `json:"orderStatus"`
}

// Position is one row of GET /positions.
type Position struct {
	DhanClientID    string  `json:"dhanClientId"`
	TradingSymbol   string  `json:"tradingSymbol"`
	SecurityID      string  `json:"securityId"`
	PositionType    string  `json:"positionType"`
	ExchangeSegment string  `json:"exchangeSegment"`
	ProductType     string  `json:"productType"`
	BuyAvg          float64 `json:"buyAvg"`
	BuyQty          int     `json:"buyQty"`
	SellAvg         float64 `json:"sellAvg"`
	SellQty         int     `json:"sellQty"`
	NetQty          int     `json:"netQty"`
}

type dhanErrorBody struct {
	ErrorType    string `json:"errorType"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// DhanClient is a minimal Dhan v2 REST client.
type DhanClient struct {
	client      *http.Client
	baseURL     string
	clientID    string
	accessToken string
	retry       *retry.Client
	logger      logrus.FieldLogger
}

// DhanOption customizes a DhanClient.
type DhanOption func(*DhanClient)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) DhanOption {
	return func(d *DhanClient) {
		if c != nil {
			d.client = c
		}
	}
}

// WithRetry sets the retry policy for read-only calls. Orders are never retried.
func WithRetry(r *retry.Client) DhanOption {
	return func(d *DhanClient) {
		if r != nil {
			d.retry = r
		}
	}
}

// NewDhanClient creates a client. An empty baseURL selects DefaultBaseURL.
func NewDhanClient(baseURL, clientID, accessToken string, timeout time.Duration,
	logger logrus.FieldLogger, opts ...DhanOption) *DhanClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	d := &DhanClient{
		client:      &http.Client{Timeout: timeout},
		baseURL:     strings.TrimRight(baseURL, "/"),
		clientID:    clientID,
		accessToken: accessToken,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.retry == nil {
		d.retry = retry.NewClient(logger, retry.Config{MaxRetries: 2, InitialBackoff: 500 * time.Millisecond, Timeout: timeout * 3})
	}
	return d
}

// PlaceOrder submits an order. A rejected order is an *APIError.
func (d *DhanClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	if req.DhanClientID == "" {
		req.DhanClientID = d.clientID
	}
	if req.Validity == "" {
		req.Validity = ValidityDay
	}

	var resp OrderResponse
	if err := d.makeRequestCtx(ctx, http.MethodPost, "/orders", req, &resp); err != nil {
		return nil, fmt.Errorf("place order %s %d x %s: %w", req.TransactionType, req.Quantity, req.SecurityID, err)
	}
	d.logger.WithFields(logrus.Fields{
		"order_id":       resp.OrderID,
		"order_status":   resp.OrderStatus,
		"security_id":    req.SecurityID,
		"side":           req.TransactionType,
		"quantity":       req.Quantity,
		"correlation_id": req.CorrelationID,
	}).Info("Order placed")
	return &resp, nil
}

// GetPositions returns the day's positions, retrying transient failures.
func (d *DhanClient) GetPositions(ctx context.Context) ([]Position, error) {
	var positions []Position
	err := d.retry.Do(ctx, "get positions", func(ctx context.Context) error {
		positions = nil
		return d.makeRequestCtx(ctx, http.MethodGet, "/positions", nil, &positions)
	})
	if err != nil {
		return nil, err
	}
	return positions, nil
}

func (d *DhanClient) makeRequestCtx(ctx context.Context, method, path string, body, response interface{}) error {
	endpoint := d.baseURL + path

	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("access-token", d.accessToken)
	req.Header.Set("client-id", d.clientID)
	req.Header.Set("User-Agent", "scrip-bridge/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			d.logger.WithError(err).Debug("Failed to close response body")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, path)}
		}
		apiErr := &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		var eb dhanErrorBody
		if json.Unmarshal(raw, &eb) == nil {
			apiErr.Code = eb.ErrorCode
			apiErr.Message = eb.ErrorMessage
		}
		return apiErr
	}

	if resp.StatusCode == http.StatusNoContent || response == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(response); err != nil && err != io.EOF {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
