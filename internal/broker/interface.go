// Package broker talks to the brokerage order API.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Broker places orders and reports open positions.
type Broker interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)
	GetPositions(ctx context.Context) ([]Position, error)
}

// Ensure implementations satisfy Broker at compile time.
var (
	_ Broker = (*DhanClient)(nil)
	_ Broker = (*CircuitBreakerBroker)(nil)
)

// isPermanentAPIError reports a 4xx rejection other than 429. Such errors
// reflect the request, not broker health, and do not count toward tripping.
func isPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		// A permanent rejection still carries a usable result.
		if v, ok := res.(T); ok && isPermanentAPIError(err) {
			return v, err
		}
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings are used by NewCircuitBreakerBroker.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  3,
	Interval:     60 * time.Second,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.6,
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with default settings.
func NewCircuitBreakerBroker(broker Broker, logger logrus.FieldLogger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, DefaultCircuitBreakerSettings, logger)
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings, logger logrus.FieldLogger) *CircuitBreakerBroker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gbSettings := gobreaker.Settings{
		Name:        "DhanBroker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isPermanentAPIError(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State returns the breaker state, for health reporting.
func (c *CircuitBreakerBroker) State() gobreaker.State {
	return c.breaker.State()
}

// PlaceOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.PlaceOrder(ctx, req)
	})
}

// GetPositions wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]Position, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Position, error) {
		return b.GetPositions(ctx)
	})
}
