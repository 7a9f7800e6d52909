package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"condorbot/internal/models"
)

// CircuitBreakerBroker wraps a Broker with transport-level circuit breaking.
// It guards against a broken or flapping API endpoint; upstream rate limits
// are handled separately by the governor.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with sensible defaults.
func NewCircuitBreakerBroker(broker Broker, log *logrus.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, log, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with
// custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, log *logrus.Logger, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
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
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execBreaker is a generic helper for circuit breaker wrapper methods.
func execBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
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

// SubmitLegOrder wraps the underlying broker call with circuit breaking.
// When the breaker is open the outcome is Unknown, never Rejected: an open
// breaker says nothing about whether the broker saw the order.
func (c *CircuitBreakerBroker) SubmitLegOrder(ctx context.Context, order LegOrder) (SubmitResult, error) {
	res, err := execBreaker(c.breaker, c.broker, func(b Broker) (SubmitResult, error) {
		return b.SubmitLegOrder(ctx, order)
	})
	if err != nil && res.Status == "" {
		return SubmitResult{Status: SubmitUnknown, Raw: err.Error()}, err
	}
	return res, err
}

// GetOrderStatus wraps the underlying broker call with circuit breaking.
func (c *CircuitBreakerBroker) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) (*OrderStatus, error) {
		return b.GetOrderStatus(ctx, orderID)
	})
}

// CancelOrder wraps the underlying broker call with circuit breaking.
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID string) error {
	_, err := execBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrder(ctx, orderID)
	})
	return err
}

// GetLegQuote wraps the underlying broker call with circuit breaking.
func (c *CircuitBreakerBroker) GetLegQuote(ctx context.Context, inst models.Instrument) (*LegQuote, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) (*LegQuote, error) {
		return b.GetLegQuote(ctx, inst)
	})
}

// GetUnderlyingQuote wraps the underlying broker call with circuit breaking.
func (c *CircuitBreakerBroker) GetUnderlyingQuote(ctx context.Context, symbol string) (*LegQuote, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) (*LegQuote, error) {
		return b.GetUnderlyingQuote(ctx, symbol)
	})
}

// GetOpenLegs wraps the underlying broker call with circuit breaking.
func (c *CircuitBreakerBroker) GetOpenLegs(ctx context.Context) ([]BrokerLeg, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) ([]BrokerLeg, error) {
		return b.GetOpenLegs(ctx)
	})
}

// GetAccountBalance wraps the underlying broker call with circuit breaking.
func (c *CircuitBreakerBroker) GetAccountBalance(ctx context.Context) (float64, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) (float64, error) {
		return b.GetAccountBalance(ctx)
	})
}

var _ Broker = (*CircuitBreakerBroker)(nil)
