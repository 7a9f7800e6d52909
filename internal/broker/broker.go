// Package broker provides the trading API client used to submit and manage
// individual option leg orders, plus decorators for circuit breaking and
// rate governance.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"condorbot/internal/models"
)

// OrderIntent distinguishes opening a new leg from flattening an existing one.
type OrderIntent string

const (
	// IntentOpen establishes a new leg.
	IntentOpen OrderIntent = "open"
	// IntentClose flattens an existing leg.
	IntentClose OrderIntent = "close"
)

// LegOrder is a request to trade a single option leg.
type LegOrder struct {
	Side       models.LegSide
	Intent     OrderIntent
	Instrument models.Instrument
	Quantity   int
	// LimitPrice of zero submits a market order.
	LimitPrice float64
	// Tag is echoed back by the broker for audit trails.
	Tag string
}

// tradierSide renders side and intent in the broker's wire vocabulary.
func (o LegOrder) tradierSide() string {
	switch {
	case o.Side == models.SideBuy && o.Intent == IntentOpen:
		return "buy_to_open"
	case o.Side == models.SideSell && o.Intent == IntentOpen:
		return "sell_to_open"
	case o.Side == models.SideBuy && o.Intent == IntentClose:
		return "buy_to_close"
	default:
		return "sell_to_close"
	}
}

// SubmitStatus tags the three possible submission outcomes. There is no
// fourth: any response that cannot be positively classified is Unknown, and
// Unknown is never collapsed into Rejected.
type SubmitStatus string

const (
	// SubmitAccepted means the broker accepted the order and returned an ID.
	SubmitAccepted SubmitStatus = "accepted"
	// SubmitRejected means the broker definitively refused the order;
	// nothing was placed.
	SubmitRejected SubmitStatus = "rejected"
	// SubmitUnknown means the outcome could not be determined (timeout,
	// transport failure, unparseable response). The order may or may not
	// exist at the broker.
	SubmitUnknown SubmitStatus = "unknown"
)

// SubmitResult is the outcome of a leg order submission.
type SubmitResult struct {
	Status  SubmitStatus
	OrderID string // set when Status == SubmitAccepted
	Reason  string // set when Status == SubmitRejected
	Raw     string // raw payload or error text when Status == SubmitUnknown
}

// Order lifecycle states as reported by the broker.
const (
	OrderStateOpen      = "open"
	OrderStatePending   = "pending"
	OrderStateFilled    = "filled"
	OrderStatePartial   = "partially_filled"
	OrderStateRejected  = "rejected"
	OrderStateCancelled = "canceled"
	OrderStateExpired   = "expired"
)

// OrderStatus is a snapshot of one broker order.
type OrderStatus struct {
	OrderID      string
	State        string
	FilledQty    int
	AvgFillPrice float64
}

// Filled reports whether the order filled completely.
func (s *OrderStatus) Filled() bool { return s.State == OrderStateFilled }

// Terminal reports whether the order can no longer fill.
func (s *OrderStatus) Terminal() bool {
	switch s.State {
	case OrderStateFilled, OrderStateRejected, OrderStateCancelled, OrderStateExpired:
		return true
	default:
		return false
	}
}

// LegQuote is a two-sided market for a single option contract.
type LegQuote struct {
	Symbol string
	Bid    float64
	Ask    float64
}

// Mid returns the quote midpoint, or zero when either side is missing.
func (q *LegQuote) Mid() float64 {
	if q.Bid <= 0 || q.Ask <= 0 {
		return 0
	}
	return (q.Bid + q.Ask) / 2
}

// Usable reports whether the quote is two-sided and crossed sanely.
func (q *LegQuote) Usable() bool {
	return q.Bid > 0 && q.Ask > 0 && q.Ask >= q.Bid
}

// BrokerLeg is one open leg as reported by the broker's position endpoint.
type BrokerLeg struct {
	Symbol    string // OCC option symbol
	Side      models.LegSide
	Quantity  int
	CostBasis float64
}

// Broker is the trading API surface the engine depends on. Implementations
// must be safe for concurrent use.
type Broker interface {
	SubmitLegOrder(ctx context.Context, order LegOrder) (SubmitResult, error)
	GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetLegQuote(ctx context.Context, inst models.Instrument) (*LegQuote, error)
	GetUnderlyingQuote(ctx context.Context, symbol string) (*LegQuote, error)
	GetOpenLegs(ctx context.Context) ([]BrokerLeg, error)
	GetAccountBalance(ctx context.Context) (float64, error)
}

// APIError represents an API error with status code and response body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// IsRateLimited reports whether err is an upstream rate-limit response.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests
}

// isDefinitiveRejection reports whether err is a client-side validation
// failure, meaning the broker saw the order and refused it.
func isDefinitiveRejection(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusForbidden:
		return true
	default:
		return false
	}
}
