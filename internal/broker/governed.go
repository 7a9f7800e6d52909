package broker

import (
	"context"

	"condorbot/internal/governor"
	"condorbot/internal/models"
)

type priorityKey struct{}

// WithPriority tags ctx with the governor priority for subsequent broker
// calls. Untagged contexts default to scan priority.
func WithPriority(ctx context.Context, p governor.Priority) context.Context {
	return context.WithValue(ctx, priorityKey{}, p)
}

// PriorityFrom extracts the governor priority from ctx.
func PriorityFrom(ctx context.Context) governor.Priority {
	if p, ok := ctx.Value(priorityKey{}).(governor.Priority); ok {
		return p
	}
	return governor.PriorityScan
}

// GovernedBroker routes every broker call through the shared rate governor.
// Reads consult the governor's cache first; a cache hit consumes no quota.
// Order submission and cancellation are never cached and always invalidate
// the reads they stale.
type GovernedBroker struct {
	broker Broker
	gov    *governor.Governor
}

// NewGovernedBroker wraps b so every outbound call holds a governor grant.
func NewGovernedBroker(b Broker, gov *governor.Governor) *GovernedBroker {
	return &GovernedBroker{broker: b, gov: gov}
}

// governed acquires a slot, runs fn and reports the outcome.
func governed[T any](ctx context.Context, g *GovernedBroker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	grant, err := g.gov.Acquire(ctx, PriorityFrom(ctx))
	if err != nil {
		return zero, err
	}
	v, err := fn(ctx)
	grant.Report(err == nil, IsRateLimited(err))
	return v, err
}

// SubmitLegOrder submits under a governor grant and drops cached position
// and balance reads, which the fill would otherwise contradict.
func (g *GovernedBroker) SubmitLegOrder(ctx context.Context, order LegOrder) (SubmitResult, error) {
	res, err := governed(ctx, g, func(ctx context.Context) (SubmitResult, error) {
		return g.broker.SubmitLegOrder(ctx, order)
	})
	if res.Status == SubmitAccepted {
		g.gov.Cache().Invalidate("positions")
		g.gov.Cache().Invalidate("balance")
	}
	return res, err
}

// GetOrderStatus is never cached: fill decisions need the live state.
func (g *GovernedBroker) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	return governed(ctx, g, func(ctx context.Context) (*OrderStatus, error) {
		return g.broker.GetOrderStatus(ctx, orderID)
	})
}

// CancelOrder cancels under a governor grant.
func (g *GovernedBroker) CancelOrder(ctx context.Context, orderID string) error {
	_, err := governed(ctx, g, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.broker.CancelOrder(ctx, orderID)
	})
	return err
}

// GetLegQuote serves from the cache when a fresh enough quote exists.
func (g *GovernedBroker) GetLegQuote(ctx context.Context, inst models.Instrument) (*LegQuote, error) {
	key := governor.CacheKey("quote", inst.OCC())
	if v, ok := g.gov.Cache().Get(key); ok {
		return cloneQuote(v.(*LegQuote)), nil
	}
	q, err := governed(ctx, g, func(ctx context.Context) (*LegQuote, error) {
		return g.broker.GetLegQuote(ctx, inst)
	})
	if err != nil {
		return nil, err
	}
	g.gov.Cache().Put(key, cloneQuote(q))
	return q, nil
}

// GetUnderlyingQuote serves from the cache when possible.
func (g *GovernedBroker) GetUnderlyingQuote(ctx context.Context, symbol string) (*LegQuote, error) {
	key := governor.CacheKey("quote", symbol)
	if v, ok := g.gov.Cache().Get(key); ok {
		return cloneQuote(v.(*LegQuote)), nil
	}
	q, err := governed(ctx, g, func(ctx context.Context) (*LegQuote, error) {
		return g.broker.GetUnderlyingQuote(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	g.gov.Cache().Put(key, cloneQuote(q))
	return q, nil
}

// GetOpenLegs serves from the cache when possible.
func (g *GovernedBroker) GetOpenLegs(ctx context.Context) ([]BrokerLeg, error) {
	key := governor.CacheKey("positions", "open_legs")
	if v, ok := g.gov.Cache().Get(key); ok {
		return cloneLegs(v.([]BrokerLeg)), nil
	}
	legs, err := governed(ctx, g, func(ctx context.Context) ([]BrokerLeg, error) {
		return g.broker.GetOpenLegs(ctx)
	})
	if err != nil {
		return nil, err
	}
	g.gov.Cache().Put(key, cloneLegs(legs))
	return legs, nil
}

// GetAccountBalance serves from the cache when possible.
func (g *GovernedBroker) GetAccountBalance(ctx context.Context) (float64, error) {
	key := governor.CacheKey("balance", "equity")
	if v, ok := g.gov.Cache().Get(key); ok {
		return v.(float64), nil
	}
	bal, err := governed(ctx, g, func(ctx context.Context) (float64, error) {
		return g.broker.GetAccountBalance(ctx)
	})
	if err != nil {
		return 0, err
	}
	g.gov.Cache().Put(key, bal)
	return bal, nil
}

// Cached values are copied in both directions so no caller ever shares
// memory with the cache.
func cloneQuote(q *LegQuote) *LegQuote {
	if q == nil {
		return nil
	}
	cp := *q
	return &cp
}

func cloneLegs(legs []BrokerLeg) []BrokerLeg {
	if legs == nil {
		return nil
	}
	out := make([]BrokerLeg, len(legs))
	copy(out, legs)
	return out
}

var _ Broker = (*GovernedBroker)(nil)
