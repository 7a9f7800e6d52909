package broker

import (
	"context"
	"fmt"
	"sync"

	"condorbot/internal/models"
)

// MockBroker is a scriptable in-memory Broker for tests.
type MockBroker struct {
	mu sync.Mutex

	// SubmitFunc, when set, handles submissions entirely. Otherwise results
	// are popped from SubmitQueue in order.
	SubmitFunc  func(order LegOrder) (SubmitResult, error)
	SubmitQueue []SubmitResult
	Submitted   []LegOrder

	Statuses  map[string]*OrderStatus
	StatusErr error

	Cancelled []string
	CancelErr error

	Quotes   map[string]*LegQuote
	QuoteErr error

	OpenLegs    []BrokerLeg
	OpenLegsErr error

	Balance    float64
	BalanceErr error

	nextID int
}

// NewMockBroker creates an empty mock with fills wired for happy paths.
func NewMockBroker() *MockBroker {
	return &MockBroker{
		Statuses: make(map[string]*OrderStatus),
		Quotes:   make(map[string]*LegQuote),
	}
}

// SubmitLegOrder records the order and returns the next scripted result.
// With nothing scripted it accepts the order and marks it filled at the
// limit price.
func (m *MockBroker) SubmitLegOrder(_ context.Context, order LegOrder) (SubmitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Submitted = append(m.Submitted, order)

	if m.SubmitFunc != nil {
		return m.SubmitFunc(order)
	}
	if len(m.SubmitQueue) > 0 {
		res := m.SubmitQueue[0]
		m.SubmitQueue = m.SubmitQueue[1:]
		if res.Status == SubmitUnknown {
			return res, fmt.Errorf("mock: unknown outcome: %s", res.Raw)
		}
		return res, nil
	}

	m.nextID++
	id := fmt.Sprintf("mock-%d", m.nextID)
	m.Statuses[id] = &OrderStatus{
		OrderID:      id,
		State:        OrderStateFilled,
		FilledQty:    order.Quantity,
		AvgFillPrice: order.LimitPrice,
	}
	return SubmitResult{Status: SubmitAccepted, OrderID: id}, nil
}

// GetOrderStatus returns the scripted status for orderID.
func (m *MockBroker) GetOrderStatus(_ context.Context, orderID string) (*OrderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StatusErr != nil {
		return nil, m.StatusErr
	}
	if s, ok := m.Statuses[orderID]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, fmt.Errorf("mock: no status for order %s", orderID)
}

// CancelOrder records the cancellation.
func (m *MockBroker) CancelOrder(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CancelErr != nil {
		return m.CancelErr
	}
	m.Cancelled = append(m.Cancelled, orderID)
	if s, ok := m.Statuses[orderID]; ok && !s.Terminal() {
		s.State = OrderStateCancelled
	}
	return nil
}

// GetLegQuote returns the scripted quote for the instrument.
func (m *MockBroker) GetLegQuote(_ context.Context, inst models.Instrument) (*LegQuote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.QuoteErr != nil {
		return nil, m.QuoteErr
	}
	if q, ok := m.Quotes[inst.OCC()]; ok {
		cp := *q
		return &cp, nil
	}
	return nil, fmt.Errorf("mock: no quote for %s", inst.OCC())
}

// GetUnderlyingQuote returns the scripted quote for the symbol.
func (m *MockBroker) GetUnderlyingQuote(_ context.Context, symbol string) (*LegQuote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.QuoteErr != nil {
		return nil, m.QuoteErr
	}
	if q, ok := m.Quotes[symbol]; ok {
		cp := *q
		return &cp, nil
	}
	return nil, fmt.Errorf("mock: no quote for %s", symbol)
}

// SetUnderlying scripts a quote for an underlying symbol.
func (m *MockBroker) SetUnderlying(symbol string, bid, ask float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Quotes[symbol] = &LegQuote{Symbol: symbol, Bid: bid, Ask: ask}
}

// GetOpenLegs returns the scripted open legs.
func (m *MockBroker) GetOpenLegs(_ context.Context) ([]BrokerLeg, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OpenLegsErr != nil {
		return nil, m.OpenLegsErr
	}
	out := make([]BrokerLeg, len(m.OpenLegs))
	copy(out, m.OpenLegs)
	return out, nil
}

// GetAccountBalance returns the scripted balance.
func (m *MockBroker) GetAccountBalance(_ context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BalanceErr != nil {
		return 0, m.BalanceErr
	}
	return m.Balance, nil
}

// SetQuote scripts a quote for the instrument.
func (m *MockBroker) SetQuote(inst models.Instrument, bid, ask float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Quotes[inst.OCC()] = &LegQuote{Symbol: inst.OCC(), Bid: bid, Ask: ask}
}

// SubmittedCount returns how many orders were submitted.
func (m *MockBroker) SubmittedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Submitted)
}

var _ Broker = (*MockBroker)(nil)
