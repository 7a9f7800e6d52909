package models

import (
	"fmt"
	"time"
)

// ContractMultiplier is the number of underlying units per derivative contract.
const ContractMultiplier = 100.0

// LegSide is the direction of a single leg order.
type LegSide string

const (
	// SideBuy opens a long leg.
	SideBuy LegSide = "buy"
	// SideSell opens a short leg.
	SideSell LegSide = "sell"
)

// Opposite returns the side that flattens this one.
func (s LegSide) Opposite() LegSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// InstrumentKind distinguishes option contract types.
type InstrumentKind string

const (
	// KindCall is a call option contract.
	KindCall InstrumentKind = "call"
	// KindPut is a put option contract.
	KindPut InstrumentKind = "put"
)

// Instrument identifies a single tradable contract.
type Instrument struct {
	Symbol string         `json:"symbol"`
	Strike float64        `json:"strike"`
	Expiry time.Time      `json:"expiry"`
	Kind   InstrumentKind `json:"kind"`
}

// OCC renders the instrument in OCC option-symbol format:
// TICKER + YYMMDD + C/P + strike*1000 zero-padded to 8 digits.
func (i Instrument) OCC() string {
	cp := "C"
	if i.Kind == KindPut {
		cp = "P"
	}
	return fmt.Sprintf("%s%s%s%08d", i.Symbol, i.Expiry.UTC().Format("060102"), cp, int64(i.Strike*1000+0.5))
}

// ParseOCC parses an OCC option symbol back into an Instrument. The strike
// and date are fixed-width at the tail; whatever precedes them is the ticker.
func ParseOCC(s string) (Instrument, error) {
	if len(s) < 16 {
		return Instrument{}, fmt.Errorf("occ symbol %q too short", s)
	}
	strikeRaw := s[len(s)-8:]
	cp := s[len(s)-9 : len(s)-8]
	dateRaw := s[len(s)-15 : len(s)-9]
	symbol := s[:len(s)-15]

	var strikeMillis int64
	for _, c := range strikeRaw {
		if c < '0' || c > '9' {
			return Instrument{}, fmt.Errorf("occ symbol %q has malformed strike", s)
		}
		strikeMillis = strikeMillis*10 + int64(c-'0')
	}
	expiry, err := time.Parse("060102", dateRaw)
	if err != nil {
		return Instrument{}, fmt.Errorf("occ symbol %q has malformed expiry: %w", s, err)
	}
	var kind InstrumentKind
	switch cp {
	case "C":
		kind = KindCall
	case "P":
		kind = KindPut
	default:
		return Instrument{}, fmt.Errorf("occ symbol %q has malformed call/put flag", s)
	}
	return Instrument{
		Symbol: symbol,
		Strike: float64(strikeMillis) / 1000,
		Expiry: expiry.UTC(),
		Kind:   kind,
	}, nil
}

// FillState tracks the broker-facing lifecycle of a single leg order.
type FillState string

const (
	// FillSubmitted means the leg order was accepted but has not filled.
	FillSubmitted FillState = "submitted"
	// FillFilled means the leg filled; FillPrice is set exactly once here.
	FillFilled FillState = "filled"
	// FillRejected means the broker rejected the leg order.
	FillRejected FillState = "rejected"
	// FillCancelled means the leg order was cancelled before filling.
	FillCancelled FillState = "cancelled"
)

// Leg is one broker-facing order within a position. Once filled, a leg's
// entry fields are immutable.
type Leg struct {
	Side       LegSide    `json:"side"`
	Instrument Instrument `json:"instrument"`
	Quantity   int        `json:"quantity"`
	FillState  FillState  `json:"fill_state"`
	FillPrice  float64    `json:"fill_price,omitempty"`
	OrderID    string     `json:"order_id,omitempty"`

	// Close-side tracking, used when unwinding the leg.
	Closed       bool    `json:"closed,omitempty"`
	CloseOrderID string  `json:"close_order_id,omitempty"`
	ClosePrice   float64 `json:"close_price,omitempty"`
}

// MarkFilled records the fill price, enforcing the set-exactly-once invariant.
func (l *Leg) MarkFilled(price float64) error {
	if l.FillState == FillFilled {
		return &InvariantViolation{Msg: fmt.Sprintf("leg %s already filled at %.2f", l.Instrument.OCC(), l.FillPrice)}
	}
	l.FillState = FillFilled
	l.FillPrice = price
	return nil
}

// MarkClosed records the close fill for a previously filled leg.
func (l *Leg) MarkClosed(orderID string, price float64) error {
	if l.FillState != FillFilled {
		return &InvariantViolation{Msg: fmt.Sprintf("cannot close leg %s in fill state %s", l.Instrument.OCC(), l.FillState)}
	}
	if l.Closed {
		return &InvariantViolation{Msg: fmt.Sprintf("leg %s already closed at %.2f", l.Instrument.OCC(), l.ClosePrice)}
	}
	l.Closed = true
	l.CloseOrderID = orderID
	l.ClosePrice = price
	return nil
}

// SignedCredit returns the cash flow of the leg's entry fill per contract:
// positive for credit (sell), negative for debit (buy).
func (l *Leg) SignedCredit() float64 {
	if l.FillState != FillFilled {
		return 0
	}
	if l.Side == SideSell {
		return l.FillPrice
	}
	return -l.FillPrice
}

// Position is a logical multi-leg trade. It is mutated only by the
// reconciliation engine under a per-bot lock, and only through Transition.
type Position struct {
	ID          string        `json:"id"`
	BotID       string        `json:"bot_id"`
	Symbol      string        `json:"symbol"`
	StrategyTag string        `json:"strategy_tag"`
	Legs        []Leg         `json:"legs"`
	State       PositionState `json:"state"`

	// Computed at entry, immutable afterwards.
	EntryNet  float64 `json:"entry_net"`
	MaxLoss   float64 `json:"max_loss"`
	MaxProfit float64 `json:"max_profit"`

	OpenedAt    time.Time `json:"opened_at,omitempty"`
	ClosedAt    time.Time `json:"closed_at,omitempty"`
	RealizedPnL *float64  `json:"realized_pnl,omitempty"`

	BrokerOrderIDs []string `json:"broker_order_ids"`

	// CloseRetries counts consecutive failed attempts to finish a partial
	// close; crossing the alert threshold escalates to orphaned.
	CloseRetries int `json:"close_retries"`

	LastTransition TransitionRecord `json:"last_transition"`

	// Version supports optimistic concurrency in the store.
	Version int64 `json:"version"`
}

// NewPosition creates a position in the pending-open state. It must be
// persisted before any leg is submitted to the broker.
func NewPosition(id, botID, symbol, strategyTag string, legs []Leg) *Position {
	return &Position{
		ID:          id,
		BotID:       botID,
		Symbol:      symbol,
		StrategyTag: strategyTag,
		Legs:        legs,
		State:       StatePendingOpen,
		LastTransition: TransitionRecord{
			To:        StatePendingOpen,
			Condition: "created",
			At:        time.Now().UTC(),
		},
	}
}

// Transition moves the position to a new state via the transition table.
// Illegal transitions return an InvariantViolation and leave state unchanged.
func (p *Position) Transition(to PositionState, condition string) error {
	if p.State.IsTerminal() {
		return &InvariantViolation{PositionID: p.ID,
			Msg: fmt.Sprintf("cannot transition terminal state %s to %s", p.State, to)}
	}
	if !transitionDefined(p.State, to, condition) {
		return &InvariantViolation{PositionID: p.ID,
			Msg: fmt.Sprintf("transition %s -> %s (%s) not defined", p.State, to, condition)}
	}
	p.State = to
	p.LastTransition = TransitionRecord{To: to, Condition: condition, At: time.Now().UTC()}

	if to == StateOpen && p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now().UTC()
	}
	if to == StateClosed && p.ClosedAt.IsZero() {
		p.ClosedAt = time.Now().UTC()
	}
	return nil
}

// RecordOrderID appends a broker order ID for idempotent reconciliation.
func (p *Position) RecordOrderID(orderID string) {
	for _, id := range p.BrokerOrderIDs {
		if id == orderID {
			return
		}
	}
	p.BrokerOrderIDs = append(p.BrokerOrderIDs, orderID)
}

// FilledLegs returns the legs that have filled and are not yet closed.
func (p *Position) FilledLegs() []*Leg {
	var out []*Leg
	for i := range p.Legs {
		if p.Legs[i].FillState == FillFilled && !p.Legs[i].Closed {
			out = append(out, &p.Legs[i])
		}
	}
	return out
}

// AllLegsFilled reports whether every leg has filled.
func (p *Position) AllLegsFilled() bool {
	for i := range p.Legs {
		if p.Legs[i].FillState != FillFilled {
			return false
		}
	}
	return len(p.Legs) > 0
}

// AllLegsClosed reports whether every filled leg has been closed.
func (p *Position) AllLegsClosed() bool {
	for i := range p.Legs {
		if p.Legs[i].FillState == FillFilled && !p.Legs[i].Closed {
			return false
		}
	}
	return true
}

// ComputeEntryNet returns the total entry cash flow across filled legs:
// fill price times quantity times the contract multiplier, credits positive.
func (p *Position) ComputeEntryNet() float64 {
	total := 0.0
	for i := range p.Legs {
		l := &p.Legs[i]
		total += l.SignedCredit() * float64(l.Quantity) * ContractMultiplier
	}
	return total
}

// ComputeRealizedPnL returns entry cash flow minus the cost of closing,
// across all legs that have both fill and close prices.
func (p *Position) ComputeRealizedPnL() float64 {
	total := 0.0
	for i := range p.Legs {
		l := &p.Legs[i]
		if l.FillState != FillFilled || !l.Closed {
			continue
		}
		entry := l.SignedCredit() * float64(l.Quantity) * ContractMultiplier
		// Closing reverses the side: short legs pay the close price,
		// long legs receive it.
		exit := -l.ClosePrice * float64(l.Quantity) * ContractMultiplier
		if l.Side == SideBuy {
			exit = l.ClosePrice * float64(l.Quantity) * ContractMultiplier
		}
		total += entry + exit
	}
	return total
}

// EarliestExpiry returns the nearest leg expiry, or zero when no legs exist.
func (p *Position) EarliestExpiry() time.Time {
	var earliest time.Time
	for i := range p.Legs {
		e := p.Legs[i].Instrument.Expiry
		if earliest.IsZero() || e.Before(earliest) {
			earliest = e
		}
	}
	return earliest
}

// DTE returns calendar days until the earliest leg expiry, floored at zero
// only for display; negative values indicate the position is past expiry.
func (p *Position) DTE(now time.Time) int {
	exp := p.EarliestExpiry()
	if exp.IsZero() {
		return 0
	}
	return int(exp.UTC().Truncate(24*time.Hour).Sub(now.UTC().Truncate(24*time.Hour)).Hours() / 24)
}

// ValidateState checks that position data is consistent with its state.
func (p *Position) ValidateState() error {
	if !p.State.Valid() {
		return &InvariantViolation{PositionID: p.ID, Msg: fmt.Sprintf("unknown state %q", p.State)}
	}
	if len(p.Legs) == 0 {
		return &InvariantViolation{PositionID: p.ID, Msg: "position has no legs"}
	}
	switch p.State {
	case StateOpen:
		if !p.AllLegsFilled() {
			return &InvariantViolation{PositionID: p.ID, Msg: "open position has unfilled legs"}
		}
		if p.OpenedAt.IsZero() {
			return &InvariantViolation{PositionID: p.ID, Msg: "open position has zero OpenedAt"}
		}
	case StateClosed:
		if !p.AllLegsClosed() {
			return &InvariantViolation{PositionID: p.ID, Msg: "closed position has open legs"}
		}
		if p.ClosedAt.IsZero() {
			return &InvariantViolation{PositionID: p.ID, Msg: "closed position has zero ClosedAt"}
		}
		if p.RealizedPnL == nil {
			return &InvariantViolation{PositionID: p.ID, Msg: "closed position has nil RealizedPnL"}
		}
	case StateFailed:
		for i := range p.Legs {
			if p.Legs[i].FillState == FillFilled && !p.Legs[i].Closed {
				return &InvariantViolation{PositionID: p.ID, Msg: "failed position holds a filled, unclosed leg"}
			}
		}
	}
	for i := range p.Legs {
		if p.Legs[i].Quantity <= 0 {
			return &InvariantViolation{PositionID: p.ID,
				Msg: fmt.Sprintf("leg %d has non-positive quantity %d", i, p.Legs[i].Quantity)}
		}
	}
	return nil
}
