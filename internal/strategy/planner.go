// Package strategy builds concrete multi-leg orders from entry signals.
// The advisor says whether to trade; this package decides what to trade and
// how big, within the account's risk limits.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"condorbot/internal/broker"
	"condorbot/internal/models"
	"condorbot/internal/util"
)

// ErrUnviable means no tradable plan exists right now: widths, quotes or
// sizing did not work out. It is a routine skip, not a failure.
var ErrUnviable = errors.New("strategy: no viable position at current prices")

// Spec describes the condor shape and sizing rules for one bot.
type Spec struct {
	Symbol string
	// ShortOffsetPct places short strikes this fraction away from spot.
	ShortOffsetPct float64
	// WingWidth is the dollar distance between short and long strikes.
	WingWidth float64
	// StrikeIncrement snaps strikes to the listed grid.
	StrikeIncrement float64
	// SizePct is the fraction of account equity risked per position.
	SizePct float64
	// MinCredit rejects plans whose estimated net credit per spread is
	// below this threshold.
	MinCredit float64
	// TargetDTE selects the expiry this many calendar days out.
	TargetDTE int
}

// Plan is a fully specified entry: legs, quantity and the risk bounds that
// will be frozen onto the position.
type Plan struct {
	Legs      []models.Leg
	Quantity  int
	EstCredit float64 // per spread, per contract
	MaxLoss   float64 // total, dollars
	MaxProfit float64 // total, dollars
}

// Planner prices and sizes new positions using governed market data.
type Planner struct {
	broker broker.Broker
	log    *logrus.Logger
}

// NewPlanner creates a Planner.
func NewPlanner(b broker.Broker, log *logrus.Logger) *Planner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Planner{broker: b, log: log}
}

// PlanCondor builds a four-leg iron condor around the current spot price.
// All market data flows through the governed broker, so a starved rate
// budget surfaces as governor.ErrTimedOut and skips the cycle.
func (p *Planner) PlanCondor(ctx context.Context, spec Spec, now time.Time) (*Plan, error) {
	spot, err := p.broker.GetUnderlyingQuote(ctx, spec.Symbol)
	if err != nil {
		return nil, fmt.Errorf("underlying quote: %w", err)
	}
	if !spot.Usable() {
		return nil, ErrUnviable
	}
	mid := spot.Mid()

	inc := spec.StrikeIncrement
	if inc <= 0 {
		inc = 1.0
	}
	shortPut := snapStrike(mid*(1-spec.ShortOffsetPct), inc)
	shortCall := snapStrike(mid*(1+spec.ShortOffsetPct), inc)
	longPut := shortPut - spec.WingWidth
	longCall := shortCall + spec.WingWidth
	if longPut <= 0 || shortPut >= shortCall {
		return nil, ErrUnviable
	}

	expiry := expiryFor(now, spec.TargetDTE)
	instruments := []struct {
		side models.LegSide
		kind models.InstrumentKind
		strk float64
	}{
		{models.SideSell, models.KindPut, shortPut},
		{models.SideBuy, models.KindPut, longPut},
		{models.SideSell, models.KindCall, shortCall},
		{models.SideBuy, models.KindCall, longCall},
	}

	legs := make([]models.Leg, 0, len(instruments))
	credit := 0.0
	for _, in := range instruments {
		inst := models.Instrument{Symbol: spec.Symbol, Strike: in.strk, Expiry: expiry, Kind: in.kind}
		q, err := p.broker.GetLegQuote(ctx, inst)
		if err != nil {
			return nil, fmt.Errorf("leg quote %s: %w", inst.OCC(), err)
		}
		if !q.Usable() {
			p.log.WithField("leg", inst.OCC()).Debug("one-sided leg quote, skipping entry")
			return nil, ErrUnviable
		}
		if in.side == models.SideSell {
			credit += q.Mid()
		} else {
			credit -= q.Mid()
		}
		legs = append(legs, models.Leg{
			Side:       in.side,
			Instrument: inst,
			Quantity:   0, // sized below
			FillState:  models.FillSubmitted,
		})
	}

	credit = util.FloorToTick(credit, util.DefaultTick)
	if credit < spec.MinCredit || credit <= 0 {
		return nil, ErrUnviable
	}

	balance, err := p.broker.GetAccountBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("account balance: %w", err)
	}
	maxLossPerContract := (spec.WingWidth - credit) * models.ContractMultiplier
	if maxLossPerContract <= 0 {
		return nil, ErrUnviable
	}
	qty := int(math.Floor(balance * spec.SizePct / maxLossPerContract))
	if qty <= 0 {
		p.log.WithFields(logrus.Fields{
			"balance":  balance,
			"size_pct": spec.SizePct,
			"max_loss": maxLossPerContract,
		}).Debug("risk budget too small for one contract")
		return nil, ErrUnviable
	}

	for i := range legs {
		legs[i].Quantity = qty
	}
	return &Plan{
		Legs:      legs,
		Quantity:  qty,
		EstCredit: credit,
		MaxLoss:   maxLossPerContract * float64(qty),
		MaxProfit: credit * models.ContractMultiplier * float64(qty),
	}, nil
}

func snapStrike(price, increment float64) float64 {
	return math.Round(price/increment) * increment
}

// expiryFor picks the target expiry, pushed off weekends to the prior Friday.
func expiryFor(now time.Time, dte int) time.Time {
	e := now.UTC().AddDate(0, 0, dte)
	e = time.Date(e.Year(), e.Month(), e.Day(), 0, 0, 0, 0, time.UTC)
	switch e.Weekday() {
	case time.Saturday:
		e = e.AddDate(0, 0, -1)
	case time.Sunday:
		e = e.AddDate(0, 0, -2)
	}
	return e
}
