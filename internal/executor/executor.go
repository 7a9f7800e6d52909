// Package executor turns position intents into broker orders. Multi-leg
// entries are strictly sequential with compensating rollback, because the
// broker offers no atomic multi-leg primitive. Every mutation is persisted
// before the next broker call.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"condorbot/internal/broker"
	"condorbot/internal/governor"
	"condorbot/internal/models"
	"condorbot/internal/storage"
	"condorbot/internal/util"
)

// ErrUnavailable means the position cannot be priced right now. Callers must
// treat it as "no information", never as a value of zero.
var ErrUnavailable = errors.New("executor: current value unavailable")

// EntryOutcome classifies the result of a multi-leg entry attempt.
type EntryOutcome string

const (
	// EntryOpened means every leg filled and the position is open.
	EntryOpened EntryOutcome = "opened"
	// EntryPartial means entry was interrupted and will resume next cycle.
	EntryPartial EntryOutcome = "partial"
	// EntryFailed means no capital is at risk: nothing filled, or
	// everything that filled was rolled back.
	EntryFailed EntryOutcome = "failed"
	// EntryOrphaned means local and broker state may disagree and manual
	// reconciliation is required.
	EntryOrphaned EntryOutcome = "orphaned"
)

// CloseOutcome classifies the result of a close attempt.
type CloseOutcome string

const (
	// CloseDone means every leg is flat and realized P&L is final.
	CloseDone CloseOutcome = "closed"
	// ClosePartial means some legs remain open and will be retried.
	ClosePartial CloseOutcome = "partial"
	// CloseFailed means nothing closed; the position stays open.
	CloseFailed CloseOutcome = "failed"
	// CloseOrphaned means a close outcome could not be determined.
	CloseOrphaned CloseOutcome = "orphaned"
)

// Executor submits, unwinds and prices positions.
type Executor struct {
	broker       broker.Broker
	store        storage.Store
	log          *logrus.Logger
	pollInterval time.Duration
	pollTimeout  time.Duration
}

// New creates an Executor.
func New(b broker.Broker, store storage.Store, log *logrus.Logger) *Executor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Executor{
		broker:       b,
		store:        store,
		log:          log,
		pollInterval: 2 * time.Second,
		pollTimeout:  45 * time.Second,
	}
}

// WithPollCadence overrides fill polling intervals. Used by tests.
func (e *Executor) WithPollCadence(interval, timeout time.Duration) *Executor {
	e.pollInterval = interval
	e.pollTimeout = timeout
	return e
}

// SubmitMultiLeg submits every unfilled leg of p in order. The position must
// already be persisted in pending_open or partially_open state; legs that
// filled on a previous attempt are skipped, making resumption idempotent.
func (e *Executor) SubmitMultiLeg(ctx context.Context, p *models.Position) (EntryOutcome, error) {
	if p.Version == 0 {
		return EntryFailed, &models.InvariantViolation{PositionID: p.ID, Msg: "position must be persisted before submission"}
	}
	if p.State != models.StatePendingOpen && p.State != models.StatePartiallyOpen {
		return EntryFailed, &models.InvariantViolation{PositionID: p.ID,
			Msg: fmt.Sprintf("cannot submit entry from state %s", p.State)}
	}

	ctx = broker.WithPriority(ctx, governor.PriorityEntry)
	plog := e.log.WithFields(logrus.Fields{"position": util.ShortID(p.ID), "bot": p.BotID})

	for i := range p.Legs {
		leg := &p.Legs[i]
		if leg.FillState == models.FillFilled {
			continue
		}

		res, err := e.submitAndFill(ctx, p, leg)
		switch res {
		case legFilled:
			if perr := e.persist(ctx, p); perr != nil {
				e.orphan(ctx, p, models.ConditionPersistFailed, perr)
				return EntryOrphaned, perr
			}
		case legRejected:
			plog.WithField("leg", leg.Instrument.OCC()).Warn("leg rejected, unwinding entry")
			return e.rollback(ctx, p)
		case legInterrupted:
			// Rate budget or quotes ran out mid-entry. Park the position
			// and resume on a later cycle.
			if len(p.FilledLegs()) == 0 {
				if terr := e.transitionAndPersist(ctx, p, models.StateFailed, models.ConditionNoLegsFilled); terr != nil {
					return EntryOrphaned, terr
				}
				return EntryFailed, err
			}
			if terr := e.transitionAndPersist(ctx, p, models.StatePartiallyOpen, models.ConditionSomeLegsFilled); terr != nil {
				return EntryOrphaned, terr
			}
			plog.WithError(err).Info("entry interrupted, will resume next cycle")
			return EntryPartial, nil
		case legUnknown:
			plog.WithError(err).WithField("leg", leg.Instrument.OCC()).
				Error("leg outcome unknown, flagging for reconciliation")
			e.orphan(ctx, p, models.ConditionBrokerDivergence, err)
			return EntryOrphaned, nil
		}
	}

	p.EntryNet = p.ComputeEntryNet()
	if err := e.transitionAndPersist(ctx, p, models.StateOpen, models.ConditionAllLegsFilled); err != nil {
		return EntryOrphaned, err
	}
	plog.WithField("entry_net", p.EntryNet).Info("position opened")
	return EntryOpened, nil
}

type legResult int

const (
	legFilled legResult = iota
	legRejected
	legInterrupted
	legUnknown
)

// submitAndFill submits one leg and waits for a terminal order state.
func (e *Executor) submitAndFill(ctx context.Context, p *models.Position, leg *models.Leg) (legResult, error) {
	price, err := e.entryLimitPrice(ctx, leg)
	if err != nil {
		return legInterrupted, err
	}

	res, err := e.broker.SubmitLegOrder(ctx, broker.LegOrder{
		Side:       leg.Side,
		Intent:     broker.IntentOpen,
		Instrument: leg.Instrument,
		Quantity:   leg.Quantity,
		LimitPrice: price,
		Tag:        p.ID,
	})
	switch res.Status {
	case broker.SubmitRejected:
		leg.FillState = models.FillRejected
		return legRejected, nil
	case broker.SubmitUnknown:
		if errors.Is(err, governor.ErrTimedOut) {
			return legInterrupted, err
		}
		return legUnknown, err
	}

	leg.OrderID = res.OrderID
	p.RecordOrderID(res.OrderID)
	if perr := e.persist(ctx, p); perr != nil {
		// The order exists at the broker but we could not record it.
		return legUnknown, perr
	}

	status, err := e.pollOrder(ctx, res.OrderID)
	if err != nil {
		return e.abandonOrder(ctx, leg, res.OrderID, err)
	}
	switch status.State {
	case broker.OrderStateFilled:
		if ferr := leg.MarkFilled(status.AvgFillPrice); ferr != nil {
			return legUnknown, ferr
		}
		return legFilled, nil
	case broker.OrderStateRejected:
		leg.FillState = models.FillRejected
		return legRejected, nil
	case broker.OrderStateCancelled, broker.OrderStateExpired:
		leg.FillState = models.FillCancelled
		return legRejected, nil
	default:
		return e.abandonOrder(ctx, leg, res.OrderID, fmt.Errorf("order %s stuck in state %s", res.OrderID, status.State))
	}
}

// abandonOrder tries to cancel an order whose fill we gave up waiting for.
// A confirmed cancellation lets entry unwind cleanly; anything else means
// the order may still fill behind our back.
func (e *Executor) abandonOrder(ctx context.Context, leg *models.Leg, orderID string, cause error) (legResult, error) {
	if cerr := e.broker.CancelOrder(ctx, orderID); cerr != nil {
		return legUnknown, fmt.Errorf("cancel after %v: %w", cause, cerr)
	}
	status, serr := e.broker.GetOrderStatus(ctx, orderID)
	if serr != nil {
		return legUnknown, fmt.Errorf("status after cancel: %w", serr)
	}
	switch status.State {
	case broker.OrderStateFilled:
		if ferr := leg.MarkFilled(status.AvgFillPrice); ferr != nil {
			return legUnknown, ferr
		}
		return legFilled, nil
	case broker.OrderStateCancelled, broker.OrderStateExpired, broker.OrderStateRejected:
		if status.FilledQty > 0 {
			return legUnknown, fmt.Errorf("order %s cancelled with partial fill %d", orderID, status.FilledQty)
		}
		leg.FillState = models.FillCancelled
		return legRejected, nil
	default:
		return legUnknown, fmt.Errorf("order %s not terminal after cancel: %s", orderID, status.State)
	}
}

// rollback unwinds filled legs in reverse order. Success leaves the position
// failed with no capital at risk; any ambiguity orphans it.
func (e *Executor) rollback(ctx context.Context, p *models.Position) (EntryOutcome, error) {
	filled := p.FilledLegs()
	if len(filled) == 0 {
		if err := e.transitionAndPersist(ctx, p, models.StateFailed, models.ConditionNoLegsFilled); err != nil {
			return EntryOrphaned, err
		}
		return EntryFailed, nil
	}

	for i := len(filled) - 1; i >= 0; i-- {
		leg := filled[i]
		ok, err := e.flattenLeg(ctx, p, leg, 0)
		if !ok {
			e.log.WithError(err).WithFields(logrus.Fields{
				"position": util.ShortID(p.ID), "leg": leg.Instrument.OCC(),
			}).Error("rollback failed, position requires manual reconciliation")
			e.orphan(ctx, p, models.ConditionRollbackFailed, err)
			return EntryOrphaned, nil
		}
		if perr := e.persist(ctx, p); perr != nil {
			e.orphan(ctx, p, models.ConditionPersistFailed, perr)
			return EntryOrphaned, perr
		}
	}

	pnl := p.ComputeRealizedPnL()
	p.RealizedPnL = &pnl
	if err := e.transitionAndPersist(ctx, p, models.StateFailed, models.ConditionRollbackSucceeded); err != nil {
		return EntryOrphaned, err
	}
	e.log.WithFields(logrus.Fields{"position": util.ShortID(p.ID), "pnl": pnl}).
		Warn("entry rolled back, no capital at risk")
	return EntryFailed, nil
}

// flattenLeg closes one filled leg. limitPrice of zero sends a market order.
func (e *Executor) flattenLeg(ctx context.Context, p *models.Position, leg *models.Leg, limitPrice float64) (bool, error) {
	res, err := e.broker.SubmitLegOrder(ctx, broker.LegOrder{
		Side:       leg.Side.Opposite(),
		Intent:     broker.IntentClose,
		Instrument: leg.Instrument,
		Quantity:   leg.Quantity,
		LimitPrice: limitPrice,
		Tag:        p.ID,
	})
	if res.Status != broker.SubmitAccepted {
		if err == nil {
			err = fmt.Errorf("close submit %s: %s", res.Status, res.Reason)
		}
		return false, err
	}
	p.RecordOrderID(res.OrderID)

	status, err := e.pollOrder(ctx, res.OrderID)
	if err != nil {
		return false, err
	}
	if status.State != broker.OrderStateFilled {
		return false, fmt.Errorf("close order %s ended %s", res.OrderID, status.State)
	}
	if err := leg.MarkClosed(res.OrderID, status.AvgFillPrice); err != nil {
		return false, err
	}
	return true, nil
}

// CurrentValue prices the net cost to close every open leg at current mids:
// positive means closing costs money. Any missing or one-sided quote makes
// the whole position unpriceable.
func (e *Executor) CurrentValue(ctx context.Context, p *models.Position) (float64, error) {
	legs := p.FilledLegs()
	if len(legs) == 0 {
		return 0, nil
	}
	cost := 0.0
	for _, leg := range legs {
		q, err := e.broker.GetLegQuote(ctx, leg.Instrument)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrUnavailable, leg.Instrument.OCC(), err)
		}
		if !q.Usable() {
			return 0, fmt.Errorf("%w: one-sided quote for %s", ErrUnavailable, leg.Instrument.OCC())
		}
		mid := q.Mid() * float64(leg.Quantity) * models.ContractMultiplier
		if leg.Side == models.SideSell {
			cost += mid // buying back the short
		} else {
			cost -= mid // selling the long recovers value
		}
	}
	return cost, nil
}

// ClosePosition submits closes for every remaining leg, short legs first so
// undefined-risk exposure drops as early as possible. forced closes use
// market orders and never wait on quotes.
func (e *Executor) ClosePosition(ctx context.Context, p *models.Position, forced bool) (CloseOutcome, error) {
	ctx = broker.WithPriority(ctx, governor.PriorityExit)

	if p.State == models.StateOpen {
		if err := e.transitionAndPersist(ctx, p, models.StatePendingClose, models.ConditionCloseSubmitted); err != nil {
			return CloseFailed, err
		}
	}
	if p.State != models.StatePendingClose && p.State != models.StatePartiallyClosed {
		return CloseFailed, &models.InvariantViolation{PositionID: p.ID,
			Msg: fmt.Sprintf("cannot close from state %s", p.State)}
	}

	remaining := orderShortsFirst(p.FilledLegs())
	closedAny := false
	for _, leg := range remaining {
		limit := 0.0
		if !forced {
			if lp, err := e.closeLimitPrice(ctx, leg); err == nil {
				limit = lp
			}
		}
		ok, err := e.flattenLeg(ctx, p, leg, limit)
		if !ok {
			if isAmbiguous(err) {
				e.orphan(ctx, p, models.ConditionBrokerDivergence, err)
				return CloseOrphaned, nil
			}
			break
		}
		closedAny = true
		if perr := e.persist(ctx, p); perr != nil {
			e.orphan(ctx, p, models.ConditionPersistFailed, perr)
			return CloseOrphaned, perr
		}
	}

	switch {
	case p.AllLegsClosed():
		pnl := p.ComputeRealizedPnL()
		p.RealizedPnL = &pnl
		if err := e.transitionAndPersist(ctx, p, models.StateClosed, models.ConditionAllLegsClosed); err != nil {
			return CloseOrphaned, err
		}
		e.log.WithFields(logrus.Fields{"position": util.ShortID(p.ID), "pnl": pnl}).Info("position closed")
		return CloseDone, nil
	case closedAny || p.State == models.StatePartiallyClosed:
		if err := e.transitionAndPersist(ctx, p, models.StatePartiallyClosed, models.ConditionSomeLegsClosed); err != nil {
			return CloseOrphaned, err
		}
		return ClosePartial, nil
	default:
		if err := e.transitionAndPersist(ctx, p, models.StateOpen, models.ConditionCloseFailed); err != nil {
			return CloseOrphaned, err
		}
		return CloseFailed, nil
	}
}

func (e *Executor) entryLimitPrice(ctx context.Context, leg *models.Leg) (float64, error) {
	q, err := e.broker.GetLegQuote(ctx, leg.Instrument)
	if err != nil {
		return 0, err
	}
	if !q.Usable() {
		return 0, fmt.Errorf("one-sided quote for %s", leg.Instrument.OCC())
	}
	if leg.Side == models.SideSell {
		return util.FloorToTick(q.Mid(), util.DefaultTick), nil
	}
	return util.CeilToTick(q.Mid(), util.DefaultTick), nil
}

func (e *Executor) closeLimitPrice(ctx context.Context, leg *models.Leg) (float64, error) {
	q, err := e.broker.GetLegQuote(ctx, leg.Instrument)
	if err != nil || !q.Usable() {
		if err == nil {
			err = fmt.Errorf("one-sided quote for %s", leg.Instrument.OCC())
		}
		return 0, err
	}
	// Closing reverses the side: shorts are bought back, longs are sold.
	if leg.Side == models.SideSell {
		return util.CeilToTick(q.Mid(), util.DefaultTick), nil
	}
	return util.FloorToTick(q.Mid(), util.DefaultTick), nil
}

// pollOrder waits for the order to reach a terminal state.
func (e *Executor) pollOrder(ctx context.Context, orderID string) (*broker.OrderStatus, error) {
	deadline := time.Now().Add(e.pollTimeout)
	for {
		status, err := e.broker.GetOrderStatus(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if status.Terminal() {
			return status, nil
		}
		if time.Now().After(deadline) {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, nil
		case <-time.After(e.pollInterval):
		}
	}
}

// orphan flags the position for manual reconciliation. Persist failures here
// are logged at the highest severity; there is nothing further to fall back to.
func (e *Executor) orphan(ctx context.Context, p *models.Position, condition string, cause error) {
	if err := p.Transition(models.StateOrphaned, condition); err != nil {
		e.log.WithError(err).WithField("position", util.ShortID(p.ID)).
			Error("could not transition to orphaned")
	}
	if err := e.persist(ctx, p); err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{
			"position": util.ShortID(p.ID),
			"cause":    fmt.Sprint(cause),
		}).Error("CRITICAL: failed to persist orphaned position, broker state must be verified manually")
	} else {
		e.log.WithFields(logrus.Fields{
			"position": util.ShortID(p.ID),
			"cause":    fmt.Sprint(cause),
		}).Error("position orphaned, manual reconciliation required")
	}
}

func (e *Executor) transitionAndPersist(ctx context.Context, p *models.Position, to models.PositionState, condition string) error {
	if err := p.Transition(to, condition); err != nil {
		return err
	}
	return e.persist(ctx, p)
}

func (e *Executor) persist(ctx context.Context, p *models.Position) error {
	return e.store.SavePosition(ctx, p)
}

// orderShortsFirst returns legs with short legs ahead of long ones,
// preserving relative order otherwise.
func orderShortsFirst(legs []*models.Leg) []*models.Leg {
	out := make([]*models.Leg, 0, len(legs))
	for _, l := range legs {
		if l.Side == models.SideSell {
			out = append(out, l)
		}
	}
	for _, l := range legs {
		if l.Side == models.SideBuy {
			out = append(out, l)
		}
	}
	return out
}

// isAmbiguous reports whether err leaves broker state uncertain.
func isAmbiguous(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, governor.ErrTimedOut) {
		return false
	}
	var apiErr *broker.APIError
	if errors.As(err, &apiErr) && apiErr.Status >= 500 {
		return true
	}
	return false
}
