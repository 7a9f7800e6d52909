package executor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"condorbot/internal/broker"
	"condorbot/internal/governor"
	"condorbot/internal/models"
	"condorbot/internal/storage"
)

func condorLegs(qty int) []models.Leg {
	expiry := time.Now().UTC().AddDate(0, 0, 30)
	mk := func(side models.LegSide, kind models.InstrumentKind, strike float64) models.Leg {
		return models.Leg{
			Side:       side,
			Quantity:   qty,
			FillState:  models.FillSubmitted,
			Instrument: models.Instrument{Symbol: "SPY", Strike: strike, Expiry: expiry, Kind: kind},
		}
	}
	return []models.Leg{
		mk(models.SideSell, models.KindPut, 480),
		mk(models.SideBuy, models.KindPut, 470),
		mk(models.SideSell, models.KindCall, 520),
		mk(models.SideBuy, models.KindCall, 530),
	}
}

func quoteAllLegs(mock *broker.MockBroker, legs []models.Leg) {
	for _, l := range legs {
		mock.SetQuote(l.Instrument, 0.95, 1.05)
	}
}

type fixture struct {
	exec  *Executor
	mock  *broker.MockBroker
	store *storage.MockStore
	pos   *models.Position
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := broker.NewMockBroker()
	store := storage.NewMockStore()
	pos := models.NewPosition("pos-1", "bot-1", "SPY", "condor", condorLegs(2))
	quoteAllLegs(mock, pos.Legs)
	require.NoError(t, store.SavePosition(context.Background(), pos))
	exec := New(mock, store, nil).WithPollCadence(time.Millisecond, 50*time.Millisecond)
	return &fixture{exec: exec, mock: mock, store: store, pos: pos}
}

// fillingSubmitFunc accepts orders and scripts them as immediately filled,
// except when decide returns a non-nil result to override.
func fillingSubmitFunc(mock *broker.MockBroker, fill float64, decide func(n int, o broker.LegOrder) *broker.SubmitResult) func(broker.LegOrder) (broker.SubmitResult, error) {
	n := 0
	return func(o broker.LegOrder) (broker.SubmitResult, error) {
		n++
		if decide != nil {
			if res := decide(n, o); res != nil {
				if res.Status == broker.SubmitUnknown {
					return *res, fmt.Errorf("mock: %s", res.Raw)
				}
				return *res, nil
			}
		}
		id := fmt.Sprintf("ord-%d", n)
		mock.Statuses[id] = &broker.OrderStatus{
			OrderID: id, State: broker.OrderStateFilled, FilledQty: o.Quantity, AvgFillPrice: fill,
		}
		return broker.SubmitResult{Status: broker.SubmitAccepted, OrderID: id}, nil
	}
}

func TestSubmitMultiLeg_AllLegsFill(t *testing.T) {
	f := newFixture(t)
	f.mock.SubmitFunc = fillingSubmitFunc(f.mock, 1.0, nil)

	outcome, err := f.exec.SubmitMultiLeg(context.Background(), f.pos)
	require.NoError(t, err)
	assert.Equal(t, EntryOpened, outcome)
	assert.Equal(t, models.StateOpen, f.pos.State)
	assert.True(t, f.pos.AllLegsFilled())
	assert.Len(t, f.pos.BrokerOrderIDs, 4)

	// 2 sells - 2 buys at 1.0 each cancels out to zero net
	assert.InDelta(t, 0.0, f.pos.EntryNet, 1e-9)

	stored, err := f.store.GetPosition(context.Background(), f.pos.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateOpen, stored.State)
}

func TestSubmitMultiLeg_RequiresPersistedPosition(t *testing.T) {
	mock := broker.NewMockBroker()
	store := storage.NewMockStore()
	pos := models.NewPosition("pos-x", "bot-1", "SPY", "condor", condorLegs(1))

	_, err := New(mock, store, nil).SubmitMultiLeg(context.Background(), pos)
	var iv *models.InvariantViolation
	require.ErrorAs(t, err, &iv)
}

func TestSubmitMultiLeg_LegRejectionRollsBack(t *testing.T) {
	f := newFixture(t)
	f.pos.MaxLoss = 1500
	var closes []string
	f.mock.SubmitFunc = fillingSubmitFunc(f.mock, 1.0, func(n int, o broker.LegOrder) *broker.SubmitResult {
		if o.Intent == broker.IntentClose {
			closes = append(closes, o.Instrument.OCC())
			return nil
		}
		if n == 3 {
			return &broker.SubmitResult{Status: broker.SubmitRejected, Reason: "insufficient margin"}
		}
		return nil
	})

	outcome, err := f.exec.SubmitMultiLeg(context.Background(), f.pos)
	require.NoError(t, err)
	assert.Equal(t, EntryFailed, outcome)
	assert.Equal(t, models.StateFailed, f.pos.State)
	assert.Equal(t, models.ConditionRollbackSucceeded, f.pos.LastTransition.Condition)

	// Both filled legs were unwound, in reverse order.
	require.Len(t, closes, 2)
	assert.Equal(t, f.pos.Legs[1].Instrument.OCC(), closes[0])
	assert.Equal(t, f.pos.Legs[0].Instrument.OCC(), closes[1])
	require.NoError(t, f.pos.ValidateState())
}

func TestSubmitMultiLeg_RollbackFailureOrphans(t *testing.T) {
	f := newFixture(t)
	f.mock.SubmitFunc = fillingSubmitFunc(f.mock, 1.0, func(n int, o broker.LegOrder) *broker.SubmitResult {
		if o.Intent == broker.IntentClose {
			return &broker.SubmitResult{Status: broker.SubmitRejected, Reason: "market closed"}
		}
		if n == 3 {
			return &broker.SubmitResult{Status: broker.SubmitRejected, Reason: "insufficient margin"}
		}
		return nil
	})

	outcome, err := f.exec.SubmitMultiLeg(context.Background(), f.pos)
	require.NoError(t, err)
	assert.Equal(t, EntryOrphaned, outcome)
	assert.Equal(t, models.StateOrphaned, f.pos.State)
	assert.Equal(t, models.ConditionRollbackFailed, f.pos.LastTransition.Condition)

	stored, err := f.store.GetPosition(context.Background(), f.pos.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateOrphaned, stored.State)
}

func TestSubmitMultiLeg_UnknownOutcomeOrphans(t *testing.T) {
	f := newFixture(t)
	f.mock.SubmitFunc = fillingSubmitFunc(f.mock, 1.0, func(n int, o broker.LegOrder) *broker.SubmitResult {
		if n == 2 {
			return &broker.SubmitResult{Status: broker.SubmitUnknown, Raw: "gateway timeout"}
		}
		return nil
	})

	outcome, err := f.exec.SubmitMultiLeg(context.Background(), f.pos)
	require.NoError(t, err)
	assert.Equal(t, EntryOrphaned, outcome)
	assert.Equal(t, models.StateOrphaned, f.pos.State, "an unknown submit outcome must never be treated as rejected")
}

func TestSubmitMultiLeg_InterruptionParksPartiallyOpen(t *testing.T) {
	f := newFixture(t)
	f.mock.SubmitFunc = fillingSubmitFunc(f.mock, 1.0, nil)

	// Quotes vanish before leg 3: the entry should park, not unwind.
	thirdLeg := f.pos.Legs[2].Instrument
	delete(f.mock.Quotes, thirdLeg.OCC())

	outcome, err := f.exec.SubmitMultiLeg(context.Background(), f.pos)
	require.NoError(t, err)
	assert.Equal(t, EntryPartial, outcome)
	assert.Equal(t, models.StatePartiallyOpen, f.pos.State)
	assert.Len(t, f.pos.FilledLegs(), 2)

	// Resume: quotes are back. Only the remaining legs are submitted.
	f.mock.SetQuote(thirdLeg, 0.95, 1.05)
	before := f.mock.SubmittedCount()
	outcome, err = f.exec.SubmitMultiLeg(context.Background(), f.pos)
	require.NoError(t, err)
	assert.Equal(t, EntryOpened, outcome)
	assert.Equal(t, models.StateOpen, f.pos.State)
	assert.Equal(t, before+2, f.mock.SubmittedCount(), "filled legs must not be resubmitted")
}

func TestSubmitMultiLeg_GovernorTimeoutOnFirstLegFails(t *testing.T) {
	f := newFixture(t)
	f.mock.QuoteErr = governor.ErrTimedOut

	outcome, err := f.exec.SubmitMultiLeg(context.Background(), f.pos)
	require.Error(t, err)
	assert.Equal(t, EntryFailed, outcome)
	assert.Equal(t, models.StateFailed, f.pos.State, "nothing submitted means nothing at risk")
}

func TestCurrentValue_CostToClose(t *testing.T) {
	f := newFixture(t)
	for i := range f.pos.Legs {
		require.NoError(t, f.pos.Legs[i].MarkFilled(1.0))
	}

	// shorts cost mid to buy back, longs recover mid when sold:
	// 2 shorts - 2 longs at mid 1.00, qty 2 => (1+1-1-1)*2*100 = 0
	v, err := f.exec.CurrentValue(context.Background(), f.pos)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, v, 1e-9)

	// Widen the short put so closing costs money.
	f.mock.SetQuote(f.pos.Legs[0].Instrument, 2.95, 3.05)
	v, err = f.exec.CurrentValue(context.Background(), f.pos)
	require.NoError(t, err)
	assert.InDelta(t, 400.0, v, 1e-9) // (3+1-1-1)*2*100 - (1+1-1-1)*2*100
}

func TestCurrentValue_MissingQuoteIsUnavailable(t *testing.T) {
	f := newFixture(t)
	for i := range f.pos.Legs {
		require.NoError(t, f.pos.Legs[i].MarkFilled(1.0))
	}
	delete(f.mock.Quotes, f.pos.Legs[1].Instrument.OCC())

	_, err := f.exec.CurrentValue(context.Background(), f.pos)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestCurrentValue_OneSidedQuoteIsUnavailable(t *testing.T) {
	f := newFixture(t)
	for i := range f.pos.Legs {
		require.NoError(t, f.pos.Legs[i].MarkFilled(1.0))
	}
	f.mock.SetQuote(f.pos.Legs[0].Instrument, 0, 1.05)

	_, err := f.exec.CurrentValue(context.Background(), f.pos)
	require.ErrorIs(t, err, ErrUnavailable)
}

func openFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	for i := range f.pos.Legs {
		require.NoError(t, f.pos.Legs[i].MarkFilled(1.0))
	}
	f.pos.EntryNet = f.pos.ComputeEntryNet()
	require.NoError(t, f.pos.Transition(models.StateOpen, models.ConditionAllLegsFilled))
	require.NoError(t, f.store.SavePosition(context.Background(), f.pos))
	return f
}

func TestClosePosition_AllLegsClose(t *testing.T) {
	f := openFixture(t)
	var closeOrder []models.LegSide
	f.mock.SubmitFunc = fillingSubmitFunc(f.mock, 0.5, func(n int, o broker.LegOrder) *broker.SubmitResult {
		closeOrder = append(closeOrder, o.Side)
		return nil
	})

	outcome, err := f.exec.ClosePosition(context.Background(), f.pos, false)
	require.NoError(t, err)
	assert.Equal(t, CloseDone, outcome)
	assert.Equal(t, models.StateClosed, f.pos.State)
	require.NotNil(t, f.pos.RealizedPnL)
	require.NoError(t, f.pos.ValidateState())

	// Shorts are bought back before longs are sold.
	require.Len(t, closeOrder, 4)
	assert.Equal(t, models.SideBuy, closeOrder[0])
	assert.Equal(t, models.SideBuy, closeOrder[1])
	assert.Equal(t, models.SideSell, closeOrder[2])
	assert.Equal(t, models.SideSell, closeOrder[3])
}

func TestClosePosition_PartialCloseConverges(t *testing.T) {
	f := openFixture(t)
	rejectAfter := 2
	f.mock.SubmitFunc = fillingSubmitFunc(f.mock, 0.5, func(n int, o broker.LegOrder) *broker.SubmitResult {
		if n > rejectAfter {
			return &broker.SubmitResult{Status: broker.SubmitRejected, Reason: "no liquidity"}
		}
		return nil
	})

	outcome, err := f.exec.ClosePosition(context.Background(), f.pos, false)
	require.NoError(t, err)
	assert.Equal(t, ClosePartial, outcome)
	assert.Equal(t, models.StatePartiallyClosed, f.pos.State)
	assert.False(t, f.pos.AllLegsClosed())

	// Next cycle everything goes through.
	rejectAfter = 1 << 30
	outcome, err = f.exec.ClosePosition(context.Background(), f.pos, false)
	require.NoError(t, err)
	assert.Equal(t, CloseDone, outcome)
	assert.Equal(t, models.StateClosed, f.pos.State)
	require.NoError(t, f.pos.ValidateState())
}

func TestClosePosition_NothingClosesRevertsToOpen(t *testing.T) {
	f := openFixture(t)
	f.mock.SubmitFunc = func(o broker.LegOrder) (broker.SubmitResult, error) {
		return broker.SubmitResult{Status: broker.SubmitRejected, Reason: "halted"}, nil
	}

	outcome, err := f.exec.ClosePosition(context.Background(), f.pos, false)
	require.NoError(t, err)
	assert.Equal(t, CloseFailed, outcome)
	assert.Equal(t, models.StateOpen, f.pos.State, "a clean close failure leaves the position open for retry")
}

func TestClosePosition_PersistFailureAfterFillOrphans(t *testing.T) {
	f := openFixture(t)
	f.mock.SubmitFunc = fillingSubmitFunc(f.mock, 0.5, nil)
	// Let the pending-close transition persist, then fail the save that
	// records the first closed leg.
	f.store.FailAfterSaves = f.store.SaveCount() + 1

	outcome, err := f.exec.ClosePosition(context.Background(), f.pos, false)
	require.Error(t, err)
	assert.Equal(t, CloseOrphaned, outcome)
	assert.Equal(t, models.StateOrphaned, f.pos.State,
		"a close fill the store could not record leaves local state untrustworthy")
	assert.Equal(t, models.ConditionPersistFailed, f.pos.LastTransition.Condition)
}

func TestClosePosition_ForcedUsesMarketOrders(t *testing.T) {
	f := openFixture(t)
	// No quotes at all: a forced close must still go out.
	f.mock.Quotes = map[string]*broker.LegQuote{}
	f.mock.SubmitFunc = fillingSubmitFunc(f.mock, 0.5, func(n int, o broker.LegOrder) *broker.SubmitResult {
		if o.LimitPrice != 0 {
			t.Errorf("forced close must not carry a limit price, got %v", o.LimitPrice)
		}
		return nil
	})

	outcome, err := f.exec.ClosePosition(context.Background(), f.pos, true)
	require.NoError(t, err)
	assert.Equal(t, CloseDone, outcome)
}
