package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"condorbot/internal/advisor"
	"condorbot/internal/broker"
	"condorbot/internal/executor"
	"condorbot/internal/governor"
	"condorbot/internal/models"
	"condorbot/internal/storage"
	"condorbot/internal/strategy"
)

func testBot() BotSpec {
	return BotSpec{
		ID:     "bot-1",
		Symbol: "SPY",
		Strategy: strategy.Spec{
			Symbol:          "SPY",
			ShortOffsetPct:  0.04,
			WingWidth:       10,
			StrikeIncrement: 5,
			SizePct:         0.05,
			MinCredit:       0.50,
			TargetDTE:       30,
		},
		MaxPositions:    2,
		ProfitTargetPct: 0.5,
		StopLossPct:     0.5,
		ForceCloseDTE:   7,
		MaxHoldDays:     45,
		CloseRetryLimit: 3,
	}
}

type engineFixture struct {
	eng   *Engine
	mock  *broker.MockBroker
	store *storage.MockStore
	adv   *advisor.MockAdvisor
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	mock := broker.NewMockBroker()
	store := storage.NewMockStore()
	adv := &advisor.MockAdvisor{}
	gov := governor.New(governor.Config{Ceiling: 1000, Window: time.Minute})
	exec := executor.New(mock, store, nil).WithPollCadence(time.Millisecond, 50*time.Millisecond)
	planner := strategy.NewPlanner(mock, nil)
	eng := New(store, mock, exec, adv, planner, gov, nil)
	n := 0
	eng.newID = func() string { n++; return "pos-" + string(rune('a'+n-1)) }
	return &engineFixture{eng: eng, mock: mock, store: store, adv: adv}
}

// quoteEntryChain scripts quotes for the condor the planner will build at
// spot 500: strikes 480/470 puts, 520/530 calls.
func (f *engineFixture) quoteEntryChain(expiry time.Time) {
	f.mock.SetUnderlying("SPY", 499.99, 500.01)
	mk := func(kind models.InstrumentKind, strike float64) models.Instrument {
		return models.Instrument{Symbol: "SPY", Strike: strike, Expiry: expiry, Kind: kind}
	}
	f.mock.SetQuote(mk(models.KindPut, 480), 2.05, 2.15)
	f.mock.SetQuote(mk(models.KindPut, 470), 0.75, 0.85)
	f.mock.SetQuote(mk(models.KindCall, 520), 1.85, 1.95)
	f.mock.SetQuote(mk(models.KindCall, 530), 0.65, 0.75)
}

// openPosition seeds an open condor with all legs filled at 1.00.
func (f *engineFixture) openPosition(t *testing.T, id string, dte int) *models.Position {
	t.Helper()
	expiry := time.Now().UTC().AddDate(0, 0, dte)
	mk := func(side models.LegSide, kind models.InstrumentKind, strike float64) models.Leg {
		return models.Leg{
			Side: side, Quantity: 1, FillState: models.FillSubmitted,
			Instrument: models.Instrument{Symbol: "SPY", Strike: strike, Expiry: expiry, Kind: kind},
		}
	}
	legs := []models.Leg{
		mk(models.SideSell, models.KindPut, 480),
		mk(models.SideBuy, models.KindPut, 470),
		mk(models.SideSell, models.KindCall, 520),
		mk(models.SideBuy, models.KindCall, 530),
	}
	p := models.NewPosition(id, "bot-1", "SPY", "condor", legs)
	for i := range p.Legs {
		require.NoError(t, p.Legs[i].MarkFilled(1.0))
	}
	p.EntryNet = p.ComputeEntryNet()
	p.MaxProfit = 500
	p.MaxLoss = 1000
	require.NoError(t, p.Transition(models.StateOpen, models.ConditionAllLegsFilled))
	require.NoError(t, f.store.SavePosition(context.Background(), p))
	return p
}

func (f *engineFixture) quoteOpenLegs(p *models.Position, mids [4]float64) {
	for i := range p.Legs {
		f.mock.SetQuote(p.Legs[i].Instrument, mids[i]-0.05, mids[i]+0.05)
	}
}

func TestRunCycle_EntryOpensPosition(t *testing.T) {
	f := newEngineFixture(t)
	f.adv.Advice = &advisor.Advice{Action: advisor.ActionTrade, Confidence: 0.9}
	f.mock.Balance = 50000
	bot := testBot()
	f.quoteEntryChain(time.Now().UTC()) // placeholder, replaced below

	// The planner derives expiry from now; script the exact chain it will ask for.
	f.eng.now = func() time.Time { return time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC) }
	expiry := time.Date(2024, 3, 29, 0, 0, 0, 0, time.UTC) // 30d out, weekend-adjusted
	f.quoteEntryChain(expiry)

	require.NoError(t, f.eng.RunCycle(context.Background(), bot))

	positions, err := f.store.ListByBot(context.Background(), "bot-1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, models.StateOpen, positions[0].State)
	assert.True(t, positions[0].AllLegsFilled())
	assert.Positive(t, positions[0].MaxLoss)
	assert.Equal(t, 1, f.adv.Calls)
}

func TestRunCycle_AdvisorSkipMeansNoOrders(t *testing.T) {
	f := newEngineFixture(t)
	f.adv.Advice = &advisor.Advice{Action: advisor.ActionSkip}

	require.NoError(t, f.eng.RunCycle(context.Background(), testBot()))
	assert.Equal(t, 0, f.mock.SubmittedCount())

	positions, err := f.store.ListByBot(context.Background(), "bot-1")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestRunCycle_OrphanBlocksNewEntries(t *testing.T) {
	f := newEngineFixture(t)
	f.adv.Advice = &advisor.Advice{Action: advisor.ActionTrade}

	p := f.openPosition(t, "orphan-1", 30)
	require.NoError(t, p.Transition(models.StateOrphaned, models.ConditionBrokerDivergence))
	require.NoError(t, f.store.SavePosition(context.Background(), p))

	require.NoError(t, f.eng.RunCycle(context.Background(), testBot()))

	assert.Equal(t, 0, f.mock.SubmittedCount(), "orphaned position must freeze entries for the bot")
	assert.Equal(t, 0, f.adv.Calls, "no point consulting the advisor while frozen")

	stored, err := f.store.GetPosition(context.Background(), "orphan-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateOrphaned, stored.State, "cycles never auto-resolve orphans")
}

func TestRunCycle_ForcedExitIgnoresMissingQuotes(t *testing.T) {
	f := newEngineFixture(t)
	p := f.openPosition(t, "pos-exp", 2) // inside ForceCloseDTE=7

	// No quotes anywhere: pricing is impossible, the close must still go out.
	require.NoError(t, f.eng.RunCycle(context.Background(), testBot()))

	stored, err := f.store.GetPosition(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateClosed, stored.State)
	for _, o := range f.mock.Submitted {
		assert.Equal(t, broker.IntentClose, o.Intent)
		assert.Zero(t, o.LimitPrice, "forced close goes out at market")
	}
}

func TestRunCycle_UnpriceableDefersNonForcedExit(t *testing.T) {
	f := newEngineFixture(t)
	p := f.openPosition(t, "pos-far", 30) // well outside ForceCloseDTE

	require.NoError(t, f.eng.RunCycle(context.Background(), testBot()))

	stored, err := f.store.GetPosition(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateOpen, stored.State, "no pricing and no forced trigger means no action")
	assert.Equal(t, 0, f.mock.SubmittedCount())
}

func TestRunCycle_ProfitTargetCloses(t *testing.T) {
	f := newEngineFixture(t)
	f.adv.Advice = &advisor.Advice{Action: advisor.ActionSkip}
	p := f.openPosition(t, "pos-win", 30)
	// EntryNet = (1+1-1-1)*100 = 0 is useless; make entry a real credit.
	p.EntryNet = 500
	require.NoError(t, f.store.SavePosition(context.Background(), p))

	// Cost to close ~0 => pnlNow ~500 >= 0.5 * MaxProfit(500).
	f.quoteOpenLegs(p, [4]float64{0.50, 0.45, 0.50, 0.45})

	require.NoError(t, f.eng.RunCycle(context.Background(), testBot()))

	stored, err := f.store.GetPosition(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateClosed, stored.State)
	require.NotNil(t, stored.RealizedPnL)
}

func TestRunCycle_StopLossCloses(t *testing.T) {
	f := newEngineFixture(t)
	f.adv.Advice = &advisor.Advice{Action: advisor.ActionSkip}
	p := f.openPosition(t, "pos-lose", 30)
	p.EntryNet = 500
	require.NoError(t, f.store.SavePosition(context.Background(), p))

	// Cost to close = (6.00 + 6.00 - 0.45 - 0.55)*100 = 1100
	// pnlNow = 500 - 1100 = -600, past 0.5 * MaxLoss(1000).
	f.quoteOpenLegs(p, [4]float64{6.00, 0.45, 6.00, 0.55})

	require.NoError(t, f.eng.RunCycle(context.Background(), testBot()))

	stored, err := f.store.GetPosition(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateClosed, stored.State)
}

func TestRunCycle_SmallDrawdownStaysOpen(t *testing.T) {
	f := newEngineFixture(t)
	f.adv.Advice = &advisor.Advice{Action: advisor.ActionSkip}
	p := f.openPosition(t, "pos-hold", 30)
	p.EntryNet = 500
	require.NoError(t, f.store.SavePosition(context.Background(), p))

	// Cost to close = 600 => pnlNow = -100, inside both thresholds.
	f.quoteOpenLegs(p, [4]float64{3.50, 0.45, 3.50, 0.55})

	require.NoError(t, f.eng.RunCycle(context.Background(), testBot()))

	stored, err := f.store.GetPosition(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateOpen, stored.State)
}

func TestRunCycle_CloseRetriesEscalateToOrphan(t *testing.T) {
	f := newEngineFixture(t)
	f.adv.Advice = &advisor.Advice{Action: advisor.ActionSkip}
	p := f.openPosition(t, "pos-stuck", 30)
	require.NoError(t, p.Legs[0].MarkClosed("c1", 0.5))
	require.NoError(t, p.Transition(models.StatePendingClose, models.ConditionCloseSubmitted))
	require.NoError(t, p.Transition(models.StatePartiallyClosed, models.ConditionSomeLegsClosed))
	require.NoError(t, f.store.SavePosition(context.Background(), p))

	// Every close attempt is refused.
	f.mock.SubmitFunc = func(o broker.LegOrder) (broker.SubmitResult, error) {
		return broker.SubmitResult{Status: broker.SubmitRejected, Reason: "no liquidity"}, nil
	}

	bot := testBot() // CloseRetryLimit = 3
	for i := 0; i < 3; i++ {
		require.NoError(t, f.eng.RunCycle(context.Background(), bot))
	}

	stored, err := f.store.GetPosition(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateOrphaned, stored.State)
	assert.Equal(t, models.ConditionRetriesExhausted, stored.LastTransition.Condition)
}

func TestRunCycle_ResumesPartialEntry(t *testing.T) {
	f := newEngineFixture(t)
	f.adv.Advice = &advisor.Advice{Action: advisor.ActionSkip}

	expiry := time.Now().UTC().AddDate(0, 0, 30)
	mk := func(side models.LegSide, kind models.InstrumentKind, strike float64) models.Leg {
		return models.Leg{
			Side: side, Quantity: 1, FillState: models.FillSubmitted,
			Instrument: models.Instrument{Symbol: "SPY", Strike: strike, Expiry: expiry, Kind: kind},
		}
	}
	legs := []models.Leg{
		mk(models.SideSell, models.KindPut, 480),
		mk(models.SideBuy, models.KindPut, 470),
		mk(models.SideSell, models.KindCall, 520),
		mk(models.SideBuy, models.KindCall, 530),
	}
	p := models.NewPosition("pos-resume", "bot-1", "SPY", "condor", legs)
	require.NoError(t, p.Legs[0].MarkFilled(2.0))
	require.NoError(t, p.Legs[1].MarkFilled(0.8))
	require.NoError(t, p.Transition(models.StatePartiallyOpen, models.ConditionSomeLegsFilled))
	require.NoError(t, f.store.SavePosition(context.Background(), p))

	for i := range p.Legs {
		f.mock.SetQuote(p.Legs[i].Instrument, 0.95, 1.05)
	}

	require.NoError(t, f.eng.RunCycle(context.Background(), testBot()))

	stored, err := f.store.GetPosition(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateOpen, stored.State)
	assert.Equal(t, 2, f.mock.SubmittedCount(), "only the two unfilled legs go out")
}

// blockingAdvisor parks GetAdvice until released, to hold a cycle open.
type blockingAdvisor struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingAdvisor) GetAdvice(ctx context.Context, _ string) (*advisor.Advice, error) {
	close(b.started)
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return &advisor.Advice{Action: advisor.ActionSkip}, nil
}

func TestRunCycle_NotReentrant(t *testing.T) {
	f := newEngineFixture(t)
	blocker := &blockingAdvisor{started: make(chan struct{}), release: make(chan struct{})}
	f.eng.advisor = blocker

	done := make(chan error, 1)
	go func() { done <- f.eng.RunCycle(context.Background(), testBot()) }()
	<-blocker.started

	err := f.eng.RunCycle(context.Background(), testBot())
	require.ErrorIs(t, err, ErrCycleRunning)

	close(blocker.release)
	require.NoError(t, <-done)
}
