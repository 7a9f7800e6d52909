// Package engine drives the position lifecycle: periodic reconciliation
// cycles that resume interrupted entries, evaluate exits, retry partial
// closes and open new positions, plus startup reconciliation against the
// broker's view of the account.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"condorbot/internal/advisor"
	"condorbot/internal/broker"
	"condorbot/internal/executor"
	"condorbot/internal/governor"
	"condorbot/internal/metrics"
	"condorbot/internal/models"
	"condorbot/internal/storage"
	"condorbot/internal/strategy"
	"condorbot/internal/util"
)

// ErrCycleRunning is returned when a cycle for the bot is already in flight.
// Cycles are never reentrant; an overrunning cycle causes later ticks to be
// skipped, not queued.
var ErrCycleRunning = errors.New("engine: cycle already running for bot")

// BotSpec is the per-bot trading configuration.
type BotSpec struct {
	ID     string
	Symbol string
	// Strategy shapes and sizes new positions.
	Strategy strategy.Spec
	// MaxPositions caps concurrently active positions for this bot.
	MaxPositions int
	// ProfitTargetPct closes winners at this fraction of max profit.
	ProfitTargetPct float64
	// StopLossPct closes losers at this fraction of max loss.
	StopLossPct float64
	// ForceCloseDTE force-closes positions at or under this many days to
	// expiry, regardless of price availability.
	ForceCloseDTE int
	// MaxHoldDays force-closes positions held at least this many days
	// (0 disables).
	MaxHoldDays int
	// CloseRetryLimit escalates a partial close to orphaned after this many
	// consecutive failed retries.
	CloseRetryLimit int
}

// Engine owns the reconciliation loop for all bots sharing one broker
// account, store and governor.
type Engine struct {
	store   storage.Store
	broker  broker.Broker
	exec    *executor.Executor
	advisor advisor.Advisor
	planner *strategy.Planner
	gov     *governor.Governor
	log     *logrus.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	newID func() string
	now   func() time.Time
}

// New creates an Engine.
func New(store storage.Store, b broker.Broker, exec *executor.Executor,
	adv advisor.Advisor, planner *strategy.Planner, gov *governor.Governor,
	log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		store:   store,
		broker:  b,
		exec:    exec,
		advisor: adv,
		planner: planner,
		gov:     gov,
		log:     log,
		locks:   make(map[string]*sync.Mutex),
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

func (e *Engine) lockFor(botID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[botID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[botID] = l
	}
	return l
}

// RunCycle executes one reconciliation cycle for the bot: manage every
// active position first, then consider a new entry. Skipped entirely when
// the previous cycle is still running.
func (e *Engine) RunCycle(ctx context.Context, bot BotSpec) error {
	lock := e.lockFor(bot.ID)
	if !lock.TryLock() {
		e.log.WithField("bot", bot.ID).Warn("previous cycle still running, skipping tick")
		metrics.CyclesTotal.WithLabelValues(bot.ID, "skipped").Inc()
		return ErrCycleRunning
	}
	defer lock.Unlock()

	start := e.now()
	defer func() {
		metrics.CycleDuration.WithLabelValues(bot.ID).Observe(time.Since(start).Seconds())
	}()

	positions, err := e.store.ListByBot(ctx, bot.ID)
	if err != nil {
		metrics.CyclesTotal.WithLabelValues(bot.ID, "error").Inc()
		return fmt.Errorf("list positions for %s: %w", bot.ID, err)
	}

	active := 0
	hasOrphan := false
	for _, p := range positions {
		if !p.State.IsActive() {
			continue
		}
		active++
		if p.State == models.StateOrphaned {
			hasOrphan = true
			e.log.WithFields(logrus.Fields{
				"bot":      bot.ID,
				"position": util.ShortID(p.ID),
				"since":    p.LastTransition.At,
			}).Error("orphaned position awaiting manual resolution")
			continue
		}
		if err := e.managePosition(ctx, bot, p); err != nil {
			e.log.WithError(err).WithFields(logrus.Fields{
				"bot": bot.ID, "position": util.ShortID(p.ID),
			}).Error("position management failed")
		}
		if !p.State.IsActive() {
			active--
		}
	}

	switch {
	case hasOrphan:
		e.log.WithField("bot", bot.ID).Warn("entries suspended while an orphaned position exists")
	case active >= bot.MaxPositions:
		// At capacity, nothing to do.
	default:
		e.tryEnter(ctx, bot)
	}

	metrics.CyclesTotal.WithLabelValues(bot.ID, "ok").Inc()
	e.updatePositionGauges(ctx)
	return nil
}

// updatePositionGauges refreshes the per-state position gauge across all
// bots. Best effort; a failed listing leaves the previous values.
func (e *Engine) updatePositionGauges(ctx context.Context) {
	all, err := e.store.ListActive(ctx)
	if err != nil {
		return
	}
	counts := map[models.PositionState]int{
		models.StatePendingOpen:     0,
		models.StatePartiallyOpen:   0,
		models.StateOpen:            0,
		models.StatePendingClose:    0,
		models.StatePartiallyClosed: 0,
		models.StateOrphaned:        0,
	}
	for _, p := range all {
		counts[p.State]++
	}
	for state, n := range counts {
		metrics.PositionsByState.WithLabelValues(string(state)).Set(float64(n))
	}
}

// managePosition advances one active position by state.
func (e *Engine) managePosition(ctx context.Context, bot BotSpec, p *models.Position) error {
	switch p.State {
	case models.StatePendingOpen, models.StatePartiallyOpen:
		outcome, err := e.exec.SubmitMultiLeg(ctx, p)
		metrics.EntriesTotal.WithLabelValues(bot.ID, string(outcome)).Inc()
		if outcome == executor.EntryOrphaned {
			metrics.OrphansTotal.WithLabelValues("entry").Inc()
		}
		if err != nil && !errors.Is(err, governor.ErrTimedOut) {
			return err
		}
		return nil
	case models.StateOpen:
		return e.manageOpen(ctx, bot, p)
	case models.StatePendingClose, models.StatePartiallyClosed:
		forced, _ := e.forcedExitReason(bot, p)
		return e.retryClose(ctx, bot, p, forced != "")
	default:
		return nil
	}
}

// manageOpen evaluates exit triggers in fixed priority order. Forced
// time-based exits never depend on pricing; everything else defers when the
// position cannot be priced this cycle.
func (e *Engine) manageOpen(ctx context.Context, bot BotSpec, p *models.Position) error {
	reason, forced := e.forcedExitReason(bot, p)
	if reason == "" {
		value, err := e.exec.CurrentValue(broker.WithPriority(ctx, governor.PriorityExit), p)
		if err != nil {
			// Insufficient information is not a trigger. Try again next cycle.
			e.log.WithError(err).WithField("position", util.ShortID(p.ID)).
				Debug("position unpriceable, deferring exit checks")
			return nil
		}
		reason = e.pricedExitReason(bot, p, value)
		if reason == "" {
			return nil
		}
	}

	e.log.WithFields(logrus.Fields{
		"bot":      bot.ID,
		"position": util.ShortID(p.ID),
		"reason":   reason,
		"forced":   forced,
	}).Info("exit triggered")
	metrics.ExitsTotal.WithLabelValues(bot.ID, reason).Inc()

	return e.finishClose(ctx, bot, p, forced)
}

// forcedExitReason checks time-based triggers that must fire even when the
// position cannot be priced.
func (e *Engine) forcedExitReason(bot BotSpec, p *models.Position) (string, bool) {
	now := e.now()
	if p.DTE(now) <= bot.ForceCloseDTE {
		return "forced_dte", true
	}
	if bot.MaxHoldDays > 0 && !p.OpenedAt.IsZero() &&
		now.Sub(p.OpenedAt) >= time.Duration(bot.MaxHoldDays)*24*time.Hour {
		return "forced_max_hold", true
	}
	return "", false
}

// pricedExitReason checks the price-dependent triggers. value is the net
// cost to close; profit target outranks stop loss.
func (e *Engine) pricedExitReason(bot BotSpec, p *models.Position, value float64) string {
	pnlNow := p.EntryNet - value
	if p.MaxProfit > 0 && pnlNow >= bot.ProfitTargetPct*p.MaxProfit {
		return "profit_target"
	}
	if p.MaxLoss > 0 && -pnlNow >= bot.StopLossPct*p.MaxLoss {
		return "stop_loss"
	}
	return ""
}

// retryClose continues a close that did not finish in an earlier cycle.
func (e *Engine) retryClose(ctx context.Context, bot BotSpec, p *models.Position, forced bool) error {
	metrics.ExitsTotal.WithLabelValues(bot.ID, "close_retry").Inc()
	return e.finishClose(ctx, bot, p, forced)
}

func (e *Engine) finishClose(ctx context.Context, bot BotSpec, p *models.Position, forced bool) error {
	outcome, err := e.exec.ClosePosition(ctx, p, forced)
	if err != nil {
		return err
	}
	switch outcome {
	case executor.CloseDone:
		p.CloseRetries = 0
		if p.RealizedPnL != nil {
			metrics.RecordPnL(bot.ID, *p.RealizedPnL)
		}
		return nil
	case executor.ClosePartial:
		p.CloseRetries++
		if bot.CloseRetryLimit > 0 && p.CloseRetries >= bot.CloseRetryLimit {
			e.log.WithFields(logrus.Fields{
				"bot":      bot.ID,
				"position": util.ShortID(p.ID),
				"retries":  p.CloseRetries,
			}).Error("close retries exhausted, flagging for manual reconciliation")
			metrics.OrphansTotal.WithLabelValues("close_retries").Inc()
			if terr := p.Transition(models.StateOrphaned, models.ConditionRetriesExhausted); terr != nil {
				return terr
			}
		}
		return e.store.SavePosition(ctx, p)
	case executor.CloseOrphaned:
		metrics.OrphansTotal.WithLabelValues("close").Inc()
		return nil
	default:
		return nil
	}
}

// tryEnter asks the advisor and, on a trade signal, plans, persists and
// submits a new position. Every step that can say "not now" skips quietly.
func (e *Engine) tryEnter(ctx context.Context, bot BotSpec) {
	advice, err := e.advisor.GetAdvice(ctx, bot.Symbol)
	if err != nil {
		e.log.WithError(err).WithField("bot", bot.ID).Debug("advisor unavailable, skipping entry")
		return
	}
	if advice.Action != advisor.ActionTrade {
		return
	}

	spec := bot.Strategy
	if advice.SuggestedSizePct > 0 && advice.SuggestedSizePct < spec.SizePct {
		spec.SizePct = advice.SuggestedSizePct
	}

	plan, err := e.planner.PlanCondor(ctx, spec, e.now())
	if err != nil {
		if errors.Is(err, strategy.ErrUnviable) {
			e.log.WithField("bot", bot.ID).Debug("no viable entry at current prices")
		} else {
			e.log.WithError(err).WithField("bot", bot.ID).Debug("entry planning failed, skipping")
		}
		return
	}

	p := models.NewPosition(e.newID(), bot.ID, bot.Symbol, "condor", plan.Legs)
	p.MaxLoss = plan.MaxLoss
	p.MaxProfit = plan.MaxProfit

	// Intent is durable before the first order goes out.
	if err := e.store.SavePosition(ctx, p); err != nil {
		e.log.WithError(err).WithField("bot", bot.ID).Error("could not persist entry intent, aborting entry")
		return
	}

	outcome, err := e.exec.SubmitMultiLeg(ctx, p)
	metrics.EntriesTotal.WithLabelValues(bot.ID, string(outcome)).Inc()
	if outcome == executor.EntryOrphaned {
		metrics.OrphansTotal.WithLabelValues("entry").Inc()
	}
	if err != nil && !errors.Is(err, governor.ErrTimedOut) {
		e.log.WithError(err).WithFields(logrus.Fields{
			"bot": bot.ID, "position": util.ShortID(p.ID),
		}).Error("entry submission failed")
	}
}

// GovernorStats exposes the governor snapshot for the dashboard.
func (e *Engine) GovernorStats() governor.Stats {
	return e.gov.Stats()
}

// ActivePositions returns every active position across all bots.
func (e *Engine) ActivePositions(ctx context.Context) ([]*models.Position, error) {
	return e.store.ListActive(ctx)
}
