package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"condorbot/internal/broker"
	"condorbot/internal/governor"
	"condorbot/internal/metrics"
	"condorbot/internal/models"
	"condorbot/internal/util"
)

// legKey identifies a leg for reconciliation matching.
func legKey(symbol string, side models.LegSide) string {
	return symbol + "/" + string(side)
}

// ReconcileStartup compares broker open legs against local active records
// before the first trading cycle. Divergence on either side produces an
// orphaned record and never an automatic correction: a restart must not
// invent or discard capital.
func (e *Engine) ReconcileStartup(ctx context.Context) error {
	ctx = broker.WithPriority(ctx, governor.PriorityExit)

	brokerLegs, err := e.broker.GetOpenLegs(ctx)
	if err != nil {
		return fmt.Errorf("fetch broker legs: %w", err)
	}
	active, err := e.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active positions: %w", err)
	}

	inventory := make(map[string]int)
	for _, bl := range brokerLegs {
		inventory[legKey(bl.Symbol, bl.Side)] += bl.Quantity
	}

	orphaned := 0
	for _, p := range active {
		if p.State == models.StateOrphaned {
			continue
		}
		needed := make(map[string]int)
		for _, leg := range p.FilledLegs() {
			needed[legKey(leg.Instrument.OCC(), leg.Side)] += leg.Quantity
		}
		if len(needed) == 0 {
			// Nothing confirmed filled locally; the entry resume path will
			// sort this position out.
			continue
		}

		matched := true
		for key, qty := range needed {
			if inventory[key] < qty {
				matched = false
				break
			}
		}
		if !matched {
			e.log.WithFields(logrus.Fields{
				"position": util.ShortID(p.ID),
				"bot":      p.BotID,
				"state":    p.State,
			}).Error("local position not fully present at broker, flagging orphaned")
			if terr := p.Transition(models.StateOrphaned, models.ConditionBrokerDivergence); terr != nil {
				e.log.WithError(terr).WithField("position", util.ShortID(p.ID)).
					Error("could not flag divergent position")
				continue
			}
			if serr := e.store.SavePosition(ctx, p); serr != nil {
				return fmt.Errorf("persist orphaned position %s: %w", p.ID, serr)
			}
			orphaned++
			metrics.OrphansTotal.WithLabelValues("reconcile_local").Inc()
			continue
		}
		for key, qty := range needed {
			inventory[key] -= qty
		}
	}

	// Anything left at the broker belongs to no local record.
	for key, qty := range inventory {
		if qty <= 0 {
			continue
		}
		if err := e.recordUntrackedLegs(ctx, key, qty); err != nil {
			return err
		}
		orphaned++
	}

	if orphaned > 0 {
		e.log.WithField("orphaned", orphaned).Warn("startup reconciliation found divergence")
	} else {
		e.log.Info("startup reconciliation clean")
	}
	return nil
}

// recordUntrackedLegs creates an orphaned record for broker legs no local
// position accounts for, so they show up in every status surface until an
// operator resolves them.
func (e *Engine) recordUntrackedLegs(ctx context.Context, key string, qty int) error {
	sep := strings.LastIndexByte(key, '/')
	if sep < 0 {
		return fmt.Errorf("malformed leg key %q", key)
	}
	occ := key[:sep]
	side := models.LegSide(key[sep+1:])

	inst, err := models.ParseOCC(occ)
	if err != nil {
		e.log.WithError(err).WithField("symbol", occ).
			Error("untracked broker leg with unparseable symbol, cannot record")
		return nil
	}

	leg := models.Leg{
		Side:       side,
		Instrument: inst,
		Quantity:   qty,
		FillState:  models.FillFilled,
	}
	p := models.NewPosition(e.newID(), "unmanaged", inst.Symbol, "reconciled", []models.Leg{leg})
	if terr := p.Transition(models.StateOrphaned, models.ConditionBrokerDivergence); terr != nil {
		return terr
	}
	if serr := e.store.SavePosition(ctx, p); serr != nil {
		return fmt.Errorf("persist untracked legs %s: %w", occ, serr)
	}
	e.log.WithFields(logrus.Fields{
		"symbol":   occ,
		"side":     side,
		"quantity": qty,
		"position": util.ShortID(p.ID),
	}).Error("broker holds legs no local position accounts for")
	metrics.OrphansTotal.WithLabelValues("reconcile_broker").Inc()
	return nil
}

// OrphanResolution names the operator's verdict for an orphaned position.
type OrphanResolution string

const (
	// ResolveOpen returns the position to management: the broker state
	// matches the local legs after all.
	ResolveOpen OrphanResolution = "open"
	// ResolveClosed records the position as closed out at the broker.
	ResolveClosed OrphanResolution = "closed"
	// ResolveFlat records that no legs ever existed at the broker.
	ResolveFlat OrphanResolution = "flat"
)

// ResolveOrphan applies an operator's explicit resolution to an orphaned
// position. This is the only path out of the orphaned state.
func (e *Engine) ResolveOrphan(ctx context.Context, positionID string, res OrphanResolution) error {
	p, err := e.store.GetPosition(ctx, positionID)
	if err != nil {
		return err
	}
	if p.State != models.StateOrphaned {
		return fmt.Errorf("position %s is %s, not orphaned", positionID, p.State)
	}

	switch res {
	case ResolveOpen:
		if !p.AllLegsFilled() {
			return fmt.Errorf("cannot resolve %s to open: not all legs are filled", positionID)
		}
		if err := p.Transition(models.StateOpen, models.ConditionReconciledOpen); err != nil {
			return err
		}
	case ResolveClosed:
		for _, leg := range p.FilledLegs() {
			if err := leg.MarkClosed("manual-resolve", 0); err != nil {
				return err
			}
		}
		pnl := p.ComputeRealizedPnL()
		p.RealizedPnL = &pnl
		if err := p.Transition(models.StateClosed, models.ConditionReconciledClosed); err != nil {
			return err
		}
	case ResolveFlat:
		if err := p.Transition(models.StateFailed, models.ConditionReconciledFlat); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown resolution %q", res)
	}

	if err := e.store.SavePosition(ctx, p); err != nil {
		return err
	}
	e.log.WithFields(logrus.Fields{
		"position":   util.ShortID(p.ID),
		"resolution": res,
		"state":      p.State,
	}).Warn("orphaned position resolved by operator")
	return nil
}
