package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/crossdeal-exchange/crossdeal/internal/adapter"
	"github.com/crossdeal-exchange/crossdeal/internal/asset"
	"github.com/crossdeal-exchange/crossdeal/internal/deal"
	"github.com/crossdeal-exchange/crossdeal/pkg/money"
)

// maybeCloseSwap closes the deal once every settling transfer confirmed.
// Surplus refunds may still be in flight; the queue keeps serving them
// after close. A failed settling item keeps the deal in SWAP for the
// operator.
func (e *Engine) maybeCloseSwap(d *deal.Deal) error {
	items, err := e.store.GetQueueItems(d.ID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.Purpose.Refund() {
			continue
		}
		if item.Status != deal.StatusCompleted {
			return nil
		}
	}
	return e.closeDeal(d)
}

// maybeCloseReverted closes a reverted deal once every refund confirmed.
func (e *Engine) maybeCloseReverted(d *deal.Deal) error {
	items, err := e.store.GetQueueItems(d.ID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.Status != deal.StatusCompleted {
			return nil
		}
	}
	return e.closeDeal(d)
}

func (e *Engine) closeDeal(d *deal.Deal) error {
	now := time.Now()
	watchUntil := now.Add(time.Duration(e.cfg.Engine.WatchWindowDays) * 24 * time.Hour)
	if d.A.EscrowAddress == "" && d.B.EscrowAddress == "" {
		// Cancelled before collection: no escrows, nothing to watch.
		watchUntil = now
	}

	if err := e.store.CloseDeal(d.ID, d.Stage, now, watchUntil); err != nil {
		return err
	}
	e.log.Info("Deal closed", "deal", d.ID, "from", d.Stage)
	e.emit(d.ID, deal.EventStageChanged, fmt.Sprintf("%s -> CLOSED", d.Stage))
	return nil
}

// watchClosed runs the post-close duties: refund deposits that confirmed
// too late to count, and sweep leftover gas from account escrows back to
// the tank. Deposit polling stops when the watch window ends; refunds for
// already-stored deposits and gas sweeps finish regardless.
func (e *Engine) watchClosed(ctx context.Context, d *deal.Deal) error {
	now := time.Now()
	if d.WatchActive(now) {
		halted, err := e.pollDeposits(ctx, d)
		if err != nil || halted {
			return err
		}
	}

	items, err := e.store.GetQueueItems(d.ID)
	if err != nil {
		return err
	}

	for _, side := range d.Sides() {
		if side.EscrowAddress == "" {
			continue
		}
		env, err := e.planEnv(side.Chain)
		if err != nil {
			return err
		}
		if !sourceQuiet(items, side.EscrowAddress) {
			continue
		}

		late, err := e.lateDeposits(d, side, env.CollectConfirms)
		if err != nil {
			return err
		}
		if len(late) > 0 {
			if err := e.enqueueLateRefunds(d, side, env, late, now); err != nil {
				return err
			}
			// The refund spends from this escrow; gas accounting waits
			// for it to settle.
			continue
		}

		if err := e.maybeSweepGas(ctx, d, side, env, items, now); err != nil {
			return err
		}
	}
	return nil
}

// lateDeposits returns confirmed deposits no transfer has accounted for,
// skipping asset groups whose total is still below the send floor.
func (e *Engine) lateDeposits(d *deal.Deal, side *deal.Side, collectConfirms int64) ([]*deal.EscrowDeposit, error) {
	deps, err := e.store.GetDepositsByParty(d.ID, side.Party)
	if err != nil {
		return nil, err
	}

	totals := make(map[string]money.Amount)
	var late []*deal.EscrowDeposit
	for _, dep := range deps {
		if dep.CoveredBy != "" || !dep.Confirmed(collectConfirms) {
			continue
		}
		late = append(late, dep)
		totals[dep.Asset] = totals[dep.Asset].Add(dep.Amount)
	}

	out := late[:0]
	for _, dep := range late {
		a, ok := asset.Get(dep.Asset)
		if !ok {
			continue
		}
		if totals[dep.Asset].GreaterThanOrEqual(a.MinSendAmount()) {
			out = append(out, dep)
		}
	}
	return out, nil
}

func (e *Engine) enqueueLateRefunds(d *deal.Deal, side *deal.Side, env deal.PlanEnv, late []*deal.EscrowDeposit, now time.Time) error {
	next, err := e.store.NextSeq(d.ID, side.EscrowAddress)
	if err != nil {
		return err
	}
	refunds, covered := deal.BuildLateRefunds(d, side, env, late, next, now)
	if len(refunds) == 0 {
		return nil
	}
	if bad := e.badDestination(refunds); bad != "" {
		return e.halt(d, bad)
	}

	if err := e.store.EnqueueLateRefunds(d.ID, refunds, covered); err != nil {
		return err
	}
	e.log.Info("Late deposits refunded", "deal", d.ID, "party", side.Party, "transfers", len(refunds))
	for _, item := range refunds {
		e.emit(d.ID, deal.EventLateDeposit, fmt.Sprintf("late deposit of %s %s refunded to %s", item.Amount.String(), item.Asset, item.To))
	}
	return nil
}

// maybeSweepGas returns leftover native coin on an account escrow to the
// gas tank. Runs only when the source is quiet, so fee top-ups for pending
// token refunds are never swept out from under them.
func (e *Engine) maybeSweepGas(ctx context.Context, d *deal.Deal, side *deal.Side, env deal.PlanEnv, items []*deal.QueueItem, now time.Time) error {
	if env.ChainFamily != asset.FamilyAccount || env.TankAddress == "" {
		return nil
	}

	ad, err := e.adapters.For(side.Chain)
	if err != nil {
		return err
	}
	reader, ok := ad.(adapter.BalanceReader)
	if !ok {
		return nil
	}
	native, ok := asset.NativeOf(side.Chain)
	if !ok {
		return nil
	}

	bal, err := reader.NativeBalance(ctx, side.EscrowAddress)
	if err != nil {
		e.log.Warn("Gas balance check failed", "deal", d.ID, "escrow", side.EscrowAddress, "err", err)
		return nil
	}
	if !bal.GreaterThanOrEqual(native.MinSendAmount()) {
		return nil
	}

	next, err := e.store.NextSeq(d.ID, side.EscrowAddress)
	if err != nil {
		return err
	}
	sweep, err := deal.BuildGasSweep(d, side, env, native.Code, bal, next, now)
	if err != nil {
		return err
	}

	msg := fmt.Sprintf("sweeping %s %s of leftover gas to tank", bal.String(), native.Code)
	if err := e.store.EnqueueRefunds(d.ID, []*deal.QueueItem{sweep}, deal.EventRefundEnqueued, msg); err != nil {
		return err
	}
	e.log.Info("Gas sweep enqueued", "deal", d.ID, "escrow", side.EscrowAddress, "amount", bal.String())
	e.emit(d.ID, deal.EventRefundEnqueued, msg)
	return nil
}

// sourceQuiet reports whether a source has no in-flight queue items.
// Terminal items count as quiet: a FAILED item stops execution on its
// source until an operator steps in, but refunds owed on top of it still
// enqueue so the books stay complete.
func sourceQuiet(items []*deal.QueueItem, source string) bool {
	for _, item := range items {
		if item.Source == source && !item.Status.Terminal() {
			return false
		}
	}
	return true
}
