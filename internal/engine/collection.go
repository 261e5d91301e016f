package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crossdeal-exchange/crossdeal/internal/adapter"
	"github.com/crossdeal-exchange/crossdeal/internal/asset"
	"github.com/crossdeal-exchange/crossdeal/internal/deal"
	"github.com/crossdeal-exchange/crossdeal/internal/storage"
)

// processCollection polls escrows, re-evaluates locks and decides between
// advancing to WAITING and reverting on timeout. Lock verdicts come from a
// fresh deposit snapshot every tick; stored timestamps follow the verdict
// in both directions while the deal is still collecting.
func (e *Engine) processCollection(ctx context.Context, d *deal.Deal) error {
	halted, err := e.pollDeposits(ctx, d)
	if err != nil || halted {
		return err
	}

	now := time.Now()
	bothLocked := true
	for _, side := range d.Sides() {
		res, err := e.evaluateSide(d, side, now)
		if err != nil {
			return err
		}
		if !res.Locked() {
			bothLocked = false
		}
	}

	if bothLocked {
		if err := e.store.MoveToWaiting(d.ID); err != nil {
			return err
		}
		e.log.Info("Deal fully locked", "deal", d.ID)
		e.emit(d.ID, deal.EventStageChanged, "COLLECTION -> WAITING")
		return nil
	}

	if d.Expired(now) {
		return e.revertExpired(d, "collection window expired")
	}
	return nil
}

// processWaiting holds a fully locked deal for one full tick, watching for
// reorgs, then freezes the settlement plan. Any broken lock sends the deal
// back to COLLECTION with all locks cleared.
func (e *Engine) processWaiting(ctx context.Context, d *deal.Deal) error {
	halted, err := e.pollDeposits(ctx, d)
	if err != nil || halted {
		return err
	}

	for _, side := range d.Sides() {
		res, err := e.lockVerdict(d, side)
		if err != nil {
			return err
		}
		if !res.Locked() {
			reason := fmt.Sprintf("deposit coverage on %s escrow broke before settlement", side.Party)
			if err := e.store.RevertToCollection(d.ID, reason); err != nil {
				return err
			}
			e.log.Warn("Deal downgraded", "deal", d.ID, "reason", reason)
			e.emit(d.ID, deal.EventStageChanged, "WAITING -> COLLECTION")
			return nil
		}
	}

	// Locks must survive one full scheduler interval before funds move.
	// A reorg shallow enough to matter shows up within a tick.
	cutoff := time.Now().Add(-e.tickInterval())
	for _, side := range d.Sides() {
		if side.LockedSince().After(cutoff) {
			return nil
		}
	}

	return e.enterSwap(d)
}

// pollDeposits refreshes stored deposit rows from the chain for both
// escrows. Returns true when a deposit conflict halted the deal.
func (e *Engine) pollDeposits(ctx context.Context, d *deal.Deal) (bool, error) {
	for _, side := range d.Sides() {
		if side.EscrowAddress == "" {
			continue
		}
		ad, err := e.adapters.For(side.Chain)
		if err != nil {
			return false, err
		}

		assets, err := watchedAssets(side)
		if err != nil {
			return false, err
		}

		seen := make(map[string]bool)
		scansOK := true
		for _, code := range assets {
			deps, err := ad.ListConfirmedDeposits(ctx, code, side.EscrowAddress, 1, d.CreatedAt)
			if err != nil {
				e.log.Warn("Deposit scan failed", "deal", d.ID, "chain", side.Chain, "asset", code, "err", err)
				scansOK = false
				continue
			}
			for _, dep := range deps {
				rec := &deal.EscrowDeposit{
					DealID:        d.ID,
					Party:         side.Party,
					Chain:         side.Chain,
					Address:       side.EscrowAddress,
					Asset:         code,
					TxID:          dep.TxID,
					OutputIndex:   dep.OutputIndex,
					Amount:        dep.Amount,
					BlockHeight:   dep.BlockHeight,
					BlockTime:     dep.BlockTime,
					Confirmations: dep.Confirmations,
				}
				inserted, err := e.store.UpsertDeposit(rec)
				if errors.Is(err, storage.ErrDepositConflict) {
					reason := fmt.Sprintf("deposit %s:%d reported conflicting amounts", dep.TxID, dep.OutputIndex)
					return true, e.halt(d, reason)
				}
				if err != nil {
					return false, err
				}
				seen[rec.Key()] = true
				if inserted {
					e.log.Info("Deposit observed", "deal", d.ID, "party", side.Party, "asset", code, "amount", dep.Amount.String())
					e.emit(d.ID, deal.EventDepositObserved, fmt.Sprintf("deposit %s %s on %s escrow", dep.Amount.String(), code, side.Party))
				}
			}
		}

		// Reorg tracking only matters before funds move. The close
		// watcher must not count spent outpoints as reorged deposits.
		if !scansOK || (d.Stage != deal.StageCollection && d.Stage != deal.StageWaiting) {
			continue
		}

		if ad.Family() == asset.FamilyAccount {
			e.refreshAbsentDeposits(ctx, d, side, ad, seen)
		}
		removed, err := e.store.MarkDepositsMissed(d.ID, side.Party, seen, e.cfg.Engine.DepositMissThreshold)
		if err != nil {
			return false, err
		}
		for _, dep := range removed {
			e.log.Warn("Deposit reorged away", "deal", d.ID, "txid", dep.TxID, "vout", dep.OutputIndex)
			e.emit(d.ID, deal.EventDepositRemoved, fmt.Sprintf("deposit %s dropped from chain history", dep.TxID))
		}
	}
	return false, nil
}

// refreshAbsentDeposits double-checks stored account-chain deposits the
// block scan did not report. Receipt lookups are authoritative there; a
// deposit the node still knows is marked seen with fresh confirmations, so
// only genuinely vanished transactions accumulate misses.
func (e *Engine) refreshAbsentDeposits(ctx context.Context, d *deal.Deal, side *deal.Side, ad adapter.Adapter, seen map[string]bool) {
	stored, err := e.store.GetDepositsByParty(d.ID, side.Party)
	if err != nil {
		e.log.Warn("Deposit refresh failed", "deal", d.ID, "err", err)
		return
	}
	for _, dep := range stored {
		if seen[dep.Key()] {
			continue
		}
		confs, err := ad.GetTxConfirmations(ctx, dep.TxID)
		if errors.Is(err, adapter.ErrUnknownTxid) {
			continue
		}
		if err != nil {
			// Transient node trouble must not count as a miss.
			seen[dep.Key()] = true
			continue
		}
		dep.Confirmations = confs
		if _, uerr := e.store.UpsertDeposit(dep); uerr != nil && !errors.Is(uerr, storage.ErrDepositConflict) {
			e.log.Warn("Deposit refresh failed", "deal", d.ID, "txid", dep.TxID, "err", uerr)
			continue
		}
		seen[dep.Key()] = true
	}
}

// lockVerdict evaluates a side's lock state from stored deposits without
// touching persisted timestamps.
func (e *Engine) lockVerdict(d *deal.Deal, side *deal.Side) (deal.LockResult, error) {
	ad, err := e.adapters.For(side.Chain)
	if err != nil {
		return deal.LockResult{}, err
	}
	deps, err := e.store.GetDepositsByParty(d.ID, side.Party)
	if err != nil {
		return deal.LockResult{}, err
	}
	return deal.EvaluateLocks(side, deps, ad.CollectConfirms(), d.ExpiresAt)
}

// evaluateSide renews a side's persisted lock timestamps from a fresh
// verdict. During collection a timestamp tracks its requirement in both
// directions: coverage sets it, a reorg that uncovers the requirement
// clears it again.
func (e *Engine) evaluateSide(d *deal.Deal, side *deal.Side, now time.Time) (deal.LockResult, error) {
	res, err := e.lockVerdict(d, side)
	if err != nil {
		return res, err
	}

	changed := false
	if res.TradeLocked != !side.TradeLockedAt.IsZero() {
		changed = true
		if res.TradeLocked {
			side.TradeLockedAt = now
		} else {
			side.TradeLockedAt = time.Time{}
		}
	}
	if res.CommissionLocked != !side.CommissionLockedAt.IsZero() {
		changed = true
		if res.CommissionLocked {
			side.CommissionLockedAt = now
		} else {
			side.CommissionLockedAt = time.Time{}
		}
	}
	if !changed {
		return res, nil
	}

	if err := e.store.SetSideLocks(d.ID, side.Party, side.TradeLockedAt, side.CommissionLockedAt); err != nil {
		return res, err
	}
	if res.Locked() {
		e.event(d.ID, deal.EventLockSet, fmt.Sprintf("party %s deposits cover trade and commission", side.Party))
	} else if !res.TradeLocked && !res.CommissionLocked && side.TradeLockedAt.IsZero() && side.CommissionLockedAt.IsZero() {
		e.event(d.ID, deal.EventLockCleared, fmt.Sprintf("party %s deposit coverage broke", side.Party))
	}
	return res, nil
}

// enterSwap freezes the transfer plan for both sides and moves the deal to
// SWAP in one transaction. Deposits the plan spends are marked covered so
// the close watcher never refunds them a second time.
func (e *Engine) enterSwap(d *deal.Deal) error {
	now := time.Now()
	var items []*deal.QueueItem
	var covered []string

	for _, side := range d.Sides() {
		other, err := d.Side(side.Party.Other())
		if err != nil {
			return err
		}
		env, err := e.planEnv(side.Chain)
		if err != nil {
			return err
		}
		deps, err := e.store.GetDepositsByParty(d.ID, side.Party)
		if err != nil {
			return err
		}

		plan, err := deal.BuildSidePlan(d, side, other, env, deps, now)
		if err != nil {
			return err
		}
		items = append(items, plan...)

		for _, dep := range deps {
			if dep.Eligible(env.CollectConfirms, d.ExpiresAt) {
				covered = append(covered, dep.Key())
			}
		}
	}

	if reason := e.badDestination(items); reason != "" {
		return e.halt(d, reason)
	}

	if err := e.store.MoveToSwap(d.ID, items, covered); err != nil {
		return err
	}
	e.log.Info("Settlement plan frozen", "deal", d.ID, "items", len(items))
	e.emit(d.ID, deal.EventStageChanged, "WAITING -> SWAP")
	e.emit(d.ID, deal.EventPlanBuilt, fmt.Sprintf("%d transfers enqueued", len(items)))
	return nil
}

// revertExpired refunds every confirmed deposit and moves the deal to
// REVERTED. Late-arriving deposits stay uncovered for the close watcher.
func (e *Engine) revertExpired(d *deal.Deal, reason string) error {
	now := time.Now()
	var items []*deal.QueueItem
	var covered []string

	for _, side := range d.Sides() {
		if side.EscrowAddress == "" {
			continue
		}
		env, err := e.planEnv(side.Chain)
		if err != nil {
			return err
		}
		deps, err := e.store.GetDepositsByParty(d.ID, side.Party)
		if err != nil {
			return err
		}
		next, err := e.store.NextSeq(d.ID, side.EscrowAddress)
		if err != nil {
			return err
		}

		refunds := deal.BuildTimeoutRefunds(d, side, env, deps, next, now)
		items = append(items, refunds...)

		for _, dep := range deps {
			if dep.Confirmed(env.CollectConfirms) {
				covered = append(covered, dep.Key())
			}
		}
	}

	if bad := e.badDestination(items); bad != "" {
		return e.halt(d, bad)
	}

	if err := e.store.RevertDeal(d.ID, d.Stage, items, covered, reason); err != nil {
		return err
	}
	e.log.Info("Deal reverted", "deal", d.ID, "reason", reason, "refunds", len(items))
	e.emit(d.ID, deal.EventStageChanged, fmt.Sprintf("%s -> REVERTED", d.Stage))
	return nil
}

// badDestination validates every planned destination against its chain.
// Details were validated when submitted, so a failure here means state
// corruption and the deal halts rather than sending anywhere doubtful.
func (e *Engine) badDestination(items []*deal.QueueItem) string {
	for _, item := range items {
		ad, err := e.adapters.For(item.Chain)
		if err != nil {
			return err.Error()
		}
		if !ad.ValidateAddress(item.To) {
			return fmt.Sprintf("planned destination %s is not a valid %s address", item.To, item.Chain)
		}
	}
	return ""
}

// planEnv assembles the chain-specific plan inputs for one side.
func (e *Engine) planEnv(chainID string) (deal.PlanEnv, error) {
	ad, err := e.adapters.For(chainID)
	if err != nil {
		return deal.PlanEnv{}, err
	}
	env := deal.PlanEnv{
		OperatorAddress:  ad.OperatorAddress(),
		ChainFamily:      ad.Family(),
		CollectConfirms:  ad.CollectConfirms(),
		RequiredConfirms: ad.RequiredConfirms(),
	}
	if cc := e.cfg.Chain(chainID); cc != nil {
		env.TankAddress = cc.TankAddress
		env.BrokerContract = cc.BrokerContract
	}
	return env, nil
}

// watchedAssets returns the asset codes polled on a side's escrow: the
// trade asset plus the commission asset when it differs.
func watchedAssets(side *deal.Side) ([]string, error) {
	assets := []string{side.Asset}
	if side.Commission == nil {
		return assets, nil
	}
	commAsset, err := deal.CommissionAssetOf(side)
	if err != nil {
		return nil, err
	}
	if commAsset.Code != side.Asset {
		assets = append(assets, commAsset.Code)
	}
	return assets, nil
}
