package deal

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/crossdeal-exchange/crossdeal/internal/asset"
	"github.com/crossdeal-exchange/crossdeal/pkg/money"
)

// PlanEnv carries the per-chain settlement context the builder needs:
// where commissions go, whether a broker contract takes over, and the
// confirmation policy stamped onto each item.
type PlanEnv struct {
	OperatorAddress  string
	TankAddress      string
	BrokerContract   string // non-empty on account chains settling via broker
	ChainFamily      asset.Family
	CollectConfirms  int64
	RequiredConfirms int64
}

// UsesBroker reports whether a side trading assetCode settles through the
// broker contract: account chain, configured contract, native asset. Token
// sides keep the phased plan because a broker call cannot pull tokens out
// of an externally owned escrow in a single transaction.
func (e PlanEnv) UsesBroker(assetCode string) bool {
	if e.ChainFamily != asset.FamilyAccount || e.BrokerContract == "" {
		return false
	}
	a, ok := asset.Get(assetCode)
	return ok && a.Native
}

func (e PlanEnv) phase(p Phase) Phase {
	if e.ChainFamily == asset.FamilyUTXO {
		return p
	}
	return PhaseNone
}

func newItem(d *Deal, side *Side, env PlanEnv, purpose Purpose, assetCode string, amount money.Amount, to string, phase Phase, seq int64, now time.Time) *QueueItem {
	return &QueueItem{
		ID:               uuid.NewString(),
		DealID:           d.ID,
		Chain:            side.Chain,
		SourceKind:       SourceEscrow,
		Source:           side.EscrowAddress,
		To:               to,
		Asset:            assetCode,
		Amount:           amount,
		Purpose:          purpose,
		Phase:            env.phase(phase),
		Seq:              seq,
		Status:           StatusPending,
		RequiredConfirms: env.RequiredConfirms,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// BuildSidePlan emits the settlement plan for one locked side: the exact
// trade amount to the counterparty, the commission to the operator, and
// per-asset surplus back to the party. Seq runs from 1 per source; phases
// order UTXO spends.
//
// When the side settles via broker, a single BROKER_SWAP item replaces the
// three-item plan and the contract handles the split on chain.
func BuildSidePlan(d *Deal, side *Side, other *Side, env PlanEnv, deposits []*EscrowDeposit, now time.Time) ([]*QueueItem, error) {
	if side.Commission == nil {
		return nil, fmt.Errorf("side %s: commission plan not frozen", side.Party)
	}
	rComm, err := side.Commission.Requirement(side.Amount)
	if err != nil {
		return nil, err
	}

	if env.UsesBroker(side.Asset) {
		item := newItem(d, side, env, PurposeBrokerSwap, side.Asset, side.Amount, env.BrokerContract, PhaseNone, 1, now)
		item.SourceKind = SourceBroker
		item.Broker = &BrokerCall{
			Payback:      side.Payback,
			Recipient:    other.Recipient,
			FeeRecipient: env.OperatorAddress,
			Amount:       side.Amount,
			Fees:         rComm,
		}
		return []*QueueItem{item}, nil
	}

	var items []*QueueItem
	seq := int64(1)

	// 1. Payout: the declared amount, bit-exact, to the counterparty.
	items = append(items, newItem(d, side, env, PurposeSwapPayout, side.Asset, side.Amount, other.Recipient, PhaseSwap, seq, now))
	seq++

	// 2. Commission from surplus.
	if rComm.IsPositive() {
		items = append(items, newItem(d, side, env, PurposeOpCommission, side.Commission.CommissionAsset, rComm, env.OperatorAddress, PhaseCommission, seq, now))
		seq++
	}

	// 3. Surplus per asset: eligible deposits minus what 1-2 spend.
	surplus, err := SurplusByAsset(side, env, deposits, d.ExpiresAt, rComm)
	if err != nil {
		return nil, err
	}
	for _, sp := range surplus {
		items = append(items, newItem(d, side, env, PurposeSurplusRefund, sp.Asset, sp.Amount, side.Payback, PhaseRefund, seq, now))
		seq++
	}

	return items, nil
}

// AssetAmount pairs an asset code with an amount.
type AssetAmount struct {
	Asset  string
	Amount money.Amount
}

// SurplusByAsset computes, per asset, the eligible deposits in excess of
// planned settlement spends. Amounts below an asset's dust floor stay in
// the escrow rather than producing an unsendable item. Sorted by asset
// code for stable seq assignment.
func SurplusByAsset(side *Side, env PlanEnv, deposits []*EscrowDeposit, expiresAt time.Time, rComm money.Amount) ([]AssetAmount, error) {
	spends := map[string]money.Amount{
		side.Asset: side.Amount,
	}
	if side.Commission != nil && rComm.IsPositive() {
		code := side.Commission.CommissionAsset
		spends[code] = spends[code].Add(rComm)
	}

	seen := map[string]bool{}
	var out []AssetAmount
	for _, dep := range deposits {
		if seen[dep.Asset] {
			continue
		}
		seen[dep.Asset] = true

		a, ok := asset.Get(dep.Asset)
		if !ok {
			return nil, fmt.Errorf("deposit asset %q not registered", dep.Asset)
		}
		total := SumEligible(deposits, dep.Asset, env.CollectConfirms, expiresAt)
		excess := total.Sub(spends[dep.Asset])
		if excess.IsPositive() && excess.GreaterThanOrEqual(a.MinSendAmount()) {
			out = append(out, AssetAmount{Asset: dep.Asset, Amount: excess})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

// BuildTimeoutRefunds emits one TIMEOUT_REFUND per confirmed deposit of a
// timed-out side, or a single BROKER_REVERT for broker sides. nextSeq is
// the side's next free sequence number.
func BuildTimeoutRefunds(d *Deal, side *Side, env PlanEnv, deposits []*EscrowDeposit, nextSeq int64, now time.Time) []*QueueItem {
	var confirmed []*EscrowDeposit
	for _, dep := range deposits {
		if dep.Confirmed(env.CollectConfirms) {
			confirmed = append(confirmed, dep)
		}
	}
	if len(confirmed) == 0 {
		return nil
	}

	if env.UsesBroker(side.Asset) {
		total := money.Zero
		for _, dep := range confirmed {
			total = total.Add(dep.Amount)
		}
		item := newItem(d, side, env, PurposeBrokerRevert, side.Asset, total, env.BrokerContract, PhaseNone, nextSeq, now)
		item.SourceKind = SourceBroker
		item.Broker = &BrokerCall{
			Payback:      side.Payback,
			Recipient:    side.Payback,
			FeeRecipient: env.OperatorAddress,
			Amount:       total,
			Fees:         money.Zero, // no commission on a reverted deal
		}
		return []*QueueItem{item}
	}

	sort.Slice(confirmed, func(i, j int) bool {
		if confirmed[i].TxID != confirmed[j].TxID {
			return confirmed[i].TxID < confirmed[j].TxID
		}
		return confirmed[i].OutputIndex < confirmed[j].OutputIndex
	})

	items := make([]*QueueItem, 0, len(confirmed))
	seq := nextSeq
	for _, dep := range confirmed {
		items = append(items, newItem(d, side, env, PurposeTimeoutRefund, dep.Asset, dep.Amount, side.Payback, PhaseRefund, seq, now))
		seq++
	}
	return items
}

// BuildLateRefunds emits refunds for deposits that confirmed after the deal
// closed, one item per asset so a native refund can sweep without starving
// a token refund. The returned map records which deposits each item covers;
// the enqueue stamps them in the same transaction. Late native deposits on
// broker sides refund through the contract.
func BuildLateRefunds(d *Deal, side *Side, env PlanEnv, deps []*EscrowDeposit, nextSeq int64, now time.Time) ([]*QueueItem, map[string][]string) {
	byAsset := map[string][]*EscrowDeposit{}
	var order []string
	for _, dep := range deps {
		if _, ok := byAsset[dep.Asset]; !ok {
			order = append(order, dep.Asset)
		}
		byAsset[dep.Asset] = append(byAsset[dep.Asset], dep)
	}
	sort.Strings(order)

	items := make([]*QueueItem, 0, len(order))
	covered := make(map[string][]string, len(order))
	seq := nextSeq
	for _, code := range order {
		total := money.Zero
		keys := make([]string, 0, len(byAsset[code]))
		for _, dep := range byAsset[code] {
			total = total.Add(dep.Amount)
			keys = append(keys, dep.Key())
		}

		var item *QueueItem
		if env.UsesBroker(code) {
			item = newItem(d, side, env, PurposeBrokerRefund, code, total, env.BrokerContract, PhaseNone, seq, now)
			item.SourceKind = SourceBroker
			item.Broker = &BrokerCall{
				Payback:      side.Payback,
				Recipient:    side.Payback,
				FeeRecipient: env.OperatorAddress,
				Amount:       total,
				Fees:         money.Zero,
			}
		} else {
			item = newItem(d, side, env, PurposeTimeoutRefund, code, total, side.Payback, PhaseRefund, seq, now)
		}
		items = append(items, item)
		covered[item.ID] = keys
		seq++
	}
	return items, covered
}

// BuildGasSweep emits the post-close sweep of leftover native coin from an
// account-chain escrow back to the tank. Never valid for UTXO escrows.
func BuildGasSweep(d *Deal, side *Side, env PlanEnv, nativeAsset string, amount money.Amount, nextSeq int64, now time.Time) (*QueueItem, error) {
	if env.ChainFamily != asset.FamilyAccount {
		return nil, fmt.Errorf("gas sweep on %s chain %s: only account chains hold gas", env.ChainFamily, side.Chain)
	}
	if env.TankAddress == "" {
		return nil, fmt.Errorf("gas sweep on chain %s: no tank address configured", side.Chain)
	}
	return newItem(d, side, env, PurposeGasRefundToTank, nativeAsset, amount, env.TankAddress, PhaseNone, nextSeq, now), nil
}
