package deal

import (
	"fmt"
	"time"

	"github.com/crossdeal-exchange/crossdeal/internal/asset"
	"github.com/crossdeal-exchange/crossdeal/pkg/money"
)

// LockResult is the outcome of evaluating one side's deposits against its
// requirements.
type LockResult struct {
	TradeLocked      bool
	CommissionLocked bool

	EligibleTrade      money.Amount
	EligibleCommission money.Amount
	RequiredTrade      money.Amount
	RequiredCommission money.Amount
}

// Locked reports whether both requirements are covered.
func (r LockResult) Locked() bool { return r.TradeLocked && r.CommissionLocked }

// EvaluateLocks decides whether a side's eligible deposits cover the trade
// amount and the commission. Pure: deposits in, verdict out.
//
// Eligibility per deposit: confirmations at or above the chain's collection
// threshold, and block time at or before the deal expiry. Commission paid
// in the trade asset means one pool of deposits must cover both figures;
// commission paid in native means the native deposits are checked
// separately.
func EvaluateLocks(side *Side, deposits []*EscrowDeposit, collectConfirms int64, expiresAt time.Time) (LockResult, error) {
	if side.Commission == nil {
		return LockResult{}, fmt.Errorf("side %s: commission plan not frozen", side.Party)
	}

	rComm, err := side.Commission.Requirement(side.Amount)
	if err != nil {
		return LockResult{}, err
	}

	res := LockResult{
		RequiredTrade:      side.Amount,
		RequiredCommission: rComm,
	}

	res.EligibleTrade = SumEligible(deposits, side.Asset, collectConfirms, expiresAt)

	switch side.Commission.Currency {
	case CurrencyAsset:
		// One pool covers trade plus commission.
		need := side.Amount.Add(rComm)
		res.EligibleCommission = res.EligibleTrade
		res.TradeLocked = res.EligibleTrade.GreaterThanOrEqual(need)
		res.CommissionLocked = res.TradeLocked
	case CurrencyNative:
		res.EligibleCommission = SumEligible(deposits, side.Commission.CommissionAsset, collectConfirms, expiresAt)
		res.TradeLocked = res.EligibleTrade.GreaterThanOrEqual(side.Amount)
		res.CommissionLocked = res.EligibleCommission.GreaterThanOrEqual(rComm)
	default:
		return LockResult{}, fmt.Errorf("commission currency %q unknown", side.Commission.Currency)
	}

	return res, nil
}

// ApplyLockResult records lock timestamps on the side: set when newly
// covered, untouched while covered (timestamps are monotonic within a
// WAITING stage), and cleared is the caller's decision on reversion.
// Returns true if anything changed.
func ApplyLockResult(side *Side, res LockResult, now time.Time) bool {
	changed := false
	if res.TradeLocked && side.TradeLockedAt.IsZero() {
		side.TradeLockedAt = now
		changed = true
	}
	if res.CommissionLocked && side.CommissionLockedAt.IsZero() {
		side.CommissionLockedAt = now
		changed = true
	}
	return changed
}

// CommissionAssetOf resolves the registered asset a side's commission is
// paid in.
func CommissionAssetOf(side *Side) (*asset.Asset, error) {
	if side.Commission == nil {
		return nil, fmt.Errorf("side %s: commission plan not frozen", side.Party)
	}
	a, ok := asset.Get(side.Commission.CommissionAsset)
	if !ok {
		return nil, fmt.Errorf("commission asset %q not registered", side.Commission.CommissionAsset)
	}
	return a, nil
}
