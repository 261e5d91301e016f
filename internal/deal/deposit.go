package deal

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/crossdeal-exchange/crossdeal/pkg/money"
)

// DepositKey identifies a deposit within a deal.
func DepositKey(txID string, outputIndex int64) string {
	return fmt.Sprintf("%s:%d", txID, outputIndex)
}

// SplitDepositKey reverses DepositKey.
func SplitDepositKey(key string) (string, int64, error) {
	i := strings.LastIndex(key, ":")
	if i < 0 {
		return "", 0, fmt.Errorf("malformed deposit key %q", key)
	}
	vout, err := strconv.ParseInt(key[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed deposit key %q: %w", key, err)
	}
	return key[:i], vout, nil
}

// EscrowDeposit is one confirmed incoming transfer to an escrow address,
// unique under (dealId, txid, outputIndex). Amount and position never
// change after ingest; only the confirmation count moves, and only upward.
// A deposit that vanishes from chain history is deleted after two
// consecutive missed polls.
type EscrowDeposit struct {
	DealID      string
	Party       Party
	Chain       string
	Address     string
	Asset       string
	TxID        string
	OutputIndex int64
	Amount      money.Amount
	BlockHeight int64
	BlockTime   time.Time

	Confirmations int64
	// MissedPolls counts consecutive polls in which the chain no longer
	// reported this deposit. Two misses mean a reorg dropped it.
	MissedPolls int

	// CoveredBy records what consumed or returned this deposit: the
	// settlement plan, a revert, or the id of a late-refund queue item.
	// Empty means the money is still unaccounted for. The close watcher
	// only refunds uncovered deposits.
	CoveredBy string

	FirstSeenAt time.Time
	UpdatedAt   time.Time
}

// Key returns the deposit's identity within its deal.
func (d *EscrowDeposit) Key() string {
	return DepositKey(d.TxID, d.OutputIndex)
}

// Eligible reports whether this deposit counts toward locks: deep enough
// for the chain's collection threshold and mined at or before the deal's
// expiry. Block time decides inclusion, not observation time, so a deposit
// mined just before timeout still counts once it confirms.
func (d *EscrowDeposit) Eligible(collectConfirms int64, expiresAt time.Time) bool {
	if d.Confirmations < collectConfirms {
		return false
	}
	if expiresAt.IsZero() {
		return true
	}
	return !d.BlockTime.After(expiresAt)
}

// Confirmed reports whether the deposit reached the chain's collection
// threshold, regardless of timing. Refunds use this: late money is still
// the party's money.
func (d *EscrowDeposit) Confirmed(collectConfirms int64) bool {
	return d.Confirmations >= collectConfirms
}

// SumEligible totals eligible deposits of one asset.
func SumEligible(deposits []*EscrowDeposit, assetCode string, collectConfirms int64, expiresAt time.Time) money.Amount {
	total := money.Zero
	for _, dep := range deposits {
		if dep.Asset != assetCode {
			continue
		}
		if dep.Eligible(collectConfirms, expiresAt) {
			total = total.Add(dep.Amount)
		}
	}
	return total
}
