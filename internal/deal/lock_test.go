package deal

import (
	"testing"
	"time"

	"github.com/crossdeal-exchange/crossdeal/internal/asset"
	"github.com/crossdeal-exchange/crossdeal/pkg/money"
)

var lockExpiry = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func utxoSide(t *testing.T, amount string) *Side {
	t.Helper()
	return &Side{
		Party:      PartyA,
		Chain:      "btc",
		Asset:      "BTC",
		Amount:     money.MustParse(amount),
		Commission: FreezePercentBps(asset.MustGet("BTC"), 30, money.MustParse("0.001")),
	}
}

func dep(assetCode, amount string, confirms int64, blockTime time.Time) *EscrowDeposit {
	return &EscrowDeposit{
		DealID:        "d1",
		Asset:         assetCode,
		TxID:          "tx-" + amount,
		Amount:        money.MustParse(amount),
		BlockTime:     blockTime,
		Confirmations: confirms,
	}
}

func TestLockExactCoverage(t *testing.T) {
	side := utxoSide(t, "10") // requires 10.03 BTC

	res, err := EvaluateLocks(side, []*EscrowDeposit{
		dep("BTC", "10.03", 6, lockExpiry.Add(-time.Hour)),
	}, 6, lockExpiry)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Locked() {
		t.Errorf("exact coverage not locked: %+v", res)
	}
	if !res.RequiredCommission.Equal(money.MustParse("0.03")) {
		t.Errorf("required commission = %s, want 0.03", res.RequiredCommission)
	}
}

func TestLockOneSatShort(t *testing.T) {
	side := utxoSide(t, "10")

	res, err := EvaluateLocks(side, []*EscrowDeposit{
		dep("BTC", "10.02999999", 6, lockExpiry.Add(-time.Hour)),
	}, 6, lockExpiry)
	if err != nil {
		t.Fatal(err)
	}
	if res.TradeLocked || res.CommissionLocked {
		t.Errorf("one unit short locked: %+v", res)
	}
}

func TestLockConfirmationBoundary(t *testing.T) {
	side := utxoSide(t, "10")
	blockTime := lockExpiry.Add(-time.Hour)

	// exactly collectConfirms locks
	res, err := EvaluateLocks(side, []*EscrowDeposit{dep("BTC", "10.03", 6, blockTime)}, 6, lockExpiry)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Locked() {
		t.Error("deposit at exactly collectConfirms did not lock")
	}

	// one short does not
	res, err = EvaluateLocks(side, []*EscrowDeposit{dep("BTC", "10.03", 5, blockTime)}, 6, lockExpiry)
	if err != nil {
		t.Fatal(err)
	}
	if res.Locked() {
		t.Error("deposit one confirmation short locked")
	}
}

func TestLockBlockTimeBoundary(t *testing.T) {
	side := utxoSide(t, "10")

	// blockTime == expiresAt is eligible
	res, err := EvaluateLocks(side, []*EscrowDeposit{dep("BTC", "10.03", 6, lockExpiry)}, 6, lockExpiry)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Locked() {
		t.Error("deposit mined at exactly expiresAt did not count")
	}

	// one second past is not
	res, err = EvaluateLocks(side, []*EscrowDeposit{dep("BTC", "10.03", 6, lockExpiry.Add(time.Second))}, 6, lockExpiry)
	if err != nil {
		t.Fatal(err)
	}
	if res.Locked() {
		t.Error("deposit mined after expiresAt counted toward lock")
	}
}

func TestLockSumsAcrossDeposits(t *testing.T) {
	side := utxoSide(t, "10")
	blockTime := lockExpiry.Add(-time.Hour)

	res, err := EvaluateLocks(side, []*EscrowDeposit{
		dep("BTC", "6", 8, blockTime),
		dep("BTC", "4.01", 7, blockTime),
		dep("BTC", "0.02", 6, blockTime),
		dep("BTC", "5", 2, blockTime),   // below threshold, ignored
		dep("USDC", "50", 9, blockTime), // wrong asset, ignored
	}, 6, lockExpiry)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Locked() {
		t.Errorf("summed deposits did not lock: eligible %s", res.EligibleTrade)
	}
	if !res.EligibleTrade.Equal(money.MustParse("10.03")) {
		t.Errorf("eligible trade = %s, want 10.03", res.EligibleTrade)
	}
}

func TestLockNativeCommission(t *testing.T) {
	eth := asset.MustGet("ETH")
	quote := &OracleQuote{Pair: "ETH/USD", Price: money.MustParse("2500"), AsOf: lockExpiry, Source: "static"}
	side := &Side{
		Party:      PartyB,
		Chain:      "eth",
		Asset:      "USDC",
		Amount:     money.MustParse("50"),
		Commission: FreezeFixedUSDNative(eth, money.MustParse("25"), money.MustParse("0.01"), quote),
	}
	blockTime := lockExpiry.Add(-time.Hour)

	// trade covered, commission not: half locked
	res, err := EvaluateLocks(side, []*EscrowDeposit{dep("USDC", "50", 3, blockTime)}, 3, lockExpiry)
	if err != nil {
		t.Fatal(err)
	}
	if !res.TradeLocked || res.CommissionLocked {
		t.Errorf("want trade-only lock, got %+v", res)
	}

	// native deposit completes the pair
	res, err = EvaluateLocks(side, []*EscrowDeposit{
		dep("USDC", "50", 3, blockTime),
		dep("ETH", "0.01", 3, blockTime),
	}, 3, lockExpiry)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Locked() {
		t.Errorf("native commission deposit did not complete lock: %+v", res)
	}
}

func TestApplyLockResultMonotonic(t *testing.T) {
	side := utxoSide(t, "10")
	now := lockExpiry.Add(-time.Hour)

	if !ApplyLockResult(side, LockResult{TradeLocked: true, CommissionLocked: true}, now) {
		t.Fatal("first apply reported no change")
	}
	first := side.LockedSince()

	// re-applying later must not move the timestamps
	if ApplyLockResult(side, LockResult{TradeLocked: true, CommissionLocked: true}, now.Add(time.Minute)) {
		t.Error("second apply reported change")
	}
	if !side.LockedSince().Equal(first) {
		t.Errorf("lock timestamp moved: %v -> %v", first, side.LockedSince())
	}

	side.ClearLocks()
	if side.Locked() {
		t.Error("side still locked after ClearLocks")
	}
}
