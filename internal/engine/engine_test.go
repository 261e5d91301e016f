package engine

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/crossdeal-exchange/crossdeal/internal/adapter"
	"github.com/crossdeal-exchange/crossdeal/internal/adapter/mock"
	"github.com/crossdeal-exchange/crossdeal/internal/config"
	"github.com/crossdeal-exchange/crossdeal/internal/deal"
	"github.com/crossdeal-exchange/crossdeal/internal/storage"
	"github.com/crossdeal-exchange/crossdeal/pkg/logging"
	"github.com/crossdeal-exchange/crossdeal/pkg/money"
)

func newTestEngine(t *testing.T, ads ...adapter.Adapter) (*Engine, *storage.Storage) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "crossdeal-engine-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	s, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.DefaultConfig()
	// Tests drive processDeal directly; no hold between scheduler passes.
	cfg.Engine.TickSeconds = 0
	set := adapter.NewSet()
	for _, ad := range ads {
		set.Register(ad)
		cfg.Chains[ad.ChainID()].Enabled = true
	}
	log := logging.New(&logging.Config{Level: "error"})
	return New(cfg, s, set, log), s
}

func btcEthDeal(t *testing.T, eng *Engine) *deal.Deal {
	t.Helper()
	d, err := eng.CreateDeal(CreateParams{AssetA: "BTC", AmountA: "1.5", AssetB: "ETH", AmountB: "20"})
	if err != nil {
		t.Fatalf("CreateDeal() error = %v", err)
	}
	return d
}

func fillBoth(t *testing.T, eng *Engine, d *deal.Deal) *deal.Deal {
	t.Helper()
	ctx := context.Background()
	if _, err := eng.FillDetails(ctx, d.ID, d.A.Token, "payback-a", "recipient-a", ""); err != nil {
		t.Fatalf("FillDetails(A) error = %v", err)
	}
	out, err := eng.FillDetails(ctx, d.ID, d.B.Token, "payback-b", "recipient-b", "bob@example.com")
	if err != nil {
		t.Fatalf("FillDetails(B) error = %v", err)
	}
	return out
}

// advance runs one scheduler step against the stored deal and returns the
// reloaded state.
func advance(t *testing.T, eng *Engine, s *storage.Storage, dealID string) *deal.Deal {
	t.Helper()
	d, err := s.GetDeal(dealID)
	if err != nil {
		t.Fatalf("GetDeal() error = %v", err)
	}
	if err := eng.processDeal(context.Background(), d); err != nil {
		t.Fatalf("processDeal() error = %v", err)
	}
	d, err = s.GetDeal(dealID)
	if err != nil {
		t.Fatalf("GetDeal() error = %v", err)
	}
	return d
}

func findItem(t *testing.T, items []*deal.QueueItem, chain string, purpose deal.Purpose) *deal.QueueItem {
	t.Helper()
	for _, item := range items {
		if item.Chain == chain && item.Purpose == purpose {
			return item
		}
	}
	t.Fatalf("no %s item on %s", purpose, chain)
	return nil
}

func TestDealLifecycleHappyPath(t *testing.T) {
	btc := mock.NewUTXO("btc")
	eth := mock.NewAccount("eth")
	eng, s := newTestEngine(t, btc, eth)

	var stageChanges []string
	eng.SetNotifier(func(_ string, kind deal.EventKind, message string) {
		if kind == deal.EventStageChanged {
			stageChanges = append(stageChanges, message)
		}
	})

	d := btcEthDeal(t, eng)
	if d.Stage != deal.StageCreated {
		t.Fatalf("stage = %s, want CREATED", d.Stage)
	}
	if d.A.Token == "" || d.B.Token == "" || d.A.Token == d.B.Token {
		t.Fatal("deal must carry distinct personal tokens")
	}

	d = fillBoth(t, eng, d)
	if d.Stage != deal.StageCollection {
		t.Fatalf("stage = %s, want COLLECTION", d.Stage)
	}
	if d.A.EscrowAddress == "" || d.B.EscrowAddress == "" {
		t.Fatal("collection must derive both escrows")
	}
	if d.A.Commission == nil || d.B.Commission == nil {
		t.Fatal("collection must freeze both commission plans")
	}
	if d.ExpiresAt.IsZero() {
		t.Fatal("collection must start the countdown")
	}

	// 30 bps of 1.5 BTC is 0.0045; of 20 ETH, 0.06. B overpays a little.
	btc.AddDeposit("BTC", d.A.EscrowAddress, "1.5045", 6)
	eth.AddDeposit("ETH", d.B.EscrowAddress, "20.07", 3)

	d = advance(t, eng, s, d.ID)
	if d.Stage != deal.StageWaiting {
		t.Fatalf("stage = %s, want WAITING once both sides cover", d.Stage)
	}
	if !d.A.Locked() || !d.B.Locked() {
		t.Fatal("both sides must be locked in WAITING")
	}

	d = advance(t, eng, s, d.ID)
	if d.Stage != deal.StageSwap {
		t.Fatalf("stage = %s, want SWAP", d.Stage)
	}
	if !d.ExpiresAt.IsZero() {
		t.Fatal("entering SWAP must clear the expiry")
	}

	items, err := s.GetQueueItems(d.ID)
	if err != nil {
		t.Fatalf("GetQueueItems() error = %v", err)
	}
	if len(items) != 5 {
		t.Fatalf("plan items = %d, want 5", len(items))
	}
	payoutA := findItem(t, items, "btc", deal.PurposeSwapPayout)
	if payoutA.To != "recipient-b" || !payoutA.Amount.Equal(money.MustParse("1.5")) {
		t.Errorf("btc payout = %s to %s, want 1.5 to recipient-b", payoutA.Amount.String(), payoutA.To)
	}
	payoutB := findItem(t, items, "eth", deal.PurposeSwapPayout)
	if payoutB.To != "recipient-a" || !payoutB.Amount.Equal(money.MustParse("20")) {
		t.Errorf("eth payout = %s to %s, want 20 to recipient-a", payoutB.Amount.String(), payoutB.To)
	}
	commA := findItem(t, items, "btc", deal.PurposeOpCommission)
	if commA.To != btc.Operator || !commA.Amount.Equal(money.MustParse("0.0045")) {
		t.Errorf("btc commission = %s to %s, want 0.0045 to %s", commA.Amount.String(), commA.To, btc.Operator)
	}
	surplus := findItem(t, items, "eth", deal.PurposeSurplusRefund)
	if surplus.To != "payback-b" || !surplus.Amount.Equal(money.MustParse("0.01")) {
		t.Errorf("eth surplus = %s to %s, want 0.01 to payback-b", surplus.Amount.String(), surplus.To)
	}

	deposits, err := s.GetDeposits(d.ID)
	if err != nil {
		t.Fatalf("GetDeposits() error = %v", err)
	}
	for _, dep := range deposits {
		if dep.CoveredBy != "settlement" {
			t.Errorf("deposit %s covered by %q, want settlement", dep.Key(), dep.CoveredBy)
		}
	}

	d = advance(t, eng, s, d.ID) // payouts broadcast
	// Change from the btc payout returns to the escrow and funds the
	// commission spend.
	btc.AddDeposit("BTC", d.A.EscrowAddress, "0.0045", 6)

	btc.ConfirmAll(3)
	eth.ConfirmAll(3)
	d = advance(t, eng, s, d.ID) // payouts complete
	d = advance(t, eng, s, d.ID) // commissions broadcast
	btc.ConfirmAll(3)
	eth.ConfirmAll(3)
	d = advance(t, eng, s, d.ID) // commissions complete, settling done
	if d.Stage != deal.StageClosed {
		t.Fatalf("stage = %s, want CLOSED once settling transfers confirm", d.Stage)
	}
	if d.ClosedAt.IsZero() || d.WatchUntil.IsZero() {
		t.Fatal("closing must stamp closed_at and the watch window")
	}

	// The surplus refund keeps moving after close.
	d = advance(t, eng, s, d.ID)

	// A straggler payment lands on the btc escrow inside the watch window.
	btc.AddDeposit("BTC", d.A.EscrowAddress, "0.02", 6)
	eth.ConfirmAll(3)
	d = advance(t, eng, s, d.ID) // surplus completes, late deposit refunds

	items, err = s.GetQueueItems(d.ID)
	if err != nil {
		t.Fatalf("GetQueueItems() error = %v", err)
	}
	late := findItem(t, items, "btc", deal.PurposeTimeoutRefund)
	if late.To != "payback-a" || !late.Amount.Equal(money.MustParse("0.02")) {
		t.Errorf("late refund = %s to %s, want 0.02 to payback-a", late.Amount.String(), late.To)
	}

	d = advance(t, eng, s, d.ID) // late refund broadcasts
	btc.ConfirmAll(3)
	d = advance(t, eng, s, d.ID) // late refund completes
	items, err = s.GetQueueItems(d.ID)
	if err != nil {
		t.Fatalf("GetQueueItems() error = %v", err)
	}
	for _, item := range items {
		if item.Status != deal.StatusCompleted {
			t.Errorf("item %s %s status = %s, want COMPLETED", item.Chain, item.Purpose, item.Status)
		}
	}

	sent := eth.Sent()
	if len(sent) != 3 {
		t.Fatalf("eth broadcasts = %d, want 3", len(sent))
	}
	for i, tx := range sent {
		if tx.Nonce != int64(i) {
			t.Errorf("eth broadcast %d used nonce %d", i, tx.Nonce)
		}
	}

	want := []string{"CREATED -> COLLECTION", "COLLECTION -> WAITING", "WAITING -> SWAP", "SWAP -> CLOSED"}
	if len(stageChanges) != len(want) {
		t.Fatalf("stage notifications = %v, want %v", stageChanges, want)
	}
	for i := range want {
		if stageChanges[i] != want[i] {
			t.Errorf("stage notification %d = %q, want %q", i, stageChanges[i], want[i])
		}
	}
}

func TestCollectionTimeoutReverts(t *testing.T) {
	btc := mock.NewUTXO("btc")
	eth := mock.NewAccount("eth")
	eng, s := newTestEngine(t, btc, eth)

	d, err := eng.CreateDeal(CreateParams{
		AssetA: "BTC", AmountA: "1.5",
		AssetB: "ETH", AmountB: "20",
		TimeoutSeconds: 1,
	})
	if err != nil {
		t.Fatalf("CreateDeal() error = %v", err)
	}
	d = fillBoth(t, eng, d)

	// Only party A funds the escrow; the window runs out.
	btc.AddDeposit("BTC", d.A.EscrowAddress, "1.51", 6)
	time.Sleep(1100 * time.Millisecond)

	d = advance(t, eng, s, d.ID)
	if d.Stage != deal.StageReverted {
		t.Fatalf("stage = %s, want REVERTED after the window expired", d.Stage)
	}

	items, err := s.GetQueueItems(d.ID)
	if err != nil {
		t.Fatalf("GetQueueItems() error = %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("refunds = %d, want 1", len(items))
	}
	refund := items[0]
	if refund.Purpose != deal.PurposeTimeoutRefund || refund.To != "payback-a" {
		t.Errorf("refund = %s to %s, want TIMEOUT_REFUND to payback-a", refund.Purpose, refund.To)
	}
	if !refund.Amount.Equal(money.MustParse("1.51")) {
		t.Errorf("refund amount = %s, want 1.51", refund.Amount.String())
	}

	deposits, err := s.GetDeposits(d.ID)
	if err != nil {
		t.Fatalf("GetDeposits() error = %v", err)
	}
	if len(deposits) != 1 || deposits[0].CoveredBy != "revert" {
		t.Fatalf("deposit coverage = %+v, want one deposit covered by revert", deposits)
	}

	d = advance(t, eng, s, d.ID) // refund broadcasts
	sent := btc.LastSent()
	if sent == nil || !sent.Req.SweepAll {
		t.Error("final native refund should sweep the escrow")
	}

	btc.ConfirmAll(3)
	d = advance(t, eng, s, d.ID)
	if d.Stage != deal.StageClosed {
		t.Fatalf("stage = %s, want CLOSED once refunds confirm", d.Stage)
	}
}

func TestLockAtExpiryWins(t *testing.T) {
	btc := mock.NewUTXO("btc")
	eth := mock.NewAccount("eth")
	eng, s := newTestEngine(t, btc, eth)

	d, err := eng.CreateDeal(CreateParams{
		AssetA: "BTC", AmountA: "1.5",
		AssetB: "ETH", AmountB: "20",
		TimeoutSeconds: 1,
	})
	if err != nil {
		t.Fatalf("CreateDeal() error = %v", err)
	}
	d = fillBoth(t, eng, d)

	// Both sides covered before expiry, first evaluated after it.
	btc.AddDeposit("BTC", d.A.EscrowAddress, "1.5045", 6)
	eth.AddDeposit("ETH", d.B.EscrowAddress, "20.06", 3)
	time.Sleep(1100 * time.Millisecond)

	d = advance(t, eng, s, d.ID)
	if d.Stage != deal.StageWaiting {
		t.Fatalf("stage = %s, want WAITING: full coverage beats the timeout", d.Stage)
	}
}

func TestWaitingReorgDowngrade(t *testing.T) {
	btc := mock.NewUTXO("btc")
	eth := mock.NewAccount("eth")
	eng, s := newTestEngine(t, btc, eth)
	// Hold WAITING deals long enough for the reorg to surface before the
	// plan freezes.
	eng.cfg.Engine.TickSeconds = 3600

	d := fillBoth(t, eng, btcEthDeal(t, eng))
	dep := btc.AddDeposit("BTC", d.A.EscrowAddress, "1.5045", 6)
	eth.AddDeposit("ETH", d.B.EscrowAddress, "20.06", 3)

	d = advance(t, eng, s, d.ID)
	if d.Stage != deal.StageWaiting {
		t.Fatalf("stage = %s, want WAITING", d.Stage)
	}

	// A reorg drops the btc deposit from chain history.
	btc.RemoveDeposit("BTC", d.A.EscrowAddress, dep.TxID, 0)

	// One missed poll is tolerated.
	d = advance(t, eng, s, d.ID)
	if d.Stage != deal.StageWaiting {
		t.Fatalf("stage = %s, want WAITING after a single missed poll", d.Stage)
	}

	// The second miss evicts the deposit and the downgrade clears locks.
	d = advance(t, eng, s, d.ID)
	if d.Stage != deal.StageCollection {
		t.Fatalf("stage = %s, want COLLECTION after the reorg", d.Stage)
	}
	if d.A.Locked() || d.B.Locked() {
		t.Error("downgrade must clear locks on both sides")
	}
	depsA, err := s.GetDepositsByParty(d.ID, deal.PartyA)
	if err != nil {
		t.Fatalf("GetDepositsByParty() error = %v", err)
	}
	if len(depsA) != 0 {
		t.Errorf("stored btc deposits = %d, want 0 after eviction", len(depsA))
	}

	// A redeposit recovers the deal.
	btc.AddDeposit("BTC", d.A.EscrowAddress, "1.5045", 6)
	d = advance(t, eng, s, d.ID)
	if d.Stage != deal.StageWaiting {
		t.Fatalf("stage = %s, want WAITING after redeposit", d.Stage)
	}
}

func TestWaitingHoldsOneFullTick(t *testing.T) {
	btc := mock.NewUTXO("btc")
	eth := mock.NewAccount("eth")
	eng, s := newTestEngine(t, btc, eth)
	eng.cfg.Engine.TickSeconds = 3600

	d := fillBoth(t, eng, btcEthDeal(t, eng))
	btc.AddDeposit("BTC", d.A.EscrowAddress, "1.5045", 6)
	eth.AddDeposit("ETH", d.B.EscrowAddress, "20.06", 3)

	d = advance(t, eng, s, d.ID)
	if d.Stage != deal.StageWaiting {
		t.Fatalf("stage = %s, want WAITING", d.Stage)
	}

	// Locks are fresh: the plan must not freeze yet.
	d = advance(t, eng, s, d.ID)
	if d.Stage != deal.StageWaiting {
		t.Fatalf("stage = %s, want WAITING while locks are younger than a tick", d.Stage)
	}

	// Once the locks have survived a full interval the swap starts.
	past := time.Now().Add(-2 * time.Hour)
	if err := s.SetSideLocks(d.ID, deal.PartyA, past, past); err != nil {
		t.Fatalf("SetSideLocks(A) error = %v", err)
	}
	if err := s.SetSideLocks(d.ID, deal.PartyB, past, past); err != nil {
		t.Fatalf("SetSideLocks(B) error = %v", err)
	}
	d = advance(t, eng, s, d.ID)
	if d.Stage != deal.StageSwap {
		t.Fatalf("stage = %s, want SWAP after the hold", d.Stage)
	}
}

func TestHaltOnDepositConflict(t *testing.T) {
	btc := mock.NewUTXO("btc")
	eth := mock.NewAccount("eth")
	eng, s := newTestEngine(t, btc, eth)

	d := fillBoth(t, eng, btcEthDeal(t, eng))
	dep := btc.AddDeposit("BTC", d.A.EscrowAddress, "1.0", 6)
	d = advance(t, eng, s, d.ID)
	if d.Stage != deal.StageCollection {
		t.Fatalf("stage = %s, want COLLECTION", d.Stage)
	}

	// The same outpoint reappears with a different amount.
	btc.RemoveDeposit("BTC", d.A.EscrowAddress, dep.TxID, 0)
	btc.PlaceDeposit("BTC", d.A.EscrowAddress, &adapter.Deposit{
		TxID:          dep.TxID,
		OutputIndex:   0,
		Amount:        money.MustParse("2.0"),
		BlockHeight:   dep.BlockHeight,
		BlockTime:     dep.BlockTime,
		Confirmations: 6,
	})

	d = advance(t, eng, s, d.ID)
	if !d.Halted() {
		t.Fatal("deal must halt on a conflicting deposit")
	}
	if d.Stage != deal.StageCollection {
		t.Errorf("stage = %s, halting must not advance the machine", d.Stage)
	}

	// Automation skips a halted deal even when the lease is free.
	ran := false
	ok, err := eng.withLease(context.Background(), d.ID, func(*deal.Deal) error {
		ran = true
		return nil
	})
	if err != nil || !ok {
		t.Fatalf("withLease() = %v, %v", ok, err)
	}
	if ran {
		t.Error("halted deal must not be processed")
	}
}

func TestDealBusyWhenLeased(t *testing.T) {
	btc := mock.NewUTXO("btc")
	eth := mock.NewAccount("eth")
	eng, s := newTestEngine(t, btc, eth)
	ctx := context.Background()

	d := btcEthDeal(t, eng)
	ok, err := s.AcquireLease(d.ID, "rival-worker", time.Now().Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("AcquireLease() = %v, %v", ok, err)
	}

	if _, err := eng.FillDetails(ctx, d.ID, d.A.Token, "payback-a", "recipient-a", ""); !errors.Is(err, ErrDealBusy) {
		t.Fatalf("FillDetails() error = %v, want ErrDealBusy", err)
	}
	if err := eng.CancelDeal(ctx, d.ID, d.A.Token); !errors.Is(err, ErrDealBusy) {
		t.Fatalf("CancelDeal() error = %v, want ErrDealBusy", err)
	}

	if err := s.ReleaseLease(d.ID, "rival-worker"); err != nil {
		t.Fatalf("ReleaseLease() error = %v", err)
	}
	if _, err := eng.FillDetails(ctx, d.ID, d.A.Token, "payback-a", "recipient-a", ""); err != nil {
		t.Fatalf("FillDetails() after release error = %v", err)
	}
}

func TestCancelBeforeCollection(t *testing.T) {
	btc := mock.NewUTXO("btc")
	eth := mock.NewAccount("eth")
	eng, s := newTestEngine(t, btc, eth)
	ctx := context.Background()

	d := btcEthDeal(t, eng)
	if err := eng.CancelDeal(ctx, d.ID, "not-a-token"); !errors.Is(err, deal.ErrTokenMismatch) {
		t.Fatalf("CancelDeal(bad token) error = %v, want ErrTokenMismatch", err)
	}
	if err := eng.CancelDeal(ctx, d.ID, d.B.Token); err != nil {
		t.Fatalf("CancelDeal() error = %v", err)
	}

	d, err := s.GetDeal(d.ID)
	if err != nil {
		t.Fatalf("GetDeal() error = %v", err)
	}
	if d.Stage != deal.StageReverted {
		t.Fatalf("stage = %s, want REVERTED", d.Stage)
	}

	// Nothing to refund, nothing to watch: the deal closes immediately.
	d = advance(t, eng, s, d.ID)
	if d.Stage != deal.StageClosed {
		t.Fatalf("stage = %s, want CLOSED", d.Stage)
	}
	if d.WatchUntil.After(d.ClosedAt) {
		t.Error("cancelled deal has no escrows and must not watch for deposits")
	}

	// Once collecting, cancel is refused: money may be in flight.
	d2 := fillBoth(t, eng, btcEthDeal(t, eng))
	if err := eng.CancelDeal(ctx, d2.ID, d2.A.Token); !errors.Is(err, storage.ErrWrongStage) {
		t.Fatalf("CancelDeal(collecting) error = %v, want ErrWrongStage", err)
	}
}

func TestStartupReconciliation(t *testing.T) {
	btc := mock.NewUTXO("btc")
	eth := mock.NewAccount("eth")
	eng, s := newTestEngine(t, btc, eth)

	d := fillBoth(t, eng, btcEthDeal(t, eng))
	btc.AddDeposit("BTC", d.A.EscrowAddress, "1.5045", 6)
	eth.AddDeposit("ETH", d.B.EscrowAddress, "20.06", 3)
	d = advance(t, eng, s, d.ID)
	d = advance(t, eng, s, d.ID)
	if d.Stage != deal.StageSwap {
		t.Fatalf("stage = %s, want SWAP", d.Stage)
	}

	// Crash mid-submission: signed and broadcast, never recorded as sent.
	items, err := s.GetQueueItems(d.ID)
	if err != nil {
		t.Fatalf("GetQueueItems() error = %v", err)
	}
	payout := findItem(t, items, "btc", deal.PurposeSwapPayout)
	ctx := context.Background()
	prepared, err := btc.PrepareSend(ctx, &adapter.SendRequest{
		From:   payout.Source,
		To:     payout.To,
		Asset:  payout.Asset,
		Amount: payout.Amount,
	})
	if err != nil {
		t.Fatalf("PrepareSend() error = %v", err)
	}
	if err := s.BeginSubmissionUTXO(payout.ID, deal.EncodeInputs(prepared.Inputs), prepared.TxID); err != nil {
		t.Fatalf("BeginSubmissionUTXO() error = %v", err)
	}
	if err := btc.Broadcast(ctx, prepared); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}

	// A fresh worker adopts the broadcast during startup.
	eng.cfg.Engine.TickSeconds = 1
	worker := New(eng.cfg, s, eng.adapters, logging.New(&logging.Config{Level: "error"}))
	if err := worker.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer worker.Stop()

	got, err := s.GetItem(payout.ID)
	if err != nil {
		t.Fatalf("GetItem() error = %v", err)
	}
	if got.Status != deal.StatusSubmitted {
		t.Fatalf("status = %s, want SUBMITTED after startup reconciliation", got.Status)
	}
	if got.TxID != prepared.TxID {
		t.Errorf("txid = %s, want %s", got.TxID, prepared.TxID)
	}
}

func TestCreateDealValidation(t *testing.T) {
	btc := mock.NewUTXO("btc")
	eth := mock.NewAccount("eth")
	eng, _ := newTestEngine(t, btc, eth)

	cases := []struct {
		name   string
		params CreateParams
	}{
		{"same asset both sides", CreateParams{AssetA: "BTC", AmountA: "1", AssetB: "BTC", AmountB: "2"}},
		{"unknown asset", CreateParams{AssetA: "PEAR", AmountA: "1", AssetB: "ETH", AmountB: "2"}},
		{"disabled chain", CreateParams{AssetA: "LTC", AmountA: "1", AssetB: "ETH", AmountB: "2"}},
		{"zero amount", CreateParams{AssetA: "BTC", AmountA: "0", AssetB: "ETH", AmountB: "2"}},
		{"amount finer than scale", CreateParams{AssetA: "BTC", AmountA: "0.123456789", AssetB: "ETH", AmountB: "2"}},
		{"below send floor", CreateParams{AssetA: "BTC", AmountA: "0.000001", AssetB: "ETH", AmountB: "2"}},
		{"negative timeout", CreateParams{AssetA: "BTC", AmountA: "1", AssetB: "ETH", AmountB: "2", TimeoutSeconds: -5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := eng.CreateDeal(tc.params); err == nil {
				t.Errorf("CreateDeal(%+v) succeeded, want error", tc.params)
			}
		})
	}
}

func TestFillDetailsValidation(t *testing.T) {
	btc := mock.NewUTXO("btc")
	eth := mock.NewAccount("eth")
	eng, _ := newTestEngine(t, btc, eth)
	ctx := context.Background()

	d := btcEthDeal(t, eng)
	if _, err := eng.FillDetails(ctx, d.ID, "wrong-token", "p", "r", ""); !errors.Is(err, deal.ErrTokenMismatch) {
		t.Fatalf("FillDetails(bad token) error = %v, want ErrTokenMismatch", err)
	}

	// A's payback lives on btc, A's recipient on eth.
	btc.SetInvalidAddress("bad-payback")
	if _, err := eng.FillDetails(ctx, d.ID, d.A.Token, "bad-payback", "recipient-a", ""); err == nil {
		t.Fatal("FillDetails accepted an invalid payback address")
	}
	eth.SetInvalidAddress("bad-recipient")
	if _, err := eng.FillDetails(ctx, d.ID, d.A.Token, "payback-a", "bad-recipient", ""); err == nil {
		t.Fatal("FillDetails accepted an invalid recipient address")
	}

	// Details close when collection starts.
	d = fillBoth(t, eng, d)
	if d.Stage != deal.StageCollection {
		t.Fatalf("stage = %s, want COLLECTION", d.Stage)
	}
	if _, err := eng.FillDetails(ctx, d.ID, d.A.Token, "other", "addr", ""); !errors.Is(err, deal.ErrWrongStage) {
		t.Fatalf("FillDetails(collecting) error = %v, want ErrWrongStage", err)
	}
}
