package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/crossdeal-exchange/crossdeal/internal/deal"
	"github.com/crossdeal-exchange/crossdeal/pkg/money"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "crossdeal-storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	s, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testDeal(id string) *deal.Deal {
	return &deal.Deal{
		ID:      id,
		Stage:   deal.StageCreated,
		Timeout: 2 * time.Hour,
		A: &deal.Side{
			Party:  deal.PartyA,
			Chain:  "btc",
			Asset:  "BTC",
			Amount: money.MustParse("1.5"),
			Token:  "tok-a-" + id,
		},
		B: &deal.Side{
			Party:  deal.PartyB,
			Chain:  "eth",
			Asset:  "USDC",
			Amount: money.MustParse("25000"),
			Token:  "tok-b-" + id,
		},
	}
}

func testItem(dealID, chain, source string, seq int64, purpose deal.Purpose, phase deal.Phase) *deal.QueueItem {
	return &deal.QueueItem{
		ID:               uuid.NewString(),
		DealID:           dealID,
		Chain:            chain,
		SourceKind:       deal.SourceEscrow,
		Source:           source,
		To:               "dest-" + source,
		Asset:            "BTC",
		Amount:           money.MustParse("0.5"),
		Purpose:          purpose,
		Phase:            phase,
		Seq:              seq,
		Status:           deal.StatusPending,
		RequiredConfirms: 3,
	}
}

// advanceToCollection drives a stored deal through detail fill and into
// COLLECTION with escrows and frozen commissions.
func advanceToCollection(t *testing.T, s *Storage, d *deal.Deal) {
	t.Helper()
	if err := s.UpdateSideDetails(d.ID, deal.PartyA, "1Apayback", "0xArecipient", ""); err != nil {
		t.Fatalf("failed to fill A details: %v", err)
	}
	if err := s.UpdateSideDetails(d.ID, deal.PartyB, "0xBpayback", "1Brecipient", "bob@example.com"); err != nil {
		t.Fatalf("failed to fill B details: %v", err)
	}
	d.A.EscrowAddress = "bc1qescrowa"
	d.A.EscrowPath = "m/44'/0'/11'/0/7"
	d.A.Commission = &deal.CommissionPlan{
		Mode:            deal.ModePercentBps,
		Currency:        deal.CurrencyAsset,
		CommissionAsset: "BTC",
		PercentBps:      30,
	}
	d.B.EscrowAddress = "0xescrowb"
	d.B.EscrowPath = "m/44'/60'/11'/1/7"
	d.B.Commission = &deal.CommissionPlan{
		Mode:            deal.ModePercentBps,
		Currency:        deal.CurrencyAsset,
		CommissionAsset: "USDC",
		PercentBps:      30,
		ERC20FixedFee:   money.MustParse("0.15"),
	}
	d.ExpiresAt = time.Now().Add(d.Timeout).Truncate(time.Second)
	if err := s.BeginCollection(d); err != nil {
		t.Fatalf("failed to begin collection: %v", err)
	}
}

func TestNew(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "crossdeal-storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	store, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	dbPath := filepath.Join(tmpDir, "crossdeal.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if store.DB() == nil {
		t.Error("DB() returned nil")
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	expanded := expandPath("~/.test")
	expected := filepath.Join(home, ".test")
	if expanded != expected {
		t.Errorf("expandPath(~/.test) = %s, want %s", expanded, expected)
	}
}

func TestCreateAndGetDeal(t *testing.T) {
	s := newTestStorage(t)

	d := testDeal("deal-1")
	if err := s.CreateDeal(d); err != nil {
		t.Fatalf("failed to create deal: %v", err)
	}

	got, err := s.GetDeal("deal-1")
	if err != nil {
		t.Fatalf("failed to get deal: %v", err)
	}
	if got.Stage != deal.StageCreated {
		t.Errorf("stage = %s, want CREATED", got.Stage)
	}
	if got.Timeout != 2*time.Hour {
		t.Errorf("timeout = %v, want 2h", got.Timeout)
	}
	if !got.A.Amount.Equal(money.MustParse("1.5")) {
		t.Errorf("A amount = %s, want 1.5", got.A.Amount)
	}
	if got.B.Asset != "USDC" || got.B.Chain != "eth" {
		t.Errorf("B side = %s on %s, want USDC on eth", got.B.Asset, got.B.Chain)
	}
	if got.A.Token == got.B.Token {
		t.Error("side tokens must differ")
	}
	if !got.ExpiresAt.IsZero() {
		t.Errorf("expiresAt = %v, want zero before collection", got.ExpiresAt)
	}

	if _, err := s.GetDeal("missing"); !errors.Is(err, ErrDealNotFound) {
		t.Errorf("get missing deal: err = %v, want ErrDealNotFound", err)
	}
	if err := s.CreateDeal(testDeal("deal-1")); err == nil {
		t.Error("duplicate create should fail")
	}
}

func TestStageFlowToClosed(t *testing.T) {
	s := newTestStorage(t)

	d := testDeal("deal-flow")
	if err := s.CreateDeal(d); err != nil {
		t.Fatalf("failed to create deal: %v", err)
	}

	if err := s.MoveToWaiting(d.ID); !errors.Is(err, ErrWrongStage) {
		t.Fatalf("waiting from CREATED: err = %v, want ErrWrongStage", err)
	}

	advanceToCollection(t, s, d)

	got, err := s.GetDeal(d.ID)
	if err != nil {
		t.Fatalf("failed to get deal: %v", err)
	}
	if got.Stage != deal.StageCollection {
		t.Fatalf("stage = %s, want COLLECTION", got.Stage)
	}
	if got.ExpiresAt.IsZero() {
		t.Fatal("expiresAt not set by collection start")
	}
	if got.A.Commission == nil || got.A.Commission.PercentBps != 30 {
		t.Fatal("A commission plan not frozen")
	}
	if got.B.EscrowAddress != "0xescrowb" {
		t.Fatalf("B escrow = %q, want 0xescrowb", got.B.EscrowAddress)
	}

	// Details are frozen outside CREATED.
	err = s.UpdateSideDetails(d.ID, deal.PartyA, "x", "y", "")
	if !errors.Is(err, ErrWrongStage) {
		t.Fatalf("details in COLLECTION: err = %v, want ErrWrongStage", err)
	}

	if err := s.MoveToWaiting(d.ID); err != nil {
		t.Fatalf("failed to move to waiting: %v", err)
	}

	items := []*deal.QueueItem{
		testItem(d.ID, "btc", "bc1qescrowa", 1, deal.PurposeSwapPayout, deal.PhaseSwap),
	}
	if err := s.MoveToSwap(d.ID, items, nil); err != nil {
		t.Fatalf("failed to move to swap: %v", err)
	}

	got, _ = s.GetDeal(d.ID)
	if got.Stage != deal.StageSwap {
		t.Fatalf("stage = %s, want SWAP", got.Stage)
	}
	if !got.ExpiresAt.IsZero() {
		t.Error("expiresAt must clear on SWAP entry")
	}

	stored, err := s.GetQueueItems(d.ID)
	if err != nil {
		t.Fatalf("failed to get queue items: %v", err)
	}
	if len(stored) != 1 || stored[0].Purpose != deal.PurposeSwapPayout {
		t.Fatalf("queue items = %+v, want one SWAP_PAYOUT", stored)
	}

	closedAt := time.Now().Truncate(time.Second)
	watchUntil := closedAt.Add(7 * 24 * time.Hour)
	if err := s.CloseDeal(d.ID, deal.StageSwap, closedAt, watchUntil); err != nil {
		t.Fatalf("failed to close deal: %v", err)
	}
	got, _ = s.GetDeal(d.ID)
	if got.Stage != deal.StageClosed {
		t.Fatalf("stage = %s, want CLOSED", got.Stage)
	}
	if got.WatchUntil.Unix() != watchUntil.Unix() {
		t.Errorf("watchUntil = %v, want %v", got.WatchUntil, watchUntil)
	}

	// CLOSED is terminal.
	if err := s.CloseDeal(d.ID, deal.StageSwap, closedAt, watchUntil); !errors.Is(err, ErrWrongStage) {
		t.Errorf("double close: err = %v, want ErrWrongStage", err)
	}
}

func TestRevertToCollectionClearsLocks(t *testing.T) {
	s := newTestStorage(t)

	d := testDeal("deal-reorg")
	if err := s.CreateDeal(d); err != nil {
		t.Fatalf("failed to create deal: %v", err)
	}
	advanceToCollection(t, s, d)

	lockTime := time.Now().Truncate(time.Second)
	if err := s.SetSideLocks(d.ID, deal.PartyA, lockTime, lockTime); err != nil {
		t.Fatalf("failed to set locks: %v", err)
	}
	if err := s.MoveToWaiting(d.ID); err != nil {
		t.Fatalf("failed to move to waiting: %v", err)
	}

	if err := s.RevertToCollection(d.ID, "deposit dropped below threshold"); err != nil {
		t.Fatalf("failed to revert to collection: %v", err)
	}

	got, _ := s.GetDeal(d.ID)
	if got.Stage != deal.StageCollection {
		t.Fatalf("stage = %s, want COLLECTION", got.Stage)
	}
	if !got.A.TradeLockedAt.IsZero() || !got.A.CommissionLockedAt.IsZero() {
		t.Error("A locks must clear on downgrade")
	}
	if got.ExpiresAt.IsZero() {
		t.Error("timer must survive the downgrade")
	}
}

func TestCancelOnlyFromCreated(t *testing.T) {
	s := newTestStorage(t)

	d := testDeal("deal-cancel")
	if err := s.CreateDeal(d); err != nil {
		t.Fatalf("failed to create deal: %v", err)
	}
	if err := s.CancelDeal(d.ID); err != nil {
		t.Fatalf("failed to cancel: %v", err)
	}
	got, _ := s.GetDeal(d.ID)
	if got.Stage != deal.StageReverted {
		t.Fatalf("stage = %s, want REVERTED", got.Stage)
	}

	d2 := testDeal("deal-cancel-2")
	if err := s.CreateDeal(d2); err != nil {
		t.Fatalf("failed to create deal: %v", err)
	}
	advanceToCollection(t, s, d2)
	if err := s.CancelDeal(d2.ID); !errors.Is(err, ErrWrongStage) {
		t.Errorf("cancel in COLLECTION: err = %v, want ErrWrongStage", err)
	}
}

func TestDepositUpsert(t *testing.T) {
	s := newTestStorage(t)

	d := testDeal("deal-dep")
	if err := s.CreateDeal(d); err != nil {
		t.Fatalf("failed to create deal: %v", err)
	}

	dep := &deal.EscrowDeposit{
		DealID:        d.ID,
		Party:         deal.PartyA,
		Chain:         "btc",
		Address:       "bc1qescrowa",
		Asset:         "BTC",
		TxID:          "aa01",
		OutputIndex:   0,
		Amount:        money.MustParse("1.2"),
		BlockHeight:   100,
		BlockTime:     time.Now().Add(-time.Hour).Truncate(time.Second),
		Confirmations: 2,
	}
	if _, err := s.UpsertDeposit(dep); err != nil {
		t.Fatalf("failed to insert deposit: %v", err)
	}

	// Same observation, deeper.
	dep.Confirmations = 6
	if _, err := s.UpsertDeposit(dep); err != nil {
		t.Fatalf("failed to update deposit: %v", err)
	}

	// A shallower report must not move confirmations backwards.
	dep.Confirmations = 4
	if _, err := s.UpsertDeposit(dep); err != nil {
		t.Fatalf("failed to re-update deposit: %v", err)
	}

	stored, err := s.GetDepositsByParty(d.ID, deal.PartyA)
	if err != nil {
		t.Fatalf("failed to get deposits: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("deposits = %d, want 1", len(stored))
	}
	if stored[0].Confirmations != 6 {
		t.Errorf("confirmations = %d, want 6 (monotonic)", stored[0].Confirmations)
	}

	// Same (txid, vout) with a different amount is a conflict.
	bad := *dep
	bad.Amount = money.MustParse("1.3")
	if _, err := s.UpsertDeposit(&bad); !errors.Is(err, ErrDepositConflict) {
		t.Fatalf("conflicting amount: err = %v, want ErrDepositConflict", err)
	}
}

func TestMarkDepositsMissed(t *testing.T) {
	s := newTestStorage(t)

	d := testDeal("deal-miss")
	if err := s.CreateDeal(d); err != nil {
		t.Fatalf("failed to create deal: %v", err)
	}

	for _, txid := range []string{"aa01", "aa02"} {
		dep := &deal.EscrowDeposit{
			DealID: d.ID, Party: deal.PartyA, Chain: "btc", Address: "bc1qescrowa",
			Asset: "BTC", TxID: txid, OutputIndex: 0,
			Amount: money.MustParse("0.5"), BlockHeight: 100,
			BlockTime: time.Now(), Confirmations: 3,
		}
		if _, err := s.UpsertDeposit(dep); err != nil {
			t.Fatalf("failed to insert deposit %s: %v", txid, err)
		}
	}

	// First missed poll: aa02 not reported. Counter moves, row stays.
	seen := map[string]bool{deal.DepositKey("aa01", 0): true}
	removed, err := s.MarkDepositsMissed(d.ID, deal.PartyA, seen, 2)
	if err != nil {
		t.Fatalf("failed to mark missed: %v", err)
	}
	if len(removed) != 0 {
		t.Fatalf("removed after one miss = %d, want 0", len(removed))
	}

	// Reappearing resets the counter.
	dep := &deal.EscrowDeposit{
		DealID: d.ID, Party: deal.PartyA, Chain: "btc", Address: "bc1qescrowa",
		Asset: "BTC", TxID: "aa02", OutputIndex: 0,
		Amount: money.MustParse("0.5"), BlockHeight: 100,
		BlockTime: time.Now(), Confirmations: 4,
	}
	if _, err := s.UpsertDeposit(dep); err != nil {
		t.Fatalf("failed to refresh deposit: %v", err)
	}
	if _, err := s.MarkDepositsMissed(d.ID, deal.PartyA, seen, 2); err != nil {
		t.Fatalf("failed to mark missed: %v", err)
	}
	removed, err = s.MarkDepositsMissed(d.ID, deal.PartyA, seen, 2)
	if err != nil {
		t.Fatalf("failed to mark missed: %v", err)
	}
	if len(removed) != 1 || removed[0].TxID != "aa02" {
		t.Fatalf("removed = %+v, want [aa02]", removed)
	}

	stored, _ := s.GetDeposits(d.ID)
	if len(stored) != 1 || stored[0].TxID != "aa01" {
		t.Fatalf("stored deposits = %+v, want only aa01", stored)
	}
}

func TestAccountSubmissionFlow(t *testing.T) {
	s := newTestStorage(t)

	d := testDeal("deal-sub")
	if err := s.CreateDeal(d); err != nil {
		t.Fatalf("failed to create deal: %v", err)
	}
	advanceToCollection(t, s, d)
	if err := s.MoveToWaiting(d.ID); err != nil {
		t.Fatalf("failed to move to waiting: %v", err)
	}

	first := testItem(d.ID, "eth", "0xescrowb", 1, deal.PurposeSwapPayout, deal.PhaseNone)
	second := testItem(d.ID, "eth", "0xescrowb", 2, deal.PurposeOpCommission, deal.PhaseNone)
	if err := s.MoveToSwap(d.ID, []*deal.QueueItem{first, second}, nil); err != nil {
		t.Fatalf("failed to move to swap: %v", err)
	}

	// Out of order submission is rejected.
	if _, err := s.BeginSubmissionAccount(second.ID); !errors.Is(err, ErrPredecessorPending) {
		t.Fatalf("submit seq 2 first: err = %v, want ErrPredecessorPending", err)
	}

	nonce, err := s.BeginSubmissionAccount(first.ID)
	if err != nil {
		t.Fatalf("failed to begin submission: %v", err)
	}
	if nonce != 0 {
		t.Fatalf("first nonce = %d, want 0", nonce)
	}

	// Double submit of the same item is rejected.
	if _, err := s.BeginSubmissionAccount(first.ID); !errors.Is(err, ErrItemNotPending) {
		t.Fatalf("double submit: err = %v, want ErrItemNotPending", err)
	}

	if err := s.FinishSubmission(first.ID, "0xtx1", "12"); err != nil {
		t.Fatalf("failed to finish submission: %v", err)
	}
	if err := s.CompleteItem(first.ID, 3); err != nil {
		t.Fatalf("failed to complete item: %v", err)
	}

	nonce, err = s.BeginSubmissionAccount(second.ID)
	if err != nil {
		t.Fatalf("failed to begin second submission: %v", err)
	}
	if nonce != 1 {
		t.Fatalf("second nonce = %d, want 1", nonce)
	}

	got, _ := s.GetItem(second.ID)
	if got.Status != deal.StatusSubmitting {
		t.Errorf("status = %s, want SUBMITTING", got.Status)
	}
	if got.NonceOrInputs != "1" {
		t.Errorf("nonceOrInputs = %q, want \"1\"", got.NonceOrInputs)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
}

func TestRequeueRollsBackNonce(t *testing.T) {
	s := newTestStorage(t)

	d := testDeal("deal-requeue")
	if err := s.CreateDeal(d); err != nil {
		t.Fatalf("failed to create deal: %v", err)
	}
	advanceToCollection(t, s, d)
	if err := s.MoveToWaiting(d.ID); err != nil {
		t.Fatalf("failed to move to waiting: %v", err)
	}

	item := testItem(d.ID, "eth", "0xescrowb", 1, deal.PurposeSwapPayout, deal.PhaseNone)
	if err := s.MoveToSwap(d.ID, []*deal.QueueItem{item}, nil); err != nil {
		t.Fatalf("failed to move to swap: %v", err)
	}

	nonce, err := s.BeginSubmissionAccount(item.ID)
	if err != nil {
		t.Fatalf("failed to begin submission: %v", err)
	}
	if err := s.FinishSubmission(item.ID, "0xlost", "12"); err != nil {
		t.Fatalf("failed to finish submission: %v", err)
	}

	if err := s.RequeueItem(item.ID, "tx unknown after repeated polls"); err != nil {
		t.Fatalf("failed to requeue: %v", err)
	}

	got, _ := s.GetItem(item.ID)
	if got.Status != deal.StatusPending {
		t.Fatalf("status = %s, want PENDING", got.Status)
	}
	if got.TxID != "" || got.NonceOrInputs != "" {
		t.Errorf("txid/nonce not cleared: %q %q", got.TxID, got.NonceOrInputs)
	}

	last, err := s.LastUsedNonce("eth", "0xescrowb")
	if err != nil {
		t.Fatalf("failed to read nonce: %v", err)
	}
	if last != nonce-1 {
		t.Fatalf("last used nonce = %d, want %d (rolled back)", last, nonce-1)
	}

	// The retry reuses the freed nonce.
	again, err := s.BeginSubmissionAccount(item.ID)
	if err != nil {
		t.Fatalf("failed to resubmit: %v", err)
	}
	if again != nonce {
		t.Fatalf("retry nonce = %d, want %d", again, nonce)
	}
}

func TestPhaseBarrier(t *testing.T) {
	s := newTestStorage(t)

	d := testDeal("deal-phase")
	if err := s.CreateDeal(d); err != nil {
		t.Fatalf("failed to create deal: %v", err)
	}
	advanceToCollection(t, s, d)
	if err := s.MoveToWaiting(d.ID); err != nil {
		t.Fatalf("failed to move to waiting: %v", err)
	}

	payout := testItem(d.ID, "btc", "bc1qescrowa", 1, deal.PurposeSwapPayout, deal.PhaseSwap)
	refund := testItem(d.ID, "btc", "bc1qescrowa", 2, deal.PurposeSurplusRefund, deal.PhaseRefund)
	if err := s.MoveToSwap(d.ID, []*deal.QueueItem{payout, refund}, nil); err != nil {
		t.Fatalf("failed to move to swap: %v", err)
	}

	// Phase 1 has a pending item, so phases 1 and 2 are not ready.
	ready, err := s.PhaseReady(d.ID, deal.PhaseSwap)
	if err != nil {
		t.Fatalf("failed to check phase: %v", err)
	}
	if ready {
		t.Fatal("phase 1 ready with pending payout")
	}
	// Phase 2 is empty: it inherits from phase 1, still not ready.
	ready, _ = s.PhaseReady(d.ID, deal.PhaseCommission)
	if ready {
		t.Fatal("empty phase 2 must inherit unready phase 1")
	}

	if err := s.BeginSubmissionUTXO(refund.ID, `["aa01:0"]`, "cc01"); err == nil {
		t.Fatal("phase 3 submission allowed before phase 1 completed")
	}

	if err := s.BeginSubmissionUTXO(payout.ID, `["aa01:0"]`, "bb01"); err != nil {
		t.Fatalf("failed to submit payout: %v", err)
	}
	if err := s.FinishSubmission(payout.ID, "bb01", "12"); err != nil {
		t.Fatalf("failed to finish payout: %v", err)
	}
	if err := s.CompleteItem(payout.ID, 3); err != nil {
		t.Fatalf("failed to complete payout: %v", err)
	}

	// Phase 1 completed, phase 2 empty: refund in phase 3 may go.
	ready, _ = s.PhaseReady(d.ID, deal.PhaseCommission)
	if !ready {
		t.Fatal("empty phase 2 must inherit completed phase 1")
	}
	if err := s.BeginSubmissionUTXO(refund.ID, `["bb01:1"]`, "cc02"); err != nil {
		t.Fatalf("failed to submit refund after barrier cleared: %v", err)
	}

	got, _ := s.GetItem(refund.ID)
	if got.NonceOrInputs != `["bb01:1"]` {
		t.Errorf("inputs = %q, want recorded outpoints", got.NonceOrInputs)
	}
}

func TestRefundInterlock(t *testing.T) {
	s := newTestStorage(t)

	d := testDeal("deal-interlock")
	if err := s.CreateDeal(d); err != nil {
		t.Fatalf("failed to create deal: %v", err)
	}
	advanceToCollection(t, s, d)
	if err := s.MoveToWaiting(d.ID); err != nil {
		t.Fatalf("failed to move to waiting: %v", err)
	}

	payout := testItem(d.ID, "btc", "bc1qescrowa", 1, deal.PurposeSwapPayout, deal.PhaseSwap)
	if err := s.MoveToSwap(d.ID, []*deal.QueueItem{payout}, nil); err != nil {
		t.Fatalf("failed to move to swap: %v", err)
	}

	late := testItem(d.ID, "btc", "bc1qescrowa", 2, deal.PurposeTimeoutRefund, deal.PhaseRefund)
	err := s.EnqueueRefunds(d.ID, []*deal.QueueItem{late}, deal.EventRefundEnqueued, "late refund")
	if !errors.Is(err, ErrRefundConflict) {
		t.Fatalf("refund with live payout: err = %v, want ErrRefundConflict", err)
	}

	if err := s.BeginSubmissionUTXO(payout.ID, `["aa01:0"]`, "bb01"); err != nil {
		t.Fatalf("failed to submit payout: %v", err)
	}
	if err := s.FinishSubmission(payout.ID, "bb01", "12"); err != nil {
		t.Fatalf("failed to finish payout: %v", err)
	}
	if err := s.CompleteItem(payout.ID, 3); err != nil {
		t.Fatalf("failed to complete payout: %v", err)
	}

	if err := s.EnqueueRefunds(d.ID, []*deal.QueueItem{late}, deal.EventRefundEnqueued, "late refund"); err != nil {
		t.Fatalf("refund after payout completed: %v", err)
	}
}

func TestRevertDealEnqueuesRefunds(t *testing.T) {
	s := newTestStorage(t)

	d := testDeal("deal-revert")
	if err := s.CreateDeal(d); err != nil {
		t.Fatalf("failed to create deal: %v", err)
	}
	advanceToCollection(t, s, d)

	refund := testItem(d.ID, "btc", "bc1qescrowa", 1, deal.PurposeTimeoutRefund, deal.PhaseRefund)
	if err := s.RevertDeal(d.ID, deal.StageCollection, []*deal.QueueItem{refund}, nil, "timer expired"); err != nil {
		t.Fatalf("failed to revert: %v", err)
	}

	got, _ := s.GetDeal(d.ID)
	if got.Stage != deal.StageReverted {
		t.Fatalf("stage = %s, want REVERTED", got.Stage)
	}
	items, _ := s.GetQueueItems(d.ID)
	if len(items) != 1 || items[0].Purpose != deal.PurposeTimeoutRefund {
		t.Fatalf("items = %+v, want one TIMEOUT_REFUND", items)
	}
}

func TestFeeBumpKeepsOriginalTxid(t *testing.T) {
	s := newTestStorage(t)

	d := testDeal("deal-bump")
	if err := s.CreateDeal(d); err != nil {
		t.Fatalf("failed to create deal: %v", err)
	}
	advanceToCollection(t, s, d)
	if err := s.MoveToWaiting(d.ID); err != nil {
		t.Fatalf("failed to move to waiting: %v", err)
	}
	item := testItem(d.ID, "btc", "bc1qescrowa", 1, deal.PurposeSwapPayout, deal.PhaseSwap)
	if err := s.MoveToSwap(d.ID, []*deal.QueueItem{item}, nil); err != nil {
		t.Fatalf("failed to move to swap: %v", err)
	}
	if err := s.BeginSubmissionUTXO(item.ID, `["aa01:0"]`, "tx-slow"); err != nil {
		t.Fatalf("failed to begin submission: %v", err)
	}
	if err := s.FinishSubmission(item.ID, "tx-slow", "12"); err != nil {
		t.Fatalf("failed to finish submission: %v", err)
	}

	if err := s.RecordFeeBump(item.ID, "tx-fast", "25"); err != nil {
		t.Fatalf("failed to record fee bump: %v", err)
	}
	if err := s.RecordFeeBump(item.ID, "tx-faster", "40"); err != nil {
		t.Fatalf("failed to record second bump: %v", err)
	}

	got, _ := s.GetItem(item.ID)
	if got.TxID != "tx-faster" {
		t.Errorf("txid = %s, want tx-faster", got.TxID)
	}
	if got.OriginalTxID != "tx-slow" {
		t.Errorf("originalTxid = %s, want tx-slow", got.OriginalTxID)
	}
	if got.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", got.Attempts)
	}
	if got.LastFeeRate != "40" {
		t.Errorf("lastFeeRate = %s, want 40", got.LastFeeRate)
	}
}

func TestLeases(t *testing.T) {
	s := newTestStorage(t)

	d := testDeal("deal-lease")
	if err := s.CreateDeal(d); err != nil {
		t.Fatalf("failed to create deal: %v", err)
	}

	until := time.Now().Add(90 * time.Second)
	ok, err := s.AcquireLease(d.ID, "worker-1", until)
	if err != nil || !ok {
		t.Fatalf("acquire = %v, %v; want true", ok, err)
	}

	// Contender loses while the lease is live.
	ok, err = s.AcquireLease(d.ID, "worker-2", until)
	if err != nil {
		t.Fatalf("failed to contend: %v", err)
	}
	if ok {
		t.Fatal("second owner acquired a live lease")
	}

	// Re-entry by the same owner extends.
	ok, _ = s.AcquireLease(d.ID, "worker-1", until.Add(time.Minute))
	if !ok {
		t.Fatal("owner could not re-enter its own lease")
	}

	ok, err = s.ExtendLease(d.ID, "worker-2", until.Add(time.Hour))
	if err != nil {
		t.Fatalf("failed to extend: %v", err)
	}
	if ok {
		t.Fatal("non-owner extended the lease")
	}

	if err := s.ReleaseLease(d.ID, "worker-1"); err != nil {
		t.Fatalf("failed to release: %v", err)
	}
	ok, _ = s.AcquireLease(d.ID, "worker-2", until)
	if !ok {
		t.Fatal("released lease not acquirable")
	}

	// Expired lease is up for grabs.
	if _, err := s.AcquireLease(d.ID, "worker-2", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("failed to set expired lease: %v", err)
	}
	ok, _ = s.AcquireLease(d.ID, "worker-3", until)
	if !ok {
		t.Fatal("expired lease not acquirable")
	}

	if err := s.ReleaseOwnerLeases("worker-3"); err != nil {
		t.Fatalf("failed to release owner leases: %v", err)
	}
	ok, _ = s.AcquireLease(d.ID, "worker-4", until)
	if !ok {
		t.Fatal("lease not freed by owner-wide release")
	}
}

func TestDueDeals(t *testing.T) {
	s := newTestStorage(t)
	now := time.Now()

	created := testDeal("deal-created")
	if err := s.CreateDeal(created); err != nil {
		t.Fatalf("failed to create deal: %v", err)
	}

	collecting := testDeal("deal-collecting")
	if err := s.CreateDeal(collecting); err != nil {
		t.Fatalf("failed to create deal: %v", err)
	}
	advanceToCollection(t, s, collecting)

	halted := testDeal("deal-halted")
	if err := s.CreateDeal(halted); err != nil {
		t.Fatalf("failed to create deal: %v", err)
	}
	advanceToCollection(t, s, halted)
	if err := s.HaltDeal(halted.ID, "deposit conflict"); err != nil {
		t.Fatalf("failed to halt: %v", err)
	}

	leased := testDeal("deal-leased")
	if err := s.CreateDeal(leased); err != nil {
		t.Fatalf("failed to create deal: %v", err)
	}
	advanceToCollection(t, s, leased)
	if _, err := s.AcquireLease(leased.ID, "other-worker", now.Add(time.Minute)); err != nil {
		t.Fatalf("failed to lease: %v", err)
	}

	watched := testDeal("deal-watched")
	if err := s.CreateDeal(watched); err != nil {
		t.Fatalf("failed to create deal: %v", err)
	}
	advanceToCollection(t, s, watched)
	if err := s.RevertDeal(watched.ID, deal.StageCollection, nil, nil, "timer expired"); err != nil {
		t.Fatalf("failed to revert: %v", err)
	}
	if err := s.CloseDeal(watched.ID, deal.StageReverted, now, now.Add(7*24*time.Hour)); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	expired := testDeal("deal-expired-watch")
	if err := s.CreateDeal(expired); err != nil {
		t.Fatalf("failed to create deal: %v", err)
	}
	advanceToCollection(t, s, expired)
	if err := s.RevertDeal(expired.ID, deal.StageCollection, nil, nil, "timer expired"); err != nil {
		t.Fatalf("failed to revert: %v", err)
	}
	if err := s.CloseDeal(expired.ID, deal.StageReverted, now.Add(-8*24*time.Hour), now.Add(-24*time.Hour)); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	ids, err := s.DueDeals(now, 50)
	if err != nil {
		t.Fatalf("failed to list due deals: %v", err)
	}
	due := make(map[string]bool, len(ids))
	for _, id := range ids {
		due[id] = true
	}

	if due["deal-created"] {
		t.Error("CREATED deal has no automated work, must not be due")
	}
	if !due["deal-collecting"] {
		t.Error("COLLECTION deal must be due")
	}
	if due["deal-halted"] {
		t.Error("halted deal must not be due")
	}
	if due["deal-leased"] {
		t.Error("deal under live lease must not be due")
	}
	if !due["deal-watched"] {
		t.Error("CLOSED deal inside watch window must be due")
	}
	if due["deal-expired-watch"] {
		t.Error("CLOSED deal past watch window with no open items must not be due")
	}
}

func TestEventsOrdered(t *testing.T) {
	s := newTestStorage(t)

	d := testDeal("deal-events")
	if err := s.CreateDeal(d); err != nil {
		t.Fatalf("failed to create deal: %v", err)
	}
	advanceToCollection(t, s, d)

	events, err := s.GetEvents(d.ID, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(events) < 4 {
		t.Fatalf("events = %d, want at least create + 2 details + stage", len(events))
	}
	if events[0].Kind != deal.EventDealCreated {
		t.Errorf("first event = %s, want deal_created", events[0].Kind)
	}
	last := events[len(events)-1]
	if last.Kind != deal.EventStageChanged {
		t.Errorf("last event = %s, want stage_changed", last.Kind)
	}
	for i := 1; i < len(events); i++ {
		if events[i].ID <= events[i-1].ID {
			t.Fatalf("event ids not increasing: %d then %d", events[i-1].ID, events[i].ID)
		}
	}
}

func TestDealCounts(t *testing.T) {
	s := newTestStorage(t)

	for _, id := range []string{"c1", "c2"} {
		if err := s.CreateDeal(testDeal(id)); err != nil {
			t.Fatalf("failed to create deal: %v", err)
		}
	}
	d := testDeal("c3")
	if err := s.CreateDeal(d); err != nil {
		t.Fatalf("failed to create deal: %v", err)
	}
	advanceToCollection(t, s, d)

	counts, err := s.DealCounts()
	if err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if counts[deal.StageCreated] != 2 {
		t.Errorf("CREATED = %d, want 2", counts[deal.StageCreated])
	}
	if counts[deal.StageCollection] != 1 {
		t.Errorf("COLLECTION = %d, want 1", counts[deal.StageCollection])
	}
}
