// Package queue executes a deal's outgoing transfer plan against chain
// adapters. Items from one source run strictly in sequence with at most
// one in flight; different sources advance in parallel. Every state move
// is persisted before the next chain call, so a crash at any point leaves
// enough identity (nonce or inputs, or a pre-broadcast txid) to reconcile.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crossdeal-exchange/crossdeal/internal/adapter"
	"github.com/crossdeal-exchange/crossdeal/internal/asset"
	"github.com/crossdeal-exchange/crossdeal/internal/deal"
	"github.com/crossdeal-exchange/crossdeal/internal/storage"
	"github.com/crossdeal-exchange/crossdeal/pkg/logging"
)

// unknownPollLimit is how many consecutive polls may report the submitted
// txid as unknown before the processor goes looking for a replacement.
const unknownPollLimit = 3

// Processor advances queue items. It holds no per-deal state between
// ticks; everything it needs is read back from storage.
type Processor struct {
	store    *storage.Storage
	adapters *adapter.Set
	parallel int
	log      *logging.Logger
}

// New returns a processor running up to parallel sources concurrently
// within one deal.
func New(store *storage.Storage, adapters *adapter.Set, parallel int, log *logging.Logger) *Processor {
	if parallel <= 0 {
		parallel = 4
	}
	return &Processor{
		store:    store,
		adapters: adapters,
		parallel: parallel,
		log:      log.Component("queue"),
	}
}

// ProcessDeal advances every source of the deal by at most one step:
// submit the next pending item, reconcile an interrupted submission, or
// poll an in-flight transaction. Chain trouble is absorbed into item
// state; only storage failures propagate.
func (p *Processor) ProcessDeal(ctx context.Context, d *deal.Deal) error {
	items, err := p.store.GetQueueItems(d.ID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	bySource := make(map[string][]*deal.QueueItem)
	var sources []string
	for _, item := range items {
		if _, ok := bySource[item.Source]; !ok {
			sources = append(sources, item.Source)
		}
		bySource[item.Source] = append(bySource[item.Source], item)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallel)
	for _, src := range sources {
		srcItems := bySource[src]
		g.Go(func() error {
			return p.advanceSource(gctx, d, srcItems)
		})
	}
	return g.Wait()
}

// advanceSource moves one source forward one step. srcItems arrive in
// ascending seq. A FAILED item blocks everything behind it until an
// operator intervenes.
func (p *Processor) advanceSource(ctx context.Context, d *deal.Deal, srcItems []*deal.QueueItem) error {
	for _, item := range srcItems {
		switch item.Status {
		case deal.StatusCompleted:
			continue
		case deal.StatusFailed:
			return nil
		case deal.StatusPending:
			return p.submit(ctx, d, item, srcItems)
		case deal.StatusSubmitting:
			return p.recoverSubmitting(ctx, item)
		case deal.StatusSubmitted:
			return p.poll(ctx, d, item, srcItems)
		default:
			return fmt.Errorf("queue item %s has unknown status %q", item.ID, item.Status)
		}
	}
	return nil
}

// submit pushes one PENDING item onto the chain.
func (p *Processor) submit(ctx context.Context, d *deal.Deal, item *deal.QueueItem, srcItems []*deal.QueueItem) error {
	ad, err := p.adapters.For(item.Chain)
	if err != nil {
		return err
	}

	// The destination was validated when the item was enqueued; a failure
	// here means stored state is bad, and signing would burn funds.
	if item.SourceKind == deal.SourceEscrow && !ad.ValidateAddress(item.To) {
		return p.store.MarkItemFailed(item.ID, fmt.Sprintf("destination %s is not a valid %s address", item.To, item.Chain))
	}

	if ad.Family() == asset.FamilyAccount {
		if err := ad.EnsureFeeBudget(ctx, item.Source, item.Asset); err != nil {
			p.log.Warn("Fee budget check failed", "deal", d.ID, "item", item.ID, "err", err)
			_, rerr := p.store.RecordItemError(item.ID, "fee budget: "+err.Error())
			return rerr
		}
	}

	req := p.sendRequest(d, item, srcItems)

	switch sender := ad.(type) {
	case adapter.AccountSender:
		return p.submitAccount(ctx, item, req, ad, sender)
	case adapter.UTXOSender:
		return p.submitUTXO(ctx, item, req, ad, sender)
	default:
		return fmt.Errorf("adapter for chain %s implements no send interface", item.Chain)
	}
}

func (p *Processor) submitAccount(ctx context.Context, item *deal.QueueItem, req *adapter.SendRequest, ad adapter.Adapter, sender adapter.AccountSender) error {
	nonce, err := p.store.BeginSubmissionAccount(item.ID)
	if err != nil {
		return p.skipOrdering(item, err)
	}

	res, err := sender.Send(ctx, req, nonce)
	if err != nil {
		q := &adapter.RecoveryQuery{From: item.Source, Nonce: nonce}
		return p.handleSendError(ctx, item, ad, q, err)
	}
	p.log.Info("Transfer submitted",
		"deal", item.DealID, "purpose", item.Purpose, "asset", item.Asset,
		"amount", item.Amount.String(), "txid", res.TxID, "nonce", nonce)
	return p.store.FinishSubmission(item.ID, res.TxID, res.FeeRate)
}

func (p *Processor) submitUTXO(ctx context.Context, item *deal.QueueItem, req *adapter.SendRequest, ad adapter.Adapter, sender adapter.UTXOSender) error {
	// Cheap pre-check of the deal-wide phase barrier; re-checked
	// atomically inside BeginSubmissionUTXO.
	if item.Phase > deal.PhaseNone {
		ready, err := p.store.PhaseReady(item.DealID, item.Phase-1)
		if err != nil {
			return err
		}
		if !ready {
			return nil
		}
	}

	prepared, err := sender.PrepareSend(ctx, req)
	if err != nil {
		return p.handlePrepareError(item, ad, err)
	}

	if err := p.store.BeginSubmissionUTXO(item.ID, deal.EncodeInputs(prepared.Inputs), prepared.TxID); err != nil {
		return p.skipOrdering(item, err)
	}

	if err := sender.Broadcast(ctx, prepared); err != nil {
		q := &adapter.RecoveryQuery{From: item.Source, Nonce: -1, Inputs: prepared.Inputs}
		return p.handleSendError(ctx, item, ad, q, err)
	}
	p.log.Info("Transfer submitted",
		"deal", item.DealID, "purpose", item.Purpose, "asset", item.Asset,
		"amount", item.Amount.String(), "txid", prepared.TxID, "inputs", len(prepared.Inputs))
	return p.store.FinishSubmission(item.ID, prepared.TxID, prepared.FeeRate)
}

// skipOrdering swallows the benign races of the serialization rules:
// another worker submitted first, a predecessor is still running, or the
// phase barrier closed between the pre-check and the transaction.
func (p *Processor) skipOrdering(item *deal.QueueItem, err error) error {
	switch {
	case errors.Is(err, storage.ErrItemNotPending),
		errors.Is(err, storage.ErrPredecessorPending),
		errors.Is(err, storage.ErrSourceBusy),
		errors.Is(err, storage.ErrPhaseNotReady):
		p.log.Debug("Submission deferred", "item", item.ID, "reason", err)
		return nil
	}
	return err
}

// handlePrepareError deals with a failed UTXO signing. The item never left
// PENDING, so there is nothing in flight to reconcile.
func (p *Processor) handlePrepareError(item *deal.QueueItem, ad adapter.Adapter, err error) error {
	if errors.Is(err, adapter.ErrAddressIncompatible) {
		return p.store.MarkItemFailed(item.ID, err.Error())
	}
	attempts, rerr := p.store.RecordItemError(item.ID, err.Error())
	if rerr != nil {
		return rerr
	}
	if (errors.Is(err, adapter.ErrInsufficientFunds) || errors.Is(err, adapter.ErrNoUTXOs)) &&
		attempts >= ad.MaxRecoveryAttempts() {
		return p.store.MarkItemFailed(item.ID, fmt.Sprintf("%v after %d attempts", err, attempts))
	}
	p.log.Warn("Spend preparation failed", "item", item.ID, "purpose", item.Purpose, "err", err)
	return nil
}

// handleSendError deals with a failed broadcast of an in-flight item.
func (p *Processor) handleSendError(ctx context.Context, item *deal.QueueItem, ad adapter.Adapter, q *adapter.RecoveryQuery, err error) error {
	switch {
	case errors.Is(err, adapter.ErrAddressIncompatible):
		return p.failInFlight(item, err.Error())

	case errors.Is(err, adapter.ErrBroadcastRejected):
		// A rejection can mean an earlier broadcast already consumed the
		// identity (nonce or inputs). Adopt it if the chain has it.
		if txid, ferr := ad.FindSentTx(ctx, q); ferr == nil {
			p.log.Info("Rejected broadcast resolved to existing tx", "item", item.ID, "txid", txid)
			return p.store.AdoptSentTx(item.ID, txid)
		}
		return p.failInFlight(item, err.Error())

	case errors.Is(err, adapter.ErrInsufficientFunds), errors.Is(err, adapter.ErrNoUTXOs):
		attempts := item.Attempts + 1 // BeginSubmission counted this try
		if attempts >= ad.MaxRecoveryAttempts() {
			return p.failInFlight(item, fmt.Sprintf("%v after %d attempts", err, attempts))
		}
		return p.store.RequeueItem(item.ID, err.Error())

	default:
		return p.store.RequeueItem(item.ID, err.Error())
	}
}

// failInFlight requeues first so an unused account nonce rolls back, then
// parks the item.
func (p *Processor) failInFlight(item *deal.QueueItem, reason string) error {
	if err := p.store.RequeueItem(item.ID, reason); err != nil {
		return err
	}
	return p.store.MarkItemFailed(item.ID, reason)
}

// Reconcile settles items a previous run left in SUBMITTING. Callers must
// hold the deal lease; reconciling while another worker drives the deal
// risks a double broadcast.
func (p *Processor) Reconcile(ctx context.Context, items []*deal.QueueItem) error {
	for _, item := range items {
		if item.Status != deal.StatusSubmitting {
			continue
		}
		if err := p.recoverSubmitting(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// recoverSubmitting reconciles an item a previous run left in SUBMITTING:
// the process died between reserving the transaction identity and
// recording the broadcast. The transaction may or may not be on the chain.
func (p *Processor) recoverSubmitting(ctx context.Context, item *deal.QueueItem) error {
	ad, err := p.adapters.For(item.Chain)
	if err != nil {
		return err
	}

	// UTXO submissions persist the final txid before broadcast. If the
	// chain knows it, the broadcast went through.
	if item.TxID != "" {
		if _, cerr := ad.GetTxConfirmations(ctx, item.TxID); cerr == nil {
			return p.store.AdoptSentTx(item.ID, item.TxID)
		}
	}

	txid, err := ad.FindSentTx(ctx, p.recoveryQuery(item))
	switch {
	case err == nil:
		p.log.Info("Interrupted submission found on chain", "item", item.ID, "txid", txid)
		return p.store.AdoptSentTx(item.ID, txid)
	case errors.Is(err, adapter.ErrUnknownTxid):
		return p.store.RequeueItem(item.ID, "no broadcast found after interrupted submission")
	default:
		p.log.Warn("Recovery lookup failed", "item", item.ID, "err", err)
		return nil
	}
}

// poll refreshes the confirmation depth of a SUBMITTED item and decides
// between completion, fee bumping and replacement hunting.
func (p *Processor) poll(ctx context.Context, d *deal.Deal, item *deal.QueueItem, srcItems []*deal.QueueItem) error {
	ad, err := p.adapters.For(item.Chain)
	if err != nil {
		return err
	}

	confs, err := ad.GetTxConfirmations(ctx, item.TxID)
	switch {
	case errors.Is(err, adapter.ErrUnknownTxid):
		return p.handleUnknownTx(ctx, item, ad)
	case errors.Is(err, adapter.ErrBroadcastRejected):
		// Mined and reverted. The nonce is consumed, so no requeue.
		return p.store.MarkItemFailed(item.ID, fmt.Sprintf("transaction %s reverted on chain", item.TxID))
	case err != nil:
		p.log.Warn("Confirmation poll failed", "item", item.ID, "txid", item.TxID, "err", err)
		return nil
	}

	if confs >= item.RequiredConfirms {
		p.log.Info("Transfer completed",
			"deal", item.DealID, "purpose", item.Purpose, "txid", item.TxID, "confirmations", confs)
		return p.store.CompleteItem(item.ID, confs)
	}
	if confs != item.Confirmations {
		if err := p.store.UpdateItemConfirmations(item.ID, confs); err != nil {
			return err
		}
	}
	if confs == 0 && !item.SubmittedAt.IsZero() && time.Since(item.SubmittedAt) > ad.RecoveryAfter() {
		return p.feeBump(ctx, d, item, ad, srcItems)
	}
	return nil
}

// handleUnknownTx counts consecutive unknown-txid polls and, past the
// limit, hunts for a replacement by the transaction's identity. Nothing
// found means eviction: the item requeues and the nonce rolls back when
// still unspent.
func (p *Processor) handleUnknownTx(ctx context.Context, item *deal.QueueItem, ad adapter.Adapter) error {
	polls, err := p.store.IncrementUnknownPolls(item.ID)
	if err != nil {
		return err
	}
	if polls < unknownPollLimit {
		return nil
	}

	txid, err := ad.FindSentTx(ctx, p.recoveryQuery(item))
	switch {
	case err == nil && txid != item.TxID:
		p.log.Info("Submitted tx replaced on chain", "item", item.ID, "old", item.TxID, "new", txid)
		return p.store.AdoptSentTx(item.ID, txid)
	case err == nil:
		// The chain found the same txid it just claimed not to know;
		// reset the counter and keep polling.
		return p.store.UpdateItemConfirmations(item.ID, item.Confirmations)
	case errors.Is(err, adapter.ErrUnknownTxid):
		return p.store.RequeueItem(item.ID, "transaction vanished from the chain")
	default:
		p.log.Warn("Replacement lookup failed", "item", item.ID, "err", err)
		return nil
	}
}

// feeBump replaces a stuck transaction at the same identity with raised
// fees, bounded by the chain's recovery attempts.
func (p *Processor) feeBump(ctx context.Context, d *deal.Deal, item *deal.QueueItem, ad adapter.Adapter, srcItems []*deal.QueueItem) error {
	if item.Attempts >= ad.MaxRecoveryAttempts() {
		return p.store.MarkItemFailed(item.ID, fmt.Sprintf("transaction %s stuck after %d attempts", item.TxID, item.Attempts))
	}

	req := &adapter.FeeBumpRequest{
		SendRequest:   *p.sendRequest(d, item, srcItems),
		PrevTxID:      item.TxID,
		NonceOrInputs: item.NonceOrInputs,
		LastFeeRate:   item.LastFeeRate,
		Attempt:       item.Attempts,
	}

	switch sender := ad.(type) {
	case adapter.AccountSender:
		res, err := sender.FeeBump(ctx, req)
		if err != nil {
			return p.handleBumpError(item, err)
		}
		return p.store.RecordFeeBump(item.ID, res.TxID, res.FeeRate)

	case adapter.UTXOSender:
		prepared, err := sender.FeeBump(ctx, req)
		if err != nil {
			return p.handleBumpError(item, err)
		}
		if err := sender.Broadcast(ctx, prepared); err != nil {
			return p.handleBumpError(item, err)
		}
		return p.store.RecordFeeBump(item.ID, prepared.TxID, prepared.FeeRate)
	}
	return nil
}

// handleBumpError leaves the item SUBMITTED. A rejected replacement
// usually means the original confirmed in the meantime; the next poll
// settles it either way.
func (p *Processor) handleBumpError(item *deal.QueueItem, err error) error {
	p.log.Debug("Fee bump not broadcast", "item", item.ID, "txid", item.TxID, "err", err)
	return nil
}

// sendRequest assembles the adapter call for an item, applying the spend
// shape rules: gas sweeps always sweep; a final native refund sweeps so
// network fees cannot strand dust at the escrow; native commissions cap
// to the pool so fees come out of the operator's cut; payouts are always
// bit-exact.
func (p *Processor) sendRequest(d *deal.Deal, item *deal.QueueItem, srcItems []*deal.QueueItem) *adapter.SendRequest {
	return &adapter.SendRequest{
		DealID:       item.DealID,
		Party:        sourceParty(d, item.Source),
		Asset:        item.Asset,
		From:         item.Source,
		To:           item.To,
		Amount:       item.Amount,
		Purpose:      item.Purpose,
		SweepAll:     sweepSpend(item, laterOpen(item, srcItems)),
		CapToBalance: cappedSpend(item),
		Broker:       item.Broker,
	}
}

func sweepSpend(item *deal.QueueItem, laterOpen int) bool {
	switch item.Purpose {
	case deal.PurposeGasRefundToTank:
		return true
	case deal.PurposeSurplusRefund, deal.PurposeTimeoutRefund:
		if laterOpen > 0 {
			return false
		}
		a, ok := asset.Get(item.Asset)
		return ok && a.Native
	}
	return false
}

func cappedSpend(item *deal.QueueItem) bool {
	if item.Purpose != deal.PurposeOpCommission {
		return false
	}
	a, ok := asset.Get(item.Asset)
	return ok && a.Native
}

// laterOpen counts non-terminal items behind this one on the same source.
func laterOpen(item *deal.QueueItem, srcItems []*deal.QueueItem) int {
	n := 0
	for _, other := range srcItems {
		if other.Seq > item.Seq && !other.Status.Terminal() {
			n++
		}
	}
	return n
}

func sourceParty(d *deal.Deal, source string) deal.Party {
	for _, s := range d.Sides() {
		if strings.EqualFold(s.EscrowAddress, source) {
			return s.Party
		}
	}
	return ""
}

func (p *Processor) recoveryQuery(item *deal.QueueItem) *adapter.RecoveryQuery {
	q := &adapter.RecoveryQuery{From: item.Source, Nonce: -1}
	if nonce, ok := deal.ParseNonce(item.NonceOrInputs); ok {
		q.Nonce = nonce
	} else {
		q.Inputs = deal.ParseInputs(item.NonceOrInputs)
	}
	return q
}
