package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/crossdeal-exchange/crossdeal/internal/deal"
	"github.com/crossdeal-exchange/crossdeal/pkg/money"
)

// Queue persistence errors.
var (
	ErrItemNotFound       = errors.New("queue item not found")
	ErrItemNotPending     = errors.New("queue item is not pending")
	ErrItemNotInFlight    = errors.New("queue item is not in flight")
	ErrPredecessorPending = errors.New("earlier item on the same source has not completed")
	ErrSourceBusy         = errors.New("another item from the same source is in flight")
	ErrPhaseNotReady      = errors.New("earlier phase has unfinished items")
	ErrRefundConflict     = errors.New("settling item in flight on the same source")
)

const itemColumns = `
	id, deal_id, chain, source_kind, source, to_address, asset, amount,
	purpose, phase, seq, status, txid, submitted_at, nonce_or_inputs,
	confirmations, required_confirms, attempts, last_fee_rate,
	original_txid, unknown_polls, last_error, broker_data,
	created_at, updated_at`

// insertItemTx writes a new queue item inside a transaction. The UNIQUE
// (deal_id, source, seq) index rejects duplicate plan rows.
func insertItemTx(tx *sql.Tx, item *deal.QueueItem) error {
	now := time.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if item.Status == "" {
		item.Status = deal.StatusPending
	}

	broker, err := item.BrokerJSON()
	if err != nil {
		return fmt.Errorf("marshal broker payload: %w", err)
	}
	var brokerStr sql.NullString
	if broker != nil {
		brokerStr = sql.NullString{String: string(broker), Valid: true}
	}

	_, err = tx.Exec(`
		INSERT INTO queue_items (
			id, deal_id, chain, source_kind, source, to_address, asset, amount,
			purpose, phase, seq, status, txid, submitted_at, nonce_or_inputs,
			confirmations, required_confirms, attempts, last_fee_rate,
			original_txid, unknown_polls, last_error, broker_data,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', NULL, '', 0, ?, 0, '', '', 0, '', ?, ?, ?)`,
		item.ID, item.DealID, item.Chain, string(item.SourceKind), item.Source,
		item.To, item.Asset, item.Amount.String(),
		string(item.Purpose), int(item.Phase), item.Seq, string(item.Status),
		item.RequiredConfirms, brokerStr, item.CreatedAt.Unix(), item.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	return nil
}

// assertNoSettlingTx enforces the refund interlock: no refund may be
// enqueued for a source while a settling transfer from it is live or
// still pending.
func assertNoSettlingTx(tx *sql.Tx, dealID, source string) error {
	var n int
	err := tx.QueryRow(`
		SELECT COUNT(*) FROM queue_items
		WHERE deal_id = ? AND source = ?
		  AND purpose IN ('SWAP_PAYOUT', 'OP_COMMISSION', 'BROKER_SWAP')
		  AND status NOT IN ('COMPLETED', 'FAILED')`,
		dealID, source,
	).Scan(&n)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %s", ErrRefundConflict, source)
	}
	return nil
}

// EnqueueRefunds appends refund items to a deal's queue under the refund
// interlock, recording one event for the batch.
func (s *Storage) EnqueueRefunds(dealID string, items []*deal.QueueItem, kind deal.EventKind, message string) error {
	if len(items) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, item := range items {
		if err := assertNoSettlingTx(tx, dealID, item.Source); err != nil {
			return err
		}
		if err := insertItemTx(tx, item); err != nil {
			return err
		}
	}

	data, _ := json.Marshal(map[string]int{"items": len(items)})
	if err := appendEventTx(tx, dealID, kind, message, data); err != nil {
		return err
	}
	return tx.Commit()
}

// EnqueueLateRefunds appends refunds for deposits that confirmed after the
// deal closed. Each item covers the deposits it returns; inserting the item
// and stamping its deposits happen in one transaction, so a crash between
// ticks can never refund the same money twice.
func (s *Storage) EnqueueLateRefunds(dealID string, items []*deal.QueueItem, covered map[string][]string) error {
	if len(items) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, item := range items {
		if err := assertNoSettlingTx(tx, dealID, item.Source); err != nil {
			return err
		}
		if err := insertItemTx(tx, item); err != nil {
			return err
		}
		if err := markDepositsCoveredTx(tx, dealID, covered[item.ID], item.ID); err != nil {
			return err
		}
		msg := fmt.Sprintf("late deposit of %s %s refunded to %s", item.Amount.String(), item.Asset, item.To)
		if err := appendEventTx(tx, dealID, deal.EventLateDeposit, msg, nil); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// NextSeq returns the next sequence number for a (deal, source) pair.
// Sequences start at 1.
func (s *Storage) NextSeq(dealID, source string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var next int64
	err := s.db.QueryRow(`
		SELECT COALESCE(MAX(seq), 0) + 1 FROM queue_items
		WHERE deal_id = ? AND source = ?`,
		dealID, source,
	).Scan(&next)
	return next, err
}

// GetQueueItems returns every queue item of a deal ordered by source and
// sequence.
func (s *Storage) GetQueueItems(dealID string) ([]*deal.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT `+itemColumns+` FROM queue_items
		WHERE deal_id = ? ORDER BY source ASC, seq ASC`,
		dealID,
	)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

// GetItem returns one queue item by id.
func (s *Storage) GetItem(id string) (*deal.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrItemNotFound
	}
	return item, err
}

// InFlightItems returns every SUBMITTING or SUBMITTED item across all
// deals. Startup reconciliation walks this list.
func (s *Storage) InFlightItems() ([]*deal.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT ` + itemColumns + ` FROM queue_items
		WHERE status IN ('SUBMITTING', 'SUBMITTED')
		ORDER BY deal_id ASC, source ASC, seq ASC`,
	)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

// PhaseReady reports whether phase n of a deal is finished under the rule:
// a phase with items is ready when all of them completed; a phase with no
// items inherits readiness from the phase before it. Phase 0 is always
// ready.
func (s *Storage) PhaseReady(dealID string, n deal.Phase) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	return phaseReadyTx(tx, dealID, n)
}

func phaseReadyTx(tx *sql.Tx, dealID string, n deal.Phase) (bool, error) {
	if n <= deal.PhaseNone {
		return true, nil
	}
	var total, completed int
	err := tx.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'COMPLETED' THEN 1 ELSE 0 END), 0)
		FROM queue_items WHERE deal_id = ? AND phase = ?`,
		dealID, int(n),
	).Scan(&total, &completed)
	if err != nil {
		return false, err
	}
	if total > 0 {
		return total == completed, nil
	}
	return phaseReadyTx(tx, dealID, n-1)
}

// BeginSubmissionAccount reserves the next nonce for the item's source
// address and marks the item SUBMITTING, atomically. The caller signs with
// the returned nonce and broadcasts afterwards.
func (s *Storage) BeginSubmissionAccount(itemID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	item, err := lockItemForSubmitTx(tx, itemID)
	if err != nil {
		return 0, err
	}

	if _, err := tx.Exec(`
		INSERT INTO account_state (chain, address, last_used_nonce, updated_at)
		VALUES (?, ?, -1, ?)
		ON CONFLICT(chain, address) DO NOTHING`,
		item.Chain, item.Source, time.Now().Unix()); err != nil {
		return 0, err
	}

	var last int64
	if err := tx.QueryRow(`
		SELECT last_used_nonce FROM account_state WHERE chain = ? AND address = ?`,
		item.Chain, item.Source).Scan(&last); err != nil {
		return 0, err
	}
	nonce := last + 1

	now := time.Now().Unix()
	if _, err := tx.Exec(`
		UPDATE account_state SET last_used_nonce = ?, updated_at = ?
		WHERE chain = ? AND address = ?`,
		nonce, now, item.Chain, item.Source); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`
		UPDATE queue_items SET status = 'SUBMITTING', nonce_or_inputs = ?,
			attempts = attempts + 1, last_error = '', updated_at = ?
		WHERE id = ?`,
		strconv.FormatInt(nonce, 10), now, itemID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return nonce, nil
}

// BeginSubmissionUTXO marks the item SUBMITTING with the chosen input
// outpoints and the already-final txid of the signed transaction, after
// re-checking the per-source order and the deal-wide phase barrier inside
// the transaction. Persisting the txid before broadcast makes the
// submission recoverable whatever happens next.
func (s *Storage) BeginSubmissionUTXO(itemID, inputsJSON, txid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	item, err := lockItemForSubmitTx(tx, itemID)
	if err != nil {
		return err
	}
	if item.Phase > deal.PhaseNone {
		ready, err := phaseReadyTx(tx, item.DealID, item.Phase-1)
		if err != nil {
			return err
		}
		if !ready {
			return fmt.Errorf("%w: phase %d of deal %s", ErrPhaseNotReady, item.Phase-1, item.DealID)
		}
	}

	if _, err := tx.Exec(`
		UPDATE queue_items SET status = 'SUBMITTING', nonce_or_inputs = ?, txid = ?,
			attempts = attempts + 1, last_error = '', updated_at = ?
		WHERE id = ?`,
		inputsJSON, txid, time.Now().Unix(), itemID); err != nil {
		return err
	}
	return tx.Commit()
}

// lockItemForSubmitTx loads an item and asserts it may be submitted now:
// the item is PENDING, every earlier item on its source completed, and no
// other item from the source is in flight.
func lockItemForSubmitTx(tx *sql.Tx, itemID string) (*deal.QueueItem, error) {
	row := tx.QueryRow(`SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, itemID)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	if item.Status != deal.StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrItemNotPending, itemID, item.Status)
	}

	var notDone int
	err = tx.QueryRow(`
		SELECT COUNT(*) FROM queue_items
		WHERE deal_id = ? AND source = ? AND seq < ? AND status != 'COMPLETED'`,
		item.DealID, item.Source, item.Seq,
	).Scan(&notDone)
	if err != nil {
		return nil, err
	}
	if notDone > 0 {
		return nil, fmt.Errorf("%w: source %s seq %d", ErrPredecessorPending, item.Source, item.Seq)
	}

	var inFlight int
	err = tx.QueryRow(`
		SELECT COUNT(*) FROM queue_items
		WHERE deal_id = ? AND source = ? AND status IN ('SUBMITTING', 'SUBMITTED')`,
		item.DealID, item.Source,
	).Scan(&inFlight)
	if err != nil {
		return nil, err
	}
	if inFlight > 0 {
		return nil, fmt.Errorf("%w: source %s", ErrSourceBusy, item.Source)
	}
	return item, nil
}

// FinishSubmission records the broadcast txid and fee rate and moves
// SUBMITTING -> SUBMITTED.
func (s *Storage) FinishSubmission(itemID, txid, feeRate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	item, err := itemInStatusTx(tx, itemID, deal.StatusSubmitting)
	if err != nil {
		return err
	}

	now := time.Now()
	if _, err := tx.Exec(`
		UPDATE queue_items SET status = 'SUBMITTED', txid = ?, submitted_at = ?,
			last_fee_rate = ?, unknown_polls = 0, updated_at = ?
		WHERE id = ?`,
		txid, now.Unix(), feeRate, now.Unix(), itemID); err != nil {
		return err
	}

	data, _ := json.Marshal(map[string]string{"txid": txid, "purpose": string(item.Purpose)})
	msg := fmt.Sprintf("%s %s %s submitted as %s", item.Purpose, item.Amount.String(), item.Asset, txid)
	if err := appendEventTx(tx, item.DealID, deal.EventItemSubmitted, msg, data); err != nil {
		return err
	}
	return tx.Commit()
}

// RequeueItem returns an in-flight item to PENDING after its transaction
// proved absent from the chain. The reserved nonce rolls back only when no
// later nonce was handed out for the same address.
func (s *Storage) RequeueItem(itemID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, itemID)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return ErrItemNotFound
	}
	if err != nil {
		return err
	}
	if !item.Status.InFlight() {
		return fmt.Errorf("%w: %s is %s", ErrItemNotInFlight, itemID, item.Status)
	}

	if nonce, ok := deal.ParseNonce(item.NonceOrInputs); ok {
		var last int64
		err := tx.QueryRow(`
			SELECT last_used_nonce FROM account_state WHERE chain = ? AND address = ?`,
			item.Chain, item.Source).Scan(&last)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		if err == nil && last == nonce {
			if _, err := tx.Exec(`
				UPDATE account_state SET last_used_nonce = ?, updated_at = ?
				WHERE chain = ? AND address = ?`,
				nonce-1, time.Now().Unix(), item.Chain, item.Source); err != nil {
				return err
			}
		}
	}

	if _, err := tx.Exec(`
		UPDATE queue_items SET status = 'PENDING', txid = '', submitted_at = NULL,
			nonce_or_inputs = '', unknown_polls = 0, last_error = ?, updated_at = ?
		WHERE id = ?`,
		reason, time.Now().Unix(), itemID); err != nil {
		return err
	}

	msg := fmt.Sprintf("%s requeued: %s", item.Purpose, reason)
	if err := appendEventTx(tx, item.DealID, deal.EventItemRequeued, msg, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// AdoptSentTx records a transaction located on chain after the stored
// txid went stale: a crash before FinishSubmission, or a replacement the
// store never saw. The item lands in SUBMITTED whichever in-flight status
// it held.
func (s *Storage) AdoptSentTx(itemID, txid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, itemID)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return ErrItemNotFound
	}
	if err != nil {
		return err
	}
	if !item.Status.InFlight() {
		return fmt.Errorf("%w: %s is %s", ErrItemNotInFlight, itemID, item.Status)
	}

	now := time.Now()
	submittedAt := nullableUnix(item.SubmittedAt)
	if !submittedAt.Valid {
		submittedAt = sql.NullInt64{Int64: now.Unix(), Valid: true}
	}
	if _, err := tx.Exec(`
		UPDATE queue_items SET status = 'SUBMITTED', txid = ?, submitted_at = ?,
			unknown_polls = 0, updated_at = ?
		WHERE id = ?`,
		txid, submittedAt, now.Unix(), itemID); err != nil {
		return err
	}

	msg := fmt.Sprintf("%s reconciled to on-chain tx %s", item.Purpose, txid)
	if err := appendEventTx(tx, item.DealID, deal.EventItemSubmitted, msg, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordItemError notes a failed submission attempt on an item that never
// left PENDING, and returns the attempt count so callers can bound retries.
func (s *Storage) RecordItemError(itemID, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`
		UPDATE queue_items SET attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'PENDING'`,
		reason, time.Now().Unix(), itemID); err != nil {
		return 0, err
	}
	var attempts int
	err := s.db.QueryRow(`SELECT attempts FROM queue_items WHERE id = ?`, itemID).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, ErrItemNotFound
	}
	return attempts, err
}

// UpdateItemConfirmations stores the latest confirmation count.
func (s *Storage) UpdateItemConfirmations(itemID string, confs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE queue_items SET confirmations = ?, unknown_polls = 0, updated_at = ?
		WHERE id = ?`,
		confs, time.Now().Unix(), itemID)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrItemNotFound)
}

// IncrementUnknownPolls bumps the counter of consecutive polls on which
// the submitted tx was unknown to the chain, returning the new value.
func (s *Storage) IncrementUnknownPolls(itemID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`
		UPDATE queue_items SET unknown_polls = unknown_polls + 1, updated_at = ?
		WHERE id = ?`,
		time.Now().Unix(), itemID); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRow(`SELECT unknown_polls FROM queue_items WHERE id = ?`, itemID).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, ErrItemNotFound
	}
	return n, err
}

// CompleteItem moves SUBMITTED -> COMPLETED once the tx reached its
// required depth.
func (s *Storage) CompleteItem(itemID string, confs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	item, err := itemInStatusTx(tx, itemID, deal.StatusSubmitted)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`
		UPDATE queue_items SET status = 'COMPLETED', confirmations = ?, updated_at = ?
		WHERE id = ?`,
		confs, time.Now().Unix(), itemID); err != nil {
		return err
	}

	data, _ := json.Marshal(map[string]interface{}{"txid": item.TxID, "confirmations": confs})
	msg := fmt.Sprintf("%s %s %s completed", item.Purpose, item.Amount.String(), item.Asset)
	if err := appendEventTx(tx, item.DealID, deal.EventItemCompleted, msg, data); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkItemFailed parks an item after recovery attempts ran out or a
// permanent error. Failed items block their source until an operator
// steps in.
func (s *Storage) MarkItemFailed(itemID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, itemID)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return ErrItemNotFound
	}
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`
		UPDATE queue_items SET status = 'FAILED', last_error = ?, updated_at = ?
		WHERE id = ?`,
		reason, time.Now().Unix(), itemID); err != nil {
		return err
	}

	msg := fmt.Sprintf("%s %s %s failed: %s", item.Purpose, item.Amount.String(), item.Asset, reason)
	if err := appendEventTx(tx, item.DealID, deal.EventItemFailed, msg, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordFeeBump replaces the item's txid after a fee-bumped rebroadcast.
// The first txid is kept for the audit trail.
func (s *Storage) RecordFeeBump(itemID, newTxID, feeRate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	item, err := itemInStatusTx(tx, itemID, deal.StatusSubmitted)
	if err != nil {
		return err
	}

	original := item.OriginalTxID
	if original == "" {
		original = item.TxID
	}
	now := time.Now()
	if _, err := tx.Exec(`
		UPDATE queue_items SET txid = ?, original_txid = ?, last_fee_rate = ?,
			attempts = attempts + 1, submitted_at = ?, unknown_polls = 0, updated_at = ?
		WHERE id = ?`,
		newTxID, original, feeRate, now.Unix(), now.Unix(), itemID); err != nil {
		return err
	}

	data, _ := json.Marshal(map[string]string{"old": item.TxID, "new": newTxID, "fee_rate": feeRate})
	msg := fmt.Sprintf("%s fee bumped, tx %s replaces %s", item.Purpose, newTxID, item.TxID)
	if err := appendEventTx(tx, item.DealID, deal.EventFeeBumped, msg, data); err != nil {
		return err
	}
	return tx.Commit()
}

// Helper functions

func itemInStatusTx(tx *sql.Tx, itemID string, want deal.ItemStatus) (*deal.QueueItem, error) {
	row := tx.QueryRow(`SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, itemID)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	if item.Status != want {
		return nil, fmt.Errorf("queue item %s: have status %s, want %s", itemID, item.Status, want)
	}
	return item, nil
}

func oneRowOr(res sql.Result, sentinel error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sentinel
	}
	return nil
}

func collectItems(rows *sql.Rows) ([]*deal.QueueItem, error) {
	defer rows.Close()

	var items []*deal.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanItem(row rowScanner) (*deal.QueueItem, error) {
	var (
		item                          deal.QueueItem
		sourceKind, purpose, status   string
		phase                         int
		amount                        string
		submittedAt                   sql.NullInt64
		broker                        sql.NullString
		createdAt, updatedAt          int64
	)
	err := row.Scan(
		&item.ID, &item.DealID, &item.Chain, &sourceKind, &item.Source,
		&item.To, &item.Asset, &amount,
		&purpose, &phase, &item.Seq, &status, &item.TxID, &submittedAt,
		&item.NonceOrInputs, &item.Confirmations, &item.RequiredConfirms,
		&item.Attempts, &item.LastFeeRate, &item.OriginalTxID,
		&item.UnknownPolls, &item.LastError, &broker,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.SourceKind = deal.SourceKind(sourceKind)
	item.Purpose = deal.Purpose(purpose)
	item.Phase = deal.Phase(phase)
	item.Status = deal.ItemStatus(status)
	if item.Amount, err = money.Parse(amount); err != nil {
		return nil, err
	}
	item.SubmittedAt = nullableTime(submittedAt)
	item.CreatedAt = time.Unix(createdAt, 0).UTC()
	item.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	if broker.Valid && broker.String != "" {
		var call deal.BrokerCall
		if err := json.Unmarshal([]byte(broker.String), &call); err != nil {
			return nil, fmt.Errorf("unmarshal broker payload: %w", err)
		}
		item.Broker = &call
	}
	return &item, nil
}
