package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crossdeal-exchange/crossdeal/internal/deal"
	"github.com/crossdeal-exchange/crossdeal/pkg/money"
)

// Deal persistence errors.
var (
	ErrDealNotFound = errors.New("deal not found")
	ErrDealExists   = errors.New("deal already exists")
	ErrWrongStage   = errors.New("deal not in expected stage")
)

const dealColumns = `
	id, stage, timeout_seconds, expires_at, halt_reason,
	created_at, updated_at, closed_at, watch_until,
	a_chain, a_asset, a_amount, a_payback, a_recipient, a_email,
	a_escrow_address, a_escrow_path, a_token, a_commission,
	a_trade_locked_at, a_comm_locked_at,
	b_chain, b_asset, b_amount, b_payback, b_recipient, b_email,
	b_escrow_address, b_escrow_path, b_token, b_commission,
	b_trade_locked_at, b_comm_locked_at`

// CreateDeal inserts a new deal in stage CREATED together with its
// creation event.
func (s *Storage) CreateDeal(d *deal.Deal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	commA, err := marshalCommission(d.A.Commission)
	if err != nil {
		return err
	}
	commB, err := marshalCommission(d.B.Commission)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO deals (
			id, stage, timeout_seconds, expires_at, halt_reason,
			created_at, updated_at, closed_at, watch_until,
			a_chain, a_asset, a_amount, a_payback, a_recipient, a_email,
			a_escrow_address, a_escrow_path, a_token, a_commission,
			a_trade_locked_at, a_comm_locked_at,
			b_chain, b_asset, b_amount, b_payback, b_recipient, b_email,
			b_escrow_address, b_escrow_path, b_token, b_commission,
			b_trade_locked_at, b_comm_locked_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, string(d.Stage), int64(d.Timeout.Seconds()), nullableUnix(d.ExpiresAt), nullableString(d.HaltReason),
		d.CreatedAt.Unix(), d.UpdatedAt.Unix(), nullableUnix(d.ClosedAt), nullableUnix(d.WatchUntil),
		d.A.Chain, d.A.Asset, d.A.Amount.String(), nullableString(d.A.Payback), nullableString(d.A.Recipient), nullableString(d.A.Email),
		nullableString(d.A.EscrowAddress), nullableString(d.A.EscrowPath), d.A.Token, commA,
		timeToUnixOrZero(d.A.TradeLockedAt), timeToUnixOrZero(d.A.CommissionLockedAt),
		d.B.Chain, d.B.Asset, d.B.Amount.String(), nullableString(d.B.Payback), nullableString(d.B.Recipient), nullableString(d.B.Email),
		nullableString(d.B.EscrowAddress), nullableString(d.B.EscrowPath), d.B.Token, commB,
		timeToUnixOrZero(d.B.TradeLockedAt), timeToUnixOrZero(d.B.CommissionLockedAt),
	)
	if err != nil {
		return fmt.Errorf("insert deal: %w", err)
	}

	if err := appendEventTx(tx, d.ID, deal.EventDealCreated, "deal created", nil); err != nil {
		return err
	}

	return tx.Commit()
}

// GetDeal retrieves a deal by id.
func (s *Storage) GetDeal(id string) (*deal.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+dealColumns+` FROM deals WHERE id = ?`, id)
	d, err := scanDeal(row)
	if err == sql.ErrNoRows {
		return nil, ErrDealNotFound
	}
	return d, err
}

// DealsByStage lists deals in a stage, oldest first.
func (s *Storage) DealsByStage(stage deal.Stage, limit int) ([]*deal.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + dealColumns + ` FROM deals WHERE stage = ? ORDER BY created_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryDeals(query, string(stage))
}

// ListDeals lists deals, most recent first.
func (s *Storage) ListDeals(limit int) ([]*deal.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + dealColumns + ` FROM deals ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryDeals(query)
}

// DueDeals returns ids of deals that need a worker: active stages, plus
// closed deals with a live watch window or unfinished queue items. Halted
// deals and deals under a live lease are skipped.
func (s *Storage) DueDeals(now time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT d.id FROM deals d
		LEFT JOIN leases l ON l.deal_id = d.id
		WHERE (d.halt_reason IS NULL OR d.halt_reason = '')
		  AND (l.deal_id IS NULL OR l.lease_until < ?)
		  AND (
			d.stage IN ('COLLECTION', 'WAITING', 'SWAP', 'REVERTED')
			OR (d.stage = 'CLOSED' AND (
				(d.watch_until IS NOT NULL AND d.watch_until >= ?)
				OR EXISTS (
					SELECT 1 FROM queue_items q
					WHERE q.deal_id = d.id
					  AND q.status NOT IN ('COMPLETED', 'FAILED')
				)
			))
		  )
		ORDER BY d.updated_at ASC
		LIMIT ?`,
		now.Unix(), now.Unix(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DealCounts returns the number of deals per stage.
func (s *Storage) DealCounts() (map[deal.Stage]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT stage, COUNT(*) FROM deals GROUP BY stage`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[deal.Stage]int)
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, err
		}
		counts[deal.Stage(stage)] = n
	}
	return counts, rows.Err()
}

// UpdateSideDetails writes a party's settlement addresses. Allowed only in
// CREATED: once collection starts the escrow expectations are frozen.
func (s *Storage) UpdateSideDetails(dealID string, party deal.Party, payback, recipient, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := assertStageTx(tx, dealID, deal.StageCreated); err != nil {
		return err
	}

	prefix := sidePrefix(party)
	query := fmt.Sprintf(
		`UPDATE deals SET %spayback = ?, %srecipient = ?, %semail = ?, updated_at = ? WHERE id = ?`,
		prefix, prefix, prefix,
	)
	if _, err := tx.Exec(query, payback, recipient, nullableString(email), time.Now().Unix(), dealID); err != nil {
		return err
	}

	data, _ := json.Marshal(map[string]string{"party": string(party)})
	if err := appendEventTx(tx, dealID, deal.EventDetailsFilled, fmt.Sprintf("party %s details filled", party), data); err != nil {
		return err
	}

	return tx.Commit()
}

// BeginCollection moves CREATED -> COLLECTION: persists the generated
// escrows, the frozen commission plans and the countdown expiry, all in
// one transaction. d must already carry the new values.
func (s *Storage) BeginCollection(d *deal.Deal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	commA, err := marshalCommission(d.A.Commission)
	if err != nil {
		return err
	}
	commB, err := marshalCommission(d.B.Commission)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := assertStageTx(tx, d.ID, deal.StageCreated); err != nil {
		return err
	}

	_, err = tx.Exec(`
		UPDATE deals SET
			stage = ?, expires_at = ?, updated_at = ?,
			a_escrow_address = ?, a_escrow_path = ?, a_commission = ?,
			b_escrow_address = ?, b_escrow_path = ?, b_commission = ?
		WHERE id = ?`,
		string(deal.StageCollection), d.ExpiresAt.Unix(), time.Now().Unix(),
		d.A.EscrowAddress, d.A.EscrowPath, commA,
		d.B.EscrowAddress, d.B.EscrowPath, commB,
		d.ID,
	)
	if err != nil {
		return err
	}

	data, _ := json.Marshal(map[string]interface{}{
		"expires_at": d.ExpiresAt.Unix(),
		"escrow_a":   d.A.EscrowAddress,
		"escrow_b":   d.B.EscrowAddress,
	})
	if err := appendEventTx(tx, d.ID, deal.EventStageChanged, "CREATED -> COLLECTION", data); err != nil {
		return err
	}

	return tx.Commit()
}

// SetSideLocks persists a side's lock timestamps.
func (s *Storage) SetSideLocks(dealID string, party deal.Party, tradeLockedAt, commLockedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := sidePrefix(party)
	query := fmt.Sprintf(
		`UPDATE deals SET %strade_locked_at = ?, %scomm_locked_at = ?, updated_at = ? WHERE id = ?`,
		prefix, prefix,
	)
	res, err := s.db.Exec(query, timeToUnixOrZero(tradeLockedAt), timeToUnixOrZero(commLockedAt), time.Now().Unix(), dealID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDealNotFound
	}
	return nil
}

// MoveToWaiting moves COLLECTION -> WAITING once both sides lock. The
// timer value stays on the row; it is simply no longer consulted.
func (s *Storage) MoveToWaiting(dealID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := assertStageTx(tx, dealID, deal.StageCollection); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE deals SET stage = ?, updated_at = ? WHERE id = ?`,
		string(deal.StageWaiting), time.Now().Unix(), dealID); err != nil {
		return err
	}
	if err := appendEventTx(tx, dealID, deal.EventStageChanged, "COLLECTION -> WAITING", nil); err != nil {
		return err
	}
	return tx.Commit()
}

// RevertToCollection is the single backward edge: a reorg broke a lock
// while WAITING. Lock timestamps clear on both sides; the suspended timer
// resumes.
func (s *Storage) RevertToCollection(dealID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := assertStageTx(tx, dealID, deal.StageWaiting); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		UPDATE deals SET stage = ?, updated_at = ?,
			a_trade_locked_at = 0, a_comm_locked_at = 0,
			b_trade_locked_at = 0, b_comm_locked_at = 0
		WHERE id = ?`,
		string(deal.StageCollection), time.Now().Unix(), dealID); err != nil {
		return err
	}
	if err := appendEventTx(tx, dealID, deal.EventLockCleared, reason, nil); err != nil {
		return err
	}
	if err := appendEventTx(tx, dealID, deal.EventStageChanged, "WAITING -> COLLECTION", nil); err != nil {
		return err
	}
	return tx.Commit()
}

// MoveToSwap moves WAITING -> SWAP and persists the transfer plan in the
// same transaction. The expiry clears permanently, and the deposits the
// plan spends are stamped as settled so the close watcher never refunds
// them.
func (s *Storage) MoveToSwap(dealID string, items []*deal.QueueItem, covered []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := assertStageTx(tx, dealID, deal.StageWaiting); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE deals SET stage = ?, expires_at = NULL, updated_at = ? WHERE id = ?`,
		string(deal.StageSwap), time.Now().Unix(), dealID); err != nil {
		return err
	}
	for _, item := range items {
		if err := insertItemTx(tx, item); err != nil {
			return err
		}
	}
	if err := markDepositsCoveredTx(tx, dealID, covered, "settlement"); err != nil {
		return err
	}

	data, _ := json.Marshal(map[string]int{"items": len(items)})
	if err := appendEventTx(tx, dealID, deal.EventPlanBuilt, "transfer plan persisted", data); err != nil {
		return err
	}
	if err := appendEventTx(tx, dealID, deal.EventStageChanged, "WAITING -> SWAP", nil); err != nil {
		return err
	}
	return tx.Commit()
}

// RevertDeal moves a pre-swap stage to REVERTED and enqueues the timeout
// refunds atomically. Every refund is checked against the mutual-exclusion
// rule: no settling item may be live on the same source. Deposits the
// refunds return are stamped as covered.
func (s *Storage) RevertDeal(dealID string, from deal.Stage, items []*deal.QueueItem, covered []string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !from.CanTransition(deal.StageReverted) {
		return fmt.Errorf("%w: %s -> REVERTED", deal.ErrBadTransition, from)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := assertStageTx(tx, dealID, from); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE deals SET stage = ?, updated_at = ? WHERE id = ?`,
		string(deal.StageReverted), time.Now().Unix(), dealID); err != nil {
		return err
	}
	for _, item := range items {
		if err := assertNoSettlingTx(tx, dealID, item.Source); err != nil {
			return err
		}
		if err := insertItemTx(tx, item); err != nil {
			return err
		}
	}
	if err := markDepositsCoveredTx(tx, dealID, covered, "revert"); err != nil {
		return err
	}

	if len(items) > 0 {
		data, _ := json.Marshal(map[string]int{"refunds": len(items)})
		if err := appendEventTx(tx, dealID, deal.EventRefundEnqueued, "timeout refunds enqueued", data); err != nil {
			return err
		}
	}
	if err := appendEventTx(tx, dealID, deal.EventStageChanged, fmt.Sprintf("%s -> REVERTED: %s", from, reason), nil); err != nil {
		return err
	}
	return tx.Commit()
}

// CancelDeal reverts a CREATED deal on party request. No escrows exist
// yet, so there is nothing to refund.
func (s *Storage) CancelDeal(dealID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := assertStageTx(tx, dealID, deal.StageCreated); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE deals SET stage = ?, updated_at = ? WHERE id = ?`,
		string(deal.StageReverted), time.Now().Unix(), dealID); err != nil {
		return err
	}
	if err := appendEventTx(tx, dealID, deal.EventDealCancelled, "cancelled by party", nil); err != nil {
		return err
	}
	if err := appendEventTx(tx, dealID, deal.EventStageChanged, "CREATED -> REVERTED", nil); err != nil {
		return err
	}
	return tx.Commit()
}

// CloseDeal moves SWAP or REVERTED to CLOSED and opens the late-deposit
// watch window.
func (s *Storage) CloseDeal(dealID string, from deal.Stage, closedAt, watchUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !from.CanTransition(deal.StageClosed) {
		return fmt.Errorf("%w: %s -> CLOSED", deal.ErrBadTransition, from)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := assertStageTx(tx, dealID, from); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		UPDATE deals SET stage = ?, expires_at = NULL, closed_at = ?, watch_until = ?, updated_at = ?
		WHERE id = ?`,
		string(deal.StageClosed), closedAt.Unix(), watchUntil.Unix(), time.Now().Unix(), dealID); err != nil {
		return err
	}
	if err := appendEventTx(tx, dealID, deal.EventStageChanged, fmt.Sprintf("%s -> CLOSED", from), nil); err != nil {
		return err
	}
	return tx.Commit()
}

// HaltDeal parks a deal after an invariant violation. Automation skips
// halted deals; only an operator can clear the reason.
func (s *Storage) HaltDeal(dealID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE deals SET halt_reason = ?, updated_at = ? WHERE id = ?`,
		reason, time.Now().Unix(), dealID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDealNotFound
	}
	if err := appendEventTx(tx, dealID, deal.EventDealHalted, reason, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// Helper functions

func sidePrefix(party deal.Party) string {
	if party == deal.PartyB {
		return "b_"
	}
	return "a_"
}

// assertStageTx verifies the deal's current stage inside a transaction.
func assertStageTx(tx *sql.Tx, dealID string, want deal.Stage) error {
	var cur string
	err := tx.QueryRow(`SELECT stage FROM deals WHERE id = ?`, dealID).Scan(&cur)
	if err == sql.ErrNoRows {
		return ErrDealNotFound
	}
	if err != nil {
		return err
	}
	if deal.Stage(cur) != want {
		return fmt.Errorf("%w: have %s, want %s", ErrWrongStage, cur, want)
	}
	return nil
}

func marshalCommission(p *deal.CommissionPlan) (sql.NullString, error) {
	if p == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal commission plan: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalCommission(v sql.NullString) (*deal.CommissionPlan, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var p deal.CommissionPlan
	if err := json.Unmarshal([]byte(v.String), &p); err != nil {
		return nil, fmt.Errorf("unmarshal commission plan: %w", err)
	}
	return &p, nil
}

func (s *Storage) queryDeals(query string, args ...interface{}) ([]*deal.Deal, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deals []*deal.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		deals = append(deals, d)
	}
	return deals, rows.Err()
}

func scanDeal(row rowScanner) (*deal.Deal, error) {
	var (
		d                    deal.Deal
		a, b                 deal.Side
		stage                string
		timeoutSeconds       int64
		expiresAt, closedAt  sql.NullInt64
		watchUntil           sql.NullInt64
		haltReason           sql.NullString
		createdAt, updatedAt int64

		aPayback, aRecipient, aEmail, aEscrowAddr, aEscrowPath, aComm sql.NullString
		aTradeLocked, aCommLocked                                     int64
		aAmount                                                       string

		bPayback, bRecipient, bEmail, bEscrowAddr, bEscrowPath, bComm sql.NullString
		bTradeLocked, bCommLocked                                     int64
		bAmount                                                       string
	)

	err := row.Scan(
		&d.ID, &stage, &timeoutSeconds, &expiresAt, &haltReason,
		&createdAt, &updatedAt, &closedAt, &watchUntil,
		&a.Chain, &a.Asset, &aAmount, &aPayback, &aRecipient, &aEmail,
		&aEscrowAddr, &aEscrowPath, &a.Token, &aComm,
		&aTradeLocked, &aCommLocked,
		&b.Chain, &b.Asset, &bAmount, &bPayback, &bRecipient, &bEmail,
		&bEscrowAddr, &bEscrowPath, &b.Token, &bComm,
		&bTradeLocked, &bCommLocked,
	)
	if err != nil {
		return nil, err
	}

	d.Stage = deal.Stage(stage)
	d.Timeout = time.Duration(timeoutSeconds) * time.Second
	d.ExpiresAt = nullableTime(expiresAt)
	d.HaltReason = stringOrEmpty(haltReason)
	d.CreatedAt = time.Unix(createdAt, 0).UTC()
	d.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	d.ClosedAt = nullableTime(closedAt)
	d.WatchUntil = nullableTime(watchUntil)

	a.Party = deal.PartyA
	b.Party = deal.PartyB

	var perr error
	if a.Amount, perr = money.Parse(aAmount); perr != nil {
		return nil, perr
	}
	if b.Amount, perr = money.Parse(bAmount); perr != nil {
		return nil, perr
	}

	a.Payback = stringOrEmpty(aPayback)
	a.Recipient = stringOrEmpty(aRecipient)
	a.Email = stringOrEmpty(aEmail)
	a.EscrowAddress = stringOrEmpty(aEscrowAddr)
	a.EscrowPath = stringOrEmpty(aEscrowPath)
	a.TradeLockedAt = unixOrZeroTime(aTradeLocked)
	a.CommissionLockedAt = unixOrZeroTime(aCommLocked)
	if a.Commission, perr = unmarshalCommission(aComm); perr != nil {
		return nil, perr
	}

	b.Payback = stringOrEmpty(bPayback)
	b.Recipient = stringOrEmpty(bRecipient)
	b.Email = stringOrEmpty(bEmail)
	b.EscrowAddress = stringOrEmpty(bEscrowAddr)
	b.EscrowPath = stringOrEmpty(bEscrowPath)
	b.TradeLockedAt = unixOrZeroTime(bTradeLocked)
	b.CommissionLockedAt = unixOrZeroTime(bCommLocked)
	if b.Commission, perr = unmarshalCommission(bComm); perr != nil {
		return nil, perr
	}

	d.A = &a
	d.B = &b
	return &d, nil
}
