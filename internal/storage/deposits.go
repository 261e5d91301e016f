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

// ErrDepositConflict means the chain reported a (txid, vout) the store
// already holds, with a different amount. That never happens on an honest
// node, so the deal halts for operator review.
var ErrDepositConflict = errors.New("deposit amount conflicts with stored value")

// UpsertDeposit records a deposit observation and reports whether the row
// is new. New rows get a deposit_observed event. Existing rows only move
// their confirmation count, and only upward; the missed-poll counter resets
// because the deposit was just seen.
func (s *Storage) UpsertDeposit(dep *deal.EscrowDeposit) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	inserted := false

	now := time.Now()

	var storedAmount string
	var storedConfs int64
	err = tx.QueryRow(`
		SELECT amount, confirmations FROM escrow_deposits
		WHERE deal_id = ? AND txid = ? AND output_index = ?`,
		dep.DealID, dep.TxID, dep.OutputIndex,
	).Scan(&storedAmount, &storedConfs)

	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(`
			INSERT INTO escrow_deposits (
				deal_id, party, chain, address, asset, txid, output_index,
				amount, block_height, block_time, confirmations, missed_polls,
				covered_by, first_seen_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)`,
			dep.DealID, string(dep.Party), dep.Chain, dep.Address, dep.Asset,
			dep.TxID, dep.OutputIndex, dep.Amount.String(), dep.BlockHeight,
			dep.BlockTime.Unix(), dep.Confirmations, now.Unix(), now.Unix(),
		)
		if err != nil {
			return false, fmt.Errorf("insert deposit: %w", err)
		}
		inserted = true
		data, _ := json.Marshal(map[string]interface{}{
			"party":  string(dep.Party),
			"txid":   dep.TxID,
			"vout":   dep.OutputIndex,
			"asset":  dep.Asset,
			"amount": dep.Amount.String(),
		})
		msg := fmt.Sprintf("deposit %s %s observed on %s escrow", dep.Amount.String(), dep.Asset, dep.Party)
		if err := appendEventTx(tx, dep.DealID, deal.EventDepositObserved, msg, data); err != nil {
			return false, err
		}

	case err != nil:
		return false, err

	default:
		stored, perr := money.Parse(storedAmount)
		if perr != nil {
			return false, perr
		}
		if !stored.Equal(dep.Amount) {
			data, _ := json.Marshal(map[string]string{
				"txid":   dep.TxID,
				"stored": storedAmount,
				"seen":   dep.Amount.String(),
			})
			msg := fmt.Sprintf("deposit %s reported amount %s, stored %s", dep.TxID, dep.Amount.String(), storedAmount)
			if err := appendEventTx(tx, dep.DealID, deal.EventDepositConflict, msg, data); err != nil {
				return false, err
			}
			if err := tx.Commit(); err != nil {
				return false, err
			}
			return false, ErrDepositConflict
		}
		confs := dep.Confirmations
		if confs < storedConfs {
			confs = storedConfs
		}
		_, err = tx.Exec(`
			UPDATE escrow_deposits SET
				confirmations = ?, block_height = ?, block_time = ?,
				missed_polls = 0, updated_at = ?
			WHERE deal_id = ? AND txid = ? AND output_index = ?`,
			confs, dep.BlockHeight, dep.BlockTime.Unix(), now.Unix(),
			dep.DealID, dep.TxID, dep.OutputIndex,
		)
		if err != nil {
			return false, fmt.Errorf("update deposit: %w", err)
		}
	}

	return inserted, tx.Commit()
}

// MarkDepositsMissed bumps the missed-poll counter for every stored deposit
// of the party's escrow that the last poll did not report, and deletes rows
// that reach the threshold. Deleted deposits are returned so the caller can
// re-evaluate locks.
func (s *Storage) MarkDepositsMissed(dealID string, party deal.Party, seen map[string]bool, threshold int) ([]*deal.EscrowDeposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT `+depositColumns+` FROM escrow_deposits
		WHERE deal_id = ? AND party = ?`,
		dealID, string(party),
	)
	if err != nil {
		return nil, err
	}
	stored, err := collectDeposits(rows)
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	var removed []*deal.EscrowDeposit
	for _, dep := range stored {
		if seen[dep.Key()] {
			continue
		}
		dep.MissedPolls++
		if dep.MissedPolls >= threshold {
			if _, err := tx.Exec(`
				DELETE FROM escrow_deposits
				WHERE deal_id = ? AND txid = ? AND output_index = ?`,
				dealID, dep.TxID, dep.OutputIndex); err != nil {
				return nil, err
			}
			data, _ := json.Marshal(map[string]interface{}{
				"txid": dep.TxID, "vout": dep.OutputIndex, "amount": dep.Amount.String(),
			})
			msg := fmt.Sprintf("deposit %s no longer in chain history, removed", dep.TxID)
			if err := appendEventTx(tx, dealID, deal.EventDepositRemoved, msg, data); err != nil {
				return nil, err
			}
			removed = append(removed, dep)
			continue
		}
		if _, err := tx.Exec(`
			UPDATE escrow_deposits SET missed_polls = ?, updated_at = ?
			WHERE deal_id = ? AND txid = ? AND output_index = ?`,
			dep.MissedPolls, now, dealID, dep.TxID, dep.OutputIndex); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return removed, nil
}

// GetDeposits returns every stored deposit of a deal.
func (s *Storage) GetDeposits(dealID string) ([]*deal.EscrowDeposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT `+depositColumns+` FROM escrow_deposits
		WHERE deal_id = ? ORDER BY first_seen_at ASC, txid ASC, output_index ASC`,
		dealID,
	)
	if err != nil {
		return nil, err
	}
	return collectDeposits(rows)
}

// GetDepositsByParty returns the deposits on one party's escrow.
func (s *Storage) GetDepositsByParty(dealID string, party deal.Party) ([]*deal.EscrowDeposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT `+depositColumns+` FROM escrow_deposits
		WHERE deal_id = ? AND party = ? ORDER BY first_seen_at ASC, txid ASC, output_index ASC`,
		dealID, string(party),
	)
	if err != nil {
		return nil, err
	}
	return collectDeposits(rows)
}

// markDepositsCoveredTx stamps deposits with what consumed or returned them.
// Covered deposits are invisible to the late-refund watcher.
func markDepositsCoveredTx(tx *sql.Tx, dealID string, keys []string, label string) error {
	now := time.Now().Unix()
	for _, key := range keys {
		txid, vout, err := deal.SplitDepositKey(key)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			UPDATE escrow_deposits SET covered_by = ?, updated_at = ?
			WHERE deal_id = ? AND txid = ? AND output_index = ? AND covered_by = ''`,
			label, now, dealID, txid, vout); err != nil {
			return fmt.Errorf("mark deposit %s covered: %w", key, err)
		}
	}
	return nil
}

const depositColumns = `
	deal_id, party, chain, address, asset, txid, output_index,
	amount, block_height, block_time, confirmations, missed_polls,
	covered_by, first_seen_at, updated_at`

func collectDeposits(rows *sql.Rows) ([]*deal.EscrowDeposit, error) {
	defer rows.Close()

	var deposits []*deal.EscrowDeposit
	for rows.Next() {
		dep, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		deposits = append(deposits, dep)
	}
	return deposits, rows.Err()
}

func scanDeposit(row rowScanner) (*deal.EscrowDeposit, error) {
	var (
		dep                               deal.EscrowDeposit
		party, amount                     string
		blockTime, firstSeenAt, updatedAt int64
	)
	err := row.Scan(
		&dep.DealID, &party, &dep.Chain, &dep.Address, &dep.Asset,
		&dep.TxID, &dep.OutputIndex, &amount, &dep.BlockHeight, &blockTime,
		&dep.Confirmations, &dep.MissedPolls, &dep.CoveredBy, &firstSeenAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	dep.Party = deal.Party(party)
	if dep.Amount, err = money.Parse(amount); err != nil {
		return nil, err
	}
	dep.BlockTime = time.Unix(blockTime, 0).UTC()
	dep.FirstSeenAt = time.Unix(firstSeenAt, 0).UTC()
	dep.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &dep, nil
}
