package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/crossdeal-exchange/crossdeal/internal/deal"
)

// appendEventTx writes one audit record inside an existing transaction.
// State transitions call this so the event lands or rolls back with the
// mutation it describes.
func appendEventTx(tx *sql.Tx, dealID string, kind deal.EventKind, message string, data []byte) error {
	var dataStr sql.NullString
	if len(data) > 0 {
		dataStr = sql.NullString{String: string(data), Valid: true}
	}
	_, err := tx.Exec(`
		INSERT INTO deal_events (deal_id, kind, message, data, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		dealID, string(kind), message, dataStr, time.Now().Unix(),
	)
	return err
}

// AppendEvent writes one audit record outside any larger transaction.
func (s *Storage) AppendEvent(dealID string, kind deal.EventKind, message string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := appendEventTx(tx, dealID, kind, message, data); err != nil {
		return err
	}
	return tx.Commit()
}

// GetEvents returns a deal's audit trail in insertion order.
func (s *Storage) GetEvents(dealID string, limit int) ([]*deal.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, deal_id, kind, message, data, created_at
		FROM deal_events WHERE deal_id = ? ORDER BY id ASC`
	args := []interface{}{dealID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*deal.Event
	for rows.Next() {
		var (
			ev            deal.Event
			kind          string
			message, data sql.NullString
			createdAt     int64
		)
		if err := rows.Scan(&ev.ID, &ev.DealID, &kind, &message, &data, &createdAt); err != nil {
			return nil, err
		}
		ev.Kind = deal.EventKind(kind)
		ev.Message = stringOrEmpty(message)
		if data.Valid && data.String != "" {
			ev.Data = json.RawMessage(data.String)
		}
		ev.CreatedAt = time.Unix(createdAt, 0).UTC()
		events = append(events, &ev)
	}
	return events, rows.Err()
}
