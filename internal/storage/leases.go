package storage

import (
	"database/sql"
	"time"
)

// AcquireLease takes the processing lease on a deal for the given owner.
// It succeeds when no lease row exists, the existing lease expired, or the
// owner already holds it (re-entry extends). Returns false when another
// live owner holds the lease.
func (s *Storage) AcquireLease(dealID, ownerID string, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	now := time.Now().Unix()

	var owner string
	var leaseUntil int64
	err = tx.QueryRow(`SELECT owner_id, lease_until FROM leases WHERE deal_id = ?`, dealID).
		Scan(&owner, &leaseUntil)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(`
			INSERT INTO leases (deal_id, owner_id, lease_until, acquired_at)
			VALUES (?, ?, ?, ?)`,
			dealID, ownerID, until.Unix(), now)
		if err != nil {
			return false, err
		}
	case err != nil:
		return false, err
	default:
		if owner != ownerID && leaseUntil >= now {
			return false, nil
		}
		_, err = tx.Exec(`
			UPDATE leases SET owner_id = ?, lease_until = ?, acquired_at = ?
			WHERE deal_id = ?`,
			ownerID, until.Unix(), now, dealID)
		if err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// ExtendLease pushes the lease deadline forward. Only the current owner
// may extend; false means the lease moved to someone else.
func (s *Storage) ExtendLease(dealID, ownerID string, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE leases SET lease_until = ? WHERE deal_id = ? AND owner_id = ?`,
		until.Unix(), dealID, ownerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseLease drops the owner's lease on a deal. Releasing a lease that
// moved on is a no-op.
func (s *Storage) ReleaseLease(dealID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM leases WHERE deal_id = ? AND owner_id = ?`, dealID, ownerID)
	return err
}

// ReleaseOwnerLeases drops every lease held by an owner. Called on
// startup so a crashed run's leases do not stall its own restart.
func (s *Storage) ReleaseOwnerLeases(ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM leases WHERE owner_id = ?`, ownerID)
	return err
}
