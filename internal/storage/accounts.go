package storage

import (
	"database/sql"
)

// LastUsedNonce returns the highest nonce handed out for an address, or
// -1 when the address has never sent.
func (s *Storage) LastUsedNonce(chain, address string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var nonce int64
	err := s.db.QueryRow(`
		SELECT last_used_nonce FROM account_state WHERE chain = ? AND address = ?`,
		chain, address,
	).Scan(&nonce)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	if err != nil {
		return 0, err
	}
	return nonce, nil
}

