package store

import (
	"fmt"
	"time"
)

// RegisterInbound records an external message id at the ingestion
// boundary. Returns true when the (channel, externalMessageID) pair was
// seen before; duplicates must not create jobs.
func (s *Store) RegisterInbound(channel, externalMessageID string) (isDuplicate bool, err error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
	INSERT OR IGNORE INTO inbound_dedupe (channel, external_message_id, created_at)
	VALUES (?, ?, ?)`, channel, externalMessageID, now)
	if err != nil {
		return false, fmt.Errorf("register inbound: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 0, nil
}
