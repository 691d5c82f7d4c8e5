package store

import (
	"database/sql"
	"fmt"
	"time"
)

// TryAcquireLease attempts one atomic "acquire if unowned or expired"
// write for accountID. Returns true when ownerID now holds the lease.
// Re-acquiring a lease you already own renews it.
func (s *Store) TryAcquireLease(accountID, ownerID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	expires := now.Add(ttl)
	res, err := s.db.Exec(`
	INSERT INTO channel_leases (account_id, owner_id, expires_at, heartbeat_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(account_id) DO UPDATE SET
		owner_id = excluded.owner_id,
		expires_at = excluded.expires_at,
		heartbeat_at = excluded.heartbeat_at
	WHERE channel_leases.owner_id = excluded.owner_id
		OR channel_leases.owner_id = ''
		OR channel_leases.expires_at <= ?`,
		accountID, ownerID, expires, now, now)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// HeartbeatLease extends the lease TTL. Returns false when the caller no
// longer owns the lease, which the caller must treat as loss of
// connection authority.
func (s *Store) HeartbeatLease(accountID, ownerID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
	UPDATE channel_leases SET expires_at = ?, heartbeat_at = ?
	WHERE account_id = ? AND owner_id = ?`,
		now.Add(ttl), now, accountID, ownerID)
	if err != nil {
		return false, fmt.Errorf("heartbeat lease: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseLease gives up the lease if still owned by ownerID. Best-effort:
// correctness does not depend on it running, TTL expiry is the safety net.
func (s *Store) ReleaseLease(accountID, ownerID string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
	UPDATE channel_leases SET owner_id = '', expires_at = ?, heartbeat_at = ?
	WHERE account_id = ? AND owner_id = ?`,
		now, now, accountID, ownerID)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// GetLease returns the lease row for accountID, or (nil, nil) if the
// account has never been leased.
func (s *Store) GetLease(accountID string) (*ChannelLease, error) {
	var l ChannelLease
	err := s.db.QueryRow(`
	SELECT account_id, owner_id, expires_at, heartbeat_at
	FROM channel_leases WHERE account_id = ?`, accountID).
		Scan(&l.AccountID, &l.OwnerID, &l.ExpiresAt, &l.HeartbeatAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lease: %w", err)
	}
	return &l, nil
}
