package state

import (
	"context"
	"fmt"
	"time"
)

// AcquireSyncLease claims the sync lease for accountKey on behalf of holder
// until now+ttl. It reports false when another holder owns an unexpired
// lease. Every process sharing the database sees the same lease, so a CLI
// sync and a running daemon never overlap. Re-acquiring a lease already
// owned by holder extends it.
func (s *Store) AcquireSyncLease(ctx context.Context, accountKey, holder string, now time.Time, ttl time.Duration) (bool, error) {
	const q = `
		INSERT INTO sync_leases (account_key, holder, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account_key) DO UPDATE SET
		    holder     = excluded.holder,
		    expires_at = excluded.expires_at
		WHERE sync_leases.expires_at <= ? OR sync_leases.holder = excluded.holder`
	res, err := s.db.ExecContext(ctx, q, accountKey, holder, formatTime(now.Add(ttl)), formatTime(now))
	if err != nil {
		return false, fmt.Errorf("acquiring sync lease for %q: %w", accountKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquiring sync lease for %q: %w", accountKey, err)
	}
	return n == 1, nil
}

// ReleaseSyncLease drops the lease if holder still owns it. Releasing a lease
// that expired and was taken over is a no-op.
func (s *Store) ReleaseSyncLease(ctx context.Context, accountKey, holder string) error {
	const q = `DELETE FROM sync_leases WHERE account_key = ? AND holder = ?`
	if _, err := s.db.ExecContext(ctx, q, accountKey, holder); err != nil {
		return fmt.Errorf("releasing sync lease for %q: %w", accountKey, err)
	}
	return nil
}
