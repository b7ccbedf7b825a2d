package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TokenRecord is a stored, sealed OAuth token. The store never sees the
// plaintext token.
type TokenRecord struct {
	AccountKey   string
	AccountEmail string
	Sealed       []byte
	UpdatedAt    time.Time
}

// SaveToken inserts or replaces the token row for rec.AccountKey.
func (s *Store) SaveToken(ctx context.Context, rec *TokenRecord) error {
	const q = `
		INSERT INTO oauth_tokens (account_key, account_email, sealed_token, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_key) DO UPDATE SET
		    account_email = excluded.account_email,
		    sealed_token  = excluded.sealed_token,
		    updated_at    = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, q, rec.AccountKey, rec.AccountEmail, rec.Sealed, formatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving token for %q: %w", rec.AccountKey, err)
	}
	return nil
}

// LoadToken returns the token row for accountKey, or (nil, nil) if none is
// stored.
func (s *Store) LoadToken(ctx context.Context, accountKey string) (*TokenRecord, error) {
	const q = `SELECT account_key, account_email, sealed_token, updated_at FROM oauth_tokens WHERE account_key = ?`
	var (
		rec     TokenRecord
		updated string
	)
	err := s.db.QueryRowContext(ctx, q, accountKey).Scan(&rec.AccountKey, &rec.AccountEmail, &rec.Sealed, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("loading token for %q: %w", accountKey, err)
	}
	rec.UpdatedAt, _ = parseTime(updated)
	return &rec, nil
}

// DeleteToken removes the token row. Deleting a missing row is not an error.
func (s *Store) DeleteToken(ctx context.Context, accountKey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE account_key = ?`, accountKey); err != nil {
		return fmt.Errorf("deleting token for %q: %w", accountKey, err)
	}
	return nil
}
