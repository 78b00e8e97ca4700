package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// KeyRecord is signing key metadata: the id and validity window. The
// secret itself is always re-derived from master key material and is
// never written to the store.
type KeyRecord struct {
	ID        string
	NotBefore time.Time
	NotAfter  time.Time
	Active    bool
}

// KeyStore persists signing key metadata so the keyring can be rebuilt
// across restarts, historical ids included.
type KeyStore struct {
	db *sql.DB
}

// Save inserts or updates a key record. Marking a key active clears
// the flag on every other key.
func (s *KeyStore) Save(ctx context.Context, rec KeyRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if rec.Active {
		if _, err := tx.ExecContext(ctx, `UPDATE signing_keys SET active = 0`); err != nil {
			return fmt.Errorf("failed to clear active flags: %w", err)
		}
	}

	query := `
		INSERT INTO signing_keys (id, not_before, not_after, active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			not_before = excluded.not_before,
			not_after = excluded.not_after,
			active = excluded.active
	`
	active := 0
	if rec.Active {
		active = 1
	}
	if _, err := tx.ExecContext(ctx, query, rec.ID, fmtTime(rec.NotBefore), fmtTime(rec.NotAfter), active); err != nil {
		return fmt.Errorf("failed to persist signing key %q: %w", rec.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit signing key: %w", err)
	}
	return nil
}

// List returns all key records, oldest not_before first.
func (s *KeyStore) List(ctx context.Context) ([]KeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, not_before, not_after, active FROM signing_keys ORDER BY not_before ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list signing keys: %w", err)
	}
	defer rows.Close()

	records := []KeyRecord{}
	for rows.Next() {
		var rec KeyRecord
		var notBefore, notAfter string
		var active int
		if err := rows.Scan(&rec.ID, &notBefore, &notAfter, &active); err != nil {
			return nil, fmt.Errorf("failed to scan signing key: %w", err)
		}
		if rec.NotBefore, err = parseTime(notBefore); err != nil {
			return nil, fmt.Errorf("bad not_before: %w", err)
		}
		if rec.NotAfter, err = parseTime(notAfter); err != nil {
			return nil, fmt.Errorf("bad not_after: %w", err)
		}
		rec.Active = active != 0
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating signing keys: %w", err)
	}
	return records, nil
}
