package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opengavel/gavel/pkg/auditlog"
)

// DecisionStore mirrors the decision log chain into SQLite for
// querying and chain resumption. The JSONL stream remains the
// authoritative audit artifact; this mirror makes "what was the last
// chain hash" and ad-hoc inspection cheap.
type DecisionStore struct {
	db *sql.DB
}

// Append stores one record at the given 0-based chain index.
func (s *DecisionStore) Append(ctx context.Context, index int, rec *auditlog.Record) error {
	query := `
		INSERT INTO decision_records (idx, key_id, payload, signature, chain_hash, appended_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		index,
		rec.KeyID,
		string(rec.Payload),
		rec.Signature,
		rec.ChainHash,
		fmtTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to mirror decision record %d: %w", index, err)
	}
	return nil
}

// Last returns the chain hash and count of the most recent record. A
// fresh store resumes from the genesis value with count zero.
func (s *DecisionStore) Last(ctx context.Context) (string, int, error) {
	query := `SELECT idx, chain_hash FROM decision_records ORDER BY idx DESC LIMIT 1`

	var idx int
	var hash string
	err := s.db.QueryRowContext(ctx, query).Scan(&idx, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return auditlog.GenesisHash, 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to read last decision record: %w", err)
	}
	return hash, idx + 1, nil
}

// List returns all mirrored records in chain order.
func (s *DecisionStore) List(ctx context.Context) ([]auditlog.Record, error) {
	query := `SELECT key_id, payload, signature, chain_hash FROM decision_records ORDER BY idx ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list decision records: %w", err)
	}
	defer rows.Close()

	records := []auditlog.Record{}
	for rows.Next() {
		var rec auditlog.Record
		var payload string
		if err := rows.Scan(&rec.KeyID, &payload, &rec.Signature, &rec.ChainHash); err != nil {
			return nil, fmt.Errorf("failed to scan decision record: %w", err)
		}
		rec.Payload = json.RawMessage(payload)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating decision records: %w", err)
	}
	return records, nil
}
