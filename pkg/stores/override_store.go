package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opengavel/gavel/pkg/override"
)

// OverrideStore persists override requests in SQLite, keyed by request
// id. It satisfies override.Store, so the registry can run on either
// the in-memory store or this one unchanged.
type OverrideStore struct {
	db *sql.DB
}

// Put inserts or replaces a request.
func (s *OverrideStore) Put(ctx context.Context, req *override.Request) error {
	approvals, err := json.Marshal(req.Approvals)
	if err != nil {
		return fmt.Errorf("failed to encode approvals: %w", err)
	}

	query := `
		INSERT INTO override_requests (
			id, subject_ref, requestor, justification, created_at,
			expires_at, approvals, required_approvals, status, consumed_log_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			approvals = excluded.approvals,
			status = excluded.status,
			consumed_log_id = excluded.consumed_log_id
	`

	_, err = s.db.ExecContext(ctx, query,
		req.ID,
		req.SubjectRef,
		req.Requestor,
		req.Justification,
		fmtTime(req.CreatedAt),
		fmtTime(req.ExpiresAt),
		string(approvals),
		req.RequiredApprovals,
		string(req.Status),
		req.ConsumedLogID,
	)
	if err != nil {
		return fmt.Errorf("failed to persist override request: %w", err)
	}
	return nil
}

// Get retrieves a request by id.
func (s *OverrideStore) Get(ctx context.Context, id string) (*override.Request, error) {
	query := `
		SELECT id, subject_ref, requestor, justification, created_at,
		       expires_at, approvals, required_approvals, status, consumed_log_id
		FROM override_requests
		WHERE id = ?
	`
	req, err := scanRequest(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, override.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get override request: %w", err)
	}
	return req, nil
}

// List returns all requests ordered by creation time.
func (s *OverrideStore) List(ctx context.Context) ([]*override.Request, error) {
	query := `
		SELECT id, subject_ref, requestor, justification, created_at,
		       expires_at, approvals, required_approvals, status, consumed_log_id
		FROM override_requests
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list override requests: %w", err)
	}
	defer rows.Close()

	reqs := []*override.Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan override request: %w", err)
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating override requests: %w", err)
	}
	return reqs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*override.Request, error) {
	var (
		req       override.Request
		createdAt string
		expiresAt string
		approvals string
		status    string
	)
	err := row.Scan(
		&req.ID,
		&req.SubjectRef,
		&req.Requestor,
		&req.Justification,
		&createdAt,
		&expiresAt,
		&approvals,
		&req.RequiredApprovals,
		&status,
		&req.ConsumedLogID,
	)
	if err != nil {
		return nil, err
	}

	if req.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at: %w", err)
	}
	if req.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("bad expires_at: %w", err)
	}
	if err := json.Unmarshal([]byte(approvals), &req.Approvals); err != nil {
		return nil, fmt.Errorf("bad approvals payload: %w", err)
	}
	req.Status = override.Status(status)
	return &req, nil
}
