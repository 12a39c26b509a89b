package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/user/turnstile/internal/types"
)

const approvalColumns = `id, session_id, turn_id, tool_use_id, tool_name, tool_args, status, reason, requested_at, expires_at, resolved_at, resolved_by`

func scanApproval(scanFn func(dest ...any) error) (*types.ApprovalRequest, error) {
	var (
		req                types.ApprovalRequest
		args, status, by   string
		requested, expires int64
		resolved           sql.NullInt64
	)
	if err := scanFn(&req.ID, &req.SessionID, &req.TurnID, &req.ToolUseID, &req.ToolName, &args,
		&status, &req.Reason, &requested, &expires, &resolved, &by); err != nil {
		return nil, err
	}
	req.ToolArgs = json.RawMessage(args)
	req.Status = types.ApprovalStatus(status)
	req.RequestedAt = fromNanos(requested)
	req.ExpiresAt = fromNanos(expires)
	req.ResolvedAt = timePtr(resolved)
	req.ResolvedBy = types.Principal(by)
	return &req, nil
}

// CreateApproval inserts a pending approval request.
func (s *Store) CreateApproval(ctx context.Context, req *types.ApprovalRequest) error {
	args := string(req.ToolArgs)
	if args == "" {
		args = "{}"
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO approvals (id, session_id, turn_id, tool_use_id, tool_name, tool_args, status, requested_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(req.ID), string(req.SessionID), string(req.TurnID), req.ToolUseID, req.ToolName, args,
			string(req.Status), toNanos(req.RequestedAt), toNanos(req.ExpiresAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// GetApproval returns the approval request with the given ID.
func (s *Store) GetApproval(ctx context.Context, id types.ApprovalID) (*types.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, string(id))
	req, err := scanApproval(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return req, nil
}

// CompareAndSetStatus performs the single conditional update that decides an
// approval. Exactly one caller observes true for a given request.
func (s *Store) CompareAndSetStatus(ctx context.Context, id types.ApprovalID, from, to types.ApprovalStatus, by types.Principal, reason string, at time.Time) (bool, error) {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE approvals
			SET status = ?, resolved_at = ?, resolved_by = ?, reason = ?
			WHERE id = ? AND status = ?`,
			string(to), toNanos(at), string(by), reason, string(id), string(from))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("update approval status: %w", err)
	}
	return affected == 1, nil
}

// ListPendingBefore returns pending approvals whose deadline is at or before deadline.
func (s *Store) ListPendingBefore(ctx context.Context, deadline time.Time) ([]*types.ApprovalRequest, error) {
	return s.queryApprovals(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE status = ? AND expires_at <= ? ORDER BY expires_at ASC`,
		string(types.ApprovalPending), toNanos(deadline))
}

// ListApprovals returns every approval raised in a session, oldest first.
func (s *Store) ListApprovals(ctx context.Context, sessionID types.SessionID) ([]*types.ApprovalRequest, error) {
	return s.queryApprovals(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE session_id = ? ORDER BY requested_at ASC`,
		string(sessionID))
}

func (s *Store) queryApprovals(ctx context.Context, query string, args ...any) ([]*types.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	var out []*types.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}
