package repo

import (
	"context"
	"database/sql"

	"certline/internal/domain"
)

const assignmentColumns = `id,request_ref,step_id,user_id,status,created_at,resolved_at`

func scanAssignment(scan func(dest ...any) error) (domain.Assignment, error) {
	var a domain.Assignment
	var resolved sql.NullString
	err := scan(&a.ID, &a.RequestRef, &a.StepID, &a.UserID, &a.Status, &a.CreatedAt, &resolved)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if resolved.Valid {
		a.ResolvedAt = &resolved.String
	}
	return a, nil
}

// InsertPendingAssignment creates a pending row for (request, step, user)
// unless one already exists. The NOT EXISTS guard runs in the same statement,
// so concurrent writers cannot produce duplicates. Reports whether a row was
// created.
func (r Repo) InsertPendingAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) (bool, error) {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `INSERT INTO assignments(id,request_ref,step_id,user_id,status,created_at)
SELECT $1,$2,$3,$4,$5,$6
WHERE NOT EXISTS (
  SELECT 1 FROM assignments WHERE request_ref=$7 AND step_id=$8 AND user_id=$9 AND status=$10
)`,
		a.ID, a.RequestRef, a.StepID, a.UserID, domain.AssignmentPending, a.CreatedAt,
		a.RequestRef, a.StepID, a.UserID, domain.AssignmentPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ResolveStepAssignments marks every pending assignment for (request, step)
// completed. The status guard decides races: the caller that observes
// affected rows owns the transition; a zero count means somebody else
// already resolved the step.
func (r Repo) ResolveStepAssignments(ctx context.Context, tx *sql.Tx, requestRef string, stepID int, now string) (int64, error) {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `UPDATE assignments SET status=$1, resolved_at=$2 WHERE request_ref=$3 AND step_id=$4 AND status=$5`,
		domain.AssignmentCompleted, now, requestRef, stepID, domain.AssignmentPending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResolveRequestAssignments clears every pending assignment on a request,
// regardless of step. Used by the reconciliation sweep for requests that
// reached a terminal state with dangling pending rows.
func (r Repo) ResolveRequestAssignments(ctx context.Context, requestRef string, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE assignments SET status=$1, resolved_at=$2 WHERE request_ref=$3 AND status=$4`,
		domain.AssignmentCompleted, now, requestRef, domain.AssignmentPending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetPendingAssignment returns the pending row held by one user on one step.
func (r Repo) GetPendingAssignment(ctx context.Context, requestRef string, stepID int, userID string) (domain.Assignment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE request_ref=$1 AND step_id=$2 AND user_id=$3 AND status=$4 LIMIT 1`,
		requestRef, stepID, userID, domain.AssignmentPending)
	return scanAssignment(row.Scan)
}

// GetPendingForUserOnRequest returns any pending row a user holds on a
// request, whatever the step.
func (r Repo) GetPendingForUserOnRequest(ctx context.Context, userID, requestRef string) (domain.Assignment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE user_id=$1 AND request_ref=$2 AND status=$3 LIMIT 1`,
		userID, requestRef, domain.AssignmentPending)
	return scanAssignment(row.Scan)
}

// ListPendingByRequest returns the open assignments on a request.
func (r Repo) ListPendingByRequest(ctx context.Context, requestRef string) ([]domain.Assignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE request_ref=$1 AND status=$2 ORDER BY step_id, user_id`,
		requestRef, domain.AssignmentPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListPendingForUser joins pending assignments with their request rows for
// inbox listings. Pure read.
func (r Repo) ListPendingForUser(ctx context.Context, userID string) ([]domain.PendingItem, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT a.id, a.request_ref, a.step_id, a.user_id, a.status, a.created_at, a.resolved_at,
       r.reference_no, r.certificate_type, r.status, r.applicant_name, r.payload_json, r.created_at, r.updated_at, r.resolved_at
FROM assignments a
JOIN requests r ON r.reference_no = a.request_ref
WHERE a.user_id=$1 AND a.status=$2
ORDER BY a.created_at, a.id`, userID, domain.AssignmentPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PendingItem
	for rows.Next() {
		var item domain.PendingItem
		var aResolved, payload, rResolved sql.NullString
		err := rows.Scan(
			&item.Assignment.ID, &item.Assignment.RequestRef, &item.Assignment.StepID, &item.Assignment.UserID,
			&item.Assignment.Status, &item.Assignment.CreatedAt, &aResolved,
			&item.Request.ReferenceNo, &item.Request.CertificateType, &item.Request.Status, &item.Request.ApplicantName,
			&payload, &item.Request.CreatedAt, &item.Request.UpdatedAt, &rResolved,
		)
		if err != nil {
			return nil, err
		}
		if aResolved.Valid {
			item.Assignment.ResolvedAt = &aResolved.String
		}
		if payload.Valid {
			item.Request.PayloadJSON = &payload.String
		}
		if rResolved.Valid {
			item.Request.ResolvedAt = &rResolved.String
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

// ListTerminalRequestRefsWithPending finds completed or rejected requests
// that still carry pending assignments, left over from interrupted
// transitions or manual data edits.
func (r Repo) ListTerminalRequestRefsWithPending(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT DISTINCT r.reference_no
FROM requests r
JOIN assignments a ON a.request_ref = r.reference_no AND a.status=$1
WHERE r.status IN ($2,$3)
ORDER BY r.reference_no`,
		domain.AssignmentPending, domain.StatusCompleted, domain.StatusRejected)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// --- history ---

// ListHistory returns the append-only ledger for one request in transition
// order.
func (r Repo) ListHistory(ctx context.Context, requestRef string) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,request_ref,step_id,step_name,action,actor_id,previous_status,new_status,COALESCE(comment,''),created_at
FROM history WHERE request_ref=$1 ORDER BY created_at, id`, requestRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		if err := rows.Scan(&h.ID, &h.RequestRef, &h.StepID, &h.StepName, &h.Action, &h.ActorID, &h.PreviousStatus, &h.NewStatus, &h.Comment, &h.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// LatestHistory returns the newest ledger rows across all requests, for the
// log tail command.
func (r Repo) LatestHistory(ctx context.Context, n int) ([]domain.HistoryEntry, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,request_ref,step_id,step_name,action,actor_id,previous_status,new_status,COALESCE(comment,''),created_at
FROM history ORDER BY created_at DESC, id DESC LIMIT $1`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		if err := rows.Scan(&h.ID, &h.RequestRef, &h.StepID, &h.StepName, &h.Action, &h.ActorID, &h.PreviousStatus, &h.NewStatus, &h.Comment, &h.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// CountHistory returns ledger rows for one request, used by tests and the
// reconcile report.
func (r Repo) CountHistory(ctx context.Context, requestRef string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM history WHERE request_ref=$1`, requestRef).Scan(&n)
	return n, err
}
