package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"certline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

// --- users ---

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,name,email,position,status,created_at,updated_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		u.ID, u.Name, nullable(u.Email), nullable(u.Position), u.Status, u.CreatedAt, u.UpdatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,COALESCE(email,''),COALESCE(position,''),status,created_at,updated_at FROM users WHERE id=$1`, id)
	var u domain.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Position, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(email,''),COALESCE(position,''),status,created_at,updated_at FROM users ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Position, &u.Status, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) UpdateUser(ctx context.Context, id string, name, email, position, status *string, now string) error {
	var (
		fields []string
		args   []any
	)
	n := 0
	add := func(col string, v any) {
		n++
		fields = append(fields, fmt.Sprintf("%s=$%d", col, n))
		args = append(args, v)
	}
	if name != nil {
		add("name", *name)
	}
	if email != nil {
		add("email", nullablePtr(email))
	}
	if position != nil {
		add("position", nullablePtr(position))
	}
	if status != nil {
		add("status", *status)
	}
	if len(fields) == 0 {
		return nil
	}
	add("updated_at", now)
	n++
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE users SET %s WHERE id=$%d`, strings.Join(fields, ","), n), args...)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteUser(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- workflow configurations ---

// UpsertWorkflow stores the configuration JSON keyed by certificate type.
func (r Repo) UpsertWorkflow(ctx context.Context, tx *sql.Tx, wf domain.Workflow, now string) error {
	payload, err := json.Marshal(wf)
	if err != nil {
		return err
	}
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err = exec(ctx, `INSERT INTO workflow_configs(certificate_type,config_json,created_at,updated_at) VALUES ($1,$2,$3,$4)
ON CONFLICT(certificate_type) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`,
		wf.CertificateType, string(payload), now, now)
	return err
}

// GetWorkflow is a read-through lookup; there is deliberately no in-process
// cache so administrator edits take effect immediately.
func (r Repo) GetWorkflow(ctx context.Context, certificateType string) (domain.Workflow, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM workflow_configs WHERE certificate_type=$1`, certificateType).Scan(&payload)
	if err == sql.ErrNoRows {
		return domain.Workflow{}, ErrNotFound
	}
	if err != nil {
		return domain.Workflow{}, err
	}
	var wf domain.Workflow
	if err := json.Unmarshal([]byte(payload), &wf); err != nil {
		return domain.Workflow{}, err
	}
	if wf.CertificateType == "" {
		wf.CertificateType = certificateType
	}
	return wf, nil
}

func (r Repo) ListWorkflows(ctx context.Context) ([]domain.Workflow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT config_json FROM workflow_configs ORDER BY certificate_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workflow
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var wf domain.Workflow
		if err := json.Unmarshal([]byte(payload), &wf); err != nil {
			return nil, err
		}
		res = append(res, wf)
	}
	return res, rows.Err()
}

// --- requests ---

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO requests(reference_no,certificate_type,status,applicant_name,payload_json,created_at,updated_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		req.ReferenceNo, req.CertificateType, req.Status, req.ApplicantName, nullablePtr(req.PayloadJSON), req.CreatedAt, req.UpdatedAt)
	return err
}

func scanRequest(scan func(dest ...any) error) (domain.Request, error) {
	var req domain.Request
	var payload, resolved sql.NullString
	err := scan(&req.ReferenceNo, &req.CertificateType, &req.Status, &req.ApplicantName, &payload, &req.CreatedAt, &req.UpdatedAt, &resolved)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	if payload.Valid {
		req.PayloadJSON = &payload.String
	}
	if resolved.Valid {
		req.ResolvedAt = &resolved.String
	}
	return req, nil
}

const requestColumns = `reference_no,certificate_type,status,applicant_name,payload_json,created_at,updated_at,resolved_at`

func (r Repo) GetRequest(ctx context.Context, referenceNo string) (domain.Request, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE reference_no=$1`, referenceNo)
	return scanRequest(row.Scan)
}

func (r Repo) ListRequests(ctx context.Context, certificateType, status string, limit int) ([]domain.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests`
	var (
		clauses []string
		args    []any
	)
	if certificateType != "" {
		args = append(args, certificateType)
		clauses = append(clauses, fmt.Sprintf("certificate_type=$%d", len(args)))
	}
	if status != "" {
		args = append(args, status)
		clauses = append(clauses, fmt.Sprintf("status=$%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, reference_no DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// ListOpenRequests returns requests not in a terminal state, for the
// reconciliation sweep.
func (r Repo) ListOpenRequests(ctx context.Context) ([]domain.Request, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE status NOT IN ($1,$2) ORDER BY created_at`,
		domain.StatusCompleted, domain.StatusRejected)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// SwapRequestStatus advances a request from an expected status to a new one.
// The guard on the old status makes concurrent advancement race-safe: only
// one caller observes an affected row.
func (r Repo) SwapRequestStatus(ctx context.Context, tx *sql.Tx, referenceNo, fromStatus, toStatus, now string, resolvedAt *string) (bool, error) {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `UPDATE requests SET status=$1, updated_at=$2, resolved_at=$3 WHERE reference_no=$4 AND status=$5`,
		toStatus, now, nullablePtr(resolvedAt), referenceNo, fromStatus)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountRequestsByStatus summarizes the queue for status displays.
func (r Repo) CountRequestsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(1) FROM requests GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// NowRFC3339 formats a timestamp the way every table stores it.
func NowRFC3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
