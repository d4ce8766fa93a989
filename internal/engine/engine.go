package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"certline/internal/config"
	"certline/internal/domain"
	"certline/internal/engine/auth"
	"certline/internal/ledger"
	"certline/internal/repo"
)

// Engine is the only writer of request status, assignment state and the
// history ledger. Everything else reads.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger ledger.Writer
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Ledger: ledger.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return repo.NowRFC3339(e.now())
}

// Workflow loads the configuration for a certificate type. Read-through on
// every call; administrator edits take effect immediately.
func (e Engine) Workflow(ctx context.Context, certificateType string) (domain.Workflow, error) {
	wf, err := e.Repo.GetWorkflow(ctx, certificateType)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Workflow{}, fmt.Errorf("%w: %s", ErrConfigMissing, certificateType)
	}
	return wf, err
}

// ImportWorkflow validates and stores a workflow configuration. Users named
// in step assignments are created on the fly if absent; a disabled user is
// rejected.
func (e Engine) ImportWorkflow(ctx context.Context, wf domain.Workflow) (domain.Workflow, error) {
	if err := config.ValidateWorkflow(wf); err != nil {
		return domain.Workflow{}, err
	}
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()
	for _, step := range wf.Steps {
		for _, userID := range step.AssignedUsers {
			u, err := e.Repo.GetUser(ctx, userID)
			if errors.Is(err, repo.ErrNotFound) {
				if err := e.ensureUser(ctx, tx, userID, now); err != nil {
					return domain.Workflow{}, err
				}
				continue
			}
			if err != nil {
				return domain.Workflow{}, err
			}
			if u.Status == "disabled" {
				return domain.Workflow{}, fmt.Errorf("workflow %s: step %d assigns disabled user %s", wf.CertificateType, step.ID, userID)
			}
		}
	}
	if wf.CreatedAt == "" {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	if err := e.Repo.UpsertWorkflow(ctx, tx, wf, now); err != nil {
		return domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	return wf, nil
}

func (e Engine) ensureUser(ctx context.Context, tx *sql.Tx, userID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO users(id,name,status,created_at,updated_at) VALUES ($1,$2,$3,$4,$5) ON CONFLICT(id) DO NOTHING`,
		userID, userID, "active", now, now)
	return err
}

// UserCreateOptions are parameters for creating an employee account.
type UserCreateOptions struct {
	ID       string
	Name     string
	Email    string
	Position string
	Roles    []string
}

func (e Engine) CreateUser(ctx context.Context, opts UserCreateOptions) (domain.User, error) {
	if opts.ID == "" {
		return domain.User{}, errors.New("id is required")
	}
	if opts.Name == "" {
		return domain.User{}, errors.New("name is required")
	}
	now := e.nowString()
	u := domain.User{
		ID:        opts.ID,
		Name:      opts.Name,
		Email:     opts.Email,
		Position:  opts.Position,
		Status:    "active",
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO users(id,name,email,position,status,created_at,updated_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		u.ID, u.Name, optionalSQL(u.Email), optionalSQL(u.Position), u.Status, u.CreatedAt, u.UpdatedAt); err != nil {
		return domain.User{}, err
	}
	for _, role := range opts.Roles {
		if err := e.Repo.AssignRole(ctx, tx, u.ID, role); err != nil {
			return domain.User{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func optionalSQL(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// RequestCreateOptions are parameters for submitting a certificate request.
type RequestCreateOptions struct {
	ReferenceNo     string
	CertificateType string
	ApplicantName   string
	Payload         map[string]any
	ActorID         string
}

// CreateRequest routes a new certificate request onto its workflow: the
// request starts at step 0's status label with one pending assignment per
// assigned approver, and a submit row in the ledger. Nothing persists when
// no workflow is configured for the type.
func (e Engine) CreateRequest(ctx context.Context, opts RequestCreateOptions) (domain.Request, error) {
	if opts.CertificateType == "" {
		return domain.Request{}, errors.New("certificate_type is required")
	}
	if opts.ApplicantName == "" {
		return domain.Request{}, errors.New("applicant_name is required")
	}
	wf, err := e.Workflow(ctx, opts.CertificateType)
	if err != nil {
		return domain.Request{}, err
	}
	first := wf.FirstStep()
	now := e.nowString()
	ref := opts.ReferenceNo
	if ref == "" {
		ref = newReferenceNo(opts.CertificateType, e.now())
	}
	var payloadJSON *string
	if len(opts.Payload) > 0 {
		b, err := json.Marshal(opts.Payload)
		if err != nil {
			return domain.Request{}, fmt.Errorf("marshal payload: %w", err)
		}
		s := string(b)
		payloadJSON = &s
	}
	req := domain.Request{
		ReferenceNo:     ref,
		CertificateType: opts.CertificateType,
		Status:          first.Status,
		ApplicantName:   opts.ApplicantName,
		PayloadJSON:     payloadJSON,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRequest(ctx, tx, req); err != nil {
		return domain.Request{}, err
	}
	if err := e.createStepAssignments(ctx, tx, ref, first, now); err != nil {
		return domain.Request{}, err
	}
	if _, err := e.Ledger.Append(ctx, tx, domain.HistoryEntry{
		RequestRef:     ref,
		StepID:         first.ID,
		StepName:       first.Name,
		Action:         domain.ActionSubmit,
		ActorID:        actorOrApplicant(opts.ActorID, opts.ApplicantName),
		PreviousStatus: "",
		NewStatus:      first.Status,
	}); err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	return req, nil
}

func actorOrApplicant(actorID, applicant string) string {
	if actorID != "" {
		return actorID
	}
	return applicant
}

func newReferenceNo(certificateType string, t time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("BRGY-%s-%s", t.UTC().Format("20060102"), suffix)
}

func (e Engine) createStepAssignments(ctx context.Context, tx *sql.Tx, requestRef string, step domain.Step, now string) error {
	for _, userID := range step.AssignedUsers {
		created, err := e.Repo.InsertPendingAssignment(ctx, tx, domain.Assignment{
			ID:         uuid.NewString(),
			RequestRef: requestRef,
			StepID:     step.ID,
			UserID:     userID,
			CreatedAt:  now,
		})
		if err != nil {
			return err
		}
		_ = created // an existing pending row is fine; never duplicate it
	}
	return nil
}

// ActionOptions are parameters for recording an approver's action.
type ActionOptions struct {
	RequestRef string
	StepID     int
	ActorID    string
	Action     string
	Comment    string
}

// RecordAction applies one approve/return/reject action. The actor must hold
// a pending assignment for the step; races between approvers resolve through
// the guarded assignment update, so at most one caller appends history and
// materializes the next step. A step is satisfied once any one assigned
// approver acts.
func (e Engine) RecordAction(ctx context.Context, opts ActionOptions) (domain.Request, error) {
	switch opts.Action {
	case domain.ActionApprove, domain.ActionReturn, domain.ActionReject:
	default:
		return domain.Request{}, fmt.Errorf("invalid action %q", opts.Action)
	}
	if opts.ActorID == "" {
		return domain.Request{}, errors.New("actor_id is required")
	}
	req, err := e.Repo.GetRequest(ctx, opts.RequestRef)
	if err != nil {
		return domain.Request{}, err
	}
	if domain.IsTerminal(req.Status) {
		return req, fmt.Errorf("%w: request %s is %s", ErrAlreadyResolved, req.ReferenceNo, req.Status)
	}
	wf, err := e.Workflow(ctx, req.CertificateType)
	if err != nil {
		return req, err
	}
	step, idx, ok := wf.StepByID(opts.StepID)
	if !ok {
		return req, fmt.Errorf("invalid step %d for certificate type %s", opts.StepID, req.CertificateType)
	}
	if _, err := e.Repo.GetPendingAssignment(ctx, req.ReferenceNo, step.ID, opts.ActorID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Distinguish a stale replay from an actor who was never
			// assigned: if the request moved off this step the action was
			// already applied by someone.
			if req.Status != step.Status {
				return req, fmt.Errorf("%w: step %d already resolved", ErrAlreadyResolved, step.ID)
			}
			return req, fmt.Errorf("%w: user %s on step %d", ErrNotAuthorizedForStep, opts.ActorID, step.ID)
		}
		return req, err
	}
	if req.Status != step.Status {
		return req, fmt.Errorf("%w: request is at %s, not %s", ErrAlreadyResolved, req.Status, step.Status)
	}

	var (
		newStatus string
		nextStep  *domain.Step
	)
	switch opts.Action {
	case domain.ActionApprove:
		if idx == len(wf.Steps)-1 {
			newStatus = domain.StatusCompleted
		} else {
			next := wf.Steps[idx+1]
			newStatus = next.Status
			nextStep = &next
		}
	case domain.ActionReturn:
		first := wf.FirstStep()
		newStatus = first.Status
		nextStep = &first
	case domain.ActionReject:
		newStatus = domain.StatusRejected
	}

	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return req, err
	}
	defer tx.Rollback()

	resolved, err := e.Repo.ResolveStepAssignments(ctx, tx, req.ReferenceNo, step.ID, now)
	if err != nil {
		return req, err
	}
	if resolved == 0 {
		return req, fmt.Errorf("%w: step %d already resolved", ErrAlreadyResolved, step.ID)
	}
	var resolvedAt *string
	if domain.IsTerminal(newStatus) {
		resolvedAt = &now
	}
	swapped, err := e.Repo.SwapRequestStatus(ctx, tx, req.ReferenceNo, step.Status, newStatus, now, resolvedAt)
	if err != nil {
		return req, err
	}
	if !swapped {
		return req, fmt.Errorf("%w: request moved off %s", ErrAlreadyResolved, step.Status)
	}
	// Guards confirmed this caller owns the transition; only now touch the
	// ledger.
	if _, err := e.Ledger.Append(ctx, tx, domain.HistoryEntry{
		RequestRef:     req.ReferenceNo,
		StepID:         step.ID,
		StepName:       step.Name,
		Action:         opts.Action,
		ActorID:        opts.ActorID,
		PreviousStatus: step.Status,
		NewStatus:      newStatus,
		Comment:        opts.Comment,
	}); err != nil {
		return req, err
	}
	if nextStep != nil {
		if err := e.createStepAssignments(ctx, tx, req.ReferenceNo, *nextStep, now); err != nil {
			return req, err
		}
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}

	req.Status = newStatus
	req.UpdatedAt = now
	req.ResolvedAt = resolvedAt
	return req, nil
}

// ListPendingForUser returns the user's open assignments with request
// summaries and step names. Pure read.
func (e Engine) ListPendingForUser(ctx context.Context, userID string) ([]domain.PendingItem, error) {
	if userID == "" {
		return nil, errors.New("user_id is required")
	}
	items, err := e.Repo.ListPendingForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	workflows := map[string]domain.Workflow{}
	for i, item := range items {
		wf, ok := workflows[item.Request.CertificateType]
		if !ok {
			wf, err = e.Repo.GetWorkflow(ctx, item.Request.CertificateType)
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return nil, err
			}
			workflows[item.Request.CertificateType] = wf
		}
		if step, _, ok := wf.StepByID(item.Assignment.StepID); ok {
			items[i].StepName = step.Name
		}
	}
	return items, nil
}

// IsAssigned reports whether the user holds a pending assignment anywhere on
// the request, with the assignment detail when present. Pure read.
func (e Engine) IsAssigned(ctx context.Context, userID, requestRef string) (bool, domain.Assignment, error) {
	a, err := e.Repo.GetPendingForUserOnRequest(ctx, userID, requestRef)
	if errors.Is(err, repo.ErrNotFound) {
		return false, domain.Assignment{}, nil
	}
	if err != nil {
		return false, domain.Assignment{}, err
	}
	return true, a, nil
}

// SeedFromConfig loads workflows and RBAC grants from certline.yml into the
// store. Existing workflow rows are overwritten; grants are additive.
func (e Engine) SeedFromConfig(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config not loaded")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	for certType, def := range cfg.Workflows {
		if _, err := e.ImportWorkflow(ctx, def.Workflow(certType)); err != nil {
			return err
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for roleID, role := range cfg.RBAC.Roles {
		if err := e.Repo.InsertRole(ctx, tx, roleID, role.Description); err != nil {
			return err
		}
		for _, perm := range role.Permissions {
			if err := e.Repo.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return err
			}
		}
	}
	now := e.nowString()
	for userID, roles := range cfg.RBAC.Assignments {
		if err := e.ensureUser(ctx, tx, userID, now); err != nil {
			return err
		}
		for _, roleID := range roles {
			if err := e.Repo.AssignRole(ctx, tx, userID, roleID); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}
