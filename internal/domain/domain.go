package domain

// Request statuses that do not map to a workflow step.
const (
	StatusCompleted = "completed"
	StatusRejected  = "rejected"
)

// Assignment statuses.
const (
	AssignmentPending   = "pending"
	AssignmentCompleted = "completed"
)

// Actions recorded in the history ledger.
const (
	ActionSubmit  = "submit"
	ActionApprove = "approve"
	ActionReturn  = "return"
	ActionReject  = "reject"
)

// IsTerminal reports whether a request status admits no further actions.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusRejected
}

type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Position  string `json:"position,omitempty"`
	Status    string `json:"status" enum:"active,disabled"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Step is one stage of a certificate workflow. Array order in Workflow.Steps
// is approval order.
type Step struct {
	ID               int      `json:"id"`
	Name             string   `json:"name"`
	Status           string   `json:"status"`
	AssignedUsers    []string `json:"assigned_users"`
	RequiresApproval bool     `json:"requires_approval"`
}

// Workflow is the ordered approval path for one certificate type.
type Workflow struct {
	CertificateType string `json:"certificate_type"`
	Steps           []Step `json:"steps"`
	CreatedAt       string `json:"created_at,omitempty" format:"date-time"`
	UpdatedAt       string `json:"updated_at,omitempty" format:"date-time"`
}

// FirstStep returns the intake step. Config validation guarantees at least
// one step, so this never sees an empty workflow.
func (w Workflow) FirstStep() Step {
	return w.Steps[0]
}

// StepByID returns the step with the given id and its position.
func (w Workflow) StepByID(id int) (Step, int, bool) {
	for i, s := range w.Steps {
		if s.ID == id {
			return s, i, true
		}
	}
	return Step{}, -1, false
}

// StepByStatus returns the step carrying the given status label.
func (w Workflow) StepByStatus(status string) (Step, int, bool) {
	for i, s := range w.Steps {
		if s.Status == status {
			return s, i, true
		}
	}
	return Step{}, -1, false
}

// Request is a citizen's certificate request routed through a workflow.
type Request struct {
	ReferenceNo     string  `json:"reference_no"`
	CertificateType string  `json:"certificate_type"`
	Status          string  `json:"status"`
	ApplicantName   string  `json:"applicant_name"`
	PayloadJSON     *string `json:"payload_json,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
	ResolvedAt      *string `json:"resolved_at,omitempty" format:"date-time"`
}

// Assignment is one approver's open or resolved task on one step of one
// request. At most one pending row exists per (request, step, user).
type Assignment struct {
	ID         string  `json:"id"`
	RequestRef string  `json:"request_ref"`
	StepID     int     `json:"step_id"`
	UserID     string  `json:"user_id"`
	Status     string  `json:"status" enum:"pending,completed"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	ResolvedAt *string `json:"resolved_at,omitempty" format:"date-time"`
}

// HistoryEntry is one append-only ledger row recording a status transition.
type HistoryEntry struct {
	ID             string `json:"id"`
	RequestRef     string `json:"request_ref"`
	StepID         int    `json:"step_id"`
	StepName       string `json:"step_name"`
	Action         string `json:"action" enum:"submit,approve,return,reject"`
	ActorID        string `json:"actor_id"`
	PreviousStatus string `json:"previous_status"`
	NewStatus      string `json:"new_status"`
	Comment        string `json:"comment,omitempty"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

// PendingItem pairs a pending assignment with its request summary and step
// info for inbox listings.
type PendingItem struct {
	Assignment Assignment `json:"assignment"`
	Request    Request    `json:"request"`
	StepName   string     `json:"step_name"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
