package server

import (
	"encoding/json"

	"certline/internal/domain"
)

// Request payloads

type CreateUserRequest struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Email    *string  `json:"email,omitempty"`
	Position *string  `json:"position,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

type UpdateUserRequest struct {
	Name     *string `json:"name,omitempty"`
	Email    *string `json:"email,omitempty"`
	Position *string `json:"position,omitempty"`
	Status   *string `json:"status,omitempty" enum:"active,disabled"`
}

type ImportWorkflowRequest struct {
	CertificateType string            `json:"certificate_type"`
	Steps           []WorkflowStepDTO `json:"steps"`
}

type WorkflowStepDTO struct {
	ID               int      `json:"id"`
	Name             string   `json:"name"`
	Status           string   `json:"status"`
	AssignedUsers    []string `json:"assigned_users"`
	RequiresApproval bool     `json:"requires_approval"`
}

type CreateRequestRequest struct {
	ReferenceNo     *string        `json:"reference_no,omitempty"`
	CertificateType string         `json:"certificate_type"`
	ApplicantName   string         `json:"applicant_name"`
	Payload         map[string]any `json:"payload,omitempty"`
}

type RecordActionRequest struct {
	StepID  int    `json:"step_id"`
	Action  string `json:"action" enum:"approve,return,reject"`
	Comment string `json:"comment,omitempty"`
}

type CreateAPIKeyRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles,omitempty"`
}

// Responses

type UserResponse struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Email     string   `json:"email,omitempty"`
	Position  string   `json:"position,omitempty"`
	Status    string   `json:"status"`
	Roles     []string `json:"roles,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
	UpdatedAt string   `json:"updated_at" format:"date-time"`
}

type WorkflowResponse struct {
	CertificateType string            `json:"certificate_type"`
	Steps           []WorkflowStepDTO `json:"steps"`
	CreatedAt       string            `json:"created_at,omitempty" format:"date-time"`
	UpdatedAt       string            `json:"updated_at,omitempty" format:"date-time"`
}

type RequestResponse struct {
	ReferenceNo     string         `json:"reference_no"`
	CertificateType string         `json:"certificate_type"`
	Status          string         `json:"status"`
	ApplicantName   string         `json:"applicant_name"`
	Payload         map[string]any `json:"payload,omitempty"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
	UpdatedAt       string         `json:"updated_at" format:"date-time"`
	ResolvedAt      *string        `json:"resolved_at,omitempty" format:"date-time"`
}

type AssignmentResponse struct {
	ID         string  `json:"id"`
	RequestRef string  `json:"request_ref"`
	StepID     int     `json:"step_id"`
	UserID     string  `json:"user_id"`
	Status     string  `json:"status"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	ResolvedAt *string `json:"resolved_at,omitempty" format:"date-time"`
}

type HistoryEntryResponse struct {
	ID             string `json:"id"`
	RequestRef     string `json:"request_ref"`
	StepID         int    `json:"step_id"`
	StepName       string `json:"step_name,omitempty"`
	Action         string `json:"action"`
	ActorID        string `json:"actor_id"`
	PreviousStatus string `json:"previous_status,omitempty"`
	NewStatus      string `json:"new_status"`
	Comment        string `json:"comment,omitempty"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type PendingItemResponse struct {
	Assignment AssignmentResponse `json:"assignment"`
	Request    RequestResponse    `json:"request"`
	StepName   string             `json:"step_name,omitempty"`
}

type AssignmentCheckResponse struct {
	Assigned   bool                `json:"assigned"`
	Assignment *AssignmentResponse `json:"assignment,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type WhoAmIResponse struct {
	UserID      string   `json:"user_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Mappers

func userResponse(u domain.User, roles []string) UserResponse {
	return UserResponse{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		Position:  u.Position,
		Status:    u.Status,
		Roles:     roles,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

func workflowResponse(wf domain.Workflow) WorkflowResponse {
	res := WorkflowResponse{
		CertificateType: wf.CertificateType,
		Steps:           []WorkflowStepDTO{},
		CreatedAt:       wf.CreatedAt,
		UpdatedAt:       wf.UpdatedAt,
	}
	for _, s := range wf.Steps {
		res.Steps = append(res.Steps, WorkflowStepDTO{
			ID:               s.ID,
			Name:             s.Name,
			Status:           s.Status,
			AssignedUsers:    nonNilSlice(s.AssignedUsers),
			RequiresApproval: s.RequiresApproval,
		})
	}
	return res
}

func workflowFromImport(req ImportWorkflowRequest) domain.Workflow {
	wf := domain.Workflow{CertificateType: req.CertificateType}
	for _, s := range req.Steps {
		wf.Steps = append(wf.Steps, domain.Step{
			ID:               s.ID,
			Name:             s.Name,
			Status:           s.Status,
			AssignedUsers:    s.AssignedUsers,
			RequiresApproval: s.RequiresApproval,
		})
	}
	return wf
}

func requestResponse(req domain.Request) RequestResponse {
	res := RequestResponse{
		ReferenceNo:     req.ReferenceNo,
		CertificateType: req.CertificateType,
		Status:          req.Status,
		ApplicantName:   req.ApplicantName,
		CreatedAt:       req.CreatedAt,
		UpdatedAt:       req.UpdatedAt,
		ResolvedAt:      req.ResolvedAt,
	}
	if req.PayloadJSON != nil && *req.PayloadJSON != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(*req.PayloadJSON), &payload); err == nil {
			res.Payload = payload
		}
	}
	return res
}

func assignmentResponse(a domain.Assignment) AssignmentResponse {
	return AssignmentResponse{
		ID:         a.ID,
		RequestRef: a.RequestRef,
		StepID:     a.StepID,
		UserID:     a.UserID,
		Status:     a.Status,
		CreatedAt:  a.CreatedAt,
		ResolvedAt: a.ResolvedAt,
	}
}

func historyResponse(h domain.HistoryEntry) HistoryEntryResponse {
	return HistoryEntryResponse{
		ID:             h.ID,
		RequestRef:     h.RequestRef,
		StepID:         h.StepID,
		StepName:       h.StepName,
		Action:         h.Action,
		ActorID:        h.ActorID,
		PreviousStatus: h.PreviousStatus,
		NewStatus:      h.NewStatus,
		Comment:        h.Comment,
		CreatedAt:      h.CreatedAt,
	}
}

func pendingItemResponse(item domain.PendingItem) PendingItemResponse {
	return PendingItemResponse{
		Assignment: assignmentResponse(item.Assignment),
		Request:    requestResponse(item.Request),
		StepName:   item.StepName,
	}
}

func mapRequests(items []domain.Request) []RequestResponse {
	res := make([]RequestResponse, 0, len(items))
	for _, r := range items {
		res = append(res, requestResponse(r))
	}
	return res
}

func mapHistory(items []domain.HistoryEntry) []HistoryEntryResponse {
	res := make([]HistoryEntryResponse, 0, len(items))
	for _, h := range items {
		res = append(res, historyResponse(h))
	}
	return res
}

func mapPendingItems(items []domain.PendingItem) []PendingItemResponse {
	res := make([]PendingItemResponse, 0, len(items))
	for _, it := range items {
		res = append(res, pendingItemResponse(it))
	}
	return res
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
