package certlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Certline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Request represents the API request model.
type Request struct {
	ReferenceNo     string         `json:"reference_no"`
	CertificateType string         `json:"certificate_type"`
	Status          string         `json:"status"`
	ApplicantName   string         `json:"applicant_name"`
	Payload         map[string]any `json:"payload,omitempty"`
	CreatedAt       string         `json:"created_at"`
	UpdatedAt       string         `json:"updated_at"`
	ResolvedAt      *string        `json:"resolved_at,omitempty"`
}

// Assignment represents one approver's task on a step.
type Assignment struct {
	ID         string  `json:"id"`
	RequestRef string  `json:"request_ref"`
	StepID     int     `json:"step_id"`
	UserID     string  `json:"user_id"`
	Status     string  `json:"status"`
	CreatedAt  string  `json:"created_at"`
	ResolvedAt *string `json:"resolved_at,omitempty"`
}

// HistoryEntry represents one ledger row.
type HistoryEntry struct {
	ID             string `json:"id"`
	RequestRef     string `json:"request_ref"`
	StepID         int    `json:"step_id"`
	StepName       string `json:"step_name,omitempty"`
	Action         string `json:"action"`
	ActorID        string `json:"actor_id"`
	PreviousStatus string `json:"previous_status,omitempty"`
	NewStatus      string `json:"new_status"`
	Comment        string `json:"comment,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// PendingItem pairs a pending assignment with its request.
type PendingItem struct {
	Assignment Assignment `json:"assignment"`
	Request    Request    `json:"request"`
	StepName   string     `json:"step_name,omitempty"`
}

// AssignmentCheck reports whether the caller is assigned on a request.
type AssignmentCheck struct {
	Assigned   bool        `json:"assigned"`
	Assignment *Assignment `json:"assignment,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRequest submits a certificate request.
func (c *Client) CreateRequest(ctx context.Context, certificateType, applicantName string, payload map[string]any) (Request, error) {
	body := map[string]any{
		"certificate_type": certificateType,
		"applicant_name":   applicantName,
	}
	if payload != nil {
		body["payload"] = payload
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, "v0/requests", body, &resp)
	return resp, err
}

// GetRequest fetches a request by reference number.
func (c *Client) GetRequest(ctx context.Context, referenceNo string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, c.requestPath(referenceNo, ""), nil, &resp)
	return resp, err
}

// RecordAction applies approve/return/reject on a step of a request.
func (c *Client) RecordAction(ctx context.Context, referenceNo string, stepID int, action, comment string) (Request, error) {
	body := map[string]any{
		"step_id": stepID,
		"action":  action,
	}
	if comment != "" {
		body["comment"] = comment
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, c.requestPath(referenceNo, "actions"), body, &resp)
	return resp, err
}

// History returns the request's ledger in transition order.
func (c *Client) History(ctx context.Context, referenceNo string) ([]HistoryEntry, error) {
	var resp []HistoryEntry
	err := c.do(ctx, http.MethodGet, c.requestPath(referenceNo, "history"), nil, &resp)
	return resp, err
}

// Inbox returns the caller's pending assignments.
func (c *Client) Inbox(ctx context.Context) ([]PendingItem, error) {
	var resp []PendingItem
	err := c.do(ctx, http.MethodGet, "v0/inbox", nil, &resp)
	return resp, err
}

// CheckAssignment reports whether the caller holds a pending assignment on a
// request.
func (c *Client) CheckAssignment(ctx context.Context, referenceNo string) (AssignmentCheck, error) {
	var resp AssignmentCheck
	err := c.do(ctx, http.MethodGet, c.requestPath(referenceNo, "assignment"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) requestPath(referenceNo, rest string) string {
	p := fmt.Sprintf("v0/requests/%s", url.PathEscape(referenceNo))
	if rest != "" {
		p += "/" + strings.TrimLeft(rest, "/")
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
