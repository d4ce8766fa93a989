package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"testing"

	"certline/internal/config"
	"certline/internal/db"
	"certline/internal/engine"
	"certline/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("brgy-144")
	e := engine.New(conn, cfg)
	if err := e.SeedFromConfig(context.Background(), cfg); err != nil {
		t.Fatalf("seed: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:             testJWTSecret,
			AllowLegacyUserHeader: true,
			Logger:                log.New(io.Discard, "", 0),
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asUser(id string) map[string]string {
	return map[string]string{"X-User-Id": id}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Body apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Body.Code
}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", map[string]any{
		"certificate_type": "cohabitation",
		"applicant_name":   "Juan Dela Cruz",
		"payload":          map[string]any{"partner": "Maria Santos"},
	}, asUser("staff-01"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create request: %d %s", res.StatusCode, string(data))
	}
	var created RequestResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if created.Status != "staff_review" {
		t.Fatalf("created status = %s", created.Status)
	}
	ref := created.ReferenceNo

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests/"+ref+"/assignment", nil, asUser("staff-01"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assignment check: %d %s", res.StatusCode, string(data))
	}
	var check AssignmentCheckResponse
	_ = json.Unmarshal(data, &check)
	if !check.Assigned || check.Assignment == nil || check.Assignment.StepID != 1 {
		t.Fatalf("unexpected assignment check: %+v", check)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/inbox", nil, asUser("staff-01"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("inbox: %d %s", res.StatusCode, string(data))
	}
	var inbox []PendingItemResponse
	_ = json.Unmarshal(data, &inbox)
	if len(inbox) != 1 || inbox[0].Request.ReferenceNo != ref {
		t.Fatalf("unexpected inbox: %+v", inbox)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+ref+"/actions", map[string]any{
		"step_id": 1,
		"action":  "approve",
	}, asUser("staff-01"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("staff approve: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+ref+"/actions", map[string]any{
		"step_id": 2,
		"action":  "approve",
		"comment": "signed",
	}, asUser("captain-01"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("captain approve: %d %s", res.StatusCode, string(data))
	}
	var final RequestResponse
	_ = json.Unmarshal(data, &final)
	if final.Status != "completed" {
		t.Fatalf("final status = %s", final.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests/"+ref+"/history", nil, asUser("staff-01"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history: %d %s", res.StatusCode, string(data))
	}
	var history []HistoryEntryResponse
	_ = json.Unmarshal(data, &history)
	if len(history) != 3 {
		t.Fatalf("history rows = %d, want 3", len(history))
	}
}

func TestActionErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", map[string]any{
		"certificate_type": "cohabitation",
		"applicant_name":   "Pedro Reyes",
	}, asUser("staff-01"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var created RequestResponse
	_ = json.Unmarshal(data, &created)
	ref := created.ReferenceNo

	// unassigned actor on the current step
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+ref+"/actions", map[string]any{
		"step_id": 1,
		"action":  "approve",
	}, asUser("captain-01"))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "not_authorized_for_step" {
		t.Fatalf("unassigned actor: %d %s", res.StatusCode, string(data))
	}

	// replay after the step resolved
	if res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+ref+"/actions", map[string]any{
		"step_id": 1, "action": "approve",
	}, asUser("staff-01")); res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+ref+"/actions", map[string]any{
		"step_id": 1,
		"action":  "approve",
	}, asUser("staff-01"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "already_resolved" {
		t.Fatalf("replay: %d %s", res.StatusCode, string(data))
	}

	// request without a workflow
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", map[string]any{
		"certificate_type": "indigency",
		"applicant_name":   "Ana Cruz",
	}, asUser("staff-01"))
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "config_missing" {
		t.Fatalf("config missing: %d %s", res.StatusCode, string(data))
	}

	// unknown request
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests/BRGY-NOPE", nil, asUser("staff-01"))
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("not found: %d %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health without auth: %d", res.StatusCode)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/inbox", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("inbox without auth: %d %s", res.StatusCode, string(data))
	}

	// mint a dev token and use it
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"user_id": "staff-01",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	_ = json.Unmarshal(data, &login)
	if login.Token == "" {
		t.Fatal("empty token")
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with token: %d %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	_ = json.Unmarshal(data, &who)
	if who.UserID != "staff-01" {
		t.Fatalf("whoami user = %s", who.UserID)
	}
}

func TestRBACEnforcedOnAdminRoutes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// staff cannot reconcile
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/admin/reconcile", nil, asUser("staff-01"))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("staff reconcile: %d %s", res.StatusCode, string(data))
	}

	// admin can
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/admin/reconcile", nil, asUser("admin-01"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin reconcile: %d %s", res.StatusCode, string(data))
	}

	// workflow import is admin-only
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/workflows/clearance_two", map[string]any{
		"steps": []map[string]any{
			{"id": 1, "name": "Desk", "status": "desk", "assigned_users": []string{"staff-01"}, "requires_approval": true},
		},
	}, asUser("captain-01"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("captain import: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/workflows/clearance_two", map[string]any{
		"steps": []map[string]any{
			{"id": 1, "name": "Desk", "status": "desk", "assigned_users": []string{"staff-01"}, "requires_approval": true},
		},
	}, asUser("admin-01"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin import: %d %s", res.StatusCode, string(data))
	}
}

func TestUserAndAPIKeyAdmin(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/users", map[string]any{
		"id":       "clerk-01",
		"name":     "Records Clerk",
		"position": "records officer",
		"roles":    []string{"staff"},
	}, asUser("admin-01"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create user: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"user_id": "clerk-01",
		"name":    "scanner",
	}, asUser("admin-01"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key: %d %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	_ = json.Unmarshal(data, &key)
	if key.Key == "" {
		t.Fatal("secret not returned on create")
	}

	// the key authenticates as its user
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with api key: %d %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	_ = json.Unmarshal(data, &who)
	if who.UserID != "clerk-01" {
		t.Fatalf("api key user = %s", who.UserID)
	}

	// listing never echoes the secret
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/apikeys", nil, asUser("admin-01"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list keys: %d %s", res.StatusCode, string(data))
	}
	var keys []APIKeyResponse
	_ = json.Unmarshal(data, &keys)
	if len(keys) != 1 || keys[0].Key != "" {
		t.Fatalf("unexpected key listing: %+v", keys)
	}
}
