package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"certline/internal/config"
	"certline/internal/db"
	"certline/internal/domain"
	"certline/internal/engine"
	"certline/internal/migrate"
	"certline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("brgy-144")
	eng := engine.New(conn, cfg)
	ctx := context.Background()
	if err := eng.SeedFromConfig(ctx, cfg); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func createRequest(t *testing.T, env testEnv, certType string) domain.Request {
	t.Helper()
	req, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		CertificateType: certType,
		ApplicantName:   "Juan Dela Cruz",
		ActorID:         "staff-01",
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return req
}

func TestRequestLifecycle(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, "cohabitation")
	if req.Status != "staff_review" {
		t.Fatalf("new request status = %s, want staff_review", req.Status)
	}
	if req.ReferenceNo == "" {
		t.Fatal("reference number not generated")
	}

	pending, err := env.Engine.Repo.ListPendingByRequest(env.Ctx, req.ReferenceNo)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].UserID != "staff-01" || pending[0].StepID != 1 {
		t.Fatalf("unexpected pending after create: %+v", pending)
	}

	req, err = env.Engine.RecordAction(env.Ctx, engine.ActionOptions{
		RequestRef: req.ReferenceNo, StepID: 1, ActorID: "staff-01", Action: domain.ActionApprove,
	})
	if err != nil {
		t.Fatalf("staff approve: %v", err)
	}
	if req.Status != "captain_approval" {
		t.Fatalf("after staff approve status = %s, want captain_approval", req.Status)
	}

	pending, err = env.Engine.Repo.ListPendingByRequest(env.Ctx, req.ReferenceNo)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].UserID != "captain-01" || pending[0].StepID != 2 {
		t.Fatalf("unexpected pending after approve: %+v", pending)
	}

	req, err = env.Engine.RecordAction(env.Ctx, engine.ActionOptions{
		RequestRef: req.ReferenceNo, StepID: 2, ActorID: "captain-01", Action: domain.ActionApprove,
	})
	if err != nil {
		t.Fatalf("captain approve: %v", err)
	}
	if req.Status != domain.StatusCompleted {
		t.Fatalf("final status = %s, want completed", req.Status)
	}
	if req.ResolvedAt == nil {
		t.Fatal("completed request missing resolved_at")
	}

	pending, err = env.Engine.Repo.ListPendingByRequest(env.Ctx, req.ReferenceNo)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("completed request still has pendings: %+v", pending)
	}

	history, err := env.Engine.Repo.ListHistory(env.Ctx, req.ReferenceNo)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("history rows = %d, want 3", len(history))
	}
	wantActions := []string{domain.ActionSubmit, domain.ActionApprove, domain.ActionApprove}
	for i, h := range history {
		if h.Action != wantActions[i] {
			t.Fatalf("history[%d].Action = %s, want %s", i, h.Action, wantActions[i])
		}
	}
	if history[2].NewStatus != domain.StatusCompleted {
		t.Fatalf("last transition new_status = %s, want completed", history[2].NewStatus)
	}

	// terminal request accepts no further actions
	_, err = env.Engine.RecordAction(env.Ctx, engine.ActionOptions{
		RequestRef: req.ReferenceNo, StepID: 2, ActorID: "captain-01", Action: domain.ActionApprove,
	})
	if !errors.Is(err, engine.ErrAlreadyResolved) {
		t.Fatalf("action on terminal request: %v, want ErrAlreadyResolved", err)
	}
}

func TestReplayReturnsAlreadyResolved(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, "cohabitation")
	if _, err := env.Engine.RecordAction(env.Ctx, engine.ActionOptions{
		RequestRef: req.ReferenceNo, StepID: 1, ActorID: "staff-01", Action: domain.ActionApprove,
	}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.RecordAction(env.Ctx, engine.ActionOptions{
		RequestRef: req.ReferenceNo, StepID: 1, ActorID: "staff-01", Action: domain.ActionApprove,
	})
	if !errors.Is(err, engine.ErrAlreadyResolved) {
		t.Fatalf("replayed approve: %v, want ErrAlreadyResolved", err)
	}
	history, err := env.Engine.Repo.ListHistory(env.Ctx, req.ReferenceNo)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history rows after replay = %d, want 2 (submit + one approve)", len(history))
	}
}

func TestUnassignedActorRejected(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, "cohabitation")
	_, err := env.Engine.RecordAction(env.Ctx, engine.ActionOptions{
		RequestRef: req.ReferenceNo, StepID: 1, ActorID: "captain-01", Action: domain.ActionApprove,
	})
	if !errors.Is(err, engine.ErrNotAuthorizedForStep) {
		t.Fatalf("unassigned approve: %v, want ErrNotAuthorizedForStep", err)
	}
	got, err := env.Engine.Repo.GetRequest(env.Ctx, req.ReferenceNo)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "staff_review" {
		t.Fatalf("request moved despite rejected action: %s", got.Status)
	}
}

func TestCreateRequestWithoutWorkflow(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		CertificateType: "indigency",
		ApplicantName:   "Maria Santos",
	})
	if !errors.Is(err, engine.ErrConfigMissing) {
		t.Fatalf("create without workflow: %v, want ErrConfigMissing", err)
	}
	// nothing persisted
	items, err := env.Engine.Repo.ListRequests(env.Ctx, "indigency", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("rows written for failed create: %d", len(items))
	}
}

func TestReturnRoutesBackToIntake(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, "cohabitation")
	if _, err := env.Engine.RecordAction(env.Ctx, engine.ActionOptions{
		RequestRef: req.ReferenceNo, StepID: 1, ActorID: "staff-01", Action: domain.ActionApprove,
	}); err != nil {
		t.Fatal(err)
	}
	req, err := env.Engine.RecordAction(env.Ctx, engine.ActionOptions{
		RequestRef: req.ReferenceNo, StepID: 2, ActorID: "captain-01", Action: domain.ActionReturn, Comment: "missing barangay ID",
	})
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if req.Status != "staff_review" {
		t.Fatalf("after return status = %s, want staff_review", req.Status)
	}
	pending, err := env.Engine.Repo.ListPendingByRequest(env.Ctx, req.ReferenceNo)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].UserID != "staff-01" || pending[0].StepID != 1 {
		t.Fatalf("unexpected pending after return: %+v", pending)
	}
	history, err := env.Engine.Repo.ListHistory(env.Ctx, req.ReferenceNo)
	if err != nil {
		t.Fatal(err)
	}
	last := history[len(history)-1]
	if last.Action != domain.ActionReturn || last.Comment != "missing barangay ID" {
		t.Fatalf("unexpected last history row: %+v", last)
	}
}

func TestRejectIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, "cohabitation")
	req, err := env.Engine.RecordAction(env.Ctx, engine.ActionOptions{
		RequestRef: req.ReferenceNo, StepID: 1, ActorID: "staff-01", Action: domain.ActionReject,
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if req.Status != domain.StatusRejected {
		t.Fatalf("after reject status = %s, want rejected", req.Status)
	}
	if req.ResolvedAt == nil {
		t.Fatal("rejected request missing resolved_at")
	}
	pending, err := env.Engine.Repo.ListPendingByRequest(env.Ctx, req.ReferenceNo)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("rejected request still has pendings: %+v", pending)
	}
}

func TestAnyOneApproverSatisfiesStep(t *testing.T) {
	env := newTestEnv(t)
	wf := domain.Workflow{
		CertificateType: "clearance_dual",
		Steps: []domain.Step{
			{ID: 1, Name: "Desk review", Status: "desk_review", AssignedUsers: []string{"staff-01", "staff-02"}, RequiresApproval: true},
			{ID: 2, Name: "Captain approval", Status: "captain_sign", AssignedUsers: []string{"captain-01"}, RequiresApproval: true},
		},
	}
	if _, err := env.Engine.ImportWorkflow(env.Ctx, wf); err != nil {
		t.Fatalf("import: %v", err)
	}
	req := createRequest(t, env, "clearance_dual")

	pending, err := env.Engine.Repo.ListPendingByRequest(env.Ctx, req.ReferenceNo)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending rows = %d, want one per approver", len(pending))
	}

	if _, err := env.Engine.RecordAction(env.Ctx, engine.ActionOptions{
		RequestRef: req.ReferenceNo, StepID: 1, ActorID: "staff-02", Action: domain.ActionApprove,
	}); err != nil {
		t.Fatalf("first approver: %v", err)
	}
	// the other approver's action now loses
	_, err = env.Engine.RecordAction(env.Ctx, engine.ActionOptions{
		RequestRef: req.ReferenceNo, StepID: 1, ActorID: "staff-01", Action: domain.ActionApprove,
	})
	if !errors.Is(err, engine.ErrAlreadyResolved) {
		t.Fatalf("second approver: %v, want ErrAlreadyResolved", err)
	}
	history, err := env.Engine.Repo.ListHistory(env.Ctx, req.ReferenceNo)
	if err != nil {
		t.Fatal(err)
	}
	approves := 0
	for _, h := range history {
		if h.Action == domain.ActionApprove {
			approves++
		}
	}
	if approves != 1 {
		t.Fatalf("approve ledger rows = %d, want exactly 1", approves)
	}
}

func TestAdvancementGuardsDecideRaces(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, "cohabitation")

	// The two guarded writes behind RecordAction: only the first caller
	// observes affected rows, so the interleaved loser backs off without
	// touching the ledger.
	now := repo.NowRFC3339(time.Now())
	n, err := env.Engine.Repo.ResolveStepAssignments(env.Ctx, nil, req.ReferenceNo, 1, now)
	if err != nil || n != 1 {
		t.Fatalf("first resolve: n=%d err=%v", n, err)
	}
	n, err = env.Engine.Repo.ResolveStepAssignments(env.Ctx, nil, req.ReferenceNo, 1, now)
	if err != nil || n != 0 {
		t.Fatalf("second resolve: n=%d err=%v, want 0 rows", n, err)
	}

	ok, err := env.Engine.Repo.SwapRequestStatus(env.Ctx, nil, req.ReferenceNo, "staff_review", "captain_approval", now, nil)
	if err != nil || !ok {
		t.Fatalf("first swap: ok=%v err=%v", ok, err)
	}
	ok, err = env.Engine.Repo.SwapRequestStatus(env.Ctx, nil, req.ReferenceNo, "staff_review", "captain_approval", now, nil)
	if err != nil || ok {
		t.Fatalf("second swap: ok=%v err=%v, want loser", ok, err)
	}
}

func TestDuplicatePendingNotCreated(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, "cohabitation")
	created, err := env.Engine.Repo.InsertPendingAssignment(env.Ctx, nil, domain.Assignment{
		ID: "dup-check", RequestRef: req.ReferenceNo, StepID: 1, UserID: "staff-01",
		CreatedAt: repo.NowRFC3339(time.Now()),
	})
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("duplicate pending row created")
	}
}

func TestInboxAndAssignmentCheck(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, "cohabitation")

	items, err := env.Engine.ListPendingForUser(env.Ctx, "staff-01")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("inbox rows = %d, want 1", len(items))
	}
	if items[0].StepName != "Staff review" {
		t.Fatalf("inbox step name = %q", items[0].StepName)
	}

	assigned, a, err := env.Engine.IsAssigned(env.Ctx, "staff-01", req.ReferenceNo)
	if err != nil || !assigned || a.StepID != 1 {
		t.Fatalf("IsAssigned(staff-01) = %v %+v %v", assigned, a, err)
	}
	assigned, _, err = env.Engine.IsAssigned(env.Ctx, "captain-01", req.ReferenceNo)
	if err != nil || assigned {
		t.Fatalf("IsAssigned(captain-01) = %v, want false", assigned)
	}
}

func TestImportWorkflowCreatesMissingUsers(t *testing.T) {
	env := newTestEnv(t)
	wf := domain.Workflow{
		CertificateType: "clearance_extra",
		Steps: []domain.Step{
			{ID: 1, Name: "Records check", Status: "records_check", AssignedUsers: []string{"records-09"}, RequiresApproval: true},
		},
	}
	if _, err := env.Engine.ImportWorkflow(env.Ctx, wf); err != nil {
		t.Fatalf("import: %v", err)
	}
	u, err := env.Engine.Repo.GetUser(env.Ctx, "records-09")
	if err != nil {
		t.Fatalf("assigned user not created: %v", err)
	}
	if u.Status != "active" {
		t.Fatalf("auto-created user status = %s", u.Status)
	}
}

func TestImportWorkflowRejectsDisabledUser(t *testing.T) {
	env := newTestEnv(t)
	disabled := "disabled"
	if err := env.Engine.Repo.UpdateUser(env.Ctx, "staff-01", nil, nil, nil, &disabled, repo.NowRFC3339(time.Now())); err != nil {
		t.Fatal(err)
	}
	wf := domain.Workflow{
		CertificateType: "clearance_extra",
		Steps: []domain.Step{
			{ID: 1, Name: "Desk", Status: "desk", AssignedUsers: []string{"staff-01"}, RequiresApproval: true},
		},
	}
	if _, err := env.Engine.ImportWorkflow(env.Ctx, wf); err == nil {
		t.Fatal("import with disabled approver should fail")
	}
}

func TestImportWorkflowValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		wf   domain.Workflow
	}{
		{"no steps", domain.Workflow{CertificateType: "x"}},
		{"reserved status", domain.Workflow{CertificateType: "x", Steps: []domain.Step{
			{ID: 1, Name: "a", Status: "completed", AssignedUsers: []string{"u"}},
		}}},
		{"duplicate status", domain.Workflow{CertificateType: "x", Steps: []domain.Step{
			{ID: 1, Name: "a", Status: "s", AssignedUsers: []string{"u"}},
			{ID: 2, Name: "b", Status: "s", AssignedUsers: []string{"u"}},
		}}},
		{"no approvers", domain.Workflow{CertificateType: "x", Steps: []domain.Step{
			{ID: 1, Name: "a", Status: "s"},
		}}},
	}
	for _, tc := range cases {
		if _, err := env.Engine.ImportWorkflow(env.Ctx, tc.wf); err == nil {
			t.Errorf("%s: import should fail", tc.name)
		}
	}
}

func TestReconcileRegeneratesMissingPendings(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, "cohabitation")

	// Simulate drift: the pending row vanished while the request still
	// points at step 1.
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `DELETE FROM assignments WHERE request_ref=$1`, req.ReferenceNo); err != nil {
		t.Fatal(err)
	}
	report, err := env.Engine.Reconcile(env.Ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Regenerated != 1 {
		t.Fatalf("regenerated = %d, want 1", report.Regenerated)
	}
	pending, err := env.Engine.Repo.ListPendingByRequest(env.Ctx, req.ReferenceNo)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].UserID != "staff-01" {
		t.Fatalf("pending not regenerated: %+v", pending)
	}

	// Idempotent: a second sweep changes nothing.
	report, err = env.Engine.Reconcile(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Regenerated != 0 || report.Cleared != 0 {
		t.Fatalf("second sweep mutated: %+v", report)
	}
}

func TestReconcileClearsStalePendings(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, "cohabitation")

	// Stranded pending on a step the request is no longer at.
	if _, err := env.Engine.Repo.InsertPendingAssignment(env.Ctx, nil, domain.Assignment{
		ID: "stale-1", RequestRef: req.ReferenceNo, StepID: 2, UserID: "captain-01",
		CreatedAt: repo.NowRFC3339(time.Now()),
	}); err != nil {
		t.Fatal(err)
	}
	report, err := env.Engine.Reconcile(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Cleared != 1 {
		t.Fatalf("cleared = %d, want 1", report.Cleared)
	}

	// Terminal request with a dangling pending.
	if _, err := env.Engine.RecordAction(env.Ctx, engine.ActionOptions{
		RequestRef: req.ReferenceNo, StepID: 1, ActorID: "staff-01", Action: domain.ActionReject,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Repo.InsertPendingAssignment(env.Ctx, nil, domain.Assignment{
		ID: "stale-2", RequestRef: req.ReferenceNo, StepID: 1, UserID: "staff-01",
		CreatedAt: repo.NowRFC3339(time.Now()),
	}); err != nil {
		t.Fatal(err)
	}
	report, err = env.Engine.Reconcile(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Cleared != 1 {
		t.Fatalf("terminal cleanup cleared = %d, want 1", report.Cleared)
	}
}

func TestReconcileReportsOrphans(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, "cohabitation")
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `DELETE FROM workflow_configs WHERE certificate_type=$1`, "cohabitation"); err != nil {
		t.Fatal(err)
	}
	report, err := env.Engine.Reconcile(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Orphaned) != 1 || report.Orphaned[0] != req.ReferenceNo {
		t.Fatalf("orphaned = %+v, want [%s]", report.Orphaned, req.ReferenceNo)
	}
	// orphans are reported, never mutated
	got, err := env.Engine.Repo.GetRequest(env.Ctx, req.ReferenceNo)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "staff_review" {
		t.Fatalf("orphan mutated: %s", got.Status)
	}
}

func TestSingleStepWorkflowCompletesImmediately(t *testing.T) {
	env := newTestEnv(t)
	req := createRequest(t, env, "clearance")
	if req.Status != "staff_release" {
		t.Fatalf("clearance status = %s", req.Status)
	}
	req, err := env.Engine.RecordAction(env.Ctx, engine.ActionOptions{
		RequestRef: req.ReferenceNo, StepID: 1, ActorID: "staff-01", Action: domain.ActionApprove,
	})
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != domain.StatusCompleted {
		t.Fatalf("single-step approve status = %s, want completed", req.Status)
	}
}
