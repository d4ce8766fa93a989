package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"certline/internal/domain"
	"certline/internal/repo"
)

// ReconcileReport summarizes one sweep.
type ReconcileReport struct {
	Scanned     int      `json:"scanned"`
	Regenerated int      `json:"regenerated"`
	Cleared     int      `json:"cleared"`
	Orphaned    []string `json:"orphaned,omitempty"`
}

// Reconcile repairs drift between requests and their assignments. For every
// open request it regenerates missing pending rows on the current step and
// resolves pendings stranded on other steps; terminal requests get any
// dangling pendings cleared. Requests whose workflow is gone, or whose
// status no longer maps to a step, are reported as orphaned and left alone.
// The sweep is idempotent and never touches the history ledger.
func (e Engine) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	now := e.nowString()

	open, err := e.Repo.ListOpenRequests(ctx)
	if err != nil {
		return report, err
	}
	type cached struct {
		wf    domain.Workflow
		found bool
	}
	workflows := map[string]cached{}
	for _, req := range open {
		report.Scanned++
		c, ok := workflows[req.CertificateType]
		if !ok {
			wf, err := e.Repo.GetWorkflow(ctx, req.CertificateType)
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return report, err
			}
			c = cached{wf: wf, found: err == nil}
			workflows[req.CertificateType] = c
		}
		if !c.found {
			report.Orphaned = append(report.Orphaned, req.ReferenceNo)
			continue
		}
		step, _, ok := c.wf.StepByStatus(req.Status)
		if !ok {
			report.Orphaned = append(report.Orphaned, req.ReferenceNo)
			continue
		}
		for _, userID := range step.AssignedUsers {
			created, err := e.Repo.InsertPendingAssignment(ctx, nil, domain.Assignment{
				ID:         uuid.NewString(),
				RequestRef: req.ReferenceNo,
				StepID:     step.ID,
				UserID:     userID,
				CreatedAt:  now,
			})
			if err != nil {
				return report, err
			}
			if created {
				report.Regenerated++
			}
		}
		pendings, err := e.Repo.ListPendingByRequest(ctx, req.ReferenceNo)
		if err != nil {
			return report, err
		}
		for _, a := range pendings {
			if a.StepID == step.ID {
				continue
			}
			n, err := e.Repo.ResolveStepAssignments(ctx, nil, req.ReferenceNo, a.StepID, now)
			if err != nil {
				return report, err
			}
			report.Cleared += int(n)
		}
	}

	refs, err := e.Repo.ListTerminalRequestRefsWithPending(ctx)
	if err != nil {
		return report, err
	}
	for _, ref := range refs {
		n, err := e.Repo.ResolveRequestAssignments(ctx, ref, now)
		if err != nil {
			return report, err
		}
		report.Cleared += int(n)
	}
	return report, nil
}
