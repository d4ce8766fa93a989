// Package ledger appends workflow history rows. Entries are written only
// after the guarded assignment update for the same transition has been
// confirmed, and are never updated or deleted afterwards.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"certline/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append writes one transition row inside the caller's transaction.
// Timestamps use RFC3339Nano so the per-request sequence orders
// deterministically even within the same second.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, entry domain.HistoryEntry) (domain.HistoryEntry, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt == "" {
		entry.CreatedAt = now().UTC().Format(time.RFC3339Nano)
	}
	if entry.RequestRef == "" || entry.Action == "" || entry.ActorID == "" {
		return entry, fmt.Errorf("history entry requires request_ref, action and actor_id")
	}
	exec := w.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO history(id,request_ref,step_id,step_name,action,actor_id,previous_status,new_status,comment,created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		entry.ID, entry.RequestRef, entry.StepID, entry.StepName, entry.Action, entry.ActorID,
		entry.PreviousStatus, entry.NewStatus, nullableComment(entry.Comment), entry.CreatedAt)
	return entry, err
}

func nullableComment(v string) any {
	if v == "" {
		return nil
	}
	return v
}
