package repository

import (
	"context"
	"encoding/json"

	"github.com/expenseflow/be-approvals/internal/database"
	"github.com/expenseflow/be-approvals/internal/errors"
)

// AuditRepository appends and reads the immutable approval audit trail. The
// table carries a delete-prevention trigger, so Append is the only mutation.
// Append is always called inside the transaction of the state change it
// describes; a failed append fails the whole operation.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one audit record.
func (r *AuditRepository) Append(ctx context.Context, rec *AuditRecord) error {
	var metadataJSON []byte
	if rec.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(rec.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO approval_audit_log
		    (instance_id, expense_id, actor_id, action,
		     from_status, to_status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, recorded_at
	`

	err := r.db.QueryRow(ctx, query,
		rec.InstanceID,
		rec.ExpenseID,
		rec.ActorID,
		rec.Action,
		rec.FromStatus,
		rec.ToStatus,
		metadataJSON,
	).Scan(&rec.ID, &rec.RecordedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit record")
	}
	return nil
}

// ListByInstance returns the complete trail for an instance oldest-first.
func (r *AuditRepository) ListByInstance(ctx context.Context, instanceID string) ([]*AuditRecord, error) {
	query := `
		SELECT id, instance_id, expense_id, actor_id, action,
		       from_status, to_status, recorded_at, metadata
		FROM approval_audit_log
		WHERE instance_id = $1
		ORDER BY recorded_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit trail")
	}
	defer rows.Close()

	var records []*AuditRecord
	for rows.Next() {
		rec, err := r.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type auditScanner interface {
	Scan(dest ...any) error
}

func (r *AuditRepository) scanRecord(sc auditScanner) (*AuditRecord, error) {
	rec := &AuditRecord{}
	var metadataJSON []byte

	err := sc.Scan(
		&rec.ID,
		&rec.InstanceID,
		&rec.ExpenseID,
		&rec.ActorID,
		&rec.Action,
		&rec.FromStatus,
		&rec.ToStatus,
		&rec.RecordedAt,
		&metadataJSON,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit record")
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
		}
	}
	return rec, nil
}
