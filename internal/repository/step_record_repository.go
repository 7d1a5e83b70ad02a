package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/expenseflow/be-approvals/internal/database"
	"github.com/expenseflow/be-approvals/internal/errors"
)

// StepRecordRepository handles reads and the single legal write on approver
// task records. A record's decision is written at most once: the UPDATE is
// conditional on status = 'PENDING', so of two racing writers exactly one
// commits and the other observes the conflict.
type StepRecordRepository struct {
	db *database.DB
}

// NewStepRecordRepository creates a new StepRecordRepository.
func NewStepRecordRepository(db *database.DB) *StepRecordRepository {
	return &StepRecordRepository{db: db}
}

// CreateBatch inserts one pending record per resolved approver.
func (r *StepRecordRepository) CreateBatch(ctx context.Context, records []*StepRecord) error {
	query := `
		INSERT INTO step_records
		    (instance_id, expense_id, step_order, approver_id, status)
		VALUES ($1, $2, $3, $4, $5::record_status)
		RETURNING id, assigned_at
	`

	for _, rec := range records {
		err := r.db.QueryRow(ctx, query,
			rec.InstanceID,
			rec.ExpenseID,
			rec.StepOrder,
			rec.ApproverID,
			rec.Status,
		).Scan(&rec.ID, &rec.AssignedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create step record")
		}
	}
	return nil
}

// GetByID retrieves a step record.
func (r *StepRecordRepository) GetByID(ctx context.Context, id string) (*StepRecord, error) {
	rec, err := r.scanRecord(r.db.QueryRow(ctx, recordSelect+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("step_record", id)
	}
	return rec, err
}

// Decide writes the decision onto a still-pending record. Returns false when
// the record was already decided by a concurrent writer.
func (r *StepRecordRepository) Decide(ctx context.Context, id string, decision RecordStatus, comments *string) (bool, error) {
	query := `
		UPDATE step_records
		SET status          = $2::record_status,
		    decision        = $2::record_status,
		    comments        = $3,
		    action_taken_at = NOW()
		WHERE id = $1
		  AND status = 'PENDING'
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, decision, comments).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to record decision")
	}
	return true, nil
}

// MarkMoot flags the remaining pending records of a step once the step has
// completed or a sibling rejection ended the instance. Their decision column
// stays NULL.
func (r *StepRecordRepository) MarkMoot(ctx context.Context, instanceID string, stepOrder int) error {
	query := `
		UPDATE step_records
		SET moot = TRUE
		WHERE instance_id = $1
		  AND step_order = $2
		  AND status = 'PENDING'
	`

	_, err := r.db.Exec(ctx, query, instanceID, stepOrder)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark sibling records moot")
	}
	return nil
}

// CountByStatus counts the records of one step carrying the given status.
func (r *StepRecordRepository) CountByStatus(ctx context.Context, instanceID string, stepOrder int, status RecordStatus) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM step_records
		WHERE instance_id = $1 AND step_order = $2 AND status = $3::record_status
	`

	var count int
	if err := r.db.QueryRow(ctx, query, instanceID, stepOrder, status).Scan(&count); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count step records")
	}
	return count, nil
}

// ListByStep returns all records of one step ordered by assignment time.
func (r *StepRecordRepository) ListByStep(ctx context.Context, instanceID string, stepOrder int) ([]*StepRecord, error) {
	query := recordSelect + `
		WHERE instance_id = $1 AND step_order = $2
		ORDER BY assigned_at ASC, approver_id ASC
	`
	return r.queryRecords(ctx, query, instanceID, stepOrder)
}

// ListPendingForApprover returns every record currently awaiting action from
// a user, oldest first. Records on terminated instances are excluded.
func (r *StepRecordRepository) ListPendingForApprover(ctx context.Context, approverID string) ([]*StepRecord, error) {
	query := `
		SELECT r.id, r.instance_id, r.expense_id, r.step_order, r.approver_id,
		       r.status, r.decision, r.comments, r.moot,
		       r.assigned_at, r.action_taken_at
		FROM step_records r
		JOIN approval_instances i ON i.id = r.instance_id
		WHERE r.approver_id = $1
		  AND r.status = 'PENDING'
		  AND r.moot = FALSE
		  AND i.status IN ('PENDING', 'IN_PROGRESS')
		ORDER BY r.assigned_at ASC
	`
	return r.queryRecords(ctx, query, approverID)
}

// ListOverdue returns pending records assigned before the cutoff. This is a
// monitoring signal only; overdue records are never auto-expired.
func (r *StepRecordRepository) ListOverdue(ctx context.Context, cutoff time.Time) ([]*StepRecord, error) {
	query := `
		SELECT r.id, r.instance_id, r.expense_id, r.step_order, r.approver_id,
		       r.status, r.decision, r.comments, r.moot,
		       r.assigned_at, r.action_taken_at
		FROM step_records r
		JOIN approval_instances i ON i.id = r.instance_id
		WHERE r.status = 'PENDING'
		  AND r.moot = FALSE
		  AND r.assigned_at < $1
		  AND i.status IN ('PENDING', 'IN_PROGRESS')
		ORDER BY r.assigned_at ASC
	`
	return r.queryRecords(ctx, query, cutoff)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

const recordSelect = `
	SELECT id, instance_id, expense_id, step_order, approver_id,
	       status, decision, comments, moot,
	       assigned_at, action_taken_at
	FROM step_records`

func (r *StepRecordRepository) queryRecords(ctx context.Context, query string, args ...any) ([]*StepRecord, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to query step records")
	}
	defer rows.Close()

	var records []*StepRecord
	for rows.Next() {
		rec, err := r.scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan step record")
		}
		records = append(records, rec)
	}
	return records, nil
}

type recordScanner interface {
	Scan(dest ...any) error
}

func (r *StepRecordRepository) scanRecord(row recordScanner) (*StepRecord, error) {
	rec := &StepRecord{}
	err := row.Scan(
		&rec.ID,
		&rec.InstanceID,
		&rec.ExpenseID,
		&rec.StepOrder,
		&rec.ApproverID,
		&rec.Status,
		&rec.Decision,
		&rec.Comments,
		&rec.Moot,
		&rec.AssignedAt,
		&rec.ActionTakenAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}
