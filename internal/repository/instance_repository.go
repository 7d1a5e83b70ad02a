package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/expenseflow/be-approvals/internal/database"
	"github.com/expenseflow/be-approvals/internal/errors"
)

// InstanceRepository manages approval instances and their step snapshots.
// The instance row is the lock boundary for all decision processing:
// mutations go through GetForUpdate inside an ambient transaction.
type InstanceRepository struct {
	db *database.DB
}

// NewInstanceRepository creates a new InstanceRepository.
func NewInstanceRepository(db *database.DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

// Create inserts an instance together with its step snapshot. The unique
// index on expense_id enforces one instance per expense; a violation is
// surfaced as already_submitted.
func (r *InstanceRepository) Create(ctx context.Context, inst *ApprovalInstance, steps []*InstanceStep) error {
	return r.db.InTransaction(ctx, func(ctx context.Context) error {
		instQuery := `
			INSERT INTO approval_instances
			    (expense_id, company_id, workflow_id,
			     current_step_order, status, submitted_by, completed_at)
			VALUES ($1, $2, $3, $4, $5::instance_status, $6, $7)
			RETURNING id, submitted_at, last_action_at
		`

		err := r.db.QueryRow(ctx, instQuery,
			inst.ExpenseID,
			inst.CompanyID,
			inst.WorkflowID,
			inst.CurrentStepOrder,
			inst.Status,
			inst.SubmittedBy,
			inst.CompletedAt,
		).Scan(&inst.ID, &inst.SubmittedAt, &inst.LastActionAt)
		if err != nil {
			if isUniqueViolation(err) {
				return errors.Newf(errors.ErrCodeAlreadySubmitted,
					"expense %s already has an approval instance", inst.ExpenseID)
			}
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval instance")
		}

		stepQuery := `
			INSERT INTO instance_steps
			    (instance_id, step_order, approver_type,
			     approver_ids, approver_roles, required_count)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`

		for _, step := range steps {
			step.InstanceID = inst.ID
			err := r.db.QueryRow(ctx, stepQuery,
				step.InstanceID,
				step.StepOrder,
				step.ApproverType,
				step.ApproverIDs,
				step.ApproverRoles,
				step.RequiredCount,
			).Scan(&step.ID)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to snapshot workflow step")
			}
		}
		return nil
	})
}

// GetByID retrieves an instance by its primary key.
func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*ApprovalInstance, error) {
	inst, err := r.scanInstance(r.db.QueryRow(ctx, instanceSelect+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_instance", id)
	}
	return inst, err
}

// GetByExpenseID returns the instance for an expense, or nil when the expense
// has never been submitted.
func (r *InstanceRepository) GetByExpenseID(ctx context.Context, expenseID string) (*ApprovalInstance, error) {
	inst, err := r.scanInstance(r.db.QueryRow(ctx, instanceSelect+` WHERE expense_id = $1`, expenseID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return inst, err
}

// GetForUpdate locks the instance row for the remainder of the ambient
// transaction. Every count-and-advance check runs behind this lock.
func (r *InstanceRepository) GetForUpdate(ctx context.Context, id string) (*ApprovalInstance, error) {
	inst, err := r.scanInstance(r.db.QueryRow(ctx, instanceSelect+` WHERE id = $1 FOR UPDATE`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_instance", id)
	}
	return inst, err
}

// Advance moves the instance to the given step and status.
func (r *InstanceRepository) Advance(ctx context.Context, id string, nextStep int, status InstanceStatus) error {
	query := `
		UPDATE approval_instances
		SET current_step_order = $2,
		    status             = $3::instance_status,
		    last_action_at     = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, nextStep, status).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_instance", id)
	}
	return err
}

// SetStatus sets the instance status and optionally stamps completed_at.
func (r *InstanceRepository) SetStatus(ctx context.Context, id string, status InstanceStatus, completedAt *time.Time) error {
	query := `
		UPDATE approval_instances
		SET status         = $2::instance_status,
		    completed_at   = $3,
		    last_action_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, status, completedAt).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_instance", id)
	}
	return err
}

// GetStep returns the snapshot step at the given order, or nil when the
// workflow is exhausted at that order.
func (r *InstanceRepository) GetStep(ctx context.Context, instanceID string, stepOrder int) (*InstanceStep, error) {
	query := `
		SELECT id, instance_id, step_order, approver_type,
		       approver_ids, approver_roles, required_count
		FROM instance_steps
		WHERE instance_id = $1 AND step_order = $2
	`

	step := &InstanceStep{}
	err := r.db.QueryRow(ctx, query, instanceID, stepOrder).Scan(
		&step.ID,
		&step.InstanceID,
		&step.StepOrder,
		&step.ApproverType,
		&step.ApproverIDs,
		&step.ApproverRoles,
		&step.RequiredCount,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get instance step")
	}
	return step, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

const instanceSelect = `
	SELECT id, expense_id, company_id, workflow_id,
	       current_step_order, status, submitted_by,
	       submitted_at, last_action_at, completed_at
	FROM approval_instances`

type instanceScanner interface {
	Scan(dest ...any) error
}

func (r *InstanceRepository) scanInstance(row instanceScanner) (*ApprovalInstance, error) {
	inst := &ApprovalInstance{}
	err := row.Scan(
		&inst.ID,
		&inst.ExpenseID,
		&inst.CompanyID,
		&inst.WorkflowID,
		&inst.CurrentStepOrder,
		&inst.Status,
		&inst.SubmittedBy,
		&inst.SubmittedAt,
		&inst.LastActionAt,
		&inst.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return inst, nil
}
