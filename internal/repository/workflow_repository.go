package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/expenseflow/be-approvals/internal/database"
	"github.com/expenseflow/be-approvals/internal/errors"
)

// WorkflowRepository handles CRUD for the workflow catalog. Workflow and step
// definitions are always written together in a single transaction.
type WorkflowRepository struct {
	db *database.DB
}

// NewWorkflowRepository creates a new WorkflowRepository.
func NewWorkflowRepository(db *database.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

// Create inserts a workflow and its steps in one transaction.
func (r *WorkflowRepository) Create(ctx context.Context, wf *Workflow) error {
	return r.db.InTransaction(ctx, func(ctx context.Context) error {
		query := `
			INSERT INTO workflows
			    (company_id, name, auto_approval_limit, priority,
			     is_default, category_scope, user_scope, is_active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, created_at, updated_at
		`

		err := r.db.QueryRow(ctx, query,
			wf.CompanyID,
			wf.Name,
			wf.AutoApprovalLimit,
			wf.Priority,
			wf.IsDefault,
			wf.CategoryScope,
			wf.UserScope,
			wf.IsActive,
		).Scan(&wf.ID, &wf.CreatedAt, &wf.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow")
		}

		return r.insertSteps(ctx, wf)
	})
}

// Update rewrites a workflow and replaces its step definitions. Running
// instances are unaffected: they execute against their own snapshot.
func (r *WorkflowRepository) Update(ctx context.Context, wf *Workflow) error {
	return r.db.InTransaction(ctx, func(ctx context.Context) error {
		query := `
			UPDATE workflows
			SET name                = $3,
			    auto_approval_limit = $4,
			    priority            = $5,
			    is_default          = $6,
			    category_scope      = $7,
			    user_scope          = $8,
			    is_active           = $9,
			    updated_at          = NOW()
			WHERE id = $1 AND company_id = $2
			RETURNING updated_at
		`

		err := r.db.QueryRow(ctx, query,
			wf.ID,
			wf.CompanyID,
			wf.Name,
			wf.AutoApprovalLimit,
			wf.Priority,
			wf.IsDefault,
			wf.CategoryScope,
			wf.UserScope,
			wf.IsActive,
		).Scan(&wf.UpdatedAt)
		if err == pgx.ErrNoRows {
			return errors.NotFound("workflow", wf.ID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update workflow")
		}

		if _, err := r.db.Exec(ctx, `DELETE FROM workflow_steps WHERE workflow_id = $1`, wf.ID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to replace workflow steps")
		}
		return r.insertSteps(ctx, wf)
	})
}

func (r *WorkflowRepository) insertSteps(ctx context.Context, wf *Workflow) error {
	query := `
		INSERT INTO workflow_steps
		    (workflow_id, step_order, approver_type,
		     approver_ids, approver_roles, required_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	for _, step := range wf.Steps {
		step.WorkflowID = wf.ID
		err := r.db.QueryRow(ctx, query,
			step.WorkflowID,
			step.StepOrder,
			step.ApproverType,
			step.ApproverIDs,
			step.ApproverRoles,
			step.RequiredCount,
		).Scan(&step.ID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow step")
		}
	}
	return nil
}

// GetByID retrieves a workflow with its steps.
func (r *WorkflowRepository) GetByID(ctx context.Context, id, companyID string) (*Workflow, error) {
	query := `
		SELECT id, company_id, name, auto_approval_limit, priority,
		       is_default, category_scope, user_scope, is_active,
		       created_at, updated_at
		FROM workflows
		WHERE id = $1 AND company_id = $2
	`

	wf, err := r.scanWorkflow(r.db.QueryRow(ctx, query, id, companyID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	if err := r.loadSteps(ctx, []*Workflow{wf}); err != nil {
		return nil, err
	}
	return wf, nil
}

// ListByCompany returns all workflows for a company, newest first.
func (r *WorkflowRepository) ListByCompany(ctx context.Context, companyID string) ([]*Workflow, error) {
	query := `
		SELECT id, company_id, name, auto_approval_limit, priority,
		       is_default, category_scope, user_scope, is_active,
		       created_at, updated_at
		FROM workflows
		WHERE company_id = $1
		ORDER BY created_at DESC
	`
	return r.queryWorkflows(ctx, query, companyID)
}

// ListActive returns the company's active workflows ordered for resolution:
// priority descending, then created_at ascending so resolution stays
// deterministic when priorities tie.
func (r *WorkflowRepository) ListActive(ctx context.Context, companyID string) ([]*Workflow, error) {
	query := `
		SELECT id, company_id, name, auto_approval_limit, priority,
		       is_default, category_scope, user_scope, is_active,
		       created_at, updated_at
		FROM workflows
		WHERE company_id = $1 AND is_active = TRUE
		ORDER BY priority DESC, created_at ASC
	`
	return r.queryWorkflows(ctx, query, companyID)
}

// GetDefault returns the company's default workflow, or nil when none exists.
func (r *WorkflowRepository) GetDefault(ctx context.Context, companyID string) (*Workflow, error) {
	query := `
		SELECT id, company_id, name, auto_approval_limit, priority,
		       is_default, category_scope, user_scope, is_active,
		       created_at, updated_at
		FROM workflows
		WHERE company_id = $1 AND is_default = TRUE AND is_active = TRUE
		ORDER BY created_at ASC
		LIMIT 1
	`

	wf, err := r.scanWorkflow(r.db.QueryRow(ctx, query, companyID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := r.loadSteps(ctx, []*Workflow{wf}); err != nil {
		return nil, err
	}
	return wf, nil
}

// SetActive toggles a workflow's active flag.
func (r *WorkflowRepository) SetActive(ctx context.Context, id, companyID string, active bool) error {
	query := `
		UPDATE workflows
		SET is_active  = $3,
		    updated_at = NOW()
		WHERE id = $1 AND company_id = $2
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, companyID, active).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("workflow", id)
	}
	return err
}

// ClearDefault unsets the default flag on every other workflow of the
// company. Called before promoting a new default.
func (r *WorkflowRepository) ClearDefault(ctx context.Context, companyID, exceptID string) error {
	query := `
		UPDATE workflows
		SET is_default = FALSE,
		    updated_at = NOW()
		WHERE company_id = $1 AND id <> $2 AND is_default = TRUE
	`
	_, err := r.db.Exec(ctx, query, companyID, exceptID)
	return err
}

// ── query/scan helpers ────────────────────────────────────────────────────────

func (r *WorkflowRepository) queryWorkflows(ctx context.Context, query string, args ...any) ([]*Workflow, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflows")
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := r.scanWorkflow(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow")
		}
		workflows = append(workflows, wf)
	}
	if err := r.loadSteps(ctx, workflows); err != nil {
		return nil, err
	}
	return workflows, nil
}

// loadSteps attaches step definitions to the given workflows.
func (r *WorkflowRepository) loadSteps(ctx context.Context, workflows []*Workflow) error {
	if len(workflows) == 0 {
		return nil
	}

	ids := make([]string, 0, len(workflows))
	byID := make(map[string]*Workflow, len(workflows))
	for _, wf := range workflows {
		ids = append(ids, wf.ID)
		byID[wf.ID] = wf
	}

	query := `
		SELECT id, workflow_id, step_order, approver_type,
		       approver_ids, approver_roles, required_count
		FROM workflow_steps
		WHERE workflow_id = ANY($1)
		ORDER BY workflow_id, step_order ASC
	`

	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to load workflow steps")
	}
	defer rows.Close()

	for rows.Next() {
		step := &WorkflowStep{}
		err := rows.Scan(
			&step.ID,
			&step.WorkflowID,
			&step.StepOrder,
			&step.ApproverType,
			&step.ApproverIDs,
			&step.ApproverRoles,
			&step.RequiredCount,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow step")
		}
		if wf, ok := byID[step.WorkflowID]; ok {
			wf.Steps = append(wf.Steps, step)
		}
	}
	return nil
}

type workflowScanner interface {
	Scan(dest ...any) error
}

func (r *WorkflowRepository) scanWorkflow(row workflowScanner) (*Workflow, error) {
	wf := &Workflow{}
	err := row.Scan(
		&wf.ID,
		&wf.CompanyID,
		&wf.Name,
		&wf.AutoApprovalLimit,
		&wf.Priority,
		&wf.IsDefault,
		&wf.CategoryScope,
		&wf.UserScope,
		&wf.IsActive,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return wf, nil
}
