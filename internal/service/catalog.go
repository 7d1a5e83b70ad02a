package service

import (
	"context"
	"slices"

	"github.com/expenseflow/be-approvals/internal/errors"
	"github.com/expenseflow/be-approvals/internal/logger"
	"github.com/expenseflow/be-approvals/internal/repository"
)

// CatalogService owns administrator operations on the workflow catalog.
// Every workflow passes publish-time validation, so misconfigurations are
// rejected here instead of surfacing mid-approval.
type CatalogService struct {
	workflows WorkflowStore
	log       *logger.Logger
}

// NewCatalogService creates a new CatalogService.
func NewCatalogService(workflows WorkflowStore, log *logger.Logger) *CatalogService {
	return &CatalogService{workflows: workflows, log: log}
}

// CreateWorkflow validates and publishes a new workflow.
func (s *CatalogService) CreateWorkflow(ctx context.Context, wf *repository.Workflow) error {
	if err := validateWorkflow(wf); err != nil {
		return err
	}
	if err := s.workflows.Create(ctx, wf); err != nil {
		return err
	}
	if wf.IsDefault {
		if err := s.workflows.ClearDefault(ctx, wf.CompanyID, wf.ID); err != nil {
			return err
		}
	}

	s.log.Info().
		Str("workflow_id", wf.ID).
		Str("company_id", wf.CompanyID).
		Int("steps", len(wf.Steps)).
		Msg("Workflow published")
	return nil
}

// UpdateWorkflow validates and republishes a workflow. In-flight instances
// keep executing against the snapshot taken at their submission.
func (s *CatalogService) UpdateWorkflow(ctx context.Context, wf *repository.Workflow) error {
	if err := validateWorkflow(wf); err != nil {
		return err
	}
	if err := s.workflows.Update(ctx, wf); err != nil {
		return err
	}
	if wf.IsDefault {
		if err := s.workflows.ClearDefault(ctx, wf.CompanyID, wf.ID); err != nil {
			return err
		}
	}

	s.log.Info().
		Str("workflow_id", wf.ID).
		Str("company_id", wf.CompanyID).
		Msg("Workflow updated")
	return nil
}

// GetWorkflow returns one workflow with its steps.
func (s *CatalogService) GetWorkflow(ctx context.Context, id, companyID string) (*repository.Workflow, error) {
	return s.workflows.GetByID(ctx, id, companyID)
}

// ListWorkflows returns all of a company's workflows.
func (s *CatalogService) ListWorkflows(ctx context.Context, companyID string) ([]*repository.Workflow, error) {
	return s.workflows.ListByCompany(ctx, companyID)
}

// DeactivateWorkflow takes a workflow out of resolution without deleting it.
func (s *CatalogService) DeactivateWorkflow(ctx context.Context, id, companyID string) error {
	return s.workflows.SetActive(ctx, id, companyID, false)
}

// validateWorkflow enforces the publish-time invariants: a dense 1..N step
// chain and, per step, a required count the resolved approver set can
// actually satisfy. A step whose required_count can never be reached must be
// rejected here, never discovered at runtime.
func validateWorkflow(wf *repository.Workflow) error {
	if wf.Name == "" {
		return errors.InvalidInput("name", "workflow name is required")
	}
	if wf.CompanyID == "" {
		return errors.InvalidInput("company_id", "company is required")
	}
	if wf.AutoApprovalLimit != nil && *wf.AutoApprovalLimit < 0 {
		return errors.InvalidInput("auto_approval_limit", "must not be negative")
	}
	if len(wf.Steps) == 0 {
		return errors.InvalidInput("steps", "workflow must have at least one step")
	}

	for i, step := range wf.Steps {
		if step.StepOrder != i+1 {
			return errors.Newf(errors.ErrCodeInvalidInput,
				"steps: step order must be dense and 1-based, got %d at position %d", step.StepOrder, i+1)
		}
		if step.RequiredCount < 1 {
			return errors.Newf(errors.ErrCodeInvalidInput,
				"steps: step %d required_count must be at least 1", step.StepOrder)
		}

		switch step.ApproverType {
		case repository.ApproverTypeExplicitUsers:
			unique := dedupe(step.ApproverIDs)
			if len(unique) == 0 {
				return errors.Newf(errors.ErrCodeInvalidInput,
					"steps: step %d has no approver ids", step.StepOrder)
			}
			if step.RequiredCount > len(unique) {
				return errors.Newf(errors.ErrCodeInvalidInput,
					"steps: step %d required_count %d exceeds its %d distinct approvers",
					step.StepOrder, step.RequiredCount, len(unique))
			}
		case repository.ApproverTypeRole:
			if len(step.ApproverRoles) == 0 {
				return errors.Newf(errors.ErrCodeInvalidInput,
					"steps: step %d has no approver roles", step.StepOrder)
			}
		case repository.ApproverTypeManagerOfSubmitter:
			if step.RequiredCount != 1 {
				return errors.Newf(errors.ErrCodeInvalidInput,
					"steps: step %d resolves a single manager, required_count must be 1", step.StepOrder)
			}
		default:
			return errors.Newf(errors.ErrCodeInvalidInput,
				"steps: step %d has unknown approver type %q", step.StepOrder, step.ApproverType)
		}
	}
	return nil
}

// dedupe returns the unique values of ids preserving first-seen order.
func dedupe(ids []string) []string {
	var out []string
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
