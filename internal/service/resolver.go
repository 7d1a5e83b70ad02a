package service

import (
	"context"
	"slices"

	"github.com/expenseflow/be-approvals/internal/errors"
	"github.com/expenseflow/be-approvals/internal/repository"
)

// Resolver selects the single workflow that applies to an expense.
//
// Resolution is deterministic: active workflows are evaluated in priority
// order (descending, created_at ascending on ties) and the first eligible one
// wins. When nothing matches, the company's default workflow applies; when no
// default exists either, resolution fails with no_applicable_workflow.
type Resolver struct {
	workflows WorkflowStore
}

// NewResolver creates a Resolver over the given catalog.
func NewResolver(workflows WorkflowStore) *Resolver {
	return &Resolver{workflows: workflows}
}

// Resolve returns the workflow to apply to the expense.
func (r *Resolver) Resolve(ctx context.Context, exp *repository.Expense) (*repository.Workflow, error) {
	candidates, err := r.workflows.ListActive(ctx, exp.CompanyID)
	if err != nil {
		return nil, err
	}

	for _, wf := range candidates {
		if eligible(wf, exp) {
			return wf, nil
		}
	}

	fallback, err := r.workflows.GetDefault(ctx, exp.CompanyID)
	if err != nil {
		return nil, err
	}
	if fallback != nil {
		return fallback, nil
	}

	return nil, errors.Newf(errors.ErrCodeNoApplicableWorkflow,
		"no workflow matches expense %s and company %s has no default", exp.ID, exp.CompanyID)
}

// eligible tests an expense against a workflow's scopes. An empty scope
// matches everything in its dimension.
func eligible(wf *repository.Workflow, exp *repository.Expense) bool {
	if len(wf.CategoryScope) > 0 && !slices.Contains(wf.CategoryScope, exp.CategoryID) {
		return false
	}
	if len(wf.UserScope) > 0 && !slices.Contains(wf.UserScope, exp.SubmitterID) {
		return false
	}
	return true
}
