package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/expenseflow/be-approvals/internal/errors"
	"github.com/expenseflow/be-approvals/internal/logger"
	"github.com/expenseflow/be-approvals/internal/repository"
	"github.com/expenseflow/be-approvals/internal/storetest"
)

func newCatalogFixture(t *testing.T) (*CatalogService, *storetest.Store) {
	t.Helper()
	store := storetest.NewStore()
	return NewCatalogService(storetest.Workflows{Store: store}, logger.Nop()), store
}

func validWorkflow() *repository.Workflow {
	return &repository.Workflow{
		CompanyID: testCompany,
		Name:      "standard",
		IsActive:  true,
		Steps: []*repository.WorkflowStep{
			explicitStep(1, 1, "mgr-1"),
			{
				StepOrder:     2,
				ApproverType:  repository.ApproverTypeRole,
				ApproverRoles: []string{"finance"},
				RequiredCount: 1,
			},
		},
	}
}

func TestCreateWorkflow_Valid(t *testing.T) {
	catalog, _ := newCatalogFixture(t)
	wf := validWorkflow()

	require.NoError(t, catalog.CreateWorkflow(context.Background(), wf))
	require.NotEmpty(t, wf.ID)

	stored, err := catalog.GetWorkflow(context.Background(), wf.ID, testCompany)
	require.NoError(t, err)
	assert.Equal(t, "standard", stored.Name)
	require.Len(t, stored.Steps, 2)
}

func TestCreateWorkflow_ValidationRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(wf *repository.Workflow)
	}{
		{"missing name", func(wf *repository.Workflow) { wf.Name = "" }},
		{"missing company", func(wf *repository.Workflow) { wf.CompanyID = "" }},
		{"negative auto-approval limit", func(wf *repository.Workflow) {
			limit := int64(-1)
			wf.AutoApprovalLimit = &limit
		}},
		{"no steps", func(wf *repository.Workflow) { wf.Steps = nil }},
		{"gap in step order", func(wf *repository.Workflow) { wf.Steps[1].StepOrder = 3 }},
		{"step order not 1-based", func(wf *repository.Workflow) {
			wf.Steps[0].StepOrder = 0
			wf.Steps[1].StepOrder = 1
		}},
		{"required count zero", func(wf *repository.Workflow) { wf.Steps[0].RequiredCount = 0 }},
		{"explicit step without approvers", func(wf *repository.Workflow) { wf.Steps[0].ApproverIDs = nil }},
		{"required count above distinct approvers", func(wf *repository.Workflow) {
			wf.Steps[0].ApproverIDs = []string{"a", "b", "a"}
			wf.Steps[0].RequiredCount = 3
		}},
		{"role step without roles", func(wf *repository.Workflow) { wf.Steps[1].ApproverRoles = nil }},
		{"manager step with quorum", func(wf *repository.Workflow) {
			wf.Steps[0] = &repository.WorkflowStep{
				StepOrder:     1,
				ApproverType:  repository.ApproverTypeManagerOfSubmitter,
				RequiredCount: 2,
			}
		}},
		{"unknown approver type", func(wf *repository.Workflow) { wf.Steps[0].ApproverType = "ORACLE" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			catalog, _ := newCatalogFixture(t)
			wf := validWorkflow()
			tt.mutate(wf)

			err := catalog.CreateWorkflow(context.Background(), wf)
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
		})
	}
}

func TestCreateWorkflow_DefaultIsExclusive(t *testing.T) {
	catalog, store := newCatalogFixture(t)

	first := validWorkflow()
	first.Name = "first-default"
	first.IsDefault = true
	require.NoError(t, catalog.CreateWorkflow(context.Background(), first))

	second := validWorkflow()
	second.Name = "second-default"
	second.IsDefault = true
	require.NoError(t, catalog.CreateWorkflow(context.Background(), second))

	def, err := (storetest.Workflows{Store: store}).GetDefault(context.Background(), testCompany)
	require.NoError(t, err)
	require.NotNil(t, def)
	assert.Equal(t, second.ID, def.ID)

	stored, err := catalog.GetWorkflow(context.Background(), first.ID, testCompany)
	require.NoError(t, err)
	assert.False(t, stored.IsDefault)
}

func TestUpdateWorkflow_RevalidatesAndReplacesSteps(t *testing.T) {
	catalog, _ := newCatalogFixture(t)
	wf := validWorkflow()
	require.NoError(t, catalog.CreateWorkflow(context.Background(), wf))

	wf.Steps = []*repository.WorkflowStep{explicitStep(1, 1, "new-approver")}
	require.NoError(t, catalog.UpdateWorkflow(context.Background(), wf))

	stored, err := catalog.GetWorkflow(context.Background(), wf.ID, testCompany)
	require.NoError(t, err)
	require.Len(t, stored.Steps, 1)
	assert.Equal(t, []string{"new-approver"}, stored.Steps[0].ApproverIDs)

	wf.Steps[0].RequiredCount = 5
	err = catalog.UpdateWorkflow(context.Background(), wf)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}

func TestDeactivateWorkflow(t *testing.T) {
	catalog, _ := newCatalogFixture(t)
	wf := validWorkflow()
	require.NoError(t, catalog.CreateWorkflow(context.Background(), wf))

	require.NoError(t, catalog.DeactivateWorkflow(context.Background(), wf.ID, testCompany))

	stored, err := catalog.GetWorkflow(context.Background(), wf.ID, testCompany)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
}

func TestGetWorkflow_WrongCompanyNotFound(t *testing.T) {
	catalog, _ := newCatalogFixture(t)
	wf := validWorkflow()
	require.NoError(t, catalog.CreateWorkflow(context.Background(), wf))

	_, err := catalog.GetWorkflow(context.Background(), wf.ID, "company-2")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
}
