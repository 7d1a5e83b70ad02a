package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/expenseflow/be-approvals/internal/errors"
	"github.com/expenseflow/be-approvals/internal/repository"
	"github.com/expenseflow/be-approvals/internal/storetest"
)

type resolverFixture struct {
	resolver *Resolver
	store    *storetest.Store
}

func newResolverFixture(t *testing.T) *resolverFixture {
	t.Helper()
	store := storetest.NewStore()
	return &resolverFixture{
		resolver: NewResolver(storetest.Workflows{Store: store}),
		store:    store,
	}
}

func (f *resolverFixture) add(wf *repository.Workflow) *repository.Workflow {
	if wf.CompanyID == "" {
		wf.CompanyID = testCompany
	}
	if wf.Steps == nil {
		wf.Steps = []*repository.WorkflowStep{explicitStep(1, 1, "mgr-1")}
	}
	if err := (storetest.Workflows{Store: f.store}).Create(context.Background(), wf); err != nil {
		panic(err)
	}
	return wf
}

func testExpense(categoryID, submitterID string) *repository.Expense {
	return &repository.Expense{
		ID:          "exp-1",
		CompanyID:   testCompany,
		CategoryID:  categoryID,
		SubmitterID: submitterID,
		Amount:      100_00,
	}
}

func TestResolve_HighestPriorityEligibleWins(t *testing.T) {
	f := newResolverFixture(t)
	f.add(&repository.Workflow{Name: "low", Priority: 1, IsActive: true})
	high := f.add(&repository.Workflow{Name: "high", Priority: 10, IsActive: true})

	wf, err := f.resolver.Resolve(context.Background(), testExpense("cat-travel", "alice"))
	require.NoError(t, err)
	assert.Equal(t, high.ID, wf.ID)
}

func TestResolve_PriorityTieBreaksByCreation(t *testing.T) {
	f := newResolverFixture(t)
	older := f.add(&repository.Workflow{Name: "older", Priority: 5, IsActive: true})
	f.add(&repository.Workflow{Name: "newer", Priority: 5, IsActive: true})

	// Deterministic: same input always resolves to the same workflow.
	for i := 0; i < 5; i++ {
		wf, err := f.resolver.Resolve(context.Background(), testExpense("cat-travel", "alice"))
		require.NoError(t, err)
		assert.Equal(t, older.ID, wf.ID)
	}
}

func TestResolve_CategoryScopeFilters(t *testing.T) {
	f := newResolverFixture(t)
	travel := f.add(&repository.Workflow{
		Name: "travel-only", Priority: 10, IsActive: true,
		CategoryScope: []string{"cat-travel"},
	})
	catchAll := f.add(&repository.Workflow{Name: "catch-all", Priority: 1, IsActive: true})

	wf, err := f.resolver.Resolve(context.Background(), testExpense("cat-travel", "alice"))
	require.NoError(t, err)
	assert.Equal(t, travel.ID, wf.ID)

	wf, err = f.resolver.Resolve(context.Background(), testExpense("cat-meals", "alice"))
	require.NoError(t, err)
	assert.Equal(t, catchAll.ID, wf.ID)
}

func TestResolve_UserScopeFilters(t *testing.T) {
	f := newResolverFixture(t)
	execs := f.add(&repository.Workflow{
		Name: "executives", Priority: 10, IsActive: true,
		UserScope: []string{"ceo", "cfo"},
	})
	catchAll := f.add(&repository.Workflow{Name: "catch-all", Priority: 1, IsActive: true})

	wf, err := f.resolver.Resolve(context.Background(), testExpense("cat-travel", "cfo"))
	require.NoError(t, err)
	assert.Equal(t, execs.ID, wf.ID)

	wf, err = f.resolver.Resolve(context.Background(), testExpense("cat-travel", "alice"))
	require.NoError(t, err)
	assert.Equal(t, catchAll.ID, wf.ID)
}

func TestResolve_FallsBackToDefault(t *testing.T) {
	f := newResolverFixture(t)
	f.add(&repository.Workflow{
		Name: "travel-only", Priority: 10, IsActive: true,
		CategoryScope: []string{"cat-travel"},
	})
	def := f.add(&repository.Workflow{
		Name: "default", Priority: 0, IsActive: true, IsDefault: true,
		CategoryScope: []string{"cat-other"},
	})

	// Nothing's scope matches, so the default applies even though its own
	// scope would not.
	wf, err := f.resolver.Resolve(context.Background(), testExpense("cat-meals", "alice"))
	require.NoError(t, err)
	assert.Equal(t, def.ID, wf.ID)
}

func TestResolve_InactiveWorkflowsIgnored(t *testing.T) {
	f := newResolverFixture(t)
	inactive := f.add(&repository.Workflow{Name: "retired", Priority: 10})
	require.NoError(t, (storetest.Workflows{Store: f.store}).SetActive(context.Background(), inactive.ID, testCompany, false))
	active := f.add(&repository.Workflow{Name: "current", Priority: 1, IsActive: true})

	wf, err := f.resolver.Resolve(context.Background(), testExpense("cat-travel", "alice"))
	require.NoError(t, err)
	assert.Equal(t, active.ID, wf.ID)
}

func TestResolve_NoMatchNoDefaultFails(t *testing.T) {
	f := newResolverFixture(t)
	f.add(&repository.Workflow{
		Name: "travel-only", Priority: 10, IsActive: true,
		CategoryScope: []string{"cat-travel"},
	})

	_, err := f.resolver.Resolve(context.Background(), testExpense("cat-meals", "alice"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNoApplicableWorkflow, errors.CodeOf(err))
}

func TestResolve_CompaniesAreIsolated(t *testing.T) {
	f := newResolverFixture(t)
	f.add(&repository.Workflow{Name: "other-company", CompanyID: "company-2", Priority: 10, IsActive: true})

	_, err := f.resolver.Resolve(context.Background(), testExpense("cat-travel", "alice"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNoApplicableWorkflow, errors.CodeOf(err))
}
