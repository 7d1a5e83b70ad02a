package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/expenseflow/be-approvals/internal/errors"
	"github.com/expenseflow/be-approvals/internal/logger"
	"github.com/expenseflow/be-approvals/internal/repository"
	"github.com/expenseflow/be-approvals/internal/storetest"
)

const testCompany = "company-1"

type engineFixture struct {
	engine    *Engine
	store     *storetest.Store
	directory *storetest.FakeDirectory
	notifier  *storetest.FakeNotifier
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store := storetest.NewStore()
	directory := storetest.NewFakeDirectory()
	notifier := &storetest.FakeNotifier{}
	log := logger.Nop()
	engine := NewEngine(
		store,
		NewResolver(storetest.Workflows{Store: store}),
		storetest.Instances{Store: store},
		storetest.Records{Store: store},
		storetest.AuditTrail{Store: store},
		store,
		directory,
		notifier,
		24*time.Hour,
		log,
	)
	return &engineFixture{engine: engine, store: store, directory: directory, notifier: notifier}
}

func (f *engineFixture) addExpense(amount int64, submitterID string) *repository.Expense {
	return f.store.AddExpense(&repository.Expense{
		CompanyID:   testCompany,
		CategoryID:  "cat-travel",
		SubmitterID: submitterID,
		Amount:      amount,
		Currency:    "EUR",
		Status:      "DRAFT",
	})
}

func (f *engineFixture) addWorkflow(wf *repository.Workflow) *repository.Workflow {
	if wf.CompanyID == "" {
		wf.CompanyID = testCompany
	}
	wf.IsActive = true
	if err := (storetest.Workflows{Store: f.store}).Create(context.Background(), wf); err != nil {
		panic(err)
	}
	return wf
}

func explicitStep(order int, required int, approvers ...string) *repository.WorkflowStep {
	return &repository.WorkflowStep{
		StepOrder:     order,
		ApproverType:  repository.ApproverTypeExplicitUsers,
		ApproverIDs:   approvers,
		RequiredCount: required,
	}
}

func (f *engineFixture) recordsFor(t *testing.T, instanceID string, stepOrder int) []*repository.StepRecord {
	t.Helper()
	records, err := (storetest.Records{Store: f.store}).ListByStep(context.Background(), instanceID, stepOrder)
	require.NoError(t, err)
	return records
}

func (f *engineFixture) recordOf(t *testing.T, instanceID string, stepOrder int, approverID string) *repository.StepRecord {
	t.Helper()
	for _, rec := range f.recordsFor(t, instanceID, stepOrder) {
		if rec.ApproverID == approverID {
			return rec
		}
	}
	t.Fatalf("no step record for approver %s at step %d", approverID, stepOrder)
	return nil
}

func auditActions(records []*repository.AuditRecord) []repository.AuditAction {
	actions := make([]repository.AuditAction, 0, len(records))
	for _, rec := range records {
		actions = append(actions, rec.Action)
	}
	return actions
}

// ── Submission ────────────────────────────────────────────────────────────────

func TestSubmitForApproval_StartsFirstStep(t *testing.T) {
	f := newEngineFixture(t)
	f.addWorkflow(&repository.Workflow{
		Name:  "standard",
		Steps: []*repository.WorkflowStep{explicitStep(1, 1, "mgr-1")},
	})
	exp := f.addExpense(50_00, "alice")

	inst, err := f.engine.SubmitForApproval(context.Background(), exp.ID, "alice")
	require.NoError(t, err)
	require.NotNil(t, inst)

	assert.Equal(t, repository.InstanceInProgress, inst.Status)
	assert.Equal(t, 1, inst.CurrentStepOrder)

	records := f.recordsFor(t, inst.ID, 1)
	require.Len(t, records, 1)
	assert.Equal(t, "mgr-1", records[0].ApproverID)
	assert.Equal(t, repository.RecordPending, records[0].Status)

	mirrored, err := f.store.GetByID(context.Background(), exp.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.ExpensePendingApproval, mirrored.Status)

	history, err := f.engine.InstanceHistory(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t,
		[]repository.AuditAction{repository.AuditSubmitted, repository.AuditAssigned},
		auditActions(history))
}

func TestSubmitForApproval_DuplicateSubmissionRejected(t *testing.T) {
	f := newEngineFixture(t)
	f.addWorkflow(&repository.Workflow{
		Name:  "standard",
		Steps: []*repository.WorkflowStep{explicitStep(1, 1, "mgr-1")},
	})
	exp := f.addExpense(50_00, "alice")

	first, err := f.engine.SubmitForApproval(context.Background(), exp.ID, "alice")
	require.NoError(t, err)

	_, err = f.engine.SubmitForApproval(context.Background(), exp.ID, "alice")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAlreadySubmitted, errors.CodeOf(err))

	// The original instance is untouched.
	inst, err := f.engine.GetInstance(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceInProgress, inst.Status)
}

func TestSubmitForApproval_ConcurrentDuplicatesCreateOneInstance(t *testing.T) {
	f := newEngineFixture(t)
	f.addWorkflow(&repository.Workflow{
		Name:  "standard",
		Steps: []*repository.WorkflowStep{explicitStep(1, 1, "mgr-1")},
	})
	exp := f.addExpense(50_00, "alice")

	const attempts = 8
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.SubmitForApproval(context.Background(), exp.ID, "alice")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.Equal(t, errors.ErrCodeAlreadySubmitted, errors.CodeOf(err))
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestSubmitForApproval_NoApplicableWorkflow(t *testing.T) {
	f := newEngineFixture(t)
	exp := f.addExpense(50_00, "alice")

	_, err := f.engine.SubmitForApproval(context.Background(), exp.ID, "alice")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNoApplicableWorkflow, errors.CodeOf(err))

	// The expense stays unsubmitted.
	inst, err := f.engine.GetInstanceByExpense(context.Background(), exp.ID)
	require.NoError(t, err)
	assert.Nil(t, inst)
}

// ── Auto-approval gate ────────────────────────────────────────────────────────

func TestSubmitForApproval_AutoApprovesAtOrUnderLimit(t *testing.T) {
	limit := int64(100_00)
	f := newEngineFixture(t)
	f.addWorkflow(&repository.Workflow{
		Name:              "standard",
		AutoApprovalLimit: &limit,
		Steps:             []*repository.WorkflowStep{explicitStep(1, 1, "mgr-1")},
	})
	exp := f.addExpense(100_00, "alice") // exactly at the limit

	inst, err := f.engine.SubmitForApproval(context.Background(), exp.ID, "alice")
	require.NoError(t, err)

	assert.Equal(t, repository.InstanceApproved, inst.Status)
	require.NotNil(t, inst.CompletedAt)

	// No step records exist for an auto-approved instance.
	assert.Empty(t, f.recordsFor(t, inst.ID, 1))

	mirrored, err := f.store.GetByID(context.Background(), exp.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.ExpenseApproved, mirrored.Status)

	history, err := f.engine.InstanceHistory(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, repository.AuditAutoApproved, history[0].Action)
	assert.Nil(t, history[0].ActorID)
}

func TestSubmitForApproval_OverLimitGoesThroughSteps(t *testing.T) {
	limit := int64(100_00)
	f := newEngineFixture(t)
	f.addWorkflow(&repository.Workflow{
		Name:              "standard",
		AutoApprovalLimit: &limit,
		Steps:             []*repository.WorkflowStep{explicitStep(1, 1, "mgr-1")},
	})
	exp := f.addExpense(100_01, "alice") // one cent over

	inst, err := f.engine.SubmitForApproval(context.Background(), exp.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceInProgress, inst.Status)
	assert.Len(t, f.recordsFor(t, inst.ID, 1), 1)
}

// ── Approver resolution ───────────────────────────────────────────────────────

func TestSubmitForApproval_ResolvesRoleApprovers(t *testing.T) {
	f := newEngineFixture(t)
	f.directory.Roles["finance"] = []string{"fin-1", "fin-2", "fin-1"}
	f.addWorkflow(&repository.Workflow{
		Name: "role-based",
		Steps: []*repository.WorkflowStep{{
			StepOrder:     1,
			ApproverType:  repository.ApproverTypeRole,
			ApproverRoles: []string{"finance"},
			RequiredCount: 1,
		}},
	})
	exp := f.addExpense(500_00, "alice")

	inst, err := f.engine.SubmitForApproval(context.Background(), exp.ID, "alice")
	require.NoError(t, err)

	records := f.recordsFor(t, inst.ID, 1)
	require.Len(t, records, 2) // resolved set is deduplicated
	ids := []string{records[0].ApproverID, records[1].ApproverID}
	assert.ElementsMatch(t, []string{"fin-1", "fin-2"}, ids)
}

func TestSubmitForApproval_ResolvesManagerOfSubmitter(t *testing.T) {
	f := newEngineFixture(t)
	f.directory.Managers["alice"] = "mgr-alice"
	f.addWorkflow(&repository.Workflow{
		Name: "manager-chain",
		Steps: []*repository.WorkflowStep{{
			StepOrder:     1,
			ApproverType:  repository.ApproverTypeManagerOfSubmitter,
			RequiredCount: 1,
		}},
	})
	exp := f.addExpense(500_00, "alice")

	inst, err := f.engine.SubmitForApproval(context.Background(), exp.ID, "alice")
	require.NoError(t, err)

	records := f.recordsFor(t, inst.ID, 1)
	require.Len(t, records, 1)
	assert.Equal(t, "mgr-alice", records[0].ApproverID)
}

func TestSubmitForApproval_NoManagerSystemRejects(t *testing.T) {
	f := newEngineFixture(t)
	f.addWorkflow(&repository.Workflow{
		Name: "manager-chain",
		Steps: []*repository.WorkflowStep{{
			StepOrder:     1,
			ApproverType:  repository.ApproverTypeManagerOfSubmitter,
			RequiredCount: 1,
		}},
	})
	exp := f.addExpense(500_00, "alice") // no manager on file

	inst, err := f.engine.SubmitForApproval(context.Background(), exp.ID, "alice")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNoApproversResolved, errors.CodeOf(err))
	require.NotNil(t, inst)

	// The system rejection is committed, not rolled back.
	stored, err := f.engine.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceRejected, stored.Status)
	require.NotNil(t, stored.CompletedAt)

	mirrored, err := f.store.GetByID(context.Background(), exp.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.ExpenseRejected, mirrored.Status)

	history, err := f.engine.InstanceHistory(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, repository.AuditSubmitted, history[0].Action)
	assert.Equal(t, repository.AuditSystemRejected, history[1].Action)
	assert.Nil(t, history[1].ActorID)
}

// ── Approve ───────────────────────────────────────────────────────────────────

func TestApprove_SingleApproverCompletesInstance(t *testing.T) {
	f := newEngineFixture(t)
	f.addWorkflow(&repository.Workflow{
		Name:  "one-step",
		Steps: []*repository.WorkflowStep{explicitStep(1, 1, "mgr-1")},
	})
	exp := f.addExpense(200_00, "alice")
	inst, err := f.engine.SubmitForApproval(context.Background(), exp.ID, "alice")
	require.NoError(t, err)

	rec := f.recordOf(t, inst.ID, 1, "mgr-1")
	out, err := f.engine.Approve(context.Background(), rec.ID, "mgr-1", "looks fine")
	require.NoError(t, err)

	assert.Equal(t, repository.RecordApproved, out.Status)
	require.NotNil(t, out.Decision)
	assert.Equal(t, repository.RecordApproved, *out.Decision)
	require.NotNil(t, out.Comments)
	assert.Equal(t, "looks fine", *out.Comments)
	require.NotNil(t, out.ActionTakenAt)

	final, err := f.engine.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceApproved, final.Status)

	mirrored, err := f.store.GetByID(context.Background(), exp.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.ExpenseApproved, mirrored.Status)

	history, err := f.engine.InstanceHistory(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, []repository.AuditAction{
		repository.AuditSubmitted,
		repository.AuditAssigned,
		repository.AuditStepApproved,
		repository.AuditApproved,
	}, auditActions(history))
}

func TestApprove_TwoStepWorkflowAdvances(t *testing.T) {
	f := newEngineFixture(t)
	f.addWorkflow(&repository.Workflow{
		Name: "two-step",
		Steps: []*repository.WorkflowStep{
			explicitStep(1, 1, "mgr-1"),
			explicitStep(2, 1, "cfo-1"),
		},
	})
	exp := f.addExpense(900_00, "alice")
	inst, err := f.engine.SubmitForApproval(context.Background(), exp.ID, "alice")
	require.NoError(t, err)

	rec1 := f.recordOf(t, inst.ID, 1, "mgr-1")
	_, err = f.engine.Approve(context.Background(), rec1.ID, "mgr-1", "")
	require.NoError(t, err)

	mid, err := f.engine.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, mid.CurrentStepOrder)
	assert.Equal(t, repository.InstanceInProgress, mid.Status)

	rec2 := f.recordOf(t, inst.ID, 2, "cfo-1")
	_, err = f.engine.Approve(context.Background(), rec2.ID, "cfo-1", "")
	require.NoError(t, err)

	final, err := f.engine.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceApproved, final.Status)

	history, err := f.engine.InstanceHistory(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, []repository.AuditAction{
		repository.AuditSubmitted,
		repository.AuditAssigned,
		repository.AuditStepApproved,
		repository.AuditAssigned,
		repository.AuditStepApproved,
		repository.AuditApproved,
	}, auditActions(history))
}

func TestApprove_RequiredCountHoldsStepOpen(t *testing.T) {
	f := newEngineFixture(t)
	f.addWorkflow(&repository.Workflow{
		Name:  "quorum",
		Steps: []*repository.WorkflowStep{explicitStep(1, 2, "a", "b", "c")},
	})
	exp := f.addExpense(900_00, "alice")
	inst, err := f.engine.SubmitForApproval(context.Background(), exp.ID, "alice")
	require.NoError(t, err)

	recA := f.recordOf(t, inst.ID, 1, "a")
	_, err = f.engine.Approve(context.Background(), recA.ID, "a", "")
	require.NoError(t, err)

	mid, err := f.engine.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, mid.CurrentStepOrder)
	assert.Equal(t, repository.InstanceInProgress, mid.Status)

	recB := f.recordOf(t, inst.ID, 1, "b")
	_, err = f.engine.Approve(context.Background(), recB.ID, "b", "")
	require.NoError(t, err)

	final, err := f.engine.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceApproved, final.Status)

	// The undecided third record is moot, decision untouched.
	recC := f.recordOf(t, inst.ID, 1, "c")
	assert.True(t, recC.Moot)
	assert.Equal(t, repository.RecordPending, recC.Status)
	assert.Nil(t, recC.Decision)
}

func TestApprove_ConcurrentQuorumAdvancesExactlyOnce(t *testing.T) {
	f := newEngineFixture(t)
	f.addWorkflow(&repository.Workflow{
		Name: "quorum-two-step",
		Steps: []*repository.WorkflowStep{
			explicitStep(1, 2, "a", "b", "c"),
			explicitStep(2, 1, "cfo-1"),
		},
	})
	exp := f.addExpense(900_00, "alice")
	inst, err := f.engine.SubmitForApproval(context.Background(), exp.ID, "alice")
	require.NoError(t, err)

	approvers := []string{"a", "b", "c"}
	errs := make([]error, len(approvers))
	var wg sync.WaitGroup
	for i, approver := range approvers {
		rec := f.recordOf(t, inst.ID, 1, approver)
		wg.Add(1)
		go func(i int, recID, approver string) {
			defer wg.Done()
			_, errs[i] = f.engine.Approve(context.Background(), recID, approver, "")
		}(i, rec.ID, approver)
	}
	wg.Wait()

	// Whatever the arrival order, the quorum lands once: two decisions
	// succeed and the loser sees a benign conflict.
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))
		}
	}
	assert.Equal(t, 2, succeeded)

	final, err := f.engine.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, final.CurrentStepOrder)
	assert.Equal(t, repository.InstanceInProgress, final.Status)

	// Step two was materialized exactly once.
	require.Len(t, f.recordsFor(t, inst.ID, 2), 1)

	history, err := f.engine.InstanceHistory(context.Background(), inst.ID)
	require.NoError(t, err)
	assigned := 0
	for _, rec := range history {
		if rec.Action == repository.AuditAssigned {
			assigned++
		}
	}
	assert.Equal(t, 2, assigned)
}

func TestApprove_WrongApproverNotAuthorized(t *testing.T) {
	f := newEngineFixture(t)
	f.addWorkflow(&repository.Workflow{
		Name:  "one-step",
		Steps: []*repository.WorkflowStep{explicitStep(1, 1, "mgr-1")},
	})
	exp := f.addExpense(200_00, "alice")
	inst, err := f.engine.SubmitForApproval(context.Background(), exp.ID, "alice")
	require.NoError(t, err)

	rec := f.recordOf(t, inst.ID, 1, "mgr-1")
	_, err = f.engine.Approve(context.Background(), rec.ID, "intruder", "")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotAuthorized, errors.CodeOf(err))

	// Nothing changed.
	unchanged := f.recordOf(t, inst.ID, 1, "mgr-1")
	assert.Equal(t, repository.RecordPending, unchanged.Status)
}

func TestApprove_SecondDecisionOnSameRecordAlreadyDecided(t *testing.T) {
	f := newEngineFixture(t)
	f.addWorkflow(&repository.Workflow{
		Name:  "quorum",
		Steps: []*repository.WorkflowStep{explicitStep(1, 2, "a", "b")},
	})
	exp := f.addExpense(900_00, "alice")
	inst, err := f.engine.SubmitForApproval(context.Background(), exp.ID, "alice")
	require.NoError(t, err)

	rec := f.recordOf(t, inst.ID, 1, "a")
	_, err = f.engine.Approve(context.Background(), rec.ID, "a", "")
	require.NoError(t, err)

	_, err = f.engine.Approve(context.Background(), rec.ID, "a", "")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAlreadyDecided, errors.CodeOf(err))
}

func TestApprove_OnFinalizedInstanceAlreadyFinalized(t *testing.T) {
	f := newEngineFixture(t)
	f.addWorkflow(&repository.Workflow{
		Name:  "one-step",
		Steps: []*repository.WorkflowStep{explicitStep(1, 1, "mgr-1", "mgr-2")},
	})
	exp := f.addExpense(200_00, "alice")
	inst, err := f.engine.SubmitForApproval(context.Background(), exp.ID, "alice")
	require.NoError(t, err)

	recA := f.recordOf(t, inst.ID, 1, "mgr-1")
	_, err = f.engine.Approve(context.Background(), recA.ID, "mgr-1", "")
	require.NoError(t, err)

	recB := f.recordOf(t, inst.ID, 1, "mgr-2")
	_, err = f.engine.Approve(context.Background(), recB.ID, "mgr-2", "")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAlreadyFinalized, errors.CodeOf(err))
}

// ── Reject ────────────────────────────────────────────────────────────────────

func TestReject_IsAbsorbing(t *testing.T) {
	f := newEngineFixture(t)
	f.addWorkflow(&repository.Workflow{
		Name: "two-step",
		Steps: []*repository.WorkflowStep{
			explicitStep(1, 2, "a", "b", "c"),
			explicitStep(2, 1, "cfo-1"),
		},
	})
	exp := f.addExpense(900_00, "alice")
	inst, err := f.engine.SubmitForApproval(context.Background(), exp.ID, "alice")
	require.NoError(t, err)

	recA := f.recordOf(t, inst.ID, 1, "a")
	_, err = f.engine.Approve(context.Background(), recA.ID, "a", "")
	require.NoError(t, err)

	recB := f.recordOf(t, inst.ID, 1, "b")
	out, err := f.engine.Reject(context.Background(), recB.ID, "b", "missing receipt")
	require.NoError(t, err)
	assert.Equal(t, repository.RecordRejected, out.Status)

	final, err := f.engine.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceRejected, final.Status)
	require.NotNil(t, final.CompletedAt)

	mirrored, err := f.store.GetByID(context.Background(), exp.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.ExpenseRejected, mirrored.Status)

	// a's earlier approval stands; c's undecided record is moot with the
	// decision column untouched.
	recA = f.recordOf(t, inst.ID, 1, "a")
	assert.Equal(t, repository.RecordApproved, recA.Status)
	recC := f.recordOf(t, inst.ID, 1, "c")
	assert.True(t, recC.Moot)
	assert.Nil(t, recC.Decision)

	// No step-two records were ever created.
	assert.Empty(t, f.recordsFor(t, inst.ID, 2))
}

func TestReject_RequiresReason(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.Reject(context.Background(), "rec-1", "a", "")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}

func TestReject_AfterFinalizationAlreadyFinalized(t *testing.T) {
	f := newEngineFixture(t)
	f.addWorkflow(&repository.Workflow{
		Name:  "one-step",
		Steps: []*repository.WorkflowStep{explicitStep(1, 1, "mgr-1", "mgr-2")},
	})
	exp := f.addExpense(200_00, "alice")
	inst, err := f.engine.SubmitForApproval(context.Background(), exp.ID, "alice")
	require.NoError(t, err)

	recA := f.recordOf(t, inst.ID, 1, "mgr-1")
	_, err = f.engine.Approve(context.Background(), recA.ID, "mgr-1", "")
	require.NoError(t, err)

	// A late reject must not reopen the approved instance.
	recB := f.recordOf(t, inst.ID, 1, "mgr-2")
	_, err = f.engine.Reject(context.Background(), recB.ID, "mgr-2", "too late")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAlreadyFinalized, errors.CodeOf(err))

	final, err := f.engine.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceApproved, final.Status)
}

func TestConcurrentApproveAndReject_SingleWriterWins(t *testing.T) {
	f := newEngineFixture(t)
	f.addWorkflow(&repository.Workflow{
		Name:  "one-step",
		Steps: []*repository.WorkflowStep{explicitStep(1, 1, "a", "b")},
	})
	exp := f.addExpense(900_00, "alice")
	inst, err := f.engine.SubmitForApproval(context.Background(), exp.ID, "alice")
	require.NoError(t, err)

	recA := f.recordOf(t, inst.ID, 1, "a")
	recB := f.recordOf(t, inst.ID, 1, "b")

	var wg sync.WaitGroup
	var approveErr, rejectErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, approveErr = f.engine.Approve(context.Background(), recA.ID, "a", "")
	}()
	go func() {
		defer wg.Done()
		_, rejectErr = f.engine.Reject(context.Background(), recB.ID, "b", "no")
	}()
	wg.Wait()

	// Exactly one of the two finalizes the instance; the loser gets a
	// benign AlreadyFinalized.
	final, err := f.engine.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	require.True(t, final.Status.Terminal())

	if final.Status == repository.InstanceApproved {
		require.NoError(t, approveErr)
		assert.Equal(t, errors.ErrCodeAlreadyFinalized, errors.CodeOf(rejectErr))
	} else {
		require.NoError(t, rejectErr)
		assert.Equal(t, errors.ErrCodeAlreadyFinalized, errors.CodeOf(approveErr))
	}
}

// ── Queries ───────────────────────────────────────────────────────────────────

func TestPendingApprovals_ExcludesDecidedMootAndTerminal(t *testing.T) {
	f := newEngineFixture(t)
	f.addWorkflow(&repository.Workflow{
		Name:  "quorum",
		Steps: []*repository.WorkflowStep{explicitStep(1, 1, "a", "b")},
	})

	expOne := f.addExpense(900_00, "alice")
	instOne, err := f.engine.SubmitForApproval(context.Background(), expOne.ID, "alice")
	require.NoError(t, err)

	expTwo := f.addExpense(900_00, "bob")
	_, err = f.engine.SubmitForApproval(context.Background(), expTwo.ID, "bob")
	require.NoError(t, err)

	pending, err := f.engine.PendingApprovals(context.Background(), "a")
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	// a approves the first instance; it finalizes and b's record goes
	// moot, so both drop out of both queues.
	rec := f.recordOf(t, instOne.ID, 1, "a")
	_, err = f.engine.Approve(context.Background(), rec.ID, "a", "")
	require.NoError(t, err)

	pending, err = f.engine.PendingApprovals(context.Background(), "a")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	pendingB, err := f.engine.PendingApprovals(context.Background(), "b")
	require.NoError(t, err)
	assert.Len(t, pendingB, 1)
	assert.Equal(t, expTwo.ID, pendingB[0].ExpenseID)
}

func TestInstanceHistory_UnknownInstance(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.InstanceHistory(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
}

func TestInstanceHistory_TimestampsNonDecreasing(t *testing.T) {
	f := newEngineFixture(t)
	f.addWorkflow(&repository.Workflow{
		Name: "two-step",
		Steps: []*repository.WorkflowStep{
			explicitStep(1, 1, "mgr-1"),
			explicitStep(2, 1, "cfo-1"),
		},
	})
	exp := f.addExpense(900_00, "alice")
	inst, err := f.engine.SubmitForApproval(context.Background(), exp.ID, "alice")
	require.NoError(t, err)

	rec1 := f.recordOf(t, inst.ID, 1, "mgr-1")
	_, err = f.engine.Approve(context.Background(), rec1.ID, "mgr-1", "")
	require.NoError(t, err)
	rec2 := f.recordOf(t, inst.ID, 2, "cfo-1")
	_, err = f.engine.Approve(context.Background(), rec2.ID, "cfo-1", "")
	require.NoError(t, err)

	history, err := f.engine.InstanceHistory(context.Background(), inst.ID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].RecordedAt.Before(history[i-1].RecordedAt))
	}
}

func TestOverdueRecords(t *testing.T) {
	f := newEngineFixture(t)
	f.addWorkflow(&repository.Workflow{
		Name:  "one-step",
		Steps: []*repository.WorkflowStep{explicitStep(1, 1, "mgr-1")},
	})
	exp := f.addExpense(900_00, "alice")
	inst, err := f.engine.SubmitForApproval(context.Background(), exp.ID, "alice")
	require.NoError(t, err)

	overdue, err := f.engine.OverdueRecords(context.Background())
	require.NoError(t, err)
	assert.Empty(t, overdue)

	// Age the record past the threshold.
	rec := f.recordOf(t, inst.ID, 1, "mgr-1")
	f.store.SetAssignedAt(rec.ID, time.Now().Add(-25*time.Hour))

	overdue, err = f.engine.OverdueRecords(context.Background())
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, rec.ID, overdue[0].ID)
}

// ── Notifications ─────────────────────────────────────────────────────────────

func TestNotifications_DispatchedAfterCommit(t *testing.T) {
	f := newEngineFixture(t)
	f.addWorkflow(&repository.Workflow{
		Name:  "one-step",
		Steps: []*repository.WorkflowStep{explicitStep(1, 1, "mgr-1")},
	})
	exp := f.addExpense(900_00, "alice")
	inst, err := f.engine.SubmitForApproval(context.Background(), exp.ID, "alice")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.notifier.ByType(EventSubmitted)) == 1 &&
			len(f.notifier.ByType(EventAssigned)) == 1
	}, time.Second, 5*time.Millisecond)

	assigned := f.notifier.ByType(EventAssigned)[0]
	assert.Equal(t, []string{"mgr-1"}, assigned.Recipients)

	rec := f.recordOf(t, inst.ID, 1, "mgr-1")
	_, err = f.engine.Approve(context.Background(), rec.ID, "mgr-1", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.notifier.ByType(EventApproved)) == 1
	}, time.Second, 5*time.Millisecond)
	approved := f.notifier.ByType(EventApproved)[0]
	assert.Equal(t, []string{"alice"}, approved.Recipients)
	assert.Equal(t, exp.ID, approved.ExpenseID)
}

// ── Snapshot isolation ────────────────────────────────────────────────────────

func TestSubmit_SnapshotsStepsAgainstCatalogEdits(t *testing.T) {
	f := newEngineFixture(t)
	wf := f.addWorkflow(&repository.Workflow{
		Name: "two-step",
		Steps: []*repository.WorkflowStep{
			explicitStep(1, 1, "mgr-1"),
			explicitStep(2, 1, "cfo-1"),
		},
	})
	exp := f.addExpense(900_00, "alice")
	inst, err := f.engine.SubmitForApproval(context.Background(), exp.ID, "alice")
	require.NoError(t, err)

	// Rewire the workflow's second step after submission.
	wf.Steps = []*repository.WorkflowStep{
		explicitStep(1, 1, "mgr-1"),
		explicitStep(2, 1, "someone-else"),
	}
	require.NoError(t, (storetest.Workflows{Store: f.store}).Update(context.Background(), wf))

	rec1 := f.recordOf(t, inst.ID, 1, "mgr-1")
	_, err = f.engine.Approve(context.Background(), rec1.ID, "mgr-1", "")
	require.NoError(t, err)

	// The in-flight instance still follows its submission-time snapshot.
	records := f.recordsFor(t, inst.ID, 2)
	require.Len(t, records, 1)
	assert.Equal(t, "cfo-1", records[0].ApproverID)
}
