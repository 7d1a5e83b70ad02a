package service

import (
	"context"
	"slices"
	"time"

	"github.com/expenseflow/be-approvals/internal/errors"
	"github.com/expenseflow/be-approvals/internal/logger"
	"github.com/expenseflow/be-approvals/internal/repository"
)

// Engine routes a submitted expense through its resolved approval workflow.
// It owns the instance lifecycle, step materialization and decision
// processing. All state is in the injected stores; the engine itself is
// stateless and safe for concurrent use.
//
// Locking discipline: every mutating operation runs in one transaction and
// takes the instance row lock (GetForUpdate) before reading or changing
// workflow position, so concurrent decisions serialize per instance and step
// advancement happens exactly once. Audit appends share that transaction; a
// failed append rolls the state change back.
type Engine struct {
	tx           TxRunner
	resolver     *Resolver
	instances    InstanceStore
	records      StepRecordStore
	audit        AuditLog
	expenses     ExpenseStore
	directory    DirectoryClient
	notifier     Notifier
	overdueAfter time.Duration
	log          *logger.Logger
}

// NewEngine creates an approval Engine.
func NewEngine(
	tx TxRunner,
	resolver *Resolver,
	instances InstanceStore,
	records StepRecordStore,
	audit AuditLog,
	expenses ExpenseStore,
	directory DirectoryClient,
	notifier Notifier,
	overdueAfter time.Duration,
	log *logger.Logger,
) *Engine {
	if overdueAfter <= 0 {
		overdueAfter = 24 * time.Hour
	}
	return &Engine{
		tx:           tx,
		resolver:     resolver,
		instances:    instances,
		records:      records,
		audit:        audit,
		expenses:     expenses,
		directory:    directory,
		notifier:     notifier,
		overdueAfter: overdueAfter,
		log:          log,
	}
}

// event is a notification buffered during a transaction and dispatched only
// after commit, so external sinks never observe uncommitted state.
type event struct {
	typ        string
	expenseID  string
	instanceID string
	actorID    string
	recipients []string
	payload    map[string]any
}

// ── Submission ────────────────────────────────────────────────────────────────

// SubmitForApproval creates the approval instance for an expense and starts
// its first step, or approves it outright when the resolved workflow's
// auto-approval limit covers the amount.
func (e *Engine) SubmitForApproval(ctx context.Context, expenseID, submitterID string) (*repository.ApprovalInstance, error) {
	exp, err := e.expenses.GetByID(ctx, expenseID)
	if err != nil {
		return nil, err
	}

	existing, err := e.instances.GetByExpenseID(ctx, expenseID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errors.Newf(errors.ErrCodeAlreadySubmitted,
			"expense %s already has approval instance %s", expenseID, existing.ID)
	}

	wf, err := e.resolver.Resolve(ctx, exp)
	if err != nil {
		return nil, err
	}

	if wf.AutoApprovalLimit != nil && exp.Amount <= *wf.AutoApprovalLimit {
		return e.autoApprove(ctx, exp, wf, submitterID)
	}

	inst := &repository.ApprovalInstance{
		ExpenseID:        exp.ID,
		CompanyID:        exp.CompanyID,
		WorkflowID:       wf.ID,
		CurrentStepOrder: 1,
		Status:           repository.InstancePending,
		SubmittedBy:      submitterID,
	}
	snapshot := snapshotSteps(wf)

	var events []event
	var systemRejected bool
	err = e.tx.InTransaction(ctx, func(ctx context.Context) error {
		if err := e.instances.Create(ctx, inst, snapshot); err != nil {
			return err
		}
		if err := e.audit.Append(ctx, &repository.AuditRecord{
			InstanceID: inst.ID,
			ExpenseID:  exp.ID,
			ActorID:    &submitterID,
			Action:     repository.AuditSubmitted,
			ToStatus:   instStatus(repository.InstancePending),
			Metadata:   map[string]any{"workflow_id": wf.ID, "amount": exp.Amount},
		}); err != nil {
			return err
		}
		if err := e.expenses.SetStatus(ctx, exp.ID, repository.ExpensePendingApproval); err != nil {
			return err
		}

		evs, rejected, err := e.startStep(ctx, inst, exp, nil)
		if err != nil {
			return err
		}
		events = append(events, evs...)
		systemRejected = rejected
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("expense_id", exp.ID).
		Str("instance_id", inst.ID).
		Str("workflow_id", wf.ID).
		Str("status", string(inst.Status)).
		Msg("Expense submitted for approval")

	events = append([]event{{
		typ:        EventSubmitted,
		expenseID:  exp.ID,
		instanceID: inst.ID,
		actorID:    submitterID,
		recipients: []string{exp.SubmitterID},
	}}, events...)
	e.dispatch(events)

	if systemRejected {
		return inst, errors.Newf(errors.ErrCodeNoApproversResolved,
			"no approvers resolved for expense %s; instance rejected", exp.ID)
	}
	return inst, nil
}

// autoApprove creates the instance directly in APPROVED without any step
// records. Deliberate policy short-circuit: an auto-approved instance is
// distinguishable from a step-based one by having zero records.
func (e *Engine) autoApprove(ctx context.Context, exp *repository.Expense, wf *repository.Workflow, submitterID string) (*repository.ApprovalInstance, error) {
	now := time.Now()
	inst := &repository.ApprovalInstance{
		ExpenseID:        exp.ID,
		CompanyID:        exp.CompanyID,
		WorkflowID:       wf.ID,
		CurrentStepOrder: 1,
		Status:           repository.InstanceApproved,
		SubmittedBy:      submitterID,
		CompletedAt:      &now,
	}

	err := e.tx.InTransaction(ctx, func(ctx context.Context) error {
		if err := e.instances.Create(ctx, inst, nil); err != nil {
			return err
		}
		if err := e.audit.Append(ctx, &repository.AuditRecord{
			InstanceID: inst.ID,
			ExpenseID:  exp.ID,
			Action:     repository.AuditAutoApproved,
			ToStatus:   instStatus(repository.InstanceApproved),
			Metadata: map[string]any{
				"workflow_id":         wf.ID,
				"amount":              exp.Amount,
				"auto_approval_limit": *wf.AutoApprovalLimit,
			},
		}); err != nil {
			return err
		}
		return e.expenses.SetStatus(ctx, exp.ID, repository.ExpenseApproved)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("expense_id", exp.ID).
		Str("instance_id", inst.ID).
		Int64("amount", exp.Amount).
		Msg("Expense auto-approved")

	e.dispatch([]event{{
		typ:        EventAutoApproved,
		expenseID:  exp.ID,
		instanceID: inst.ID,
		recipients: []string{exp.SubmitterID},
	}})
	return inst, nil
}

// ── Decisions ─────────────────────────────────────────────────────────────────

// Approve records one approver's approval on a step record and, when the
// step's required count is reached, advances the instance to the next step or
// finalizes it as approved.
func (e *Engine) Approve(ctx context.Context, stepRecordID, approverID, comments string) (*repository.StepRecord, error) {
	var out *repository.StepRecord
	var events []event

	err := e.tx.InTransaction(ctx, func(ctx context.Context) error {
		rec, err := e.records.GetByID(ctx, stepRecordID)
		if err != nil {
			return err
		}
		if rec.ApproverID != approverID {
			return errors.Newf(errors.ErrCodeNotAuthorized,
				"step record %s is not assigned to %s", stepRecordID, approverID)
		}

		inst, err := e.instances.GetForUpdate(ctx, rec.InstanceID)
		if err != nil {
			return err
		}
		if inst.Status.Terminal() {
			return errors.Newf(errors.ErrCodeAlreadyFinalized,
				"instance %s is already %s", inst.ID, inst.Status)
		}
		if rec.StepOrder != inst.CurrentStepOrder {
			return errors.Newf(errors.ErrCodeConflict,
				"step %d of instance %s is no longer active", rec.StepOrder, inst.ID)
		}

		var commentsPtr *string
		if comments != "" {
			commentsPtr = &comments
		}
		decided, err := e.records.Decide(ctx, rec.ID, repository.RecordApproved, commentsPtr)
		if err != nil {
			return err
		}
		if !decided {
			return errors.Newf(errors.ErrCodeAlreadyDecided,
				"step record %s has already been decided", rec.ID)
		}
		if err := e.audit.Append(ctx, &repository.AuditRecord{
			InstanceID: inst.ID,
			ExpenseID:  inst.ExpenseID,
			ActorID:    &approverID,
			Action:     repository.AuditStepApproved,
			FromStatus: recStatus(repository.RecordPending),
			ToStatus:   recStatus(repository.RecordApproved),
			Metadata:   map[string]any{"step_record_id": rec.ID, "step_order": rec.StepOrder},
		}); err != nil {
			return err
		}

		step, err := e.instances.GetStep(ctx, inst.ID, rec.StepOrder)
		if err != nil {
			return err
		}
		if step == nil {
			return errors.Newf(errors.ErrCodeInternal,
				"instance %s has no snapshot for step %d", inst.ID, rec.StepOrder)
		}

		approved, err := e.records.CountByStatus(ctx, inst.ID, rec.StepOrder, repository.RecordApproved)
		if err != nil {
			return err
		}
		if approved >= step.RequiredCount {
			// The instance lock is held, so only this writer advances.
			// Undecided siblings at the completed step become moot; their
			// decision column stays untouched.
			if err := e.records.MarkMoot(ctx, inst.ID, rec.StepOrder); err != nil {
				return err
			}
			exp, err := e.expenses.GetByID(ctx, inst.ExpenseID)
			if err != nil {
				return err
			}
			inst.CurrentStepOrder = rec.StepOrder + 1
			evs, _, err := e.startStep(ctx, inst, exp, &approverID)
			if err != nil {
				return err
			}
			events = append(events, evs...)
		}

		out, err = e.records.GetByID(ctx, rec.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("step_record_id", out.ID).
		Str("instance_id", out.InstanceID).
		Str("approver_id", approverID).
		Msg("Step record approved")

	e.dispatch(events)
	return out, nil
}

// Reject records one approver's rejection. Rejection is absorbing: the whole
// instance terminates immediately, regardless of other pending records at the
// step. Those siblings are marked moot but their decision stays untouched.
func (e *Engine) Reject(ctx context.Context, stepRecordID, approverID, reason string) (*repository.StepRecord, error) {
	if reason == "" {
		return nil, errors.InvalidInput("reason", "rejection reason is required")
	}

	var out *repository.StepRecord
	var events []event

	err := e.tx.InTransaction(ctx, func(ctx context.Context) error {
		rec, err := e.records.GetByID(ctx, stepRecordID)
		if err != nil {
			return err
		}
		if rec.ApproverID != approverID {
			return errors.Newf(errors.ErrCodeNotAuthorized,
				"step record %s is not assigned to %s", stepRecordID, approverID)
		}

		inst, err := e.instances.GetForUpdate(ctx, rec.InstanceID)
		if err != nil {
			return err
		}
		if inst.Status.Terminal() {
			// A decision already finalized the instance; a late reject must
			// not reopen it.
			return errors.Newf(errors.ErrCodeAlreadyFinalized,
				"instance %s is already %s", inst.ID, inst.Status)
		}

		decided, err := e.records.Decide(ctx, rec.ID, repository.RecordRejected, &reason)
		if err != nil {
			return err
		}
		if !decided {
			return errors.Newf(errors.ErrCodeAlreadyDecided,
				"step record %s has already been decided", rec.ID)
		}
		if err := e.audit.Append(ctx, &repository.AuditRecord{
			InstanceID: inst.ID,
			ExpenseID:  inst.ExpenseID,
			ActorID:    &approverID,
			Action:     repository.AuditStepRejected,
			FromStatus: recStatus(repository.RecordPending),
			ToStatus:   recStatus(repository.RecordRejected),
			Metadata:   map[string]any{"step_record_id": rec.ID, "step_order": rec.StepOrder, "reason": reason},
		}); err != nil {
			return err
		}

		if err := e.records.MarkMoot(ctx, inst.ID, rec.StepOrder); err != nil {
			return err
		}

		from := inst.Status
		now := time.Now()
		if err := e.instances.SetStatus(ctx, inst.ID, repository.InstanceRejected, &now); err != nil {
			return err
		}
		inst.Status = repository.InstanceRejected
		inst.CompletedAt = &now
		if err := e.audit.Append(ctx, &repository.AuditRecord{
			InstanceID: inst.ID,
			ExpenseID:  inst.ExpenseID,
			ActorID:    &approverID,
			Action:     repository.AuditRejected,
			FromStatus: instStatus(from),
			ToStatus:   instStatus(repository.InstanceRejected),
			Metadata:   map[string]any{"reason": reason, "step_order": rec.StepOrder},
		}); err != nil {
			return err
		}
		if err := e.expenses.SetStatus(ctx, inst.ExpenseID, repository.ExpenseRejected); err != nil {
			return err
		}

		events = append(events, event{
			typ:        EventRejected,
			expenseID:  inst.ExpenseID,
			instanceID: inst.ID,
			actorID:    approverID,
			recipients: []string{inst.SubmittedBy},
			payload:    map[string]any{"reason": reason},
		})

		out, err = e.records.GetByID(ctx, rec.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("step_record_id", out.ID).
		Str("instance_id", out.InstanceID).
		Str("approver_id", approverID).
		Msg("Step record rejected; instance terminated")

	e.dispatch(events)
	return out, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// PendingApprovals returns every record currently awaiting action from a user.
func (e *Engine) PendingApprovals(ctx context.Context, approverID string) ([]*repository.StepRecord, error) {
	return e.records.ListPendingForApprover(ctx, approverID)
}

// InstanceHistory returns the complete, ordered audit trail for an instance.
func (e *Engine) InstanceHistory(ctx context.Context, instanceID string) ([]*repository.AuditRecord, error) {
	if _, err := e.instances.GetByID(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.audit.ListByInstance(ctx, instanceID)
}

// GetInstance returns one approval instance.
func (e *Engine) GetInstance(ctx context.Context, instanceID string) (*repository.ApprovalInstance, error) {
	return e.instances.GetByID(ctx, instanceID)
}

// GetInstanceByExpense returns an expense's instance, or nil when the expense
// was never submitted.
func (e *Engine) GetInstanceByExpense(ctx context.Context, expenseID string) (*repository.ApprovalInstance, error) {
	return e.instances.GetByExpenseID(ctx, expenseID)
}

// OverdueRecords lists pending records older than the configured threshold.
// Monitoring signal only; nothing expires.
func (e *Engine) OverdueRecords(ctx context.Context) ([]*repository.StepRecord, error) {
	return e.records.ListOverdue(ctx, time.Now().Add(-e.overdueAfter))
}

// ── Step execution ────────────────────────────────────────────────────────────

// startStep materializes the step at inst.CurrentStepOrder: resolves the
// approver set, creates one pending record per approver and moves the
// instance to IN_PROGRESS. A missing step means the workflow is exhausted and
// the instance finalizes as approved. An empty approver set is a
// configuration defect and system-rejects the instance; the second return
// value reports that outcome. Runs inside the caller's transaction with the
// instance lock held; no recursion, the chain ends here either way.
func (e *Engine) startStep(ctx context.Context, inst *repository.ApprovalInstance, exp *repository.Expense, actorID *string) ([]event, bool, error) {
	step, err := e.instances.GetStep(ctx, inst.ID, inst.CurrentStepOrder)
	if err != nil {
		return nil, false, err
	}
	if step == nil {
		evs, err := e.finalizeApproved(ctx, inst, exp, actorID)
		return evs, false, err
	}

	approvers, err := e.resolveApprovers(ctx, step, exp)
	if err != nil {
		return nil, false, err
	}
	if len(approvers) == 0 {
		evs, err := e.systemReject(ctx, inst, exp, step.StepOrder)
		if err != nil {
			return nil, false, err
		}
		return evs, true, nil
	}

	records := make([]*repository.StepRecord, 0, len(approvers))
	for _, approver := range approvers {
		records = append(records, &repository.StepRecord{
			InstanceID: inst.ID,
			ExpenseID:  exp.ID,
			StepOrder:  step.StepOrder,
			ApproverID: approver,
			Status:     repository.RecordPending,
		})
	}
	if err := e.records.CreateBatch(ctx, records); err != nil {
		return nil, false, err
	}

	from := inst.Status
	if err := e.instances.Advance(ctx, inst.ID, step.StepOrder, repository.InstanceInProgress); err != nil {
		return nil, false, err
	}
	inst.Status = repository.InstanceInProgress

	if err := e.audit.Append(ctx, &repository.AuditRecord{
		InstanceID: inst.ID,
		ExpenseID:  exp.ID,
		ActorID:    actorID,
		Action:     repository.AuditAssigned,
		FromStatus: instStatus(from),
		ToStatus:   instStatus(repository.InstanceInProgress),
		Metadata: map[string]any{
			"step_order":     step.StepOrder,
			"approvers":      approvers,
			"required_count": step.RequiredCount,
		},
	}); err != nil {
		return nil, false, err
	}

	return []event{{
		typ:        EventAssigned,
		expenseID:  exp.ID,
		instanceID: inst.ID,
		actorID:    deref(actorID),
		recipients: approvers,
		payload:    map[string]any{"step_order": step.StepOrder},
	}}, false, nil
}

// resolveApprovers produces the deduplicated approver set for a snapshot
// step. The approver type set is closed; anything unknown is a defect.
func (e *Engine) resolveApprovers(ctx context.Context, step *repository.InstanceStep, exp *repository.Expense) ([]string, error) {
	switch step.ApproverType {
	case repository.ApproverTypeExplicitUsers:
		return dedupe(step.ApproverIDs), nil

	case repository.ApproverTypeRole:
		var users []string
		for _, role := range step.ApproverRoles {
			ids, err := e.directory.UsersWithRole(ctx, exp.CompanyID, role)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve role approvers")
			}
			users = append(users, ids...)
		}
		return dedupe(users), nil

	case repository.ApproverTypeManagerOfSubmitter:
		manager, err := e.directory.ManagerOf(ctx, exp.SubmitterID)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve submitter manager")
		}
		if manager == "" {
			return nil, nil
		}
		return []string{manager}, nil

	default:
		return nil, errors.Newf(errors.ErrCodeInternal,
			"unknown approver type %q on step %d", step.ApproverType, step.StepOrder)
	}
}

// ── Finalization ──────────────────────────────────────────────────────────────

// finalizeApproved is the idempotent terminal writer for approval. Calling it
// on an already-terminal instance is a no-op: no state write, no duplicate
// audit record.
func (e *Engine) finalizeApproved(ctx context.Context, inst *repository.ApprovalInstance, exp *repository.Expense, actorID *string) ([]event, error) {
	if inst.Status.Terminal() {
		return nil, nil
	}

	from := inst.Status
	now := time.Now()
	if err := e.instances.SetStatus(ctx, inst.ID, repository.InstanceApproved, &now); err != nil {
		return nil, err
	}
	inst.Status = repository.InstanceApproved
	inst.CompletedAt = &now

	if err := e.audit.Append(ctx, &repository.AuditRecord{
		InstanceID: inst.ID,
		ExpenseID:  exp.ID,
		ActorID:    actorID,
		Action:     repository.AuditApproved,
		FromStatus: instStatus(from),
		ToStatus:   instStatus(repository.InstanceApproved),
	}); err != nil {
		return nil, err
	}
	if err := e.expenses.SetStatus(ctx, exp.ID, repository.ExpenseApproved); err != nil {
		return nil, err
	}

	return []event{{
		typ:        EventApproved,
		expenseID:  exp.ID,
		instanceID: inst.ID,
		actorID:    deref(actorID),
		recipients: []string{exp.SubmitterID},
	}}, nil
}

// systemReject terminates an instance over a configuration defect (no
// approvers could be resolved for a step). Distinct from a human rejection:
// the actor is nil and the action is SYSTEM_REJECTED. Idempotent like
// finalizeApproved.
func (e *Engine) systemReject(ctx context.Context, inst *repository.ApprovalInstance, exp *repository.Expense, stepOrder int) ([]event, error) {
	if inst.Status.Terminal() {
		return nil, nil
	}

	from := inst.Status
	now := time.Now()
	if err := e.instances.SetStatus(ctx, inst.ID, repository.InstanceRejected, &now); err != nil {
		return nil, err
	}
	inst.Status = repository.InstanceRejected
	inst.CompletedAt = &now

	if err := e.audit.Append(ctx, &repository.AuditRecord{
		InstanceID: inst.ID,
		ExpenseID:  exp.ID,
		Action:     repository.AuditSystemRejected,
		FromStatus: instStatus(from),
		ToStatus:   instStatus(repository.InstanceRejected),
		Metadata:   map[string]any{"reason": "no approvers resolved", "step_order": stepOrder},
	}); err != nil {
		return nil, err
	}
	if err := e.expenses.SetStatus(ctx, exp.ID, repository.ExpenseRejected); err != nil {
		return nil, err
	}

	e.log.Warn().
		Str("instance_id", inst.ID).
		Str("expense_id", exp.ID).
		Int("step_order", stepOrder).
		Msg("No approvers resolved; instance system-rejected")

	return []event{{
		typ:        EventRejected,
		expenseID:  exp.ID,
		instanceID: inst.ID,
		recipients: []string{exp.SubmitterID},
		payload:    map[string]any{"reason": "no approvers resolved", "step_order": stepOrder},
	}}, nil
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// dispatch hands buffered events to the notifier off the request path.
func (e *Engine) dispatch(events []event) {
	for _, ev := range events {
		go e.notifier.PublishApprovalEvent(
			context.Background(),
			ev.typ, ev.expenseID, ev.instanceID, ev.actorID, ev.recipients, ev.payload,
		)
	}
}

// snapshotSteps copies the workflow's step definitions for one instance.
func snapshotSteps(wf *repository.Workflow) []*repository.InstanceStep {
	snapshot := make([]*repository.InstanceStep, 0, len(wf.Steps))
	for _, step := range wf.Steps {
		snapshot = append(snapshot, &repository.InstanceStep{
			StepOrder:     step.StepOrder,
			ApproverType:  step.ApproverType,
			ApproverIDs:   slices.Clone(step.ApproverIDs),
			ApproverRoles: slices.Clone(step.ApproverRoles),
			RequiredCount: step.RequiredCount,
		})
	}
	return snapshot
}

func instStatus(s repository.InstanceStatus) *string {
	v := string(s)
	return &v
}

func recStatus(s repository.RecordStatus) *string {
	v := string(s)
	return &v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
