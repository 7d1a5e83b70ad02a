// Package storetest provides in-memory implementations of the service store
// interfaces for tests. InTransaction serializes on a single mutex, which
// stands in for the per-instance row lock of the Postgres repositories.
package storetest

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/expenseflow/be-approvals/internal/errors"
	"github.com/expenseflow/be-approvals/internal/repository"
)

// Store holds every table of the engine's persistence model in memory.
// The expense read/mirror surface lives on Store itself; the other store
// interfaces are exposed through the Workflows, Instances, Records and
// AuditTrail wrappers because their method sets overlap.
type Store struct {
	mu   sync.Mutex
	txMu sync.Mutex

	workflows map[string]*repository.Workflow
	instances map[string]*repository.ApprovalInstance
	instSteps map[string][]*repository.InstanceStep
	records   map[string]*repository.StepRecord
	audits    []*repository.AuditRecord
	expenses  map[string]*repository.Expense

	seq  int
	base time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		workflows: make(map[string]*repository.Workflow),
		instances: make(map[string]*repository.ApprovalInstance),
		instSteps: make(map[string][]*repository.InstanceStep),
		records:   make(map[string]*repository.StepRecord),
		expenses:  make(map[string]*repository.Expense),
		base:      time.Now(),
	}
}

// tick returns a strictly increasing timestamp. Callers must hold mu.
func (s *Store) tick() time.Time {
	s.seq++
	return s.base.Add(time.Duration(s.seq) * time.Millisecond)
}

// InTransaction runs fn while holding the store-wide transaction lock.
func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn(ctx)
}

// ── Expense store ─────────────────────────────────────────────────────────────

// AddExpense seeds an expense, assigning an id when none is set.
func (s *Store) AddExpense(exp *repository.Expense) *repository.Expense {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp.ID == "" {
		exp.ID = uuid.NewString()
	}
	exp.CreatedAt = s.tick()
	exp.UpdatedAt = exp.CreatedAt
	s.expenses[exp.ID] = exp
	return exp
}

func (s *Store) GetByID(ctx context.Context, id string) (*repository.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.expenses[id]
	if !ok {
		return nil, errors.NotFound("expense", id)
	}
	cp := *exp
	return &cp, nil
}

func (s *Store) SetStatus(ctx context.Context, id string, status repository.ExpenseStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.expenses[id]
	if !ok {
		return errors.NotFound("expense", id)
	}
	exp.Status = status
	exp.UpdatedAt = s.tick()
	return nil
}

// SetAssignedAt backdates a step record, for overdue-threshold tests.
func (s *Store) SetAssignedAt(recordID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[recordID]; ok {
		rec.AssignedAt = at
	}
}

// ── Instance store ────────────────────────────────────────────────────────────

// Instances exposes the approval-instance surface of a Store.
type Instances struct{ *Store }

func (s Instances) Create(ctx context.Context, inst *repository.ApprovalInstance, steps []*repository.InstanceStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.instances {
		if existing.ExpenseID == inst.ExpenseID {
			return errors.Newf(errors.ErrCodeAlreadySubmitted,
				"expense %s already has an approval instance", inst.ExpenseID)
		}
	}
	inst.ID = uuid.NewString()
	inst.SubmittedAt = s.tick()
	inst.LastActionAt = inst.SubmittedAt
	cp := *inst
	s.instances[inst.ID] = &cp
	for _, step := range steps {
		step.ID = uuid.NewString()
		step.InstanceID = inst.ID
		stepCp := *step
		s.instSteps[inst.ID] = append(s.instSteps[inst.ID], &stepCp)
	}
	return nil
}

func (s Instances) GetByID(ctx context.Context, id string) (*repository.ApprovalInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, errors.NotFound("approval_instance", id)
	}
	cp := *inst
	return &cp, nil
}

func (s Instances) GetByExpenseID(ctx context.Context, expenseID string) (*repository.ApprovalInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.instances {
		if inst.ExpenseID == expenseID {
			cp := *inst
			return &cp, nil
		}
	}
	return nil, nil
}

func (s Instances) GetForUpdate(ctx context.Context, id string) (*repository.ApprovalInstance, error) {
	// Transactions are fully serialized, so a plain read suffices.
	return s.GetByID(ctx, id)
}

func (s Instances) Advance(ctx context.Context, id string, nextStep int, status repository.InstanceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return errors.NotFound("approval_instance", id)
	}
	inst.CurrentStepOrder = nextStep
	inst.Status = status
	inst.LastActionAt = s.tick()
	return nil
}

func (s Instances) SetStatus(ctx context.Context, id string, status repository.InstanceStatus, completedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return errors.NotFound("approval_instance", id)
	}
	inst.Status = status
	inst.CompletedAt = completedAt
	inst.LastActionAt = s.tick()
	return nil
}

func (s Instances) GetStep(ctx context.Context, instanceID string, stepOrder int) (*repository.InstanceStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, step := range s.instSteps[instanceID] {
		if step.StepOrder == stepOrder {
			cp := *step
			return &cp, nil
		}
	}
	return nil, nil
}

// ── Step record store ─────────────────────────────────────────────────────────

// Records exposes the step-record surface of a Store.
type Records struct{ *Store }

func (s Records) CreateBatch(ctx context.Context, records []*repository.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		rec.ID = uuid.NewString()
		rec.AssignedAt = s.tick()
		cp := *rec
		s.records[rec.ID] = &cp
	}
	return nil
}

func (s Records) GetByID(ctx context.Context, id string) (*repository.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, errors.NotFound("step_record", id)
	}
	cp := *rec
	return &cp, nil
}

func (s Records) Decide(ctx context.Context, id string, decision repository.RecordStatus, comments *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return false, errors.NotFound("step_record", id)
	}
	if rec.Status != repository.RecordPending {
		return false, nil
	}
	now := s.tick()
	rec.Status = decision
	rec.Decision = &decision
	rec.Comments = comments
	rec.ActionTakenAt = &now
	return true, nil
}

func (s Records) MarkMoot(ctx context.Context, instanceID string, stepOrder int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.InstanceID == instanceID && rec.StepOrder == stepOrder && rec.Status == repository.RecordPending {
			rec.Moot = true
		}
	}
	return nil
}

func (s Records) CountByStatus(ctx context.Context, instanceID string, stepOrder int, status repository.RecordStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, rec := range s.records {
		if rec.InstanceID == instanceID && rec.StepOrder == stepOrder && rec.Status == status {
			count++
		}
	}
	return count, nil
}

func (s Records) ListByStep(ctx context.Context, instanceID string, stepOrder int) ([]*repository.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.StepRecord
	for _, rec := range s.records {
		if rec.InstanceID == instanceID && rec.StepOrder == stepOrder {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sortRecords(out)
	return out, nil
}

func (s Records) ListPendingForApprover(ctx context.Context, approverID string) ([]*repository.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.StepRecord
	for _, rec := range s.records {
		if rec.ApproverID != approverID || rec.Status != repository.RecordPending || rec.Moot {
			continue
		}
		inst := s.instances[rec.InstanceID]
		if inst == nil || inst.Status.Terminal() {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sortRecords(out)
	return out, nil
}

func (s Records) ListOverdue(ctx context.Context, cutoff time.Time) ([]*repository.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.StepRecord
	for _, rec := range s.records {
		if rec.Status != repository.RecordPending || rec.Moot || !rec.AssignedAt.Before(cutoff) {
			continue
		}
		inst := s.instances[rec.InstanceID]
		if inst == nil || inst.Status.Terminal() {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sortRecords(out)
	return out, nil
}

func sortRecords(records []*repository.StepRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].AssignedAt.Equal(records[j].AssignedAt) {
			return records[i].ApproverID < records[j].ApproverID
		}
		return records[i].AssignedAt.Before(records[j].AssignedAt)
	})
}

// ── Audit log ─────────────────────────────────────────────────────────────────

// AuditTrail exposes the append-only audit surface of a Store.
type AuditTrail struct{ *Store }

func (s AuditTrail) Append(ctx context.Context, rec *repository.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ID = uuid.NewString()
	rec.RecordedAt = s.tick()
	cp := *rec
	s.audits = append(s.audits, &cp)
	return nil
}

func (s AuditTrail) ListByInstance(ctx context.Context, instanceID string) ([]*repository.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.AuditRecord
	for _, rec := range s.audits {
		if rec.InstanceID == instanceID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ── Workflow store ────────────────────────────────────────────────────────────

// Workflows exposes the catalog surface of a Store.
type Workflows struct{ *Store }

func (s Workflows) Create(ctx context.Context, wf *repository.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf.ID = uuid.NewString()
	wf.CreatedAt = s.tick()
	wf.UpdatedAt = wf.CreatedAt
	for _, step := range wf.Steps {
		step.ID = uuid.NewString()
		step.WorkflowID = wf.ID
	}
	s.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

func (s Workflows) Update(ctx context.Context, wf *repository.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.workflows[wf.ID]
	if !ok {
		return errors.NotFound("workflow", wf.ID)
	}
	wf.CreatedAt = existing.CreatedAt
	wf.UpdatedAt = s.tick()
	s.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

func (s Workflows) GetByID(ctx context.Context, id, companyID string) (*repository.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok || wf.CompanyID != companyID {
		return nil, errors.NotFound("workflow", id)
	}
	return cloneWorkflow(wf), nil
}

func (s Workflows) ListByCompany(ctx context.Context, companyID string) ([]*repository.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.Workflow
	for _, wf := range s.workflows {
		if wf.CompanyID == companyID {
			out = append(out, cloneWorkflow(wf))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s Workflows) ListActive(ctx context.Context, companyID string) ([]*repository.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.Workflow
	for _, wf := range s.workflows {
		if wf.CompanyID == companyID && wf.IsActive {
			out = append(out, cloneWorkflow(wf))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s Workflows) GetDefault(ctx context.Context, companyID string) (*repository.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []*repository.Workflow
	for _, wf := range s.workflows {
		if wf.CompanyID == companyID && wf.IsDefault && wf.IsActive {
			candidates = append(candidates, cloneWorkflow(wf))
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	return candidates[0], nil
}

func (s Workflows) SetActive(ctx context.Context, id, companyID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok || wf.CompanyID != companyID {
		return errors.NotFound("workflow", id)
	}
	wf.IsActive = active
	wf.UpdatedAt = s.tick()
	return nil
}

func (s Workflows) ClearDefault(ctx context.Context, companyID, exceptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, wf := range s.workflows {
		if wf.CompanyID == companyID && wf.ID != exceptID {
			wf.IsDefault = false
		}
	}
	return nil
}

func cloneWorkflow(wf *repository.Workflow) *repository.Workflow {
	cp := *wf
	cp.CategoryScope = slices.Clone(wf.CategoryScope)
	cp.UserScope = slices.Clone(wf.UserScope)
	cp.Steps = make([]*repository.WorkflowStep, 0, len(wf.Steps))
	for _, step := range wf.Steps {
		stepCp := *step
		stepCp.ApproverIDs = slices.Clone(step.ApproverIDs)
		stepCp.ApproverRoles = slices.Clone(step.ApproverRoles)
		cp.Steps = append(cp.Steps, &stepCp)
	}
	return &cp
}

// ── External collaborator fakes ───────────────────────────────────────────────

// FakeDirectory is an in-memory user/role directory.
type FakeDirectory struct {
	mu       sync.Mutex
	Roles    map[string][]string // role -> user ids
	Managers map[string]string   // user id -> manager id
}

func NewFakeDirectory() *FakeDirectory {
	return &FakeDirectory{
		Roles:    make(map[string][]string),
		Managers: make(map[string]string),
	}
}

func (d *FakeDirectory) UsersWithRole(ctx context.Context, companyID, role string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.Roles[role]), nil
}

func (d *FakeDirectory) ManagerOf(ctx context.Context, userID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Managers[userID], nil
}

// PublishedEvent is one notification captured by FakeNotifier.
type PublishedEvent struct {
	Type       string
	ExpenseID  string
	InstanceID string
	ActorID    string
	Recipients []string
}

// FakeNotifier records published events for assertions.
type FakeNotifier struct {
	mu     sync.Mutex
	events []PublishedEvent
}

func (n *FakeNotifier) PublishApprovalEvent(ctx context.Context, eventType, expenseID, instanceID, actorID string, recipients []string, payload map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, PublishedEvent{
		Type:       eventType,
		ExpenseID:  expenseID,
		InstanceID: instanceID,
		ActorID:    actorID,
		Recipients: slices.Clone(recipients),
	})
}

// ByType returns the captured events of one type.
func (n *FakeNotifier) ByType(eventType string) []PublishedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []PublishedEvent
	for _, ev := range n.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
