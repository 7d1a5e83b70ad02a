package service

import (
	"context"
	"time"

	"github.com/expenseflow/be-approvals/internal/database"
	"github.com/expenseflow/be-approvals/internal/repository"
)

// The engine is a stateless service over injected persistence handles. These
// interfaces are satisfied by the pgx repositories; tests substitute
// in-memory implementations.

// TxRunner runs a function inside one unit of work. State changes and their
// audit records always share a transaction.
type TxRunner interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// WorkflowStore is the catalog persistence surface.
type WorkflowStore interface {
	Create(ctx context.Context, wf *repository.Workflow) error
	Update(ctx context.Context, wf *repository.Workflow) error
	GetByID(ctx context.Context, id, companyID string) (*repository.Workflow, error)
	ListByCompany(ctx context.Context, companyID string) ([]*repository.Workflow, error)
	ListActive(ctx context.Context, companyID string) ([]*repository.Workflow, error)
	GetDefault(ctx context.Context, companyID string) (*repository.Workflow, error)
	SetActive(ctx context.Context, id, companyID string, active bool) error
	ClearDefault(ctx context.Context, companyID, exceptID string) error
}

// InstanceStore persists approval instances and their step snapshots.
// GetForUpdate must lock the instance for the rest of the ambient
// transaction; it is the engine's mutual-exclusion boundary.
type InstanceStore interface {
	Create(ctx context.Context, inst *repository.ApprovalInstance, steps []*repository.InstanceStep) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalInstance, error)
	GetByExpenseID(ctx context.Context, expenseID string) (*repository.ApprovalInstance, error)
	GetForUpdate(ctx context.Context, id string) (*repository.ApprovalInstance, error)
	Advance(ctx context.Context, id string, nextStep int, status repository.InstanceStatus) error
	SetStatus(ctx context.Context, id string, status repository.InstanceStatus, completedAt *time.Time) error
	GetStep(ctx context.Context, instanceID string, stepOrder int) (*repository.InstanceStep, error)
}

// StepRecordStore persists approver task records. Decide must be
// single-writer-wins: it returns false when the record was no longer pending.
type StepRecordStore interface {
	CreateBatch(ctx context.Context, records []*repository.StepRecord) error
	GetByID(ctx context.Context, id string) (*repository.StepRecord, error)
	Decide(ctx context.Context, id string, decision repository.RecordStatus, comments *string) (bool, error)
	MarkMoot(ctx context.Context, instanceID string, stepOrder int) error
	CountByStatus(ctx context.Context, instanceID string, stepOrder int, status repository.RecordStatus) (int, error)
	ListByStep(ctx context.Context, instanceID string, stepOrder int) ([]*repository.StepRecord, error)
	ListPendingForApprover(ctx context.Context, approverID string) ([]*repository.StepRecord, error)
	ListOverdue(ctx context.Context, cutoff time.Time) ([]*repository.StepRecord, error)
}

// AuditLog is the append-only transition ledger.
type AuditLog interface {
	Append(ctx context.Context, rec *repository.AuditRecord) error
	ListByInstance(ctx context.Context, instanceID string) ([]*repository.AuditRecord, error)
}

// ExpenseStore reads expenses and mirrors approval outcomes onto them.
type ExpenseStore interface {
	GetByID(ctx context.Context, id string) (*repository.Expense, error)
	SetStatus(ctx context.Context, id string, status repository.ExpenseStatus) error
}

// DirectoryClient resolves approver identities from the user/role directory.
type DirectoryClient interface {
	// UsersWithRole returns user IDs holding the given role in a company.
	UsersWithRole(ctx context.Context, companyID, role string) ([]string, error)
	// ManagerOf returns the submitter's manager, or "" when none is on file.
	ManagerOf(ctx context.Context, userID string) (string, error)
}

// Notifier is a fire-and-forget event sink. Implementations must never block
// the approval path or surface errors into it.
type Notifier interface {
	PublishApprovalEvent(ctx context.Context, eventType, expenseID, instanceID, actorID string, recipients []string, payload map[string]any)
}

// Notification event types.
const (
	EventSubmitted    = "submitted"
	EventAssigned     = "assigned"
	EventApproved     = "approved"
	EventRejected     = "rejected"
	EventAutoApproved = "auto_approved"
)

// Compile-time checks that the pgx repositories satisfy the store surfaces.
var (
	_ TxRunner        = (*database.DB)(nil)
	_ WorkflowStore   = (*repository.WorkflowRepository)(nil)
	_ InstanceStore   = (*repository.InstanceRepository)(nil)
	_ StepRecordStore = (*repository.StepRecordRepository)(nil)
	_ AuditLog        = (*repository.AuditRepository)(nil)
	_ ExpenseStore    = (*repository.ExpenseRepository)(nil)
)
