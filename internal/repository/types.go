package repository

import "time"

// ── Domain types for the expense approval engine ─────────────────────────────

// ApproverType selects how a step's approver set is resolved. The set is
// closed: the engine matches it exhaustively and treats anything else as a
// workflow configuration defect.
type ApproverType string

const (
	ApproverTypeExplicitUsers      ApproverType = "EXPLICIT_USERS"
	ApproverTypeRole               ApproverType = "ROLE"
	ApproverTypeManagerOfSubmitter ApproverType = "MANAGER_OF_SUBMITTER"
)

// InstanceStatus is the lifecycle state of an approval instance. Transitions
// are one-directional: PENDING/IN_PROGRESS may only move to APPROVED or
// REJECTED, both terminal.
type InstanceStatus string

const (
	InstancePending    InstanceStatus = "PENDING"
	InstanceInProgress InstanceStatus = "IN_PROGRESS"
	InstanceApproved   InstanceStatus = "APPROVED"
	InstanceRejected   InstanceStatus = "REJECTED"
)

// Terminal reports whether the status admits no further transitions.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceApproved || s == InstanceRejected
}

// RecordStatus is the state of one approver's task within a step.
type RecordStatus string

const (
	RecordPending  RecordStatus = "PENDING"
	RecordApproved RecordStatus = "APPROVED"
	RecordRejected RecordStatus = "REJECTED"
)

// ExpenseStatus mirrors the instance state onto the expense row.
type ExpenseStatus string

const (
	ExpensePendingApproval ExpenseStatus = "PENDING_APPROVAL"
	ExpenseApproved        ExpenseStatus = "APPROVED"
	ExpenseRejected        ExpenseStatus = "REJECTED"
)

// AuditAction is the kind of transition an audit record describes.
type AuditAction string

const (
	AuditSubmitted      AuditAction = "SUBMITTED"
	AuditAutoApproved   AuditAction = "AUTO_APPROVED"
	AuditAssigned       AuditAction = "ASSIGNED"
	AuditStepApproved   AuditAction = "STEP_APPROVED"
	AuditStepRejected   AuditAction = "STEP_REJECTED"
	AuditApproved       AuditAction = "APPROVED"
	AuditRejected       AuditAction = "REJECTED"
	AuditSystemRejected AuditAction = "SYSTEM_REJECTED"
)

// Workflow is an administrator-configured approval chain. The engine never
// mutates workflows; in-flight instances run against a snapshot taken at
// submission time.
type Workflow struct {
	ID                string          `json:"id"`
	CompanyID         string          `json:"company_id"`
	Name              string          `json:"name"`
	AutoApprovalLimit *int64          `json:"auto_approval_limit,omitempty"` // cents; nil disables auto-approval
	Priority          int             `json:"priority"`                      // higher wins during resolution
	IsDefault         bool            `json:"is_default"`
	CategoryScope     []string        `json:"category_scope,omitempty"` // empty = matches every category
	UserScope         []string        `json:"user_scope,omitempty"`     // empty = matches every submitter
	IsActive          bool            `json:"is_active"`
	Steps             []*WorkflowStep `json:"steps"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// WorkflowStep is one stage of a workflow definition.
type WorkflowStep struct {
	ID            string       `json:"id"`
	WorkflowID    string       `json:"workflow_id"`
	StepOrder     int          `json:"step_order"` // 1-based, dense, unique within the workflow
	ApproverType  ApproverType `json:"approver_type"`
	ApproverIDs   []string     `json:"approver_ids,omitempty"`
	ApproverRoles []string     `json:"approver_roles,omitempty"`
	RequiredCount int          `json:"required_count"`
}

// ApprovalInstance is the runtime execution of one workflow against one
// expense. Exactly one instance may exist per expense.
type ApprovalInstance struct {
	ID               string         `json:"id"`
	ExpenseID        string         `json:"expense_id"`
	CompanyID        string         `json:"company_id"`
	WorkflowID       string         `json:"workflow_id"`
	CurrentStepOrder int            `json:"current_step_order"`
	Status           InstanceStatus `json:"status"`
	SubmittedBy      string         `json:"submitted_by"`
	SubmittedAt      time.Time      `json:"submitted_at"`
	LastActionAt     time.Time      `json:"last_action_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// InstanceStep is the per-instance snapshot of a workflow step, copied at
// submission so later catalog edits never alter in-flight instances.
type InstanceStep struct {
	ID            string       `json:"id"`
	InstanceID    string       `json:"instance_id"`
	StepOrder     int          `json:"step_order"`
	ApproverType  ApproverType `json:"approver_type"`
	ApproverIDs   []string     `json:"approver_ids,omitempty"`
	ApproverRoles []string     `json:"approver_roles,omitempty"`
	RequiredCount int          `json:"required_count"`
}

// StepRecord is one approver's pending or decided task within one step of one
// instance. Once decided the record is immutable; Moot marks records left
// pending after their step completed or a sibling rejection ended the
// instance.
type StepRecord struct {
	ID            string        `json:"id"`
	InstanceID    string        `json:"instance_id"`
	ExpenseID     string        `json:"expense_id"`
	StepOrder     int           `json:"step_order"`
	ApproverID    string        `json:"approver_id"`
	Status        RecordStatus  `json:"status"`
	Decision      *RecordStatus `json:"decision,omitempty"` // nil until acted on
	Comments      *string       `json:"comments,omitempty"`
	Moot          bool          `json:"moot"`
	AssignedAt    time.Time     `json:"assigned_at"`
	ActionTakenAt *time.Time    `json:"action_taken_at,omitempty"`
}

// AuditRecord is one immutable entry in the approval audit trail. ActorID is
// nil for system-initiated transitions.
type AuditRecord struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	ExpenseID  string         `json:"expense_id"`
	ActorID    *string        `json:"actor_id,omitempty"`
	Action     AuditAction    `json:"action"`
	FromStatus *string        `json:"from_status,omitempty"`
	ToStatus   *string        `json:"to_status,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Expense is the already-validated expense record the engine routes. The
// engine reads it and mirrors decisions back onto Status; everything else
// about expenses belongs to the expenses service.
type Expense struct {
	ID          string        `json:"id"`
	CompanyID   string        `json:"company_id"`
	CategoryID  string        `json:"category_id"`
	SubmitterID string        `json:"submitter_id"`
	Amount      int64         `json:"amount"` // cents
	Currency    string        `json:"currency"`
	Status      ExpenseStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}
