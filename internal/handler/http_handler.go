package handler

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/expenseflow/be-approvals/internal/errors"
	"github.com/expenseflow/be-approvals/internal/logger"
	"github.com/expenseflow/be-approvals/internal/repository"
	"github.com/expenseflow/be-approvals/internal/service"
)

// HTTPHandler binds the approval engine and workflow catalog to HTTP.
type HTTPHandler struct {
	engine  *service.Engine
	catalog *service.CatalogService
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(engine *service.Engine, catalog *service.CatalogService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		engine:  engine,
		catalog: catalog,
		log:     log,
	}
}

// Register attaches all routes to the mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/approvals/submit", h.SubmitForApproval)
	mux.HandleFunc("/api/v1/approvals/approve", h.ApproveStep)
	mux.HandleFunc("/api/v1/approvals/reject", h.RejectStep)
	mux.HandleFunc("/api/v1/approvals/pending", h.PendingApprovals)
	mux.HandleFunc("/api/v1/approvals/history", h.InstanceHistory)
	mux.HandleFunc("/api/v1/approvals/instance", h.GetInstance)
	mux.HandleFunc("/api/v1/approvals/overdue", h.OverdueRecords)

	mux.HandleFunc("/api/v1/workflows", h.Workflows)
	mux.HandleFunc("/api/v1/workflows/get", h.GetWorkflow)
	mux.HandleFunc("/api/v1/workflows/update", h.UpdateWorkflow)
	mux.HandleFunc("/api/v1/workflows/deactivate", h.DeactivateWorkflow)
}

// ── Approval operations ───────────────────────────────────────────────────────

// SubmitRequest is the submit-for-approval payload.
type SubmitRequest struct {
	ExpenseID   string `json:"expense_id"`
	SubmitterID string `json:"submitter_id"`
}

// SubmitForApproval handles expense submission.
func (h *HTTPHandler) SubmitForApproval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}
	if req.ExpenseID == "" || req.SubmitterID == "" {
		h.writeError(w, apperrors.InvalidInput("body", "expense_id and submitter_id are required"))
		return
	}

	inst, err := h.engine.SubmitForApproval(r.Context(), req.ExpenseID, req.SubmitterID)
	if err != nil {
		// A system rejection still produced an instance; return both.
		if apperrors.Is(err, apperrors.ErrCodeNoApproversResolved) && inst != nil {
			h.writeJSON(w, apperrors.HTTPStatus(err), map[string]any{
				"error":    err.Error(),
				"instance": inst,
			})
			return
		}
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, inst)
}

// DecisionRequest is the approve/reject payload.
type DecisionRequest struct {
	StepRecordID string `json:"step_record_id"`
	ApproverID   string `json:"approver_id"`
	Comments     string `json:"comments,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// ApproveStep handles an approver's approval.
func (h *HTTPHandler) ApproveStep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}
	if req.StepRecordID == "" || req.ApproverID == "" {
		h.writeError(w, apperrors.InvalidInput("body", "step_record_id and approver_id are required"))
		return
	}

	rec, err := h.engine.Approve(r.Context(), req.StepRecordID, req.ApproverID, req.Comments)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// RejectStep handles an approver's rejection.
func (h *HTTPHandler) RejectStep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}
	if req.StepRecordID == "" || req.ApproverID == "" {
		h.writeError(w, apperrors.InvalidInput("body", "step_record_id and approver_id are required"))
		return
	}

	rec, err := h.engine.Reject(r.Context(), req.StepRecordID, req.ApproverID, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// PendingApprovals lists the records awaiting action from an approver.
func (h *HTTPHandler) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	approverID := r.URL.Query().Get("approver_id")
	if approverID == "" {
		h.writeError(w, apperrors.InvalidInput("approver_id", "approver_id is required"))
		return
	}

	records, err := h.engine.PendingApprovals(r.Context(), approverID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// InstanceHistory returns the full audit trail of an instance.
func (h *HTTPHandler) InstanceHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	instanceID := r.URL.Query().Get("instance_id")
	if instanceID == "" {
		h.writeError(w, apperrors.InvalidInput("instance_id", "instance_id is required"))
		return
	}

	trail, err := h.engine.InstanceHistory(r.Context(), instanceID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"records": trail})
}

// GetInstance returns one instance by id or by expense id.
func (h *HTTPHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if id := r.URL.Query().Get("id"); id != "" {
		inst, err := h.engine.GetInstance(r.Context(), id)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, inst)
		return
	}

	expenseID := r.URL.Query().Get("expense_id")
	if expenseID == "" {
		h.writeError(w, apperrors.InvalidInput("query", "id or expense_id is required"))
		return
	}
	inst, err := h.engine.GetInstanceByExpense(r.Context(), expenseID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if inst == nil {
		h.writeError(w, apperrors.NotFound("approval_instance", expenseID))
		return
	}
	h.writeJSON(w, http.StatusOK, inst)
}

// OverdueRecords lists pending records past the overdue threshold.
func (h *HTTPHandler) OverdueRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	records, err := h.engine.OverdueRecords(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// ── Workflow catalog administration ───────────────────────────────────────────

// Workflows dispatches list and create on the collection route.
func (h *HTTPHandler) Workflows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listWorkflows(w, r)
	case http.MethodPost:
		h.createWorkflow(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HTTPHandler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	companyID := r.URL.Query().Get("company_id")
	if companyID == "" {
		h.writeError(w, apperrors.InvalidInput("company_id", "company_id is required"))
		return
	}

	workflows, err := h.catalog.ListWorkflows(r.Context(), companyID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows})
}

func (h *HTTPHandler) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf repository.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}

	if err := h.catalog.CreateWorkflow(r.Context(), &wf); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, &wf)
}

// GetWorkflow returns one workflow with its steps.
func (h *HTTPHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	companyID := r.URL.Query().Get("company_id")
	if id == "" || companyID == "" {
		h.writeError(w, apperrors.InvalidInput("query", "id and company_id are required"))
		return
	}

	wf, err := h.catalog.GetWorkflow(r.Context(), id, companyID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, wf)
}

// UpdateWorkflow republishes a workflow definition.
func (h *HTTPHandler) UpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var wf repository.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}
	if wf.ID == "" {
		h.writeError(w, apperrors.InvalidInput("id", "workflow id is required"))
		return
	}

	if err := h.catalog.UpdateWorkflow(r.Context(), &wf); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, &wf)
}

// DeactivateWorkflow takes a workflow out of resolution.
func (h *HTTPHandler) DeactivateWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ID        string `json:"id"`
		CompanyID string `json:"company_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}
	if req.ID == "" || req.CompanyID == "" {
		h.writeError(w, apperrors.InvalidInput("body", "id and company_id are required"))
		return
	}

	if err := h.catalog.DeactivateWorkflow(r.Context(), req.ID, req.CompanyID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"deactivated": true})
}

// ── Response helpers ──────────────────────────────────────────────────────────

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error().Err(err).Msg("failed to encode response")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("request failed")
	}
	h.writeJSON(w, status, map[string]any{
		"error": err.Error(),
		"code":  string(apperrors.CodeOf(err)),
	})
}
