/*
handlers.go - HTTP API handlers for the procurement engine

PURPOSE:
  Exposes the budget engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine components.

ENDPOINTS:
  Budget items:
    GET    /api/budget-items                 List (fiscal_year, page, limit)
    POST   /api/budget-items                 Create
    GET    /api/budget-items/{id}            Get with derived figures
    DELETE /api/budget-items/{id}            Delete (unreferenced only)
    GET    /api/budget-items/{id}/entries    Ledger entries

  Amendments:
    GET    /api/amendments                   List, newest first
    POST   /api/amendments                   INCREASE / DECREASE / TRANSFER
    GET    /api/amendments/{id}              Get one row
    GET    /api/transfers/{id}               Get both sides of a transfer

  Purchase orders:
    GET    /api/purchase-orders              List (status, department, vendor_id, budget_item_id)
    POST   /api/purchase-orders              Create DRAFT
    GET    /api/purchase-orders/{id}         Get
    PUT    /api/purchase-orders/{id}/lines   Replace line items (DRAFT only)
    POST   /api/purchase-orders/{id}/submit  Submit, then auto-approval
    POST   /api/purchase-orders/{id}/transition  Any other transition
    GET    /api/purchase-orders/{id}/history Status changes
    GET    /api/purchase-orders/{id}/reconciliation  Receipt coverage

  Receipts:
    GET    /api/receipts                     List (purchase_order_id, unlinked)
    POST   /api/receipts                     Register / update mirror
    GET    /api/receipts/{id}                Get
    POST   /api/receipts/{id}/link           Link to a PO
    DELETE /api/receipts/{id}/link           Unlink
    GET    /api/receipts/{id}/suggestions    Ranked PO candidates

ERROR HANDLING:
  Engine errors go through writeEngineError (errors.go):
  - 400: Validation errors, missing note
  - 401: No forwarded user on a write
  - 403: Over-budget override by a role without permission
  - 404: Resource not found
  - 409: Invalid transition, not editable, insufficient budget, conflicts
  - 503: Lock wait timed out (Retry-After set)
  - 500: Invariant violation and anything unexpected

SEE ALSO:
  - dto.go: Request/response data structures
  - identity.go: Forwarded-user middleware
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/procurement-engine/budget"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter clears every table. Scenario loading needs it.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *budget.Engine

	resetter Resetter
	logger   *slog.Logger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler. resetter may be nil, in which case scenario
// loading and reset are refused.
func NewHandler(engine *budget.Engine, resetter Resetter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{Engine: engine, resetter: resetter, logger: logger}
}

// =============================================================================
// BUDGET ITEM HANDLERS
// =============================================================================

func (h *Handler) ListBudgetItems(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid pagination", err)
		return
	}
	fy, err := intQuery(r, "fiscal_year")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid fiscal_year", err)
		return
	}

	items, err := h.Engine.Ledger.ListBudgetItems(r.Context(), budget.BudgetItemFilter{FiscalYear: fy, Page: page})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPageDTO(items, toBudgetItemDTO))
}

func (h *Handler) CreateBudgetItem(w http.ResponseWriter, r *http.Request) {
	var req CreateBudgetItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	item, err := h.Engine.Ledger.CreateBudgetItem(r.Context(), budget.NewBudgetItem{
		Code:         req.Code,
		Description:  req.Description,
		FiscalYear:   req.FiscalYear,
		BudgetAmount: req.BudgetAmount,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBudgetItemDTO(*item))
}

func (h *Handler) GetBudgetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.Engine.Ledger.GetBudgetItem(r.Context(), budget.BudgetItemID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBudgetItemDTO(*item))
}

func (h *Handler) DeleteBudgetItem(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Ledger.DeleteBudgetItem(r.Context(), budget.BudgetItemID(chi.URLParam(r, "id"))); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.Ledger.Entries(r.Context(), budget.BudgetItemID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toLedgerEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// AMENDMENT HANDLERS
// =============================================================================

func (h *Handler) ListAmendments(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid pagination", err)
		return
	}
	fy, err := intQuery(r, "fiscal_year")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid fiscal_year", err)
		return
	}
	q := r.URL.Query()
	filter := budget.AmendmentFilter{
		BudgetItemID: budget.BudgetItemID(q.Get("budget_item_id")),
		Type:         budget.AmendmentType(strings.ToUpper(q.Get("type"))),
		FiscalYear:   fy,
		TransferID:   budget.TransferID(q.Get("transfer_id")),
		Page:         page,
	}

	amendments, err := h.Engine.Amendments.ListAmendments(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPageDTO(amendments, toAmendmentDTO))
}

func (h *Handler) CreateAmendment(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	var req CreateAmendmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Engine.Amendments.CreateAmendment(r.Context(), budget.AmendmentRequest{
		Type:           budget.AmendmentType(strings.ToUpper(req.Type)),
		BudgetItemID:   budget.BudgetItemID(req.BudgetItemID),
		ToBudgetItemID: budget.BudgetItemID(req.ToBudgetItemID),
		Amount:         req.Amount,
		Reason:         req.Reason,
		Actor:          actor,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAmendmentResultDTO(res))
}

func (h *Handler) GetAmendment(w http.ResponseWriter, r *http.Request) {
	a, err := h.Engine.Amendments.GetAmendment(r.Context(), budget.AmendmentID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAmendmentDTO(*a))
}

func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	t, err := h.Engine.Amendments.GetTransfer(r.Context(), budget.TransferID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferDTO(*t))
}

// =============================================================================
// PURCHASE ORDER HANDLERS
// =============================================================================

func (h *Handler) ListPurchaseOrders(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid pagination", err)
		return
	}
	q := r.URL.Query()
	filter := budget.PurchaseOrderFilter{
		Department:   q.Get("department"),
		VendorID:     q.Get("vendor_id"),
		BudgetItemID: budget.BudgetItemID(q.Get("budget_item_id")),
		Page:         page,
	}
	for _, s := range strings.Split(q.Get("status"), ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		status := budget.POStatus(s)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "Invalid status filter", nil)
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}

	pos, err := h.Engine.PurchaseOrders.ListPurchaseOrders(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPageDTO(pos, toPurchaseOrderDTO))
}

func (h *Handler) CreatePurchaseOrder(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	var req CreatePurchaseOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	var date time.Time
	if req.Date != "" {
		d, err := time.Parse(dateLayout, req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
			return
		}
		date = d
	}

	po, err := h.Engine.PurchaseOrders.CreatePurchaseOrder(r.Context(), actor, budget.NewPurchaseOrder{
		Date:       date,
		VendorID:   req.VendorID,
		VendorName: req.VendorName,
		Department: req.Department,
		Notes:      req.Notes,
		Lines:      toLineInputs(req.Lines),
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPurchaseOrderDTO(*po))
}

func (h *Handler) GetPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	po, err := h.Engine.PurchaseOrders.GetPurchaseOrder(r.Context(), budget.PurchaseOrderID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPurchaseOrderDTO(*po))
}

func (h *Handler) SaveLineItems(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	var req SaveLineItemsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	id := budget.PurchaseOrderID(chi.URLParam(r, "id"))
	po, err := h.Engine.PurchaseOrders.SaveLineItems(r.Context(), actor, id, toLineInputs(req.Lines))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPurchaseOrderDTO(*po))
}

// SubmitPurchaseOrder submits a DRAFT. An empty body is accepted.
func (h *Handler) SubmitPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	var req SubmitRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	id := budget.PurchaseOrderID(chi.URLParam(r, "id"))
	res, err := h.Engine.PurchaseOrders.Submit(r.Context(), id, actor, req.Note)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionResultDTO(res))
}

// TransitionPurchaseOrder applies any state-machine step. A move to
// PENDING_APPROVAL goes through Submit so auto-approval still runs.
func (h *Handler) TransitionPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	var req TransitionRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	to := budget.POStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if !to.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid status", nil)
		return
	}

	id := budget.PurchaseOrderID(chi.URLParam(r, "id"))
	var (
		res *budget.TransitionResult
		err error
	)
	if to == budget.StatusPendingApproval {
		res, err = h.Engine.PurchaseOrders.Submit(r.Context(), id, actor, req.Note)
	} else {
		res, err = h.Engine.PurchaseOrders.Transition(r.Context(), budget.TransitionRequest{
			PurchaseOrderID: id,
			To:              to,
			Actor:           actor,
			Note:            req.Note,
			AllowOverBudget: req.AllowOverBudget,
			ExpectedFrom:    budget.POStatus(strings.ToUpper(req.ExpectedFrom)),
		})
	}
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionResultDTO(res))
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	changes, err := h.Engine.PurchaseOrders.History(r.Context(), budget.PurchaseOrderID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dtos := make([]StatusChangeDTO, len(changes))
	for i, c := range changes {
		dtos[i] = toStatusChangeDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.Reconciliation.Summary(r.Context(), budget.PurchaseOrderID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(*s))
}

// =============================================================================
// RECEIPT HANDLERS
// =============================================================================

func (h *Handler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid pagination", err)
		return
	}
	q := r.URL.Query()
	filter := budget.ReceiptFilter{
		PurchaseOrderID: budget.PurchaseOrderID(q.Get("purchase_order_id")),
		Page:            page,
	}
	if v := q.Get("unlinked"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid unlinked flag", err)
			return
		}
		filter.UnlinkedOnly = b
	}

	receipts, err := h.Engine.Reconciliation.ListReceipts(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPageDTO(receipts, toReceiptDTO))
}

func (h *Handler) RegisterReceipt(w http.ResponseWriter, r *http.Request) {
	var req RegisterReceiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	var date time.Time
	if req.Date != "" {
		d, err := time.Parse(dateLayout, req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
			return
		}
		date = d
	}

	rec, err := h.Engine.Reconciliation.RegisterReceipt(r.Context(), budget.ReceiptInput{
		ID:         budget.ReceiptID(req.ID),
		VendorID:   req.VendorID,
		VendorName: req.VendorName,
		Total:      req.Total,
		Currency:   req.Currency,
		Status:     budget.ReceiptStatus(strings.ToLower(req.Status)),
		Date:       date,
		FileRef:    req.FileRef,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptDTO(*rec))
}

func (h *Handler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Engine.Reconciliation.GetReceipt(r.Context(), budget.ReceiptID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptDTO(*rec))
}

func (h *Handler) LinkReceipt(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	var req LinkReceiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	id := budget.ReceiptID(chi.URLParam(r, "id"))
	rec, err := h.Engine.Reconciliation.LinkReceipt(r.Context(), id, budget.PurchaseOrderID(req.PurchaseOrderID), actor)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptDTO(*rec))
}

func (h *Handler) UnlinkReceipt(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	rec, err := h.Engine.Reconciliation.UnlinkReceipt(r.Context(), budget.ReceiptID(chi.URLParam(r, "id")), actor)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptDTO(*rec))
}

func (h *Handler) SuggestPurchaseOrders(w http.ResponseWriter, r *http.Request) {
	suggestions, err := h.Engine.Reconciliation.SuggestPurchaseOrders(r.Context(), budget.ReceiptID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dtos := make([]MatchSuggestionDTO, len(suggestions))
	for i, s := range suggestions {
		dtos[i] = toSuggestionDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// POLICY
// =============================================================================

func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	p := h.Engine.Policy()
	roles := append([]string{}, p.OverrideRoles...)
	writeJSON(w, http.StatusOK, PolicyDTO{
		AutoApprovalEnabled:    p.AutoApproval.Enabled,
		AutoApprovalThreshold:  p.AutoApproval.Threshold,
		OverrideRoles:          roles,
		WarnUtilizationPercent: p.WarnUtilizationPercent,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func pageFromQuery(r *http.Request) (budget.PageRequest, error) {
	page, err := intQuery(r, "page")
	if err != nil {
		return budget.PageRequest{}, err
	}
	limit, err := intQuery(r, "limit")
	if err != nil {
		return budget.PageRequest{}, err
	}
	return budget.PageRequest{Page: page, Limit: limit}, nil
}

func intQuery(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

// decodeOptional decodes a JSON body when one is present.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == io.EOF {
		return nil
	}
	return err
}
