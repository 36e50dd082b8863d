/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with a small
	budget and walk purchase orders through the lifecycle, so the UI and
	API can be explored without typing in data.

AVAILABLE SCENARIOS:

	baseline:         TRAVEL-01 ($1000) and OFFICE-02 ($500), nothing else
	auto-approved:    $400 PO on TRAVEL-01, auto-approved on submit
	over-budget:      plus a $700 PO left pending with an auto-approval note
	override:         plus a finance override approving the $700 PO
	transfer:         $200 moved from TRAVEL-01 to OFFICE-02
	void:             the $400 PO approved and then voided
	reconciliation:   a completed PO with linked and unlinked receipts

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Create the budget items
 3. Drive the engine through its public operations

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "over-budget"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Engine handlers
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/procurement-engine/budget"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	load func(ctx context.Context, e *budget.Engine) error
}

var scenarios = []scenario{
	{ScenarioDTO{ID: "baseline", Name: "Baseline", Description: "TRAVEL-01 ($1000) and OFFICE-02 ($500) with no activity"}, loadBaseline},
	{ScenarioDTO{ID: "auto-approved", Name: "Auto-approval", Description: "A $400 PO within threshold and budget is approved on submit"}, loadAutoApproved},
	{ScenarioDTO{ID: "over-budget", Name: "Over budget", Description: "A second $700 PO stays pending: TRAVEL-01 would be exceeded"}, loadOverBudget},
	{ScenarioDTO{ID: "override", Name: "Finance override", Description: "Finance approves the $700 PO anyway; TRAVEL-01 goes over budget"}, loadOverride},
	{ScenarioDTO{ID: "transfer", Name: "Budget transfer", Description: "$200 transferred from TRAVEL-01 to OFFICE-02"}, loadTransfer},
	{ScenarioDTO{ID: "void", Name: "Void", Description: "The $400 PO is voided and its encumbrance released"}, loadVoid},
	{ScenarioDTO{ID: "reconciliation", Name: "Reconciliation", Description: "A completed PO with one linked receipt and one awaiting a match"}, loadReconciliation},
}

var (
	demoRequester = budget.Actor{ID: "demo-requester", Name: "Riley Requester", Role: budget.RoleRequester}
	demoFinance   = budget.Actor{ID: "demo-finance", Name: "Frankie Finance", Role: budget.RoleFinance}
)

// =============================================================================
// HANDLERS
// =============================================================================

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"scenario_id": current})
}

func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	var chosen *scenario
	for i := range scenarios {
		if scenarios[i].ID == req.ScenarioID {
			chosen = &scenarios[i]
		}
	}
	if chosen == nil {
		writeError(w, http.StatusBadRequest, "Unknown scenario: "+req.ScenarioID, nil)
		return
	}
	if h.resetter == nil {
		writeError(w, http.StatusNotImplemented, "Scenario loading requires a resettable store", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.resetter.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	if err := chosen.load(r.Context(), h.Engine); err != nil {
		h.logger.Error("scenario load failed", "scenario", chosen.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}
	h.currentScenario = chosen.ID
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario_id": chosen.ID})
}

func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if h.resetter == nil {
		writeError(w, http.StatusNotImplemented, "Store does not support reset", nil)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.resetter.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// LOADERS
// =============================================================================

type demoItems struct {
	travel *budget.BudgetItem
	office *budget.BudgetItem
}

func seedItems(ctx context.Context, e *budget.Engine) (demoItems, error) {
	fy := time.Now().Year()
	travel, err := e.Ledger.CreateBudgetItem(ctx, budget.NewBudgetItem{
		Code: "TRAVEL-01", Description: "Staff travel", FiscalYear: fy, BudgetAmount: budget.MustAmount("1000"),
	})
	if err != nil {
		return demoItems{}, err
	}
	office, err := e.Ledger.CreateBudgetItem(ctx, budget.NewBudgetItem{
		Code: "OFFICE-02", Description: "Office supplies", FiscalYear: fy, BudgetAmount: budget.MustAmount("500"),
	})
	if err != nil {
		return demoItems{}, err
	}
	return demoItems{travel: travel, office: office}, nil
}

func submitDemoPO(ctx context.Context, e *budget.Engine, vendor, amount string, item budget.BudgetItemID) (*budget.TransitionResult, error) {
	po, err := e.PurchaseOrders.CreatePurchaseOrder(ctx, demoRequester, budget.NewPurchaseOrder{
		VendorID:   "vendor-" + vendor,
		VendorName: vendor,
		Department: "Operations",
		Lines: []budget.LineItemInput{
			{Description: vendor + " booking", Amount: budget.MustAmount(amount), BudgetItemID: item},
		},
	})
	if err != nil {
		return nil, err
	}
	return e.PurchaseOrders.Submit(ctx, po.ID, demoRequester, "")
}

func loadBaseline(ctx context.Context, e *budget.Engine) error {
	_, err := seedItems(ctx, e)
	return err
}

func autoApproved(ctx context.Context, e *budget.Engine) (demoItems, *budget.PurchaseOrder, error) {
	items, err := seedItems(ctx, e)
	if err != nil {
		return items, nil, err
	}
	res, err := submitDemoPO(ctx, e, "Skyways", "400", items.travel.ID)
	if err != nil {
		return items, nil, err
	}
	if res.PurchaseOrder.Status != budget.StatusApproved {
		return items, nil, fmt.Errorf("expected auto-approval, got %s: %s", res.PurchaseOrder.Status, res.PurchaseOrder.AutoApprovalNote)
	}
	return items, &res.PurchaseOrder, nil
}

func loadAutoApproved(ctx context.Context, e *budget.Engine) error {
	_, _, err := autoApproved(ctx, e)
	return err
}

func overBudget(ctx context.Context, e *budget.Engine) (*budget.PurchaseOrder, error) {
	items, _, err := autoApproved(ctx, e)
	if err != nil {
		return nil, err
	}
	res, err := submitDemoPO(ctx, e, "Grand Hotel", "700", items.travel.ID)
	if err != nil {
		return nil, err
	}
	return &res.PurchaseOrder, nil
}

func loadOverBudget(ctx context.Context, e *budget.Engine) error {
	_, err := overBudget(ctx, e)
	return err
}

func loadOverride(ctx context.Context, e *budget.Engine) error {
	po, err := overBudget(ctx, e)
	if err != nil {
		return err
	}
	_, err = e.PurchaseOrders.Approve(ctx, po.ID, demoFinance, "Conference travel approved over budget", true)
	return err
}

func loadTransfer(ctx context.Context, e *budget.Engine) error {
	items, err := seedItems(ctx, e)
	if err != nil {
		return err
	}
	_, err = e.Amendments.ApplyTransfer(ctx, items.travel.ID, items.office.ID, budget.MustAmount("200"), "Reallocate travel underspend", demoFinance)
	return err
}

func loadVoid(ctx context.Context, e *budget.Engine) error {
	_, po, err := autoApproved(ctx, e)
	if err != nil {
		return err
	}
	_, err = e.PurchaseOrders.Void(ctx, po.ID, demoFinance, "Trip cancelled")
	return err
}

func loadReconciliation(ctx context.Context, e *budget.Engine) error {
	_, po, err := autoApproved(ctx, e)
	if err != nil {
		return err
	}
	if _, err := e.PurchaseOrders.Complete(ctx, po.ID, demoFinance, "Goods received"); err != nil {
		return err
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	linked, err := e.Reconciliation.RegisterReceipt(ctx, budget.ReceiptInput{
		VendorID: po.VendorID, VendorName: po.VendorName, Total: budget.MustAmount("250"),
		Currency: "usd", Status: budget.ReceiptProcessed, Date: today,
	})
	if err != nil {
		return err
	}
	if _, err := e.Reconciliation.LinkReceipt(ctx, linked.ID, po.ID, demoFinance); err != nil {
		return err
	}
	_, err = e.Reconciliation.RegisterReceipt(ctx, budget.ReceiptInput{
		VendorName: po.VendorName, Total: budget.MustAmount("150"),
		Currency: "usd", Status: budget.ReceiptPending, Date: today.AddDate(0, 0, 2),
	})
	return err
}
