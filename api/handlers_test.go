/*
handlers_test.go - HTTP tests for API handlers

Tests for:
- Forwarded identity and write protection
- Budget item create/get/list with pagination envelope
- PO lifecycle through HTTP, including auto-approval
- Error mapping (400/403/404/409/503) and structured details
- Amendments, transfers, receipts and reconciliation summary
*/
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/procurement-engine/budget"
	"github.com/warp/procurement-engine/store/sqlite"
)

var (
	requester = budget.Actor{ID: "u-req", Name: "Robin", Role: budget.RoleRequester}
	finance   = budget.Actor{ID: "u-fin", Name: "Sam", Role: budget.RoleFinance}
)

type testAPI struct {
	t       *testing.T
	router  http.Handler
	handler *Handler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine := budget.NewEngine(store, budget.DefaultPolicy())
	h := NewHandler(engine, store, nil)
	return &testAPI{t: t, router: NewRouter(h, RouterOptions{}), handler: h}
}

func (a *testAPI) do(method, path string, body any, actor *budget.Actor) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set(HeaderUserID, actor.ID)
		req.Header.Set(HeaderUserName, actor.Name)
		req.Header.Set(HeaderUserRole, actor.Role)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func assertAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

func (a *testAPI) createItem(code, amount string) BudgetItemDTO {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/budget-items", map[string]any{
		"code": code, "description": code, "fiscal_year": 2026, "budget_amount": amount,
	}, &finance)
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[BudgetItemDTO](a.t, rec)
}

func (a *testAPI) createPO(vendor string, lines ...LineItemRequest) PurchaseOrderDTO {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/purchase-orders", CreatePurchaseOrderRequest{
		VendorName: vendor, Date: "2026-03-01", Lines: lines,
	}, &requester)
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[PurchaseOrderDTO](a.t, rec)
}

func line(itemID, amount string) LineItemRequest {
	return LineItemRequest{Description: "item", Amount: decimal.RequireFromString(amount), BudgetItemID: itemID}
}

// =============================================================================
// IDENTITY
// =============================================================================

func TestWrite_RequiresForwardedUser(t *testing.T) {
	// GIVEN: A request with no X-User-Id header
	api := newTestAPI(t)

	// WHEN: Creating a budget item
	rec := api.do(http.MethodPost, "/api/budget-items", map[string]any{"code": "X"}, nil)

	// THEN: It is rejected before reaching the engine
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIdentity_LowercasesRole(t *testing.T) {
	var got budget.Actor
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = ActorFrom(r.Context())
	})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderUserID, " u1 ")
	req.Header.Set(HeaderUserRole, "Finance")

	Identity(next).ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, budget.Actor{ID: "u1", Role: "finance"}, got)
}

// =============================================================================
// BUDGET ITEMS
// =============================================================================

func TestBudgetItems_CreateGetList(t *testing.T) {
	// GIVEN: Three budget items
	api := newTestAPI(t)
	travel := api.createItem("TRAVEL-01", "1000")
	api.createItem("OFFICE-02", "500")
	api.createItem("TRAINING-03", "250.50")

	// WHEN: Reading one back
	rec := api.do(http.MethodGet, "/api/budget-items/"+travel.ID, nil, nil)

	// THEN: Derived figures are included and amounts are strings
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"available":"1000"`)
	got := decode[BudgetItemDTO](t, rec)
	assertAmount(t, "0", got.Utilization)
	assert.False(t, got.OverBudget)

	// WHEN: Listing with a page size of two
	rec = api.do(http.MethodGet, "/api/budget-items?limit=2&page=2", nil, nil)

	// THEN: The envelope reports totals
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[PageDTO[BudgetItemDTO]](t, rec)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	assert.Equal(t, 2, page.Page)
	assert.Len(t, page.Items, 1)
}

func TestBudgetItems_DuplicateCodeConflicts(t *testing.T) {
	api := newTestAPI(t)
	api.createItem("TRAVEL-01", "1000")

	rec := api.do(http.MethodPost, "/api/budget-items", map[string]any{
		"code": "TRAVEL-01", "fiscal_year": 2026, "budget_amount": "5",
	}, &finance)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBudgetItems_BadPagination(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(http.MethodGet, "/api/budget-items?limit=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetBudgetItem_NotFound(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodGet, "/api/budget-items/missing", nil, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, decode[ErrorResponse](t, rec).Code)
}

// =============================================================================
// PURCHASE ORDERS
// =============================================================================

func TestSubmit_AutoApprovesWithinThresholdAndBudget(t *testing.T) {
	// GIVEN: TRAVEL-01 with 1000 and a DRAFT PO for 400
	api := newTestAPI(t)
	travel := api.createItem("TRAVEL-01", "1000")
	po := api.createPO("Skyways", line(travel.ID, "400"))
	assert.Equal(t, "DRAFT", po.Status)
	assert.Equal(t, []string{"CANCELLED", "PENDING_APPROVAL"}, po.AllowedNext)

	// WHEN: Submitting with an empty body
	req := httptest.NewRequest(http.MethodPost, "/api/purchase-orders/"+po.ID+"/submit", nil)
	req.Header.Set(HeaderUserID, requester.ID)
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	// THEN: The PO is approved automatically and 400 is encumbered
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[TransitionResultDTO](t, rec)
	assert.Equal(t, "APPROVED", res.PurchaseOrder.Status)
	assert.True(t, res.PurchaseOrder.AutoApproved)
	require.NotNil(t, res.AutoApproval)
	assert.True(t, res.AutoApproval.Approved)

	item := decode[BudgetItemDTO](t, api.do(http.MethodGet, "/api/budget-items/"+travel.ID, nil, nil))
	assertAmount(t, "400", item.Encumbered)

	history := decode[[]StatusChangeDTO](t, api.do(http.MethodGet, "/api/purchase-orders/"+po.ID+"/history", nil, nil))
	require.Len(t, history, 3)
	assert.Equal(t, "APPROVED", history[2].To)
	assert.True(t, history[2].Auto)
	assert.Equal(t, budget.SystemActor.ID, history[2].Actor.ID)
}

func TestTransition_OverrideRequiresRole(t *testing.T) {
	// GIVEN: A pending PO that exceeds the remaining budget
	api := newTestAPI(t)
	travel := api.createItem("TRAVEL-01", "100")
	po := api.createPO("Grand Hotel", line(travel.ID, "300"))
	rec := api.do(http.MethodPost, "/api/purchase-orders/"+po.ID+"/submit", SubmitRequest{}, &requester)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decode[TransitionResultDTO](t, rec)
	assert.Equal(t, "PENDING_APPROVAL", pending.PurchaseOrder.Status)
	assert.Contains(t, pending.PurchaseOrder.AutoApprovalNote, "TRAVEL-01")

	// WHEN: Approving without override
	rec = api.do(http.MethodPost, "/api/purchase-orders/"+po.ID+"/transition", TransitionRequestDTO{Status: "APPROVED"}, &finance)

	// THEN: 409 with the shortfall
	require.Equal(t, http.StatusConflict, rec.Code)
	errResp := decode[ErrorResponse](t, rec)
	assert.Equal(t, CodeInsufficientBudget, errResp.Code)
	details := errResp.Details.(map[string]any)
	assert.Equal(t, "200", details["shortfall"])

	// WHEN: A requester tries to override
	rec = api.do(http.MethodPost, "/api/purchase-orders/"+po.ID+"/transition",
		TransitionRequestDTO{Status: "approved", AllowOverBudget: true}, &requester)

	// THEN: 403
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// WHEN: Finance overrides
	rec = api.do(http.MethodPost, "/api/purchase-orders/"+po.ID+"/transition",
		TransitionRequestDTO{Status: "APPROVED", AllowOverBudget: true}, &finance)

	// THEN: Approved with an over-budget warning
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[TransitionResultDTO](t, rec)
	assert.Equal(t, "APPROVED", res.PurchaseOrder.Status)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, string(budget.WarningNowOverBudget), res.Warnings[0].Code)
	assertAmount(t, "-200", res.Warnings[0].Available)
}

func TestTransition_InvalidReportsAllowed(t *testing.T) {
	api := newTestAPI(t)
	travel := api.createItem("TRAVEL-01", "1000")
	po := api.createPO("Skyways", line(travel.ID, "10"))

	rec := api.do(http.MethodPost, "/api/purchase-orders/"+po.ID+"/transition", TransitionRequestDTO{Status: "COMPLETED"}, &finance)

	require.Equal(t, http.StatusConflict, rec.Code)
	errResp := decode[ErrorResponse](t, rec)
	assert.Equal(t, CodeInvalidTransition, errResp.Code)
	details := errResp.Details.(map[string]any)
	assert.Equal(t, []any{"CANCELLED", "PENDING_APPROVAL"}, details["allowed"])
}

func TestTransition_UnknownStatus(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(http.MethodPost, "/api/purchase-orders/x/transition", TransitionRequestDTO{Status: "SHIPPED"}, &finance)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReject_RequiresNote(t *testing.T) {
	// GIVEN: A pending PO over the threshold
	api := newTestAPI(t)
	travel := api.createItem("TRAVEL-01", "10000")
	po := api.createPO("Skyways", line(travel.ID, "900"))
	require.Equal(t, http.StatusOK, api.do(http.MethodPost, "/api/purchase-orders/"+po.ID+"/submit", nil, &requester).Code)

	// WHEN: Rejecting with a blank note
	rec := api.do(http.MethodPost, "/api/purchase-orders/"+po.ID+"/transition", TransitionRequestDTO{Status: "REJECTED", Note: "  "}, &finance)

	// THEN: 400 note_required
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeNoteRequired, decode[ErrorResponse](t, rec).Code)
}

func TestSaveLineItems_OnlyInDraft(t *testing.T) {
	// GIVEN: A DRAFT PO
	api := newTestAPI(t)
	travel := api.createItem("TRAVEL-01", "1000")
	po := api.createPO("Skyways", line(travel.ID, "10"))

	// WHEN: Replacing the lines
	rec := api.do(http.MethodPut, "/api/purchase-orders/"+po.ID+"/lines", SaveLineItemsRequest{
		Lines: []LineItemRequest{line(travel.ID, "20"), line(travel.ID, "30.25")},
	}, &requester)

	// THEN: The server recomputes the total
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[PurchaseOrderDTO](t, rec)
	assertAmount(t, "50.25", updated.Total)
	assert.Len(t, updated.Lines, 2)

	// WHEN: The PO has been auto-approved and lines are edited again
	require.Equal(t, http.StatusOK, api.do(http.MethodPost, "/api/purchase-orders/"+po.ID+"/submit", nil, &requester).Code)
	rec = api.do(http.MethodPut, "/api/purchase-orders/"+po.ID+"/lines", SaveLineItemsRequest{
		Lines: []LineItemRequest{line(travel.ID, "1")},
	}, &requester)

	// THEN: 409 not editable
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeNotEditable, decode[ErrorResponse](t, rec).Code)
}

func TestListPurchaseOrders_StatusFilter(t *testing.T) {
	api := newTestAPI(t)
	travel := api.createItem("TRAVEL-01", "1000")
	api.createPO("A", line(travel.ID, "10"))
	po := api.createPO("B", line(travel.ID, "10"))
	require.Equal(t, http.StatusOK, api.do(http.MethodPost, "/api/purchase-orders/"+po.ID+"/submit", nil, &requester).Code)

	rec := api.do(http.MethodGet, "/api/purchase-orders?status=approved", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[PageDTO[PurchaseOrderDTO]](t, rec)
	require.Len(t, page.Items, 1)
	assert.Equal(t, po.ID, page.Items[0].ID)

	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/api/purchase-orders?status=LOST", nil, nil).Code)
}

// =============================================================================
// AMENDMENTS
// =============================================================================

func TestCreateAmendment_Transfer(t *testing.T) {
	// GIVEN: Two budget items in the same fiscal year
	api := newTestAPI(t)
	travel := api.createItem("TRAVEL-01", "1000")
	office := api.createItem("OFFICE-02", "500")

	// WHEN: Transferring 200
	rec := api.do(http.MethodPost, "/api/amendments", CreateAmendmentRequest{
		Type: "transfer", BudgetItemID: travel.ID, ToBudgetItemID: office.ID,
		Amount: decimal.NewFromInt(200), Reason: "rebalance",
	}, &finance)

	// THEN: Both rows exist, reference each other and share a transfer id
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[AmendmentResultDTO](t, rec)
	require.NotNil(t, res.Transfer)
	assertAmount(t, "800", res.Transfer.Out.NewAmount)
	assertAmount(t, "700", res.Transfer.In.NewAmount)
	assert.Equal(t, res.Transfer.In.ID, res.Transfer.Out.RelatedAmendmentID)
	assert.Equal(t, res.Transfer.Out.ID, res.Transfer.In.RelatedAmendmentID)

	rec = api.do(http.MethodGet, "/api/transfers/"+res.Transfer.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assertAmount(t, "200", decode[TransferDTO](t, rec).Amount)

	list := decode[PageDTO[AmendmentDTO]](t, api.do(http.MethodGet, "/api/amendments?budget_item_id="+travel.ID, nil, nil))
	require.Len(t, list.Items, 1)
	assert.Equal(t, "TRANSFER_OUT", list.Items[0].Type)
}

func TestCreateAmendment_Validation(t *testing.T) {
	api := newTestAPI(t)
	travel := api.createItem("TRAVEL-01", "1000")

	rec := api.do(http.MethodPost, "/api/amendments", CreateAmendmentRequest{
		Type: "INCREASE", BudgetItemID: travel.ID, Amount: decimal.NewFromInt(-5), Reason: "oops",
	}, &finance)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeValidation, decode[ErrorResponse](t, rec).Code)
}

// =============================================================================
// RECEIPTS
// =============================================================================

func TestReceipts_LinkAndSummary(t *testing.T) {
	// GIVEN: A completed 400 PO and a 100 receipt from the same vendor
	api := newTestAPI(t)
	travel := api.createItem("TRAVEL-01", "1000")
	po := api.createPO("Skyways", line(travel.ID, "400"))
	require.Equal(t, http.StatusOK, api.do(http.MethodPost, "/api/purchase-orders/"+po.ID+"/submit", nil, &requester).Code)

	rec := api.do(http.MethodPost, "/api/receipts", RegisterReceiptRequest{
		VendorName: "skyways", Total: decimal.NewFromInt(100), Currency: "usd", Date: "2026-03-02",
	}, &finance)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	receipt := decode[ReceiptDTO](t, rec)
	assert.Equal(t, "USD", receipt.Currency)
	assert.Equal(t, "pending", receipt.Status)

	// WHEN: Asking for suggestions
	rec = api.do(http.MethodGet, "/api/receipts/"+receipt.ID+"/suggestions", nil, nil)

	// THEN: The PO is proposed
	require.Equal(t, http.StatusOK, rec.Code)
	suggestions := decode[[]MatchSuggestionDTO](t, rec)
	require.NotEmpty(t, suggestions)
	assert.Equal(t, po.ID, suggestions[0].PurchaseOrderID)

	// WHEN: Linking it
	rec = api.do(http.MethodPost, "/api/receipts/"+receipt.ID+"/link", LinkReceiptRequest{PurchaseOrderID: po.ID}, &finance)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: The summary reflects 25% coverage
	rec = api.do(http.MethodGet, "/api/purchase-orders/"+po.ID+"/reconciliation", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[ReconciliationSummaryDTO](t, rec)
	assertAmount(t, "300", summary.RemainingAmount)
	assertAmount(t, "25", summary.PercentCovered)
	assert.Equal(t, 1, summary.ReceiptCount)

	// WHEN: Unlinking
	rec = api.do(http.MethodDelete, "/api/receipts/"+receipt.ID+"/link", nil, &finance)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[ReceiptDTO](t, rec).PurchaseOrderID)

	summary = decode[ReconciliationSummaryDTO](t, api.do(http.MethodGet, "/api/purchase-orders/"+po.ID+"/reconciliation", nil, nil))
	assert.Equal(t, 0, summary.ReceiptCount)
}

func TestRegisterReceipt_BadDate(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(http.MethodPost, "/api/receipts", RegisterReceiptRequest{VendorName: "x", Date: "03/02/2026"}, &finance)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestWriteEngineError_ConcurrencyTimeout(t *testing.T) {
	// GIVEN: A lock timeout from the engine
	h := NewHandler(nil, nil, nil)
	err := fmt.Errorf("approve: %w", &budget.ConcurrencyTimeoutError{Key: "item:a", Wait: time.Second, Err: fmt.Errorf("deadline")})

	// WHEN: Mapping it
	rec := httptest.NewRecorder()
	h.writeEngineError(rec, httptest.NewRequest(http.MethodPost, "/", nil), err)

	// THEN: 503 with Retry-After
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, CodeConcurrencyTimeout, decode[ErrorResponse](t, rec).Code)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{&budget.ValidationError{Field: "amount"}, http.StatusBadRequest},
		{&budget.NoteRequiredError{}, http.StatusBadRequest},
		{budget.ErrOverrideNotPermitted, http.StatusForbidden},
		{budget.ErrReceiptNotFound, http.StatusNotFound},
		{&budget.InvalidTransitionError{}, http.StatusConflict},
		{&budget.NotEditableError{}, http.StatusConflict},
		{&budget.InsufficientBudgetError{}, http.StatusConflict},
		{budget.ErrBudgetItemInUse, http.StatusConflict},
		{budget.ErrConcurrentModification, http.StatusConflict},
		{&budget.InvariantViolationError{}, http.StatusInternalServerError},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, _ := classify(tt.err)
		assert.Equal(t, tt.status, status, "%v", tt.err)
	}
}

func TestWriteEngineError_HidesInternalDetail(t *testing.T) {
	h := NewHandler(nil, nil, nil)
	rec := httptest.NewRecorder()

	h.writeEngineError(rec, httptest.NewRequest(http.MethodGet, "/", nil), &budget.InvariantViolationError{Code: "X", Detail: "encumbered < 0"})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "encumbered")
}
