package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/procurement-engine/budget"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var (
	day   = time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	fiona = budget.Actor{ID: "u-fiona", Name: "Fiona", Role: budget.RoleFinance}
)

func TestMigrate_IsRepeatable(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

func TestBudgetItem_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	in := budget.BudgetItem{
		ID: "b1", Code: "TRAVEL-01", Description: "Staff travel", FiscalYear: 2026,
		BudgetAmount: budget.MustAmount("1000.10"), Encumbered: budget.MustAmount("0.05"),
		ActualSpent: budget.MustAmount("12.345"), CreatedAt: day, UpdatedAt: day,
	}

	require.NoError(t, s.SaveBudgetItem(ctx, in))
	got, err := s.GetBudgetItem(ctx, "b1")

	require.NoError(t, err)
	assert.Equal(t, in.Code, got.Code)
	assert.Equal(t, in.Description, got.Description)
	assert.True(t, in.BudgetAmount.Equal(got.BudgetAmount))
	assert.True(t, in.Encumbered.Equal(got.Encumbered))
	assert.Equal(t, "12.345", got.ActualSpent.String())
	assert.True(t, day.Equal(got.CreatedAt))

	byCode, err := s.GetBudgetItemByCode(ctx, "TRAVEL-01", 2026)
	require.NoError(t, err)
	assert.Equal(t, in.ID, byCode.ID)
}

func TestBudgetItem_CodeUniquePerYear(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveBudgetItem(ctx, budget.BudgetItem{ID: "b1", Code: "X", FiscalYear: 2026}))

	err := s.SaveBudgetItem(ctx, budget.BudgetItem{ID: "b2", Code: "X", FiscalYear: 2026})
	assert.ErrorIs(t, err, budget.ErrDuplicateBudgetCode)

	assert.NoError(t, s.SaveBudgetItem(ctx, budget.BudgetItem{ID: "b3", Code: "X", FiscalYear: 2027}))
}

func TestBudgetItem_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, it := range []budget.BudgetItem{
		{ID: "1", Code: "B", FiscalYear: 2025},
		{ID: "2", Code: "C", FiscalYear: 2026},
		{ID: "3", Code: "A", FiscalYear: 2026},
	} {
		require.NoError(t, s.SaveBudgetItem(ctx, it))
	}

	items, total, err := s.ListBudgetItems(ctx, budget.BudgetItemFilter{Page: budget.PageRequest{Page: 1, Limit: 2}})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, items, 2)
	assert.Equal(t, "A", items[0].Code)
	assert.Equal(t, "C", items[1].Code)

	require.NoError(t, s.DeleteBudgetItem(ctx, "3"))
	assert.ErrorIs(t, s.DeleteBudgetItem(ctx, "3"), budget.ErrBudgetItemNotFound)
	_, err = s.GetBudgetItem(ctx, "3")
	assert.ErrorIs(t, err, budget.ErrBudgetItemNotFound)
}

func TestLedgerEntries_IdempotencyKeyUnique(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	entry := budget.LedgerEntry{
		ID: "e1", BudgetItemID: "b1", Type: budget.EntryReserve,
		Requested: budget.MustAmount("10"), Applied: budget.MustAmount("10"),
		ReferenceID: "po-1", Token: "l1", IdempotencyKey: "reserve:l1",
		OverBudgetAuthorized: true, CreatedBy: "u", CreatedAt: day,
	}
	require.NoError(t, s.AppendEntries(ctx, []budget.LedgerEntry{entry}))

	dup := entry
	dup.ID = "e2"
	err := s.AppendEntries(ctx, []budget.LedgerEntry{dup})
	assert.ErrorIs(t, err, budget.ErrDuplicateIdempotencyKey)

	exists, err := s.EntryExists(ctx, "reserve:l1")
	require.NoError(t, err)
	assert.True(t, exists)

	entries, err := s.ListEntries(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].OverBudgetAuthorized)
	assert.Equal(t, "l1", entries[0].Token)
}

func TestLedgerEntries_NullKeysDoNotCollide(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.AppendEntries(ctx, []budget.LedgerEntry{
		{ID: "e1", BudgetItemID: "b1", Type: budget.EntryAllocate, Requested: budget.MustAmount("1"), Applied: budget.MustAmount("1")},
		{ID: "e2", BudgetItemID: "b1", Type: budget.EntryAllocate, Requested: budget.MustAmount("2"), Applied: budget.MustAmount("2")},
	}))

	entries, err := s.ListEntries(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, budget.EntryID("e1"), entries[0].ID)
	assert.Empty(t, entries[0].IdempotencyKey)
}

func TestPurchaseOrder_RoundTripWithLinesAndStamps(t *testing.T) {
	// GIVEN: A PO with two lines and two stamps
	ctx := context.Background()
	s := newTestStore(t)
	po := budget.PurchaseOrder{
		ID:           "p1",
		Number:       1,
		Date:         day,
		VendorID:     "v1",
		VendorName:   "Skyways",
		Requester:    budget.Actor{ID: "u-alice", Name: "Alice", Role: budget.RoleRequester},
		Status:       budget.StatusApproved,
		Total:        budget.MustAmount("30.50"),
		Notes:        "n",
		Submitted:    &budget.ActionStamp{By: budget.Actor{ID: "u-alice"}, At: day},
		Approved:     &budget.ActionStamp{By: budget.SystemActor, At: day, Note: "auto"},
		AutoApproved: true,
		Version:      3,
		Lines: []budget.LineItem{
			{ID: "l1", Description: "flight", Amount: budget.MustAmount("30"), BudgetItemID: "b1"},
			{ID: "l2", Description: "bag", Amount: budget.MustAmount("0.50"), BudgetItemID: "b2"},
		},
		CreatedAt: day,
		UpdatedAt: day,
	}

	// WHEN: Saved and read back
	require.NoError(t, s.SavePurchaseOrder(ctx, po))
	got, err := s.GetPurchaseOrder(ctx, "p1")

	// THEN: Everything survives
	require.NoError(t, err)
	assert.Equal(t, po.Requester, got.Requester)
	assert.Equal(t, budget.StatusApproved, got.Status)
	assert.True(t, got.AutoApproved)
	assert.Equal(t, 3, got.Version)
	require.NotNil(t, got.Approved)
	assert.Equal(t, budget.SystemActor, got.Approved.By)
	assert.Equal(t, "auto", got.Approved.Note)
	assert.Nil(t, got.Rejected)
	require.Len(t, got.Lines, 2)
	assert.Equal(t, budget.LineItemID("l1"), got.Lines[0].ID)
	assert.True(t, got.Total.Equal(got.LineTotal()))

	// WHEN: Saved again with one line
	po.Lines = po.Lines[:1]
	po.Total = budget.MustAmount("30")
	require.NoError(t, s.SavePurchaseOrder(ctx, po))

	// THEN: The lines are replaced, not appended
	got, err = s.GetPurchaseOrder(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, got.Lines, 1)
}

func TestPurchaseOrder_ListFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for i, st := range []budget.POStatus{budget.StatusDraft, budget.StatusApproved, budget.StatusApproved} {
		n, err := s.NextPONumber(ctx)
		require.NoError(t, err)
		item := budget.BudgetItemID("b-other")
		if i == 1 {
			item = "b-target"
		}
		require.NoError(t, s.SavePurchaseOrder(ctx, budget.PurchaseOrder{
			ID: budget.PurchaseOrderID(string(rune('a' + i))), Number: n, Status: st, Department: "ops",
			Lines: []budget.LineItem{{ID: budget.LineItemID(string(rune('x' + i))), Description: "l", Amount: budget.MustAmount("1"), BudgetItemID: item}},
		}))
	}

	approved, total, err := s.ListPurchaseOrders(ctx, budget.PurchaseOrderFilter{Statuses: []budget.POStatus{budget.StatusApproved}})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, approved, 2)
	assert.Equal(t, int64(3), approved[0].Number)

	byItem, total, err := s.ListPurchaseOrders(ctx, budget.PurchaseOrderFilter{BudgetItemID: "b-target"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, budget.PurchaseOrderID("b"), byItem[0].ID)

	none, total, err := s.ListPurchaseOrders(ctx, budget.PurchaseOrderFilter{Department: "finance"})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, none)
}

func TestStatusChanges_OrderedBySequence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SavePurchaseOrder(ctx, budget.PurchaseOrder{ID: "p1", Number: 1, Status: budget.StatusDraft}))
	for i, to := range []budget.POStatus{budget.StatusDraft, budget.StatusPendingApproval, budget.StatusApproved} {
		require.NoError(t, s.AppendStatusChange(ctx, budget.StatusChange{
			ID: string(rune('a' + i)), PurchaseOrderID: "p1", To: to, Actor: fiona, Auto: i == 2, At: day,
		}))
	}

	changes, err := s.ListStatusChanges(ctx, "p1")

	require.NoError(t, err)
	require.Len(t, changes, 3)
	assert.Equal(t, budget.StatusApproved, changes[2].To)
	assert.True(t, changes[2].Auto)
	assert.Equal(t, fiona, changes[0].Actor)
}

func TestReceipts_RoundTripAndFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveReceipt(ctx, budget.Receipt{
		ID: "r1", VendorName: "Skyways", Total: budget.MustAmount("99.99"), Currency: "EUR",
		Status: budget.ReceiptProcessed, Date: day, PurchaseOrderID: "p1", CreatedAt: day, UpdatedAt: day,
	}))
	require.NoError(t, s.SaveReceipt(ctx, budget.Receipt{ID: "r2", Status: budget.ReceiptPending, Date: day.AddDate(0, 0, 1)}))

	got, err := s.GetReceipt(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "99.99", got.Total.String())
	assert.Equal(t, budget.PurchaseOrderID("p1"), got.PurchaseOrderID)

	linked, _, err := s.ListReceipts(ctx, budget.ReceiptFilter{PurchaseOrderID: "p1"})
	require.NoError(t, err)
	assert.Len(t, linked, 1)

	unlinked, _, err := s.ListReceipts(ctx, budget.ReceiptFilter{UnlinkedOnly: true})
	require.NoError(t, err)
	require.Len(t, unlinked, 1)
	assert.Equal(t, budget.ReceiptID("r2"), unlinked[0].ID)

	_, err = s.GetReceipt(ctx, "nope")
	assert.ErrorIs(t, err, budget.ErrReceiptNotFound)
}

func TestWithTx_RollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx budget.Store) error {
		if err := tx.SaveBudgetItem(ctx, budget.BudgetItem{ID: "b1", Code: "X", FiscalYear: 2026}); err != nil {
			return err
		}
		return boom
	})

	require.ErrorIs(t, err, boom)
	_, err = s.GetBudgetItem(ctx, "b1")
	assert.ErrorIs(t, err, budget.ErrBudgetItemNotFound)
}

func TestReset_ClearsEverything(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveBudgetItem(ctx, budget.BudgetItem{ID: "b1", Code: "X", FiscalYear: 2026}))
	require.NoError(t, s.SavePurchaseOrder(ctx, budget.PurchaseOrder{ID: "p1", Number: 1, Status: budget.StatusDraft}))

	require.NoError(t, s.Reset(ctx))

	_, total, err := s.ListBudgetItems(ctx, budget.BudgetItemFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	n, err := s.NextPONumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEngineOnSQLite_FailedApprovalLeavesNoTrace(t *testing.T) {
	// GIVEN: An engine over sqlite with a pending PO larger than its budget
	ctx := context.Background()
	s := newTestStore(t)
	engine := budget.NewEngine(s, budget.DefaultPolicy())
	item, err := engine.Ledger.CreateBudgetItem(ctx, budget.NewBudgetItem{Code: "OPS", FiscalYear: 2026, BudgetAmount: budget.MustAmount("100")})
	require.NoError(t, err)
	po, err := engine.PurchaseOrders.CreatePurchaseOrder(ctx, fiona, budget.NewPurchaseOrder{
		VendorName: "Acme",
		Lines: []budget.LineItemInput{
			{Description: "a", Amount: budget.MustAmount("60"), BudgetItemID: item.ID},
			{Description: "b", Amount: budget.MustAmount("60"), BudgetItemID: item.ID},
		},
	})
	require.NoError(t, err)
	_, err = engine.PurchaseOrders.Submit(ctx, po.ID, fiona, "")
	require.NoError(t, err)

	// WHEN: Approving without override
	_, err = engine.PurchaseOrders.Approve(ctx, po.ID, fiona, "", false)

	// THEN: The first line's reservation was rolled back with the rest
	require.ErrorIs(t, err, budget.ErrInsufficientBudget)
	got, err := engine.Ledger.GetBudgetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, got.Encumbered.IsZero())
	entries, err := engine.Ledger.Entries(ctx, item.ID)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, budget.EntryReserve, e.Type)
	}
	stored, err := engine.PurchaseOrders.GetPurchaseOrder(ctx, po.ID)
	require.NoError(t, err)
	assert.Equal(t, budget.StatusPendingApproval, stored.Status)
}
