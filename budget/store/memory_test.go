package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/procurement-engine/budget"
)

func item(id, code string, year int) budget.BudgetItem {
	return budget.BudgetItem{
		ID: budget.BudgetItemID(id), Code: code, FiscalYear: year,
		BudgetAmount: budget.MustAmount("100"),
	}
}

func TestMemory_WithTxRollsBackOnError(t *testing.T) {
	// GIVEN: A store with one item
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.SaveBudgetItem(ctx, item("a", "A", 2026)))

	// WHEN: A transaction writes and then fails
	boom := errors.New("boom")
	err := m.WithTx(ctx, func(s budget.Store) error {
		changed := item("a", "A", 2026)
		changed.Encumbered = budget.MustAmount("50")
		if err := s.SaveBudgetItem(ctx, changed); err != nil {
			return err
		}
		if err := s.AppendEntries(ctx, []budget.LedgerEntry{{ID: "e1", BudgetItemID: "a", IdempotencyKey: "reserve:1"}}); err != nil {
			return err
		}
		if _, err := s.NextPONumber(ctx); err != nil {
			return err
		}
		return boom
	})

	// THEN: Nothing of it is visible
	require.ErrorIs(t, err, boom)
	got, err := m.GetBudgetItem(ctx, "a")
	require.NoError(t, err)
	assert.True(t, got.Encumbered.IsZero())
	exists, err := m.EntryExists(ctx, "reserve:1")
	require.NoError(t, err)
	assert.False(t, exists)
	n, err := m.NextPONumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemory_WithTxCommits(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	err := m.WithTx(ctx, func(s budget.Store) error {
		return s.SaveBudgetItem(ctx, item("a", "A", 2026))
	})

	require.NoError(t, err)
	_, err = m.GetBudgetItem(ctx, "a")
	assert.NoError(t, err)
}

func TestMemory_DuplicateIdempotencyKeyRejectsWholeBatch(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.AppendEntries(ctx, []budget.LedgerEntry{{ID: "e1", BudgetItemID: "a", IdempotencyKey: "reserve:1"}}))

	err := m.AppendEntries(ctx, []budget.LedgerEntry{
		{ID: "e2", BudgetItemID: "a", IdempotencyKey: "reserve:2"},
		{ID: "e3", BudgetItemID: "a", IdempotencyKey: "reserve:1"},
	})

	require.ErrorIs(t, err, budget.ErrDuplicateIdempotencyKey)
	entries, err := m.ListEntries(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	exists, _ := m.EntryExists(ctx, "reserve:2")
	assert.False(t, exists)
}

func TestMemory_EntriesWithoutKeyAlwaysAppend(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.AppendEntries(ctx, []budget.LedgerEntry{{ID: "e1", BudgetItemID: "a"}}))
	require.NoError(t, m.AppendEntries(ctx, []budget.LedgerEntry{{ID: "e2", BudgetItemID: "a"}}))

	entries, err := m.ListEntries(ctx, "a")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, budget.EntryID("e1"), entries[0].ID)
}

func TestMemory_ListBudgetItemsOrderAndPaging(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, it := range []budget.BudgetItem{
		item("1", "B", 2025), item("2", "C", 2026), item("3", "A", 2026), item("4", "D", 2026),
	} {
		require.NoError(t, m.SaveBudgetItem(ctx, it))
	}

	all, total, err := m.ListBudgetItems(ctx, budget.BudgetItemFilter{})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	var codes []string
	for _, it := range all {
		codes = append(codes, it.Code)
	}
	assert.Equal(t, []string{"A", "C", "D", "B"}, codes, "newest year first, then by code")

	page, total, err := m.ListBudgetItems(ctx, budget.BudgetItemFilter{FiscalYear: 2026, Page: budget.PageRequest{Page: 2, Limit: 2}})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 1)
	assert.Equal(t, "D", page[0].Code)

	beyond, _, err := m.ListBudgetItems(ctx, budget.BudgetItemFilter{Page: budget.PageRequest{Page: 9, Limit: 2}})
	require.NoError(t, err)
	assert.Empty(t, beyond)
}

func TestMemory_PurchaseOrdersAreCopied(t *testing.T) {
	// GIVEN: A saved PO
	ctx := context.Background()
	m := NewMemory()
	po := budget.PurchaseOrder{ID: "p", Number: 1, Status: budget.StatusDraft, Lines: []budget.LineItem{{ID: "l1", Amount: budget.MustAmount("5")}}}
	require.NoError(t, m.SavePurchaseOrder(ctx, po))

	// WHEN: The caller mutates what it read
	got, err := m.GetPurchaseOrder(ctx, "p")
	require.NoError(t, err)
	got.Lines[0].Amount = budget.MustAmount("999")
	po.Lines[0].Amount = budget.MustAmount("888")

	// THEN: The stored copy is untouched
	again, err := m.GetPurchaseOrder(ctx, "p")
	require.NoError(t, err)
	assert.True(t, budget.MustAmount("5").Equal(again.Lines[0].Amount))
}

func TestMemory_NotFound(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.GetBudgetItem(ctx, "x")
	assert.ErrorIs(t, err, budget.ErrBudgetItemNotFound)
	_, err = m.GetBudgetItemByCode(ctx, "X", 2026)
	assert.ErrorIs(t, err, budget.ErrBudgetItemNotFound)
	_, err = m.GetPurchaseOrder(ctx, "x")
	assert.ErrorIs(t, err, budget.ErrPurchaseOrderNotFound)
	_, err = m.GetReceipt(ctx, "x")
	assert.ErrorIs(t, err, budget.ErrReceiptNotFound)
	_, err = m.GetAmendment(ctx, "x")
	assert.ErrorIs(t, err, budget.ErrAmendmentNotFound)
	assert.ErrorIs(t, m.DeleteBudgetItem(ctx, "x"), budget.ErrBudgetItemNotFound)
}

func TestMemory_ListReceiptsNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.SaveReceipt(ctx, budget.Receipt{ID: "old", Date: day}))
	require.NoError(t, m.SaveReceipt(ctx, budget.Receipt{ID: "new", Date: day.AddDate(0, 0, 1), PurchaseOrderID: "p"}))

	all, _, err := m.ListReceipts(ctx, budget.ReceiptFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, budget.ReceiptID("new"), all[0].ID)

	unlinked, _, err := m.ListReceipts(ctx, budget.ReceiptFilter{UnlinkedOnly: true})
	require.NoError(t, err)
	require.Len(t, unlinked, 1)
	assert.Equal(t, budget.ReceiptID("old"), unlinked[0].ID)
}

func TestMemory_Reset(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.SaveBudgetItem(ctx, item("a", "A", 2026)))
	_, err := m.NextPONumber(ctx)
	require.NoError(t, err)

	require.NoError(t, m.Reset(ctx))

	_, total, err := m.ListBudgetItems(ctx, budget.BudgetItemFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	n, err := m.NextPONumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// =============================================================================
// SUMMARY CACHE
// =============================================================================

func TestMemoryCache_TTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	c := NewMemoryCache(time.Minute)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, budget.ReconciliationSummary{PurchaseOrderID: "p", ReceiptCount: 2}))

	got, err := c.Get(ctx, "p")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.ReceiptCount)

	now = now.Add(2 * time.Minute)
	got, err = c.Get(ctx, "p")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryCache_Invalidate(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(0)
	require.NoError(t, c.Set(ctx, budget.ReconciliationSummary{PurchaseOrderID: "p"}))

	require.NoError(t, c.Invalidate(ctx, "p"))

	got, err := c.Get(ctx, "p")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, c.Invalidate(ctx, "never-set"))
}
