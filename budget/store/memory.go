// Package store provides in-process implementations of the budget engine's
// storage and cache interfaces.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/procurement-engine/budget"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type state struct {
	items       map[budget.BudgetItemID]budget.BudgetItem
	entries     []budget.LedgerEntry
	idempotency map[string]bool
	amendments  []budget.BudgetAmendment
	pos         map[budget.PurchaseOrderID]budget.PurchaseOrder
	poSeq       int64
	changes     map[budget.PurchaseOrderID][]budget.StatusChange
	receipts    map[budget.ReceiptID]budget.Receipt
}

func newState() *state {
	return &state{
		items:       make(map[budget.BudgetItemID]budget.BudgetItem),
		idempotency: make(map[string]bool),
		pos:         make(map[budget.PurchaseOrderID]budget.PurchaseOrder),
		changes:     make(map[budget.PurchaseOrderID][]budget.StatusChange),
		receipts:    make(map[budget.ReceiptID]budget.Receipt),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.items {
		c.items[k] = v
	}
	c.entries = append(c.entries, s.entries...)
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	c.amendments = append(c.amendments, s.amendments...)
	for k, v := range s.pos {
		c.pos[k] = v.Clone()
	}
	c.poSeq = s.poSeq
	for k, v := range s.changes {
		c.changes[k] = append([]budget.StatusChange(nil), v...)
	}
	for k, v := range s.receipts {
		c.receipts[k] = v
	}
	return c
}

// Memory is a budget.TxStore backed by maps. Safe for concurrent use.
type Memory struct {
	mu sync.RWMutex
	s  *state
}

func NewMemory() *Memory {
	return &Memory{s: newState()}
}

var _ budget.TxStore = (*Memory)(nil)

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(budget.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.s.clone()
	if err := fn(&view{s: m.s}); err != nil {
		m.s = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		m.s = snapshot
		return err
	}
	return nil
}

// Reset drops all data.
func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = newState()
	return nil
}

func (m *Memory) read() *view {
	return &view{s: m.s}
}

func (m *Memory) GetBudgetItem(ctx context.Context, id budget.BudgetItemID) (*budget.BudgetItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetBudgetItem(ctx, id)
}

func (m *Memory) GetBudgetItemByCode(ctx context.Context, code string, fiscalYear int) (*budget.BudgetItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetBudgetItemByCode(ctx, code, fiscalYear)
}

func (m *Memory) ListBudgetItems(ctx context.Context, f budget.BudgetItemFilter) ([]budget.BudgetItem, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListBudgetItems(ctx, f)
}

func (m *Memory) SaveBudgetItem(ctx context.Context, item budget.BudgetItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().SaveBudgetItem(ctx, item)
}

func (m *Memory) DeleteBudgetItem(ctx context.Context, id budget.BudgetItemID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().DeleteBudgetItem(ctx, id)
}

// AppendEntries adds ledger entries atomically. Append-only.
func (m *Memory) AppendEntries(ctx context.Context, entries []budget.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().AppendEntries(ctx, entries)
}

func (m *Memory) EntryExists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().EntryExists(ctx, key)
}

func (m *Memory) ListEntries(ctx context.Context, id budget.BudgetItemID) ([]budget.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListEntries(ctx, id)
}

func (m *Memory) AppendAmendments(ctx context.Context, rows []budget.BudgetAmendment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().AppendAmendments(ctx, rows)
}

func (m *Memory) GetAmendment(ctx context.Context, id budget.AmendmentID) (*budget.BudgetAmendment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetAmendment(ctx, id)
}

func (m *Memory) ListAmendments(ctx context.Context, f budget.AmendmentFilter) ([]budget.BudgetAmendment, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListAmendments(ctx, f)
}

func (m *Memory) NextPONumber(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().NextPONumber(ctx)
}

func (m *Memory) SavePurchaseOrder(ctx context.Context, po budget.PurchaseOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().SavePurchaseOrder(ctx, po)
}

func (m *Memory) GetPurchaseOrder(ctx context.Context, id budget.PurchaseOrderID) (*budget.PurchaseOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetPurchaseOrder(ctx, id)
}

func (m *Memory) ListPurchaseOrders(ctx context.Context, f budget.PurchaseOrderFilter) ([]budget.PurchaseOrder, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListPurchaseOrders(ctx, f)
}

func (m *Memory) AppendStatusChange(ctx context.Context, c budget.StatusChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().AppendStatusChange(ctx, c)
}

func (m *Memory) ListStatusChanges(ctx context.Context, id budget.PurchaseOrderID) ([]budget.StatusChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListStatusChanges(ctx, id)
}

func (m *Memory) SaveReceipt(ctx context.Context, r budget.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().SaveReceipt(ctx, r)
}

func (m *Memory) GetReceipt(ctx context.Context, id budget.ReceiptID) (*budget.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetReceipt(ctx, id)
}

func (m *Memory) ListReceipts(ctx context.Context, f budget.ReceiptFilter) ([]budget.Receipt, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListReceipts(ctx, f)
}

// =============================================================================
// VIEW - Unlocked access; the caller holds Memory.mu
// =============================================================================

type view struct {
	s *state
}

func (v *view) GetBudgetItem(_ context.Context, id budget.BudgetItemID) (*budget.BudgetItem, error) {
	item, ok := v.s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", budget.ErrBudgetItemNotFound, id)
	}
	return &item, nil
}

func (v *view) GetBudgetItemByCode(_ context.Context, code string, fiscalYear int) (*budget.BudgetItem, error) {
	for _, item := range v.s.items {
		if item.Code == code && item.FiscalYear == fiscalYear {
			return &item, nil
		}
	}
	return nil, fmt.Errorf("%w: %s (%d)", budget.ErrBudgetItemNotFound, code, fiscalYear)
}

func (v *view) ListBudgetItems(_ context.Context, f budget.BudgetItemFilter) ([]budget.BudgetItem, int, error) {
	var all []budget.BudgetItem
	for _, item := range v.s.items {
		if f.FiscalYear != 0 && item.FiscalYear != f.FiscalYear {
			continue
		}
		all = append(all, item)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].FiscalYear != all[j].FiscalYear {
			return all[i].FiscalYear > all[j].FiscalYear
		}
		return all[i].Code < all[j].Code
	})
	return budget.Paginate(all, f.Page), len(all), nil
}

func (v *view) SaveBudgetItem(_ context.Context, item budget.BudgetItem) error {
	v.s.items[item.ID] = item
	return nil
}

func (v *view) DeleteBudgetItem(_ context.Context, id budget.BudgetItemID) error {
	if _, ok := v.s.items[id]; !ok {
		return fmt.Errorf("%w: %s", budget.ErrBudgetItemNotFound, id)
	}
	delete(v.s.items, id)
	return nil
}

func (v *view) AppendEntries(_ context.Context, entries []budget.LedgerEntry) error {
	// Check all idempotency keys first (atomic check)
	for _, e := range entries {
		if e.IdempotencyKey != "" && v.s.idempotency[e.IdempotencyKey] {
			return fmt.Errorf("%w: %s", budget.ErrDuplicateIdempotencyKey, e.IdempotencyKey)
		}
	}
	for _, e := range entries {
		v.s.entries = append(v.s.entries, e)
		if e.IdempotencyKey != "" {
			v.s.idempotency[e.IdempotencyKey] = true
		}
	}
	return nil
}

func (v *view) EntryExists(_ context.Context, key string) (bool, error) {
	return v.s.idempotency[key], nil
}

func (v *view) ListEntries(_ context.Context, id budget.BudgetItemID) ([]budget.LedgerEntry, error) {
	var out []budget.LedgerEntry
	for _, e := range v.s.entries {
		if e.BudgetItemID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (v *view) AppendAmendments(_ context.Context, rows []budget.BudgetAmendment) error {
	v.s.amendments = append(v.s.amendments, rows...)
	return nil
}

func (v *view) GetAmendment(_ context.Context, id budget.AmendmentID) (*budget.BudgetAmendment, error) {
	for _, a := range v.s.amendments {
		if a.ID == id {
			return &a, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", budget.ErrAmendmentNotFound, id)
}

func (v *view) ListAmendments(_ context.Context, f budget.AmendmentFilter) ([]budget.BudgetAmendment, int, error) {
	var all []budget.BudgetAmendment
	for i := len(v.s.amendments) - 1; i >= 0; i-- {
		a := v.s.amendments[i]
		switch {
		case f.BudgetItemID != "" && a.BudgetItemID != f.BudgetItemID:
			continue
		case f.Type != "" && a.Type != f.Type:
			continue
		case f.FiscalYear != 0 && a.FiscalYear != f.FiscalYear:
			continue
		case f.TransferID != "" && a.TransferID != f.TransferID:
			continue
		}
		all = append(all, a)
	}
	return budget.Paginate(all, f.Page), len(all), nil
}

func (v *view) NextPONumber(_ context.Context) (int64, error) {
	v.s.poSeq++
	return v.s.poSeq, nil
}

func (v *view) SavePurchaseOrder(_ context.Context, po budget.PurchaseOrder) error {
	v.s.pos[po.ID] = po.Clone()
	return nil
}

func (v *view) GetPurchaseOrder(_ context.Context, id budget.PurchaseOrderID) (*budget.PurchaseOrder, error) {
	po, ok := v.s.pos[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", budget.ErrPurchaseOrderNotFound, id)
	}
	c := po.Clone()
	return &c, nil
}

func (v *view) ListPurchaseOrders(_ context.Context, f budget.PurchaseOrderFilter) ([]budget.PurchaseOrder, int, error) {
	statuses := make(map[budget.POStatus]bool, len(f.Statuses))
	for _, s := range f.Statuses {
		statuses[s] = true
	}

	var all []budget.PurchaseOrder
	for _, po := range v.s.pos {
		switch {
		case len(statuses) > 0 && !statuses[po.Status]:
			continue
		case f.Department != "" && po.Department != f.Department:
			continue
		case f.VendorID != "" && po.VendorID != f.VendorID:
			continue
		case f.BudgetItemID != "" && !referencesItem(po, f.BudgetItemID):
			continue
		}
		all = append(all, po.Clone())
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Number > all[j].Number })
	return budget.Paginate(all, f.Page), len(all), nil
}

func referencesItem(po budget.PurchaseOrder, id budget.BudgetItemID) bool {
	for _, l := range po.Lines {
		if l.BudgetItemID == id {
			return true
		}
	}
	return false
}

func (v *view) AppendStatusChange(_ context.Context, c budget.StatusChange) error {
	v.s.changes[c.PurchaseOrderID] = append(v.s.changes[c.PurchaseOrderID], c)
	return nil
}

func (v *view) ListStatusChanges(_ context.Context, id budget.PurchaseOrderID) ([]budget.StatusChange, error) {
	return append([]budget.StatusChange(nil), v.s.changes[id]...), nil
}

func (v *view) SaveReceipt(_ context.Context, r budget.Receipt) error {
	v.s.receipts[r.ID] = r
	return nil
}

func (v *view) GetReceipt(_ context.Context, id budget.ReceiptID) (*budget.Receipt, error) {
	r, ok := v.s.receipts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", budget.ErrReceiptNotFound, id)
	}
	return &r, nil
}

func (v *view) ListReceipts(_ context.Context, f budget.ReceiptFilter) ([]budget.Receipt, int, error) {
	var all []budget.Receipt
	for _, r := range v.s.receipts {
		switch {
		case f.PurchaseOrderID != "" && r.PurchaseOrderID != f.PurchaseOrderID:
			continue
		case f.UnlinkedOnly && r.PurchaseOrderID != "":
			continue
		}
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].Date.Equal(all[j].Date) {
			return all[i].Date.After(all[j].Date)
		}
		return all[i].ID < all[j].ID
	})
	return budget.Paginate(all, f.Page), len(all), nil
}
