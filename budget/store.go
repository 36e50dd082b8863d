/*
store.go - Persistence interface for the budget engine

PURPOSE:
  Defines the interface between the engine and the database. The engine
  never talks SQL; stores never make accounting decisions.

KEY INTERFACES:
  Store:   Reads and writes for budget items, ledger entries, amendments,
           purchase orders, status changes and receipts
  TxStore: Store plus WithTx for atomic multi-table writes

APPEND-ONLY CONTRACT:
  Ledger entries, amendments and status changes only have Append methods.
  There is no Update or Delete for them. Budget items, purchase orders and
  receipts are mutable rows whose every financial change is mirrored by an
  append-only record.

ATOMIC UNITS:
  WithTx gives all-or-nothing semantics. A PO approval touching five budget
  items writes five item rows, five ledger entries, the PO row and one status
  change inside one WithTx call; any error rolls all of it back.

PAGINATION:
  Filters carry a PageRequest. A zero Limit at the store level means
  "no limit"; engine list operations always normalize before calling.

IMPLEMENTATIONS:
  - budget/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go: SQLite via database/sql

SEE ALSO:
  - ledger.go: Uses WithTx for postings
  - workflow.go: Uses WithTx for transitions
*/
package budget

import (
	"context"
	"math"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// Budget items
	GetBudgetItem(ctx context.Context, id BudgetItemID) (*BudgetItem, error)
	GetBudgetItemByCode(ctx context.Context, code string, fiscalYear int) (*BudgetItem, error)
	ListBudgetItems(ctx context.Context, filter BudgetItemFilter) ([]BudgetItem, int, error)
	SaveBudgetItem(ctx context.Context, item BudgetItem) error
	DeleteBudgetItem(ctx context.Context, id BudgetItemID) error

	// Ledger entries (append-only)
	AppendEntries(ctx context.Context, entries []LedgerEntry) error
	EntryExists(ctx context.Context, idempotencyKey string) (bool, error)
	ListEntries(ctx context.Context, budgetItemID BudgetItemID) ([]LedgerEntry, error)

	// Amendments (append-only)
	AppendAmendments(ctx context.Context, amendments []BudgetAmendment) error
	GetAmendment(ctx context.Context, id AmendmentID) (*BudgetAmendment, error)
	ListAmendments(ctx context.Context, filter AmendmentFilter) ([]BudgetAmendment, int, error)

	// Purchase orders
	NextPONumber(ctx context.Context) (int64, error)
	SavePurchaseOrder(ctx context.Context, po PurchaseOrder) error
	GetPurchaseOrder(ctx context.Context, id PurchaseOrderID) (*PurchaseOrder, error)
	ListPurchaseOrders(ctx context.Context, filter PurchaseOrderFilter) ([]PurchaseOrder, int, error)

	// Status changes (append-only)
	AppendStatusChange(ctx context.Context, change StatusChange) error
	ListStatusChanges(ctx context.Context, poID PurchaseOrderID) ([]StatusChange, error)

	// Receipts (mirrored from the receipts collaborator)
	SaveReceipt(ctx context.Context, r Receipt) error
	GetReceipt(ctx context.Context, id ReceiptID) (*Receipt, error)
	ListReceipts(ctx context.Context, filter ReceiptFilter) ([]Receipt, int, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, or ctx is done before commit, nothing is kept.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// FILTERS
// =============================================================================

type BudgetItemFilter struct {
	FiscalYear int
	Page       PageRequest
}

type AmendmentFilter struct {
	BudgetItemID BudgetItemID
	Type         AmendmentType
	FiscalYear   int
	TransferID   TransferID
	Page         PageRequest
}

type PurchaseOrderFilter struct {
	Statuses     []POStatus
	Department   string
	VendorID     string
	BudgetItemID BudgetItemID // POs with at least one line on this item
	Page         PageRequest
}

type ReceiptFilter struct {
	PurchaseOrderID PurchaseOrderID
	UnlinkedOnly    bool
	Page            PageRequest
}

// =============================================================================
// PAGINATION
// =============================================================================

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

type PageRequest struct {
	Page  int
	Limit int
}

// Normalize applies defaults: page >= 1, 1 <= limit <= MaxPageLimit.
func (p PageRequest) Normalize() PageRequest {
	if p.Page <= 0 {
		p.Page = 1
	}
	switch {
	case p.Limit > MaxPageLimit:
		p.Limit = MaxPageLimit
	case p.Limit <= 0:
		p.Limit = DefaultPageLimit
	}
	return p
}

func (p PageRequest) Offset() int {
	if p.Page <= 1 {
		return 0
	}
	return (p.Page - 1) * p.Limit
}

// Page is one page of a list result.
type Page[T any] struct {
	Items      []T
	Page       int
	Limit      int
	Total      int
	TotalPages int
}

func newPage[T any](items []T, req PageRequest, total int) Page[T] {
	if items == nil {
		items = []T{}
	}
	totalPages := 0
	if total > 0 && req.Limit > 0 {
		totalPages = int(math.Ceil(float64(total) / float64(req.Limit)))
	}
	return Page[T]{
		Items:      items,
		Page:       req.Page,
		Limit:      req.Limit,
		Total:      total,
		TotalPages: totalPages,
	}
}

// Paginate slices an already-filtered list. Stores use it when they filter in memory.
func Paginate[T any](all []T, req PageRequest) []T {
	if req.Limit <= 0 {
		return all
	}
	start := req.Offset()
	if start >= len(all) {
		return []T{}
	}
	end := start + req.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end]
}
