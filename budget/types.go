/*
Package budget provides the budget ledger and purchase-order lifecycle engine.

PURPOSE:
  This package owns every piece of procurement state that carries financial
  risk: budget items and their commitments, the purchase-order state machine,
  the auto-approval decision, budget amendments and receipt reconciliation.
  UI, authentication, file storage and reporting live outside and talk to the
  engine through the operations exposed here.

KEY CONCEPTS IN THIS FILE (types.go):
  - BudgetItem: An allocation ceiling plus what is encumbered and spent
  - LedgerEntry: An immutable record of one applied ledger mutation
  - Actor: The acting user, supplied by the identity collaborator
  - Typed identifiers

DESIGN PRINCIPLES:
  1. Precision: Every amount is a decimal.Decimal, never a float
  2. Append-only audit: Ledger entries and amendments are never edited
  3. All-or-nothing: A PO transition touching N budget items commits fully or not at all
  4. Explicit policy: Thresholds arrive as a Policy value, not ambient globals

USAGE:
  engine := budget.NewEngine(store, budget.DefaultPolicy())
  item, err := engine.Ledger.CreateBudgetItem(ctx, budget.NewBudgetItem{
      Code: "TRAVEL-01", FiscalYear: 2026, BudgetAmount: budget.MustAmount("1000"),
  })

SEE ALSO:
  - ledger.go: reserve / release / realize / adjust
  - workflow.go: purchase-order state machine
  - amendment.go: increase / decrease / transfer
  - reconcile.go: receipt coverage and matching
*/
package budget

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNTS
// =============================================================================

var hundred = decimal.NewFromInt(100)

// MustAmount parses a decimal literal and panics on malformed input.
// Intended for constants and tests.
func MustAmount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// ParseAmount parses a user-supplied amount.
func ParseAmount(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &ValidationError{Field: field, Message: "must be a decimal number"}
	}
	return d, nil
}

func formatMoney(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type BudgetItemID string
type PurchaseOrderID string
type LineItemID string
type AmendmentID string
type TransferID string
type ReceiptID string
type EntryID string

// =============================================================================
// ACTOR - Identity of the acting user (from the identity collaborator)
// =============================================================================

const (
	RoleSystem    = "system"
	RoleAdmin     = "admin"
	RoleFinance   = "finance"
	RoleRequester = "requester"
)

// Actor identifies who performed an action. It is recorded on every audit row.
type Actor struct {
	ID   string
	Name string
	Role string
}

// SystemActor is recorded on transitions the engine performs by itself.
var SystemActor = Actor{ID: "system", Name: "Auto-approval", Role: RoleSystem}

// =============================================================================
// BUDGET ITEM
// =============================================================================

// BudgetItem is one line of an organisation's budget.
//
// INVARIANTS:
//   - Encumbered >= 0 and ActualSpent >= 0 at all times.
//   - Available() may go negative only through an authorized over-budget
//     reservation or an allocation decrease, and both report NowOverBudget.
type BudgetItem struct {
	ID           BudgetItemID
	Code         string
	Description  string
	FiscalYear   int
	BudgetAmount decimal.Decimal
	Encumbered   decimal.Decimal
	ActualSpent  decimal.Decimal
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Committed is what open and completed POs hold against the item.
func (b BudgetItem) Committed() decimal.Decimal { return b.Encumbered.Add(b.ActualSpent) }

// Available is the remaining headroom: budgetAmount - encumbered - actualSpent.
func (b BudgetItem) Available() decimal.Decimal { return b.BudgetAmount.Sub(b.Committed()) }

// IsOverBudget reports whether commitments exceed the allocation.
func (b BudgetItem) IsOverBudget() bool { return b.Available().IsNegative() }

// Utilization is committed as a percentage of the allocation.
// A zero allocation with commitments counts as 100%.
func (b BudgetItem) Utilization() decimal.Decimal {
	committed := b.Committed()
	if !b.BudgetAmount.IsPositive() {
		if committed.IsPositive() {
			return hundred
		}
		return decimal.Zero
	}
	return committed.Div(b.BudgetAmount).Mul(hundred).Round(2)
}

// NewBudgetItem is the input for creating a budget item.
type NewBudgetItem struct {
	Code         string
	Description  string
	FiscalYear   int
	BudgetAmount decimal.Decimal
}

// =============================================================================
// LEDGER ENTRY - Immutable record of one applied posting
// =============================================================================

type EntryType string

const (
	EntryReserve   EntryType = "reserve"   // encumber funds for an approved PO line
	EntryRelease   EntryType = "release"   // drop an encumbrance (void)
	EntryRealize   EntryType = "realize"   // encumbered -> actual spend (completion)
	EntryUnrealize EntryType = "unrealize" // reverse a realize (void after completion)
	EntryAllocate  EntryType = "allocate"  // change the allocation ceiling (amendments)
)

// LedgerEntry is append-only. Requested is what the caller asked for;
// Applied is what actually moved (release is floored at zero).
type LedgerEntry struct {
	ID                   EntryID
	BudgetItemID         BudgetItemID
	Type                 EntryType
	Requested            decimal.Decimal
	Applied              decimal.Decimal
	ReferenceID          string
	Token                string
	IdempotencyKey       string
	Reason               string
	OverBudgetAuthorized bool

	CreatedBy string
	CreatedAt time.Time
}
