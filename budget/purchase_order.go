package budget

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STATUS
// =============================================================================

type POStatus string

const (
	StatusDraft           POStatus = "DRAFT"
	StatusPendingApproval POStatus = "PENDING_APPROVAL"
	StatusApproved        POStatus = "APPROVED"
	StatusRejected        POStatus = "REJECTED"
	StatusCompleted       POStatus = "COMPLETED"
	StatusCancelled       POStatus = "CANCELLED"
)

// openStatuses are the states in which a PO still depends on its budget items.
var openStatuses = []POStatus{StatusDraft, StatusPendingApproval, StatusApproved, StatusRejected}

// referencingStatuses adds COMPLETED: a completed PO can still be voided,
// which unrealizes its spend on the same items.
var referencingStatuses = []POStatus{StatusDraft, StatusPendingApproval, StatusApproved, StatusRejected, StatusCompleted}

func (s POStatus) IsTerminal() bool { return s == StatusCompleted || s == StatusCancelled }

func (s POStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusPendingApproval, StatusApproved, StatusRejected, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// =============================================================================
// TRANSITIONS
// =============================================================================

type transitionKey struct {
	from POStatus
	to   POStatus
}

type transitionRule struct {
	action       string
	noteRequired bool
	// effect is the posting applied to every line item; "" means no ledger effect.
	effect EntryType
}

// transitions is the complete state machine. Anything absent is invalid.
var transitions = map[transitionKey]transitionRule{
	{StatusDraft, StatusPendingApproval}:     {action: "submit"},
	{StatusPendingApproval, StatusApproved}:  {action: "approve", effect: EntryReserve},
	{StatusPendingApproval, StatusRejected}:  {action: "reject", noteRequired: true},
	{StatusPendingApproval, StatusCancelled}: {action: "cancel", noteRequired: true},
	{StatusRejected, StatusDraft}:            {action: "revise"},
	{StatusApproved, StatusCompleted}:        {action: "complete", effect: EntryRealize},
	{StatusApproved, StatusCancelled}:        {action: "void", noteRequired: true, effect: EntryRelease},
	{StatusCompleted, StatusCancelled}:       {action: "void", noteRequired: true, effect: EntryUnrealize},
	{StatusDraft, StatusCancelled}:           {action: "cancel"},
}

func lookupTransition(from, to POStatus) (transitionRule, bool) {
	rule, ok := transitions[transitionKey{from, to}]
	return rule, ok
}

// AllowedTransitions lists the states reachable from s.
func AllowedTransitions(s POStatus) []POStatus {
	var out []POStatus
	for k := range transitions {
		if k.from == s {
			out = append(out, k.to)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// =============================================================================
// PURCHASE ORDER
// =============================================================================

type LineItem struct {
	ID           LineItemID
	Description  string
	Amount       decimal.Decimal
	BudgetItemID BudgetItemID
}

// ActionStamp records who moved a PO, when, and why.
type ActionStamp struct {
	By   Actor
	At   time.Time
	Note string
}

type PurchaseOrder struct {
	ID         PurchaseOrderID
	Number     int64
	Date       time.Time
	VendorID   string
	VendorName string
	Requester  Actor
	Department string
	Status     POStatus
	Total      decimal.Decimal
	Notes      string

	Submitted *ActionStamp
	Approved  *ActionStamp
	Rejected  *ActionStamp
	Completed *ActionStamp
	Voided    *ActionStamp

	AutoApproved     bool
	AutoApprovalNote string

	Lines []LineItem

	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LineTotal sums the line items. Total must always equal it.
func (po PurchaseOrder) LineTotal() decimal.Decimal {
	total := decimal.Zero
	for _, l := range po.Lines {
		total = total.Add(l.Amount)
	}
	return total
}

// BudgetItemIDs returns the distinct budget items the lines point at, sorted.
func (po PurchaseOrder) BudgetItemIDs() []BudgetItemID {
	seen := make(map[BudgetItemID]bool)
	var ids []BudgetItemID
	for _, l := range po.Lines {
		if !seen[l.BudgetItemID] {
			seen[l.BudgetItemID] = true
			ids = append(ids, l.BudgetItemID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clone returns a copy that shares no slices or stamps with po.
func (po PurchaseOrder) Clone() PurchaseOrder {
	c := po
	c.Lines = append([]LineItem(nil), po.Lines...)
	c.Submitted = cloneStamp(po.Submitted)
	c.Approved = cloneStamp(po.Approved)
	c.Rejected = cloneStamp(po.Rejected)
	c.Completed = cloneStamp(po.Completed)
	c.Voided = cloneStamp(po.Voided)
	return c
}

func cloneStamp(s *ActionStamp) *ActionStamp {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// StatusChange is the write-once audit row for one transition.
type StatusChange struct {
	ID              string
	PurchaseOrderID PurchaseOrderID
	From            POStatus
	To              POStatus
	Actor           Actor
	Note            string
	Auto            bool
	At              time.Time
}

// =============================================================================
// INPUTS
// =============================================================================

type LineItemInput struct {
	Description  string
	Amount       decimal.Decimal
	BudgetItemID BudgetItemID
}

type NewPurchaseOrder struct {
	Date       time.Time
	VendorID   string
	VendorName string
	Department string
	Notes      string
	Lines      []LineItemInput
}
