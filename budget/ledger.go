/*
ledger.go - Budget ledger: reserve, release, realize, adjust

PURPOSE:
  The Ledger owns each budget item's financial state. It is the only code
  that writes Encumbered, ActualSpent or BudgetAmount, and every write is
  mirrored by an append-only LedgerEntry.

CRITICAL INVARIANTS:
  1. Encumbered >= 0 and ActualSpent >= 0, checked before every commit
  2. A reservation that would make Available negative fails with
     InsufficientBudget unless the caller authorizes an override
  3. A batch of postings is all-or-nothing
  4. A posting with a token is applied at most once (idempotency key
     "<type>:<token>"), so a retried approval never double-encumbers

LOCKING:
  Every budget item touched by a batch is locked ("item:<id>") in ascending
  order before the store transaction opens. Lock waits are bounded by the
  engine's lock timeout and fail with ConcurrencyTimeout.

POSTING TYPES:
  reserve    encumbered += amount                     (PO approval)
  release    encumbered -= min(amount, encumbered)    (PO void)
  realize    encumbered -= amount, spent += amount    (PO completion)
  unrealize  spent -= amount                          (void after completion)
  allocate   budgetAmount += delta (signed)           (amendments only)

SEE ALSO:
  - workflow.go: Calls apply() inside PO transitions
  - amendment.go: Calls apply() for allocation changes
*/
package budget

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// POSTING
// =============================================================================

// Posting is one requested mutation of one budget item.
type Posting struct {
	Type         EntryType
	BudgetItemID BudgetItemID
	// Amount is positive for every type except allocate, where it is a signed delta.
	Amount      decimal.Decimal
	ReferenceID string
	// Token makes the posting idempotent. PO postings use the line item id.
	Token  string
	Reason string
}

func (p Posting) idempotencyKey() string {
	if p.Token == "" {
		return ""
	}
	return string(p.Type) + ":" + p.Token
}

func (p Posting) validate() error {
	if p.BudgetItemID == "" {
		return invalid("budget_item_id", "is required")
	}
	switch p.Type {
	case EntryAllocate:
		if p.Amount.IsZero() {
			return invalid("amount", "must not be zero")
		}
	case EntryReserve, EntryRelease, EntryRealize, EntryUnrealize:
		if !p.Amount.IsPositive() {
			return invalid("amount", "must be greater than zero")
		}
	default:
		return invalid("type", fmt.Sprintf("unknown posting type %q", p.Type))
	}
	return nil
}

// PostOptions controls a batch of postings.
type PostOptions struct {
	Actor Actor
	// AllowOverBudget authorizes reservations beyond the available balance.
	// They succeed with a NowOverBudget warning.
	AllowOverBudget bool
}

// PostResult is the outcome of a committed batch.
type PostResult struct {
	Before   map[BudgetItemID]BudgetItem
	Items    map[BudgetItemID]BudgetItem
	Entries  []LedgerEntry
	Warnings []Warning
}

// Item returns the post-commit state of one budget item.
func (r *PostResult) Item(id BudgetItemID) (BudgetItem, bool) {
	item, ok := r.Items[id]
	return item, ok
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	*deps
}

// CreateBudgetItem adds a budget item. Code is unique per fiscal year.
func (l *Ledger) CreateBudgetItem(ctx context.Context, in NewBudgetItem) (*BudgetItem, error) {
	in.Code = strings.TrimSpace(in.Code)
	if err := requireText("code", in.Code); err != nil {
		return nil, err
	}
	if in.FiscalYear <= 0 {
		return nil, invalid("fiscal_year", "is required")
	}
	if in.BudgetAmount.IsNegative() {
		return nil, invalid("budget_amount", "must not be negative")
	}

	now := l.clock()
	item := BudgetItem{
		ID:           BudgetItemID(l.newID()),
		Code:         in.Code,
		Description:  in.Description,
		FiscalYear:   in.FiscalYear,
		BudgetAmount: in.BudgetAmount,
		Encumbered:   decimal.Zero,
		ActualSpent:  decimal.Zero,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := l.locked(ctx, []string{"code:" + in.Code}, func() error {
		return l.store.WithTx(ctx, func(s Store) error {
			existing, err := s.GetBudgetItemByCode(ctx, in.Code, in.FiscalYear)
			if err != nil && !errors.Is(err, ErrBudgetItemNotFound) {
				return err
			}
			if existing != nil {
				return fmt.Errorf("%w: %s (%d)", ErrDuplicateBudgetCode, in.Code, in.FiscalYear)
			}
			return s.SaveBudgetItem(ctx, item)
		})
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("budget item created", "budget_item", item.ID, "code", item.Code, "amount", item.BudgetAmount.String())
	return &item, nil
}

// DeleteBudgetItem removes an item nobody depends on. Items referenced by a
// PO that is not cancelled, or with any ledger history, are refused so the
// append-only entries never point at a missing item.
func (l *Ledger) DeleteBudgetItem(ctx context.Context, id BudgetItemID) error {
	return l.locked(ctx, []string{itemLockKey(id)}, func() error {
		return l.store.WithTx(ctx, func(s Store) error {
			item, err := s.GetBudgetItem(ctx, id)
			if err != nil {
				return err
			}
			if item.Encumbered.IsPositive() || item.ActualSpent.IsPositive() {
				return fmt.Errorf("%w: %s has committed funds", ErrBudgetItemInUse, item.Code)
			}
			_, referenced, err := s.ListPurchaseOrders(ctx, PurchaseOrderFilter{
				BudgetItemID: id,
				Statuses:     referencingStatuses,
			})
			if err != nil {
				return err
			}
			if referenced > 0 {
				return fmt.Errorf("%w: %s has %d purchase orders", ErrBudgetItemInUse, item.Code, referenced)
			}
			entries, err := s.ListEntries(ctx, id)
			if err != nil {
				return err
			}
			if len(entries) > 0 {
				return fmt.Errorf("%w: %s has ledger history", ErrBudgetItemInUse, item.Code)
			}
			return s.DeleteBudgetItem(ctx, id)
		})
	})
}

func (l *Ledger) GetBudgetItem(ctx context.Context, id BudgetItemID) (*BudgetItem, error) {
	return l.store.GetBudgetItem(ctx, id)
}

func (l *Ledger) GetBudgetItemByCode(ctx context.Context, code string, fiscalYear int) (*BudgetItem, error) {
	return l.store.GetBudgetItemByCode(ctx, code, fiscalYear)
}

func (l *Ledger) ListBudgetItems(ctx context.Context, filter BudgetItemFilter) (Page[BudgetItem], error) {
	filter.Page = filter.Page.Normalize()
	items, total, err := l.store.ListBudgetItems(ctx, filter)
	if err != nil {
		return Page[BudgetItem]{}, err
	}
	return newPage(items, filter.Page, total), nil
}

// Entries returns the ledger history of one budget item, oldest first.
func (l *Ledger) Entries(ctx context.Context, id BudgetItemID) ([]LedgerEntry, error) {
	return l.store.ListEntries(ctx, id)
}

// Reserve encumbers amount on one budget item. token should be unique per
// commitment (a PO line-item id) so retries are not double counted.
func (l *Ledger) Reserve(ctx context.Context, id BudgetItemID, amount decimal.Decimal, token string, opts PostOptions) (*PostResult, error) {
	return l.Post(ctx, []Posting{{Type: EntryReserve, BudgetItemID: id, Amount: amount, Token: token}}, opts)
}

// Release drops an encumbrance, floored at zero.
func (l *Ledger) Release(ctx context.Context, id BudgetItemID, amount decimal.Decimal, token string, opts PostOptions) (*PostResult, error) {
	return l.Post(ctx, []Posting{{Type: EntryRelease, BudgetItemID: id, Amount: amount, Token: token}}, opts)
}

// Realize moves amount from encumbered to actual spend.
func (l *Ledger) Realize(ctx context.Context, id BudgetItemID, amount decimal.Decimal, token string, opts PostOptions) (*PostResult, error) {
	return l.Post(ctx, []Posting{{Type: EntryRealize, BudgetItemID: id, Amount: amount, Token: token}}, opts)
}

// Unrealize reverses realized spend, as when a completed PO is voided. More
// than the item's actual spend is an invariant violation.
func (l *Ledger) Unrealize(ctx context.Context, id BudgetItemID, amount decimal.Decimal, token string, opts PostOptions) (*PostResult, error) {
	return l.Post(ctx, []Posting{{Type: EntryUnrealize, BudgetItemID: id, Amount: amount, Token: token}}, opts)
}

// AdjustAllocation changes the allocation ceiling by delta. A result below
// current commitments succeeds with a NowOverBudget warning; a negative
// ceiling is rejected. Only the amendment processor should call this.
func (l *Ledger) AdjustAllocation(ctx context.Context, id BudgetItemID, delta decimal.Decimal, opts PostOptions) (*PostResult, error) {
	return l.Post(ctx, []Posting{{Type: EntryAllocate, BudgetItemID: id, Amount: delta}}, opts)
}

// Post applies postings atomically under per-item locks.
func (l *Ledger) Post(ctx context.Context, postings []Posting, opts PostOptions) (*PostResult, error) {
	for _, p := range postings {
		if err := p.validate(); err != nil {
			return nil, err
		}
	}

	var result *PostResult
	err := l.locked(ctx, postingLockKeys(postings), func() error {
		return l.store.WithTx(ctx, func(s Store) error {
			r, err := l.apply(ctx, s, postings, opts)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	l.notify(ctx, result.events(l.policy.WarnUtilizationPercent, opts.Actor, l.clock())...)
	return result, nil
}

func postingLockKeys(postings []Posting) []string {
	keys := make([]string, 0, len(postings))
	for _, p := range postings {
		keys = append(keys, itemLockKey(p.BudgetItemID))
	}
	return keys
}

// apply runs inside a store transaction with the item locks already held.
// It never commits on its own; any error must abort the enclosing WithTx.
func (l *Ledger) apply(ctx context.Context, s Store, postings []Posting, opts PostOptions) (*PostResult, error) {
	res := &PostResult{
		Before: make(map[BudgetItemID]BudgetItem),
		Items:  make(map[BudgetItemID]BudgetItem),
	}
	now := l.clock()
	seen := make(map[string]bool)
	overBudget := make(map[BudgetItemID]bool)

	for _, p := range postings {
		key := p.idempotencyKey()
		if key != "" {
			if seen[key] {
				continue
			}
			exists, err := s.EntryExists(ctx, key)
			if err != nil {
				return nil, err
			}
			if exists {
				l.logger.Info("posting already applied, skipping", "key", key)
				continue
			}
			seen[key] = true
		}

		item, ok := res.Items[p.BudgetItemID]
		if !ok {
			loaded, err := s.GetBudgetItem(ctx, p.BudgetItemID)
			if err != nil {
				return nil, err
			}
			item = *loaded
			res.Before[item.ID] = item
		}

		applied, warn, err := applyPosting(&item, p, opts.AllowOverBudget)
		if err != nil {
			l.logFailure(err, item, p)
			return nil, err
		}
		if warn {
			overBudget[item.ID] = true
		}
		item.UpdatedAt = now
		res.Items[item.ID] = item

		res.Entries = append(res.Entries, LedgerEntry{
			ID:                   EntryID(l.newID()),
			BudgetItemID:         item.ID,
			Type:                 p.Type,
			Requested:            p.Amount,
			Applied:              applied,
			ReferenceID:          p.ReferenceID,
			Token:                p.Token,
			IdempotencyKey:       key,
			Reason:               p.Reason,
			OverBudgetAuthorized: warn && p.Type == EntryReserve,
			CreatedBy:            opts.Actor.ID,
			CreatedAt:            now,
		})
	}

	for _, id := range sortedItemIDs(res.Items) {
		item := res.Items[id]
		if err := checkInvariant(item); err != nil {
			l.logFailure(err, item, Posting{})
			return nil, err
		}
		if err := s.SaveBudgetItem(ctx, item); err != nil {
			return nil, err
		}
		if overBudget[id] && item.IsOverBudget() {
			res.Warnings = append(res.Warnings, overBudgetWarning(item))
		}
	}
	if len(res.Entries) > 0 {
		if err := s.AppendEntries(ctx, res.Entries); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// applyPosting mutates item in place. warn reports an over-budget result
// that the caller must surface as NowOverBudget.
func applyPosting(item *BudgetItem, p Posting, allowOverBudget bool) (applied decimal.Decimal, warn bool, err error) {
	switch p.Type {
	case EntryReserve:
		available := item.Available()
		if available.Sub(p.Amount).IsNegative() {
			if !allowOverBudget {
				return decimal.Zero, false, &InsufficientBudgetError{
					BudgetItemID: item.ID,
					Code:         item.Code,
					Requested:    p.Amount,
					Available:    available,
					Shortfall:    p.Amount.Sub(available),
				}
			}
			warn = true
		}
		item.Encumbered = item.Encumbered.Add(p.Amount)
		return p.Amount, warn, nil

	case EntryRelease:
		applied = decimal.Min(p.Amount, item.Encumbered)
		item.Encumbered = item.Encumbered.Sub(applied)
		return applied, false, nil

	case EntryRealize:
		if p.Amount.GreaterThan(item.Encumbered) {
			return decimal.Zero, false, &InvariantViolationError{
				BudgetItemID: item.ID,
				Code:         item.Code,
				Operation:    string(p.Type),
				Detail: fmt.Sprintf("realize %s exceeds encumbered %s",
					formatMoney(p.Amount), formatMoney(item.Encumbered)),
			}
		}
		item.Encumbered = item.Encumbered.Sub(p.Amount)
		item.ActualSpent = item.ActualSpent.Add(p.Amount)
		return p.Amount, false, nil

	case EntryUnrealize:
		if p.Amount.GreaterThan(item.ActualSpent) {
			return decimal.Zero, false, &InvariantViolationError{
				BudgetItemID: item.ID,
				Code:         item.Code,
				Operation:    string(p.Type),
				Detail: fmt.Sprintf("unrealize %s exceeds actual spent %s",
					formatMoney(p.Amount), formatMoney(item.ActualSpent)),
			}
		}
		item.ActualSpent = item.ActualSpent.Sub(p.Amount)
		return p.Amount, false, nil

	case EntryAllocate:
		next := item.BudgetAmount.Add(p.Amount)
		if next.IsNegative() {
			return decimal.Zero, false, &ValidationError{
				Field: "amount",
				Message: fmt.Sprintf("would leave %s with a negative budget amount (%s)",
					item.Code, formatMoney(next)),
			}
		}
		item.BudgetAmount = next
		return p.Amount, p.Amount.IsNegative() && item.IsOverBudget(), nil
	}
	return decimal.Zero, false, invalid("type", fmt.Sprintf("unknown posting type %q", p.Type))
}

func checkInvariant(item BudgetItem) error {
	switch {
	case item.Encumbered.IsNegative():
		return &InvariantViolationError{BudgetItemID: item.ID, Code: item.Code, Operation: "commit",
			Detail: "encumbered is negative: " + item.Encumbered.String()}
	case item.ActualSpent.IsNegative():
		return &InvariantViolationError{BudgetItemID: item.ID, Code: item.Code, Operation: "commit",
			Detail: "actual spent is negative: " + item.ActualSpent.String()}
	}
	return nil
}

func (l *Ledger) logFailure(err error, item BudgetItem, p Posting) {
	var iv *InvariantViolationError
	if errors.As(err, &iv) {
		l.logger.Error("LEDGER INVARIANT VIOLATION",
			"budget_item", item.ID,
			"code", item.Code,
			"operation", iv.Operation,
			"detail", iv.Detail,
			"posting_amount", p.Amount.String(),
			"budget_amount", item.BudgetAmount.String(),
			"encumbered", item.Encumbered.String(),
			"actual_spent", item.ActualSpent.String(),
		)
		return
	}
	l.logger.Debug("posting rejected", "budget_item", item.ID, "type", p.Type, "error", err)
}

func (r *PostResult) events(warnPercent decimal.Decimal, actor Actor, at time.Time) []Event {
	var events []Event
	for _, id := range sortedItemIDs(r.Items) {
		events = append(events, budgetEvents(r.Before[id], r.Items[id], warnPercent, actor, at)...)
	}
	return events
}

func sortedItemIDs(m map[BudgetItemID]BudgetItem) []BudgetItemID {
	ids := make([]BudgetItemID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
