/*
reconcile.go - Receipt-to-purchase-order reconciliation

PURPOSE:
  Answers "how much of this PO is backed by receipts?" and "which PO does
  this receipt probably belong to?". Nothing here touches the ledger:
  linking a receipt only sets its PO reference.

COVERAGE:
  receiptedTotal  = sum of linked receipts whose status is not failed
  remainingAmount = poTotal - receiptedTotal (negative when over-receipted)
  percentCovered  = min(100, receiptedTotal / poTotal * 100), 0 when poTotal is 0

MATCHING:
  Candidates are POs that are neither DRAFT nor CANCELLED. Each scores:
    vendor  fixed weight on an id or case-insensitive name match
    amount  linear from full weight at an exact match of the PO's remaining
            amount down to zero at the tolerance band edge
    date    linear from full weight on the same day down to zero at the
            window edge
  Candidates with no score are dropped.

CACHING:
  Summaries may be served from a SummaryCache. Link, unlink, line-item edits
  and transitions invalidate; a stale read is acceptable.
*/
package budget

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RECEIPT
// =============================================================================

type ReceiptStatus string

const (
	ReceiptPending   ReceiptStatus = "pending"
	ReceiptProcessed ReceiptStatus = "processed"
	ReceiptFailed    ReceiptStatus = "failed"
)

func (s ReceiptStatus) Valid() bool {
	return s == ReceiptPending || s == ReceiptProcessed || s == ReceiptFailed
}

// Receipt mirrors a receipt owned by the receipts collaborator. FileRef is
// opaque to the engine.
type Receipt struct {
	ID              ReceiptID
	VendorID        string
	VendorName      string
	Total           decimal.Decimal
	Currency        string
	Status          ReceiptStatus
	Date            time.Time
	FileRef         string
	PurchaseOrderID PurchaseOrderID
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ReceiptInput is what the collaborator sends when a receipt appears or changes.
type ReceiptInput struct {
	ID         ReceiptID
	VendorID   string
	VendorName string
	Total      decimal.Decimal
	Currency   string
	Status     ReceiptStatus
	Date       time.Time
	FileRef    string
}

// =============================================================================
// SUMMARY
// =============================================================================

type ReconciliationSummary struct {
	PurchaseOrderID PurchaseOrderID
	POTotal         decimal.Decimal
	ReceiptedTotal  decimal.Decimal
	RemainingAmount decimal.Decimal
	ReceiptCount    int
	PercentCovered  decimal.Decimal
}

// SummaryCache stores computed summaries. Implementations may drop entries
// at any time.
type SummaryCache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, id PurchaseOrderID) (*ReconciliationSummary, error)
	Set(ctx context.Context, s ReconciliationSummary) error
	Invalidate(ctx context.Context, id PurchaseOrderID) error
}

type NopSummaryCache struct{}

func (NopSummaryCache) Get(context.Context, PurchaseOrderID) (*ReconciliationSummary, error) {
	return nil, nil
}

func (NopSummaryCache) Set(context.Context, ReconciliationSummary) error  { return nil }
func (NopSummaryCache) Invalidate(context.Context, PurchaseOrderID) error { return nil }

// Summarize computes coverage from a PO total and its linked receipts.
func Summarize(id PurchaseOrderID, poTotal decimal.Decimal, receipts []Receipt) ReconciliationSummary {
	receipted := decimal.Zero
	count := 0
	for _, r := range receipts {
		if r.Status == ReceiptFailed {
			continue
		}
		receipted = receipted.Add(r.Total)
		count++
	}

	percent := decimal.Zero
	if poTotal.IsPositive() {
		percent = decimal.Min(hundred, receipted.Div(poTotal).Mul(hundred)).Round(2)
	}
	return ReconciliationSummary{
		PurchaseOrderID: id,
		POTotal:         poTotal,
		ReceiptedTotal:  receipted,
		RemainingAmount: poTotal.Sub(receipted),
		ReceiptCount:    count,
		PercentCovered:  percent,
	}
}

// =============================================================================
// MATCHING
// =============================================================================

type MatchSuggestion struct {
	PurchaseOrderID PurchaseOrderID
	PONumber        int64
	VendorName      string
	Status          POStatus
	Total           decimal.Decimal
	Remaining       decimal.Decimal
	Score           float64
	Reasons         []string
}

// scoreCandidate rates how well r fits po. remaining is po's uncovered amount.
func scoreCandidate(r Receipt, po PurchaseOrder, remaining decimal.Decimal, m MatchingPolicy) (float64, []string) {
	var (
		score   float64
		reasons []string
	)

	if vendorMatches(r, po) {
		score += m.VendorWeight
		reasons = append(reasons, fmt.Sprintf("Vendor matches (%s)", po.VendorName))
	}

	target := remaining
	if !target.IsPositive() {
		target = po.Total
	}
	diff := r.Total.Sub(target).Abs()
	tolerance := target.Mul(decimal.NewFromFloat(m.AmountTolerancePercent)).Div(hundred)
	if diff.LessThanOrEqual(tolerance) {
		closeness := 1.0
		if tolerance.IsPositive() {
			closeness = 1 - diff.Div(tolerance).InexactFloat64()
		}
		score += m.AmountWeight * closeness
		if diff.IsZero() {
			reasons = append(reasons, fmt.Sprintf("Amount matches remaining %s exactly", formatMoney(target)))
		} else {
			reasons = append(reasons, fmt.Sprintf("Amount within %s of remaining %s", formatMoney(diff), formatMoney(target)))
		}
	}

	if !r.Date.IsZero() && !po.Date.IsZero() && m.DateWindowDays > 0 {
		days := math.Abs(r.Date.Sub(po.Date).Hours() / 24)
		window := float64(m.DateWindowDays)
		if days <= window {
			score += m.DateWeight * (1 - days/window)
			reasons = append(reasons, fmt.Sprintf("Dated %d day(s) from the PO", int(math.Round(days))))
		}
	}

	return math.Round(score*100) / 100, reasons
}

func vendorMatches(r Receipt, po PurchaseOrder) bool {
	if r.VendorID != "" && r.VendorID == po.VendorID {
		return true
	}
	a := strings.TrimSpace(r.VendorName)
	return a != "" && strings.EqualFold(a, strings.TrimSpace(po.VendorName))
}

// =============================================================================
// RECONCILER
// =============================================================================

type Reconciler struct {
	*deps
}

// RegisterReceipt inserts or updates the mirrored receipt. An existing PO
// link is kept.
func (r *Reconciler) RegisterReceipt(ctx context.Context, in ReceiptInput) (*Receipt, error) {
	if in.ID == "" {
		in.ID = ReceiptID(r.newID())
	}
	if in.Total.IsNegative() {
		return nil, invalid("total", "must not be negative")
	}
	if in.Status == "" {
		in.Status = ReceiptPending
	}
	if !in.Status.Valid() {
		return nil, invalid("status", fmt.Sprintf("unknown receipt status %q", in.Status))
	}

	var saved Receipt
	err := r.locked(ctx, []string{receiptLockKey(in.ID)}, func() error {
		return r.store.WithTx(ctx, func(s Store) error {
			now := r.clock()
			rec := Receipt{ID: in.ID, CreatedAt: now}
			existing, err := s.GetReceipt(ctx, in.ID)
			if err == nil {
				rec = *existing
			} else if !IsNotFound(err) {
				return err
			}
			rec.VendorID = in.VendorID
			rec.VendorName = in.VendorName
			rec.Total = in.Total
			rec.Currency = strings.ToUpper(in.Currency)
			rec.Status = in.Status
			rec.Date = in.Date
			rec.FileRef = in.FileRef
			rec.UpdatedAt = now
			if err := s.SaveReceipt(ctx, rec); err != nil {
				return err
			}
			saved = rec
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if saved.PurchaseOrderID != "" {
		r.invalidateSummary(ctx, saved.PurchaseOrderID)
	}
	r.logger.Info("receipt registered", "receipt", saved.ID, "total", saved.Total.String(), "status", saved.Status)
	return &saved, nil
}

func (r *Reconciler) GetReceipt(ctx context.Context, id ReceiptID) (*Receipt, error) {
	return r.store.GetReceipt(ctx, id)
}

func (r *Reconciler) ListReceipts(ctx context.Context, filter ReceiptFilter) (Page[Receipt], error) {
	filter.Page = filter.Page.Normalize()
	rows, total, err := r.store.ListReceipts(ctx, filter)
	if err != nil {
		return Page[Receipt]{}, err
	}
	return newPage(rows, filter.Page, total), nil
}

// LinkReceipt points the receipt at a PO. Relinking moves it. The ledger is
// not touched.
func (r *Reconciler) LinkReceipt(ctx context.Context, receiptID ReceiptID, poID PurchaseOrderID, actor Actor) (*Receipt, error) {
	if poID == "" {
		return nil, invalid("purchase_order_id", "is required")
	}
	return r.setLink(ctx, receiptID, poID, actor)
}

// UnlinkReceipt clears the receipt's PO reference.
func (r *Reconciler) UnlinkReceipt(ctx context.Context, receiptID ReceiptID, actor Actor) (*Receipt, error) {
	return r.setLink(ctx, receiptID, "", actor)
}

func (r *Reconciler) setLink(ctx context.Context, receiptID ReceiptID, poID PurchaseOrderID, actor Actor) (*Receipt, error) {
	var (
		saved    Receipt
		previous PurchaseOrderID
	)
	err := r.locked(ctx, []string{receiptLockKey(receiptID)}, func() error {
		return r.store.WithTx(ctx, func(s Store) error {
			rec, err := s.GetReceipt(ctx, receiptID)
			if err != nil {
				return err
			}
			if poID != "" {
				if _, err := s.GetPurchaseOrder(ctx, poID); err != nil {
					return err
				}
			}
			previous = rec.PurchaseOrderID
			rec.PurchaseOrderID = poID
			rec.UpdatedAt = r.clock()
			if err := s.SaveReceipt(ctx, *rec); err != nil {
				return err
			}
			saved = *rec
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	for _, id := range []PurchaseOrderID{previous, poID} {
		if id != "" {
			r.invalidateSummary(ctx, id)
		}
	}
	r.logger.Info("receipt link updated", "receipt", receiptID, "from_po", previous, "to_po", poID, "actor", actor.ID)
	return &saved, nil
}

// Summary returns the coverage of one PO. Repeated calls without writes in
// between return identical values.
func (r *Reconciler) Summary(ctx context.Context, poID PurchaseOrderID) (*ReconciliationSummary, error) {
	if cached, err := r.cache.Get(ctx, poID); err != nil {
		r.logger.Warn("summary cache read failed", "po", poID, "error", err)
	} else if cached != nil {
		return cached, nil
	}

	r.summaryMu.RLock()
	gen := r.summaryGen
	r.summaryMu.RUnlock()

	po, err := r.store.GetPurchaseOrder(ctx, poID)
	if err != nil {
		return nil, err
	}
	receipts, _, err := r.store.ListReceipts(ctx, ReceiptFilter{PurchaseOrderID: poID})
	if err != nil {
		return nil, err
	}
	summary := Summarize(po.ID, po.LineTotal(), receipts)

	// Holding the read lock keeps an invalidation from slipping between the
	// generation check and the write.
	r.summaryMu.RLock()
	defer r.summaryMu.RUnlock()
	if r.summaryGen != gen {
		r.logger.Debug("summary changed while computing, not cached", "po", poID)
		return &summary, nil
	}
	if err := r.cache.Set(ctx, summary); err != nil {
		r.logger.Warn("summary cache write failed", "po", poID, "error", err)
	}
	return &summary, nil
}

// SuggestPurchaseOrders ranks candidate POs for a receipt, best first.
func (r *Reconciler) SuggestPurchaseOrders(ctx context.Context, receiptID ReceiptID) ([]MatchSuggestion, error) {
	rec, err := r.store.GetReceipt(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	candidates, _, err := r.store.ListPurchaseOrders(ctx, PurchaseOrderFilter{
		Statuses: []POStatus{StatusPendingApproval, StatusApproved, StatusRejected, StatusCompleted},
	})
	if err != nil {
		return nil, err
	}

	m := r.policy.Matching
	var out []MatchSuggestion
	for _, po := range candidates {
		if po.ID == rec.PurchaseOrderID {
			continue
		}
		linked, _, err := r.store.ListReceipts(ctx, ReceiptFilter{PurchaseOrderID: po.ID})
		if err != nil {
			return nil, err
		}
		remaining := Summarize(po.ID, po.Total, linked).RemainingAmount

		score, reasons := scoreCandidate(*rec, po, remaining, m)
		if score <= 0 {
			continue
		}
		out = append(out, MatchSuggestion{
			PurchaseOrderID: po.ID,
			PONumber:        po.Number,
			VendorName:      po.VendorName,
			Status:          po.Status,
			Total:           po.Total,
			Remaining:       remaining,
			Score:           score,
			Reasons:         reasons,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].PONumber > out[j].PONumber
	})
	if len(out) > m.MaxCandidates {
		out = out[:m.MaxCandidates]
	}
	return out, nil
}
