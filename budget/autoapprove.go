package budget

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// POLICY - Organisation-wide settings passed in explicitly
// =============================================================================

type AutoApprovalPolicy struct {
	Enabled   bool
	Threshold decimal.Decimal
}

// MatchingPolicy tunes receipt-to-PO suggestions.
type MatchingPolicy struct {
	VendorWeight           float64
	AmountWeight           float64
	DateWeight             float64
	AmountTolerancePercent float64
	DateWindowDays         int
	MaxCandidates          int
}

type Policy struct {
	AutoApproval AutoApprovalPolicy
	// OverrideRoles may approve a PO beyond available budget. Empty means nobody.
	OverrideRoles []string
	// WarnUtilizationPercent triggers a threshold-approach notification when
	// a budget item's utilization crosses it. Zero disables the event.
	WarnUtilizationPercent decimal.Decimal
	Matching               MatchingPolicy
}

func DefaultMatchingPolicy() MatchingPolicy {
	return MatchingPolicy{
		VendorWeight:           50,
		AmountWeight:           30,
		DateWeight:             20,
		AmountTolerancePercent: 10,
		DateWindowDays:         30,
		MaxCandidates:          5,
	}
}

func DefaultPolicy() Policy {
	return Policy{
		AutoApproval: AutoApprovalPolicy{
			Enabled:   true,
			Threshold: decimal.NewFromInt(500),
		},
		OverrideRoles:          []string{RoleAdmin, RoleFinance},
		WarnUtilizationPercent: decimal.NewFromInt(90),
		Matching:               DefaultMatchingPolicy(),
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultMatchingPolicy()
	if p.Matching.MaxCandidates <= 0 {
		p.Matching.MaxCandidates = def.MaxCandidates
	}
	if p.Matching.DateWindowDays <= 0 {
		p.Matching.DateWindowDays = def.DateWindowDays
	}
	if p.Matching.AmountTolerancePercent <= 0 {
		p.Matching.AmountTolerancePercent = def.AmountTolerancePercent
	}
	return p
}

// CanOverride reports whether actor may authorize an over-budget approval.
func (p Policy) CanOverride(actor Actor) bool {
	for _, r := range p.OverrideRoles {
		if strings.EqualFold(r, actor.Role) {
			return true
		}
	}
	return false
}

// =============================================================================
// AUTO-APPROVAL EVALUATOR
// =============================================================================

type AutoApprovalLine struct {
	Amount decimal.Decimal
	// BudgetItem is a snapshot of the target item when the PO was submitted.
	BudgetItem BudgetItem
}

type AutoApprovalInput struct {
	Total     decimal.Decimal
	Lines     []AutoApprovalLine
	Threshold decimal.Decimal
}

type DecisionReason string

const (
	DecisionApproved           DecisionReason = "approved"
	DecisionOverThreshold      DecisionReason = "over_threshold"
	DecisionInsufficientBudget DecisionReason = "insufficient_budget"
	DecisionNoLines            DecisionReason = "no_lines"
)

// BudgetShortfall names one budget item the PO would push over its allocation.
type BudgetShortfall struct {
	BudgetItemID BudgetItemID
	Code         string
	Requested    decimal.Decimal
	Available    decimal.Decimal
}

type AutoApprovalDecision struct {
	Approve    bool
	Reason     DecisionReason
	Note       string
	Shortfalls []BudgetShortfall
}

// EvaluateAutoApproval decides whether a submitted PO can skip manual review.
//
// It approves iff Total <= Threshold and, for every budget item, the sum of
// this PO's lines on it fits in that item's available balance. Shortfalls
// take precedence over the threshold in Reason and lead the Note. It has no
// side effects; the caller attaches Note to the PO and, on approval, runs the
// ordinary approve transition.
func EvaluateAutoApproval(in AutoApprovalInput) AutoApprovalDecision {
	if len(in.Lines) == 0 {
		return AutoApprovalDecision{Reason: DecisionNoLines, Note: "Auto-approval skipped: purchase order has no line items"}
	}
	over := in.Total.GreaterThan(in.Threshold)
	thresholdText := fmt.Sprintf("total %s exceeds the auto-approval threshold of %s",
		formatMoney(in.Total), formatMoney(in.Threshold))

	demand := make(map[BudgetItemID]decimal.Decimal)
	snapshot := make(map[BudgetItemID]BudgetItem)
	var order []BudgetItemID
	for _, l := range in.Lines {
		id := l.BudgetItem.ID
		if _, ok := snapshot[id]; !ok {
			snapshot[id] = l.BudgetItem
			order = append(order, id)
		}
		demand[id] = demand[id].Add(l.Amount)
	}

	var shortfalls []BudgetShortfall
	for _, id := range order {
		item := snapshot[id]
		if demand[id].GreaterThan(item.Available()) {
			shortfalls = append(shortfalls, BudgetShortfall{
				BudgetItemID: id,
				Code:         item.Code,
				Requested:    demand[id],
				Available:    item.Available(),
			})
		}
	}
	if len(shortfalls) > 0 {
		parts := make([]string, len(shortfalls))
		for i, s := range shortfalls {
			parts[i] = fmt.Sprintf("%s would exceed its budget (requested %s, available %s)",
				s.Code, formatMoney(s.Requested), formatMoney(s.Available))
		}
		if over {
			parts = append(parts, thresholdText)
		}
		return AutoApprovalDecision{
			Reason:     DecisionInsufficientBudget,
			Note:       "Auto-approval skipped: " + strings.Join(parts, "; "),
			Shortfalls: shortfalls,
		}
	}
	if over {
		return AutoApprovalDecision{Reason: DecisionOverThreshold, Note: "Auto-approval skipped: " + thresholdText}
	}

	return AutoApprovalDecision{Approve: true, Reason: DecisionApproved}
}
