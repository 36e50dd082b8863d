/*
workflow.go - Purchase order lifecycle

PURPOSE:
  Drives purchase orders through the state machine in purchase_order.go and
  applies each transition's ledger effect through the Ledger.

PO FLOW:
  DRAFT ──submit──▶ PENDING_APPROVAL ──approve──▶ APPROVED ──complete──▶ COMPLETED
    ▲                 │         │                    │                     │
    │ revise   reject │         │ cancel        void │                void │
    │                 ▼         ▼                    ▼                     ▼
    └──────────── REJECTED   CANCELLED ◀──────────────┴─────────────────────┘

  DRAFT may also be cancelled directly.

  approve  -> reserve every line   (encumbered += amount)
  complete -> realize every line   (encumbered -> actualSpent)
  void     -> release (APPROVED) or unrealize (COMPLETED) every line

ATOMIC UNIT:
  One transition takes the PO lock plus the lock of every budget item its
  lines reference, then in one store transaction: applies the postings,
  appends ledger entries, saves the PO and appends the status change. A
  failure anywhere leaves no trace.

AUTO-APPROVAL:
  Submit commits DRAFT -> PENDING_APPROVAL first. When the policy enables
  auto-approval the evaluator runs against fresh budget snapshots and, on a
  yes, the ordinary approve transition runs as the system actor. If that
  approval loses a race the PO stays pending and the note says why.

SEE ALSO:
  - autoapprove.go: EvaluateAutoApproval
  - ledger.go: apply()
*/
package budget

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SERVICE
// =============================================================================

type PurchaseOrderService struct {
	*deps
	ledger *Ledger
}

// TransitionRequest asks to move one PO to a new status.
type TransitionRequest struct {
	PurchaseOrderID PurchaseOrderID
	To              POStatus
	Actor           Actor
	Note            string
	// AllowOverBudget authorizes an approval beyond available budget.
	// Only actors whose role is in Policy.OverrideRoles may set it.
	AllowOverBudget bool
	// ExpectedFrom, when set, must match the status found under lock.
	ExpectedFrom POStatus

	auto bool
}

type TransitionResult struct {
	PurchaseOrder PurchaseOrder
	Change        StatusChange
	Entries       []LedgerEntry
	Warnings      []Warning
	// AutoApproval is set on submit when the evaluator ran.
	AutoApproval *AutoApprovalDecision
}

// =============================================================================
// CREATE / EDIT
// =============================================================================

// CreatePurchaseOrder stores a new DRAFT purchase order for actor.
func (s *PurchaseOrderService) CreatePurchaseOrder(ctx context.Context, actor Actor, in NewPurchaseOrder) (*PurchaseOrder, error) {
	if err := requireText("requester", actor.ID); err != nil {
		return nil, err
	}
	if err := requireText("vendor_name", in.VendorName); err != nil {
		return nil, err
	}
	lines, err := s.buildLines(ctx, s.store, in.Lines)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	date := in.Date
	if date.IsZero() {
		date = now
	}
	po := PurchaseOrder{
		ID:         PurchaseOrderID(s.newID()),
		Date:       date,
		VendorID:   in.VendorID,
		VendorName: strings.TrimSpace(in.VendorName),
		Requester:  actor,
		Department: in.Department,
		Status:     StatusDraft,
		Notes:      in.Notes,
		Lines:      lines,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	po.Total = po.LineTotal()

	err = s.store.WithTx(ctx, func(st Store) error {
		number, err := st.NextPONumber(ctx)
		if err != nil {
			return err
		}
		po.Number = number
		if err := st.SavePurchaseOrder(ctx, po); err != nil {
			return err
		}
		return st.AppendStatusChange(ctx, StatusChange{
			ID:              s.newID(),
			PurchaseOrderID: po.ID,
			To:              StatusDraft,
			Actor:           actor,
			Note:            "created",
			At:              now,
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("purchase order created", "po", po.ID, "number", po.Number, "total", po.Total.String())
	return &po, nil
}

// SaveLineItems replaces the PO's line items with lines. The server is the
// only source of truth: the caller sends the complete draft, every line gets
// a fresh id and the total is recomputed.
func (s *PurchaseOrderService) SaveLineItems(ctx context.Context, actor Actor, id PurchaseOrderID, lines []LineItemInput) (*PurchaseOrder, error) {
	var saved PurchaseOrder
	err := s.locked(ctx, []string{poLockKey(id)}, func() error {
		return s.store.WithTx(ctx, func(st Store) error {
			po, err := st.GetPurchaseOrder(ctx, id)
			if err != nil {
				return err
			}
			if po.Status != StatusDraft {
				return &NotEditableError{PurchaseOrderID: id, Status: po.Status}
			}
			built, err := s.buildLines(ctx, st, lines)
			if err != nil {
				return err
			}
			po.Lines = built
			po.Total = po.LineTotal()
			po.Version++
			po.UpdatedAt = s.clock()
			if err := st.SavePurchaseOrder(ctx, *po); err != nil {
				return err
			}
			saved = *po
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.invalidateSummary(ctx, id)
	s.logger.Info("line items saved", "po", id, "lines", len(saved.Lines), "total", saved.Total.String(), "actor", actor.ID)
	return &saved, nil
}

func (s *PurchaseOrderService) buildLines(ctx context.Context, st Store, in []LineItemInput) ([]LineItem, error) {
	lines := make([]LineItem, 0, len(in))
	for i, l := range in {
		field := fmt.Sprintf("lines[%d]", i)
		if err := requireText(field+".description", l.Description); err != nil {
			return nil, err
		}
		if !l.Amount.IsPositive() {
			return nil, invalid(field+".amount", "must be greater than zero")
		}
		if l.BudgetItemID == "" {
			return nil, invalid(field+".budget_item_id", "is required")
		}
		if _, err := st.GetBudgetItem(ctx, l.BudgetItemID); err != nil {
			if errors.Is(err, ErrBudgetItemNotFound) {
				return nil, invalid(field+".budget_item_id", "references an unknown budget item")
			}
			return nil, err
		}
		lines = append(lines, LineItem{
			ID:           LineItemID(s.newID()),
			Description:  strings.TrimSpace(l.Description),
			Amount:       l.Amount,
			BudgetItemID: l.BudgetItemID,
		})
	}
	return lines, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *PurchaseOrderService) GetPurchaseOrder(ctx context.Context, id PurchaseOrderID) (*PurchaseOrder, error) {
	return s.store.GetPurchaseOrder(ctx, id)
}

func (s *PurchaseOrderService) ListPurchaseOrders(ctx context.Context, filter PurchaseOrderFilter) (Page[PurchaseOrder], error) {
	for _, st := range filter.Statuses {
		if !st.Valid() {
			return Page[PurchaseOrder]{}, invalid("status", fmt.Sprintf("unknown status %q", st))
		}
	}
	filter.Page = filter.Page.Normalize()
	pos, total, err := s.store.ListPurchaseOrders(ctx, filter)
	if err != nil {
		return Page[PurchaseOrder]{}, err
	}
	return newPage(pos, filter.Page, total), nil
}

// History returns every status change of the PO, oldest first.
func (s *PurchaseOrderService) History(ctx context.Context, id PurchaseOrderID) ([]StatusChange, error) {
	if _, err := s.store.GetPurchaseOrder(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListStatusChanges(ctx, id)
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Submit moves a DRAFT PO to PENDING_APPROVAL and, when enabled, runs
// auto-approval. A failed auto-approval never fails the submit.
func (s *PurchaseOrderService) Submit(ctx context.Context, id PurchaseOrderID, actor Actor, note string) (*TransitionResult, error) {
	res, err := s.Transition(ctx, TransitionRequest{
		PurchaseOrderID: id,
		To:              StatusPendingApproval,
		Actor:           actor,
		Note:            note,
	})
	if err != nil || !s.policy.AutoApproval.Enabled {
		return res, err
	}
	return s.autoApprove(ctx, res)
}

func (s *PurchaseOrderService) Approve(ctx context.Context, id PurchaseOrderID, actor Actor, note string, allowOverBudget bool) (*TransitionResult, error) {
	return s.Transition(ctx, TransitionRequest{PurchaseOrderID: id, To: StatusApproved, Actor: actor, Note: note, AllowOverBudget: allowOverBudget})
}

func (s *PurchaseOrderService) Reject(ctx context.Context, id PurchaseOrderID, actor Actor, note string) (*TransitionResult, error) {
	return s.Transition(ctx, TransitionRequest{PurchaseOrderID: id, To: StatusRejected, Actor: actor, Note: note})
}

func (s *PurchaseOrderService) Revise(ctx context.Context, id PurchaseOrderID, actor Actor, note string) (*TransitionResult, error) {
	return s.Transition(ctx, TransitionRequest{PurchaseOrderID: id, To: StatusDraft, Actor: actor, Note: note})
}

func (s *PurchaseOrderService) Complete(ctx context.Context, id PurchaseOrderID, actor Actor, note string) (*TransitionResult, error) {
	return s.Transition(ctx, TransitionRequest{PurchaseOrderID: id, To: StatusCompleted, Actor: actor, Note: note})
}

// Cancel moves a PO to CANCELLED. From APPROVED or COMPLETED this is a void
// and gives back the encumbrance or the spend.
func (s *PurchaseOrderService) Cancel(ctx context.Context, id PurchaseOrderID, actor Actor, note string) (*TransitionResult, error) {
	return s.Transition(ctx, TransitionRequest{PurchaseOrderID: id, To: StatusCancelled, Actor: actor, Note: note})
}

// Void is Cancel restricted to APPROVED and COMPLETED purchase orders.
func (s *PurchaseOrderService) Void(ctx context.Context, id PurchaseOrderID, actor Actor, note string) (*TransitionResult, error) {
	po, err := s.store.GetPurchaseOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if po.Status != StatusApproved && po.Status != StatusCompleted {
		return nil, &InvalidTransitionError{PurchaseOrderID: id, From: po.Status, To: StatusCancelled}
	}
	return s.Transition(ctx, TransitionRequest{PurchaseOrderID: id, To: StatusCancelled, Actor: actor, Note: note, ExpectedFrom: po.Status})
}

// Transition applies one state-machine step and its ledger effect atomically.
func (s *PurchaseOrderService) Transition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	if !req.To.Valid() {
		return nil, invalid("to", fmt.Sprintf("unknown status %q", req.To))
	}
	if err := requireText("actor", req.Actor.ID); err != nil {
		return nil, err
	}
	if req.AllowOverBudget && !s.policy.CanOverride(req.Actor) {
		return nil, fmt.Errorf("%w: role %q", ErrOverrideNotPermitted, req.Actor.Role)
	}

	observed, err := s.store.GetPurchaseOrder(ctx, req.PurchaseOrderID)
	if err != nil {
		return nil, err
	}
	keys := []string{poLockKey(observed.ID)}
	for _, id := range observed.BudgetItemIDs() {
		keys = append(keys, itemLockKey(id))
	}

	var (
		res    *TransitionResult
		posted *PostResult
	)
	err = s.locked(ctx, keys, func() error {
		return s.store.WithTx(ctx, func(st Store) error {
			po, err := st.GetPurchaseOrder(ctx, req.PurchaseOrderID)
			if err != nil {
				return err
			}
			if !sameItems(po.BudgetItemIDs(), observed.BudgetItemIDs()) {
				return ErrConcurrentModification
			}
			if req.ExpectedFrom != "" && po.Status != req.ExpectedFrom {
				return fmt.Errorf("%w: expected %s, found %s", ErrConcurrentModification, req.ExpectedFrom, po.Status)
			}
			r, p, err := s.applyTransition(ctx, st, po, req)
			if err != nil {
				return err
			}
			res, posted = r, p
			return nil
		})
	})
	if err != nil {
		s.logger.Debug("transition rejected", "po", req.PurchaseOrderID, "to", req.To, "actor", req.Actor.ID, "error", err)
		return nil, err
	}

	s.logger.Info("purchase order transitioned",
		"po", res.PurchaseOrder.ID,
		"from", res.Change.From,
		"to", res.Change.To,
		"actor", req.Actor.ID,
		"auto", req.auto,
	)
	s.invalidateSummary(ctx, res.PurchaseOrder.ID)

	events := []Event{{
		Type:            EventStatusChanged,
		At:              res.Change.At,
		PurchaseOrderID: res.PurchaseOrder.ID,
		PONumber:        res.PurchaseOrder.Number,
		From:            res.Change.From,
		To:              res.Change.To,
		Note:            res.Change.Note,
		ActorID:         req.Actor.ID,
	}}
	if posted != nil {
		events = append(events, posted.events(s.policy.WarnUtilizationPercent, req.Actor, res.Change.At)...)
	}
	s.notify(ctx, events...)
	return res, nil
}

// applyTransition runs inside the store transaction with all locks held.
func (s *PurchaseOrderService) applyTransition(ctx context.Context, st Store, po *PurchaseOrder, req TransitionRequest) (*TransitionResult, *PostResult, error) {
	from := po.Status
	rule, ok := lookupTransition(from, req.To)
	if !ok {
		return nil, nil, &InvalidTransitionError{PurchaseOrderID: po.ID, From: from, To: req.To}
	}
	note := strings.TrimSpace(req.Note)
	if rule.noteRequired && note == "" {
		return nil, nil, &NoteRequiredError{From: from, To: req.To}
	}
	if req.To == StatusPendingApproval && len(po.Lines) == 0 {
		return nil, nil, invalid("lines", "a purchase order needs at least one line item to be submitted")
	}
	if !po.Total.Equal(po.LineTotal()) {
		return nil, nil, &InvariantViolationError{
			Code:      fmt.Sprintf("PO-%d", po.Number),
			Operation: rule.action,
			Detail:    fmt.Sprintf("total %s does not match line total %s", formatMoney(po.Total), formatMoney(po.LineTotal())),
		}
	}

	now := s.clock()
	res := &TransitionResult{}
	var posted *PostResult
	if rule.effect != "" {
		postings := make([]Posting, 0, len(po.Lines))
		for _, l := range po.Lines {
			postings = append(postings, Posting{
				Type:         rule.effect,
				BudgetItemID: l.BudgetItemID,
				Amount:       l.Amount,
				ReferenceID:  string(po.ID),
				Token:        string(l.ID),
				Reason:       fmt.Sprintf("PO-%d %s", po.Number, rule.action),
			})
		}
		p, err := s.ledger.apply(ctx, st, postings, PostOptions{Actor: req.Actor, AllowOverBudget: req.AllowOverBudget})
		if err != nil {
			return nil, nil, err
		}
		posted = p
		res.Entries = p.Entries
		res.Warnings = p.Warnings
	}

	stamp := &ActionStamp{By: req.Actor, At: now, Note: note}
	switch req.To {
	case StatusPendingApproval:
		po.Submitted = stamp
		po.Rejected = nil
		po.AutoApproved = false
		po.AutoApprovalNote = ""
	case StatusApproved:
		po.Approved = stamp
		po.AutoApproved = req.auto
	case StatusRejected:
		po.Rejected = stamp
	case StatusCompleted:
		po.Completed = stamp
	case StatusCancelled:
		po.Voided = stamp
	case StatusDraft:
		po.Submitted = nil
	}
	po.Status = req.To
	po.Version++
	po.UpdatedAt = now

	change := StatusChange{
		ID:              s.newID(),
		PurchaseOrderID: po.ID,
		From:            from,
		To:              req.To,
		Actor:           req.Actor,
		Note:            note,
		Auto:            req.auto,
		At:              now,
	}
	if err := st.SavePurchaseOrder(ctx, *po); err != nil {
		return nil, nil, err
	}
	if err := st.AppendStatusChange(ctx, change); err != nil {
		return nil, nil, err
	}

	res.PurchaseOrder = po.Clone()
	res.Change = change
	return res, posted, nil
}

// =============================================================================
// AUTO-APPROVAL
// =============================================================================

func (s *PurchaseOrderService) autoApprove(ctx context.Context, submitted *TransitionResult) (*TransitionResult, error) {
	po := submitted.PurchaseOrder
	input := AutoApprovalInput{
		Total:     po.Total,
		Threshold: s.policy.AutoApproval.Threshold,
	}
	for _, l := range po.Lines {
		item, err := s.store.GetBudgetItem(ctx, l.BudgetItemID)
		if err != nil {
			s.logger.Warn("auto-approval snapshot failed", "po", po.ID, "budget_item", l.BudgetItemID, "error", err)
			return s.recordAutoApprovalNote(ctx, submitted, AutoApprovalDecision{
				Reason: DecisionInsufficientBudget,
				Note:   "Auto-approval skipped: could not read budget item " + string(l.BudgetItemID),
			})
		}
		input.Lines = append(input.Lines, AutoApprovalLine{Amount: l.Amount, BudgetItem: *item})
	}

	decision := EvaluateAutoApproval(input)
	if !decision.Approve {
		return s.recordAutoApprovalNote(ctx, submitted, decision)
	}

	approved, err := s.Transition(ctx, TransitionRequest{
		PurchaseOrderID: po.ID,
		To:              StatusApproved,
		Actor:           SystemActor,
		Note:            fmt.Sprintf("Auto-approved: total %s within threshold %s", formatMoney(po.Total), formatMoney(input.Threshold)),
		ExpectedFrom:    StatusPendingApproval,
		auto:            true,
	})
	if err != nil {
		s.logger.Warn("auto-approval failed, left pending", "po", po.ID, "error", err)
		decision = AutoApprovalDecision{
			Reason: decisionForError(err),
			Note:   "Auto-approval failed: " + err.Error(),
		}
		return s.recordAutoApprovalNote(ctx, submitted, decision)
	}
	approved.AutoApproval = &decision
	return approved, nil
}

func decisionForError(err error) DecisionReason {
	if errors.Is(err, ErrInsufficientBudget) {
		return DecisionInsufficientBudget
	}
	return DecisionReason("error")
}

// recordAutoApprovalNote attaches the decision note to a still-pending PO.
// Failing to store the note does not fail the submit.
func (s *PurchaseOrderService) recordAutoApprovalNote(ctx context.Context, submitted *TransitionResult, decision AutoApprovalDecision) (*TransitionResult, error) {
	id := submitted.PurchaseOrder.ID
	submitted.AutoApproval = &decision

	err := s.locked(ctx, []string{poLockKey(id)}, func() error {
		return s.store.WithTx(ctx, func(st Store) error {
			po, err := st.GetPurchaseOrder(ctx, id)
			if err != nil {
				return err
			}
			if po.Status != StatusPendingApproval {
				return nil
			}
			po.AutoApprovalNote = decision.Note
			po.Version++
			po.UpdatedAt = s.clock()
			if err := st.SavePurchaseOrder(ctx, *po); err != nil {
				return err
			}
			submitted.PurchaseOrder = po.Clone()
			return nil
		})
	})
	if err != nil {
		s.logger.Warn("could not record auto-approval note", "po", id, "error", err)
		submitted.PurchaseOrder.AutoApprovalNote = decision.Note
	}
	s.logger.Info("purchase order left pending", "po", id, "reason", decision.Reason)
	return submitted, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func sameItems(a, b []BudgetItemID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (d *deps) invalidateSummary(ctx context.Context, id PurchaseOrderID) {
	d.summaryMu.Lock()
	d.summaryGen++
	d.summaryMu.Unlock()
	if err := d.cache.Invalidate(ctx, id); err != nil {
		d.logger.Warn("summary cache invalidation failed", "po", id, "error", err)
	}
}
