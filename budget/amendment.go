/*
amendment.go - Budget amendments: increase, decrease, transfer

PURPOSE:
  The only way an allocation ceiling changes after creation. Every change
  is recorded as an immutable BudgetAmendment row next to the ledger entry
  that applied it.

TRANSFERS:
  A transfer is one TransferAmendment value. It is stored as two rows,
  TRANSFER_OUT on the source and TRANSFER_IN on the destination, written in
  the same store transaction. The rows point at each other by id and share
  a TransferID; Out() and In() rebuild them from the value.

  Conservation: source.budgetAmount + destination.budgetAmount is the same
  before and after any transfer.

DECREASES:
  A decrease (or transfer out) that leaves commitments above the new ceiling
  is allowed and flagged with a NowOverBudget warning. A decrease that would
  make the ceiling itself negative is a ValidationError.
*/
package budget

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TYPES
// =============================================================================

type AmendmentType string

const (
	AmendmentIncrease    AmendmentType = "INCREASE"
	AmendmentDecrease    AmendmentType = "DECREASE"
	AmendmentTransferOut AmendmentType = "TRANSFER_OUT"
	AmendmentTransferIn  AmendmentType = "TRANSFER_IN"

	// AmendmentTransfer is accepted by CreateAmendment and produces an
	// OUT/IN pair. It never appears on a stored row.
	AmendmentTransfer AmendmentType = "TRANSFER"
)

func (t AmendmentType) Valid() bool {
	switch t {
	case AmendmentIncrease, AmendmentDecrease, AmendmentTransferOut, AmendmentTransferIn:
		return true
	}
	return false
}

// BudgetAmendment is one immutable audit row. Amount is always positive;
// direction comes from Type.
type BudgetAmendment struct {
	ID             AmendmentID
	BudgetItemID   BudgetItemID
	Type           AmendmentType
	Amount         decimal.Decimal
	Reason         string
	FiscalYear     int
	PreviousAmount decimal.Decimal
	NewAmount      decimal.Decimal

	// Transfer rows only.
	TransferID         TransferID
	RelatedAmendmentID AmendmentID
	FromBudgetItemID   BudgetItemID
	ToBudgetItemID     BudgetItemID

	CreatedBy string
	CreatedAt time.Time
}

// TransferAmendment is a transfer as a single value.
type TransferAmendment struct {
	ID           TransferID
	OutID        AmendmentID
	InID         AmendmentID
	From         BudgetItemID
	To           BudgetItemID
	Amount       decimal.Decimal
	Reason       string
	FiscalYear   int
	FromPrevious decimal.Decimal
	FromNew      decimal.Decimal
	ToPrevious   decimal.Decimal
	ToNew        decimal.Decimal
	CreatedBy    string
	CreatedAt    time.Time
}

// Out is the TRANSFER_OUT row recorded against the source item.
func (t TransferAmendment) Out() BudgetAmendment {
	return BudgetAmendment{
		ID:                 t.OutID,
		BudgetItemID:       t.From,
		Type:               AmendmentTransferOut,
		Amount:             t.Amount,
		Reason:             t.Reason,
		FiscalYear:         t.FiscalYear,
		PreviousAmount:     t.FromPrevious,
		NewAmount:          t.FromNew,
		TransferID:         t.ID,
		RelatedAmendmentID: t.InID,
		FromBudgetItemID:   t.From,
		ToBudgetItemID:     t.To,
		CreatedBy:          t.CreatedBy,
		CreatedAt:          t.CreatedAt,
	}
}

// In is the TRANSFER_IN row recorded against the destination item.
func (t TransferAmendment) In() BudgetAmendment {
	return BudgetAmendment{
		ID:                 t.InID,
		BudgetItemID:       t.To,
		Type:               AmendmentTransferIn,
		Amount:             t.Amount,
		Reason:             t.Reason,
		FiscalYear:         t.FiscalYear,
		PreviousAmount:     t.ToPrevious,
		NewAmount:          t.ToNew,
		TransferID:         t.ID,
		RelatedAmendmentID: t.OutID,
		FromBudgetItemID:   t.From,
		ToBudgetItemID:     t.To,
		CreatedBy:          t.CreatedBy,
		CreatedAt:          t.CreatedAt,
	}
}

// transferFromRows rebuilds the value from its stored pair.
func transferFromRows(rows []BudgetAmendment) (*TransferAmendment, error) {
	var out, in *BudgetAmendment
	for i := range rows {
		switch rows[i].Type {
		case AmendmentTransferOut:
			out = &rows[i]
		case AmendmentTransferIn:
			in = &rows[i]
		}
	}
	if out == nil || in == nil {
		return nil, ErrAmendmentNotFound
	}
	return &TransferAmendment{
		ID:           out.TransferID,
		OutID:        out.ID,
		InID:         in.ID,
		From:         out.BudgetItemID,
		To:           in.BudgetItemID,
		Amount:       out.Amount,
		Reason:       out.Reason,
		FiscalYear:   out.FiscalYear,
		FromPrevious: out.PreviousAmount,
		FromNew:      out.NewAmount,
		ToPrevious:   in.PreviousAmount,
		ToNew:        in.NewAmount,
		CreatedBy:    out.CreatedBy,
		CreatedAt:    out.CreatedAt,
	}, nil
}

// AmendmentRequest is the single entry point used by the API.
type AmendmentRequest struct {
	Type         AmendmentType
	BudgetItemID BudgetItemID
	// ToBudgetItemID is the destination of a TRANSFER.
	ToBudgetItemID BudgetItemID
	Amount         decimal.Decimal
	Reason         string
	Actor          Actor
}

type AmendmentResult struct {
	Amendments []BudgetAmendment
	Transfer   *TransferAmendment
	Items      []BudgetItem
	Warnings   []Warning
}

// =============================================================================
// PROCESSOR
// =============================================================================

type AmendmentProcessor struct {
	*deps
	ledger *Ledger
}

// CreateAmendment dispatches on req.Type. TRANSFER_OUT and TRANSFER_IN are
// accepted as aliases for a transfer seen from either side.
func (p *AmendmentProcessor) CreateAmendment(ctx context.Context, req AmendmentRequest) (*AmendmentResult, error) {
	switch req.Type {
	case AmendmentIncrease:
		return p.ApplyIncrease(ctx, req.BudgetItemID, req.Amount, req.Reason, req.Actor)
	case AmendmentDecrease:
		return p.ApplyDecrease(ctx, req.BudgetItemID, req.Amount, req.Reason, req.Actor)
	case AmendmentTransfer, AmendmentTransferOut:
		return p.ApplyTransfer(ctx, req.BudgetItemID, req.ToBudgetItemID, req.Amount, req.Reason, req.Actor)
	case AmendmentTransferIn:
		return p.ApplyTransfer(ctx, req.ToBudgetItemID, req.BudgetItemID, req.Amount, req.Reason, req.Actor)
	}
	return nil, invalid("type", fmt.Sprintf("unknown amendment type %q", req.Type))
}

// ApplyIncrease raises the allocation of one item.
func (p *AmendmentProcessor) ApplyIncrease(ctx context.Context, id BudgetItemID, amount decimal.Decimal, reason string, actor Actor) (*AmendmentResult, error) {
	return p.applySingle(ctx, AmendmentIncrease, id, amount, reason, actor)
}

// ApplyDecrease lowers the allocation of one item. Commitments above the
// new ceiling produce a warning, not an error.
func (p *AmendmentProcessor) ApplyDecrease(ctx context.Context, id BudgetItemID, amount decimal.Decimal, reason string, actor Actor) (*AmendmentResult, error) {
	return p.applySingle(ctx, AmendmentDecrease, id, amount, reason, actor)
}

func (p *AmendmentProcessor) applySingle(ctx context.Context, typ AmendmentType, id BudgetItemID, amount decimal.Decimal, reason string, actor Actor) (*AmendmentResult, error) {
	if err := validateAmendment(id, amount, reason); err != nil {
		return nil, err
	}
	delta := amount
	if typ == AmendmentDecrease {
		delta = amount.Neg()
	}
	amendmentID := AmendmentID(p.newID())

	var (
		res    *AmendmentResult
		posted *PostResult
	)
	err := p.locked(ctx, []string{itemLockKey(id)}, func() error {
		return p.store.WithTx(ctx, func(s Store) error {
			pr, err := p.ledger.apply(ctx, s, []Posting{{
				Type:         EntryAllocate,
				BudgetItemID: id,
				Amount:       delta,
				ReferenceID:  string(amendmentID),
				Reason:       reason,
			}}, PostOptions{Actor: actor})
			if err != nil {
				return err
			}
			before, after := pr.Before[id], pr.Items[id]
			row := BudgetAmendment{
				ID:             amendmentID,
				BudgetItemID:   id,
				Type:           typ,
				Amount:         amount,
				Reason:         strings.TrimSpace(reason),
				FiscalYear:     after.FiscalYear,
				PreviousAmount: before.BudgetAmount,
				NewAmount:      after.BudgetAmount,
				CreatedBy:      actor.ID,
				CreatedAt:      p.clock(),
			}
			if err := s.AppendAmendments(ctx, []BudgetAmendment{row}); err != nil {
				return err
			}
			posted = pr
			res = &AmendmentResult{
				Amendments: []BudgetAmendment{row},
				Items:      []BudgetItem{after},
				Warnings:   pr.Warnings,
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	row := res.Amendments[0]
	p.logger.Info("budget amendment applied",
		"amendment", row.ID,
		"type", row.Type,
		"budget_item", id,
		"previous", row.PreviousAmount.String(),
		"new", row.NewAmount.String(),
		"actor", actor.ID,
	)
	p.notify(ctx, posted.events(p.policy.WarnUtilizationPercent, actor, row.CreatedAt)...)
	return res, nil
}

// ApplyTransfer moves allocation from one item to another in the same fiscal
// year. Both rows are written or neither is.
func (p *AmendmentProcessor) ApplyTransfer(ctx context.Context, from, to BudgetItemID, amount decimal.Decimal, reason string, actor Actor) (*AmendmentResult, error) {
	if err := validateAmendment(from, amount, reason); err != nil {
		return nil, err
	}
	if to == "" {
		return nil, invalid("to_budget_item_id", "is required for a transfer")
	}
	if from == to {
		return nil, invalid("to_budget_item_id", "must differ from the source budget item")
	}

	transfer := TransferAmendment{
		ID:     TransferID(p.newID()),
		OutID:  AmendmentID(p.newID()),
		InID:   AmendmentID(p.newID()),
		From:   from,
		To:     to,
		Amount: amount,
		Reason: strings.TrimSpace(reason),
	}

	var posted *PostResult
	err := p.locked(ctx, []string{itemLockKey(from), itemLockKey(to)}, func() error {
		return p.store.WithTx(ctx, func(s Store) error {
			src, err := s.GetBudgetItem(ctx, from)
			if err != nil {
				return err
			}
			dst, err := s.GetBudgetItem(ctx, to)
			if err != nil {
				return err
			}
			if src.FiscalYear != dst.FiscalYear {
				return invalid("to_budget_item_id", fmt.Sprintf(
					"transfers must stay within one fiscal year (%s is %d, %s is %d)",
					src.Code, src.FiscalYear, dst.Code, dst.FiscalYear))
			}

			pr, err := p.ledger.apply(ctx, s, []Posting{
				{Type: EntryAllocate, BudgetItemID: from, Amount: amount.Neg(), ReferenceID: string(transfer.OutID), Reason: transfer.Reason},
				{Type: EntryAllocate, BudgetItemID: to, Amount: amount, ReferenceID: string(transfer.InID), Reason: transfer.Reason},
			}, PostOptions{Actor: actor})
			if err != nil {
				return err
			}

			transfer.FiscalYear = src.FiscalYear
			transfer.FromPrevious = pr.Before[from].BudgetAmount
			transfer.FromNew = pr.Items[from].BudgetAmount
			transfer.ToPrevious = pr.Before[to].BudgetAmount
			transfer.ToNew = pr.Items[to].BudgetAmount
			transfer.CreatedBy = actor.ID
			transfer.CreatedAt = p.clock()

			posted = pr
			return s.AppendAmendments(ctx, []BudgetAmendment{transfer.Out(), transfer.In()})
		})
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info("budget transfer applied",
		"transfer", transfer.ID,
		"from", from,
		"to", to,
		"amount", amount.String(),
		"actor", actor.ID,
	)
	p.notify(ctx, posted.events(p.policy.WarnUtilizationPercent, actor, transfer.CreatedAt)...)
	return &AmendmentResult{
		Amendments: []BudgetAmendment{transfer.Out(), transfer.In()},
		Transfer:   &transfer,
		Items:      []BudgetItem{posted.Items[from], posted.Items[to]},
		Warnings:   posted.Warnings,
	}, nil
}

func validateAmendment(id BudgetItemID, amount decimal.Decimal, reason string) error {
	if id == "" {
		return invalid("budget_item_id", "is required")
	}
	if !amount.IsPositive() {
		return invalid("amount", "must be greater than zero")
	}
	return requireText("reason", reason)
}

// =============================================================================
// QUERIES
// =============================================================================

func (p *AmendmentProcessor) GetAmendment(ctx context.Context, id AmendmentID) (*BudgetAmendment, error) {
	return p.store.GetAmendment(ctx, id)
}

// GetTransfer rebuilds a transfer from its two rows.
func (p *AmendmentProcessor) GetTransfer(ctx context.Context, id TransferID) (*TransferAmendment, error) {
	rows, _, err := p.store.ListAmendments(ctx, AmendmentFilter{TransferID: id})
	if err != nil {
		return nil, err
	}
	return transferFromRows(rows)
}

// ListAmendments returns amendments newest first.
func (p *AmendmentProcessor) ListAmendments(ctx context.Context, filter AmendmentFilter) (Page[BudgetAmendment], error) {
	if filter.Type != "" && !filter.Type.Valid() {
		return Page[BudgetAmendment]{}, invalid("type", fmt.Sprintf("unknown amendment type %q", filter.Type))
	}
	filter.Page = filter.Page.Normalize()
	rows, total, err := p.store.ListAmendments(ctx, filter)
	if err != nil {
		return Page[BudgetAmendment]{}, err
	}
	return newPage(rows, filter.Page, total), nil
}
