/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the engine's
  types from the wire contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Every amount is a decimal.Decimal. It is written as a JSON string ("400.5")
  and accepted as either a string or a number.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/procurement-engine/budget"
)

// =============================================================================
// LISTS
// =============================================================================

// PageDTO is the envelope of every list endpoint.
type PageDTO[T any] struct {
	Items      []T `json:"items"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

func toPageDTO[S, T any](p budget.Page[S], conv func(S) T) PageDTO[T] {
	items := make([]T, len(p.Items))
	for i, it := range p.Items {
		items[i] = conv(it)
	}
	return PageDTO[T]{Items: items, Page: p.Page, Limit: p.Limit, Total: p.Total, TotalPages: p.TotalPages}
}

// =============================================================================
// BUDGET ITEMS
// =============================================================================

type BudgetItemDTO struct {
	ID           string          `json:"id"`
	Code         string          `json:"code"`
	Description  string          `json:"description"`
	FiscalYear   int             `json:"fiscal_year"`
	BudgetAmount decimal.Decimal `json:"budget_amount"`
	Encumbered   decimal.Decimal `json:"encumbered"`
	ActualSpent  decimal.Decimal `json:"actual_spent"`
	Available    decimal.Decimal `json:"available"`
	Utilization  decimal.Decimal `json:"utilization_percent"`
	OverBudget   bool            `json:"over_budget"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
}

type CreateBudgetItemRequest struct {
	Code         string          `json:"code"`
	Description  string          `json:"description"`
	FiscalYear   int             `json:"fiscal_year"`
	BudgetAmount decimal.Decimal `json:"budget_amount"`
}

type LedgerEntryDTO struct {
	ID                   string          `json:"id"`
	BudgetItemID         string          `json:"budget_item_id"`
	Type                 string          `json:"type"`
	Requested            decimal.Decimal `json:"requested"`
	Applied              decimal.Decimal `json:"applied"`
	ReferenceID          string          `json:"reference_id,omitempty"`
	Token                string          `json:"token,omitempty"`
	Reason               string          `json:"reason,omitempty"`
	OverBudgetAuthorized bool            `json:"over_budget_authorized,omitempty"`
	CreatedBy            string          `json:"created_by,omitempty"`
	CreatedAt            string          `json:"created_at"`
}

type WarningDTO struct {
	Code         string          `json:"code"`
	BudgetItemID string          `json:"budget_item_id"`
	BudgetCode   string          `json:"budget_code"`
	Available    decimal.Decimal `json:"available"`
	Message      string          `json:"message"`
}

// =============================================================================
// AMENDMENTS
// =============================================================================

type CreateAmendmentRequest struct {
	Type           string          `json:"type"`
	BudgetItemID   string          `json:"budget_item_id"`
	ToBudgetItemID string          `json:"to_budget_item_id,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason"`
}

type AmendmentDTO struct {
	ID                 string          `json:"id"`
	BudgetItemID       string          `json:"budget_item_id"`
	Type               string          `json:"type"`
	Amount             decimal.Decimal `json:"amount"`
	Reason             string          `json:"reason"`
	FiscalYear         int             `json:"fiscal_year"`
	PreviousAmount     decimal.Decimal `json:"previous_amount"`
	NewAmount          decimal.Decimal `json:"new_amount"`
	TransferID         string          `json:"transfer_id,omitempty"`
	RelatedAmendmentID string          `json:"related_amendment_id,omitempty"`
	FromBudgetItemID   string          `json:"from_budget_item_id,omitempty"`
	ToBudgetItemID     string          `json:"to_budget_item_id,omitempty"`
	CreatedBy          string          `json:"created_by"`
	CreatedAt          string          `json:"created_at"`
}

type TransferDTO struct {
	ID     string          `json:"id"`
	From   string          `json:"from_budget_item_id"`
	To     string          `json:"to_budget_item_id"`
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
	Out    AmendmentDTO    `json:"out"`
	In     AmendmentDTO    `json:"in"`
}

type AmendmentResultDTO struct {
	Amendments []AmendmentDTO  `json:"amendments"`
	Transfer   *TransferDTO    `json:"transfer,omitempty"`
	Items      []BudgetItemDTO `json:"budget_items"`
	Warnings   []WarningDTO    `json:"warnings"`
}

// =============================================================================
// PURCHASE ORDERS
// =============================================================================

type LineItemRequest struct {
	Description  string          `json:"description"`
	Amount       decimal.Decimal `json:"amount"`
	BudgetItemID string          `json:"budget_item_id"`
}

type CreatePurchaseOrderRequest struct {
	Date       string            `json:"date,omitempty"` // YYYY-MM-DD
	VendorID   string            `json:"vendor_id"`
	VendorName string            `json:"vendor_name"`
	Department string            `json:"department"`
	Notes      string            `json:"notes"`
	Lines      []LineItemRequest `json:"lines"`
}

type SaveLineItemsRequest struct {
	Lines []LineItemRequest `json:"lines"`
}

type SubmitRequest struct {
	Note string `json:"note"`
}

type TransitionRequestDTO struct {
	Status          string `json:"status"`
	Note            string `json:"note"`
	AllowOverBudget bool   `json:"allow_over_budget"`
	ExpectedFrom    string `json:"expected_from,omitempty"`
}

type ActorDTO struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

type ActionStampDTO struct {
	By   ActorDTO `json:"by"`
	At   string   `json:"at"`
	Note string   `json:"note,omitempty"`
}

type LineItemDTO struct {
	ID           string          `json:"id"`
	Description  string          `json:"description"`
	Amount       decimal.Decimal `json:"amount"`
	BudgetItemID string          `json:"budget_item_id"`
}

type PurchaseOrderDTO struct {
	ID               string          `json:"id"`
	Number           int64           `json:"number"`
	Date             string          `json:"date"`
	VendorID         string          `json:"vendor_id,omitempty"`
	VendorName       string          `json:"vendor_name"`
	Requester        ActorDTO        `json:"requester"`
	Department       string          `json:"department,omitempty"`
	Status           string          `json:"status"`
	Total            decimal.Decimal `json:"total"`
	Notes            string          `json:"notes,omitempty"`
	Submitted        *ActionStampDTO `json:"submitted,omitempty"`
	Approved         *ActionStampDTO `json:"approved,omitempty"`
	Rejected         *ActionStampDTO `json:"rejected,omitempty"`
	Completed        *ActionStampDTO `json:"completed,omitempty"`
	Voided           *ActionStampDTO `json:"voided,omitempty"`
	AutoApproved     bool            `json:"auto_approved"`
	AutoApprovalNote string          `json:"auto_approval_note,omitempty"`
	Lines            []LineItemDTO   `json:"lines"`
	AllowedNext      []string        `json:"allowed_transitions"`
	Version          int             `json:"version"`
	CreatedAt        string          `json:"created_at"`
	UpdatedAt        string          `json:"updated_at"`
}

type StatusChangeDTO struct {
	ID    string   `json:"id"`
	From  string   `json:"from,omitempty"`
	To    string   `json:"to"`
	Actor ActorDTO `json:"actor"`
	Note  string   `json:"note,omitempty"`
	Auto  bool     `json:"auto"`
	At    string   `json:"at"`
}

type AutoApprovalDTO struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
	Note     string `json:"note,omitempty"`
}

type TransitionResultDTO struct {
	PurchaseOrder PurchaseOrderDTO `json:"purchase_order"`
	Change        StatusChangeDTO  `json:"change"`
	Warnings      []WarningDTO     `json:"warnings"`
	AutoApproval  *AutoApprovalDTO `json:"auto_approval,omitempty"`
}

// =============================================================================
// RECEIPTS / RECONCILIATION
// =============================================================================

type RegisterReceiptRequest struct {
	ID         string          `json:"id,omitempty"`
	VendorID   string          `json:"vendor_id"`
	VendorName string          `json:"vendor_name"`
	Total      decimal.Decimal `json:"total"`
	Currency   string          `json:"currency"`
	Status     string          `json:"status"`
	Date       string          `json:"date"` // YYYY-MM-DD
	FileRef    string          `json:"file_ref"`
}

type LinkReceiptRequest struct {
	PurchaseOrderID string `json:"purchase_order_id"`
}

type ReceiptDTO struct {
	ID              string          `json:"id"`
	VendorID        string          `json:"vendor_id,omitempty"`
	VendorName      string          `json:"vendor_name"`
	Total           decimal.Decimal `json:"total"`
	Currency        string          `json:"currency,omitempty"`
	Status          string          `json:"status"`
	Date            string          `json:"date"`
	FileRef         string          `json:"file_ref,omitempty"`
	PurchaseOrderID string          `json:"purchase_order_id,omitempty"`
	UpdatedAt       string          `json:"updated_at"`
}

type ReconciliationSummaryDTO struct {
	PurchaseOrderID string          `json:"purchase_order_id"`
	POTotal         decimal.Decimal `json:"po_total"`
	ReceiptedTotal  decimal.Decimal `json:"receipted_total"`
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
	ReceiptCount    int             `json:"receipt_count"`
	PercentCovered  decimal.Decimal `json:"percent_covered"`
}

type MatchSuggestionDTO struct {
	PurchaseOrderID string          `json:"purchase_order_id"`
	PONumber        int64           `json:"po_number"`
	VendorName      string          `json:"vendor_name"`
	Status          string          `json:"status"`
	Total           decimal.Decimal `json:"total"`
	Remaining       decimal.Decimal `json:"remaining"`
	Score           float64         `json:"score"`
	Reasons         []string        `json:"reasons"`
}

// =============================================================================
// MISC
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

type PolicyDTO struct {
	AutoApprovalEnabled    bool            `json:"auto_approval_enabled"`
	AutoApprovalThreshold  decimal.Decimal `json:"auto_approval_threshold"`
	OverrideRoles          []string        `json:"override_roles"`
	WarnUtilizationPercent decimal.Decimal `json:"warn_utilization_percent"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

const dateLayout = "2006-01-02"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toBudgetItemDTO(b budget.BudgetItem) BudgetItemDTO {
	return BudgetItemDTO{
		ID:           string(b.ID),
		Code:         b.Code,
		Description:  b.Description,
		FiscalYear:   b.FiscalYear,
		BudgetAmount: b.BudgetAmount,
		Encumbered:   b.Encumbered,
		ActualSpent:  b.ActualSpent,
		Available:    b.Available(),
		Utilization:  b.Utilization(),
		OverBudget:   b.IsOverBudget(),
		CreatedAt:    formatTime(b.CreatedAt),
		UpdatedAt:    formatTime(b.UpdatedAt),
	}
}

func toLedgerEntryDTO(e budget.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:                   string(e.ID),
		BudgetItemID:         string(e.BudgetItemID),
		Type:                 string(e.Type),
		Requested:            e.Requested,
		Applied:              e.Applied,
		ReferenceID:          e.ReferenceID,
		Token:                e.Token,
		Reason:               e.Reason,
		OverBudgetAuthorized: e.OverBudgetAuthorized,
		CreatedBy:            e.CreatedBy,
		CreatedAt:            formatTime(e.CreatedAt),
	}
}

func toWarningDTOs(ws []budget.Warning) []WarningDTO {
	out := make([]WarningDTO, len(ws))
	for i, w := range ws {
		out[i] = WarningDTO{
			Code:         string(w.Code),
			BudgetItemID: string(w.BudgetItemID),
			BudgetCode:   w.BudgetCode,
			Available:    w.Available,
			Message:      w.Message,
		}
	}
	return out
}

func toAmendmentDTO(a budget.BudgetAmendment) AmendmentDTO {
	return AmendmentDTO{
		ID:                 string(a.ID),
		BudgetItemID:       string(a.BudgetItemID),
		Type:               string(a.Type),
		Amount:             a.Amount,
		Reason:             a.Reason,
		FiscalYear:         a.FiscalYear,
		PreviousAmount:     a.PreviousAmount,
		NewAmount:          a.NewAmount,
		TransferID:         string(a.TransferID),
		RelatedAmendmentID: string(a.RelatedAmendmentID),
		FromBudgetItemID:   string(a.FromBudgetItemID),
		ToBudgetItemID:     string(a.ToBudgetItemID),
		CreatedBy:          a.CreatedBy,
		CreatedAt:          formatTime(a.CreatedAt),
	}
}

func toTransferDTO(t budget.TransferAmendment) TransferDTO {
	return TransferDTO{
		ID:     string(t.ID),
		From:   string(t.From),
		To:     string(t.To),
		Amount: t.Amount,
		Reason: t.Reason,
		Out:    toAmendmentDTO(t.Out()),
		In:     toAmendmentDTO(t.In()),
	}
}

func toAmendmentResultDTO(r *budget.AmendmentResult) AmendmentResultDTO {
	dto := AmendmentResultDTO{
		Amendments: make([]AmendmentDTO, len(r.Amendments)),
		Items:      make([]BudgetItemDTO, len(r.Items)),
		Warnings:   toWarningDTOs(r.Warnings),
	}
	for i, a := range r.Amendments {
		dto.Amendments[i] = toAmendmentDTO(a)
	}
	for i, it := range r.Items {
		dto.Items[i] = toBudgetItemDTO(it)
	}
	if r.Transfer != nil {
		t := toTransferDTO(*r.Transfer)
		dto.Transfer = &t
	}
	return dto
}

func toActorDTO(a budget.Actor) ActorDTO {
	return ActorDTO{ID: a.ID, Name: a.Name, Role: a.Role}
}

func toStampDTO(s *budget.ActionStamp) *ActionStampDTO {
	if s == nil {
		return nil
	}
	return &ActionStampDTO{By: toActorDTO(s.By), At: formatTime(s.At), Note: s.Note}
}

func toPurchaseOrderDTO(po budget.PurchaseOrder) PurchaseOrderDTO {
	lines := make([]LineItemDTO, len(po.Lines))
	for i, l := range po.Lines {
		lines[i] = LineItemDTO{
			ID:           string(l.ID),
			Description:  l.Description,
			Amount:       l.Amount,
			BudgetItemID: string(l.BudgetItemID),
		}
	}
	var next []string
	for _, s := range budget.AllowedTransitions(po.Status) {
		next = append(next, string(s))
	}
	if next == nil {
		next = []string{}
	}
	return PurchaseOrderDTO{
		ID:               string(po.ID),
		Number:           po.Number,
		Date:             po.Date.Format(dateLayout),
		VendorID:         po.VendorID,
		VendorName:       po.VendorName,
		Requester:        toActorDTO(po.Requester),
		Department:       po.Department,
		Status:           string(po.Status),
		Total:            po.Total,
		Notes:            po.Notes,
		Submitted:        toStampDTO(po.Submitted),
		Approved:         toStampDTO(po.Approved),
		Rejected:         toStampDTO(po.Rejected),
		Completed:        toStampDTO(po.Completed),
		Voided:           toStampDTO(po.Voided),
		AutoApproved:     po.AutoApproved,
		AutoApprovalNote: po.AutoApprovalNote,
		Lines:            lines,
		AllowedNext:      next,
		Version:          po.Version,
		CreatedAt:        formatTime(po.CreatedAt),
		UpdatedAt:        formatTime(po.UpdatedAt),
	}
}

func toStatusChangeDTO(c budget.StatusChange) StatusChangeDTO {
	return StatusChangeDTO{
		ID:    c.ID,
		From:  string(c.From),
		To:    string(c.To),
		Actor: toActorDTO(c.Actor),
		Note:  c.Note,
		Auto:  c.Auto,
		At:    formatTime(c.At),
	}
}

func toTransitionResultDTO(r *budget.TransitionResult) TransitionResultDTO {
	dto := TransitionResultDTO{
		PurchaseOrder: toPurchaseOrderDTO(r.PurchaseOrder),
		Change:        toStatusChangeDTO(r.Change),
		Warnings:      toWarningDTOs(r.Warnings),
	}
	if r.AutoApproval != nil {
		dto.AutoApproval = &AutoApprovalDTO{
			Approved: r.AutoApproval.Approve,
			Reason:   string(r.AutoApproval.Reason),
			Note:     r.AutoApproval.Note,
		}
	}
	return dto
}

func toReceiptDTO(r budget.Receipt) ReceiptDTO {
	date := ""
	if !r.Date.IsZero() {
		date = r.Date.Format(dateLayout)
	}
	return ReceiptDTO{
		ID:              string(r.ID),
		VendorID:        r.VendorID,
		VendorName:      r.VendorName,
		Total:           r.Total,
		Currency:        r.Currency,
		Status:          string(r.Status),
		Date:            date,
		FileRef:         r.FileRef,
		PurchaseOrderID: string(r.PurchaseOrderID),
		UpdatedAt:       formatTime(r.UpdatedAt),
	}
}

func toSummaryDTO(s budget.ReconciliationSummary) ReconciliationSummaryDTO {
	return ReconciliationSummaryDTO{
		PurchaseOrderID: string(s.PurchaseOrderID),
		POTotal:         s.POTotal,
		ReceiptedTotal:  s.ReceiptedTotal,
		RemainingAmount: s.RemainingAmount,
		ReceiptCount:    s.ReceiptCount,
		PercentCovered:  s.PercentCovered,
	}
}

func toSuggestionDTO(m budget.MatchSuggestion) MatchSuggestionDTO {
	return MatchSuggestionDTO{
		PurchaseOrderID: string(m.PurchaseOrderID),
		PONumber:        m.PONumber,
		VendorName:      m.VendorName,
		Status:          string(m.Status),
		Total:           m.Total,
		Remaining:       m.Remaining,
		Score:           m.Score,
		Reasons:         m.Reasons,
	}
}

func toLineInputs(in []LineItemRequest) []budget.LineItemInput {
	out := make([]budget.LineItemInput, len(in))
	for i, l := range in {
		out[i] = budget.LineItemInput{
			Description:  l.Description,
			Amount:       l.Amount,
			BudgetItemID: budget.BudgetItemID(l.BudgetItemID),
		}
	}
	return out
}
