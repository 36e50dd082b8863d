/*
errors.go - Centralized error types for the budget engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The API layer maps these to HTTP statuses; callers use errors.Is against
  the sentinels and errors.As to pull structured detail out.

ERROR CATEGORIES:
  1. Validation - malformed input, rejected before any ledger access
  2. State machine - invalid transition, missing note, non-editable PO
  3. Ledger - insufficient budget, invariant violation
  4. Concurrency - lock timeout, concurrent modification (retryable)
  5. Lookup - not found

WARNINGS:
  NowOverBudget is NOT an error. It travels alongside a successful result
  in the Warnings slice of PostResult / TransitionResult / AmendmentResult.

SEE ALSO:
  - api/errors.go: HTTP status mapping
*/
package budget

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation           = errors.New("validation error")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrNoteRequired         = errors.New("note required")
	ErrNotEditable          = errors.New("purchase order not editable")
	ErrInsufficientBudget   = errors.New("insufficient budget")
	ErrInvariantViolation   = errors.New("ledger invariant violation")
	ErrConcurrencyTimeout   = errors.New("timed out waiting for lock")
	ErrOverrideNotPermitted = errors.New("over-budget override not permitted")

	// ErrConcurrentModification is returned when the state read before taking
	// locks no longer matches what is found under them. Safe to retry.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateIdempotencyKey is returned by stores when an entry with the
	// same key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	ErrBudgetItemNotFound    = errors.New("budget item not found")
	ErrPurchaseOrderNotFound = errors.New("purchase order not found")
	ErrReceiptNotFound       = errors.New("receipt not found")
	ErrAmendmentNotFound     = errors.New("amendment not found")

	ErrDuplicateBudgetCode = errors.New("budget item code already exists for fiscal year")
	ErrBudgetItemInUse     = errors.New("budget item is still referenced")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// InvalidTransitionError names the current and requested states.
type InvalidTransitionError struct {
	PurchaseOrderID PurchaseOrderID
	From            POStatus
	To              POStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for purchase order %s: %s -> %s", e.PurchaseOrderID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// NoteRequiredError is returned when a reject/cancel/void carries a blank note.
type NoteRequiredError struct {
	From POStatus
	To   POStatus
}

func (e *NoteRequiredError) Error() string {
	return fmt.Sprintf("a note is required to move a purchase order from %s to %s", e.From, e.To)
}

func (e *NoteRequiredError) Unwrap() error { return ErrNoteRequired }

// NotEditableError is returned when line items are edited outside DRAFT.
type NotEditableError struct {
	PurchaseOrderID PurchaseOrderID
	Status          POStatus
}

func (e *NotEditableError) Error() string {
	return fmt.Sprintf("purchase order %s is %s; only DRAFT purchase orders can be edited", e.PurchaseOrderID, e.Status)
}

func (e *NotEditableError) Unwrap() error { return ErrNotEditable }

// InsufficientBudgetError provides details about a budget shortage.
type InsufficientBudgetError struct {
	BudgetItemID BudgetItemID
	Code         string
	Requested    decimal.Decimal
	Available    decimal.Decimal
	Shortfall    decimal.Decimal
}

func (e *InsufficientBudgetError) Error() string {
	return fmt.Sprintf("insufficient budget on %s: requested %s, available %s, shortfall %s",
		e.Code, formatMoney(e.Requested), formatMoney(e.Available), formatMoney(e.Shortfall))
}

func (e *InsufficientBudgetError) Unwrap() error { return ErrInsufficientBudget }

// InvariantViolationError is an internal bug guard. It always aborts.
type InvariantViolationError struct {
	BudgetItemID BudgetItemID
	Code         string
	Operation    string
	Detail       string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation on %s during %s: %s", e.Code, e.Operation, e.Detail)
}

func (e *InvariantViolationError) Unwrap() error { return ErrInvariantViolation }

// ConcurrencyTimeoutError reports which lock could not be taken in time.
// Nothing was applied; the caller may retry.
type ConcurrencyTimeoutError struct {
	Key  string
	Wait time.Duration
	Err  error
}

func (e *ConcurrencyTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for %s: %v", e.Wait, e.Key, e.Err)
}

func (e *ConcurrencyTimeoutError) Unwrap() []error {
	return []error{ErrConcurrencyTimeout, e.Err}
}

// =============================================================================
// WARNINGS - Returned alongside success
// =============================================================================

type WarningCode string

const WarningNowOverBudget WarningCode = "now_over_budget"

// Warning is a non-blocking condition attached to a successful result.
type Warning struct {
	Code         WarningCode
	BudgetItemID BudgetItemID
	BudgetCode   string
	Available    decimal.Decimal
	Message      string
}

func overBudgetWarning(item BudgetItem) Warning {
	return Warning{
		Code:         WarningNowOverBudget,
		BudgetItemID: item.ID,
		BudgetCode:   item.Code,
		Available:    item.Available(),
		Message: fmt.Sprintf("%s is now over budget by %s",
			item.Code, formatMoney(item.Available().Neg())),
	}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyTimeout) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to the request, not the engine.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrNoteRequired) ||
		errors.Is(err, ErrNotEditable) ||
		errors.Is(err, ErrInsufficientBudget) ||
		errors.Is(err, ErrOverrideNotPermitted) ||
		errors.Is(err, ErrDuplicateBudgetCode) ||
		errors.Is(err, ErrBudgetItemInUse)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBudgetItemNotFound) ||
		errors.Is(err, ErrPurchaseOrderNotFound) ||
		errors.Is(err, ErrReceiptNotFound) ||
		errors.Is(err, ErrAmendmentNotFound)
}

func requireText(field, s string) error {
	if strings.TrimSpace(s) == "" {
		return invalid(field, "is required")
	}
	return nil
}
