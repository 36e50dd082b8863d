/*
Package sqlite provides a SQLite-backed implementation of budget.TxStore.

PURPOSE:
  Persists budget items, the append-only ledger, amendments, purchase orders
  with their line items and status history, and mirrored receipts.

APPEND-ONLY ENFORCEMENT:
  - ledger_entries, budget_amendments and po_status_changes are only ever
    INSERTed; there is no UPDATE or DELETE path for them
  - ledger_entries.idempotency_key is UNIQUE, so a retried posting can never
    be stored twice even if the engine's own check were bypassed

KEY TABLES:
  budget_items:       Allocation ceiling plus encumbered / actual spent
  ledger_entries:     Immutable record of every posting
  budget_amendments:  Immutable INCREASE / DECREASE / TRANSFER_* rows
  purchase_orders:    PO header, stamps as JSON
  po_line_items:      PO lines, replaced wholesale while DRAFT
  po_status_changes:  One row per transition
  receipts:           Receipts mirrored from the receipts collaborator

MONEY:
  Every amount is stored as the decimal's exact string form in a TEXT
  column. Nothing is ever stored as REAL.

CONCURRENCY:
  WithTx is serialized with a mutex and runs in one sql.Tx. The engine holds
  its per-item locks around WithTx; the mutex only keeps SQLite from seeing
  two writers at once. ":memory:" databases are pinned to one connection so
  every query sees the same database.

USAGE:
  store, err := sqlite.New("./data/procurement.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := budget.NewEngine(store, budget.DefaultPolicy())

SEE ALSO:
  - budget/store.go: Interface definitions
  - budget/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/procurement-engine/budget"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements budget.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
	conn
}

var _ budget.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, conn: conn{q: db}}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the schema. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS budget_items (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		fiscal_year INTEGER NOT NULL,
		budget_amount TEXT NOT NULL,
		encumbered TEXT NOT NULL,
		actual_spent TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (code, fiscal_year)
	);

	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		budget_item_id TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		requested TEXT NOT NULL,
		applied TEXT NOT NULL,
		reference_id TEXT,
		token TEXT,
		idempotency_key TEXT UNIQUE,
		reason TEXT,
		over_budget_authorized INTEGER NOT NULL DEFAULT 0,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_item
		ON ledger_entries(budget_item_id, seq);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_reference
		ON ledger_entries(reference_id) WHERE reference_id IS NOT NULL;

	-- Amendments (append-only)
	CREATE TABLE IF NOT EXISTS budget_amendments (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		budget_item_id TEXT NOT NULL,
		amendment_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		reason TEXT NOT NULL,
		fiscal_year INTEGER NOT NULL,
		previous_amount TEXT NOT NULL,
		new_amount TEXT NOT NULL,
		transfer_id TEXT,
		related_amendment_id TEXT,
		from_budget_item_id TEXT,
		to_budget_item_id TEXT,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_amendments_item
		ON budget_amendments(budget_item_id);
	CREATE INDEX IF NOT EXISTS idx_amendments_transfer
		ON budget_amendments(transfer_id) WHERE transfer_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_amendments_type_year
		ON budget_amendments(amendment_type, fiscal_year);

	-- Purchase orders
	CREATE TABLE IF NOT EXISTS purchase_orders (
		id TEXT PRIMARY KEY,
		number INTEGER NOT NULL UNIQUE,
		po_date TEXT NOT NULL,
		vendor_id TEXT NOT NULL DEFAULT '',
		vendor_name TEXT NOT NULL,
		requester_json TEXT NOT NULL,
		department TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		total TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		stamps_json TEXT NOT NULL,
		auto_approved INTEGER NOT NULL DEFAULT 0,
		auto_approval_note TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_purchase_orders_status
		ON purchase_orders(status);
	CREATE INDEX IF NOT EXISTS idx_purchase_orders_vendor
		ON purchase_orders(vendor_id);

	CREATE TABLE IF NOT EXISTS po_line_items (
		id TEXT PRIMARY KEY,
		purchase_order_id TEXT NOT NULL REFERENCES purchase_orders(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		description TEXT NOT NULL,
		amount TEXT NOT NULL,
		budget_item_id TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_po_line_items_po
		ON po_line_items(purchase_order_id, position);
	CREATE INDEX IF NOT EXISTS idx_po_line_items_budget_item
		ON po_line_items(budget_item_id);

	-- Status history (append-only)
	CREATE TABLE IF NOT EXISTS po_status_changes (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		purchase_order_id TEXT NOT NULL,
		from_status TEXT NOT NULL DEFAULT '',
		to_status TEXT NOT NULL,
		actor_json TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		auto INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_po_status_changes_po
		ON po_status_changes(purchase_order_id, seq);

	-- Receipts (mirrored)
	CREATE TABLE IF NOT EXISTS receipts (
		id TEXT PRIMARY KEY,
		vendor_id TEXT NOT NULL DEFAULT '',
		vendor_name TEXT NOT NULL DEFAULT '',
		total TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		receipt_date TEXT NOT NULL,
		file_ref TEXT NOT NULL DEFAULT '',
		purchase_order_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_receipts_po
		ON receipts(purchase_order_id) WHERE purchase_order_id IS NOT NULL;
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(budget.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"po_status_changes", "po_line_items", "purchase_orders",
		"ledger_entries", "budget_amendments", "receipts", "budget_items",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// CONN - Queries shared by Store and its transactions
// =============================================================================

type conn struct {
	q querier
}

// =============================================================================
// BUDGET ITEMS
// =============================================================================

const budgetItemColumns = `id, code, description, fiscal_year, budget_amount, encumbered, actual_spent, created_at, updated_at`

func (c *conn) GetBudgetItem(ctx context.Context, id budget.BudgetItemID) (*budget.BudgetItem, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+budgetItemColumns+` FROM budget_items WHERE id = ?`, id)
	item, err := scanBudgetItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", budget.ErrBudgetItemNotFound, id)
	}
	return item, err
}

func (c *conn) GetBudgetItemByCode(ctx context.Context, code string, fiscalYear int) (*budget.BudgetItem, error) {
	row := c.q.QueryRowContext(ctx,
		`SELECT `+budgetItemColumns+` FROM budget_items WHERE code = ? AND fiscal_year = ?`, code, fiscalYear)
	item, err := scanBudgetItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s (%d)", budget.ErrBudgetItemNotFound, code, fiscalYear)
	}
	return item, err
}

func (c *conn) ListBudgetItems(ctx context.Context, f budget.BudgetItemFilter) ([]budget.BudgetItem, int, error) {
	var w where
	if f.FiscalYear != 0 {
		w.add("fiscal_year = ?", f.FiscalYear)
	}

	total, err := c.count(ctx, "budget_items", w)
	if err != nil {
		return nil, 0, err
	}
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+budgetItemColumns+` FROM budget_items`+w.sql()+` ORDER BY fiscal_year DESC, code ASC`+limitClause(f.Page),
		w.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query budget items: %w", err)
	}
	defer rows.Close()

	var items []budget.BudgetItem
	for rows.Next() {
		item, err := scanBudgetItem(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, *item)
	}
	return items, total, rows.Err()
}

func (c *conn) SaveBudgetItem(ctx context.Context, item budget.BudgetItem) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO budget_items (`+budgetItemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			description = excluded.description,
			fiscal_year = excluded.fiscal_year,
			budget_amount = excluded.budget_amount,
			encumbered = excluded.encumbered,
			actual_spent = excluded.actual_spent,
			updated_at = excluded.updated_at
	`,
		item.ID, item.Code, item.Description, item.FiscalYear,
		item.BudgetAmount.String(), item.Encumbered.String(), item.ActualSpent.String(),
		formatTime(item.CreatedAt), formatTime(item.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %s (%d)", budget.ErrDuplicateBudgetCode, item.Code, item.FiscalYear)
	}
	if err != nil {
		return fmt.Errorf("failed to save budget item: %w", err)
	}
	return nil
}

func (c *conn) DeleteBudgetItem(ctx context.Context, id budget.BudgetItemID) error {
	res, err := c.q.ExecContext(ctx, `DELETE FROM budget_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete budget item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", budget.ErrBudgetItemNotFound, id)
	}
	return nil
}

func scanBudgetItem(row scanner) (*budget.BudgetItem, error) {
	var (
		item                 budget.BudgetItem
		amount, enc, spent   string
		createdAt, updatedAt string
	)
	if err := row.Scan(&item.ID, &item.Code, &item.Description, &item.FiscalYear,
		&amount, &enc, &spent, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan budget item: %w", err)
	}
	item.BudgetAmount = parseDecimal(amount)
	item.Encumbered = parseDecimal(enc)
	item.ActualSpent = parseDecimal(spent)
	item.CreatedAt = parseTime(createdAt)
	item.UpdatedAt = parseTime(updatedAt)
	return &item, nil
}

// =============================================================================
// LEDGER ENTRIES (append-only)
// =============================================================================

func (c *conn) AppendEntries(ctx context.Context, entries []budget.LedgerEntry) error {
	for _, e := range entries {
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO ledger_entries
			(id, budget_item_id, entry_type, requested, applied, reference_id, token,
			 idempotency_key, reason, over_budget_authorized, created_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			e.ID, e.BudgetItemID, e.Type, e.Requested.String(), e.Applied.String(),
			nullString(e.ReferenceID), nullString(e.Token), nullString(e.IdempotencyKey),
			nullString(e.Reason), e.OverBudgetAuthorized, e.CreatedBy, formatTime(e.CreatedAt),
		)
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", budget.ErrDuplicateIdempotencyKey, e.IdempotencyKey)
		}
		if err != nil {
			return fmt.Errorf("failed to append ledger entry: %w", err)
		}
	}
	return nil
}

func (c *conn) EntryExists(ctx context.Context, key string) (bool, error) {
	var count int
	err := c.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE idempotency_key = ?`, key,
	).Scan(&count)
	return count > 0, err
}

func (c *conn) ListEntries(ctx context.Context, id budget.BudgetItemID) ([]budget.LedgerEntry, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, budget_item_id, entry_type, requested, applied, reference_id, token,
		       idempotency_key, reason, over_budget_authorized, created_by, created_at
		FROM ledger_entries
		WHERE budget_item_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []budget.LedgerEntry
	for rows.Next() {
		var (
			e                       budget.LedgerEntry
			requested, applied      string
			ref, token, key, reason sql.NullString
			createdAt               string
		)
		if err := rows.Scan(&e.ID, &e.BudgetItemID, &e.Type, &requested, &applied,
			&ref, &token, &key, &reason, &e.OverBudgetAuthorized, &e.CreatedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Requested = parseDecimal(requested)
		e.Applied = parseDecimal(applied)
		e.ReferenceID = ref.String
		e.Token = token.String
		e.IdempotencyKey = key.String
		e.Reason = reason.String
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// AMENDMENTS (append-only)
// =============================================================================

const amendmentColumns = `id, budget_item_id, amendment_type, amount, reason, fiscal_year,
	previous_amount, new_amount, transfer_id, related_amendment_id,
	from_budget_item_id, to_budget_item_id, created_by, created_at`

func (c *conn) AppendAmendments(ctx context.Context, rows []budget.BudgetAmendment) error {
	for _, a := range rows {
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO budget_amendments (`+amendmentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			a.ID, a.BudgetItemID, a.Type, a.Amount.String(), a.Reason, a.FiscalYear,
			a.PreviousAmount.String(), a.NewAmount.String(),
			nullString(string(a.TransferID)), nullString(string(a.RelatedAmendmentID)),
			nullString(string(a.FromBudgetItemID)), nullString(string(a.ToBudgetItemID)),
			a.CreatedBy, formatTime(a.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to append amendment: %w", err)
		}
	}
	return nil
}

func (c *conn) GetAmendment(ctx context.Context, id budget.AmendmentID) (*budget.BudgetAmendment, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT `+amendmentColumns+` FROM budget_amendments WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query amendment: %w", err)
	}
	found, err := scanAmendments(rows)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: %s", budget.ErrAmendmentNotFound, id)
	}
	return &found[0], nil
}

func (c *conn) ListAmendments(ctx context.Context, f budget.AmendmentFilter) ([]budget.BudgetAmendment, int, error) {
	var w where
	if f.BudgetItemID != "" {
		w.add("budget_item_id = ?", f.BudgetItemID)
	}
	if f.Type != "" {
		w.add("amendment_type = ?", f.Type)
	}
	if f.FiscalYear != 0 {
		w.add("fiscal_year = ?", f.FiscalYear)
	}
	if f.TransferID != "" {
		w.add("transfer_id = ?", f.TransferID)
	}

	total, err := c.count(ctx, "budget_amendments", w)
	if err != nil {
		return nil, 0, err
	}
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+amendmentColumns+` FROM budget_amendments`+w.sql()+` ORDER BY seq DESC`+limitClause(f.Page),
		w.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query amendments: %w", err)
	}
	found, err := scanAmendments(rows)
	return found, total, err
}

func scanAmendments(rows *sql.Rows) ([]budget.BudgetAmendment, error) {
	defer rows.Close()

	var out []budget.BudgetAmendment
	for rows.Next() {
		var (
			a                                 budget.BudgetAmendment
			amount, previous, next, createdAt string
			transfer, related, from, to       sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.BudgetItemID, &a.Type, &amount, &a.Reason, &a.FiscalYear,
			&previous, &next, &transfer, &related, &from, &to, &a.CreatedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan amendment: %w", err)
		}
		a.Amount = parseDecimal(amount)
		a.PreviousAmount = parseDecimal(previous)
		a.NewAmount = parseDecimal(next)
		a.TransferID = budget.TransferID(transfer.String)
		a.RelatedAmendmentID = budget.AmendmentID(related.String)
		a.FromBudgetItemID = budget.BudgetItemID(from.String)
		a.ToBudgetItemID = budget.BudgetItemID(to.String)
		a.CreatedAt = parseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// PURCHASE ORDERS
// =============================================================================

// stamps is the JSON shape of a PO's action stamps.
type stamps struct {
	Submitted *budget.ActionStamp `json:"submitted,omitempty"`
	Approved  *budget.ActionStamp `json:"approved,omitempty"`
	Rejected  *budget.ActionStamp `json:"rejected,omitempty"`
	Completed *budget.ActionStamp `json:"completed,omitempty"`
	Voided    *budget.ActionStamp `json:"voided,omitempty"`
}

const poColumns = `id, number, po_date, vendor_id, vendor_name, requester_json, department, status,
	total, notes, stamps_json, auto_approved, auto_approval_note, version, created_at, updated_at`

func (c *conn) NextPONumber(ctx context.Context) (int64, error) {
	var n int64
	err := c.q.QueryRowContext(ctx, `SELECT COALESCE(MAX(number), 0) + 1 FROM purchase_orders`).Scan(&n)
	return n, err
}

func (c *conn) SavePurchaseOrder(ctx context.Context, po budget.PurchaseOrder) error {
	requester, err := json.Marshal(po.Requester)
	if err != nil {
		return err
	}
	st, err := json.Marshal(stamps{
		Submitted: po.Submitted,
		Approved:  po.Approved,
		Rejected:  po.Rejected,
		Completed: po.Completed,
		Voided:    po.Voided,
	})
	if err != nil {
		return err
	}

	_, err = c.q.ExecContext(ctx, `
		INSERT INTO purchase_orders (`+poColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			po_date = excluded.po_date,
			vendor_id = excluded.vendor_id,
			vendor_name = excluded.vendor_name,
			department = excluded.department,
			status = excluded.status,
			total = excluded.total,
			notes = excluded.notes,
			stamps_json = excluded.stamps_json,
			auto_approved = excluded.auto_approved,
			auto_approval_note = excluded.auto_approval_note,
			version = excluded.version,
			updated_at = excluded.updated_at
	`,
		po.ID, po.Number, formatTime(po.Date), po.VendorID, po.VendorName, string(requester),
		po.Department, po.Status, po.Total.String(), po.Notes, string(st),
		po.AutoApproved, po.AutoApprovalNote, po.Version,
		formatTime(po.CreatedAt), formatTime(po.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save purchase order: %w", err)
	}

	if _, err := c.q.ExecContext(ctx, `DELETE FROM po_line_items WHERE purchase_order_id = ?`, po.ID); err != nil {
		return fmt.Errorf("failed to replace line items: %w", err)
	}
	for i, l := range po.Lines {
		_, err := c.q.ExecContext(ctx, `
			INSERT INTO po_line_items (id, purchase_order_id, position, description, amount, budget_item_id)
			VALUES (?, ?, ?, ?, ?, ?)
		`, l.ID, po.ID, i, l.Description, l.Amount.String(), l.BudgetItemID)
		if err != nil {
			return fmt.Errorf("failed to save line item: %w", err)
		}
	}
	return nil
}

func (c *conn) GetPurchaseOrder(ctx context.Context, id budget.PurchaseOrderID) (*budget.PurchaseOrder, error) {
	pos, err := c.queryPurchaseOrders(ctx, `SELECT `+poColumns+` FROM purchase_orders WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(pos) == 0 {
		return nil, fmt.Errorf("%w: %s", budget.ErrPurchaseOrderNotFound, id)
	}
	return &pos[0], nil
}

func (c *conn) ListPurchaseOrders(ctx context.Context, f budget.PurchaseOrderFilter) ([]budget.PurchaseOrder, int, error) {
	var w where
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		args := make([]any, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args[i] = s
		}
		w.add("status IN ("+strings.Join(marks, ", ")+")", args...)
	}
	if f.Department != "" {
		w.add("department = ?", f.Department)
	}
	if f.VendorID != "" {
		w.add("vendor_id = ?", f.VendorID)
	}
	if f.BudgetItemID != "" {
		w.add("id IN (SELECT purchase_order_id FROM po_line_items WHERE budget_item_id = ?)", f.BudgetItemID)
	}

	total, err := c.count(ctx, "purchase_orders", w)
	if err != nil {
		return nil, 0, err
	}
	pos, err := c.queryPurchaseOrders(ctx,
		`SELECT `+poColumns+` FROM purchase_orders`+w.sql()+` ORDER BY number DESC`+limitClause(f.Page),
		w.args...)
	return pos, total, err
}

func (c *conn) queryPurchaseOrders(ctx context.Context, query string, args ...any) ([]budget.PurchaseOrder, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchase orders: %w", err)
	}

	var pos []budget.PurchaseOrder
	for rows.Next() {
		var (
			po                                budget.PurchaseOrder
			date, total, createdAt, updatedAt string
			requesterJSON, stampsJSON         string
		)
		if err := rows.Scan(&po.ID, &po.Number, &date, &po.VendorID, &po.VendorName, &requesterJSON,
			&po.Department, &po.Status, &total, &po.Notes, &stampsJSON,
			&po.AutoApproved, &po.AutoApprovalNote, &po.Version, &createdAt, &updatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan purchase order: %w", err)
		}
		po.Date = parseTime(date)
		po.Total = parseDecimal(total)
		po.CreatedAt = parseTime(createdAt)
		po.UpdatedAt = parseTime(updatedAt)
		if err := json.Unmarshal([]byte(requesterJSON), &po.Requester); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to decode requester: %w", err)
		}
		var st stamps
		if err := json.Unmarshal([]byte(stampsJSON), &st); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to decode stamps: %w", err)
		}
		po.Submitted, po.Approved, po.Rejected, po.Completed, po.Voided =
			st.Submitted, st.Approved, st.Rejected, st.Completed, st.Voided
		pos = append(pos, po)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Lines are loaded after the header cursor is closed; with a single
	// connection a nested query would otherwise wait on itself.
	for i := range pos {
		lines, err := c.lineItems(ctx, pos[i].ID)
		if err != nil {
			return nil, err
		}
		pos[i].Lines = lines
	}
	return pos, nil
}

func (c *conn) lineItems(ctx context.Context, id budget.PurchaseOrderID) ([]budget.LineItem, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, description, amount, budget_item_id
		FROM po_line_items
		WHERE purchase_order_id = ?
		ORDER BY position ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query line items: %w", err)
	}
	defer rows.Close()

	var lines []budget.LineItem
	for rows.Next() {
		var (
			l      budget.LineItem
			amount string
		)
		if err := rows.Scan(&l.ID, &l.Description, &amount, &l.BudgetItemID); err != nil {
			return nil, fmt.Errorf("failed to scan line item: %w", err)
		}
		l.Amount = parseDecimal(amount)
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// =============================================================================
// STATUS CHANGES (append-only)
// =============================================================================

func (c *conn) AppendStatusChange(ctx context.Context, ch budget.StatusChange) error {
	actor, err := json.Marshal(ch.Actor)
	if err != nil {
		return err
	}
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO po_status_changes (id, purchase_order_id, from_status, to_status, actor_json, note, auto, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ch.ID, ch.PurchaseOrderID, ch.From, ch.To, string(actor), ch.Note, ch.Auto, formatTime(ch.At))
	if err != nil {
		return fmt.Errorf("failed to append status change: %w", err)
	}
	return nil
}

func (c *conn) ListStatusChanges(ctx context.Context, id budget.PurchaseOrderID) ([]budget.StatusChange, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, purchase_order_id, from_status, to_status, actor_json, note, auto, created_at
		FROM po_status_changes
		WHERE purchase_order_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query status changes: %w", err)
	}
	defer rows.Close()

	var changes []budget.StatusChange
	for rows.Next() {
		var (
			ch            budget.StatusChange
			actorJSON, at string
		)
		if err := rows.Scan(&ch.ID, &ch.PurchaseOrderID, &ch.From, &ch.To, &actorJSON, &ch.Note, &ch.Auto, &at); err != nil {
			return nil, fmt.Errorf("failed to scan status change: %w", err)
		}
		if err := json.Unmarshal([]byte(actorJSON), &ch.Actor); err != nil {
			return nil, fmt.Errorf("failed to decode actor: %w", err)
		}
		ch.At = parseTime(at)
		changes = append(changes, ch)
	}
	return changes, rows.Err()
}

// =============================================================================
// RECEIPTS
// =============================================================================

const receiptColumns = `id, vendor_id, vendor_name, total, currency, status, receipt_date, file_ref,
	purchase_order_id, created_at, updated_at`

func (c *conn) SaveReceipt(ctx context.Context, r budget.Receipt) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO receipts (`+receiptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			vendor_id = excluded.vendor_id,
			vendor_name = excluded.vendor_name,
			total = excluded.total,
			currency = excluded.currency,
			status = excluded.status,
			receipt_date = excluded.receipt_date,
			file_ref = excluded.file_ref,
			purchase_order_id = excluded.purchase_order_id,
			updated_at = excluded.updated_at
	`,
		r.ID, r.VendorID, r.VendorName, r.Total.String(), r.Currency, r.Status,
		formatTime(r.Date), r.FileRef, nullString(string(r.PurchaseOrderID)),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save receipt: %w", err)
	}
	return nil
}

func (c *conn) GetReceipt(ctx context.Context, id budget.ReceiptID) (*budget.Receipt, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipt: %w", err)
	}
	found, err := scanReceipts(rows)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: %s", budget.ErrReceiptNotFound, id)
	}
	return &found[0], nil
}

func (c *conn) ListReceipts(ctx context.Context, f budget.ReceiptFilter) ([]budget.Receipt, int, error) {
	var w where
	if f.PurchaseOrderID != "" {
		w.add("purchase_order_id = ?", f.PurchaseOrderID)
	}
	if f.UnlinkedOnly {
		w.add("purchase_order_id IS NULL")
	}

	total, err := c.count(ctx, "receipts", w)
	if err != nil {
		return nil, 0, err
	}
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+receiptColumns+` FROM receipts`+w.sql()+` ORDER BY receipt_date DESC, id ASC`+limitClause(f.Page),
		w.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query receipts: %w", err)
	}
	found, err := scanReceipts(rows)
	return found, total, err
}

func scanReceipts(rows *sql.Rows) ([]budget.Receipt, error) {
	defer rows.Close()

	var out []budget.Receipt
	for rows.Next() {
		var (
			r                                 budget.Receipt
			total, date, createdAt, updatedAt string
			po                                sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.VendorID, &r.VendorName, &total, &r.Currency, &r.Status,
			&date, &r.FileRef, &po, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		r.Total = parseDecimal(total)
		r.Date = parseTime(date)
		r.PurchaseOrderID = budget.PurchaseOrderID(po.String)
		r.CreatedAt = parseTime(createdAt)
		r.UpdatedAt = parseTime(updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

// where accumulates AND-ed conditions.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w where) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (c *conn) count(ctx context.Context, table string, w where) (int, error) {
	var n int
	if err := c.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+w.sql(), w.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

func limitClause(p budget.PageRequest) string {
	if p.Limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", p.Limit, p.Offset())
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
