package budget

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Engine bundles the five components over one store and one lock manager.
type Engine struct {
	Ledger         *Ledger
	Amendments     *AmendmentProcessor
	PurchaseOrders *PurchaseOrderService
	Reconciliation *Reconciler
}

// Option configures the dependencies shared by all components.
type Option func(*deps)

// deps is shared by every component of one Engine.
type deps struct {
	store       TxStore
	locks       *LockManager
	logger      *slog.Logger
	notifier    Notifier
	cache       SummaryCache
	clock       func() time.Time
	newID       func() string
	lockTimeout time.Duration
	policy      Policy

	// summaryGen counts summary cache invalidations. A summary computed
	// while one ran is returned but not cached.
	summaryMu  sync.RWMutex
	summaryGen uint64
}

const DefaultLockTimeout = 5 * time.Second

func WithLogger(l *slog.Logger) Option { return func(d *deps) { d.logger = l } }

func WithNotifier(n Notifier) Option { return func(d *deps) { d.notifier = n } }

func WithSummaryCache(c SummaryCache) Option { return func(d *deps) { d.cache = c } }

func WithClock(clock func() time.Time) Option { return func(d *deps) { d.clock = clock } }

func WithIDGenerator(fn func() string) Option { return func(d *deps) { d.newID = fn } }

// WithLockTimeout bounds every lock wait. Values <= 0 keep DefaultLockTimeout.
func WithLockTimeout(t time.Duration) Option {
	return func(d *deps) {
		if t > 0 {
			d.lockTimeout = t
		}
	}
}

// WithLockManager lets several engines in one process share locks.
func WithLockManager(m *LockManager) Option { return func(d *deps) { d.locks = m } }

// NewEngine wires the ledger, amendment processor, PO state machine and
// reconciler over the given store.
func NewEngine(store TxStore, policy Policy, opts ...Option) *Engine {
	d := &deps{
		store:       store,
		locks:       NewLockManager(),
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		notifier:    NopNotifier{},
		cache:       NopSummaryCache{},
		clock:       func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
		lockTimeout: DefaultLockTimeout,
		policy:      policy.withDefaults(),
	}
	for _, opt := range opts {
		opt(d)
	}

	ledger := &Ledger{deps: d}
	return &Engine{
		Ledger:         ledger,
		Amendments:     &AmendmentProcessor{deps: d, ledger: ledger},
		PurchaseOrders: &PurchaseOrderService{deps: d, ledger: ledger},
		Reconciliation: &Reconciler{deps: d},
	}
}

// Policy returns the policy the engine was built with.
func (e *Engine) Policy() Policy { return e.Ledger.policy }

// locked runs fn while holding every key.
func (d *deps) locked(ctx context.Context, keys []string, fn func() error) error {
	unlock, err := d.locks.Acquire(ctx, d.lockTimeout, keys...)
	if err != nil {
		d.logger.Warn("lock acquisition failed", "keys", keys, "error", err)
		return err
	}
	defer unlock()
	return fn()
}

// notify is fire-and-forget: a failing or panicking notifier is logged and
// never reaches the caller.
func (d *deps) notify(ctx context.Context, events ...Event) {
	for _, e := range events {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("notifier panicked", "event", e.Type, "panic", r)
				}
			}()
			if err := d.notifier.Notify(context.WithoutCancel(ctx), e); err != nil {
				d.logger.Warn("notification failed", "event", e.Type, "error", err)
			}
		}()
	}
}
