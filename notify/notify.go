/*
Package notify provides budget.Notifier implementations.

  Log:     writes every event to a slog.Logger
  Webhook: POSTs events as JSON to a URL, rate limited
  Multi:   fans one event out to several notifiers

The engine treats notifiers as fire-and-forget. These implementations still
return errors so the engine can log them.
*/
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/warp/procurement-engine/budget"
)

// =============================================================================
// LOG
// =============================================================================

type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Notify(ctx context.Context, e budget.Event) error {
	attrs := []any{"event", e.Type}
	if e.PurchaseOrderID != "" {
		attrs = append(attrs, "po", e.PurchaseOrderID, "number", e.PONumber, "from", e.From, "to", e.To)
	}
	if e.BudgetItemID != "" {
		attrs = append(attrs, "budget_item", e.BudgetItemID, "code", e.BudgetCode)
	}
	if e.Utilization != nil {
		attrs = append(attrs, "utilization", e.Utilization.String())
	}
	if e.ActorID != "" {
		attrs = append(attrs, "actor", e.ActorID)
	}

	level := slog.LevelInfo
	if e.Type == budget.EventOverBudget {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, "notification", attrs...)
	return nil
}

// =============================================================================
// WEBHOOK
// =============================================================================

var ErrRateLimited = errors.New("notification dropped: rate limit exceeded")

type WebhookOptions struct {
	URL     string
	Timeout time.Duration
	// PerSecond and Burst bound outgoing requests. Events over the limit are
	// dropped rather than queued.
	PerSecond float64
	Burst     int
}

type Webhook struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

func NewWebhook(opts WebhookOptions) *Webhook {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	limit := rate.Inf
	if opts.PerSecond > 0 {
		limit = rate.Limit(opts.PerSecond)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Webhook{
		url:     opts.URL,
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(limit, opts.Burst),
	}
}

func (w *Webhook) Notify(ctx context.Context, e budget.Event) error {
	if !w.limiter.Allow() {
		return ErrRateLimited
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", string(e.Type))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", e.Type, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: unexpected status %d", e.Type, resp.StatusCode)
	}
	return nil
}

// =============================================================================
// MULTI
// =============================================================================

type Multi []budget.Notifier

// Notify delivers to every notifier and joins their errors.
func (m Multi) Notify(ctx context.Context, e budget.Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
