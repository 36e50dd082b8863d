package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/procurement-engine/budget"
)

func statusEvent() budget.Event {
	return budget.Event{
		Type:            budget.EventStatusChanged,
		At:              time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		PurchaseOrderID: "po-1",
		PONumber:        7,
		From:            budget.StatusPendingApproval,
		To:              budget.StatusApproved,
		ActorID:         "system",
	}
}

func TestWebhook_PostsEventAsJSON(t *testing.T) {
	// GIVEN: A receiving server
	var (
		mu      sync.Mutex
		gotType string
		gotCT   string
		got     map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotType = r.Header.Get("X-Event-Type")
		gotCT = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	// WHEN: Notifying
	err := NewWebhook(WebhookOptions{URL: srv.URL}).Notify(context.Background(), statusEvent())

	// THEN: The event arrives intact
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "po.status_changed", gotType)
	assert.Equal(t, "application/json", gotCT)
	assert.Equal(t, "po-1", got["purchase_order_id"])
	assert.Equal(t, "APPROVED", got["to"])
	assert.EqualValues(t, 7, got["po_number"])
	assert.NotContains(t, got, "budget_item_id")
}

func TestWebhook_Non2xxIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(WebhookOptions{URL: srv.URL}).Notify(context.Background(), statusEvent())

	assert.ErrorContains(t, err, "502")
}

func TestWebhook_RateLimitDropsExcess(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
	}))
	defer srv.Close()
	hook := NewWebhook(WebhookOptions{URL: srv.URL, PerSecond: 0.001, Burst: 2})

	var errs []error
	for range 4 {
		errs = append(errs, hook.Notify(context.Background(), statusEvent()))
	}

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.ErrorIs(t, errs[2], ErrRateLimited)
	assert.ErrorIs(t, errs[3], ErrRateLimited)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
}

func TestWebhook_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := NewWebhook(WebhookOptions{URL: url, Timeout: time.Second}).Notify(context.Background(), statusEvent())

	assert.Error(t, err)
}

func TestLog_WritesStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	util := budget.MustAmount("104.5")

	err := NewLog(logger).Notify(context.Background(), budget.Event{
		Type: budget.EventOverBudget, BudgetItemID: "b1", BudgetCode: "TRAVEL-01", Utilization: &util,
	})

	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "budget.over_budget", rec["event"])
	assert.Equal(t, "TRAVEL-01", rec["code"])
	assert.Equal(t, "104.5", rec["utilization"])
}

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	first := errors.New("first")
	var delivered []string
	m := Multi{
		budget.NotifierFunc(func(context.Context, budget.Event) error {
			delivered = append(delivered, "a")
			return first
		}),
		budget.NotifierFunc(func(context.Context, budget.Event) error {
			delivered = append(delivered, "b")
			return nil
		}),
	}

	err := m.Notify(context.Background(), statusEvent())

	assert.ErrorIs(t, err, first)
	assert.Equal(t, []string{"a", "b"}, delivered)
	assert.NoError(t, Multi{}.Notify(context.Background(), statusEvent()))
}
