package budget

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventStatusChanged     EventType = "po.status_changed"
	EventThresholdApproach EventType = "budget.threshold_approach"
	EventOverBudget        EventType = "budget.over_budget"
)

// Event is what the notification collaborator receives. Only the fields
// relevant to the event type are set.
type Event struct {
	Type EventType `json:"type"`
	At   time.Time `json:"at"`

	PurchaseOrderID PurchaseOrderID `json:"purchase_order_id,omitempty"`
	PONumber        int64           `json:"po_number,omitempty"`
	From            POStatus        `json:"from,omitempty"`
	To              POStatus        `json:"to,omitempty"`
	Note            string          `json:"note,omitempty"`

	BudgetItemID BudgetItemID     `json:"budget_item_id,omitempty"`
	BudgetCode   string           `json:"budget_code,omitempty"`
	Utilization  *decimal.Decimal `json:"utilization_percent,omitempty"`
	Available    *decimal.Decimal `json:"available,omitempty"`

	ActorID string `json:"actor_id,omitempty"`
}

// Notifier receives engine events. Implementations must not assume the
// caller waits on or reacts to the returned error.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

type NotifierFunc func(ctx context.Context, e Event) error

func (f NotifierFunc) Notify(ctx context.Context, e Event) error { return f(ctx, e) }

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) error { return nil }

// budgetEvents compares item state before and after a posting and reports
// threshold crossings. Each condition fires once, on the posting that crosses it.
func budgetEvents(before, after BudgetItem, warnPercent decimal.Decimal, actor Actor, at time.Time) []Event {
	var events []Event
	util := after.Utilization()
	avail := after.Available()

	if after.IsOverBudget() && !before.IsOverBudget() {
		events = append(events, Event{
			Type: EventOverBudget, At: at,
			BudgetItemID: after.ID, BudgetCode: after.Code,
			Utilization: &util, Available: &avail, ActorID: actor.ID,
		})
		return events
	}
	if warnPercent.IsPositive() &&
		util.GreaterThanOrEqual(warnPercent) &&
		before.Utilization().LessThan(warnPercent) {
		events = append(events, Event{
			Type: EventThresholdApproach, At: at,
			BudgetItemID: after.ID, BudgetCode: after.Code,
			Utilization: &util, Available: &avail, ActorID: actor.ID,
		})
	}
	return events
}
