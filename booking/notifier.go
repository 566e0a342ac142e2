package booking

import (
	"context"
	"time"

	"github.com/warp/settlement-engine/ledger"
)

type EventType string

const (
	EventCreated   EventType = "booking.created"
	EventConfirmed EventType = "booking.confirmed"
	EventRejected  EventType = "booking.rejected"
	EventRefunded  EventType = "booking.refunded"
	EventCompleted EventType = "booking.completed"
)

// Event is emitted after a lifecycle unit of work has committed.
type Event struct {
	Type        EventType
	Booking     Booking
	Transaction *ledger.Transaction // ledger row written by the transition, if any
	OccurredAt  time.Time
}

// Notifier is told about committed transitions. Delivery is best effort and
// never affects settlement.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) {}

// Notifiers fans one event out to several notifiers, in order.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, e Event) {
	for _, n := range ns {
		n.Notify(ctx, e)
	}
}
