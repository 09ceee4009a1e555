// Package events publishes escrow domain events after their unit of work commits.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	EscrowOpened             = "escrow.opened"
	EscrowScheduleDefined    = "escrow.schedule_defined"
	EscrowCaptureRequested   = "escrow.capture_requested"
	EscrowFunded             = "escrow.funded"
	EscrowMilestoneCompleted = "escrow.milestone_completed"
	EscrowReleaseRequested   = "escrow.release_requested"
	EscrowRefundRequested    = "escrow.refund_requested"
	EscrowSettled            = "escrow.settled"
	DisputeRaised            = "dispute.raised"
	DisputeUpdated           = "dispute.updated"
	DisputeResolved          = "dispute.resolved"
)

type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	AccountID  string    `json:"account_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data,omitempty"`
}

func New(eventType, accountID string, at time.Time, data any) Event {
	return Event{ID: uuid.NewString(), Type: eventType, AccountID: accountID, OccurredAt: at, Data: data}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout delivers to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types lists recorded event types in publish order.
func (r *Recorder) Types() []string {
	var out []string
	for _, ev := range r.Events() {
		out = append(out, ev.Type)
	}
	return out
}
