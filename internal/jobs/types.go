// Package jobs runs the escrow background work on asynq: delayed webhook retries and the
// periodic sweeps.
package jobs

// Task type constants
const (
	TaskWebhookRetry         = "webhook:retry_event"
	TaskRetryUnmatched       = "webhook:retry_unmatched"
	TaskAutoReleaseSweep     = "escrow:auto_release_sweep"
	TaskDisputeDeadlineSweep = "dispute:deadline_sweep"
)

// Queues
const (
	QueueWebhooks = "webhooks"
	QueueSweeps   = "sweeps"
)

type WebhookRetryPayload struct {
	EventID string `json:"event_id"`
}
