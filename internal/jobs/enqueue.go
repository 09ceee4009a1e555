package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

// Client enqueues escrow tasks. It implements webhook.RetryScheduler.
type Client struct {
	client *asynq.Client
}

func NewClient(opt asynq.RedisConnOpt) *Client {
	return &Client{client: asynq.NewClient(opt)}
}

// ScheduleRetry re-drives one unmatched webhook event after delay. A retry already queued for
// the event is left in place.
func (c *Client) ScheduleRetry(ctx context.Context, eventID string, delay time.Duration) error {
	task, err := newRetryTask(eventID)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueWebhooks),
		asynq.ProcessIn(delay),
		asynq.MaxRetry(12),
		asynq.TaskID("webhook-retry:"+eventID),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}

// EnqueueSweep runs one sweep task now; escrowctl uses it to trigger a sweep on the workers.
func (c *Client) EnqueueSweep(ctx context.Context, taskType string) error {
	_, err := c.client.EnqueueContext(ctx, asynq.NewTask(taskType, nil), asynq.Queue(QueueSweeps), asynq.MaxRetry(0))
	return err
}

func (c *Client) Close() error {
	return c.client.Close()
}

func newRetryTask(eventID string) (*asynq.Task, error) {
	b, err := json.Marshal(WebhookRetryPayload{EventID: eventID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskWebhookRetry, b), nil
}

// RedisOpt accepts a redis:// URI or a bare host:port.
func RedisOpt(addr string) (asynq.RedisConnOpt, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		return asynq.ParseRedisURI(addr)
	}
	return asynq.RedisClientOpt{Addr: addr}, nil
}
