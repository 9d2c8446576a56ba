package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Client publishes chunk attempts to the per-job-type asynq queues.
type Client struct {
	client  *asynq.Client
	timeout time.Duration
}

type ClientOptions struct {
	// Timeout bounds one delivery on the worker side. Zero keeps asynq's default.
	Timeout time.Duration
}

func NewClient(redisOpt asynq.RedisConnOpt, opts ClientOptions) *Client {
	return &Client{
		client:  asynq.NewClient(redisOpt),
		timeout: opts.Timeout,
	}
}

// Publish enqueues msg on its job type's queue. Broker retries are disabled:
// a failed attempt is republished by the dispatcher with a new attempt number.
// Publishing an attempt the broker already holds counts as success.
func (c *Client) Publish(ctx context.Context, msg ChunkMessage) error {
	if c.client == nil {
		return fmt.Errorf("nil asynq client")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	opts := []asynq.Option{
		asynq.Queue(msg.JobType.Queue()),
		asynq.TaskID(msg.TaskID()),
		asynq.MaxRetry(0),
	}
	if c.timeout > 0 {
		opts = append(opts, asynq.Timeout(c.timeout))
	}
	t := asynq.NewTask(msg.JobType.TaskType(), body)
	if _, err := c.client.EnqueueContext(ctx, t, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("publish chunk %s attempt %d: %w", msg.ChunkID, msg.Attempt, err)
	}
	return nil
}

func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
