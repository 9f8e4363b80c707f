package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/acme/policy-outreach/internal/config"
)

// TaskClient enqueues work onto the asynq queue. Dial tasks carry a capped
// retry budget so a poisoned task cannot loop forever; the scheduled-call
// retry policy on top of that is enforced in the database, not here.
type TaskClient struct {
	client   *asynq.Client
	queue    string
	maxRetry int
	timeout  time.Duration
}

// RedisClientOpt builds the asynq redis connection options from the shared
// redis config, on a dedicated logical database.
func RedisClientOpt(redisCfg config.RedisConfig, asynqCfg config.AsynqConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     redisCfg.Address,
		Password: redisCfg.Password,
		DB:       asynqCfg.DB,
	}
}

// NewTaskClient constructs a task client.
func NewTaskClient(redisCfg config.RedisConfig, asynqCfg config.AsynqConfig) *TaskClient {
	queue := asynqCfg.Queue
	if queue == "" {
		queue = "default"
	}
	maxRetry := asynqCfg.MaxRetry
	if maxRetry <= 0 {
		maxRetry = 5
	}
	timeout := asynqCfg.TaskTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &TaskClient{
		client:   asynq.NewClient(RedisClientOpt(redisCfg, asynqCfg)),
		queue:    queue,
		maxRetry: maxRetry,
		timeout:  timeout,
	}
}

// EnqueueDial queues one dial task and returns the task id asynq assigned.
func (c *TaskClient) EnqueueDial(ctx context.Context, payload DialPayload) (string, error) {
	task, err := NewDialTask(payload)
	if err != nil {
		return "", fmt.Errorf("task client: build dial task: %w", err)
	}

	info, err := c.client.EnqueueContext(ctx, task,
		asynq.Queue(c.queue),
		asynq.MaxRetry(c.maxRetry),
		asynq.Timeout(c.timeout))
	if err != nil {
		return "", fmt.Errorf("task client: enqueue dial: %w", err)
	}
	return info.ID, nil
}

// EnqueueBatch queues one daily batch run.
func (c *TaskClient) EnqueueBatch(ctx context.Context, payload BatchPayload) error {
	task, err := NewBatchTask(payload)
	if err != nil {
		return fmt.Errorf("task client: build batch task: %w", err)
	}

	_, err = c.client.EnqueueContext(ctx, task,
		asynq.Queue(c.queue),
		asynq.MaxRetry(0),
		asynq.Timeout(10*time.Minute))
	if err != nil {
		return fmt.Errorf("task client: enqueue batch: %w", err)
	}
	return nil
}

// EnqueueCleanup queues a retention cleanup run.
func (c *TaskClient) EnqueueCleanup(ctx context.Context, payload CleanupPayload) error {
	task, err := NewCleanupTask(payload)
	if err != nil {
		return fmt.Errorf("task client: build cleanup task: %w", err)
	}

	_, err = c.client.EnqueueContext(ctx, task,
		asynq.Queue(c.queue),
		asynq.MaxRetry(1),
		asynq.Timeout(5*time.Minute))
	if err != nil {
		return fmt.Errorf("task client: enqueue cleanup: %w", err)
	}
	return nil
}

// Close closes the underlying asynq client.
func (c *TaskClient) Close() error {
	return c.client.Close()
}
