package worker

import (
	"context"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/acme/policy-outreach/internal/config"
	"github.com/acme/policy-outreach/internal/queue"
	"github.com/acme/policy-outreach/internal/service/schedule"
	"github.com/acme/policy-outreach/pkg/logger"
)

// Dialer executes one dial task.
type Dialer interface {
	Execute(ctx context.Context, payload queue.DialPayload) error
}

// BatchRunner runs one scheduling batch and cleanups.
type BatchRunner interface {
	RunBatch(ctx context.Context, manual bool) (*schedule.BatchResult, error)
	Cleanup(ctx context.Context, olderThanDays int) (int64, error)
}

// Worker consumes the asynq queue and routes tasks to the services. Task
// handlers return nil once the task reached a settled state; any returned
// error makes asynq redeliver with backoff up to the task's retry budget.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	dialer Dialer
	batch  BatchRunner
	log    *logger.Logger
}

// New constructs a worker bound to the shared queue.
func New(redisCfg config.RedisConfig, asynqCfg config.AsynqConfig, dialer Dialer, batch BatchRunner, log *logger.Logger) *Worker {
	queueName := asynqCfg.Queue
	if queueName == "" {
		queueName = "default"
	}
	concurrency := asynqCfg.Concurrency
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(queue.RedisClientOpt(redisCfg, asynqCfg), asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queueName: 1,
		},
	})

	w := &Worker{
		server: server,
		mux:    asynq.NewServeMux(),
		dialer: dialer,
		batch:  batch,
		log:    log,
	}

	w.mux.HandleFunc(queue.TaskDial, w.handleDial)
	w.mux.HandleFunc(queue.TaskBatch, w.handleBatch)
	w.mux.HandleFunc(queue.TaskCleanup, w.handleCleanup)

	return w
}

// Run serves tasks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("worker stopped", zap.Error(err))
	}
}

func (w *Worker) handleDial(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseDialPayload(task)
	if err != nil {
		w.log.Error("malformed dial payload", zap.Error(err))
		return nil
	}
	return w.dialer.Execute(ctx, payload)
}

func (w *Worker) handleBatch(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseBatchPayload(task)
	if err != nil {
		w.log.Error("malformed batch payload", zap.Error(err))
		return nil
	}
	result, err := w.batch.RunBatch(ctx, payload.Manual)
	if err != nil {
		return err
	}
	if !result.Ran {
		w.log.Info("batch run skipped", zap.String("reason", result.Reason))
	}
	return nil
}

func (w *Worker) handleCleanup(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseCleanupPayload(task)
	if err != nil {
		w.log.Error("malformed cleanup payload", zap.Error(err))
		return nil
	}
	_, err = w.batch.Cleanup(ctx, payload.OlderThanDays)
	return err
}
