package queue

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

// Task type names routed through the asynq queue.
const (
	TaskDial    = "outreach:dial"
	TaskBatch   = "outreach:batch"
	TaskCleanup = "outreach:cleanup"
)

// DialPayload instructs a worker to place one outbound call for a
// scheduled call entry.
type DialPayload struct {
	ScheduledCallID string `json:"scheduled_call_id"`
	CustomerID      string `json:"customer_id"`
	SubscriptionID  string `json:"subscription_id"`
	Phone           string `json:"phone"`
}

// BatchPayload triggers one daily scheduling run.
type BatchPayload struct {
	RequestedAt time.Time `json:"requested_at"`
	Manual      bool      `json:"manual"`
}

// CleanupPayload triggers removal of finished scheduled calls older than
// the retention window.
type CleanupPayload struct {
	OlderThanDays int `json:"older_than_days"`
}

// NewDialTask builds a dial task.
func NewDialTask(payload DialPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDial, data), nil
}

// ParseDialPayload decodes a dial task payload.
func ParseDialPayload(task *asynq.Task) (DialPayload, error) {
	var payload DialPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return DialPayload{}, err
	}
	return payload, nil
}

// NewBatchTask builds a batch-run task.
func NewBatchTask(payload BatchPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBatch, data), nil
}

// ParseBatchPayload decodes a batch task payload.
func ParseBatchPayload(task *asynq.Task) (BatchPayload, error) {
	var payload BatchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return BatchPayload{}, err
	}
	return payload, nil
}

// NewCleanupTask builds a cleanup task.
func NewCleanupTask(payload CleanupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCleanup, data), nil
}

// ParseCleanupPayload decodes a cleanup task payload.
func ParseCleanupPayload(task *asynq.Task) (CleanupPayload, error) {
	var payload CleanupPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return CleanupPayload{}, err
	}
	return payload, nil
}
