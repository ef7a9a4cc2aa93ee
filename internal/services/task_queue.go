package services

import (
	"context"
	"encoding/json"
	"fmt"
)

const DefaultQueue = "default"

// Task is a claimed job as seen by a handler.
type Task struct {
	JobID   int64
	Type    string
	Queue   string
	Payload []byte
}

// Decode unmarshals the JSON payload into v.
func (t *Task) Decode(v interface{}) error {
	if len(t.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(t.Payload, v)
}

// HandlerFunc processes one task. A returned error (or panic) marks the job
// failed and removes it from its queue.
type HandlerFunc func(ctx context.Context, task *Task) error

// Enqueue stores payload as JSON and queues a job of taskType on queueName.
func (js *JobStorage) Enqueue(ctx context.Context, queueName, taskType string, payload interface{}) (int64, error) {
	if queueName == "" {
		queueName = DefaultQueue
	}

	var args string
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("encode %s payload: %w", taskType, err)
		}
		args = string(data)
	}

	id, err := js.CreateJob(ctx, taskType, args, queueName)
	if err != nil {
		return 0, err
	}
	js.log.Info().Int64("job_id", id).Str("type", taskType).Str("queue", queueName).Msg("task enqueued")
	return id, nil
}
