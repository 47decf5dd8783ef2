// Package job implements durable named job queues backed by Redis.
//
// Jobs are created with CreateJob and executed by the handler registered for
// their queue with RegisterProcessor. A queue never runs more than its
// configured concurrency of handlers at once inside one engine. Jobs may be
// delayed and may repeat at a fixed interval, optionally a bounded number of
// times. A failed job is not retried; the next repetition is the only retry.
package job

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// State is the lifecycle state of a job
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Repeat makes a job re-enqueue itself after every run.
// Limit is the total number of executions, 0 repeats forever.
type Repeat struct {
	EveryMillis int64 `json:"every"`
	Limit       int   `json:"limit,omitempty"`
	Count       int   `json:"count"`
}

// Every returns the repeat interval
func (r *Repeat) Every() time.Duration {
	return time.Duration(r.EveryMillis) * time.Millisecond
}

// Options controls how a job is scheduled
type Options struct {
	DelayMillis      int64   `json:"delay,omitempty"`
	Repeat           *Repeat `json:"repeat,omitempty"`
	RemoveOnComplete bool    `json:"removeOnComplete"`
}

// Delay returns the delay before the first execution
func (o Options) Delay() time.Duration {
	return time.Duration(o.DelayMillis) * time.Millisecond
}

// WithDelay returns a copy of o deferred by d. Negative delays run immediately.
func (o Options) WithDelay(d time.Duration) Options {
	o.DelayMillis = d.Milliseconds()
	return o
}

// Job is a unit of work stored in a queue
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Payload      json.RawMessage `json:"data"`
	Options      Options         `json:"opts"`
	State        State           `json:"state"`
	Progress     int             `json:"progress"`
	FailedReason string          `json:"failedReason,omitempty"`
	CreatedAt    time.Time       `json:"timestamp"`
	ProcessedAt  *time.Time      `json:"processedOn,omitempty"`
	FinishedAt   *time.Time      `json:"finishedOn,omitempty"`

	engine *Engine
}

// Decode unmarshals the job payload into v
func (j *Job) Decode(v interface{}) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("failed to decode payload of job %s/%s: %w", j.Queue, j.ID, err)
	}
	return nil
}

// UpdateProgress records the job progress (0-100) and notifies listeners
func (j *Job) UpdateProgress(ctx context.Context, progress int) error {
	j.Progress = progress
	if j.engine == nil {
		return nil
	}
	return j.engine.reportProgress(ctx, j)
}

// Handler processes one job. A returned error marks the job failed.
type Handler func(ctx context.Context, job *Job) error

// Listener observes job lifecycle notifications
type Listener interface {
	OnCompleted(job *Job)
	OnFailed(job *Job, err error)
	OnProgress(job *Job, progress int)
}
