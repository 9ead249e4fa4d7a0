package worker

import (
	"context"
	"errors"

	"github.com/JuyeonYu/readit/internal/metrics"
	"github.com/JuyeonYu/readit/internal/notify"
)

var ErrQueueFull = errors.New("dispatch queue is full")

// Envelope is a received job plus whatever the source needs to ack it.
type Envelope struct {
	Job     notify.Job
	Receipt string
}

// JobSource is where workers pull dispatch jobs from. Receive blocks until
// at least one job is available, the source's wait elapses (returning an
// empty slice), or ctx is done.
type JobSource interface {
	Receive(ctx context.Context) ([]Envelope, error)
	Ack(ctx context.Context, env Envelope) error
}

// MemoryQueue is an in-process dispatch queue. Jobs are lost on restart.
type MemoryQueue struct {
	jobs  chan notify.Job
	batch int
}

func NewMemoryQueue(capacity, batch int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	if batch <= 0 {
		batch = 10
	}
	return &MemoryQueue{jobs: make(chan notify.Job, capacity), batch: batch}
}

// Enqueue never blocks the read path; a full queue is an error.
func (q *MemoryQueue) Enqueue(ctx context.Context, job notify.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	select {
	case q.jobs <- job:
		metrics.SetQueueDepth(len(q.jobs))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Receive(ctx context.Context) ([]Envelope, error) {
	var out []Envelope
	select {
	case job := <-q.jobs:
		out = append(out, Envelope{Job: job})
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for len(out) < q.batch {
		select {
		case job := <-q.jobs:
			out = append(out, Envelope{Job: job})
		default:
			metrics.SetQueueDepth(len(q.jobs))
			return out, nil
		}
	}
	metrics.SetQueueDepth(len(q.jobs))
	return out, nil
}

// Ack is a no-op; jobs leave the queue when received.
func (q *MemoryQueue) Ack(ctx context.Context, env Envelope) error { return nil }

func (q *MemoryQueue) Len() int { return len(q.jobs) }
