package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JuyeonYu/readit/internal/db"
	"github.com/JuyeonYu/readit/internal/notify"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	seen []notify.Job
	err  error
	done chan struct{}
	want int
}

func (f *fakeDispatcher) NotifyOnRead(ctx context.Context, job notify.Job) (notify.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := ctx.Deadline(); !ok {
		return notify.Result{}, errors.New("job context has no deadline")
	}
	f.seen = append(f.seen, job)
	if len(f.seen) == f.want {
		close(f.done)
	}
	return notify.Result{Email: notify.OutcomeSent}, f.err
}

// ackRecorder wraps a MemoryQueue and records acks.
type ackRecorder struct {
	*MemoryQueue
	mu    sync.Mutex
	acked int
}

func (a *ackRecorder) Ack(ctx context.Context, env Envelope) error {
	a.mu.Lock()
	a.acked++
	a.mu.Unlock()
	return nil
}

func (a *ackRecorder) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acked
}

func TestMemoryQueue(t *testing.T) {
	q := NewMemoryQueue(2, 10)
	ctx := context.Background()

	if err := q.Enqueue(ctx, notify.Job{}); err == nil {
		t.Error("expected invalid job to be rejected")
	}

	job := notify.Job{MessageID: uuid.New(), ViewerTokenHash: "v"}
	for i := 0; i < 2; i++ {
		if err := q.Enqueue(ctx, job); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := q.Enqueue(ctx, job); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}

	envs, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(envs) != 2 || q.Len() != 0 {
		t.Errorf("expected batch of 2 and empty queue, got %d/%d", len(envs), q.Len())
	}

	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if _, err := q.Receive(cctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected receive to stop with context, got %v", err)
	}
}

func TestWorkerProcessesJobs(t *testing.T) {
	const jobs = 12
	queue := &ackRecorder{MemoryQueue: NewMemoryQueue(64, 5)}
	disp := &fakeDispatcher{done: make(chan struct{}), want: jobs}

	for i := 0; i < jobs; i++ {
		job := notify.Job{MessageID: uuid.New(), ViewerTokenHash: fmt.Sprint("viewer-", i)}
		if err := queue.Enqueue(context.Background(), job); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := New(queue, disp, Config{Concurrency: 3, JobTimeout: time.Second}, zap.NewNop())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	select {
	case <-disp.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for jobs")
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}

	if queue.count() != jobs {
		t.Errorf("expected %d acks, got %d", jobs, queue.count())
	}
}

type stubSource struct {
	acked []Envelope
}

func (s *stubSource) Receive(ctx context.Context) ([]Envelope, error) { return nil, nil }

func (s *stubSource) Ack(ctx context.Context, env Envelope) error {
	s.acked = append(s.acked, env)
	return nil
}

func TestWorkerAckPolicy(t *testing.T) {
	valid := Envelope{Job: notify.Job{MessageID: uuid.New(), ViewerTokenHash: "v"}, Receipt: "r"}

	tests := []struct {
		name      string
		env       Envelope
		err       error
		wantAcked bool
	}{
		{"success", valid, nil, true},
		{"deleted message", valid, fmt.Errorf("load message: %w", db.ErrNotFound), true},
		{"store error", valid, errors.New("connection reset"), false},
		{"invalid job", Envelope{Receipt: "bad"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &stubSource{}
			disp := &fakeDispatcher{err: tt.err, done: make(chan struct{}), want: -1}
			w := New(src, disp, Config{}, zap.NewNop())

			w.process(context.Background(), tt.env)

			if got := len(src.acked) == 1; got != tt.wantAcked {
				t.Errorf("acked = %v, want %v", got, tt.wantAcked)
			}
		})
	}
}

func TestWorkerJobSurvivesShutdown(t *testing.T) {
	src := &stubSource{}
	disp := &fakeDispatcher{done: make(chan struct{}), want: -1}
	w := New(src, disp, Config{JobTimeout: time.Second}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.process(ctx, Envelope{Job: notify.Job{MessageID: uuid.New(), ViewerTokenHash: "v"}})

	if len(disp.seen) != 1 || len(src.acked) != 1 {
		t.Errorf("expected job to complete after cancellation, got %d dispatched %d acked", len(disp.seen), len(src.acked))
	}
}

// cancellingSource hands out one batch and cancels the worker while doing so.
type cancellingSource struct {
	stubSource
	batch  []Envelope
	cancel context.CancelFunc
}

func (s *cancellingSource) Receive(ctx context.Context) ([]Envelope, error) {
	s.cancel()
	batch := s.batch
	s.batch = nil
	return batch, ctx.Err()
}

func TestWorkerFinishesBatchReceivedAtShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &cancellingSource{
		batch: []Envelope{
			{Job: notify.Job{MessageID: uuid.New(), ViewerTokenHash: "a"}},
			{Job: notify.Job{MessageID: uuid.New(), ViewerTokenHash: "b"}},
		},
		cancel: cancel,
	}
	disp := &fakeDispatcher{done: make(chan struct{}), want: -1}
	w := New(src, disp, Config{Concurrency: 1, JobTimeout: time.Second}, zap.NewNop())

	if err := w.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(disp.seen) != 2 || len(src.acked) != 2 {
		t.Errorf("expected both received jobs to complete, got %d dispatched %d acked", len(disp.seen), len(src.acked))
	}
}
