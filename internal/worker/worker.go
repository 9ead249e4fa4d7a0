// Package worker runs the notification dispatch loop and the outbound
// transports it delivers through.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JuyeonYu/readit/internal/db"
	"github.com/JuyeonYu/readit/internal/metrics"
	"github.com/JuyeonYu/readit/internal/notify"
)

// Dispatcher handles one dispatch job.
type Dispatcher interface {
	NotifyOnRead(ctx context.Context, job notify.Job) (notify.Result, error)
}

type Worker struct {
	source     JobSource
	dispatcher Dispatcher
	config     Config
	logger     *zap.Logger
}

type Config struct {
	Concurrency int
	// JobTimeout bounds one job, including both channels.
	JobTimeout time.Duration
	// ErrorBackoff is the pause after a failed Receive.
	ErrorBackoff time.Duration
}

func New(source JobSource, dispatcher Dispatcher, cfg Config, logger *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.JobTimeout == 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	if cfg.ErrorBackoff == 0 {
		cfg.ErrorBackoff = time.Second
	}

	return &Worker{
		source:     source,
		dispatcher: dispatcher,
		config:     cfg,
		logger:     logger,
	}
}

// Run consumes jobs until ctx is cancelled. Jobs already received finish
// under their own timeout.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker starting", zap.Int("concurrency", w.config.Concurrency))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.config.Concurrency; i++ {
		g.Go(func() error {
			w.loop(ctx)
			return nil
		})
	}
	err := g.Wait()
	w.logger.Info("worker stopped")
	return err
}

func (w *Worker) loop(ctx context.Context) {
	for {
		envs, err := w.source.Receive(ctx)
		// Jobs already taken off the queue are finished even during shutdown.
		for _, env := range envs {
			w.process(ctx, env)
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.logger.Error("failed to receive jobs", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.config.ErrorBackoff):
			}
		}
	}
}

func (w *Worker) process(ctx context.Context, env Envelope) {
	metrics.IncJobsInFlight()
	defer metrics.DecJobsInFlight()

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.config.JobTimeout)
	defer cancel()

	if err := env.Job.Validate(); err != nil {
		w.logger.Warn("dropping invalid job", zap.Error(err), zap.String("receipt", env.Receipt))
		w.ack(jobCtx, env)
		return
	}

	result, err := w.dispatcher.NotifyOnRead(jobCtx, env.Job)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		// Left unacked so a durable source redelivers it.
		w.logger.Error("dispatch failed",
			zap.Error(err),
			zap.String("message_id", env.Job.MessageID.String()),
		)
		return
	}
	if err != nil {
		w.logger.Info("dropping job for deleted message",
			zap.String("message_id", env.Job.MessageID.String()),
		)
	} else {
		w.logger.Debug("job processed",
			zap.String("message_id", env.Job.MessageID.String()),
			zap.String("email", string(result.Email)),
			zap.String("webhook", string(result.Webhook)),
		)
	}

	w.ack(jobCtx, env)
}

func (w *Worker) ack(ctx context.Context, env Envelope) {
	if err := w.source.Ack(ctx, env); err != nil {
		w.logger.Warn("failed to ack job", zap.Error(err), zap.String("receipt", env.Receipt))
	}
}
