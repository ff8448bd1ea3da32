// Package hecatoncheir is the hundred-handed consumer: a fixed pool of
// workers that dequeue, handle and acknowledge messages concurrently
// against any Queue implementation.
package hecatoncheir

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/acheron-mq/acheron/pkg/acheron"
	"github.com/acheron-mq/acheron/pkg/domain"
	"github.com/acheron-mq/acheron/pkg/hermes"
	"github.com/acheron-mq/acheron/pkg/hypnos"
)

// Handler processes one message. A nil return acknowledges the message;
// an error records the failure and leaves the delivery to the reclaimer.
type Handler func(ctx context.Context, msg *domain.Message) error

const (
	DefaultWorkers     = 4
	DefaultPollTimeout = 5 * time.Second
)

// Pool supervises a set of identical consumer workers.
type Pool struct {
	Queue   acheron.Queue
	Handler Handler
	Logger  hermes.Logger
	Metrics hermes.Metrics

	Workers     int
	PollTimeout time.Duration
}

func NewPool(queue acheron.Queue, handler Handler, logger hermes.Logger, workers int) *Pool {
	if logger == nil {
		logger = hermes.NewNoopLogger()
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Pool{
		Queue:       queue,
		Handler:     handler,
		Logger:      logger,
		Metrics:     hermes.NewNoopMetrics(),
		Workers:     workers,
		PollTimeout: DefaultPollTimeout,
	}
}

// Run blocks until the context is cancelled or a worker fails with a
// non-cancellation error. Workers share the dequeue stream, so adding
// workers scales handling, not ordering.
func (p *Pool) Run(ctx context.Context) error {
	p.Logger.Info(ctx, "worker pool starting", map[string]any{"workers": p.Workers})
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.Workers; i++ {
		worker := i
		g.Go(func() error { return p.run(ctx, worker) })
	}
	err := g.Wait()
	p.Logger.Info(ctx, "worker pool stopped", map[string]any{"workers": p.Workers})
	return err
}

func (p *Pool) run(ctx context.Context, worker int) error {
	backoff := hypnos.NewBackoff(hypnos.DefaultMinSleep, hypnos.DefaultMaxSleep)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg, err := p.Queue.Dequeue(ctx, p.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.Logger.Error(ctx, "dequeue failed", map[string]any{
				"worker": worker,
				"error":  err.Error(),
			})
			if werr := backoff.Wait(ctx); werr != nil {
				return ctx.Err()
			}
			continue
		}
		backoff.Reset()
		if msg == nil {
			continue
		}
		p.handle(ctx, worker, msg)
	}
}

func (p *Pool) handle(ctx context.Context, worker int, msg *domain.Message) {
	defer func() {
		if r := recover(); r != nil {
			p.Logger.Error(ctx, "handler panicked", map[string]any{
				"worker": worker,
				"id":     msg.ID,
				"panic":  fmt.Sprint(r),
			})
			if err := p.Queue.Fail(ctx, msg, fmt.Sprintf("handler panic: %v", r)); err != nil {
				p.Logger.Warn(ctx, "failed to record panic", map[string]any{
					"id":    msg.ID,
					"error": err.Error(),
				})
			}
			p.Metrics.IncCounter("worker_panic_total", 1)
		}
	}()

	if err := p.Handler(ctx, msg); err != nil {
		if ferr := p.Queue.Fail(ctx, msg, err.Error()); ferr != nil {
			p.Logger.Warn(ctx, "failed to record handler error", map[string]any{
				"id":    msg.ID,
				"error": ferr.Error(),
			})
		}
		p.Metrics.IncCounter("worker_fail_total", 1)
		return
	}
	if err := p.Queue.Ack(ctx, msg); err != nil {
		p.Logger.Warn(ctx, "failed to ack handled message", map[string]any{
			"worker": worker,
			"id":     msg.ID,
			"error":  err.Error(),
		})
		return
	}
	p.Metrics.IncCounter("worker_handled_total", 1)
}
