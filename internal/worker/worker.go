// Package worker runs the consumer pool that drains the submission queue
// through the orchestrator.
package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/7and1/thedoorpost/internal/analyzer"
	"github.com/7and1/thedoorpost/internal/metrics"
)

// Runner executes the pipeline for one queue item. The orchestrator
// satisfies this.
type Runner interface {
	Run(ctx context.Context, item analyzer.QueueItem) error
}

// Pool consumes the queue with a fixed number of workers. A message is
// acked once its outcome is durably recorded on the job; an unrecordable
// failure is nacked for redelivery.
type Pool struct {
	queue       analyzer.Queue
	runner      Runner
	concurrency int
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// New constructs a Pool.
func New(queue analyzer.Queue, runner Runner, concurrency int, m *metrics.Metrics, logger *zap.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		queue:       queue,
		runner:      runner,
		concurrency: concurrency,
		metrics:     m,
		logger:      logger,
	}
}

// Run blocks until ctx is canceled and all workers have drained.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.consume(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) consume(ctx context.Context, id int) {
	logger := p.logger.With(zap.Int("worker", id))
	for {
		item, ack, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			logger.Warn("dequeue failed", zap.Error(err))
			continue
		}

		p.setActive(1)
		runErr := p.runner.Run(ctx, item)
		p.setActive(-1)

		if runErr != nil {
			logger.Error("job outcome could not be recorded, requesting redelivery",
				zap.String("job_id", item.JobID), zap.Error(runErr))
			if p.metrics != nil {
				p.metrics.QueueRedeliveries.Inc()
			}
			ack(false)
			continue
		}
		ack(true)
	}
}

func (p *Pool) setActive(delta float64) {
	if p.metrics != nil {
		p.metrics.ActiveWorkers.Add(delta)
	}
}
