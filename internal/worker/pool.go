// Package worker consumes analysis jobs from the queue with a fixed number of
// goroutines.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-chat/internal/analysis"
	"github.com/spec-kit/ticket-chat/internal/domain"
	"github.com/spec-kit/ticket-chat/internal/observability"
	"github.com/spec-kit/ticket-chat/internal/queue"
	apperrors "github.com/spec-kit/ticket-chat/pkg/util"
)

// Consumer is the queue side the pool drives. EnqueueOnce is used by the
// backfill sweeper to hand left-behind attachments back to the workers.
type Consumer interface {
	EnqueueOnce(ctx context.Context, job domain.AnalysisJob, ttl time.Duration) (bool, error)
	Dequeue(ctx context.Context, wait time.Duration) (*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery) error
	Reclaim(ctx context.Context) (int, error)
}

// Processor analyzes jobs.
type Processor interface {
	Process(ctx context.Context, job domain.AnalysisJob) analysis.Outcome
}

// Backlog lists attachments that never received a result.
type Backlog interface {
	ListUnanalyzed(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Attachment, error)
}

// Config sizes the pool and its periodic tasks. Zero intervals disable the
// reaper and the backfill sweeper.
type Config struct {
	Size             int
	DequeueWait      time.Duration
	ReclaimInterval  time.Duration
	BackfillInterval time.Duration
	BackfillGrace    time.Duration
	BackfillLimit    int
}

// Dependencies wires the pool.
type Dependencies struct {
	Queue     Consumer
	Processor Processor
	Backlog   Backlog
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Config    Config
}

// Pool runs Size workers, a lease reaper and an optional backfill sweeper.
type Pool struct {
	queue     Consumer
	processor Processor
	backlog   Backlog
	logger    *zap.Logger
	metrics   *observability.Metrics
	cfg       Config
	now       func() time.Time
}

// NewPool constructs a pool.
func NewPool(deps *Dependencies) *Pool {
	cfg := deps.Config
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.DequeueWait <= 0 {
		cfg.DequeueWait = 5 * time.Second
	}
	if cfg.BackfillLimit <= 0 {
		cfg.BackfillLimit = 50
	}
	if cfg.BackfillGrace <= 0 {
		cfg.BackfillGrace = 15 * time.Minute
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		queue:     deps.Queue,
		processor: deps.Processor,
		backlog:   deps.Backlog,
		logger:    logger,
		metrics:   deps.Metrics,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Run blocks until ctx is cancelled and every worker has finished the job it
// was holding.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Size; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, id)
		}(i + 1)
	}
	if p.cfg.ReclaimInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.every(ctx, p.cfg.ReclaimInterval, p.reclaim)
		}()
	}
	if p.cfg.BackfillInterval > 0 && p.backlog != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.every(ctx, p.cfg.BackfillInterval, p.Backfill)
		}()
	}

	p.logger.Info("worker pool started", zap.Int("workers", p.cfg.Size))
	wg.Wait()
	p.logger.Info("worker pool stopped")
	return nil
}

func (p *Pool) work(ctx context.Context, id int) {
	log := p.logger.With(zap.Int("worker", id))
	for ctx.Err() == nil {
		d, err := p.queue.Dequeue(ctx, p.cfg.DequeueWait)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("dequeue failed", zap.Error(err))
			pause(ctx, time.Second)
			continue
		}
		p.handle(ctx, d, log)
	}
}

// handle processes one delivery to completion even if ctx is cancelled
// meanwhile. A failed result write or payload read leaves the job leased so it
// is reclaimed.
func (p *Pool) handle(ctx context.Context, d *queue.Delivery, log *zap.Logger) {
	jobCtx := context.WithoutCancel(ctx)
	out := p.processor.Process(jobCtx, d.Job)
	if out.Err != nil && !apperrors.IsCode(out.Err, apperrors.CodeNotFound) {
		log.Warn("job left for redelivery",
			zap.String("job_id", d.Job.ID),
			zap.String("attachment_id", d.Job.AttachmentID),
			zap.Error(out.Err),
		)
		return
	}
	if err := p.queue.Ack(jobCtx, d); err != nil {
		log.Warn("ack failed", zap.String("job_id", d.Job.ID), zap.Error(err))
	}
}

func (p *Pool) reclaim(ctx context.Context) {
	n, err := p.queue.Reclaim(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("reclaim failed", zap.Error(err))
		}
		return
	}
	if n > 0 {
		p.metrics.Inc(observability.CounterJobsReclaimed, int64(n))
		p.logger.Info("reclaimed expired jobs", zap.Int("count", n))
	}
}

// Backfill puts attachments still unanalyzed after the grace period back on
// the queue, typically ones left behind when enqueueing failed. The workers
// analyze them, so inference concurrency stays bounded by Size. An attachment
// requeued by an earlier sweep is skipped until the grace period has passed
// again.
func (p *Pool) Backfill(ctx context.Context) {
	now := p.now().UTC()
	pending, err := p.backlog.ListUnanalyzed(ctx, now.Add(-p.cfg.BackfillGrace), p.cfg.BackfillLimit)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("backfill listing failed", zap.Error(err))
		}
		return
	}

	requeued := 0
	for _, att := range pending {
		pushed, err := p.queue.EnqueueOnce(ctx, domain.JobForAttachment(uuid.NewString(), att, now), p.cfg.BackfillGrace)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("backfill enqueue failed", zap.String("attachment_id", att.ID), zap.Error(err))
			}
			return
		}
		if pushed {
			requeued++
		}
	}
	if requeued > 0 {
		p.metrics.Inc(observability.CounterJobsBackfilled, int64(requeued))
		p.logger.Info("requeued unanalyzed attachments", zap.Int("count", requeued))
	}
}

func (p *Pool) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func pause(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
