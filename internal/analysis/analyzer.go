// Package analysis runs attachment images through an inference service with
// bounded retry and writes the result, or a sentinel, back to the attachment.
package analysis

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spec-kit/ticket-chat/internal/domain"
	"github.com/spec-kit/ticket-chat/internal/observability"
	"github.com/spec-kit/ticket-chat/internal/storage"
)

// Prompt is sent with every image.
const Prompt = `
You are a product quality inspection specialist.
Examine the attached image and identify, if present:
- visible defects, damage or irregularities
- the likely cause
- whether the problem is cosmetic or functional

Answer clearly and objectively in at most 500 characters.
If no problem is found, answer exactly: "No defects found".
`

// ResultWriter stores the analysis result of an attachment.
type ResultWriter interface {
	SetAnalysisResult(ctx context.Context, id, result string, analyzedAt time.Time) error
}

// Options tune retry and batching.
type Options struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	Jitter           time.Duration
	CallTimeout      time.Duration
	BatchConcurrency int
}

// Dependencies wires the analyzer.
type Dependencies struct {
	Results    ResultWriter
	Blobs      storage.BlobStore
	Inferencer Inferencer
	Logger     *zap.Logger
	Metrics    *observability.Metrics
	Options    Options
}

// Outcome reports how one job ended. Err is set only when processing was
// interrupted before anything was written, in which case the job should be
// left for redelivery.
type Outcome struct {
	JobID        string
	AttachmentID string
	Attempts     int
	Result       string
	Sentinel     bool
	Err          error
}

// Analyzer processes analysis jobs.
type Analyzer struct {
	results    ResultWriter
	blobs      storage.BlobStore
	inferencer Inferencer
	logger     *zap.Logger
	metrics    *observability.Metrics
	opts       Options

	sleep func(ctx context.Context, d time.Duration) error
	rnd   func(n int64) int64
	now   func() time.Time
}

// NewAnalyzer constructs an analyzer with defaults for unset options.
func NewAnalyzer(deps *Dependencies) *Analyzer {
	opts := deps.Options
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = 2
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		results:    deps.Results,
		blobs:      deps.Blobs,
		inferencer: deps.Inferencer,
		logger:     logger,
		metrics:    deps.Metrics,
		opts:       opts,
		sleep:      sleepContext,
		rnd:        rand.Int64N,
		now:        time.Now,
	}
}

// Process analyzes one job. Transient provider errors are retried up to
// MaxAttempts. A missing, empty or non-image payload writes the sentinel, as
// does any provider failure left after retrying. Other storage errors are
// returned in Outcome.Err so the job is redelivered later.
// Processing the same job again overwrites the previous result.
func (a *Analyzer) Process(ctx context.Context, job domain.AnalysisJob) Outcome {
	out := Outcome{JobID: job.ID, AttachmentID: job.AttachmentID}
	log := a.logger.With(
		zap.String("job_id", job.ID),
		zap.String("attachment_id", job.AttachmentID),
		zap.String("ticket_id", job.TicketID),
	)

	img, err := a.load(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			out.Err = ctx.Err()
			return out
		}
		if !unanalyzable(err) {
			log.Warn("load attachment payload", zap.Error(err))
			out.Err = err
			return out
		}
		log.Warn("attachment not analyzable", zap.Error(err))
		return a.writeSentinel(ctx, out, log)
	}

	var lastErr error
	for attempt := 1; attempt <= a.opts.MaxAttempts; attempt++ {
		out.Attempts = attempt
		a.metrics.Inc(observability.CounterAnalysisAttempt, 1)

		text, err := a.call(ctx, img)
		if err == nil {
			out.Result = text
			if werr := a.results.SetAnalysisResult(ctx, job.AttachmentID, text, a.now().UTC()); werr != nil {
				log.Error("write analysis result", zap.Error(werr))
				out.Err = werr
				return out
			}
			a.metrics.Inc(observability.CounterAnalysisSuccess, 1)
			log.Info("attachment analyzed", zap.Int("attempt", attempt))
			return out
		}
		if ctx.Err() != nil {
			out.Err = ctx.Err()
			return out
		}
		lastErr = err
		if !IsTransient(err) || attempt == a.opts.MaxAttempts {
			break
		}

		delay := Backoff(attempt, a.opts.BaseDelay, a.opts.Jitter, a.rnd)
		log.Warn("transient analysis failure, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := a.sleep(ctx, delay); err != nil {
			out.Err = err
			return out
		}
	}

	log.Warn("analysis failed", zap.Int("attempt", out.Attempts), zap.Error(lastErr))
	return a.writeSentinel(ctx, out, log)
}

// ProcessMany analyzes jobs with at most BatchConcurrency in flight. Outcomes
// are returned in input order.
func (a *Analyzer) ProcessMany(ctx context.Context, jobs []domain.AnalysisJob) []Outcome {
	outcomes := make([]Outcome, len(jobs))
	var g errgroup.Group
	g.SetLimit(a.opts.BatchConcurrency)
	for i, job := range jobs {
		g.Go(func() error {
			outcomes[i] = a.Process(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (a *Analyzer) load(ctx context.Context, job domain.AnalysisJob) (Image, error) {
	obj, err := a.blobs.Get(ctx, job.PayloadRef)
	if err != nil {
		return Image{}, err
	}
	mimeType := job.MimeType
	if mimeType == "" {
		mimeType = obj.MimeType
	}
	if !domain.IsImageMime(mimeType) {
		return Image{}, &TerminalProviderError{Message: "not an image: " + mimeType}
	}
	if len(obj.Data) == 0 {
		return Image{}, &TerminalProviderError{Message: "empty payload"}
	}
	return Image{Data: obj.Data, MimeType: mimeType}, nil
}

// unanalyzable reports whether a load error will not go away on retry.
func unanalyzable(err error) bool {
	var terminal *TerminalProviderError
	return errors.Is(err, storage.ErrNotFound) || errors.As(err, &terminal)
}

func (a *Analyzer) call(ctx context.Context, img Image) (string, error) {
	if a.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.CallTimeout)
		defer cancel()
	}
	text, err := a.inferencer.Analyze(ctx, img, Prompt)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !IsTransient(err) {
		err = &TransientProviderError{Err: err}
	}
	return text, err
}

func (a *Analyzer) writeSentinel(ctx context.Context, out Outcome, log *zap.Logger) Outcome {
	out.Result = domain.AnalysisUnavailable
	out.Sentinel = true
	if err := a.results.SetAnalysisResult(ctx, out.AttachmentID, domain.AnalysisUnavailable, a.now().UTC()); err != nil {
		log.Error("write analysis sentinel", zap.Error(err))
		out.Err = err
		return out
	}
	a.metrics.Inc(observability.CounterAnalysisSentinel, 1)
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
