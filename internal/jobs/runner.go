package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/onexay/devpulse/internal/storage"
)

// RunnerOptions size the worker pool and its retry policy.
type RunnerOptions struct {
	// IngestWorkers is the number of goroutines draining the ingest queue.
	IngestWorkers  int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// PollTimeout bounds each blocking pop so shutdown is noticed promptly.
	PollTimeout time.Duration
}

// DefaultRunnerOptions returns the production pool settings.
func DefaultRunnerOptions() RunnerOptions {
	return RunnerOptions{
		IngestWorkers:  4,
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		PollTimeout:    2 * time.Second,
	}
}

// Runner drains the queues into the dispatcher. Ingest jobs run on a bounded
// pool; report jobs run on a single dedicated worker.
type Runner struct {
	queue      *Queue
	dispatcher *Dispatcher
	logger     *zap.SugaredLogger
	opts       RunnerOptions
}

// NewRunner builds a runner. Zero options fall back to the defaults.
func NewRunner(queue *Queue, dispatcher *Dispatcher, logger *zap.SugaredLogger, opts RunnerOptions) *Runner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	def := DefaultRunnerOptions()
	if opts.IngestWorkers <= 0 {
		opts.IngestWorkers = def.IngestWorkers
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = def.InitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = def.PollTimeout
	}
	return &Runner{queue: queue, dispatcher: dispatcher, logger: logger, opts: opts}
}

// Run blocks until ctx is cancelled or a worker hits a fatal queue error.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.opts.IngestWorkers; i++ {
		worker := i
		g.Go(func() error { return r.work(ctx, IngestQueue, worker) })
	}
	g.Go(func() error { return r.work(ctx, ReportQueue, 0) })

	r.logger.Infow("job runner started", "ingestWorkers", r.opts.IngestWorkers, "maxAttempts", r.opts.MaxAttempts)
	err := g.Wait()
	r.logger.Infow("job runner stopped")
	return err
}

func (r *Runner) work(ctx context.Context, queue string, worker int) error {
	log := r.logger.With("queue", queue, "worker", worker)
	for {
		if ctx.Err() != nil {
			return nil
		}
		env, err := r.queue.Dequeue(ctx, queue, r.opts.PollTimeout)
		switch {
		case err == nil:
			_ = r.Process(ctx, env)
		case errors.Is(err, storage.ErrEmpty):
		case ctx.Err() != nil:
			return nil
		default:
			var payload *PayloadError
			if errors.As(err, &payload) {
				log.Errorw("dropping undecodable envelope", "error", err)
				continue
			}
			log.Warnw("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.opts.InitialBackoff):
			}
		}
	}
}

// Process runs one envelope with retries. Jobs that fail for good are
// dead-lettered unless the runner is shutting down.
func (r *Runner) Process(ctx context.Context, env Envelope) error {
	log := r.logger.With("job", env.ID, "type", env.Type)

	attempt := 0
	op := func() error {
		attempt++
		err := r.dispatcher.Dispatch(ctx, env)
		if err == nil {
			return nil
		}
		var permanent *backoff.PermanentError
		if !errors.As(err, &permanent) && Classify(err) == Unrecoverable {
			return unrecoverable(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.opts.InitialBackoff
	policy.MaxInterval = r.opts.MaxBackoff
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.opts.MaxAttempts-1)), ctx)

	err := backoff.RetryNotify(op, retry, func(err error, wait time.Duration) {
		log.Warnw("job failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	})
	if err == nil {
		log.Debugw("job done", "attempts", attempt)
		return nil
	}
	if ctx.Err() != nil {
		log.Warnw("job abandoned on shutdown", "attempts", attempt, "error", err)
		return err
	}

	log.Errorw("job failed", "attempts", attempt, "class", Classify(err), "error", err)
	if dlErr := r.queue.DeadLetter(context.WithoutCancel(ctx), env, err); dlErr != nil {
		log.Errorw("dead-letter failed", "error", dlErr)
	}
	return err
}
