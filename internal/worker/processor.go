package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"agent-ingest/internal/archive"
	"agent-ingest/internal/config"
	"agent-ingest/internal/dispatch"
	"agent-ingest/internal/models"
	"agent-ingest/internal/queue"
	"agent-ingest/internal/settings"
	"agent-ingest/internal/store"
	"agent-ingest/internal/telemetry"
)

// ErrCancelled is returned by a handler that honored a cancel request at one
// of its checkpoints.
var ErrCancelled = errors.New("job cancelled")

// JobContext gives a handler its reporting and cancellation checkpoints.
// Progress appends a progress event; CancelRequested re-reads the cooperative
// cancel flag.
type JobContext struct {
	Progress        func(payload map[string]any)
	CancelRequested func() bool
}

// Handler executes one job and returns its result payload. Returning
// ErrCancelled (possibly wrapped) marks the job cancelled instead of failed.
type Handler func(ctx context.Context, job models.Job, jc JobContext) (map[string]any, error)

// Processor drives a bounded pool of workers over the queue. Each worker
// claims a job, walks it queued -> running -> terminal through the store, and
// on a terminal state fires the dispatcher's auto-trigger policy and the
// optional archive.
type Processor struct {
	cfg        config.Config
	queue      *queue.Queue
	st         *store.Store
	settings   settings.Provider
	dispatcher *dispatch.Dispatcher
	arch       *archive.Archive
	handler    Handler
	logger     *slog.Logger
}

// NewProcessor wires the worker pool. sp and arch may be nil.
func NewProcessor(cfg config.Config, q *queue.Queue, st *store.Store, sp settings.Provider, d *dispatch.Dispatcher, arch *archive.Archive, handler Handler, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:        cfg,
		queue:      q,
		st:         st,
		settings:   sp,
		dispatcher: d,
		arch:       arch,
		handler:    handler,
		logger:     logger,
	}
}

// Run blocks until ctx is cancelled, keeping a bounded pool of workers
// pulling from the queue. Pool size is WORKER_CONCURRENCY capped by the
// stored max_concurrent_jobs setting, sampled at startup.
func (p *Processor) Run(ctx context.Context) error {
	concurrency := p.cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	if p.settings != nil {
		if cfg, err := p.settings.Get(ctx); err == nil &&
			cfg.MaxConcurrentJobs > 0 && cfg.MaxConcurrentJobs < concurrency {
			concurrency = cfg.MaxConcurrentJobs
		}
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			return p.loop(ctx)
		})
	}
	return g.Wait()
}

func (p *Processor) loop(ctx context.Context) error {
	for {
		jobID, err := p.queue.Dequeue(ctx)
		if errors.Is(err, queue.ErrClosed) {
			return nil
		}
		if err != nil {
			p.logger.Error("dequeue", "error", err)
			continue
		}
		if depth, err := p.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
		p.process(ctx, jobID)
	}
}

func (p *Processor) process(ctx context.Context, jobID string) {
	job, err := p.st.Get(ctx, jobID)
	if err != nil {
		p.logger.Warn("dequeued unknown job", "job_id", jobID, "error", err)
		return
	}

	// Cancel requested while still queued: honor it without starting.
	if job.CancelRequested {
		p.finishTerminal(ctx, jobID, models.StatusCancelled, nil, "")
		return
	}

	if _, err := p.st.Transition(ctx, jobID, models.StatusRunning, nil, ""); err != nil {
		p.logger.Warn("job not startable", "job_id", jobID, "error", err)
		return
	}

	jc := JobContext{
		Progress: func(payload map[string]any) {
			if err := p.st.AppendProgress(ctx, jobID, payload); err != nil {
				p.logger.Warn("append progress", "job_id", jobID, "error", err)
			}
		},
		CancelRequested: func() bool {
			j, err := p.st.Get(ctx, jobID)
			return err == nil && j.CancelRequested
		},
	}

	runCtx := ctx
	if timeout := p.jobTimeout(ctx); timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := p.handler(runCtx, job, jc)
	switch {
	case errors.Is(err, ErrCancelled):
		p.finishTerminal(ctx, jobID, models.StatusCancelled, nil, "")
	case err != nil:
		p.finishTerminal(ctx, jobID, models.StatusFailed, nil, err.Error())
	default:
		p.finishTerminal(ctx, jobID, models.StatusFinished, result, "")
	}
}

// jobTimeout reads the stored job_timeout_minutes setting, so the cap can be
// changed from the dashboard without restarting workers.
func (p *Processor) jobTimeout(ctx context.Context) time.Duration {
	if p.settings == nil {
		return 0
	}
	cfg, err := p.settings.Get(ctx)
	if err != nil || cfg.JobTimeoutMinutes <= 0 {
		return 0
	}
	return time.Duration(cfg.JobTimeoutMinutes) * time.Minute
}

func (p *Processor) finishTerminal(ctx context.Context, jobID, state string, result map[string]any, errMsg string) {
	// The pool context is already cancelled when a handler aborts on
	// shutdown; the terminal record must still land or the job would stay
	// running forever with its queue entry consumed.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if _, err := p.st.Transition(ctx, jobID, state, result, errMsg); err != nil {
		p.logger.Error("terminal transition", "job_id", jobID, "state", state, "error", err)
		return
	}
	switch state {
	case models.StatusFinished:
		telemetry.JobsFinished.Inc()
	case models.StatusFailed:
		telemetry.JobsFailed.Inc()
	case models.StatusCancelled:
		telemetry.JobsCancelled.Inc()
	}
	p.logger.Info("job reached terminal state", "job_id", jobID, "state", state)

	job, err := p.st.Get(ctx, jobID)
	if err != nil {
		return
	}
	if p.dispatcher != nil {
		p.dispatcher.AutoTriggerOnFinish(ctx, job)
	}
	if p.arch != nil {
		if err := p.arch.ArchiveJob(ctx, job); err != nil {
			p.logger.Warn("archive job", "job_id", jobID, "error", err)
		}
		detail := ""
		if job.Error != nil {
			detail = *job.Error
		}
		if err := p.arch.AppendAudit(ctx, jobID, state, detail); err != nil {
			p.logger.Warn("append audit", "job_id", jobID, "error", err)
		}
	}
}
