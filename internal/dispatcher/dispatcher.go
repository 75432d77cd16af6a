package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xhaka/xhaka/internal/job"
	"github.com/xhaka/xhaka/internal/metrics"
	"github.com/xhaka/xhaka/internal/pipeline"
	"github.com/xhaka/xhaka/internal/queue"
	"github.com/xhaka/xhaka/internal/telemetry"
)

const (
	finalizeTimeout = 10 * time.Second
	// RecoveredMessage is stored on jobs a previous process left pending.
	RecoveredMessage = "interrupted: the service restarted before the job finished"
)

// Pipeline runs one conversion.
type Pipeline interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Enqueuer schedules tasks; *queue.Queue satisfies it.
type Enqueuer interface {
	Enqueue(t queue.Task) error
}

// JobFailure is a pipeline failure attributed to one job.
type JobFailure struct {
	UserID     string
	JobID      string
	Kind       pipeline.Kind
	Diagnostic string
}

func (f *JobFailure) Error() string {
	return fmt.Sprintf("job %s (user %s) failed at %s: %s", f.JobID, f.UserID, f.Kind, f.Diagnostic)
}

// Dispatcher turns submissions into job records and scheduled pipeline runs.
type Dispatcher struct {
	store    job.Store
	queue    Enqueuer
	pipeline Pipeline
	log      zerolog.Logger
	now      func() time.Time
	worker   string
}

type Option func(*Dispatcher)

// WithClock overrides time.Now for started_at.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithWorker stamps submitted records with id. It must be stable across
// restarts of one instance and unique among instances sharing a store.
func WithWorker(id string) Option {
	return func(d *Dispatcher) { d.worker = id }
}

func New(store job.Store, q Enqueuer, p Pipeline, log zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		queue:    q,
		pipeline: p,
		log:      log.With().Str("component", "dispatcher").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit records a pending job and schedules it. It returns as soon as the
// job is queued; the record is what callers poll.
func (d *Dispatcher) Submit(ctx context.Context, req job.SubmitRequest) (*job.Record, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	rec := &job.Record{
		StartedAt:  d.now().Unix(),
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		SourceURL:  req.URL,
		FolderID:   req.FolderID,
		FolderName: req.FolderName,
		Status:     job.StatusPending,
		Worker:     d.worker,
	}
	if err := d.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	snapshot := *rec
	credential := req.Credential
	err := d.queue.Enqueue(func(ctx context.Context) {
		d.execute(ctx, &snapshot, credential)
	})
	if err != nil {
		failed := *rec
		failed.Status = job.StatusFailed
		failed.Message = "not scheduled: " + err.Error()
		d.finalize(context.WithoutCancel(ctx), &failed)
		metrics.JobsFinished.WithLabelValues(string(job.StatusFailed), "schedule").Inc()
		return nil, fmt.Errorf("schedule job %s: %w", rec.ID, err)
	}

	metrics.JobsSubmitted.Inc()
	d.log.Info().
		Str("job_id", rec.ID).
		Str("user_id", rec.UserID).
		Str("url", rec.SourceURL).
		Msg("job submitted")
	return rec, nil
}

func (d *Dispatcher) execute(ctx context.Context, rec *job.Record, credential string) {
	start := time.Now()
	ctx, span := telemetry.StartJobSpan(ctx, rec.ID, rec.UserID)
	defer span.End()

	log := d.log.With().Str("job_id", rec.ID).Str("user_id", rec.UserID).Logger()
	log.Info().Str("url", rec.SourceURL).Msg("job started")

	res, err := d.pipeline.Run(ctx, pipeline.Request{
		URL:        rec.SourceURL,
		FolderID:   rec.FolderID,
		Credential: credential,
	})

	next := *rec
	if err != nil {
		jf := newJobFailure(rec, err)
		telemetry.RecordError(span, jf)
		next.Status = job.StatusFailed
		next.Message = jf.Diagnostic

		log.Warn().
			Str("kind", string(jf.Kind)).
			Str("diagnostic", jf.Diagnostic).
			Dur("elapsed", time.Since(start)).
			Msg("job failed")
		metrics.JobsFinished.WithLabelValues(string(job.StatusFailed), string(jf.Kind)).Inc()
	} else {
		next.Status = job.StatusSuccess
		log.Info().
			Str("file", res.FileName).
			Dur("elapsed", time.Since(start)).
			Msg("job succeeded")
		metrics.JobsFinished.WithLabelValues(string(job.StatusSuccess), "").Inc()
	}
	metrics.JobDuration.WithLabelValues(string(next.Status)).Observe(time.Since(start).Seconds())

	// the outcome is recorded even when the worker is being cancelled
	d.finalize(context.WithoutCancel(ctx), &next)
}

func newJobFailure(rec *job.Record, err error) *JobFailure {
	jf := &JobFailure{UserID: rec.UserID, JobID: rec.ID, Kind: pipeline.KindUpload, Diagnostic: err.Error()}
	var f *pipeline.Failure
	if errors.As(err, &f) {
		jf.Kind = f.Kind
		jf.Diagnostic = f.Diagnostic
	}
	return jf
}

// finalize writes a terminal record. A record that is gone or already
// terminal is an anomaly: logged and counted, never retried.
func (d *Dispatcher) finalize(ctx context.Context, rec *job.Record) {
	ctx, cancel := context.WithTimeout(ctx, finalizeTimeout)
	defer cancel()

	err := d.store.Update(ctx, rec)
	if err == nil {
		return
	}

	reason := "store_error"
	switch {
	case errors.Is(err, job.ErrNotFound):
		reason = "missing"
	case errors.Is(err, job.ErrTerminal):
		reason = "terminal"
	}
	metrics.RecordAnomalies.WithLabelValues(reason).Inc()
	d.log.Error().
		Err(err).
		Str("job_id", rec.ID).
		Str("user_id", rec.UserID).
		Str("status", string(rec.Status)).
		Str("reason", reason).
		Msg("job record anomaly during finalization")
}

// Recover fails the records this worker left pending in a previous run. The
// credential is never persisted, so those jobs cannot be re-run. Records of
// other workers sharing the store are left alone. Call it before accepting
// submissions.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	pending, err := d.store.ListPending(ctx, d.worker)
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	n := 0
	for _, rec := range pending {
		failed := *rec
		failed.Status = job.StatusFailed
		failed.Message = RecoveredMessage
		if err := d.store.Update(ctx, &failed); err != nil {
			d.log.Warn().Err(err).Str("job_id", rec.ID).Str("user_id", rec.UserID).Msg("recover: could not fail pending job")
			continue
		}
		n++
	}
	if n > 0 {
		d.log.Info().Int("count", n).Str("worker", d.worker).Msg("failed jobs interrupted by a restart")
	}
	return n, nil
}

// Sweep deletes expired records once.
func (d *Dispatcher) Sweep(ctx context.Context) (int64, error) {
	n, err := d.store.SweepExpired(ctx)
	if n > 0 {
		metrics.RecordsSwept.Add(float64(n))
		d.log.Info().Int64("count", n).Msg("expired job records deleted")
	}
	return n, err
}

// StartSweeper runs Sweep every interval until ctx is done.
func (d *Dispatcher) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := d.Sweep(ctx); err != nil && ctx.Err() == nil {
					d.log.Warn().Err(err).Msg("sweep failed")
				}
			}
		}
	}()
}
