package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/geoforge/tilerd/pkg/configs/dispatcher"
	"github.com/geoforge/tilerd/pkg/datasource"
	tdb "github.com/geoforge/tilerd/pkg/db"
	"github.com/geoforge/tilerd/pkg/loop"
	"github.com/geoforge/tilerd/pkg/remote"
	"github.com/google/uuid"
	"github.com/labstack/gommon/log"
)

// PyramidRunner executes one pyramid rebuild. *Pyramid implements it.
type PyramidRunner interface {
	Run(ctx context.Context, datasourceID string, stop func(context.Context) bool) error
}

// RemoteScheduler hands a pyramid build to the node owning the
// datasource. *remote.Client implements it.
type RemoteScheduler interface {
	SchedulePyramid(ctx context.Context, addr, datasourceID string) (remote.PyramidAck, error)
}

// Runner claims due queue rows and executes them. One runner per
// master; masters sharing a queue coordinate through the row claim
// only, so a job never runs on two of them.
type Runner struct {
	conf    *dispatcher.Config
	queue   tdb.QueueInterface
	dir     Directory
	pyramid PyramidRunner
	remote  RemoteScheduler
	logger  *log.Logger

	claimLimit  int
	maxAttempts int
	retryBase   time.Duration
	retryCap    time.Duration
	watchEvery  time.Duration
}

type RunnerOption func(*Runner)

// WithRunnerLogger replaces the default logger.
func WithRunnerLogger(logger *log.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithClaimLimit caps how many jobs one tick claims.
func WithClaimLimit(n int) RunnerOption {
	return func(r *Runner) { r.claimLimit = n }
}

// WithRetryPolicy sets the backoff of requeued jobs: base doubles per
// failed attempt up to cap.
func WithRetryPolicy(base, cap time.Duration) RunnerOption {
	return func(r *Runner) {
		r.retryBase = base
		r.retryCap = cap
	}
}

// WithMaxAttempts sets how many runs a job gets before it fails for
// good.
func WithMaxAttempts(n int) RunnerOption {
	return func(r *Runner) { r.maxAttempts = n }
}

// WithWatchInterval sets how often a running build re-reads its row for
// a cancellation. Zero checks before every tile.
func WithWatchInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.watchEvery = d }
}

func New(conf *dispatcher.Config, queue tdb.QueueInterface, dir Directory, pyramid PyramidRunner, scheduler RemoteScheduler, options ...RunnerOption) *Runner {
	r := &Runner{
		conf:    conf,
		queue:   queue,
		dir:     dir,
		pyramid: pyramid,
		remote:  scheduler,
		logger:  log.New("jobs"),

		claimLimit:  1,
		maxAttempts: tdb.DefaultMaxAttempts,
		retryBase:   time.Minute,
		retryCap:    time.Hour,
		watchEvery:  5 * time.Second,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// owner is the identity stamped into claimed rows, the master's public
// address.
func (r *Runner) owner() string {
	return r.conf.Address
}

// Run claims and executes due jobs until ctx ends.
//
// Rows left running by a previous run under the same owner are put back
// to pending first, then the queue is polled every timeout_pull_job
// seconds.
func (r *Runner) Run(ctx context.Context) error {
	if n, err := r.queue.RequeueStale(ctx, r.owner()); err != nil {
		r.logger.Errorf("requeueing stale jobs: %s", err)
	} else if n > 0 {
		r.logger.Infof("requeued %d jobs left running by a previous run", n)
	}

	_, err := loop.Start(ctx, struct{}{}, func(ctx context.Context, _ struct{}) (struct{}, loop.Next) {
		r.tick(ctx)
		return struct{}{}, loop.Continue(r.conf.PullJobInterval())
	})
	return err
}

// SchedulePyramid enqueues a pyramid job for the datasource unless one
// is already pending or running.
//
// Args:
//
// - ctx
//
// - datasourceID
//
// - at: do not start before this; the zero time means now.
//
// Returns:
//
// - string: the job id, the existing one when a pyramid was already
// queued.
//
// - bool: whether a pyramid was already pending or running.
//
// - error
func (r *Runner) SchedulePyramid(ctx context.Context, datasourceID string, at time.Time) (string, bool, error) {
	active, err := r.queue.List(ctx, []tdb.JobStatus{tdb.Pending, tdb.Running})
	if err != nil {
		return "", false, err
	}
	for _, job := range active {
		detail, err := ParseDetail(job.Detail)
		if err != nil {
			r.logger.Warnf("skipping unreadable detail of job '%s': %s", job.JobID, err)
			continue
		}
		if detail.Kind == KindPyramid && detail.DatasourceID == datasourceID {
			return job.JobID, true, nil
		}
	}

	detail, err := Detail{
		Kind:         KindPyramid,
		Name:         fmt.Sprintf("pyramid '%s'", datasourceID),
		DatasourceID: datasourceID,
	}.Document()
	if err != nil {
		return "", false, err
	}
	if at.IsZero() {
		at = time.Now()
	}
	jobID := uuid.NewString()
	if err := r.queue.Push(ctx, jobID, at, detail); err != nil {
		return "", false, err
	}
	return jobID, false, nil
}

func (r *Runner) tick(ctx context.Context) {
	claimed, err := r.queue.Claim(ctx, r.owner(), r.claimLimit)
	if err != nil {
		r.logger.Errorf("claiming jobs: %s", err)
		return
	}
	for _, job := range claimed {
		r.execute(ctx, job)
	}
}

func (r *Runner) execute(ctx context.Context, job tdb.Job) {
	detail, err := ParseDetail(job.Detail)
	if err != nil {
		r.settle(ctx, job, fmt.Errorf("%w: unreadable detail: %s", ErrFatal, err))
		return
	}

	r.logger.Infof("running job '%s' (%s)", job.JobID, detail.Kind)
	switch detail.Kind {
	case KindPyramid:
		err = r.pyramidJob(ctx, job.JobID, detail.DatasourceID)
	case KindCalculation:
		// reserved kind, nothing to run yet
		err = nil
	default:
		err = fmt.Errorf("%w: unknown job kind '%s'", ErrFatal, detail.Kind)
	}
	r.settle(ctx, job, err)
}

// pyramidJob rebuilds locally, or hands the build to the node the
// descriptor points at. The handoff is done once the remote node
// acknowledges; its own runner carries the build from there.
func (r *Runner) pyramidJob(ctx context.Context, jobID, datasourceID string) error {
	if d, ok := r.dir.Get(datasourceID); ok && d.Remote() && r.remote != nil {
		addr := fmt.Sprintf("%s:%d", *d.DataStore.Host, *d.DataStore.Port)
		if addr != r.owner() {
			ack, err := r.remote.SchedulePyramid(ctx, addr, datasourceID)
			if err != nil {
				return remoteOutcome(err)
			}
			r.logger.Infof("pyramid of '%s' handed to %s as '%s'", datasourceID, addr, ack.PyramidID)
			return nil
		}
	}
	return r.pyramid.Run(ctx, datasourceID, r.watcher(jobID))
}

// remoteOutcome sorts a handoff failure: a refusal by the remote node
// will not heal on its own, everything else is worth another attempt.
func remoteOutcome(err error) error {
	se := new(remote.StatusError)
	if errors.As(err, &se) && 400 <= se.Code && se.Code < 500 {
		return fmt.Errorf("%w: %s", ErrFatal, err)
	}
	return err
}

// settle moves the job row according to the run's outcome.
func (r *Runner) settle(ctx context.Context, job tdb.Job, err error) {
	switch {
	case err == nil:
		if cerr := r.queue.Complete(ctx, job.JobID); cerr != nil {
			r.transitionFailed(job.JobID, "complete", cerr)
		}

	case errors.Is(err, ErrCancelled):
		r.logger.Infof("job '%s' cancelled", job.JobID)

	case errors.Is(err, ErrFatal), errors.Is(err, datasource.ErrNotFound):
		r.logger.Errorf("job '%s' failed for good: %s", job.JobID, err)
		if ferr := r.queue.MarkFailed(ctx, job.JobID); ferr != nil {
			r.transitionFailed(job.JobID, "fail", ferr)
		}

	case job.FailedAttempts+1 >= r.maxAttempts:
		r.logger.Errorf("job '%s' failed on its last attempt: %s", job.JobID, err)
		if ferr := r.queue.MarkFailed(ctx, job.JobID); ferr != nil {
			r.transitionFailed(job.JobID, "fail", ferr)
		}

	default:
		after := r.backoff(job.FailedAttempts)
		r.logger.Warnf("job '%s' will retry in %s: %s", job.JobID, after, err)
		if rerr := r.queue.Retry(ctx, job.JobID, time.Now().Add(after)); rerr != nil {
			r.transitionFailed(job.JobID, "retry", rerr)
		}
	}
}

// transitionFailed logs a failed row move. Losing the race against a
// cancel is routine, everything else is not.
func (r *Runner) transitionFailed(jobID, move string, err error) {
	if errors.Is(err, tdb.ErrInvalidJobStateChanging) {
		r.logger.Infof("job '%s' moved away before %s: %s", jobID, move, err)
		return
	}
	r.logger.Errorf("marking job '%s' (%s): %s", jobID, move, err)
}

func (r *Runner) backoff(attempts int) time.Duration {
	d := r.retryBase << attempts
	if d <= 0 || r.retryCap < d {
		d = r.retryCap
	}
	return d
}

// watcher makes the stop probe of one job: it re-reads the row at most
// once per watch interval and reports whether the job was cancelled.
// The probe is called from the rebuild's scan goroutine only.
func (r *Runner) watcher(jobID string) func(context.Context) bool {
	var last time.Time
	cancelled := false
	return func(ctx context.Context) bool {
		if cancelled {
			return true
		}
		if !last.IsZero() && time.Since(last) < r.watchEvery {
			return false
		}
		last = time.Now()
		job, err := r.queue.Get(ctx, jobID)
		if err != nil {
			r.logger.Warnf("re-reading job '%s': %s", jobID, err)
			return false
		}
		cancelled = job.Status == tdb.Cancelled
		return cancelled
	}
}
