package db

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// JobStatus is persisted as an integer, so the numeric values are frozen.
// Append only.
type JobStatus int

const (
	// the job waits for its scheduled_for time.
	Pending JobStatus = 0

	// a master claimed the job and works on it.
	Running JobStatus = 1

	// the job has been done, successfully.
	Succeeded JobStatus = 2

	// the job stopped after exhausting its attempts.
	Failed JobStatus = 3

	// the job was withdrawn before it started.
	Cancelled JobStatus = 4
)

func (js JobStatus) String() string {
	switch js {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", int(js))
	}
}

func (js JobStatus) MarshalJSON() ([]byte, error) {
	switch js {
	case Pending, Running, Succeeded, Failed, Cancelled:
		return []byte(`"` + js.String() + `"`), nil
	default:
		return nil, fmt.Errorf("'%d' is not JobStatus", int(js))
	}
}

func AsJobStatus(status string) (JobStatus, error) {
	switch status {
	case Pending.String():
		return Pending, nil
	case Running.String():
		return Running, nil
	case Succeeded.String():
		return Succeeded, nil
	case Failed.String():
		return Failed, nil
	case Cancelled.String():
		return Cancelled, nil
	default:
		return 0, fmt.Errorf("'%s' is not JobStatus", status)
	}
}

// Terminal reports whether no further transition can happen from js.
func (js JobStatus) Terminal() bool {
	switch js {
	case Succeeded, Failed, Cancelled:
		return true
	default:
		return false
	}
}

var ErrInvalidJobStateChanging = errors.New("cannot change job state")

// DefaultMaxAttempts is how many runs a job gets before it stops being
// claimed. Low, as pyramid jobs also retry internally.
const DefaultMaxAttempts = 3

// Job is one row of the "queue" table.
type Job struct {
	JobID          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ScheduledFor   time.Time
	FailedAttempts int
	Status         JobStatus

	// JSONB document describing what to do. Never nil.
	Detail []byte
}

type QueueInterface interface {
	// enqueue a new job as Pending.
	//
	// Args
	//
	// - context.Context
	//
	// - string: job id. Must be unique over the whole table.
	//
	// - time.Time: do not start the job before this.
	//
	// - []byte: job detail, a JSON document.
	//
	// Returns
	//
	// - error: ErrConflict (when the job id is already taken)
	Push(ctx context.Context, jobID string, scheduledFor time.Time, detail []byte) error

	// claim due Pending jobs and mark them Running.
	//
	// A job is due when its scheduled_for has passed and it has attempts
	// left. Claimed rows are stamped with the owner (into the job detail,
	// key "claimed_by") so a restarting master can find its own leftovers.
	// Rows locked by another master are skipped, not waited for.
	//
	// Args
	//
	// - context.Context
	//
	// - string: owner stamped into claimed jobs.
	//
	// - int: claim at most this many jobs.
	//
	// Returns
	//
	// - []Job: claimed jobs, oldest schedule first. Empty when nothing is due.
	//
	// - error
	Claim(ctx context.Context, owner string, limit int) ([]Job, error)

	// mark a Running job Succeeded.
	//
	// Returns
	//
	// - error: ErrMissing (when no job has the id),
	// ErrInvalidJobStateChanging (when the job is not Running)
	Complete(ctx context.Context, jobID string) error

	// put a Running job back to Pending for another attempt.
	//
	// failed_attempts is incremented and scheduled_for moved to at.
	//
	// Returns
	//
	// - error: ErrMissing (when no job has the id),
	// ErrInvalidJobStateChanging (when the job is not Running)
	Retry(ctx context.Context, jobID string, at time.Time) error

	// mark a Running job Failed. Terminal.
	//
	// Returns
	//
	// - error: ErrMissing (when no job has the id),
	// ErrInvalidJobStateChanging (when the job is not Running)
	MarkFailed(ctx context.Context, jobID string) error

	// put Running jobs claimed by owner back to Pending.
	//
	// Meant for startup: jobs left Running by a crashed master become
	// claimable again. The claimed_by stamp is removed.
	//
	// Returns
	//
	// - int: how many jobs were requeued
	//
	// - error
	RequeueStale(ctx context.Context, owner string) (int, error)

	// list jobs, optionally narrowed by status.
	//
	// Args
	//
	// - context.Context
	//
	// - []JobStatus: keep jobs in these statuses. Empty means all.
	//
	// Returns
	//
	// - []Job: oldest schedule first.
	//
	// - error
	List(ctx context.Context, statuses []JobStatus) ([]Job, error)

	// get a job by id.
	//
	// Returns
	//
	// - error: ErrMissing (when no job has the id)
	Get(ctx context.Context, jobID string) (Job, error)

	// cancel a job that has not finished.
	//
	// Pending jobs are withdrawn before they start. Running jobs flip to
	// Cancelled immediately, and their executor stops at its next safe
	// point when it observes the row.
	//
	// Returns
	//
	// - error: ErrMissing (when no job has the id),
	// ErrInvalidJobStateChanging (when the job is already terminal)
	Cancel(ctx context.Context, jobID string) error
}
