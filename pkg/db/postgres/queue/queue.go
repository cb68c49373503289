package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	tdb "github.com/geoforge/tilerd/pkg/db"
	tpgerr "github.com/geoforge/tilerd/pkg/db/postgres/errors"
)

const DefaultMaxFailedAttempts = tdb.DefaultMaxAttempts

const jobColumns = `"job_id", "created_at", "updated_at", "scheduled_for", ` +
	`"failed_attempts", "status", "job_detail"`

type pgQueue struct {
	pool        *pgxpool.Pool
	maxAttempts int
}

type Option func(*pgQueue) *pgQueue

// WithMaxFailedAttempts caps how often a job can go back to Pending
// before Claim stops picking it up.
func WithMaxFailedAttempts(n int) Option {
	return func(q *pgQueue) *pgQueue {
		q.maxAttempts = n
		return q
	}
}

func New(pool *pgxpool.Pool, options ...Option) tdb.QueueInterface {
	q := &pgQueue{pool: pool, maxAttempts: DefaultMaxFailedAttempts}
	for _, option := range options {
		q = option(q)
	}
	return q
}

func (q *pgQueue) Push(ctx context.Context, jobID string, scheduledFor time.Time, detail []byte) error {
	_, err := q.pool.Exec(
		ctx,
		`
		INSERT INTO "queue" (`+jobColumns+`)
		VALUES ($1, now(), now(), $2, 0, $3, $4);
		`,
		jobID, scheduledFor, int(tdb.Pending), detail,
	)
	if err != nil {
		if pgerr := new(pgconn.PgError); errors.As(err, &pgerr) {
			if pgerr.Code == pgerrcode.UniqueViolation {
				return tpgerr.Conflict{
					Table:    "queue",
					Identity: fmt.Sprintf("job_id='%s'", jobID),
				}
			}
		}
		return tpgerr.Classify(err)
	}
	return nil
}

func (q *pgQueue) Claim(ctx context.Context, owner string, limit int) ([]tdb.Job, error) {
	// Locked rows belong to a concurrent Claim and are skipped,
	// so masters never hand out the same job twice.
	rows, err := q.pool.Query(
		ctx,
		`
		UPDATE "queue" SET
			"status" = $1,
			"updated_at" = now(),
			"job_detail" = jsonb_set("job_detail", '{claimed_by}', to_jsonb($2::varchar), true)
		WHERE "job_id" IN (
			SELECT "job_id" FROM "queue"
			WHERE "status" = $3 AND "scheduled_for" <= now() AND "failed_attempts" < $4
			ORDER BY "scheduled_for"
			FOR UPDATE SKIP LOCKED
			LIMIT $5
		)
		RETURNING `+jobColumns+`;
		`,
		int(tdb.Running), owner, int(tdb.Pending), q.maxAttempts, limit,
	)
	if err != nil {
		return nil, tpgerr.Classify(err)
	}
	defer rows.Close()

	jobs := []tdb.Job{}
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, tpgerr.Classify(err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, tpgerr.Classify(err)
	}

	// RETURNING has no order guarantee
	slices.SortFunc(jobs, func(a, b tdb.Job) int {
		return a.ScheduledFor.Compare(b.ScheduledFor)
	})

	return jobs, nil
}

func (q *pgQueue) Complete(ctx context.Context, jobID string) error {
	return q.transit(ctx, jobID, []tdb.JobStatus{tdb.Running}, func(tx pgx.Tx) error {
		_, err := tx.Exec(
			ctx,
			`UPDATE "queue" SET "status" = $2, "updated_at" = now() WHERE "job_id" = $1;`,
			jobID, int(tdb.Succeeded),
		)
		return err
	})
}

func (q *pgQueue) Retry(ctx context.Context, jobID string, at time.Time) error {
	return q.transit(ctx, jobID, []tdb.JobStatus{tdb.Running}, func(tx pgx.Tx) error {
		_, err := tx.Exec(
			ctx,
			`
			UPDATE "queue" SET
				"status" = $2,
				"updated_at" = now(),
				"scheduled_for" = $3,
				"failed_attempts" = "failed_attempts" + 1,
				"job_detail" = "job_detail" - 'claimed_by'
			WHERE "job_id" = $1;
			`,
			jobID, int(tdb.Pending), at,
		)
		return err
	})
}

func (q *pgQueue) MarkFailed(ctx context.Context, jobID string) error {
	// claimed_by stays on the row; it tells which master gave up.
	return q.transit(ctx, jobID, []tdb.JobStatus{tdb.Running}, func(tx pgx.Tx) error {
		_, err := tx.Exec(
			ctx,
			`
			UPDATE "queue" SET
				"status" = $2,
				"updated_at" = now(),
				"failed_attempts" = "failed_attempts" + 1
			WHERE "job_id" = $1;
			`,
			jobID, int(tdb.Failed),
		)
		return err
	})
}

func (q *pgQueue) RequeueStale(ctx context.Context, owner string) (int, error) {
	tag, err := q.pool.Exec(
		ctx,
		`
		UPDATE "queue" SET
			"status" = $1,
			"updated_at" = now(),
			"job_detail" = "job_detail" - 'claimed_by'
		WHERE "status" = $2 AND "job_detail"->>'claimed_by' = $3;
		`,
		int(tdb.Pending), int(tdb.Running), owner,
	)
	if err != nil {
		return 0, tpgerr.Classify(err)
	}
	return int(tag.RowsAffected()), nil
}

func (q *pgQueue) List(ctx context.Context, statuses []tdb.JobStatus) ([]tdb.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM "queue"`
	args := []interface{}{}
	if len(statuses) > 0 {
		codes := make([]int32, len(statuses))
		for i, status := range statuses {
			codes[i] = int32(status)
		}
		query += ` WHERE "status" = ANY($1)`
		args = append(args, codes)
	}
	query += ` ORDER BY "scheduled_for", "id";`

	rows, err := q.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, tpgerr.Classify(err)
	}
	defer rows.Close()

	jobs := []tdb.Job{}
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, tpgerr.Classify(err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, tpgerr.Classify(err)
	}

	return jobs, nil
}

func (q *pgQueue) Get(ctx context.Context, jobID string) (tdb.Job, error) {
	job, err := scanJob(
		q.pool.QueryRow(
			ctx, `SELECT `+jobColumns+` FROM "queue" WHERE "job_id" = $1;`, jobID,
		).Scan,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tdb.Job{}, tpgerr.Missing{
				Table:    "queue",
				Identity: fmt.Sprintf("job_id='%s'", jobID),
			}
		}
		return tdb.Job{}, tpgerr.Classify(err)
	}
	return job, nil
}

func (q *pgQueue) Cancel(ctx context.Context, jobID string) error {
	// Running jobs flip to Cancelled right away; their executor keeps
	// going until it observes the row at its next safe point.
	return q.transit(ctx, jobID, []tdb.JobStatus{tdb.Pending, tdb.Running}, func(tx pgx.Tx) error {
		_, err := tx.Exec(
			ctx,
			`UPDATE "queue" SET "status" = $2, "updated_at" = now() WHERE "job_id" = $1;`,
			jobID, int(tdb.Cancelled),
		)
		return err
	})
}

// transit runs update while holding a row lock, after checking the job
// is in one of the from statuses.
func (q *pgQueue) transit(
	ctx context.Context, jobID string, from []tdb.JobStatus, update func(tx pgx.Tx) error,
) error {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return tpgerr.Classify(err)
	}
	defer tx.Rollback(ctx)

	var status int
	if err := tx.QueryRow(
		ctx, `SELECT "status" FROM "queue" WHERE "job_id" = $1 FOR UPDATE;`, jobID,
	).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tpgerr.Missing{
				Table:    "queue",
				Identity: fmt.Sprintf("job_id='%s'", jobID),
			}
		}
		return tpgerr.Classify(err)
	}

	if !slices.Contains(from, tdb.JobStatus(status)) {
		want := make([]string, len(from))
		for i, s := range from {
			want[i] = s.String()
		}
		return fmt.Errorf(
			"%w: job '%s' is %s, not %s",
			tdb.ErrInvalidJobStateChanging, jobID, tdb.JobStatus(status), strings.Join(want, " or "),
		)
	}

	if err := update(tx); err != nil {
		return tpgerr.Classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return tpgerr.Classify(err)
	}
	return nil
}

func scanJob(scan func(...interface{}) error) (tdb.Job, error) {
	var (
		job    tdb.Job
		status int
	)
	if err := scan(
		&job.JobID, &job.CreatedAt, &job.UpdatedAt, &job.ScheduledFor,
		&job.FailedAttempts, &status, &job.Detail,
	); err != nil {
		return tdb.Job{}, err
	}
	job.Status = tdb.JobStatus(status)
	return job, nil
}
