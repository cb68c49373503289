package jobs

import (
	"encoding/json"

	tdb "github.com/geoforge/tilerd/pkg/db"
	"github.com/geoforge/tilerd/pkg/utils/rfctime"
)

// Summary is one queue row as the API shows it.
type Summary struct {
	JobID          string          `json:"job_id"`
	CreatedAt      rfctime.RFC3339 `json:"created_at"`
	UpdatedAt      rfctime.RFC3339 `json:"updated_at"`
	ScheduledFor   rfctime.RFC3339 `json:"scheduled_for"`
	FailedAttempts int             `json:"failed_attempts"`
	Status         tdb.JobStatus   `json:"status"`
	Detail         json.RawMessage `json:"detail"`
}

func ComposeSummary(job tdb.Job) Summary {
	return Summary{
		JobID:          job.JobID,
		CreatedAt:      rfctime.RFC3339(job.CreatedAt),
		UpdatedAt:      rfctime.RFC3339(job.UpdatedAt),
		ScheduledFor:   rfctime.RFC3339(job.ScheduledFor),
		FailedAttempts: job.FailedAttempts,
		Status:         job.Status,
		Detail:         json.RawMessage(job.Detail),
	}
}

func (s Summary) Equal(o Summary) bool {
	return s.JobID == o.JobID &&
		s.CreatedAt.Time().Equal(o.CreatedAt.Time()) &&
		s.UpdatedAt.Time().Equal(o.UpdatedAt.Time()) &&
		s.ScheduledFor.Time().Equal(o.ScheduledFor.Time()) &&
		s.FailedAttempts == o.FailedAttempts &&
		s.Status == o.Status &&
		string(s.Detail) == string(o.Detail)
}

// Cancelled answers a job cancellation.
type Cancelled struct {
	Status string `json:"status"`
}
