package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	apierr "github.com/geoforge/tilerd/pkg/api/binding/errors"
	apijobs "github.com/geoforge/tilerd/pkg/api/types/jobs"
	tdb "github.com/geoforge/tilerd/pkg/db"
	"github.com/geoforge/tilerd/pkg/utils"
)

// ListJobsHandler serves GET /api/jobs. A comma-separated ?status=
// query narrows the listing.
func ListJobsHandler(queue tdb.QueueInterface) echo.HandlerFunc {
	return func(c echo.Context) error {
		statuses := []tdb.JobStatus{}
		if q := c.QueryParam("status"); q != "" {
			for _, s := range strings.Split(q, ",") {
				js, err := tdb.AsJobStatus(strings.TrimSpace(s))
				if err != nil {
					return apierr.BadRequest(
						"status must be pending, running, succeeded, failed or cancelled",
						err,
					)
				}
				statuses = append(statuses, js)
			}
		}

		ctx := c.Request().Context()
		rows, err := retryTransient(ctx, func() ([]tdb.Job, error) {
			return queue.List(ctx, statuses)
		})
		if err != nil {
			return apierr.InternalServerError(err)
		}

		return c.JSON(http.StatusOK, utils.Map(rows, apijobs.ComposeSummary))
	}
}

// CancelJobHandler serves DELETE /api/jobs/:id. Pending jobs are
// withdrawn, running ones stop at their next safe point.
func CancelJobHandler(queue tdb.QueueInterface) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		ctx := c.Request().Context()
		err := retryTransientErr(ctx, func() error { return queue.Cancel(ctx, id) })
		switch {
		case errors.Is(err, tdb.ErrMissing):
			return apierr.NewErrorMessage(http.StatusNotFound, "job not found")
		case errors.Is(err, tdb.ErrInvalidJobStateChanging):
			return apierr.Conflict("the job already finished", apierr.WithError(err))
		case err != nil:
			return apierr.InternalServerError(err)
		}
		return c.JSON(http.StatusOK, apijobs.Cancelled{Status: "cancelled"})
	}
}
