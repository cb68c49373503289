package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	apierr "github.com/geoforge/tilerd/pkg/api/binding/errors"
	"github.com/geoforge/tilerd/pkg/api/types/pyramids"
	"github.com/geoforge/tilerd/pkg/datasource"
	"github.com/geoforge/tilerd/pkg/utils/rfctime"
)

// Directory is the handlers' read view of the datasource registry.
// *datasource.Registry implements it.
type Directory interface {
	Get(datasourceID string) (*datasource.Descriptor, bool)
	List() []*datasource.Descriptor
}

// PyramidScheduler queues a full rebuild of one datasource's tiles.
// *jobs.Runner implements it on masters; worker nodes wrap jobs.Direct.
type PyramidScheduler interface {
	SchedulePyramid(ctx context.Context, datasourceID string, at time.Time) (string, bool, error)
}

// PostPyramidHandler serves POST /api/pyramid. The body names the
// datasource and, optionally, an RFC3339 instant to build at; bodies
// may carry extra generation parameters, which are ignored in favor of
// the stored descriptor's settings.
func PostPyramidHandler(dir Directory, scheduler PyramidScheduler) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := pyramids.Request{}
		if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
			return apierr.BadRequest(`send a JSON body like {"datasource_id": "..."}`, err)
		}
		if req.DatasourceID == "" {
			return apierr.Unprocessable(bodyErr("missing", "datasource_id", "field required"))
		}
		if _, ok := dir.Get(req.DatasourceID); !ok {
			return apierr.NewErrorMessage(
				http.StatusNotFound, "datasource not found",
				apierr.WithAdvice("check GET /api/datasources for known ids"),
			)
		}

		at := time.Time{}
		if req.ScheduledFor != "" {
			parsed, err := rfctime.ParseRFC3339DateTime(req.ScheduledFor)
			if err != nil {
				return apierr.Unprocessable(bodyErr("value_error", "scheduled_for", "not an RFC3339 timestamp"))
			}
			at = parsed.Time()
		}

		ctx := c.Request().Context()
		ack, err := retryTransient(ctx, func() (pyramids.Ack, error) {
			id, running, err := scheduler.SchedulePyramid(ctx, req.DatasourceID, at)
			return pyramids.Ack{PyramidID: id, AlreadyRunning: running}, err
		})
		if err != nil {
			return apierr.InternalServerError(err)
		}
		return c.JSON(http.StatusAccepted, ack)
	}
}
