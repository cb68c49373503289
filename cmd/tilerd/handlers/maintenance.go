package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	apierr "github.com/geoforge/tilerd/pkg/api/binding/errors"
	"github.com/geoforge/tilerd/pkg/api/types/workers"
	"github.com/geoforge/tilerd/pkg/worker"
)

// WorkerSupervisor is the handlers' view of the worker pool.
// *worker.Pool implements it.
type WorkerSupervisor interface {
	AddWorkers(ctx context.Context, n int) error
	ReloadAll(ctx context.Context)
	TerminateAll()
	Info() []worker.Info
}

// Limiter resizes the admission gate. *gate.Gate implements it.
type Limiter interface {
	Resize(delta int) int
}

// AddWorkersHandler serves POST /maintenance/add_workers.
//
// base outlives the request; the new workers' monitors run on it.
func AddWorkersHandler(base context.Context, pool WorkerSupervisor) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := workers.AddRequest{}
		if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
			return apierr.BadRequest(`send a JSON body like {"count": 2}`, err)
		}
		if req.Count < 1 {
			return apierr.Unprocessable(bodyErr("value_error", "count", "must be a positive integer"))
		}
		if err := pool.AddWorkers(base, req.Count); err != nil {
			if errors.Is(err, worker.ErrNoPorts) {
				return apierr.Conflict("no free worker ports left", apierr.WithError(err))
			}
			return apierr.InternalServerError(err)
		}
		return c.JSON(http.StatusOK, workers.Ack{
			Message: fmt.Sprintf("%d workers added", req.Count),
		})
	}
}

// ReloadWorkersHandler serves POST /maintenance/reload_workers. The
// rolling reload runs in the background on base; a reload already in
// progress absorbs the new request.
func ReloadWorkersHandler(base context.Context, pool WorkerSupervisor) echo.HandlerFunc {
	return func(c echo.Context) error {
		go pool.ReloadAll(base)
		return c.JSON(http.StatusOK, workers.Ack{Message: "rolling reload started"})
	}
}

// TerminateWorkersHandler serves POST /maintenance/terminate_workers.
// Workers drain and stop in the background; the pool stays usable and
// add_workers grows it again.
func TerminateWorkersHandler(pool WorkerSupervisor) echo.HandlerFunc {
	return func(c echo.Context) error {
		go pool.TerminateAll()
		return c.JSON(http.StatusOK, workers.Ack{Message: "terminating all workers"})
	}
}

// InfoWorkersHandler serves GET /maintenance/info_workers.
func InfoWorkersHandler(pool WorkerSupervisor) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, pool.Info())
	}
}

// IncreaseLimitHandler serves POST /maintenance/increase_limit_cr,
// raising the concurrent tile request limit by the body's n.
func IncreaseLimitHandler(g Limiter) echo.HandlerFunc {
	return limitHandler(g, func(n int) int { return n })
}

// DecreaseLimitHandler serves POST /maintenance/decrease_limit_cr.
// The gate never shrinks below one admitted request.
func DecreaseLimitHandler(g Limiter) echo.HandlerFunc {
	return limitHandler(g, func(n int) int { return -n })
}

func limitHandler(g Limiter, sign func(int) int) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := workers.LimitRequest{}
		if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
			return apierr.BadRequest(`send a JSON body like {"n": 1}`, err)
		}
		if req.N < 1 {
			return apierr.Unprocessable(bodyErr("value_error", "n", "must be a positive integer"))
		}
		return c.JSON(http.StatusOK, workers.Limit{
			MaxConcurrentTileRequests: g.Resize(sign(req.N)),
		})
	}
}
