package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/geoforge/tilerd/pkg/api/types/health"
)

// ReadyCounter reports how many workers accept requests. *worker.Pool
// implements it.
type ReadyCounter interface {
	ReadyCount() int
}

// GetHealthHandler serves GET /api/health. A node with workers is
// degraded while none of them is ready; cache nodes run no workers and
// pass nil.
func GetHealthHandler(pool ReadyCounter) echo.HandlerFunc {
	return func(c echo.Context) error {
		report := health.Report{Status: health.StatusOK}
		if pool != nil {
			report.WorkersReady = pool.ReadyCount()
			if report.WorkersReady == 0 {
				report.Status = health.StatusDegraded
			}
		}
		return c.JSON(http.StatusOK, report)
	}
}
