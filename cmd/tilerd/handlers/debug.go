package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/geoforge/tilerd/pkg/configs/dispatcher"
	"github.com/geoforge/tilerd/pkg/datasource"
	"github.com/geoforge/tilerd/pkg/utils"
	"github.com/geoforge/tilerd/pkg/worker"
)

// Admission reads the gate's occupancy. *gate.Gate implements it.
type Admission interface {
	Limit() int
	InFlight() int
}

type debugAdmission struct {
	Limit    int `json:"limit"`
	InFlight int `json:"in_flight"`
}

type debugRequest struct {
	Method  string      `json:"method"`
	URI     string      `json:"uri"`
	Host    string      `json:"host"`
	Remote  string      `json:"remote"`
	Headers http.Header `json:"headers"`
}

type debugSnapshot struct {
	Bind        string          `json:"bind"`
	Address     string          `json:"address,omitempty"`
	Master      bool            `json:"master"`
	Datasources []string        `json:"datasources"`
	Admission   *debugAdmission `json:"admission,omitempty"`
	Workers     []worker.Info   `json:"workers,omitempty"`
	Request     debugRequest    `json:"request"`
}

// GetDebugHandler serves /debug with a snapshot of the node and an
// echo of the request as the node saw it. Cache nodes pass nil for the
// parts they do not run.
func GetDebugHandler(conf *dispatcher.Config, adm Admission, dir Directory, pool WorkerSupervisor) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		snapshot := debugSnapshot{
			Bind:        conf.Bind(),
			Address:     conf.Address,
			Master:      conf.IsMaster(),
			Datasources: []string{},
			Request: debugRequest{
				Method:  req.Method,
				URI:     req.RequestURI,
				Host:    req.Host,
				Remote:  c.RealIP(),
				Headers: req.Header,
			},
		}
		if dir != nil {
			snapshot.Datasources = utils.Map(dir.List(), func(d *datasource.Descriptor) string {
				return d.ID
			})
		}
		if adm != nil {
			snapshot.Admission = &debugAdmission{
				Limit:    adm.Limit(),
				InFlight: adm.InFlight(),
			}
		}
		if pool != nil {
			snapshot.Workers = pool.Info()
		}
		return c.JSON(http.StatusOK, snapshot)
	}
}
