package handlers

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	apierr "github.com/geoforge/tilerd/pkg/api/binding/errors"
	"github.com/geoforge/tilerd/pkg/proxy"
	"github.com/geoforge/tilerd/pkg/utils"
	"github.com/geoforge/tilerd/pkg/worker"
)

// PassthroughHandler relays routes the node does not serve itself to
// one ready worker. Workers answer endpoints of their own beyond tile
// generation, and this keeps those reachable through the node's
// public address.
func PassthroughHandler(pool WorkerSupervisor, client *http.Client) echo.HandlerFunc {
	return func(c echo.Context) error {
		ready, ok := utils.First(pool.Info(), func(info worker.Info) bool {
			return info.State == worker.Ready
		})
		if !ok {
			return apierr.ServiceUnavailable("no worker is ready", worker.ErrNoWorkers)
		}

		req := c.Request()
		var body []byte
		if req.Body != nil {
			read, err := io.ReadAll(req.Body)
			if err != nil {
				return apierr.BadRequest("could not read the request body", err)
			}
			body = read
		}

		out, err := proxy.Request(req.Context(), req.Method, "http://"+ready.Address, req.RequestURI, req.Header, body)
		if err != nil {
			return apierr.InternalServerError(err)
		}
		res, err := proxy.Do(client, out)
		if err != nil {
			return apierr.ServiceUnavailable("the worker did not answer", err)
		}

		proxy.CopyHeader(c.Response().Header(), res.Header, "content-length", "connection", "content-type")
		contentType := res.Header.Get("Content-Type")
		if contentType == "" {
			contentType = echo.MIMEOctetStream
		}
		return c.Blob(res.Status, contentType, res.Body)
	}
}
