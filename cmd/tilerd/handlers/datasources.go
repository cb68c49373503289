package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	apierr "github.com/geoforge/tilerd/pkg/api/binding/errors"
	apids "github.com/geoforge/tilerd/pkg/api/types/datasources"
	"github.com/geoforge/tilerd/pkg/datasource"
	tdb "github.com/geoforge/tilerd/pkg/db"
	"github.com/geoforge/tilerd/pkg/remote"
	"github.com/geoforge/tilerd/pkg/utils"
)

// DatasourceRegistry is the handlers' mutating view of the datasource
// registry. *datasource.Registry implements it.
type DatasourceRegistry interface {
	Directory
	Resync(ctx context.Context) error
	Create(ctx context.Context, raw []byte) (string, []datasource.ValidationError, error)
	Update(ctx context.Context, raw []byte) (string, []datasource.ValidationError, error)
	Delete(ctx context.Context, datasourceID string) error
	LoadFiles(ctx context.Context) (*datasource.LoadReport, error)
	ReloadFiles(ctx context.Context, ids []string) (*datasource.LoadReport, error)
}

// Syncer pings another node to refresh its descriptor view.
// *remote.Client implements it.
type Syncer interface {
	SyncDatasources(ctx context.Context, addr string) error
}

// ListDatasourcesHandler serves GET /api/datasources. A request
// carrying the master relay header doubles as a sync ping, so the
// registry is refreshed from the database before answering.
func ListDatasourcesHandler(reg DatasourceRegistry) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if c.Request().Header.Get(remote.MasterHeader) != "" {
			if err := retryTransientErr(ctx, func() error { return reg.Resync(ctx) }); err != nil {
				return apierr.InternalServerError(err)
			}
		}
		return c.JSON(http.StatusOK, reg.List())
	}
}

// GetDatasourceHandler serves GET /api/datasources/:id.
func GetDatasourceHandler(dir Directory) echo.HandlerFunc {
	return func(c echo.Context) error {
		d, ok := dir.Get(c.Param("id"))
		if !ok {
			return apierr.NewErrorMessage(http.StatusNotFound, "datasource not found")
		}
		return c.JSON(http.StatusOK, d)
	}
}

// upsertOutcome carries a create or update result through the
// transient retry helper.
type upsertOutcome struct {
	id    string
	verrs []datasource.ValidationError
}

// PostDatasourceHandler serves POST /api/datasources. The body is a
// descriptor document; violations come back as a 422 detail list.
//
// base outlives the request and drives the background sync of other
// nodes.
func PostDatasourceHandler(base context.Context, reg DatasourceRegistry, sync Syncer) echo.HandlerFunc {
	return func(c echo.Context) error {
		raw, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return apierr.BadRequest("could not read the request body", err)
		}
		ctx := c.Request().Context()
		out, err := retryTransient(ctx, func() (upsertOutcome, error) {
			id, verrs, err := reg.Create(ctx, raw)
			return upsertOutcome{id: id, verrs: verrs}, err
		})
		switch {
		case errors.Is(err, tdb.ErrConflict):
			return apierr.Conflict("datasource id already taken", apierr.WithError(err))
		case err != nil:
			return apierr.InternalServerError(err)
		case len(out.verrs) != 0:
			return apierr.Unprocessable(out.verrs)
		}
		fanoutSync(c, base, reg, sync)
		return c.JSON(http.StatusOK, apids.Created{
			DatasourceID: out.id,
			Message:      "datasource created",
		})
	}
}

// PutDatasourceHandler serves PUT /api/datasources, replacing the
// stored document of the datasource named by the body's id.
func PutDatasourceHandler(base context.Context, reg DatasourceRegistry, sync Syncer) echo.HandlerFunc {
	return func(c echo.Context) error {
		raw, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return apierr.BadRequest("could not read the request body", err)
		}
		ctx := c.Request().Context()
		out, err := retryTransient(ctx, func() (upsertOutcome, error) {
			id, verrs, err := reg.Update(ctx, raw)
			return upsertOutcome{id: id, verrs: verrs}, err
		})
		switch {
		case errors.Is(err, tdb.ErrMissing):
			return apierr.NewErrorMessage(http.StatusNotFound, "datasource not found")
		case err != nil:
			return apierr.InternalServerError(err)
		case len(out.verrs) != 0:
			return apierr.Unprocessable(out.verrs)
		}
		fanoutSync(c, base, reg, sync)
		return c.JSON(http.StatusOK, apids.Created{
			DatasourceID: out.id,
			Message:      "datasource updated",
		})
	}
}

// DeleteDatasourceHandler serves DELETE /api/datasources/:id. The
// datasource's tiles and source data go with the row.
func DeleteDatasourceHandler(base context.Context, reg DatasourceRegistry, sync Syncer) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		ctx := c.Request().Context()
		err := retryTransientErr(ctx, func() error { return reg.Delete(ctx, id) })
		switch {
		case errors.Is(err, tdb.ErrMissing):
			return apierr.NewErrorMessage(http.StatusNotFound, "datasource not found")
		case err != nil:
			return apierr.InternalServerError(err)
		}
		fanoutSync(c, base, reg, sync)
		return c.JSON(http.StatusOK, apids.Deleted{
			Status:  http.StatusOK,
			Message: fmt.Sprintf("datasource '%s' deleted", id),
		})
	}
}

// LoadDatasourceFilesHandler serves POST /api/datasources/load_files,
// upserting every descriptor file found under the data root.
func LoadDatasourceFilesHandler(base context.Context, reg DatasourceRegistry, sync Syncer) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		report, err := retryTransient(ctx, func() (*datasource.LoadReport, error) {
			return reg.LoadFiles(ctx)
		})
		if err != nil {
			return apierr.InternalServerError(err)
		}
		fanoutSync(c, base, reg, sync)
		return c.JSON(http.StatusOK, report)
	}
}

// ReloadDatasourceFilesHandler serves POST /api/datasources/reload_files.
// The body is a bare JSON array of datasource ids to drop before the
// rescan.
func ReloadDatasourceFilesHandler(base context.Context, reg DatasourceRegistry, sync Syncer) echo.HandlerFunc {
	return func(c echo.Context) error {
		ids := []string{}
		if err := json.NewDecoder(c.Request().Body).Decode(&ids); err != nil {
			return apierr.BadRequest(`send a JSON array of datasource ids, like ["osm"]`, err)
		}
		ctx := c.Request().Context()
		report, err := retryTransient(ctx, func() (*datasource.LoadReport, error) {
			return reg.ReloadFiles(ctx, ids)
		})
		if err != nil {
			return apierr.InternalServerError(err)
		}
		fanoutSync(c, base, reg, sync)
		return c.JSON(http.StatusOK, report)
	}
}

// fanoutSync pings every node owning a remote datasource so their
// descriptor views pick up a mutation. The pings run in the background
// on base; the mutation's response does not wait for them.
func fanoutSync(c echo.Context, base context.Context, dir Directory, sync Syncer) {
	if sync == nil {
		return
	}
	owners := utils.ToMap(
		utils.Filter(dir.List(), func(d *datasource.Descriptor) bool { return d.Remote() }),
		func(d *datasource.Descriptor) string {
			return fmt.Sprintf("%s:%d", *d.DataStore.Host, *d.DataStore.Port)
		},
	)
	logger := c.Logger()
	for addr := range owners {
		go func(addr string) {
			if err := sync.SyncDatasources(base, addr); err != nil {
				logger.Warnf("datasource sync of %s: %s", addr, err)
			}
		}(addr)
	}
}
