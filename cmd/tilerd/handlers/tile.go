package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	apierr "github.com/geoforge/tilerd/pkg/api/binding/errors"
	"github.com/geoforge/tilerd/pkg/cache"
	"github.com/geoforge/tilerd/pkg/datasource"
	"github.com/geoforge/tilerd/pkg/gate"
	"github.com/geoforge/tilerd/pkg/remote"
	"github.com/geoforge/tilerd/pkg/resolver"
	"github.com/geoforge/tilerd/pkg/tiles"
	"github.com/geoforge/tilerd/pkg/worker"
)

// TileResolver serves one tile coordinate. *resolver.Resolver
// implements it.
type TileResolver interface {
	Resolve(ctx context.Context, coord tiles.Coordinate) (resolver.Tile, error)
	ResolveLocal(ctx context.Context, coord tiles.Coordinate) (resolver.Tile, error)
}

// GetTileHandler serves GET /api/tile/:id/:z/:x/:y where the last
// segment is "{y}.{ext}".
//
// A request carrying the master relay header is answered from this
// node alone, so forwarding cannot loop between masters.
func GetTileHandler(res TileResolver) echo.HandlerFunc {
	return func(c echo.Context) error {
		coord, err := coordinateParam(c)
		if err != nil {
			return apierr.NewErrorMessage(http.StatusNotFound, "not found", apierr.WithError(err))
		}

		ctx := c.Request().Context()

		var tile resolver.Tile
		if c.Request().Header.Get(remote.MasterHeader) != "" {
			tile, err = res.ResolveLocal(ctx, coord)
		} else {
			tile, err = res.Resolve(ctx, coord)
		}
		if err != nil {
			return tileError(err)
		}

		c.Response().Header().Set("Access-Control-Allow-Origin", "*")
		if tile.Empty {
			c.Response().Header().Set("Cache-Control", "max-age=0")
			return c.NoContent(http.StatusNoContent)
		}
		if tile.Gzip {
			c.Response().Header().Set("Content-Encoding", "gzip")
		}
		return c.Blob(http.StatusOK, coord.Ext.ContentType(), tile.Payload)
	}
}

// CacheStore is the cached tile state of the node. *cache.Cache
// implements it.
type CacheStore interface {
	Lookup(ctx context.Context, coord tiles.Coordinate) (cache.Tile, error)
}

// GetCachedTileHandler serves tile requests from the cache alone, the
// whole tile surface of a cache node. Anything the cache does not hold
// is an empty answer, never a build.
func GetCachedTileHandler(store CacheStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		coord, err := coordinateParam(c)
		if err != nil {
			return apierr.NewErrorMessage(http.StatusNotFound, "not found", apierr.WithError(err))
		}

		cached, err := store.Lookup(c.Request().Context(), coord)
		if err != nil {
			return apierr.InternalServerError(err)
		}

		c.Response().Header().Set("Access-Control-Allow-Origin", "*")
		if cached.State != cache.Present {
			c.Response().Header().Set("Cache-Control", "max-age=0")
			return c.NoContent(http.StatusNoContent)
		}
		if coord.Ext.Vector() && tiles.IsGzip(cached.Payload) {
			c.Response().Header().Set("Content-Encoding", "gzip")
		}
		return c.Blob(http.StatusOK, coord.Ext.ContentType(), cached.Payload)
	}
}

// coordinateParam reads the tile coordinate from the route parameters.
// The :y parameter carries the extension, "5.png".
func coordinateParam(c echo.Context) (tiles.Coordinate, error) {
	ys, exts, found := strings.Cut(c.Param("y"), ".")
	if !found {
		return tiles.Coordinate{}, errors.New("tile extension missing")
	}
	ext, ok := tiles.ParseExt(exts)
	if !ok {
		return tiles.Coordinate{}, errors.New("unknown tile extension '" + exts + "'")
	}

	z, err := strconv.Atoi(c.Param("z"))
	if err != nil {
		return tiles.Coordinate{}, err
	}
	x, err := strconv.Atoi(c.Param("x"))
	if err != nil {
		return tiles.Coordinate{}, err
	}
	y, err := strconv.Atoi(ys)
	if err != nil {
		return tiles.Coordinate{}, err
	}

	return tiles.Coordinate{
		DatasourceID: c.Param("id"),
		Z:            z, X: x, Y: y,
		Ext: ext,
	}, nil
}

// tileError sorts a resolve failure into its HTTP shape: gone or
// off-range is 404, backpressure and timeouts are 503, a broken
// backend is 500.
func tileError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, datasource.ErrNotFound), errors.Is(err, resolver.ErrOutOfRange):
		return apierr.NewErrorMessage(http.StatusNotFound, "not found", apierr.WithError(err))
	case errors.Is(err, gate.ErrRejected):
		return apierr.ServiceUnavailable("the node is at its concurrent tile build limit; retry shortly", err)
	case errors.Is(err, worker.ErrTimeout), errors.Is(err, remote.ErrTimeout):
		return apierr.ServiceUnavailable("tile generation timed out; retry shortly", err)
	case errors.Is(err, worker.ErrNoWorkers):
		return apierr.ServiceUnavailable("no worker is ready", err)
	case errors.Is(err, remote.ErrUnreachable):
		return apierr.ServiceUnavailable("the node owning the datasource is unreachable", err)
	default:
		return apierr.InternalServerError(err)
	}
}
