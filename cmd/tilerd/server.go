package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/geoforge/tilerd/cmd/tilerd/handlers"
	"github.com/geoforge/tilerd/pkg/cache"
	"github.com/geoforge/tilerd/pkg/configs/dispatcher"
	"github.com/geoforge/tilerd/pkg/datasource"
	tdb "github.com/geoforge/tilerd/pkg/db"
	"github.com/geoforge/tilerd/pkg/echoutil"
	"github.com/geoforge/tilerd/pkg/environment"
	"github.com/geoforge/tilerd/pkg/gate"
	"github.com/geoforge/tilerd/pkg/remote"
	"github.com/geoforge/tilerd/pkg/resolver"
	"github.com/geoforge/tilerd/pkg/worker"
)

var API_ROOT = "/api"
var MAINTENANCE_ROOT = "/maintenance"

func api(subpath string) string {
	if !strings.HasSuffix(subpath, "/") {
		subpath += "/"
	}
	return fmt.Sprintf("%s/%s", API_ROOT, subpath)
}

func maintenance(subpath string) string {
	if !strings.HasSuffix(subpath, "/") {
		subpath += "/"
	}
	return fmt.Sprintf("%s/%s", MAINTENANCE_ROOT, subpath)
}

// node bundles the components one serving process wires into its
// routes.
type node struct {
	conf      *dispatcher.Config
	layout    environment.Layout
	registry  *datasource.Registry
	store     *cache.Cache
	tiles     *resolver.Resolver
	pool      *worker.Pool
	gate      *gate.Gate
	queue     tdb.QueueInterface
	scheduler handlers.PyramidScheduler
	remote    *remote.Client
}

func newEcho(loglevel string) *echo.Echo {
	e := echo.New()
	e.Pre(middleware.AddTrailingSlash())

	echoutil.SetLevel(e, loglevel)
	e.HTTPErrorHandler = func(err error, ctx echo.Context) {
		e.DefaultHTTPErrorHandler(err, ctx)
		e.Logger.Error(err)
	}
	e.Use(echoutil.LogHandlerFunc)

	return e
}

// BuildServer builds the route table of a serving node, master or
// worker. base must outlive any single request; handlers hand it to
// the background work they start.
func BuildServer(base context.Context, n *node) *echo.Echo {

	e := newEcho(n.conf.LogLevel)

	{
		e.GET(api("tile/:id/:z/:x/:y"), handlers.GetTileHandler(n.tiles))
	}

	{
		e.POST(api("pyramid"), handlers.PostPyramidHandler(n.registry, n.scheduler))
	}

	{
		e.GET(api("datasources"), handlers.ListDatasourcesHandler(n.registry))
		e.POST(api("datasources"), handlers.PostDatasourceHandler(base, n.registry, n.remote))
		e.PUT(api("datasources"), handlers.PutDatasourceHandler(base, n.registry, n.remote))

		e.GET(api("datasources/:id"), handlers.GetDatasourceHandler(n.registry))
		e.DELETE(api("datasources/:id"), handlers.DeleteDatasourceHandler(base, n.registry, n.remote))

		e.POST(api("datasources/load_files"), handlers.LoadDatasourceFilesHandler(base, n.registry, n.remote))
		e.POST(api("datasources/reload_files"), handlers.ReloadDatasourceFilesHandler(base, n.registry, n.remote))
	}

	{
		e.GET(api("jobs"), handlers.ListJobsHandler(n.queue))
		e.DELETE(api("jobs/:id"), handlers.CancelJobHandler(n.queue))
	}

	e.GET(api("health"), handlers.GetHealthHandler(n.pool))

	{
		e.POST(maintenance("add_workers"), handlers.AddWorkersHandler(base, n.pool))

		reload := handlers.ReloadWorkersHandler(base, n.pool)
		e.POST(maintenance("reload_workers"), reload)
		e.GET(maintenance("reload_workers"), reload)

		terminate := handlers.TerminateWorkersHandler(n.pool)
		e.POST(maintenance("terminate_workers"), terminate)
		e.GET(maintenance("terminate_workers"), terminate)

		e.GET(maintenance("info_workers"), handlers.InfoWorkersHandler(n.pool))

		e.POST(maintenance("increase_limit_cr"), handlers.IncreaseLimitHandler(n.gate))
		e.POST(maintenance("decrease_limit_cr"), handlers.DecreaseLimitHandler(n.gate))
	}

	e.GET("/debug/", handlers.GetDebugHandler(n.conf, n.gate, n.registry, n.pool))
	e.Static("/static", n.layout.StaticDir())

	// Everything else belongs to the workers themselves; hand it to a
	// ready one.
	e.Any("/*", handlers.PassthroughHandler(n.pool, &http.Client{Timeout: n.conf.WorkerTimeout()}))

	return e
}

// BuildCacheServer builds the route table of a cache-only node: the
// tile GET against the archives on disk, health, and static assets.
// No workers, no database.
func BuildCacheServer(conf *dispatcher.Config, layout environment.Layout, store *cache.Cache) *echo.Echo {

	e := newEcho(conf.LogLevel)

	{
		e.GET(api("tile/:id/:z/:x/:y"), handlers.GetCachedTileHandler(store))
	}

	e.GET(api("health"), handlers.GetHealthHandler(nil))
	e.GET("/debug/", handlers.GetDebugHandler(conf, nil, nil, nil))
	e.Static("/static", layout.StaticDir())

	return e
}
