package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"

	"github.com/geoforge/tilerd/cmd/tilerd/handlers"
	"github.com/geoforge/tilerd/pkg/cache"
	"github.com/geoforge/tilerd/pkg/configs/dispatcher"
	"github.com/geoforge/tilerd/pkg/datasource"
	"github.com/geoforge/tilerd/pkg/db/postgres"
	"github.com/geoforge/tilerd/pkg/environment"
	"github.com/geoforge/tilerd/pkg/gate"
	"github.com/geoforge/tilerd/pkg/jobs"
	"github.com/geoforge/tilerd/pkg/remote"
	"github.com/geoforge/tilerd/pkg/resolver"
	"github.com/geoforge/tilerd/pkg/utils/filewatch"
	xpath "github.com/geoforge/tilerd/pkg/utils/path"
	"github.com/geoforge/tilerd/pkg/worker"
)

func main() {

	// .env in the working directory, when present.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer cancel()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: tilerd <serve|serve-cache|init> [flags]")
		os.Exit(2)
	}

	var err error
	switch cmd := os.Args[1]; cmd {
	case "serve":
		err = commandServe(ctx, os.Args[2:])
	case "serve-cache":
		err = commandServeCache(ctx, os.Args[2:])
	case "init":
		err = commandInit(ctx)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand: %s\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func commandServe(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := flags.String("config", defaultConfigPath(), "node config file")
	address := flags.String("address", "", "public address (host:port) of this node; serving as a master when set")
	_ = flags.Parse(args)

	confFile, err := xpath.Resolve(*configPath)
	if err != nil {
		return err
	}
	conf, err := dispatcher.Load(confFile)
	if err != nil {
		return err
	}
	if *address != "" {
		if _, _, err := net.SplitHostPort(*address); err != nil {
			return &dispatcher.ConfigError{Field: "address", Reason: "must be host:port"}
		}
		conf.Address = *address
	}

	// A config change ends this context; the process exits cleanly so
	// its supervisor restarts it with the new file.
	ctx, stopWatch, err := filewatch.UntilModifyContext(ctx, confFile)
	if err != nil {
		return err
	}
	defer stopWatch()

	layout := environment.Layout{Root: rootDir()}

	dbconf, err := dispatcher.DatabaseFromEnv()
	if err != nil {
		return err
	}
	db, err := postgres.New(ctx, dbconf.DSN())
	if err != nil {
		return fmt.Errorf("connecting database %s: %w", dbconf.Name, err)
	}
	defer db.Close()

	store := cache.New(layout)
	defer store.Close()

	registry := datasource.New(
		db.Datasources(),
		datasource.WithSchema(db.Schema()),
		datasource.WithLayout(layout),
		datasource.WithInvalidator(store),
	)
	if err := registry.Resync(ctx); err != nil {
		return err
	}

	g := gate.New(conf.MaxConcurrentTileRequests)

	pool := worker.New(conf)
	if err := pool.Start(ctx); err != nil {
		return err
	}
	defer pool.Close()

	self := conf.Address
	if self == "" {
		self = conf.Bind()
	}
	remoteClient := remote.New(self, conf.WorkerTimeout())

	options := []resolver.Option{}
	if conf.IsMaster() {
		options = append(options, resolver.WithForwarder(remoteClient, conf.Address))
	}
	res := resolver.New(registry, store, pool, g, options...)

	pyramid := jobs.NewPyramid(registry, store, res)

	var runner *jobs.Runner
	var scheduler handlers.PyramidScheduler
	if conf.IsMaster() {
		runner = jobs.New(conf, db.Queue(), registry, pyramid, remoteClient)
		scheduler = runner
	} else {
		scheduler = &directScheduler{base: ctx, direct: jobs.NewDirect(pyramid)}
	}

	server := BuildServer(ctx, &node{
		conf:      conf,
		layout:    layout,
		registry:  registry,
		store:     store,
		tiles:     res,
		pool:      pool,
		gate:      g,
		queue:     db.Queue(),
		scheduler: scheduler,
		remote:    remoteClient,
	})

	go func() {
		if err := pool.RunScheduledReloads(ctx); err != nil && !errors.Is(err, context.Canceled) {
			server.Logger.Errorf("reload schedule stopped: %s", err)
		}
	}()
	if runner != nil {
		go func() {
			if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				server.Logger.Errorf("job runner stopped: %s", err)
			}
		}()
	}

	return run(ctx, server, conf.Bind())
}

func commandServeCache(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("serve-cache", flag.ExitOnError)
	configPath := flags.String("config", defaultConfigPath(), "node config file")
	_ = flags.Parse(args)

	confFile, err := xpath.Resolve(*configPath)
	if err != nil {
		return err
	}
	conf, err := dispatcher.Load(confFile)
	if err != nil {
		return err
	}

	ctx, stopWatch, err := filewatch.UntilModifyContext(ctx, confFile)
	if err != nil {
		return err
	}
	defer stopWatch()

	layout := environment.Layout{Root: rootDir()}
	store := cache.New(layout)
	defer store.Close()

	return run(ctx, BuildCacheServer(conf, layout, store), conf.Bind())
}

func commandInit(ctx context.Context) error {
	layout := environment.Layout{Root: rootDir()}
	if err := layout.Init(); err != nil {
		return err
	}

	dbconf, err := dispatcher.DatabaseFromEnv()
	if err != nil {
		return err
	}
	if err := ensureDatabase(ctx, dbconf); err != nil {
		return err
	}

	db, err := postgres.New(ctx, dbconf.DSN())
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Schema().Apply(ctx)
}

// ensureDatabase creates the configured database when it does not
// exist yet, through the maintenance database of the same server.
func ensureDatabase(ctx context.Context, dbconf dispatcher.Database) error {
	admin := dbconf
	admin.Name = "postgres"

	pool, err := pgxpool.Connect(ctx, admin.DSN())
	if err != nil {
		return err
	}
	defer pool.Close()

	var exists bool
	err = pool.QueryRow(
		ctx, `SELECT EXISTS (SELECT 1 FROM "pg_database" WHERE "datname" = $1)`, dbconf.Name,
	).Scan(&exists)
	if err != nil || exists {
		return err
	}

	_, err = pool.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{dbconf.Name}.Sanitize())
	return err
}

// run serves until ctx ends or the server fails, then shuts down
// gracefully.
func run(ctx context.Context, server *echo.Echo, bind string) error {
	for _, r := range server.Routes() {
		server.Logger.Debugf("- mount handler: %s %s", strings.ToUpper(r.Method), r.Path)
	}

	ch := make(chan error, 1)
	go func() {
		defer close(ch)
		if err := server.Start(bind); err != nil && err != http.ErrServerClosed {
			ch <- err
		}
	}()

	select {
	case <-ctx.Done():
		server.Logger.Infof("context has been done: %s, cause: %s", ctx.Err(), context.Cause(ctx))
	case err := <-ch:
		return err
	}

	qctx, qcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer qcancel()
	return server.Shutdown(qctx)
}

// directScheduler runs pyramid handoffs on nodes that claim no queue
// rows: the build starts right away and scheduled_for is ignored.
type directScheduler struct {
	base   context.Context
	direct *jobs.Direct
}

func (s *directScheduler) SchedulePyramid(_ context.Context, datasourceID string, _ time.Time) (string, bool, error) {
	id, already := s.direct.Schedule(s.base, datasourceID)
	return id, already, nil
}

// rootDir is where the node keeps its runtime state: TILERD_ROOT, or
// the working directory.
func rootDir() string {
	if root := os.Getenv("TILERD_ROOT"); root != "" {
		return root
	}
	return "."
}

// defaultConfigPath is $TILERD_CONFIG, or config.json next to the
// process.
func defaultConfigPath() string {
	if p := os.Getenv("TILERD_CONFIG"); p != "" {
		return p
	}
	return "config.json"
}
