package postgres

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"

	tdb "github.com/geoforge/tilerd/pkg/db"
	tpgds "github.com/geoforge/tilerd/pkg/db/postgres/datasource"
	tpgqueue "github.com/geoforge/tilerd/pkg/db/postgres/queue"
	tpgschema "github.com/geoforge/tilerd/pkg/db/postgres/schema"
	xe "github.com/geoforge/tilerd/pkg/errors"
)

type tilerDBPostgres struct {
	pool        *pgxpool.Pool
	datasources tdb.DatasourceInterface
	queue       tdb.QueueInterface
	schema      tdb.SchemaInterface
}

type Config struct {
	MaxFailedAttempts int
}

func DefaultConfig() Config {
	return Config{
		MaxFailedAttempts: tpgqueue.DefaultMaxFailedAttempts,
	}
}

type Option func(*Config) *Config

func WithMaxFailedAttempts(n int) Option {
	return func(c *Config) *Config {
		c.MaxFailedAttempts = n
		return c
	}
}

func New(
	ctx context.Context,
	url string,
	options ...Option,
) (tdb.TilerDatabase, error) {
	pool, err := pgxpool.Connect(ctx, url)
	if err != nil {
		return nil, xe.Wrap(err)
	}

	c := DefaultConfig()
	for _, option := range options {
		c = *option(&c)
	}

	return &tilerDBPostgres{
		pool:        pool,
		datasources: tpgds.New(pool),
		queue:       tpgqueue.New(pool, tpgqueue.WithMaxFailedAttempts(c.MaxFailedAttempts)),
		schema:      tpgschema.New(pool),
	}, nil
}

func (t *tilerDBPostgres) Datasources() tdb.DatasourceInterface {
	return t.datasources
}

func (t *tilerDBPostgres) Queue() tdb.QueueInterface {
	return t.queue
}

func (t *tilerDBPostgres) Schema() tdb.SchemaInterface {
	return t.schema
}

func (t *tilerDBPostgres) Close() error {
	t.pool.Close()
	return nil
}
