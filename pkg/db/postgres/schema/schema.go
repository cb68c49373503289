package schema

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"

	tdb "github.com/geoforge/tilerd/pkg/db"
	tpgerr "github.com/geoforge/tilerd/pkg/db/postgres/errors"
)

// The numeric job statuses written to "queue"."status" are frozen; see
// the JobStatus constants in pkg/db.
var statements = []string{
	`
	CREATE TABLE IF NOT EXISTS "datasource" (
		"id" SERIAL PRIMARY KEY,
		"identifier" VARCHAR NOT NULL UNIQUE,
		"data_type" VARCHAR,
		"host" VARCHAR,
		"port" INTEGER,
		"store_type" VARCHAR,
		"mbtiles" BOOLEAN,
		"name" VARCHAR,
		"description" TEXT,
		"attribution" TEXT,
		"minzoom" SMALLINT,
		"maxzoom" SMALLINT,
		"bounds" JSONB,
		"center" JSONB,
		"data" JSONB NOT NULL
	);
	`,
	`
	CREATE TABLE IF NOT EXISTS "queue" (
		"id" SERIAL PRIMARY KEY,
		"job_id" VARCHAR NOT NULL UNIQUE,
		"created_at" TIMESTAMPTZ NOT NULL,
		"updated_at" TIMESTAMPTZ NOT NULL,
		"scheduled_for" TIMESTAMPTZ NOT NULL,
		"failed_attempts" INTEGER NOT NULL,
		"status" INTEGER NOT NULL,
		"job_detail" JSONB NOT NULL
	);
	`,
	`CREATE INDEX IF NOT EXISTS "index_queue_on_scheduled_for" ON "queue" ("scheduled_for");`,
	`CREATE INDEX IF NOT EXISTS "index_queue_on_status" ON "queue" ("status");`,
}

type pgSchema struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) tdb.SchemaInterface {
	return &pgSchema{pool: pool}
}

func (s *pgSchema) Apply(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return tpgerr.Classify(err)
	}
	defer tx.Rollback(ctx)

	for _, statement := range statements {
		if _, err := tx.Exec(ctx, statement); err != nil {
			return tpgerr.Classify(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return tpgerr.Classify(err)
	}
	return nil
}

func (s *pgSchema) TableExists(ctx context.Context, table string) (bool, error) {
	var found bool
	err := s.pool.QueryRow(
		ctx,
		`
		SELECT EXISTS (
			SELECT FROM "information_schema"."tables"
			WHERE "table_schema" = 'public' AND "table_name" = $1
		);
		`,
		table,
	).Scan(&found)
	if err != nil {
		return false, tpgerr.Classify(err)
	}
	return found, nil
}

func (s *pgSchema) ColumnExists(ctx context.Context, table string, column string) (bool, error) {
	var found bool
	err := s.pool.QueryRow(
		ctx,
		`
		SELECT EXISTS (
			SELECT FROM "information_schema"."columns"
			WHERE "table_schema" = 'public' AND "table_name" = $1 AND "column_name" = $2
		);
		`,
		table, column,
	).Scan(&found)
	if err != nil {
		return false, tpgerr.Classify(err)
	}
	return found, nil
}
