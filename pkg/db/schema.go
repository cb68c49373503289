package db

import "context"

type SchemaInterface interface {
	// create missing tables and indexes. Idempotent.
	Apply(ctx context.Context) error

	// report whether a table exists in the public schema.
	TableExists(ctx context.Context, table string) (bool, error)

	// report whether a column exists on a table in the public schema.
	ColumnExists(ctx context.Context, table string, column string) (bool, error)
}
