package datasource

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	tdb "github.com/geoforge/tilerd/pkg/db"
	tpgerr "github.com/geoforge/tilerd/pkg/db/postgres/errors"
)

// The "name" and "id" columns are never written here; "id" is the serial
// key and "name" survives only for hand-written rows.
const columns = `"identifier", "data_type", "store_type", "host", "port", "mbtiles", ` +
	`"description", "attribution", "minzoom", "maxzoom", "bounds", "center", "data"`

type pgDatasource struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) tdb.DatasourceInterface {
	return &pgDatasource{pool: pool}
}

func (d *pgDatasource) List(ctx context.Context) ([]tdb.Datasource, error) {
	rows, err := d.pool.Query(
		ctx, `SELECT `+columns+` FROM "datasource" ORDER BY "id";`,
	)
	if err != nil {
		return nil, tpgerr.Classify(err)
	}
	defer rows.Close()

	datasources := []tdb.Datasource{}
	for rows.Next() {
		var ds tdb.Datasource
		if err := rows.Scan(
			&ds.Identifier, &ds.DataType, &ds.StoreType, &ds.Host, &ds.Port,
			&ds.MBTiles, &ds.Description, &ds.Attribution,
			&ds.MinZoom, &ds.MaxZoom, &ds.Bounds, &ds.Center, &ds.Data,
		); err != nil {
			return nil, tpgerr.Classify(err)
		}
		datasources = append(datasources, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, tpgerr.Classify(err)
	}

	return datasources, nil
}

func (d *pgDatasource) Get(ctx context.Context, identifier string) (tdb.Datasource, error) {
	var ds tdb.Datasource
	err := d.pool.QueryRow(
		ctx, `SELECT `+columns+` FROM "datasource" WHERE "identifier" = $1;`, identifier,
	).Scan(
		&ds.Identifier, &ds.DataType, &ds.StoreType, &ds.Host, &ds.Port,
		&ds.MBTiles, &ds.Description, &ds.Attribution,
		&ds.MinZoom, &ds.MaxZoom, &ds.Bounds, &ds.Center, &ds.Data,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tdb.Datasource{}, tpgerr.Missing{
				Table:    "datasource",
				Identity: fmt.Sprintf("identifier='%s'", identifier),
			}
		}
		return tdb.Datasource{}, tpgerr.Classify(err)
	}
	return ds, nil
}

func (d *pgDatasource) Create(ctx context.Context, ds tdb.Datasource) error {
	_, err := d.pool.Exec(
		ctx,
		`
		INSERT INTO "datasource" (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);
		`,
		ds.Identifier, ds.DataType, ds.StoreType, ds.Host, ds.Port,
		ds.MBTiles, ds.Description, ds.Attribution,
		ds.MinZoom, ds.MaxZoom, ds.Bounds, ds.Center, ds.Data,
	)
	if err != nil {
		if pgerr := new(pgconn.PgError); errors.As(err, &pgerr) {
			if pgerr.Code == pgerrcode.UniqueViolation {
				return tpgerr.Conflict{
					Table:    "datasource",
					Identity: fmt.Sprintf("identifier='%s'", ds.Identifier),
				}
			}
		}
		return tpgerr.Classify(err)
	}
	return nil
}

func (d *pgDatasource) Update(ctx context.Context, ds tdb.Datasource) error {
	tag, err := d.pool.Exec(
		ctx,
		`
		UPDATE "datasource" SET
			"data_type" = $2, "store_type" = $3, "host" = $4, "port" = $5,
			"mbtiles" = $6, "description" = $7, "attribution" = $8,
			"minzoom" = $9, "maxzoom" = $10, "bounds" = $11, "center" = $12,
			"data" = $13
		WHERE "identifier" = $1;
		`,
		ds.Identifier, ds.DataType, ds.StoreType, ds.Host, ds.Port,
		ds.MBTiles, ds.Description, ds.Attribution,
		ds.MinZoom, ds.MaxZoom, ds.Bounds, ds.Center, ds.Data,
	)
	if err != nil {
		return tpgerr.Classify(err)
	}
	if tag.RowsAffected() == 0 {
		return tpgerr.Missing{
			Table:    "datasource",
			Identity: fmt.Sprintf("identifier='%s'", ds.Identifier),
		}
	}
	return nil
}

func (d *pgDatasource) Delete(ctx context.Context, identifier string) error {
	tag, err := d.pool.Exec(
		ctx, `DELETE FROM "datasource" WHERE "identifier" = $1;`, identifier,
	)
	if err != nil {
		return tpgerr.Classify(err)
	}
	if tag.RowsAffected() == 0 {
		return tpgerr.Missing{
			Table:    "datasource",
			Identity: fmt.Sprintf("identifier='%s'", identifier),
		}
	}
	return nil
}
