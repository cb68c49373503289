package db

import "context"

// Datasource is one row of the "datasource" table.
//
// The row is a denormalized view of the descriptor document held in Data:
// the scalar columns exist for listing and lookup, Data keeps the whole
// document and stays authoritative.
type Datasource struct {
	// unique, externally visible id of the datasource.
	Identifier string

	// "vector" or "raster".
	DataType string

	// where tiles of this datasource come from.
	StoreType string

	// address of the node owning this datasource. nil means local.
	Host *string
	Port *int

	// tiles are archived into a single MBTiles file when true.
	MBTiles *bool

	Description *string
	Attribution *string

	MinZoom int
	MaxZoom int

	// JSONB documents as stored; nil when the column is NULL.
	Bounds []byte
	Center []byte

	// full descriptor document. Never nil.
	Data []byte
}

type DatasourceInterface interface {
	// list all datasources.
	List(ctx context.Context) ([]Datasource, error)

	// get a datasource by identifier.
	//
	// Returns
	//
	// - error: ErrMissing (when no datasource has the identifier)
	Get(ctx context.Context, identifier string) (Datasource, error)

	// insert a new datasource.
	//
	// Returns
	//
	// - error: ErrConflict (when the identifier is already taken)
	Create(ctx context.Context, ds Datasource) error

	// overwrite an existing datasource, matched by identifier.
	//
	// Returns
	//
	// - error: ErrMissing (when no datasource has the identifier)
	Update(ctx context.Context, ds Datasource) error

	// remove a datasource by identifier.
	//
	// Returns
	//
	// - error: ErrMissing (when no datasource has the identifier)
	Delete(ctx context.Context, identifier string) error
}
