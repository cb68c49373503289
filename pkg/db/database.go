package db

import "errors"

var (
	// requested record does not exist.
	ErrMissing = errors.New("missing")

	// a record with the same unique key already exists.
	ErrConflict = errors.New("conflict")

	// the database rejected the operation for a reason which may pass;
	// connection loss, serialization failure and friends.
	// Callers may retry with backoff.
	ErrTransient = errors.New("transient database error")
)

type TilerDatabase interface {
	Datasources() DatasourceInterface
	Queue() QueueInterface
	Schema() SchemaInterface
	Close() error
}
