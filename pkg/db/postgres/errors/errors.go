package errors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"

	tdb "github.com/geoforge/tilerd/pkg/db"
)

// requested record is missing.
type Missing struct {
	Table    string
	Identity string
}

var _ error = Missing{}

func (m Missing) Error() string {
	return fmt.Sprintf("%s is not found in %s", m.Identity, m.Table)
}

func (m Missing) Unwrap() error {
	return tdb.ErrMissing
}

// a record with the same unique key exists already.
type Conflict struct {
	Table    string
	Identity string
}

var _ error = Conflict{}

func (c Conflict) Error() string {
	return fmt.Sprintf("%s is already in %s", c.Identity, c.Table)
}

func (c Conflict) Unwrap() error {
	return tdb.ErrConflict
}

// Transient marks an error the caller may retry.
type Transient struct {
	Cause error
}

var _ error = Transient{}

func (t Transient) Error() string {
	return t.Cause.Error()
}

func (t Transient) Unwrap() error {
	return t.Cause
}

func (t Transient) Is(target error) bool {
	return target == tdb.ErrTransient
}

// Classify wraps err as Transient when postgres reports a condition which
// may pass: lost connections, serialization failures, deadlocks, resource
// shortage, server shutdown. Everything else is returned as-is.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if pgerr := new(pgconn.PgError); errors.As(err, &pgerr) {
		code := pgerr.Code
		if pgerrcode.IsConnectionException(code) ||
			pgerrcode.IsTransactionRollback(code) ||
			pgerrcode.IsInsufficientResources(code) ||
			pgerrcode.IsOperatorIntervention(code) {
			return Transient{Cause: err}
		}
	}
	return err
}
