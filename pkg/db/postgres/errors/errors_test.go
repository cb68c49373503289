package errors_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"

	tdb "github.com/geoforge/tilerd/pkg/db"
	tpgerr "github.com/geoforge/tilerd/pkg/db/postgres/errors"
)

func TestMissing(t *testing.T) {
	var err error = tpgerr.Missing{Table: "datasource", Identity: "identifier='ds-a'"}

	if !errors.Is(err, tdb.ErrMissing) {
		t.Error("Missing should unwrap to ErrMissing")
	}
	if errors.Is(err, tdb.ErrConflict) {
		t.Error("Missing should not match ErrConflict")
	}
}

func TestConflict(t *testing.T) {
	var err error = tpgerr.Conflict{Table: "queue", Identity: "job_id='x'"}

	if !errors.Is(err, tdb.ErrConflict) {
		t.Error("Conflict should unwrap to ErrConflict")
	}
}

func TestClassify(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		if err := tpgerr.Classify(nil); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("connection loss becomes transient", func(t *testing.T) {
		cause := fmt.Errorf(
			"exec: %w", &pgconn.PgError{Code: pgerrcode.ConnectionFailure},
		)
		err := tpgerr.Classify(cause)

		if !errors.Is(err, tdb.ErrTransient) {
			t.Errorf("connection failure should be transient: %v", err)
		}

		// the original cause stays reachable
		pgerr := new(pgconn.PgError)
		if !errors.As(err, &pgerr) {
			t.Error("cause should still unwrap")
		}
	})

	t.Run("deadlock becomes transient", func(t *testing.T) {
		err := tpgerr.Classify(&pgconn.PgError{Code: pgerrcode.DeadlockDetected})
		if !errors.Is(err, tdb.ErrTransient) {
			t.Errorf("deadlock should be transient: %v", err)
		}
	})

	t.Run("unique violation stays as-is", func(t *testing.T) {
		cause := &pgconn.PgError{Code: pgerrcode.UniqueViolation}
		err := tpgerr.Classify(cause)

		if errors.Is(err, tdb.ErrTransient) {
			t.Error("unique violation is not transient")
		}
		if !errors.Is(err, cause) {
			t.Error("error should pass through unchanged")
		}
	})

	t.Run("non-postgres errors stay as-is", func(t *testing.T) {
		cause := errors.New("something else")
		if err := tpgerr.Classify(cause); !errors.Is(err, cause) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}
