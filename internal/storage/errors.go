package storage

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/meridian-hie/conduit/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
// It is the model sentinel so callers outside storage can match it with errors.Is.
var ErrNotFound = model.ErrNotFound

// ErrConflict is returned when a conditional update finds the row in a state
// that does not permit the change.
var ErrConflict = model.ErrConflict

// notFound maps pgx.ErrNoRows to ErrNotFound and wraps everything else
// as a persistence error.
func notFound(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("storage: %s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("storage: %s: %w: %w", op, model.ErrPersistence, err)
}
