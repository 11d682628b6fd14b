// Package repositories implements the data access layer for FileVault.
// Each repository type encapsulates all database queries for a domain entity.
// Services never issue SQL directly; all database access goes through this layer.
//
// Repositories hold an sqlx.ExtContext so the same methods run against the pool or
// inside a transaction obtained from InTx and bound with WithTx.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// pgInvalidTextRepresentation is raised when a malformed id is bound to a UUID column.
const pgInvalidTextRepresentation = "22P02"

// IsInvalidID reports whether err is Postgres rejecting a malformed id.
func IsInvalidID(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgInvalidTextRepresentation
}

// noRow reports whether a lookup matched nothing. A malformed id cannot match a
// row, so it counts as absent rather than as a database failure.
func noRow(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || IsInvalidID(err)
}

// InTx runs fn inside a transaction, committing when fn returns nil and rolling
// back otherwise.
func InTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
