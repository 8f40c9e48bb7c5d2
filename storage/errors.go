package storage

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNoDSN          = errors.New("storage: postgres dsn required")
	ErrNotFound       = errors.New("storage: record not found")
	ErrUnknownEntity  = errors.New("storage: unknown entity")
	ErrInvalidColumn  = errors.New("storage: invalid column")
	ErrEmptyRecord    = errors.New("storage: record has no columns")
	ErrMissingBrandID = errors.New("storage: brand id required")
	ErrConstraint     = errors.New("storage: constraint violation")
	ErrUnavailable    = errors.New("storage: database unavailable")
)

// IsInvalidInput reports whether err was caused by the caller's data rather
// than by the database.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrUnknownEntity) ||
		errors.Is(err, ErrInvalidColumn) ||
		errors.Is(err, ErrEmptyRecord) ||
		errors.Is(err, ErrMissingBrandID) ||
		errors.Is(err, ErrConstraint)
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgerrcode.UniqueViolation,
		pgerrcode.ForeignKeyViolation,
		pgerrcode.CheckViolation,
		pgerrcode.NotNullViolation:
		return fmt.Errorf("%w: %s: %w", ErrConstraint, pgErr.ConstraintName, err)
	case pgerrcode.UndefinedColumn,
		pgerrcode.InvalidTextRepresentation,
		pgerrcode.DatatypeMismatch:
		return fmt.Errorf("%w: %s: %w", ErrInvalidColumn, pgErr.Message, err)
	case pgerrcode.ConnectionException,
		pgerrcode.ConnectionDoesNotExist,
		pgerrcode.ConnectionFailure,
		pgerrcode.CannotConnectNow,
		pgerrcode.AdminShutdown,
		pgerrcode.CrashShutdown,
		pgerrcode.TooManyConnections:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	default:
		return fmt.Errorf("postgres error [%s]: %s: %w", pgErr.Code, pgErr.Message, err)
	}
}
