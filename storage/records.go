package storage

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/alihesham01/chronizer/events"
	"github.com/jackc/pgx/v5"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

var columnPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// Record is a row keyed by column name.
type Record = map[string]any

type transactor interface {
	Querier
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Querier) error) error
}

// Records writes brand-scoped rows to the entity tables. Every statement is
// filtered by brand_id.
type Records struct {
	lg *zap.Logger
	db transactor
}

func NewRecords(lg *zap.Logger, s *Store) *Records {
	return &Records{lg: lg, db: s}
}

func (r *Records) Insert(ctx context.Context, entity, brandID string, data Record) (Record, error) {
	sql, args, err := insertSQL(entity, brandID, data)
	if err != nil {
		return nil, err
	}
	return r.returningOne(ctx, sql+" RETURNING *", args)
}

func (r *Records) Update(ctx context.Context, entity, brandID string, id any, data Record) (Record, error) {
	sql, args, err := updateSQL(entity, brandID, id, data)
	if err != nil {
		return nil, err
	}
	return r.returningOne(ctx, sql, args)
}

func (r *Records) Delete(ctx context.Context, entity, brandID string, id any) error {
	if err := checkTarget(entity, brandID); err != nil {
		return err
	}
	sql := fmt.Sprintf("DELETE FROM %s WHERE id = $1 AND brand_id = $2", pgx.Identifier{entity}.Sanitize())
	tag, err := r.db.Exec(ctx, sql, id, brandID)
	if err != nil {
		return fmt.Errorf("delete %s %v: %w", entity, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete %s %v: %w", entity, id, ErrNotFound)
	}
	return nil
}

// InsertChunk inserts rows in one transaction: either all rows of the chunk
// are committed or none are.
func (r *Records) InsertChunk(ctx context.Context, entity, brandID string, rows []Record) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for i, row := range rows {
		sql, args, err := insertSQL(entity, brandID, row)
		if err != nil {
			return 0, fmt.Errorf("row %d: %w", i, err)
		}
		batch.Queue(sql, args...)
	}

	var inserted int64
	err := r.db.WithTransaction(ctx, func(ctx context.Context, tx Querier) error {
		results := tx.SendBatch(ctx, batch)
		defer results.Close()
		for i := range rows {
			tag, err := results.Exec()
			if err != nil {
				return fmt.Errorf("insert row %d: %w", i, mapError(err))
			}
			inserted += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("insert %d %s: %w", len(rows), entity, err)
	}
	r.lg.Debug("chunk inserted", zap.String("entity", entity), zap.String("brand_id", brandID), zap.Int64("rows", inserted))
	return inserted, nil
}

func (r *Records) returningOne(ctx context.Context, sql string, args []any) (Record, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	rec, err := pgx.CollectExactlyOneRow(rows, pgx.RowToMap)
	if err != nil {
		return nil, mapError(err)
	}
	return rec, nil
}

// ValidateRecord checks entity, brand and column names without touching the
// database.
func ValidateRecord(entity, brandID string, data Record) error {
	if err := checkTarget(entity, brandID); err != nil {
		return err
	}
	_, err := columns(data)
	return err
}

func checkTarget(entity, brandID string) error {
	if !lo.Contains(events.Entities, entity) {
		return fmt.Errorf("%w: %q", ErrUnknownEntity, entity)
	}
	if brandID == "" {
		return ErrMissingBrandID
	}
	return nil
}

// columns returns the writable columns of data in a stable order. id and
// brand_id are owned by the store.
func columns(data Record) ([]string, error) {
	cols := lo.Filter(lo.Keys(data), func(c string, _ int) bool {
		return c != "id" && c != "brand_id"
	})
	if len(cols) == 0 {
		return nil, ErrEmptyRecord
	}
	for _, c := range cols {
		if !columnPattern.MatchString(c) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidColumn, c)
		}
	}
	slices.Sort(cols)
	return cols, nil
}

func insertSQL(entity, brandID string, data Record) (string, []any, error) {
	if err := checkTarget(entity, brandID); err != nil {
		return "", nil, err
	}
	cols, err := columns(data)
	if err != nil {
		return "", nil, err
	}

	names := make([]string, 0, len(cols)+1)
	params := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+1)
	names = append(names, pgx.Identifier{"brand_id"}.Sanitize())
	params = append(params, "$1")
	args = append(args, brandID)
	for i, c := range cols {
		names = append(names, pgx.Identifier{c}.Sanitize())
		params = append(params, fmt.Sprintf("$%d", i+2))
		args = append(args, data[c])
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pgx.Identifier{entity}.Sanitize(),
		strings.Join(names, ", "),
		strings.Join(params, ", "),
	)
	return sql, args, nil
}

func updateSQL(entity, brandID string, id any, data Record) (string, []any, error) {
	if err := checkTarget(entity, brandID); err != nil {
		return "", nil, err
	}
	cols, err := columns(data)
	if err != nil {
		return "", nil, err
	}

	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+2)
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", pgx.Identifier{c}.Sanitize(), i+1)
		args = append(args, data[c])
	}
	args = append(args, id, brandID)

	sql := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d AND brand_id = $%d RETURNING *",
		pgx.Identifier{entity}.Sanitize(),
		strings.Join(sets, ", "),
		len(cols)+1, len(cols)+2,
	)
	return sql, args, nil
}
