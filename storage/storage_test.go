package storage

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInsertSQL(t *testing.T) {
	sql, args, err := insertSQL("products", "brand-1", Record{
		"sku":      "A-1",
		"price":    9.5,
		"brand_id": "ignored",
		"id":       42,
	})
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "products" ("brand_id", "price", "sku") VALUES ($1, $2, $3)`, sql)
	assert.Equal(t, []any{"brand-1", 9.5, "A-1"}, args)
}

func TestUpdateSQL(t *testing.T) {
	sql, args, err := updateSQL("stores", "brand-1", int64(7), Record{"name": "Main", "location": "Cairo"})
	require.NoError(t, err)
	assert.Equal(t, `UPDATE "stores" SET "location" = $1, "name" = $2 WHERE id = $3 AND brand_id = $4 RETURNING *`, sql)
	assert.Equal(t, []any{"Cairo", "Main", int64(7), "brand-1"}, args)
}

func TestValidateRecord(t *testing.T) {
	tests := []struct {
		name    string
		entity  string
		brandID string
		data    Record
		want    error
	}{
		{name: "valid", entity: "transactions", brandID: "b", data: Record{"amount": 10}},
		{name: "unknown entity", entity: "invoices", brandID: "b", data: Record{"amount": 10}, want: ErrUnknownEntity},
		{name: "missing brand", entity: "transactions", data: Record{"amount": 10}, want: ErrMissingBrandID},
		{name: "empty", entity: "transactions", brandID: "b", data: Record{"brand_id": "b"}, want: ErrEmptyRecord},
		{name: "injection", entity: "products", brandID: "b", data: Record{`name"; DROP TABLE products; --`: 1}, want: ErrInvalidColumn},
		{name: "upper case", entity: "products", brandID: "b", data: Record{"Name": 1}, want: ErrInvalidColumn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRecord(tt.entity, tt.brandID, tt.data)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsInvalidInput(err))
		})
	}
}

func TestMapError(t *testing.T) {
	assert.NoError(t, mapError(nil))
	assert.ErrorIs(t, mapError(pgx.ErrNoRows), ErrNotFound)

	unique := &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "products_brand_id_sku_key"}
	err := mapError(unique)
	assert.ErrorIs(t, err, ErrConstraint)
	assert.True(t, IsInvalidInput(err))

	down := &pgconn.PgError{Code: pgerrcode.AdminShutdown}
	err = mapError(down)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, IsInvalidInput(err))

	plain := errors.New("boom")
	assert.Same(t, plain, mapError(plain))
}

func TestNew_RequiresDSN(t *testing.T) {
	_, err := New(context.Background(), zap.NewNop(), Config{})
	assert.ErrorIs(t, err, ErrNoDSN)
}

func testStore(t *testing.T) *Store {
	dsn := os.Getenv("CHRONIZER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CHRONIZER_TEST_POSTGRES_DSN not set")
	}
	require.NoError(t, Migrate(zap.NewNop(), dsn, ""))
	s, err := New(context.Background(), zap.NewNop(), Config{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestRecords_Postgres(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	records := NewRecords(zap.NewNop(), s)

	_, err := s.Exec(ctx, `DELETE FROM stores WHERE brand_id = $1`, "test-brand")
	require.NoError(t, err)

	rec, err := records.Insert(ctx, "stores", "test-brand", Record{"name": "Downtown"})
	require.NoError(t, err)
	assert.Equal(t, "Downtown", rec["name"])
	id := rec["id"]

	rec, err = records.Update(ctx, "stores", "test-brand", id, Record{"name": "Uptown"})
	require.NoError(t, err)
	assert.Equal(t, "Uptown", rec["name"])

	_, err = records.Update(ctx, "stores", "other-brand", id, Record{"name": "Nope"})
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := records.InsertChunk(ctx, "stores", "test-brand", []Record{{"name": "a"}, {"name": "b"}, {"name": "c"}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = records.InsertChunk(ctx, "stores", "test-brand", []Record{{"name": "d"}, {"no_such_column": "e"}})
	assert.Error(t, err)
	var count int
	require.NoError(t, s.QueryRow(ctx, `SELECT count(*) FROM stores WHERE brand_id = $1`, "test-brand").Scan(&count))
	assert.Equal(t, 4, count, "failed chunk must not leave partial rows")

	require.NoError(t, records.Delete(ctx, "stores", "test-brand", id))
	assert.ErrorIs(t, records.Delete(ctx, "stores", "test-brand", id), ErrNotFound)
}
