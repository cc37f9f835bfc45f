package stores

import (
	"context"

	sq "github.com/Masterminds/squirrel"
)

// Executor offers the four locked statement primitives.
type Executor interface {
	// Execute runs a statement with no result.
	Execute(ctx context.Context, query string, args ...any) error

	// ExecuteReturningID runs an insert and returns the new row id.
	ExecuteReturningID(ctx context.Context, query string, args ...any) (int64, error)

	// FetchAll returns every row of a query, empty when nothing matches.
	FetchAll(ctx context.Context, query string, args ...any) ([]Row, error)

	// FetchOne returns the first row of a query; false means no row.
	FetchOne(ctx context.Context, query string, args ...any) (Row, bool, error)
}

// Table is the handle entity hooks receive: the executor plus the store's
// table name.
type Table struct {
	Executor
	Name string
}

// Select starts a SELECT on this table.
func (t Table) Select(columns ...string) sq.SelectBuilder {
	return sq.Select(columns...).From(t.Name)
}

// InsertInto starts an INSERT into this table.
func (t Table) InsertInto() sq.InsertBuilder {
	return sq.Insert(t.Name)
}

// UpdateTable starts an UPDATE of this table.
func (t Table) UpdateTable() sq.UpdateBuilder {
	return sq.Update(t.Name)
}

// Exec renders a built statement and runs it with Execute.
func (t Table) Exec(ctx context.Context, stmt sq.Sqlizer) error {
	query, args, err := stmt.ToSql()
	if err != nil {
		return NewQueryError("execute", t.Name, err)
	}
	return t.Execute(ctx, query, args...)
}

// ExecReturningID renders a built insert and runs it with ExecuteReturningID.
func (t Table) ExecReturningID(ctx context.Context, stmt sq.Sqlizer) (int64, error) {
	query, args, err := stmt.ToSql()
	if err != nil {
		return 0, NewQueryError("execute_returning_id", t.Name, err)
	}
	return t.ExecuteReturningID(ctx, query, args...)
}

// Entity is the set of hooks a record type supplies to a Store.
//
// T is the record type and K the tuple of context keys that qualify it,
// NoKeys when there are none.
type Entity[T any, K any] interface {
	// CreateTable creates the table if it does not exist.
	CreateTable(ctx context.Context, t Table) error

	// ExistsQuery builds a query selecting the id of the row matching record,
	// or returns nil when the entity has no dedup key.
	ExistsQuery(table string, record T, keys K) (sq.Sqlizer, error)

	// Insert writes a new row and returns its id.
	Insert(ctx context.Context, t Table, record T, keys K) (int64, error)

	// Update is called with the id of an existing match.
	Update(ctx context.Context, t Table, id int64, record T, keys K) error
}

// NoUpdate leaves existing rows untouched on a dedup hit. Embed it in
// entities that never refresh stored values.
type NoUpdate[T any, K any] struct{}

// Update does nothing.
func (NoUpdate[T, K]) Update(context.Context, Table, int64, T, K) error {
	return nil
}

// NoKeys is the context key tuple of entities that need none.
type NoKeys struct{}

// Factory turns a row of SELECT * into a record.
type Factory[T any] func(Row) (T, error)
