package stores

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/borgmanager/borgmanager/pkg/telemetry"
)

// Upsert outcomes reported to metrics and spans.
const (
	OutcomeInserted = "inserted"
	OutcomeExisting = "existing"
)

// Store persists records of type T in one table, deduplicating them through
// the entity's existence query.
type Store[T any, K any] struct {
	conn    *Conn
	entity  Entity[T, K]
	factory Factory[T]

	// upsertMu serializes exists→insert so concurrent inserts of the same
	// key resolve to one row. Taken before the connection mutex.
	upsertMu sync.Mutex

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// Open opens a store for table, creating it through entity.CreateTable.
func Open[T any, K any](ctx context.Context, cfg Config, table string, entity Entity[T, K], factory Factory[T], opts ...Option) (*Store[T, K], error) {
	if entity == nil {
		return nil, NewContractError("open", table, fmt.Errorf("%w: entity", ErrMissingHook))
	}
	if factory == nil {
		return nil, NewContractError("open", table, fmt.Errorf("%w: factory", ErrMissingHook))
	}

	o := newOptions(opts)
	ctx, span := o.tracer.StartStoreSpan(ctx, table, "open")
	conn, err := OpenConn(ctx, cfg, table, entity.CreateTable, opts...)
	telemetry.EndSpan(span, err)
	if err != nil {
		o.metrics.RecordError(classOf(err))
		return nil, err
	}

	return &Store[T, K]{
		conn:    conn,
		entity:  entity,
		factory: factory,
		logger:  o.logger.With().Str("table", table).Logger(),
		metrics: o.metrics,
		tracer:  o.tracer,
	}, nil
}

// Table returns the store's table name.
func (s *Store[T, K]) Table() string {
	return s.conn.Table()
}

// Executor returns the store's statement executor for ad hoc queries.
func (s *Store[T, K]) Executor() Executor {
	return s.conn
}

func (s *Store[T, K]) handle() Table {
	return Table{Executor: s.conn, Name: s.conn.Table()}
}

// fail records err and returns it.
func (s *Store[T, K]) fail(err error) error {
	s.metrics.RecordError(classOf(err))
	return err
}

// classify wraps a hook error that carries no class as a contract violation.
func (s *Store[T, K]) classify(op string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return NewContractError(op, s.Table(), err)
}

// Insert upserts record: if the existence query finds a row, Update is called
// with its id and that id is returned; otherwise a new row is inserted.
func (s *Store[T, K]) Insert(ctx context.Context, record T, keys K) (id int64, err error) {
	ctx, span := s.tracer.StartStoreSpan(ctx, s.Table(), "insert")
	defer func() { telemetry.EndSpan(span, err) }()

	if err := s.conn.ensureOpen("insert"); err != nil {
		return 0, s.fail(err)
	}

	s.upsertMu.Lock()
	defer s.upsertMu.Unlock()

	existing, found, err := s.exists(ctx, record, keys)
	if err != nil {
		return 0, s.fail(err)
	}

	if found {
		if err := s.entity.Update(ctx, s.handle(), existing, record, keys); err != nil {
			return 0, s.fail(s.classify("update", err))
		}
		s.metrics.RecordUpsert(s.Table(), OutcomeExisting)
		span.SetAttributes(
			telemetry.AttrRowID.Int64(existing),
			telemetry.AttrOutcome.String(OutcomeExisting),
		)
		s.logger.Debug().Int64("id", existing).Msg("Record already stored")
		return existing, nil
	}

	id, err = s.entity.Insert(ctx, s.handle(), record, keys)
	if err != nil {
		return 0, s.fail(s.classify("insert", err))
	}
	s.metrics.RecordUpsert(s.Table(), OutcomeInserted)
	span.SetAttributes(
		telemetry.AttrRowID.Int64(id),
		telemetry.AttrOutcome.String(OutcomeInserted),
	)
	s.logger.Debug().Int64("id", id).Msg("Record inserted")
	return id, nil
}

// Exists returns the id of the row matching record, if any. Entities without
// a dedup key never match.
func (s *Store[T, K]) Exists(ctx context.Context, record T, keys K) (int64, bool, error) {
	if err := s.conn.ensureOpen("exists"); err != nil {
		return 0, false, s.fail(err)
	}
	id, found, err := s.exists(ctx, record, keys)
	if err != nil {
		return 0, false, s.fail(err)
	}
	return id, found, nil
}

func (s *Store[T, K]) exists(ctx context.Context, record T, keys K) (int64, bool, error) {
	q, err := s.entity.ExistsQuery(s.Table(), record, keys)
	if err != nil {
		return 0, false, s.classify("exists", err)
	}
	if q == nil {
		return 0, false, nil
	}

	query, args, err := q.ToSql()
	if err != nil {
		return 0, false, NewQueryError("exists", s.Table(), err)
	}
	row, ok, err := s.conn.FetchOne(ctx, query, args...)
	if err != nil || !ok {
		return 0, false, err
	}
	id, err := row.Int64(0)
	if err != nil {
		return 0, false, NewContractError("exists", s.Table(), fmt.Errorf("existence query must select the row id: %w", err))
	}
	return id, true, nil
}

// GetAll returns every record in insertion order, decoded with the store's
// factory.
func (s *Store[T, K]) GetAll(ctx context.Context) (out []T, err error) {
	ctx, span := s.tracer.StartStoreSpan(ctx, s.Table(), "get_all")
	defer func() { telemetry.EndSpan(span, err) }()

	rows, err := s.conn.FetchAll(ctx, "SELECT * FROM "+s.Table()+" ORDER BY rowid")
	if err != nil {
		return nil, s.fail(err)
	}

	out = make([]T, 0, len(rows))
	for i, row := range rows {
		record, err := s.factory(row)
		if err != nil {
			return nil, s.fail(NewContractError("get_all", s.Table(), fmt.Errorf("row %d: %w", i, err)))
		}
		out = append(out, record)
	}
	return out, nil
}

// Count returns the number of rows in the table.
func (s *Store[T, K]) Count(ctx context.Context) (int64, error) {
	row, _, err := s.conn.FetchOne(ctx, "SELECT COUNT(*) FROM "+s.Table())
	if err != nil {
		return 0, s.fail(err)
	}
	n, err := row.Int64(0)
	if err != nil {
		return 0, s.fail(NewQueryError("count", s.Table(), err))
	}
	return n, nil
}

// Commit persists pending batch writes.
func (s *Store[T, K]) Commit(ctx context.Context) error {
	if err := s.conn.Commit(ctx); err != nil {
		return s.fail(err)
	}
	return nil
}

// Stop commits and closes the store. Every later call fails with a
// closed-class error, including a second Stop.
func (s *Store[T, K]) Stop(ctx context.Context) error {
	if err := s.conn.Stop(ctx); err != nil {
		return s.fail(err)
	}
	return nil
}
