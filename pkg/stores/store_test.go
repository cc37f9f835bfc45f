package stores_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	sq "github.com/Masterminds/squirrel"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/borgmanager/borgmanager/pkg/stores"
	"github.com/borgmanager/borgmanager/pkg/telemetry"
)

// note has no dedup key: every insert creates a row.
type note struct {
	ID   int64
	Text string
}

type noteEntity struct {
	stores.NoUpdate[note, stores.NoKeys]
}

func (noteEntity) CreateTable(ctx context.Context, t stores.Table) error {
	return t.Execute(ctx, `CREATE TABLE IF NOT EXISTS `+t.Name+` (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		text TEXT NOT NULL
	)`)
}

func (noteEntity) ExistsQuery(string, note, stores.NoKeys) (sq.Sqlizer, error) {
	return nil, nil
}

func (noteEntity) Insert(ctx context.Context, t stores.Table, n note, _ stores.NoKeys) (int64, error) {
	return t.ExecReturningID(ctx, t.InsertInto().Columns("text").Values(n.Text))
}

func noteFromRow(row stores.Row) (note, error) {
	id, err := row.Int64(0)
	if err != nil {
		return note{}, err
	}
	text, err := row.String(1)
	if err != nil {
		return note{}, err
	}
	return note{ID: id, Text: text}, nil
}

// setting is keyed by (owner, name) and refreshes its value on a dedup hit.
type setting struct {
	ID    int64
	Name  string
	Value string
}

type ownerKey struct {
	Owner int64
}

type settingEntity struct{}

func (settingEntity) CreateTable(ctx context.Context, t stores.Table) error {
	return t.Execute(ctx, `CREATE TABLE IF NOT EXISTS `+t.Name+` (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner INTEGER NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL,
		UNIQUE (owner, name)
	)`)
}

func (settingEntity) ExistsQuery(table string, s setting, k ownerKey) (sq.Sqlizer, error) {
	return sq.Select("id").From(table).Where(sq.Eq{"owner": k.Owner, "name": s.Name}), nil
}

func (settingEntity) Insert(ctx context.Context, t stores.Table, s setting, k ownerKey) (int64, error) {
	return t.ExecReturningID(ctx, t.InsertInto().
		Columns("owner", "name", "value").
		Values(k.Owner, s.Name, s.Value))
}

func (settingEntity) Update(ctx context.Context, t stores.Table, id int64, s setting, _ ownerKey) error {
	return t.Exec(ctx, t.UpdateTable().Set("value", s.Value).Where(sq.Eq{"id": id}))
}

func settingFromRow(row stores.Row) (setting, error) {
	id, err := row.Int64(0)
	if err != nil {
		return setting{}, err
	}
	name, err := row.String(2)
	if err != nil {
		return setting{}, err
	}
	value, err := row.String(3)
	if err != nil {
		return setting{}, err
	}
	return setting{ID: id, Name: name, Value: value}, nil
}

var quiet = stores.WithLogger(zerolog.Nop())

func tempConfig(t *testing.T) stores.Config {
	t.Helper()
	return stores.DefaultConfig(filepath.Join(t.TempDir(), "borg.db"))
}

func openRepositories(t *testing.T, cfg stores.Config, opts ...stores.Option) *stores.Store[repository, stores.NoKeys] {
	t.Helper()
	store, err := stores.Open(context.Background(), cfg, "repository", repositoryEntity{}, repositoryFromRow,
		append([]stores.Option{quiet}, opts...)...)
	require.NoError(t, err)
	return store
}

func TestStore_Insert(t *testing.T) {
	ctx := context.Background()

	t.Run("Should return the same id for a repeated record", func(t *testing.T) {
		store := openRepositories(t, tempConfig(t))
		defer store.Stop(ctx)

		first, err := store.Insert(ctx, repository{Path: "/backups/a"}, stores.NoKeys{})
		require.NoError(t, err)
		second, err := store.Insert(ctx, repository{Path: "/backups/a"}, stores.NoKeys{})
		require.NoError(t, err)

		assert.Equal(t, int64(1), first)
		assert.Equal(t, first, second)
		n, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("Should assign distinct ids to distinct records", func(t *testing.T) {
		store := openRepositories(t, tempConfig(t))
		defer store.Stop(ctx)

		a, err := store.Insert(ctx, repository{Path: "/backups/a"}, stores.NoKeys{})
		require.NoError(t, err)
		b, err := store.Insert(ctx, repository{Path: "/backups/b"}, stores.NoKeys{})
		require.NoError(t, err)

		assert.Equal(t, int64(1), a)
		assert.Equal(t, int64(2), b)
		n, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("Should always insert entities without a dedup key", func(t *testing.T) {
		store, err := stores.Open(ctx, tempConfig(t), "note", noteEntity{}, noteFromRow, quiet)
		require.NoError(t, err)
		defer store.Stop(ctx)

		ids := map[int64]bool{}
		for range 3 {
			id, err := store.Insert(ctx, note{Text: "same"}, stores.NoKeys{})
			require.NoError(t, err)
			ids[id] = true
		}
		assert.Len(t, ids, 3)
		n, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})

	t.Run("Should leave stored values alone with the default update", func(t *testing.T) {
		store := openRepositories(t, tempConfig(t))
		defer store.Stop(ctx)

		id, err := store.Insert(ctx, repository{Path: "/backups/a"}, stores.NoKeys{})
		require.NoError(t, err)
		again, err := store.Insert(ctx, repository{ID: 99, Path: "/backups/a"}, stores.NoKeys{})
		require.NoError(t, err)
		assert.Equal(t, id, again)

		all, err := store.GetAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, []repository{{ID: 1, Path: "/backups/a"}}, all)
	})

	t.Run("Should call an overriding update with the existing id", func(t *testing.T) {
		store, err := stores.Open(ctx, tempConfig(t), "setting", settingEntity{}, settingFromRow, quiet)
		require.NoError(t, err)
		defer store.Stop(ctx)

		id, err := store.Insert(ctx, setting{Name: "retention", Value: "7d"}, ownerKey{Owner: 1})
		require.NoError(t, err)
		again, err := store.Insert(ctx, setting{Name: "retention", Value: "30d"}, ownerKey{Owner: 1})
		require.NoError(t, err)
		other, err := store.Insert(ctx, setting{Name: "retention", Value: "1d"}, ownerKey{Owner: 2})
		require.NoError(t, err)

		assert.Equal(t, id, again)
		assert.NotEqual(t, id, other)

		all, err := store.GetAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "30d", all[0].Value)
		assert.Equal(t, "1d", all[1].Value)
	})

	t.Run("Should report existence without writing", func(t *testing.T) {
		store := openRepositories(t, tempConfig(t))
		defer store.Stop(ctx)

		_, found, err := store.Exists(ctx, repository{Path: "/backups/a"}, stores.NoKeys{})
		require.NoError(t, err)
		assert.False(t, found)

		id, err := store.Insert(ctx, repository{Path: "/backups/a"}, stores.NoKeys{})
		require.NoError(t, err)
		existing, found, err := store.Exists(ctx, repository{Path: "/backups/a"}, stores.NoKeys{})
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, id, existing)
	})
}

func TestStore_GetAll(t *testing.T) {
	ctx := context.Background()

	t.Run("Should round-trip every inserted record in insertion order", func(t *testing.T) {
		store := openRepositories(t, tempConfig(t))
		defer store.Stop(ctx)

		paths := []string{"/backups/c", "/backups/a", "/backups/b"}
		for _, p := range paths {
			_, err := store.Insert(ctx, repository{Path: p}, stores.NoKeys{})
			require.NoError(t, err)
		}

		all, err := store.GetAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, len(paths))
		for i, r := range all {
			assert.Equal(t, int64(i+1), r.ID)
			assert.Equal(t, paths[i], r.Path)
		}
	})

	t.Run("Should return an empty slice for an empty table", func(t *testing.T) {
		store := openRepositories(t, tempConfig(t))
		defer store.Stop(ctx)

		all, err := store.GetAll(ctx)
		require.NoError(t, err)
		assert.NotNil(t, all)
		assert.Empty(t, all)
	})

	t.Run("Should classify factory failures as contract violations", func(t *testing.T) {
		broken := func(stores.Row) (repository, error) { return repository{}, errors.New("bad row") }
		store, err := stores.Open(ctx, tempConfig(t), "repository", repositoryEntity{}, broken, quiet)
		require.NoError(t, err)
		defer store.Stop(ctx)

		_, err = store.Insert(ctx, repository{Path: "/backups/a"}, stores.NoKeys{})
		require.NoError(t, err)
		_, err = store.GetAll(ctx)
		require.Error(t, err)
		assert.True(t, stores.IsContractViolation(err))
	})
}

func TestStore_Stop(t *testing.T) {
	ctx := context.Background()

	t.Run("Should fail every operation after stop", func(t *testing.T) {
		store := openRepositories(t, tempConfig(t))
		require.NoError(t, store.Stop(ctx))

		_, err := store.Insert(ctx, repository{Path: "/backups/a"}, stores.NoKeys{})
		assert.True(t, stores.IsClosed(err))
		assert.ErrorIs(t, err, stores.ErrClosed)

		_, err = store.GetAll(ctx)
		assert.True(t, stores.IsClosed(err))
		_, err = store.Count(ctx)
		assert.True(t, stores.IsClosed(err))
		_, _, err = store.Exists(ctx, repository{Path: "/backups/a"}, stores.NoKeys{})
		assert.True(t, stores.IsClosed(err))
		assert.True(t, stores.IsClosed(store.Commit(ctx)))
		assert.True(t, stores.IsClosed(store.Executor().Execute(ctx, "SELECT 1")))
	})

	t.Run("Should fail lookups without a dedup key after stop", func(t *testing.T) {
		store, err := stores.Open(ctx, tempConfig(t), "note", noteEntity{}, noteFromRow, quiet)
		require.NoError(t, err)
		require.NoError(t, store.Stop(ctx))

		id, found, err := store.Exists(ctx, note{Text: "x"}, stores.NoKeys{})
		require.Error(t, err)
		assert.True(t, stores.IsClosed(err))
		assert.False(t, found)
		assert.Zero(t, id)
	})

	t.Run("Should reject a second stop", func(t *testing.T) {
		store := openRepositories(t, tempConfig(t))
		require.NoError(t, store.Stop(ctx))

		err := store.Stop(ctx)
		require.Error(t, err)
		assert.True(t, stores.IsClosed(err))
	})

	t.Run("Should persist rows across reopen", func(t *testing.T) {
		cfg := tempConfig(t)
		store := openRepositories(t, cfg)
		_, err := store.Insert(ctx, repository{Path: "/backups/a"}, stores.NoKeys{})
		require.NoError(t, err)
		require.NoError(t, store.Stop(ctx))

		reopened := openRepositories(t, cfg)
		defer reopened.Stop(ctx)
		id, err := reopened.Insert(ctx, repository{Path: "/backups/a"}, stores.NoKeys{})
		require.NoError(t, err)
		assert.Equal(t, int64(1), id)
	})
}

func TestStore_Concurrency(t *testing.T) {
	ctx := context.Background()

	t.Run("Should give every concurrent distinct insert its own id", func(t *testing.T) {
		const workers, perWorker = 8, 25
		store := openRepositories(t, tempConfig(t))
		defer store.Stop(ctx)

		var (
			mu  sync.Mutex
			ids = map[int64]string{}
			wg  sync.WaitGroup
		)
		errs := make(chan error, workers*perWorker)
		for w := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range perWorker {
					path := fmt.Sprintf("/backups/%d/%d", w, i)
					id, err := store.Insert(ctx, repository{Path: path}, stores.NoKeys{})
					if err != nil {
						errs <- err
						return
					}
					mu.Lock()
					ids[id] = path
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		assert.Len(t, ids, workers*perWorker)
		n, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(workers*perWorker), n)

		all, err := store.GetAll(ctx)
		require.NoError(t, err)
		for _, r := range all {
			assert.Equal(t, ids[r.ID], r.Path, "id %d was attributed to the wrong row", r.ID)
		}
	})

	t.Run("Should resolve concurrent inserts of one key to one row", func(t *testing.T) {
		const workers = 16
		store := openRepositories(t, tempConfig(t))
		defer store.Stop(ctx)

		ids := make([]int64, workers)
		errs := make([]error, workers)
		var wg sync.WaitGroup
		for w := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ids[w], errs[w] = store.Insert(ctx, repository{Path: "/backups/shared"}, stores.NoKeys{})
			}()
		}
		wg.Wait()

		for w := range workers {
			require.NoError(t, errs[w])
			assert.Equal(t, ids[0], ids[w])
		}
		n, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestStore_Batch(t *testing.T) {
	ctx := context.Background()

	t.Run("Should make batched writes visible to other connections only after commit", func(t *testing.T) {
		cfg := tempConfig(t)
		batchCfg := cfg
		batchCfg.Batch = true

		store := openRepositories(t, batchCfg)
		defer store.Stop(ctx)
		_, err := store.Insert(ctx, repository{Path: "/backups/a"}, stores.NoKeys{})
		require.NoError(t, err)

		n, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "own uncommitted writes are visible")

		require.NoError(t, store.Commit(ctx))

		reader, err := stores.OpenConn(ctx, cfg, "repository", repositoryEntity{}.CreateTable, quiet)
		require.NoError(t, err)
		defer reader.Stop(ctx)
		row, ok, err := reader.FetchOne(ctx, "SELECT COUNT(*) FROM repository")
		require.NoError(t, err)
		require.True(t, ok)
		count, err := row.Int64(0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("Should commit pending writes on stop", func(t *testing.T) {
		cfg := tempConfig(t)
		cfg.Batch = true

		store := openRepositories(t, cfg)
		for _, p := range []string{"/backups/a", "/backups/b"} {
			_, err := store.Insert(ctx, repository{Path: p}, stores.NoKeys{})
			require.NoError(t, err)
		}
		require.NoError(t, store.Stop(ctx))

		cfg.Batch = false
		reopened := openRepositories(t, cfg)
		defer reopened.Stop(ctx)
		n, err := reopened.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})
}

func TestStore_Open(t *testing.T) {
	ctx := context.Background()

	t.Run("Should fail with a connection error for an inaccessible path", func(t *testing.T) {
		cfg := stores.DefaultConfig(filepath.Join(t.TempDir(), "missing", "dir", "borg.db"))
		_, err := stores.Open(ctx, cfg, "repository", repositoryEntity{}, repositoryFromRow, quiet)
		require.Error(t, err)
		assert.True(t, stores.IsConnectionError(err))
	})

	t.Run("Should fail with a connection error when the table cannot be created", func(t *testing.T) {
		badDDL := func(ctx context.Context, t stores.Table) error {
			return t.Execute(ctx, "CREATE TABLE "+t.Name+" (")
		}
		_, err := stores.OpenConn(ctx, tempConfig(t), "repository", badDDL, quiet)
		require.Error(t, err)
		assert.True(t, stores.IsConnectionError(err))
	})

	t.Run("Should reject table names that are not identifiers", func(t *testing.T) {
		_, err := stores.Open(ctx, tempConfig(t), "repo; DROP TABLE x", repositoryEntity{}, repositoryFromRow, quiet)
		require.Error(t, err)
		assert.True(t, stores.IsContractViolation(err))
		assert.ErrorIs(t, err, stores.ErrInvalidTable)
	})

	t.Run("Should reject a missing entity or factory", func(t *testing.T) {
		_, err := stores.Open[repository, stores.NoKeys](ctx, tempConfig(t), "repository", nil, repositoryFromRow, quiet)
		assert.ErrorIs(t, err, stores.ErrMissingHook)

		_, err = stores.Open(ctx, tempConfig(t), "repository", repositoryEntity{}, nil, quiet)
		assert.ErrorIs(t, err, stores.ErrMissingHook)
	})

	t.Run("Should open an in-memory database", func(t *testing.T) {
		store := openRepositories(t, stores.DefaultConfig(stores.MemoryPath))
		defer store.Stop(ctx)
		assert.Equal(t, "repository", store.Table())
	})
}

func TestStore_Metrics(t *testing.T) {
	ctx := context.Background()

	t.Run("Should count upsert outcomes and open stores", func(t *testing.T) {
		metrics, err := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
		require.NoError(t, err)

		store := openRepositories(t, tempConfig(t), stores.WithMetrics(metrics))
		_, err = store.Insert(ctx, repository{Path: "/backups/a"}, stores.NoKeys{})
		require.NoError(t, err)
		_, err = store.Insert(ctx, repository{Path: "/backups/a"}, stores.NoKeys{})
		require.NoError(t, err)

		expected := `
# HELP borgmanager_upserts_total Total number of record upserts by outcome
# TYPE borgmanager_upserts_total counter
borgmanager_upserts_total{outcome="existing",table="repository"} 1
borgmanager_upserts_total{outcome="inserted",table="repository"} 1
# HELP borgmanager_open_stores Current number of open record stores
# TYPE borgmanager_open_stores gauge
borgmanager_open_stores 1
`
		assert.NoError(t, testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected),
			"borgmanager_upserts_total", "borgmanager_open_stores"))

		require.NoError(t, store.Stop(ctx))
		assert.ErrorIs(t, store.Stop(ctx), stores.ErrClosed)

		expected = `
# HELP borgmanager_errors_by_class_total Total number of store errors by error class
# TYPE borgmanager_errors_by_class_total counter
borgmanager_errors_by_class_total{class="closed"} 1
# HELP borgmanager_open_stores Current number of open record stores
# TYPE borgmanager_open_stores gauge
borgmanager_open_stores 0
`
		assert.NoError(t, testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected),
			"borgmanager_errors_by_class_total", "borgmanager_open_stores"))
	})
}
