package catalog

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/borgmanager/borgmanager/pkg/borg"
	"github.com/borgmanager/borgmanager/pkg/stores"
)

// Table names.
const (
	RepositoryTable = "repository"
	LabelTable      = "label"
	ArchiveTable    = "archive"
	LogTable        = "log"
)

// RepoKey qualifies records owned by a repository.
type RepoKey struct {
	RepoID int64
}

// ArchiveKeys qualifies a log entry by its repository and archive.
type ArchiveKeys struct {
	RepoID    int64
	ArchiveID int64
}

// formatTime is how time columns are stored.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// RepositoryEntity stores repositories deduplicated by path.
type RepositoryEntity struct {
	stores.NoUpdate[borg.Repository, stores.NoKeys]
}

func (RepositoryEntity) CreateTable(ctx context.Context, t stores.Table) error {
	return t.Execute(ctx, `CREATE TABLE IF NOT EXISTS `+t.Name+` (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT NOT NULL UNIQUE,
		added_at TEXT NOT NULL
	)`)
}

func (RepositoryEntity) ExistsQuery(table string, r borg.Repository, _ stores.NoKeys) (sq.Sqlizer, error) {
	return sq.Select("id").From(table).Where(sq.Eq{"path": r.Path}), nil
}

func (RepositoryEntity) Insert(ctx context.Context, t stores.Table, r borg.Repository, _ stores.NoKeys) (int64, error) {
	if err := borg.Validate(r); err != nil {
		return 0, err
	}
	if r.AddedAt.IsZero() {
		r.AddedAt = time.Now()
	}
	return t.ExecReturningID(ctx, t.InsertInto().
		Columns("path", "added_at").
		Values(r.Path, formatTime(r.AddedAt)))
}

// RepositoryFromRow decodes a repository row.
func RepositoryFromRow(row stores.Row) (borg.Repository, error) {
	var r borg.Repository
	var err error
	if r.ID, err = row.Int64(0); err != nil {
		return r, err
	}
	if r.Path, err = row.String(1); err != nil {
		return r, err
	}
	if r.AddedAt, err = row.Time(2); err != nil {
		return r, err
	}
	return r, nil
}

// LabelEntity stores repository labels deduplicated by (repo_id, name).
type LabelEntity struct {
	stores.NoUpdate[borg.Label, RepoKey]
}

func (LabelEntity) CreateTable(ctx context.Context, t stores.Table) error {
	return t.Execute(ctx, `CREATE TABLE IF NOT EXISTS `+t.Name+` (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		repo_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		UNIQUE (repo_id, name)
	)`)
}

func (LabelEntity) ExistsQuery(table string, l borg.Label, k RepoKey) (sq.Sqlizer, error) {
	return sq.Select("id").From(table).Where(sq.Eq{"repo_id": k.RepoID, "name": l.Name}), nil
}

func (LabelEntity) Insert(ctx context.Context, t stores.Table, l borg.Label, k RepoKey) (int64, error) {
	if err := borg.Validate(l); err != nil {
		return 0, err
	}
	return t.ExecReturningID(ctx, t.InsertInto().
		Columns("repo_id", "name").
		Values(k.RepoID, l.Name))
}

// LabelFromRow decodes a label row.
func LabelFromRow(row stores.Row) (borg.Label, error) {
	var l borg.Label
	var err error
	if l.ID, err = row.Int64(0); err != nil {
		return l, err
	}
	if l.RepoID, err = row.Int64(1); err != nil {
		return l, err
	}
	if l.Name, err = row.String(2); err != nil {
		return l, err
	}
	return l, nil
}

// ArchiveEntity stores archives deduplicated by (repo_id, fingerprint).
type ArchiveEntity struct {
	stores.NoUpdate[borg.Archive, RepoKey]
}

func (ArchiveEntity) CreateTable(ctx context.Context, t stores.Table) error {
	return t.Execute(ctx, `CREATE TABLE IF NOT EXISTS `+t.Name+` (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		repo_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		start TEXT NOT NULL,
		"end" TEXT NOT NULL,
		file_count INTEGER NOT NULL,
		UNIQUE (repo_id, fingerprint)
	)`)
}

func (ArchiveEntity) ExistsQuery(table string, a borg.Archive, k RepoKey) (sq.Sqlizer, error) {
	return sq.Select("id").From(table).Where(sq.Eq{"repo_id": k.RepoID, "fingerprint": a.Fingerprint}), nil
}

func (ArchiveEntity) Insert(ctx context.Context, t stores.Table, a borg.Archive, k RepoKey) (int64, error) {
	if err := borg.Validate(a); err != nil {
		return 0, err
	}
	return t.ExecReturningID(ctx, t.InsertInto().
		Columns("repo_id", "name", "fingerprint", "start", `"end"`, "file_count").
		Values(k.RepoID, a.Name, a.Fingerprint, formatTime(a.Start), formatTime(a.End), a.FileCount))
}

// ArchiveFromRow decodes an archive row.
func ArchiveFromRow(row stores.Row) (borg.Archive, error) {
	var a borg.Archive
	var err error
	if a.ID, err = row.Int64(0); err != nil {
		return a, err
	}
	if a.RepoID, err = row.Int64(1); err != nil {
		return a, err
	}
	if a.Name, err = row.String(2); err != nil {
		return a, err
	}
	if a.Fingerprint, err = row.String(3); err != nil {
		return a, err
	}
	if a.Start, err = row.Time(4); err != nil {
		return a, err
	}
	if a.End, err = row.Time(5); err != nil {
		return a, err
	}
	if a.FileCount, err = row.Int64(6); err != nil {
		return a, err
	}
	return a, nil
}

// LogEntity stores one row per borg run. It has no dedup key.
type LogEntity struct {
	stores.NoUpdate[borg.LogEntry, ArchiveKeys]
}

func (LogEntity) CreateTable(ctx context.Context, t stores.Table) error {
	return t.Execute(ctx, `CREATE TABLE IF NOT EXISTS `+t.Name+` (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		repo_id INTEGER NOT NULL,
		archive_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		start TEXT NOT NULL,
		"end" TEXT NOT NULL,
		duration_ns INTEGER NOT NULL,
		file_count INTEGER NOT NULL,
		original_size INTEGER NOT NULL,
		compressed_size INTEGER NOT NULL,
		deduplicated_size INTEGER NOT NULL
	)`)
}

func (LogEntity) ExistsQuery(string, borg.LogEntry, ArchiveKeys) (sq.Sqlizer, error) {
	return nil, nil
}

func (LogEntity) Insert(ctx context.Context, t stores.Table, e borg.LogEntry, k ArchiveKeys) (int64, error) {
	if err := borg.Validate(e); err != nil {
		return 0, err
	}
	return t.ExecReturningID(ctx, t.InsertInto().
		Columns("repo_id", "archive_id", "name", "fingerprint", "start", `"end"`,
			"duration_ns", "file_count", "original_size", "compressed_size", "deduplicated_size").
		Values(k.RepoID, k.ArchiveID, e.Name, e.Fingerprint, formatTime(e.Start), formatTime(e.End),
			int64(e.Duration), e.FileCount,
			int64(e.OriginalSize), int64(e.CompressedSize), int64(e.DeduplicatedSize)))
}

// LogEntryFromRow decodes a log row.
func LogEntryFromRow(row stores.Row) (borg.LogEntry, error) {
	var e borg.LogEntry
	var err error
	if e.ID, err = row.Int64(0); err != nil {
		return e, err
	}
	if e.RepoID, err = row.Int64(1); err != nil {
		return e, err
	}
	if e.ArchiveID, err = row.Int64(2); err != nil {
		return e, err
	}
	if e.Name, err = row.String(3); err != nil {
		return e, err
	}
	if e.Fingerprint, err = row.String(4); err != nil {
		return e, err
	}
	if e.Start, err = row.Time(5); err != nil {
		return e, err
	}
	if e.End, err = row.Time(6); err != nil {
		return e, err
	}
	duration, err := row.Int64(7)
	if err != nil {
		return e, err
	}
	e.Duration = time.Duration(duration)
	if e.FileCount, err = row.Int64(8); err != nil {
		return e, err
	}
	sizes := []*uint64{&e.OriginalSize, &e.CompressedSize, &e.DeduplicatedSize}
	for i, dst := range sizes {
		n, err := row.Int64(9 + i)
		if err != nil {
			return e, err
		}
		*dst = uint64(n)
	}
	return e, nil
}
