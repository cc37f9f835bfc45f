package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/borgmanager/borgmanager/pkg/borg"
	"github.com/borgmanager/borgmanager/pkg/stores"
	"github.com/borgmanager/borgmanager/pkg/telemetry"
)

// ErrNoRepository is returned when neither the report nor the caller names
// a repository.
var ErrNoRepository = errors.New("no repository given")

// Catalog owns one record store per entity, all over the same database file.
// Each store has its own connection, so the stores always auto-commit.
type Catalog struct {
	Repositories *stores.Store[borg.Repository, stores.NoKeys]
	Labels       *stores.Store[borg.Label, RepoKey]
	Archives     *stores.Store[borg.Archive, RepoKey]
	Logs         *stores.Store[borg.LogEntry, ArchiveKeys]

	log     *telemetry.Logger
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher
	now     func() time.Time
}

// IngestOptions qualify one ingest.
type IngestOptions struct {
	// Source names where the report came from, e.g. a file path.
	Source string

	// Repository overrides the repository named in the report.
	Repository string

	// Label, when set, is attached to the repository.
	Label string
}

// Result holds the row ids an ingest touched.
type Result struct {
	RunID        string `json:"run_id"`
	RepositoryID int64  `json:"repository_id"`
	ArchiveID    int64  `json:"archive_id"`
	LogID        int64  `json:"log_id"`
	LabelID      int64  `json:"label_id,omitempty"`
}

// Open opens the four stores. tel may be nil.
func Open(ctx context.Context, cfg stores.Config, tel *telemetry.Telemetry) (*Catalog, error) {
	if tel == nil {
		tel = &telemetry.Telemetry{}
	}
	base := tel.Logger
	if base == nil {
		base = telemetry.NopLogger()
	}
	log := base.NewComponentLogger("catalog")

	// Independent connections cannot share one open transaction.
	cfg.Batch = false
	opts := []stores.Option{
		stores.WithLogger(base.Zerolog()),
		stores.WithMetrics(tel.Metrics),
		stores.WithTracer(tel.Tracer),
	}

	c := &Catalog{
		log:     log,
		logger:  log.Zerolog(),
		metrics: tel.Metrics,
		tracer:  tel.Tracer,
		events:  tel.Events,
		now:     time.Now,
	}

	var err error
	if c.Repositories, err = stores.Open(ctx, cfg, RepositoryTable, RepositoryEntity{}, RepositoryFromRow, opts...); err != nil {
		return nil, c.abort(ctx, err)
	}
	if c.Labels, err = stores.Open(ctx, cfg, LabelTable, LabelEntity{}, LabelFromRow, opts...); err != nil {
		return nil, c.abort(ctx, err)
	}
	if c.Archives, err = stores.Open(ctx, cfg, ArchiveTable, ArchiveEntity{}, ArchiveFromRow, opts...); err != nil {
		return nil, c.abort(ctx, err)
	}
	if c.Logs, err = stores.Open(ctx, cfg, LogTable, LogEntity{}, LogEntryFromRow, opts...); err != nil {
		return nil, c.abort(ctx, err)
	}

	c.logger.Info().Str("path", cfg.Path).Msg("Catalog opened")
	return c, nil
}

// abort stops whichever stores were opened before err.
func (c *Catalog) abort(ctx context.Context, err error) error {
	_ = c.Close(ctx)
	return fmt.Errorf("failed to open catalog: %w", err)
}

// Close stops every open store.
func (c *Catalog) Close(ctx context.Context) error {
	var errs []error
	if c.Logs != nil {
		errs = append(errs, c.Logs.Stop(ctx))
	}
	if c.Archives != nil {
		errs = append(errs, c.Archives.Stop(ctx))
	}
	if c.Labels != nil {
		errs = append(errs, c.Labels.Stop(ctx))
	}
	if c.Repositories != nil {
		errs = append(errs, c.Repositories.Stop(ctx))
	}
	return errors.Join(errs...)
}

// Ingest stores one report: the repository, the archive, a log entry and
// optionally a label. Repository and archive are deduplicated; the log
// entry is always new.
func (c *Catalog) Ingest(ctx context.Context, report borg.Report, opts IngestOptions) (res Result, err error) {
	res.RunID = uuid.NewString()
	source := opts.Source
	if source == "" {
		source = "stdin"
	}

	ctx, span := c.tracer.StartIngestSpan(ctx, res.RunID, source)
	timer := telemetry.NewTimer()
	ingestLog := c.log.WithRunID(res.RunID).WithField("source", source)
	if traceID := telemetry.TraceID(ctx); traceID != "" {
		ingestLog = ingestLog.WithField("trace_id", traceID)
	}
	logger := ingestLog.Zerolog()

	defer func() {
		telemetry.EndSpan(span, err)
		status := "ok"
		if err != nil {
			status = "error"
			logger.Error().Err(err).Msg("Ingest failed")
			if perr := c.events.PublishIngestFailed(res.RunID, source, err.Error()); perr != nil {
				logger.Warn().Err(perr).Msg("Failed to publish ingest event")
			}
		} else {
			if perr := c.events.PublishIngestCompleted(res.RunID, source, map[string]interface{}{
				"repository_id": res.RepositoryID,
				"archive_id":    res.ArchiveID,
				"log_id":        res.LogID,
			}); perr != nil {
				logger.Warn().Err(perr).Msg("Failed to publish ingest event")
			}
			logger.Info().
				Int64("archive_id", res.ArchiveID).
				Int64("log_id", res.LogID).
				Dur("duration", timer.Duration()).
				Msg("Ingest completed")
		}
		c.metrics.RecordIngest(status, timer.Duration())
	}()

	repoPath := report.Repository
	if opts.Repository != "" {
		repoPath = opts.Repository
	}
	if repoPath == "" {
		return res, ErrNoRepository
	}
	report.Repository = repoPath

	if res.RepositoryID, err = c.Repositories.Insert(ctx, report.RepositoryRecord(c.now()), stores.NoKeys{}); err != nil {
		return res, fmt.Errorf("failed to store repository: %w", err)
	}
	repo := RepoKey{RepoID: res.RepositoryID}

	if res.ArchiveID, err = c.Archives.Insert(ctx, report.ArchiveRecord(), repo); err != nil {
		return res, fmt.Errorf("failed to store archive: %w", err)
	}

	keys := ArchiveKeys{RepoID: res.RepositoryID, ArchiveID: res.ArchiveID}
	if res.LogID, err = c.Logs.Insert(ctx, report.LogEntryRecord(), keys); err != nil {
		return res, fmt.Errorf("failed to store log entry: %w", err)
	}

	if opts.Label != "" {
		if res.LabelID, err = c.Labels.Insert(ctx, borg.Label{Name: opts.Label}, repo); err != nil {
			return res, fmt.Errorf("failed to store label: %w", err)
		}
	}
	return res, nil
}

// Label attaches name to the repository at repoPath, adding the repository
// if it is new. It returns the repository and label ids.
func (c *Catalog) Label(ctx context.Context, repoPath, name string) (repoID, labelID int64, err error) {
	if repoPath == "" {
		return 0, 0, ErrNoRepository
	}
	repoID, err = c.Repositories.Insert(ctx, borg.Repository{Path: repoPath, AddedAt: c.now()}, stores.NoKeys{})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to store repository: %w", err)
	}
	labelID, err = c.Labels.Insert(ctx, borg.Label{Name: name}, RepoKey{RepoID: repoID})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to store label: %w", err)
	}

	if err := c.events.PublishLabelAttached(repoPath, name); err != nil {
		c.logger.Warn().Err(err).Str("repository", repoPath).Msg("Failed to publish label event")
	}
	c.logger.Info().Str("repository", repoPath).Str("label", name).Msg("Label attached")
	return repoID, labelID, nil
}

// ListRepositories returns every repository.
func (c *Catalog) ListRepositories(ctx context.Context) ([]borg.Repository, error) {
	return c.Repositories.GetAll(ctx)
}

// ListLabels returns every label.
func (c *Catalog) ListLabels(ctx context.Context) ([]borg.Label, error) {
	return c.Labels.GetAll(ctx)
}

// ListArchives returns every archive.
func (c *Catalog) ListArchives(ctx context.Context) ([]borg.Archive, error) {
	return c.Archives.GetAll(ctx)
}

// ListLogs returns every log entry.
func (c *Catalog) ListLogs(ctx context.Context) ([]borg.LogEntry, error) {
	return c.Logs.GetAll(ctx)
}
