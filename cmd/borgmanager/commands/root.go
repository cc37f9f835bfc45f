package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/borgmanager/borgmanager/pkg/borg"
	"github.com/borgmanager/borgmanager/pkg/catalog"
	"github.com/borgmanager/borgmanager/pkg/config"
	"github.com/borgmanager/borgmanager/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	dbPath     string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "borgmanager",
		Short: "borgmanager - catalog of borg backup runs",
		Long: `borgmanager records the output of "borg create --stats" in a SQLite
catalog of repositories, archives, labels and run logs.

Repositories and archives are stored once however often they are reported;
every ingested run adds a log entry.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "catalog database path (overrides the config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newParseCommand())
	rootCmd.AddCommand(newIngestCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newLabelCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}

// environment is what a command needs to work on the catalog.
type environment struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	catalog *catalog.Catalog
	logger  zerolog.Logger
}

// newEnvironment loads the configuration, applies the global flags and
// opens the catalog. Events are logged through the cli logger, and also
// written to events as JSON lines when it is not nil.
func newEnvironment(ctx context.Context, events io.Writer) (*environment, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	logger := tel.Logger.NewComponentLogger("cli").Zerolog()
	tel.Events.Subscribe(telemetry.LogSubscriber(logger), telemetry.FilterByLevel(cfg.Telemetry.Events.Level))
	if events != nil {
		tel.Events.Subscribe(telemetry.JSONSubscriber(events), nil)
	}

	cat, err := catalog.Open(ctx, cfg.StoreConfig(), tel)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	return &environment{
		cfg:     cfg,
		tel:     tel,
		catalog: cat,
		logger:  logger,
	}, nil
}

// Close closes the catalog and flushes telemetry.
func (e *environment) Close(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	return errors.Join(e.catalog.Close(ctx), e.tel.Shutdown(ctx))
}

// ingestFile parses one file of borg output and stores it. path "-" reads
// stdin.
func (e *environment) ingestFile(ctx context.Context, stdin io.Reader, path string, opts catalog.IngestOptions) (catalog.Result, error) {
	r, source, err := openInput(stdin, path)
	if err != nil {
		return catalog.Result{}, err
	}
	defer r.Close()

	attrs, err := borg.Parse(r)
	if err != nil {
		return catalog.Result{}, fmt.Errorf("failed to parse %s: %w", source, err)
	}
	report, err := attrs.Report()
	if err != nil {
		return catalog.Result{}, fmt.Errorf("failed to read %s: %w", source, err)
	}

	opts.Source = source
	return e.catalog.Ingest(ctx, report, opts)
}

// openInput opens path, or stdin when path is empty or "-".
func openInput(stdin io.Reader, path string) (io.ReadCloser, string, error) {
	if path == "" || path == "-" {
		return io.NopCloser(stdin), "stdin", nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, path, err
	}
	return f, path, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
