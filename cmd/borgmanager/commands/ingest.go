package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/borgmanager/borgmanager/pkg/catalog"
)

func newIngestCommand() *cobra.Command {
	var (
		repository string
		label      string
	)

	cmd := &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Store borg create output in the catalog",
		Long: `Ingest the output of "borg create --stats" into the catalog.

Each file adds a log entry. The repository and the archive are only added
the first time they are seen. With no files, stdin is read.`,
		Example: `  # Ingest saved runs
  borgmanager ingest monday.log tuesday.log

  # Ingest from borg, labelling the repository
  borg create --stats /backups/host::{now} ~ 2>&1 | borgmanager ingest --label nightly

  # Output without a Repository line
  borgmanager ingest run.log --repo /backups/host`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnvironment(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer env.Close(cmd.Context())

			if len(args) == 0 {
				args = []string{"-"}
			}

			opts := catalog.IngestOptions{Repository: repository, Label: label}
			var (
				results []catalog.Result
				errs    []error
			)
			for _, path := range args {
				res, err := env.ingestFile(cmd.Context(), cmd.InOrStdin(), path, opts)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				results = append(results, res)
				if !jsonOutput {
					fmt.Fprintf(cmd.OutOrStdout(), "Ingested %s: repository %d, archive %d, log %d\n",
						sourceName(path), res.RepositoryID, res.ArchiveID, res.LogID)
				}
			}

			if jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
			}
			return errors.Join(errs...)
		},
	}

	cmd.Flags().StringVar(&repository, "repo", "", "repository path, overriding the one in the output")
	cmd.Flags().StringVar(&label, "label", "", "label to attach to the repository")

	return cmd
}

func sourceName(path string) string {
	if path == "-" {
		return "stdin"
	}
	return path
}
