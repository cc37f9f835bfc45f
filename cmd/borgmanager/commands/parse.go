package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/borgmanager/borgmanager/pkg/borg"
)

func newParseCommand() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "parse [file]",
		Short: "Extract the attributes from borg create output",
		Long: `Parse the output of "borg create --stats" and print the attributes
borgmanager understands, one "Key: value" line each.

The file defaults to stdin. Nothing is written to the catalog.`,
		Example: `  # Parse a saved run
  borgmanager parse nightly.log

  # Parse straight from borg
  borg create --stats /backups/host::{now} ~ 2>&1 | borgmanager parse

  # Print the typed report as JSON
  borgmanager parse nightly.log --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			r, source, err := openInput(cmd.InOrStdin(), path)
			if err != nil {
				return err
			}
			defer r.Close()

			attrs, err := borg.Parse(r)
			if err != nil {
				return fmt.Errorf("failed to parse %s: %w", source, err)
			}

			if outFile == "" {
				return writeAttributes(cmd.OutOrStdout(), attrs, source)
			}

			f, err := os.Create(outFile)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", outFile, err)
			}
			if err := writeAttributes(f, attrs, source); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("failed to write %s: %w", outFile, err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the attributes to a file instead of stdout")

	return cmd
}

// writeAttributes prints attrs as "Key: value" lines, or as the typed report
// with --json.
func writeAttributes(out io.Writer, attrs borg.Attributes, source string) error {
	if jsonOutput {
		report, err := attrs.Report()
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", source, err)
		}
		return printJSON(out, report)
	}
	_, err := attrs.WriteTo(out)
	return err
}
