package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

const listTimeLayout = "2006-01-02 15:04:05"

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List catalog contents",
		Long:  `List the repositories, labels, archives or run logs in the catalog, in insertion order.`,
	}

	cmd.AddCommand(newListRepositoriesCommand())
	cmd.AddCommand(newListLabelsCommand())
	cmd.AddCommand(newListArchivesCommand())
	cmd.AddCommand(newListLogsCommand())

	return cmd
}

// listCommand builds a list subcommand around one catalog query.
func listCommand(use, short string, aliases []string, run func(cmd *cobra.Command, env *environment) error) *cobra.Command {
	return &cobra.Command{
		Use:     use,
		Short:   short,
		Aliases: aliases,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnvironment(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer env.Close(cmd.Context())
			return run(cmd, env)
		},
	}
}

func newListRepositoriesCommand() *cobra.Command {
	return listCommand("repositories", "List repositories", []string{"repos"}, func(cmd *cobra.Command, env *environment) error {
		repos, err := env.catalog.ListRepositories(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), repos)
		}
		return table(cmd.OutOrStdout(), func(w io.Writer) {
			fmt.Fprintln(w, "ID\tPATH\tADDED")
			for _, r := range repos {
				fmt.Fprintf(w, "%d\t%s\t%s\n", r.ID, r.Path, formatTime(r.AddedAt))
			}
		})
	})
}

func newListLabelsCommand() *cobra.Command {
	return listCommand("labels", "List labels", nil, func(cmd *cobra.Command, env *environment) error {
		labels, err := env.catalog.ListLabels(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), labels)
		}
		return table(cmd.OutOrStdout(), func(w io.Writer) {
			fmt.Fprintln(w, "ID\tREPOSITORY\tNAME")
			for _, l := range labels {
				fmt.Fprintf(w, "%d\t%d\t%s\n", l.ID, l.RepoID, l.Name)
			}
		})
	})
}

func newListArchivesCommand() *cobra.Command {
	return listCommand("archives", "List archives", nil, func(cmd *cobra.Command, env *environment) error {
		archives, err := env.catalog.ListArchives(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), archives)
		}
		return table(cmd.OutOrStdout(), func(w io.Writer) {
			fmt.Fprintln(w, "ID\tREPOSITORY\tNAME\tSTART\tEND\tFILES")
			for _, a := range archives {
				fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\n",
					a.ID, a.RepoID, a.Name, formatTime(a.Start), formatTime(a.End), humanize.Comma(a.FileCount))
			}
		})
	})
}

func newListLogsCommand() *cobra.Command {
	return listCommand("logs", "List run logs", nil, func(cmd *cobra.Command, env *environment) error {
		logs, err := env.catalog.ListLogs(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), logs)
		}
		return table(cmd.OutOrStdout(), func(w io.Writer) {
			fmt.Fprintln(w, "ID\tARCHIVE\tNAME\tSTART\tDURATION\tFILES\tORIGINAL\tCOMPRESSED\tDEDUPLICATED")
			for _, e := range logs {
				fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.ID, e.ArchiveID, e.Name, formatTime(e.Start), e.Duration,
					humanize.Comma(e.FileCount),
					humanize.Bytes(e.OriginalSize),
					humanize.Bytes(e.CompressedSize),
					humanize.Bytes(e.DeduplicatedSize))
			}
		})
	})
}

func table(out io.Writer, fill func(w io.Writer)) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fill(w)
	return w.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(listTimeLayout)
}
