package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLabelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "label <repository> <name>",
		Short: "Attach a label to a repository",
		Long: `Attach a label to a repository, adding the repository to the catalog
if it is not there yet. Attaching the same label twice is a no-op.`,
		Example: `  borgmanager label /backups/host offsite`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnvironment(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer env.Close(cmd.Context())

			repoID, labelID, err := env.catalog.Label(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]int64{
					"repository_id": repoID,
					"label_id":      labelID,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Label %q on %s (repository %d, label %d)\n",
				args[1], args[0], repoID, labelID)
			return nil
		},
	}

	return cmd
}
