package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newDiscoverCmd creates the 'discover' subcommand, which prints the seeds a
// crawl would use without fetching them.
func newDiscoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Prints the seed URLs for a query",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			seeds, err := resolveSeeds(cmd.Context(), e.cfg, e.logger)
			if err != nil {
				return err
			}
			for _, s := range seeds {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), s); err != nil {
					return fmt.Errorf("write seed: %w", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().String("query", "", "search query")
	cmd.Flags().Int("top-n", 0, "number of results")
	bindFlag(cmd, "query", "query")
	bindFlag(cmd, "top-n", "top_n")
	return cmd
}
