package cmd

import (
	"fmt"
	"github.com/cosmobot/cosmo/cosmo"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(
			cmd.OutOrStdout(),
			"cosmo version=%s commit=%s built=%s\n",
			cosmo.Version,
			cosmo.CommitSHA,
			cosmo.BuildTime,
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(versionCmd)
}
