package cmd

import (
	"github.com/cosmobot/cosmo/cosmo"
	"github.com/spf13/cobra"
	"log"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Connects to discord, reloads scheduled jobs and starts the admin API",
		Run: func(cmd *cobra.Command, _ []string) {
			bot, err := cosmo.New(cfg)
			if err != nil {
				log.Fatalf("error creating bot: %s", err.Error())
			}

			if err = bot.Run(cmd.Context()); err != nil {
				log.Fatalf("error running bot: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
