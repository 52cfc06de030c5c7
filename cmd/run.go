package cmd

import (
	"log"

	"github.com/kkatwk9/versize/versize"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the bot, the web panel and (optionally) the webhook server",
	Run: func(cmd *cobra.Command, _ []string) {
		bot, err := versize.New(cfg)
		if err != nil {
			log.Fatalf("error creating versize: %s", err.Error())
		}
		if err = bot.Run(cmd.Context()); err != nil {
			log.Fatalf("error running versize: %s", err.Error())
		}
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
