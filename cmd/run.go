package cmd

import (
	"log"

	"github.com/LucienOnCrack/discord-dm-crm/dmcrm"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the account sessions, change feed and dashboard API",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		app, err := dmcrm.New(cfg)
		if err != nil {
			log.Fatalf("error creating dmcrm: %s", err.Error())
		}

		if err = app.Run(ctx); err != nil {
			log.Fatalf("error running dmcrm: %s", err.Error())
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
