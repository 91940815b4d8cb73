package cmd

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"
	"syscall"

	"github.com/LucienOnCrack/discord-dm-crm/dmcrm"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passwordReader is a function type for reading passwords. It's really only
// here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and generate admin credentials",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable DMCRM_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable DMCRM_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}
		// Run database migrations
		if _, err := dmcrm.CreateDB(
			ctx,
			cfg.DatabaseType,
			cfg.Database,
		); err != nil {
			log.Fatalf("Error creating database: %v", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Database initialized.")
		fmt.Fprintln(out, "Let's set up the dashboard admin credentials.")

		reader := bufio.NewReader(os.Stdin)

		fmt.Fprint(out, "Enter admin username: ")
		username, _ := reader.ReadString('\n')
		username = strings.TrimSpace(username)

		var password string

		if customPasswordReader == nil {
			customPasswordReader = func() ([]byte, error) {
				return term.ReadPassword(int(syscall.Stdin))
			}
		}
		for {
			fmt.Fprint(out, "Enter admin password: ")
			passwordBytes, _ := customPasswordReader()
			password = string(passwordBytes)
			fmt.Fprintln(out)

			fmt.Fprint(out, "Confirm admin password: ")
			confirmPasswordBytes, _ := customPasswordReader()
			confirmPassword := string(confirmPasswordBytes)
			fmt.Fprintln(out)

			if password == confirmPassword {
				break
			}
			fmt.Fprintln(out, "Passwords do not match. Please try again.")
		}

		hashedPassword, err := dmcrm.HashPassword(password)
		if err != nil {
			log.Fatalf("Error hashing password: %v", err)
		}

		// Credentials are config, not data, so they're emitted as
		// environment variables rather than written to the database.
		fmt.Fprintln(out, "Set these in your environment (or .env file):")
		fmt.Fprintf(out, "%s_API_ADMIN_USERNAME=%s\n", dmcrm.DefaultEnvPrefix, username)
		fmt.Fprintf(
			out,
			"%s_API_ADMIN_PASSWORD_HASH='%s'\n",
			dmcrm.DefaultEnvPrefix,
			hashedPassword,
		)
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the server with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
