package cmd

import (
	"bufio"
	"fmt"
	"log"
	"strings"
	"syscall"

	"github.com/kkatwk9/versize/versize"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passwordReader reads a password without echo. Swapped out in tests.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

const maxPasswordAttempts = 3

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Migrate the database, seed the runtime config and set the panel admin login",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable DC_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable DC_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}
		db, err := versize.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		defer func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		}()

		runtimeConfig, err := versize.InitRuntimeConfig(ctx, db, cfg)
		if err != nil {
			log.Fatalf("Error loading runtime config: %v", err)
		}

		out := cmd.OutOrStdout()
		if runtimeConfig.AdminUsername != "" && runtimeConfig.AdminPassword != "" {
			fmt.Fprintln(out, "Admin credentials are already set.")
		} else {
			fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")
			fmt.Fprint(out, "Enter admin username (leave empty to skip): ")
			reader := bufio.NewReader(cmd.InOrStdin())
			username, _ := reader.ReadString('\n')
			username = strings.TrimSpace(username)

			if username == "" {
				fmt.Fprintln(out, "Skipping admin credentials. The panel will only accept Discord logins.")
			} else {
				password, ok := promptPassword(cmd)
				if !ok {
					log.Fatal("Passwords did not match")
				}
				if err = versize.SetAdminCredentials(ctx, db, &runtimeConfig, username, password); err != nil {
					log.Fatalf("Error updating admin credentials: %v", err)
				}
				fmt.Fprintln(out, "Admin credentials set successfully.")
			}
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the server with the 'run' subcommand.",
		)
	},
}

// promptPassword asks for the password twice, returning false if the
// two never match
func promptPassword(cmd *cobra.Command) (string, bool) {
	out := cmd.OutOrStdout()
	readPassword := customPasswordReader
	if readPassword == nil {
		readPassword = func() ([]byte, error) {
			return term.ReadPassword(int(syscall.Stdin))
		}
	}

	for attempt := 0; attempt < maxPasswordAttempts; attempt++ {
		fmt.Fprint(out, "Enter admin password: ")
		passwordBytes, err := readPassword()
		fmt.Fprintln(out)
		if err != nil {
			return "", false
		}

		fmt.Fprint(out, "Confirm admin password: ")
		confirmBytes, err := readPassword()
		fmt.Fprintln(out)
		if err != nil {
			return "", false
		}

		password := string(passwordBytes)
		if password != "" && password == string(confirmBytes) {
			return password, true
		}
		fmt.Fprintln(out, "Passwords do not match. Please try again.")
	}
	return "", false
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
