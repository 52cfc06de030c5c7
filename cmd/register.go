package cmd

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"github.com/kkatwk9/versize/versize"
	"github.com/spf13/cobra"
)

var registerHints = map[int]string{
	http.StatusUnauthorized: "Неверный DISCORD_TOKEN.",
	http.StatusForbidden:    "У бота нет доступа к серверу или не хватает прав (applications.commands).",
	http.StatusNotFound:     "Неверный CLIENT_ID или GUILD_ID.",
}

// registerHint returns a suggestion for a failed registration, if the
// error is a Discord REST error with a known status
func registerHint(err error) string {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) || restErr.Response == nil {
		return ""
	}
	return registerHints[restErr.Response.StatusCode]
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Overwrite the guild's slash commands",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		if cfg.Discord.Token == "" || cfg.Discord.ApplicationID == "" || cfg.Discord.GuildID == "" {
			log.Fatal("DISCORD_TOKEN, CLIENT_ID and GUILD_ID must be set")
		}
		out := cmd.OutOrStdout()
		commands, err := versize.RegisterCommands(cfg.Discord, discordgo.WithContext(cmd.Context()))
		if err != nil {
			if hint := registerHint(err); hint != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), hint)
			}
			log.Fatalf("error registering commands: %v", err)
		}
		for _, c := range commands {
			fmt.Fprintf(out, "registered /%s (%s)\n", c.Name, c.ID)
		}
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(registerCmd)
}
