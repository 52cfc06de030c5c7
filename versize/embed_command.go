package versize

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

const (
	defaultEmbedColor   = "#7b68ee"
	msgInvalidColor     = "Неверный цвет. Пример: #7b68ee"
	msgEmbedCommandDone = "Готово."
)

// handleEmbedCommand posts an embed built from the command options to
// the current channel
func (v *Versize) handleEmbedCommand(
	ctx context.Context,
	reply *interactionReply,
	i *discordgo.InteractionCreate,
) error {
	_, opts := discordInteractionOptions(i)
	embed, ok := embedFromOptions(
		optionString(opts, "title"),
		optionString(opts, "description"),
		optionString(opts, "color"),
	)
	if !ok {
		return reply.Ephemeral(ctx, msgInvalidColor)
	}
	if _, err := v.discord.session.ChannelMessageSendComplex(
		i.ChannelID,
		&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}},
	); err != nil {
		return fmt.Errorf("error sending embed: %w", err)
	}
	return reply.Ephemeral(ctx, msgEmbedCommandDone)
}

func embedFromOptions(title, description, color string) (*discordgo.MessageEmbed, bool) {
	if color == "" {
		color = defaultEmbedColor
	}
	c, err := parseHexColor(color)
	if err != nil {
		return nil, false
	}
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       c,
	}, true
}

func optionString(opts map[string]*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	if o, ok := opts[name]; ok && o != nil {
		return o.StringValue()
	}
	return ""
}

// optionUserID returns the ID of a user option. The user is not
// resolved.
func optionUserID(opts map[string]*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	if o, ok := opts[name]; ok && o != nil {
		if u := o.UserValue(nil); u != nil {
			return u.ID
		}
	}
	return ""
}

func optionInt(
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
	name string,
) (int64, bool) {
	if o, ok := opts[name]; ok && o != nil {
		return o.IntValue(), true
	}
	return 0, false
}
