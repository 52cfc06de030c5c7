package versize

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/xhit/go-str2duration/v2"
	"gorm.io/gorm"
)

const (
	blacklistSubcommandAdd    = "add"
	blacklistSubcommandRemove = "remove"
	blacklistSubcommandList   = "list"

	blacklistDefaultListLimit = 10
	blacklistForever          = "forever"

	msgInvalidDuration          = "Неверный срок. Примеры: 30d, 12h, forever."
	msgBlacklistChannelNotSet   = "Ошибка: BLACKLIST_CHANNEL_ID не задан в .env"
	msgBlacklistChannelNotFound = "Не удалось найти канал ЧС или нет доступа."
	msgBlacklistAdded           = "Запись добавлена в ЧС."
	msgBlacklistRemoveNoArgs    = "Укажите static или message_id."
	msgBlacklistNotFound        = "Запись не найдена."
	msgBlacklistEmpty           = "Черный список пуст."
)

// BlacklistEntry is a ЧС record. An entry is active until it's removed
// or expires. A nil ExpiresAt never expires.
//
//nolint:lll // struct tags can't be split
type BlacklistEntry struct {
	ModelUintID
	ModelUnixTime

	PublicID string `json:"public_id" gorm:"type:string;uniqueIndex;not null"`
	Static   string `json:"static" gorm:"type:string;not null;index"`
	MemberID string `json:"member_id,omitempty" gorm:"type:string;index"`
	Reason   string `json:"reason" gorm:"type:string"`

	// ExpiresAt is a Unix timestamp in milliseconds
	ExpiresAt *int64 `json:"expires_at,omitempty"`
	AddedBy   string `json:"added_by" gorm:"type:string"`

	ChannelID string `json:"channel_id" gorm:"type:string"`
	MessageID string `json:"message_id" gorm:"type:string;index"`

	RemovedAt *int64 `json:"removed_at,omitempty"`
	RemovedBy string `json:"removed_by,omitempty" gorm:"type:string"`
}

// Active returns true if the entry hasn't been removed and hasn't
// expired as of now
func (b BlacklistEntry) Active(now time.Time) bool {
	if b.RemovedAt != nil {
		return false
	}
	return b.ExpiresAt == nil || *b.ExpiresAt > now.UnixMilli()
}

func (b BlacklistEntry) termText() string {
	if b.ExpiresAt == nil {
		return "навсегда"
	}
	return "до " + discordTimestamp(time.UnixMilli(*b.ExpiresAt))
}

func (b BlacklistEntry) memberText() string {
	if b.MemberID == "" {
		return "—"
	}
	return userMention(b.MemberID)
}

// parseBlacklistDuration parses a blacklist term like "30d" or "12h".
// An empty value or "forever" returns a zero duration, which means the
// entry never expires.
func parseBlacklistDuration(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == blacklistForever {
		return 0, nil
	}
	d, err := str2duration.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidDuration, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
	}
	return d, nil
}

func activeBlacklistScope(now time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where(
			"removed_at IS NULL AND (expires_at IS NULL OR expires_at > ?)",
			now.UnixMilli(),
		)
	}
}

// activeBlacklistEntryForMember returns the newest active entry for
// the given member, or nil if there isn't one
func (v *Versize) activeBlacklistEntryForMember(ctx context.Context, userID string) (*BlacklistEntry, error) {
	if userID == "" {
		return nil, nil
	}
	var entry BlacklistEntry
	err := v.db.WithContext(ctx).
		Scopes(activeBlacklistScope(time.Now())).
		Where("member_id = ?", userID).
		Order("id desc").
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ActiveBlacklist returns active entries, newest first
func (v *Versize) ActiveBlacklist(ctx context.Context, limit int) ([]BlacklistEntry, error) {
	var entries []BlacklistEntry
	err := v.db.WithContext(ctx).
		Scopes(activeBlacklistScope(time.Now())).
		Order("id desc").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func buildBlacklistEmbed(b *BlacklistEntry) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: "⛔ Добавлено в ЧС",
		Color: colorDenied,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Статик", Value: b.Static, Inline: true},
			{Name: "Участник", Value: b.memberText(), Inline: true},
			{Name: "Причина", Value: truncate(b.Reason, discordEmbedFieldValueMaxLen)},
			{Name: "Срок", Value: b.termText(), Inline: true},
			{Name: "Добавил", Value: userMention(b.AddedBy), Inline: true},
		},
		Footer: &discordgo.MessageEmbedFooter{Text: "ID: " + b.PublicID},
	}
}

func buildBlacklistListEmbed(entries []BlacklistEntry) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: "📋 Черный список",
		Color: colorDenied,
	}
	for _, e := range entries {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{
				Name: truncate(e.Static, 256),
				Value: truncate(
					strings.Join([]string{e.Reason, e.termText(), e.memberText()}, " · "),
					discordEmbedFieldValueMaxLen,
				),
			},
		)
	}
	return embed
}

// handleBlacklistCommand dispatches /blacklist subcommands
func (v *Versize) handleBlacklistCommand(
	ctx context.Context,
	reply *interactionReply,
	i *discordgo.InteractionCreate,
) error {
	subcommand, opts := discordInteractionOptions(i)
	switch subcommand {
	case blacklistSubcommandAdd:
		return v.blacklistAdd(ctx, reply, i, opts)
	case blacklistSubcommandRemove:
		return v.blacklistRemove(ctx, reply, i, opts)
	case blacklistSubcommandList:
		return v.blacklistList(ctx, reply, opts)
	default:
		return fmt.Errorf("unknown blacklist subcommand: %q", subcommand)
	}
}

func (v *Versize) blacklistAdd(
	ctx context.Context,
	reply *interactionReply,
	i *discordgo.InteractionCreate,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) error {
	ctx, logger := v.getLogger(ctx)
	duration, err := parseBlacklistDuration(optionString(opts, "duration"))
	if err != nil {
		return reply.Ephemeral(ctx, msgInvalidDuration)
	}
	channelID := v.channels().Blacklist
	if channelID == "" {
		return reply.Ephemeral(ctx, msgBlacklistChannelNotSet)
	}

	entry := &BlacklistEntry{
		PublicID:  uuid.NewString(),
		Static:    strings.TrimSpace(optionString(opts, "static")),
		MemberID:  optionUserID(opts, "member"),
		Reason:    strings.TrimSpace(optionString(opts, "reason")),
		AddedBy:   getDiscordUser(i).ID,
		ChannelID: channelID,
	}
	if duration > 0 {
		expires := time.Now().Add(duration).UnixMilli()
		entry.ExpiresAt = &expires
	}

	if err = reply.Defer(ctx); err != nil {
		return err
	}
	session := v.discord.session
	if _, err = session.Channel(channelID); err != nil {
		logger.ErrorContext(ctx, "error fetching blacklist channel", "channel_id", channelID, tint.Err(err))
		return reply.Ephemeral(ctx, msgBlacklistChannelNotFound)
	}
	msg, err := session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{buildBlacklistEmbed(entry)}},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error sending blacklist embed", "channel_id", channelID, tint.Err(err))
		return reply.Ephemeral(ctx, msgBlacklistChannelNotFound)
	}
	entry.MessageID = msg.ID
	if _, err = v.writeDB.Create(ctx, entry); err != nil {
		return fmt.Errorf("error saving blacklist entry: %w", err)
	}
	logger.InfoContext(ctx, "blacklist entry added", "public_id", entry.PublicID, "static", entry.Static)
	return reply.Ephemeral(ctx, msgBlacklistAdded)
}

// RemoveBlacklistEntries marks active entries matching static or
// messageID as removed, and deletes their messages. Expired or already
// removed entries are left alone. If no entry at all owns messageID,
// that message is still deleted from the blacklist channel. Returns
// the number of entries (or orphaned messages) removed.
func (v *Versize) RemoveBlacklistEntries(
	ctx context.Context,
	static string,
	messageID string,
	removedBy string,
) (int, error) {
	ctx, logger := v.getLogger(ctx)
	q := v.db.WithContext(ctx).Scopes(activeBlacklistScope(time.Now()))
	switch {
	case static != "" && messageID != "":
		q = q.Where("static = ? OR message_id = ?", static, messageID)
	case static != "":
		q = q.Where("static = ?", static)
	default:
		q = q.Where("message_id = ?", messageID)
	}
	var entries []BlacklistEntry
	if err := q.Find(&entries).Error; err != nil {
		return 0, fmt.Errorf("error finding blacklist entries: %w", err)
	}

	session := v.discord.session
	removed := 0
	now := time.Now().UnixMilli()
	for _, e := range entries {
		if e.MessageID != "" {
			if err := session.ChannelMessageDelete(e.ChannelID, e.MessageID); err != nil {
				logger.WarnContext(ctx, "error deleting blacklist message", "message_id", e.MessageID, tint.Err(err))
			}
		}
		rows, err := v.writeDB.UpdatesWhere(
			ctx,
			&BlacklistEntry{},
			map[string]any{"removed_at": now, "removed_by": removedBy},
			"id = ? AND removed_at IS NULL", e.ID,
		)
		if err != nil {
			return removed, fmt.Errorf("error removing blacklist entry: %w", err)
		}
		removed += int(rows)
	}

	if len(entries) == 0 && messageID != "" {
		var owned int64
		if err := v.db.WithContext(ctx).Model(&BlacklistEntry{}).
			Where("message_id = ?", messageID).Count(&owned).Error; err != nil {
			return removed, fmt.Errorf("error finding blacklist message: %w", err)
		}
		if owned > 0 {
			return removed, nil
		}
		channelID := v.channels().Blacklist
		if channelID != "" {
			if err := session.ChannelMessageDelete(channelID, messageID); err != nil {
				logger.WarnContext(ctx, "error deleting blacklist message", "message_id", messageID, tint.Err(err))
			} else {
				removed++
			}
		}
	}
	return removed, nil
}

func (v *Versize) blacklistRemove(
	ctx context.Context,
	reply *interactionReply,
	i *discordgo.InteractionCreate,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) error {
	static := strings.TrimSpace(optionString(opts, "static"))
	messageID := strings.TrimSpace(optionString(opts, "message_id"))
	if static == "" && messageID == "" {
		return reply.Ephemeral(ctx, msgBlacklistRemoveNoArgs)
	}
	if err := reply.Defer(ctx); err != nil {
		return err
	}
	n, err := v.RemoveBlacklistEntries(ctx, static, messageID, getDiscordUser(i).ID)
	if err != nil {
		return err
	}
	if n == 0 {
		return reply.Ephemeral(ctx, msgBlacklistNotFound)
	}
	return reply.Ephemeral(ctx, "Удалено записей: "+strconv.Itoa(n)+".")
}

func (v *Versize) blacklistList(
	ctx context.Context,
	reply *interactionReply,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) error {
	limit := blacklistDefaultListLimit
	if n, ok := optionInt(opts, "limit"); ok {
		limit = int(max(1, min(n, discordEmbedMaxFields)))
	}
	entries, err := v.ActiveBlacklist(ctx, limit)
	if err != nil {
		return fmt.Errorf("error listing blacklist: %w", err)
	}
	if len(entries) == 0 {
		return reply.Ephemeral(ctx, msgBlacklistEmpty)
	}
	return reply.Embed(ctx, buildBlacklistListEmbed(entries))
}
