package versize

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	colorAudit = 0x7b68ee

	msgAuditChannelNotSet      = "Ошибка: AUDIT_CHANNEL_ID не задан в .env"
	msgAuditChannelNotFound    = "Не удалось найти текстовый канал аудита или нет доступа."
	msgAuditRecorded           = "Аудит записан."
	auditEmptyValuePlaceholder = "—"
)

type AuditAction struct {
	ID    string
	Label string
}

var auditActions = []AuditAction{
	{ID: "promote", Label: "Повышение"},
	{ID: "demote", Label: "Понижение"},
	{ID: "warn", Label: "Выговор"},
	{ID: "fire", Label: "Увольнение"},
	{ID: "give_rank", Label: "Выдача ранга"},
}

func auditActionLabel(id string) string {
	for _, a := range auditActions {
		if a.ID == id {
			return a.Label
		}
	}
	return id
}

type AuditRank struct {
	Value string
	Name  string
}

func (r AuditRank) String() string {
	return r.Value + " — " + r.Name
}

var auditRanks = []AuditRank{
	{Value: "8", Name: "Generalisimus"},
	{Value: "7", Name: "Vice Gen."},
	{Value: "6", Name: "Gen. Secretary"},
	{Value: "5", Name: "Curator"},
	{Value: "4", Name: "Curator's Office"},
	{Value: "3", Name: "Stacked"},
	{Value: "2", Name: "Main"},
	{Value: "1", Name: "NewBie"},
}

// rankText renders a rank by its choice name. An empty rank renders a
// dash, an unknown one renders as is.
func rankText(rank string) string {
	if rank == "" {
		return auditEmptyValuePlaceholder
	}
	for _, r := range auditRanks {
		if r.Value == rank {
			return r.String()
		}
	}
	return rank
}

// AuditRecord is a logged rank change or disciplinary action
//
//nolint:lll // struct tags can't be split
type AuditRecord struct {
	ModelUintID
	ModelUnixTime

	AuthorID  string `json:"author_id" gorm:"not null;index"`
	TargetID  string `json:"target_id" gorm:"not null;index"`
	Action    string `json:"action" gorm:"not null;index"`
	FromRank  string `json:"from_rank,omitempty" gorm:"type:string"`
	ToRank    string `json:"to_rank,omitempty" gorm:"type:string"`
	Reason    string `json:"reason" gorm:"type:string"`
	CreatedBy string `json:"created_by" gorm:"type:string"`

	ChannelID string `json:"channel_id" gorm:"type:string"`
	MessageID string `json:"message_id" gorm:"type:string"`
}

func orPlaceholder(s string) string {
	if s == "" {
		return auditEmptyValuePlaceholder
	}
	return s
}

func (a AuditRecord) reasonText() string {
	return orPlaceholder(a.Reason)
}

// buildAuditEmbed renders a record. Ranks are shown by their option
// value, as selected.
func buildAuditEmbed(a *AuditRecord, at time.Time) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:     "📘 Аудит действия",
		Color:     colorAudit,
		Timestamp: at.UTC().Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Действие", Value: auditActionLabel(a.Action), Inline: true},
			{Name: "Кто", Value: userMention(a.AuthorID), Inline: true},
			{Name: "Кого", Value: userMention(a.TargetID), Inline: true},
			{Name: "С ранга", Value: orPlaceholder(a.FromRank), Inline: true},
			{Name: "На ранг", Value: orPlaceholder(a.ToRank), Inline: true},
			{Name: "Причина", Value: truncate(a.reasonText(), discordEmbedFieldValueMaxLen)},
		},
	}
}

// discordTimestamp renders t as a Discord short date/time timestamp
func discordTimestamp(t time.Time) string {
	return fmt.Sprintf("<t:%d:f>", t.Unix())
}

// handleAuditCommand posts an audit embed to the audit channel and
// records it
func (v *Versize) handleAuditCommand(
	ctx context.Context,
	reply *interactionReply,
	i *discordgo.InteractionCreate,
) error {
	ctx, logger := v.getLogger(ctx)
	_, opts := discordInteractionOptions(i)

	record := &AuditRecord{
		AuthorID:  optionUserID(opts, "author"),
		TargetID:  optionUserID(opts, "target"),
		Action:    optionString(opts, "action"),
		FromRank:  optionString(opts, "from_rank"),
		ToRank:    optionString(opts, "to_rank"),
		Reason:    optionString(opts, "reason"),
		CreatedBy: getDiscordUser(i).ID,
	}

	channelID := v.channels().Audit
	if channelID == "" {
		return reply.Ephemeral(ctx, msgAuditChannelNotSet)
	}
	if err := reply.Defer(ctx); err != nil {
		return err
	}

	session := v.discord.session
	if _, err := session.Channel(channelID); err != nil {
		logger.ErrorContext(ctx, "error fetching audit channel", "channel_id", channelID, tint.Err(err))
		return reply.Ephemeral(ctx, msgAuditChannelNotFound)
	}
	msg, err := session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{buildAuditEmbed(record, time.Now())}},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error sending audit embed", "channel_id", channelID, tint.Err(err))
		return reply.Ephemeral(ctx, msgAuditChannelNotFound)
	}

	record.ChannelID = channelID
	record.MessageID = msg.ID
	if _, err = v.writeDB.Create(ctx, record); err != nil {
		return fmt.Errorf("error saving audit record: %w", err)
	}
	return reply.Ephemeral(ctx, msgAuditRecorded)
}

// AuditStats counts audit records per action
type AuditStats struct {
	AuthorID string           `json:"author_id,omitempty"`
	Counts   map[string]int64 `json:"counts"`
	Total    int64            `json:"total"`
}

// GetAuditStats counts audit records per action. If authorID is
// non-empty, only records authored by that user are counted.
func (v *Versize) GetAuditStats(ctx context.Context, authorID string) (AuditStats, error) {
	var rows []struct {
		Action string
		Count  int64
	}
	q := v.db.WithContext(ctx).Model(&AuditRecord{})
	if authorID != "" {
		q = q.Where("author_id = ?", authorID)
	}
	if err := q.Select("action, count(*) as count").Group("action").Scan(&rows).Error; err != nil {
		return AuditStats{}, fmt.Errorf("error counting audit records: %w", err)
	}
	stats := AuditStats{AuthorID: authorID, Counts: make(map[string]int64, len(auditActions))}
	for _, a := range auditActions {
		stats.Counts[a.ID] = 0
	}
	for _, r := range rows {
		stats.Counts[r.Action] = r.Count
		stats.Total += r.Count
	}
	return stats, nil
}

func buildAuditStatsEmbed(stats AuditStats) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: "📊 Статистика аудита",
		Color: colorAudit,
	}
	if stats.AuthorID != "" {
		embed.Description = " — " + userMention(stats.AuthorID)
	}
	for _, a := range auditActions {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{
				Name:   a.Label,
				Value:  strconv.FormatInt(stats.Counts[a.ID], 10),
				Inline: true,
			},
		)
	}
	embed.Fields = append(
		embed.Fields,
		&discordgo.MessageEmbedField{Name: "Всего", Value: strconv.FormatInt(stats.Total, 10)},
	)
	return embed
}

// handleAuditStatsCommand replies with per-action audit counts
func (v *Versize) handleAuditStatsCommand(
	ctx context.Context,
	reply *interactionReply,
	i *discordgo.InteractionCreate,
) error {
	_, opts := discordInteractionOptions(i)
	stats, err := v.GetAuditStats(ctx, optionUserID(opts, "user"))
	if err != nil {
		return err
	}
	return reply.Embed(ctx, buildAuditStatsEmbed(stats))
}
