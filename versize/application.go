package versize

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	colorApplication = 0x7b68ee
	colorAccepted    = 0x2ecc71
	colorDenied      = 0xe74c3c

	applicationShortInputMaxLength     = 100
	applicationParagraphInputMaxLength = 1000

	msgIntakePaused        = "Приём заявок временно закрыт."
	msgPendingExists       = "У вас уже есть заявка на рассмотрении."
	msgChannelUnavailable  = "Канал заявок не найден или бот не имеет доступа."
	msgPublishFailed       = "Не удалось отправить заявку — проверьте права бота."
	msgApplicationSent     = "Заявка отправлена!"
	msgPanelSent           = "Панель отправлена."
	msgApplicationUpdated  = "Заявка обновлена."
	msgEditNotAuthor       = "Редактировать заявку может только её автор."
	msgApplicationDecided  = "Заявка уже рассмотрена."
	msgValidationErrorHead = "❌ Ошибки:"
)

const (
	fieldName       = "your_name"
	fieldDiscord    = "discord"
	fieldIC         = "ic_name"
	fieldHistory    = "history"
	fieldMotivation = "motivation"
)

type ApplicationState string

const (
	ApplicationStatePending  ApplicationState = "pending"
	ApplicationStateAccepted ApplicationState = "accepted"
	ApplicationStateDenied   ApplicationState = "denied"

	// ApplicationStateFailed is set when the review post couldn't be
	// published
	ApplicationStateFailed ApplicationState = "failed"
)

// ApplicationKind describes one type of application offered on the panel
type ApplicationKind struct {
	ID          string
	Title       string
	ModalTitle  string
	ButtonLabel string
	ButtonStyle discordgo.ButtonStyle
}

var applicationKinds = []ApplicationKind{
	{
		ID:          "family",
		Title:       "📩 Заявка на вступление",
		ModalTitle:  "Заявка — вступление",
		ButtonLabel: "Вступление",
		ButtonStyle: discordgo.PrimaryButton,
	},
	{
		ID:          "restore",
		Title:       "📩 Заявка на восстановление",
		ModalTitle:  "Заявка — восстановление",
		ButtonLabel: "Восстановление",
		ButtonStyle: discordgo.SecondaryButton,
	},
	{
		ID:          "unblack",
		Title:       "📩 Заявка на снятие ЧС",
		ModalTitle:  "Заявка — снятие ЧС",
		ButtonLabel: "Снятие ЧС",
		ButtonStyle: discordgo.SecondaryButton,
	},
}

func lookupApplicationKind(id string) (ApplicationKind, bool) {
	for _, k := range applicationKinds {
		if k.ID == id {
			return k, true
		}
	}
	return ApplicationKind{}, false
}

// Application is a submitted application form, and where its review
// post was published
//
//nolint:lll // struct tags can't be split
type Application struct {
	ModelUintID
	ModelUnixTime

	// A user has at most one pending application per kind
	Kind  string           `json:"type" gorm:"not null;index;uniqueIndex:idx_applications_pending,where:state = 'pending'"`
	State ApplicationState `json:"state" gorm:"type:string;not null;index;default:pending"`

	UserID   string `json:"user_id" gorm:"not null;index;uniqueIndex:idx_applications_pending"`
	Username string `json:"username" gorm:"type:string"`

	Name       string `json:"name" gorm:"type:string"`
	Discord    string `json:"discord" gorm:"type:string"`
	IC         string `json:"ic" gorm:"column:ic;type:string"`
	History    string `json:"history" gorm:"type:string"`
	Motivation string `json:"motivation" gorm:"type:string"`

	// ThreadID is the review thread (or forum post)
	ThreadID   string `json:"thread_id" gorm:"index"`
	ThreadName string `json:"thread_name" gorm:"type:string"`

	// ChannelID and MessageID locate the review message
	ChannelID string `json:"channel_id" gorm:"type:string"`
	MessageID string `json:"message_id" gorm:"type:string"`

	DecidedBy  string `json:"decided_by,omitempty" gorm:"type:string"`
	DecidedAt  int64  `json:"decided_at,omitempty"`
	DenyReason string `json:"deny_reason,omitempty" gorm:"type:string"`
}

// Form returns the submitted answers
func (a Application) Form() ApplicationForm {
	return ApplicationForm{
		Name:       a.Name,
		Discord:    a.Discord,
		IC:         a.IC,
		History:    a.History,
		Motivation: a.Motivation,
	}
}

func (a Application) threadName() string {
	return truncate("Заявка — "+a.Name, discordThreadNameMaxLength)
}

// ApplicationForm holds the answers from the application modal
type ApplicationForm struct {
	Name       string `json:"name"`
	Discord    string `json:"discord"`
	IC         string `json:"ic"`
	History    string `json:"history"`
	Motivation string `json:"motivation"`
}

func applicationFormFromModal(data discordgo.ModalSubmitInteractionData) ApplicationForm {
	values := modalTextValues(data)
	return ApplicationForm{
		Name:       values[fieldName],
		Discord:    values[fieldDiscord],
		IC:         values[fieldIC],
		History:    values[fieldHistory],
		Motivation: values[fieldMotivation],
	}.normalize()
}

func (f ApplicationForm) normalize() ApplicationForm {
	return ApplicationForm{
		Name:       strings.TrimSpace(f.Name),
		Discord:    strings.TrimSpace(f.Discord),
		IC:         strings.TrimSpace(f.IC),
		History:    strings.TrimSpace(f.History),
		Motivation: strings.TrimSpace(f.Motivation),
	}
}

// Validate returns every problem with the form, in field order
func (f ApplicationForm) Validate() []string {
	var errs []string
	if utf8.RuneCountInString(f.Name) < 2 {
		errs = append(errs, "Имя слишком короткое.")
	}
	if !strings.ContainsAny(f.Discord, "#@") {
		errs = append(errs, "Discord указан неверно.")
	}
	if utf8.RuneCountInString(f.IC) < 5 {
		errs = append(errs, "IC слишком короткое.")
	}
	if utf8.RuneCountInString(f.History) < 10 {
		errs = append(errs, "История слишком короткая.")
	}
	if utf8.RuneCountInString(f.Motivation) < 10 {
		errs = append(errs, "Мотивация слишком короткая.")
	}
	return errs
}

func validationMessage(errs []string) string {
	var sb strings.Builder
	sb.WriteString(msgValidationErrorHead)
	for _, e := range errs {
		sb.WriteString("\n• ")
		sb.WriteString(e)
	}
	return sb.String()
}

func (f ApplicationForm) apply(a *Application) {
	a.Name = f.Name
	a.Discord = f.Discord
	a.IC = f.IC
	a.History = f.History
	a.Motivation = f.Motivation
}

func (f ApplicationForm) columns() map[string]any {
	return map[string]any{
		"name":       f.Name,
		"discord":    f.Discord,
		"ic":         f.IC,
		"history":    f.History,
		"motivation": f.Motivation,
	}
}

// applicationModal returns the application form modal. Values from
// prefill are used as the inputs' initial values.
func applicationModal(customID string, title string, prefill ApplicationForm) *discordgo.InteractionResponseData {
	input := func(id, label, value string, style discordgo.TextInputStyle, maxLength int) discordgo.MessageComponent {
		return discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.TextInput{
					CustomID:  id,
					Label:     truncate(label, discordModalInputLabelMaxLen),
					Style:     style,
					Value:     value,
					Required:  true,
					MaxLength: maxLength,
				},
			},
		}
	}
	return &discordgo.InteractionResponseData{
		CustomID: customID,
		Title:    title,
		Components: []discordgo.MessageComponent{
			input(fieldName, "Ваше имя (OOC)", prefill.Name, discordgo.TextInputShort, applicationShortInputMaxLength),
			input(fieldDiscord, "Ваш Discord", prefill.Discord, discordgo.TextInputShort, applicationShortInputMaxLength),
			input(fieldIC, "IC Имя, Фамилия, #статик", prefill.IC, discordgo.TextInputShort, applicationShortInputMaxLength),
			input(fieldHistory, "Где состояли раньше?", prefill.History, discordgo.TextInputParagraph, applicationParagraphInputMaxLength),
			input(fieldMotivation, "Почему выбираете нас?", prefill.Motivation, discordgo.TextInputParagraph, applicationParagraphInputMaxLength),
		},
	}
}

// applicationPanelMessage is the message posted by /apply-panel
func applicationPanelMessage() *discordgo.MessageSend {
	buttons := make([]discordgo.MessageComponent, 0, len(applicationKinds))
	for _, k := range applicationKinds {
		buttons = append(
			buttons,
			discordgo.Button{
				CustomID: customIDApplyPrefix + k.ID,
				Label:    k.ButtonLabel,
				Style:    k.ButtonStyle,
			},
		)
	}
	var rows []discordgo.MessageComponent
	for _, row := range chunkItems(discordMaxButtonsPerActionRow, buttons...) {
		rows = append(rows, discordgo.ActionsRow{Components: row})
	}
	return &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{
			{
				Title:       "💼 Versize — Панель заявок",
				Description: "Выберите тип заявки ниже:",
				Color:       colorApplication,
			},
		},
		Components: rows,
	}
}

// buildApplicationEmbed renders the review embed for a. If blacklisted
// is non-nil, a warning field is added.
func buildApplicationEmbed(
	a *Application,
	kind ApplicationKind,
	blacklisted *BlacklistEntry,
) *discordgo.MessageEmbed {
	field := func(name, value string) *discordgo.MessageEmbedField {
		return &discordgo.MessageEmbedField{
			Name:  name,
			Value: truncate(value, discordEmbedFieldValueMaxLen),
		}
	}
	embed := &discordgo.MessageEmbed{
		Title: kind.Title,
		Color: colorApplication,
		Fields: []*discordgo.MessageEmbedField{
			field("Имя (OOC)", a.Name),
			field("Discord", a.Discord),
			field("IC данные", a.IC),
			field("История", a.History),
			field("Мотивация", a.Motivation),
			field("Заявитель", userMention(a.UserID)),
		},
		Footer:    &discordgo.MessageEmbedFooter{Text: fmt.Sprintf("Заявка #%d", a.ID)},
		Timestamp: time.UnixMilli(a.CreatedAt).UTC().Format(time.RFC3339),
	}
	if blacklisted != nil {
		embed.Fields = append(
			embed.Fields,
			field("⚠️ Черный список", blacklisted.Reason+" ("+blacklisted.termText()+")"),
		)
	}
	return embed
}

func reviewButtons(applicationID uint) []discordgo.MessageComponent {
	id := strconv.FormatUint(uint64(applicationID), 10)
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{CustomID: customIDAcceptPrefix + id, Label: "Принять", Style: discordgo.SuccessButton},
				discordgo.Button{CustomID: customIDDenyPrefix + id, Label: "Отклонить", Style: discordgo.DangerButton},
				discordgo.Button{CustomID: customIDEditPrefix + id, Label: "Редактировать", Style: discordgo.SecondaryButton},
			},
		},
	}
}

// reviewMessage builds the review post for a new application
func reviewMessage(
	a *Application,
	kind ApplicationKind,
	blacklisted *BlacklistEntry,
	roles RoleList,
) *discordgo.MessageSend {
	mentions := make([]string, 0, len(roles))
	for _, r := range roles {
		mentions = append(mentions, roleMention(r))
	}
	return &discordgo.MessageSend{
		Content:    strings.Join(mentions, " "),
		Embeds:     []*discordgo.MessageEmbed{buildApplicationEmbed(a, kind, blacklisted)},
		Components: reviewButtons(a.ID),
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Roles: roles,
		},
	}
}

// publishResult locates a published review post
type publishResult struct {
	ThreadID   string
	ThreadName string
	ChannelID  string
	MessageID  string
}

// publishReviewPost posts msg to channelID. Forum channels get a new
// post named threadName. Other channels get the message, with a thread
// started from it. If sending to a non-forum channel fails, creating a
// forum post is tried instead.
func (v *Versize) publishReviewPost(
	ctx context.Context,
	channelID string,
	threadName string,
	msg *discordgo.MessageSend,
) (publishResult, error) {
	_, logger := v.getLogger(ctx)
	session := v.discord.session

	channel, err := session.Channel(channelID)
	if err != nil || channel == nil {
		return publishResult{}, errors.Join(ErrChannelUnavailable, err)
	}

	threadStart := &discordgo.ThreadStart{
		Name:                threadName,
		AutoArchiveDuration: discordThreadAutoArchiveDuration,
	}
	forumPost := func() (publishResult, error) {
		th, forumErr := session.ForumThreadStartComplex(channelID, threadStart, msg)
		if forumErr != nil {
			return publishResult{}, forumErr
		}
		// a forum post's starter message shares the thread's ID
		return publishResult{
			ThreadID:   th.ID,
			ThreadName: th.Name,
			ChannelID:  th.ID,
			MessageID:  th.ID,
		}, nil
	}

	if channel.Type == discordgo.ChannelTypeGuildForum {
		rv, forumErr := forumPost()
		if forumErr != nil {
			return rv, errors.Join(ErrPublishFailed, forumErr)
		}
		return rv, nil
	}

	sent, sendErr := session.ChannelMessageSendComplex(channelID, msg)
	if sendErr != nil {
		logger.WarnContext(ctx, "error sending review post, trying forum post", tint.Err(sendErr))
		rv, forumErr := forumPost()
		if forumErr != nil {
			return rv, errors.Join(ErrPublishFailed, sendErr, forumErr)
		}
		return rv, nil
	}

	rv := publishResult{ChannelID: channelID, MessageID: sent.ID}
	threadStart.Type = discordgo.ChannelTypeGuildPublicThread
	th, threadErr := session.MessageThreadStartComplex(channelID, sent.ID, threadStart)
	if threadErr != nil {
		logger.WarnContext(ctx, "error starting review thread", tint.Err(threadErr))
		return rv, nil
	}
	rv.ThreadID = th.ID
	rv.ThreadName = th.Name
	return rv, nil
}

// handleApplyPanelCommand posts the application panel to the channel
// the command was used in
func (v *Versize) handleApplyPanelCommand(
	ctx context.Context,
	reply *interactionReply,
	i *discordgo.InteractionCreate,
) error {
	if _, err := v.discord.session.ChannelMessageSendComplex(i.ChannelID, applicationPanelMessage()); err != nil {
		return fmt.Errorf("error sending application panel: %w", err)
	}
	return reply.Ephemeral(ctx, msgPanelSent)
}

// handleApplyButton opens the application form for the kind in the
// button's custom ID
func (v *Versize) handleApplyButton(
	ctx context.Context,
	reply *interactionReply,
	_ *discordgo.InteractionCreate,
	kindID string,
) error {
	kind, ok := lookupApplicationKind(kindID)
	if !ok {
		return fmt.Errorf("unknown application type: %q", kindID)
	}
	if v.paused.Load() {
		return reply.Ephemeral(ctx, msgIntakePaused)
	}
	return reply.Modal(ctx, applicationModal(customIDApplyModalPrefix+kind.ID, kind.ModalTitle, ApplicationForm{}))
}

// handleApplicationModal validates and records a submitted application,
// then publishes its review post
func (v *Versize) handleApplicationModal(
	ctx context.Context,
	reply *interactionReply,
	i *discordgo.InteractionCreate,
	kindID string,
) error {
	ctx, logger := v.getLogger(ctx)
	kind, ok := lookupApplicationKind(kindID)
	if !ok {
		return fmt.Errorf("unknown application type: %q", kindID)
	}
	if v.paused.Load() {
		return reply.Ephemeral(ctx, msgIntakePaused)
	}

	form := applicationFormFromModal(i.ModalSubmitData())
	if errs := form.Validate(); len(errs) > 0 {
		return reply.Ephemeral(ctx, validationMessage(errs))
	}

	user := getDiscordUser(i)
	var pending int64
	if err := v.db.WithContext(ctx).Model(&Application{}).Where(
		"user_id = ? AND kind = ? AND state = ?",
		user.ID, kind.ID, ApplicationStatePending,
	).Count(&pending).Error; err != nil {
		return fmt.Errorf("error checking pending applications: %w", err)
	}
	if pending > 0 {
		return reply.Ephemeral(ctx, msgPendingExists)
	}

	if err := reply.Defer(ctx); err != nil {
		return err
	}

	app := &Application{
		Kind:     kind.ID,
		State:    ApplicationStatePending,
		UserID:   user.ID,
		Username: user.Username,
	}
	form.apply(app)
	if _, err := v.writeDB.Create(ctx, app); err != nil {
		// a concurrent submission got past the check above
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return reply.Ephemeral(ctx, msgPendingExists)
		}
		return fmt.Errorf("error saving application: %w", err)
	}
	logger = logger.With("application_id", app.ID)

	blacklisted, err := v.activeBlacklistEntryForMember(ctx, user.ID)
	if err != nil {
		logger.ErrorContext(ctx, "error checking blacklist", tint.Err(err))
	}

	channelID := v.channels().Applications
	var result publishResult
	if channelID == "" {
		err = ErrChannelNotConfigured
	} else {
		result, err = v.publishReviewPost(
			ctx,
			channelID,
			app.threadName(),
			reviewMessage(app, kind, blacklisted, v.allowedRoles()),
		)
	}
	if err != nil {
		logger.ErrorContext(ctx, "error publishing application", tint.Err(err))
		if _, updErr := v.writeDB.Updates(
			ctx, app, map[string]any{"state": ApplicationStateFailed},
		); updErr != nil {
			logger.ErrorContext(ctx, "error marking application failed", tint.Err(updErr))
		}
		if errors.Is(err, ErrPublishFailed) {
			return reply.Ephemeral(ctx, msgPublishFailed)
		}
		return reply.Ephemeral(ctx, msgChannelUnavailable)
	}

	if result.ThreadName == "" && result.ThreadID != "" {
		result.ThreadName = app.threadName()
	}
	if _, err = v.writeDB.Updates(
		ctx, app, map[string]any{
			"thread_id":   result.ThreadID,
			"thread_name": result.ThreadName,
			"channel_id":  result.ChannelID,
			"message_id":  result.MessageID,
		},
	); err != nil {
		logger.ErrorContext(ctx, "error saving review post location", tint.Err(err))
	}
	logger.InfoContext(ctx, "application published", "thread_id", result.ThreadID)
	return reply.Ephemeral(ctx, msgApplicationSent)
}

// getApplication returns the application with the given ID
func (v *Versize) getApplication(ctx context.Context, id uint) (*Application, error) {
	var app Application
	err := v.db.WithContext(ctx).First(&app, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrApplicationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &app, nil
}

// resolveApplication finds the application a review interaction refers
// to: by the ID in its custom ID, or else by the thread it was used in.
func (v *Versize) resolveApplication(ctx context.Context, arg string, channelID string) (*Application, error) {
	if id, err := strconv.ParseUint(arg, 10, 64); err == nil && id > 0 {
		app, getErr := v.getApplication(ctx, uint(id))
		if !errors.Is(getErr, ErrApplicationNotFound) {
			return app, getErr
		}
	}
	if channelID == "" {
		return nil, ErrApplicationNotFound
	}
	var app Application
	err := v.db.WithContext(ctx).Where("thread_id = ?", channelID).Order("id desc").First(&app).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrApplicationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &app, nil
}

// handleEditButton opens the application form prefilled with the
// current answers, for the applicant only
func (v *Versize) handleEditButton(
	ctx context.Context,
	reply *interactionReply,
	i *discordgo.InteractionCreate,
	arg string,
) error {
	app, err := v.resolveApplication(ctx, arg, i.ChannelID)
	if err != nil {
		return err
	}
	if msg := editForbiddenMessage(app, getDiscordUser(i)); msg != "" {
		return reply.Ephemeral(ctx, msg)
	}
	kind, _ := lookupApplicationKind(app.Kind)
	return reply.Modal(
		ctx,
		applicationModal(
			customIDEditModalPrefix+strconv.FormatUint(uint64(app.ID), 10),
			kind.ModalTitle,
			app.Form(),
		),
	)
}

func editForbiddenMessage(app *Application, user *discordgo.User) string {
	if user == nil || app.UserID != user.ID {
		return msgEditNotAuthor
	}
	if app.State != ApplicationStatePending {
		return msgApplicationDecided
	}
	return ""
}

// handleEditModal saves the edited answers and refreshes the review post
func (v *Versize) handleEditModal(
	ctx context.Context,
	reply *interactionReply,
	i *discordgo.InteractionCreate,
	arg string,
) error {
	ctx, logger := v.getLogger(ctx)
	app, err := v.resolveApplication(ctx, arg, i.ChannelID)
	if err != nil {
		return err
	}
	if msg := editForbiddenMessage(app, getDiscordUser(i)); msg != "" {
		return reply.Ephemeral(ctx, msg)
	}

	form := applicationFormFromModal(i.ModalSubmitData())
	if errs := form.Validate(); len(errs) > 0 {
		return reply.Ephemeral(ctx, validationMessage(errs))
	}
	if err = reply.Defer(ctx); err != nil {
		return err
	}

	rows, err := v.writeDB.UpdatesWhere(
		ctx, &Application{}, form.columns(),
		"id = ? AND state = ?", app.ID, ApplicationStatePending,
	)
	if err != nil {
		return fmt.Errorf("error updating application: %w", err)
	}
	if rows == 0 {
		return reply.Ephemeral(ctx, msgApplicationDecided)
	}
	form.apply(app)

	if app.MessageID != "" {
		kind, _ := lookupApplicationKind(app.Kind)
		blacklisted, blErr := v.activeBlacklistEntryForMember(ctx, app.UserID)
		if blErr != nil {
			logger.ErrorContext(ctx, "error checking blacklist", tint.Err(blErr))
		}
		embeds := []*discordgo.MessageEmbed{buildApplicationEmbed(app, kind, blacklisted)}
		if _, editErr := v.discord.session.ChannelMessageEditComplex(
			&discordgo.MessageEdit{
				ID:      app.MessageID,
				Channel: app.ChannelID,
				Embeds:  &embeds,
			},
		); editErr != nil {
			logger.ErrorContext(ctx, "error updating review post", tint.Err(editErr))
		}
	}
	return reply.Ephemeral(ctx, msgApplicationUpdated)
}
