package versize

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	msgNotReviewer     = "У вас нет прав для рассмотрения заявок."
	msgOnlyInThreads   = "Кнопка работает только внутри тредов."
	msgAccepted        = "Одобрено."
	msgDenied          = "Заявка отклонена."
	denyReasonInputID  = "reason"
	denyReasonMaxInput = 1000
)

var errNotInThread = errors.New("review button used outside of a thread")

// Leader identifies who decided an application. Panel logins without a
// Discord account only carry a username.
type Leader struct {
	DiscordID string `json:"discord_id,omitempty"`
	Username  string `json:"username,omitempty"`
}

// Mention renders the leader for embeds
func (l Leader) Mention() string {
	if l.DiscordID != "" {
		return userMention(l.DiscordID)
	}
	return "панель (" + l.Username + ")"
}

func (l Leader) recordedAs() string {
	if l.DiscordID != "" {
		return l.DiscordID
	}
	return "panel:" + l.Username
}

type reviewDecision struct {
	Accept bool
	Reason string
	Leader Leader
}

// reviewTarget is what a decision acts on. app is nil for review posts
// with no matching record, which are still posted to, archived and
// logged.
type reviewTarget struct {
	app *Application

	threadID   string
	threadName string

	messageChannelID string
	messageID        string
	// message is the review message, when the interaction carried it
	message *discordgo.Message
}

func newReviewTarget(app *Application) reviewTarget {
	t := reviewTarget{
		app:              app,
		threadID:         app.ThreadID,
		threadName:       app.ThreadName,
		messageChannelID: app.ChannelID,
		messageID:        app.MessageID,
	}
	if t.threadName == "" {
		t.threadName = app.threadName()
	}
	return t
}

// resolveReviewTarget finds what a review interaction refers to: the
// application from the custom ID or thread, or else the thread itself.
func (v *Versize) resolveReviewTarget(
	ctx context.Context,
	arg string,
	i *discordgo.InteractionCreate,
) (reviewTarget, error) {
	app, err := v.resolveApplication(ctx, arg, i.ChannelID)
	switch {
	case err == nil:
		t := newReviewTarget(app)
		if i.Message != nil && (t.messageID == "" || i.Message.ID == t.messageID) {
			t.message = i.Message
			t.messageID = i.Message.ID
			t.messageChannelID = i.Message.ChannelID
		}
		return t, nil
	case !errors.Is(err, ErrApplicationNotFound):
		return reviewTarget{}, err
	}

	ch, err := v.discord.session.Channel(i.ChannelID)
	if err != nil || ch == nil || !ch.IsThread() {
		return reviewTarget{}, errors.Join(errNotInThread, err)
	}
	t := reviewTarget{
		threadID:         ch.ID,
		threadName:       ch.Name,
		messageChannelID: i.ChannelID,
	}
	if i.Message != nil {
		t.message = i.Message
		t.messageID = i.Message.ID
	}
	return t, nil
}

// decide applies d to t. The state transition is a conditional update,
// so only one decision per application succeeds. Posting to the
// thread, updating the review message, archiving and logging are best
// effort once the transition is saved.
func (v *Versize) decide(ctx context.Context, t reviewTarget, d reviewDecision) error {
	ctx, logger := v.getLogger(ctx)

	if t.app != nil {
		logger = logger.With("application_id", t.app.ID)
		state := ApplicationStateDenied
		if d.Accept {
			state = ApplicationStateAccepted
		}
		now := time.Now().UnixMilli()
		rows, err := v.writeDB.UpdatesWhere(
			ctx,
			&Application{},
			map[string]any{
				"state":       state,
				"decided_by":  d.Leader.recordedAs(),
				"decided_at":  now,
				"deny_reason": d.Reason,
			},
			"id = ? AND state = ?", t.app.ID, ApplicationStatePending,
		)
		if err != nil {
			return fmt.Errorf("error saving decision: %w", err)
		}
		if rows == 0 {
			return ErrAlreadyDecided
		}
		t.app.State = state
		t.app.DecidedBy = d.Leader.recordedAs()
		t.app.DecidedAt = now
		t.app.DenyReason = d.Reason
	}
	logger.InfoContext(ctx, "application decided", "accept", d.Accept, "thread_id", t.threadID)

	session := v.discord.session
	if t.threadID != "" {
		if _, err := session.ChannelMessageSendComplex(
			t.threadID,
			&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{decisionEmbed(d)}},
		); err != nil {
			logger.ErrorContext(ctx, "error posting decision to thread", tint.Err(err))
		}
	}

	if err := v.markReviewMessage(t, d); err != nil {
		logger.ErrorContext(ctx, "error updating review message", tint.Err(err))
	}

	if t.threadID != "" {
		archived := true
		edit := &discordgo.ChannelEdit{Archived: &archived}
		if d.Accept {
			locked := true
			edit.Locked = &locked
		}
		if _, err := session.ChannelEditComplex(t.threadID, edit); err != nil {
			logger.ErrorContext(ctx, "error archiving thread", tint.Err(err))
		}
	}

	if channelID := v.channels().LeadersLog; channelID != "" {
		if _, err := session.ChannelMessageSendComplex(
			channelID,
			&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{leadersLogEmbed(d, t.threadName)}},
		); err != nil {
			logger.ErrorContext(ctx, "error sending leaders log", tint.Err(err))
		}
	}
	return nil
}

// markReviewMessage appends the decision to the review embed and
// removes the review buttons
func (v *Versize) markReviewMessage(t reviewTarget, d reviewDecision) error {
	msg := t.message
	if msg == nil {
		if t.messageID == "" || t.messageChannelID == "" {
			return nil
		}
		var err error
		msg, err = v.discord.session.ChannelMessage(t.messageChannelID, t.messageID)
		if err != nil {
			return err
		}
	}
	channelID := msg.ChannelID
	if channelID == "" {
		channelID = t.messageChannelID
	}

	embeds := decidedEmbeds(msg.Embeds, d)
	components := []discordgo.MessageComponent{}
	_, err := v.discord.session.ChannelMessageEditComplex(
		&discordgo.MessageEdit{
			ID:         msg.ID,
			Channel:    channelID,
			Embeds:     &embeds,
			Components: &components,
		},
	)
	return err
}

// decidedEmbeds copies embeds, appending the status fields to the first
func decidedEmbeds(embeds []*discordgo.MessageEmbed, d reviewDecision) []*discordgo.MessageEmbed {
	rv := make([]*discordgo.MessageEmbed, 0, len(embeds)+1)
	var first discordgo.MessageEmbed
	if len(embeds) > 0 && embeds[0] != nil {
		first = *embeds[0]
		rv = append(rv, &first)
		rv = append(rv, embeds[1:]...)
	} else {
		rv = append(rv, &first)
	}
	first.Fields = append([]*discordgo.MessageEmbedField{}, first.Fields...)

	status := "✅ Одобрена (" + d.Leader.Mention() + ")"
	if !d.Accept {
		status = "❌ Отклонена (" + d.Leader.Mention() + ")"
	}
	first.Fields = append(first.Fields, &discordgo.MessageEmbedField{Name: "Статус", Value: status})
	if !d.Accept {
		first.Fields = append(
			first.Fields,
			&discordgo.MessageEmbedField{Name: "Причина", Value: truncate(d.Reason, discordEmbedFieldValueMaxLen)},
		)
	}
	if len(first.Fields) > discordEmbedMaxFields {
		first.Fields = first.Fields[len(first.Fields)-discordEmbedMaxFields:]
	}
	return rv
}

func decisionEmbed(d reviewDecision) *discordgo.MessageEmbed {
	if d.Accept {
		return &discordgo.MessageEmbed{
			Title:       "✅ Заявка одобрена",
			Description: "Лидер: " + d.Leader.Mention(),
			Color:       colorAccepted,
		}
	}
	return &discordgo.MessageEmbed{
		Title:       "❌ Заявка отклонена",
		Description: "Причина: **" + d.Reason + "**\nЛидер: " + d.Leader.Mention(),
		Color:       colorDenied,
	}
}

func leadersLogEmbed(d reviewDecision, threadName string) *discordgo.MessageEmbed {
	if d.Accept {
		return &discordgo.MessageEmbed{
			Title: "📗 Одобрение заявки",
			Color: colorAccepted,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Лидер", Value: d.Leader.Mention(), Inline: true},
				{Name: "Тред", Value: threadName, Inline: true},
			},
		}
	}
	return &discordgo.MessageEmbed{
		Title: "📕 Отклонение заявки",
		Color: colorDenied,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Лидер", Value: d.Leader.Mention(), Inline: true},
			{Name: "Причина", Value: truncate(d.Reason, discordEmbedFieldValueMaxLen)},
		},
	}
}

// reviewPreflight checks the user may review, and resolves the target.
// If the returned message is non-empty, it should be sent to the user
// instead of continuing.
func (v *Versize) reviewPreflight(
	ctx context.Context,
	arg string,
	i *discordgo.InteractionCreate,
) (reviewTarget, string, error) {
	if !isReviewer(i.Member, v.allowedRoles()) {
		return reviewTarget{}, msgNotReviewer, nil
	}
	t, err := v.resolveReviewTarget(ctx, arg, i)
	if errors.Is(err, errNotInThread) {
		return t, msgOnlyInThreads, nil
	}
	if err != nil {
		return t, "", err
	}
	if t.app != nil && t.app.State != ApplicationStatePending {
		return t, msgApplicationDecided, nil
	}
	return t, "", nil
}

func (v *Versize) acceptFromInteraction(
	ctx context.Context,
	reply *interactionReply,
	i *discordgo.InteractionCreate,
	arg string,
) error {
	t, msg, err := v.reviewPreflight(ctx, arg, i)
	if err != nil {
		return err
	}
	if msg != "" {
		return reply.Ephemeral(ctx, msg)
	}
	if err = reply.Defer(ctx); err != nil {
		return err
	}
	err = v.decide(ctx, t, reviewDecision{Accept: true, Leader: Leader{DiscordID: getDiscordUser(i).ID}})
	if errors.Is(err, ErrAlreadyDecided) {
		return reply.Ephemeral(ctx, msgApplicationDecided)
	}
	if err != nil {
		return err
	}
	return reply.Ephemeral(ctx, msgAccepted)
}

// handleAcceptButton accepts the application in accept:<id>
func (v *Versize) handleAcceptButton(
	ctx context.Context,
	reply *interactionReply,
	i *discordgo.InteractionCreate,
	arg string,
) error {
	return v.acceptFromInteraction(ctx, reply, i, arg)
}

// handleLegacyAcceptButton handles accept_<userID> buttons, resolved by
// the thread they were pressed in
func (v *Versize) handleLegacyAcceptButton(
	ctx context.Context,
	reply *interactionReply,
	i *discordgo.InteractionCreate,
	_ string,
) error {
	return v.acceptFromInteraction(ctx, reply, i, "")
}

func denyReasonModal(customID string) *discordgo.InteractionResponseData {
	return &discordgo.InteractionResponseData{
		CustomID: customID,
		Title:    "Причина отклонения",
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.TextInput{
						CustomID:  denyReasonInputID,
						Label:     "Причина отказа",
						Style:     discordgo.TextInputParagraph,
						Required:  true,
						MaxLength: denyReasonMaxInput,
					},
				},
			},
		},
	}
}

func (v *Versize) openDenyModal(
	ctx context.Context,
	reply *interactionReply,
	i *discordgo.InteractionCreate,
	arg string,
) error {
	t, msg, err := v.reviewPreflight(ctx, arg, i)
	if err != nil {
		return err
	}
	if msg != "" {
		return reply.Ephemeral(ctx, msg)
	}
	customID := customIDDenyReasonModal
	if t.app != nil {
		customID = customIDDenyReasonPrefix + strconv.FormatUint(uint64(t.app.ID), 10)
	}
	return reply.Modal(ctx, denyReasonModal(customID))
}

// handleDenyButton asks for a reason before denying deny:<id>
func (v *Versize) handleDenyButton(
	ctx context.Context,
	reply *interactionReply,
	i *discordgo.InteractionCreate,
	arg string,
) error {
	return v.openDenyModal(ctx, reply, i, arg)
}

func (v *Versize) handleLegacyDenyButton(
	ctx context.Context,
	reply *interactionReply,
	i *discordgo.InteractionCreate,
	_ string,
) error {
	return v.openDenyModal(ctx, reply, i, "")
}

// handleDenyModal denies the application with the submitted reason.
// An empty arg (legacy modal) resolves the application by thread.
func (v *Versize) handleDenyModal(
	ctx context.Context,
	reply *interactionReply,
	i *discordgo.InteractionCreate,
	arg string,
) error {
	t, msg, err := v.reviewPreflight(ctx, arg, i)
	if err != nil {
		return err
	}
	if msg != "" {
		return reply.Ephemeral(ctx, msg)
	}
	reason := strings.TrimSpace(modalTextValues(i.ModalSubmitData())[denyReasonInputID])
	if reason == "" {
		reason = "—"
	}
	if err = reply.Defer(ctx); err != nil {
		return err
	}
	err = v.decide(
		ctx, t, reviewDecision{
			Reason: reason,
			Leader: Leader{DiscordID: getDiscordUser(i).ID},
		},
	)
	if errors.Is(err, ErrAlreadyDecided) {
		return reply.Ephemeral(ctx, msgApplicationDecided)
	}
	if err != nil {
		return err
	}
	return reply.Ephemeral(ctx, msgDenied)
}

// AcceptApplication accepts the application with the given ID on
// behalf of leader
func (v *Versize) AcceptApplication(ctx context.Context, id uint, leader Leader) (*Application, error) {
	return v.decideByID(ctx, id, reviewDecision{Accept: true, Leader: leader})
}

// DenyApplication denies the application with the given ID
func (v *Versize) DenyApplication(
	ctx context.Context,
	id uint,
	reason string,
	leader Leader,
) (*Application, error) {
	return v.decideByID(ctx, id, reviewDecision{Reason: reason, Leader: leader})
}

func (v *Versize) decideByID(ctx context.Context, id uint, d reviewDecision) (*Application, error) {
	app, err := v.getApplication(ctx, id)
	if err != nil {
		return nil, err
	}
	if app.State != ApplicationStatePending {
		return app, ErrAlreadyDecided
	}
	if err = v.decide(ctx, newReviewTarget(app), d); err != nil {
		return app, err
	}
	return app, nil
}
