package versize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// genericErrorMessage is the reply sent when handling an interaction
// fails without a more specific message
const genericErrorMessage = "Произошла ошибка, администратор уведомлён."

// InteractionLog records every interaction received
//
//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	Method        DiscordInteractionReceiveMethod `json:"method" gorm:"type:string"` // webhook or gateway
	InteractionID string                          `json:"interaction_id" gorm:"not null"`
	Type          string                          `json:"type" gorm:"type:string"`
	Name          string                          `json:"name" gorm:"type:string"` // command name or custom ID
	UserID        string                          `json:"user_id" gorm:"not null;index"`
	Username      string                          `json:"username" gorm:"type:string"`
	GuildID       string                          `json:"guild_id" gorm:"type:string"`
	ChannelID     string                          `json:"channel_id" gorm:"type:string"`
	Context       string                          `json:"context" gorm:"type:string"`
	Payload       string                          `json:"payload" gorm:"type:string"`
	CreatedAt     int64                           `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	handler InteractionHandler,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}

	return &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		Name:          interactionName(i),
		UserID:        u.ID,
		Username:      u.String(),
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Context:       i.Context.String(),
		Payload:       string(p),
		Method:        handler.InteractionReceiveMethod(),
	}, nil
}

// interactionName returns the command name or custom ID the interaction
// was dispatched on
func interactionName(i *discordgo.InteractionCreate) string {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		return i.ApplicationCommandData().Name
	case discordgo.InteractionMessageComponent:
		return i.MessageComponentData().CustomID
	case discordgo.InteractionModalSubmit:
		return i.ModalSubmitData().CustomID
	default:
		return ""
	}
}

// InteractionHandler abstracts responding to an interaction, so command
// handling stays the same whether it was received over the gateway or
// the interactions webhook.
type InteractionHandler interface {
	// Respond sends the initial response to the interaction
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// Edit modifies the response sent with Respond
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// Delete removes the response
	Delete(ctx context.Context, opts ...discordgo.RequestOption)

	GetInteraction() *discordgo.InteractionCreate

	// InteractionReceiveMethod returns whether the interaction was
	// received via gateway or webhook
	InteractionReceiveMethod() DiscordInteractionReceiveMethod

	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] for interactions
// received via the gateway
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (GatewayHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodGateway
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "responded to interaction", "response_type", response.Type)
	}
	return err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(w.interaction.Interaction, wh, opts...)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "edited interaction")
	}
	return msg, err
}

func (w GatewayHandler) Delete(ctx context.Context, opts ...discordgo.RequestOption) {
	if err := w.session.InteractionResponseDelete(w.interaction.Interaction, opts...); err != nil {
		w.logger.ErrorContext(ctx, "error deleting interaction response", tint.Err(err))
	}
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

// interactionReply tracks what has been sent in response to an
// interaction, so that exactly one user-facing answer is given. A
// deferred interaction is answered by editing the deferred response.
type interactionReply struct {
	handler  InteractionHandler
	mu       sync.Mutex
	deferred bool
	answered bool
}

func newInteractionReply(handler InteractionHandler) *interactionReply {
	return &interactionReply{handler: handler}
}

// Defer acknowledges the interaction with an ephemeral 'thinking' state.
func (r *interactionReply) Defer(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deferred || r.answered {
		return nil
	}
	err := r.handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Flags: discordgo.MessageFlagsEphemeral,
			},
		},
	)
	if err == nil {
		r.deferred = true
	}
	return err
}

// Ephemeral answers with the given content, visible only to the user
func (r *interactionReply) Ephemeral(ctx context.Context, content string) error {
	return r.send(ctx, content, nil)
}

// Embed answers with an ephemeral embed
func (r *interactionReply) Embed(ctx context.Context, embed *discordgo.MessageEmbed) error {
	return r.send(ctx, "", []*discordgo.MessageEmbed{embed})
}

func (r *interactionReply) send(
	ctx context.Context,
	content string,
	embeds []*discordgo.MessageEmbed,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.answered {
		r.handler.Logger().WarnContext(ctx, "interaction already answered", "content", content)
		return nil
	}

	var err error
	if r.deferred {
		edit := &discordgo.WebhookEdit{}
		if content != "" {
			edit.Content = &content
		}
		if embeds != nil {
			edit.Embeds = &embeds
		}
		_, err = r.handler.Edit(ctx, edit)
	} else {
		err = r.handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: content,
					Embeds:  embeds,
					Flags:   discordgo.MessageFlagsEphemeral,
				},
			},
		)
	}
	if err == nil {
		r.answered = true
	}
	return err
}

// Modal answers by opening the given modal. This is only valid as the
// initial response.
func (r *interactionReply) Modal(ctx context.Context, data *discordgo.InteractionResponseData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.answered || r.deferred {
		return errors.New("modal must be the initial response")
	}
	err := r.handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseModal,
			Data: data,
		},
	)
	if err == nil {
		r.answered = true
	}
	return err
}

// Fail logs err and sends the generic error reply, unless the user
// already got an answer.
func (r *interactionReply) Fail(ctx context.Context, err error) {
	r.handler.Logger().ErrorContext(ctx, "error handling interaction", tint.Err(err))
	if sendErr := r.Ephemeral(ctx, genericErrorMessage); sendErr != nil {
		r.handler.Logger().ErrorContext(ctx, "error sending error reply", tint.Err(sendErr))
	}
}

// Answered returns true if the user has received a final reply
func (r *interactionReply) Answered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.answered
}

type commandHandlerFunc func(
	ctx context.Context,
	reply *interactionReply,
	i *discordgo.InteractionCreate,
) error

// customIDHandlerFunc handles a component or modal interaction. arg is
// the remainder of the custom ID after the matched prefix.
type customIDHandlerFunc func(
	ctx context.Context,
	reply *interactionReply,
	i *discordgo.InteractionCreate,
	arg string,
) error

type customIDRoute struct {
	prefix string
	// exact routes only match when the custom ID equals the prefix
	exact  bool
	handle customIDHandlerFunc
}

const (
	customIDApplyPrefix        = "apply_"
	customIDApplyModalPrefix   = "apply_modal_"
	customIDEditModalPrefix    = "apply_edit_modal:"
	customIDAcceptPrefix       = "accept:"
	customIDDenyPrefix         = "deny:"
	customIDEditPrefix         = "edit:"
	customIDDenyReasonModal    = "deny_reason_modal"
	customIDDenyReasonPrefix   = "deny_reason_modal:"
	customIDLegacyAcceptPrefix = "accept_"
	customIDLegacyDenyPrefix   = "deny_"
)

// registerInteractionRoutes builds the dispatch tables. Routes are
// matched in order, so longer prefixes sharing a stem come first.
func (v *Versize) registerInteractionRoutes() {
	v.commandHandlers = map[string]commandHandlerFunc{
		DiscordSlashCommandApplyPanel: v.handleApplyPanelCommand,
		DiscordSlashCommandEmbed:      v.handleEmbedCommand,
		DiscordSlashCommandAudit:      v.handleAuditCommand,
		DiscordSlashCommandAuditStats: v.handleAuditStatsCommand,
		DiscordSlashCommandBlacklist:  v.handleBlacklistCommand,
	}
	v.componentRoutes = []customIDRoute{
		{prefix: customIDAcceptPrefix, handle: v.handleAcceptButton},
		{prefix: customIDDenyPrefix, handle: v.handleDenyButton},
		{prefix: customIDEditPrefix, handle: v.handleEditButton},
		{prefix: customIDApplyPrefix, handle: v.handleApplyButton},
		{prefix: customIDLegacyAcceptPrefix, handle: v.handleLegacyAcceptButton},
		{prefix: customIDLegacyDenyPrefix, handle: v.handleLegacyDenyButton},
	}
	v.modalRoutes = []customIDRoute{
		{prefix: customIDApplyModalPrefix, handle: v.handleApplicationModal},
		{prefix: customIDEditModalPrefix, handle: v.handleEditModal},
		{prefix: customIDDenyReasonPrefix, handle: v.handleDenyModal},
		{prefix: customIDDenyReasonModal, exact: true, handle: v.handleDenyModal},
	}
}

func matchCustomIDRoute(routes []customIDRoute, customID string) (customIDHandlerFunc, string, bool) {
	for _, route := range routes {
		if route.exact {
			if customID == route.prefix {
				return route.handle, "", true
			}
			continue
		}
		if strings.HasPrefix(customID, route.prefix) {
			return route.handle, strings.TrimPrefix(customID, route.prefix), true
		}
	}
	return nil, "", false
}

// handleInteraction logs the interaction, then dispatches it by type
// and command name/custom ID.
func (v *Versize) handleInteraction(ctx context.Context, handler InteractionHandler) {
	v.interactionsInProgress.Add(1)
	defer v.interactionsInProgress.Add(-1)

	logger := handler.Logger()
	i := handler.GetInteraction()

	// pings carry no user
	if i.Type == discordgo.InteractionPing {
		err := handler.Respond(ctx, &discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong})
		if err != nil {
			logger.ErrorContext(ctx, "error responding to ping", tint.Err(err))
		}
		return
	}

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(ctx, "no user found in interaction", "interaction", structToSlogValue(i))
		return
	}

	logger = logger.With("user_id", discordUser.ID, "username", discordUser.Username)
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received interaction", "name", interactionName(i))

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	if interactionLog, err := newInteractionLog(i, discordUser, handler); err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	} else if v.writeDB != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, createErr := v.writeDB.Create(context.WithoutCancel(ctx), interactionLog); createErr != nil {
				logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
			}
		}()
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	reply := newInteractionReply(handler)
	defer func() {
		if rc := recover(); rc != nil {
			v.handleRecover(ctx, rc)
			reply.Fail(ctx, fmt.Errorf("panic: %v", rc))
		}
	}()

	var err error
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		name := i.ApplicationCommandData().Name
		cmd, ok := v.commandHandlers[name]
		if !ok {
			err = fmt.Errorf("unknown command: %q", name)
			break
		}
		err = cmd(ctx, reply, i)
	case discordgo.InteractionMessageComponent:
		customID := i.MessageComponentData().CustomID
		handle, arg, ok := matchCustomIDRoute(v.componentRoutes, customID)
		if !ok {
			err = fmt.Errorf("unknown component: %q", customID)
			break
		}
		err = handle(ctx, reply, i, arg)
	case discordgo.InteractionModalSubmit:
		customID := i.ModalSubmitData().CustomID
		handle, arg, ok := matchCustomIDRoute(v.modalRoutes, customID)
		if !ok {
			err = fmt.Errorf("unknown modal: %q", customID)
			break
		}
		err = handle(ctx, reply, i, arg)
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
		return
	}

	if err != nil {
		reply.Fail(ctx, err)
	}
}

// modalTextValues returns the values of the text inputs in a submitted
// modal, keyed by custom ID
func modalTextValues(data discordgo.ModalSubmitInteractionData) map[string]string {
	values := map[string]string{}
	for _, row := range data.Components {
		var components []discordgo.MessageComponent
		switch r := row.(type) {
		case *discordgo.ActionsRow:
			components = r.Components
		case discordgo.ActionsRow:
			components = r.Components
		default:
			continue
		}
		for _, c := range components {
			switch input := c.(type) {
			case *discordgo.TextInput:
				values[input.CustomID] = input.Value
			case discordgo.TextInput:
				values[input.CustomID] = input.Value
			}
		}
	}
	return values
}

// isReviewer returns true if the member has one of the allowed roles,
// or the Administrator permission
func isReviewer(member *discordgo.Member, allowedRoles RoleList) bool {
	if member == nil {
		return false
	}
	if member.Permissions&discordgo.PermissionAdministrator != 0 {
		return true
	}
	for _, role := range member.Roles {
		if allowedRoles.Contains(role) {
			return true
		}
	}
	return false
}
