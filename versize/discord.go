package versize

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	DiscordSlashCommandApplyPanel = "apply-panel"
	DiscordSlashCommandEmbed      = "embed"
	DiscordSlashCommandAudit      = "audit"
	DiscordSlashCommandAuditStats = "audit-stats"
	DiscordSlashCommandBlacklist  = "blacklist"

	// discordThreadAutoArchiveDuration is the auto-archive duration (in
	// minutes) for review threads: 7 days
	discordThreadAutoArchiveDuration = 10080

	discordThreadNameMaxLength    = 100
	discordEmbedFieldValueMaxLen  = 1024
	discordEmbedMaxFields         = 25
	discordModalInputLabelMaxLen  = 45
	discordMaxButtonsPerActionRow = 5
)

// Discord wraps the bot's Discord session and gateway event handlers
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	publicKey                   ed25519.PublicKey
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	v                           *Versize
}

func newDiscord(config *DiscordConfig) (*Discord, error) {
	d := &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}

	if config.WebhookServer.PublicKey != "" {
		publicKey, err := hex.DecodeString(config.WebhookServer.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("error decoding public key: %w", err)
		}
		if len(publicKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid public key length: %d", len(publicKey))
		}
		d.publicKey = ed25519.PublicKey(publicKey)
	}

	return d, nil
}

// newSession creates a discordgo session for the bot token, wrapped
// with logging
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	logger := d.logger
	if logger == nil {
		logger = slog.Default()
	}
	session := DiscordSession{logger: logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if d.config.DiscordGoLogLevel != nil {
		if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
			return session, err
		}
	}
	return session, nil
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		attrs := []any{"session_id", r.SessionID}
		if r.User != nil {
			attrs = append(attrs, "user_id", r.User.ID, "username", r.User.Username)
		}
		d.logger.Info("ready", attrs...)
	}
}

// handlerConnect sets the bot's presence from the current RuntimeConfig,
// and posts the startup message if a notification channel is configured.
func (d *Discord) handlerConnect() func(s *discordgo.Session, c *discordgo.Connect) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("connected", "session_id", sessionID)

		if d.v == nil {
			return
		}
		cfg := d.v.RuntimeConfig()
		go func() {
			if err := d.session.UpdateStatusComplex(getDiscordPresenceStatusUpdate(cfg)); err != nil {
				d.logger.Error("error updating discord status", tint.Err(err))
			}
		}()

		if d.config.NotificationChannelID != "" && d.config.StartupMessage != "" {
			if _, err := d.session.ChannelMessageSend(
				d.config.NotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); err != nil {
				d.logger.Error("unable to send startup message", tint.Err(err))
			} else {
				d.logger.Info("sent startup message")
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, r *discordgo.Disconnect) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("disconnected", "session_id", sessionID)
	}
}

// registerCommands sends the bot's commands to the guild bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		applicationCommands(),
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("created command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

// RegisterCommands overwrites the guild's commands using a standalone
// session, without starting the bot
func RegisterCommands(
	config *DiscordConfig,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	d, err := newDiscord(config)
	if err != nil {
		return nil, err
	}
	d.logger = slog.Default().With(loggerNameKey, "discord")
	session, err := d.newSession()
	if err != nil {
		return nil, err
	}
	d.session = session
	return d.registerCommands(options...)
}

// applicationCommands returns the slash commands registered to the guild
func applicationCommands() []*discordgo.ApplicationCommand {
	manageMessages := int64(discordgo.PermissionManageMessages)
	manageRoles := int64(discordgo.PermissionManageRoles)
	dmPermission := false
	minLimit := float64(1)

	actionChoices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(auditActions))
	for _, a := range auditActions {
		actionChoices = append(
			actionChoices,
			&discordgo.ApplicationCommandOptionChoice{Name: a.Label, Value: a.ID},
		)
	}
	rankChoices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(auditRanks))
	for _, r := range auditRanks {
		rankChoices = append(
			rankChoices,
			&discordgo.ApplicationCommandOptionChoice{Name: r.String(), Value: r.Value},
		)
	}

	return []*discordgo.ApplicationCommand{
		{
			Name:                     DiscordSlashCommandApplyPanel,
			Description:              "Отправить панель заявок",
			DefaultMemberPermissions: &manageMessages,
			DMPermission:             &dmPermission,
		},
		{
			Name:                     DiscordSlashCommandEmbed,
			Description:              "Создать эмбэд",
			DefaultMemberPermissions: &manageMessages,
			DMPermission:             &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "title",
					Description: "Заголовок",
					Required:    true,
					MaxLength:   256,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "description",
					Description: "Описание",
					Required:    true,
					MaxLength:   4000,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "color",
					Description: "Цвет #hex",
				},
			},
		},
		{
			Name:                     DiscordSlashCommandAudit,
			Description:              "Создать запись аудита",
			DefaultMemberPermissions: &manageRoles,
			DMPermission:             &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        "author",
					Description: "Кто совершил действие",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        "target",
					Description: "Кого касается действие",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "action",
					Description: "Тип действия",
					Required:    true,
					Choices:     actionChoices,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "from_rank",
					Description: "С какого ранга",
					Choices:     rankChoices,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "to_rank",
					Description: "На какой ранг",
					Choices:     rankChoices,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "reason",
					Description: "Причина",
					MaxLength:   discordEmbedFieldValueMaxLen,
				},
			},
		},
		{
			Name:                     DiscordSlashCommandAuditStats,
			Description:              "Статистика аудита",
			DefaultMemberPermissions: &manageRoles,
			DMPermission:             &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        "user",
					Description: "Автор записей",
				},
			},
		},
		{
			Name:                     DiscordSlashCommandBlacklist,
			Description:              "Управление черным списком (ЧС)",
			DefaultMemberPermissions: &manageRoles,
			DMPermission:             &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        blacklistSubcommandAdd,
					Description: "Добавить в ЧС",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "static",
							Description: "Статик (например Family #1234)",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "reason",
							Description: "Причина",
							Required:    true,
							MaxLength:   discordEmbedFieldValueMaxLen,
						},
						{
							Type:        discordgo.ApplicationCommandOptionUser,
							Name:        "member",
							Description: "Пользователь (если нужно)",
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "duration",
							Description: "Срок (например 30d, forever)",
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        blacklistSubcommandRemove,
					Description: "Удалить запись из ЧС",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "static",
							Description: "Статик",
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "message_id",
							Description: "ID сообщения в канале ЧС",
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        blacklistSubcommandList,
					Description: "Показать последние записи ЧС",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        "limit",
							Description: "Сколько записей показать (max 25)",
							MinValue:    &minLimit,
							MaxValue:    discordEmbedMaxFields,
						},
					},
				},
			},
		},
	}
}

// DiscordSessionHandler is the subset of discordgo.Session used by the
// bot, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler, returning a
	// function that removes it
	AddHandler(handler any) func()

	// SetIdentify sets the identify payload sent during the initial
	// handshake with the gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	SetHTTPClient(client *http.Client)

	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	InteractionResponseDelete(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) error

	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessage(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageEditComplex(
		m *discordgo.MessageEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageDelete(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error

	// Channel fetches a channel (or thread) by ID
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)

	ChannelEditComplex(
		channelID string,
		data *discordgo.ChannelEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ForumThreadStartComplex creates a forum post, with the given
	// message as its starter message
	ForumThreadStartComplex(
		channelID string,
		threadData *discordgo.ThreadStart,
		messageData *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// MessageThreadStartComplex starts a thread from an existing message
	MessageThreadStartComplex(
		channelID string,
		messageID string,
		data *discordgo.ThreadStart,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	return d.session.UpdateStatusComplex(data)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return d.session.ApplicationCommandBulkOverwrite(appID, guildID, commands, options...)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) InteractionResponseDelete(
	interaction *discordgo.Interaction,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionResponseDelete(interaction, options...)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, content, options...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error("error sending message", tint.Err(err), "channel_id", channelID)
	} else {
		d.logger.Debug("sent message", "channel_id", channelID, "message_id", msg.ID)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessage(channelID, messageID, options...)
}

func (d DiscordSession) ChannelMessageEditComplex(
	m *discordgo.MessageEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageEditComplex(m, options...)
	if err != nil {
		d.logger.Error(
			"error editing message",
			tint.Err(err),
			"channel_id", m.Channel,
			"message_id", m.ID,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, options...)
}

func (d DiscordSession) Channel(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.Channel(channelID, options...)
}

func (d DiscordSession) ChannelEditComplex(
	channelID string,
	data *discordgo.ChannelEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.ChannelEditComplex(channelID, data, options...)
}

func (d DiscordSession) ForumThreadStartComplex(
	channelID string,
	threadData *discordgo.ThreadStart,
	messageData *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	th, err := d.session.ForumThreadStartComplex(channelID, threadData, messageData, options...)
	if err != nil {
		d.logger.Error("error starting forum thread", tint.Err(err), "channel_id", channelID)
	} else {
		d.logger.Info("started forum thread", "channel_id", channelID, "thread_id", th.ID)
	}
	return th, err
}

func (d DiscordSession) MessageThreadStartComplex(
	channelID string,
	messageID string,
	data *discordgo.ThreadStart,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	th, err := d.session.MessageThreadStartComplex(channelID, messageID, data, options...)
	if err != nil {
		d.logger.Error(
			"error starting message thread",
			tint.Err(err),
			"channel_id", channelID,
			"message_id", messageID,
		)
	}
	return th, err
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}
