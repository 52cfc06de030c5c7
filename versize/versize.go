package versize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/kkatwk9/versize/versize.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	ErrApplicationNotFound  = errors.New("application not found")
	ErrAlreadyDecided       = errors.New("application already decided")
	ErrNotReviewer          = errors.New("user is not a reviewer")
	ErrChannelNotConfigured = errors.New("channel not configured")
	ErrChannelUnavailable   = errors.New("channel not found or not accessible")
	ErrPublishFailed        = errors.New("unable to publish message")
	ErrInvalidDuration      = errors.New("invalid duration")
)

var (
	defaultLogWriter io.Writer = os.Stdout

	runtimeConfigRefreshTimeout  = 30 * time.Second
	shutdownAnnouncementInterval = 10 * time.Second
)

// Versize is the bot: it owns the Discord session, the web panel/API,
// the optional interactions webhook server, and the database.
type Versize struct {
	dbNotifier DBNotifier
	config     *Config

	// read connection
	db *gorm.DB

	// writes go through here. With SQLite, they're serialized.
	writeDB DBI

	logger     *slog.Logger
	logHandler slog.Handler

	discord *Discord
	api     *API

	// receives interactions over HTTP when the gateway isn't used
	discordWebhookServer      *DiscordWebhookServer
	webhookInteractionHandler func(c *gin.Context)

	// OAuth tokens of panel users
	tokenStore TokenStore

	// signalStop cancels Run (ex: from a postgres NOTIFY)
	signalStop chan struct{}

	// signalReady receives a value once Run has finished starting up
	signalReady chan struct{}

	// eventShutdown receives a value once shutdown has finished
	eventShutdown chan struct{}

	runMu sync.Mutex

	// mirrors RuntimeConfig.Paused
	paused atomic.Bool

	startedAt time.Time

	// getInteractionHandlerFunc returns the InteractionHandler for an
	// interaction received via the gateway. Handlers for webhook
	// interactions wrap the result.
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	commandHandlers map[string]commandHandlerFunc
	componentRoutes []customIDRoute
	modalRoutes     []customIDRoute

	// number of interactions currently being handled
	interactionsInProgress atomic.Int64

	triggerRuntimeConfigRefreshCh chan bool
}

func (v *Versize) getLogger(ctx context.Context) (context.Context, *slog.Logger) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = v.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// RuntimeConfig returns a copy of the current runtime configuration
func (v *Versize) RuntimeConfig() RuntimeConfig {
	v.cfgMu.RLock()
	defer v.cfgMu.RUnlock()
	if v.runtimeConfig == nil {
		return seedRuntimeConfig(v.config)
	}
	return *v.runtimeConfig
}

// channels returns the channel IDs currently in effect
func (v *Versize) channels() ChannelsConfig {
	return v.RuntimeConfig().Channels(v.config.Channels)
}

// allowedRoles returns the reviewer/panel role IDs currently in effect
func (v *Versize) allowedRoles() RoleList {
	return RoleList(v.RuntimeConfig().Roles(v.config.AllowedRoles))
}

// New creates a Versize instance from config. Loggers, the Discord
// wrapper, the API and (if enabled) the webhook server are set up here,
// the database is opened by Run.
func New(config *Config) (*Versize, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	if config.Discord == nil {
		return nil, errors.New("missing discord config")
	}

	v := &Versize{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
	}

	v.logHandler = newLogHandler(defaultLogWriter, v.config.LogLevel)
	v.logger = slog.New(v.logHandler)
	slog.SetDefault(v.logger)

	v.config.Discord.httpClient = v.config.HTTPClient

	disc, err := newDiscord(v.config.Discord)
	if err != nil {
		errs = append(errs, err)
		disc = &Discord{config: v.config.Discord}
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(defaultLogWriter, v.config.Discord.DiscordGoLogLevel),
	)

	disc.logger = slog.New(
		newLogHandler(defaultLogWriter, v.config.Discord.LogLevel),
	).With(loggerNameKey, "discord")
	disc.v = v
	v.discord = disc

	store, err := newTokenStore(config.Redis)
	if err != nil {
		errs = append(errs, err)
	}
	v.tokenStore = store

	v.registerInteractionRoutes()

	api, err := newAPI(v, config.API)
	errs = append(errs, err)
	v.api = api

	if config.Discord.WebhookServer.Enabled {
		webhookServer, e := newWebhookServer(v, config.Discord.WebhookServer)
		errs = append(errs, e)
		v.discordWebhookServer = webhookServer
	}

	return v, errors.Join(errs...)
}

func (v *Versize) ValidateConfig() error {
	return structValidator.Struct(v.config)
}

// RegisterSlashCommands overwrites the guild's application commands with
// the bot's command set.
func (v *Versize) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	if v.discord.session == nil {
		session, err := v.discord.newSession()
		if err != nil {
			return nil, err
		}
		v.discord.session = session
	}
	return v.discord.registerCommands(options...)
}

// Run starts the bot, and blocks until ctx is canceled or a stop signal
// is received, then shuts down.
func (v *Versize) Run(ctx context.Context) error {
	v.runMu.Lock()
	defer v.runMu.Unlock()

	v.signalStop = make(chan struct{}, 1)
	v.startedAt = time.Now()
	logger := v.logger

	if err := v.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(v)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	v.dbNotifier = notifier

	ctx = WithLogger(ctx, logger)

	// everything spawned while running, including in-flight
	// interaction handlers
	runtimeWG := &sync.WaitGroup{}

	v.webhookInteractionHandler = webhookReceiveHandler(ctx, v)

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", v.config))
	if v.signalReady == nil {
		v.signalReady = make(chan struct{}, 1)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-v.signalStop:
			v.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			v.logger.Warn("context canceled")
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, v.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- v.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case err = <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	go func() {
		httpErr := v.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			v.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	runtimeCfg := v.RuntimeConfig()

	if discErr := v.initDiscordSession(ctx, runtimeWG); discErr != nil {
		v.logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	if v.config.Discord.WebhookServer.Enabled {
		v.startWebhookServer(ctx, runtimeWG)
	} else if !runtimeCfg.DiscordGatewayEnabled {
		logger.WarnContext(ctx, "discord gateway and webhook server disabled")
	}

	if err = v.discordInit(ctx, runtimeCfg, logger); err != nil {
		return err
	}

	v.startRuntimeConfigRefresher(ctx, runtimeWG, logger)

	for _, channel := range []string{
		v.dbNotifier.RuntimeConfigChannelName(),
		v.dbNotifier.StopChannelName(),
	} {
		if channel == "" {
			continue
		}
		runtimeWG.Add(1)
		go func(ch string) {
			defer runtimeWG.Done()
			if e := v.dbNotifier.Listen(ctx, ch); e != nil {
				v.logger.ErrorContext(ctx, "error listening for notifications", "channel", ch, tint.Err(e))
			}
		}(channel)
	}

	v.signalReady <- struct{}{}
	v.logger.InfoContext(ctx, "sent ready signal")

	<-ctx.Done()

	return v.shutdown(ctx, runtimeWG)
}

// discordInit opens the gateway connection, if enabled
func (v *Versize) discordInit(
	ctx context.Context,
	runtimeCfg RuntimeConfig,
	logger *slog.Logger,
) error {
	if !runtimeCfg.DiscordGatewayEnabled {
		return nil
	}
	logger.InfoContext(ctx, "connecting to discord")
	if err := v.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	return nil
}

func (v *Versize) startWebhookServer(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		httpErr := v.discordWebhookServer.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			v.logger.ErrorContext(ctx, "error serving webhook HTTP", tint.Err(httpErr))
		}
	}()
}

// startRuntimeConfigRefresher reloads RuntimeConfig every RuntimeConfigTTL,
// and whenever a value is sent on triggerRuntimeConfigRefreshCh.
func (v *Versize) startRuntimeConfigRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	logger *slog.Logger,
) {
	runtimeConfigTTL := v.config.RuntimeConfigTTL

	if runtimeConfigTTL > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(runtimeConfigTTL)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case v.triggerRuntimeConfigRefreshCh <- false:
						logger.Debug("sent config refresh signal from ticker")
					case <-time.After(5 * time.Second):
						logger.Warn("timed out sending config refresh signal")
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case forceRefresh := <-v.triggerRuntimeConfigRefreshCh:
				refreshCtx, refreshCancel := context.WithTimeout(ctx, runtimeConfigRefreshTimeout)
				v.refreshRuntimeConfig(refreshCtx, forceRefresh)
				refreshCancel()
			}
		}
	}()
}

func (v *Versize) refreshRuntimeConfig(ctx context.Context, force bool) {
	v.cfgMu.Lock()
	defer v.cfgMu.Unlock()

	previous := v.runtimeConfig

	var current RuntimeConfig
	if err := v.db.WithContext(ctx).Last(&current).Error; err != nil {
		v.logger.Error("error getting runtime config", tint.Err(err))
		return
	}

	if !force && previous != nil && current.UpdatedAt == previous.UpdatedAt {
		v.logger.Debug("runtime config is up to date, skipping refresh")
		return
	}
	if previous == nil {
		prev := seedRuntimeConfig(v.config)
		previous = &prev
	}
	v.unsafeRefreshRuntimeConfig(previous, &current)
}

// unsafeRefreshRuntimeConfig applies current, reconciling the gateway
// connection and presence with what changed since previous. The caller
// must hold cfgMu.
func (v *Versize) unsafeRefreshRuntimeConfig(
	previous *RuntimeConfig,
	current *RuntimeConfig,
) {
	v.logger.Info("refreshing runtime configuration")
	session := v.discord.session
	if session != nil {
		switch {
		case previous.DiscordGatewayEnabled && !current.DiscordGatewayEnabled:
			if err := session.Close(); err != nil {
				v.logger.Error("error closing discord connection", tint.Err(err))
			}
		case previous.DiscordGatewayEnabled && current.DiscordGatewayEnabled:
			if previous.Paused != current.Paused ||
				previous.DiscordCustomStatus != current.DiscordCustomStatus {
				if err := session.UpdateStatusComplex(
					getDiscordPresenceStatusUpdate(*current),
				); err != nil {
					v.logger.Error("error updating discord status", tint.Err(err))
				}
			}
		case current.DiscordGatewayEnabled:
			session.SetIdentify(
				discordgo.Identify{
					Intents:  v.config.Discord.GatewayIntents,
					Presence: getDiscordPresenceStatusUpdate(*current),
				},
			)
			if err := session.Open(); err != nil {
				v.logger.Error("error opening discord connection", tint.Err(err))
			}
		}
	}

	v.runtimeConfig = current
	v.paused.Store(current.Paused)
	v.setRuntimeLevels(*current)

	v.logger.Info("refreshed runtime config")
}

func (v *Versize) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	v.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if v.eventShutdown != nil {
			go func() {
				v.eventShutdown <- struct{}{}
			}()
		}
	}()

	shutdownStart := time.Now()
	shutdownTimeout := v.config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		v.logger.Warn("immediate shutdown")
		v.forceClose()
		return errors.New("immediate shutdown requested")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	v.logger.InfoContext(
		ctx,
		"exiting",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		stopWG := &sync.WaitGroup{}

		if v.api != nil && v.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				v.logger.Info("stopping http server")
				_ = v.api.httpServer.Shutdown(closeCtx)
				v.logger.Info("http server stopped")
			}()
		}

		if v.discordWebhookServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				v.logger.Info("stopping webhook http server")
				_ = v.discordWebhookServer.httpServer.Shutdown(closeCtx)
				v.logger.Info("webhook http server stopped")
			}()
		}

		if v.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				v.logger.Info("closing discord session")
				_ = v.discord.session.Close()
				for _, removeHandler := range v.discord.discordgoRemoveHandlerFuncs {
					removeHandler()
				}
				v.discord.discordgoRemoveHandlerFuncs = nil
				v.logger.Info("discord session closed")
			}()
		}

		stopWG.Wait()

		// in-flight interaction handlers, listeners, refreshers
		runtimeWG.Wait()
		v.logger.Info(
			"finished handling in-flight requests",
			"in_progress", v.interactionsInProgress.Load(),
		)

		if v.tokenStore != nil {
			if err := v.tokenStore.Close(); err != nil {
				v.logger.Error("error closing token store", tint.Err(err))
			}
		}
		gracefulShutdownCh <- struct{}{}
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			shutdownEnded := time.Now()
			v.logger.Info(
				"shutdown complete",
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			v.logger.Warn(
				fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline)),
			)
		case <-closeCtx.Done():
			v.logger.Warn("did not stop in time, forcing close")
			v.forceClose()
			return errors.New("did not stop in time")
		}
	}
}

func (v *Versize) forceClose() {
	if v.api != nil && v.api.httpServer != nil {
		go func() {
			_ = v.api.httpServer.Close()
		}()
	}
	if v.discordWebhookServer != nil {
		go func() {
			_ = v.discordWebhookServer.httpServer.Close()
		}()
	}
}

// setRuntimeLevels applies the log levels from the given RuntimeConfig
func (v *Versize) setRuntimeLevels(state RuntimeConfig) {
	v.config.LogLevel.Set(state.LogLevel.Level())
	v.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	v.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	v.config.Discord.WebhookServer.LogLevel.Set(state.DiscordWebhookLogLevel.Level())
	v.config.API.LogLevel.Set(state.APILogLevel.Level())
	v.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
}

// initRun opens the database and loads the RuntimeConfig, seeding it
// from the static config on first start.
func (v *Versize) initRun(ctx context.Context) error {
	v.logger.Debug("initializing DB...")
	if err := v.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}

	state, err := loadRuntimeConfig(ctx, v.db, v.writeDB, v.config)
	if err != nil {
		return err
	}
	if validationErr := structValidator.Struct(state); validationErr != nil {
		return fmt.Errorf("invalid runtime config: %w", validationErr)
	}

	v.paused.Store(state.Paused)
	v.setRuntimeLevels(state)

	v.cfgMu.Lock()
	v.runtimeConfig = &state
	v.cfgMu.Unlock()
	return nil
}

// loadRuntimeConfig returns the most recent RuntimeConfig, creating one
// from cfg if none exists.
func loadRuntimeConfig(
	ctx context.Context,
	db *gorm.DB,
	writeDB DBI,
	cfg *Config,
) (RuntimeConfig, error) {
	var state RuntimeConfig
	err := db.WithContext(ctx).Last(&state).Error
	switch {
	case err == nil:
		return state, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		state = seedRuntimeConfig(cfg)
		if _, createErr := writeDB.Create(ctx, &state); createErr != nil {
			return state, fmt.Errorf("error creating config: %w", createErr)
		}
		return state, nil
	default:
		return state, fmt.Errorf("error getting config: %w", err)
	}
}

func (v *Versize) initDB(ctx context.Context) error {
	_, logger := v.getLogger(ctx)

	handler := newLogHandler(defaultLogWriter, v.config.DatabaseLogLevel)
	gormLogger := newGORMLogger(handler, v.config.DatabaseSlowThreshold)

	db, err := getDB(v.config.DatabaseType, v.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	v.db = db
	v.writeDB = NewDatabase(
		db,
		slog.New(handler),
		v.config.DatabaseType == dbTypePostgres,
	)

	logger.Debug("migrating database...")
	if err = migrate(ctx, db); err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return fmt.Errorf("error migrating database: %w", err)
	}
	logger.Debug("finished migrating database")
	return nil
}

func (v *Versize) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := v.discord.logger.With(loggerNameKey, "discord_session")

	if v.discord.session == nil {
		session, err := v.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		v.discord.session = session
	}

	ctx = WithLogger(ctx, logger)

	for _, removeHandler := range v.discord.discordgoRemoveHandlerFuncs {
		removeHandler()
	}

	v.discord.session.SetIdentify(
		discordgo.Identify{
			Intents:  v.config.Discord.GatewayIntents,
			Presence: getDiscordPresenceStatusUpdate(v.RuntimeConfig()),
		},
	)

	v.discord.discordgoRemoveHandlerFuncs = []func(){
		v.discord.session.AddHandler(v.discord.handlerConnect()),
		v.discord.session.AddHandler(v.discord.handlerDisconnect()),
		v.discord.session.AddHandler(v.discord.handlerReady()),
		v.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := v.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					v.handleInteraction(ctx, handler)
				}()
			},
		),
	}

	if v.getInteractionHandlerFunc == nil {
		v.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     v.discord.session,
				interaction: i,
				logger: v.discord.logger.With(
					slog.Group("interaction", interactionLogAttrs(*i)...),
				),
			}
		}
	}
	return nil
}

// handleRecover logs a recovered panic along with the stack trace
func (*Versize) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	switch e := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(e), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(errors.New(e)), "stack_trace", stackTrace)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}
