package versize

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	pprofPrefix                 = "/debug"
	apiPrefix                   = "/api"
	panelPrefix                 = "/panel"
	apiPathLogin                = "/login"
	apiPathLogout               = "/logout"
	apiPathOAuthCallback        = "/oauth/callback"
	apiHealthCheck              = "/healthz"
	apiPathLoggedIn             = "/logged_in"
	apiPathApplications         = "/applications"
	apiPathApplication          = "/applications/:id"
	apiPathApplicationAccept    = "/applications/:id/accept"
	apiPathApplicationDeny      = "/applications/:id/deny"
	apiPathAudit                = "/audit"
	apiPathAuditStats           = "/audit/stats"
	apiPathBlacklist            = "/blacklist"
	apiPathConfig               = "/config"
	apiPathRegisterCommands     = "/discord/register_commands"
	panelPathLogs               = "/logs"
	panelPathSettings           = "/settings"
	defaultPaginationLimit      = 25
	loginRequestRateLimit       = rate.Limit(1)
	loginRequestBurst           = 3
	msgNotGuildMember           = "Вы не состоите на сервере."
	msgNoPanelAccess            = "У вас нет прав доступа к панели."
	msgApplicationNotFoundPanel = "Заявка не найдена."
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionName      = "versize"

	sessionKeyUserID        = "user_id"
	sessionKeyUsername      = "username"
	sessionKeyAvatar        = "avatar"
	sessionKeyAdmin         = "admin"
	sessionKeyOAuthState    = "oauth_state"
	sessionKeyOAuthVerifier = "oauth_verifier"

	ginKeyPanelUser = "panel_user"
)

var (
	structValidator = validator.New()
)

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API serves the web panel, the OAuth login flow and the JSON API.
type API struct {
	v                   *Versize
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	oauth               *oauth2.Config
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger
}

// newAPI sets up the session store, middleware and routes
func newAPI(v *Versize, config *APIConfig) (*API, error) {
	r := gin.New()

	api := &API{
		v:                   v,
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(loginRequestRateLimit, loginRequestBurst),
		logger: slog.New(newLogHandler(defaultLogWriter, config.LogLevel)).With(
			loggerNameKey, "api",
		),
	}

	store, err := newSessionStore(config, api.logger)
	if err != nil {
		return nil, err
	}
	api.store = store
	api.oauth = newOAuthConfig(v.config)

	tmpl, err := loadPanelTemplates()
	if err != nil {
		return nil, fmt.Errorf("error loading panel templates: %w", err)
	}
	r.SetHTMLTemplate(tmpl)

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" || config.SSL.Key != "" {
		tlsCfg, err = tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
		corsConfig.AllowCredentials = false
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		metricMiddleware(api),
	)
	if len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	}
	r.Use(sessions.Sessions(sessionName, store))

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	r.GET("/", func(c *gin.Context) { c.Redirect(http.StatusFound, panelPrefix) })
	r.GET(apiHealthCheck, api.healthCheck)
	r.GET(apiPathLogin, api.loginPage)
	r.POST(apiPathLogin, api.adminLogin)
	r.GET(apiPathOAuthCallback, api.oauthCallback)
	r.GET(apiPathLogout, api.logout)

	panel := r.Group(panelPrefix)
	panel.Use(api.authMiddleware(false))
	panel.GET("", api.panelDashboard)
	panel.GET(apiPathApplications, api.panelApplications)
	panel.GET(apiPathApplicationAccept, api.panelAccept)
	panel.GET(apiPathApplicationDeny, api.panelDeny)
	panel.GET(panelPathLogs, api.panelLogs)
	panel.GET(panelPathSettings, api.panelSettings)

	protected := r.Group(apiPrefix)
	protected.Use(api.authMiddleware(true))
	protected.GET(apiPathLoggedIn, api.loggedIn)
	protected.GET(apiPathApplications, api.getApplications)
	protected.GET(apiPathApplication, api.getApplication)
	protected.POST(apiPathApplicationAccept, api.acceptApplication)
	protected.POST(apiPathApplicationDeny, api.denyApplication)
	protected.GET(apiPathAudit, api.getAuditRecords)
	protected.GET(apiPathAuditStats, api.getAuditStats)
	protected.GET(apiPathBlacklist, api.getBlacklist)
	protected.GET(apiPathConfig, api.getConfig)
	protected.PATCH(apiPathConfig, api.updateRuntimeConfig)
	protected.POST(apiPathRegisterCommands, api.discordRegisterCommands)

	return api, nil
}

// Serve listens on the configured address. TLS is used when a cert is
// configured.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	return a.httpServer.Serve(a.listener)
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// newSessionStore returns a cookie store keyed from the API secret, or
// from random keys if no secret is set
func newSessionStore(config *APIConfig, logger *slog.Logger) (CookieStore, error) {
	var hashKey, blockKey []byte
	if config.Secret == "" {
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		hashKey = securecookie.GenerateRandomKey(64)
		blockKey = securecookie.GenerateRandomKey(32)
	} else {
		var err error
		hashKey, blockKey, err = deriveSessionKeys(config.Secret)
		if err != nil {
			return nil, fmt.Errorf("error deriving session keys: %w", err)
		}
	}

	store := NewCookieStore(hashKey, blockKey)
	store.Options(
		sessions.Options{
			Path:     "/",
			HttpOnly: true,
			Secure:   !config.Development,
			MaxAge:   int(config.SessionMaxAge.Seconds()),
			SameSite: http.SameSiteLaxMode,
		},
	)
	return store, nil
}

// panelUser is the logged-in user, as stored in the session
type panelUser struct {
	ID       string `json:"id,omitempty"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
	Admin    bool   `json:"admin"`
}

func (u panelUser) leader() Leader {
	if u.Admin {
		return Leader{Username: u.Username}
	}
	return Leader{DiscordID: u.ID, Username: u.Username}
}

func sessionPanelUser(session sessions.Session) (panelUser, bool) {
	username, _ := session.Get(sessionKeyUsername).(string)
	if username == "" {
		return panelUser{}, false
	}
	u := panelUser{Username: username}
	u.ID, _ = session.Get(sessionKeyUserID).(string)
	u.Avatar, _ = session.Get(sessionKeyAvatar).(string)
	u.Admin, _ = session.Get(sessionKeyAdmin).(bool)
	if !u.Admin && u.ID == "" {
		return panelUser{}, false
	}
	return u, true
}

func setSessionPanelUser(session sessions.Session, u panelUser) {
	session.Set(sessionKeyUserID, u.ID)
	session.Set(sessionKeyUsername, u.Username)
	session.Set(sessionKeyAvatar, u.Avatar)
	session.Set(sessionKeyAdmin, u.Admin)
}

func ginPanelUser(c *gin.Context) panelUser {
	if u, ok := c.Get(ginKeyPanelUser); ok {
		if pu, ok := u.(panelUser); ok {
			return pu
		}
	}
	return panelUser{}
}

// authMiddleware requires a logged-in panel user. Local admins always
// pass. Discord users need a stored OAuth token, and must be guild
// members holding an allowed role. A user whose token is gone is
// logged out.
// JSON routes get 401/403 JSON errors; panel routes are redirected to
// the login page, or get a plain error message.
func (a *API) authMiddleware(jsonErrors bool) gin.HandlerFunc {
	deny := func(c *gin.Context, status int, message string) {
		if jsonErrors {
			c.AbortWithStatusJSON(status, httpError{Error: message})
			return
		}
		c.Abort()
		c.HTML(status, "error.tmpl", gin.H{"Title": "Ошибка", "Message": message})
	}

	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		user, ok := sessionPanelUser(sessions.Default(c))
		if !ok {
			if jsonErrors {
				c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
				return
			}
			c.Redirect(http.StatusFound, apiPathLogin)
			c.Abort()
			return
		}

		if !user.Admin {
			_, err := a.v.tokenStore.Get(c.Request.Context(), user.ID)
			if errors.Is(err, ErrTokenNotFound) {
				logger.Info("panel user token expired", "user_id", user.ID)
				session := sessions.Default(c)
				session.Clear()
				if saveErr := session.Save(); saveErr != nil {
					logger.Error("error saving session", tint.Err(saveErr))
				}
				if jsonErrors {
					c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
					return
				}
				c.Redirect(http.StatusFound, apiPathLogin)
				c.Abort()
				return
			}
			if err != nil {
				logger.Error("error reading oauth token", "user_id", user.ID, tint.Err(err))
				deny(c, http.StatusServiceUnavailable, msgNotGuildMember)
				return
			}

			if a.v.discord.session == nil {
				deny(c, http.StatusServiceUnavailable, msgNotGuildMember)
				return
			}
			member, err := a.v.discord.session.GuildMember(a.v.config.Discord.GuildID, user.ID)
			if err != nil || member == nil {
				logger.Warn("panel user not found in guild", "user_id", user.ID, tint.Err(err))
				deny(c, http.StatusForbidden, msgNotGuildMember)
				return
			}
			if !hasAllowedRole(member.Roles, a.v.allowedRoles()) {
				logger.Warn("panel user has no allowed role", "user_id", user.ID)
				deny(c, http.StatusForbidden, msgNoPanelAccess)
				return
			}
		}

		c.Set(ginKeyPanelUser, user)
		c.Set(string(loggerContextKey), logger.With("panel_user", user.Username))
		c.Next()
	}
}

func hasAllowedRole(roles []string, allowed RoleList) bool {
	for _, r := range roles {
		if allowed.Contains(r) {
			return true
		}
	}
	return false
}

type healthCheckResponse struct {
	Paused                  bool  `json:"paused"`
	DiscordGatewayConnected bool  `json:"discord_gateway_connected"`
	InteractionsInProgress  int64 `json:"interactions_in_progress"`
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Paused:                  a.v.paused.Load(),
			DiscordGatewayConnected: a.v.discord.connected.Load(),
			InteractionsInProgress:  a.v.interactionsInProgress.Load(),
		},
	)
}

type userLogin struct {
	Username string `json:"username" form:"username" binding:"required"`
	Password string `json:"password" form:"password" binding:"required"`
}

// adminLogin logs in the local admin configured in RuntimeConfig
func (a *API) adminLogin(c *gin.Context) {
	logger := ginContextLogger(c)
	if !a.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
		return
	}

	var login userLogin
	if err := c.ShouldBind(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	runtimeConfig := a.v.RuntimeConfig()
	if runtimeConfig.AdminUsername == "" || runtimeConfig.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: "invalid credentials"})
		return
	}
	if login.Username != runtimeConfig.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, httpError{Error: "invalid credentials"})
		return
	}
	valid, err := VerifyPassword(runtimeConfig.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "invalid credentials"})
		return
	}

	session := sessions.Default(c)
	session.Clear()
	setSessionPanelUser(session, panelUser{Username: login.Username, Admin: true})
	if err = session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("admin logged in", "username", login.Username)
	ginReplyMessage(c, "logged in")
}

func (a *API) loggedIn(c *gin.Context) {
	c.JSON(http.StatusOK, ginPanelUser(c))
}

// Pagination represents the pagination parameters for API requests.
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

func (p Pagination) apply(db *gorm.DB) *gorm.DB {
	limit := p.Limit
	if limit == 0 {
		limit = defaultPaginationLimit
	}
	order := p.Order
	if order == "" {
		order = Descending
	}
	return db.Order("id " + string(order)).Limit(limit).Offset(p.Offset)
}

// Sort is the sort order of a list query, by ID
type Sort string

type GetApplicationsQuery struct {
	Pagination
	State string `form:"state" binding:"omitempty,oneof=pending accepted denied failed"`
	Type  string `form:"type" binding:"omitempty,oneof=family restore unblack"`
}

func (q GetApplicationsQuery) apply(db *gorm.DB) *gorm.DB {
	if q.State != "" {
		db = db.Where("state = ?", q.State)
	}
	if q.Type != "" {
		db = db.Where("kind = ?", q.Type)
	}
	return q.Pagination.apply(db)
}

func (a *API) getApplications(c *gin.Context) {
	var q GetApplicationsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	var apps []Application
	if err := a.v.db.WithContext(c).Scopes(q.apply).Find(&apps).Error; err != nil {
		ginContextLogger(c).Error("error listing applications", tint.Err(err))
		ginReplyError(c, "error listing applications")
		return
	}
	c.JSON(http.StatusOK, apps)
}

func applicationIDParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func (a *API) getApplication(c *gin.Context) {
	id, ok := applicationIDParam(c)
	if !ok {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid id"})
		return
	}
	app, err := a.v.getApplication(c, id)
	if err != nil {
		a.replyDecisionError(c, err)
		return
	}
	c.JSON(http.StatusOK, app)
}

// replyDecisionError maps review errors to JSON responses
func (a *API) replyDecisionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrApplicationNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: "application not found"})
	case errors.Is(err, ErrAlreadyDecided):
		c.JSON(http.StatusConflict, httpError{Error: "application already decided"})
	default:
		ginContextLogger(c).Error("error handling application", tint.Err(err))
		ginReplyError(c, "internal server error")
	}
}

func (a *API) acceptApplication(c *gin.Context) {
	id, ok := applicationIDParam(c)
	if !ok {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid id"})
		return
	}
	app, err := a.v.AcceptApplication(c, id, ginPanelUser(c).leader())
	if err != nil {
		a.replyDecisionError(c, err)
		return
	}
	c.JSON(http.StatusOK, app)
}

type denyApplicationPayload struct {
	Reason string `json:"reason" binding:"required,max=1000"`
}

func (a *API) denyApplication(c *gin.Context) {
	id, ok := applicationIDParam(c)
	if !ok {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid id"})
		return
	}
	var payload denyApplicationPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	reason := strings.TrimSpace(payload.Reason)
	if reason == "" {
		c.JSON(http.StatusBadRequest, httpError{Error: "reason is required"})
		return
	}
	app, err := a.v.DenyApplication(c, id, reason, ginPanelUser(c).leader())
	if err != nil {
		a.replyDecisionError(c, err)
		return
	}
	c.JSON(http.StatusOK, app)
}

type GetAuditQuery struct {
	Pagination
	AuthorID string `form:"author_id" binding:"omitempty,numeric"`
	Action   string `form:"action" binding:"omitempty,oneof=promote demote warn fire give_rank"`
}

func (a *API) getAuditRecords(c *gin.Context) {
	var q GetAuditQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	db := a.v.db.WithContext(c)
	if q.AuthorID != "" {
		db = db.Where("author_id = ?", q.AuthorID)
	}
	if q.Action != "" {
		db = db.Where("action = ?", q.Action)
	}
	var records []AuditRecord
	if err := db.Scopes(q.Pagination.apply).Find(&records).Error; err != nil {
		ginContextLogger(c).Error("error listing audit records", tint.Err(err))
		ginReplyError(c, "error listing audit records")
		return
	}
	c.JSON(http.StatusOK, records)
}

func (a *API) getAuditStats(c *gin.Context) {
	authorID := c.Query("author_id")
	stats, err := a.v.GetAuditStats(c, authorID)
	if err != nil {
		ginContextLogger(c).Error("error getting audit stats", tint.Err(err))
		ginReplyError(c, "error getting audit stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

type GetBlacklistQuery struct {
	Pagination
	IncludeInactive bool `form:"include_inactive"`
}

func (a *API) getBlacklist(c *gin.Context) {
	var q GetBlacklistQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	db := a.v.db.WithContext(c)
	if !q.IncludeInactive {
		db = db.Scopes(activeBlacklistScope(time.Now()))
	}
	var entries []BlacklistEntry
	if err := db.Scopes(q.Pagination.apply).Find(&entries).Error; err != nil {
		ginContextLogger(c).Error("error listing blacklist", tint.Err(err))
		ginReplyError(c, "error listing blacklist")
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (a *API) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, a.v.RuntimeConfig())
}

// updateRuntimeConfig applies a partial update to RuntimeConfig. The
// updated row is validated before the transaction commits, then
// applied locally and announced to other instances.
func (a *API) updateRuntimeConfig(c *gin.Context) {
	logger := ginContextLogger(c)

	var update RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := structValidator.Struct(update); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	updates := update.columns()
	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, httpError{Error: "no updates"})
		return
	}
	logger.InfoContext(c, "applying runtime config updates", "updates", updates)

	current := a.v.RuntimeConfig()
	statusCode := http.StatusInternalServerError
	err := a.v.writeDB.Transaction(
		c, func(tx *gorm.DB) error {
			var existing RuntimeConfig
			if e := tx.First(&existing, current.ID).Error; e != nil {
				return e
			}
			if e := tx.Model(&existing).Updates(updates).Error; e != nil {
				return e
			}
			if e := tx.First(&existing, current.ID).Error; e != nil {
				return e
			}
			if e := structValidator.Struct(existing); e != nil {
				statusCode = http.StatusBadRequest
				return e
			}
			return nil
		},
	)
	if err != nil {
		logger.ErrorContext(c, "error updating config", tint.Err(err))
		c.JSON(statusCode, httpError{Error: "error updating config"})
		return
	}

	a.v.refreshRuntimeConfig(c, true)
	c.JSON(http.StatusAccepted, a.v.RuntimeConfig())

	if a.v.dbNotifier != nil && !a.v.dbNotifier.ReloadRuntimeConfig(context.WithoutCancel(c)) {
		logger.Error("error sending config update notification")
	}
}

func (a *API) discordRegisterCommands(c *gin.Context) {
	logger := ginContextLogger(c)
	logger.Info("registering commands")

	created, err := a.v.discord.registerCommands()
	if err != nil {
		logger.Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusCreated, created)
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

// requestIDMiddleware sets a random X-Request-ID on the context and
// response
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request with its duration and status
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID, _ := c.Get(xRequestIDHeader)
		c.Set(
			string(loggerContextKey),
			base.With(
				slog.Group(
					"request",
					"method", c.Request.Method,
					"path", c.Request.URL.Path,
					"remote_ip", c.RemoteIP(),
				),
				slog.Any(xRequestIDHeader, requestID),
			),
		)
		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests per method and route
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		a.requestMetricsMu.Lock()
		a.requestMetrics[c.Request.Method+" "+route]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(
		validateWebhookServerConfig,
		DiscordWebhookServerConfig{},
	)
}
