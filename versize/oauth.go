package versize

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"golang.org/x/oauth2"
)

const (
	msgNoAuthCode   = "Нет кода авторизации."
	msgInvalidState = "Неверный параметр state."
	msgAuthFailed   = "Ошибка авторизации."

	oauthStateLength = 32
)

// newOAuthConfig returns the Discord OAuth2 config for panel logins
func newOAuthConfig(cfg *Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.Discord.ApplicationID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURL:  cfg.OAuth.RedirectURL,
		Scopes:       cfg.OAuth.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.OAuth.AuthURL,
			TokenURL:  cfg.OAuth.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// oauthContext makes oauth2 use the configured HTTP client
func (a *API) oauthContext(ctx context.Context) context.Context {
	if a.v.config.HTTPClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, a.v.config.HTTPClient)
}

// discordOAuthUser is the subset of /users/@me the panel uses
type discordOAuthUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

// fetchOAuthUser gets the user that authorized token
func (a *API) fetchOAuthUser(ctx context.Context, token *oauth2.Token) (discordOAuthUser, error) {
	var user discordOAuthUser
	client := a.oauth.Client(a.oauthContext(ctx), token)
	url := strings.TrimSuffix(a.v.config.OAuth.APIBaseURL, "/") + "/users/@me"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return user, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return user, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return user, fmt.Errorf("unexpected status from %s: %d", url, resp.StatusCode)
	}
	if err = json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return user, fmt.Errorf("error decoding user: %w", err)
	}
	if user.ID == "" {
		return user, fmt.Errorf("no user ID in response from %s", url)
	}
	return user, nil
}

// loginPage renders the login page. A fresh state and PKCE verifier
// are stored in the session for the callback to check.
func (a *API) loginPage(c *gin.Context) {
	logger := ginContextLogger(c)
	state, err := generateRandomHexString(oauthStateLength)
	if err != nil {
		logger.Error("error generating oauth state", tint.Err(err))
		c.String(http.StatusInternalServerError, msgAuthFailed)
		return
	}
	verifier := oauth2.GenerateVerifier()

	session := sessions.Default(c)
	session.Set(sessionKeyOAuthState, state)
	session.Set(sessionKeyOAuthVerifier, verifier)
	if err = session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		c.String(http.StatusInternalServerError, msgAuthFailed)
		return
	}

	runtimeConfig := a.v.RuntimeConfig()
	c.HTML(
		http.StatusOK, "login.tmpl", gin.H{
			"Title":      "Versize — Панель",
			"AuthURL":    a.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)),
			"AdminLogin": runtimeConfig.AdminUsername != "" && runtimeConfig.AdminPassword != "",
		},
	)
}

// oauthCallback completes the Discord login: the code is exchanged
// for a token, the user is fetched and stored in the session, and the
// token is kept in the TokenStore.
func (a *API) oauthCallback(c *gin.Context) {
	logger := ginContextLogger(c)
	session := sessions.Default(c)

	code := c.Query("code")
	if code == "" {
		c.String(http.StatusBadRequest, msgNoAuthCode)
		return
	}
	expectedState, _ := session.Get(sessionKeyOAuthState).(string)
	state := c.Query("state")
	if expectedState == "" || state != expectedState {
		logger.Warn("oauth state mismatch")
		c.String(http.StatusBadRequest, msgInvalidState)
		return
	}
	verifier, _ := session.Get(sessionKeyOAuthVerifier).(string)

	ctx := c.Request.Context()
	token, err := a.oauth.Exchange(a.oauthContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		logger.Error("error exchanging oauth code", tint.Err(err))
		c.String(http.StatusInternalServerError, msgAuthFailed)
		return
	}
	user, err := a.fetchOAuthUser(ctx, token)
	if err != nil {
		logger.Error("error fetching oauth user", tint.Err(err))
		c.String(http.StatusInternalServerError, msgAuthFailed)
		return
	}

	ttl := tokenTTL(token, a.config.SessionMaxAge, time.Now())
	if err = a.v.tokenStore.Put(ctx, user.ID, token, ttl); err != nil {
		logger.Error("error storing oauth token", tint.Err(err))
		c.String(http.StatusInternalServerError, msgAuthFailed)
		return
	}

	session.Delete(sessionKeyOAuthState)
	session.Delete(sessionKeyOAuthVerifier)
	setSessionPanelUser(
		session,
		panelUser{ID: user.ID, Username: user.Username, Avatar: user.Avatar},
	)
	if err = session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		c.String(http.StatusInternalServerError, msgAuthFailed)
		return
	}
	logger.Info("panel user logged in", "user_id", user.ID, "username", user.Username)
	c.Redirect(http.StatusFound, panelPrefix)
}

// tokenTTL returns how long to keep token: until it expires, but no
// longer than maxAge
func tokenTTL(token *oauth2.Token, maxAge time.Duration, now time.Time) time.Duration {
	if token.Expiry.IsZero() {
		return maxAge
	}
	ttl := token.Expiry.Sub(now)
	if ttl <= 0 {
		return time.Second
	}
	if maxAge > 0 && ttl > maxAge {
		return maxAge
	}
	return ttl
}

// logout clears the session and forgets the user's token
func (a *API) logout(c *gin.Context) {
	logger := ginContextLogger(c)
	session := sessions.Default(c)
	if user, ok := sessionPanelUser(session); ok && user.ID != "" {
		if err := a.v.tokenStore.Delete(c.Request.Context(), user.ID); err != nil {
			logger.Error("error deleting oauth token", tint.Err(err))
		}
	}
	session.Clear()
	if err := session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
	}
	c.Redirect(http.StatusFound, apiPathLogin)
}
