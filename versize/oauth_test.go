package versize

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const (
	testOAuthCode        = "test-code"
	testOAuthAccessToken = "test-access-token"
)

// fakeDiscordOAuth serves the token and /users/@me endpoints
type fakeDiscordOAuth struct {
	*httptest.Server
	user          discordOAuthUser
	failExchange  atomic.Bool
	lastVerifier  atomic.Value
	tokenRequests atomic.Int32
}

func newFakeDiscordOAuth(t testing.TB, user discordOAuthUser) *fakeDiscordOAuth {
	t.Helper()
	f := &fakeDiscordOAuth{user: user}
	mux := http.NewServeMux()
	mux.HandleFunc(
		"/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
			f.tokenRequests.Add(1)
			if err := r.ParseForm(); err != nil || f.failExchange.Load() || r.Form.Get("code") != testOAuthCode {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			f.lastVerifier.Store(r.Form.Get("code_verifier"))
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(
				map[string]any{
					"access_token": testOAuthAccessToken,
					"token_type":   "Bearer",
					"expires_in":   3600,
				},
			)
		},
	)
	mux.HandleFunc(
		"/users/@me", func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+testOAuthAccessToken {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(f.user)
		},
	)
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func newTestVersizeWithOAuth(t testing.TB, user discordOAuthUser) (*Versize, *fakeDiscordSession, *fakeDiscordOAuth) {
	t.Helper()
	srv := newFakeDiscordOAuth(t, user)
	cfg := DefaultTestConfig(t)
	cfg.OAuth.TokenURL = srv.URL + "/oauth2/token"
	cfg.OAuth.APIBaseURL = srv.URL
	cfg.HTTPClient = srv.Client()
	v, session := newTestVersizeWithConfig(t, cfg)
	return v, session, srv
}

// startTestOAuthLogin loads the login page and returns the session
// cookie and the state it holds
func startTestOAuthLogin(t testing.TB, v *Versize) (*http.Cookie, string) {
	t.Helper()
	w := serveTestRequest(v, newTestRequest(t, http.MethodGet, apiPathLogin, nil))
	require.Equal(t, http.StatusOK, w.Code)
	cookie := sessionCookie(t, w)

	values := decodeTestSession(t, v, cookie)
	state, _ := values[sessionKeyOAuthState].(string)
	require.Len(t, state, oauthStateLength)
	verifier, _ := values[sessionKeyOAuthVerifier].(string)
	require.NotEmpty(t, verifier)
	return cookie, state
}

func TestLoginPage(t *testing.T) {
	t.Parallel()
	v, _ := newTestVersize(t)

	w := serveTestRequest(v, newTestRequest(t, http.MethodGet, apiPathLogin, nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "Войти через Discord")
	assert.Contains(t, body, "code_challenge_method=S256")
	assert.NotContains(t, body, "admin-login")

	setTestAdminCredentials(t, v)
	w = serveTestRequest(v, newTestRequest(t, http.MethodGet, apiPathLogin, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "admin-login")
}

func TestOAuthCallback(t *testing.T) {
	t.Parallel()
	user := discordOAuthUser{ID: newTestSnowflake(), Username: "oauth_user", Avatar: "abc"}
	v, session, srv := newTestVersizeWithOAuth(t, user)
	session.addMember(newTestMember(&discordgo.User{ID: user.ID}, testReviewerRole))

	cookie, state := startTestOAuthLogin(t, v)
	query := url.Values{"code": {testOAuthCode}, "state": {state}}
	w := serveTestRequest(
		v, newTestRequest(t, http.MethodGet, apiPathOAuthCallback+"?"+query.Encode(), nil, cookie),
	)
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())
	assert.Equal(t, panelPrefix, w.Header().Get("Location"))
	assert.NotEmpty(t, srv.lastVerifier.Load())

	token, err := v.tokenStore.Get(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, testOAuthAccessToken, token.AccessToken)

	cookie = sessionCookie(t, w)
	values := decodeTestSession(t, v, cookie)
	assert.NotContains(t, values, sessionKeyOAuthState)
	assert.NotContains(t, values, sessionKeyOAuthVerifier)

	w = serveTestRequest(v, newTestRequest(t, http.MethodGet, apiPrefix+apiPathLoggedIn, nil, cookie))
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeTestResponse[panelUser](t, w)
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, user.Username, got.Username)
	assert.Equal(t, user.Avatar, got.Avatar)
	assert.False(t, got.Admin)
}

func TestOAuthCallback_Errors(t *testing.T) {
	t.Parallel()
	user := discordOAuthUser{ID: newTestSnowflake(), Username: "oauth_user"}

	t.Run(
		"missing code", func(t *testing.T) {
			t.Parallel()
			v, _, srv := newTestVersizeWithOAuth(t, user)
			cookie, state := startTestOAuthLogin(t, v)
			w := serveTestRequest(
				v, newTestRequest(t, http.MethodGet, apiPathOAuthCallback+"?state="+state, nil, cookie),
			)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, msgNoAuthCode, w.Body.String())
			assert.Zero(t, srv.tokenRequests.Load())
		},
	)

	t.Run(
		"state mismatch", func(t *testing.T) {
			t.Parallel()
			v, _, srv := newTestVersizeWithOAuth(t, user)
			cookie, _ := startTestOAuthLogin(t, v)
			w := serveTestRequest(
				v,
				newTestRequest(
					t, http.MethodGet, apiPathOAuthCallback+"?code="+testOAuthCode+"&state=forged", nil, cookie,
				),
			)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, msgInvalidState, w.Body.String())
			assert.Zero(t, srv.tokenRequests.Load())
		},
	)

	t.Run(
		"no login session", func(t *testing.T) {
			t.Parallel()
			v, _, _ := newTestVersizeWithOAuth(t, user)
			w := serveTestRequest(
				v, newTestRequest(t, http.MethodGet, apiPathOAuthCallback+"?code="+testOAuthCode+"&state=", nil),
			)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, msgInvalidState, w.Body.String())
		},
	)

	t.Run(
		"exchange fails", func(t *testing.T) {
			t.Parallel()
			v, _, srv := newTestVersizeWithOAuth(t, user)
			srv.failExchange.Store(true)
			cookie, state := startTestOAuthLogin(t, v)
			query := url.Values{"code": {testOAuthCode}, "state": {state}}
			w := serveTestRequest(
				v, newTestRequest(t, http.MethodGet, apiPathOAuthCallback+"?"+query.Encode(), nil, cookie),
			)
			assert.Equal(t, http.StatusInternalServerError, w.Code)
			assert.Equal(t, msgAuthFailed, w.Body.String())

			_, err := v.tokenStore.Get(context.Background(), user.ID)
			assert.ErrorIs(t, err, ErrTokenNotFound)
		},
	)

	t.Run(
		"user without id", func(t *testing.T) {
			t.Parallel()
			v, _, _ := newTestVersizeWithOAuth(t, discordOAuthUser{Username: "ghost"})
			cookie, state := startTestOAuthLogin(t, v)
			query := url.Values{"code": {testOAuthCode}, "state": {state}}
			w := serveTestRequest(
				v, newTestRequest(t, http.MethodGet, apiPathOAuthCallback+"?"+query.Encode(), nil, cookie),
			)
			assert.Equal(t, http.StatusInternalServerError, w.Code)
			assert.Equal(t, msgAuthFailed, w.Body.String())
		},
	)
}

func TestLogout(t *testing.T) {
	t.Parallel()
	v, session := newTestVersize(t)
	user := newTestUser(t)
	session.addMember(newTestMember(user, testReviewerRole))
	require.NoError(
		t,
		v.tokenStore.Put(context.Background(), user.ID, &oauth2.Token{AccessToken: "x"}, time.Hour),
	)
	cookie := discordUserCookie(t, v, user.ID)

	w := serveTestRequest(v, newTestRequest(t, http.MethodGet, apiPathLogout, nil, cookie))
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, apiPathLogin, w.Header().Get("Location"))

	_, err := v.tokenStore.Get(context.Background(), user.ID)
	require.ErrorIs(t, err, ErrTokenNotFound)

	w = serveTestRequest(v, newTestRequest(t, http.MethodGet, apiPrefix+apiPathLoggedIn, nil, sessionCookie(t, w)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

type mockTokenStore struct {
	mock.Mock
}

func (m *mockTokenStore) Put(ctx context.Context, userID string, token *oauth2.Token, ttl time.Duration) error {
	args := m.Called(ctx, userID, token, ttl)
	return args.Error(0)
}

func (m *mockTokenStore) Get(ctx context.Context, userID string) (*oauth2.Token, error) {
	args := m.Called(ctx, userID)
	token, _ := args.Get(0).(*oauth2.Token)
	return token, args.Error(1)
}

func (m *mockTokenStore) Delete(ctx context.Context, userID string) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

func (m *mockTokenStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

func TestOAuthCallback_TokenStoreError(t *testing.T) {
	t.Parallel()
	user := discordOAuthUser{ID: newTestSnowflake(), Username: "oauth_user"}
	v, _, _ := newTestVersizeWithOAuth(t, user)

	store := &mockTokenStore{}
	store.On("Put", mock.Anything, user.ID, mock.AnythingOfType("*oauth2.Token"), mock.AnythingOfType("time.Duration")).
		Return(errFakeDiscord)
	store.On("Close").Return(nil).Maybe()
	v.tokenStore = store

	cookie, state := startTestOAuthLogin(t, v)
	query := url.Values{"code": {testOAuthCode}, "state": {state}}
	w := serveTestRequest(
		v, newTestRequest(t, http.MethodGet, apiPathOAuthCallback+"?"+query.Encode(), nil, cookie),
	)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, msgAuthFailed, w.Body.String())
	store.AssertExpectations(t)
}

func TestLogout_TokenStoreError(t *testing.T) {
	t.Parallel()
	v, session := newTestVersize(t)
	user := newTestUser(t)
	session.addMember(newTestMember(user, testReviewerRole))

	cookie := discordUserCookie(t, v, user.ID)

	store := &mockTokenStore{}
	store.On("Delete", mock.Anything, user.ID).Return(errFakeDiscord).Once()
	store.On("Close").Return(nil).Maybe()
	v.tokenStore = store

	w := serveTestRequest(v, newTestRequest(t, http.MethodGet, apiPathLogout, nil, cookie))
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, apiPathLogin, w.Header().Get("Location"))
	store.AssertExpectations(t)

	w = serveTestRequest(v, newTestRequest(t, http.MethodGet, apiPrefix+apiPathLoggedIn, nil, sessionCookie(t, w)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTokenTTL(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	maxAge := 7 * 24 * time.Hour

	tests := []struct {
		name   string
		expiry time.Time
		maxAge time.Duration
		want   time.Duration
	}{
		{name: "no expiry", maxAge: maxAge, want: maxAge},
		{name: "expires soon", expiry: now.Add(time.Hour), maxAge: maxAge, want: time.Hour},
		{name: "capped", expiry: now.Add(30 * 24 * time.Hour), maxAge: maxAge, want: maxAge},
		{name: "no cap", expiry: now.Add(30 * 24 * time.Hour), want: 30 * 24 * time.Hour},
		{name: "already expired", expiry: now.Add(-time.Minute), maxAge: maxAge, want: time.Second},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				got := tokenTTL(&oauth2.Token{Expiry: tc.expiry}, tc.maxAge, now)
				assert.Equal(t, tc.want, got)
			},
		)
	}
}
