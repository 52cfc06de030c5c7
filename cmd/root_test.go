package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnvFile(t *testing.T) {
	envContent := `
# General/database config

DC_DATABASE=/home/foo/versize.sqlite3
DC_DATABASE_TYPE=sqlite
DC_DATABASE_LOG_LEVEL=INFO
DC_DATABASE_SLOW_THRESHOLD=300ms
DC_LOG_LEVEL=DEBUG
DC_STARTUP_TIMEOUT=20s
DC_SHUTDOWN_TIMEOUT=45s
DC_RUNTIME_CONFIG_TTL=1m

# Channels and roles

DC_CHANNELS_APPLICATIONS=100
DC_CHANNELS_AUDIT=200
DC_CHANNELS_LEADERS_LOG=300
DC_CHANNELS_BLACKLIST=400
DC_ALLOWED_ROLES=11,22 33

# Discord bot config

DC_DISCORD_TOKEN=your-discord-bot-token
DC_DISCORD_APPLICATION_ID=123456
DC_DISCORD_GUILD_ID=654321
DC_DISCORD_LOG_LEVEL=WARN
DC_DISCORD_DISCORDGO_LOG_LEVEL=ERROR
DC_DISCORD_STARTUP_MESSAGE="Versize online"
DC_DISCORD_GATEWAY_INTENTS=513

# Discord webhook server

DC_DISCORD_WEBHOOK_SERVER_ENABLED=true
DC_DISCORD_WEBHOOK_SERVER_LISTEN=127.0.0.1:5002
DC_DISCORD_WEBHOOK_SERVER_SSL_CERT=/etc/ssl/cert.pem
DC_DISCORD_WEBHOOK_SERVER_SSL_KEY=/etc/ssl/cert.key
DC_DISCORD_WEBHOOK_SERVER_SSL_TLS_MIN_VERSION=772
DC_DISCORD_WEBHOOK_SERVER_LOG_LEVEL=DEBUG
DC_DISCORD_WEBHOOK_SERVER_PUBLIC_KEY=abcdef
DC_DISCORD_WEBHOOK_SERVER_READ_TIMEOUT=6s

# OAuth and token store

DC_OAUTH_CLIENT_SECRET=oauth-secret
DC_OAUTH_REDIRECT_URL=https://panel.example.com/oauth/callback
DC_REDIS_ADDRESS=127.0.0.1:6379
DC_REDIS_DB=2
DC_REDIS_KEY_PREFIX=vz:

# API server

DC_API_LISTEN=127.0.0.1:5000
DC_API_SECRET=your-api-secret
DC_API_LOG_LEVEL=DEBUG
DC_API_DEVELOPMENT=true
DC_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
DC_API_CORS_MAX_AGE=6h
DC_API_SESSION_MAX_AGE=6h
DC_API_WRITE_TIMEOUT=15s
`
	output := executeWithEnvFile(t, envContent, "version")
	assert.Contains(t, output, "version=")

	assert.Equal(t, "/home/foo/versize.sqlite3", cfg.Database)
	assert.Equal(t, "sqlite", cfg.DatabaseType)
	assert.Equal(t, slog.LevelInfo, cfg.DatabaseLogLevel.Level())
	assert.Equal(t, 300*time.Millisecond, cfg.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())
	assert.Equal(t, 20*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 45*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, time.Minute, cfg.RuntimeConfigTTL)

	assert.Equal(t, "100", cfg.Channels.Applications)
	assert.Equal(t, "200", cfg.Channels.Audit)
	assert.Equal(t, "300", cfg.Channels.LeadersLog)
	assert.Equal(t, "400", cfg.Channels.Blacklist)
	assert.Equal(t, []string{"11", "22", "33"}, cfg.AllowedRoles)

	assert.Equal(t, "your-discord-bot-token", cfg.Discord.Token)
	assert.Equal(t, "123456", cfg.Discord.ApplicationID)
	assert.Equal(t, "654321", cfg.Discord.GuildID)
	assert.Equal(t, slog.LevelWarn, cfg.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelError, cfg.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "Versize online", cfg.Discord.StartupMessage)
	assert.Equal(t, discordgo.Intent(513), cfg.Discord.GatewayIntents)

	webhook := cfg.Discord.WebhookServer
	assert.True(t, webhook.Enabled)
	assert.Equal(t, "127.0.0.1:5002", webhook.Listen)
	assert.Equal(t, "/etc/ssl/cert.pem", webhook.SSL.Cert)
	assert.Equal(t, "/etc/ssl/cert.key", webhook.SSL.Key)
	assert.Equal(t, uint16(772), webhook.SSL.TLSMinVersion)
	assert.Equal(t, slog.LevelDebug, webhook.LogLevel.Level())
	assert.Equal(t, "abcdef", webhook.PublicKey)
	assert.Equal(t, 6*time.Second, webhook.ReadTimeout)

	assert.Equal(t, "oauth-secret", cfg.OAuth.ClientSecret)
	assert.Equal(t, "https://panel.example.com/oauth/callback", cfg.OAuth.RedirectURL)
	assert.Equal(t, []string{"identify", "guilds", "guilds.members.read"}, cfg.OAuth.Scopes)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Address)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "vz:", cfg.Redis.KeyPrefix)

	assert.Equal(t, "127.0.0.1:5000", cfg.API.Listen)
	assert.Equal(t, "your-api-secret", cfg.API.Secret)
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.True(t, cfg.API.Development)
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		cfg.API.CORS.AllowOrigins,
	)
	assert.Equal(t, 6*time.Hour, cfg.API.CORS.MaxAge)
	assert.Equal(t, 6*time.Hour, cfg.API.SessionMaxAge)
	assert.Equal(t, 15*time.Second, cfg.API.WriteTimeout)

	assertLogLevel(t, slog.LevelDebug, viper.Get("log_level"))
	assertLogLevel(t, slog.LevelError, viper.Get("discord.discordgo_log_level"))
}

func TestLoadConfigDefaults(t *testing.T) {
	executeWithEnvFile(t, "", "version")

	assert.Equal(t, "sqlite", cfg.DatabaseType)
	assert.Equal(t, "versize.sqlite3", cfg.Database)
	assert.Equal(t, "127.0.0.1:3000", cfg.API.Listen)
	assert.Equal(t, 12*time.Hour, cfg.API.SessionMaxAge)
	assert.Equal(t, "versize:", cfg.Redis.KeyPrefix)
	assert.Empty(t, cfg.Redis.Address)
	assert.Empty(t, cfg.AllowedRoles)
	assert.Empty(t, cfg.API.CORS.AllowOrigins)
	assert.False(t, cfg.Discord.WebhookServer.Enabled)
	assert.Equal(t, "https://discord.com/api/v10", cfg.OAuth.APIBaseURL)
	assert.Equal(t, slog.LevelWarn, cfg.Discord.DiscordGoLogLevel.Level())
}

func TestLoadConfigLegacyEnvNames(t *testing.T) {
	envContent := `
DISCORD_TOKEN=legacy-token
CLIENT_ID=111
CLIENT_SECRET=legacy-secret
GUILD_ID=222
APP_CHANNEL_ID=333
AUDIT_CHANNEL_ID=444
LEADERS_LOG_CHANNEL_ID=555
BLACKLIST_CHANNEL_ID=666
ALLOWED_ROLES=777,888
SESSION_SECRET=legacy-session
PORT=8080
OAUTH_REDIRECT_URI=http://localhost:8080/oauth/callback
`
	executeWithEnvFile(t, envContent, "version")

	assert.Equal(t, "legacy-token", cfg.Discord.Token)
	assert.Equal(t, "111", cfg.Discord.ApplicationID)
	assert.Equal(t, "legacy-secret", cfg.OAuth.ClientSecret)
	assert.Equal(t, "222", cfg.Discord.GuildID)
	assert.Equal(t, "333", cfg.Channels.Applications)
	assert.Equal(t, "444", cfg.Channels.Audit)
	assert.Equal(t, "555", cfg.Channels.LeadersLog)
	assert.Equal(t, "666", cfg.Channels.Blacklist)
	assert.Equal(t, []string{"777", "888"}, cfg.AllowedRoles)
	assert.Equal(t, "legacy-session", cfg.API.Secret)
	assert.Equal(t, ":8080", cfg.API.Listen)
	assert.Equal(t, "http://localhost:8080/oauth/callback", cfg.OAuth.RedirectURL)
}

func TestLoadConfigRedirectURIEnvNames(t *testing.T) {
	tests := []struct {
		name    string
		env     string
		wantURL string
	}{
		{
			name:    "oauth name",
			env:     "OAUTH_REDIRECT_URI=https://panel.example/oauth/callback",
			wantURL: "https://panel.example/oauth/callback",
		},
		{
			name:    "short name",
			env:     "REDIRECT_URI=https://short.example/oauth/callback",
			wantURL: "https://short.example/oauth/callback",
		},
		{
			name: "oauth name first",
			env: "OAUTH_REDIRECT_URI=https://panel.example/oauth/callback\n" +
				"REDIRECT_URI=https://short.example/oauth/callback",
			wantURL: "https://panel.example/oauth/callback",
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				executeWithEnvFile(t, "DISCORD_TOKEN=tok\n"+tc.env+"\n", "version")
				assert.Equal(t, "tok", cfg.Discord.Token)
				assert.Equal(t, tc.wantURL, cfg.OAuth.RedirectURL)
			},
		)
	}
}

func TestLoadConfigPrefixedEnvWins(t *testing.T) {
	envContent := `
DISCORD_TOKEN=legacy-token
DC_DISCORD_TOKEN=prefixed-token
PORT=8080
DC_API_LISTEN=0.0.0.0:9000
`
	executeWithEnvFile(t, envContent, "version")

	assert.Equal(t, "prefixed-token", cfg.Discord.Token)
	assert.Equal(t, "0.0.0.0:9000", cfg.API.Listen)
}

func TestLoadConfigCustomPrefix(t *testing.T) {
	envContent := `
VERSIZE_ENV_PREFIX=VZ
VZ_DISCORD_TOKEN=custom-token
DC_DISCORD_TOKEN=ignored
VZ_CHANNELS_AUDIT=42
`
	executeWithEnvFile(t, envContent, "version")

	assert.Equal(t, "custom-token", cfg.Discord.Token)
	assert.Equal(t, "42", cfg.Channels.Audit)
}

func TestSplitList(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		input any
		want  []string
	}{
		{"comma separated", "1,2,3", []string{"1", "2", "3"}},
		{"space separated", "1 2  3", []string{"1", "2", "3"}},
		{"mixed", " 1, 2 ,3,, ", []string{"1", "2", "3"}},
		{"empty string", "", []string{}},
		{"string slice", []string{"a", " b ", ""}, []string{"a", "b"}},
		{"any slice", []any{"a", 2}, []string{"a", "2"}},
		{"nil", nil, []string{}},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				t.Parallel()
				assert.Equal(t, tt.want, splitList(tt.input))
			},
		)
	}
}

func TestLevelToStringHookFunc(t *testing.T) {
	t.Parallel()
	hook := LevelToStringHookFunc()
	levelVarType := reflect.TypeOf(&slog.LevelVar{})
	stringType := reflect.TypeOf("")

	got, err := hook(stringType, levelVarType, "warn")
	require.NoError(t, err)
	assertLogLevel(t, slog.LevelWarn, got)

	_, err = hook(stringType, levelVarType, "loud")
	assert.Error(t, err)

	got, err = hook(stringType, stringType, "warn")
	require.NoError(t, err)
	assert.Equal(t, "warn", got)
}

func TestRegisterHint(t *testing.T) {
	t.Parallel()
	restErr := func(status int) error {
		return fmt.Errorf(
			"wrapped: %w",
			&discordgo.RESTError{Response: &http.Response{StatusCode: status}},
		)
	}
	assert.Equal(t, "Неверный DISCORD_TOKEN.", registerHint(restErr(http.StatusUnauthorized)))
	assert.Contains(t, registerHint(restErr(http.StatusForbidden)), "applications.commands")
	assert.Equal(t, "Неверный CLIENT_ID или GUILD_ID.", registerHint(restErr(http.StatusNotFound)))
	assert.Empty(t, registerHint(restErr(http.StatusInternalServerError)))
	assert.Empty(t, registerHint(errors.New("boom")))
}
