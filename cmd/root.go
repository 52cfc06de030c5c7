package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/kkatwk9/versize/versize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = versize.DefaultConfig()
	configFile string
)

// legacyEnv maps config keys to the unprefixed variable names older
// deployments use in their .env files, in order of precedence
var legacyEnv = map[string][]string{
	"discord.token":          {"DISCORD_TOKEN"},
	"discord.application_id": {"CLIENT_ID"},
	"discord.guild_id":       {"GUILD_ID"},
	"oauth.client_secret":    {"CLIENT_SECRET"},
	"oauth.redirect_url":     {"OAUTH_REDIRECT_URI", "REDIRECT_URI"},
	"channels.applications":  {"APP_CHANNEL_ID"},
	"channels.audit":         {"AUDIT_CHANNEL_ID"},
	"channels.leaders_log":   {"LEADERS_LOG_CHANNEL_ID"},
	"channels.blacklist":     {"BLACKLIST_CHANNEL_ID"},
	"allowed_roles":          {"ALLOWED_ROLES"},
	"api.secret":             {"SESSION_SECRET"},
}

// legacyPortEnv sets the API's listen port when api.listen isn't set
const legacyPortEnv = "PORT"

var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"api.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"discord.webhook_server.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "versize [flags]",
	Short: "Discord application review bot and web panel",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(","),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

// LevelToStringHookFunc decodes level names ("info", "WARN"...) into
// *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvlVar, err := levelStringToLevelVar(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load %s: %v", configFile, err)
		}
	}

	envPrefix := envPrefix()
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	viper.SetDefault("database", versize.DefaultDatabase)
	viper.SetDefault("database_type", versize.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", versize.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", versize.DefaultDatabaseLogLevel.String())

	viper.SetDefault("runtime_config_ttl", versize.DefaultRuntimeConfigTTL)
	viper.SetDefault("log_level", versize.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", versize.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", versize.DefaultShutdownTimeout)

	viper.SetDefault("allowed_roles", []string{})
	viper.SetDefault("channels.applications", "")
	viper.SetDefault("channels.audit", "")
	viper.SetDefault("channels.leaders_log", "")
	viper.SetDefault("channels.blacklist", "")

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", versize.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		versize.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", versize.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.startup_message", versize.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.notification_channel_id", "")

	// Discord: Webhook server
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault(
		"discord.webhook_server.listen",
		versize.DefaultDiscordWebhookServerListen,
	)
	viper.SetDefault("discord.webhook_server.listen_network", "tcp")
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault("discord.webhook_server.read_timeout", versize.DefaultReadTimeout)
	viper.SetDefault(
		"discord.webhook_server.read_header_timeout",
		versize.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("discord.webhook_server.write_timeout", versize.DefaultWriteTimeout)
	viper.SetDefault("discord.webhook_server.idle_timeout", versize.DefaultIdleTimeout)
	viper.SetDefault(
		"discord.webhook_server.log_level",
		versize.DefaultDiscordWebhookLogLevel.String(),
	)
	viper.SetDefault(
		"discord.webhook_server.ssl.tls_min_version",
		versize.DefaultDiscordWebhookServerTLSminVersion,
	)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	fatalErr(viper.BindEnv("discord.webhook_server.ssl.cert"))
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.key"))

	// OAuth
	viper.SetDefault("oauth.client_secret", "")
	viper.SetDefault("oauth.redirect_url", "")
	viper.SetDefault("oauth.scopes", versize.DefaultOAuthScopes)
	viper.SetDefault("oauth.auth_url", versize.DefaultOAuthAuthURL)
	viper.SetDefault("oauth.token_url", versize.DefaultOAuthTokenURL)
	viper.SetDefault("oauth.api_base_url", versize.DefaultOAuthAPIBaseURL)

	// Redis token store. Empty address keeps tokens in memory.
	viper.SetDefault("redis.address", "")
	viper.SetDefault("redis.username", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.key_prefix", versize.DefaultRedisKeyPrefix)

	// API config
	viper.SetDefault("api.listen", versize.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.log_level", versize.DefaultAPILogLevel.String())
	viper.SetDefault("api.session_max_age", versize.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", versize.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", versize.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", versize.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", versize.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.tls_min_version", versize.DefaultUITLSMinVersion)

	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", versize.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", versize.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", versize.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", versize.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", versize.DefaultAPICORSAllowCredentials)

	// Explicit names replace the automatic one. The first set variable wins.
	for key, legacy := range legacyEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(replacer.Replace(key))
		fatalErr(viper.BindEnv(append([]string{key, prefixed}, legacy...)...))
	}
	if port := os.Getenv(legacyPortEnv); port != "" && os.Getenv(envPrefix+"_API_LISTEN") == "" {
		viper.Set("api.listen", ":"+port)
	}

	for _, key := range []string{
		"allowed_roles",
		"oauth.scopes",
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, splitList(viper.Get(key)))
	}

	for _, key := range logLevelKeys {
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func envPrefix() string {
	if prefix := os.Getenv(versize.EnvvarSetEnvPrefix); prefix != "" {
		return prefix
	}
	return versize.DefaultEnvPrefix
}

// splitList normalizes a list setting, which may be a slice (defaults,
// config files) or a string separated by commas and/or spaces (env)
func splitList(v any) []string {
	var items []string
	switch value := v.(type) {
	case []string:
		items = value
	case []any:
		for _, item := range value {
			items = append(items, fmt.Sprint(item))
		}
	case string:
		items = strings.FieldsFunc(
			value, func(r rune) bool {
				return r == ',' || r == ' ' || r == '\t' || r == '\n'
			},
		)
	}
	result := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			result = append(result, item)
		}
	}
	return result
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load (defaults to .env)",
	)
}
