package versize

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
)

var (
	columnRuntimeConfigAdminUsername = "admin_username"
	columnRuntimeConfigAdminPassword = "admin_password"
)

// RuntimeConfig stores settings that can be modified at runtime (through
// the panel or API) and persisted across restarts. Channel and role
// settings override the static Config when non-empty.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// Paused closes application intake. Reviews, audit and blacklist
	// commands keep working.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// Opens a discord gateway websocket connection.
	// If the bot receives interactions via gateway, this is required.
	// If the bot receives interactions via webhook, enabling this allows the
	// bot to appear online and set its status.
	DiscordGatewayEnabled bool `json:"discord_gateway_enabled" gorm:"not null;default:true"`

	// DiscordCustomStatus is the custom status message displayed for the bot on Discord.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string" binding:"max=128"`

	ApplicationsChannelID string `json:"applications_channel_id" gorm:"type:string"`
	AuditChannelID        string `json:"audit_channel_id" gorm:"type:string"`
	LeadersLogChannelID   string `json:"leaders_log_channel_id" gorm:"type:string"`
	BlacklistChannelID    string `json:"blacklist_channel_id" gorm:"type:string"`

	// AllowedRoles may review applications and use the panel
	AllowedRoles RoleList `json:"allowed_roles" gorm:"type:string"`

	// AdminUsername for local (non-Discord) panel login
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the argon2 hash of the local admin password
	AdminPassword string `json:"-" gorm:"type:string" log:"[redacted]"`

	LogLevel               DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel        DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel      DBLogLevel `gorm:"default:WARN;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel       DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	DiscordWebhookLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_webhook_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_webhook_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	APILogLevel            DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func (r RuntimeConfig) LogValue() slog.Value {
	return structToSlogValue(r)
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		DiscordGatewayEnabled:  true,
		DiscordCustomStatus:    DefaultDiscordCustomStatus,
		AllowedRoles:           RoleList{},
		LogLevel:               DBLogLevel(DefaultLogLevel.String()),
		DiscordLogLevel:        DBLogLevel(DefaultDiscordLogLevel.String()),
		DiscordGoLogLevel:      DBLogLevel(DefaultDiscordgoLogLevel.String()),
		DatabaseLogLevel:       DBLogLevel(DefaultDatabaseLogLevel.String()),
		DiscordWebhookLogLevel: DBLogLevel(DefaultDiscordWebhookLogLevel.String()),
		APILogLevel:            DBLogLevel(DefaultAPILogLevel.String()),
	}
}

// seedRuntimeConfig returns the RuntimeConfig created on first start,
// with channels, roles and log levels taken from the static config.
func seedRuntimeConfig(cfg *Config) RuntimeConfig {
	rc := DefaultRuntimeConfig()
	if cfg.Channels != nil {
		rc.ApplicationsChannelID = cfg.Channels.Applications
		rc.AuditChannelID = cfg.Channels.Audit
		rc.LeadersLogChannelID = cfg.Channels.LeadersLog
		rc.BlacklistChannelID = cfg.Channels.Blacklist
	}
	rc.AllowedRoles = append(RoleList{}, cfg.AllowedRoles...)

	if cfg.LogLevel != nil {
		rc.LogLevel = DBLogLevel(cfg.LogLevel.Level().String())
	}
	if cfg.DatabaseLogLevel != nil {
		rc.DatabaseLogLevel = DBLogLevel(cfg.DatabaseLogLevel.Level().String())
	}
	if cfg.API != nil && cfg.API.LogLevel != nil {
		rc.APILogLevel = DBLogLevel(cfg.API.LogLevel.Level().String())
	}
	if d := cfg.Discord; d != nil {
		if d.LogLevel != nil {
			rc.DiscordLogLevel = DBLogLevel(d.LogLevel.Level().String())
		}
		if d.DiscordGoLogLevel != nil {
			rc.DiscordGoLogLevel = DBLogLevel(d.DiscordGoLogLevel.Level().String())
		}
		if d.WebhookServer.LogLevel != nil {
			rc.DiscordWebhookLogLevel = DBLogLevel(d.WebhookServer.LogLevel.Level().String())
		}
	}
	return rc
}

// Channels returns the effective channel IDs, falling back to the
// static config for any channel not set at runtime.
func (r RuntimeConfig) Channels(fallback *ChannelsConfig) ChannelsConfig {
	var c ChannelsConfig
	if fallback != nil {
		c = *fallback
	}
	if r.ApplicationsChannelID != "" {
		c.Applications = r.ApplicationsChannelID
	}
	if r.AuditChannelID != "" {
		c.Audit = r.AuditChannelID
	}
	if r.LeadersLogChannelID != "" {
		c.LeadersLog = r.LeadersLogChannelID
	}
	if r.BlacklistChannelID != "" {
		c.Blacklist = r.BlacklistChannelID
	}
	return c
}

// Roles returns the effective allowed roles
func (r RuntimeConfig) Roles(fallback []string) []string {
	if len(r.AllowedRoles) > 0 {
		return r.AllowedRoles
	}
	return fallback
}

// InitRuntimeConfig returns the persisted RuntimeConfig, seeding it
// from cfg if the table is empty
func InitRuntimeConfig(ctx context.Context, db *gorm.DB, cfg *Config) (RuntimeConfig, error) {
	return loadRuntimeConfig(ctx, db, NewDatabase(db, nil, false), cfg)
}

// SetAdminCredentials sets the local panel login. The password is
// stored as an argon2 hash.
func SetAdminCredentials(ctx context.Context, db *gorm.DB, state *RuntimeConfig, username, password string) error {
	if username == "" || password == "" {
		return errors.New("username and password are required")
	}
	hashed, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("error hashing password: %w", err)
	}
	_, err = NewDatabase(db, nil, false).Updates(
		ctx, state, map[string]any{
			columnRuntimeConfigAdminUsername: username,
			columnRuntimeConfigAdminPassword: hashed,
		},
	)
	return err
}

// RuntimeConfigUpdate accepts a payload to update specific fields of
// RuntimeConfig. Any non-nil value will be updated.
//
//nolint:lll // struct tags can't be split
type RuntimeConfigUpdate struct {
	Paused                *bool   `json:"paused,omitempty"`
	DiscordGatewayEnabled *bool   `json:"discord_gateway_enabled,omitempty"`
	DiscordCustomStatus   *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`

	ApplicationsChannelID *string   `json:"applications_channel_id,omitempty" binding:"omitnil,omitempty,numeric"`
	AuditChannelID        *string   `json:"audit_channel_id,omitempty" binding:"omitnil,omitempty,numeric"`
	LeadersLogChannelID   *string   `json:"leaders_log_channel_id,omitempty" binding:"omitnil,omitempty,numeric"`
	BlacklistChannelID    *string   `json:"blacklist_channel_id,omitempty" binding:"omitnil,omitempty,numeric"`
	AllowedRoles          *RoleList `json:"allowed_roles,omitempty" binding:"omitnil,dive,numeric"`

	LogLevel               *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel        *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel      *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel       *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordWebhookLogLevel *DBLogLevel `json:"discord_webhook_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel            *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

// columns returns the column/value pairs to update
func (u RuntimeConfigUpdate) columns() map[string]any {
	updates := map[string]any{}
	set := func(column string, ok bool, value any) {
		if ok {
			updates[column] = value
		}
	}
	set("paused", u.Paused != nil, deref(u.Paused))
	set("discord_gateway_enabled", u.DiscordGatewayEnabled != nil, deref(u.DiscordGatewayEnabled))
	set("discord_custom_status", u.DiscordCustomStatus != nil, deref(u.DiscordCustomStatus))
	set("applications_channel_id", u.ApplicationsChannelID != nil, deref(u.ApplicationsChannelID))
	set("audit_channel_id", u.AuditChannelID != nil, deref(u.AuditChannelID))
	set("leaders_log_channel_id", u.LeadersLogChannelID != nil, deref(u.LeadersLogChannelID))
	set("blacklist_channel_id", u.BlacklistChannelID != nil, deref(u.BlacklistChannelID))
	set("allowed_roles", u.AllowedRoles != nil, deref(u.AllowedRoles))
	set("log_level", u.LogLevel != nil, deref(u.LogLevel))
	set("discord_log_level", u.DiscordLogLevel != nil, deref(u.DiscordLogLevel))
	set("discordgo_log_level", u.DiscordGoLogLevel != nil, deref(u.DiscordGoLogLevel))
	set("database_log_level", u.DatabaseLogLevel != nil, deref(u.DatabaseLogLevel))
	set("discord_webhook_log_level", u.DiscordWebhookLogLevel != nil, deref(u.DiscordWebhookLogLevel))
	set("api_log_level", u.APILogLevel != nil, deref(u.APILogLevel))
	return updates
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// RoleList is a list of Discord role IDs, stored as a comma-separated string
type RoleList []string

func (r *RoleList) Scan(value any) error {
	var s string
	switch v := value.(type) {
	case nil:
		*r = RoleList{}
		return nil
	case []byte:
		s = string(v)
	case string:
		s = v
	default:
		return errors.New("invalid type for RoleList")
	}
	*r = parseRoleList(s)
	return nil
}

func (r RoleList) Value() (driver.Value, error) {
	return strings.Join(r, ","), nil
}

func (RoleList) GormDataType() string {
	return "string"
}

// UnmarshalJSON accepts either a JSON array or a comma-separated string
func (r *RoleList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*r = parseRoleList(strings.Join(list, ","))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*r = parseRoleList(s)
	return nil
}

func (r RoleList) Contains(roleID string) bool {
	for _, id := range r {
		if id == roleID {
			return true
		}
	}
	return false
}

func parseRoleList(s string) RoleList {
	roles := RoleList{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			roles = append(roles, part)
		}
	}
	return roles
}

func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.UpdateStatusData {
	if config.Paused {
		return discordgo.UpdateStatusData{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	return discordgo.UpdateStatusData{
		Status: string(discordgo.StatusOnline),
		Activities: []*discordgo.Activity{
			{
				Name:  "Custom Status",
				Type:  discordgo.ActivityTypeCustom,
				State: config.DiscordCustomStatus,
			},
		},
	}
}
