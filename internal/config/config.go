// Package config loads and validates the TOML configuration file.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath       = "config.toml"
	DefaultHTTPAddr         = ":8080"
	DefaultJWTExpiresIn     = "24h"
	DefaultPGPort           = 5432
	DefaultPGUser           = "postgres"
	DefaultPGDatabase       = "dingstream"
	DefaultPGSSLMode        = "disable"
	DefaultAgentProvider    = "openai"
	DefaultOpenAIModel      = "gpt-4o-mini"
	DefaultHistoryTurns     = 20
	DefaultReconnectMax     = 10
	DefaultReconnectInitMs  = 1000
	DefaultReconnectMaxMs   = 60000
	DefaultReconnectJitter  = 0.3
	DefaultDeliveryMode     = "markdown"
	DefaultAccessMode       = "open"
	DefaultMediaDir         = "data/media"
	DefaultRequestTimeoutMs = 30000
)

type Config struct {
	Log      LogConfig       `toml:"log"`
	Server   ServerConfig    `toml:"server"`
	Auth     AuthConfig      `toml:"auth"`
	Postgres PostgresConfig  `toml:"postgres"`
	Agent    AgentConfig     `toml:"agent"`
	Accounts []AccountConfig `toml:"accounts" validate:"dive"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

// PostgresConfig configures the optional session store backend.
// When Host is empty the in-memory session store is used instead.
type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"ssl_mode"`
}

// DSN renders the pgx connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode)
}

// Enabled reports whether a Postgres session store is configured.
func (p PostgresConfig) Enabled() bool {
	return p.Host != ""
}

type AgentConfig struct {
	Provider  string `toml:"provider" validate:"omitempty,oneof=openai gateway"`
	TimeoutMs int    `toml:"timeout_ms" validate:"omitempty,gt=0"`

	OpenAIAPIKey  string `toml:"openai_api_key"`
	OpenAIBaseURL string `toml:"openai_base_url"`
	OpenAIModel   string `toml:"openai_model"`

	GatewayBaseURL string `toml:"gateway_base_url"`
	GatewayToken   string `toml:"gateway_token"`
}

// AccountConfig is the raw TOML shape of one connected robot account.
// cmd/dingstream maps it onto the connector account snapshot.
type AccountConfig struct {
	ID        string `toml:"id" validate:"required"`
	AppKey    string `toml:"app_key" validate:"required"`
	AppSecret string `toml:"app_secret" validate:"required"`
	RobotCode string `toml:"robot_code"`

	Name         string `toml:"name"`
	Identity     string `toml:"identity"`
	Values       string `toml:"values"`
	Relationship string `toml:"relationship"`
	Guidelines   string `toml:"guidelines"`

	PrivateAccess string   `toml:"private_access" validate:"omitempty,oneof=open allowlist"`
	GroupAccess   string   `toml:"group_access" validate:"omitempty,oneof=open allowlist"`
	Allowlist     []string `toml:"allowlist"`

	MaxConnectionAttempts int      `toml:"max_connection_attempts" validate:"omitempty,gt=0"`
	InitialReconnectDelay int      `toml:"initial_reconnect_delay_ms" validate:"omitempty,gt=0"`
	MaxReconnectDelay     int      `toml:"max_reconnect_delay_ms" validate:"omitempty,gt=0"`
	ReconnectJitter       float64  `toml:"reconnect_jitter" validate:"omitempty,gte=0,lte=1"`
	DeliveryMode          string   `toml:"delivery_mode" validate:"omitempty,oneof=markdown card"`
	CardTemplateID        string   `toml:"card_template_id"`
	OwnerIDs              []string `toml:"owner_ids"`
	Provider              string   `toml:"provider" validate:"omitempty,oneof=openai gateway"`
	HistoryTurns          int      `toml:"history_turns" validate:"omitempty,gt=0"`
	MediaDir              string   `toml:"media_dir"`
}

// Load reads the config file at path (or DefaultConfigPath when empty),
// applies defaults, and validates the result.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultHTTPAddr
	}
	if cfg.Auth.JWTExpiresIn == "" {
		cfg.Auth.JWTExpiresIn = DefaultJWTExpiresIn
	}
	if cfg.Postgres.Enabled() {
		if cfg.Postgres.Port == 0 {
			cfg.Postgres.Port = DefaultPGPort
		}
		if cfg.Postgres.User == "" {
			cfg.Postgres.User = DefaultPGUser
		}
		if cfg.Postgres.Database == "" {
			cfg.Postgres.Database = DefaultPGDatabase
		}
		if cfg.Postgres.SSLMode == "" {
			cfg.Postgres.SSLMode = DefaultPGSSLMode
		}
	}
	if cfg.Agent.Provider == "" {
		cfg.Agent.Provider = DefaultAgentProvider
	}
	if cfg.Agent.TimeoutMs == 0 {
		cfg.Agent.TimeoutMs = DefaultRequestTimeoutMs
	}
	if cfg.Agent.OpenAIModel == "" {
		cfg.Agent.OpenAIModel = DefaultOpenAIModel
	}
	for i := range cfg.Accounts {
		acc := &cfg.Accounts[i]
		if acc.RobotCode == "" {
			acc.RobotCode = acc.AppKey
		}
		if acc.PrivateAccess == "" {
			acc.PrivateAccess = DefaultAccessMode
		}
		if acc.GroupAccess == "" {
			acc.GroupAccess = DefaultAccessMode
		}
		if acc.MaxConnectionAttempts == 0 {
			acc.MaxConnectionAttempts = DefaultReconnectMax
		}
		if acc.InitialReconnectDelay == 0 {
			acc.InitialReconnectDelay = DefaultReconnectInitMs
		}
		if acc.MaxReconnectDelay == 0 {
			acc.MaxReconnectDelay = DefaultReconnectMaxMs
		}
		if acc.ReconnectJitter == 0 {
			acc.ReconnectJitter = DefaultReconnectJitter
		}
		if acc.DeliveryMode == "" {
			acc.DeliveryMode = DefaultDeliveryMode
		}
		if acc.HistoryTurns == 0 {
			acc.HistoryTurns = DefaultHistoryTurns
		}
		if acc.MediaDir == "" {
			acc.MediaDir = DefaultMediaDir
		}
	}
}
