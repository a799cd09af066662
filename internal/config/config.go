package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "TANDEM"

	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "tandem.db"
	defaultLogLevel     = "info"
	defaultTokenIssuer  = "tandem-auth"
	defaultAudience     = "tandem-api"

	defaultAgentDatabasePath = "tandem-agent.db"
	defaultPushInterval      = 15 * time.Second
	defaultSyncInterval      = 30 * time.Second
)

// ServerConfig captures runtime configuration for the API server.
type ServerConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string
	TokenIssuer   string
	TokenAudience string
}

// AgentConfig captures runtime configuration for the replica agent.
type AgentConfig struct {
	ServerBaseURL string
	AccessToken   string
	DatabasePath  string
	LogLevel      string
	UserID        string
	WorkspaceID   string
	PushInterval  time.Duration
	SyncInterval  time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)

	configViper.SetDefault("agent.database.path", defaultAgentDatabasePath)
	configViper.SetDefault("agent.push_interval", defaultPushInterval)
	configViper.SetDefault("agent.sync_interval", defaultSyncInterval)
}

// LoadServer parses server configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenIssuer:   configViper.GetString("auth.issuer"),
		TokenAudience: configViper.GetString("auth.audience"),
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// LoadAgent parses replica agent configuration from viper.
func LoadAgent(configViper *viper.Viper) (AgentConfig, error) {
	cfg := AgentConfig{
		ServerBaseURL: configViper.GetString("agent.server.base_url"),
		AccessToken:   configViper.GetString("agent.access_token"),
		DatabasePath:  configViper.GetString("agent.database.path"),
		LogLevel:      configViper.GetString("log.level"),
		UserID:        configViper.GetString("agent.user_id"),
		WorkspaceID:   configViper.GetString("agent.workspace_id"),
		PushInterval:  configViper.GetDuration("agent.push_interval"),
		SyncInterval:  configViper.GetDuration("agent.sync_interval"),
	}

	if err := cfg.validate(); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}

func (c AgentConfig) validate() error {
	if strings.TrimSpace(c.ServerBaseURL) == "" {
		return fmt.Errorf("agent.server.base_url is required")
	}
	if strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("agent.user_id is required")
	}
	if strings.TrimSpace(c.WorkspaceID) == "" {
		return fmt.Errorf("agent.workspace_id is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("agent.database.path is required")
	}
	return nil
}
