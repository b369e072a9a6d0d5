package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "DOORSYNC"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseEngine    = "sqlite"
	defaultDatabasePath      = "doorsync.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultBatchSize         = 100
	defaultRetryBackoff      = 2 * time.Second
	defaultMaxBackoff        = 30 * time.Second
	defaultPollInterval      = 50 * time.Millisecond
	defaultCaptureMode       = "hooks"
	defaultTokenTTLMinutes   = 15
	engineSQLite             = "sqlite"
	enginePostgres           = "postgres"
	captureModeHooks         = "hooks"
	captureModeInvalidation  = "invalidation"
	defaultAllowRegistration = true
	defaultTransport         = "sse"
	defaultHeartbeat         = 25 * time.Second
	defaultRemoteSQLConns    = 16
)

// AppConfig captures runtime configuration for a replicating node.
type AppConfig struct {
	HTTPAddress       string
	NodeID            int64
	NodeAuthSecret    string
	DatabaseEngine    string
	DatabasePath      string
	DatabaseDSN       string
	LogLevel          string
	LogFormat         string
	BatchSize         int
	RemoteURL         string
	RetryBackoff      time.Duration
	MaxBackoff        time.Duration
	PollInterval      time.Duration
	CaptureMode       string
	AllowRegistration bool
	SigningSecret     string
	TokenTTL          time.Duration
	Transport         string
	HeartbeatInterval time.Duration
	SchemaFile        string
	RemoteSQLEnabled  bool
	RemoteSQLConns    int
	Tables            []TableConfig
	Peers             []PeerConfig
}

// TableConfig declares one replicated entity table.
type TableConfig struct {
	Name          string   `mapstructure:"name"`
	ID            int32    `mapstructure:"id"`
	PKColumns     []string `mapstructure:"pk_columns"`
	Columns       []string `mapstructure:"columns"`
	VersionColumn string   `mapstructure:"version_column"`
	LogChanges    bool     `mapstructure:"log_changes"`
	LocalOnly     bool     `mapstructure:"local_only"`
}

// PeerConfig pre-provisions a remote node.
type PeerConfig struct {
	NodeID     int64  `mapstructure:"id"`
	AuthSecret string `mapstructure:"auth_secret"`
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
	configViper.SetDefault("database.engine", defaultDatabaseEngine)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("replication.batch_size", defaultBatchSize)
	configViper.SetDefault("replication.retry_backoff", defaultRetryBackoff)
	configViper.SetDefault("replication.max_backoff", defaultMaxBackoff)
	configViper.SetDefault("replication.poll_interval", defaultPollInterval)
	configViper.SetDefault("replication.capture_mode", defaultCaptureMode)
	configViper.SetDefault("replication.allow_registration", defaultAllowRegistration)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("replication.transport", defaultTransport)
	configViper.SetDefault("http.heartbeat_interval", defaultHeartbeat)
	configViper.SetDefault("remotesql.enabled", false)
	configViper.SetDefault("remotesql.max_connections", defaultRemoteSQLConns)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		NodeID:            configViper.GetInt64("node.id"),
		NodeAuthSecret:    configViper.GetString("node.auth_secret"),
		DatabaseEngine:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.engine"))),
		DatabasePath:      configViper.GetString("database.path"),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		BatchSize:         configViper.GetInt("replication.batch_size"),
		RemoteURL:         strings.TrimRight(strings.TrimSpace(configViper.GetString("replication.remote_url")), "/"),
		RetryBackoff:      configViper.GetDuration("replication.retry_backoff"),
		MaxBackoff:        configViper.GetDuration("replication.max_backoff"),
		PollInterval:      configViper.GetDuration("replication.poll_interval"),
		CaptureMode:       strings.ToLower(strings.TrimSpace(configViper.GetString("replication.capture_mode"))),
		AllowRegistration: configViper.GetBool("replication.allow_registration"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		TokenTTL:          time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		Transport:         strings.ToLower(strings.TrimSpace(configViper.GetString("replication.transport"))),
		HeartbeatInterval: configViper.GetDuration("http.heartbeat_interval"),
		SchemaFile:        strings.TrimSpace(configViper.GetString("database.schema_file")),
		RemoteSQLEnabled:  configViper.GetBool("remotesql.enabled"),
		RemoteSQLConns:    configViper.GetInt("remotesql.max_connections"),
	}
	if err := configViper.UnmarshalKey("replication.tables", &cfg.Tables); err != nil {
		return AppConfig{}, fmt.Errorf("replication.tables: %w", err)
	}
	if err := configViper.UnmarshalKey("replication.peers", &cfg.Peers); err != nil {
		return AppConfig{}, fmt.Errorf("replication.peers: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// UsesPostgres reports whether the networked multi-writer engine is configured.
func (c AppConfig) UsesPostgres() bool {
	return c.DatabaseEngine == enginePostgres
}

// UsesInvalidationCapture reports whether outgoing events are derived from table invalidations
// rather than from transaction hooks.
func (c AppConfig) UsesInvalidationCapture() bool {
	return c.CaptureMode == captureModeInvalidation
}

func (c AppConfig) validate() error {
	if c.NodeID <= 0 {
		return fmt.Errorf("node.id must be a positive integer")
	}
	if strings.TrimSpace(c.NodeAuthSecret) == "" {
		return fmt.Errorf("node.auth_secret is required")
	}
	switch c.DatabaseEngine {
	case engineSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case enginePostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres engine")
		}
	default:
		return fmt.Errorf("database.engine %q is not supported", c.DatabaseEngine)
	}
	switch c.CaptureMode {
	case captureModeHooks, captureModeInvalidation:
	default:
		return fmt.Errorf("replication.capture_mode %q is not supported", c.CaptureMode)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("replication.batch_size must be positive")
	}
	if c.RetryBackoff <= 0 || c.MaxBackoff < c.RetryBackoff {
		return fmt.Errorf("replication.retry_backoff must be positive and not exceed replication.max_backoff")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("replication.poll_interval must be positive")
	}
	switch c.Transport {
	case "sse", "ws":
	default:
		return fmt.Errorf("replication.transport %q is not supported", c.Transport)
	}
	if c.RemoteSQLEnabled && c.DatabaseEngine != enginePostgres {
		return fmt.Errorf("remotesql.enabled requires the postgres engine")
	}
	for _, peer := range c.Peers {
		if peer.NodeID <= 0 || strings.TrimSpace(peer.AuthSecret) == "" {
			return fmt.Errorf("replication.peers entries need a positive id and an auth_secret")
		}
	}
	return nil
}
