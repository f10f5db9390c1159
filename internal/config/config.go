// Package config loads the bridge's TOML configuration file.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath    = "config.toml"
	DefaultHTTPAddr      = ":8080"
	DefaultSQLitePath    = "data/bridge.db"
	DefaultWorkerCount   = 4
	DefaultQueueDepth    = 1024
	DefaultIdleGCSeconds = 300
	DefaultRetryBase     = "250ms"
	DefaultRetryMax      = 2
	DefaultFeishuRegion  = "feishu"
	DefaultPuppetPrefix  = "feishu_"
	DefaultInboundMode   = "webhook"
)

// Config is the top-level, TOML-decoded configuration for the bridge.
type Config struct {
	Log     LogConfig     `toml:"log"`
	Server  ServerConfig  `toml:"server"`
	Admin   AdminConfig   `toml:"admin"`
	Feishu  FeishuConfig  `toml:"feishu"`
	Matrix  MatrixConfig  `toml:"matrix"`
	SQLite  SQLiteConfig  `toml:"sqlite"`
	Queue   QueueConfig   `toml:"queue"`
	Retry   RetryConfig   `toml:"retry"`
	Janitor JanitorConfig `toml:"janitor"`
	Bridge  BridgeConfig  `toml:"bridge"`
}

// BridgeConfig tunes engine-level behavior.
type BridgeConfig struct {
	UserMappingStaleTTLHours int `toml:"user_mapping_stale_ttl_hours"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

// AdminConfig carries the three scoped bearer tokens the admin API
// checks: read, write and delete are independent, non-overlapping
// capabilities. An operator may reuse the same token across scopes, but
// the bridge never infers one scope from another.
type AdminConfig struct {
	ReadToken   string `toml:"read_token"`
	WriteToken  string `toml:"write_token"`
	DeleteToken string `toml:"delete_token"`
	JWTSecret   string `toml:"jwt_secret"`
}

type FeishuConfig struct {
	AppID             string `toml:"app_id"`
	AppSecret         string `toml:"app_secret"`
	ListenSecret      string `toml:"listen_secret"`
	EncryptKey        string `toml:"encrypt_key"`
	VerificationToken string `toml:"verification_token"`
	Region            string `toml:"region"`       // "feishu" or "lark"
	InboundMode       string `toml:"inbound_mode"` // "webhook" (default) or "longconn"
}

type MatrixConfig struct {
	HomeserverURL   string `toml:"homeserver_url"`
	ServerName      string `toml:"server_name"` // domain part of puppet/sender Matrix ids
	AppServiceID    string `toml:"app_service_id"`
	AccessToken     string `toml:"access_token"`
	HSToken         string `toml:"hs_token"` // validates inbound AS transactions
	SenderLocalpart string `toml:"sender_localpart"`
	PuppetPrefix    string `toml:"puppet_prefix"`
}

type SQLiteConfig struct {
	Path string `toml:"path"`
}

type QueueConfig struct {
	Workers       int `toml:"workers"`
	QueueDepth    int `toml:"queue_depth"`
	IdleGCSeconds int `toml:"idle_gc_seconds"`
}

type RetryConfig struct {
	BaseDelay  string `toml:"base_delay"`
	MaxRetries int    `toml:"max_retries"`
}

// JanitorConfig tunes the periodic housekeeping sweeps.
type JanitorConfig struct {
	Schedule                 string `toml:"schedule"`
	ProcessedEventTTLHours   int    `toml:"processed_event_ttl_hours"`
	DeadLetterRetentionHours int    `toml:"dead_letter_retention_hours"`
}

// Load reads and decodes path, falling back to documented defaults for
// any field the file leaves unset. A missing file is not an error; the
// bridge starts with defaults.
func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Feishu: FeishuConfig{
			Region:      DefaultFeishuRegion,
			InboundMode: DefaultInboundMode,
		},
		Matrix: MatrixConfig{
			PuppetPrefix: DefaultPuppetPrefix,
		},
		SQLite: SQLiteConfig{
			Path: DefaultSQLitePath,
		},
		Queue: QueueConfig{
			Workers:       DefaultWorkerCount,
			QueueDepth:    DefaultQueueDepth,
			IdleGCSeconds: DefaultIdleGCSeconds,
		},
		Retry: RetryConfig{
			BaseDelay:  DefaultRetryBase,
			MaxRetries: DefaultRetryMax,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}
