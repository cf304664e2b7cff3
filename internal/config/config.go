package config

import "time"

// Config holds gateway configuration values.
type Config struct {
	// ListenAddr is the TCP address the downstream line protocol listens on.
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	// MetricsAddr serves Prometheus metrics over HTTP; empty disables it.
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	// LobbyAddr is the address of the upstream lobby server session.
	LobbyAddr string `mapstructure:"lobby_addr" yaml:"lobby_addr"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`

	// DatabasePath locates the SQLite file holding channel spam settings
	// and the moderation audit trail.
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`

	// ReadTimeout bounds the wait for the next line from a downstream client.
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`

	// RemoteTokens is the allow-list of IDENTIFY tokens accepted from
	// downstream applications.
	RemoteTokens []string `mapstructure:"remote_tokens" yaml:"remote_tokens"`

	// AllowedQueryCommands lists the upstream commands QUERYSERVER may forward.
	AllowedQueryCommands []string `mapstructure:"allowed_query_commands" yaml:"allowed_query_commands"`

	// ConnectRate and ConnectBurst throttle new downstream connections per
	// source address.
	ConnectRate  float64 `mapstructure:"connect_rate" yaml:"connect_rate"`
	ConnectBurst int     `mapstructure:"connect_burst" yaml:"connect_burst"`

	// DefaultSpamSettings is the settings string applied to channels without
	// explicit configuration. Empty means the built-in defaults.
	DefaultSpamSettings string `mapstructure:"default_spam_settings" yaml:"default_spam_settings"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		ListenAddr:   ":8201",
		MetricsAddr:  "",
		LobbyAddr:    "localhost:8200",
		LogLevel:     "info",
		LogFormat:    "console",
		DatabasePath: "gateway.db",
		ReadTimeout:  30 * time.Second,
		RemoteTokens: nil,
		AllowedQueryCommands: []string{
			"GETLOBBYVERSION",
			"GETREGISTRATIONDATE",
			"GETINGAMETIME",
			"GETLASTLOGINTIME",
			"GETLASTIP",
			"GETUSERID",
			"FINDIP",
			"GETUSERINFO",
			"GETCHANNELTOPIC",
			"RETRIEVELATESTBANLIST",
		},
		ConnectRate:  5,
		ConnectBurst: 10,
	}
}
