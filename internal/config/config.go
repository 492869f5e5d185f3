// =================================
// File: internal/config/config.go
// =================================
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full daemon configuration, loaded from a YAML file with
// GATELINK_* environment overrides for the gateway endpoint.
type Config struct {
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Session    SessionConfig    `mapstructure:"session"`
	MarketData MarketDataConfig `mapstructure:"market_data"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Symbols    []SymbolConfig   `mapstructure:"symbols"`
}

// GatewayConfig identifies the gateway socket endpoint and the client slot
// this process occupies on it.
type GatewayConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	ClientID int    `mapstructure:"client_id"`
}

// SessionConfig tunes connection supervision.
type SessionConfig struct {
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout     time.Duration `mapstructure:"heartbeat_timeout"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ErrorHistorySize     int           `mapstructure:"error_history_size"`
}

// MarketDataConfig tunes the subscription layer.
type MarketDataConfig struct {
	ResubscribeDelay time.Duration `mapstructure:"resubscribe_delay"`
}

// LogConfig controls file logging and rotation.
type LogConfig struct {
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	MaxBackups  int    `mapstructure:"max_backups"`
	Compress    bool   `mapstructure:"compress"`
	Development bool   `mapstructure:"development"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// SymbolConfig describes one instrument to subscribe on startup.
type SymbolConfig struct {
	Symbol   string  `mapstructure:"symbol"`
	SecType  string  `mapstructure:"sec_type"`
	Expiry   string  `mapstructure:"expiry"`
	Strike   float64 `mapstructure:"strike"`
	Right    string  `mapstructure:"right"`
	Exchange string  `mapstructure:"exchange"`
	Currency string  `mapstructure:"currency"`
	TickList string  `mapstructure:"tick_list"`
	Snapshot bool    `mapstructure:"snapshot"`
}

const (
	DefaultPort                 = 4001
	DefaultClientID             = 1
	DefaultHeartbeatInterval    = 5 * time.Second
	DefaultHeartbeatTimeout     = 10 * time.Second
	DefaultReconnectDelay       = 2 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultErrorHistorySize     = 100
	DefaultResubscribeDelay     = 100 * time.Millisecond
	DefaultLogMaxSizeMB         = 50
	DefaultLogMaxAgeDays        = 14
	DefaultLogMaxBackups        = 5
	DefaultMetricsAddr          = ":9102"
)

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	defaults := map[string]interface{}{
		"gateway.port":                   DefaultPort,
		"gateway.client_id":              DefaultClientID,
		"session.heartbeat_interval":     DefaultHeartbeatInterval,
		"session.heartbeat_timeout":      DefaultHeartbeatTimeout,
		"session.reconnect_delay":        DefaultReconnectDelay,
		"session.max_reconnect_attempts": DefaultMaxReconnectAttempts,
		"session.error_history_size":     DefaultErrorHistorySize,
		"market_data.resubscribe_delay":  DefaultResubscribeDelay,
		"log.max_size_mb":                DefaultLogMaxSizeMB,
		"log.max_age_days":               DefaultLogMaxAgeDays,
		"log.max_backups":                DefaultLogMaxBackups,
		"log.compress":                   true,
		"metrics.enabled":                true,
		"metrics.addr":                   DefaultMetricsAddr,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := loadEnvironmentVariables(v, &cfg); err != nil {
		return nil, err
	}

	applySymbolDefaults(&cfg)

	return &cfg, validateConfig(&cfg)
}

// applySymbolDefaults fills the routing fields subscriptions need when a
// symbol entry names only the ticker.
func applySymbolDefaults(cfg *Config) {
	for i := range cfg.Symbols {
		s := &cfg.Symbols[i]
		if s.SecType == "" {
			s.SecType = "STK"
		}
		if s.Exchange == "" {
			s.Exchange = "SMART"
		}
		if s.Currency == "" {
			s.Currency = "USD"
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Gateway.Host == "" {
		return errors.New("missing gateway host in configuration")
	}
	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		return errors.New("invalid gateway port")
	}
	if cfg.Gateway.ClientID < 0 {
		return errors.New("invalid gateway client_id")
	}
	if err := validateSessionParams(&cfg.Session); err != nil {
		return err
	}
	if cfg.MarketData.ResubscribeDelay < 0 {
		return errors.New("invalid market_data resubscribe_delay")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return errors.New("missing metrics listen address")
	}
	return validateSymbols(cfg.Symbols)
}

func validateSessionParams(s *SessionConfig) error {
	if s.HeartbeatInterval <= 0 {
		return errors.New("invalid session heartbeat_interval")
	}
	if s.HeartbeatTimeout <= 0 {
		return errors.New("invalid session heartbeat_timeout")
	}
	if s.ReconnectDelay <= 0 {
		return errors.New("invalid session reconnect_delay")
	}
	if s.MaxReconnectAttempts < 0 {
		return errors.New("invalid session max_reconnect_attempts")
	}
	if s.ErrorHistorySize < 0 {
		return errors.New("invalid session error_history_size")
	}
	return nil
}

func validateSymbols(symbols []SymbolConfig) error {
	for _, s := range symbols {
		if s.Symbol == "" {
			return errors.New("symbol entry missing symbol")
		}
		if s.SecType == "OPT" && (s.Expiry == "" || s.Right == "") {
			return errors.New("option symbol entry missing expiry or right")
		}
	}
	return nil
}

func loadEnvironmentVariables(v *viper.Viper, cfg *Config) error {
	v.AutomaticEnv()
	v.SetEnvPrefix("GATELINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if envHost := v.GetString("GATEWAY_HOST"); envHost != "" {
		cfg.Gateway.Host = envHost
	}
	if envPort := v.GetInt("GATEWAY_PORT"); envPort != 0 {
		cfg.Gateway.Port = envPort
	}
	if v.IsSet("GATEWAY_CLIENT_ID") {
		if envID := v.GetInt("GATEWAY_CLIENT_ID"); envID > 0 {
			cfg.Gateway.ClientID = envID
		}
	}
	return nil
}
