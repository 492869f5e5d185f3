package config

import (
	"testing"
	"time"
)

func BenchmarkLoadConfig(b *testing.B) {
	configPath := setupTestConfig(b, validConfigYAML)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		cfg, err := LoadConfig(configPath)
		if err != nil {
			b.Fatal(err)
		}
		if cfg == nil {
			b.Fatal("config is nil")
		}
	}
}

func BenchmarkValidateConfig(b *testing.B) {
	cfg := &Config{
		Gateway: GatewayConfig{Host: "gw01.example.net", Port: 4001, ClientID: 1},
		Session: SessionConfig{
			HeartbeatInterval:    5 * time.Second,
			HeartbeatTimeout:     10 * time.Second,
			ReconnectDelay:       2 * time.Second,
			MaxReconnectAttempts: 10,
			ErrorHistorySize:     100,
		},
		MarketData: MarketDataConfig{ResubscribeDelay: 100 * time.Millisecond},
		Metrics:    MetricsConfig{Enabled: true, Addr: ":9102"},
		Symbols: []SymbolConfig{
			{Symbol: "AAPL", SecType: "STK", Exchange: "SMART", Currency: "USD"},
			{Symbol: "ES", SecType: "FUT", Expiry: "202612", Exchange: "CME", Currency: "USD"},
		},
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := validateConfig(cfg); err != nil {
			b.Fatal(err)
		}
	}
}
