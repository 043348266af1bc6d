package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		DryRun: true,
		Exchange: ExchangeConfig{
			BaseURL:       "https://api.example.com",
			SubmitTimeout: 10 * time.Second,
		},
		Pipeline: PipelineConfig{MinPrice: 1, MaxPrice: 99},
		Runtime:  RuntimeConfig{MaxActiveStrategies: 10, SignalExpiry: time.Minute},
		PnL:      PnLConfig{MaxDailyLoss: 500, MaxDrawdownPct: 0.2},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing base_url", func(c *Config) { c.Exchange.BaseURL = "" }},
		{"live without api key", func(c *Config) { c.DryRun = false }},
		{"inverted price bounds", func(c *Config) { c.Pipeline.MinPrice = 80; c.Pipeline.MaxPrice = 20 }},
		{"price above 100", func(c *Config) { c.Pipeline.MaxPrice = 120 }},
		{"zero strategy capacity", func(c *Config) { c.Runtime.MaxActiveStrategies = 0 }},
		{"zero signal expiry", func(c *Config) { c.Runtime.SignalExpiry = 0 }},
		{"drawdown pct above 1", func(c *Config) { c.PnL.MaxDrawdownPct = 1.5 }},
		{"unknown cap type", func(c *Config) {
			c.Position.Caps = []CapConfig{{Type: "RELATIVE", HardLimit: 10}}
		}},
		{"cap without hard limit", func(c *Config) {
			c.Position.Caps = []CapConfig{{Type: "ABSOLUTE"}}
		}},
		{"bad risk tier", func(c *Config) {
			c.Position.Markets = []MarketConfig{{Ticker: "M", RiskTier: 4}}
		}},
		{"strategy without type", func(c *Config) {
			c.Strategies = []StrategyConfig{{Enabled: true}}
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestCents(t *testing.T) {
	t.Parallel()
	tests := []struct {
		dollars float64
		want    int64
	}{
		{0, 0},
		{1, 100},
		{0.55, 55},
		{500, 50000},
		{0.554, 55}, // rounds, does not truncate
		{0.556, 56},
	}
	for _, tt := range tests {
		if got := Cents(tt.dollars); got != tt.want {
			t.Errorf("Cents(%v) = %d, want %d", tt.dollars, got, tt.want)
		}
	}
}
