package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Ledger    LedgerConfig
	Payment   PaymentConfig
	Upstream  UpstreamConfig
	RateLimit RateLimitConfig
	Routes    []RouteRule
}

type UpstreamConfig struct {
	URL string `mapstructure:"url"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type LedgerConfig struct {
	RPCURL     string `mapstructure:"rpc_url"`
	ContractID string `mapstructure:"contract_id"`
	Network    string `mapstructure:"network"`
}

type PaymentConfig struct {
	Address    string `mapstructure:"address"`
	SigningKey string `mapstructure:"signing_key"`
	Token      string `mapstructure:"token"`
}

type RateLimitConfig struct {
	WindowSec   int64 `mapstructure:"window_sec"`
	MaxRequests int64 `mapstructure:"max_requests"`
}

// RouteRule declares one protected route in the config file. Parsed into a
// typed policy table at startup; bad rules fail the boot, not the request.
type RouteRule struct {
	Method            string `mapstructure:"method"`
	Path              string `mapstructure:"path"`
	Price             string `mapstructure:"price"`
	Token             string `mapstructure:"token"`
	Network           string `mapstructure:"network"`
	Description       string `mapstructure:"description"`
	MaxTimeoutSeconds int64  `mapstructure:"max_timeout_sec"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8402)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("ledger.network", "stellar-testnet")
	v.SetDefault("payment.token", "native")
	v.SetDefault("ratelimit.window_sec", 60)
	v.SetDefault("ratelimit.max_requests", 120)

	// Config file (optional; routes usually live here)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":            "PORT",
		"redis.addr":             "REDIS_ADDR",
		"redis.password":         "REDIS_PASSWORD",
		"ledger.rpc_url":         "LEDGER_RPC_URL",
		"ledger.contract_id":     "SETTLEMENT_CONTRACT",
		"ledger.network":         "FLASH_NETWORK",
		"payment.address":        "PAYMENT_ADDRESS",
		"payment.signing_key":    "FLASH_SIGNING_KEY",
		"payment.token":          "PAYMENT_TOKEN",
		"upstream.url":           "UPSTREAM_URL",
		"ratelimit.window_sec":   "RATELIMIT_WINDOW_SEC",
		"ratelimit.max_requests": "RATELIMIT_MAX_REQUESTS",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Routes inherit the default token/network when a rule leaves them out.
	for i := range cfg.Routes {
		if cfg.Routes[i].Token == "" {
			cfg.Routes[i].Token = cfg.Payment.Token
		}
		if cfg.Routes[i].Network == "" {
			cfg.Routes[i].Network = cfg.Ledger.Network
		}
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Ledger.RPCURL, "LEDGER_RPC_URL"},
		{c.Ledger.ContractID, "SETTLEMENT_CONTRACT"},
		{c.Payment.Address, "PAYMENT_ADDRESS"},
		{c.Upstream.URL, "UPSTREAM_URL"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	return nil
}
