package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fiatoracle/internal/asset"
)

type Server struct {
	Port              string `json:"port" yaml:"port"`
	RequestTimeoutSec int    `json:"request_timeout_sec" yaml:"request_timeout_sec"`
}

// Contract is an oracle contract address and its fixed-point precision.
type Contract struct {
	Address  string `json:"address" yaml:"address"`
	Decimals int32  `json:"decimals" yaml:"decimals"`
}

// Network configures one chain. Contracts are keyed by source name:
// CEX_DEX, VENUE_NATIVE or FOREX.
type Network struct {
	Enabled           bool                `json:"enabled" yaml:"enabled"`
	RPCURL            string              `json:"rpc_url" yaml:"rpc_url"`
	NativeAsset       string              `json:"native_asset" yaml:"native_asset"`
	ReportingCurrency string              `json:"reporting_currency" yaml:"reporting_currency"`
	Contracts         map[string]Contract `json:"contracts" yaml:"contracts"`
	// Stablecoins are CODE:ISSUER identities valued at one reporting unit.
	Stablecoins       []string            `json:"stablecoins" yaml:"stablecoins"`
	FiatCurrencies    []string            `json:"fiat_currencies" yaml:"fiat_currencies"`
}

type RateLimit struct {
	Calls     int `json:"calls" yaml:"calls"`
	WindowSec int `json:"window_sec" yaml:"window_sec"`
}

type Cache struct {
	TTLSeconds       int `json:"ttl_sec" yaml:"ttl_sec"`
	FXTTLSeconds     int `json:"fx_ttl_sec" yaml:"fx_ttl_sec"`
	MaxMemoryEntries int `json:"max_memory_entries" yaml:"max_memory_entries"`
	Concurrency      int `json:"concurrency" yaml:"concurrency"`
}

type Storage struct {
	// Driver is bbolt, memory or redis.
	Driver        string `json:"driver" yaml:"driver"`
	Path          string `json:"path" yaml:"path"`
	MaxBytes      int    `json:"max_bytes" yaml:"max_bytes"`
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `json:"redis_password" yaml:"redis_password"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db"`
}

type History struct {
	Endpoint          string   `json:"endpoint" yaml:"endpoint"`
	Pairs             []string `json:"pairs" yaml:"pairs"`
	MinDate           string   `json:"min_date" yaml:"min_date"`
	RefreshHorizonSec int      `json:"refresh_horizon_sec" yaml:"refresh_horizon_sec"`
	RequestsPerMinute int      `json:"requests_per_minute" yaml:"requests_per_minute"`
}

type Oracle struct {
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
	BackoffMS  int `json:"backoff_ms" yaml:"backoff_ms"`
	TimeoutSec int `json:"timeout_sec" yaml:"timeout_sec"`
}

type Metrics struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

type Config struct {
	Server    Server             `json:"server" yaml:"server"`
	Networks  map[string]Network `json:"networks" yaml:"networks"`
	RateLimit RateLimit          `json:"rate_limit" yaml:"rate_limit"`
	Cache     Cache              `json:"cache" yaml:"cache"`
	Storage   Storage            `json:"storage" yaml:"storage"`
	History   History            `json:"history" yaml:"history"`
	Oracle    Oracle             `json:"oracle" yaml:"oracle"`
	Metrics   Metrics            `json:"metrics" yaml:"metrics"`
	LogLevel  string             `json:"log_level" yaml:"log_level"`
}

func Default() Config {
	return Config{
		Server: Server{Port: "8080", RequestTimeoutSec: 30},
		Networks: map[string]Network{
			"mainnet": {
				Enabled:           true,
				NativeAsset:       "XLM",
				ReportingCurrency: "USD",
				Contracts: map[string]Contract{
					"CEX_DEX":      {Decimals: 14},
					"VENUE_NATIVE": {Decimals: 14},
					"FOREX":        {Decimals: 14},
				},
				Stablecoins: []string{"USDC:GA5ZSEJYB37JRC5AVCIA5MOP4RHTM335X2KGX3IHOJAPP5RE34K4KZVN"},
			},
			"testnet": {
				Enabled:           false,
				NativeAsset:       "XLM",
				ReportingCurrency: "USD",
				Contracts: map[string]Contract{
					"CEX_DEX":      {Decimals: 14},
					"VENUE_NATIVE": {Decimals: 14},
					"FOREX":        {Decimals: 14},
				},
				Stablecoins: []string{"USDC:GBBD47IF6LWK7P7MDEVSCWR7DPUWV3NY3DTQEVFL4NAT4AQH3ZLLFLA5"},
			},
		},
		RateLimit: RateLimit{Calls: 10, WindowSec: 1},
		Cache:     Cache{TTLSeconds: 300, FXTTLSeconds: 3600, MaxMemoryEntries: 100, Concurrency: 4},
		Storage:   Storage{Driver: "bbolt", Path: "fiatoracle.db", MaxBytes: 5 << 20},
		History: History{
			Endpoint:          "https://api.kraken.com",
			Pairs:             []string{"XLMUSD", "XXLMZUSD"},
			MinDate:           "2015-01-01",
			RefreshHorizonSec: 6 * 3600,
			RequestsPerMinute: 15,
		},
		Oracle:   Oracle{MaxRetries: 3, BackoffMS: 250, TimeoutSec: 10},
		Metrics:  Metrics{Enabled: true},
		LogLevel: "info",
	}
}

// Load reads config from path as JSON, or YAML when the extension is .yaml
// or .yml. If path is empty, config.json or config.yaml in the working
// directory is used when present. Environment variables override select
// fields.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		for _, candidate := range []string{"config.json", "config.yaml", "config.yml"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := decode(path, b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	fillNetworkDefaults(&cfg)
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decode(path string, b []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(b, cfg)
	default:
		return json.Unmarshal(b, cfg)
	}
}

// fillNetworkDefaults restores the per-network defaults a partial file entry
// replaces wholesale.
func fillNetworkDefaults(cfg *Config) {
	for name, n := range cfg.Networks {
		if n.NativeAsset == "" {
			n.NativeAsset = "XLM"
		}
		if n.ReportingCurrency == "" {
			n.ReportingCurrency = "USD"
		}
		if n.Contracts == nil {
			n.Contracts = map[string]Contract{}
		}
		cfg.Networks[name] = n
	}
}

// Validate rejects settings the services cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.RateLimit.Calls <= 0 || c.RateLimit.WindowSec <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit: calls and window_sec must be positive"))
	}
	switch c.Storage.Driver {
	case "bbolt", "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("storage: unknown driver %q", c.Storage.Driver))
	}
	if c.History.MinDate != "" {
		if _, err := time.Parse(time.DateOnly, c.History.MinDate); err != nil {
			errs = append(errs, fmt.Errorf("history: min_date: %w", err))
		}
	}
	enabled := 0
	for name, n := range c.Networks {
		if !n.Enabled {
			continue
		}
		enabled++
		if n.NativeAsset == "" || n.ReportingCurrency == "" {
			errs = append(errs, fmt.Errorf("networks.%s: native_asset and reporting_currency are required", name))
		}
		for _, sc := range n.Stablecoins {
			a, err := asset.ParseAsset(sc)
			if err != nil {
				errs = append(errs, fmt.Errorf("networks.%s: stablecoins: %w", name, err))
				continue
			}
			if a.IsNative() {
				errs = append(errs, fmt.Errorf("networks.%s: stablecoin %q needs an issuer (CODE:ISSUER)", name, sc))
			}
		}
		for src := range n.Contracts {
			switch src {
			case "CEX_DEX", "VENUE_NATIVE", "FOREX":
			default:
				errs = append(errs, fmt.Errorf("networks.%s: unknown oracle source %q", name, src))
			}
		}
	}
	if enabled == 0 {
		errs = append(errs, fmt.Errorf("networks: none enabled"))
	}
	return errors.Join(errs...)
}

func (c Cache) TTL() time.Duration   { return time.Duration(c.TTLSeconds) * time.Second }
func (c Cache) FXTTL() time.Duration { return time.Duration(c.FXTTLSeconds) * time.Second }

func (r RateLimit) Window() time.Duration { return time.Duration(r.WindowSec) * time.Second }

func (h History) RefreshHorizon() time.Duration {
	return time.Duration(h.RefreshHorizonSec) * time.Second
}

// MinTime returns MinDate as a time, or the zero time when unset.
func (h History) MinTime() time.Time {
	t, err := time.Parse(time.DateOnly, h.MinDate)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (o Oracle) Backoff() time.Duration { return time.Duration(o.BackoffMS) * time.Millisecond }
func (o Oracle) Timeout() time.Duration { return time.Duration(o.TimeoutSec) * time.Second }

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	envInt("REQUEST_TIMEOUT_SEC", 1, &cfg.Server.RequestTimeoutSec)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	for name, n := range cfg.Networks {
		prefix := strings.ToUpper(name) + "_"
		if v := os.Getenv(prefix + "RPC_URL"); v != "" {
			n.RPCURL = v
		}
		envBool(prefix+"ENABLED", &n.Enabled)
		for src, c := range n.Contracts {
			if v := os.Getenv(prefix + src + "_CONTRACT"); v != "" {
				c.Address = v
				n.Contracts[src] = c
			}
		}
		cfg.Networks[name] = n
	}

	envInt("RATE_LIMIT_CALLS", 1, &cfg.RateLimit.Calls)
	envInt("RATE_LIMIT_WINDOW_SEC", 1, &cfg.RateLimit.WindowSec)
	envInt("CACHE_TTL_SEC", 0, &cfg.Cache.TTLSeconds)
	envInt("FX_CACHE_TTL_SEC", 0, &cfg.Cache.FXTTLSeconds)
	envInt("CACHE_MAX_ENTRIES", 1, &cfg.Cache.MaxMemoryEntries)

	if v := os.Getenv("STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	envInt("STORAGE_MAX_BYTES", 0, &cfg.Storage.MaxBytes)
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Storage.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Storage.RedisPassword = v
	}

	if v := os.Getenv("HISTORY_ENDPOINT"); v != "" {
		cfg.History.Endpoint = v
	}
	if v := os.Getenv("HISTORY_PAIRS"); v != "" {
		cfg.History.Pairs = splitCSV(v)
	}
	if v := os.Getenv("HISTORY_MIN_DATE"); v != "" {
		cfg.History.MinDate = v
	}

	envInt("ORACLE_MAX_RETRIES", 0, &cfg.Oracle.MaxRetries)
	envInt("ORACLE_BACKOFF_MS", 1, &cfg.Oracle.BackoffMS)
	envBool("METRICS_ENABLED", &cfg.Metrics.Enabled)
}

func envInt(key string, min int, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var x int
	if _, err := fmt.Sscanf(v, "%d", &x); err == nil && x >= min {
		*dst = x
	}
}

func envBool(key string, dst *bool) {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "y":
		*dst = true
	case "0", "false", "no", "n":
		*dst = false
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
