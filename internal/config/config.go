package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type GlobalFlags struct {
	ConfigPath     string
	JSON           bool
	Plain          bool
	Select         string
	ResultsOnly    bool
	EnableCommands string
	ReadOnly       bool
	LogLevel       string
	Timeout        string
	Retries        int
	NoCache        bool
	RegistryPath   string
	RPCURL         string
	ReceiptTimeout string
	DefaultDEX     string
}

type Settings struct {
	OutputMode   string
	SelectFields []string
	ResultsOnly  bool
	LogLevel     string

	// Command policy.
	EnableCommands []string
	ReadOnly       bool

	// Liquidity sources.
	Timeout         time.Duration
	Retries         int
	RateLimit       float64
	PriceAPIURL     string
	OracleMaxAge    time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
	CacheEnabled    bool
	CachePath       string
	CacheLockPath   string
	CacheTTL        time.Duration
	RegistryPath    string
	DefaultDEX      string

	// Recommender.
	RecommenderEndpoint string
	RecommenderModel    string
	RecommenderAPIKey   string
	RecommenderTimeout  time.Duration
	MaxTokens           int
	Temperature         float64

	// Chain.
	RPCURL             string
	RPCTimeout         time.Duration
	ReceiptTimeout     time.Duration
	PollInterval       time.Duration
	GasMultiplier      float64
	MaxFeeGwei         string
	MaxPriorityFeeGwei string
	Simulate           bool
}

type fileConfig struct {
	Output         string   `yaml:"output"`
	LogLevel       string   `yaml:"log_level"`
	Registry       string   `yaml:"registry"`
	EnableCommands []string `yaml:"enable_commands"`
	ReadOnly       *bool    `yaml:"read_only"`
	Sources        struct {
		Timeout      string   `yaml:"timeout"`
		Retries      *int     `yaml:"retries"`
		RateLimit    *float64 `yaml:"rate_limit"`
		PriceAPIURL  string   `yaml:"price_api_url"`
		OracleMaxAge string   `yaml:"oracle_max_age"`
		Breaker      struct {
			Failures *uint32 `yaml:"failures"`
			Cooldown string  `yaml:"cooldown"`
		} `yaml:"breaker"`
	} `yaml:"sources"`
	Cache struct {
		Enabled  *bool  `yaml:"enabled"`
		TTL      string `yaml:"ttl"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"cache"`
	Recommender struct {
		Endpoint    string   `yaml:"endpoint"`
		Model       string   `yaml:"model"`
		APIKey      string   `yaml:"api_key"`
		APIKeyEnv   string   `yaml:"api_key_env"`
		Timeout     string   `yaml:"timeout"`
		MaxTokens   *int     `yaml:"max_tokens"`
		Temperature *float64 `yaml:"temperature"`
		DefaultDEX  string   `yaml:"default_dex"`
	} `yaml:"recommender"`
	Chain struct {
		RPCURL             string   `yaml:"rpc_url"`
		RPCTimeout         string   `yaml:"rpc_timeout"`
		ReceiptTimeout     string   `yaml:"receipt_timeout"`
		PollInterval       string   `yaml:"poll_interval"`
		GasMultiplier      *float64 `yaml:"gas_multiplier"`
		MaxFeeGwei         string   `yaml:"max_fee_gwei"`
		MaxPriorityFeeGwei string   `yaml:"max_priority_fee_gwei"`
		Simulate           *bool    `yaml:"simulate"`
	} `yaml:"chain"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 5 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.ReceiptTimeout <= 0 {
		settings.ReceiptTimeout = 3 * time.Minute
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = 2 * time.Second
	}
	if settings.Temperature < 0 || settings.Temperature > 2 {
		return Settings{}, fmt.Errorf("recommender temperature must be between 0 and 2")
	}

	return settings, nil
}

func defaultSettings() (Settings, error) {
	cachePath, lockPath, err := defaultCachePaths()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:          "json",
		LogLevel:            "warn",
		Timeout:             5 * time.Second,
		Retries:             1,
		RateLimit:           5,
		OracleMaxAge:        time.Hour,
		BreakerFailures:     3,
		BreakerCooldown:     30 * time.Second,
		CacheEnabled:        true,
		CachePath:           cachePath,
		CacheLockPath:       lockPath,
		CacheTTL:            15 * time.Second,
		RecommenderEndpoint: "https://api.openai.com/v1/chat/completions",
		RecommenderModel:    "gpt-4o-mini",
		RecommenderTimeout:  20 * time.Second,
		MaxTokens:           800,
		Temperature:         0.1,
		RPCTimeout:          10 * time.Second,
		ReceiptTimeout:      3 * time.Minute,
		PollInterval:        2 * time.Second,
		GasMultiplier:       1.2,
		Simulate:            true,
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "dexroute", "config.yaml"), nil
}

func defaultCachePaths() (string, string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(base, "dexroute")
	return filepath.Join(dir, "sources.db"), filepath.Join(dir, "sources.lock"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if cfg.LogLevel != "" {
		settings.LogLevel = strings.ToLower(cfg.LogLevel)
	}
	if cfg.Registry != "" {
		settings.RegistryPath = cfg.Registry
	}
	if len(cfg.EnableCommands) > 0 {
		settings.EnableCommands = cfg.EnableCommands
	}
	if cfg.ReadOnly != nil {
		settings.ReadOnly = *cfg.ReadOnly
	}

	durations := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Sources.Timeout, "sources.timeout", &settings.Timeout},
		{cfg.Sources.OracleMaxAge, "sources.oracle_max_age", &settings.OracleMaxAge},
		{cfg.Sources.Breaker.Cooldown, "sources.breaker.cooldown", &settings.BreakerCooldown},
		{cfg.Cache.TTL, "cache.ttl", &settings.CacheTTL},
		{cfg.Recommender.Timeout, "recommender.timeout", &settings.RecommenderTimeout},
		{cfg.Chain.RPCTimeout, "chain.rpc_timeout", &settings.RPCTimeout},
		{cfg.Chain.ReceiptTimeout, "chain.receipt_timeout", &settings.ReceiptTimeout},
		{cfg.Chain.PollInterval, "chain.poll_interval", &settings.PollInterval},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	if cfg.Sources.Retries != nil {
		settings.Retries = *cfg.Sources.Retries
	}
	if cfg.Sources.RateLimit != nil {
		settings.RateLimit = *cfg.Sources.RateLimit
	}
	if cfg.Sources.PriceAPIURL != "" {
		settings.PriceAPIURL = cfg.Sources.PriceAPIURL
	}
	if cfg.Sources.Breaker.Failures != nil {
		settings.BreakerFailures = *cfg.Sources.Breaker.Failures
	}
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if cfg.Cache.Path != "" {
		settings.CachePath = cfg.Cache.Path
	}
	if cfg.Cache.LockPath != "" {
		settings.CacheLockPath = cfg.Cache.LockPath
	}
	if cfg.Recommender.Endpoint != "" {
		settings.RecommenderEndpoint = cfg.Recommender.Endpoint
	}
	if cfg.Recommender.Model != "" {
		settings.RecommenderModel = cfg.Recommender.Model
	}
	if cfg.Recommender.APIKey != "" {
		settings.RecommenderAPIKey = cfg.Recommender.APIKey
	}
	if cfg.Recommender.APIKeyEnv != "" {
		settings.RecommenderAPIKey = os.Getenv(cfg.Recommender.APIKeyEnv)
	}
	if cfg.Recommender.MaxTokens != nil {
		settings.MaxTokens = *cfg.Recommender.MaxTokens
	}
	if cfg.Recommender.Temperature != nil {
		settings.Temperature = *cfg.Recommender.Temperature
	}
	if cfg.Recommender.DefaultDEX != "" {
		settings.DefaultDEX = strings.ToLower(cfg.Recommender.DefaultDEX)
	}
	if cfg.Chain.RPCURL != "" {
		settings.RPCURL = cfg.Chain.RPCURL
	}
	if cfg.Chain.GasMultiplier != nil {
		settings.GasMultiplier = *cfg.Chain.GasMultiplier
	}
	if cfg.Chain.MaxFeeGwei != "" {
		settings.MaxFeeGwei = cfg.Chain.MaxFeeGwei
	}
	if cfg.Chain.MaxPriorityFeeGwei != "" {
		settings.MaxPriorityFeeGwei = cfg.Chain.MaxPriorityFeeGwei
	}
	if cfg.Chain.Simulate != nil {
		settings.Simulate = *cfg.Chain.Simulate
	}

	return nil
}

func applyEnv(settings *Settings) {
	if v := os.Getenv("DEXROUTE_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("DEXROUTE_LOG_LEVEL"); v != "" {
		settings.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("DEXROUTE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("DEXROUTE_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("DEXROUTE_NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	if v := os.Getenv("DEXROUTE_CACHE_PATH"); v != "" {
		settings.CachePath = v
	}
	if v := os.Getenv("DEXROUTE_CACHE_LOCK_PATH"); v != "" {
		settings.CacheLockPath = v
	}
	if v := os.Getenv("DEXROUTE_REGISTRY"); v != "" {
		settings.RegistryPath = v
	}
	if v := os.Getenv("DEXROUTE_PRICE_API_URL"); v != "" {
		settings.PriceAPIURL = v
	}
	if v := os.Getenv("DEXROUTE_RECOMMENDER_ENDPOINT"); v != "" {
		settings.RecommenderEndpoint = v
	}
	if v := os.Getenv("DEXROUTE_RECOMMENDER_MODEL"); v != "" {
		settings.RecommenderModel = v
	}
	if v := os.Getenv("DEXROUTE_RECOMMENDER_API_KEY"); v != "" {
		settings.RecommenderAPIKey = v
	}
	if v := os.Getenv("DEXROUTE_RECOMMENDER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.RecommenderTimeout = d
		}
	}
	if v := os.Getenv("DEXROUTE_DEFAULT_DEX"); v != "" {
		settings.DefaultDEX = strings.ToLower(v)
	}
	if v := os.Getenv("DEXROUTE_RPC_URL"); v != "" {
		settings.RPCURL = v
	}
	if v := os.Getenv("DEXROUTE_RECEIPT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.ReceiptTimeout = d
		}
	}
	if v := os.Getenv("DEXROUTE_ENABLE_COMMANDS"); v != "" {
		settings.EnableCommands = splitList(v)
	}
	if v := os.Getenv("DEXROUTE_READ_ONLY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.ReadOnly = b
		}
	}
	if v := os.Getenv("DEXROUTE_SIMULATE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.Simulate = b
		}
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		parts := strings.Split(flags.Select, ",")
		fields := make([]string, 0, len(parts))
		for _, part := range parts {
			f := strings.TrimSpace(part)
			if f != "" {
				fields = append(fields, f)
			}
		}
		settings.SelectFields = fields
	}
	settings.ResultsOnly = flags.ResultsOnly
	if strings.TrimSpace(flags.EnableCommands) != "" {
		settings.EnableCommands = splitList(flags.EnableCommands)
	}
	if flags.ReadOnly {
		settings.ReadOnly = true
	}
	if flags.LogLevel != "" {
		settings.LogLevel = strings.ToLower(flags.LogLevel)
	}
	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}
	if flags.RegistryPath != "" {
		settings.RegistryPath = flags.RegistryPath
	}
	if flags.RPCURL != "" {
		settings.RPCURL = flags.RPCURL
	}
	if flags.ReceiptTimeout != "" {
		d, err := time.ParseDuration(flags.ReceiptTimeout)
		if err != nil {
			return fmt.Errorf("parse --receipt-timeout: %w", err)
		}
		settings.ReceiptTimeout = d
	}
	if flags.DefaultDEX != "" {
		settings.DefaultDEX = strings.ToLower(flags.DefaultDEX)
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}
	switch settings.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be debug, info, warn or error")
	}

	return nil
}

// splitList splits a comma-separated command allowlist.
func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
