// Package config defines the top-level configuration for the copy-trading
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POLYMIRROR_* environment variables.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Feed       FeedConfig       `toml:"feed"`
	Monitor    MonitorConfig    `toml:"monitor"`
	Backoff    BackoffConfig    `toml:"backoff"`
	Sizing     SizingConfig     `toml:"sizing"`
	Executor   ExecutorConfig   `toml:"executor"`
	Balance    BalanceConfig    `toml:"balance"`
	Service    ServiceConfig    `toml:"service"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig holds the operator's Ethereum credentials.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	// FunderAddress is the proxy or Safe wallet that holds collateral. Empty
	// means the signer address holds it.
	FunderAddress string `toml:"funder_address"`
}

// PolymarketConfig holds Polymarket API endpoints and chain parameters.
type PolymarketConfig struct {
	ClobHost      string `toml:"clob_host"`
	GammaHost     string `toml:"gamma_host"`
	DataAPIHost   string `toml:"data_api_host"`
	LiveWSHost    string `toml:"live_ws_host"`
	RPCURL        string `toml:"rpc_url"`
	USDCAddress   string `toml:"usdc_address"`
	ChainID       int    `toml:"chain_id"`
	SignatureType int    `toml:"signature_type"`
	ApiKey        string `toml:"api_key"`
	ApiSecret     string `toml:"api_secret"`
	ApiPassphrase string `toml:"api_passphrase"`
}

// FeedConfig selects the trade feed source.
type FeedConfig struct {
	Source        string   `toml:"source"` // data_api | goldsky
	GoldskyURL    string   `toml:"goldsky_url"`
	GoldskyAPIKey string   `toml:"goldsky_api_key"`
	Timeout       duration `toml:"timeout"`
	LiveNudges    bool     `toml:"live_nudges"`
}

// WatchConfig is one watched account.
type WatchConfig struct {
	Address         string  `toml:"address"`
	Label           string  `toml:"label"`
	Paused          bool    `toml:"paused"`
	CapitalEstimate float64 `toml:"capital_estimate"`
}

// MonitorConfig configures trade detection.
type MonitorConfig struct {
	Watch            []WatchConfig `toml:"watch"`
	PollInterval     duration      `toml:"poll_interval"`
	PageSize         int           `toml:"page_size"`
	MaxPagesPerCycle int           `toml:"max_pages_per_cycle"`
	StartFrom        string        `toml:"start_from"` // now | beginning
}

// BackoffConfig bounds retries of feed and balance calls.
type BackoffConfig struct {
	Base        duration `toml:"base"`
	Cap         duration `toml:"cap"`
	Jitter      float64  `toml:"jitter"`
	MaxAttempts int      `toml:"max_attempts"`
}

// SizingConfig controls proportional sizing.
type SizingConfig struct {
	Mode                  string  `toml:"mode"` // fixed_scale | static_estimate | onchain_balance
	ScaleFactor           float64 `toml:"scale_factor"`
	SourceCapitalEstimate float64 `toml:"source_capital_estimate"`
	MinOrderSize          float64 `toml:"min_order_size"`
	MaxOrderSize          float64 `toml:"max_order_size"`
	SizeDecimals          int     `toml:"size_decimals"`
	TickSize              float64 `toml:"tick_size"`
}

// ExecutorConfig holds risk and submission parameters.
type ExecutorConfig struct {
	Slippage          float64  `toml:"slippage"`
	ReserveMargin     float64  `toml:"reserve_margin"`
	FeeBuffer         float64  `toml:"fee_buffer"`
	OrderType         string   `toml:"order_type"`
	SubmitTimeout     duration `toml:"submit_timeout"`
	MarketTimeout     duration `toml:"market_timeout"`
	MaxSubmitAttempts int      `toml:"max_submit_attempts"`
	MaxBalanceAge     duration `toml:"max_balance_age"`
	StaleWait         duration `toml:"stale_wait"`
	SettleGrace       duration `toml:"settle_grace"`
	RateLimit         int      `toml:"rate_limit"`
	RateWindow        duration `toml:"rate_window"`
}

// BalanceConfig controls the balance tracker.
type BalanceConfig struct {
	RefreshInterval duration `toml:"refresh_interval"`
	Timeout         duration `toml:"timeout"`
	PaperCapital    float64  `toml:"paper_capital"`
}

// ServiceConfig holds pipeline wiring parameters.
type ServiceConfig struct {
	ChannelCapacity int      `toml:"channel_capacity"`
	DrainGrace      duration `toml:"drain_grace"`
	LockTTL         duration `toml:"lock_ttl"`
	ArchiveInterval duration `toml:"archive_interval"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig configures the status HTTP server.
type ServerConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
	// APIKey guards every route except /api/health. Empty disables auth.
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit is requests per client per RateWindow; 0 disables it. It
	// needs Redis.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig configures operator alerts.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration wraps time.Duration so it can be decoded from TOML strings like "5s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Dur builds a duration value, for tests and programmatic configs.
func Dur(d time.Duration) duration { return duration{d} }

// Defaults returns a Config populated with sensible defaults.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost:      "https://clob.polymarket.com",
			GammaHost:     "https://gamma-api.polymarket.com",
			DataAPIHost:   "https://data-api.polymarket.com",
			LiveWSHost:    "wss://ws-live-data.polymarket.com",
			RPCURL:        "https://polygon-rpc.com",
			USDCAddress:   "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174",
			ChainID:       137,
			SignatureType: 2,
		},
		Feed: FeedConfig{
			Source:     "data_api",
			GoldskyURL: "https://api.goldsky.com/api/public/project_cl6mb8i9h0003e201j6li0diw/subgraphs/orderbook-subgraph/0.0.1/gn",
			Timeout:    duration{10 * time.Second},
			LiveNudges: true,
		},
		Monitor: MonitorConfig{
			PollInterval:     duration{2 * time.Second},
			PageSize:         100,
			MaxPagesPerCycle: 5,
			StartFrom:        "now",
		},
		Backoff: BackoffConfig{
			Base:        duration{250 * time.Millisecond},
			Cap:         duration{10 * time.Second},
			Jitter:      0.2,
			MaxAttempts: 5,
		},
		Sizing: SizingConfig{
			Mode:                  "static_estimate",
			ScaleFactor:           0.1,
			SourceCapitalEstimate: 10000,
			MinOrderSize:          5,
			MaxOrderSize:          500,
			SizeDecimals:          2,
			TickSize:              0.01,
		},
		Executor: ExecutorConfig{
			Slippage:          0.02,
			ReserveMargin:     10,
			FeeBuffer:         0.01,
			OrderType:         "FAK",
			SubmitTimeout:     duration{10 * time.Second},
			MarketTimeout:     duration{5 * time.Second},
			MaxSubmitAttempts: 3,
			MaxBalanceAge:     duration{2 * time.Minute},
			StaleWait:         duration{5 * time.Second},
			SettleGrace:       duration{10 * time.Second},
			RateLimit:         10,
			RateWindow:        duration{time.Second},
		},
		Balance: BalanceConfig{
			RefreshInterval: duration{30 * time.Second},
			Timeout:         duration{5 * time.Second},
			PaperCapital:    1000,
		},
		Service: ServiceConfig{
			ChannelCapacity: 256,
			DrainGrace:      duration{15 * time.Second},
			LockTTL:         duration{30 * time.Second},
			ArchiveInterval: duration{time.Hour},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "polymirror",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "polymirror",
			Prefix:         "copy-orders",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Port:       8080,
			RateLimit:  120,
			RateWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"order_failed", "order_rejected", "poll_skipped"},
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"live":  true,
	"paper": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validSizingModes = map[string]bool{
	"fixed_scale":     true,
	"static_estimate": true,
	"onchain_balance": true,
}

var validOrderTypes = map[string]bool{
	"GTC": true,
	"FOK": true,
	"FAK": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, paper)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	live := strings.ToLower(c.Mode) == "live"
	if live {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode live")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
		if !c.Postgres.Enabled {
			errs = append(errs, "postgres: must be enabled for mode live (the copy-order ledger must survive restarts)")
		}
		if c.Polymarket.RPCURL == "" {
			errs = append(errs, "polymarket: rpc_url must not be empty for mode live")
		}
	}
	if c.Wallet.FunderAddress != "" && !common.IsHexAddress(c.Wallet.FunderAddress) {
		errs = append(errs, fmt.Sprintf("wallet: funder_address %q is not a hex address", c.Wallet.FunderAddress))
	}

	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}
	if c.Polymarket.SignatureType < 0 || c.Polymarket.SignatureType > 2 {
		errs = append(errs, fmt.Sprintf("polymarket: signature_type must be 0 (EOA), 1 (proxy) or 2 (Safe), got %d", c.Polymarket.SignatureType))
	}
	if !common.IsHexAddress(c.Polymarket.USDCAddress) {
		errs = append(errs, "polymarket: usdc_address is not a hex address")
	}
	ak := c.Polymarket.ApiKey != ""
	as := c.Polymarket.ApiSecret != ""
	ap := c.Polymarket.ApiPassphrase != ""
	if (ak || as || ap) && !(ak && as && ap) {
		errs = append(errs, "polymarket: api_key, api_secret, and api_passphrase must all be set together")
	}

	switch c.Feed.Source {
	case "data_api":
		if c.Polymarket.DataAPIHost == "" {
			errs = append(errs, "polymarket: data_api_host must not be empty for feed source data_api")
		}
	case "goldsky":
		if c.Feed.GoldskyURL == "" {
			errs = append(errs, "feed: goldsky_url must not be empty for feed source goldsky")
		}
	default:
		errs = append(errs, fmt.Sprintf("feed: unknown source %q (valid: data_api, goldsky)", c.Feed.Source))
	}
	if c.Feed.Timeout.Duration <= 0 {
		errs = append(errs, "feed: timeout must be positive")
	}

	if len(c.Monitor.Watch) == 0 {
		errs = append(errs, "monitor: at least one [[monitor.watch]] address is required")
	}
	seen := make(map[string]bool, len(c.Monitor.Watch))
	for _, w := range c.Monitor.Watch {
		if !common.IsHexAddress(w.Address) {
			errs = append(errs, fmt.Sprintf("monitor: watch address %q is not a hex address", w.Address))
			continue
		}
		key := strings.ToLower(w.Address)
		if seen[key] {
			errs = append(errs, fmt.Sprintf("monitor: watch address %s listed twice", w.Address))
		}
		seen[key] = true
		if w.CapitalEstimate < 0 {
			errs = append(errs, fmt.Sprintf("monitor: capital_estimate for %s must be >= 0", w.Address))
		}
	}
	if c.Monitor.PollInterval.Duration <= 0 {
		errs = append(errs, "monitor: poll_interval must be positive")
	}
	if c.Monitor.PageSize < 1 || c.Monitor.PageSize > 500 {
		errs = append(errs, fmt.Sprintf("monitor: page_size must be 1-500, got %d", c.Monitor.PageSize))
	}
	if c.Monitor.MaxPagesPerCycle < 1 {
		errs = append(errs, "monitor: max_pages_per_cycle must be >= 1")
	}
	if c.Monitor.StartFrom != "now" && c.Monitor.StartFrom != "beginning" {
		errs = append(errs, fmt.Sprintf("monitor: start_from must be now or beginning, got %q", c.Monitor.StartFrom))
	}

	if c.Backoff.Base.Duration <= 0 {
		errs = append(errs, "backoff: base must be positive")
	}
	if c.Backoff.Cap.Duration < c.Backoff.Base.Duration {
		errs = append(errs, "backoff: cap must be >= base")
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter >= 0.5 {
		errs = append(errs, "backoff: jitter must be in [0, 0.5)")
	}
	if c.Backoff.MaxAttempts < 1 {
		errs = append(errs, "backoff: max_attempts must be >= 1")
	}

	if !validSizingModes[c.Sizing.Mode] {
		errs = append(errs, fmt.Sprintf("sizing: unknown mode %q (valid: fixed_scale, static_estimate, onchain_balance)", c.Sizing.Mode))
	}
	if c.Sizing.Mode == "fixed_scale" && c.Sizing.ScaleFactor <= 0 {
		errs = append(errs, "sizing: scale_factor must be positive for mode fixed_scale")
	}
	if c.Sizing.Mode != "fixed_scale" && c.Sizing.SourceCapitalEstimate <= 0 {
		errs = append(errs, "sizing: source_capital_estimate must be positive")
	}
	if c.Sizing.MinOrderSize < 0 {
		errs = append(errs, "sizing: min_order_size must be >= 0")
	}
	if c.Sizing.MaxOrderSize <= 0 || c.Sizing.MaxOrderSize < c.Sizing.MinOrderSize {
		errs = append(errs, "sizing: max_order_size must be positive and >= min_order_size")
	}
	if c.Sizing.SizeDecimals < 0 || c.Sizing.SizeDecimals > 6 {
		errs = append(errs, "sizing: size_decimals must be 0-6")
	}
	if c.Sizing.TickSize <= 0 || c.Sizing.TickSize >= 1 {
		errs = append(errs, "sizing: tick_size must be in (0, 1)")
	}

	if c.Executor.Slippage < 0 || c.Executor.Slippage >= 1 {
		errs = append(errs, "executor: slippage must be in [0, 1)")
	}
	if c.Executor.ReserveMargin < 0 {
		errs = append(errs, "executor: reserve_margin must be >= 0")
	}
	if c.Executor.FeeBuffer < 0 || c.Executor.FeeBuffer >= 1 {
		errs = append(errs, "executor: fee_buffer must be in [0, 1)")
	}
	if !validOrderTypes[strings.ToUpper(c.Executor.OrderType)] {
		errs = append(errs, fmt.Sprintf("executor: unknown order_type %q (valid: GTC, FOK, FAK)", c.Executor.OrderType))
	}
	if c.Executor.SubmitTimeout.Duration <= 0 || c.Executor.MarketTimeout.Duration <= 0 {
		errs = append(errs, "executor: submit_timeout and market_timeout must be positive")
	}
	if c.Executor.MaxSubmitAttempts < 1 {
		errs = append(errs, "executor: max_submit_attempts must be >= 1")
	}
	if c.Executor.MaxBalanceAge.Duration <= 0 {
		errs = append(errs, "executor: max_balance_age must be positive")
	}
	if c.Executor.SettleGrace.Duration < 0 {
		errs = append(errs, "executor: settle_grace must be >= 0")
	}
	if c.Executor.RateLimit < 0 {
		errs = append(errs, "executor: rate_limit must be >= 0")
	}

	if c.Balance.RefreshInterval.Duration <= 0 || c.Balance.Timeout.Duration <= 0 {
		errs = append(errs, "balance: refresh_interval and timeout must be positive")
	}
	if strings.ToLower(c.Mode) == "paper" && c.Balance.PaperCapital <= 0 {
		errs = append(errs, "balance: paper_capital must be positive for mode paper")
	}

	if c.Service.ChannelCapacity < 1 {
		errs = append(errs, "service: channel_capacity must be >= 1")
	}
	if c.Service.DrainGrace.Duration < 0 {
		errs = append(errs, "service: drain_grace must be >= 0")
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "server: rate_limit must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
		errs = append(errs, "server: rate_window must be positive when rate_limit is set")
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
