package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYMIRROR_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POLYMIRROR_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "POLYMIRROR_MODE")
	setStr(&cfg.LogLevel, "POLYMIRROR_LOG_LEVEL")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "POLYMIRROR_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "POLYMIRROR_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "POLYMIRROR_WALLET_KEY_PASSWORD")
	setStr(&cfg.Wallet.FunderAddress, "POLYMIRROR_WALLET_FUNDER_ADDRESS")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "POLYMIRROR_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "POLYMIRROR_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.DataAPIHost, "POLYMIRROR_POLYMARKET_DATA_API_HOST")
	setStr(&cfg.Polymarket.LiveWSHost, "POLYMIRROR_POLYMARKET_LIVE_WS_HOST")
	setStr(&cfg.Polymarket.RPCURL, "POLYMIRROR_POLYMARKET_RPC_URL")
	setStr(&cfg.Polymarket.USDCAddress, "POLYMIRROR_POLYMARKET_USDC_ADDRESS")
	setInt(&cfg.Polymarket.ChainID, "POLYMIRROR_POLYMARKET_CHAIN_ID")
	setInt(&cfg.Polymarket.SignatureType, "POLYMIRROR_POLYMARKET_SIGNATURE_TYPE")
	setStr(&cfg.Polymarket.ApiKey, "POLYMIRROR_POLYMARKET_API_KEY")
	setStr(&cfg.Polymarket.ApiSecret, "POLYMIRROR_POLYMARKET_API_SECRET")
	setStr(&cfg.Polymarket.ApiPassphrase, "POLYMIRROR_POLYMARKET_API_PASSPHRASE")

	// ── Feed ──
	setStr(&cfg.Feed.Source, "POLYMIRROR_FEED_SOURCE")
	setStr(&cfg.Feed.GoldskyURL, "POLYMIRROR_FEED_GOLDSKY_URL")
	setStr(&cfg.Feed.GoldskyAPIKey, "POLYMIRROR_FEED_GOLDSKY_API_KEY")
	setDuration(&cfg.Feed.Timeout, "POLYMIRROR_FEED_TIMEOUT")
	setBool(&cfg.Feed.LiveNudges, "POLYMIRROR_FEED_LIVE_NUDGES")

	// ── Monitor ──
	setWatchList(&cfg.Monitor.Watch, "POLYMIRROR_MONITOR_ADDRESSES")
	setDuration(&cfg.Monitor.PollInterval, "POLYMIRROR_MONITOR_POLL_INTERVAL")
	setInt(&cfg.Monitor.PageSize, "POLYMIRROR_MONITOR_PAGE_SIZE")
	setInt(&cfg.Monitor.MaxPagesPerCycle, "POLYMIRROR_MONITOR_MAX_PAGES_PER_CYCLE")
	setStr(&cfg.Monitor.StartFrom, "POLYMIRROR_MONITOR_START_FROM")

	// ── Backoff ──
	setDuration(&cfg.Backoff.Base, "POLYMIRROR_BACKOFF_BASE")
	setDuration(&cfg.Backoff.Cap, "POLYMIRROR_BACKOFF_CAP")
	setFloat64(&cfg.Backoff.Jitter, "POLYMIRROR_BACKOFF_JITTER")
	setInt(&cfg.Backoff.MaxAttempts, "POLYMIRROR_BACKOFF_MAX_ATTEMPTS")

	// ── Sizing ──
	setStr(&cfg.Sizing.Mode, "POLYMIRROR_SIZING_MODE")
	setFloat64(&cfg.Sizing.ScaleFactor, "POLYMIRROR_SIZING_SCALE_FACTOR")
	setFloat64(&cfg.Sizing.SourceCapitalEstimate, "POLYMIRROR_SIZING_SOURCE_CAPITAL_ESTIMATE")
	setFloat64(&cfg.Sizing.MinOrderSize, "POLYMIRROR_SIZING_MIN_ORDER_SIZE")
	setFloat64(&cfg.Sizing.MaxOrderSize, "POLYMIRROR_SIZING_MAX_ORDER_SIZE")
	setInt(&cfg.Sizing.SizeDecimals, "POLYMIRROR_SIZING_SIZE_DECIMALS")
	setFloat64(&cfg.Sizing.TickSize, "POLYMIRROR_SIZING_TICK_SIZE")

	// ── Executor ──
	setFloat64(&cfg.Executor.Slippage, "POLYMIRROR_EXECUTOR_SLIPPAGE")
	setFloat64(&cfg.Executor.ReserveMargin, "POLYMIRROR_EXECUTOR_RESERVE_MARGIN")
	setFloat64(&cfg.Executor.FeeBuffer, "POLYMIRROR_EXECUTOR_FEE_BUFFER")
	setStr(&cfg.Executor.OrderType, "POLYMIRROR_EXECUTOR_ORDER_TYPE")
	setDuration(&cfg.Executor.SubmitTimeout, "POLYMIRROR_EXECUTOR_SUBMIT_TIMEOUT")
	setDuration(&cfg.Executor.MarketTimeout, "POLYMIRROR_EXECUTOR_MARKET_TIMEOUT")
	setInt(&cfg.Executor.MaxSubmitAttempts, "POLYMIRROR_EXECUTOR_MAX_SUBMIT_ATTEMPTS")
	setDuration(&cfg.Executor.MaxBalanceAge, "POLYMIRROR_EXECUTOR_MAX_BALANCE_AGE")
	setDuration(&cfg.Executor.StaleWait, "POLYMIRROR_EXECUTOR_STALE_WAIT")
	setDuration(&cfg.Executor.SettleGrace, "POLYMIRROR_EXECUTOR_SETTLE_GRACE")
	setInt(&cfg.Executor.RateLimit, "POLYMIRROR_EXECUTOR_RATE_LIMIT")
	setDuration(&cfg.Executor.RateWindow, "POLYMIRROR_EXECUTOR_RATE_WINDOW")

	// ── Balance ──
	setDuration(&cfg.Balance.RefreshInterval, "POLYMIRROR_BALANCE_REFRESH_INTERVAL")
	setDuration(&cfg.Balance.Timeout, "POLYMIRROR_BALANCE_TIMEOUT")
	setFloat64(&cfg.Balance.PaperCapital, "POLYMIRROR_BALANCE_PAPER_CAPITAL")

	// ── Service ──
	setInt(&cfg.Service.ChannelCapacity, "POLYMIRROR_SERVICE_CHANNEL_CAPACITY")
	setDuration(&cfg.Service.DrainGrace, "POLYMIRROR_SERVICE_DRAIN_GRACE")
	setDuration(&cfg.Service.LockTTL, "POLYMIRROR_SERVICE_LOCK_TTL")
	setDuration(&cfg.Service.ArchiveInterval, "POLYMIRROR_SERVICE_ARCHIVE_INTERVAL")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "POLYMIRROR_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "POLYMIRROR_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "POLYMIRROR_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POLYMIRROR_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POLYMIRROR_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POLYMIRROR_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POLYMIRROR_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POLYMIRROR_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POLYMIRROR_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POLYMIRROR_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POLYMIRROR_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "POLYMIRROR_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "POLYMIRROR_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYMIRROR_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYMIRROR_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POLYMIRROR_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "POLYMIRROR_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "POLYMIRROR_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "POLYMIRROR_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "POLYMIRROR_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLYMIRROR_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLYMIRROR_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "POLYMIRROR_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "POLYMIRROR_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POLYMIRROR_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "POLYMIRROR_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "POLYMIRROR_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "POLYMIRROR_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "POLYMIRROR_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "POLYMIRROR_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "POLYMIRROR_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "POLYMIRROR_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POLYMIRROR_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYMIRROR_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POLYMIRROR_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POLYMIRROR_NOTIFY_EVENTS")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

// setWatchList replaces the watch list with a comma-separated address list.
// Per-address options are only available from the TOML file.
func setWatchList(dst *[]WatchConfig, key string) {
	var addrs []string
	setStringSlice(&addrs, key)
	if len(addrs) == 0 {
		return
	}
	watch := make([]WatchConfig, 0, len(addrs))
	for _, a := range addrs {
		watch = append(watch, WatchConfig{Address: a})
	}
	*dst = watch
}
