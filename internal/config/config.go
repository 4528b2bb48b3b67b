package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"metalwatch/internal/fetcher"
	"metalwatch/internal/logging"
	"metalwatch/internal/market"
)

// Provider names accepted by upstream.provider.
const (
	ProviderGoldAPI       = "goldapi"
	ProviderMetalPriceAPI = "metalpriceapi"
	ProviderScrape        = "scrape"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig                     `mapstructure:"app"`
	Logging    logging.Config                `mapstructure:"logging"`
	Database   DatabaseConfig                `mapstructure:"database"`
	Scheduler  SchedulerConfig               `mapstructure:"scheduler"`
	Upstream   UpstreamConfig                `mapstructure:"upstream"`
	Cache      CacheConfig                   `mapstructure:"cache"`
	Currencies CurrenciesConfig              `mapstructure:"currencies"`
	Derivation map[string]fetcher.Derivation `mapstructure:"derivation"`
	Alerting   AlertingConfig                `mapstructure:"alerting"`
	Publish    PublishConfig                 `mapstructure:"publish"`
	Export     ExportConfig                  `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ApplicationName string        `mapstructure:"application_name"`
	// StatementTimeout bounds every query; zero leaves the server default.
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
}

// SchedulerConfig governs refresh cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
}

// UpstreamConfig selects and tunes the price provider.
type UpstreamConfig struct {
	Provider          string        `mapstructure:"provider"`
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	ScrapeURL         string        `mapstructure:"scrape_url"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
	RequestsPerMinute float64       `mapstructure:"requests_per_minute"`
	Burst             int           `mapstructure:"burst"`
	IncludeGold22K    bool          `mapstructure:"include_gold_22k"`
	Seed              int64         `mapstructure:"seed"`
}

// CacheConfig tunes the single-flight price cache.
type CacheConfig struct {
	TTL          time.Duration `mapstructure:"ttl"`
	FallbackStep float64       `mapstructure:"fallback_step"`
	Seed         int64         `mapstructure:"seed"`
}

// CurrenciesConfig holds the static FX table, units per one USD.
type CurrenciesConfig struct {
	Rates map[string]float64 `mapstructure:"rates"`
}

// AlertingConfig defines alert evaluation and routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Rearm    bool           `mapstructure:"rearm"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// KafkaConfig routes trigger events onto a topic.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// PublishConfig controls snapshot distribution.
type PublishConfig struct {
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig points at the snapshot store.
type RedisConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Addr          string        `mapstructure:"addr"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
	ChannelPrefix string        `mapstructure:"channel_prefix"`
	TTL           time.Duration `mapstructure:"ttl"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
	ChartWidth    int `mapstructure:"chart_width"`
	ChartHeight   int `mapstructure:"chart_height"`
}

// Load builds configuration from file, .env, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("METALWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotEnv reads ./.env when present; existing environment variables win.
func loadDotEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	if err := godotenv.Load(); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "metalwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6d65746c))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_on_start", true)

	v.SetDefault("upstream.provider", ProviderGoldAPI)
	v.SetDefault("upstream.base_url", "")
	v.SetDefault("upstream.api_key", "")
	v.SetDefault("upstream.scrape_url", "https://www.goodreturns.in/gold-rates/")
	v.SetDefault("upstream.request_timeout", "10s")
	v.SetDefault("upstream.user_agent", "metalwatch/1.0")
	v.SetDefault("upstream.requests_per_minute", 30.0)
	v.SetDefault("upstream.burst", 2)
	v.SetDefault("upstream.include_gold_22k", false)
	v.SetDefault("upstream.seed", 0)

	v.SetDefault("cache.ttl", "60s")
	v.SetDefault("cache.fallback_step", 0.005)
	v.SetDefault("cache.seed", 0)

	rates := make(map[string]float64, len(market.DefaultRates))
	for cur, rate := range market.DefaultRates {
		rates[string(cur)] = rate
	}
	v.SetDefault("currencies.rates", rates)

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.rearm", true)
	v.SetDefault("alerting.channels", []string{})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.kafka.enabled", false)
	v.SetDefault("alerting.kafka.topic", "metal-alert-triggers")
	v.SetDefault("alerting.kafka.write_timeout", "5s")

	v.SetDefault("publish.redis.enabled", false)
	v.SetDefault("publish.redis.addr", "localhost:6379")
	v.SetDefault("publish.redis.password", "")
	v.SetDefault("publish.redis.key_prefix", "metalwatch:prices:")
	v.SetDefault("publish.redis.channel_prefix", "metalwatch:updates:")
	v.SetDefault("publish.redis.ttl", "10m")

	v.SetDefault("export.max_data_points", 100000)
	v.SetDefault("export.chart_width", 1200)
	v.SetDefault("export.chart_height", 600)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.statement_timeout", "15s")
	v.SetDefault("database.application_name", "metalwatch")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks on the configuration values. Any failure here is fatal at
// startup.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl cannot be negative")
	}
	if c.Cache.FallbackStep < 0 || c.Cache.FallbackStep >= 1 {
		return fmt.Errorf("cache.fallback_step must be within [0, 1)")
	}
	if c.Upstream.RequestTimeout <= 0 {
		return fmt.Errorf("upstream.request_timeout must be greater than zero")
	}
	if c.Upstream.RequestsPerMinute < 0 {
		return fmt.Errorf("upstream.requests_per_minute cannot be negative")
	}

	switch c.Upstream.Provider {
	case ProviderGoldAPI:
	case ProviderMetalPriceAPI:
		if c.Upstream.APIKey == "" {
			return fmt.Errorf("upstream.api_key is required for provider %s", ProviderMetalPriceAPI)
		}
	case ProviderScrape:
		if c.Upstream.ScrapeURL == "" {
			return fmt.Errorf("upstream.scrape_url is required for provider %s", ProviderScrape)
		}
	default:
		return fmt.Errorf("upstream.provider %q is not supported", c.Upstream.Provider)
	}

	if _, err := c.Rates(); err != nil {
		return err
	}
	if _, err := c.Derivations(); err != nil {
		return err
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Alerting.Kafka.Enabled {
		if len(c.Alerting.Kafka.Brokers) == 0 {
			return fmt.Errorf("alerting.kafka.brokers must list at least one broker")
		}
		if c.Alerting.Kafka.Topic == "" {
			return fmt.Errorf("alerting.kafka.topic is required")
		}
	}
	if c.Publish.Redis.Enabled && c.Publish.Redis.Addr == "" {
		return fmt.Errorf("publish.redis.addr is required")
	}
	return nil
}

// Rates parses the FX table. Viper lowercases map keys, so codes are normalised here.
func (c *Config) Rates() (market.Rates, error) {
	rates := make(market.Rates, len(c.Currencies.Rates)+1)
	for code, rate := range c.Currencies.Rates {
		cur, err := market.ParseCurrency(code)
		if err != nil {
			return nil, fmt.Errorf("currencies.rates: %w", err)
		}
		rates[cur] = rate
	}
	if _, ok := rates[market.USD]; !ok {
		rates[market.USD] = 1
	}
	if err := rates.Validate(); err != nil {
		return nil, fmt.Errorf("currencies.rates: %w", err)
	}
	return rates, nil
}

// Derivations merges configured ratio rules over the built-in defaults.
func (c *Config) Derivations() (map[market.Instrument]fetcher.Derivation, error) {
	rules := make(map[market.Instrument]fetcher.Derivation, len(fetcher.DefaultDerivations))
	for inst, rule := range fetcher.DefaultDerivations {
		rules[inst] = rule
	}
	for name, rule := range c.Derivation {
		inst, err := market.ParseInstrument(name)
		if err != nil {
			return nil, fmt.Errorf("derivation: %w", err)
		}
		if inst == market.Gold {
			return nil, fmt.Errorf("derivation: %s is the primary instrument and cannot be derived", inst)
		}
		if rule.Ratio <= 0 {
			return nil, fmt.Errorf("derivation.%s.ratio must be greater than zero", inst)
		}
		if rule.Jitter < 0 || rule.Jitter >= 1 {
			return nil, fmt.Errorf("derivation.%s.jitter must be within [0, 1)", inst)
		}
		rules[inst] = rule
	}
	return rules, nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// ResolveChannels lists the notifier channels that are switched on.
func (c *Config) ResolveChannels() []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(c.Alerting.Channels)+2)
	add := func(ch string) {
		ch = strings.ToLower(strings.TrimSpace(ch))
		if ch == "" || seen[ch] {
			return
		}
		seen[ch] = true
		out = append(out, ch)
	}
	for _, ch := range c.Alerting.Channels {
		add(ch)
	}
	if c.Alerting.Telegram.Enabled {
		add("telegram")
	}
	if c.Alerting.Kafka.Enabled {
		add("kafka")
	}
	return out
}
