package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"signal-engine/internal/model"
	"signal-engine/internal/stage"
)

type Config struct {
	Engine        EngineConfig        `mapstructure:"engine"`
	Alerts        AlertsConfig        `mapstructure:"alerts"`
	Digest        DigestConfig        `mapstructure:"digest"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Store         StoreConfig         `mapstructure:"store"`
	Thresholds    ThresholdsConfig    `mapstructure:"thresholds"`
	WatchLog      WatchLogConfig      `mapstructure:"watch_log"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Sources       SourcesConfig       `mapstructure:"sources"`
	Risk          RiskConfig          `mapstructure:"risk"`
	Notifications Notifications       `mapstructure:"notifications"`
	Web           WebConfig           `mapstructure:"web"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

type EngineConfig struct {
	ScanIntervalSeconds int    `mapstructure:"scan_interval_seconds"`
	HeartbeatEvery      int    `mapstructure:"heartbeat_every"`
	DryRun              bool   `mapstructure:"dry_run"`
	ErrorBackoff        string `mapstructure:"error_backoff"`
}

func (e EngineConfig) ScanInterval() time.Duration {
	return time.Duration(e.ScanIntervalSeconds) * time.Second
}

// GetErrorBackoff is the pause after an observation fails; "0s" disables it.
func (e EngineConfig) GetErrorBackoff() time.Duration {
	return ParseDuration(e.ErrorBackoff, 2*time.Second)
}

type AlertsConfig struct {
	BaseCooldownSeconds int      `mapstructure:"base_cooldown_seconds"`
	PassConfirmations   int      `mapstructure:"pass_confirmations"`
	PassWindowMinutes   int      `mapstructure:"pass_window_minutes"`
	PassMinLiquidity    float64  `mapstructure:"pass_min_liquidity"`
	PassMinVol5m        float64  `mapstructure:"pass_min_vol5m"`
	MuteAfterAlerts     int      `mapstructure:"mute_after_alerts"`
	MuteWindowMinutes   int      `mapstructure:"mute_window_minutes"`
	MuteDurationMinutes int      `mapstructure:"mute_duration_minutes"`
	CollapseEvery       int      `mapstructure:"collapse_every"`
	HeatingUpAfter      int      `mapstructure:"heating_up_after"`
	MinStage            string   `mapstructure:"min_stage"`
	RugLevels           []string `mapstructure:"rug_levels"`
}

func (a AlertsConfig) BaseCooldown() time.Duration {
	return time.Duration(a.BaseCooldownSeconds) * time.Second
}

func (a AlertsConfig) PassWindow() time.Duration {
	return time.Duration(a.PassWindowMinutes) * time.Minute
}

func (a AlertsConfig) MuteWindow() time.Duration {
	return time.Duration(a.MuteWindowMinutes) * time.Minute
}

func (a AlertsConfig) MuteDuration() time.Duration {
	return time.Duration(a.MuteDurationMinutes) * time.Minute
}

// DigestConfig is the local time of the daily digest.
type DigestConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Hour    int  `mapstructure:"hour"`
	Minute  int  `mapstructure:"minute"`
}

type SchedulerConfig struct {
	Timezone string `mapstructure:"timezone"`
}

// Location falls back to time.Local for an unknown zone; Validate rejects it first.
func (s SchedulerConfig) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

type StoreConfig struct {
	Path           string `mapstructure:"path"`
	RetentionHours int    `mapstructure:"retention_hours"`
}

func (s StoreConfig) Retention() time.Duration {
	return time.Duration(s.RetentionHours) * time.Hour
}

type ThresholdsConfig struct {
	Path string `mapstructure:"path"`
}

type WatchLogConfig struct {
	Path             string `mapstructure:"path"`
	Index            string `mapstructure:"index"`
	PromotionWebhook string `mapstructure:"promotion_webhook"`
	DemotionWebhook  string `mapstructure:"demotion_webhook"`
	Timeout          string `mapstructure:"timeout"`
}

type ElasticsearchConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	Addresses        []string `mapstructure:"addresses"`
	Username         string   `mapstructure:"username"`
	Password         string   `mapstructure:"password"`
	CloudID          string   `mapstructure:"cloud_id"`
	APIKey           string   `mapstructure:"api_key"`
	TLSSkipVerify    bool     `mapstructure:"tls_skip_verify"`
	RequestTimeout   string   `mapstructure:"request_timeout"`
	Provider         string   `mapstructure:"provider"` // elasticsearch | opensearch
	SkipProductCheck bool     `mapstructure:"skip_product_check"`
}

func (e ElasticsearchConfig) GetRequestTimeout() time.Duration {
	return parseDuration(e.RequestTimeout, 30*time.Second)
}

type SourcesConfig struct {
	Search SearchSourceConfig `mapstructure:"search"`
	Feed   FeedSourceConfig   `mapstructure:"feed"`
	Stream StreamSourceConfig `mapstructure:"stream"`
}

// SearchSourceConfig polls an index for the latest observation per token.
type SearchSourceConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Index      string `mapstructure:"index"`
	TimeWindow string `mapstructure:"time_window"`
	Size       int    `mapstructure:"size"`
	Query      string `mapstructure:"query"`
}

type FeedSourceConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout string            `mapstructure:"timeout"`
}

type StreamSourceConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	URL        string `mapstructure:"url"`
	Subscribe  string `mapstructure:"subscribe"`
	MaxBackoff string `mapstructure:"max_backoff"`
}

type RiskConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	RPCURL        string  `mapstructure:"rpc_url"`
	APIKey        string  `mapstructure:"api_key"`
	Cluster       string  `mapstructure:"cluster"`
	TopHolderWarn float64 `mapstructure:"top_holder_warn"`
	Timeout       string  `mapstructure:"timeout"`
}

type Notifications struct {
	TimeoutSeconds int                 `mapstructure:"timeout_seconds"`
	Routes         map[string][]string `mapstructure:"routes"`
	Console        ConsoleConfig       `mapstructure:"console"`
	Webhook        WebhookConfig       `mapstructure:"webhook"`
	Discord        DiscordConfig       `mapstructure:"discord"`
	Feishu         FeishuConfig        `mapstructure:"feishu"`
	DingTalk       DingTalkConfig      `mapstructure:"dingtalk"`
	WeChat         WeChatConfig        `mapstructure:"wechat"`
	Email          EmailConfig         `mapstructure:"email"`
}

func (n Notifications) Timeout() time.Duration {
	return time.Duration(n.TimeoutSeconds) * time.Second
}

type ConsoleConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type WebhookConfig struct {
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout string            `mapstructure:"timeout"`
}

// DiscordConfig lists webhooks per notification kind; several webhooks of a
// kind are used round robin.
type DiscordConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	NearPass []string `mapstructure:"near_pass"`
	Pass     []string `mapstructure:"pass"`
	Rug      []string `mapstructure:"rug"`
	Logs     []string `mapstructure:"logs"`
	Digest   []string `mapstructure:"digest"`
	Timeout  string   `mapstructure:"timeout"`
}

// Webhooks returns the configured webhooks keyed by kind.
func (d DiscordConfig) Webhooks() map[string][]string {
	return map[string][]string{
		string(model.ModeNearPass): d.NearPass,
		string(model.ModePass):     d.Pass,
		string(model.ModeRug):      d.Rug,
		model.KindLogs:             d.Logs,
		model.KindDigest:           d.Digest,
	}
}

type FeishuConfig struct {
	Webhook     string `mapstructure:"webhook"`
	EnableAtAll bool   `mapstructure:"enable_at_all"`
	Timeout     string `mapstructure:"timeout"`
	TitlePrefix string `mapstructure:"title_prefix"`
}

type DingTalkConfig struct {
	Webhook     string `mapstructure:"webhook"`
	Secret      string `mapstructure:"secret"`
	EnableAtAll bool   `mapstructure:"enable_at_all"`
	Timeout     string `mapstructure:"timeout"`
}

type WeChatConfig struct {
	Webhook string `mapstructure:"webhook"`
	Timeout string `mapstructure:"timeout"`
}

type EmailConfig struct {
	Host          string   `mapstructure:"host"`
	Port          int      `mapstructure:"port"`
	Username      string   `mapstructure:"username"`
	Password      string   `mapstructure:"password"`
	From          string   `mapstructure:"from"`
	To            []string `mapstructure:"to"`
	UseTLS        bool     `mapstructure:"use_tls"`
	TLSSkipVerify bool     `mapstructure:"tls_skip_verify"`
	SubjectPrefix string   `mapstructure:"subject_prefix"`
}

type WebConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Listen       string `mapstructure:"listen"`
	IngestSecret string `mapstructure:"ingest_secret"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ParseDuration parses s, returning def when it is empty or invalid.
func ParseDuration(s string, def time.Duration) time.Duration {
	return parseDuration(s, def)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// legacyEnv maps the flat environment names used by existing deployments.
var legacyEnv = map[string]string{
	"engine.scan_interval_seconds":    "SCAN_INTERVAL_SECONDS",
	"engine.dry_run":                  "DRY_RUN",
	"alerts.base_cooldown_seconds":    "BASE_COOLDOWN_SECONDS",
	"alerts.pass_confirmations":       "PASS_CONFIRMATIONS",
	"alerts.pass_window_minutes":      "PASS_WINDOW_MINUTES",
	"alerts.pass_min_liquidity":       "PASS_MIN_LIQUIDITY",
	"alerts.pass_min_vol5m":           "PASS_MIN_VOL5M",
	"alerts.mute_after_alerts":        "MUTE_AFTER_ALERTS",
	"alerts.mute_window_minutes":      "MUTE_WINDOW_MINUTES",
	"alerts.mute_duration_minutes":    "MUTE_DURATION_MINUTES",
	"alerts.collapse_every":           "COLLAPSE_EVERY",
	"alerts.heating_up_after":         "HEATING_UP_AFTER",
	"digest.hour":                     "DIGEST_HOUR_LOCAL",
	"digest.minute":                   "DIGEST_MINUTE_LOCAL",
	"watch_log.path":                  "WATCH_LOG_PATH",
	"logging.level":                   "LOG_LEVEL",
	"risk.enabled":                    "ENABLE_WALLET",
	"risk.api_key":                    "HELIUS_API_KEY",
	"risk.cluster":                    "HELIUS_CLUSTER",
	"risk.top_holder_warn":            "WALLET_TOP_HOLDER_WARN",
	"notifications.discord.enabled":   "ENABLE_DISCORD",
	"notifications.discord.near_pass": "DISCORD_WEBHOOK_NEAR_PASS",
	"notifications.discord.pass":      "DISCORD_WEBHOOK_PASS",
	"notifications.discord.rug":       "DISCORD_WEBHOOK_RUG",
	"notifications.discord.logs":      "DISCORD_WEBHOOK_LOGS",
	"notifications.discord.digest":    "DISCORD_WEBHOOK_DIGEST",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.scan_interval_seconds", 30)
	v.SetDefault("engine.heartbeat_every", 10)
	v.SetDefault("engine.dry_run", false)
	v.SetDefault("engine.error_backoff", "2s")

	v.SetDefault("alerts.base_cooldown_seconds", 900)
	v.SetDefault("alerts.pass_confirmations", 3)
	v.SetDefault("alerts.pass_window_minutes", 10)
	v.SetDefault("alerts.pass_min_liquidity", 15000.0)
	v.SetDefault("alerts.pass_min_vol5m", 8000.0)
	v.SetDefault("alerts.mute_after_alerts", 4)
	v.SetDefault("alerts.mute_window_minutes", 15)
	v.SetDefault("alerts.mute_duration_minutes", 60)
	v.SetDefault("alerts.collapse_every", 3)
	v.SetDefault("alerts.heating_up_after", 5)
	v.SetDefault("alerts.min_stage", string(stage.StageEarly))
	v.SetDefault("alerts.rug_levels", []string{model.RiskWarn, model.RiskHigh})

	v.SetDefault("digest.enabled", true)
	v.SetDefault("digest.hour", 18)
	v.SetDefault("digest.minute", 0)
	v.SetDefault("scheduler.timezone", "America/Chicago")

	v.SetDefault("store.path", "./state/engine.db")
	v.SetDefault("store.retention_hours", 72)
	v.SetDefault("thresholds.path", "")

	v.SetDefault("watch_log.path", "./data/watch.log")
	v.SetDefault("watch_log.index", "")
	v.SetDefault("watch_log.promotion_webhook", "")
	v.SetDefault("watch_log.demotion_webhook", "")
	v.SetDefault("watch_log.timeout", "5s")

	v.SetDefault("elasticsearch.enabled", false)
	v.SetDefault("elasticsearch.addresses", []string{"http://localhost:9200"})
	v.SetDefault("elasticsearch.username", "")
	v.SetDefault("elasticsearch.password", "")
	v.SetDefault("elasticsearch.cloud_id", "")
	v.SetDefault("elasticsearch.api_key", "")
	v.SetDefault("elasticsearch.tls_skip_verify", false)
	v.SetDefault("elasticsearch.request_timeout", "30s")
	v.SetDefault("elasticsearch.provider", "elasticsearch")
	v.SetDefault("elasticsearch.skip_product_check", false)

	v.SetDefault("sources.search.enabled", false)
	v.SetDefault("sources.search.index", "token-observations-*")
	v.SetDefault("sources.search.time_window", "5m")
	v.SetDefault("sources.search.size", 200)
	v.SetDefault("sources.search.query", "")
	v.SetDefault("sources.feed.enabled", false)
	v.SetDefault("sources.feed.url", "")
	v.SetDefault("sources.feed.timeout", "10s")
	v.SetDefault("sources.stream.enabled", false)
	v.SetDefault("sources.stream.url", "")
	v.SetDefault("sources.stream.subscribe", "")
	v.SetDefault("sources.stream.max_backoff", "1m")

	v.SetDefault("risk.enabled", false)
	v.SetDefault("risk.rpc_url", "")
	v.SetDefault("risk.api_key", "")
	v.SetDefault("risk.cluster", "mainnet-beta")
	v.SetDefault("risk.top_holder_warn", 0.08)
	v.SetDefault("risk.timeout", "12s")

	v.SetDefault("notifications.timeout_seconds", 6)
	v.SetDefault("notifications.console.enabled", true)
	v.SetDefault("notifications.webhook.url", "")
	v.SetDefault("notifications.webhook.timeout", "5s")
	v.SetDefault("notifications.discord.enabled", true)
	v.SetDefault("notifications.discord.near_pass", []string{})
	v.SetDefault("notifications.discord.pass", []string{})
	v.SetDefault("notifications.discord.rug", []string{})
	v.SetDefault("notifications.discord.logs", []string{})
	v.SetDefault("notifications.discord.digest", []string{})
	v.SetDefault("notifications.discord.timeout", "6s")
	v.SetDefault("notifications.feishu.webhook", "")
	v.SetDefault("notifications.dingtalk.webhook", "")
	v.SetDefault("notifications.dingtalk.secret", "")
	v.SetDefault("notifications.wechat.webhook", "")
	v.SetDefault("notifications.email.host", "")
	v.SetDefault("notifications.email.port", 587)
	v.SetDefault("notifications.email.from", "")

	v.SetDefault("web.enabled", true)
	v.SetDefault("web.listen", ":8080")
	v.SetDefault("web.ingest_secret", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads the optional YAML file at path, applies defaults and environment
// overrides and validates the result. Nested keys map to upper-case env vars
// with "." replaced by "_" (ALERTS_BASE_COOLDOWN_SECONDS).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if c.Engine.ScanIntervalSeconds <= 0 {
		add("engine.scan_interval_seconds must be positive")
	}
	a := c.Alerts
	if a.BaseCooldownSeconds < 0 {
		add("alerts.base_cooldown_seconds must not be negative")
	}
	if a.PassConfirmations < 1 {
		add("alerts.pass_confirmations must be >= 1")
	}
	if a.MuteAfterAlerts < 1 {
		add("alerts.mute_after_alerts must be >= 1")
	}
	if a.CollapseEvery < 0 || a.HeatingUpAfter < 0 {
		add("alerts.collapse_every and alerts.heating_up_after must not be negative")
	}
	if a.MinStage != "" {
		if _, err := stage.ParseStage(a.MinStage); err != nil {
			add("alerts.min_stage: %v", err)
		}
	}
	for _, l := range a.RugLevels {
		if l != model.RiskOK && l != model.RiskWarn && l != model.RiskHigh {
			add("alerts.rug_levels: unknown risk level %q", l)
		}
	}
	if c.Digest.Hour < 0 || c.Digest.Hour > 23 || c.Digest.Minute < 0 || c.Digest.Minute > 59 {
		add("digest: invalid time %02d:%02d", c.Digest.Hour, c.Digest.Minute)
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		add("scheduler.timezone: %v", err)
	}
	if c.Store.Path == "" {
		add("store.path is required")
	}
	if r := c.Store.Retention(); r < 0 {
		add("store.retention_hours must not be negative")
	} else if r > 0 {
		for name, d := range map[string]time.Duration{
			"alerts.mute_window_minutes":   a.MuteWindow(),
			"alerts.mute_duration_minutes": a.MuteDuration(),
			"alerts.pass_window_minutes":   a.PassWindow(),
		} {
			if r < d {
				add("store.retention_hours (%s) is shorter than %s (%s)", r, name, d)
			}
		}
	}
	switch c.Elasticsearch.Provider {
	case "elasticsearch", "opensearch":
	default:
		add("elasticsearch.provider must be elasticsearch or opensearch, got %q", c.Elasticsearch.Provider)
	}
	if (c.Sources.Search.Enabled || c.WatchLog.Index != "") && !c.Elasticsearch.Enabled {
		add("sources.search and watch_log.index need elasticsearch.enabled")
	}
	if c.Sources.Feed.Enabled && c.Sources.Feed.URL == "" {
		add("sources.feed.url is required when the feed is enabled")
	}
	if c.Sources.Stream.Enabled && c.Sources.Stream.URL == "" {
		add("sources.stream.url is required when the stream is enabled")
	}
	if c.Risk.Enabled && c.Risk.RPCURL == "" && c.Risk.APIKey == "" {
		add("risk: rpc_url or api_key is required when enabled")
	}
	if c.Notifications.TimeoutSeconds <= 0 {
		add("notifications.timeout_seconds must be positive")
	}
	return result.ErrorOrNil()
}
