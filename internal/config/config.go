package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath    = "config.toml"
	DefaultHTTPAddr      = ":8080"
	DefaultJWTExpiresIn  = "24h"
	DefaultPGHost        = "127.0.0.1"
	DefaultPGPort        = 5432
	DefaultPGUser        = "postgres"
	DefaultPGDatabase    = "chatdesk"
	DefaultPGSSLMode     = "disable"
	DefaultRedisAddr     = "127.0.0.1:6379"
	DefaultOpenAIModel   = "gpt-4o"
	DefaultGraphVersion  = "v18.0"
	DefaultReplyStream   = "chatdesk:replies"
	DefaultReplyGroup    = "reply-workers"
	DefaultHistoryWindow = 20
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"

	QueueDriverMemory = "memory"
	QueueDriverRedis  = "redis"
)

type Config struct {
	Log        LogConfig        `toml:"log"`
	Server     ServerConfig     `toml:"server"`
	Auth       AuthConfig       `toml:"auth"`
	Storage    StorageConfig    `toml:"storage"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	Automation AutomationConfig `toml:"automation"`
	OpenAI     OpenAIConfig     `toml:"openai"`
	Meta       MetaConfig       `toml:"meta"`
	Telegram   TelegramConfig   `toml:"telegram"`
	Twilio     TwilioConfig     `toml:"twilio"`
	Mailgun    MailgunConfig    `toml:"mailgun"`
	SMTP       SMTPConfig       `toml:"smtp"`
	Anchor     AnchorConfig     `toml:"anchor"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
	// PublicURL is the externally reachable base URL used for webhook registration.
	PublicURL string `toml:"public_url"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

// ExpiresIn parses JWTExpiresIn, falling back to the default.
func (c AuthConfig) ExpiresIn() time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(c.JWTExpiresIn))
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultJWTExpiresIn)
	}
	return d
}

type StorageConfig struct {
	Driver string `toml:"driver"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
	MaxConns int32  `toml:"max_conns"`
}

// DSN renders a libpq style connection URL.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// Enabled reports whether a redis address is configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type AutomationConfig struct {
	Queue      string `toml:"queue"`
	Workers    int    `toml:"workers"`
	BufferSize int    `toml:"buffer_size"`
	Stream     string `toml:"stream"`
	Group      string `toml:"group"`
	// JobTimeoutSeconds bounds one reply job including the LLM call.
	JobTimeoutSeconds int `toml:"job_timeout_seconds"`
	// MaxDeliveries caps redis stream attempts per job before it is dropped.
	MaxDeliveries int `toml:"max_deliveries"`
	// Failed redis jobs idle for ClaimMinIdleSeconds are retried by a sweep
	// running every ClaimIntervalSeconds.
	ClaimIntervalSeconds int `toml:"claim_interval_seconds"`
	ClaimMinIdleSeconds  int `toml:"claim_min_idle_seconds"`
}

type OpenAIConfig struct {
	APIKey           string  `toml:"api_key"`
	BaseURL          string  `toml:"base_url"`
	Model            string  `toml:"model"`
	MaxTokens        int     `toml:"max_tokens"`
	Temperature      float32 `toml:"temperature"`
	PresencePenalty  float32 `toml:"presence_penalty"`
	FrequencyPenalty float32 `toml:"frequency_penalty"`
	HistoryWindow    int     `toml:"history_window"`
	TimeoutSeconds   int     `toml:"timeout_seconds"`
	// Fallback prices in USD per million tokens for models without a table entry.
	InputPricePerMillion  float64 `toml:"input_price_per_million"`
	OutputPricePerMillion float64 `toml:"output_price_per_million"`
}

type MetaConfig struct {
	AppSecret                string `toml:"app_secret"`
	VerifyToken              string `toml:"verify_token"`
	GraphAPIVersion          string `toml:"graph_api_version"`
	WhatsAppPhoneNumberID    string `toml:"whatsapp_phone_number_id"`
	WhatsAppAccessToken      string `toml:"whatsapp_access_token"`
	PageAccessToken          string `toml:"page_access_token"`
	InstagramPageAccessToken string `toml:"instagram_page_access_token"`
}

type TelegramConfig struct {
	BotToken      string `toml:"bot_token"`
	WebhookSecret string `toml:"webhook_secret"`
	// RegisterWebhook calls setWebhook at startup when a public URL is known.
	RegisterWebhook bool `toml:"register_webhook"`
}

type TwilioConfig struct {
	AccountSID string `toml:"account_sid"`
	AuthToken  string `toml:"auth_token"`
	FromNumber string `toml:"from_number"`
	// SkipSignature disables X-Twilio-Signature checks for local testing.
	SkipSignature bool `toml:"skip_signature"`
}

type MailgunConfig struct {
	Domain            string `toml:"domain"`
	APIKey            string `toml:"api_key"`
	WebhookSigningKey string `toml:"webhook_signing_key"`
	From              string `toml:"from"`
	Region            string `toml:"region"`
}

type SMTPConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	From     string `toml:"from"`
	Security string `toml:"security"`
}

type AnchorConfig struct {
	RatePerMinute int `toml:"rate_per_minute"`
	Burst         int `toml:"burst"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Storage: StorageConfig{
			Driver: StorageDriverPostgres,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
			MaxConns: 10,
		},
		Automation: AutomationConfig{
			Queue:                QueueDriverMemory,
			Workers:              4,
			BufferSize:           256,
			Stream:               DefaultReplyStream,
			Group:                DefaultReplyGroup,
			JobTimeoutSeconds:    60,
			MaxDeliveries:        5,
			ClaimIntervalSeconds: 30,
			ClaimMinIdleSeconds:  60,
		},
		OpenAI: OpenAIConfig{
			Model:                 DefaultOpenAIModel,
			MaxTokens:             300,
			Temperature:           0.85,
			PresencePenalty:       0.3,
			FrequencyPenalty:      0.2,
			HistoryWindow:         DefaultHistoryWindow,
			TimeoutSeconds:        30,
			InputPricePerMillion:  5,
			OutputPricePerMillion: 15,
		},
		Meta: MetaConfig{
			GraphAPIVersion: DefaultGraphVersion,
		},
		Telegram: TelegramConfig{
			RegisterWebhook: true,
		},
		Mailgun: MailgunConfig{
			Region: "us",
		},
		SMTP: SMTPConfig{
			Port:     587,
			Security: "starttls",
		},
		Anchor: AnchorConfig{
			RatePerMinute: 30,
			Burst:         10,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// Validate rejects combinations the server cannot start with.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case StorageDriverPostgres, StorageDriverMemory:
	default:
		return fmt.Errorf("storage.driver must be %q or %q", StorageDriverPostgres, StorageDriverMemory)
	}
	switch c.Automation.Queue {
	case QueueDriverMemory:
	case QueueDriverRedis:
		if !c.Redis.Enabled() {
			return fmt.Errorf("automation.queue = %q requires redis.addr", QueueDriverRedis)
		}
	default:
		return fmt.Errorf("automation.queue must be %q or %q", QueueDriverMemory, QueueDriverRedis)
	}
	if c.Automation.Workers <= 0 {
		return fmt.Errorf("automation.workers must be positive")
	}
	return nil
}
