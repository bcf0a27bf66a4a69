package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppHost  string
	HTTPPort string
	AppEnv   string
	LogLevel string

	// InstanceID tags real-time events published by this process so the NATS bridge
	// can drop its own echoes.
	InstanceID string

	// AdminToken marks a request as coming from the admin panel (X-Admin-Token header).
	AdminToken  string
	CORSOrigins []string

	// SearchServiceURL enables pushing tickets to search-service (POST /search/index/ticket).
	SearchServiceURL string

	KafkaBrokers     []string
	KafkaTopicTicket string

	// NATSURL enables cross-instance fan-out of real-time events.
	NATSURL string

	// AutoMigrate applies the embedded migrations when the API starts.
	AutoMigrate bool

	Feed struct {
		PollInterval   time.Duration
		TypingCooldown time.Duration
		TypingTimeout  time.Duration
	}

	OpenAI struct {
		APIKey  string
		BaseURL string
		Model   string
	}

	DB struct {
		Host     string
		Port     string
		User     string
		Password string
		Database string
		SSLMode  string
	}
}

func Load() (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")

	cfg := &Config{
		AppHost:          getEnv("APP_HOST", "0.0.0.0"),
		HTTPPort:         firstEnv("APP_PORT", "HTTP_PORT", "8098"),
		AppEnv:           getEnv("APP_ENV", "development"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		InstanceID:       getEnv("INSTANCE_ID", hostname()),
		AdminToken:       getEnv("ADMIN_API_TOKEN", ""),
		CORSOrigins:      splitList(getEnv("CORS_ORIGINS", "*")),
		SearchServiceURL: getEnv("SEARCH_SERVICE_URL", ""),
		KafkaBrokers:     splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopicTicket: getEnv("KAFKA_TOPIC_TICKET", "support.tickets"),
		NATSURL:          getEnv("NATS_URL", ""),
		AutoMigrate:      getEnv("AUTO_MIGRATE", "true") == "true",
	}

	var err error
	if cfg.Feed.PollInterval, err = getDuration("POLL_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.Feed.TypingCooldown, err = getDuration("TYPING_COOLDOWN", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.Feed.TypingTimeout, err = getDuration("TYPING_TIMEOUT", 3*time.Second); err != nil {
		return nil, err
	}

	cfg.OpenAI.APIKey = getEnv("OPENAI_API_KEY", "")
	cfg.OpenAI.BaseURL = getEnv("OPENAI_BASE_URL", "")
	cfg.OpenAI.Model = getEnv("OPENAI_MODEL", "gpt-4o-mini")

	cfg.DB.Host = getEnv("DB_HOST", "localhost")
	cfg.DB.Port = getEnv("DB_PORT", "5432")
	cfg.DB.User = getEnv("DB_USER", "postgres")
	cfg.DB.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.DB.Database = getEnv("DB_DATABASE", "support_chat")
	cfg.DB.SSLMode = getEnv("DB_SSLMODE", "disable")
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DB.Host == "" || c.DB.Database == "" {
		return errors.New("config: DB_HOST and DB_DATABASE are required")
	}
	if c.AppEnv == "production" && c.DB.Password == "" {
		return errors.New("config: in production DB_PASSWORD is required")
	}
	if c.AppEnv == "production" && c.AdminToken == "" {
		return errors.New("config: in production ADMIN_API_TOKEN is required")
	}
	if c.Feed.PollInterval <= 0 || c.Feed.TypingCooldown <= 0 || c.Feed.TypingTimeout <= 0 {
		return errors.New("config: POLL_INTERVAL, TYPING_COOLDOWN and TYPING_TIMEOUT must be positive")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Database, c.DB.SSLMode)
}

func (c *Config) DatabaseURL() string {
	pass := url.QueryEscape(c.DB.Password)
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DB.User, pass, c.DB.Host, c.DB.Port, c.DB.Database, c.DB.SSLMode)
}

func (c *Config) Addr() string {
	return c.AppHost + ":" + c.HTTPPort
}

func firstEnv(keysAndDef ...string) string {
	if len(keysAndDef) == 0 {
		return ""
	}
	def := keysAndDef[len(keysAndDef)-1]
	for _, k := range keysAndDef[:len(keysAndDef)-1] {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

// splitList splits "a, b,c" into a slice, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "support-chat"
	}
	return h
}
