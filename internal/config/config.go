// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // Zone database for MONITOR_TIMEZONE on minimal images.
)

// Config holds the application configuration.
type Config struct {
	DatabasePath string
	LogLevel     string
	HTTPAddr     string
	CORSOrigins  []string

	SecretKey      string
	AccessTokenTTL time.Duration

	VKAccessToken string
	VKGroupToken  string
	VKAppSecret   string
	VKAPIURL      string
	VKAPIVersion  string

	TelegramBotToken string
	RedisURL         string

	MonitorSchedule  string
	ReportSchedule   string
	MonitorTimezone  string
	MonitorWorkers   int
	PostTimeout      time.Duration
	FetchMaxAttempts int
	FetchMaxPages    int
	InitialLookback  time.Duration
	RetentionDays    int

	SimilarityThreshold    float64
	MaxNotificationsPerDay int
	CheckPostPerMinute     int

	ReferenceGroupIDs []int64
	ReferenceFeeds    []string

	VKPayMerchantID string
	VKPaySecretKey  string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	secret := os.Getenv("SECRET_KEY")
	if secret == "" {
		return nil, fmt.Errorf("SECRET_KEY is required")
	}
	vkToken := os.Getenv("VK_ACCESS_TOKEN")
	if vkToken == "" {
		return nil, fmt.Errorf("VK_ACCESS_TOKEN is required")
	}

	cfg := &Config{
		DatabasePath:     envOr("DATABASE_PATH", "./data/monitor.db"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		HTTPAddr:         envOr("HTTP_ADDR", ":8000"),
		CORSOrigins:      splitList(os.Getenv("CORS_ORIGINS")),
		SecretKey:        secret,
		VKAccessToken:    vkToken,
		VKGroupToken:     os.Getenv("VK_GROUP_TOKEN"),
		VKAppSecret:      os.Getenv("VK_APP_SECRET"),
		VKAPIURL:         envOr("VK_API_URL", "https://api.vk.com/method"),
		VKAPIVersion:     envOr("VK_API_VERSION", "5.131"),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		RedisURL:         os.Getenv("REDIS_URL"),
		MonitorSchedule:  envOr("MONITOR_SCHEDULE", "0 9,18 * * *"),
		ReportSchedule:   envOr("REPORT_SCHEDULE", "0 21 * * *"),
		MonitorTimezone:  envOr("MONITOR_TIMEZONE", "Europe/Moscow"),
		ReferenceFeeds:   splitList(os.Getenv("REFERENCE_FEEDS")),
		VKPayMerchantID:  os.Getenv("VK_PAY_MERCHANT_ID"),
		VKPaySecretKey:   os.Getenv("VK_PAY_SECRET_KEY"),
	}

	var err error
	if cfg.AccessTokenTTL, err = durationEnv("ACCESS_TOKEN_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.PostTimeout, err = durationEnv("POST_TIMEOUT", 20*time.Second); err != nil {
		return nil, err
	}
	if cfg.InitialLookback, err = durationEnv("INITIAL_LOOKBACK", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.MonitorWorkers, err = intEnv("MONITOR_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.FetchMaxAttempts, err = intEnv("FETCH_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.FetchMaxPages, err = intEnv("FETCH_MAX_PAGES", 10); err != nil {
		return nil, err
	}
	if cfg.RetentionDays, err = intEnv("POST_RETENTION_DAYS", 30); err != nil {
		return nil, err
	}
	if cfg.MaxNotificationsPerDay, err = intEnv("MAX_NOTIFICATIONS_PER_DAY", 10); err != nil {
		return nil, err
	}
	if cfg.CheckPostPerMinute, err = intEnv("CHECK_POST_PER_MINUTE", 10); err != nil {
		return nil, err
	}

	cfg.SimilarityThreshold = 0.7
	if raw := os.Getenv("SIMILARITY_THRESHOLD"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 || v > 1 {
			return nil, fmt.Errorf("invalid SIMILARITY_THRESHOLD %q: must be in (0, 1]", raw)
		}
		cfg.SimilarityThreshold = v
	}

	for _, s := range splitList(os.Getenv("REFERENCE_GROUP_IDS")) {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid group ID %q in REFERENCE_GROUP_IDS: %w", s, err)
		}
		if id > 0 {
			id = -id
		}
		cfg.ReferenceGroupIDs = append(cfg.ReferenceGroupIDs, id)
	}

	if _, err := time.LoadLocation(cfg.MonitorTimezone); err != nil {
		return nil, fmt.Errorf("invalid MONITOR_TIMEZONE %q: %w", cfg.MonitorTimezone, err)
	}

	return cfg, nil
}

// Location returns the timezone used for schedules and daily counters.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.MonitorTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be a positive integer", key, raw)
	}
	return v, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be a positive duration", key, raw)
	}
	return v, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}
