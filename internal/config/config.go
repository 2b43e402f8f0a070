// Package config loads daemon configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dukerupert/strongbox/internal/device"
	"github.com/dukerupert/strongbox/internal/push"
	"github.com/dukerupert/strongbox/internal/remote"
)

type Config struct {
	Port      string
	DBPath    string
	ExportDir string
	LogLevel  string
	LogFormat string

	// Passphrase unlocks the account at startup when set.
	Passphrase string
	// APIToken guards the HTTP API when set.
	APIToken string

	S3   remote.Config
	Push push.Config

	NetworkOverride string
	PowerOverride   string

	ScheduleInterval time.Duration
	ScheduleBudget   time.Duration
	Retention        time.Duration
	BacklogTimeout   time.Duration

	AttachmentConcurrency int
	ListMediaInterval     time.Duration
	OffloadAfter          time.Duration
}

// Load reads .env.local if present, then STRONGBOX_* variables, and
// validates the result.
func Load() (*Config, error) {
	loadEnvFile()

	cfg := &Config{
		Port:      getEnv("STRONGBOX_PORT", "8080"),
		DBPath:    getEnv("STRONGBOX_DB_PATH", "strongbox.db"),
		ExportDir: getEnv("STRONGBOX_EXPORT_DIR", os.TempDir()),
		LogLevel:  getEnv("STRONGBOX_LOG_LEVEL", "info"),
		LogFormat: getEnv("STRONGBOX_LOG_FORMAT", "text"),

		Passphrase: os.Getenv("STRONGBOX_PASSPHRASE"),
		APIToken:   os.Getenv("STRONGBOX_API_TOKEN"),

		S3: remote.Config{
			Endpoint:  getEnv("STRONGBOX_S3_ENDPOINT", ""),
			Bucket:    getEnv("STRONGBOX_S3_BUCKET", ""),
			Region:    getEnv("STRONGBOX_S3_REGION", "us-east-1"),
			AccessKey: getEnv("STRONGBOX_S3_ACCESS_KEY", ""),
			SecretKey: getEnv("STRONGBOX_S3_SECRET_KEY", ""),
		},

		Push: push.Config{
			VAPIDPublicKey:  getEnv("STRONGBOX_VAPID_PUBLIC_KEY", ""),
			VAPIDPrivateKey: getEnv("STRONGBOX_VAPID_PRIVATE_KEY", ""),
			Subscriber:      getEnv("STRONGBOX_PUSH_SUBSCRIBER", ""),
		},

		NetworkOverride: strings.ToLower(getEnv("STRONGBOX_NETWORK", device.NetworkAuto)),
		PowerOverride:   strings.ToLower(getEnv("STRONGBOX_POWER", device.PowerAuto)),

		ScheduleInterval: getEnvAsDuration("STRONGBOX_SCHEDULE_INTERVAL", time.Minute),
		ScheduleBudget:   getEnvAsDuration("STRONGBOX_SCHEDULE_BUDGET", 30*time.Minute),
		Retention:        getEnvAsDuration("STRONGBOX_RETENTION", 30*24*time.Hour),
		BacklogTimeout:   getEnvAsDuration("STRONGBOX_BACKLOG_TIMEOUT", 30*time.Second),

		AttachmentConcurrency: getEnvAsInt("STRONGBOX_ATTACHMENT_CONCURRENCY", 4),
		ListMediaInterval:     getEnvAsDuration("STRONGBOX_LIST_MEDIA_INTERVAL", 24*time.Hour),
		OffloadAfter:          getEnvAsDuration("STRONGBOX_OFFLOAD_AFTER", 30*24*time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}
	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}
	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("STRONGBOX_PORT must be a number, got %q", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("STRONGBOX_DB_PATH is required")
	}

	switch c.NetworkOverride {
	case device.NetworkAuto, device.NetworkWifi, device.NetworkCellular, device.NetworkNone:
	default:
		return fmt.Errorf("STRONGBOX_NETWORK must be wifi, cellular or none, got %q", c.NetworkOverride)
	}
	switch c.PowerOverride {
	case device.PowerAuto, device.PowerAC, device.PowerLow:
	default:
		return fmt.Errorf("STRONGBOX_POWER must be ac or low, got %q", c.PowerOverride)
	}

	if c.S3.Bucket != "" && !c.S3.Enabled() {
		return fmt.Errorf("STRONGBOX_S3_ACCESS_KEY and STRONGBOX_S3_SECRET_KEY are required with a bucket")
	}
	if (c.Push.VAPIDPublicKey == "") != (c.Push.VAPIDPrivateKey == "") {
		return fmt.Errorf("STRONGBOX_VAPID_PUBLIC_KEY and STRONGBOX_VAPID_PRIVATE_KEY must be set together")
	}
	if c.AttachmentConcurrency < 1 {
		return fmt.Errorf("STRONGBOX_ATTACHMENT_CONCURRENCY must be at least 1")
	}
	if c.ScheduleInterval <= 0 {
		return fmt.Errorf("STRONGBOX_SCHEDULE_INTERVAL must be positive")
	}
	if c.Retention < 0 || c.ScheduleBudget < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go duration strings ("90s", "720h").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
