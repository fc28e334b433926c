package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// DriverWhatsmeow talks to WhatsApp through the multi-device protocol library.
	DriverWhatsmeow = "whatsmeow"
	// DriverWebClient drives WhatsApp Web in a local Chrome profile.
	DriverWebClient = "webclient"
)

// Config holds application configuration
type Config struct {
	Env         string
	LogLevel    string
	LogFormat   string
	DatabaseURL string
	MetricsAddr string

	// Relay behaviour
	Driver         string
	SessionDir     string
	WebURL         string
	PollInterval   time.Duration
	CountryCode    string
	BranchCode     string
	OTPTemplate    string
	SendTimeout    time.Duration
	SendSettle     time.Duration
	LinkAttempts   int
	LinkInterval   time.Duration
	ReadyAttempts  int
	ReadyInterval  time.Duration
	ReadyProbeWait time.Duration

	// Duplicate-send guard
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
	LedgerTTL     time.Duration

	// SMS fallback for recipients without WhatsApp
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
}

// Load reads configuration from environment variables. A .env file in the
// working directory is applied first when present; real environment values win.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Env:         getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		MetricsAddr: getEnv("METRICS_ADDR", ""),

		Driver:         strings.ToLower(strings.TrimSpace(getEnv("RELAY_DRIVER", DriverWhatsmeow))),
		SessionDir:     getEnv("RELAY_SESSION_DIR", "whatsapp_session"),
		WebURL:         strings.TrimRight(getEnv("RELAY_WEB_URL", "https://web.whatsapp.com"), "/"),
		PollInterval:   getEnvAsDuration("RELAY_POLL_INTERVAL", 5*time.Second),
		CountryCode:    getEnv("RELAY_COUNTRY_CODE", "90"),
		BranchCode:     strings.TrimSpace(getEnv("RELAY_BRANCH_CODE", "")),
		OTPTemplate:    getEnv("RELAY_OTP_TEMPLATE", ""),
		SendTimeout:    getEnvAsDuration("RELAY_SEND_TIMEOUT", 30*time.Second),
		SendSettle:     getEnvAsDuration("RELAY_SEND_SETTLE", 3*time.Second),
		LinkAttempts:   getEnvAsInt("RELAY_LINK_ATTEMPTS", 120),
		LinkInterval:   getEnvAsDuration("RELAY_LINK_INTERVAL", 2*time.Second),
		ReadyAttempts:  getEnvAsInt("RELAY_READY_ATTEMPTS", 60),
		ReadyInterval:  getEnvAsDuration("RELAY_READY_INTERVAL", 2*time.Second),
		ReadyProbeWait: getEnvAsDuration("RELAY_READY_PROBE_WAIT", 5*time.Second),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
		LedgerTTL:     getEnvAsDuration("RELAY_LEDGER_TTL", 24*time.Hour),

		TwilioAccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber: getEnv("TWILIO_FROM_NUMBER", ""),
	}
}

// Validate reports configuration the relay cannot start without. The link
// mode only needs a session directory, so the database check is skipped there.
func (c *Config) Validate(linkMode bool) error {
	var missing []string
	if !linkMode && strings.TrimSpace(c.DatabaseURL) == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if strings.TrimSpace(c.SessionDir) == "" {
		missing = append(missing, "RELAY_SESSION_DIR")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing %s", strings.Join(missing, ", "))
	}
	switch c.Driver {
	case DriverWhatsmeow, DriverWebClient:
	default:
		return fmt.Errorf("config: unknown RELAY_DRIVER %q", c.Driver)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: RELAY_POLL_INTERVAL must be positive")
	}
	return nil
}

// TwilioConfigured reports whether the SMS fallback has credentials.
func (c *Config) TwilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
