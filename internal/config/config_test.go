package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"LOG_LEVEL", "RELAY_DRIVER", "RELAY_POLL_INTERVAL", "RELAY_COUNTRY_CODE", "RELAY_LINK_ATTEMPTS", "RELAY_READY_ATTEMPTS", "REDIS_ADDR"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	if cfg.LogLevel != "info" {
		t.Fatalf("expected default log level, got %s", cfg.LogLevel)
	}
	if cfg.Driver != DriverWhatsmeow {
		t.Fatalf("expected whatsmeow driver by default, got %s", cfg.Driver)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Fatalf("expected 5s poll interval, got %s", cfg.PollInterval)
	}
	if cfg.CountryCode != "90" {
		t.Fatalf("expected country code 90, got %s", cfg.CountryCode)
	}
	if cfg.LinkAttempts != 120 || cfg.LinkInterval != 2*time.Second {
		t.Fatalf("unexpected link wait %d x %s", cfg.LinkAttempts, cfg.LinkInterval)
	}
	if cfg.ReadyAttempts != 60 || cfg.ReadyInterval != 2*time.Second {
		t.Fatalf("unexpected ready wait %d x %s", cfg.ReadyAttempts, cfg.ReadyInterval)
	}
	if cfg.SendTimeout != 30*time.Second {
		t.Fatalf("expected 30s send timeout, got %s", cfg.SendTimeout)
	}
	if cfg.RedisAddr != "" {
		t.Fatalf("expected redis disabled by default, got %s", cfg.RedisAddr)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://user@host/db")
	t.Setenv("RELAY_DRIVER", " WebClient ")
	t.Setenv("RELAY_POLL_INTERVAL", "10s")
	t.Setenv("RELAY_BRANCH_CODE", " GBZ ")
	t.Setenv("RELAY_LINK_ATTEMPTS", "3")
	t.Setenv("RELAY_WEB_URL", "http://localhost:9222/")
	t.Setenv("REDIS_TLS", "true")
	cfg := Load()
	if cfg.DatabaseURL != "postgres://user@host/db" {
		t.Fatalf("expected db override, got %s", cfg.DatabaseURL)
	}
	if cfg.Driver != DriverWebClient {
		t.Fatalf("expected webclient driver, got %s", cfg.Driver)
	}
	if cfg.PollInterval != 10*time.Second {
		t.Fatalf("expected poll override, got %s", cfg.PollInterval)
	}
	if cfg.BranchCode != "GBZ" {
		t.Fatalf("expected trimmed branch code, got %q", cfg.BranchCode)
	}
	if cfg.LinkAttempts != 3 {
		t.Fatalf("expected link attempts override, got %d", cfg.LinkAttempts)
	}
	if cfg.WebURL != "http://localhost:9222" {
		t.Fatalf("expected trailing slash trimmed, got %s", cfg.WebURL)
	}
	if !cfg.RedisTLS {
		t.Fatalf("expected redis tls enabled")
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("RELAY_READY_ATTEMPTS", "many")
	t.Setenv("RELAY_SEND_TIMEOUT", "soon")
	cfg := Load()
	if cfg.ReadyAttempts != 60 {
		t.Fatalf("expected fallback ready attempts, got %d", cfg.ReadyAttempts)
	}
	if cfg.SendTimeout != 30*time.Second {
		t.Fatalf("expected fallback send timeout, got %s", cfg.SendTimeout)
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{Driver: DriverWhatsmeow, SessionDir: "session", PollInterval: time.Second}
	if err := cfg.Validate(false); err == nil {
		t.Fatalf("expected missing DATABASE_URL error")
	}
	if err := cfg.Validate(true); err != nil {
		t.Fatalf("link mode should not need a database: %v", err)
	}

	cfg.DatabaseURL = "postgres://localhost/db"
	if err := cfg.Validate(false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg.Driver = "selenium"
	if err := cfg.Validate(false); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestTwilioConfigured(t *testing.T) {
	cfg := &Config{TwilioAccountSID: "AC1", TwilioAuthToken: "tok"}
	if cfg.TwilioConfigured() {
		t.Fatalf("expected twilio disabled without from number")
	}
	cfg.TwilioFromNumber = "+15550001111"
	if !cfg.TwilioConfigured() {
		t.Fatalf("expected twilio enabled")
	}
}
