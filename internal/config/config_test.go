package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.WebhookConnectTimeout != 5*time.Second || cfg.WebhookReadTimeout != 10*time.Second {
		t.Errorf("unexpected webhook timeouts %s/%s", cfg.WebhookConnectTimeout, cfg.WebhookReadTimeout)
	}
	if cfg.FreeMessageLimit != 10 || cfg.FreeHistoryWindow() != 7*24*time.Hour {
		t.Errorf("unexpected plan defaults: limit %d window %s", cfg.FreeMessageLimit, cfg.FreeHistoryWindow())
	}
	if cfg.SQSRegion != cfg.AWSRegion {
		t.Errorf("expected SQS region to follow AWS_REGION, got %s", cfg.SQSRegion)
	}
	if cfg.RedisEnabled {
		t.Error("expected redis disabled without REDIS_HOST")
	}
	if cfg.TrustProxyHeaders {
		t.Error("expected proxy headers to be untrusted by default")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORE", "memory")
	t.Setenv("READ_LOCK_TIMEOUT", "750ms")
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("EMAIL_TRANSPORT", "smtp")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("TRUST_PROXY_HEADERS", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 9090 || cfg.Store != "memory" {
		t.Errorf("unexpected port/store: %d %s", cfg.Port, cfg.Store)
	}
	if cfg.ReadLockTimeout != 750*time.Millisecond {
		t.Errorf("expected 750ms lock timeout, got %s", cfg.ReadLockTimeout)
	}
	if !cfg.RedisEnabled || cfg.RedisHost != "cache" {
		t.Error("expected REDIS_HOST to enable redis")
	}
	if !cfg.TrustProxyHeaders {
		t.Error("expected TRUST_PROXY_HEADERS to be honored")
	}
	if cfg.SQSRegion != "eu-west-1" || cfg.SNSRegion != "eu-west-1" {
		t.Errorf("expected regions to follow AWS_REGION, got %s/%s", cfg.SQSRegion, cfg.SNSRegion)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"port", "PORT", "eighty"},
		{"store", "STORE", "sqlite"},
		{"duration", "WEBHOOK_READ_TIMEOUT", "ten"},
		{"transport", "EMAIL_TRANSPORT", "pigeon"},
		{"redis flag", "REDIS_ENABLED", "maybe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestLoad_ProductionRequiresCookieSecret(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("COOKIE_SECRET", "")

	if _, err := Load(); err == nil {
		t.Error("expected missing COOKIE_SECRET to fail in production")
	}
}
