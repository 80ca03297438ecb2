package config

import (
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "DATABASE_URL", "REDIS_URL", "KAFKA_BROKERS", "HUB_WORKERS", "STREAM_BUFFER"} {
		t.Setenv(key, "")
	}
	t.Setenv("JWT_SECRET", "secret")
	cfg := Load()

	if cfg.Port != "18020" {
		t.Fatalf("expected default port 18020, got %q", cfg.Port)
	}
	if string(cfg.JWTSecret) != "secret" {
		t.Fatalf("unexpected secret %q", cfg.JWTSecret)
	}
	if cfg.DatabaseURL != "" || cfg.RedisURL != "" || cfg.KafkaBrokers != nil {
		t.Fatalf("expected no backing stores by default, got %+v", cfg)
	}
	if cfg.KafkaAuditTopic != "device_command_audit" || cfg.KafkaPresenceTopic != "device_presence" {
		t.Fatalf("unexpected topics %q %q", cfg.KafkaAuditTopic, cfg.KafkaPresenceTopic)
	}
	if cfg.HubWorkers != 256 || cfg.StreamBuffer != 256 {
		t.Fatalf("unexpected pool sizes %d %d", cfg.HubWorkers, cfg.StreamBuffer)
	}
	if cfg.CommandTimeoutMax != 5*time.Minute || cfg.QueryTimeout != 5*time.Minute {
		t.Fatalf("unexpected timeouts %v %v", cfg.CommandTimeoutMax, cfg.QueryTimeout)
	}
	if cfg.PairingCodeTTL != 10*time.Minute || cfg.DeviceTokenTTL != 8760*time.Hour {
		t.Fatalf("unexpected TTLs %v %v", cfg.PairingCodeTTL, cfg.DeviceTokenTTL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("PORT", "9000")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("HUB_WORKERS", "-4")
	t.Setenv("STREAM_PUSH_TIMEOUT", "750ms")
	t.Setenv("DISPLAY_CACHE_TTL", "2m")
	cfg := Load()

	if cfg.Port != "9000" {
		t.Fatalf("expected port override, got %q", cfg.Port)
	}
	if !reflect.DeepEqual(cfg.KafkaBrokers, []string{"k1:9092", "k2:9092"}) {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.HubWorkers != 256 {
		t.Fatalf("expected non-positive worker count to fall back, got %d", cfg.HubWorkers)
	}
	if cfg.StreamPushTimeout != 750*time.Millisecond || cfg.DisplayCacheTTL != 2*time.Minute {
		t.Fatalf("unexpected durations %v %v", cfg.StreamPushTimeout, cfg.DisplayCacheTTL)
	}
}

func TestRequiredHidesSecret(t *testing.T) {
	req := Config{Port: "18020", JWTSecret: []byte("hunter2")}.Required()
	if req["JWT_SECRET"] != "set" {
		t.Fatalf("expected redacted secret, got %q", req["JWT_SECRET"])
	}
	if req := (Config{Port: "1"}).Required(); req["JWT_SECRET"] != "" {
		t.Fatalf("expected missing secret to be reported empty")
	}
}
