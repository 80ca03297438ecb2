package config

import (
	"time"

	"devicemanager/pkg/config"
)

// Config stores environment configuration for bosun.
type Config struct {
	Port               string
	JWTSecret          []byte
	DatabaseURL        string
	RedisURL           string
	KafkaBrokers       []string
	KafkaClientID      string
	KafkaAuditTopic    string
	KafkaPresenceTopic string
	HubWorkers         int
	CommandTimeoutMax  time.Duration
	QueryTimeout       time.Duration
	StreamBuffer       int
	StreamPushTimeout  time.Duration
	PairingCodeTTL     time.Duration
	DeviceTokenTTL     time.Duration
	DisplayCacheTTL    time.Duration
}

// Load reads the bosun configuration from environment variables.
// JWT_SECRET is mandatory; every backing store falls back to memory when unset.
func Load() Config {
	return Config{
		Port:               config.GetEnv("PORT", "18020"),
		JWTSecret:          []byte(config.RequireEnv("JWT_SECRET")),
		DatabaseURL:        config.GetEnv("DATABASE_URL", ""),
		RedisURL:           config.GetEnv("REDIS_URL", ""),
		KafkaBrokers:       config.GetEnvList("KAFKA_BROKERS"),
		KafkaClientID:      config.GetEnv("KAFKA_CLIENT_ID", "bosun"),
		KafkaAuditTopic:    config.GetEnv("KAFKA_EVENTS_TOPIC", "device_command_audit"),
		KafkaPresenceTopic: config.GetEnv("KAFKA_PRESENCE_TOPIC", "device_presence"),
		HubWorkers:         positive(config.GetEnvInt("HUB_WORKERS", 256), 256),
		CommandTimeoutMax:  config.GetEnvDuration("COMMAND_TIMEOUT_MAX", 5*time.Minute),
		QueryTimeout:       config.GetEnvDuration("QUERY_TIMEOUT", 5*time.Minute),
		StreamBuffer:       positive(config.GetEnvInt("STREAM_BUFFER", 256), 256),
		StreamPushTimeout:  config.GetEnvDuration("STREAM_PUSH_TIMEOUT", 5*time.Second),
		PairingCodeTTL:     config.GetEnvDuration("PAIRING_CODE_TTL", 10*time.Minute),
		DeviceTokenTTL:     config.GetEnvDuration("DEVICE_TOKEN_TTL", 365*24*time.Hour),
		DisplayCacheTTL:    config.GetEnvDuration("DISPLAY_CACHE_TTL", 30*time.Second),
	}
}

// Required lists the settings bosun cannot serve without, for the configuration health check.
func (c Config) Required() map[string]string {
	secret := ""
	if len(c.JWTSecret) > 0 {
		secret = "set"
	}
	return map[string]string{
		"PORT":       c.Port,
		"JWT_SECRET": secret,
	}
}

func positive(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
