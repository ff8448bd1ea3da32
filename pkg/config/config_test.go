package config

import (
	"strings"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	if cfg.RedisHost != "localhost" || cfg.RedisPort != 6379 {
		t.Errorf("Unexpected redis defaults: %s:%d", cfg.RedisHost, cfg.RedisPort)
	}
	if cfg.QueueName != "acheron" {
		t.Errorf("Expected queue name acheron, got %s", cfg.QueueName)
	}
	if cfg.AckTimeout != 300 {
		t.Errorf("Expected ack timeout 300, got %v", cfg.AckTimeout)
	}
	if cfg.MaxAttempts != 3 {
		t.Errorf("Expected max attempts 3, got %d", cfg.MaxAttempts)
	}
	if cfg.PriorityLevels != 10 {
		t.Errorf("Expected 10 priority levels, got %d", cfg.PriorityLevels)
	}
	if cfg.MaxAckHistory != 1000 {
		t.Errorf("Expected ack history 1000, got %d", cfg.MaxAckHistory)
	}
	if cfg.EventsChannel != "acheron_events" {
		t.Errorf("Expected events channel acheron_events, got %s", cfg.EventsChannel)
	}
	if cfg.ConsumerGroup != "acheron_workers" {
		t.Errorf("Expected consumer group acheron_workers, got %s", cfg.ConsumerGroup)
	}
	if !strings.HasPrefix(cfg.ConsumerName, "consumer-") {
		t.Errorf("Expected generated consumer name, got %s", cfg.ConsumerName)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("QUEUE_NAME", "styx")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("ACK_TIMEOUT_SECONDS", "1.5")
	t.Setenv("ENABLE_MESSAGE_ENCRYPTION", "true")
	t.Setenv("SECRET_KEY", "obol")
	t.Setenv("CONSUMER_NAME", "consumer-fixed")

	cfg := Load()

	if cfg.QueueName != "styx" {
		t.Errorf("Expected queue styx, got %s", cfg.QueueName)
	}
	if cfg.RedisAddr() != "localhost:6380" {
		t.Errorf("Expected localhost:6380, got %s", cfg.RedisAddr())
	}
	if cfg.AckTimeout != 1.5 {
		t.Errorf("Expected ack timeout 1.5, got %v", cfg.AckTimeout)
	}
	if !cfg.EnableEncryption || cfg.SecretKey != "obol" {
		t.Error("Encryption settings not applied")
	}
	// Derived names follow the queue name.
	if cfg.EventsChannel != "styx_events" {
		t.Errorf("Expected styx_events, got %s", cfg.EventsChannel)
	}
	if cfg.ConsumerGroup != "styx_workers" {
		t.Errorf("Expected styx_workers, got %s", cfg.ConsumerGroup)
	}
	if cfg.ConsumerName != "consumer-fixed" {
		t.Errorf("Expected consumer-fixed, got %s", cfg.ConsumerName)
	}
}

func TestGetEnvHelpers_BadValues(t *testing.T) {
	t.Setenv("REDIS_PORT", "not-a-number")
	t.Setenv("ACK_TIMEOUT_SECONDS", "soon")
	t.Setenv("ENABLE_MESSAGE_ENCRYPTION", "yep")

	if got := GetEnvInt("REDIS_PORT", 6379); got != 6379 {
		t.Errorf("Expected fallback 6379, got %d", got)
	}
	if got := GetEnvFloat("ACK_TIMEOUT_SECONDS", 300); got != 300 {
		t.Errorf("Expected fallback 300, got %v", got)
	}
	if got := GetEnvBool("ENABLE_MESSAGE_ENCRYPTION", false); got {
		t.Error("Expected fallback false for unparsable bool")
	}
}
