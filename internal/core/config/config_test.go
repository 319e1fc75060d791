package config

import (
	"testing"
	"time"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("ANALYSIS_MAX_CONCURRENT", "")
	t.Setenv("API_STAC_ENDPOINT", "")

	cfg := FromEnv()
	if cfg.MaxConcurrent != DefaultMaxConcurrent {
		t.Fatalf("MaxConcurrent=%d want %d", cfg.MaxConcurrent, DefaultMaxConcurrent)
	}
	if cfg.MaxQueryNum != DefaultMaxQueryNum {
		t.Fatalf("MaxQueryNum=%d want %d", cfg.MaxQueryNum, DefaultMaxQueryNum)
	}
	if cfg.AssetKey != "cog_default" {
		t.Fatalf("AssetKey=%q want cog_default", cfg.AssetKey)
	}
	if cfg.Cache.TTL != 0 {
		t.Fatalf("cache ttl=%v want 0 (no expiry)", cfg.Cache.TTL)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("API_STAC_ENDPOINT", "http://stac.local/")
	t.Setenv("ANALYSIS_MAX_CONCURRENT", "4")
	t.Setenv("UPSTREAM_TIMEOUT", "2s")
	t.Setenv("CACHE_REDIS_ENABLED", "yes")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,,")

	cfg := FromEnv()
	if cfg.STACEndpoint != "http://stac.local" {
		t.Fatalf("STACEndpoint=%q want trailing slash trimmed", cfg.STACEndpoint)
	}
	if cfg.MaxConcurrent != 4 {
		t.Fatalf("MaxConcurrent=%d want 4", cfg.MaxConcurrent)
	}
	if cfg.UpstreamTimeout != 2*time.Second {
		t.Fatalf("UpstreamTimeout=%v want 2s", cfg.UpstreamTimeout)
	}
	if !cfg.Cache.RedisEnabled {
		t.Fatalf("expected redis enabled")
	}
	if len(cfg.Sink.Brokers) != 2 || cfg.Sink.Brokers[1] != "b:9092" {
		t.Fatalf("brokers=%v", cfg.Sink.Brokers)
	}
}

func TestFromEnv_InvalidConcurrencyFallsBack(t *testing.T) {
	t.Setenv("ANALYSIS_MAX_CONCURRENT", "0")
	if got := FromEnv().MaxConcurrent; got != DefaultMaxConcurrent {
		t.Fatalf("MaxConcurrent=%d want %d", got, DefaultMaxConcurrent)
	}
}

func TestFromEnv_Invalidation(t *testing.T) {
	t.Setenv("INVALIDATION_KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_INVALIDATION_TOPIC", "")
	t.Setenv("KAFKA_GROUP_ID", "analysis-a")

	inv := FromEnv().Invalidation
	if !inv.KafkaEnabled || inv.Topic != "catalog-updates" || inv.GroupID != "analysis-a" {
		t.Fatalf("invalidation=%+v", inv)
	}
}
