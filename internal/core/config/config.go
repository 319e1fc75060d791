package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultMaxConcurrent = 15
	DefaultMaxQueryNum   = 300
	DefaultSearchLimit   = 10000
	DefaultAssetKey      = "cog_default"
)

type CacheCfg struct {
	Size         int
	TTL          time.Duration
	RedisEnabled bool
	RedisAddr    string
	RedisTTL     time.Duration
	OpTimeout    time.Duration
}

type SinkCfg struct {
	KafkaEnabled bool
	Brokers      []string
	Topic        string
}

type InvalidationCfg struct {
	KafkaEnabled bool
	Brokers      []string
	Topic        string
	// GroupID defaults to one group per host.
	GroupID string
}

type Config struct {
	Addr             string
	LogLevel         string
	LogConsole       bool
	LogSampleN       int
	STACEndpoint     string
	RasterEndpoint   string
	MaxConcurrent    int
	MaxQueryNum      int
	SearchLimit      int
	AssetKey         string
	UpstreamTimeout  time.Duration
	UpstreamRate     float64
	UpstreamBurst    int
	Cache            CacheCfg
	Sink             SinkCfg
	Invalidation     InvalidationCfg
	MetricsEnabled   bool
	MetricsAddr      string
	MetricsPath      string
	StreamBufferSize int
}

func FromEnv() Config {
	maxConc := getint("ANALYSIS_MAX_CONCURRENT", DefaultMaxConcurrent)
	if maxConc < 1 {
		maxConc = DefaultMaxConcurrent
	}
	maxQuery := getint("ANALYSIS_MAX_QUERY_NUM", DefaultMaxQueryNum)
	if maxQuery < 1 {
		maxQuery = DefaultMaxQueryNum
	}
	cacheTTL := getduration("CACHE_TTL", 0)

	return Config{
		Addr:            getenv("ADDR", ":8090"),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		LogConsole:      getbool("LOG_CONSOLE", false),
		LogSampleN:      getint("LOG_SAMPLE_N", 0),
		STACEndpoint:    strings.TrimRight(getenv("API_STAC_ENDPOINT", "https://staging.openveda.cloud/api/stac"), "/"),
		RasterEndpoint:  strings.TrimRight(getenv("API_RASTER_ENDPOINT", "https://staging.openveda.cloud/api/raster"), "/"),
		MaxConcurrent:   maxConc,
		MaxQueryNum:     maxQuery,
		SearchLimit:     getint("ANALYSIS_SEARCH_LIMIT", DefaultSearchLimit),
		AssetKey:        getenv("ANALYSIS_ASSET_KEY", DefaultAssetKey),
		UpstreamTimeout: getduration("UPSTREAM_TIMEOUT", 30*time.Second),
		UpstreamRate:    getfloat("UPSTREAM_RATE_LIMIT", 0),
		UpstreamBurst:   getint("UPSTREAM_RATE_BURST", DefaultMaxConcurrent),
		Cache: CacheCfg{
			Size:         getint("CACHE_SIZE", 4096),
			TTL:          cacheTTL,
			RedisEnabled: getbool("CACHE_REDIS_ENABLED", false),
			RedisAddr:    getenv("REDIS_ADDR", "localhost:6379"),
			RedisTTL:     getduration("CACHE_REDIS_TTL", time.Hour),
			OpTimeout:    getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
		},
		Sink: SinkCfg{
			KafkaEnabled: getbool("SINK_KAFKA_ENABLED", false),
			Brokers:      splitCSV(getenv("KAFKA_BROKERS", "localhost:9092")),
			Topic:        getenv("KAFKA_TOPIC", "analysis-progress"),
		},
		Invalidation: InvalidationCfg{
			KafkaEnabled: getbool("INVALIDATION_KAFKA_ENABLED", false),
			Brokers:      splitCSV(getenv("KAFKA_BROKERS", "localhost:9092")),
			Topic:        getenv("KAFKA_INVALIDATION_TOPIC", "catalog-updates"),
			GroupID:      os.Getenv("KAFKA_GROUP_ID"),
		},
		MetricsEnabled:   getbool("METRICS_ENABLED", false),
		MetricsAddr:      getenv("METRICS_ADDR", ":9090"),
		MetricsPath:      getenv("METRICS_PATH", "/metrics"),
		StreamBufferSize: getint("STREAM_BUFFER_SIZE", 64),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
