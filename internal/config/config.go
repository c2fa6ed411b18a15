// Package config assembles a Config from environment variables (with
// optional .env loading) and functional-option overrides, the same
// two-layer shape the teacher project uses for its service preferences.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full configuration surface consumed by pkg/transcriber.Client.
type Config struct {
	APIKey string
	// EndpointHost is the remote model host, without scheme (e.g.
	// "generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash-exp");
	// pkg/transcriber.Client prefixes it with wss/ws and https/http per
	// transport tier.
	EndpointHost string
	// Insecure dials ws:// and http:// instead of wss:// and https://,
	// for local fake/test servers that don't terminate TLS.
	Insecure bool

	MaxConsecutive1007         int
	MaxSchemaVariantFailures   int
	ConnectionQualityThreshold float64
	FallbackDelay              time.Duration
	TransportTimeout           time.Duration
	EnableAggressiveFallback   bool
	EnableAudioBuffering       bool

	ReplayMaxConcurrentReplays int
	ReplayBacklogThreshold     time.Duration
	ReplayTimeout              time.Duration

	BufferMaxSegments   int
	BufferMaxMemoryMB   int
	BufferMaxAge        time.Duration

	HeartbeatInterval time.Duration
}

// Option mutates a Config built from environment defaults, for
// programmatic overrides.
type Option func(*Config)

func WithAPIKey(key string) Option { return func(c *Config) { c.APIKey = key } }

func WithEndpointHost(host string) Option { return func(c *Config) { c.EndpointHost = host } }

func WithInsecure(insecure bool) Option { return func(c *Config) { c.Insecure = insecure } }

func WithAggressiveFallback(enabled bool) Option {
	return func(c *Config) { c.EnableAggressiveFallback = enabled }
}

func WithAudioBuffering(enabled bool) Option {
	return func(c *Config) { c.EnableAudioBuffering = enabled }
}

func WithFallbackDelay(d time.Duration) Option {
	return func(c *Config) { c.FallbackDelay = d }
}

func WithTransportTimeout(d time.Duration) Option {
	return func(c *Config) { c.TransportTimeout = d }
}

// defaults returns the spec's baseline configuration before env or
// option overrides are applied.
func defaults() Config {
	return Config{
		EndpointHost:               "generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash-exp",
		MaxConsecutive1007:         3,
		MaxSchemaVariantFailures:   6,
		ConnectionQualityThreshold: 0.4,
		FallbackDelay:              500 * time.Millisecond,
		TransportTimeout:           10 * time.Second,
		EnableAggressiveFallback:   true,
		EnableAudioBuffering:       true,
		ReplayMaxConcurrentReplays: 3,
		ReplayBacklogThreshold:     5 * time.Second,
		ReplayTimeout:              8 * time.Second,
		BufferMaxSegments:          100,
		BufferMaxMemoryMB:          16,
		BufferMaxAge:               30 * time.Second,
		HeartbeatInterval:          15 * time.Second,
	}
}

// Load reads envFile (if non-empty) via godotenv, then environment
// variables, then applies opts, in that order of increasing precedence.
func Load(envFile string, opts ...Option) Config {
	if envFile != "" {
		_ = godotenv.Load(envFile)
	}

	cfg := defaults()
	applyEnv(&cfg)
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func applyEnv(c *Config) {
	if v := os.Getenv("TRANSCRIBER_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("TRANSCRIBER_ENDPOINT_HOST"); v != "" {
		c.EndpointHost = v
	}
	if v, ok := getenvBool("TRANSCRIBER_INSECURE"); ok {
		c.Insecure = v
	}
	if v, ok := getenvInt("TRANSCRIBER_MAX_CONSECUTIVE_1007"); ok {
		c.MaxConsecutive1007 = v
	}
	if v, ok := getenvInt("TRANSCRIBER_MAX_SCHEMA_VARIANT_FAILURES"); ok {
		c.MaxSchemaVariantFailures = v
	}
	if v, ok := getenvFloat("TRANSCRIBER_CONNECTION_QUALITY_THRESHOLD"); ok {
		c.ConnectionQualityThreshold = v
	}
	if v, ok := getenvDuration("TRANSCRIBER_FALLBACK_DELAY_MS"); ok {
		c.FallbackDelay = v
	}
	if v, ok := getenvDuration("TRANSCRIBER_TRANSPORT_TIMEOUT_MS"); ok {
		c.TransportTimeout = v
	}
	if v, ok := getenvBool("TRANSCRIBER_ENABLE_AGGRESSIVE_FALLBACK"); ok {
		c.EnableAggressiveFallback = v
	}
	if v, ok := getenvBool("TRANSCRIBER_ENABLE_AUDIO_BUFFERING"); ok {
		c.EnableAudioBuffering = v
	}
	if v, ok := getenvInt("TRANSCRIBER_REPLAY_MAX_CONCURRENT_REPLAYS"); ok {
		c.ReplayMaxConcurrentReplays = v
	}
	if v, ok := getenvDuration("TRANSCRIBER_REPLAY_BACKLOG_THRESHOLD_MS"); ok {
		c.ReplayBacklogThreshold = v
	}
	if v, ok := getenvInt("TRANSCRIBER_BUFFER_MAX_SEGMENTS"); ok {
		c.BufferMaxSegments = v
	}
	if v, ok := getenvInt("TRANSCRIBER_BUFFER_MAX_MEMORY_MB"); ok {
		c.BufferMaxMemoryMB = v
	}
	if v, ok := getenvDuration("TRANSCRIBER_BUFFER_MAX_AGE_MS"); ok {
		c.BufferMaxAge = v
	}
}

func getenvInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func getenvFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func getenvBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func getenvDuration(msKey string) (time.Duration, bool) {
	n, ok := getenvInt(msKey)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}
