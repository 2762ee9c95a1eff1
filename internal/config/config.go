// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible
// defaults, the way every instance in the fleet is meant to be started:
// no config file, just env vars (optionally bootstrapped from a .env via
// github.com/joho/godotenv in cmd/server) plus static peer lists.
//
// Configuration categories:
//   - Instance: bind address, master coordinates, static membership seed
//   - Range: ID-range file paths and sizes
//   - Timeouts: agent/client/cache/no-reply timers
//   - HTTPClient: outbound peer client concurrency bound
//
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/iwp-relay/internal/domain"
	"github.com/ashureev/iwp-relay/internal/relay"
)

// TimeoutConfig holds the four suspension-point timeouts governing how long
// a waiting agent, waiting client, agent-cache hint, or paired-but-unanswered
// interaction is allowed to sit idle before it is torn down.
type TimeoutConfig struct {
	Agent    time.Duration // timeout_agent (default 60s)
	Cache    time.Duration // timeout_cache (default 5s)
	Client   time.Duration // timeout_client (default 5s)
	NoReply  time.Duration // timeout_no_reply (default 15s)
}

// RangeConfig holds ID-range pool paths and sizes.
type RangeConfig struct {
	File       string // range_file: this instance's own pool
	MasterFile string // master_range: only read when this instance is master
	Size       uint64 // range_size: how many IDs to request per refill
}

// MembershipConfig holds static seed membership.
type MembershipConfig struct {
	MasterServer string
	MasterPort   string
	Sites        []domain.Instance // static membership seed
}

// HTTPClientConfig bounds the outbound peer client.
type HTTPClientConfig struct {
	MaxClients int           // http_max_clients (default 10)
	Timeout    time.Duration // per-call deadline
}

// Config holds all application configuration for one instance.
type Config struct {
	Server string // this instance's DNS name
	Port   string // this instance's port
	Host   string // bind address, may differ from Server

	Membership MembershipConfig
	Range      RangeConfig
	Timeout    TimeoutConfig
	HTTPClient HTTPClientConfig
	BufferSize relay.BufferSizeTable

	LogLevel  string
	LogFormat string
}

// IsMaster reports whether this instance is the one configured as master.
func (c *Config) IsMaster() bool {
	return c.Server == c.Membership.MasterServer && c.Port == c.Membership.MasterPort
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Server: getEnv("IWP_SERVER", "localhost"),
		Port:   getEnv("IWP_PORT", "8080"),
		Host:   getEnv("IWP_HOST", "0.0.0.0"),
		Membership: MembershipConfig{
			MasterServer: getEnv("IWP_MASTER_SERVER", getEnv("IWP_SERVER", "localhost")),
			MasterPort:   getEnv("IWP_MASTER_PORT", getEnv("IWP_PORT", "8080")),
			Sites:        parseSites(getEnv("IWP_SITES", "")),
		},
		Range: RangeConfig{
			File:       getEnv("IWP_RANGE_FILE", "./data/range.txt"),
			MasterFile: getEnv("IWP_MASTER_RANGE_FILE", "./data/master_range.txt"),
			Size:       getEnvUint64("IWP_RANGE_SIZE", 1000),
		},
		Timeout: TimeoutConfig{
			Agent:   getEnvDuration("IWP_TIMEOUT_AGENT", 60*time.Second),
			Cache:   getEnvDuration("IWP_TIMEOUT_CACHE", 5*time.Second),
			Client:  getEnvDuration("IWP_TIMEOUT_CLIENT", 5*time.Second),
			NoReply: getEnvDuration("IWP_TIMEOUT_NO_REPLY", 15*time.Second),
		},
		HTTPClient: HTTPClientConfig{
			MaxClients: getEnvInt("IWP_HTTP_MAX_CLIENTS", 10),
			Timeout:    getEnvDuration("IWP_HTTP_CLIENT_TIMEOUT", 5*time.Second),
		},
		BufferSize: parseBufferSizeTable(getEnv("IWP_BUFFER_SIZE_TABLE", "")),
		LogLevel:   getEnv("IWP_LOG_LEVEL", "info"),
		LogFormat:  getEnv("IWP_LOG_FORMAT", "json"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration fields are set and sane.
func (c *Config) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("IWP_SERVER cannot be empty")
	}
	if c.Port == "" {
		return fmt.Errorf("IWP_PORT cannot be empty")
	}
	if c.Range.File == "" {
		return fmt.Errorf("IWP_RANGE_FILE cannot be empty")
	}
	if c.Range.Size == 0 {
		return fmt.Errorf("IWP_RANGE_SIZE must be > 0")
	}
	if c.HTTPClient.MaxClients <= 0 {
		return fmt.Errorf("IWP_HTTP_MAX_CLIENTS must be > 0")
	}
	return nil
}

func parseSites(raw string) []domain.Instance {
	if raw == "" {
		return nil
	}
	var sites []domain.Instance
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		host, port, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		sites = append(sites, domain.Instance{Server: host, Port: port})
	}
	return sites
}

func parseBufferSizeTable(raw string) relay.BufferSizeTable {
	table := relay.BufferSizeTable{}
	if raw == "" {
		return table
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		bound, size, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		b, err := strconv.ParseInt(strings.TrimSpace(bound), 10, 64)
		if err != nil {
			continue
		}
		s, err := strconv.Atoi(strings.TrimSpace(size))
		if err != nil {
			continue
		}
		table[b] = s
	}
	return table
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvUint64(key string, fallback uint64) uint64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
