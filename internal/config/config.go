package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Interface string
	Addr      string
	DBPath    string
	GeoIPPath string

	BPFFilter     string
	SamplingRate  float64
	IdleTimeout   time.Duration
	BatchSize     int
	BatchInterval time.Duration

	RetentionDays int

	EnableIPv6       bool
	SkipLocalTraffic bool

	ReverseDNSEnabled bool
	ReverseDNSTimeout time.Duration
	ReverseDNSRetries int

	EnableDPI      bool
	EnableALPN     bool
	EnableHTTPHost bool

	Debug bool
}

// Load parses environment variables and command line flags to populate
// Config. Flags take precedence over environment variables. Invalid values
// fail startup.
func Load() (*Config, error) {
	cfg := &Config{}

	// Defaults and Environment Variables
	cfg.Interface = getEnv("NETINSIGHT_INTERFACE", "")
	cfg.Addr = getEnv("NETINSIGHT_ADDR", ":8000")
	cfg.DBPath = getEnv("NETINSIGHT_DB", "netinsight.db")
	cfg.GeoIPPath = getEnv("NETINSIGHT_GEOIP_DB", "")
	cfg.BPFFilter = getEnv("NETINSIGHT_BPF", "ip or ip6")
	cfg.SamplingRate = getEnvFloat("NETINSIGHT_SAMPLING", 1.0)
	cfg.RetentionDays = getEnvInt("NETINSIGHT_RETENTION_DAYS", 30)

	var idleSecs, batchIntervalSecs, rdnsTimeoutSecs float64
	idleSecs = getEnvFloat("NETINSIGHT_IDLE_TIMEOUT", 60)
	batchIntervalSecs = getEnvFloat("NETINSIGHT_BATCH_INTERVAL", 5)
	rdnsTimeoutSecs = getEnvFloat("NETINSIGHT_RDNS_TIMEOUT", 2)
	cfg.BatchSize = getEnvInt("NETINSIGHT_BATCH_SIZE", 50)
	cfg.ReverseDNSRetries = getEnvInt("NETINSIGHT_RDNS_RETRIES", 2)

	cfg.EnableIPv6 = getEnvBool("NETINSIGHT_IPV6", true)
	cfg.SkipLocalTraffic = getEnvBool("NETINSIGHT_SKIP_LOCAL", false)
	cfg.ReverseDNSEnabled = getEnvBool("NETINSIGHT_RDNS", true)
	cfg.EnableDPI = getEnvBool("NETINSIGHT_DPI", true)
	cfg.EnableALPN = getEnvBool("NETINSIGHT_ALPN", true)
	cfg.EnableHTTPHost = getEnvBool("NETINSIGHT_HTTP_HOST", true)

	// Command Line Flags (Override Env)
	flag.StringVar(&cfg.Interface, "i", cfg.Interface, "Interface to sniff (default: first available)")
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP server address")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to SQLite database")
	flag.StringVar(&cfg.GeoIPPath, "geoip", cfg.GeoIPPath, "Path to GeoLite2 City database (empty to disable)")
	flag.StringVar(&cfg.BPFFilter, "bpf", cfg.BPFFilter, "Kernel-side BPF packet filter")
	flag.Float64Var(&cfg.SamplingRate, "sampling", cfg.SamplingRate, "Packet sampling rate in (0,1]")
	flag.Float64Var(&idleSecs, "idle-timeout", idleSecs, "Flow idle timeout in seconds")
	flag.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Flow write batch size")
	flag.Float64Var(&batchIntervalSecs, "batch-interval", batchIntervalSecs, "Flow write interval in seconds")
	flag.IntVar(&cfg.RetentionDays, "retention", cfg.RetentionDays, "Days to keep flows and dismissed threats")
	flag.BoolVar(&cfg.EnableIPv6, "ipv6", cfg.EnableIPv6, "Capture IPv6 traffic")
	flag.BoolVar(&cfg.SkipLocalTraffic, "skip-local", cfg.SkipLocalTraffic, "Skip localhost traffic")
	flag.BoolVar(&cfg.ReverseDNSEnabled, "rdns", cfg.ReverseDNSEnabled, "Enable reverse DNS lookups")
	flag.Float64Var(&rdnsTimeoutSecs, "rdns-timeout", rdnsTimeoutSecs, "Reverse DNS timeout in seconds")
	flag.IntVar(&cfg.ReverseDNSRetries, "rdns-retries", cfg.ReverseDNSRetries, "Reverse DNS retry count")
	flag.BoolVar(&cfg.EnableDPI, "dpi", cfg.EnableDPI, "Enable deep packet inspection")
	flag.BoolVar(&cfg.EnableALPN, "alpn", cfg.EnableALPN, "Enable TLS ALPN extraction")
	flag.BoolVar(&cfg.EnableHTTPHost, "http-host", cfg.EnableHTTPHost, "Enable HTTP Host extraction")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable verbose debug logging")

	flag.Parse()

	cfg.IdleTimeout = time.Duration(idleSecs * float64(time.Second))
	cfg.BatchInterval = time.Duration(batchIntervalSecs * float64(time.Second))
	cfg.ReverseDNSTimeout = time.Duration(rdnsTimeoutSecs * float64(time.Second))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.SamplingRate <= 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling rate must be in (0,1], got %v", c.SamplingRate)
	}
	if c.RetentionDays < 1 || c.RetentionDays > 365 {
		return fmt.Errorf("retention days must be in [1,365], got %d", c.RetentionDays)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %v", c.IdleTimeout)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be >= 1, got %d", c.BatchSize)
	}
	if c.BatchInterval <= 0 {
		return fmt.Errorf("batch interval must be positive, got %v", c.BatchInterval)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db path cannot be empty")
	}
	if c.ReverseDNSRetries < 0 {
		return fmt.Errorf("reverse DNS retries must be >= 0, got %d", c.ReverseDNSRetries)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}
