package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the gateway listens on.
	DefaultAddr = ":8080"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 16
	// DefaultMaxClients is the default for Config.MaxClients. The value is parsed and validated
	// here; the gateway does not enforce a limit on concurrent connections.
	DefaultMaxClients = 4096

	// DefaultSignalMaxBytes bounds the serialized size of a relayed signal payload (spec.md §4.4).
	DefaultSignalMaxBytes = 50000

	// DefaultNextCooldown is the minimum interval between accepted "next" events (spec.md §4.3).
	DefaultNextCooldown = 1000 * time.Millisecond

	// DefaultReportThreshold is the report count that triggers an automatic ban (spec.md §4.5).
	DefaultReportThreshold = 5
	// DefaultReportTTL is how long report records remain counted against a subject IP.
	DefaultReportTTL = 24 * time.Hour
	// DefaultReportReasonMaxLen bounds accepted report reason lengths.
	DefaultReportReasonMaxLen = 500

	// DefaultQueuePopAttempts bounds pop_valid's scan of stale queue entries.
	DefaultQueuePopAttempts = 50

	// DefaultAdminRateLimitWindow is the sliding window admin endpoints are rate limited over.
	DefaultAdminRateLimitWindow = time.Minute
	// DefaultAdminRateLimitMax bounds how many admin requests a caller may make per window.
	DefaultAdminRateLimitMax = 30

	// DefaultLogLevel controls verbosity for gateway logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "rendezvous.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the matchmaking broker.
type Config struct {
	Address         string
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	MaxClients      int
	TLSCertPath     string
	TLSKeyPath      string

	AdminToken string

	SignalMaxBytes int

	NextCooldown       time.Duration
	ReportThreshold    int
	ReportTTL          time.Duration
	ReportReasonMaxLen int
	QueuePopAttempts   int

	AdminRateLimitWindow time.Duration
	AdminRateLimitMax    int

	SSS     SSSConfig
	TURN    TURNConfig
	Logging LoggingConfig
}

// SSSConfig configures the connection to the Shared State Store.
type SSSConfig struct {
	URL           string
	InstanceID    string
	BansChannel   string
	DeliveryTopic string
}

// TURNConfig captures the ICE server credentials assembled for GET /ice.
type TURNConfig struct {
	URLs       []string
	Username   string
	Credential string
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the broker configuration from environment variables, applying sane
// defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:            getString("RENDEZVOUS_ADDR", DefaultAddr),
		AllowedOrigins:     parseList(os.Getenv("RENDEZVOUS_ALLOWED_ORIGINS")),
		MaxPayloadBytes:    DefaultMaxPayloadBytes,
		PingInterval:       DefaultPingInterval,
		MaxClients:         DefaultMaxClients,
		TLSCertPath:        strings.TrimSpace(os.Getenv("RENDEZVOUS_TLS_CERT")),
		TLSKeyPath:         strings.TrimSpace(os.Getenv("RENDEZVOUS_TLS_KEY")),
		AdminToken:         strings.TrimSpace(os.Getenv("RENDEZVOUS_ADMIN_TOKEN")),
		SignalMaxBytes:     DefaultSignalMaxBytes,
		NextCooldown:       DefaultNextCooldown,
		ReportThreshold:    DefaultReportThreshold,
		ReportTTL:          DefaultReportTTL,
		ReportReasonMaxLen: DefaultReportReasonMaxLen,
		QueuePopAttempts:   DefaultQueuePopAttempts,

		AdminRateLimitWindow: DefaultAdminRateLimitWindow,
		AdminRateLimitMax:    DefaultAdminRateLimitMax,
		SSS: SSSConfig{
			URL:           strings.TrimSpace(os.Getenv("RENDEZVOUS_SSS_URL")),
			InstanceID:    getString("RENDEZVOUS_INSTANCE_ID", randomInstanceID()),
			BansChannel:   getString("RENDEZVOUS_BANS_CHANNEL", "bans"),
			DeliveryTopic: getString("RENDEZVOUS_DELIVERY_TOPIC", "deliveries"),
		},
		TURN: TURNConfig{
			URLs:       parseList(os.Getenv("RENDEZVOUS_TURN_URLS")),
			Username:   strings.TrimSpace(os.Getenv("RENDEZVOUS_TURN_USERNAME")),
			Credential: strings.TrimSpace(os.Getenv("RENDEZVOUS_TURN_CREDENTIAL")),
		},
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("RENDEZVOUS_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("RENDEZVOUS_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("RENDEZVOUS_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("RENDEZVOUS_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RENDEZVOUS_PING_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("RENDEZVOUS_PING_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.PingInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RENDEZVOUS_MAX_CLIENTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("RENDEZVOUS_MAX_CLIENTS must be a non-negative integer, got %q", raw))
		} else {
			cfg.MaxClients = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RENDEZVOUS_NEXT_COOLDOWN")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("RENDEZVOUS_NEXT_COOLDOWN must be a positive duration, got %q", raw))
		} else {
			cfg.NextCooldown = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RENDEZVOUS_REPORT_THRESHOLD")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("RENDEZVOUS_REPORT_THRESHOLD must be a positive integer, got %q", raw))
		} else {
			cfg.ReportThreshold = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RENDEZVOUS_ADMIN_RATE_LIMIT_WINDOW")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("RENDEZVOUS_ADMIN_RATE_LIMIT_WINDOW must be a positive duration, got %q", raw))
		} else {
			cfg.AdminRateLimitWindow = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RENDEZVOUS_ADMIN_RATE_LIMIT_MAX")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("RENDEZVOUS_ADMIN_RATE_LIMIT_MAX must be a positive integer, got %q", raw))
		} else {
			cfg.AdminRateLimitMax = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RENDEZVOUS_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("RENDEZVOUS_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RENDEZVOUS_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("RENDEZVOUS_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RENDEZVOUS_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("RENDEZVOUS_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RENDEZVOUS_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("RENDEZVOUS_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "RENDEZVOUS_TLS_CERT and RENDEZVOUS_TLS_KEY must be provided together")
	}

	if cfg.SSS.URL == "" {
		problems = append(problems, "RENDEZVOUS_SSS_URL must be specified")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}

// randomInstanceID derives a reasonably unique default instance identifier from the
// process environment when the operator does not pin one explicitly.
func randomInstanceID() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return fmt.Sprintf("instance-%d", os.Getpid())
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
