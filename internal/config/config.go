package config

import (
	"context"
	"os"
	"strings"
	"time"
)

// ListenerConfig holds the network/TLS settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Config holds all configuration for the messaging service.
type Config struct {
	// Mode controls security behavior: "prod" (default) or "testing".
	// In testing mode, X-Client-ID header is accepted and API key validation is relaxed.
	Mode string

	// Database
	DBURL string

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// Datastore backend type
	DatastoreType string // "postgres", "sqlite" or "mongo"

	// MongoDatabase is the database name used by the mongo store, blob store and notifier.
	MongoDatabase string

	// Redis
	RedisURL string

	// Notifier backend type used to wake tail subscriptions.
	NotifyType string // "local", "redis", "postgres", "mongo" or "auto"

	// Profile cache backend type
	CacheType string // "local", "redis" or "none"

	// ProfileCacheTTL bounds how long a cached profile is served before a reload.
	ProfileCacheTTL time.Duration

	// ProfileCacheMaxEntries caps the local profile cache.
	ProfileCacheMaxEntries int64

	// Media (blob) store type
	MediaType string // "db", "postgres", "mongo" or "s3"

	// MediaMaxSize is the largest accepted media payload in bytes.
	MediaMaxSize int64

	// MediaPublicBaseURL, when set, is used as the prefix of durable media URLs
	// instead of the service's own /v1/media route.
	MediaPublicBaseURL string

	// Stream window sizes.
	StreamTailSize int
	StreamPageSize int

	// SummaryPreviewLength caps the lastMessage preview in runes.
	SummaryPreviewLength int

	// OIDC
	OIDCIssuer       string
	OIDCDiscoveryURL string // Internal URL for OIDC discovery (when issuer URL is not reachable)

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	// Defaults to "service=messaging-service".
	MetricsLabels string

	// S3
	S3Bucket           string
	S3Prefix           string
	S3ExternalEndpoint string
	S3UsePathStyle     bool

	// Server
	Listener           ListenerConfig
	ManagementListener ListenerConfig
	// ManagementListenerEnabled is true when --management-port (or MESSAGING_SERVICE_MANAGEMENT_PORT)
	// was explicitly provided. When false, management endpoints are served on the main port.
	ManagementListenerEnabled bool
	// ManagementAccessLog enables HTTP access logging for management endpoints (/health, /ready, /metrics).
	ManagementAccessLog bool
	CORSEnabled         bool
	CORSOrigins         string

	// WebSocket keepalive for stream connections.
	StreamPingInterval time.Duration

	// Security
	// APIKeys maps API key values to client IDs (MESSAGING_SERVICE_API_KEYS_<CLIENT_ID>=<key>).
	APIKeys map[string]string // key value → clientId

	// Body size limit (bytes) for non-media requests.
	MaxBodySize int64

	// Temporary file directory. Empty uses platform default temp directory.
	TempDir string

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                    ModeProd,
		DatastoreType:           "postgres",
		DatastoreMigrateAtStart: true,
		MongoDatabase:           "messaging_service",
		NotifyType:              "auto",
		CacheType:               "local",
		ProfileCacheTTL:         5 * time.Minute,
		ProfileCacheMaxEntries:  10_000,
		MediaType:               "db",
		MediaMaxSize:            10 * 1024 * 1024, // 10 MiB
		StreamTailSize:          30,
		StreamPageSize:          20,
		SummaryPreviewLength:    120,
		Listener: ListenerConfig{
			Port:              8080,
			EnablePlainText:   true,
			EnableTLS:         true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			EnablePlainText: true,
			EnableTLS:       true,
		},
		StreamPingInterval: 30 * time.Second,
		MaxBodySize:        1024 * 1024,
		DrainTimeout:       30,
		DBMaxOpenConns:     25,
		DBMaxIdleConns:     5,
	}
}

// ResolvedTempDir returns the configured temp directory or the platform default.
func (c *Config) ResolvedTempDir() string {
	if c == nil {
		return os.TempDir()
	}
	if dir := strings.TrimSpace(c.TempDir); dir != "" {
		return dir
	}
	return os.TempDir()
}

// ResolvedNotifyType maps "auto" (or empty) to the notifier that matches the datastore.
func (c *Config) ResolvedNotifyType() string {
	kind := strings.TrimSpace(c.NotifyType)
	if kind != "" && kind != "auto" {
		return kind
	}
	switch c.DatastoreType {
	case "postgres":
		return "postgres"
	case "mongo":
		return "mongo"
	default:
		return "local"
	}
}

// ResolvedMediaType maps the "db" alias to the blob store that lives next to the datastore.
func (c *Config) ResolvedMediaType() string {
	kind := strings.TrimSpace(c.MediaType)
	if kind == "db" {
		return c.DatastoreType
	}
	return kind
}
