package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/dgduncan/go-offline-cache/caches"
)

// Storage backends accepted by OFFLINE_BACKEND.
const (
	BackendLocal    = "local"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
	BackendS3       = "s3"
)

// Config is the proxy configuration, read from the environment.
type Config struct {
	ListenAddr      string        `env:"OFFLINE_LISTEN_ADDR" envDefault:":8080"`
	Origin          string        `env:"OFFLINE_ORIGIN,required,notEmpty"`
	ShutdownTimeout time.Duration `env:"OFFLINE_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"OFFLINE_LOG_LEVEL" envDefault:"info"`
	CORSOrigins     []string      `env:"OFFLINE_CORS_ORIGINS" envSeparator:","`

	CachePrefix  string   `env:"OFFLINE_CACHE_PREFIX" envDefault:"impact-forge"`
	CacheVersion string   `env:"OFFLINE_CACHE_VERSION" envDefault:"v1"`
	Manifest     []string `env:"OFFLINE_MANIFEST" envSeparator:"," envDefault:"/,/index.html,/assets/generated/favicon-blue-flame-transparent.dim_32x32.png,/assets/generated/impact-forge-icon-transparent.dim_200x200.png"`
	APISegment   string   `env:"OFFLINE_API_SEGMENT" envDefault:"/api/"`
	RoutingParam string   `env:"OFFLINE_ROUTING_PARAM" envDefault:"canisterId"`

	Backend      string `env:"OFFLINE_BACKEND" envDefault:"local"`
	MaxEntrySize int64  `env:"OFFLINE_MAX_ENTRY_SIZE"`

	SQLitePath string `env:"OFFLINE_SQLITE_PATH" envDefault:"offline-cache.db"`

	PostgresDSN string `env:"OFFLINE_POSTGRES_DSN"`

	DynamoDBTable       string `env:"OFFLINE_DYNAMODB_TABLE" envDefault:"offline-cache"`
	DynamoDBEndpoint    string `env:"OFFLINE_DYNAMODB_ENDPOINT"`
	DynamoDBRegion      string `env:"OFFLINE_DYNAMODB_REGION"`
	DynamoDBCreateTable bool   `env:"OFFLINE_DYNAMODB_CREATE_TABLE"`

	S3Endpoint  string `env:"OFFLINE_S3_ENDPOINT"`
	S3Bucket    string `env:"OFFLINE_S3_BUCKET"`
	S3Prefix    string `env:"OFFLINE_S3_PREFIX" envDefault:"offline/"`
	S3Region    string `env:"OFFLINE_S3_REGION"`
	S3AccessKey string `env:"OFFLINE_S3_ACCESS_KEY"`
	S3SecretKey string `env:"OFFLINE_S3_SECRET_KEY"`
	S3UseSSL    bool   `env:"OFFLINE_S3_USE_SSL" envDefault:"true"`

	OTLPEndpoint string `env:"OFFLINE_OTEL_ENDPOINT"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	return c, nil
}

// Validate checks the backend specific settings.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendLocal, BackendSQLite:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return caches.ValidationError{Reason: "OFFLINE_POSTGRES_DSN is required for the postgres backend"}
		}
	case BackendDynamoDB:
		if c.DynamoDBTable == "" {
			return caches.ValidationError{Reason: "OFFLINE_DYNAMODB_TABLE is required for the dynamodb backend"}
		}
	case BackendS3:
		if c.S3Endpoint == "" || c.S3Bucket == "" {
			return caches.ValidationError{Reason: "OFFLINE_S3_ENDPOINT and OFFLINE_S3_BUCKET are required for the s3 backend"}
		}
	default:
		return caches.ValidationError{Reason: "unknown backend " + c.Backend}
	}

	if c.CachePrefix == "" || c.CacheVersion == "" {
		return caches.ValidationError{Reason: "cache prefix and version must not be empty"}
	}

	return nil
}

// PrecacheName returns the version-tagged precache name, e.g. impact-forge-v1.
func (c Config) PrecacheName() string {
	return c.CachePrefix + "-" + c.CacheVersion
}

// RuntimeName returns the version-tagged runtime cache name, e.g. impact-forge-runtime-v1.
func (c Config) RuntimeName() string {
	return c.CachePrefix + "-runtime-" + c.CacheVersion
}
