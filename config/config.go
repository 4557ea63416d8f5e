// Package config resolves the engine's runtime configuration from an
// optional YAML file overlaid by environment variables, and builds the
// transport and repository backends it names. Libraries never call Load;
// it exists for the CLI and for operator-assembled workers that want the
// conventional environment surface.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"gopkg.in/yaml.v3"

	"goa.design/paigeant/repository"
	repoinmem "goa.design/paigeant/repository/inmem"
	mongorepo "goa.design/paigeant/repository/mongo"
	mongoc "goa.design/paigeant/repository/mongo/clients/mongo"
	"goa.design/paigeant/repository/postgres"
	"goa.design/paigeant/repository/sqlite"
	"goa.design/paigeant/transport"
	"goa.design/paigeant/transport/inmem"
	redistransport "goa.design/paigeant/transport/redis"
	clientspulse "goa.design/paigeant/transport/redis/clients/pulse"
)

// Backend names accepted by the transport and repository selectors.
const (
	TransportInMemory = "inmemory"
	TransportRedis    = "redis"

	RepositoryInMemory = "inmemory"
	RepositorySQLite   = "sqlite"
	RepositoryPostgres = "postgres"
	RepositoryMongo    = "mongo"
)

// DefaultConfigFile is consulted when PAIGEANT_CONFIG is unset.
const DefaultConfigFile = "paigeant.yaml"

type (
	// Config is the resolved runtime configuration.
	Config struct {
		// Transport selects the message backend: inmemory or redis.
		Transport string `yaml:"transport"`
		// RedisURL is the redis connection URL for the redis transport.
		RedisURL string `yaml:"redis_url"`
		// ConsumerGroup names the durable consumer group workers join.
		ConsumerGroup string `yaml:"consumer_group"`

		// Repository selects the persistence backend: inmemory, sqlite,
		// postgres or mongo.
		Repository string `yaml:"repository"`
		// SQLitePath is the database file for the sqlite repository.
		SQLitePath string `yaml:"sqlite_path"`
		// PostgresDSN is the pgx connection string for postgres.
		PostgresDSN string `yaml:"postgres_dsn"`
		// MongoURI and MongoDatabase locate the mongo repository.
		MongoURI      string `yaml:"mongo_uri"`
		MongoDatabase string `yaml:"mongo_database"`

		// MaxAttempts bounds retryable step attempts.
		MaxAttempts int `yaml:"max_attempts"`
		// MaxInsertions bounds dynamic itinerary insertions per workflow.
		MaxInsertions int `yaml:"max_insertions"`
		// BackoffBase and BackoffCap shape the retry schedule.
		BackoffBase time.Duration `yaml:"backoff_base"`
		BackoffCap  time.Duration `yaml:"backoff_cap"`

		// OBO configures on-behalf-of token verification. Verification is
		// enabled when JWKSURL is non-empty.
		OBO OBOConfig `yaml:"obo"`
	}

	// OBOConfig holds the JWKS verification settings.
	OBOConfig struct {
		JWKSURL  string        `yaml:"jwks_url"`
		Audience string        `yaml:"audience"`
		Issuer   string        `yaml:"issuer"`
		Leeway   time.Duration `yaml:"leeway"`
	}
)

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() *Config {
	return &Config{
		Transport:     TransportInMemory,
		RedisURL:      "redis://localhost:6379",
		ConsumerGroup: redistransport.DefaultGroup,
		Repository:    RepositoryInMemory,
		SQLitePath:    "paigeant.db",
		MongoDatabase: "paigeant",
		MaxAttempts:   3,
		MaxInsertions: 3,
		BackoffBase:   time.Second,
		BackoffCap:    30 * time.Second,
		OBO:           OBOConfig{Leeway: 30 * time.Second},
	}
}

// Load resolves the configuration: defaults, then the YAML file named by
// PAIGEANT_CONFIG (or ./paigeant.yaml when present), then environment
// variables. Environment always wins.
func Load(ctx context.Context) (*Config, error) {
	cfg := Default()

	path := os.Getenv("PAIGEANT_CONFIG")
	explicit := path != ""
	if path == "" {
		path = DefaultConfigFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// The conventional file is optional.
	default:
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	cfg.Transport = envOr("PAIGEANT_TRANSPORT", cfg.Transport)
	cfg.RedisURL = envOr("PAIGEANT_REDIS_URL", cfg.RedisURL)
	cfg.ConsumerGroup = envOr("PAIGEANT_CONSUMER_GROUP", cfg.ConsumerGroup)
	cfg.Repository = envOr("PAIGEANT_REPOSITORY", cfg.Repository)
	cfg.SQLitePath = envOr("PAIGEANT_SQLITE_PATH", cfg.SQLitePath)
	cfg.PostgresDSN = envOr("PAIGEANT_POSTGRES_DSN", cfg.PostgresDSN)
	cfg.MongoURI = envOr("PAIGEANT_MONGO_URI", cfg.MongoURI)
	cfg.MongoDatabase = envOr("PAIGEANT_MONGO_DATABASE", cfg.MongoDatabase)
	cfg.MaxAttempts = envIntOr("PAIGEANT_MAX_ATTEMPTS", cfg.MaxAttempts)
	cfg.MaxInsertions = envIntOr("PAIGEANT_MAX_INSERTIONS", cfg.MaxInsertions)
	cfg.BackoffBase = envDurationOr("PAIGEANT_BACKOFF_BASE", cfg.BackoffBase)
	cfg.BackoffCap = envDurationOr("PAIGEANT_BACKOFF_CAP", cfg.BackoffCap)
	cfg.OBO.JWKSURL = envOr("PAIGEANT_OBO_JWKS_URL", cfg.OBO.JWKSURL)
	cfg.OBO.Audience = envOr("PAIGEANT_OBO_AUDIENCE", cfg.OBO.Audience)
	cfg.OBO.Issuer = envOr("PAIGEANT_OBO_ISSUER", cfg.OBO.Issuer)
	cfg.OBO.Leeway = envDurationOr("PAIGEANT_OBO_LEEWAY", cfg.OBO.Leeway)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Transport {
	case TransportInMemory, TransportRedis:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	switch c.Repository {
	case RepositoryInMemory, RepositorySQLite, RepositoryPostgres, RepositoryMongo:
	default:
		return fmt.Errorf("unknown repository %q", c.Repository)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.MaxInsertions < 0 {
		return fmt.Errorf("max_insertions must not be negative, got %d", c.MaxInsertions)
	}
	return nil
}

// NewTransport builds the configured transport. Callers own Connect and
// Disconnect.
func NewTransport(ctx context.Context, cfg *Config) (transport.Transport, error) {
	switch cfg.Transport {
	case TransportInMemory:
		return inmem.New(), nil
	case TransportRedis:
		ropts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := goredis.NewClient(ropts)
		client, err := clientspulse.New(clientspulse.Options{Redis: rdb})
		if err != nil {
			return nil, err
		}
		return redistransport.New(client, rdb, redistransport.WithGroup(cfg.ConsumerGroup))
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// NewRepository builds the configured repository. Callers own Close where
// the backend exposes one.
func NewRepository(ctx context.Context, cfg *Config) (repository.Repository, error) {
	switch cfg.Repository {
	case RepositoryInMemory:
		return repoinmem.New(), nil
	case RepositorySQLite:
		return sqlite.Open(ctx, cfg.SQLitePath)
	case RepositoryPostgres:
		if cfg.PostgresDSN == "" {
			return nil, errors.New("postgres repository requires PAIGEANT_POSTGRES_DSN")
		}
		return postgres.Open(ctx, cfg.PostgresDSN)
	case RepositoryMongo:
		if cfg.MongoURI == "" {
			return nil, errors.New("mongo repository requires PAIGEANT_MONGO_URI")
		}
		driver, err := mongo.Connect(mongooptions.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect to mongo: %w", err)
		}
		client, err := mongoc.New(mongoc.Options{Client: driver, Database: cfg.MongoDatabase})
		if err != nil {
			return nil, err
		}
		return mongorepo.New(client)
	default:
		return nil, fmt.Errorf("unknown repository %q", cfg.Repository)
	}
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
