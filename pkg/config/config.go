package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = "fleetpulse"

const (
	AppEnvDev  = "development"
	AppEnvProd = "production"
)

// Env var names referenced from tests and error messages.
const (
	EnvAppEnv                = "FLEETPULSE_APP_ENV"
	EnvAppPort               = "FLEETPULSE_APP_PORT"
	EnvRedisURL              = "FLEETPULSE_REDIS_URL"
	EnvGCPProjectID          = "FLEETPULSE_GCP_PROJECT_ID"
	EnvPubSubDecodedSub      = "FLEETPULSE_PUBSUB_DECODED_EVENTS_SUBSCRIPTION"
	EnvPubSubEventsTopic     = "FLEETPULSE_PUBSUB_EVENTS_TOPIC"
	EnvPubSubUnregTopic      = "FLEETPULSE_PUBSUB_UNREGISTERED_TOPIC"
	EnvPubSubUnassignedTopic = "FLEETPULSE_PUBSUB_UNASSIGNED_TOPIC"
	EnvRegistryBaseURL       = "FLEETPULSE_REGISTRY_BASE_URL"
	EnvProcessingThreads     = "FLEETPULSE_PROCESSING_THREAD_COUNT"
)

type Config struct {
	App        AppConfig
	Service    ServiceConfig
	GCP        GCPConfig
	PubSub     PubSubConfig
	Redis      RedisConfig
	Registry   RegistryConfig
	Processing ProcessingConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Processing.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"FLEETPULSE_APP_ENV" required:"true"`
	Port         string `envconfig:"FLEETPULSE_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"FLEETPULSE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"FLEETPULSE_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"FLEETPULSE_SERVICE_KIND" default:"inbound-worker"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"FLEETPULSE_GCP_PROJECT_ID" required:"true"`
}

// PubSubConfig names the decoded-events subscription the worker consumes
// plus the three outbound topics. UnassignedTopic may be left empty, in
// which case unassigned-device events share the unregistered topic.
type PubSubConfig struct {
	DecodedEventsSubscription string `envconfig:"FLEETPULSE_PUBSUB_DECODED_EVENTS_SUBSCRIPTION" required:"true"`
	EventsTopic               string `envconfig:"FLEETPULSE_PUBSUB_EVENTS_TOPIC" required:"true"`
	UnregisteredTopic         string `envconfig:"FLEETPULSE_PUBSUB_UNREGISTERED_TOPIC" required:"true"`
	UnassignedTopic           string `envconfig:"FLEETPULSE_PUBSUB_UNASSIGNED_TOPIC"`
}

type RedisConfig struct {
	URL          string        `envconfig:"FLEETPULSE_REDIS_URL" required:"true"`
	Address      string        `envconfig:"FLEETPULSE_REDIS_ADDR"`
	Password     string        `envconfig:"FLEETPULSE_REDIS_PASSWORD"`
	DB           int           `envconfig:"FLEETPULSE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"FLEETPULSE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"FLEETPULSE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"FLEETPULSE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"FLEETPULSE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"FLEETPULSE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type RegistryConfig struct {
	BaseURL        string        `envconfig:"FLEETPULSE_REGISTRY_BASE_URL" required:"true"`
	AuthToken      string        `envconfig:"FLEETPULSE_REGISTRY_AUTH_TOKEN"`
	RequestTimeout time.Duration `envconfig:"FLEETPULSE_REGISTRY_REQUEST_TIMEOUT" default:"10s"`
	DeviceCacheTTL time.Duration `envconfig:"FLEETPULSE_REGISTRY_DEVICE_CACHE_TTL" default:"0"`
}

// CacheEnabled reports whether device lookups go through the Redis cache.
func (r RegistryConfig) CacheEnabled() bool {
	return r.DeviceCacheTTL > 0
}

type ProcessingConfig struct {
	ThreadCount int `envconfig:"FLEETPULSE_PROCESSING_THREAD_COUNT" required:"true"`
}

func (p ProcessingConfig) validate() error {
	if p.ThreadCount <= 0 {
		return fmt.Errorf("%s must be a positive integer, got %d", EnvProcessingThreads, p.ThreadCount)
	}
	return nil
}
