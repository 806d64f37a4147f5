package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/mealhall/mealhall-core/types"
)

type Loader struct {
	validator *validator.Validate
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (l *Loader) LoadFromFile(configPath string) (*types.ServiceConfig, error) {
	if configPath == "" {
		return nil, types.ErrConfigNotFound
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to read config file")
	}

	config := l.Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, types.WrapError(err, "failed to parse YAML config")
	}

	if err := l.validator.Struct(config); err != nil {
		return nil, types.WrapError(err, "config validation failed")
	}

	return config, nil
}

func (l *Loader) Defaults() *types.ServiceConfig {
	return &types.ServiceConfig{
		Server: &types.ServerConfig{
			Host:            "localhost",
			Port:            8080,
			ReadTimeout:     30,
			WriteTimeout:    30,
			IdleTimeout:     120,
			ShutdownTimeout: 30,
		},
		Logger: &types.LoggerConfig{
			Level: "info",
		},
		KV: &types.KVConfig{
			Type:   "memory",
			Stores: []string{"products", "settings", "api", "sessions"},
		},
		Cache: &types.CachePolicyConfig{
			EntityTTL: map[string]time.Duration{
				string(types.EntityProduct):  10 * time.Minute,
				string(types.EntityCategory): time.Hour,
				string(types.EntitySetting):  time.Hour,
				string(types.EntityOrder):    5 * time.Minute,
			},
			AggregateTTL: 5 * time.Minute,
			ResponseTTL:  5 * time.Minute,
		},
		RateLimit: &types.RateLimitConfig{
			Enabled:        true,
			AuthMultiplier: 2,
			Rules: map[string]*types.RateRule{
				"default": {Limit: 100, Window: time.Minute},
			},
		},
		Jobs: &types.JobsConfig{
			Type:         "memory",
			Workers:      4,
			PollInterval: 250 * time.Millisecond,
		},
		Database: &types.DatabaseConfig{
			Type: "memory",
		},
		Notify: &types.NotifyConfig{
			Timeout: 10 * time.Second,
		},
		Middlewares: &types.MiddlewaresConfig{
			Recovery:    &types.MiddlewareItemConfig{Enabled: true, Weight: 10},
			Logging:     &types.MiddlewareItemConfig{Enabled: true, Weight: 20},
			RateLimit:   &types.MiddlewareItemConfig{Enabled: true, Weight: 30},
			Cache:       &types.MiddlewareItemConfig{Enabled: true, Weight: 40},
			Compression: &types.MiddlewareItemConfig{Enabled: true, Weight: 50},
		},
		Metrics: &types.MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}
