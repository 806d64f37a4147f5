package types

import (
	"time"

	"gopkg.in/yaml.v3"
)

type ConfigManager interface {
	Load() error
	GetConfig() *ServiceConfig
}

type ServiceConfig struct {
	Name        string             `yaml:"name" json:"name" validate:"required"`
	Version     string             `yaml:"version" json:"version" validate:"required"`
	Server      *ServerConfig      `yaml:"server" json:"server"`
	Logger      *LoggerConfig      `yaml:"logger" json:"logger"`
	KV          *KVConfig          `yaml:"kv" json:"kv"`
	Cache       *CachePolicyConfig `yaml:"cache" json:"cache"`
	RateLimit   *RateLimitConfig   `yaml:"rate_limit" json:"rate_limit"`
	Jobs        *JobsConfig        `yaml:"jobs" json:"jobs"`
	Database    *DatabaseConfig    `yaml:"database" json:"database"`
	Notify      *NotifyConfig      `yaml:"notify" json:"notify"`
	Middlewares *MiddlewaresConfig `yaml:"middlewares" json:"middlewares"`
	Metrics     *MetricsConfig     `yaml:"metrics" json:"metrics"`
}

type ServerConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port" validate:"min=1,max=65535"`
	ReadTimeout     int    `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    int    `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     int    `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout int    `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

type LoggerConfig struct {
	Level  string      `yaml:"level" json:"level"`
	Config interface{} `yaml:"config" json:"config"`
}

type KVConfig struct {
	Type   string      `yaml:"type" json:"type" validate:"required,oneof=memory redis"`
	Stores []string    `yaml:"stores" json:"stores" validate:"required,min=1"`
	Config interface{} `yaml:"config" json:"config"`
}

// CachePolicyConfig is the per-entity-type TTL table. Types with low write
// frequency and high fan-out get long TTLs; computed aggregates get short
// ones because an incomplete invalidation rule lets them drift silently.
type CachePolicyConfig struct {
	EntityTTL    map[string]time.Duration `yaml:"entity_ttl" json:"entity_ttl" validate:"required,min=1"`
	AggregateTTL time.Duration            `yaml:"aggregate_ttl" json:"aggregate_ttl"`
	ResponseTTL  time.Duration            `yaml:"response_ttl" json:"response_ttl"`
}

type RateLimitConfig struct {
	Enabled        bool                 `yaml:"enabled" json:"enabled"`
	AuthMultiplier int64                `yaml:"auth_multiplier" json:"auth_multiplier"`
	Rules          map[string]*RateRule `yaml:"rules" json:"rules"`
}

type RateRule struct {
	Limit  int64         `yaml:"limit" json:"limit" validate:"min=1"`
	Window time.Duration `yaml:"window" json:"window" validate:"min=1s"`
}

type JobsConfig struct {
	Type         string           `yaml:"type" json:"type" validate:"required,oneof=memory redis"`
	Workers      int              `yaml:"workers" json:"workers" validate:"min=1"`
	PollInterval time.Duration    `yaml:"poll_interval" json:"poll_interval"`
	Config       interface{}      `yaml:"config" json:"config"`
	Schedules    []ScheduleConfig `yaml:"schedules" json:"schedules"`
}

type ScheduleConfig struct {
	Name string `yaml:"name" json:"name" validate:"required"`
	Spec string `yaml:"spec" json:"spec" validate:"required"`
	Kind string `yaml:"kind" json:"kind" validate:"required"`
}

type DatabaseConfig struct {
	Type   string      `yaml:"type" json:"type" validate:"required,oneof=memory clover"`
	Path   string      `yaml:"path" json:"path"`
	Config interface{} `yaml:"config" json:"config"`
}

type NotifyConfig struct {
	RegistryPath string        `yaml:"registry_path" json:"registry_path"`
	GatewayURL   string        `yaml:"gateway_url" json:"gateway_url"`
	Secret       string        `yaml:"secret" json:"secret"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	PushEnabled  bool          `yaml:"push_enabled" json:"push_enabled"`
}

type MiddlewaresConfig struct {
	Recovery    *MiddlewareItemConfig `yaml:"recovery" json:"recovery"`
	Metadata    *MiddlewareItemConfig `yaml:"metadata" json:"metadata"`
	Logging     *MiddlewareItemConfig `yaml:"logging" json:"logging"`
	CORS        *MiddlewareItemConfig `yaml:"cors" json:"cors"`
	BodyLimit   *MiddlewareItemConfig `yaml:"body_limit" json:"body_limit"`
	Auth        *MiddlewareItemConfig `yaml:"auth" json:"auth"`
	RateLimit   *MiddlewareItemConfig `yaml:"rate_limit" json:"rate_limit"`
	Cache       *MiddlewareItemConfig `yaml:"cache" json:"cache"`
	Compression *MiddlewareItemConfig `yaml:"compression" json:"compression"`
}

type MiddlewareItemConfig struct {
	Enabled bool                   `yaml:"enabled" json:"enabled"`
	Weight  int                    `yaml:"weight" json:"weight" validate:"min=0"`
	Params  map[string]interface{} `yaml:"params" json:"params"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// Durations in YAML are written as Go duration strings ("30s", "10m"). The
// yaml package cannot decode those into time.Duration on its own, so the
// structs that carry durations parse them explicitly. Absent keys keep the
// value already present on the receiver, which is how defaults survive.

func (c *CachePolicyConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		EntityTTL    map[string]string `yaml:"entity_ttl"`
		AggregateTTL string            `yaml:"aggregate_ttl"`
		ResponseTTL  string            `yaml:"response_ttl"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	if raw.EntityTTL != nil {
		if c.EntityTTL == nil {
			c.EntityTTL = make(map[string]time.Duration, len(raw.EntityTTL))
		}
		for entityType, value := range raw.EntityTTL {
			ttl, err := time.ParseDuration(value)
			if err != nil {
				return WrapError(err, "invalid entity_ttl for "+entityType)
			}
			c.EntityTTL[entityType] = ttl
		}
	}
	if raw.AggregateTTL != "" {
		ttl, err := time.ParseDuration(raw.AggregateTTL)
		if err != nil {
			return WrapError(err, "invalid aggregate_ttl")
		}
		c.AggregateTTL = ttl
	}
	if raw.ResponseTTL != "" {
		ttl, err := time.ParseDuration(raw.ResponseTTL)
		if err != nil {
			return WrapError(err, "invalid response_ttl")
		}
		c.ResponseTTL = ttl
	}
	return nil
}

func (r *RateRule) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Limit  int64  `yaml:"limit"`
		Window string `yaml:"window"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	r.Limit = raw.Limit
	if raw.Window != "" {
		window, err := time.ParseDuration(raw.Window)
		if err != nil {
			return WrapError(err, "invalid rate rule window")
		}
		r.Window = window
	}
	return nil
}

func (j *JobsConfig) UnmarshalYAML(node *yaml.Node) error {
	raw := struct {
		Type         string           `yaml:"type"`
		Workers      int              `yaml:"workers"`
		PollInterval string           `yaml:"poll_interval"`
		Config       interface{}      `yaml:"config"`
		Schedules    []ScheduleConfig `yaml:"schedules"`
	}{
		Type:      j.Type,
		Workers:   j.Workers,
		Config:    j.Config,
		Schedules: j.Schedules,
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	j.Type = raw.Type
	j.Workers = raw.Workers
	j.Config = raw.Config
	j.Schedules = raw.Schedules
	if raw.PollInterval != "" {
		interval, err := time.ParseDuration(raw.PollInterval)
		if err != nil {
			return WrapError(err, "invalid poll_interval")
		}
		j.PollInterval = interval
	}
	return nil
}

func (n *NotifyConfig) UnmarshalYAML(node *yaml.Node) error {
	raw := struct {
		RegistryPath string `yaml:"registry_path"`
		GatewayURL   string `yaml:"gateway_url"`
		Secret       string `yaml:"secret"`
		Timeout      string `yaml:"timeout"`
		PushEnabled  bool   `yaml:"push_enabled"`
	}{
		RegistryPath: n.RegistryPath,
		GatewayURL:   n.GatewayURL,
		Secret:       n.Secret,
		PushEnabled:  n.PushEnabled,
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	n.RegistryPath = raw.RegistryPath
	n.GatewayURL = raw.GatewayURL
	n.Secret = raw.Secret
	n.PushEnabled = raw.PushEnabled
	if raw.Timeout != "" {
		timeout, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return WrapError(err, "invalid notify timeout")
		}
		n.Timeout = timeout
	}
	return nil
}
