package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Balancer  BalancerConfig  `koanf:"balancer"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Agents    AgentsConfig    `koanf:"agents"`
	Logging   LoggingConfig   `koanf:"logging"`
}

type ServerConfig struct {
	Host      string `koanf:"host"`
	Port      int    `koanf:"port"`
	UploadDir string `koanf:"upload_dir"`
}

type DatabaseConfig struct {
	URL            string `koanf:"url"`
	MaxConnections int    `koanf:"max_connections"`
}

type BalancerConfig struct {
	Strategy                  string  `koanf:"strategy"`
	UnhealthyThreshold        int     `koanf:"unhealthy_threshold"`
	ProbeInterval             string  `koanf:"probe_interval"`
	ProbeTimeout              string  `koanf:"probe_timeout"`
	EMASmoothing              float64 `koanf:"ema_smoothing"`
	MaxConnectionsPerInstance int     `koanf:"max_connections_per_instance"`
}

type SchedulerConfig struct {
	TickInterval      string `koanf:"tick_interval"`
	WorkerConcurrency int    `koanf:"worker_concurrency"`
	MaxJobAttempts    int    `koanf:"max_job_attempts"`
	BacklogLimit      int    `koanf:"backlog_limit"`
}

type AgentsConfig struct {
	Instances []InstanceConfig `koanf:"instances"`
}

// InstanceConfig describes one backend agent instance registered at boot.
type InstanceConfig struct {
	ID             string `koanf:"id"`
	Address        string `koanf:"address"`
	Weight         int    `koanf:"weight"`
	MaxConnections int    `koanf:"max_connections"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Load reads config from TOML file (if provided) then overlays env vars.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, err
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, err
		}
	}

	// Env vars: DB_BALANCER_STRATEGY -> balancer.strategy.
	// Only set env vars that have non-empty values to avoid overriding TOML config.
	if err := k.Load(env.ProviderWithValue("DB_", ".", func(key, value string) (string, interface{}) {
		if value == "" {
			return "", nil
		}
		mapped := strings.Replace(
			strings.ToLower(strings.TrimPrefix(key, "DB_")),
			"_", ".", -1,
		)
		return mapped, value
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	for i := range cfg.Agents.Instances {
		inst := &cfg.Agents.Instances[i]
		if inst.Weight <= 0 {
			inst.Weight = 1
		}
		if inst.MaxConnections <= 0 {
			inst.MaxConnections = cfg.Balancer.MaxConnectionsPerInstance
		}
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Balancer.Strategy {
	case "round_robin", "least_connections", "weighted_round_robin", "response_time":
	default:
		return fmt.Errorf("unknown balancer strategy %q", c.Balancer.Strategy)
	}

	seen := make(map[string]struct{}, len(c.Agents.Instances))
	for _, inst := range c.Agents.Instances {
		if inst.ID == "" || inst.Address == "" {
			return fmt.Errorf("agent instance needs both id and address")
		}
		if _, dup := seen[inst.ID]; dup {
			return fmt.Errorf("duplicate agent instance id %q", inst.ID)
		}
		seen[inst.ID] = struct{}{}
	}
	return nil
}

// Duration parses a config duration string, falling back when unset or invalid.
func Duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
