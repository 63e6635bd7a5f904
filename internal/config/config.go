package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mtzanidakis/saat/internal/memory"
	"github.com/mtzanidakis/saat/internal/pipeline"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LogConfig                  `yaml:"log"`
	Memory    MemoryConfig               `yaml:"memory"`
	Broker    BrokerConfig               `yaml:"broker"`
	Agents    map[string]AgentDefinition `yaml:"agents"`
	Pipelines []pipeline.Pipeline        `yaml:"pipelines"`
	Schedules []ScheduleDefinition       `yaml:"schedules"`
	NATS      NATSConfig                 `yaml:"nats"`
	Store     StoreConfig                `yaml:"store"`
	Web       WebConfig                  `yaml:"web"`
	Telegram  TelegramConfig             `yaml:"telegram"`
	Vault     VaultConfig                `yaml:"vault"`
	Scheduler SchedulerConfig            `yaml:"scheduler"`
	Container ContainerConfig            `yaml:"container"`
	Tracing   TracingConfig              `yaml:"tracing"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

type MemoryConfig struct {
	MaxSize  int    `yaml:"max_size"`
	Eviction string `yaml:"eviction"` // legacy or growth
}

type BrokerConfig struct {
	StepTimeout  time.Duration `yaml:"step_timeout"`
	PipelinesDir string        `yaml:"pipelines_dir"`
}

// Agent kinds understood by the registry.
const (
	KindStatic    = "static"
	KindContainer = "container"
	KindNATS      = "nats"
)

type AgentDefinition struct {
	Kind         string            `yaml:"kind"`
	Description  string            `yaml:"description"`
	Version      string            `yaml:"version"`
	Capabilities []string          `yaml:"capabilities"`
	Requires     []string          `yaml:"requires"`
	Data         any               `yaml:"data"`    // static
	Image        string            `yaml:"image"`   // container
	Command      []string          `yaml:"command"` // container
	Env          map[string]string `yaml:"env"`     // container, values may be "secret:<name>"
	Mounts       []string          `yaml:"mounts"`  // container, "host:target[:ro]"
	Subject      string            `yaml:"subject"` // nats
	Timeout      time.Duration     `yaml:"timeout"` // container, nats
}

type ScheduleDefinition struct {
	Name     string         `yaml:"name"`
	Pipeline string         `yaml:"pipeline"`
	Cron     string         `yaml:"cron"`
	Params   map[string]any `yaml:"params"`
	Enabled  *bool          `yaml:"enabled"`
}

// IsEnabled reports whether the schedule is active. Schedules are enabled
// unless explicitly turned off.
func (s ScheduleDefinition) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type TelegramConfig struct {
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

// TracingConfig enables OTLP/HTTP span export when Endpoint is set.
type TracingConfig struct {
	Endpoint   string  `yaml:"endpoint"` // host:port of the collector
	Insecure   bool    `yaml:"insecure"`
	SampleRate float64 `yaml:"sample_rate"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type ContainerConfig struct {
	Network string `yaml:"network"`
	Workdir string `yaml:"workdir"`
}

func defaults() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Memory: MemoryConfig{
			MaxSize:  memory.DefaultMaxSize,
			Eviction: string(memory.EvictWhenFull),
		},
		Broker: BrokerConfig{
			StepTimeout:  5 * time.Minute,
			PipelinesDir: "pipelines",
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/saat.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Container: ContainerConfig{
			Workdir: "/saat",
		},
		Tracing: TracingConfig{
			SampleRate: 1,
		},
	}
}

// Path returns the config file location.
func Path() string {
	if p := os.Getenv("SAAT_CONFIG"); p != "" {
		return p
	}
	return "config/saat.yaml"
}

func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads path on top of the defaults and applies environment
// overrides. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SAAT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SAAT_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("SAAT_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("SAAT_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("SAAT_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("SAAT_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SAAT_PIPELINES_DIR"); v != "" {
		cfg.Broker.PipelinesDir = v
	}
	if v := os.Getenv("SAAT_MEMORY_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Memory.MaxSize = n
		}
	}
	if v := os.Getenv("SAAT_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("SAAT_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
}

func (c *Config) validate() error {
	switch memory.EvictionPolicy(c.Memory.Eviction) {
	case memory.EvictWhenFull, memory.EvictOnGrowth:
	default:
		return fmt.Errorf("memory.eviction: unknown policy %q", c.Memory.Eviction)
	}

	for name, def := range c.Agents {
		switch def.Kind {
		case "", KindStatic:
		case KindContainer:
			if def.Image == "" {
				return fmt.Errorf("agent %s: container agents need an image", name)
			}
		case KindNATS:
		default:
			return fmt.Errorf("agent %s: unknown kind %q", name, def.Kind)
		}
	}

	seen := make(map[string]bool, len(c.Pipelines))
	for i := range c.Pipelines {
		p := &c.Pipelines[i]
		if err := p.Validate(); err != nil {
			return fmt.Errorf("pipelines[%d]: %w", i, err)
		}
		if seen[p.Name] {
			return fmt.Errorf("pipeline %s defined twice", p.Name)
		}
		seen[p.Name] = true
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}

	names := make(map[string]bool, len(c.Schedules))
	for i, s := range c.Schedules {
		if s.Name == "" || s.Pipeline == "" || s.Cron == "" {
			return fmt.Errorf("schedules[%d]: name, pipeline and cron are required", i)
		}
		if names[s.Name] {
			return fmt.Errorf("schedule %s defined twice", s.Name)
		}
		names[s.Name] = true
	}
	return nil
}

// LogLevel parses Log.Level, falling back to info.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
