package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sipwise/ngcp-taskagent/internal/taskagent"
	"gopkg.in/yaml.v3"
)

const (
	BusNATS  = "nats"
	BusRedis = "redis"
)

type Config struct {
	Bus       BusConfig       `yaml:"bus"`
	TaskAgent TaskAgentConfig `yaml:"task_agent"`
	Agent     AgentConfig     `yaml:"agent"`
	Store     StoreConfig     `yaml:"store"`
	Web       WebConfig       `yaml:"web"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Log       LogConfig       `yaml:"log"`
}

type BusConfig struct {
	Kind  string      `yaml:"kind"`
	NATS  NATSConfig  `yaml:"nats"`
	Redis RedisConfig `yaml:"redis"`
}

type NATSConfig struct {
	// URL of an external server. When empty and Embedded is set, an
	// in-process server is started.
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	Port     int    `yaml:"port"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type TaskAgentConfig struct {
	Channel         string        `yaml:"channel"`
	FeedbackChannel string        `yaml:"feedback_channel"`
	Source          string        `yaml:"source"`
	Destination     string        `yaml:"destination"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	QuietPeriod     time.Duration `yaml:"quiet_period"`
	InitialTimeout  time.Duration `yaml:"initial_timeout"`
	MaxTimeout      time.Duration `yaml:"max_timeout"`
	ErrorPolicy     string        `yaml:"error_policy"`
}

// Coordinator converts the section into coordinator settings.
func (c TaskAgentConfig) Coordinator() taskagent.Config {
	policy, _ := taskagent.ParseErrorPolicy(c.ErrorPolicy)
	return taskagent.Config{
		Channel: c.Channel,
		Defaults: taskagent.Defaults{
			Source:          c.Source,
			Destination:     c.Destination,
			FeedbackChannel: c.FeedbackChannel,
		},
		Timeouts: taskagent.Timeouts{
			Initial: c.InitialTimeout,
			Max:     c.MaxTimeout,
			Quiet:   c.QuietPeriod,
			Poll:    c.PollInterval,
		},
		ErrorPolicy: policy,
	}
}

// AgentConfig describes this node when running as an agent.
type AgentConfig struct {
	Name       string            `yaml:"name"`
	Attributes map[string]string `yaml:"attributes"`
	ChunkSize  int               `yaml:"chunk_size"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Token   string `yaml:"token"`
}

type SchedulerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() Config {
	t := taskagent.DefaultTimeouts()
	return Config{
		Bus: BusConfig{
			Kind: BusNATS,
			NATS: NATSConfig{
				Embedded: true,
				Port:     4222,
			},
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		TaskAgent: TaskAgentConfig{
			Channel:         "ngcp-task-agent",
			FeedbackChannel: "ngcp-rest-api-feedback",
			Destination:     taskagent.DefaultDestination,
			PollInterval:    t.Poll,
			QuietPeriod:     t.Quiet,
			InitialTimeout:  t.Initial,
			MaxTimeout:      t.Max,
			ErrorPolicy:     string(taskagent.ErrorPolicyWait),
		},
		Agent: AgentConfig{
			Attributes: map[string]string{
				"state": "active",
				"role":  "proxy",
			},
		},
		Store: StoreConfig{
			Path: "data/taskagent.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			PollInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func Load() (*Config, error) {
	path := os.Getenv("TASKAGENT_CONFIG")
	if path == "" {
		path = "config/taskagent.yaml"
	}
	return LoadFile(path)
}

// LoadFile reads path if it exists, then applies environment overrides.
// A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TASKAGENT_BUS"); v != "" {
		cfg.Bus.Kind = v
	}
	if v := os.Getenv("TASKAGENT_NATS_URL"); v != "" {
		cfg.Bus.NATS.URL = v
	}
	if v := os.Getenv("TASKAGENT_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Bus.NATS.Port = port
		}
	}
	if v := os.Getenv("TASKAGENT_REDIS_ADDR"); v != "" {
		cfg.Bus.Redis.Addr = v
	}
	if v := os.Getenv("TASKAGENT_REDIS_PASSWORD"); v != "" {
		cfg.Bus.Redis.Password = v
	}
	if v := os.Getenv("TASKAGENT_SOURCE"); v != "" {
		cfg.TaskAgent.Source = v
	}
	if v := os.Getenv("TASKAGENT_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("TASKAGENT_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("TASKAGENT_WEB_TOKEN"); v != "" {
		cfg.Web.Token = v
	}
	if v := os.Getenv("TASKAGENT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func (c *Config) Validate() error {
	switch c.Bus.Kind {
	case BusNATS:
		if c.Bus.NATS.URL == "" && !c.Bus.NATS.Embedded {
			return fmt.Errorf("bus.nats: url is required unless embedded is set")
		}
	case BusRedis:
		if c.Bus.Redis.Addr == "" {
			return fmt.Errorf("bus.redis: addr is required")
		}
	default:
		return fmt.Errorf("bus.kind: unknown bus %q", c.Bus.Kind)
	}

	ta := c.TaskAgent
	if ta.Channel == "" {
		return fmt.Errorf("task_agent.channel is required")
	}
	if ta.FeedbackChannel == "" {
		return fmt.Errorf("task_agent.feedback_channel is required")
	}
	for name, d := range map[string]time.Duration{
		"poll_interval":   ta.PollInterval,
		"quiet_period":    ta.QuietPeriod,
		"initial_timeout": ta.InitialTimeout,
		"max_timeout":     ta.MaxTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("task_agent.%s must be positive", name)
		}
	}
	if ta.InitialTimeout > ta.MaxTimeout {
		return fmt.Errorf("task_agent.initial_timeout exceeds max_timeout")
	}
	if _, err := taskagent.ParseErrorPolicy(ta.ErrorPolicy); err != nil {
		return fmt.Errorf("task_agent.error_policy: %w", err)
	}
	return nil
}
