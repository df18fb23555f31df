// Package config loads the ho configuration from defaults, a YAML file,
// HO_* environment variables and command-line overrides, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thalesfsp/ho"
	"github.com/thalesfsp/ho/internal/logger"
)

// Queue backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config is the complete configuration of the ho binary.
type Config struct {
	Tracking TrackingConfig `yaml:"tracking"`
	Queue    QueueConfig    `yaml:"queue"`
	Logging  LoggingConfig  `yaml:"logging"`
	Project  ProjectConfig  `yaml:"project"`
	Queues   QueuesConfig   `yaml:"queues"`
	Campaign CampaignConfig `yaml:"campaign"`
	Agent    AgentConfig    `yaml:"agent"`
}

// TrackingConfig locates the tracking database.
type TrackingConfig struct {
	DB string `yaml:"db" env:"HO_TRACKING_DB"`
}

// QueueConfig selects the queue backend.
type QueueConfig struct {
	// Backend is sqlite (queues live in the tracking database) or redis.
	Backend string      `yaml:"backend" env:"HO_QUEUE_BACKEND"`
	Prefix  string      `yaml:"prefix" env:"HO_QUEUE_PREFIX"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr        string        `yaml:"addr" env:"HO_REDIS_ADDR"`
	Password    string        `yaml:"password" env:"HO_REDIS_PASSWORD"`
	DB          int           `yaml:"db" env:"HO_REDIS_DB"`
	DialTimeout time.Duration `yaml:"dial_timeout" env:"HO_REDIS_DIAL_TIMEOUT"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"HO_LOG_LEVEL"`
	Format     string `yaml:"format" env:"HO_LOG_FORMAT"`
	Output     string `yaml:"output" env:"HO_LOG_OUTPUT"`
	File       string `yaml:"file" env:"HO_LOG_FILE"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

// ProjectConfig names the controller task.
type ProjectConfig struct {
	Project string `yaml:"project" json:"project" env:"HO_PROJECT"`
	Name    string `yaml:"name" json:"name" env:"HO_TASK_NAME"`
	Repo    string `yaml:"repo" json:"repo" env:"HO_REPO"`

	// Reuse picks up the last controller task of the same name when it never
	// left the created state.
	Reuse bool `yaml:"reuse" json:"reuse"`
}

// QueuesConfig names the execution queues.
type QueuesConfig struct {
	// Controller receives the controller task in remote mode.
	Controller string `yaml:"controller" json:"controller" env:"HO_CONTROLLER_QUEUE"`

	// Trials receives every trial. Empty runs trials in-process.
	Trials string `yaml:"trials" json:"trials" env:"HO_TRIAL_QUEUE"`
}

// CampaignConfig is the search definition. It is what gets stored on the
// controller task as the launch snapshot.
type CampaignConfig struct {
	BaseTaskID string          `yaml:"base_task_id" json:"base_task_id" env:"HO_BASE_TASK_ID"`
	Parameters []ho.RangeSpec  `yaml:"parameters" json:"parameters"`
	Objective  ho.Objective    `yaml:"objective" json:"objective"`
	Policy     ho.Policy       `yaml:"policy" json:"policy"`
	Strategy   ho.Strategy     `yaml:"strategy" json:"strategy" env:"HO_STRATEGY"`
	Seed       int64           `yaml:"seed" json:"seed" env:"HO_SEED"`
	Optimizer  OptimizerConfig `yaml:"optimizer" json:"optimizer"`
	TopK       int             `yaml:"top_k" json:"top_k" env:"HO_TOP_K"`

	// PollInterval is how often the campaign checks on its trials.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
}

// OptimizerConfig tunes the Bayesian sampler. Zero values keep the sampler
// defaults.
type OptimizerConfig struct {
	InitialSamples int     `yaml:"initial_samples" json:"initial_samples"`
	NumCandidates  int     `yaml:"num_candidates" json:"num_candidates"`
	Acquisition    string  `yaml:"acquisition" json:"acquisition"` // ucb, pi, ei, thompson
	Beta           float64 `yaml:"beta" json:"beta"`
	Xi             float64 `yaml:"xi" json:"xi"`
	KernelWidth    float64 `yaml:"kernel_width" json:"kernel_width"`
}

// AgentConfig holds the agent settings.
type AgentConfig struct {
	Queues       []string      `yaml:"queues" env:"HO_AGENT_QUEUES"`
	PollInterval time.Duration `yaml:"poll_interval" env:"HO_AGENT_POLL"`

	// Workdir is the working directory of trial processes.
	Workdir string `yaml:"workdir" env:"HO_AGENT_WORKDIR"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Tracking: TrackingConfig{
			DB: "ho.db",
		},
		Queue: QueueConfig{
			Backend: BackendSQLite,
			Prefix:  "ho:queue",
			Redis: RedisConfig{
				Addr:        "localhost:6379",
				DialTimeout: 5 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
		},
		Project: ProjectConfig{
			Project: "Snippets",
			Name:    "HPO",
			Repo:    "https://github.com/jeremiedecock/clearml-agent-demo.git",
		},
		Queues: QueuesConfig{
			Controller: "hpo-coordinator",
			Trials:     "worker-single-gpu",
		},
		Campaign: CampaignConfig{
			Parameters: []ho.RangeSpec{
				{Name: "Args/lr", Kind: ho.RangeUniform, Min: 0.00025, Max: 0.01, Step: 0.00025},
				{Name: "Args/num_hidden_layers", Kind: ho.RangeInteger, Min: 1, Max: 4, Step: 1},
				{Name: "Args/hidden_layer_size", Kind: ho.RangeInteger, Min: 16, Max: 512, Step: 16},
			},
			Objective: ho.Objective{Title: "Accuracy", Series: "test", Sign: ho.Maximize},
			Policy: ho.Policy{
				MaxConcurrentTrials:   8,
				OptimizationTimeLimit: 60 * time.Minute,
				ComputeTimeLimit:      120 * time.Minute,
				TotalMaxJobs:          50,
				MinIterationPerJob:    15000,
				MaxIterationPerJob:    150000,
			},
			Strategy:     ho.StrategyBayesian,
			TopK:         3,
			PollInterval: ho.DefaultPollInterval,
		},
		Agent: AgentConfig{
			PollInterval: 5 * time.Second,
		},
	}
}

// Logger returns the logger settings of c.
func (c *Config) Logger() *logger.Config {
	return &logger.Config{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		Output:     c.Logging.Output,
		FilePath:   c.Logging.File,
		MaxSize:    c.Logging.MaxSize,
		MaxBackups: c.Logging.MaxBackups,
		MaxAge:     c.Logging.MaxAge,
	}
}

// Validate checks the non-campaign settings. The campaign section is checked
// when a launch is built from it.
func (c *Config) Validate() error {
	var errs ho.ConfigErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ho.ConfigError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(c.Tracking.DB) == "" {
		add("tracking.db", "tracking database path is required")
	}

	switch c.Queue.Backend {
	case BackendSQLite:
	case BackendRedis:
		if strings.TrimSpace(c.Queue.Redis.Addr) == "" {
			add("queue.redis.addr", "redis address is required with the redis backend")
		}
		if c.Queue.Redis.DB < 0 {
			add("queue.redis.db", "must not be negative")
		}
	default:
		add("queue.backend", "unknown backend %q (want sqlite or redis)", c.Queue.Backend)
	}

	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level", "%v", err)
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		add("logging.format", "unknown format %q (want console or json)", c.Logging.Format)
	}
	switch c.Logging.Output {
	case "", "stdout", "stderr":
	case "file", "both":
		if c.Logging.File == "" {
			add("logging.file", "a file is required with output %q", c.Logging.Output)
		}
	default:
		add("logging.output", "unknown output %q (want stdout, stderr, file or both)", c.Logging.Output)
	}

	if strings.TrimSpace(c.Project.Project) == "" {
		add("project.project", "project is required")
	}
	if strings.TrimSpace(c.Project.Name) == "" {
		add("project.name", "name is required")
	}

	if _, err := ho.LookupAcquisition(c.Campaign.Optimizer.Acquisition); err != nil {
		add("campaign.optimizer.acquisition", "%v", err)
	}
	if c.Campaign.Optimizer.KernelWidth < 0 {
		add("campaign.optimizer.kernel_width", "must not be negative")
	}
	if c.Campaign.TopK < 0 {
		add("campaign.top_k", "must not be negative")
	}
	if c.Campaign.PollInterval < 0 {
		add("campaign.poll_interval", "must not be negative")
	}
	if c.Agent.PollInterval <= 0 {
		add("agent.poll_interval", "must be positive")
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Serialize serializes the configuration to YAML bytes.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	overrides  map[string]string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{overrides: make(map[string]string)}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithOverrides sets dot-path overrides such as "queues.trials", applied last.
func (l *Loader) WithOverrides(overrides map[string]string) *Loader {
	for k, v := range overrides {
		l.overrides[k] = v
	}
	return l
}

// Load loads configuration from all sources with proper precedence:
// defaults < YAML file < environment variables < overrides.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := applyEnvToStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}

	for path, value := range l.overrides {
		if err := setConfigValue(cfg, path, value); err != nil {
			return nil, fmt.Errorf("apply override %s: %w", path, err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		return err
	}
	return decodeYAML(data, cfg)
}

// decodeYAML rejects unknown keys so typos do not silently fall back to
// defaults.
func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// applyEnvToStruct recursively applies environment variables to struct fields.
func applyEnvToStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct {
			if err := applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		envValue, ok := os.LookupEnv(envTag)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set %s from %s: %w", fieldType.Name, envTag, err)
		}
	}

	return nil
}

// setConfigValue sets a configuration value by the dot-separated path of its
// yaml keys.
func setConfigValue(cfg *Config, path, value string) error {
	v := reflect.ValueOf(cfg).Elem()
	parts := strings.Split(path, ".")

	for i, part := range parts {
		if v.Kind() != reflect.Struct {
			return fmt.Errorf("%s is not a section", strings.Join(parts[:i], "."))
		}
		field, ok := fieldByYAMLName(v, part)
		if !ok {
			return fmt.Errorf("unknown config path %s", path)
		}
		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}
		v = field
	}

	return nil
}

func fieldByYAMLName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		if tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setFieldValue sets a reflect.Value from a string value.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("field cannot be set")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		field.SetInt(i)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number: %w", err)
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type().Elem())
		}
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))

	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}

	return nil
}
