// Package config loads taskbound settings from defaults, an optional YAML
// file and TB_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bozylik/taskbound/logger"
	"github.com/bozylik/taskbound/pool"
)

type Config struct {
	Pool    PoolConfig    `yaml:"pool"`
	Task    TaskConfig    `yaml:"task"`
	Logging logger.Config `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type PoolConfig struct {
	Workers         int           `yaml:"workers" env:"POOL_WORKERS"`
	ShutdownMode    string        `yaml:"shutdown_mode" env:"POOL_SHUTDOWN_MODE"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"POOL_SHUTDOWN_TIMEOUT"`
	ForceInterrupt  bool          `yaml:"force_interrupt" env:"POOL_FORCE_INTERRUPT"`
}

type TaskConfig struct {
	// DefaultTimeout is applied by callers that do not pick their own
	// deadline. Zero means no deadline.
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"TASK_DEFAULT_TIMEOUT"`
	JoinTimeout    time.Duration `yaml:"join_timeout" env:"TASK_JOIN_TIMEOUT"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"METRICS_ENABLED"`
}

// logger.Config carries no env tags, so its overrides are mapped here.
var loggingEnv = map[string]string{
	"Level":    "LOG_LEVEL",
	"Format":   "LOG_FORMAT",
	"Output":   "LOG_OUTPUT",
	"FilePath": "LOG_FILE_PATH",
}

func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			Workers:         2,
			ShutdownMode:    "drain",
			ShutdownTimeout: 10 * time.Second,
		},
		Task: TaskConfig{
			DefaultTimeout: 5 * time.Second,
			JoinTimeout:    5 * time.Second,
		},
		Logging: logger.DefaultConfig(),
	}
}

type Loader struct {
	configPath string
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

func NewLoader() *Loader {
	return &Loader{
		envPrefix: "TB_",
		lookupEnv: os.LookupEnv,
	}
}

func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithLookupEnv replaces os.LookupEnv, mostly for tests.
func (l *Loader) WithLookupEnv(fn func(string) (string, bool)) *Loader {
	l.lookupEnv = fn
	return l
}

func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		return err
	}
	return Parse(data, cfg)
}

// Parse decodes YAML into cfg, keeping whatever cfg already holds for keys
// the document does not mention.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

func (l *Loader) applyEnv(cfg *Config) error {
	for _, section := range []reflect.Value{
		reflect.ValueOf(&cfg.Pool).Elem(),
		reflect.ValueOf(&cfg.Task).Elem(),
		reflect.ValueOf(&cfg.Metrics).Elem(),
	} {
		t := section.Type()
		for i := 0; i < section.NumField(); i++ {
			tag := t.Field(i).Tag.Get("env")
			if tag == "" {
				continue
			}
			if err := l.setFromEnv(section.Field(i), tag, t.Field(i).Name); err != nil {
				return err
			}
		}
	}

	logging := reflect.ValueOf(&cfg.Logging).Elem()
	for field, tag := range loggingEnv {
		if err := l.setFromEnv(logging.FieldByName(field), tag, field); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) setFromEnv(field reflect.Value, tag, name string) error {
	key := l.envPrefix + tag
	value, ok := l.lookupEnv(key)
	if !ok || value == "" {
		return nil
	}
	if err := setFieldValue(field, value); err != nil {
		return fmt.Errorf("%s -> %s: %w", key, name, err)
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []string

	if c.Pool.Workers <= 0 {
		errs = append(errs, "pool.workers must be greater than 0")
	}
	if _, err := pool.ParseShutdownMode(c.Pool.ShutdownMode); err != nil {
		errs = append(errs, "pool.shutdown_mode: "+err.Error())
	}
	if c.Pool.ShutdownTimeout < 0 {
		errs = append(errs, "pool.shutdown_timeout must not be negative")
	}
	if c.Task.DefaultTimeout < 0 {
		errs = append(errs, "task.default_timeout must not be negative")
	}
	if c.Task.JoinTimeout < 0 {
		errs = append(errs, "task.join_timeout must not be negative")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q must be json or console", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// PoolSettings converts the pool section. Call Validate first.
func (c *Config) PoolSettings() pool.Config {
	mode, _ := pool.ParseShutdownMode(c.Pool.ShutdownMode)
	return pool.Config{
		Workers:        c.Pool.Workers,
		ShutdownMode:   mode,
		ForceInterrupt: c.Pool.ForceInterrupt,
	}
}
