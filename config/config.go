// Package config loads and validates the environment-driven configuration
// a conversation run is built from. Configuration is resolved once, at
// process startup, into an immutable value — there is no hot reload and no
// process-wide mutable singleton; callers thread the *Config explicitly.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in the environment/configuration table.
type Config struct {
	DefaultMaxTurns       int           `yaml:"default_max_turns" env:"DEFAULT_MAX_TURNS"`
	DefaultTimeoutMinutes int           `yaml:"default_timeout_minutes" env:"DEFAULT_TIMEOUT_MINUTES"`
	Temperature           float64       `yaml:"temperature" env:"TEMPERATURE"`
	MaxTokens             int           `yaml:"max_tokens" env:"MAX_TOKENS"`
	MaxContextMsgs        int           `yaml:"max_context_msgs" env:"MAX_CONTEXT_MSGS"`
	SimilarityThreshold   float64       `yaml:"similarity_threshold" env:"SIMILARITY_THRESHOLD"`
	MaxConsecutiveSimilar int           `yaml:"max_consecutive_similar" env:"MAX_CONSECUTIVE_SIMILAR"`
	MaxMessageLength      int           `yaml:"max_message_length" env:"MAX_MESSAGE_LENGTH"`
	InitialBackoff        time.Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF"`
	BackoffMultiplier     float64       `yaml:"backoff_multiplier" env:"BACKOFF_MULTIPLIER"`
	MaxBackoff            time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	DataDir               string        `yaml:"data_dir" env:"DATA_DIR"`
	MetricsPort           int           `yaml:"metrics_port" env:"METRICS_PORT"`

	Log LogConfig `yaml:"log" env:"LOG"`

	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// TelemetryConfig configures the OpenTelemetry exporters.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Default returns the configuration with every default from spec §6.3 applied.
func Default() *Config {
	return &Config{
		DefaultMaxTurns:       50,
		DefaultTimeoutMinutes: 30,
		Temperature:           0.7,
		MaxTokens:             1024,
		MaxContextMsgs:        10,
		SimilarityThreshold:   0.85,
		MaxConsecutiveSimilar: 2,
		MaxMessageLength:      100000,
		InitialBackoff:        2 * time.Second,
		BackoffMultiplier:     2.0,
		MaxBackoff:            120 * time.Second,
		DataDir:               "./data",
		MetricsPort:           8000,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "dialogos",
			SampleRate:  1.0,
		},
	}
}

// Loader resolves a Config from defaults, an optional YAML overlay, then
// environment variables, in that priority order — lowest to highest.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader returns a Loader with the DIALOGOS environment prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "DIALOGOS"}
}

// WithConfigPath sets an optional YAML overlay file. Missing files are not
// an error; a present-but-unparseable file is.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// Load builds the final Config.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("config: load from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: load from env: %w", err)
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		// Top-level keys (DEFAULT_MAX_TURNS, ...) are looked up unprefixed
		// first per spec §6.3, then as DIALOGOS_<key> for nested sections.
		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, prefix+"_"+envTag); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envTag)
		if envValue == "" {
			envValue = os.Getenv(prefix + "_" + envTag)
		}
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set %s: %w", envTag, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			if d, err := time.ParseDuration(value); err == nil {
				field.SetInt(int64(d))
				return nil
			}
			// Allow bare seconds as floats (matches the spec table's "2.0 s" style).
			secs, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return err
			}
			field.SetInt(int64(secs * float64(time.Second)))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// Validate enforces every range named in spec §6.3.
func (c *Config) Validate() error {
	var errs []string

	if c.DefaultMaxTurns < 1 {
		errs = append(errs, "default_max_turns must be >= 1")
	}
	if c.DefaultTimeoutMinutes < 1 {
		errs = append(errs, "default_timeout_minutes must be >= 1")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		errs = append(errs, "temperature must be in [0, 2]")
	}
	if c.MaxTokens < 1 {
		errs = append(errs, "max_tokens must be >= 1")
	}
	if c.MaxContextMsgs < 1 {
		errs = append(errs, "max_context_msgs must be >= 1")
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		errs = append(errs, "similarity_threshold must be in [0, 1]")
	}
	if c.MaxConsecutiveSimilar < 1 {
		errs = append(errs, "max_consecutive_similar must be >= 1")
	}
	if c.MaxMessageLength < 1 {
		errs = append(errs, "max_message_length must be >= 1")
	}
	if c.InitialBackoff <= 0 {
		errs = append(errs, "initial_backoff must be > 0")
	}
	if c.BackoffMultiplier < 1 {
		errs = append(errs, "backoff_multiplier must be >= 1")
	}
	if c.MaxBackoff <= 0 {
		errs = append(errs, "max_backoff must be > 0")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, "data_dir must be set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// CredentialEnvVar returns the environment variable name holding the API
// credential for a given provider, per spec §6.3's `<PROVIDER>_API_KEY`.
func CredentialEnvVar(provider string) string {
	return strings.ToUpper(provider) + "_API_KEY"
}

// Credential looks up a provider's API key from the environment.
func Credential(provider string) (string, bool) {
	v := os.Getenv(CredentialEnvVar(provider))
	return v, v != ""
}
