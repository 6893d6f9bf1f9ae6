// Package config loads the draftkit CLI configuration.
//
// Configuration comes from an optional YAML file, named by the --config flag
// or the DRAFTKIT_CONFIG environment variable, followed by environment
// overrides. Environment values always win over the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreBolt   = "bolt"
)

// Config is the CLI configuration.
type Config struct {
	// Model is the chat model used for reasoning and drafting.
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	Temperature   float32 `yaml:"temperature"`
	MaxToolRounds int     `yaml:"max_tool_rounds"`
	MaxSteps      int     `yaml:"max_steps"` // 0 derives the bound from max_tool_rounds

	Store    StoreConfig    `yaml:"store"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Retry    RetryConfig    `yaml:"retry"`
	Parallel ParallelConfig `yaml:"parallel"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`

	// Fixture is a YAML file holding threads, mail, calendar and knowledge
	// entries served to the agent.
	Fixture string `yaml:"fixture"`

	// Listen is the address of `draftkit serve`.
	Listen string `yaml:"listen"`
}

// StoreConfig selects the checkpoint backend.
type StoreConfig struct {
	// Driver is memory, sqlite or bolt.
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	// Compression is none, zstd or lz4.
	Compression string `yaml:"compression"`
}

// TimeoutsConfig holds per-call deadlines. Zero disables a deadline.
type TimeoutsConfig struct {
	ContextLoad time.Duration `yaml:"context_load"`
	ModelCall   time.Duration `yaml:"model_call"`
	ToolCall    time.Duration `yaml:"tool_call"`
}

type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

type ParallelConfig struct {
	Enabled       bool `yaml:"enabled"`
	MaxConcurrent int  `yaml:"max_concurrent"`
}

type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level        string `yaml:"level"`
	Format       string `yaml:"format"` // text or json
	LogToolCalls bool   `yaml:"log_tool_calls"`
	PromptLog    string `yaml:"prompt_log"`
}

// TracingConfig enables OTLP/HTTP span export when Endpoint is set, or
// export to Langfuse when both Langfuse keys are set.
type TracingConfig struct {
	Endpoint    string            `yaml:"endpoint"`
	Headers     map[string]string `yaml:"headers"`
	ServiceName string            `yaml:"service_name"`
	Environment string            `yaml:"environment"`

	LangfusePublicKey string `yaml:"langfuse_public_key"`
	LangfuseSecretKey string `yaml:"langfuse_secret_key"`
	LangfuseURL       string `yaml:"langfuse_url"`
}

// Enabled reports whether any span exporter is configured.
func (t TracingConfig) Enabled() bool {
	return t.Endpoint != "" || t.LangfusePublicKey != ""
}

// Default returns the configuration used before the file and environment
// are applied.
func Default() *Config {
	return &Config{
		Model:         "gpt-4o-mini",
		Temperature:   0.4,
		MaxToolRounds: 5,
		Store: StoreConfig{
			Driver:      StoreSQLite,
			Path:        "draftkit.db",
			Compression: "zstd",
		},
		Timeouts: TimeoutsConfig{
			ContextLoad: 15 * time.Second,
			ModelCall:   60 * time.Second,
			ToolCall:    10 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries:   2,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
		},
		Parallel: ParallelConfig{Enabled: true},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Tracing:  TracingConfig{ServiceName: "draftkit"},
		Listen:   "127.0.0.1:8080",
	}
}

// Load reads path (or $DRAFTKIT_CONFIG when path is empty) and applies the
// environment. A missing path is not an error; a named file that cannot be
// read is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("DRAFTKIT_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from the environment through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("OPENAI_API_KEY", &c.APIKey)
	str("DRAFTKIT_API_KEY", &c.APIKey)
	str("OPENAI_BASE_URL", &c.BaseURL)
	str("DRAFTKIT_MODEL", &c.Model)
	integer("DRAFTKIT_MAX_TOOL_ROUNDS", &c.MaxToolRounds)
	integer("DRAFTKIT_MAX_STEPS", &c.MaxSteps)
	str("DRAFTKIT_STORE", &c.Store.Driver)
	str("DRAFTKIT_STORE_PATH", &c.Store.Path)
	str("DRAFTKIT_STORE_COMPRESSION", &c.Store.Compression)
	duration("DRAFTKIT_MODEL_TIMEOUT", &c.Timeouts.ModelCall)
	duration("DRAFTKIT_TOOL_TIMEOUT", &c.Timeouts.ToolCall)
	duration("DRAFTKIT_CONTEXT_TIMEOUT", &c.Timeouts.ContextLoad)
	integer("DRAFTKIT_MAX_RETRIES", &c.Retry.MaxRetries)
	integer("DRAFTKIT_MAX_CONCURRENT_TOOLS", &c.Parallel.MaxConcurrent)
	str("DRAFTKIT_LOG_LEVEL", &c.Logging.Level)
	str("DRAFTKIT_LOG_FORMAT", &c.Logging.Format)
	str("DRAFTKIT_PROMPT_LOG", &c.Logging.PromptLog)
	str("DRAFTKIT_OTLP_ENDPOINT", &c.Tracing.Endpoint)
	str("DRAFTKIT_ENVIRONMENT", &c.Tracing.Environment)
	str("LANGFUSE_PUBLIC_KEY", &c.Tracing.LangfusePublicKey)
	str("LANGFUSE_SECRET_KEY", &c.Tracing.LangfuseSecretKey)
	str("LANGFUSE_HOST", &c.Tracing.LangfuseURL)
	str("DRAFTKIT_FIXTURE", &c.Fixture)
	str("DRAFTKIT_LISTEN", &c.Listen)

	if v, ok := lookup("DRAFTKIT_TEMPERATURE"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("DRAFTKIT_TEMPERATURE: %w", err))
		} else {
			c.Temperature = float32(f)
		}
	}
	return errors.Join(errs...)
}

// Validate checks the values the CLI depends on. Agent limits are checked
// again when the session is built.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite, StoreBolt:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for the %s driver", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	switch strings.ToLower(c.Store.Compression) {
	case "", "none", "zstd", "lz4":
	default:
		errs = append(errs, fmt.Errorf("unknown store compression %q", c.Store.Compression))
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Logging.Format))
	}
	if c.Timeouts.ContextLoad < 0 || c.Timeouts.ModelCall < 0 || c.Timeouts.ToolCall < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if (c.Tracing.LangfusePublicKey == "") != (c.Tracing.LangfuseSecretKey == "") {
		errs = append(errs, errors.New("tracing needs both langfuse_public_key and langfuse_secret_key"))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.max_retries must not be negative"))
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}
