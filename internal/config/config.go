// Package config resolves the gateway's process-wide configuration once at
// start-up. The resulting Config is immutable and passed by value into the
// subgraph registry, the bootstrap orchestrator and the federation engine.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ErrInvalid is returned when a resolved value is outside its allowed range.
var ErrInvalid = errors.New("invalid configuration")

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"

	// FileEnvVar names the optional YAML file layered under the environment.
	FileEnvVar  = "GATEWAY_CONFIG_FILE"
	DefaultFile = "gateway.yaml"
)

type Config struct {
	Server    ServerConfig      `koanf:"server"`
	Bootstrap BootstrapConfig   `koanf:"bootstrap"`
	Engine    EngineConfig      `koanf:"engine"`
	Subgraphs map[string]string `koanf:"subgraphs"`
	Log       LogConfig         `koanf:"log"`
	Tracing   TracingConfig     `koanf:"tracing"`
}

type ServerConfig struct {
	Port              int `koanf:"port"`
	ShutdownTimeoutMS int `koanf:"shutdown_timeout_ms"`
	RequestTimeoutMS  int `koanf:"request_timeout_ms"`
}

type BootstrapConfig struct {
	StartupDelayMS   int `koanf:"startup_delay_ms"`
	MaxAttempts      int `koanf:"max_attempts"`
	RetryBaseDelayMS int `koanf:"retry_base_delay_ms"`
	RetryMaxDelayMS  int `koanf:"retry_max_delay_ms"`
}

type EngineConfig struct {
	Environment       string `koanf:"environment"`
	PollIntervalMS    int    `koanf:"poll_interval_ms"`
	SubgraphTimeoutMS int    `koanf:"subgraph_timeout_ms"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

type TracingConfig struct {
	Enabled bool `koanf:"enabled"`
}

// envKeys maps the recognised environment variables onto koanf keys.
// Anything else in the environment is ignored.
var envKeys = map[string]string{
	"USER_SERVICE_URL":            "subgraphs.user",
	"PROFILE_SERVICE_URL":         "subgraphs.profile",
	"SUBSCRIPTION_SERVICE_URL":    "subgraphs.subscription",
	"CONTENT_SERVICE_URL":         "subgraphs.content",
	"VIDEO_SERVICE_URL":           "subgraphs.video",
	"AUTH_SERVICE_URL":            "subgraphs.authentication",
	"PORT":                        "server.port",
	"GATEWAY_SHUTDOWN_TIMEOUT_MS": "server.shutdown_timeout_ms",
	"GATEWAY_REQUEST_TIMEOUT_MS":  "server.request_timeout_ms",
	"STARTUP_DELAY_MS":            "bootstrap.startup_delay_ms",
	"GATEWAY_MAX_ATTEMPTS":        "bootstrap.max_attempts",
	"GATEWAY_RETRY_BASE_DELAY_MS": "bootstrap.retry_base_delay_ms",
	"GATEWAY_RETRY_MAX_DELAY_MS":  "bootstrap.retry_max_delay_ms",
	"GATEWAY_ENV":                 "engine.environment",
	"GATEWAY_POLL_INTERVAL_MS":    "engine.poll_interval_ms",
	"GATEWAY_SUBGRAPH_TIMEOUT_MS": "engine.subgraph_timeout_ms",
	"LOG_LEVEL":                   "log.level",
	"GATEWAY_TRACING_ENABLED":     "tracing.enabled",
}

var defaults = map[string]any{
	"server.port":                   4000,
	"server.shutdown_timeout_ms":    30000,
	"server.request_timeout_ms":     60000,
	"bootstrap.startup_delay_ms":    30000,
	"bootstrap.max_attempts":        15,
	"bootstrap.retry_base_delay_ms": 10000,
	"bootstrap.retry_max_delay_ms":  60000,
	"engine.environment":            EnvDevelopment,
	"engine.poll_interval_ms":       10000,
	"engine.subgraph_timeout_ms":    30000,
	"log.level":                     "info",
	"tracing.enabled":               false,
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the optional YAML file, then the environment, then fills in
// defaults for anything still unset.
func Load() (Config, error) {
	k := koanf.New(".")

	path := os.Getenv(FileEnvVar)
	if path == "" {
		path = DefaultFile
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// A missing file is fine, the environment alone is enough.
		if !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}

	// Environment overrides the file. Empty values are treated as unset so
	// that `PROFILE_SERVICE_URL=` falls back to the default.
	if err := k.Load(env.ProviderWithValue("", ".", func(key, value string) (string, any) {
		mapped, ok := envKeys[key]
		if !ok || strings.TrimSpace(value) == "" {
			return "", nil
		}
		return mapped, value
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	for name, url := range cfg.Subgraphs {
		cfg.Subgraphs[name] = substituteEnvVars(url)
	}
	cfg.Engine.Environment = strings.ToLower(cfg.Engine.Environment)
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges. Subgraph URLs are checked by the registry.
func (c Config) Validate() error {
	switch {
	case c.Server.Port < 1 || c.Server.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, c.Server.Port)
	case c.Server.ShutdownTimeoutMS <= 0:
		return fmt.Errorf("%w: shutdown timeout must be positive", ErrInvalid)
	case c.Server.RequestTimeoutMS <= 0:
		return fmt.Errorf("%w: request timeout must be positive", ErrInvalid)
	case c.Bootstrap.StartupDelayMS < 0:
		return fmt.Errorf("%w: startup delay must not be negative", ErrInvalid)
	case c.Bootstrap.MaxAttempts < 1:
		return fmt.Errorf("%w: max attempts must be at least 1", ErrInvalid)
	case c.Bootstrap.RetryBaseDelayMS <= 0 || c.Bootstrap.RetryMaxDelayMS <= 0:
		return fmt.Errorf("%w: retry delays must be positive", ErrInvalid)
	case c.Bootstrap.RetryBaseDelayMS > c.Bootstrap.RetryMaxDelayMS:
		return fmt.Errorf("%w: retry base delay %dms exceeds cap %dms", ErrInvalid,
			c.Bootstrap.RetryBaseDelayMS, c.Bootstrap.RetryMaxDelayMS)
	case c.Engine.Environment != EnvProduction && c.Engine.Environment != EnvDevelopment:
		return fmt.Errorf("%w: unknown environment %q", ErrInvalid, c.Engine.Environment)
	case c.Engine.PollIntervalMS <= 0:
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalid)
	case c.Engine.SubgraphTimeoutMS <= 0:
		return fmt.Errorf("%w: subgraph timeout must be positive", ErrInvalid)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalid, c.Log.Level)
	}
	return nil
}

// Production reports whether the engine should skip schema polling.
func (c Config) Production() bool {
	return c.Engine.Environment == EnvProduction
}

func (c Config) StartupDelay() time.Duration {
	return time.Duration(c.Bootstrap.StartupDelayMS) * time.Millisecond
}

func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Bootstrap.RetryBaseDelayMS) * time.Millisecond
}

func (c Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.Bootstrap.RetryMaxDelayMS) * time.Millisecond
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Engine.PollIntervalMS) * time.Millisecond
}

func (c Config) SubgraphTimeout() time.Duration {
	return time.Duration(c.Engine.SubgraphTimeoutMS) * time.Millisecond
}

func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutMS) * time.Millisecond
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutMS) * time.Millisecond
}

// ListenAddr is the address the HTTP surface binds to.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
