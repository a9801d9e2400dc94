package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ReasoningField     = "field"
	ReasoningThinkTags = "think-tags"
)

type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	GeminiAPIKey   string `yaml:"gemini_api_key"`
	GeminiBaseURL  string `yaml:"gemini_base_url"`
	GeminiProxyURL string `yaml:"gemini_proxy_url"`
	DefaultModel   string `yaml:"default_model"`
	// Models, when set, is served from /v1/models instead of asking the backend.
	Models []string `yaml:"models"`

	RequestTimeout  time.Duration `yaml:"request_timeout"`
	StreamBuffer    int           `yaml:"stream_buffer"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ReasoningFormat string        `yaml:"reasoning_format"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`

	// Rotation of LogFile; ignored when logging to stderr.
	LogMaxSizeMB  int `yaml:"log_max_size_mb"`
	LogMaxBackups int `yaml:"log_max_backups"`
	LogMaxAgeDays int `yaml:"log_max_age_days"`

	// A2A
	A2AEnabled bool   `yaml:"a2a_enabled"`
	A2APort    int    `yaml:"a2a_port"`
	AgentName  string `yaml:"agent_name"`
	AgentDesc  string `yaml:"agent_desc"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Port:            11434,
		DefaultModel:    "gemini-2.5-flash",
		RequestTimeout:  120 * time.Second,
		StreamBuffer:    16,
		MaxBodyBytes:    20 << 20,
		ReasoningFormat: ReasoningThinkTags,
		LogLevel:        "info",
		LogFormat:       "text",
		LogMaxSizeMB:    100,
		LogMaxBackups:   5,
		LogMaxAgeDays:   28,
		A2APort:         8000,
		AgentName:       "gemini-gateway",
		AgentDesc:       "Gemini-backed agent exposed via A2A protocol",
	}
}

// ListenAddr is the address the HTTP server binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Load reads .env from the working directory and then the process arguments.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return LoadArgs(os.Args[1:])
}

// LoadArgs layers defaults, the optional YAML file, the environment and args,
// in increasing precedence.
func LoadArgs(args []string) (*Config, error) {
	cfg := Default()

	path := configPath(args)
	if path == "" {
		path = os.Getenv("GATEWAY_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	fs := flag.NewFlagSet("gemini-gateway", flag.ContinueOnError)
	fs.String("config", path, "YAML config file")
	fs.StringVar(&cfg.Host, "host", getEnv("HOST", cfg.Host), "Listen host (empty for all interfaces)")
	fs.IntVar(&cfg.Port, "port", getEnvInt("PORT", cfg.Port), "Listen port")

	fs.StringVar(&cfg.GeminiAPIKey, "gemini-api-key", getEnv("GEMINI_API_KEY", getEnv("GOOGLE_API_KEY", cfg.GeminiAPIKey)), "Gemini API key")
	fs.StringVar(&cfg.GeminiBaseURL, "gemini-base-url", getEnv("GEMINI_BASE_URL", cfg.GeminiBaseURL), "Override the Gemini API base URL")
	fs.StringVar(&cfg.GeminiProxyURL, "gemini-proxy-url", getEnv("GEMINI_PROXY_URL", cfg.GeminiProxyURL), "HTTP/HTTPS proxy URL for Gemini requests (e.g. http://proxy:8080)")
	fs.StringVar(&cfg.DefaultModel, "default-model", getEnv("DEFAULT_MODEL", cfg.DefaultModel), "Model used when a request names none")
	models := fs.String("models", getEnv("MODELS", strings.Join(cfg.Models, ",")), "Comma-separated static model list for /v1/models")

	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", getEnvDuration("REQUEST_TIMEOUT", cfg.RequestTimeout), "Per-request deadline, streaming included")
	fs.IntVar(&cfg.StreamBuffer, "stream-buffer", getEnvInt("STREAM_BUFFER", cfg.StreamBuffer), "Backend events buffered per streaming connection")
	fs.Int64Var(&cfg.MaxBodyBytes, "max-body-bytes", getEnvInt64("MAX_BODY_BYTES", cfg.MaxBodyBytes), "Largest accepted request body")
	fs.StringVar(&cfg.ReasoningFormat, "reasoning-format", getEnv("REASONING_FORMAT", cfg.ReasoningFormat), "How thoughts reach the client: field or think-tags")
	fs.BoolVar(&cfg.MetricsEnabled, "metrics", getEnvBool("METRICS_ENABLED", cfg.MetricsEnabled), "Serve Prometheus metrics on /metrics")

	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", cfg.LogLevel), "Log level")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", cfg.LogFormat), "Log format: text or json")
	fs.StringVar(&cfg.LogFile, "log-file", getEnv("LOG_FILE", cfg.LogFile), "Rotated log file (stderr when empty)")
	fs.IntVar(&cfg.LogMaxSizeMB, "log-max-size-mb", getEnvInt("LOG_MAX_SIZE_MB", cfg.LogMaxSizeMB), "Rotate the log file after this many megabytes")
	fs.IntVar(&cfg.LogMaxBackups, "log-max-backups", getEnvInt("LOG_MAX_BACKUPS", cfg.LogMaxBackups), "Rotated log files to keep")
	fs.IntVar(&cfg.LogMaxAgeDays, "log-max-age-days", getEnvInt("LOG_MAX_AGE_DAYS", cfg.LogMaxAgeDays), "Days to keep rotated log files")

	fs.BoolVar(&cfg.A2AEnabled, "a2a", getEnvBool("A2A_ENABLED", cfg.A2AEnabled), "Enable A2A server alongside the gateway")
	fs.IntVar(&cfg.A2APort, "a2a-port", getEnvInt("A2A_PORT", cfg.A2APort), "A2A server listen port")
	fs.StringVar(&cfg.AgentName, "agent-name", getEnv("AGENT_NAME", cfg.AgentName), "A2A AgentCard name")
	fs.StringVar(&cfg.AgentDesc, "agent-desc", getEnv("AGENT_DESC", cfg.AgentDesc), "A2A AgentCard description")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.Models = splitList(*models)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.StreamBuffer < 1 {
		return fmt.Errorf("config: stream buffer must be at least 1, got %d", c.StreamBuffer)
	}
	if c.MaxBodyBytes < 1 {
		return fmt.Errorf("config: max body bytes must be positive, got %d", c.MaxBodyBytes)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: request timeout must be positive, got %s", c.RequestTimeout)
	}
	switch c.ReasoningFormat {
	case ReasoningField, ReasoningThinkTags:
	default:
		return fmt.Errorf("config: unknown reasoning format %q", c.ReasoningFormat)
	}
	if c.LogMaxSizeMB < 0 || c.LogMaxBackups < 0 || c.LogMaxAgeDays < 0 {
		return errors.New("config: log rotation settings must not be negative")
	}
	if c.A2AEnabled && (c.A2APort <= 0 || c.A2APort > 65535) {
		return fmt.Errorf("config: a2a port %d out of range", c.A2APort)
	}
	return nil
}

// configPath finds --config ahead of flag parsing so the file can seed the
// flag defaults.
func configPath(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	switch v {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d == 0 {
		return fallback
	}
	return d
}
