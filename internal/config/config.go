package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for chatsync.
type Config struct {
	General     GeneralConfig     `json:"general" yaml:"general"`
	API         APIConfig         `json:"api" yaml:"api"`
	Auth        AuthConfig        `json:"auth" yaml:"auth"`
	Retry       RetryConfig       `json:"retry" yaml:"retry"`
	Attachments AttachmentsConfig `json:"attachments" yaml:"attachments"`
	Cache       CacheConfig       `json:"cache" yaml:"cache"`
	Feed        FeedConfig        `json:"feed" yaml:"feed"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional log file path
}

// APIConfig points at the conversation/message/image backend.
type APIConfig struct {
	BaseURL        string `json:"baseURL" yaml:"baseURL"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	UserAgent      string `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`
}

// AuthConfig configures credential resolution. When Token is set it is used
// as a static credential and SessionURL is not consulted.
type AuthConfig struct {
	SessionURL string `json:"sessionURL" yaml:"sessionURL"`
	LoginURL   string `json:"loginURL" yaml:"loginURL"`
	Token      string `json:"token,omitempty" yaml:"token,omitempty"`
	UserID     string `json:"userId,omitempty" yaml:"userId,omitempty"`
}

type RetryConfig struct {
	MaxRetries     int `json:"maxRetries" yaml:"maxRetries"`
	InitialDelayMs int `json:"initialDelayMs" yaml:"initialDelayMs"`
}

type AttachmentsConfig struct {
	MaxFileSize  int64    `json:"maxFileSize" yaml:"maxFileSize"`
	AllowedTypes []string `json:"allowedTypes" yaml:"allowedTypes"`
}

// CacheConfig configures the offline snapshot cache.
type CacheConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	DBPath  string `json:"dbPath" yaml:"dbPath"`
}

// FeedConfig configures the websocket state feed served by `chatsync serve`.
type FeedConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// Timeout returns the HTTP timeout as a duration.
func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// InitialDelay returns the first backoff delay as a duration.
func (c RetryConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelayMs) * time.Millisecond
}

// DefaultConfigDir returns the default config directory (~/.chatsync).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatsync"
	}
	return filepath.Join(home, ".chatsync")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// LoadDotEnv loads KEY=VALUE pairs from the given .env files into the
// process environment. Missing files are skipped; variables already set in
// the environment win.
func LoadDotEnv(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("cannot load env files: %w", err)
	}
	return nil
}

func Load(path string) (*Config, error) {
	cfg, err := parseFile(path, true)
	if err != nil {
		return nil, err
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.Cache.DBPath = expandPath(cfg.Cache.DBPath)
	cfg.General.LogFile = expandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadRaw reads path as written: ${VAR} placeholders, ~/ paths and
// environment overrides are left alone and nothing is validated. Use it
// to edit a file that is saved back.
func LoadRaw(path string) (*Config, error) {
	return parseFile(path, false)
}

func parseFile(path string, expand bool) (*Config, error) {
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	if expand {
		data = []byte(ExpandEnvVars(string(data)))
	}

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefaults loads path, falling back to defaults (with environment
// overrides applied) when the file does not exist.
func LoadOrDefaults(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}
	cfg = Defaults()
	if err := ApplyEnv(cfg); err != nil {
		return nil, false, err
	}
	cfg.Cache.DBPath = expandPath(cfg.Cache.DBPath)
	if err := Validate(cfg); err != nil {
		return nil, false, fmt.Errorf("config validation: %w", err)
	}
	return cfg, false, nil
}

// Environment overrides, named after the variables the web client reads.
const (
	EnvAPIBaseURL  = "NEXT_PUBLIC_API_BASE_URL"
	EnvMaxFileSize = "NEXT_PUBLIC_MAX_FILE_SIZE"
	EnvToken       = "CHATSYNC_TOKEN"
	EnvLogLevel    = "CHATSYNC_LOG_LEVEL"
)

// ApplyEnv overrides config values from the environment.
func ApplyEnv(cfg *Config) error {
	if v := os.Getenv(EnvAPIBaseURL); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv(EnvMaxFileSize); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxFileSize, err)
		}
		cfg.Attachments.MaxFileSize = n
	}
	if v := os.Getenv(EnvToken); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.General.LogLevel = v
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if u, err := url.Parse(cfg.API.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, "api.baseURL must be an absolute URL")
	}
	if cfg.API.TimeoutSeconds < 1 || cfg.API.TimeoutSeconds > 600 {
		errs = append(errs, "api.timeoutSeconds must be between 1 and 600")
	}
	if cfg.Auth.Token == "" && cfg.Auth.SessionURL == "" {
		errs = append(errs, "auth.sessionURL is required when auth.token is empty")
	}
	if cfg.Retry.MaxRetries < 0 || cfg.Retry.MaxRetries > 10 {
		errs = append(errs, "retry.maxRetries must be between 0 and 10")
	}
	if cfg.Retry.InitialDelayMs < 0 {
		errs = append(errs, "retry.initialDelayMs must be >= 0")
	}
	if cfg.Attachments.MaxFileSize < 1 {
		errs = append(errs, "attachments.maxFileSize must be >= 1")
	}
	if len(cfg.Attachments.AllowedTypes) == 0 {
		errs = append(errs, "attachments.allowedTypes must not be empty")
	}
	for _, mt := range cfg.Attachments.AllowedTypes {
		if !strings.HasPrefix(mt, "image/") {
			errs = append(errs, fmt.Sprintf("attachments.allowedTypes: %q is not an image type", mt))
		}
	}
	if cfg.Cache.Enabled && cfg.Cache.DBPath == "" {
		errs = append(errs, "cache.dbPath is required when the cache is enabled")
	}
	if cfg.Feed.Port < 0 || cfg.Feed.Port > 65535 {
		errs = append(errs, "feed.port must be between 0 and 65535")
	}
	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func expandPath(path string) string {
	return ExpandPath(path)
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
