package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/trackersync/internal/replica"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config is the client configuration. Values are layered: defaults, then the
// YAML file, then TRACKER_* environment variables, then command-line flags.
type Config struct {
	APIURL    string `yaml:"apiUrl"`
	StreamURL string `yaml:"streamUrl"`
	Token     string `yaml:"token"`
	// TokenFile is re-read whenever it changes on disk.
	TokenFile string   `yaml:"tokenFile"`
	UserID    string   `yaml:"userId"`
	Projects  []string `yaml:"projects"`

	Reconnect      Reconnect     `yaml:"reconnect"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	AuthTimeout    time.Duration `yaml:"authTimeout"`
	PingInterval   time.Duration `yaml:"pingInterval"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	Recency        string        `yaml:"recency"`

	LogLevel    string `yaml:"logLevel"`
	LogFormat   string `yaml:"logFormat"`
	MetricsAddr string `yaml:"metricsAddr"`
}

type Reconnect struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"maxAttempts"`
	Jitter      float64       `yaml:"jitter"`
}

func Default() Config {
	return Config{
		APIURL: "http://127.0.0.1:8080",
		Reconnect: Reconnect{
			Interval:    5 * time.Second,
			MaxAttempts: 5,
			Jitter:      0.2,
		},
		ConnectTimeout: 10 * time.Second,
		AuthTimeout:    5 * time.Second,
		PingInterval:   30 * time.Second,
		RequestTimeout: 30 * time.Second,
		Recency:        replica.ArrivalOrder.String(),
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Load builds a Config from defaults, the optional YAML file at path and the
// environment. Flags are applied by the caller afterwards.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.APIURL = envOrDefault("TRACKER_API_URL", c.APIURL)
	c.StreamURL = envOrDefault("TRACKER_STREAM_URL", c.StreamURL)
	c.Token = envOrDefault("TRACKER_TOKEN", c.Token)
	c.TokenFile = envOrDefault("TRACKER_TOKEN_FILE", c.TokenFile)
	c.UserID = envOrDefault("TRACKER_USER_ID", c.UserID)
	if raw := strings.TrimSpace(os.Getenv("TRACKER_PROJECTS")); raw != "" {
		c.Projects = splitList(raw)
	}
	c.Reconnect.Interval = durationEnv("TRACKER_RECONNECT_INTERVAL", c.Reconnect.Interval)
	c.Reconnect.MaxAttempts = intEnv("TRACKER_MAX_RECONNECT_ATTEMPTS", c.Reconnect.MaxAttempts)
	c.Reconnect.Jitter = floatEnv("TRACKER_RECONNECT_JITTER", c.Reconnect.Jitter)
	c.ConnectTimeout = durationEnv("TRACKER_CONNECT_TIMEOUT", c.ConnectTimeout)
	c.AuthTimeout = durationEnv("TRACKER_AUTH_TIMEOUT", c.AuthTimeout)
	c.PingInterval = durationEnv("TRACKER_PING_INTERVAL", c.PingInterval)
	c.RequestTimeout = durationEnv("TRACKER_REQUEST_TIMEOUT", c.RequestTimeout)
	c.Recency = envOrDefault("TRACKER_RECENCY", c.Recency)
	c.LogLevel = envOrDefault("TRACKER_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOrDefault("TRACKER_LOG_FORMAT", c.LogFormat)
	c.MetricsAddr = envOrDefault("TRACKER_METRICS_ADDR", c.MetricsAddr)
}

// Validate normalizes the config in place and reports the first problem.
// An empty stream URL is derived from the API URL.
func (c *Config) Validate() error {
	c.APIURL = strings.TrimRight(strings.TrimSpace(c.APIURL), "/")
	if c.APIURL == "" {
		return fmt.Errorf("%w: apiUrl is required", ErrInvalidConfig)
	}
	apiURL, err := url.Parse(c.APIURL)
	if err != nil || apiURL.Host == "" {
		return fmt.Errorf("%w: apiUrl %q is not an absolute URL", ErrInvalidConfig, c.APIURL)
	}
	if strings.TrimSpace(c.StreamURL) == "" {
		c.StreamURL = StreamURLFor(apiURL)
	}
	if strings.TrimSpace(c.Token) == "" && strings.TrimSpace(c.TokenFile) == "" {
		return fmt.Errorf("%w: token or tokenFile is required", ErrInvalidConfig)
	}
	if c.Reconnect.Interval <= 0 {
		c.Reconnect.Interval = 5 * time.Second
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("%w: reconnect.maxAttempts must be positive", ErrInvalidConfig)
	}
	c.Reconnect.Jitter = clampJitterRatio(c.Reconnect.Jitter)
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 5 * time.Second
	}
	if c.PingInterval < 0 {
		c.PingInterval = 0
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if _, err := replica.ParseRecencyPolicy(c.Recency); err != nil {
		return fmt.Errorf("%w: recency %q", ErrInvalidConfig, c.Recency)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	c.Projects = splitList(strings.Join(c.Projects, ","))
	return nil
}

// RecencyPolicy returns the parsed recency policy. Call after Validate.
func (c Config) RecencyPolicy() replica.RecencyPolicy {
	policy, _ := replica.ParseRecencyPolicy(c.Recency)
	return policy
}

// StreamURLFor maps http(s)://host/base to ws(s)://host/base/v1/stream.
func StreamURLFor(apiURL *url.URL) string {
	stream := *apiURL
	switch strings.ToLower(stream.Scheme) {
	case "https":
		stream.Scheme = "wss"
	default:
		stream.Scheme = "ws"
	}
	stream.Path = strings.TrimRight(stream.Path, "/") + "/v1/stream"
	stream.RawQuery = ""
	return stream.String()
}

// ReadTokenFile returns the trimmed contents of path.
func ReadTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("%w: token file %s is empty", ErrInvalidConfig, path)
	}
	return token, nil
}

func ParseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(raw) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: log level %q", ErrInvalidConfig, raw)
	}
	return level, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration in environment, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid float in environment, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer in environment, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	seen := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		out = append(out, part)
	}
	return out
}
