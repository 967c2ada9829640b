// Package config loads the session backend's runtime configuration from a
// JSON file, with every field except readTimeout and writeTimeout
// overridable by a SESSBE_* environment variable. The
// JSON-file-plus-env-overlay shape follows primal-pds's db.json loader, generalized with driftpursuit's typed env-override
// accumulation (collect every parse problem before failing, rather than
// bailing on the first one).
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultListenAddr is the HTTP/WebSocket listen address.
	DefaultListenAddr = ":8080"
	// DefaultMaxDeviceIDLength bounds client-supplied device identifiers.
	DefaultMaxDeviceIDLength = 200
	// DefaultMaxDevicesPerSave bounds distinct device cursors per stream.
	DefaultMaxDevicesPerSave = 8
	// DefaultPingInterval controls the keepalive cadence for duplex connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultReadTimeout bounds how long a read deadline extension may lapse.
	DefaultReadTimeout = 2 * DefaultPingInterval
	// DefaultWriteTimeout bounds a single outbound frame write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultLLMTimeoutSeconds is the upstream HTTP total timeout.
	DefaultLLMTimeoutSeconds = 60
	// DefaultLogLevel controls structured log verbosity.
	DefaultLogLevel = "info"
)

// LLMConfig configures the upstream token-streaming client.
type LLMConfig struct {
	Mode           string `json:"mode"`    // "synthetic" or "vendor"
	BaseURL        string `json:"baseUrl"`
	APIKey         string `json:"apiKey"`
	Model          string `json:"model"`
	API            string `json:"api"` // "responses", "chat_completions", or "auto"
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level string `json:"level"`
	Path  string `json:"path"` // empty means stdout
}

// Config captures all runtime tunables for the session backend.
type Config struct {
	DBConn string `json:"dbConn"`
	DBName string `json:"dbName"`
	DBUser string `json:"dbUser"`
	DBPass string `json:"dbPass"`

	ListenAddr string `json:"listenAddr"`

	// AdminKey is an operator secret loaded from the file or
	// SESSBE_ADMIN_KEY. No route in this module reads it.
	AdminKey string `json:"adminKey"`
	// JWTSecret verifies HS256 bearer tokens presented by duplex clients.
	// Kept distinct from AdminKey (see SPEC_FULL.md Open Questions) so the
	// two secrets can rotate independently even though a deployment may
	// choose to set them equal.
	JWTSecret string `json:"jwtSecret"`

	MaxDeviceIDLength int `json:"maxDeviceIdLength"`
	MaxDevicesPerSave int `json:"maxDevicesPerSave"`

	PingInterval time.Duration `json:"-"`
	ReadTimeout  time.Duration `json:"-"`
	WriteTimeout time.Duration `json:"-"`

	LLM     LLMConfig     `json:"llm"`
	Logging LoggingConfig `json:"logging"`
}

// rawDurations lets JSON encode durations as human strings while Config
// exposes time.Duration fields directly.
type rawDurations struct {
	PingInterval string `json:"pingInterval"`
	ReadTimeout  string `json:"readTimeout"`
	WriteTimeout string `json:"writeTimeout"`
}

// Load reads and parses configuration from the given file path, then
// applies SESSBE_* environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &Config{
		ListenAddr:        DefaultListenAddr,
		MaxDeviceIDLength: DefaultMaxDeviceIDLength,
		MaxDevicesPerSave: DefaultMaxDevicesPerSave,
		PingInterval:      DefaultPingInterval,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		LLM:               LLMConfig{Mode: "synthetic", API: "auto", TimeoutSeconds: DefaultLLMTimeoutSeconds},
		Logging:           LoggingConfig{Level: DefaultLogLevel},
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	var durations rawDurations
	if err := json.Unmarshal(data, &durations); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	var problems []string

	if durations.PingInterval != "" {
		if d, err := time.ParseDuration(durations.PingInterval); err != nil || d <= 0 {
			problems = append(problems, fmt.Sprintf("pingInterval must be a positive duration, got %q", durations.PingInterval))
		} else {
			cfg.PingInterval = d
		}
	}
	if durations.ReadTimeout != "" {
		if d, err := time.ParseDuration(durations.ReadTimeout); err != nil || d <= 0 {
			problems = append(problems, fmt.Sprintf("readTimeout must be a positive duration, got %q", durations.ReadTimeout))
		} else {
			cfg.ReadTimeout = d
		}
	}
	if durations.WriteTimeout != "" {
		if d, err := time.ParseDuration(durations.WriteTimeout); err != nil || d <= 0 {
			problems = append(problems, fmt.Sprintf("writeTimeout must be a positive duration, got %q", durations.WriteTimeout))
		} else {
			cfg.WriteTimeout = d
		}
	}

	applyEnvOverrides(cfg, &problems)

	if len(problems) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config, problems *[]string) {
	if v := strings.TrimSpace(os.Getenv("SESSBE_DB_CONN")); v != "" {
		cfg.DBConn = v
	}
	if v := strings.TrimSpace(os.Getenv("SESSBE_DB_NAME")); v != "" {
		cfg.DBName = v
	}
	if v := strings.TrimSpace(os.Getenv("SESSBE_DB_USER")); v != "" {
		cfg.DBUser = v
	}
	if v := strings.TrimSpace(os.Getenv("SESSBE_DB_PASS")); v != "" {
		cfg.DBPass = v
	}
	if v := strings.TrimSpace(os.Getenv("SESSBE_LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("SESSBE_ADMIN_KEY")); v != "" {
		cfg.AdminKey = v
	}
	if v := strings.TrimSpace(os.Getenv("SESSBE_JWT_SECRET")); v != "" {
		cfg.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("SESSBE_LLM_MODE")); v != "" {
		cfg.LLM.Mode = v
	}
	if v := strings.TrimSpace(os.Getenv("SESSBE_LLM_BASE_URL")); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("SESSBE_LLM_API_KEY")); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("SESSBE_LLM_MODEL")); v != "" {
		cfg.LLM.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("SESSBE_LLM_API")); v != "" {
		cfg.LLM.API = v
	}

	if raw := strings.TrimSpace(os.Getenv("SESSBE_MAX_DEVICE_ID_LENGTH")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			*problems = append(*problems, fmt.Sprintf("SESSBE_MAX_DEVICE_ID_LENGTH must be a positive integer, got %q", raw))
		} else {
			cfg.MaxDeviceIDLength = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SESSBE_MAX_DEVICES_PER_SAVE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			*problems = append(*problems, fmt.Sprintf("SESSBE_MAX_DEVICES_PER_SAVE must be a positive integer, got %q", raw))
		} else {
			cfg.MaxDevicesPerSave = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SESSBE_LLM_TIMEOUT_SECONDS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			*problems = append(*problems, fmt.Sprintf("SESSBE_LLM_TIMEOUT_SECONDS must be a positive integer, got %q", raw))
		} else {
			cfg.LLM.TimeoutSeconds = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SESSBE_PING_INTERVAL")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			*problems = append(*problems, fmt.Sprintf("SESSBE_PING_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.PingInterval = d
		}
	}

	if v := strings.TrimSpace(os.Getenv("SESSBE_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("SESSBE_LOG_PATH")); v != "" {
		cfg.Logging.Path = v
	}
}

func (c *Config) validate() error {
	switch {
	case c.DBConn == "":
		return fmt.Errorf("config: dbConn is required")
	case c.DBName == "":
		return fmt.Errorf("config: dbName is required")
	case c.DBUser == "":
		return fmt.Errorf("config: dbUser is required")
	case c.JWTSecret == "":
		return fmt.Errorf("config: jwtSecret is required")
	}
	if c.LLM.Mode != "synthetic" && c.LLM.Mode != "vendor" {
		return fmt.Errorf("config: llm.mode must be %q or %q, got %q", "synthetic", "vendor", c.LLM.Mode)
	}
	if c.LLM.Mode == "vendor" {
		if c.LLM.BaseURL == "" || c.LLM.APIKey == "" || c.LLM.Model == "" {
			return fmt.Errorf("config: llm.mode=vendor requires baseUrl, apiKey, and model")
		}
	}
	return nil
}

// ConnString builds a PostgreSQL connection URI from the config fields.
func (c *Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		url.QueryEscape(c.DBUser),
		url.QueryEscape(c.DBPass),
		c.DBConn,
		url.QueryEscape(c.DBName),
	)
}

// ConnectTimeout returns the upstream LLM connect timeout: min(10s, total).
func (c LLMConfig) ConnectTimeout() time.Duration {
	total := time.Duration(c.TimeoutSeconds) * time.Second
	if total <= 0 {
		total = DefaultLLMTimeoutSeconds * time.Second
	}
	connect := 10 * time.Second
	if total < connect {
		return total
	}
	return connect
}

// Timeout returns the upstream LLM total request timeout.
func (c LLMConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return DefaultLLMTimeoutSeconds * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// NormalizedBaseURL trims trailing slashes and ensures a /v1 suffix.
func (c LLMConfig) NormalizedBaseURL() (string, error) {
	u := strings.TrimSpace(c.BaseURL)
	if u == "" {
		return "", fmt.Errorf("config: llm.baseUrl must not be empty")
	}
	parsed, err := url.Parse(u)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("config: llm.baseUrl must be a full URL, got %q", u)
	}
	u = strings.TrimRight(u, "/")
	if !strings.HasSuffix(u, "/v1") {
		u += "/v1"
	}
	return u, nil
}
