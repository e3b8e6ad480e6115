package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

// Config holds all application configuration
type Config struct {
	ServerAddress string   `json:"serverAddress"`
	API           API      `json:"api"`
	Push          Push     `json:"push"`
	Session       Session  `json:"session"`
	Feed          Feed     `json:"feed"`
	Security      Security `json:"security"`
}

// API configures the REST endpoints. MaxRetries applies to deletes and
// organization lookups; snapshot listings are tried once.
type API struct {
	BaseURL        string `json:"baseUrl"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	MaxRetries     int    `json:"maxRetries"`
}

// Timeout returns the per-request timeout
func (a API) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// Push configures the realtime push transport
type Push struct {
	URL                  string `json:"url"`
	MinReconnectDelayMs  int    `json:"minReconnectDelayMs"`
	MaxReconnectAttempts int    `json:"maxReconnectAttempts"`
}

// MinReconnectDelay returns the first reconnect delay
func (p Push) MinReconnectDelay() time.Duration {
	return time.Duration(p.MinReconnectDelayMs) * time.Millisecond
}

// Session carries the already-authenticated identity the feed runs as
type Session struct {
	UserID      string `json:"userId"`
	AccessToken string `json:"accessToken"`
}

// Feed holds the initial navigation and limit
type Feed struct {
	DefaultLimit         int    `json:"defaultLimit"`
	ParentOrganizationID string `json:"parentOrganizationId"`
	DeviceID             string `json:"deviceId"`
}

// Security configuration for the local HTTP surface
type Security struct {
	APIKey       string `json:"apiKey"`
	APIKeyHeader string `json:"apiKeyHeader"`
}

// Default configuration
func defaultConfig() *Config {
	return &Config{
		ServerAddress: "127.0.0.1:5080",
		API: API{
			BaseURL:        "http://localhost:3000",
			TimeoutSeconds: 15,
			MaxRetries:     3,
		},
		Push: Push{
			URL:                  "http://localhost:2333",
			MinReconnectDelayMs:  500,
			MaxReconnectAttempts: 5,
		},
		Feed: Feed{
			DefaultLimit: 100,
		},
		Security: Security{
			APIKeyHeader: "X-API-Key",
		},
	}
}

// Load loads configuration from file or environment
func Load() (*Config, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "feedwatch.json"
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path (optional, JSON with comments allowed)
// and applies environment overrides on top.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	applyEnv(cfg)
	cfg.normalize()
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if addr := os.Getenv("SERVER_ADDRESS"); addr != "" {
		cfg.ServerAddress = addr
	}
	if baseURL := os.Getenv("API_BASE_URL"); baseURL != "" {
		cfg.API.BaseURL = baseURL
	}
	if pushURL := os.Getenv("PUSH_URL"); pushURL != "" {
		cfg.Push.URL = pushURL
	}
	if userID := os.Getenv("USER_ID"); userID != "" {
		cfg.Session.UserID = userID
	}
	if token := os.Getenv("ACCESS_TOKEN"); token != "" {
		cfg.Session.AccessToken = token
	}
	if orgID := os.Getenv("FEED_ORGANIZATION_ID"); orgID != "" {
		cfg.Feed.ParentOrganizationID = orgID
	}
	if deviceID := os.Getenv("FEED_DEVICE_ID"); deviceID != "" {
		cfg.Feed.DeviceID = deviceID
	}
	if apiKey := os.Getenv("API_KEY"); apiKey != "" {
		cfg.Security.APIKey = apiKey
	}
	if limit, ok := positiveIntEnv("FEED_LIMIT"); ok {
		cfg.Feed.DefaultLimit = limit
	}
	if attempts, ok := positiveIntEnv("PUSH_MAX_RECONNECT_ATTEMPTS"); ok {
		cfg.Push.MaxReconnectAttempts = attempts
	}
	if delay, ok := positiveIntEnv("PUSH_MIN_RECONNECT_DELAY_MS"); ok {
		cfg.Push.MinReconnectDelayMs = delay
	}
}

func positiveIntEnv(name string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, false
	}
	return value, true
}

func (c *Config) normalize() {
	c.API.BaseURL = strings.TrimRight(strings.TrimSpace(c.API.BaseURL), "/")
	c.Push.URL = strings.TrimSpace(c.Push.URL)
	c.Session.UserID = strings.TrimSpace(c.Session.UserID)
	c.Session.AccessToken = strings.TrimSpace(c.Session.AccessToken)
	if c.API.TimeoutSeconds <= 0 {
		c.API.TimeoutSeconds = 15
	}
	if c.API.MaxRetries < 0 {
		c.API.MaxRetries = 0
	}
	if c.Push.MinReconnectDelayMs <= 0 {
		c.Push.MinReconnectDelayMs = 500
	}
	if c.Push.MaxReconnectAttempts <= 0 {
		c.Push.MaxReconnectAttempts = 5
	}
	if c.Feed.DefaultLimit <= 0 {
		c.Feed.DefaultLimit = 100
	}
	if c.Security.APIKeyHeader == "" {
		c.Security.APIKeyHeader = "X-API-Key"
	}
}

// Validate reports the first missing required setting
func (c *Config) Validate() error {
	switch {
	case c.Session.UserID == "":
		return errors.New("session user id is required (USER_ID)")
	case c.Session.AccessToken == "":
		return errors.New("session access token is required (ACCESS_TOKEN)")
	case c.API.BaseURL == "":
		return errors.New("api base url is required (API_BASE_URL)")
	case c.Push.URL == "":
		return errors.New("push url is required (PUSH_URL)")
	}
	return nil
}
