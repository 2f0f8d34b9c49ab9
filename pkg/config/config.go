package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Protocol string

const (
	ProtocolDiaspora Protocol = "diaspora"
	ProtocolOStatus  Protocol = "ostatus"
)

const (
	DefaultListenAddress    = ":8080"
	DefaultAdminAddress     = ":9090"
	DefaultDataDir          = "./data"
	DefaultKeyFetchTimeout  = 5 * time.Second
	DefaultHubVerifyTimeout = 10 * time.Second
	DefaultRequestDeadline  = 30 * time.Second
	DefaultKeyCacheTTL      = 10 * time.Minute
	DefaultDiscoveryRate    = 2.0
	DefaultDiscoveryBurst   = 4
	DefaultLedgerRetention  = 30 * 24 * time.Hour
	DefaultPollInterval     = 15 * time.Minute
	DefaultLeaseSeconds     = 604800
	DefaultMaxBodyBytes     = 8 << 20
)

// Config is passed explicitly to every component; nothing reads it globally.
type Config struct {
	BaseURL          string     `json:"base_url"`
	ListenAddress    string     `json:"listen_address"`
	AdminAddress     string     `json:"admin_address"`
	DataDir          string     `json:"data_dir"`
	DatabasePath     string     `json:"database_path"`
	EnabledProtocols []Protocol `json:"enabled_protocols"`

	KeyFetchTimeout  time.Duration `json:"-"`
	HubVerifyTimeout time.Duration `json:"-"`
	RequestDeadline  time.Duration `json:"-"`
	KeyCacheTTL      time.Duration `json:"-"`
	LedgerRetention  time.Duration `json:"-"`
	PollInterval     time.Duration `json:"-"`

	DiscoveryRatePerHost float64 `json:"discovery_rate_per_host"`
	DiscoveryBurst       int     `json:"discovery_burst"`
	LeaseSeconds         int     `json:"lease_seconds"`
	BlockPublic          bool    `json:"block_public"`
	MaxBodyBytes         int64   `json:"-"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		BaseURL:       getEnv("COURIER_BASE_URL", ""),
		ListenAddress: getEnv("COURIER_LISTEN_ADDRESS", DefaultListenAddress),
		AdminAddress:  getEnv("COURIER_ADMIN_ADDRESS", DefaultAdminAddress),
		DataDir:       getEnv("COURIER_DATA_DIR", DefaultDataDir),
		DatabasePath:  getEnv("COURIER_DATABASE_PATH", ""),
		BlockPublic:   getEnv("COURIER_BLOCK_PUBLIC", "false") == "true",
	}

	if protocols := os.Getenv("COURIER_PROTOCOLS"); protocols != "" {
		// Comma separated: diaspora,ostatus
		for _, p := range strings.Split(protocols, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.EnabledProtocols = append(cfg.EnabledProtocols, Protocol(p))
			}
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"COURIER_KEY_FETCH_TIMEOUT", &cfg.KeyFetchTimeout},
		{"COURIER_HUB_VERIFY_TIMEOUT", &cfg.HubVerifyTimeout},
		{"COURIER_REQUEST_DEADLINE", &cfg.RequestDeadline},
		{"COURIER_KEY_CACHE_TTL", &cfg.KeyCacheTTL},
		{"COURIER_LEDGER_RETENTION", &cfg.LedgerRetention},
		{"COURIER_POLL_INTERVAL", &cfg.PollInterval},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := parseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if v := os.Getenv("COURIER_MAX_BODY_SIZE"); v != "" {
		size, err := parseSize(v)
		if err != nil {
			return nil, fmt.Errorf("invalid COURIER_MAX_BODY_SIZE: %w", err)
		}
		cfg.MaxBodyBytes = size
	}
	if v := os.Getenv("COURIER_LEASE_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid COURIER_LEASE_SECONDS: %w", err)
		}
		cfg.LeaseSeconds = n
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate applies defaults and rejects values the server cannot run with
func (c *Config) Validate() error {
	c.applyDefaults()

	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("base_url %q must be an absolute URL", c.BaseURL)
		}
		c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	}

	for _, p := range c.EnabledProtocols {
		switch p {
		case ProtocolDiaspora, ProtocolOStatus:
		default:
			return fmt.Errorf("unknown protocol %q", p)
		}
	}

	if c.KeyFetchTimeout > c.RequestDeadline {
		return fmt.Errorf("key fetch timeout %s exceeds request deadline %s", c.KeyFetchTimeout, c.RequestDeadline)
	}
	if c.HubVerifyTimeout > c.RequestDeadline {
		return fmt.Errorf("hub verify timeout %s exceeds request deadline %s", c.HubVerifyTimeout, c.RequestDeadline)
	}
	if c.DiscoveryRatePerHost < 0 || c.DiscoveryBurst < 0 {
		return fmt.Errorf("discovery rate limits cannot be negative")
	}
	if c.LeaseSeconds < 0 {
		return fmt.Errorf("lease_seconds cannot be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = DefaultListenAddress
	}
	if c.AdminAddress == "" {
		c.AdminAddress = DefaultAdminAddress
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "courier.db")
	}
	if len(c.EnabledProtocols) == 0 {
		c.EnabledProtocols = []Protocol{ProtocolDiaspora, ProtocolOStatus}
	}
	if c.KeyFetchTimeout <= 0 {
		c.KeyFetchTimeout = DefaultKeyFetchTimeout
	}
	if c.HubVerifyTimeout <= 0 {
		c.HubVerifyTimeout = DefaultHubVerifyTimeout
	}
	if c.RequestDeadline <= 0 {
		c.RequestDeadline = DefaultRequestDeadline
	}
	if c.KeyCacheTTL <= 0 {
		c.KeyCacheTTL = DefaultKeyCacheTTL
	}
	if c.LedgerRetention <= 0 {
		c.LedgerRetention = DefaultLedgerRetention
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.DiscoveryRatePerHost == 0 {
		c.DiscoveryRatePerHost = DefaultDiscoveryRate
	}
	if c.DiscoveryBurst == 0 {
		c.DiscoveryBurst = DefaultDiscoveryBurst
	}
	if c.LeaseSeconds == 0 {
		c.LeaseSeconds = DefaultLeaseSeconds
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
}

// ProtocolEnabled reports whether inbound traffic for p is accepted
func (c *Config) ProtocolEnabled(p Protocol) bool {
	for _, enabled := range c.EnabledProtocols {
		if enabled == p {
			return true
		}
	}
	return false
}

// PollURL is the feed URL this server publishes for a local nickname
func (c *Config) PollURL(nickname string) string {
	return c.BaseURL + "/dfrn_poll/" + nickname
}

// CallbackURL is where remote hubs verify and push for a subscribed contact
func (c *Config) CallbackURL(nickname string, contactID int64) string {
	return fmt.Sprintf("%s/pubsub/%s/%d", c.BaseURL, nickname, contactID)
}

// HubURL is the hub endpoint advertised for local feeds
func (c *Config) HubURL(nickname string) string {
	return c.BaseURL + "/pubsubhubbub/" + nickname
}

// Save writes the configuration as JSON
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c.raw(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
