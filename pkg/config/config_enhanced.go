package config

import (
	"encoding/json"
	"fmt"
	"time"

	"courier/pkg/utils"
)

// ConfigRaw represents the raw JSON structure with flexible types.
// Durations may be Go duration strings ("5s") or seconds, sizes may be
// human-friendly ("8MiB") or bytes.
type ConfigRaw struct {
	BaseURL          string     `json:"base_url"`
	ListenAddress    string     `json:"listen_address"`
	AdminAddress     string     `json:"admin_address"`
	DataDir          string     `json:"data_dir"`
	DatabasePath     string     `json:"database_path"`
	EnabledProtocols []Protocol `json:"enabled_protocols,omitempty"`

	KeyFetchTimeout  interface{} `json:"key_fetch_timeout,omitempty"`
	HubVerifyTimeout interface{} `json:"hub_verify_timeout,omitempty"`
	RequestDeadline  interface{} `json:"request_deadline,omitempty"`
	KeyCacheTTL      interface{} `json:"key_cache_ttl,omitempty"`
	LedgerRetention  interface{} `json:"ledger_retention,omitempty"`
	PollInterval     interface{} `json:"poll_interval,omitempty"`

	DiscoveryRatePerHost float64     `json:"discovery_rate_per_host,omitempty"`
	DiscoveryBurst       int         `json:"discovery_burst,omitempty"`
	LeaseSeconds         int         `json:"lease_seconds,omitempty"`
	BlockPublic          bool        `json:"block_public"`
	MaxBodySize          interface{} `json:"max_body_size,omitempty"`
}

// ParseConfig decodes a JSON config document. Defaults are applied by Validate.
func ParseConfig(data []byte) (*Config, error) {
	var raw ConfigRaw
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := &Config{
		BaseURL:              raw.BaseURL,
		ListenAddress:        raw.ListenAddress,
		AdminAddress:         raw.AdminAddress,
		DataDir:              raw.DataDir,
		DatabasePath:         raw.DatabasePath,
		EnabledProtocols:     raw.EnabledProtocols,
		DiscoveryRatePerHost: raw.DiscoveryRatePerHost,
		DiscoveryBurst:       raw.DiscoveryBurst,
		LeaseSeconds:         raw.LeaseSeconds,
		BlockPublic:          raw.BlockPublic,
	}

	durations := []struct {
		name string
		in   interface{}
		dst  *time.Duration
	}{
		{"key_fetch_timeout", raw.KeyFetchTimeout, &cfg.KeyFetchTimeout},
		{"hub_verify_timeout", raw.HubVerifyTimeout, &cfg.HubVerifyTimeout},
		{"request_deadline", raw.RequestDeadline, &cfg.RequestDeadline},
		{"key_cache_ttl", raw.KeyCacheTTL, &cfg.KeyCacheTTL},
		{"ledger_retention", raw.LedgerRetention, &cfg.LedgerRetention},
		{"poll_interval", raw.PollInterval, &cfg.PollInterval},
	}
	for _, d := range durations {
		v, err := flexibleDuration(d.in)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = v
	}

	size, err := flexibleSize(raw.MaxBodySize)
	if err != nil {
		return nil, fmt.Errorf("invalid max_body_size: %w", err)
	}
	cfg.MaxBodyBytes = size

	return cfg, nil
}

func (c *Config) raw() ConfigRaw {
	return ConfigRaw{
		BaseURL:              c.BaseURL,
		ListenAddress:        c.ListenAddress,
		AdminAddress:         c.AdminAddress,
		DataDir:              c.DataDir,
		DatabasePath:         c.DatabasePath,
		EnabledProtocols:     c.EnabledProtocols,
		KeyFetchTimeout:      c.KeyFetchTimeout.String(),
		HubVerifyTimeout:     c.HubVerifyTimeout.String(),
		RequestDeadline:      c.RequestDeadline.String(),
		KeyCacheTTL:          c.KeyCacheTTL.String(),
		LedgerRetention:      c.LedgerRetention.String(),
		PollInterval:         c.PollInterval.String(),
		DiscoveryRatePerHost: c.DiscoveryRatePerHost,
		DiscoveryBurst:       c.DiscoveryBurst,
		LeaseSeconds:         c.LeaseSeconds,
		BlockPublic:          c.BlockPublic,
		MaxBodySize:          c.MaxBodyBytes,
	}
}

func flexibleDuration(v interface{}) (time.Duration, error) {
	switch d := v.(type) {
	case nil:
		return 0, nil
	case float64:
		// JSON numbers are seconds
		return time.Duration(d * float64(time.Second)), nil
	case string:
		return parseDuration(d)
	default:
		return 0, fmt.Errorf("must be a number or string, got %T", v)
	}
}

func flexibleSize(v interface{}) (int64, error) {
	switch s := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return int64(s), nil
	case string:
		return parseSize(s)
	default:
		return 0, fmt.Errorf("must be a number or string, got %T", v)
	}
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q is negative", s)
	}
	return d, nil
}

func parseSize(s string) (int64, error) {
	size, err := utils.ParseDataSize(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size format: %w", err)
	}
	return size, nil
}
