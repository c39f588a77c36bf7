package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds the YAML configuration.
type Config struct {
	Version     int               `yaml:"version"`
	Global      GlobalConfig      `yaml:"global"`
	Networks    []Network         `yaml:"networks"`
	Domains     []Domain          `yaml:"domains"`
	Sponsorship SponsorshipConfig `yaml:"sponsorship"`
	Sinks       []Sink            `yaml:"sinks"`
}

type GlobalConfig struct {
	DBPath          string `yaml:"db_path"`
	Store           string `yaml:"store"`
	RedisURL        string `yaml:"redis_url"`
	LogLevel        string `yaml:"log_level"`
	CacheTTL        string `yaml:"cache_ttl"`
	PreloadSchedule string `yaml:"preload_schedule"`
}

// Network describes one event log source endpoint and its provider limits.
type Network struct {
	ID            string  `yaml:"id"`
	ChainID       uint64  `yaml:"chain_id"`
	RPCURL        string  `yaml:"rpc_url"`
	MaxQuerySpan  uint64  `yaml:"max_query_span"`
	MaxRange      uint64  `yaml:"max_range"`
	UnionFilter   *bool   `yaml:"union_filter"`
	RPS           float64 `yaml:"rps"`
	Burst         int     `yaml:"burst"`
	ProgressEvery int     `yaml:"progress_every"`
	RetryBackoff  string  `yaml:"retry_backoff"`
}

// Domain binds an application record family to the contract that emits its events.
type Domain struct {
	ID       string `yaml:"id"`
	Network  string `yaml:"network"`
	Kind     string `yaml:"kind"`
	Contract string `yaml:"contract"`
}

type SponsorshipConfig struct {
	PerUserDailyLimitUSD float64  `yaml:"per_user_daily_limit_usd"`
	GlobalDailyLimitUSD  float64  `yaml:"global_daily_limit_usd"`
	MaxSponsoredValueUSD float64  `yaml:"max_sponsored_value_usd"`
	EligibleOperations   []string `yaml:"eligible_operations"`
	FallbackMethod       string   `yaml:"fallback_method"`
	PolicyFile           string   `yaml:"policy_file"`
	Timezone             string   `yaml:"timezone"`
}

type Sink struct {
	ID         string `yaml:"id"`
	Type       string `yaml:"type"`
	WebhookURL string `yaml:"webhook_url"`
	Template   string `yaml:"template"`
	URL        string `yaml:"url"`
	Method     string `yaml:"method"`
}

const (
	DefaultMaxQuerySpan = 1000
	DefaultMaxRange     = 50_000
	DefaultCacheTTL     = 30 * time.Second
	DefaultRetryBackoff = time.Second
	DefaultProgress     = 10
)

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// Load reads, interpolates env vars, parses YAML, and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return Parse(raw)
}

// Parse interpolates env vars into raw YAML and validates the result.
func Parse(raw []byte) (*Config, error) {
	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

// Validate performs small, direct schema checks. Missing endpoints or contracts are not errors:
// the affected domain is disabled when the session is built.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if err := c.Global.Validate(); err != nil {
		return fmt.Errorf("global: %w", err)
	}
	if len(c.Networks) == 0 {
		return errors.New("at least one network is required")
	}
	if len(c.Domains) == 0 {
		return errors.New("at least one domain is required")
	}

	networkIDs := map[string]struct{}{}
	for i := range c.Networks {
		n := &c.Networks[i]
		if _, exists := networkIDs[n.ID]; exists {
			return fmt.Errorf("duplicate network id: %s", n.ID)
		}
		networkIDs[n.ID] = struct{}{}
		if err := n.Validate(); err != nil {
			return fmt.Errorf("network %s: %w", n.ID, err)
		}
	}

	domainIDs := map[string]struct{}{}
	for i := range c.Domains {
		d := &c.Domains[i]
		if _, exists := domainIDs[d.ID]; exists {
			return fmt.Errorf("duplicate domain id: %s", d.ID)
		}
		domainIDs[d.ID] = struct{}{}
		if err := d.Validate(networkIDs); err != nil {
			return fmt.Errorf("domain %s: %w", d.ID, err)
		}
	}

	if err := c.Sponsorship.Validate(); err != nil {
		return fmt.Errorf("sponsorship: %w", err)
	}

	sinkIDs := map[string]struct{}{}
	for i := range c.Sinks {
		s := &c.Sinks[i]
		if _, exists := sinkIDs[s.ID]; exists {
			return fmt.Errorf("duplicate sink id: %s", s.ID)
		}
		sinkIDs[s.ID] = struct{}{}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sink %s: %w", s.ID, err)
		}
	}

	return nil
}

func (g *GlobalConfig) Validate() error {
	switch strings.ToLower(g.Store) {
	case "", "sqlite":
		g.Store = "sqlite"
		if g.DBPath == "" {
			return errors.New("db_path is required for the sqlite store")
		}
	case "redis":
		if g.RedisURL == "" {
			return errors.New("redis_url is required for the redis store")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported store: %s", g.Store)
	}
	if g.CacheTTL != "" {
		if _, err := time.ParseDuration(g.CacheTTL); err != nil {
			return fmt.Errorf("cache_ttl: %w", err)
		}
	}
	if g.PreloadSchedule != "" {
		if _, err := cron.ParseStandard(g.PreloadSchedule); err != nil {
			return fmt.Errorf("preload_schedule: %w", err)
		}
	}
	return nil
}

// CacheTTLDuration returns the configured single-record cache TTL.
func (g GlobalConfig) CacheTTLDuration() time.Duration {
	if d, err := time.ParseDuration(g.CacheTTL); err == nil && d > 0 {
		return d
	}
	return DefaultCacheTTL
}

func (n *Network) Validate() error {
	if n.ID == "" {
		return errors.New("id is required")
	}
	if n.ChainID == 0 {
		return errors.New("chain_id is required")
	}
	if n.MaxQuerySpan == 0 {
		n.MaxQuerySpan = DefaultMaxQuerySpan
	}
	if n.MaxRange == 0 {
		n.MaxRange = DefaultMaxRange
	}
	if n.ProgressEvery <= 0 {
		n.ProgressEvery = DefaultProgress
	}
	if n.RPS < 0 {
		return errors.New("rps must not be negative")
	}
	if n.RetryBackoff != "" {
		if _, err := time.ParseDuration(n.RetryBackoff); err != nil {
			return fmt.Errorf("retry_backoff: %w", err)
		}
	}
	return nil
}

// SupportsUnion reports whether the provider accepts topic-OR filters. Defaults to true.
func (n Network) SupportsUnion() bool {
	return n.UnionFilter == nil || *n.UnionFilter
}

// Backoff returns the linear retry backoff unit.
func (n Network) Backoff() time.Duration {
	if d, err := time.ParseDuration(n.RetryBackoff); err == nil && d > 0 {
		return d
	}
	return DefaultRetryBackoff
}

func (d *Domain) Validate(networkIDs map[string]struct{}) error {
	if d.ID == "" {
		return errors.New("id is required")
	}
	if _, ok := networkIDs[d.Network]; !ok {
		return fmt.Errorf("unknown network: %s", d.Network)
	}
	switch strings.ToLower(d.Kind) {
	case "trades", "treasury":
		d.Kind = strings.ToLower(d.Kind)
	default:
		return fmt.Errorf("unsupported kind: %s", d.Kind)
	}
	if d.Contract != "" && !common.IsHexAddress(d.Contract) {
		return fmt.Errorf("invalid contract address: %s", d.Contract)
	}
	return nil
}

func (s *SponsorshipConfig) Validate() error {
	if s.PerUserDailyLimitUSD < 0 || s.GlobalDailyLimitUSD < 0 || s.MaxSponsoredValueUSD < 0 {
		return errors.New("limits must not be negative")
	}
	switch strings.ToLower(s.FallbackMethod) {
	case "", "token_pay", "native_pay":
	default:
		return fmt.Errorf("unsupported fallback_method: %s", s.FallbackMethod)
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}
	return nil
}

// Location returns the time zone that defines the quota calendar day.
func (s SponsorshipConfig) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (s *Sink) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.Type == "" {
		return errors.New("type is required")
	}

	switch strings.ToLower(s.Type) {
	case "slack", "teams":
		if s.WebhookURL == "" {
			return errors.New("webhook_url is required for slack/teams sinks")
		}
	case "webhook":
		if s.URL == "" {
			return errors.New("url is required for webhook sink")
		}
		if s.Method == "" {
			s.Method = "POST"
		}
	default:
		return fmt.Errorf("unsupported sink type: %s", s.Type)
	}
	return nil
}

// Network looks up a network by id.
func (c *Config) Network(id string) (Network, bool) {
	for _, n := range c.Networks {
		if n.ID == id {
			return n, true
		}
	}
	return Network{}, false
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
