package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"mm-relay/internal/model"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Mode selects which binary is running and therefore which roles it serves.
type Mode string

const (
	ModeDirect Mode = "direct" // upstream feed → HTTP + pricing WebSocket
	ModeBebop  Mode = "bebop"  // upstream feed → HTTP + Redis publisher
	ModeRelay  Mode = "relay"  // Redis or upstream WebSocket → HTTP + relay WebSocket
)

// Role is one listening network surface.
type Role string

const (
	RoleHTTP    Role = "http"
	RoleWS      Role = "ws"
	RoleRelayWS Role = "relay_ws"
)

// Default ports per role, used when neither the role variable nor PORT is set.
const (
	DefaultHTTPPort    = 3000
	DefaultWSPort      = 3001
	DefaultRelayWSPort = 3002
)

// Source kinds.
const (
	SourceWS    = "ws"
	SourceRedis = "redis"
)

// Upstream frame formats.
const (
	FormatBebop = "bebop"
	FormatRelay = "relay"
)

// Config holds all application configuration. It is built once at startup
// and passed down; nothing below main reads the environment.
type Config struct {
	Mode Mode `yaml:"-"`

	// Ports. Zero means unset.
	HTTPPort    int `yaml:"http_port"`
	WSPort      int `yaml:"ws_port"`
	RelayWSPort int `yaml:"relay_ws_port"`
	Port        int `yaml:"port"`

	// Upstream
	Source           string        `yaml:"source"`
	SourceURL        string        `yaml:"source_url"`
	SourceFormat     string        `yaml:"source_format"`
	SourceAPIKey     string        `yaml:"source_api_key"`
	SourceTOTPSecret string        `yaml:"source_totp_secret"`
	Instruments      string        `yaml:"instruments"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffMax       time.Duration `yaml:"backoff_max"`

	// Infrastructure
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	SnapshotTTL   time.Duration `yaml:"snapshot_ttl"`
	HistoryDSN    string        `yaml:"history_dsn"`

	// Tuning
	OutboundQueueDepth int    `yaml:"outbound_queue_depth"`
	CacheShards        int    `yaml:"cache_shards"`
	LogLevel           string `yaml:"log_level"`
}

// Load reads .env (if present), the optional CONFIG_FILE, then the process
// environment, applies defaults and validates.
func Load(mode Mode) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("config: could not read .env", "err", err)
	}
	return LoadFrom(mode, os.Getenv)
}

// LoadFrom builds a Config using getenv as the environment.
func LoadFrom(mode Mode, getenv func(string) string) (*Config, error) {
	cfg := &Config{Mode: mode}

	if path := getenv("CONFIG_FILE"); path != "" {
		if err := cfg.readFile(path, getenv); err != nil {
			return nil, err
		}
	}
	if err := cfg.readEnv(getenv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) readFile(path string, getenv func(string) string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	// Expand ${VAR} environment variables
	expanded := os.Expand(string(data), getenv)

	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

// readEnv overrides file values with every variable that is set.
func (c *Config) readEnv(getenv func(string) string) error {
	e := envReader{getenv: getenv}

	e.int("HTTP_PORT", &c.HTTPPort)
	e.int("WS_PORT", &c.WSPort)
	e.int("RELAY_WS_PORT", &c.RelayWSPort)
	e.int("PORT", &c.Port)

	e.str("SOURCE", &c.Source)
	e.str("SOURCE_URL", &c.SourceURL)
	e.str("SOURCE_FORMAT", &c.SourceFormat)
	e.str("SOURCE_API_KEY", &c.SourceAPIKey)
	e.str("SOURCE_TOTP_SECRET", &c.SourceTOTPSecret)
	e.str("INSTRUMENTS", &c.Instruments)
	e.duration("BACKOFF_BASE", &c.BackoffBase)
	e.duration("BACKOFF_MAX", &c.BackoffMax)

	e.str("REDIS_ADDR", &c.RedisAddr)
	e.str("REDIS_PASSWORD", &c.RedisPassword)
	e.int("REDIS_DB", &c.RedisDB)
	e.duration("SNAPSHOT_TTL", &c.SnapshotTTL)
	e.str("HISTORY_DSN", &c.HistoryDSN)

	e.int("OUTBOUND_QUEUE_DEPTH", &c.OutboundQueueDepth)
	e.int("CACHE_SHARDS", &c.CacheShards)
	e.str("LOG_LEVEL", &c.LogLevel)

	return errors.Join(e.errs...)
}

func (c *Config) applyDefaults() {
	if c.Source == "" {
		if c.Mode == ModeRelay {
			c.Source = SourceRedis
		} else {
			c.Source = SourceWS
		}
	}
	if c.SourceFormat == "" {
		if c.Mode == ModeRelay {
			c.SourceFormat = FormatRelay
		} else {
			c.SourceFormat = FormatBebop
		}
	}
	if c.RedisAddr == "" && (c.Mode == ModeBebop || c.Source == SourceRedis) {
		c.RedisAddr = "localhost:6379"
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.SnapshotTTL <= 0 {
		c.SnapshotTTL = 24 * time.Hour
	}
	if c.OutboundQueueDepth <= 0 {
		c.OutboundQueueDepth = 256
	}
	if c.CacheShards <= 0 {
		c.CacheShards = 64
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	switch c.Mode {
	case ModeDirect, ModeBebop, ModeRelay:
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", c.Mode))
	}

	for _, role := range c.Roles() {
		if p := c.ResolvePort(role); p < 1 || p > 65535 {
			errs = append(errs, fmt.Errorf("%s port %d out of range", role, p))
		}
	}

	switch c.Source {
	case SourceWS:
		if c.SourceURL == "" {
			errs = append(errs, errors.New("SOURCE_URL is required when SOURCE=ws"))
		}
	case SourceRedis:
		if c.Mode != ModeRelay {
			errs = append(errs, fmt.Errorf("SOURCE=redis is only valid in relay mode, not %s", c.Mode))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SOURCE %q", c.Source))
	}

	switch c.SourceFormat {
	case FormatBebop, FormatRelay:
	default:
		errs = append(errs, fmt.Errorf("unknown SOURCE_FORMAT %q", c.SourceFormat))
	}

	if c.Mode == ModeBebop && c.RedisAddr == "" {
		errs = append(errs, errors.New("REDIS_ADDR is required in bebop mode"))
	}
	if c.BackoffBase > c.BackoffMax {
		errs = append(errs, fmt.Errorf("BACKOFF_BASE %s exceeds BACKOFF_MAX %s", c.BackoffBase, c.BackoffMax))
	}
	if _, err := c.ParseInstruments(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Warnings lists settings that are valid but likely wrong. They are logged at
// startup rather than rejected.
func (c *Config) Warnings() []string {
	var out []string
	if c.Source == SourceWS && strings.TrimSpace(strings.ReplaceAll(c.Instruments, ",", "")) == "" {
		out = append(out, "INSTRUMENTS is empty: no subscribe frames will be sent to SOURCE_URL; the feed must push quotes unprompted")
	}
	return out
}

// Roles returns the network roles the configured mode serves.
func (c *Config) Roles() []Role {
	switch c.Mode {
	case ModeDirect:
		return []Role{RoleHTTP, RoleWS}
	case ModeRelay:
		return []Role{RoleHTTP, RoleRelayWS}
	default:
		return []Role{RoleHTTP}
	}
}

// ResolvePort returns the port for role: its own variable, else the shared
// PORT, else the role default.
func (c *Config) ResolvePort(role Role) int {
	var own, def int
	switch role {
	case RoleHTTP:
		own, def = c.HTTPPort, DefaultHTTPPort
	case RoleWS:
		own, def = c.WSPort, DefaultWSPort
	case RoleRelayWS:
		own, def = c.RelayWSPort, DefaultRelayWSPort
	}
	if own > 0 {
		return own
	}
	if c.Port > 0 {
		return c.Port
	}
	return def
}

// ParseInstruments parses the comma-separated INSTRUMENTS list of
// "chain:base:quote" keys. Duplicates are collapsed.
func (c *Config) ParseInstruments() ([]model.InstrumentKey, error) {
	var keys []model.InstrumentKey
	seen := make(map[model.InstrumentKey]bool)
	for _, p := range strings.Split(c.Instruments, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		k, err := model.ParseInstrumentKey(p)
		if err != nil {
			return nil, fmt.Errorf("INSTRUMENTS: %w", err)
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	return keys, nil
}

type envReader struct {
	getenv func(string) string
	errs   []error
}

func (e *envReader) str(key string, dst *string) {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return
	}
	*dst = n
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}
