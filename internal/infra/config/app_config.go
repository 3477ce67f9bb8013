// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sng-aditya/AvanceAI-sub000/internal/domain/schema"
)

// BrokerConfig configures the broker REST API and feed endpoints.
type BrokerConfig struct {
	BaseURL     string        `yaml:"baseURL"`
	FeedURL     string        `yaml:"feedURL"`
	ClientID    string        `yaml:"clientID"`
	AccessToken string        `yaml:"accessToken"`
	HTTPTimeout time.Duration `yaml:"httpTimeout"`
}

// HasCredentials reports whether both credential parts are set.
func (c BrokerConfig) HasCredentials() bool {
	return c.ClientID != "" && c.AccessToken != ""
}

// FeedInstrument is one entry of the default subscription list.
type FeedInstrument struct {
	Key  string `yaml:"key"`
	Mode string `yaml:"mode"`
}

// RequestCodesConfig overrides the broker's subscribe request codes.
type RequestCodesConfig struct {
	Ticker     int `yaml:"ticker"`
	Quote      int `yaml:"quote"`
	Full       int `yaml:"full"`
	Disconnect int `yaml:"disconnect"`
}

// FeedConfig configures the streaming connector.
type FeedConfig struct {
	AutoConnect    bool               `yaml:"autoConnect"`
	ReconnectDelay time.Duration      `yaml:"reconnectDelay"`
	MaxReconnects  int                `yaml:"maxReconnects"`
	PingInterval   time.Duration      `yaml:"pingInterval"`
	ReadLimit      int64              `yaml:"readLimit"`
	RequestCodes   RequestCodesConfig `yaml:"requestCodes"`
	Instruments    []FeedInstrument   `yaml:"instruments"`
}

// Keys parses the default instrument keys. Validate guarantees they parse.
func (c FeedConfig) Keys() []schema.InstrumentKey {
	keys := make([]schema.InstrumentKey, 0, len(c.Instruments))
	for _, inst := range c.Instruments {
		if key, err := schema.ParseInstrumentKey(inst.Key); err == nil {
			keys = append(keys, key)
		}
	}
	return keys
}

// SchedulerConfig overrides per-category minimum spacing.
type SchedulerConfig struct {
	Intervals map[string]time.Duration `yaml:"intervals"`
}

// CacheConfig sizes the response caches and their maintenance.
type CacheConfig struct {
	OptionChainTTL         time.Duration `yaml:"optionChainTTL"`
	ExpiryTTL              time.Duration `yaml:"expiryTTL"`
	OptionChainMinInterval time.Duration `yaml:"optionChainMinInterval"`
	SweepInterval          time.Duration `yaml:"sweepInterval"`
	StaleFactor            int           `yaml:"staleFactor"`
}

// OrdersConfig configures reconciliation pacing.
type OrdersConfig struct {
	SyncCooldown   time.Duration `yaml:"syncCooldown"`
	ResyncInterval time.Duration `yaml:"resyncInterval"`
}

// EventbusConfig sets in-memory event bus sizing characteristics.
type EventbusConfig struct {
	BufferSize    int                 `yaml:"bufferSize"`
	FanoutWorkers FanoutWorkerSetting `yaml:"fanoutWorkers"`
}

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
)

// FanoutWorkerSetting accepts either a positive integer or "auto".
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// UnmarshalYAML supports integer, "auto", and "default" values for fanout workers.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	text := ""
	if node != nil {
		text = strings.ToLower(strings.TrimSpace(node.Value))
	}
	switch text {
	case "", "default":
		*s = FanoutWorkerSetting{}
		return nil
	case "auto":
		*s = FanoutWorkerSetting{kind: fanoutWorkerAuto}
		return nil
	}
	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	*s = FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: val}
	return nil
}

// FanoutWorkerCount returns the resolved worker count.
func (c EventbusConfig) FanoutWorkerCount() int {
	switch c.FanoutWorkers.kind {
	case fanoutWorkerExplicit:
		return c.FanoutWorkers.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
	}
	return 4
}

// APIServerConfig configures the gateway's HTTP surface.
type APIServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
// An empty DSN selects the in-memory order store.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"maxConns"`
	MinConns        int32         `yaml:"minConns"`
	MaxConnLifetime time.Duration `yaml:"maxConnLifetime"`
	ConnectTimeout  time.Duration `yaml:"connectTimeout"`
	RunMigrations   bool          `yaml:"runMigrations"`
}

// LookupConfig locates the instrument master CSV.
type LookupConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// AppConfig is the unified gateway configuration sourced from YAML and the environment.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Broker      BrokerConfig    `yaml:"broker"`
	Feed        FeedConfig      `yaml:"feed"`
	Scheduler   SchedulerConfig `yaml:"scheduler"`
	Cache       CacheConfig     `yaml:"cache"`
	Orders      OrdersConfig    `yaml:"orders"`
	Eventbus    EventbusConfig  `yaml:"eventbus"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Database    DatabaseConfig  `yaml:"database"`
	Lookup      LookupConfig    `yaml:"lookup"`
	Logging     LoggingConfig   `yaml:"logging"`
}

// DefaultAppConfig returns the configuration used when no file is supplied.
func DefaultAppConfig() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		Broker: BrokerConfig{
			BaseURL:     "https://api.dhan.co",
			FeedURL:     "wss://api-feed.dhan.co",
			HTTPTimeout: 10 * time.Second,
		},
		Feed: FeedConfig{
			ReconnectDelay: 5 * time.Second,
			MaxReconnects:  5,
			PingInterval:   30 * time.Second,
			ReadLimit:      1 << 20,
			Instruments: []FeedInstrument{
				{Key: "IDX_I:13", Mode: "ticker"},
				{Key: "IDX_I:25", Mode: "ticker"},
			},
		},
		Cache: CacheConfig{
			OptionChainTTL:         time.Second,
			ExpiryTTL:              5 * time.Minute,
			OptionChainMinInterval: 3 * time.Second,
			SweepInterval:          30 * time.Second,
			StaleFactor:            5,
		},
		Orders: OrdersConfig{
			SyncCooldown:   3 * time.Second,
			ResyncInterval: 2 * time.Second,
		},
		Eventbus: EventbusConfig{BufferSize: 1024},
		APIServer: APIServerConfig{
			Addr:            ":8880",
			ShutdownTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "http://localhost:4318",
			ServiceName:  "avance-gateway",
		},
		Database: DatabaseConfig{
			MaxConns:        16,
			MinConns:        1,
			MaxConnLifetime: 30 * time.Minute,
			ConnectTimeout:  5 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the YAML file over the defaults, applies the environment
// overlay, then normalises and validates the result.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	return load(ctx, configPath, os.Environ())
}

// LoadOrDefault behaves like Load but falls back to the defaults when the
// path is empty or the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil || (strings.TrimSpace(configPath) != "" && !errors.Is(err, fs.ErrNotExist)) {
		return cfg, err
	}
	cfg = DefaultAppConfig()
	if err := cfg.finish(environMap(os.Environ())); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func load(_ context.Context, configPath string, environ []string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return AppConfig{}, fmt.Errorf("open app config: %w", fs.ErrNotExist)
	}
	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultAppConfig()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.finish(environMap(environ)); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) finish(environ map[string]string) error {
	if err := c.applyEnv(environ); err != nil {
		return err
	}
	c.normalise()
	return c.Validate()
}

func (c *AppConfig) normalise() {
	c.Environment = normalizeEnvironment(string(c.Environment))
	c.Broker.BaseURL = strings.TrimRight(strings.TrimSpace(c.Broker.BaseURL), "/")
	c.Broker.FeedURL = strings.TrimSpace(c.Broker.FeedURL)
	c.Broker.ClientID = strings.TrimSpace(c.Broker.ClientID)
	c.Broker.AccessToken = strings.TrimSpace(c.Broker.AccessToken)
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Database.DSN = strings.TrimSpace(c.Database.DSN)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))

	if lookupPath := strings.TrimSpace(c.Lookup.Path); lookupPath != "" {
		c.Lookup.Path = filepath.Clean(lookupPath)
	}

	for i := range c.Feed.Instruments {
		c.Feed.Instruments[i].Key = strings.ToUpper(strings.TrimSpace(c.Feed.Instruments[i].Key))
		mode := strings.ToLower(strings.TrimSpace(c.Feed.Instruments[i].Mode))
		if mode == "" {
			mode = "ticker"
		}
		c.Feed.Instruments[i].Mode = mode
	}

	if len(c.Scheduler.Intervals) > 0 {
		normalised := make(map[string]time.Duration, len(c.Scheduler.Intervals))
		for name, interval := range c.Scheduler.Intervals {
			normalised[strings.ToLower(strings.TrimSpace(name))] = interval
		}
		c.Scheduler.Intervals = normalised
	}

	if c.Database.MinConns > c.Database.MaxConns {
		c.Database.MinConns = c.Database.MaxConns
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.Broker.BaseURL == "" {
		return fmt.Errorf("broker baseURL required")
	}
	if c.Broker.FeedURL == "" {
		return fmt.Errorf("broker feedURL required")
	}
	if c.Broker.HTTPTimeout <= 0 {
		return fmt.Errorf("broker httpTimeout must be >0")
	}

	if c.Feed.ReconnectDelay <= 0 {
		return fmt.Errorf("feed reconnectDelay must be >0")
	}
	if c.Feed.MaxReconnects <= 0 {
		return fmt.Errorf("feed maxReconnects must be >0")
	}
	for _, inst := range c.Feed.Instruments {
		if _, err := schema.ParseInstrumentKey(inst.Key); err != nil {
			return fmt.Errorf("feed instrument %q: %w", inst.Key, err)
		}
		switch inst.Mode {
		case "ticker", "quote", "full":
		default:
			return fmt.Errorf("feed instrument %q: mode must be ticker, quote or full", inst.Key)
		}
	}

	for name, interval := range c.Scheduler.Intervals {
		if name == "" {
			return fmt.Errorf("scheduler interval category required")
		}
		if interval < 0 {
			return fmt.Errorf("scheduler interval %s must be >=0", name)
		}
	}

	if c.Cache.OptionChainTTL <= 0 {
		return fmt.Errorf("cache optionChainTTL must be >0")
	}
	if c.Cache.ExpiryTTL <= 0 {
		return fmt.Errorf("cache expiryTTL must be >0")
	}
	if c.Cache.OptionChainMinInterval < 0 {
		return fmt.Errorf("cache optionChainMinInterval must be >=0")
	}
	if c.Cache.SweepInterval <= 0 {
		return fmt.Errorf("cache sweepInterval must be >0")
	}
	if c.Cache.StaleFactor <= 0 {
		return fmt.Errorf("cache staleFactor must be >0")
	}

	if c.Orders.SyncCooldown <= 0 {
		return fmt.Errorf("orders syncCooldown must be >0")
	}
	if c.Orders.ResyncInterval < 0 {
		return fmt.Errorf("orders resyncInterval must be >=0")
	}

	if c.Eventbus.BufferSize <= 0 {
		return fmt.Errorf("eventbus bufferSize must be >0")
	}
	if c.Eventbus.FanoutWorkerCount() <= 0 {
		return fmt.Errorf("eventbus fanoutWorkers must be >0")
	}

	if c.APIServer.Addr == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	if c.Database.DSN != "" {
		if c.Database.MaxConns <= 0 {
			return fmt.Errorf("database: maxConns must be >0")
		}
		if c.Database.MinConns < 0 {
			return fmt.Errorf("database: minConns must be >=0")
		}
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging level %q not supported", c.Logging.Level)
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
