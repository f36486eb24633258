// Package config loads keeper configuration from a YAML file and KEEPER_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the keeper process.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Chain      ChainConfig      `mapstructure:"chain"`
	EventBus   EventBusConfig   `mapstructure:"eventbus"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	Relayer    RelayerConfig    `mapstructure:"relayer"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Server     ServerConfig     `mapstructure:"server"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ChainConfig points at the chain RPC websocket and the contracts the keeper automates.
type ChainConfig struct {
	WSURL           string        `mapstructure:"ws_url"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	BattleContract  string        `mapstructure:"battle_contract"`
	DungeonContract string        `mapstructure:"dungeon_contract"`
}

// EventBusConfig tunes the shared upstream subscription.
type EventBusConfig struct {
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	ProbeTimeout        time.Duration `mapstructure:"probe_timeout"`
	ErrorThreshold      int           `mapstructure:"error_threshold"`
	SubscriberBuffer    int           `mapstructure:"subscriber_buffer"`
	WatchTimeout        time.Duration `mapstructure:"watch_timeout"`
}

// DiscoveryConfig points at the indexer query service.
type DiscoveryConfig struct {
	URL      string        `mapstructure:"url"`
	APIKey   string        `mapstructure:"api_key"`
	PageSize int           `mapstructure:"page_size"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RelayerConfig points at the meta-transaction relayer.
type RelayerConfig struct {
	URL            string        `mapstructure:"url"`
	APIKey         string        `mapstructure:"api_key"`
	Timeout        time.Duration `mapstructure:"timeout"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

// WorkerConfig holds per-entity worker timing.
type WorkerConfig struct {
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	DedupWindow       time.Duration `mapstructure:"dedup_window"`
	GCHorizon         time.Duration `mapstructure:"gc_horizon"`
	LivenessThreshold time.Duration `mapstructure:"liveness_threshold"`
}

// SupervisorConfig holds discovery pass timing.
type SupervisorConfig struct {
	DiscoveryInterval time.Duration `mapstructure:"discovery_interval"`
	DiscoverTimeout   time.Duration `mapstructure:"discover_timeout"`
	StopGrace         time.Duration `mapstructure:"stop_grace"`
}

// DatabaseConfig configures the optional action ledger. An empty URL disables it.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// Retention bounds how long ledger entries are kept.
	Retention time.Duration `mapstructure:"retention"`
}

// ServerConfig holds the introspection listeners.
type ServerConfig struct {
	HTTPAddress string `mapstructure:"http_address"`
	GRPCAddress string `mapstructure:"grpc_address"`
}

var defaults = map[string]any{
	"logging.level":  "info",
	"logging.format": "console",

	"chain.ws_url":           "",
	"chain.dial_timeout":     "10s",
	"chain.battle_contract":  "",
	"chain.dungeon_contract": "",

	"eventbus.health_check_interval": "30s",
	"eventbus.probe_timeout":         "5s",
	"eventbus.error_threshold":       3,
	"eventbus.subscriber_buffer":     64,
	"eventbus.watch_timeout":         "10s",

	"discovery.url":       "",
	"discovery.api_key":   "",
	"discovery.page_size": 100,
	"discovery.timeout":   "10s",

	"relayer.url":             "",
	"relayer.api_key":         "",
	"relayer.timeout":         "15s",
	"relayer.confirm_timeout": "90s",
	"relayer.poll_interval":   "2s",

	"worker.tick_interval":      "5s",
	"worker.dedup_window":       "30s",
	"worker.gc_horizon":         "60s",
	"worker.liveness_threshold": "30s",

	"supervisor.discovery_interval": "5s",
	"supervisor.discover_timeout":   "30s",
	"supervisor.stop_grace":         "10s",

	"database.url":               "",
	"database.max_conns":         4,
	"database.min_conns":         0,
	"database.max_conn_lifetime": "30m",
	"database.retention":         "24h",

	"server.http_address": ":8090",
	"server.grpc_address": ":9090",
}

// Load reads configuration from path (optional) and the environment. Environment variables
// use the KEEPER prefix with dots replaced by underscores, e.g. KEEPER_CHAIN_WS_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix("KEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate reports missing endpoints or credentials and nonsensical timings. These are
// fatal at startup.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Chain.WSURL) == "" {
		errs = append(errs, errors.New("chain.ws_url is required"))
	} else if !strings.HasPrefix(c.Chain.WSURL, "ws://") && !strings.HasPrefix(c.Chain.WSURL, "wss://") {
		errs = append(errs, fmt.Errorf("chain.ws_url must be a ws:// or wss:// url, got %q", c.Chain.WSURL))
	}
	if strings.TrimSpace(c.Chain.BattleContract) == "" && strings.TrimSpace(c.Chain.DungeonContract) == "" {
		errs = append(errs, errors.New("at least one of chain.battle_contract or chain.dungeon_contract is required"))
	}
	if strings.TrimSpace(c.Discovery.URL) == "" {
		errs = append(errs, errors.New("discovery.url is required"))
	}
	if strings.TrimSpace(c.Relayer.URL) == "" {
		errs = append(errs, errors.New("relayer.url is required"))
	}
	if strings.TrimSpace(c.Relayer.APIKey) == "" {
		errs = append(errs, errors.New("relayer.api_key is required"))
	}
	if c.EventBus.ErrorThreshold < 1 {
		errs = append(errs, errors.New("eventbus.error_threshold must be at least 1"))
	}
	if c.Worker.DedupWindow <= 0 {
		errs = append(errs, errors.New("worker.dedup_window must be positive"))
	}
	if c.Worker.GCHorizon < c.Worker.DedupWindow {
		errs = append(errs, errors.New("worker.gc_horizon must not be shorter than worker.dedup_window"))
	}
	if c.Worker.LivenessThreshold <= c.Worker.TickInterval {
		errs = append(errs, errors.New("worker.liveness_threshold must exceed worker.tick_interval"))
	}
	if c.Supervisor.DiscoveryInterval <= 0 {
		errs = append(errs, errors.New("supervisor.discovery_interval must be positive"))
	}
	return errors.Join(errs...)
}
