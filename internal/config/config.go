// Package config loads sessionkeeper settings from
// ~/.config/sessionkeeper/config.toml with SK_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	configName = "config"
	configType = "toml"
	configDir  = "sessionkeeper"
	envPrefix  = "SK"
)

type Config struct {
	API         APIConfig         `mapstructure:"api"`
	Stream      StreamConfig      `mapstructure:"stream"`
	Pool        PoolConfig        `mapstructure:"pool"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Log         LogConfig         `mapstructure:"log"`
}

type APIConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	TokenPath      string        `mapstructure:"token_path"`
	ClientID       string        `mapstructure:"client_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type StreamConfig struct {
	URL                  string        `mapstructure:"url"`
	Transport            string        `mapstructure:"transport"`
	TokenMode            string        `mapstructure:"token_mode"`
	MaxRetries           int           `mapstructure:"max_retries"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	MaxInactivity        time.Duration `mapstructure:"max_inactivity"`
}

type PoolConfig struct {
	InitialPools        int           `mapstructure:"initial_pools"`
	MinPools            int           `mapstructure:"min_pools"`
	MaxPools            int           `mapstructure:"max_pools"`
	Capacity            int           `mapstructure:"capacity"`
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	InactivityThreshold time.Duration `mapstructure:"inactivity_threshold"`
	ReconnectDelay      time.Duration `mapstructure:"reconnect_delay"`
	ReconnectRate       float64       `mapstructure:"reconnect_rate"`
}

type SyncConfig struct {
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	ClearCooldown time.Duration `mapstructure:"clear_cooldown"`
}

type CoordinatorConfig struct {
	LockTimeout      time.Duration `mapstructure:"lock_timeout"`
	CacheTime        time.Duration `mapstructure:"cache_time"`
	CacheExpiry      time.Duration `mapstructure:"cache_expiry"`
	DedupGrace       time.Duration `mapstructure:"dedup_grace"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
}

type StorageConfig struct {
	Dir string `mapstructure:"dir"`
	// Backends lists credential backends in read priority order.
	Backends []string `mapstructure:"backends"`
	Key      string   `mapstructure:"key"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Backend names accepted in storage.backends.
const (
	BackendMemory     = "memory"
	BackendSession    = "session"
	BackendPersistent = "persistent"
	BackendKeyring    = "keyring"
	BackendManager    = "manager"
)

var knownBackends = []string{BackendMemory, BackendSession, BackendPersistent, BackendKeyring, BackendManager}

// DefaultPath returns ~/.config/sessionkeeper/config.toml, honouring
// XDG_CONFIG_HOME.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config directory: %w", err)
	}
	return filepath.Join(dir, configDir, configName+"."+configType), nil
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, configDir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), configDir)
	}
	return filepath.Join(home, ".local", "share", configDir)
}

// Load reads the config file at path (DefaultPath when empty). A missing
// file is not an error; defaults and environment overrides still apply.
// It returns the config and the path that was consulted.
func Load(v *viper.Viper, path string) (Config, string, error) {
	if v == nil {
		v = viper.New()
	}
	if path == "" {
		defaultPath, err := DefaultPath()
		if err != nil {
			return Config{}, "", err
		}
		path = defaultPath
	}

	v.SetConfigFile(path)
	v.SetConfigType(configType)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, path, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, path, fmt.Errorf("decode config: %w", err)
	}
	cfg.Storage.Backends = normalizeBackends(cfg.Storage.Backends)
	if err := cfg.Validate(); err != nil {
		return Config{}, path, err
	}
	return cfg, path, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("api.base_url", d.API.BaseURL)
	v.SetDefault("api.token_path", d.API.TokenPath)
	v.SetDefault("api.client_id", d.API.ClientID)
	v.SetDefault("api.request_timeout", d.API.RequestTimeout)

	v.SetDefault("stream.url", d.Stream.URL)
	v.SetDefault("stream.transport", d.Stream.Transport)
	v.SetDefault("stream.token_mode", d.Stream.TokenMode)
	v.SetDefault("stream.max_retries", d.Stream.MaxRetries)
	v.SetDefault("stream.max_reconnect_attempts", d.Stream.MaxReconnectAttempts)
	v.SetDefault("stream.max_inactivity", d.Stream.MaxInactivity)

	v.SetDefault("pool.initial_pools", d.Pool.InitialPools)
	v.SetDefault("pool.min_pools", d.Pool.MinPools)
	v.SetDefault("pool.max_pools", d.Pool.MaxPools)
	v.SetDefault("pool.capacity", d.Pool.Capacity)
	v.SetDefault("pool.connect_timeout", d.Pool.ConnectTimeout)
	v.SetDefault("pool.health_check_interval", d.Pool.HealthCheckInterval)
	v.SetDefault("pool.inactivity_threshold", d.Pool.InactivityThreshold)
	v.SetDefault("pool.reconnect_delay", d.Pool.ReconnectDelay)
	v.SetDefault("pool.reconnect_rate", d.Pool.ReconnectRate)

	v.SetDefault("sync.read_timeout", d.Sync.ReadTimeout)
	v.SetDefault("sync.write_timeout", d.Sync.WriteTimeout)
	v.SetDefault("sync.clear_cooldown", d.Sync.ClearCooldown)

	v.SetDefault("coordinator.lock_timeout", d.Coordinator.LockTimeout)
	v.SetDefault("coordinator.cache_time", d.Coordinator.CacheTime)
	v.SetDefault("coordinator.cache_expiry", d.Coordinator.CacheExpiry)
	v.SetDefault("coordinator.dedup_grace", d.Coordinator.DedupGrace)
	v.SetDefault("coordinator.operation_timeout", d.Coordinator.OperationTimeout)
	v.SetDefault("coordinator.max_retries", d.Coordinator.MaxRetries)

	v.SetDefault("storage.dir", d.Storage.Dir)
	v.SetDefault("storage.backends", d.Storage.Backends)
	v.SetDefault("storage.key", d.Storage.Key)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		API: APIConfig{
			BaseURL:        "https://api.example.com/",
			TokenPath:      "/oauth/token",
			RequestTimeout: 30 * time.Second,
		},
		Stream: StreamConfig{
			URL:                  "https://api.example.com/v1/events",
			Transport:            "ndjson",
			TokenMode:            "header",
			MaxRetries:           5,
			MaxReconnectAttempts: 10,
			MaxInactivity:        90 * time.Second,
		},
		Pool: PoolConfig{
			InitialPools:        1,
			MinPools:            1,
			MaxPools:            4,
			Capacity:            50,
			ConnectTimeout:      10 * time.Second,
			HealthCheckInterval: 30 * time.Second,
			InactivityThreshold: 2 * time.Minute,
			ReconnectDelay:      time.Second,
			ReconnectRate:       2,
		},
		Sync: SyncConfig{
			ReadTimeout:   2 * time.Second,
			WriteTimeout:  5 * time.Second,
			ClearCooldown: time.Second,
		},
		Coordinator: CoordinatorConfig{
			LockTimeout:      30 * time.Second,
			CacheTime:        30 * time.Second,
			CacheExpiry:      5 * time.Minute,
			DedupGrace:       100 * time.Millisecond,
			OperationTimeout: 15 * time.Second,
			MaxRetries:       3,
		},
		Storage: StorageConfig{
			Dir:      defaultDataDir(),
			Backends: append([]string(nil), knownBackends...),
			Key:      "sessionkeeper/credential",
		},
		Log: LogConfig{
			Level:  "warn",
			Format: "text",
		},
	}
}

func (c Config) Validate() error {
	switch c.Stream.Transport {
	case "ndjson", "websocket":
	default:
		return fmt.Errorf("stream.transport must be ndjson or websocket, got %q", c.Stream.Transport)
	}
	switch c.Stream.TokenMode {
	case "header", "query":
	default:
		return fmt.Errorf("stream.token_mode must be header or query, got %q", c.Stream.TokenMode)
	}
	if c.Pool.MinPools > c.Pool.MaxPools {
		return fmt.Errorf("pool.min_pools (%d) exceeds pool.max_pools (%d)", c.Pool.MinPools, c.Pool.MaxPools)
	}
	if len(c.Storage.Backends) == 0 {
		return errors.New("storage.backends must name at least one backend")
	}
	for _, name := range c.Storage.Backends {
		if !isKnownBackend(name) {
			return fmt.Errorf("unknown credential backend %q (known: %s)", name, strings.Join(knownBackends, ", "))
		}
	}
	return nil
}

func isKnownBackend(name string) bool {
	for _, known := range knownBackends {
		if name == known {
			return true
		}
	}
	return false
}

// normalizeBackends lower-cases names and drops blanks and duplicates.
// Environment overrides arrive as one comma or space separated string.
func normalizeBackends(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, entry := range in {
		for _, name := range strings.FieldsFunc(entry, func(r rune) bool { return r == ',' || r == ' ' }) {
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}
