package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	configFileMode  = 0o600
	configDirMode   = 0o700
	tempFilePattern = ".config-*.toml.tmp"
)

// ErrConfigExists is returned by Write when the file is present and
// overwrite was not requested.
var ErrConfigExists = errors.New("config file already exists")

// fileSchema mirrors Config with durations spelled as strings ("30s").
type fileSchema struct {
	API struct {
		BaseURL        string `toml:"base_url"`
		TokenPath      string `toml:"token_path"`
		ClientID       string `toml:"client_id"`
		RequestTimeout string `toml:"request_timeout"`
	} `toml:"api"`
	Stream struct {
		URL                  string `toml:"url"`
		Transport            string `toml:"transport"`
		TokenMode            string `toml:"token_mode"`
		MaxRetries           int    `toml:"max_retries"`
		MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
		MaxInactivity        string `toml:"max_inactivity"`
	} `toml:"stream"`
	Pool struct {
		InitialPools        int     `toml:"initial_pools"`
		MinPools            int     `toml:"min_pools"`
		MaxPools            int     `toml:"max_pools"`
		Capacity            int     `toml:"capacity"`
		ConnectTimeout      string  `toml:"connect_timeout"`
		HealthCheckInterval string  `toml:"health_check_interval"`
		InactivityThreshold string  `toml:"inactivity_threshold"`
		ReconnectDelay      string  `toml:"reconnect_delay"`
		ReconnectRate       float64 `toml:"reconnect_rate"`
	} `toml:"pool"`
	Sync struct {
		ReadTimeout   string `toml:"read_timeout"`
		WriteTimeout  string `toml:"write_timeout"`
		ClearCooldown string `toml:"clear_cooldown"`
	} `toml:"sync"`
	Coordinator struct {
		LockTimeout      string `toml:"lock_timeout"`
		CacheTime        string `toml:"cache_time"`
		CacheExpiry      string `toml:"cache_expiry"`
		DedupGrace       string `toml:"dedup_grace"`
		OperationTimeout string `toml:"operation_timeout"`
		MaxRetries       int    `toml:"max_retries"`
	} `toml:"coordinator"`
	Storage struct {
		Dir      string   `toml:"dir"`
		Backends []string `toml:"backends"`
		Key      string   `toml:"key"`
	} `toml:"storage"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
}

func toSchema(c Config) fileSchema {
	var s fileSchema
	s.API.BaseURL = c.API.BaseURL
	s.API.TokenPath = c.API.TokenPath
	s.API.ClientID = c.API.ClientID
	s.API.RequestTimeout = c.API.RequestTimeout.String()

	s.Stream.URL = c.Stream.URL
	s.Stream.Transport = c.Stream.Transport
	s.Stream.TokenMode = c.Stream.TokenMode
	s.Stream.MaxRetries = c.Stream.MaxRetries
	s.Stream.MaxReconnectAttempts = c.Stream.MaxReconnectAttempts
	s.Stream.MaxInactivity = c.Stream.MaxInactivity.String()

	s.Pool.InitialPools = c.Pool.InitialPools
	s.Pool.MinPools = c.Pool.MinPools
	s.Pool.MaxPools = c.Pool.MaxPools
	s.Pool.Capacity = c.Pool.Capacity
	s.Pool.ConnectTimeout = c.Pool.ConnectTimeout.String()
	s.Pool.HealthCheckInterval = c.Pool.HealthCheckInterval.String()
	s.Pool.InactivityThreshold = c.Pool.InactivityThreshold.String()
	s.Pool.ReconnectDelay = c.Pool.ReconnectDelay.String()
	s.Pool.ReconnectRate = c.Pool.ReconnectRate

	s.Sync.ReadTimeout = c.Sync.ReadTimeout.String()
	s.Sync.WriteTimeout = c.Sync.WriteTimeout.String()
	s.Sync.ClearCooldown = c.Sync.ClearCooldown.String()

	s.Coordinator.LockTimeout = c.Coordinator.LockTimeout.String()
	s.Coordinator.CacheTime = c.Coordinator.CacheTime.String()
	s.Coordinator.CacheExpiry = c.Coordinator.CacheExpiry.String()
	s.Coordinator.DedupGrace = c.Coordinator.DedupGrace.String()
	s.Coordinator.OperationTimeout = c.Coordinator.OperationTimeout.String()
	s.Coordinator.MaxRetries = c.Coordinator.MaxRetries

	s.Storage.Dir = c.Storage.Dir
	s.Storage.Backends = c.Storage.Backends
	s.Storage.Key = c.Storage.Key

	s.Log.Level = c.Log.Level
	s.Log.Format = c.Log.Format
	return s
}

// Encode renders cfg in the config file format.
func Encode(cfg Config) ([]byte, error) {
	data, err := toml.Marshal(toSchema(cfg))
	if err != nil {
		return nil, fmt.Errorf("encode config file: %w", err)
	}
	return data, nil
}

// Write stores cfg at path atomically with 0600 permissions. Unless
// overwrite is set an existing file is left untouched and ErrConfigExists
// is returned.
func Write(path string, cfg Config, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrConfigExists, path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), configDirMode); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := Encode(cfg)
	if err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tempFile.Chmod(configFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp config file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err := os.Rename(tempName, path); err != nil {
		return fmt.Errorf("replace config file: %w", err)
	}
	cleanup = false
	return nil
}
