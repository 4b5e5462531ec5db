package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime settings for the relay process.
type Config struct {
	Database   *DatabaseConfig   `json:"database"`
	HTTP       *HTTPConfig       `json:"http"`
	WebSocket  *WebSocketConfig  `json:"websocket"`
	Settlement *SettlementConfig `json:"settlement"`
	Shutdown   *ShutdownConfig   `json:"shutdown"`
}

// DatabaseConfig configures the SQLite audit store.
type DatabaseConfig struct {
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

type HTTPConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	BufferSize   int           `json:"buffer_size"`
}

// SettlementConfig bounds the acknowledgement tracker. Entries older than
// TTL are delivered-and-dropped by a sweeper running every SweepInterval.
type SettlementConfig struct {
	TTL           time.Duration `json:"ttl"`
	SweepInterval time.Duration `json:"sweep_interval"`
}

// ShutdownConfig drives the end-of-simulation watchdog: the session
// registry is polled every PollInterval plus a random [0,PollJitter) until
// it empties.
type ShutdownConfig struct {
	PollInterval time.Duration `json:"poll_interval"`
	PollJitter   time.Duration `json:"poll_jitter"`
}

// DefaultConfig returns production defaults. The watchdog polls every 5s
// plus up to 5s of jitter.
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:    "./gridrelay.db",
			Timeout: 30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Host:         "0.0.0.0",
			Port:         42069,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
		},
		Settlement: &SettlementConfig{
			TTL:           5 * time.Minute,
			SweepInterval: time.Minute,
		},
		Shutdown: &ShutdownConfig{
			PollInterval: 5 * time.Second,
			PollJitter:   5 * time.Second,
		},
	}
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}
	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket intervals must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.Settlement == nil {
		return fmt.Errorf("settlement configuration is required")
	}
	if c.Settlement.TTL <= 0 || c.Settlement.SweepInterval <= 0 {
		return fmt.Errorf("settlement TTL and sweep interval must be positive")
	}
	if c.Shutdown == nil {
		return fmt.Errorf("shutdown configuration is required")
	}
	if c.Shutdown.PollInterval <= 0 {
		return fmt.Errorf("shutdown poll interval must be positive")
	}
	if c.Shutdown.PollJitter < 0 {
		return fmt.Errorf("shutdown poll jitter cannot be negative")
	}
	return nil
}

// LoadFromEnv overlays GRIDRELAY_* environment variables on the defaults.
// Malformed values fall back silently; validation happens at startup.
func LoadFromEnv() *Config {
	config := DefaultConfig()

	if host := os.Getenv("GRIDRELAY_HTTP_HOST"); host != "" {
		config.HTTP.Host = host
	}
	if port := os.Getenv("GRIDRELAY_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.HTTP.Port = p
		}
	}
	if dbPath := os.Getenv("GRIDRELAY_DATABASE_PATH"); dbPath != "" {
		config.Database.Path = dbPath
	}

	setDuration := func(env string, target *time.Duration) {
		if raw := os.Getenv(env); raw != "" {
			if d, err := time.ParseDuration(raw); err == nil {
				*target = d
			}
		}
	}
	setDuration("GRIDRELAY_DATABASE_TIMEOUT", &config.Database.Timeout)
	setDuration("GRIDRELAY_HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	setDuration("GRIDRELAY_HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)
	setDuration("GRIDRELAY_WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	setDuration("GRIDRELAY_WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	setDuration("GRIDRELAY_WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)
	setDuration("GRIDRELAY_SETTLEMENT_TTL", &config.Settlement.TTL)
	setDuration("GRIDRELAY_SETTLEMENT_SWEEP_INTERVAL", &config.Settlement.SweepInterval)
	setDuration("GRIDRELAY_SHUTDOWN_POLL_INTERVAL", &config.Shutdown.PollInterval)
	setDuration("GRIDRELAY_SHUTDOWN_POLL_JITTER", &config.Shutdown.PollJitter)

	if bufferSize := os.Getenv("GRIDRELAY_WEBSOCKET_BUFFER_SIZE"); bufferSize != "" {
		if size, err := strconv.Atoi(bufferSize); err == nil {
			config.WebSocket.BufferSize = size
		}
	}

	return config
}

// configFile mirrors Config with string durations for JSON parsing.
type configFile struct {
	Database *struct {
		Path    string `json:"path"`
		Timeout string `json:"timeout"`
	} `json:"database"`
	HTTP *struct {
		Host         string `json:"host"`
		Port         int    `json:"port"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
	} `json:"http"`
	WebSocket *struct {
		PingInterval string `json:"ping_interval"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
		BufferSize   int    `json:"buffer_size"`
	} `json:"websocket"`
	Settlement *struct {
		TTL           string `json:"ttl"`
		SweepInterval string `json:"sweep_interval"`
	} `json:"settlement"`
	Shutdown *struct {
		PollInterval string `json:"poll_interval"`
		PollJitter   string `json:"poll_jitter"`
	} `json:"shutdown"`
}

// LoadFromFile reads a JSON config file over the defaults and validates
// the result.
func LoadFromFile(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	config := DefaultConfig()

	parse := func(raw string, target *time.Duration) {
		if raw == "" {
			return
		}
		if d, err := time.ParseDuration(raw); err == nil {
			*target = d
		}
	}

	if file.Database != nil {
		if file.Database.Path != "" {
			config.Database.Path = file.Database.Path
		}
		parse(file.Database.Timeout, &config.Database.Timeout)
	}
	if file.HTTP != nil {
		if file.HTTP.Host != "" {
			config.HTTP.Host = file.HTTP.Host
		}
		if file.HTTP.Port > 0 {
			config.HTTP.Port = file.HTTP.Port
		}
		parse(file.HTTP.ReadTimeout, &config.HTTP.ReadTimeout)
		parse(file.HTTP.WriteTimeout, &config.HTTP.WriteTimeout)
	}
	if file.WebSocket != nil {
		if file.WebSocket.BufferSize > 0 {
			config.WebSocket.BufferSize = file.WebSocket.BufferSize
		}
		parse(file.WebSocket.PingInterval, &config.WebSocket.PingInterval)
		parse(file.WebSocket.ReadTimeout, &config.WebSocket.ReadTimeout)
		parse(file.WebSocket.WriteTimeout, &config.WebSocket.WriteTimeout)
	}
	if file.Settlement != nil {
		parse(file.Settlement.TTL, &config.Settlement.TTL)
		parse(file.Settlement.SweepInterval, &config.Settlement.SweepInterval)
	}
	if file.Shutdown != nil {
		parse(file.Shutdown.PollInterval, &config.Shutdown.PollInterval)
		parse(file.Shutdown.PollJitter, &config.Shutdown.PollJitter)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}

	return config, nil
}

// LoadConfigWithPrecedence resolves configuration as file > environment >
// defaults. A missing or broken file is ignored so env/defaults still work.
func LoadConfigWithPrecedence(filepath string) *Config {
	config := LoadFromEnv()

	if filepath != "" {
		if fileConfig, err := LoadFromFile(filepath); err == nil {
			config = fileConfig
		}
	}

	return config
}
