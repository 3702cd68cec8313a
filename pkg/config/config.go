// Package config provides configuration loading for the tunrelay core: a
// compiled-in default, an optional JSON/YAML file, and environment variable
// overrides, applied in that order.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"tunrelay/pkg/core"
	"tunrelay/pkg/logging"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay configuration.
type Config struct {
	// Relay contains the core relay configuration.
	Relay core.RelayConfig `json:"relay" yaml:"relay"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// File is the log file path.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Relay: core.DefaultRelayConfig(),
		Logging: LoggingConfig{
			Level:      "info",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// LoadFromFile loads configuration from a file, merging over whatever is
// already in config.
func LoadFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch {
	case strings.HasSuffix(path, ".json"):
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

// LoadFromEnv loads configuration overrides from environment variables.
func LoadFromEnv(config *Config) {
	if val := os.Getenv("RELAY_TUN_NAME"); val != "" {
		config.Relay.TUNName = val
	}
	if val := os.Getenv("RELAY_OUTBOUND_INTERFACE"); val != "" {
		config.Relay.OutboundInterface = val
	}
	if val := os.Getenv("RELAY_MTU"); val != "" {
		if mtu, err := strconv.Atoi(val); err == nil {
			config.Relay.MTU = mtu
		}
	}
	if val := os.Getenv("RELAY_TCP_MSS"); val != "" {
		if mss, err := strconv.Atoi(val); err == nil {
			config.Relay.TCPMSS = mss
		}
	}
	if val := os.Getenv("RELAY_TCP_MAX_FLOWS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Relay.TCPMaxFlows = n
		}
	}
	if val := os.Getenv("RELAY_UDP_MAX_FLOWS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Relay.UDPMaxFlows = n
		}
	}
	if val := os.Getenv("RELAY_UDP_IDLE_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.Relay.UDPIdleTimeout = d
		}
	}
	if val := os.Getenv("RELAY_TCP_ACK_DELAY"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.Relay.TCPAckDelay = d
		}
	}
	if val := os.Getenv("RELAY_TCP_REASSEMBLY_CAP"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Relay.TCPReassemblyCap = n
		}
	}
	if val := os.Getenv("RELAY_TCP_MAX_LIFETIME"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.Relay.TCPMaxLifetime = d
		}
	}
	if val := os.Getenv("RELAY_TCP_DIAL_ERROR_SIGNAL"); val != "" {
		config.Relay.TCPDialErrorSignal = val
	}

	if val := os.Getenv("LOGGING_LEVEL"); val != "" {
		config.Logging.Level = val
		config.Relay.LogLevel = val
	}
	if val := os.Getenv("LOGGING_FILE"); val != "" {
		config.Logging.File = val
	}
	if val := os.Getenv("LOGGING_MAX_SIZE"); val != "" {
		if maxSize, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxSize = maxSize
		}
	}
	if val := os.Getenv("LOGGING_MAX_BACKUPS"); val != "" {
		if maxBackups, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxBackups = maxBackups
		}
	}
	if val := os.Getenv("LOGGING_MAX_AGE"); val != "" {
		if maxAge, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxAge = maxAge
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Relay.TUNName == "" {
		return fmt.Errorf("TUN name cannot be empty")
	}
	if c.Relay.MTU < 576 || c.Relay.MTU > 65535 {
		return fmt.Errorf("invalid MTU: %d", c.Relay.MTU)
	}
	if c.Relay.TCPMSS <= 0 || c.Relay.TCPMSS > c.Relay.MTU {
		return fmt.Errorf("invalid tcp_mss: %d", c.Relay.TCPMSS)
	}
	if c.Relay.TCPMaxFlows <= 0 {
		return fmt.Errorf("tcp_max_flows must be positive")
	}
	if c.Relay.UDPMaxFlows <= 0 {
		return fmt.Errorf("udp_max_flows must be positive")
	}
	if c.Relay.UDPIdleTimeout <= 0 {
		return fmt.Errorf("udp_idle_timeout must be positive")
	}
	switch c.Relay.TCPDialErrorSignal {
	case "", "rst", "icmp":
		// Valid.
	default:
		return fmt.Errorf("invalid tcp_dial_error_signal: %s", c.Relay.TCPDialErrorSignal)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	var level logging.Level
	switch c.Logging.Level {
	case "debug":
		level = logging.DebugLevel
	case "info":
		level = logging.InfoLevel
	case "warn":
		level = logging.WarnLevel
	case "error":
		level = logging.ErrorLevel
	default:
		level = logging.InfoLevel
	}
	logging.SetLevel(level)

	// Debug logging implies the safer, copy-on-read packet path: with the
	// wire dumped at debug level an operator is actively inspecting live
	// traffic, so a mutated or pool-reclaimed buffer under their nose is a
	// worse outcome than the extra copy.
	core.SetDebugMode(level == logging.DebugLevel)

	if c.Logging.File != "" {
		dir := "."
		if lastSlash := strings.LastIndex(c.Logging.File, "/"); lastSlash != -1 {
			dir = c.Logging.File[:lastSlash]
		}

		filename := c.Logging.File
		if lastSlash := strings.LastIndex(c.Logging.File, "/"); lastSlash != -1 {
			filename = c.Logging.File[lastSlash+1:]
		}

		err := logging.EnableFileLogging(
			dir,
			filename,
			c.Logging.MaxSize,
			c.Logging.MaxBackups,
			c.Logging.MaxAge,
		)
		if err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}

	return nil
}

// SaveToFile saves the configuration to a file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch {
	case strings.HasSuffix(path, ".json"):
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	dir := "."
	if lastSlash := strings.LastIndex(path, "/"); lastSlash != -1 {
		dir = path[:lastSlash]
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
