package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	TCPPort         int    `toml:"tcp_port"`
	HTTPPort        int    `toml:"http_port"`
	PrivatePort     int    `toml:"private_port"`
	CredentialsPath string `toml:"credentials_path"`
}

type LimitsSection struct {
	BlockDurationSeconds int `toml:"block_duration_seconds"`
	IdleTimeoutSeconds   int `toml:"idle_timeout_seconds"`
	MaxMessageLength     int `toml:"max_message_length"`
}

// ServerConfig is the runtime configuration derived from file + flags
type ServerConfig struct {
	TCPPort          int
	HTTPPort         int // WebSocket + metrics; 0 disables the HTTP listener
	PrivatePort      int
	CredentialsPath  string
	BlockDuration    time.Duration
	IdleTimeout      time.Duration // 0 disables the post-login idle timeout
	MaxMessageLength int
}

// DefaultConfig returns default runtime configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:          6470,
		HTTPPort:         6471,
		PrivatePort:      6472,
		CredentialsPath:  "~/.parley/credentials.txt",
		BlockDuration:    60 * time.Second,
		IdleTimeout:      30 * time.Minute,
		MaxMessageLength: 4096,
	}
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:         6470,
			HTTPPort:        6471,
			PrivatePort:     6472,
			CredentialsPath: "~/.parley/credentials.txt",
		},
		Limits: LimitsSection{
			BlockDurationSeconds: 60,
			IdleTimeoutSeconds:   1800,
			MaxMessageLength:     4096,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creating a default file
// if none exists yet
func LoadConfig(path string) (TOMLConfig, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(expanded); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(expanded, config); err != nil {
			// Can't write (permissions?) - still run with defaults
			return config, nil
		}
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(expanded, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# Parley Server Configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if c.Server.PrivatePort != 0 {
		cfg.PrivatePort = c.Server.PrivatePort
	}
	if strings.TrimSpace(c.Server.CredentialsPath) != "" {
		cfg.CredentialsPath = c.Server.CredentialsPath
	}
	if c.Limits.BlockDurationSeconds != 0 {
		cfg.BlockDuration = time.Duration(c.Limits.BlockDurationSeconds) * time.Second
	}
	if c.Limits.IdleTimeoutSeconds != 0 {
		cfg.IdleTimeout = time.Duration(c.Limits.IdleTimeoutSeconds) * time.Second
	}
	if c.Limits.MaxMessageLength != 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}

	return cfg
}

// GetCredentialsPath returns the credential file path with ~ expanded
func (c *ServerConfig) GetCredentialsPath() (string, error) {
	return expandHome(c.CredentialsPath)
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}
	return path, nil
}
