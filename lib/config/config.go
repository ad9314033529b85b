// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the variable Load reads the config path from.
const EnvironmentVariable = "PINENTRY_CONFIG"

// UI modes.
const (
	// UIModeTTY prompts on a terminal.
	UIModeTTY = "tty"
	// UIModeFile answers GETPIN from a file and confirms everything.
	// Intended for automation and tests.
	UIModeFile = "file"
)

// Config is the configuration of bureau-pinentry.
type Config struct {
	// Pool configures the secure memory pool.
	Pool PoolConfig `yaml:"pool"`

	// Dialog holds request defaults.
	Dialog DialogConfig `yaml:"dialog"`

	// UI selects and configures the collaborator that talks to the
	// operator.
	UI UIConfig `yaml:"ui"`

	// Server selects between the pipe server and the socket server.
	Server ServerConfig `yaml:"server"`

	// Log configures the structured logger.
	Log LogConfig `yaml:"log"`
}

// PoolConfig configures the secure memory pool.
type PoolConfig struct {
	// Size is the pool size in bytes, rounded up to whole pages.
	// Default: 32768
	Size int `yaml:"size"`

	// RequireLock makes startup fail when the pool cannot be locked
	// into RAM, instead of warning and continuing.
	// Default: false
	RequireLock bool `yaml:"require_lock"`
}

// DialogConfig holds request defaults restored by RESET.
type DialogConfig struct {
	// PinCapacity is the initial PIN buffer size in bytes.
	// Default: 2048
	PinCapacity int `yaml:"pin_capacity"`

	// Timeout is the default dialog timeout, as a Go duration. "0s"
	// waits indefinitely.
	// Default: 0s
	Timeout string `yaml:"timeout"`

	// DefaultPrompt replaces "PIN:" when the caller sends no prompt.
	DefaultPrompt string `yaml:"default_prompt"`
}

// UIConfig configures the collaborator.
type UIConfig struct {
	// Mode is "tty" or "file".
	// Default: tty
	Mode string `yaml:"mode"`

	// TTY is the terminal device used when the caller does not send
	// OPTION ttyname.
	// Default: /dev/tty
	TTY string `yaml:"tty"`

	// PinFile is read by the file UI; "-" is stdin.
	PinFile string `yaml:"pin_file"`
}

// ServerConfig selects the transport.
type ServerConfig struct {
	// Socket, when set, serves the protocol on this Unix socket instead
	// of stdin/stdout.
	Socket string `yaml:"socket"`

	// AllowAnyUID accepts socket peers running as another user.
	AllowAnyUID bool `yaml:"allow_any_uid"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn or error.
	// Default: warn
	Level string `yaml:"level"`

	// File receives the log instead of stderr.
	File string `yaml:"file"`
}

// Default returns the configuration used when no file is given, and
// the base that a file is merged into.
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			Size: 32 * 1024,
		},
		Dialog: DialogConfig{
			PinCapacity: 2048,
			Timeout:     "0s",
		},
		UI: UIConfig{
			Mode: UIModeTTY,
			TTY:  "/dev/tty",
		},
		Log: LogConfig{
			Level: "warn",
		},
	}
}

// Load loads the file named by PINENTRY_CONFIG. Without it the defaults
// apply: a pinentry is started by an agent that passes no arguments, so
// a missing config cannot be an error. There is no search path.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return Default(), nil
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path, merged over the defaults.
// ${VAR} and ${VAR:-default} in path-valued fields are expanded.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) expandVariables() {
	c.UI.TTY = expandVars(c.UI.TTY)
	c.UI.PinFile = expandVars(c.UI.PinFile)
	c.Server.Socket = expandVars(c.Server.Socket)
	c.Log.File = expandVars(c.Log.File)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} from the environment.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// DialogTimeout returns Dialog.Timeout parsed.
func (c *Config) DialogTimeout() (time.Duration, error) {
	if c.Dialog.Timeout == "" {
		return 0, nil
	}
	timeout, err := time.ParseDuration(c.Dialog.Timeout)
	if err != nil {
		return 0, fmt.Errorf("dialog.timeout: %w", err)
	}
	return timeout, nil
}

// LogLevel returns Log.Level as an slog level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelWarn, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Pool.Size <= 0 {
		errs = append(errs, fmt.Errorf("pool.size must be positive, got %d", c.Pool.Size))
	}
	if c.Dialog.PinCapacity <= 0 {
		errs = append(errs, fmt.Errorf("dialog.pin_capacity must be positive, got %d", c.Dialog.PinCapacity))
	} else if c.Dialog.PinCapacity > c.Pool.Size {
		errs = append(errs, fmt.Errorf("dialog.pin_capacity (%d) exceeds pool.size (%d)", c.Dialog.PinCapacity, c.Pool.Size))
	}
	if timeout, err := c.DialogTimeout(); err != nil {
		errs = append(errs, err)
	} else if timeout < 0 {
		errs = append(errs, fmt.Errorf("dialog.timeout must not be negative"))
	}

	modes := []string{UIModeTTY, UIModeFile}
	if !slices.Contains(modes, c.UI.Mode) {
		errs = append(errs, fmt.Errorf("ui.mode must be one of: %v", modes))
	}
	if c.UI.Mode == UIModeFile && c.UI.PinFile == "" {
		errs = append(errs, errors.New("ui.pin_file is required when ui.mode is file"))
	}
	if c.UI.Mode == UIModeFile && c.UI.PinFile == "-" && c.Server.Socket == "" {
		errs = append(errs, errors.New("ui.pin_file cannot be stdin when the protocol is served on stdin"))
	}
	if c.UI.Mode == UIModeTTY && c.UI.TTY == "" {
		errs = append(errs, errors.New("ui.tty is required when ui.mode is tty"))
	}

	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
