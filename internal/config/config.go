package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/bklight/internal/ble"
)

// Config holds all application configuration.
type Config struct {
	LogLevel string        `yaml:"log_level"`
	Device   DeviceConfig  `yaml:"device"`
	Display  DisplayConfig `yaml:"display"`
	BLE      BLEConfig     `yaml:"ble"`
}

// DeviceConfig selects the display to talk to.
type DeviceConfig struct {
	Address      string   `yaml:"address"`       // empty: use the first display found
	NamePrefixes []string `yaml:"name_prefixes"` // advertised name prefixes to match
}

// DisplayConfig holds image preparation settings.
type DisplayConfig struct {
	Rotation   int     `yaml:"rotation"`    // clockwise degrees: 0, 90, 180 or 270
	Brightness float64 `yaml:"brightness"`  // 0.1 to 1.0
	AckRetries int     `yaml:"ack_retries"` // resends after an unacknowledged frame
}

// BLEConfig holds protocol timing. Durations are Go duration strings.
type BLEConfig struct {
	ScanTimeout        time.Duration `yaml:"scan_timeout"`
	Stage1Timeout      time.Duration `yaml:"stage1_timeout"`
	Stage2Timeout      time.Duration `yaml:"stage2_timeout"`
	AckTimeout         time.Duration `yaml:"ack_timeout"`
	StageDelay         time.Duration `yaml:"stage_delay"`
	MTU                int           `yaml:"mtu"` // 0: ask the link
	ReconnectAttempts  int           `yaml:"reconnect_attempts"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bklight")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	session := ble.DefaultSessionOptions()
	return &Config{
		LogLevel: "info",
		Device: DeviceConfig{
			NamePrefixes: []string{ble.DefaultNamePrefix},
		},
		Display: DisplayConfig{
			Rotation:   0,
			Brightness: 1.0,
			AckRetries: 1,
		},
		BLE: BLEConfig{
			ScanTimeout:        10 * time.Second,
			Stage1Timeout:      session.Handshake.Stage1Timeout,
			Stage2Timeout:      session.Handshake.Stage2Timeout,
			AckTimeout:         session.AckTimeout,
			StageDelay:         session.Handshake.StageDelay,
			ReconnectAttempts:  session.ReconnectAttempts,
			ReconnectBaseDelay: session.ReconnectBaseDelay,
			ReconnectMaxDelay:  session.ReconnectMaxDelay,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.Device.Address != "" {
		if mac, err := ble.CanonicalMAC(cfg.Device.Address); err == nil {
			cfg.Device.Address = mac
		}
	}

	return cfg, nil
}

// LoadOrDefault loads path, falling back to defaults when the file does not
// exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.Device.Address != "" {
		if _, err := ble.CanonicalMAC(c.Device.Address); err != nil {
			return fmt.Errorf("device.address must be six colon-separated hex octets, got %q", c.Device.Address)
		}
	}
	if len(c.Device.NamePrefixes) == 0 {
		return fmt.Errorf("device.name_prefixes must not be empty")
	}

	switch c.Display.Rotation {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("display.rotation must be 0, 90, 180 or 270, got %d", c.Display.Rotation)
	}
	if c.Display.Brightness < 0.1 || c.Display.Brightness > 1.0 {
		return fmt.Errorf("display.brightness must be between 0.1 and 1.0, got %g", c.Display.Brightness)
	}
	if c.Display.AckRetries < 0 {
		return fmt.Errorf("display.ack_retries must be >= 0")
	}

	durations := []struct {
		key string
		d   time.Duration
	}{
		{"ble.scan_timeout", c.BLE.ScanTimeout},
		{"ble.stage1_timeout", c.BLE.Stage1Timeout},
		{"ble.stage2_timeout", c.BLE.Stage2Timeout},
		{"ble.ack_timeout", c.BLE.AckTimeout},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be > 0", d.key)
		}
	}
	if c.BLE.StageDelay < 0 {
		return fmt.Errorf("ble.stage_delay must be >= 0")
	}
	if c.BLE.MTU != 0 && c.BLE.MTU < 23 {
		return fmt.Errorf("ble.mtu must be 0 or at least 23, got %d", c.BLE.MTU)
	}
	if c.BLE.ReconnectAttempts < 1 {
		return fmt.Errorf("ble.reconnect_attempts must be >= 1")
	}
	if c.BLE.ReconnectMaxDelay < c.BLE.ReconnectBaseDelay {
		return fmt.Errorf("ble.reconnect_max_delay must not be shorter than ble.reconnect_base_delay")
	}

	return nil
}

// SessionOptions converts the ble section into session settings.
func (c *Config) SessionOptions() ble.SessionOptions {
	opts := ble.DefaultSessionOptions()
	opts.Handshake = ble.HandshakeOptions{
		Stage1Timeout: c.BLE.Stage1Timeout,
		Stage2Timeout: c.BLE.Stage2Timeout,
		StageDelay:    c.BLE.StageDelay,
	}
	opts.AckTimeout = c.BLE.AckTimeout
	opts.MTU = c.BLE.MTU
	opts.ReconnectAttempts = c.BLE.ReconnectAttempts
	opts.ReconnectBaseDelay = c.BLE.ReconnectBaseDelay
	opts.ReconnectMaxDelay = c.BLE.ReconnectMaxDelay
	return opts
}

const defaultHeader = `# bklight configuration
# Durations use Go syntax (500ms, 5s, 1m). Leave device.address empty to use
# the first display found by a scan.
`

// WriteDefault writes the default config to DefaultConfigPath. It returns the
// path written, or "" if a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a log_level value to a slog.Level. Unknown values map
// to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
