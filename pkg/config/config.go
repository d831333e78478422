package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// FileName is the profile configuration file written by walletctl init.
const FileName = "config.toml"

// Environment overrides applied by LoadProfile.
const (
	EnvSocket        = "WALLETD_SOCKET"
	EnvLogLevel      = "WALLETD_LOG_LEVEL"
	EnvEngineCommand = "WALLETD_ENGINE_COMMAND"
)

// Duration is a time.Duration that reads and writes as "30s" in both TOML
// and YAML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML accepts a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// EngineConfig describes how the wallet engine is launched and bootstrapped.
type EngineConfig struct {
	Command     string   `toml:"command" yaml:"command"`
	Args        []string `toml:"args" yaml:"args"`
	StoragePath string   `toml:"storagePath" yaml:"storagePath"`
	LogLevel    string   `toml:"logLevel" yaml:"logLevel"`
	CallTimeout Duration `toml:"callTimeout" yaml:"callTimeout"`
}

// IPCConfig defines socket settings and per-connection limits.
type IPCConfig struct {
	SocketPath     string   `toml:"socketPath" yaml:"socketPath"`
	RateLimitRPS   float64  `toml:"rateLimitRPS" yaml:"rateLimitRPS"`
	RateLimitBurst int      `toml:"rateLimitBurst" yaml:"rateLimitBurst"`
	WriteTimeout   Duration `toml:"writeTimeout" yaml:"writeTimeout"`
	// SendQueue is how many outbound writes may wait for a client before it
	// is dropped as not reading.
	SendQueue int `toml:"sendQueue" yaml:"sendQueue"`
}

// JournalConfig controls the notification journal.
type JournalConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	DBPath  string `toml:"dbPath" yaml:"dbPath"`
	Retain  int    `toml:"retain" yaml:"retain"`
}

// LoggingConfig defines basic logging knobs.
type LoggingConfig struct {
	Level       string `toml:"level" yaml:"level"`
	Format      string `toml:"format" yaml:"format"`
	FilePath    string `toml:"filePath" yaml:"filePath"`
	FileMaxSize int    `toml:"fileMaxSizeMB" yaml:"fileMaxSizeMB"`
	FileBackups int    `toml:"fileMaxBackups" yaml:"fileMaxBackups"`
}

// MetricsConfig enables the Prometheus endpoint when ListenAddr is set.
type MetricsConfig struct {
	ListenAddr string `toml:"listenAddr" yaml:"listenAddr"`
}

// ProfileConfig aggregates service configuration for a profile.
type ProfileConfig struct {
	ProfileName string        `toml:"profileName" yaml:"profileName"`
	Engine      EngineConfig  `toml:"engine" yaml:"engine"`
	IPC         IPCConfig     `toml:"ipc" yaml:"ipc"`
	Journal     JournalConfig `toml:"journal" yaml:"journal"`
	Logging     LoggingConfig `toml:"logging" yaml:"logging"`
	Metrics     MetricsConfig `toml:"metrics" yaml:"metrics"`
}

// DefaultProfile returns the configuration walletctl init writes. Relative
// paths are resolved against the profile directory by ResolvePath.
func DefaultProfile(name string) *ProfileConfig {
	return &ProfileConfig{
		ProfileName: name,
		Engine: EngineConfig{
			Command:     "wallet-core",
			Args:        []string{"--stdio"},
			StoragePath: "wallet.sqlite3",
			LogLevel:    "INFO",
			CallTimeout: Duration{2 * time.Minute},
		},
		IPC: IPCConfig{
			SocketPath:     "walletd.sock",
			RateLimitRPS:   50,
			RateLimitBurst: 100,
			WriteTimeout:   Duration{5 * time.Second},
			SendQueue:      256,
		},
		Journal: JournalConfig{
			Enabled: true,
			DBPath:  "notifications.db",
			Retain:  1000,
		},
		Logging: LoggingConfig{
			Level:       "INFO",
			Format:      "text",
			FileMaxSize: 10,
			FileBackups: 1,
		},
	}
}

// Load reads a profile configuration. Files ending in .yaml or .yml are
// decoded as YAML, everything else as TOML.
func Load(path string) (*ProfileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg ProfileConfig
	if isYAML(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = toml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadProfile loads <dir>/config.toml, applies environment overrides and
// resolves relative paths against dir.
func LoadProfile(dir string) (*ProfileConfig, error) {
	cfg, err := Load(filepath.Join(dir, FileName))
	if err != nil {
		return nil, err
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.resolvePaths(dir)
	return cfg, nil
}

// Save writes cfg to path in the format its extension selects.
func Save(path string, cfg *ProfileConfig) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	var buf bytes.Buffer
	if isYAML(path) {
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
	} else if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// ResolvePath joins a relative path onto the profile directory.
func ResolvePath(profileDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(profileDir, path)
}

func (cfg *ProfileConfig) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvSocket); ok && v != "" {
		cfg.IPC.SocketPath = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Logging.Level = v
		cfg.Engine.LogLevel = strings.ToUpper(v)
	}
	if v, ok := lookup(EnvEngineCommand); ok && v != "" {
		fields := strings.Fields(v)
		cfg.Engine.Command = fields[0]
		if len(fields) > 1 {
			cfg.Engine.Args = fields[1:]
		}
	}
}

func (cfg *ProfileConfig) resolvePaths(dir string) {
	cfg.Engine.StoragePath = ResolvePath(dir, cfg.Engine.StoragePath)
	cfg.IPC.SocketPath = ResolvePath(dir, cfg.IPC.SocketPath)
	cfg.Journal.DBPath = ResolvePath(dir, cfg.Journal.DBPath)
	cfg.Logging.FilePath = ResolvePath(dir, cfg.Logging.FilePath)
}

func (cfg *ProfileConfig) validate() error {
	if cfg.ProfileName == "" {
		return fmt.Errorf("profileName required")
	}
	if cfg.Engine.Command == "" {
		return fmt.Errorf("engine.command required")
	}
	if cfg.Engine.StoragePath == "" {
		return fmt.Errorf("engine.storagePath required")
	}
	if cfg.IPC.SocketPath == "" {
		return fmt.Errorf("ipc.socketPath required")
	}
	if cfg.Journal.Enabled && cfg.Journal.DBPath == "" {
		return fmt.Errorf("journal.dbPath required when journal is enabled")
	}
	if cfg.IPC.RateLimitRPS < 0 {
		return fmt.Errorf("ipc.rateLimitRPS must not be negative, got %s", strconv.FormatFloat(cfg.IPC.RateLimitRPS, 'f', -1, 64))
	}
	if cfg.Engine.LogLevel == "" {
		cfg.Engine.LogLevel = "INFO"
	}
	if cfg.IPC.SendQueue < 0 {
		return fmt.Errorf("ipc.sendQueue must not be negative, got %d", cfg.IPC.SendQueue)
	}
	if cfg.IPC.RateLimitRPS > 0 && cfg.IPC.RateLimitBurst < 1 {
		cfg.IPC.RateLimitBurst = 1
	}
	if cfg.Journal.Retain <= 0 {
		cfg.Journal.Retain = 1000
	}
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
