package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const defaultDaemonAddress = "127.0.0.1:8080"

// Storage backends, mirrored from the store package so config stays free of
// storage imports.
const (
	BackendBbolt  = "bbolt"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

type CoreConfig struct {
	Daemon    CoreDaemonConfig    `toml:"daemon" json:"daemon" yaml:"daemon"`
	Storage   CoreStorageConfig   `toml:"storage" json:"storage" yaml:"storage"`
	Fleet     CoreFleetConfig     `toml:"fleet" json:"fleet" yaml:"fleet"`
	Reconcile CoreReconcileConfig `toml:"reconcile" json:"reconcile" yaml:"reconcile"`
	Logging   CoreLoggingConfig   `toml:"logging" json:"logging" yaml:"logging"`
}

type CoreDaemonConfig struct {
	Address string `toml:"address" json:"address" yaml:"address"`
	NodeID  string `toml:"node_id" json:"node_id" yaml:"node_id"`
}

type CoreStorageConfig struct {
	Backend string `toml:"backend" json:"backend" yaml:"backend"`
	Path    string `toml:"path" json:"path" yaml:"path"`
}

// CoreFleetConfig holds quotas and runner lifecycle defaults. Zero caps are
// unlimited.
type CoreFleetConfig struct {
	MaxRunners                 int   `toml:"max_runners" json:"max_runners" yaml:"max_runners"`
	MaxRunnersPerProject       int   `toml:"max_runners_per_project" json:"max_runners_per_project" yaml:"max_runners_per_project"`
	TokenLimit                 int64 `toml:"token_limit" json:"token_limit" yaml:"token_limit"`
	DefaultHeartbeatTTLSeconds int   `toml:"default_heartbeat_ttl_seconds" json:"default_heartbeat_ttl_seconds" yaml:"default_heartbeat_ttl_seconds"`
	DefaultMaxRestartAttempts  int   `toml:"default_max_restart_attempts" json:"default_max_restart_attempts" yaml:"default_max_restart_attempts"`
	StopTimeoutSeconds         int   `toml:"stop_timeout_seconds" json:"stop_timeout_seconds" yaml:"stop_timeout_seconds"`
}

type CoreReconcileConfig struct {
	IntervalSeconds  int `toml:"interval_seconds" json:"interval_seconds" yaml:"interval_seconds"`
	TimeoutSeconds   int `toml:"timeout_seconds" json:"timeout_seconds" yaml:"timeout_seconds"`
	RetentionSeconds int `toml:"retention_seconds" json:"retention_seconds" yaml:"retention_seconds"`
}

type CoreLoggingConfig struct {
	Level string `toml:"level" json:"level" yaml:"level"`
}

func DefaultCoreConfig() CoreConfig {
	return CoreConfig{
		Daemon: CoreDaemonConfig{
			Address: defaultDaemonAddress,
		},
		Storage: CoreStorageConfig{
			Backend: BackendBbolt,
		},
		Fleet: CoreFleetConfig{
			DefaultHeartbeatTTLSeconds: 60,
			DefaultMaxRestartAttempts:  3,
			StopTimeoutSeconds:         30,
		},
		Reconcile: CoreReconcileConfig{
			IntervalSeconds:  30,
			TimeoutSeconds:   10,
			RetentionSeconds: int((24 * time.Hour).Seconds()),
		},
		Logging: CoreLoggingConfig{
			Level: "info",
		},
	}
}

// LoadCoreConfig reads ~/.stratavore/config.toml over the defaults and then
// applies STRATAVORE_* environment overrides.
func LoadCoreConfig() (CoreConfig, error) {
	path, err := CoreConfigPath()
	if err != nil {
		return CoreConfig{}, err
	}
	return loadCoreConfigFromPath(path)
}

func loadCoreConfigFromPath(path string) (CoreConfig, error) {
	cfg := DefaultCoreConfig()
	if err := readTOML(path, &cfg); err != nil {
		return CoreConfig{}, fmt.Errorf("read %s: %w", path, err)
	}
	if err := applyEnv(&cfg); err != nil {
		return CoreConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return CoreConfig{}, err
	}
	return cfg, nil
}

func (c CoreConfig) Validate() error {
	var errs []error
	switch c.StorageBackend() {
	case BackendBbolt, BackendSQLite, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unsupported backend %q", c.Storage.Backend))
	}
	nonNegative := map[string]int64{
		"fleet.max_runners":                   int64(c.Fleet.MaxRunners),
		"fleet.max_runners_per_project":       int64(c.Fleet.MaxRunnersPerProject),
		"fleet.token_limit":                   c.Fleet.TokenLimit,
		"fleet.default_heartbeat_ttl_seconds": int64(c.Fleet.DefaultHeartbeatTTLSeconds),
		"fleet.default_max_restart_attempts":  int64(c.Fleet.DefaultMaxRestartAttempts),
		"fleet.stop_timeout_seconds":          int64(c.Fleet.StopTimeoutSeconds),
		"reconcile.interval_seconds":          int64(c.Reconcile.IntervalSeconds),
		"reconcile.timeout_seconds":           int64(c.Reconcile.TimeoutSeconds),
		"reconcile.retention_seconds":         int64(c.Reconcile.RetentionSeconds),
	}
	for _, key := range sortedKeys(nonNegative) {
		switch value := nonNegative[key]; {
		case value < 0:
			errs = append(errs, fmt.Errorf("%s: must not be negative", key))
		case strings.HasSuffix(key, "_seconds") && value > maxSeconds:
			errs = append(errs, fmt.Errorf("%s: must not exceed %d", key, maxSeconds))
		}
	}
	return errors.Join(errs...)
}

func (c CoreConfig) DaemonAddress() string {
	addr := strings.TrimSpace(c.Daemon.Address)
	if addr == "" {
		return defaultDaemonAddress
	}
	addr = strings.TrimPrefix(addr, "http://")
	addr = strings.TrimPrefix(addr, "https://")
	addr = strings.TrimRight(addr, "/")
	if addr == "" {
		return defaultDaemonAddress
	}
	return addr
}

func (c CoreConfig) DaemonBaseURL() string {
	return "http://" + c.DaemonAddress()
}

// NodeID identifies this daemon instance on the runners it launches. It
// defaults to the hostname.
func (c CoreConfig) NodeID() string {
	if id := strings.TrimSpace(c.Daemon.NodeID); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}

func (c CoreConfig) StorageBackend() string {
	backend := strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if backend == "" {
		return BackendBbolt
	}
	return backend
}

// StoragePath resolves the database path. Relative paths are taken from the
// data directory.
func (c CoreConfig) StoragePath() (string, error) {
	if c.StorageBackend() == BackendMemory {
		return "", nil
	}
	path := strings.TrimSpace(c.Storage.Path)
	if path == "" {
		return DefaultStoragePath(c.StorageBackend())
	}
	return resolveConfigPath(path)
}

func (c CoreConfig) HeartbeatTTL() time.Duration {
	return seconds(c.Fleet.DefaultHeartbeatTTLSeconds)
}

func (c CoreConfig) StopTimeout() time.Duration {
	return seconds(c.Fleet.StopTimeoutSeconds)
}

func (c CoreConfig) ReconcileInterval() time.Duration {
	return seconds(c.Reconcile.IntervalSeconds)
}

func (c CoreConfig) ReconcileTimeout() time.Duration {
	return seconds(c.Reconcile.TimeoutSeconds)
}

func (c CoreConfig) Retention() time.Duration {
	return seconds(c.Reconcile.RetentionSeconds)
}

func (c CoreConfig) LogLevel() string {
	level := strings.TrimSpace(c.Logging.Level)
	if level == "" {
		return "info"
	}
	return level
}

// maxSeconds is the largest second count a time.Duration can hold.
const maxSeconds = math.MaxInt64 / int64(time.Second)

func seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}

func readTOML(path string, out any) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	return toml.Unmarshal(data, out)
}

func resolveConfigPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("path is required")
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	}
	if filepath.IsAbs(path) {
		return path, nil
	}
	dataDir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, path), nil
}
