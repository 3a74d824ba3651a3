package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "STRATAVORE"

type envOverride struct {
	key   string
	apply func(cfg *CoreConfig, raw string) error
}

var envOverrides = []envOverride{
	{"daemon.address", setString(func(cfg *CoreConfig) *string { return &cfg.Daemon.Address })},
	{"daemon.node_id", setString(func(cfg *CoreConfig) *string { return &cfg.Daemon.NodeID })},
	{"storage.backend", setString(func(cfg *CoreConfig) *string { return &cfg.Storage.Backend })},
	{"storage.path", setString(func(cfg *CoreConfig) *string { return &cfg.Storage.Path })},
	{"fleet.max_runners", setInt(func(cfg *CoreConfig) *int { return &cfg.Fleet.MaxRunners })},
	{"fleet.max_runners_per_project", setInt(func(cfg *CoreConfig) *int { return &cfg.Fleet.MaxRunnersPerProject })},
	{"fleet.token_limit", func(cfg *CoreConfig, raw string) error {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		cfg.Fleet.TokenLimit = value
		return nil
	}},
	{"fleet.default_heartbeat_ttl_seconds", setInt(func(cfg *CoreConfig) *int { return &cfg.Fleet.DefaultHeartbeatTTLSeconds })},
	{"fleet.default_max_restart_attempts", setInt(func(cfg *CoreConfig) *int { return &cfg.Fleet.DefaultMaxRestartAttempts })},
	{"fleet.stop_timeout_seconds", setInt(func(cfg *CoreConfig) *int { return &cfg.Fleet.StopTimeoutSeconds })},
	{"reconcile.interval_seconds", setInt(func(cfg *CoreConfig) *int { return &cfg.Reconcile.IntervalSeconds })},
	{"reconcile.timeout_seconds", setInt(func(cfg *CoreConfig) *int { return &cfg.Reconcile.TimeoutSeconds })},
	{"reconcile.retention_seconds", setInt(func(cfg *CoreConfig) *int { return &cfg.Reconcile.RetentionSeconds })},
	{"logging.level", setString(func(cfg *CoreConfig) *string { return &cfg.Logging.Level })},
}

// EnvName returns the environment variable that overrides a config key,
// e.g. daemon.address -> STRATAVORE_DAEMON_ADDRESS.
func EnvName(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func applyEnv(cfg *CoreConfig) error {
	v := viper.New()
	for _, override := range envOverrides {
		if err := v.BindEnv(override.key, EnvName(override.key)); err != nil {
			return err
		}
	}
	for _, override := range envOverrides {
		if !v.IsSet(override.key) {
			continue
		}
		raw := strings.TrimSpace(v.GetString(override.key))
		if err := override.apply(cfg, raw); err != nil {
			return fmt.Errorf("%s: %w", EnvName(override.key), err)
		}
	}
	return nil
}

func setString(field func(cfg *CoreConfig) *string) func(*CoreConfig, string) error {
	return func(cfg *CoreConfig, raw string) error {
		*field(cfg) = raw
		return nil
	}
}

func setInt(field func(cfg *CoreConfig) *int) func(*CoreConfig, string) error {
	return func(cfg *CoreConfig, raw string) error {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		*field(cfg) = value
		return nil
	}
}

func sortedKeys[V any](values map[string]V) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
