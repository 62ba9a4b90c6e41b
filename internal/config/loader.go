// Package config loads the controller configuration: defaults, then an
// optional YAML file, then CKPTCTL_* environment variables, then runtime
// overrides (usually from command-line flags).
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// FileName is the config file base name searched for in the working
// directory and the user config dir.
const FileName = "ckptctl"

// Identity names the application for config, env and data-dir lookups.
type Identity struct {
	BinaryName string
	ConfigName string
	EnvPrefix  string
}

// DefaultIdentity is the ckptctl identity.
func DefaultIdentity() *Identity {
	return &Identity{BinaryName: "ckptctl", ConfigName: "ckptctl", EnvPrefix: "CKPTCTL"}
}

// EnvSpec maps one environment variable to a config path.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
	configFile  string
)

// Load builds the configuration and stores it for GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	return LoadFile(ctx, "", overrides...)
}

// LoadFile is Load with an explicit config file. An empty path searches
// the working directory and the user config dir.
func LoadFile(ctx context.Context, path string, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		appIdentity = DefaultIdentity()
	}
	identity := *appIdentity
	configMu.Unlock()

	v := viper.New()
	setDefaults(v, &identity)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		for _, dir := range getUserConfigPaths() {
			v.AddConfigPath(dir)
		}
	}
	used := ""
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		used = v.ConfigFileUsed()
	}

	v.SetEnvPrefix(identity.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configFile = used
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the last loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// ConfigFileUsed returns the file the last Load read, if any.
func ConfigFileUsed() string {
	configMu.RLock()
	defer configMu.RUnlock()
	return configFile
}

// GetIdentity returns the application identity, or nil before Load.
func GetIdentity() *Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// DataDir is the application data directory.
func DataDir(identity *Identity) string {
	if identity == nil {
		identity = DefaultIdentity()
	}
	return gfconfig.GetAppDataDir(identity.ConfigName)
}

func setDefaults(v *viper.Viper, identity *Identity) {
	dataDir := DataDir(identity)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "console")

	v.SetDefault("engine.profile", "dmtcp")

	v.SetDefault("coordinator.host", "")
	v.SetDefault("coordinator.poll_interval", "500ms")
	v.SetDefault("coordinator.max_attempts", 60)
	v.SetDefault("coordinator.liveness_attempts", 10)
	v.SetDefault("coordinator.stop_grace", "5s")
	v.SetDefault("coordinator.query_timeout", "10s")
	v.SetDefault("coordinator.checkpoint_timeout", "10m")
	v.SetDefault("coordinator.queries_per_second", 5.0)

	v.SetDefault("launch.step_grace", "10s")
	v.SetDefault("launch.tail_lines", 20)

	v.SetDefault("restart.monitor_interval", "2s")
	v.SetDefault("restart.ceiling", "24h")

	v.SetDefault("archive.ledger_path", filepath.Join(dataDir, "ledger", "archive-ledger.db"))
	v.SetDefault("archive.ledger_url", "")
	v.SetDefault("archive.ledger_auth_token", "")
	v.SetDefault("archive.s3.region", "")
	v.SetDefault("archive.s3.endpoint", "")
	v.SetDefault("archive.s3.profile", "")
	v.SetDefault("archive.s3.force_path_style", false)

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 0)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "15m")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("jobs.dir", filepath.Join(dataDir, "jobs"))
	v.SetDefault("jobs.heartbeat_interval", "30s")
	v.SetDefault("jobs.gc_max_age", "168h")
}

// getEnvSpecs lists the short environment aliases on top of the automatic
// CKPTCTL_<SECTION>_<KEY> mapping.
func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	identity := appIdentity
	configMu.RUnlock()
	if identity == nil {
		return []EnvSpec{}
	}
	p := identity.EnvPrefix + "_"
	return []EnvSpec{
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "ENGINE", Path: "engine.profile"},
		{Name: p + "COORDINATOR_HOST", Path: "coordinator.host"},
		{Name: p + "LEDGER", Path: "archive.ledger_path"},
		{Name: p + "LEDGER_URL", Path: "archive.ledger_url"},
		{Name: p + "LEDGER_AUTH_TOKEN", Path: "archive.ledger_auth_token"},
		{Name: p + "S3_REGION", Path: "archive.s3.region"},
		{Name: p + "S3_ENDPOINT", Path: "archive.s3.endpoint"},
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "JOBS_DIR", Path: "jobs.dir"},
	}
}

func getUserConfigPaths() []string {
	configMu.RLock()
	identity := appIdentity
	configMu.RUnlock()
	if identity == nil {
		return []string{}
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return []string{}
	}
	return []string{filepath.Join(dir, identity.ConfigName)}
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := map[string]any{}
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

func (c *Config) validate() error {
	var problems []string
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Coordinator.MaxAttempts <= 0 {
		problems = append(problems, "coordinator.max_attempts must be positive")
	}
	if c.Restart.Ceiling <= 0 {
		problems = append(problems, "restart.ceiling must be positive")
	}
	if strings.TrimSpace(c.Jobs.Dir) == "" {
		problems = append(problems, "jobs.dir is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
