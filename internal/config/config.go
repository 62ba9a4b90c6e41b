package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/3leaps/ckptctl/pkg/engine"
)

// Config is the effective controller configuration.
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Launch      LaunchConfig      `mapstructure:"launch"`
	Restart     RestartConfig     `mapstructure:"restart"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Server      ServerConfig      `mapstructure:"server"`
	Jobs        JobsConfig        `mapstructure:"jobs"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// EngineConfig selects the engine profile. Profiles entries overlay the
// built-in profile of the same name, or the dmtcp profile for new names.
type EngineConfig struct {
	Profile  string                    `mapstructure:"profile"`
	Profiles map[string]engine.Profile `mapstructure:"profiles"`
}

type CoordinatorConfig struct {
	// Host is advertised to workers. Empty uses the local hostname.
	Host              string        `mapstructure:"host"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	LivenessAttempts  int           `mapstructure:"liveness_attempts"`
	StopGrace         time.Duration `mapstructure:"stop_grace"`
	QueryTimeout      time.Duration `mapstructure:"query_timeout"`
	CheckpointTimeout time.Duration `mapstructure:"checkpoint_timeout"`
	QueriesPerSecond  float64       `mapstructure:"queries_per_second"`
}

type LaunchConfig struct {
	StepGrace time.Duration `mapstructure:"step_grace"`
	TailLines int           `mapstructure:"tail_lines"`
}

type RestartConfig struct {
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	Ceiling         time.Duration `mapstructure:"ceiling"`
}

// ArchiveConfig locates the ledger and carries S3 settings a destination
// URI cannot express.
type ArchiveConfig struct {
	LedgerPath      string   `mapstructure:"ledger_path"`
	LedgerURL       string   `mapstructure:"ledger_url"`
	LedgerAuthToken string   `mapstructure:"ledger_auth_token"`
	S3              S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// ServerConfig configures the per-job control server. Port 0 picks a free
// port; the bound address is recorded in the job registry.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type JobsConfig struct {
	Dir               string        `mapstructure:"dir"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	GCMaxAge          time.Duration `mapstructure:"gc_max_age"`
}

// EngineProfile resolves a profile by name. An empty name uses
// Engine.Profile.
func (c *Config) EngineProfile(name string) (engine.Profile, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = strings.ToLower(strings.TrimSpace(c.Engine.Profile))
	}

	base, builtin := engine.Builtin(name)
	custom, configured := c.Engine.Profiles[name]
	if !builtin && !configured {
		return engine.Profile{}, fmt.Errorf("unknown engine profile %q (known: %s)", name, strings.Join(c.ProfileNames(), ", "))
	}
	if !builtin {
		base = engine.DMTCP()
		base.Name = name
	}
	p := base
	if configured {
		p = base.Merge(custom)
	}
	if err := p.Validate(); err != nil {
		return engine.Profile{}, fmt.Errorf("engine profile %q: %w", name, err)
	}
	return p, nil
}

// ProfileNames lists built-in and configured profile names.
func (c *Config) ProfileNames() []string {
	seen := map[string]bool{"dmtcp": true, "dmtcp-srun": true}
	for name := range c.Engine.Profiles {
		seen[strings.ToLower(name)] = true
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
