// Package config loads engine and agent configuration from a YAML file
// with FORGECI_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration tree. Server and agent binaries read
// the sections they need from the same file.
type Config struct {
	Logging   Logging   `mapstructure:"logging"`
	Server    Server    `mapstructure:"server"`
	Scheduler Scheduler `mapstructure:"scheduler"`
	Executor  Executor  `mapstructure:"executor"`
	Storage   Storage   `mapstructure:"storage"`
	Audit     Audit     `mapstructure:"audit"`
	External  External  `mapstructure:"external"`
	Agent     Agent     `mapstructure:"agent"`
}

type Logging struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "text" or "json"
}

type Server struct {
	Addr string `mapstructure:"addr"`
}

type Scheduler struct {
	Interval            time.Duration `mapstructure:"interval"`
	HeartbeatTimeout    time.Duration `mapstructure:"heartbeat_timeout"`
	MaxDispatchAttempts int           `mapstructure:"max_dispatch_attempts"`
	RequeueOnAgentLost  bool          `mapstructure:"requeue_on_agent_lost"`
}

type Executor struct {
	DefaultStageTimeout time.Duration `mapstructure:"default_stage_timeout"`
	Backoff             string        `mapstructure:"backoff"` // "fixed" or "exponential"
	BackoffBase         time.Duration `mapstructure:"backoff_base"`
}

type Storage struct {
	LogDir      string `mapstructure:"log_dir"`
	ArchivePath string `mapstructure:"archive_path"`
	ArtifactDir string `mapstructure:"artifact_dir"`
}

type Audit struct {
	JournalPath    string `mapstructure:"journal_path"`
	PublicKeyPath  string `mapstructure:"public_key_path"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
}

type External struct {
	NotifyURL        string `mapstructure:"notify_url"`
	SecretsURL       string `mapstructure:"secrets_url"`
	SecretsEnvPrefix string `mapstructure:"secrets_env_prefix"`
	MetricsURL       string `mapstructure:"metrics_url"`
	ApprovalDir      string `mapstructure:"approval_dir"`
}

type Agent struct {
	ServerURL         string        `mapstructure:"server_url"`
	Labels            []string      `mapstructure:"labels"`
	Capacity          int           `mapstructure:"capacity"`
	Workdir           string        `mapstructure:"workdir"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ContainerEngine   string        `mapstructure:"container_engine"`
}

// Load reads configuration from the given file, or from ./config.yaml
// and /etc/forgeci when no path is given. A missing file is fine when
// no explicit path was asked for; defaults and env cover everything.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/forgeci")
	}

	v.SetEnvPrefix("FORGECI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("scheduler.interval", "1s")
	v.SetDefault("scheduler.heartbeat_timeout", "30s")
	v.SetDefault("scheduler.max_dispatch_attempts", 3)
	v.SetDefault("scheduler.requeue_on_agent_lost", false)

	v.SetDefault("executor.default_stage_timeout", "10m")
	v.SetDefault("executor.backoff", "fixed")
	v.SetDefault("executor.backoff_base", "1s")

	v.SetDefault("storage.log_dir", "./logs")
	v.SetDefault("storage.archive_path", "./data/archive.db")
	v.SetDefault("storage.artifact_dir", "./data/artifacts")

	v.SetDefault("audit.journal_path", "./data/journal.jsonl")
	v.SetDefault("audit.public_key_path", "./keys/journal.pub")
	v.SetDefault("audit.private_key_path", "./keys/journal.priv")

	v.SetDefault("external.secrets_env_prefix", "FORGECI_SECRET_")
	v.SetDefault("external.approval_dir", "./data/approvals")

	v.SetDefault("agent.server_url", "http://localhost:8080")
	v.SetDefault("agent.labels", []string{"linux"})
	v.SetDefault("agent.capacity", 2)
	v.SetDefault("agent.workdir", ".")
	v.SetDefault("agent.poll_interval", "2s")
	v.SetDefault("agent.heartbeat_interval", "10s")
	v.SetDefault("agent.container_engine", "docker")
}
