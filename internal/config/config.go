// Package config loads batchkeeper configuration from defaults, an optional
// YAML file, BATCHKEEPER_* environment variables and runtime overrides, in
// increasing order of precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Identity names the application for config paths and env variables.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity used by Load.
var DefaultIdentity = Identity{
	BinaryName: "batchkeeper",
	EnvPrefix:  "BATCHKEEPER",
	ConfigName: "batchkeeper",
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
	configFile  string
)

// Config is the full application configuration.
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Artifact  ArtifactConfig  `mapstructure:"artifact"`
	Run       RunConfig       `mapstructure:"run"`
	Offload   OffloadConfig   `mapstructure:"offload"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Server    ServerConfig    `mapstructure:"server"`
}

type StoreConfig struct {
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

type SchedulerConfig struct {
	QueueCommand      []string      `mapstructure:"queue_command"`
	QueueHeaderLines  int           `mapstructure:"queue_header_lines"`
	AccountingCommand []string      `mapstructure:"accounting_command"`
	SubmitCommand     []string      `mapstructure:"submit_command"`
	CancelCommand     []string      `mapstructure:"cancel_command"`
	Timeout           time.Duration `mapstructure:"timeout"`
	Attempts          uint          `mapstructure:"attempts"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	AccountingRate    float64       `mapstructure:"accounting_rate"`
}

type ArtifactConfig struct {
	ManifestName    string        `mapstructure:"manifest_name"`
	DefaultInputs   []string      `mapstructure:"default_inputs"`
	DefaultOutputs  []string      `mapstructure:"default_outputs"`
	GenerateCommand []string      `mapstructure:"generate_command"`
	ConvertCommand  []string      `mapstructure:"convert_command"`
	ArchivalExt     string        `mapstructure:"archival_ext"`
	CommandTimeout  time.Duration `mapstructure:"command_timeout"`
}

// RunConfig controls coordinator passes and the run lock.
type RunConfig struct {
	QueueLimit        int           `mapstructure:"queue_limit"`
	PrepareOrder      string        `mapstructure:"prepare_order"`
	ConvertLimit      int           `mapstructure:"convert_limit"`
	Archive           bool          `mapstructure:"archive"`
	ArchiveLimit      int           `mapstructure:"archive_limit"`
	LockPath          string        `mapstructure:"lock_path"`
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type OffloadConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Provider is "s3" or "file".
	Provider       string        `mapstructure:"provider"`
	Bucket         string        `mapstructure:"bucket"`
	Region         string        `mapstructure:"region"`
	Endpoint       string        `mapstructure:"endpoint"`
	Profile        string        `mapstructure:"profile"`
	ForcePathStyle bool          `mapstructure:"force_path_style"`
	BaseDir        string        `mapstructure:"base_dir"`
	Prefix         string        `mapstructure:"prefix"`
	KeepParents    int           `mapstructure:"keep_parents"`
	RemoveLocal    bool          `mapstructure:"remove_local"`
	Attempts       uint          `mapstructure:"attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Textfile, when set, receives the metrics after every pass.
	Textfile string `mapstructure:"textfile"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// EnvSpec maps an environment variable onto a config key.
type EnvSpec struct {
	Name string
	Path string
}

// SetConfigFile selects an explicit config file for subsequent loads. An
// empty path restores the default search.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// DataDir returns the default directory for the database and lock file.
func DataDir() string {
	return gfconfig.GetAppDataDir(DefaultIdentity.ConfigName)
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	dataDir := DataDir()

	v.SetDefault("store.path", filepath.Join(dataDir, "batchkeeper.db"))
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	v.SetDefault("scheduler.queue_command", "squeue --me --noheader")
	v.SetDefault("scheduler.queue_header_lines", 0)
	v.SetDefault("scheduler.accounting_command", "sacct --brief --noheader --parsable2 --job")
	v.SetDefault("scheduler.submit_command", "sbatch --parsable jobscript.sh")
	v.SetDefault("scheduler.cancel_command", "scancel")
	v.SetDefault("scheduler.timeout", "30s")
	v.SetDefault("scheduler.attempts", 3)
	v.SetDefault("scheduler.retry_delay", "2s")
	v.SetDefault("scheduler.accounting_rate", 5.0)

	v.SetDefault("artifact.manifest_name", "batch.yaml")
	v.SetDefault("artifact.default_inputs", "input/*.bin")
	v.SetDefault("artifact.default_outputs", "output/*.dat")
	v.SetDefault("artifact.generate_command", "")
	v.SetDefault("artifact.convert_command", "")
	v.SetDefault("artifact.archival_ext", ".nc")
	v.SetDefault("artifact.command_timeout", "6h")

	v.SetDefault("run.queue_limit", 200)
	v.SetDefault("run.prepare_order", "ordered")
	v.SetDefault("run.convert_limit", 0)
	v.SetDefault("run.archive", false)
	v.SetDefault("run.archive_limit", 0)
	v.SetDefault("run.lock_path", filepath.Join(dataDir, "batchkeeper.lock"))
	v.SetDefault("run.lock_ttl", "10m")
	v.SetDefault("run.heartbeat_interval", "30s")

	v.SetDefault("offload.enabled", false)
	v.SetDefault("offload.provider", "s3")
	v.SetDefault("offload.bucket", "")
	v.SetDefault("offload.region", "")
	v.SetDefault("offload.endpoint", "")
	v.SetDefault("offload.profile", "")
	v.SetDefault("offload.force_path_style", false)
	v.SetDefault("offload.base_dir", "")
	v.SetDefault("offload.prefix", "")
	v.SetDefault("offload.keep_parents", 1)
	v.SetDefault("offload.remove_local", false)
	v.SetDefault("offload.attempts", 3)
	v.SetDefault("offload.retry_delay", "5s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.textfile", "")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
}

// Load builds the configuration. Later overrides win over earlier ones and
// over every other source.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	id := DefaultIdentity
	appIdentity = &id
	explicit := configFile
	configMu.Unlock()

	v := viper.New()
	SetDefaults(v)

	if err := readConfigFile(v, explicit); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(id.EnvPrefix)
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
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Logging.Profile = strings.ToUpper(strings.TrimSpace(cfg.Logging.Profile))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// GetIdentity returns the identity of the last Load, or nil.
func GetIdentity() *Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

func readConfigFile(v *viper.Viper, explicit string) error {
	v.SetConfigType("yaml")
	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}

	candidates := append([]string{filepath.Join(".", DefaultIdentity.ConfigName+".yaml")}, getUserConfigPaths()...)
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}
	return nil
}

// getUserConfigPaths lists per-user config files, most specific first.
func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []string{}
	}

	var paths []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, id.ConfigName, id.ConfigName+".yaml"))
	}
	if dir, err := os.UserConfigDir(); err == nil {
		p := filepath.Join(dir, id.ConfigName, id.ConfigName+".yaml")
		if len(paths) == 0 || paths[0] != p {
			paths = append(paths, p)
		}
	}
	return paths
}

// getEnvSpecs lists the short environment names that do not follow the
// PREFIX_SECTION_KEY pattern AutomaticEnv derives.
func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []EnvSpec{}
	}

	p := id.EnvPrefix + "_"
	return []EnvSpec{
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: p + "METRICS_ENABLED", Path: "metrics.enabled"},
		{Name: p + "METRICS_TEXTFILE", Path: "metrics.textfile"},
		{Name: p + "DB", Path: "store.path"},
		{Name: p + "DB_URL", Path: "store.url"},
		{Name: p + "DB_AUTH_TOKEN", Path: "store.auth_token"},
		{Name: p + "QUEUE_LIMIT", Path: "run.queue_limit"},
		{Name: p + "LOCK_PATH", Path: "run.lock_path"},
		{Name: p + "OFFLOAD_BUCKET", Path: "offload.bucket"},
	}
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToFieldsHook(),
	)
}

// stringToFieldsHook splits a string on whitespace into a []string, so that
// commands and pattern lists can be written on one line.
func stringToFieldsHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf([]string{}) {
			return data, nil
		}
		return strings.Fields(data.(string)), nil
	}
}

// ErrInvalid wraps configuration validation failures.
var ErrInvalid = errors.New("invalid configuration")

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Store.Path) == "" && strings.TrimSpace(c.Store.URL) == "" {
		problems = append(problems, "store.path or store.url is required")
	}
	if c.Run.QueueLimit < 0 {
		problems = append(problems, "run.queue_limit must not be negative")
	}
	if c.Run.ConvertLimit < 0 || c.Run.ArchiveLimit < 0 {
		problems = append(problems, "run limits must not be negative")
	}
	if strings.TrimSpace(c.Run.LockPath) == "" {
		problems = append(problems, "run.lock_path is required")
	}
	if len(c.Scheduler.SubmitCommand) == 0 {
		problems = append(problems, "scheduler.submit_command is required")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Offload.Enabled {
		switch c.Offload.Provider {
		case "s3":
			if c.Offload.Bucket == "" {
				problems = append(problems, "offload.bucket is required for the s3 provider")
			}
		case "file":
			if c.Offload.BaseDir == "" {
				problems = append(problems, "offload.base_dir is required for the file provider")
			}
		default:
			problems = append(problems, fmt.Sprintf("offload.provider %q is not s3 or file", c.Offload.Provider))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}
