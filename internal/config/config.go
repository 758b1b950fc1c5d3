// Package config loads recbridge settings from a YAML file, RECBRIDGE_*
// environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tiroq/recbridge/internal/recorder"
)

// EnvPrefix is prepended to every environment override, e.g.
// RECBRIDGE_LISTEN_ADDR or RECBRIDGE_BACKEND_COMMAND.
const EnvPrefix = "RECBRIDGE"

// BackendExec runs an external encoder process.
const BackendExec = "exec"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	ListenAddr      string          `mapstructure:"listen_addr"`
	Password        string          `mapstructure:"password"`
	RecordingsDir   string          `mapstructure:"recordings_dir"`
	StateDir        string          `mapstructure:"state_dir"`
	FileExtension   string          `mapstructure:"file_extension"`
	TickInterval    time.Duration   `mapstructure:"tick_interval"`
	RetryDelays     []time.Duration `mapstructure:"retry_delays"`
	CommandDebounce time.Duration   `mapstructure:"command_debounce"`
	StabilityWindow time.Duration   `mapstructure:"stability_window"`
	WriteMetadata   bool            `mapstructure:"write_metadata"`
	LogLevel        string          `mapstructure:"log_level"`
	LogFile         string          `mapstructure:"log_file"`

	Backend    BackendConfig    `mapstructure:"backend"`
	Permission PermissionConfig `mapstructure:"permission"`
}

type BackendConfig struct {
	Kind        string        `mapstructure:"kind"`
	Command     string        `mapstructure:"command"`
	Args        []string      `mapstructure:"args"`
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
}

type PermissionConfig struct {
	Device string `mapstructure:"device" yaml:"device"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:      "127.0.0.1:4470",
		RecordingsDir:   filepath.Join(dataHome(), "recbridge", "recordings"),
		StateDir:        filepath.Join(os.Getenv("HOME"), ".cache", "recbridge"),
		FileExtension:   "m4a",
		TickInterval:    time.Second,
		RetryDelays:     []time.Duration{0, 100 * time.Millisecond, 300 * time.Millisecond},
		CommandDebounce: 300 * time.Millisecond,
		StabilityWindow: 250 * time.Millisecond,
		WriteMetadata:   true,
		LogLevel:        "info",
		Backend: BackendConfig{
			Kind:        BackendExec,
			Command:     "ffmpeg",
			Args:        []string{"-f", "pulse", "-i", "default", "-c:a", "aac", "-y", recorder.OutputPlaceholder},
			StopTimeout: 5 * time.Second,
		},
	}
}

func dataHome() string {
	if d := os.Getenv("XDG_DATA_HOME"); d != "" {
		return d
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "share")
}

// DefaultPath is where recbridge looks for a config file when none is given.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "recbridge", "config.yaml")
}

// Load reads path (if it exists) over the defaults, applies environment
// overrides and validates the result. An empty path means DefaultPath; a
// missing file at the default location is not an error.
func Load(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if explicit || !isNotExist(path) {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.RecordingsDir = expandHome(cfg.RecordingsDir)
	cfg.StateDir = expandHome(cfg.StateDir)
	cfg.LogFile = expandHome(cfg.LogFile)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func isNotExist(path string) bool {
	_, err := os.Stat(path)
	return os.IsNotExist(err)
}

// setDefaults registers every key so AutomaticEnv can override keys that
// the file does not mention.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("password", d.Password)
	v.SetDefault("recordings_dir", d.RecordingsDir)
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("file_extension", d.FileExtension)
	v.SetDefault("tick_interval", d.TickInterval)
	v.SetDefault("retry_delays", durationStrings(d.RetryDelays))
	v.SetDefault("command_debounce", d.CommandDebounce)
	v.SetDefault("stability_window", d.StabilityWindow)
	v.SetDefault("write_metadata", d.WriteMetadata)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("backend.kind", d.Backend.Kind)
	v.SetDefault("backend.command", d.Backend.Command)
	v.SetDefault("backend.args", d.Backend.Args)
	v.SetDefault("backend.stop_timeout", d.Backend.StopTimeout)
	v.SetDefault("permission.device", d.Permission.Device)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		return filepath.Join(os.Getenv("HOME"), strings.TrimPrefix(path, "~"))
	}
	return path
}

// Validate reports the first setting that would leave the core unusable.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("%w: listen_addr is empty", ErrInvalid)
	}
	if c.RecordingsDir == "" {
		return fmt.Errorf("%w: recordings_dir is empty", ErrInvalid)
	}
	if c.StateDir == "" {
		return fmt.Errorf("%w: state_dir is empty", ErrInvalid)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("%w: tick_interval must be positive, got %s", ErrInvalid, c.TickInterval)
	}
	if len(c.RetryDelays) == 0 {
		return fmt.Errorf("%w: retry_delays is empty", ErrInvalid)
	}
	for i, d := range c.RetryDelays {
		if d < 0 {
			return fmt.Errorf("%w: retry_delays[%d] is negative", ErrInvalid, i)
		}
		if i > 0 && d <= c.RetryDelays[i-1] {
			return fmt.Errorf("%w: retry_delays must be increasing, got %s after %s", ErrInvalid, d, c.RetryDelays[i-1])
		}
	}
	if c.CommandDebounce < 0 {
		return fmt.Errorf("%w: command_debounce is negative", ErrInvalid)
	}
	if c.StabilityWindow < 0 {
		return fmt.Errorf("%w: stability_window is negative", ErrInvalid)
	}

	switch c.Backend.Kind {
	case BackendExec:
		if c.Backend.Command == "" {
			return fmt.Errorf("%w: backend.command is empty", ErrInvalid)
		}
		found := false
		for _, a := range c.Backend.Args {
			if strings.Contains(a, recorder.OutputPlaceholder) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: backend.args must contain %s", ErrInvalid, recorder.OutputPlaceholder)
		}
	default:
		return fmt.Errorf("%w: unknown backend kind %q", ErrInvalid, c.Backend.Kind)
	}
	return nil
}

// fileConfig is the on-disk shape: durations are written as "250ms" rather
// than nanosecond integers.
type fileConfig struct {
	ListenAddr      string   `yaml:"listen_addr"`
	Password        string   `yaml:"password"`
	RecordingsDir   string   `yaml:"recordings_dir"`
	StateDir        string   `yaml:"state_dir"`
	FileExtension   string   `yaml:"file_extension"`
	TickInterval    string   `yaml:"tick_interval"`
	RetryDelays     []string `yaml:"retry_delays"`
	CommandDebounce string   `yaml:"command_debounce"`
	StabilityWindow string   `yaml:"stability_window"`
	WriteMetadata   bool     `yaml:"write_metadata"`
	LogLevel        string   `yaml:"log_level"`
	LogFile         string   `yaml:"log_file,omitempty"`
	Backend         struct {
		Kind        string   `yaml:"kind"`
		Command     string   `yaml:"command"`
		Args        []string `yaml:"args"`
		StopTimeout string   `yaml:"stop_timeout"`
	} `yaml:"backend"`
	Permission PermissionConfig `yaml:"permission"`
}

// YAML encodes c in the on-disk format.
func (c Config) YAML() ([]byte, error) {
	fc := fileConfig{
		ListenAddr:      c.ListenAddr,
		Password:        c.Password,
		RecordingsDir:   c.RecordingsDir,
		StateDir:        c.StateDir,
		FileExtension:   c.FileExtension,
		TickInterval:    c.TickInterval.String(),
		RetryDelays:     durationStrings(c.RetryDelays),
		CommandDebounce: c.CommandDebounce.String(),
		StabilityWindow: c.StabilityWindow.String(),
		WriteMetadata:   c.WriteMetadata,
		LogLevel:        c.LogLevel,
		LogFile:         c.LogFile,
		Permission:      c.Permission,
	}
	fc.Backend.Kind = c.Backend.Kind
	fc.Backend.Command = c.Backend.Command
	fc.Backend.Args = c.Backend.Args
	fc.Backend.StopTimeout = c.Backend.StopTimeout.String()

	data, err := yaml.Marshal(fc)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}

// Save writes c to path as YAML. It refuses to overwrite an existing file
// unless force is set.
func (c Config) Save(path string, force bool) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	data, err := c.YAML()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	// may hold the observer password
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func durationStrings(ds []time.Duration) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.String()
	}
	return out
}
