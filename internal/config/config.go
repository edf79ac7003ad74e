package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/LucPettett/what-do-i-become/internal/retry"
)

// FileName is the config file looked up in the root directory.
const FileName = "wdib.yml"

// Config models wdib.yml.
type Config struct {
	Root        string `yaml:"root"`
	DeviceID    string `yaml:"device_id"`
	MissionFile string `yaml:"mission_file"`
	Worker      struct {
		Command string        `yaml:"command"`
		Args    []string      `yaml:"args"`
		Dir     string        `yaml:"dir"`
		Env     []string      `yaml:"env"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"worker"`
	Hardware struct {
		MaxAttempts  int    `yaml:"max_attempts"`
		EvidenceFile string `yaml:"evidence_file"`
	} `yaml:"hardware"`
	Retry struct {
		Backoff string        `yaml:"backoff"`
		Initial time.Duration `yaml:"initial"`
		Max     time.Duration `yaml:"max"`
	} `yaml:"retry"`
	Git struct {
		Enabled     bool          `yaml:"enabled"`
		RepoDir     string        `yaml:"repo_dir"`
		Remote      string        `yaml:"remote"`
		Branch      string        `yaml:"branch"`
		AuthorName  string        `yaml:"author_name"`
		AuthorEmail string        `yaml:"author_email"`
		Token       string        `yaml:"token"`
		SSHKeyPath  string        `yaml:"ssh_key_path"`
		PushTimeout time.Duration `yaml:"push_timeout"`
	} `yaml:"git"`
	Server struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Log struct {
		Format string `yaml:"format"`
		Level  string `yaml:"level"`
	} `yaml:"log"`
	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

// Load reads and validates wdib.yml from root. A missing file yields the defaults.
func Load(root string) (*Config, error) {
	path := Path(root)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			cfg.Root = root
			return cfg, cfg.Validate()
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if cfg.Root == "" || cfg.Root == "." {
		cfg.Root = root
	}
	return cfg, nil
}

// Path returns the config file path for a root directory.
func Path(root string) string {
	if root == "" {
		root = "."
	}
	return filepath.Join(root, FileName)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Worker.Timeout <= 0 {
		return fmt.Errorf("config.worker.timeout must be >0")
	}
	if c.Hardware.MaxAttempts < 0 {
		return fmt.Errorf("config.hardware.max_attempts must be >=0")
	}
	switch retry.BackoffMode(c.Retry.Backoff) {
	case retry.BackoffFixed, retry.BackoffLinear, retry.BackoffExponential:
	default:
		return fmt.Errorf("config.retry.backoff must be fixed, linear or exponential")
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("config.retry: %w", err)
	}
	if c.Git.Enabled {
		if c.Git.PushTimeout <= 0 {
			return fmt.Errorf("config.git.push_timeout must be >0")
		}
		if c.Git.AuthorName == "" || c.Git.AuthorEmail == "" {
			return fmt.Errorf("config.git.author_name and author_email are required")
		}
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// RetryPolicy builds the incident retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.NewPolicy(retry.BackoffMode(c.Retry.Backoff), c.Retry.Initial, c.Retry.Max)
}

func (c *Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.Log.Level))); err != nil {
		return lvl, fmt.Errorf("config.log.level: %w", err)
	}
	return lvl, nil
}

// Resolve makes relative paths absolute against the root directory.
func (c *Config) Resolve() {
	if c.Root == "" {
		c.Root = "."
	}
	if abs, err := filepath.Abs(c.Root); err == nil {
		c.Root = abs
	}
	rel := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(c.Root, p)
	}
	c.MissionFile = rel(c.MissionFile)
	c.Git.RepoDir = rel(c.Git.RepoDir)
	c.Worker.Dir = rel(c.Worker.Dir)
	c.Hardware.EvidenceFile = rel(c.Hardware.EvidenceFile)
	c.Git.SSHKeyPath = rel(c.Git.SSHKeyPath)
}

const defaultTemplate = `root: .
mission_file: mission.md

worker:
  command: ""
  args: ["{work_order}", "{result_path}"]
  timeout: 45m

hardware:
  max_attempts: 6

retry:
  backoff: exponential
  initial: 15m
  max: 6h

git:
  enabled: false
  repo_dir: .
  remote: origin
  author_name: wdib
  author_email: wdib@localhost
  push_timeout: 60s

server:
  addr: 127.0.0.1:8080

log:
  format: text
  level: info

metrics:
  enabled: true
`

// Overridable lists the keys that may be set through the environment
// (WDIB_<KEY> with dots as underscores) or bound flags.
var Overridable = []string{
	"root",
	"device_id",
	"mission_file",
	"worker.command",
	"worker.timeout",
	"hardware.max_attempts",
	"git.enabled",
	"git.remote",
	"git.branch",
	"git.token",
	"git.ssh_key_path",
	"server.addr",
	"server.jwt_secret",
	"log.format",
	"log.level",
	"metrics.enabled",
}

// ApplyOverrides copies every set key of v over the file values and re-validates.
func (c *Config) ApplyOverrides(v *viper.Viper) error {
	for _, key := range Overridable {
		if !v.IsSet(key) {
			continue
		}
		switch key {
		case "root":
			c.Root = v.GetString(key)
		case "device_id":
			c.DeviceID = v.GetString(key)
		case "mission_file":
			c.MissionFile = v.GetString(key)
		case "worker.command":
			c.Worker.Command = v.GetString(key)
		case "worker.timeout":
			c.Worker.Timeout = v.GetDuration(key)
		case "hardware.max_attempts":
			c.Hardware.MaxAttempts = v.GetInt(key)
		case "git.enabled":
			c.Git.Enabled = v.GetBool(key)
		case "git.remote":
			c.Git.Remote = v.GetString(key)
		case "git.branch":
			c.Git.Branch = v.GetString(key)
		case "git.token":
			c.Git.Token = v.GetString(key)
		case "git.ssh_key_path":
			c.Git.SSHKeyPath = v.GetString(key)
		case "server.addr":
			c.Server.Addr = v.GetString(key)
		case "server.jwt_secret":
			c.Server.JWTSecret = v.GetString(key)
		case "log.format":
			c.Log.Format = v.GetString(key)
		case "log.level":
			c.Log.Level = v.GetString(key)
		case "metrics.enabled":
			c.Metrics.Enabled = v.GetBool(key)
		}
	}
	return c.Validate()
}

// NewViper returns a viper instance reading WDIB_* environment variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("WDIB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}
