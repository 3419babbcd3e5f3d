package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/hostmanager/pkg/drivers"
	"github.com/openfroyo/hostmanager/pkg/engine"
	"github.com/openfroyo/hostmanager/pkg/hostexec"
	"github.com/openfroyo/hostmanager/pkg/policy"
	"github.com/openfroyo/hostmanager/pkg/resources"
	"github.com/openfroyo/hostmanager/pkg/telemetry"
	"github.com/openfroyo/hostmanager/pkg/transports/ssh"
)

// EnvPrefix prefixes environment overrides, e.g. HOSTMGR_DATABASE_PATH.
const EnvPrefix = "HOSTMGR"

// HostConfig is the configuration of one managed host.
type HostConfig struct {
	Database  DatabaseConfig   `yaml:"database" mapstructure:"database"`
	Executor  ExecutorConfig   `yaml:"executor" mapstructure:"executor"`
	Pools     PoolsConfig      `yaml:"pools" mapstructure:"pools"`
	Drivers   DriversConfig    `yaml:"drivers" mapstructure:"drivers"`
	Policy    PolicyConfig     `yaml:"policy" mapstructure:"policy"`
	Manager   ManagerConfig    `yaml:"manager" mapstructure:"manager"`
	Reaper    ReaperConfig     `yaml:"reaper" mapstructure:"reaper"`
	Telemetry telemetry.Config `yaml:"telemetry" mapstructure:"telemetry" validate:"-"`
}

// DatabaseConfig selects the record store.
type DatabaseConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path" mapstructure:"path" validate:"required_if=Ephemeral false"`

	// Ephemeral keeps records in memory only.
	Ephemeral bool `yaml:"ephemeral" mapstructure:"ephemeral"`
}

// ExecutorConfig selects where host commands run.
type ExecutorConfig struct {
	// Mode is local or ssh.
	Mode string `yaml:"mode" mapstructure:"mode" validate:"oneof=local ssh"`

	SSH ssh.Config `yaml:"ssh" mapstructure:"ssh" validate:"-"`
}

// PoolsConfig holds the ranges handed out to drivers.
type PoolsConfig struct {
	VMIDs resources.Range `yaml:"vmids" mapstructure:"vmids"`
	Ports resources.Range `yaml:"ports" mapstructure:"ports"`
}

// Ranges returns the pool ranges keyed by resource kind.
func (p PoolsConfig) Ranges() map[engine.ResourceKind]resources.Range {
	return map[engine.ResourceKind]resources.Range{
		engine.ResourceVMID: p.VMIDs,
		engine.ResourcePort: p.Ports,
	}
}

// DriversConfig configures the built-in types.
type DriversConfig struct {
	DataDir     string `yaml:"data_dir" mapstructure:"data_dir" validate:"required"`
	TemplateDir string `yaml:"template_dir" mapstructure:"template_dir" validate:"required"`

	// ExternalNetworks maps network names to host bridges.
	ExternalNetworks map[string]string `yaml:"external_networks" mapstructure:"external_networks" validate:"dive,keys,required,endkeys,required,max=15"`

	// DeviceWait bounds the wait for a started element's devices.
	DeviceWait time.Duration `yaml:"device_wait" mapstructure:"device_wait" validate:"gte=0"`

	// Disabled lists type names that are never registered.
	Disabled []string `yaml:"disabled" mapstructure:"disabled"`

	// SkipPrerequisites registers every type without probing the host.
	SkipPrerequisites bool `yaml:"skip_prerequisites" mapstructure:"skip_prerequisites"`
}

// Options returns the registration options.
func (d DriversConfig) Options() drivers.Options {
	return drivers.Options{Disabled: d.Disabled, SkipPrerequisites: d.SkipPrerequisites}
}

// Host returns the driver host environment for runner.
func (d DriversConfig) Host(runner hostexec.Runner, logger zerolog.Logger) *drivers.Host {
	return &drivers.Host{
		Runner:           runner,
		DataDir:          d.DataDir,
		TemplateDir:      d.TemplateDir,
		ExternalNetworks: d.ExternalNetworks,
		DeviceWait:       d.DeviceWait,
		Logger:           logger,
	}
}

// PolicyConfig configures admission control.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Paths lists policy files and directories loaded on top of the built-in policies.
	Paths []string `yaml:"paths" mapstructure:"paths"`

	// Watch reloads the policies when files under Paths change.
	Watch bool `yaml:"watch" mapstructure:"watch"`

	Limits policy.Limits `yaml:"limits" mapstructure:"limits"`
}

// ManagerConfig configures the kernel.
type ManagerConfig struct {
	// DefaultLifetime is the timeout of top-level elements created without one.
	DefaultLifetime time.Duration `yaml:"default_lifetime" mapstructure:"default_lifetime" validate:"gte=0"`

	// ActionTimeout bounds a single driver call.
	ActionTimeout time.Duration `yaml:"action_timeout" mapstructure:"action_timeout" validate:"gte=0"`
}

// ReaperConfig configures removal of expired elements.
type ReaperConfig struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled"`
	Interval time.Duration `yaml:"interval" mapstructure:"interval" validate:"required_if=Enabled true,gte=0"`
}

// DefaultHostConfig returns the configuration used when no file is given.
func DefaultHostConfig() *HostConfig {
	return &HostConfig{
		Database: DatabaseConfig{Path: "/var/lib/hostmgr/hostmgr.db"},
		Executor: ExecutorConfig{
			Mode: "local",
			SSH: ssh.Config{
				Port:              22,
				User:              "root",
				AuthMethod:        ssh.AuthMethodKey,
				ConnectionTimeout: 30 * time.Second,
				CommandTimeout:    5 * time.Minute,
				KeepAliveInterval: 30 * time.Second,
			},
		},
		Pools: PoolsConfig{
			VMIDs: resources.Range{Start: 1000, End: 1999},
			Ports: resources.Range{Start: 6000, End: 6999},
		},
		Drivers: DriversConfig{
			DataDir:          "/var/lib/hostmgr/data",
			TemplateDir:      "/var/lib/hostmgr/templates",
			ExternalNetworks: map[string]string{"internet": "vmbr0"},
			DeviceWait:       10 * time.Second,
		},
		Policy: PolicyConfig{Enabled: true},
		Manager: ManagerConfig{
			DefaultLifetime: 7 * 24 * time.Hour,
			ActionTimeout:   5 * time.Minute,
		},
		Reaper:    ReaperConfig{Enabled: true, Interval: time.Minute},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Validate checks the configuration.
func (c *HostConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid host configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid host configuration: %w", err)
	}

	if c.Executor.Mode == "ssh" {
		if err := c.Executor.SSH.Validate(); err != nil {
			return fmt.Errorf("invalid ssh executor: %w", err)
		}
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	return nil
}

// YAML renders the configuration.
func (c *HostConfig) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("failed to encode host configuration: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode host configuration: %w", err)
	}
	return buf.Bytes(), nil
}

// LoadHostConfig reads a YAML file over the defaults. Unknown keys are errors.
func LoadHostConfig(path string) (*HostConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read host configuration: %w", err)
	}

	cfg := DefaultHostConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse host configuration %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load builds the configuration from the defaults, the optional file at path
// and HOSTMGR_ environment variables, in increasing precedence. Flags bound to
// v before the call override all of them.
func Load(v *viper.Viper, path string) (*HostConfig, error) {
	defaults, err := DefaultHostConfig().YAML()
	if err != nil {
		return nil, err
	}

	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg HostConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
