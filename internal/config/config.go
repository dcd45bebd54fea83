// Package config provides configuration management for mactable.
//
// The config file describes how a scenario is run (which substrate, how the
// switch is bound to its controller, probe method, timeouts); the scenario
// file describes what is run. Either may be absent.
//
// Config file locations (priority order):
//  1. $MACTABLE_CONFIG
//  2. ./mactable.yaml
//  3. $XDG_CONFIG_HOME/mactable/config.yaml
//  4. ~/.config/mactable/config.yaml
//  5. /etc/mactable/config.yaml
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load finds and loads the config file, or returns defaults if none found
func Load() (*Config, string, error) {
	path := FindConfigPath()

	if path == "" {
		return DefaultConfig(), "", nil
	}

	return LoadFromPath(path)
}

// LoadFromPath loads config from a specific path
func LoadFromPath(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// Parse decodes YAML config bytes and fills in defaults
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes config to the specified path
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// Default values, matching the lab the scenario was written for
const (
	DefaultControllerAddress = "10.0.2.2"
	DefaultControllerPort    = 6653
	DefaultListenPort        = 6634
	DefaultDatabasePath      = "./mactable.db"
	DefaultSetAddressTimeout = 5 * time.Second
	DefaultProbeTimeout      = 3 * time.Second
	DefaultTeardownTimeout   = 30 * time.Second
	DefaultARPTimeout        = 30 * time.Second
	DefaultAgingTime         = 300 * time.Second
	DefaultSSHPort           = 22
)

// DefaultConfig returns the configuration used when no file is found
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in missing values with defaults
func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = 1
	}

	s := &c.Substrate
	if s.Kind == "" {
		s.Kind = SubstrateSim
	}
	if s.Switch.Kind == "" {
		s.Switch.Kind = SwitchOVS
	}
	if s.Switch.Name == "" {
		s.Switch.Name = "s1"
	}
	if s.Switch.ListenPort == 0 {
		s.Switch.ListenPort = DefaultListenPort
	}
	if s.Switch.FailMode == "" {
		s.Switch.FailMode = "secure"
	}
	if s.Controller.Address == "" {
		s.Controller.Address = DefaultControllerAddress
	}
	if s.Controller.Port == 0 {
		s.Controller.Port = DefaultControllerPort
	}
	if s.Sim.ARPTimeout == 0 {
		s.Sim.ARPTimeout = Duration(DefaultARPTimeout)
	}
	if s.Sim.AgingTime == 0 {
		s.Sim.AgingTime = Duration(DefaultAgingTime)
	}
	if s.Remote.Port == 0 {
		s.Remote.Port = DefaultSSHPort
	}
	if s.Remote.DialTimeout == 0 {
		s.Remote.DialTimeout = Duration(10 * time.Second)
	}

	if c.Probe.Method == "" {
		c.Probe.Method = ProbeICMP
	}

	if c.Timeouts.SetAddress == 0 {
		c.Timeouts.SetAddress = Duration(DefaultSetAddressTimeout)
	}
	if c.Timeouts.Probe == 0 {
		c.Timeouts.Probe = Duration(DefaultProbeTimeout)
	}
	if c.Timeouts.Teardown == 0 {
		c.Timeouts.Teardown = Duration(DefaultTeardownTimeout)
	}

	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks enumerations, ports and timeouts
func (c *Config) Validate() error {
	var errs []error

	s := c.Substrate
	if _, err := ParseSubstrateKind(string(s.Kind)); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseSwitchKind(string(s.Switch.Kind)); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseProbeMethod(string(c.Probe.Method)); err != nil {
		errs = append(errs, err)
	}
	if !validPort(s.Switch.ListenPort) {
		errs = append(errs, fmt.Errorf("substrate.switch.listen_port %d out of range", s.Switch.ListenPort))
	}
	if !validPort(s.Controller.Port) {
		errs = append(errs, fmt.Errorf("substrate.controller.port %d out of range", s.Controller.Port))
	}
	if s.Kind == SubstrateRemote {
		if s.Remote.Host == "" {
			errs = append(errs, errors.New("substrate.remote.host is required for the remote substrate"))
		}
		if s.Remote.User == "" {
			errs = append(errs, errors.New("substrate.remote.user is required for the remote substrate"))
		}
		if s.Remote.KeyPath == "" && s.Remote.PasswordEnv == "" {
			errs = append(errs, errors.New("substrate.remote needs key_path or password_env"))
		}
	}

	for name, d := range map[string]Duration{
		"timeouts.set_address": c.Timeouts.SetAddress,
		"timeouts.probe":       c.Timeouts.Probe,
		"timeouts.teardown":    c.Timeouts.Teardown,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	return errors.Join(errs...)
}

func validPort(p int) bool {
	return p > 0 && p < 65536
}

// Summary returns a human-readable config summary
func (c *Config) Summary() string {
	var b strings.Builder
	s := c.Substrate
	fmt.Fprintf(&b, "Substrate: %s, Switch: %s (%s, listen %d)\n", s.Kind, s.Switch.Name, s.Switch.Kind, s.Switch.ListenPort)
	fmt.Fprintf(&b, "Controller: tcp:%s:%d\n", s.Controller.Address, s.Controller.Port)
	fmt.Fprintf(&b, "Probe: %s, SetAddress timeout: %s, Probe timeout: %s\n",
		c.Probe.Method, c.Timeouts.SetAddress.Duration(), c.Timeouts.Probe.Duration())
	fmt.Fprintf(&b, "Database: %s", c.Database.Path)
	if c.HTTP.Listen != "" {
		fmt.Fprintf(&b, ", HTTP: %s", c.HTTP.Listen)
	}
	return b.String()
}
