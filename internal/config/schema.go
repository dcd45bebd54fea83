package config

import (
	"time"
)

// Config is the root configuration structure
type Config struct {
	Version   int             `yaml:"version"`
	Substrate SubstrateConfig `yaml:"substrate"`
	Probe     ProbeConfig     `yaml:"probe"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// SubstrateConfig selects and tunes the network substrate
type SubstrateConfig struct {
	Kind       SubstrateKind    `yaml:"kind"`
	Switch     SwitchConfig     `yaml:"switch"`
	Controller ControllerConfig `yaml:"controller"`
	Sim        SimConfig        `yaml:"sim"`
	Remote     RemoteConfig     `yaml:"remote"`
}

// SwitchConfig describes how the emulated switch is built
type SwitchConfig struct {
	Name       string     `yaml:"name"`
	Kind       SwitchKind `yaml:"kind"`
	ListenPort int        `yaml:"listen_port"` // passive OpenFlow listener
	FailMode   string     `yaml:"fail_mode"`   // ovs fail-mode, secure or standalone
}

// ControllerConfig is the external SDN controller the switch binds to
type ControllerConfig struct {
	Address          string `yaml:"address"`
	Port             int    `yaml:"port"`
	RequireReachable bool   `yaml:"require_reachable"`
}

// SimConfig tunes the in-process substrate
type SimConfig struct {
	ARPTimeout Duration `yaml:"arp_timeout"`
	AgingTime  Duration `yaml:"aging_time"`
	Latency    Duration `yaml:"latency"`
}

// RemoteConfig holds the SSH target for the remote substrate.
// Secrets are referenced, never stored.
type RemoteConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	User           string   `yaml:"user"`
	KeyPath        string   `yaml:"key_path,omitempty"`
	PasswordEnv    string   `yaml:"password_env,omitempty"`
	KnownHostsPath string   `yaml:"known_hosts,omitempty"`
	Sudo           bool     `yaml:"sudo"`
	DialTimeout    Duration `yaml:"dial_timeout"`
}

// ProbeConfig selects how reachability is checked on real substrates
type ProbeConfig struct {
	Method ProbeMethod `yaml:"method"`
}

// TimeoutConfig bounds the non-interactive steps
type TimeoutConfig struct {
	SetAddress Duration `yaml:"set_address"`
	Probe      Duration `yaml:"probe"`
	Teardown   Duration `yaml:"teardown"`
}

// DatabaseConfig holds database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HTTPConfig enables the status API when Listen is set
type HTTPConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// Duration wraps time.Duration for YAML unmarshaling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
