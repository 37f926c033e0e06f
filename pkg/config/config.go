package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultConfigPath = "/etc/power-monitor/config.yaml"

const (
	SensorHomeAssistant = "home_assistant"
	SensorCommand       = "command"

	TestModeNone           = "none"
	TestModeSimulateOutage = "simulate_outage"
	TestModeFull           = "full"
)

// Config represents the runtime configuration for the power monitor daemon.
type Config struct {
	PollIntervalSec  int              `yaml:"poll_interval_sec"`
	BootGraceSec     int              `yaml:"boot_grace_sec"`
	ActionTimeoutSec int              `yaml:"action_timeout_sec"`
	Thresholds       ThresholdsConfig `yaml:"thresholds"`
	Nodes            NodesConfig      `yaml:"nodes"`
	Sensor           SensorConfig     `yaml:"sensor"`
	Kubernetes       KubernetesConfig `yaml:"kubernetes"`
	SSH              SSHConfig        `yaml:"ssh"`
	Etcd             EtcdConfig       `yaml:"etcd"`
	Metrics          MetricsConfig    `yaml:"metrics"`
	DryRun           bool             `yaml:"dry_run"`
	SkipShutdown     bool             `yaml:"skip_shutdown"`
	TestMode         string           `yaml:"test_mode"`
	LogFormat        string           `yaml:"log_format"`
}

// ThresholdsConfig holds the outage durations, in seconds, at which each tier degrades.
// The values are deliberately not required to be ordered.
type ThresholdsConfig struct {
	CordonPrioritySec       *int `yaml:"cordon_priority_sec"`
	DrainPrioritySec        *int `yaml:"drain_priority_sec"`
	ShutdownPrioritySec     *int `yaml:"shutdown_priority_sec"`
	CordonDrainSecondarySec *int `yaml:"cordon_drain_secondary_sec"`
	ShutdownSecondarySec    *int `yaml:"shutdown_secondary_sec"`
}

// NodesConfig assigns node names to roles.
type NodesConfig struct {
	Critical  string   `yaml:"critical"`
	Priority  []string `yaml:"priority"`
	Secondary []string `yaml:"secondary"`
}

// SensorConfig describes where power readings come from.
type SensorConfig struct {
	Type       string   `yaml:"type"`
	URL        string   `yaml:"url"`
	Token      string   `yaml:"token"`
	Entity     string   `yaml:"entity"`
	TimeoutSec int      `yaml:"timeout_sec"`
	Cmd        []string `yaml:"cmd"`
}

// KubernetesConfig configures the cluster API client and the drain command.
type KubernetesConfig struct {
	Kubeconfig      string   `yaml:"kubeconfig"`
	Kubectl         string   `yaml:"kubectl"`
	DrainArgs       []string `yaml:"drain_args"`
	APITimeoutSec   int      `yaml:"api_timeout_sec"`
	DrainTimeoutSec int      `yaml:"drain_timeout_sec"`
}

// SSHConfig configures remote power-off.
type SSHConfig struct {
	User       string   `yaml:"user"`
	KeyPath    string   `yaml:"key_path"`
	Port       int      `yaml:"port"`
	Command    []string `yaml:"command"`
	TimeoutSec int      `yaml:"timeout_sec"`
	KnownHosts string   `yaml:"known_hosts"`
}

// EtcdConfig enables epoch persistence and the singleton lock when endpoints are set.
type EtcdConfig struct {
	Endpoints  []string       `yaml:"endpoints"`
	Namespace  string         `yaml:"namespace"`
	TLS        *EtcdTLSConfig `yaml:"tls"`
	StateKey   string         `yaml:"state_key"`
	LockKey    string         `yaml:"lock_key"`
	LockTTLSec int            `yaml:"lock_ttl_sec"`
}

// EtcdTLSConfig configures optional TLS settings for connecting to etcd.
type EtcdTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Insecure bool   `yaml:"insecure_skip_verify"`
}

// MetricsConfig defines observability exposure options.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ValidationError aggregates multiple configuration validation failures.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	return errors.As(target, &other)
}

// Load reads, parses, and validates a configuration from disk, then applies
// environment overrides from the process environment.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return decode(f, os.LookupEnv)
}

// FromEnv builds a configuration from environment variables alone.
func FromEnv() (*Config, error) {
	return decode(strings.NewReader(""), os.LookupEnv)
}

func decode(r io.Reader, lookup func(string) (string, bool)) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if lookup != nil {
		if err := cfg.applyEnv(lookup); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnv maps the legacy environment surface onto the configuration.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	problems := make([]string, 0)

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = splitList(v)
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			parsed, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s must be a boolean", key))
				return
			}
			*dst = parsed
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			parsed, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s must be an integer", key))
				return
			}
			*dst = parsed
		}
	}
	seconds := func(key string, dst **int) {
		var v int
		if raw, ok := lookup(key); ok && strings.TrimSpace(raw) != "" {
			integer(key, &v)
			*dst = &v
		}
	}

	str("HA_URL", &c.Sensor.URL)
	str("HA_TOKEN", &c.Sensor.Token)
	str("POWER_SENSOR", &c.Sensor.Entity)
	integer("POLL_INTERVAL", &c.PollIntervalSec)
	seconds("SHUTDOWN_PI5_01_DELAY", &c.Thresholds.ShutdownPrioritySec)
	seconds("SHUTDOWN_OTHERS_DELAY", &c.Thresholds.ShutdownSecondarySec)
	str("CRITICAL_NODE", &c.Nodes.Critical)
	list("PRIORITY_NODES", &c.Nodes.Priority)
	list("SECONDARY_NODES", &c.Nodes.Secondary)
	str("SSH_USER", &c.SSH.User)
	str("SSH_KEY_PATH", &c.SSH.KeyPath)
	boolean("DRY_RUN", &c.DryRun)
	boolean("SKIP_SHUTDOWN", &c.SkipShutdown)
	str("TEST_MODE", &c.TestMode)

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Validate checks for semantic correctness in the configuration.
func (c *Config) Validate() error {
	problems := make([]string, 0)

	if c.PollIntervalSec <= 0 {
		problems = append(problems, "poll_interval_sec must be greater than zero")
	}
	if c.BootGraceSec < 0 {
		problems = append(problems, "boot_grace_sec must be non-negative")
	}
	if c.ActionTimeoutSec <= 0 {
		problems = append(problems, "action_timeout_sec must be greater than zero")
	}
	problems = append(problems, c.Thresholds.validate()...)
	problems = append(problems, c.Nodes.validate()...)
	problems = append(problems, c.Sensor.validate()...)

	if c.Kubernetes.APITimeoutSec <= 0 {
		problems = append(problems, "kubernetes.api_timeout_sec must be greater than zero")
	}
	if c.Kubernetes.DrainTimeoutSec <= 0 {
		problems = append(problems, "kubernetes.drain_timeout_sec must be greater than zero")
	}
	if !c.DryRun && !c.SkipShutdown {
		if strings.TrimSpace(c.SSH.User) == "" {
			problems = append(problems, "ssh.user is required unless dry_run or skip_shutdown is set")
		}
		if strings.TrimSpace(c.SSH.KeyPath) == "" {
			problems = append(problems, "ssh.key_path is required unless dry_run or skip_shutdown is set")
		}
	}
	if c.SSH.Port <= 0 || c.SSH.Port > 65535 {
		problems = append(problems, "ssh.port must be within 1-65535")
	}
	if len(c.SSH.Command) == 0 {
		problems = append(problems, "ssh.command must not be empty")
	}

	switch c.TestMode {
	case TestModeNone, TestModeSimulateOutage, TestModeFull:
	default:
		problems = append(problems, fmt.Sprintf("test_mode %q is not supported", c.TestMode))
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("log_format %q is not supported", c.LogFormat))
	}

	if c.Etcd.TLS != nil && c.Etcd.TLS.Enabled {
		if strings.TrimSpace(c.Etcd.TLS.CAFile) == "" {
			problems = append(problems, "etcd.tls.ca_file is required when TLS is enabled")
		}
		if strings.TrimSpace(c.Etcd.TLS.CertFile) == "" {
			problems = append(problems, "etcd.tls.cert_file is required when TLS is enabled")
		}
		if strings.TrimSpace(c.Etcd.TLS.KeyFile) == "" {
			problems = append(problems, "etcd.tls.key_file is required when TLS is enabled")
		}
	}
	if c.EtcdEnabled() && c.Etcd.LockTTLSec <= 0 {
		problems = append(problems, "etcd.lock_ttl_sec must be greater than zero")
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Listen) == "" {
		problems = append(problems, "metrics.listen must be set when metrics.enabled is true")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (t ThresholdsConfig) validate() []string {
	problems := make([]string, 0)
	check := func(name string, v *int) {
		if v != nil && *v < 0 {
			problems = append(problems, fmt.Sprintf("thresholds.%s must be non-negative", name))
		}
	}
	check("cordon_priority_sec", t.CordonPrioritySec)
	check("drain_priority_sec", t.DrainPrioritySec)
	check("shutdown_priority_sec", t.ShutdownPrioritySec)
	check("cordon_drain_secondary_sec", t.CordonDrainSecondarySec)
	check("shutdown_secondary_sec", t.ShutdownSecondarySec)
	return problems
}

func (n NodesConfig) validate() []string {
	problems := make([]string, 0)
	if len(n.Priority) == 0 && len(n.Secondary) == 0 {
		problems = append(problems, "nodes.priority or nodes.secondary must list at least one node")
	}
	seen := make(map[string]string)
	for tier, names := range map[string][]string{"priority": n.Priority, "secondary": n.Secondary} {
		for _, name := range names {
			trimmed := strings.TrimSpace(name)
			if trimmed == "" {
				problems = append(problems, fmt.Sprintf("nodes.%s contains an empty name", tier))
				continue
			}
			if other, ok := seen[trimmed]; ok && other != tier {
				problems = append(problems, fmt.Sprintf("node %s is listed in both priority and secondary", trimmed))
			}
			seen[trimmed] = tier
		}
	}
	return problems
}

func (s SensorConfig) validate() []string {
	problems := make([]string, 0)
	switch s.Type {
	case SensorHomeAssistant:
		if strings.TrimSpace(s.URL) == "" {
			problems = append(problems, "sensor.url is required for home_assistant sensors")
		}
		if strings.TrimSpace(s.Token) == "" {
			problems = append(problems, "sensor.token (or HA_TOKEN) is required for home_assistant sensors")
		}
		if strings.TrimSpace(s.Entity) == "" {
			problems = append(problems, "sensor.entity is required for home_assistant sensors")
		}
	case SensorCommand:
		if len(s.Cmd) == 0 {
			problems = append(problems, "sensor.cmd must contain at least one element for command sensors")
		}
	default:
		problems = append(problems, fmt.Sprintf("sensor.type %q is not supported", s.Type))
	}
	if s.TimeoutSec <= 0 {
		problems = append(problems, "sensor.timeout_sec must be greater than zero")
	}
	return problems
}

func (c *Config) applyDefaults() {
	if c.PollIntervalSec == 0 {
		c.PollIntervalSec = 15
	}
	if c.BootGraceSec == 0 {
		c.BootGraceSec = 60
	}
	if c.ActionTimeoutSec == 0 {
		c.ActionTimeoutSec = 240
	}
	defaultSeconds(&c.Thresholds.CordonPrioritySec, 30)
	defaultSeconds(&c.Thresholds.DrainPrioritySec, 60)
	defaultSeconds(&c.Thresholds.ShutdownPrioritySec, 180)
	defaultSeconds(&c.Thresholds.CordonDrainSecondarySec, 300)
	defaultSeconds(&c.Thresholds.ShutdownSecondarySec, 420)

	c.Nodes.Critical = strings.TrimSpace(c.Nodes.Critical)
	c.Nodes.Priority = trimAll(c.Nodes.Priority)
	c.Nodes.Secondary = trimAll(c.Nodes.Secondary)

	if c.Sensor.Type == "" {
		c.Sensor.Type = SensorHomeAssistant
	}
	if c.Sensor.Type == SensorHomeAssistant {
		if c.Sensor.URL == "" {
			c.Sensor.URL = "http://localhost:8123"
		}
		if c.Sensor.Entity == "" {
			c.Sensor.Entity = "sensor.smart_plug_power"
		}
	}
	if c.Sensor.TimeoutSec == 0 {
		c.Sensor.TimeoutSec = 10
	}

	if c.Kubernetes.Kubectl == "" {
		c.Kubernetes.Kubectl = "kubectl"
	}
	if len(c.Kubernetes.DrainArgs) == 0 {
		c.Kubernetes.DrainArgs = []string{
			"--ignore-daemonsets",
			"--delete-emptydir-data",
			"--force",
			"--grace-period=30",
			"--timeout=120s",
		}
	}
	if c.Kubernetes.APITimeoutSec == 0 {
		c.Kubernetes.APITimeoutSec = 10
	}
	if c.Kubernetes.DrainTimeoutSec == 0 {
		c.Kubernetes.DrainTimeoutSec = 180
	}

	if c.SSH.Port == 0 {
		c.SSH.Port = 22
	}
	if len(c.SSH.Command) == 0 {
		c.SSH.Command = []string{"sudo", "shutdown", "-h", "now"}
	}
	if c.SSH.KeyPath == "" {
		c.SSH.KeyPath = "/root/.ssh/id_rsa"
	}
	if c.SSH.TimeoutSec == 0 {
		c.SSH.TimeoutSec = 30
	}

	if c.Etcd.StateKey == "" {
		c.Etcd.StateKey = "/power-monitor/epoch"
	}
	if c.Etcd.LockKey == "" {
		c.Etcd.LockKey = "/power-monitor/lock"
	}
	if c.Etcd.LockTTLSec == 0 {
		c.Etcd.LockTTLSec = 30
	}

	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9090"
	}
	c.TestMode = strings.ToLower(strings.TrimSpace(c.TestMode))
	if c.TestMode == "" {
		c.TestMode = TestModeNone
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
}

func defaultSeconds(dst **int, v int) {
	if *dst == nil {
		*dst = &v
	}
}

func trimAll(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, strings.TrimSpace(n))
	}
	return out
}

// PollInterval returns how long the monitor waits between sensor polls.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// BootGrace returns how long recovery waits for powered-off nodes to boot.
func (c *Config) BootGrace() time.Duration {
	return time.Duration(c.BootGraceSec) * time.Second
}

// ActionTimeout bounds every individual node action.
func (c *Config) ActionTimeout() time.Duration {
	return time.Duration(c.ActionTimeoutSec) * time.Second
}

// SensorTimeout bounds a single sensor read.
func (c *Config) SensorTimeout() time.Duration {
	return time.Duration(c.Sensor.TimeoutSec) * time.Second
}

// APITimeout bounds cluster API requests.
func (c *Config) APITimeout() time.Duration {
	return time.Duration(c.Kubernetes.APITimeoutSec) * time.Second
}

// DrainTimeout bounds the drain command.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.Kubernetes.DrainTimeoutSec) * time.Second
}

// SSHTimeout bounds the remote shutdown session.
func (c *Config) SSHTimeout() time.Duration {
	return time.Duration(c.SSH.TimeoutSec) * time.Second
}

// LockTTL returns the etcd lock TTL as a duration.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Etcd.LockTTLSec) * time.Second
}

// EtcdEnabled reports whether epoch persistence and the singleton lock are configured.
func (c *Config) EtcdEnabled() bool {
	return c != nil && len(c.Etcd.Endpoints) > 0
}

// SimulateOutage reports whether the sensor should be forced unavailable.
func (c *Config) SimulateOutage() bool {
	return c != nil && c.TestMode == TestModeSimulateOutage
}

// Seconds converts an optional seconds value into a duration.
func Seconds(v *int) time.Duration {
	if v == nil {
		return 0
	}
	return time.Duration(*v) * time.Second
}
