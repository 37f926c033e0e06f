package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestDecodeValidConfig(t *testing.T) {
	yaml := `poll_interval_sec: 20
thresholds:
  cordon_priority_sec: 45
  shutdown_secondary_sec: 600
nodes:
  critical: pi4-02
  priority: [pi5-01]
  secondary: [pi4-01, pi5-02]
sensor:
  type: home_assistant
  url: http://ha.local:8123
  token: secret
ssh:
  user: admin
`

	cfg, err := decode(strings.NewReader(yaml), noEnv)
	if err != nil {
		t.Fatalf("decode returned error: %v", err)
	}

	if cfg.PollInterval() != 20*time.Second {
		t.Fatalf("unexpected poll interval: %s", cfg.PollInterval())
	}
	if got := Seconds(cfg.Thresholds.CordonPrioritySec); got != 45*time.Second {
		t.Fatalf("expected cordon threshold 45s, got %s", got)
	}
	if got := Seconds(cfg.Thresholds.DrainPrioritySec); got != 60*time.Second {
		t.Fatalf("expected default drain threshold 60s, got %s", got)
	}
	if got := Seconds(cfg.Thresholds.ShutdownSecondarySec); got != 600*time.Second {
		t.Fatalf("expected secondary shutdown threshold 600s, got %s", got)
	}
	if cfg.Sensor.Entity != "sensor.smart_plug_power" {
		t.Fatalf("expected default entity, got %s", cfg.Sensor.Entity)
	}
	if cfg.BootGrace() != time.Minute {
		t.Fatalf("expected default boot grace 60s, got %s", cfg.BootGrace())
	}
	if cfg.TestMode != TestModeNone {
		t.Fatalf("expected default test mode none, got %s", cfg.TestMode)
	}
	if cfg.EtcdEnabled() {
		t.Fatal("expected etcd to be disabled without endpoints")
	}
	if len(cfg.SSH.Command) == 0 || cfg.SSH.Command[0] != "sudo" {
		t.Fatalf("unexpected default ssh command: %v", cfg.SSH.Command)
	}
}

func TestDecodeAllowsZeroThreshold(t *testing.T) {
	yaml := `thresholds:
  cordon_priority_sec: 0
nodes:
  priority: [pi5-01]
sensor:
  token: secret
dry_run: true
`
	cfg, err := decode(strings.NewReader(yaml), noEnv)
	if err != nil {
		t.Fatalf("decode returned error: %v", err)
	}
	if got := Seconds(cfg.Thresholds.CordonPrioritySec); got != 0 {
		t.Fatalf("expected explicit zero threshold to be kept, got %s", got)
	}
}

func TestValidateDetectsMissingFields(t *testing.T) {
	yaml := `sensor:
  type: home_assistant
nodes:
  priority: []
`
	_, err := decode(strings.NewReader(yaml), noEnv)
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	joined := strings.Join(verr.Problems, "\n")
	for _, want := range []string{"token", "nodes.priority", "ssh.user"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected problem mentioning %q, got %v", want, verr.Problems)
		}
	}
}

func TestValidateRejectsNodeInBothTiers(t *testing.T) {
	yaml := `nodes:
  priority: [pi5-01]
  secondary: [pi5-01]
sensor:
  token: secret
dry_run: true
`
	_, err := decode(strings.NewReader(yaml), noEnv)
	if err == nil || !strings.Contains(err.Error(), "both priority and secondary") {
		t.Fatalf("expected duplicate tier error, got %v", err)
	}
}

func TestValidateRejectsNegativeThreshold(t *testing.T) {
	yaml := `thresholds:
  drain_priority_sec: -5
nodes:
  priority: [pi5-01]
sensor:
  token: secret
dry_run: true
`
	_, err := decode(strings.NewReader(yaml), noEnv)
	if err == nil || !strings.Contains(err.Error(), "drain_priority_sec") {
		t.Fatalf("expected threshold error, got %v", err)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := decode(strings.NewReader("unknown_option: 1\n"), noEnv)
	if err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	env := envMap(map[string]string{
		"HA_TOKEN":              "from-env",
		"POLL_INTERVAL":         "5",
		"PRIORITY_NODES":        "pi5-01, ",
		"SECONDARY_NODES":       "pi4-01,pi5-02",
		"CRITICAL_NODE":         "pi4-02",
		"SHUTDOWN_PI5_01_DELAY": "90",
		"DRY_RUN":               "true",
		"TEST_MODE":             "SIMULATE_OUTAGE",
	})

	cfg, err := decode(strings.NewReader(""), env)
	if err != nil {
		t.Fatalf("decode returned error: %v", err)
	}
	if cfg.Sensor.Token != "from-env" {
		t.Fatalf("expected token from env, got %q", cfg.Sensor.Token)
	}
	if cfg.PollIntervalSec != 5 {
		t.Fatalf("expected poll interval 5, got %d", cfg.PollIntervalSec)
	}
	if len(cfg.Nodes.Priority) != 1 || cfg.Nodes.Priority[0] != "pi5-01" {
		t.Fatalf("unexpected priority nodes: %v", cfg.Nodes.Priority)
	}
	if len(cfg.Nodes.Secondary) != 2 {
		t.Fatalf("unexpected secondary nodes: %v", cfg.Nodes.Secondary)
	}
	if got := Seconds(cfg.Thresholds.ShutdownPrioritySec); got != 90*time.Second {
		t.Fatalf("expected priority shutdown 90s, got %s", got)
	}
	if !cfg.DryRun {
		t.Fatal("expected dry run from env")
	}
	if !cfg.SimulateOutage() {
		t.Fatalf("expected simulate outage mode, got %q", cfg.TestMode)
	}
}

func TestEnvironmentOverrideRejectsBadBoolean(t *testing.T) {
	env := envMap(map[string]string{"DRY_RUN": "maybe"})
	_, err := decode(strings.NewReader(""), env)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}
