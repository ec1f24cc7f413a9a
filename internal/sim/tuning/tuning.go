package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz int `yaml:"tick_rate_hz"`

	// Action retry/backoff (ticks, exponential).
	RetryMax         int `yaml:"retry_max"`
	BackoffBaseTicks int `yaml:"backoff_base_ticks"`
	BackoffMaxTicks  int `yaml:"backoff_max_ticks"`

	// Claim leases.
	LeaseGraceTicks int    `yaml:"lease_grace_ticks"`
	LeaseColdStart  string `yaml:"lease_cold_start"` // "expire" | "resume"

	// Zone coordination.
	HeartbeatStaleTicks int    `yaml:"heartbeat_stale_ticks"`
	RebalanceEveryTicks int    `yaml:"rebalance_every_ticks"`
	ZonePickPolicy      string `yaml:"zone_pick_policy"` // "largest" | "nearest"

	// Planner.
	ReviseMax int `yaml:"revise_max"`

	Sanitizer  Sanitizer  `yaml:"sanitizer"`
	RateLimits RateLimits `yaml:"rate_limits"`
}

type Sanitizer struct {
	MaxTextLen int `yaml:"max_text_len"`
}

type RateLimits struct {
	SubmitWindowTicks int `yaml:"submit_window_ticks"`
	SubmitMax         int `yaml:"submit_max"`
}

func Load(path string) (Tuning, error) {
	var t Tuning
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.ApplyDefaults()
	return t, nil
}

func Defaults() Tuning {
	var t Tuning
	t.ApplyDefaults()
	return t
}

func (t *Tuning) ApplyDefaults() {
	if t.ProtocolVersion == "" {
		t.ProtocolVersion = "1.0"
	}
	if t.TickRateHz <= 0 {
		t.TickRateHz = 5
	}
	if t.RetryMax <= 0 {
		t.RetryMax = 3
	}
	if t.BackoffBaseTicks <= 0 {
		t.BackoffBaseTicks = 2
	}
	if t.BackoffMaxTicks <= 0 {
		t.BackoffMaxTicks = 64
	}
	if t.LeaseGraceTicks <= 0 {
		t.LeaseGraceTicks = 10
	}
	switch t.LeaseColdStart {
	case "expire", "resume":
	default:
		t.LeaseColdStart = "expire"
	}
	if t.HeartbeatStaleTicks <= 0 {
		t.HeartbeatStaleTicks = 100
	}
	if t.RebalanceEveryTicks <= 0 {
		t.RebalanceEveryTicks = 50
	}
	switch t.ZonePickPolicy {
	case "largest", "nearest":
	default:
		t.ZonePickPolicy = "largest"
	}
	if t.ReviseMax <= 0 {
		t.ReviseMax = 2
	}
	if t.Sanitizer.MaxTextLen <= 0 {
		t.Sanitizer.MaxTextLen = 2000
	}
	if t.RateLimits.SubmitWindowTicks <= 0 {
		t.RateLimits.SubmitWindowTicks = 50
	}
	if t.RateLimits.SubmitMax <= 0 {
		t.RateLimits.SubmitMax = 5
	}
}
