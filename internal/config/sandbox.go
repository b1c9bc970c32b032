package config

import (
	"fmt"
	"time"

	"dhi/internal/types"
)

// Profile holds the hard resource caps for one isolation profile. Caps are
// enforced by the container runtime; the executor only snapshots them for
// the audit record.
type Profile struct {
	CommandTimeoutS int   `yaml:"command_timeout_s"` // per-command wall clock
	TotalBudgetS    int   `yaml:"total_budget_s"`    // per-request verification budget
	CPUQuota        int   `yaml:"cpu_quota"`         // vCPUs
	MemoryMB        int   `yaml:"memory_mb"`
	PidsLimit       int   `yaml:"pids_limit"`
	OutputCapBytes  int64 `yaml:"output_cap_bytes"` // stdout+stderr cap
	ScratchCapBytes int64 `yaml:"scratch_cap_bytes"`
}

// CommandTimeout returns the per-command wall time as a duration.
func (p Profile) CommandTimeout() time.Duration {
	return time.Duration(p.CommandTimeoutS) * time.Second
}

// TotalBudget returns the per-request verification budget as a duration.
func (p Profile) TotalBudget() time.Duration {
	return time.Duration(p.TotalBudgetS) * time.Second
}

// SandboxConfig selects the sandbox backend and carries the per-mode
// isolation profiles.
type SandboxConfig struct {
	// Image is the container image candidates execute in.
	Image string `yaml:"image"`

	// Balanced is the rootless-container profile (fast mode shares it).
	Balanced Profile `yaml:"balanced"`

	// Strict is the microVM profile. Requesting strict on a host without
	// microVM support is a terminal fault, never a downgrade.
	Strict Profile `yaml:"strict"`

	// RequireStrict makes strict the mandatory floor: requests asking for
	// a weaker mode are rejected instead of being served.
	RequireStrict bool `yaml:"require_strict"`

	// MaxConcurrent caps live sandboxes process-wide.
	MaxConcurrent int `yaml:"max_concurrent"`

	// QueueWaitS bounds how long a request waits for a sandbox slot before
	// failing with a backpressure error.
	QueueWaitS int `yaml:"queue_wait_s"`

	// LoopbackFixtures permits loopback-only network fixtures. Policy-file
	// only; never settable per request.
	LoopbackFixtures bool `yaml:"loopback_fixtures"`

	// FlakeReruns is how many times a failing test command is re-run to
	// probe for non-determinism (the N-of-M flake oracle, N=FlakeReruns).
	FlakeReruns int `yaml:"flake_reruns"`
}

// DefaultSandboxConfig returns the runtime-spec default limits.
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		Image: "dhi-sandbox:latest",
		Balanced: Profile{
			CommandTimeoutS: 45,
			TotalBudgetS:    180,
			CPUQuota:        2,
			MemoryMB:        1024,
			PidsLimit:       256,
			OutputCapBytes:  10 * 1024 * 1024,
			ScratchCapBytes: 512 * 1024 * 1024,
		},
		Strict: Profile{
			CommandTimeoutS: 60,
			TotalBudgetS:    240,
			CPUQuota:        2,
			MemoryMB:        1536,
			PidsLimit:       128,
			OutputCapBytes:  10 * 1024 * 1024,
			ScratchCapBytes: 512 * 1024 * 1024,
		},
		MaxConcurrent: 4,
		QueueWaitS:    10,
		FlakeReruns:   1,
	}
}

// ProfileFor returns the resource profile for a verification mode.
// Fast mode runs under the balanced container profile.
func (s SandboxConfig) ProfileFor(mode types.Mode) Profile {
	if mode == types.ModeStrict {
		return s.Strict
	}
	return s.Balanced
}

// QueueWait returns the bounded sandbox-slot wait as a duration.
func (s SandboxConfig) QueueWait() time.Duration {
	return time.Duration(s.QueueWaitS) * time.Second
}

// Validate checks that sandbox limits are within acceptable ranges.
func (s SandboxConfig) Validate() error {
	for name, p := range map[string]Profile{"balanced": s.Balanced, "strict": s.Strict} {
		if p.CommandTimeoutS < 1 {
			return fmt.Errorf("sandbox %s command_timeout_s must be >= 1", name)
		}
		if p.TotalBudgetS < p.CommandTimeoutS {
			return fmt.Errorf("sandbox %s total_budget_s must be >= command_timeout_s", name)
		}
		if p.MemoryMB < 128 {
			return fmt.Errorf("sandbox %s memory_mb must be >= 128", name)
		}
		if p.PidsLimit < 1 {
			return fmt.Errorf("sandbox %s pids_limit must be >= 1", name)
		}
		if p.OutputCapBytes < 1024 {
			return fmt.Errorf("sandbox %s output_cap_bytes must be >= 1024", name)
		}
	}
	if s.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox max_concurrent must be >= 1")
	}
	if s.FlakeReruns < 0 {
		return fmt.Errorf("sandbox flake_reruns must be >= 0")
	}
	return nil
}
