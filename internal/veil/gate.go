package veil

import (
	"fmt"

	"dhi/internal/logging"
	"dhi/internal/types"
)

// Decision is the gate's verdict on one orchestration outcome.
type Decision struct {
	Passed       bool   `json:"passed"`
	Reason       string `json:"reason"`
	Reproducible bool   `json:"reproducible"`
}

// Gate decides whether an orchestration outcome carries deterministic
// signal that behavioral memory may learn from. Rejections are permanent:
// a run that fails the gate is never reconsidered.
type Gate struct{}

// NewGate returns a determinism gate.
func NewGate() *Gate { return &Gate{} }

// Evaluate applies the admission rules in order:
//
//  1. The run's environment must match the baseline fingerprint.
//  2. The executed command set must match the baseline's attested plan.
//  3. Noise failure classes (flake, timeout, policy) never pass.
//
// A run is reproducible exactly when all three hold. Deterministic
// failures pass: a consistent failure is useful negative signal.
func (g *Gate) Evaluate(result *types.OrchestrationResult, fp, baseline Fingerprint) Decision {
	decision := g.evaluate(result, fp, baseline)
	logging.Veil("gate req=%s passed=%v reason=%s reproducible=%v",
		result.RequestID, decision.Passed, decision.Reason, decision.Reproducible)
	return decision
}

func (g *Gate) evaluate(result *types.OrchestrationResult, fp, baseline Fingerprint) Decision {
	if !fp.EnvironmentEqual(baseline) {
		return Decision{Reason: "fingerprint_mismatch"}
	}

	if fp.CommandSetHash != baseline.CommandSetHash {
		return Decision{Reason: "command_set_mismatch"}
	}

	if len(result.Attempts) == 0 {
		return Decision{Reason: "no_attempts"}
	}

	last := result.LastVerification()
	if last == nil {
		return Decision{Reason: "extraction_failed"}
	}

	if result.FinalStatus == types.FinalFail {
		class := last.FailureClass
		if class.Noise() {
			return Decision{Reason: fmt.Sprintf("noise:%s", class)}
		}
		return Decision{Passed: true, Reproducible: true, Reason: fmt.Sprintf("deterministic_fail_%s", class)}
	}

	if result.FinalStatus == types.FinalCancelled {
		return Decision{Reason: "cancelled"}
	}

	return Decision{Passed: true, Reproducible: true, Reason: "deterministic_pass"}
}
