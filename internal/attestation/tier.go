// Package attestation turns verification evidence into auditable proof: the
// tier mapper grades what the sandbox actually ran, the manifest builder
// assembles the trust record, and the store persists manifests append-only.
package attestation

import "dhi/internal/types"

// TierFor derives the evidence tier from the executed command log. The
// mapping reads command kinds and authorship flags only; command names and
// timing never participate, so the same log always grades the same.
//
// AI-authored tests never confer L1 or L2: only pre-existing user-authored
// commands count toward those claims, and a run whose sole test evidence is
// AI-authored grades AI_TESTS_ONLY regardless of kind.
//
// Rules in priority order:
//
//	AI_TESTS_ONLY - tests ran but every one of them was AI-authored
//	L2            - a user-authored integration or e2e test passed
//	L1            - pre-existing user unit tests passed
//	L0            - parse / lint / type checks only, no tests ran
func TierFor(commands []types.CommandLog) types.Tier {
	var (
		testsRan        bool
		userTestsRan    bool
		userIntegration bool
	)

	for _, c := range commands {
		if !c.Kind.IsTest() || !c.Passed() {
			continue
		}
		testsRan = true
		if c.AIAuthored {
			continue
		}
		userTestsRan = true
		if c.Kind == types.CheckIntegration {
			userIntegration = true
		}
	}

	if !testsRan {
		return types.TierL0
	}
	if !userTestsRan {
		return types.TierAITestsOnly
	}
	if userIntegration {
		return types.TierL2
	}
	return types.TierL1
}
