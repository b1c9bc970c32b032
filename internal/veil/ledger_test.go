package veil

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"dhi/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := OpenLedger(filepath.Join(t.TempDir(), "veil.db"))
	require.NoError(t, err)
	return l
}

func TestLedgerTelemetryAlwaysWritten(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := openTestLedger(t)
	defer l.Close()

	fp := testFingerprint()
	ctx := context.Background()

	// A gate rejection still produces telemetry.
	rejected := Decision{Passed: false, Reason: "noise:flake"}
	require.NoError(t, l.Write(ctx, rejected, orchestration(types.FinalFail, 0, types.FailureFlake), fp))

	telemetry, err := l.ReadTelemetry(ctx)
	require.NoError(t, err)
	require.Len(t, telemetry, 1)
	assert.Equal(t, "req-gate", telemetry[0].RequestID)
	assert.Equal(t, types.FinalFail, telemetry[0].Outcome)
	assert.Equal(t, types.FailureFlake, telemetry[0].FailureClass)
	assert.NotEmpty(t, telemetry[0].ID)

	behavioral, err := l.ReadBehavioral(ctx)
	require.NoError(t, err)
	assert.Empty(t, behavioral)
}

func TestLedgerBehavioralOnGatePass(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := openTestLedger(t)
	defer l.Close()

	fp := testFingerprint()
	ctx := context.Background()

	admitted := Decision{Passed: true, Reason: "reproducible_pass", Reproducible: true}
	require.NoError(t, l.Write(ctx, admitted, orchestration(types.FinalPass, 1, types.FailureNone), fp))

	behavioral, err := l.ReadBehavioral(ctx)
	require.NoError(t, err)
	require.Len(t, behavioral, 1)
	assert.Equal(t, "reproducible_pass", behavioral[0].GateReason)
	assert.True(t, behavioral[0].Reproducible)
	assert.Equal(t, fp, behavioral[0].Fingerprint)

	// Telemetry was written alongside.
	telemetry, err := l.ReadTelemetry(ctx)
	require.NoError(t, err)
	assert.Len(t, telemetry, 1)
}

func TestLedgerSumsAttemptDurations(t *testing.T) {
	l := openTestLedger(t)
	defer l.Close()

	result := orchestration(types.FinalPass, 1, types.FailureNone)
	result.Attempts = append([]types.AttemptRecord{
		{
			Attempt:           1,
			ExtractionSuccess: true,
			VerificationResult: &types.VerificationResult{
				RequestID: "req-gate", Attempt: 1,
				Status: types.StatusFail, FailureClass: types.FailureSyntax,
				DurationMs: 400,
			},
		},
	}, result.Attempts...)
	result.Attempts[1].VerificationResult.DurationMs = 600

	ctx := context.Background()
	require.NoError(t, l.Write(ctx, Decision{Passed: true, Reason: "reproducible_pass"}, result, testFingerprint()))

	telemetry, err := l.ReadTelemetry(ctx)
	require.NoError(t, err)
	require.Len(t, telemetry, 1)
	assert.Equal(t, int64(1000), telemetry[0].DurationMs)
}

func TestLedgerConcurrentWrites(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := openTestLedger(t)
	defer l.Close()

	fp := testFingerprint()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Write(ctx, Decision{Passed: true, Reason: "deterministic_pass"},
				orchestration(types.FinalPass, 0, types.FailureNone), fp)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	telemetry, err := l.ReadTelemetry(ctx)
	require.NoError(t, err)
	assert.Len(t, telemetry, 16)

	behavioral, err := l.ReadBehavioral(ctx)
	require.NoError(t, err)
	assert.Len(t, behavioral, 16)
}

func TestLedgerWriteAfterClose(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.Close())

	err := l.Write(context.Background(), Decision{}, orchestration(types.FinalFail, 0, types.FailureFlake), testFingerprint())
	assert.ErrorIs(t, err, ErrLedgerClosed)

	// Double close is a no-op.
	assert.NoError(t, l.Close())
}
