package sandbox

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dhi/internal/config"
	"dhi/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"
)

// newTestExecutor builds an executor without probing the host for docker.
func newTestExecutor(cfg config.SandboxConfig) *Executor {
	return &Executor{
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
}

func TestBuildDockerArgs(t *testing.T) {
	cfg := config.DefaultSandboxConfig()
	e := newTestExecutor(cfg)
	e.dockerPath = "/usr/bin/docker"

	args := e.buildDockerArgs(cfg.Balanced, "/tmp/dhi-src-x", []string{"python", "/source/candidate.py"})
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "--network none")
	assert.Contains(t, joined, "--read-only")
	assert.Contains(t, joined, "--cap-drop ALL")
	assert.Contains(t, joined, "--security-opt no-new-privileges")
	assert.Contains(t, joined, "--pids-limit 256")
	assert.Contains(t, joined, "--memory 1024m")
	assert.Contains(t, joined, "--cpus 2")
	assert.Contains(t, joined, "/tmp/dhi-src-x:/source:ro")
	assert.Contains(t, joined, "noexec,nosuid")
	assert.Contains(t, joined, "dhi-sandbox:latest python /source/candidate.py")

	// No microVM runtime flag for the container profile.
	assert.NotContains(t, joined, "--runtime")
}

func TestBuildDockerArgsStrictRuntime(t *testing.T) {
	cfg := config.DefaultSandboxConfig()
	e := newTestExecutor(cfg)
	e.strictRuntime = "runsc"

	args := e.buildDockerArgs(cfg.Strict, "/tmp/src", []string{"python", "x.py"})
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--runtime runsc")

	// Balanced runs stay on the default runtime even when a microVM
	// runtime is installed.
	args = e.buildDockerArgs(cfg.Balanced, "/tmp/src", []string{"python", "x.py"})
	assert.NotContains(t, strings.Join(args, " "), "--runtime")
}

func TestStrictModeFailsClosed(t *testing.T) {
	e := newTestExecutor(config.DefaultSandboxConfig())
	e.available = true
	e.strictRuntime = ""

	res, err := e.Run(context.Background(), Request{
		RequestID:   "req-1",
		CandidateID: "cand-1",
		Attempt:     1,
		Mode:        types.ModeStrict,
		Code:        "print('hi')",
	})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, types.StatusFail, res.Status)
	assert.Equal(t, types.StrictModeUnavailable, res.TerminalEvent)
	assert.Equal(t, types.FailurePolicy, res.FailureClass)
	assert.Equal(t, types.TierNone, res.Tier)
	require.NoError(t, res.Validate())
}

func TestRuntimeUnavailable(t *testing.T) {
	// A missing container runtime is an infrastructure outage, not a
	// candidate failure and not a strict-mode fault.
	e := newTestExecutor(config.DefaultSandboxConfig())
	e.available = false

	_, err := e.Run(context.Background(), Request{
		RequestID: "req-2", CandidateID: "c", Attempt: 1,
		Mode: types.ModeBalanced, Code: "print(1)",
	})
	assert.ErrorIs(t, err, ErrSandboxUnavailable)
}

// scriptedRunner replays exit codes in call order without touching docker.
func scriptedRunner(exits []int, stderr string, calls *int) runFunc {
	return func(_ context.Context, _ config.Profile, _ string, pc PlannedCommand, _ time.Duration) (types.CommandLog, bool, bool, error) {
		if *calls >= len(exits) {
			panic("runner called more times than scripted")
		}
		exit := exits[*calls]
		*calls++
		log := types.CommandLog{
			Name: pc.Name, Kind: pc.Kind, AIAuthored: pc.AIAuthored,
			Argv: pc.Argv, ExitCode: exit,
		}
		if exit != 0 {
			log.Stderr = stderr
		}
		return log, false, false, nil
	}
}

func TestRunPassesWithScriptedRunner(t *testing.T) {
	e := newTestExecutor(config.DefaultSandboxConfig())
	e.available = true
	var calls int
	e.runCmd = scriptedRunner([]int{0, 0}, "", &calls)

	res, err := e.Run(context.Background(), Request{
		RequestID: "req-ok", CandidateID: "c", Attempt: 1,
		Mode: types.ModeBalanced, Code: "print(1)",
	})
	require.NoError(t, err)
	require.NoError(t, res.Validate())

	assert.Equal(t, types.StatusPass, res.Status)
	assert.Equal(t, types.TierL0, res.Tier)
	assert.Len(t, res.Commands, 2)
	assert.Equal(t, 2, calls)
}

func TestFlakeProbeDivergenceClassifiesFlake(t *testing.T) {
	// A failing test that passes on re-run is non-deterministic evidence:
	// class flake, no violation event, both runs logged.
	e := newTestExecutor(config.DefaultSandboxConfig())
	e.available = true
	var calls int
	e.runCmd = scriptedRunner([]int{1, 0}, "AssertionError: boom", &calls)

	res, err := e.Run(context.Background(), Request{
		RequestID: "req-flake", CandidateID: "c", Attempt: 1,
		Mode: types.ModeBalanced, Code: "print(1)",
		Plan: []PlannedCommand{{Name: "unit", Kind: types.CheckUnitTest, Argv: []string{"python", "-m", "pytest"}}},
	})
	require.NoError(t, err)

	assert.Equal(t, types.StatusFail, res.Status)
	assert.Equal(t, types.FailureFlake, res.FailureClass)
	assert.Empty(t, res.TerminalEvent)
	require.Len(t, res.Commands, 2)
	assert.Contains(t, res.Commands[1].Name, "rerun")
}

func TestFlakeProbeConsistentFailureStaysDeterministic(t *testing.T) {
	e := newTestExecutor(config.DefaultSandboxConfig())
	e.available = true
	var calls int
	e.runCmd = scriptedRunner([]int{1, 1}, "AssertionError: boom", &calls)

	res, err := e.Run(context.Background(), Request{
		RequestID: "req-det", CandidateID: "c", Attempt: 1,
		Mode: types.ModeBalanced, Code: "print(1)",
		Plan: []PlannedCommand{{Name: "unit", Kind: types.CheckUnitTest, Argv: []string{"python", "-m", "pytest"}}},
	})
	require.NoError(t, err)

	assert.Equal(t, types.FailureDeterministic, res.FailureClass)
	assert.Len(t, res.Commands, 2)
	assert.Equal(t, 2, calls)
}

func TestBudgetExhaustionSkipsPlan(t *testing.T) {
	// With the verification budget already spent, every command is skipped
	// and the run terminates as a timeout violation.
	cfg := config.DefaultSandboxConfig()
	cfg.Balanced.TotalBudgetS = 0
	e := newTestExecutor(cfg)
	e.available = true
	var calls int
	e.runCmd = scriptedRunner(nil, "", &calls)

	res, err := e.Run(context.Background(), Request{
		RequestID: "req-budget", CandidateID: "c", Attempt: 1,
		Mode: types.ModeBalanced, Code: "print(1)",
	})
	require.NoError(t, err)
	require.NoError(t, res.Validate())

	assert.Equal(t, types.StatusFail, res.Status)
	assert.Equal(t, types.FailureTimeout, res.FailureClass)
	assert.Equal(t, types.TimeoutViolation, res.TerminalEvent)
	assert.Empty(t, res.Commands)
	assert.Zero(t, calls)
	require.Len(t, res.SkippedChecks, 2)
	assert.Equal(t, "budget exhausted", res.SkippedChecks[0].Reason)
}

func TestSandboxBusy(t *testing.T) {
	cfg := config.DefaultSandboxConfig()
	cfg.MaxConcurrent = 1
	cfg.QueueWaitS = 0 // expires immediately once the slot is held
	e := newTestExecutor(cfg)
	e.available = true

	require.True(t, e.sem.TryAcquire(1))
	defer e.sem.Release(1)

	_, err := e.Run(context.Background(), Request{
		RequestID: "req-3", CandidateID: "c", Attempt: 1,
		Mode: types.ModeBalanced, Code: "print(1)",
	})
	assert.ErrorIs(t, err, ErrSandboxBusy)
}

func TestStageSource(t *testing.T) {
	e := newTestExecutor(config.DefaultSandboxConfig())

	dir, err := e.stageSource(Request{
		Code: "print('hello')",
		Files: map[string]string{
			"tests/test_candidate.py": "def test_ok(): pass",
		},
	})
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	data, err := os.ReadFile(filepath.Join(dir, CandidateFile))
	require.NoError(t, err)
	assert.Equal(t, "print('hello')", string(data))

	data, err = os.ReadFile(filepath.Join(dir, "tests", "test_candidate.py"))
	require.NoError(t, err)
	assert.Equal(t, "def test_ok(): pass", string(data))
}

func TestStageSourceRejectsEscape(t *testing.T) {
	e := newTestExecutor(config.DefaultSandboxConfig())

	_, err := e.stageSource(Request{
		Code:  "x",
		Files: map[string]string{"../outside.py": "evil"},
	})
	assert.Error(t, err)

	_, err = e.stageSource(Request{
		Code:  "x",
		Files: map[string]string{"/etc/passwd": "evil"},
	})
	assert.Error(t, err)
}

func TestDefaultPlan(t *testing.T) {
	plan := DefaultPlan()
	require.Len(t, plan, 2)

	// The parse gate runs before candidate logic.
	assert.Equal(t, types.CheckParse, plan[0].Kind)
	assert.Contains(t, plan[0].Argv, "py_compile")
	assert.Equal(t, types.CheckRun, plan[1].Kind)
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, max: 10}

	n, err := lw.Write([]byte("12345"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.False(t, lw.truncated)

	// Partial write past the cap: caller sees full length, buffer caps.
	n, err = lw.Write([]byte("6789012345"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.True(t, lw.truncated)
	assert.Equal(t, "1234567890", buf.String())

	// Fully discarded write.
	n, err = lw.Write([]byte("xxx"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(8), lw.discarded)
}

func TestPolicySnapshot(t *testing.T) {
	cfg := config.DefaultSandboxConfig()
	e := newTestExecutor(cfg)

	policy := e.policySnapshot(types.ModeBalanced, cfg.Balanced)
	assert.Equal(t, "none", policy.Network)
	assert.Equal(t, 45, policy.CommandTimeoutS)
	assert.Equal(t, 180, policy.TotalBudgetS)
	assert.Equal(t, int64(10*1024*1024), policy.OutputCapBytes)
	assert.Equal(t, SourcePath+":ro", policy.SourceMount)
}

func TestMinDuration(t *testing.T) {
	assert.Equal(t, time.Second, minDuration(time.Second, time.Minute))
	assert.Equal(t, time.Second, minDuration(time.Minute, time.Second))
}
