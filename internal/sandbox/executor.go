// Package sandbox executes untrusted candidate code inside a hardened
// container and classifies the outcome. The executor always produces a
// populated VerificationResult; infrastructure refusals (capacity, caller
// cancellation) are the only error returns.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"dhi/internal/attestation"
	"dhi/internal/config"
	"dhi/internal/logging"
	"dhi/internal/types"

	"golang.org/x/sync/semaphore"
)

// ErrSandboxBusy is returned when no sandbox slot frees up within the
// configured queue wait. Callers surface it as backpressure, not as a
// candidate failure.
var ErrSandboxBusy = errors.New("sandbox capacity exhausted")

// ErrSandboxUnavailable is returned when no container runtime is usable on
// the host. An infrastructure outage, never attributed to the candidate.
var ErrSandboxUnavailable = errors.New("container runtime unavailable")

// runFunc executes one planned command. The executor defaults to the docker
// implementation; tests substitute scripted outcomes.
type runFunc func(ctx context.Context, profile config.Profile, srcDir string, pc PlannedCommand, timeout time.Duration) (types.CommandLog, bool, bool, error)

// Executor runs verification plans in isolated containers. Balanced and
// fast modes use rootless containers; strict mode requires a microVM
// runtime and fails closed when none is installed.
type Executor struct {
	cfg        config.SandboxConfig
	dockerPath string
	available  bool

	// strictRuntime is the detected microVM-class runtime name (runsc or
	// kata), empty when the host has none.
	strictRuntime string

	// sem caps concurrent sandboxes process-wide.
	sem *semaphore.Weighted

	runCmd runFunc
}

// NewExecutor creates an executor and probes the host for container and
// microVM runtimes.
func NewExecutor(cfg config.SandboxConfig) *Executor {
	e := &Executor{
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
	e.runCmd = e.dockerRun
	e.detectRuntimes()
	return e
}

// detectRuntimes locates the docker binary, verifies the daemon responds,
// and checks for a microVM-class runtime for strict mode.
func (e *Executor) detectRuntimes() {
	dockerPath, err := exec.LookPath("docker")
	if err != nil {
		e.available = false
		return
	}
	e.dockerPath = dockerPath

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, dockerPath, "version", "--format", "{{.Server.Version}}")
	if err := cmd.Run(); err != nil {
		e.available = false
		return
	}
	e.available = true

	// Strict mode needs a hardware-isolation runtime registered with the
	// daemon. Accept gVisor or Kata.
	out, err := exec.CommandContext(ctx, dockerPath, "info", "--format", "{{json .Runtimes}}").Output()
	if err == nil {
		runtimes := string(out)
		for _, candidate := range []string{"runsc", "kata-runtime", "kata"} {
			if strings.Contains(runtimes, `"`+candidate+`"`) {
				e.strictRuntime = candidate
				break
			}
		}
	}

	logging.Sandbox("runtime detection: docker=%v strict_runtime=%q", e.available, e.strictRuntime)
}

// IsAvailable reports whether the container runtime is usable.
func (e *Executor) IsAvailable() bool { return e.available }

// StrictAvailable reports whether strict (microVM) mode can run on this host.
func (e *Executor) StrictAvailable() bool { return e.strictRuntime != "" }

// policySnapshot records the limits applied to the run for the audit trail.
func (e *Executor) policySnapshot(mode types.Mode, p config.Profile) types.RuntimePolicy {
	return types.RuntimePolicy{
		Mode:            mode,
		Image:           e.cfg.Image,
		Network:         "none",
		SourceMount:     SourcePath + ":ro",
		ScratchMount:    ScratchPath,
		CommandTimeoutS: p.CommandTimeoutS,
		TotalBudgetS:    p.TotalBudgetS,
		CPUQuota:        p.CPUQuota,
		MemoryMB:        p.MemoryMB,
		PidsLimit:       p.PidsLimit,
		OutputCapBytes:  p.OutputCapBytes,
		ScratchCapBytes: p.ScratchCapBytes,
	}
}

// failureResult builds a fully populated fail result for pre-execution
// faults. The contract requires every field present even when nothing ran.
func failureResult(req Request, policy types.RuntimePolicy, start time.Time, stderr string, class types.FailureClass, event types.ViolationEvent) *types.VerificationResult {
	return &types.VerificationResult{
		RequestID:     req.RequestID,
		CandidateID:   req.CandidateID,
		Attempt:       req.Attempt,
		SchemaVersion: types.SchemaVersion,
		Mode:          policy.Mode,
		Status:        types.StatusFail,
		Tier:          types.TierNone,
		FailureClass:  class,
		TerminalEvent: event,
		ExitCode:      -1,
		DurationMs:    time.Since(start).Milliseconds(),
		Stderr:        stderr,
		Commands:      []types.CommandLog{},
		SkippedChecks: []types.SkippedCheck{},
		Artifacts:     []string{},
		Policy:        policy,
	}
}

// Run executes the request's verification plan. Commands run sequentially
// until the first failure or budget exhaustion; unexecuted commands are
// recorded as skipped. The returned result is always complete.
//
// Error returns are limited to backpressure (ErrSandboxBusy) and caller
// cancellation; everything the candidate did wrong lives in the result.
func (e *Executor) Run(ctx context.Context, req Request) (*types.VerificationResult, error) {
	mode := req.Mode
	if !mode.Valid() {
		mode = types.ModeBalanced
	}
	profile := e.cfg.ProfileFor(mode)
	policy := e.policySnapshot(mode, profile)
	start := time.Now()

	// A missing container runtime is an infrastructure outage, reported as
	// an error rather than pinned on the candidate.
	if !e.available {
		logging.Sandbox("req=%s rejected: container runtime unavailable", req.RequestID)
		return nil, ErrSandboxUnavailable
	}

	// Strict is a floor, never a ceiling: without a microVM runtime the
	// request fails instead of silently downgrading to a container.
	if mode == types.ModeStrict && e.strictRuntime == "" {
		logging.Sandbox("req=%s strict mode requested but no microVM runtime installed", req.RequestID)
		return failureResult(req, policy, start,
			"strict mode requires a microVM runtime (runsc or kata); none is installed",
			types.FailurePolicy, types.StrictModeUnavailable), nil
	}

	// Bounded wait for a sandbox slot.
	acquireCtx, cancelAcquire := context.WithTimeout(ctx, e.cfg.QueueWait())
	err := e.sem.Acquire(acquireCtx, 1)
	cancelAcquire()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrSandboxBusy
	}
	defer e.sem.Release(1)

	srcDir, err := e.stageSource(req)
	if err != nil {
		return failureResult(req, policy, start,
			fmt.Sprintf("failed to stage candidate source: %v", err),
			types.FailureDeterministic, ""), nil
	}
	defer os.RemoveAll(srcDir)

	timer := logging.StartTimer(logging.CategorySandbox, fmt.Sprintf("verify req=%s attempt=%d", req.RequestID, req.Attempt))
	defer timer.StopWithThreshold(profile.TotalBudget())

	deadline := start.Add(profile.TotalBudget())
	plan := planFor(req)

	var (
		commands []types.CommandLog
		skipped  []types.SkippedCheck
		event    types.ViolationEvent
		class    = types.FailureNone
	)

	for _, pc := range plan {
		if class != types.FailureNone {
			skipped = append(skipped, types.SkippedCheck{Name: pc.Name, Reason: "earlier failure"})
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			skipped = append(skipped, types.SkippedCheck{Name: pc.Name, Reason: "budget exhausted"})
			event, class = types.TimeoutViolation, types.FailureTimeout
			continue
		}

		log, timedOut, capped, runErr := e.runCmd(ctx, profile, srcDir, pc, minDuration(profile.CommandTimeout(), remaining))
		if runErr != nil {
			// Caller cancellation, not a candidate fault.
			return nil, runErr
		}
		commands = append(commands, log)

		ev, cls := Classify(log.ExitCode, log.Stdout, log.Stderr, timedOut, capped)
		if cls == types.FailureNone {
			continue
		}

		// A failing test command gets re-run inside the remaining budget to
		// separate flakes from consistent failures. Any diverging outcome
		// means the failure is non-deterministic.
		if pc.Kind.IsTest() && cls == types.FailureDeterministic {
			if flaky := e.probeFlake(ctx, profile, srcDir, pc, deadline, &commands); flaky {
				ev, cls = "", types.FailureFlake
			}
		}

		event, class = ev, cls
		logging.Sandbox("req=%s attempt=%d command %q failed: class=%s event=%s exit=%d",
			req.RequestID, req.Attempt, pc.Name, cls, ev, log.ExitCode)
	}

	elapsed := time.Since(start)
	if elapsed > profile.TotalBudget() && class == types.FailureNone {
		event, class = types.TimeoutViolation, types.FailureTimeout
	}

	result := &types.VerificationResult{
		RequestID:     req.RequestID,
		CandidateID:   req.CandidateID,
		Attempt:       req.Attempt,
		SchemaVersion: types.SchemaVersion,
		Mode:          mode,
		Tier:          types.TierNone,
		FailureClass:  class,
		TerminalEvent: event,
		DurationMs:    elapsed.Milliseconds(),
		Commands:      commands,
		SkippedChecks: emptyIfNil(skipped),
		Artifacts:     []string{},
		Policy:        policy,
	}

	if len(commands) > 0 {
		last := commands[len(commands)-1]
		result.ExitCode = last.ExitCode
		result.Stdout = last.Stdout
		result.Stderr = last.Stderr
	}

	if class == types.FailureNone {
		result.Status = types.StatusPass
		result.Tier = attestation.TierFor(commands)
	} else {
		result.Status = types.StatusFail
	}

	return result, nil
}

// probeFlake re-runs a failing test command up to FlakeReruns times within
// the remaining budget. Returns true when any re-run passes. Re-run logs
// are appended to commands so the manifest shows the full evidence.
func (e *Executor) probeFlake(ctx context.Context, profile config.Profile, srcDir string, pc PlannedCommand, deadline time.Time, commands *[]types.CommandLog) bool {
	flaky := false
	for rerun := 1; rerun <= e.cfg.FlakeReruns; rerun++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		rerunCmd := pc
		rerunCmd.Name = fmt.Sprintf("%s (rerun %d)", pc.Name, rerun)
		log, timedOut, capped, err := e.runCmd(ctx, profile, srcDir, rerunCmd, minDuration(profile.CommandTimeout(), remaining))
		if err != nil {
			break
		}
		*commands = append(*commands, log)
		if timedOut || capped {
			break
		}
		if log.ExitCode == 0 {
			flaky = true
			break
		}
	}
	return flaky
}

// stageSource writes the candidate and any companion files into a temp
// directory that is bind-mounted read-only at /source.
func (e *Executor) stageSource(req Request) (string, error) {
	srcDir, err := os.MkdirTemp("", "dhi-src-")
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(filepath.Join(srcDir, CandidateFile), []byte(req.Code), 0644); err != nil {
		os.RemoveAll(srcDir)
		return "", err
	}

	for rel, content := range req.Files {
		clean := filepath.Clean(rel)
		if clean == ".." || strings.HasPrefix(clean, "../") || filepath.IsAbs(clean) {
			os.RemoveAll(srcDir)
			return "", fmt.Errorf("file path escapes source root: %s", rel)
		}
		dst := filepath.Join(srcDir, clean)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			os.RemoveAll(srcDir)
			return "", err
		}
		if err := os.WriteFile(dst, []byte(content), 0644); err != nil {
			os.RemoveAll(srcDir)
			return "", err
		}
	}

	return srcDir, nil
}

// dockerRun runs one planned command in a fresh container and captures its
// outcome. timedOut covers the per-command wall clock; capped means the
// output limit truncated stdout or stderr.
func (e *Executor) dockerRun(ctx context.Context, profile config.Profile, srcDir string, pc PlannedCommand, timeout time.Duration) (types.CommandLog, bool, bool, error) {
	args := e.buildDockerArgs(profile, srcDir, pc.Argv)

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, e.dockerPath, args...)

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: profile.OutputCapBytes}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: profile.OutputCapBytes}
	cmd.Stdout = stdoutLimited
	cmd.Stderr = stderrLimited

	started := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(started)

	log := types.CommandLog{
		Name:       pc.Name,
		Kind:       pc.Kind,
		AIAuthored: pc.AIAuthored,
		Argv:       pc.Argv,
		ExitCode:   0,
		DurationMs: elapsed.Milliseconds(),
		Stdout:     stdoutBuf.String(),
		Stderr:     stderrBuf.String(),
	}

	timedOut := false
	if runErr != nil {
		switch {
		case execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
			timedOut = true
			log.ExitCode = -1
		case ctx.Err() != nil:
			return log, false, false, ctx.Err()
		default:
			var exitErr *exec.ExitError
			if errors.As(runErr, &exitErr) {
				log.ExitCode = exitErr.ExitCode()
			} else {
				log.ExitCode = -1
				if log.Stderr == "" {
					log.Stderr = runErr.Error()
				}
			}
		}
	}

	capped := stdoutLimited.truncated || stderrLimited.truncated
	logging.SandboxDebug("command %q exit=%d duration=%v timed_out=%v capped=%v",
		pc.Name, log.ExitCode, elapsed, timedOut, capped)

	return log, timedOut, capped, nil
}

// buildDockerArgs constructs the docker run invocation enforcing the
// isolation policy: no network, read-only rootfs and source, tmpfs scratch,
// dropped capabilities, and hard resource caps.
func (e *Executor) buildDockerArgs(profile config.Profile, srcDir string, argv []string) []string {
	args := []string{"run", "--rm",
		"--network", "none",
		"--read-only",
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--pids-limit", fmt.Sprintf("%d", profile.PidsLimit),
		"--memory", fmt.Sprintf("%dm", profile.MemoryMB),
		"--cpus", fmt.Sprintf("%d", profile.CPUQuota),
		"--tmpfs", fmt.Sprintf("%s:rw,noexec,nosuid,size=%d,mode=1777", ScratchPath, profile.ScratchCapBytes),
		"-v", fmt.Sprintf("%s:%s:ro", srcDir, SourcePath),
		"-w", SourcePath,
		"-e", "PYTHONDONTWRITEBYTECODE=1",
	}

	if e.strictRuntime != "" && profile == e.cfg.Strict {
		args = append(args, "--runtime", e.strictRuntime)
	}

	args = append(args, e.cfg.Image)
	args = append(args, argv...)
	return args
}

// limitedWriter caps output capture at max bytes. Writes past the cap are
// acknowledged but discarded so the child never blocks on a full pipe.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)

	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return n, err
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func emptyIfNil(s []types.SkippedCheck) []types.SkippedCheck {
	if s == nil {
		return []types.SkippedCheck{}
	}
	return s
}
