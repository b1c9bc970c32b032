package sandbox

import "dhi/internal/types"

// Container mount points. Candidate source is read-only; the tmpfs scratch
// is the only writable path inside the container.
const (
	SourcePath  = "/source"
	ScratchPath = "/tmp/dhi-scratch"

	// CandidateFile is the filename the candidate code is staged under.
	CandidateFile = "candidate.py"
)

// PlannedCommand is one step of a verification plan. Argv paths are
// container-relative.
type PlannedCommand struct {
	Name       string
	Kind       types.CheckKind
	AIAuthored bool
	Argv       []string
}

// Request describes one sandbox verification run.
type Request struct {
	RequestID   string
	CandidateID string
	Attempt     int
	Mode        types.Mode

	// Code is the candidate source staged as /source/candidate.py.
	Code string

	// Files are additional files staged read-only under /source, keyed by
	// relative path. Used for test fixtures and multi-file candidates.
	Files map[string]string

	// Plan is the ordered command list. Empty means DefaultPlan.
	Plan []PlannedCommand
}

// DefaultPlan is the minimal verification plan for a bare candidate: a parse
// gate first, then a run. The parse step fails fast on syntax errors without
// executing candidate logic, and its failure classifies as syntax, which is
// retryable.
func DefaultPlan() []PlannedCommand {
	return []PlannedCommand{
		{
			Name: "parse",
			Kind: types.CheckParse,
			Argv: []string{"python", "-m", "py_compile", SourcePath + "/" + CandidateFile},
		},
		{
			Name: "run",
			Kind: types.CheckRun,
			Argv: []string{"python", SourcePath + "/" + CandidateFile},
		},
	}
}

// planFor returns the request's plan, or the default one.
func planFor(req Request) []PlannedCommand {
	if len(req.Plan) > 0 {
		return req.Plan
	}
	return DefaultPlan()
}
