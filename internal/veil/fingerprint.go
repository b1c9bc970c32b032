// Package veil guards what the system is allowed to learn from. The
// environment fingerprint pins a run to a reproducible setup, the
// determinism gate filters noise out of behavioral memory, and the ledger
// records telemetry for every run regardless.
package veil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// Fingerprint is a deterministic snapshot of the environment that produced
// a run. Only hashes of environment facts are carried; env var values never
// appear, only their sorted names.
type Fingerprint struct {
	RuntimeImageDigest string `json:"runtime_image_digest"`
	RuntimeVersion     string `json:"runtime_version"`
	LockfileHash       string `json:"lockfile_hash"`
	CommandSetHash     string `json:"command_set_hash"`
	EnvVarNamesHash    string `json:"env_var_names_hash"`
}

// GenerateOptions names the inputs of a fingerprint.
type GenerateOptions struct {
	// SandboxImageFile is hashed as a proxy for the runtime image digest.
	SandboxImageFile string

	// LockfilePath is the dependency lockfile.
	LockfilePath string

	// Commands is the verification plan, rendered argv per line.
	Commands []string

	// EnvVarNames overrides the ambient environment variable names.
	// Nil means the process environment.
	EnvVarNames []string
}

// Generate computes the fingerprint of the current environment.
func Generate(opts GenerateOptions) Fingerprint {
	envNames := opts.EnvVarNames
	if envNames == nil {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i > 0 {
				envNames = append(envNames, kv[:i])
			}
		}
	}
	sorted := make([]string, len(envNames))
	copy(sorted, envNames)
	sort.Strings(sorted)

	return Fingerprint{
		RuntimeImageDigest: sha256File(opts.SandboxImageFile),
		RuntimeVersion:     runtime.Version(),
		LockfileHash:       sha256File(opts.LockfilePath),
		CommandSetHash:     CommandSetHash(opts.Commands),
		EnvVarNamesHash:    sha256String(strings.Join(sorted, "\n")),
	}
}

// CommandSetHash hashes a rendered command plan, one argv per line.
func CommandSetHash(commands []string) string {
	return sha256String(strings.Join(commands, "\n"))
}

// EnvironmentEqual reports whether two fingerprints describe the same
// environment. The command set is compared separately by the gate, so it
// does not participate here.
func (f Fingerprint) EnvironmentEqual(other Fingerprint) bool {
	return f.RuntimeImageDigest == other.RuntimeImageDigest &&
		f.RuntimeVersion == other.RuntimeVersion &&
		f.LockfileHash == other.LockfileHash &&
		f.EnvVarNamesHash == other.EnvVarNamesHash
}

// Hash returns a single digest over all fingerprint fields, used as the
// manifest's fingerprint reference.
func (f Fingerprint) Hash() string {
	return sha256String(strings.Join([]string{
		f.RuntimeImageDigest,
		f.RuntimeVersion,
		f.LockfileHash,
		f.CommandSetHash,
		f.EnvVarNamesHash,
	}, "\n"))
}

// LoadBaseline reads a persisted baseline fingerprint.
func LoadBaseline(path string) (Fingerprint, error) {
	var fp Fingerprint
	data, err := os.ReadFile(path)
	if err != nil {
		return fp, fmt.Errorf("failed to read baseline fingerprint: %w", err)
	}
	if err := json.Unmarshal(data, &fp); err != nil {
		return fp, fmt.Errorf("failed to parse baseline fingerprint: %w", err)
	}
	return fp, nil
}

// SaveBaseline persists the fingerprint as the project baseline.
func SaveBaseline(path string, fp Fingerprint) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create baseline dir: %w", err)
	}
	data, err := json.MarshalIndent(fp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal baseline fingerprint: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write baseline fingerprint: %w", err)
	}
	return nil
}

// sha256File hashes a file's contents, returning "" when the file is
// missing. Absence is itself part of the fingerprint.
func sha256File(path string) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sha256String(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
