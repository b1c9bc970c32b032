package attestation

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dhi/internal/logging"

	"github.com/zeebo/blake3"
)

var (
	// ErrManifestExists means a manifest for the request is already
	// persisted. The store is append-only; manifests are never rewritten.
	ErrManifestExists = errors.New("manifest already exists for request")

	// ErrManifestNotFound means no manifest is stored for the request.
	ErrManifestNotFound = errors.New("manifest not found")

	// ErrDigestMismatch means the stored manifest bytes no longer hash to
	// the recorded digest.
	ErrDigestMismatch = errors.New("manifest content digest mismatch")
)

// envelope wraps the persisted manifest with its content digest.
type envelope struct {
	Digest   string    `json:"digest"`
	Manifest *Manifest `json:"manifest"`
}

// Store persists attestation manifests as one JSON file per request under a
// directory. Files are written once and never modified; tamper detection
// comes from a BLAKE3 digest over the manifest bytes.
type Store struct {
	dir string
}

// NewStore opens (creating if needed) a manifest store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create manifest dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Digest computes the hex BLAKE3 digest of the manifest's canonical JSON.
func Digest(m *Manifest) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal manifest: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Put persists the manifest keyed by its request ID. A second Put for the
// same request fails with ErrManifestExists.
func (s *Store) Put(m *Manifest) (string, error) {
	if err := AssertComplete(m); err != nil {
		return "", err
	}

	digest, err := Digest(m)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(envelope{Digest: digest, Manifest: m}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal manifest envelope: %w", err)
	}

	path := s.pathFor(m.RequestID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return "", fmt.Errorf("%w: %s", ErrManifestExists, m.RequestID)
		}
		return "", fmt.Errorf("failed to create manifest file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}

	logging.Attestation("stored manifest req=%s tier=%s digest=%s", m.RequestID, m.Tier, digest[:12])
	return digest, nil
}

// Get loads the manifest for a request and verifies its digest.
func (s *Store) Get(requestID string) (*Manifest, error) {
	data, err := os.ReadFile(s.pathFor(requestID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, requestID)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if env.Manifest == nil {
		return nil, fmt.Errorf("%w: empty envelope for %s", ErrManifestNotFound, requestID)
	}

	digest, err := Digest(env.Manifest)
	if err != nil {
		return nil, err
	}
	if digest != env.Digest {
		logging.Get(logging.CategoryAttestation).Error("digest mismatch req=%s stored=%s computed=%s",
			requestID, env.Digest, digest)
		return nil, fmt.Errorf("%w: %s", ErrDigestMismatch, requestID)
	}

	return env.Manifest, nil
}

// List returns the request IDs of all stored manifests.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list manifest dir: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	return ids, nil
}

// pathFor sanitizes the request ID into a flat filename.
func (s *Store) pathFor(requestID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, requestID)
	return filepath.Join(s.dir, safe+".json")
}
