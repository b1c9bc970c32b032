// Package server exposes the pipeline over HTTP for IDE integrations:
// direct sandbox verification, single-attempt interception, the full
// orchestrated loop, and manifest retrieval.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"dhi/internal/attestation"
	"dhi/internal/config"
	"dhi/internal/govern"
	"dhi/internal/intercept"
	"dhi/internal/logging"
	"dhi/internal/orchestrator"
	"dhi/internal/sandbox"
	"dhi/internal/types"
)

// drainTimeout bounds how long in-flight requests may run during shutdown.
const drainTimeout = 30 * time.Second

// Orchestrator runs the full retry loop. Satisfied by orchestrator.Service.
type Orchestrator interface {
	Run(ctx context.Context, req orchestrator.Request) (*types.OrchestrationResult, error)
}

// PipelineFactory builds per-request pipeline components when the request
// carries LLM gateway overrides. A returned error is treated as a request
// validation failure (422).
type PipelineFactory func(overrides config.LLMOverrides) (orchestrator.Attempter, Orchestrator, error)

// Server is the HTTP surface. All state lives in the injected components;
// the server itself only routes and translates errors to status codes.
type Server struct {
	verifier     intercept.Verifier
	interceptor  orchestrator.Attempter
	orchestrator Orchestrator
	manifests    *attestation.Store
	factory      PipelineFactory

	httpServer *http.Server
}

// New wires the HTTP surface. Any component may be nil; its endpoints then
// answer 503.
func New(addr string, verifier intercept.Verifier, interceptor orchestrator.Attempter, orch Orchestrator, manifests *attestation.Store) *Server {
	s := &Server{
		verifier:     verifier,
		interceptor:  interceptor,
		orchestrator: orch,
		manifests:    manifests,
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetPipelineFactory enables per-request LLM overrides on /intercept and
// /orchestrate. Without a factory, requests carrying overrides are rejected.
func (s *Server) SetPipelineFactory(f PipelineFactory) { s.factory = f }

// Routes builds the router. Exposed separately so tests can drive the
// handlers without binding a socket.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/verify", s.handleVerify)
	r.Post("/intercept", s.handleIntercept)
	r.Post("/orchestrate", s.handleOrchestrate)
	r.Get("/manifest/{request_id}", s.handleManifest)
	return r
}

// ListenAndServe blocks until the context is cancelled, then drains.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Server("listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	logging.Server("draining connections")
	return s.httpServer.Shutdown(shutdownCtx)
}

// verifyRequest is the direct sandbox endpoint payload: pre-extracted code,
// no LLM involved.
type verifyRequest struct {
	RequestID string            `json:"request_id"`
	Mode      types.Mode        `json:"mode"`
	Code      string            `json:"code"`
	Files     map[string]string `json:"files,omitempty"`
}

// interceptRequest runs one governed generation attempt. The embedded
// overrides route this request to a different provider or model without
// touching resource limits.
type interceptRequest struct {
	RequestID string     `json:"request_id"`
	Attempt   int        `json:"attempt,omitempty"`
	Mode      types.Mode `json:"mode"`
	Files     []string   `json:"files,omitempty"`
	Content   string     `json:"content"`

	config.LLMOverrides
}

// orchestrateRequest runs the full circuit breaker loop.
type orchestrateRequest struct {
	RequestID string     `json:"request_id"`
	Mode      types.Mode `json:"mode"`
	Files     []string   `json:"files,omitempty"`
	Content   string     `json:"content"`

	config.LLMOverrides
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "dhi",
		"version": types.SchemaVersion,
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil {
		writeError(w, http.StatusServiceUnavailable, "sandbox unavailable")
		return
	}
	var req verifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RequestID == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "request_id and code are required")
		return
	}
	mode, ok := resolveMode(w, req.Mode)
	if !ok {
		return
	}

	result, err := s.verifier.Run(r.Context(), sandbox.Request{
		RequestID:   req.RequestID,
		CandidateID: req.RequestID,
		Attempt:     1,
		Mode:        mode,
		Code:        req.Code,
		Files:       req.Files,
	})
	if err != nil {
		writePipelineError(w, err)
		return
	}

	resp := verifyResponse{Result: result}
	if s.manifests != nil {
		if manifest, err := attestation.Build(result, attestation.Outcome{}); err == nil {
			if _, err := s.manifests.Put(manifest); err == nil {
				resp.ManifestRef = "/manifest/" + result.RequestID
			} else {
				logging.Get(logging.CategoryAttestation).Warn("verify manifest store failed req=%s: %v", result.RequestID, err)
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// verifyResponse pairs a sandbox result with the manifest it produced.
type verifyResponse struct {
	Result      *types.VerificationResult `json:"result"`
	ManifestRef string                    `json:"manifest_ref,omitempty"`
}

// pipelineFor resolves the interceptor and orchestrator serving a request,
// building override-specific ones when the body carries gateway overrides.
func (s *Server) pipelineFor(w http.ResponseWriter, o config.LLMOverrides) (orchestrator.Attempter, Orchestrator, bool) {
	if o.Empty() {
		return s.interceptor, s.orchestrator, true
	}
	if s.factory == nil {
		writeError(w, http.StatusUnprocessableEntity, "per-request llm overrides are not enabled")
		return nil, nil, false
	}
	interceptor, orch, err := s.factory(o)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return nil, nil, false
	}
	return interceptor, orch, true
}

func (s *Server) handleIntercept(w http.ResponseWriter, r *http.Request) {
	var req interceptRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RequestID == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "request_id and content are required")
		return
	}
	mode, ok := resolveMode(w, req.Mode)
	if !ok {
		return
	}
	interceptor, _, ok := s.pipelineFor(w, req.LLMOverrides)
	if !ok {
		return
	}
	if interceptor == nil {
		writeError(w, http.StatusServiceUnavailable, "interceptor unavailable")
		return
	}
	attempt := req.Attempt
	if attempt == 0 {
		attempt = 1
	}
	if attempt < 1 || attempt > types.MaxAttempts {
		writeError(w, http.StatusUnprocessableEntity, "attempt outside valid range")
		return
	}

	resp, err := interceptor.ProcessRequest(r.Context(), govern.ContextPayload{
		RequestID: req.RequestID,
		Attempt:   attempt,
		Files:     req.Files,
		Content:   req.Content,
	}, mode)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	var req orchestrateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RequestID == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "request_id and content are required")
		return
	}
	mode, ok := resolveMode(w, req.Mode)
	if !ok {
		return
	}
	_, orch, ok := s.pipelineFor(w, req.LLMOverrides)
	if !ok {
		return
	}
	if orch == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator unavailable")
		return
	}

	result, err := orch.Run(r.Context(), orchestrator.Request{
		RequestID: req.RequestID,
		Content:   req.Content,
		Files:     req.Files,
		Mode:      mode,
	})
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	if s.manifests == nil {
		writeError(w, http.StatusServiceUnavailable, "manifest store unavailable")
		return
	}
	requestID := chi.URLParam(r, "request_id")
	manifest, err := s.manifests.Get(requestID)
	if err != nil {
		writeManifestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}
