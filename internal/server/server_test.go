package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"dhi/internal/attestation"
	"dhi/internal/config"
	"dhi/internal/govern"
	"dhi/internal/intercept"
	"dhi/internal/orchestrator"
	"dhi/internal/sandbox"
	"dhi/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubVerifier struct {
	result *types.VerificationResult
	err    error
	gotReq sandbox.Request
}

func (s *stubVerifier) Run(ctx context.Context, req sandbox.Request) (*types.VerificationResult, error) {
	s.gotReq = req
	if s.err != nil {
		return nil, s.err
	}
	res := *s.result
	res.RequestID = req.RequestID
	return &res, nil
}

type stubInterceptor struct {
	resp *intercept.Response
	err  error
}

func (s *stubInterceptor) ProcessRequest(ctx context.Context, payload govern.ContextPayload, mode types.Mode) (*intercept.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

type stubOrchestrator struct {
	result *types.OrchestrationResult
	err    error
	gotReq orchestrator.Request
}

func (s *stubOrchestrator) Run(ctx context.Context, req orchestrator.Request) (*types.OrchestrationResult, error) {
	s.gotReq = req
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func passingVerification() *types.VerificationResult {
	return &types.VerificationResult{
		RequestID:     "req-1",
		CandidateID:   "cand-1",
		Attempt:       1,
		SchemaVersion: types.SchemaVersion,
		Mode:          types.ModeBalanced,
		Status:        types.StatusPass,
		Tier:          types.TierL0,
		FailureClass:  types.FailureNone,
		Commands:      []types.CommandLog{},
		SkippedChecks: []types.SkippedCheck{},
		Artifacts:     []string{},
	}
}

func postJSON(t *testing.T, handler http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv := New(":0", nil, nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
	assert.Contains(t, rec.Body.String(), `"service":"dhi"`)
}

func TestVerifyEndpoint(t *testing.T) {
	verifier := &stubVerifier{result: passingVerification()}
	srv := New(":0", verifier, nil, nil, nil)

	rec := postJSON(t, srv.Routes(), "/verify", map[string]string{
		"request_id": "req-1",
		"code":       "print('ok')",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Result      *types.VerificationResult `json:"result"`
		ManifestRef string                    `json:"manifest_ref"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Result)
	assert.Equal(t, types.StatusPass, resp.Result.Status)

	// Empty mode defaults to balanced.
	assert.Equal(t, types.ModeBalanced, verifier.gotReq.Mode)
	assert.Equal(t, "print('ok')", verifier.gotReq.Code)
}

func TestVerifyStoresManifest(t *testing.T) {
	store, err := attestation.NewStore(t.TempDir())
	require.NoError(t, err)
	srv := New(":0", &stubVerifier{result: passingVerification()}, nil, nil, store)

	rec := postJSON(t, srv.Routes(), "/verify", map[string]string{
		"request_id": "req-manifested",
		"code":       "x=1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/manifest/req-manifested")

	manifest, err := store.Get("req-manifested")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPass, manifest.Status)
}

func TestVerifyRejectsUnknownMode(t *testing.T) {
	srv := New(":0", &stubVerifier{result: passingVerification()}, nil, nil, nil)

	rec := postJSON(t, srv.Routes(), "/verify", map[string]string{
		"request_id": "req-1",
		"code":       "x=1",
		"mode":       "paranoid",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown verification mode")
}

func TestVerifyRequiresFields(t *testing.T) {
	srv := New(":0", &stubVerifier{result: passingVerification()}, nil, nil, nil)

	rec := postJSON(t, srv.Routes(), "/verify", map[string]string{"request_id": "req-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyRejectsMalformedBody(t *testing.T) {
	srv := New(":0", &stubVerifier{result: passingVerification()}, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/verify", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyBusyMapsTo503(t *testing.T) {
	srv := New(":0", &stubVerifier{err: sandbox.ErrSandboxBusy}, nil, nil, nil)

	rec := postJSON(t, srv.Routes(), "/verify", map[string]string{
		"request_id": "req-1",
		"code":       "x=1",
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}

func TestVerifyRuntimeOutageMapsTo503(t *testing.T) {
	srv := New(":0", &stubVerifier{err: sandbox.ErrSandboxUnavailable}, nil, nil, nil)

	rec := postJSON(t, srv.Routes(), "/verify", map[string]string{
		"request_id": "req-1",
		"code":       "x=1",
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "container runtime unavailable")
}

func TestInterceptEndpoint(t *testing.T) {
	interceptor := &stubInterceptor{resp: &intercept.Response{
		RequestID:          "req-1",
		ExtractionSuccess:  true,
		VerificationResult: passingVerification(),
	}}
	srv := New(":0", nil, interceptor, nil, nil)

	rec := postJSON(t, srv.Routes(), "/intercept", map[string]string{
		"request_id": "req-1",
		"content":    "add two numbers",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp intercept.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.ExtractionSuccess)
}

func TestOrchestrateEndpoint(t *testing.T) {
	orch := &stubOrchestrator{result: &types.OrchestrationResult{
		RequestID:    "req-1",
		AttemptCount: 2,
		RetryCount:   1,
		FinalStatus:  types.FinalPass,
	}}
	srv := New(":0", nil, nil, orch, nil)

	rec := postJSON(t, srv.Routes(), "/orchestrate", map[string]interface{}{
		"request_id": "req-1",
		"content":    "add two numbers",
		"mode":       "strict",
		"files":      []string{"src/main.py"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result types.OrchestrationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, types.FinalPass, result.FinalStatus)
	assert.Equal(t, types.ModeStrict, orch.gotReq.Mode)
	assert.Equal(t, []string{"src/main.py"}, orch.gotReq.Files)
}

func TestOrchestrateUnavailable(t *testing.T) {
	srv := New(":0", nil, nil, nil, nil)
	rec := postJSON(t, srv.Routes(), "/orchestrate", map[string]string{
		"request_id": "req-1",
		"content":    "c",
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestInterceptInvalidProviderOverride(t *testing.T) {
	interceptor := &stubInterceptor{resp: &intercept.Response{RequestID: "req-1"}}
	srv := New(":0", nil, interceptor, nil, nil)
	srv.SetPipelineFactory(func(o config.LLMOverrides) (orchestrator.Attempter, Orchestrator, error) {
		_, err := config.DefaultLLMConfig().Apply(o)
		if err != nil {
			return nil, nil, err
		}
		return interceptor, nil, nil
	})

	rec := postJSON(t, srv.Routes(), "/intercept", map[string]string{
		"request_id":   "req-1",
		"content":      "c",
		"llm_provider": "anthropic",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "unsupported llm provider")
}

func TestInterceptValidProviderOverride(t *testing.T) {
	base := &stubInterceptor{resp: &intercept.Response{RequestID: "base"}}
	override := &stubInterceptor{resp: &intercept.Response{RequestID: "override"}}
	srv := New(":0", nil, base, nil, nil)

	var applied config.LLMConfig
	srv.SetPipelineFactory(func(o config.LLMOverrides) (orchestrator.Attempter, Orchestrator, error) {
		derived, err := config.DefaultLLMConfig().Apply(o)
		if err != nil {
			return nil, nil, err
		}
		applied = derived
		return override, nil, nil
	})

	rec := postJSON(t, srv.Routes(), "/intercept", map[string]interface{}{
		"request_id":    "req-1",
		"content":       "c",
		"llm_provider":  "custom",
		"llm_api_base":  "http://localhost:9999/v1",
		"model_name":    "local-model",
		"llm_timeout_s": 30,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"override"`)
	assert.Equal(t, "custom", applied.Provider)
	assert.Equal(t, "local-model", applied.Model)
	assert.Equal(t, 30.0, applied.TimeoutS)
}

func TestInterceptOverridesRejectedWithoutFactory(t *testing.T) {
	srv := New(":0", nil, &stubInterceptor{resp: &intercept.Response{}}, nil, nil)

	rec := postJSON(t, srv.Routes(), "/intercept", map[string]string{
		"request_id":   "req-1",
		"content":      "c",
		"llm_provider": "nvidia",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestManifestEndpoint(t *testing.T) {
	store, err := attestation.NewStore(t.TempDir())
	require.NoError(t, err)
	manifest, err := attestation.Build(passingVerification(), attestation.Outcome{})
	require.NoError(t, err)
	_, err = store.Put(manifest)
	require.NoError(t, err)

	srv := New(":0", nil, nil, nil, store)

	req := httptest.NewRequest(http.MethodGet, "/manifest/req-1", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got attestation.Manifest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "req-1", got.RequestID)

	req = httptest.NewRequest(http.MethodGet, "/manifest/absent", nil)
	rec = httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
