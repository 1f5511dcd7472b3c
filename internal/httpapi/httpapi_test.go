package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"isol8/internal/containerhost"
	"isol8/internal/engine"
	"isol8/internal/model"
)

func testServer(t *testing.T) (*Server, *containerhost.FakeHost) {
	host := containerhost.NewFakeHost()
	host.ExecResponder = func(id string, spec containerhost.ExecSpec) (string, string, int) {
		return "hello\n", "", 0
	}

	cfg := model.DefaultConfig()
	cfg.ReadOnlyRootFS = false
	cfg.DefaultTimeout = 2 * time.Second

	s, err := New(Config{
		APIKey:        "test-key",
		JWTSecret:     "test-secret",
		EngineConfig:  cfg,
		EngineOptions: engine.Options{Host: host},
		Version:       "test",
	})
	require.NoError(t, err)
	return s, host
}

func authedRequest(method, path string, body any, apiKey string) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return req
}

func TestHealthRequiresNoAuth(t *testing.T) {
	s, _ := testServer(t)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestExecuteRejectsMissingAuth(t *testing.T) {
	s, _ := testServer(t)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, authedRequest(http.MethodPost, "/execute", executeBody{
		Request: model.ExecutionRequest{Runtime: model.RuntimePython, Code: "print(1)"},
	}, ""))
	assert.Equal(t, 401, rec.Code)
}

func TestExecuteHappyPath(t *testing.T) {
	s, _ := testServer(t)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, authedRequest(http.MethodPost, "/execute", executeBody{
		Request: model.ExecutionRequest{Runtime: model.RuntimePython, Code: "print('hi')"},
	}, "test-key"))

	require.Equal(t, 200, rec.Code)
	var result model.ExecutionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "hello", result.Stdout) // the shaper trims trailing whitespace
	assert.Equal(t, 0, result.ExitCode)
}

func TestExecuteUnknownRuntimeReturns500(t *testing.T) {
	s, _ := testServer(t)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, authedRequest(http.MethodPost, "/execute", executeBody{
		Request: model.ExecutionRequest{Runtime: "cobol", Code: "print(1)"},
	}, "test-key"))
	assert.Equal(t, 500, rec.Code)
}

func TestPutFileWithoutSessionReturns404(t *testing.T) {
	s, _ := testServer(t)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, authedRequest(http.MethodPost, "/file", fileBody{Path: "/sandbox/a.txt", Content: []byte("x")}, "test-key"))
	assert.Equal(t, 404, rec.Code)
}

func TestCreateSessionThenExecuteWithSessionToken(t *testing.T) {
	s, _ := testServer(t)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, authedRequest(http.MethodPost, "/session", nil, "test-key"))
	require.Equal(t, 200, rec.Code)

	var created struct {
		SessionID string `json:"sessionId"`
		Token     string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.SessionID)

	rec2 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec2, authedRequest(http.MethodPost, "/execute", executeBody{
		Request: model.ExecutionRequest{Runtime: model.RuntimePython, Code: "print(1)"},
	}, created.Token))
	assert.Equal(t, 200, rec2.Code)
}

func TestDeleteSessionAlwaysSucceeds(t *testing.T) {
	s, _ := testServer(t)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, authedRequest(http.MethodDelete, "/session/unknown-id", nil, "test-key"))
	assert.Equal(t, 200, rec.Code)
}
