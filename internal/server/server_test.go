package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridian-labs/llmgate/internal/config"
	v1 "github.com/meridian-labs/llmgate/pkg/api/v1"
)

func testConfig() *config.Config {
	return &config.Config{
		Providers: map[string]config.Provider{
			"openai-main": {
				Name:    "openai-main",
				BaseURL: "https://api.openai.example",
				APIKey:  "sk-0123456789",
				Models:  []string{"gpt-4-upstream"},
				Enabled: true,
			},
		},
		Models: map[string]config.ModelMapping{
			"gpt-4": {
				Name:    "gpt-4",
				Enabled: true,
				Backends: []config.Backend{
					{Provider: "openai-main", Model: "gpt-4-upstream", Weight: 10, Enabled: true},
				},
			},
		},
		Users: map[string]config.UserToken{
			"alice": {Name: "alice", Token: "0123456789abcdef", Enabled: true},
		},
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	holder := config.NewHolder(testConfig())
	srv, err := New(holder, zap.NewNop())
	require.NoError(t, err)
	return srv
}

func TestHandleGetModelsRejectsMissingToken(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleGetModelsListsEnabledAliasForAuthorizedUser(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer 0123456789abcdef")
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp v1.ModelsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "gpt-4", resp.Data[0].ID)
}

func TestHandleGetModelsRejectsInvalidToken(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleGetBackendsReturnsOneRowPerBackend(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/backends", nil)
	req.Header.Set("Authorization", "Bearer 0123456789abcdef")
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp v1.BackendsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Backends, 1)
	assert.Equal(t, "openai-main", resp.Backends[0].ProviderID)
	assert.True(t, resp.Backends[0].Healthy)
}

func TestHandleChatCompletionRejectsMalformedBody(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer 0123456789abcdef")
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthCheckIsUnauthenticated(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
