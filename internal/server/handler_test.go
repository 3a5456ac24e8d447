package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorzero-go/tensorgate/internal/config"
	"github.com/tensorzero-go/tensorgate/internal/dispatch"
	"github.com/tensorzero-go/tensorgate/internal/embed"
	"github.com/tensorzero-go/tensorgate/internal/model"
	"github.com/tensorzero-go/tensorgate/internal/provider"
	"github.com/tensorzero-go/tensorgate/internal/variant"
)

const testConfigYAML = `
server:
  port: 9090

providers:
  dummy:
    adapter: dummy
    provider_model: test

models:
  test:
    providers: [dummy]

functions:
  greet:
    kind: chat
    variants:
      v1:
        kind: chat_completion
        model: test
        weight: 1.0
`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigYAML), 0644))

	cfgStore, err := config.NewStore(path)
	require.NoError(t, err)

	registry, err := provider.NewRegistry(cfgStore.Get(), http.DefaultClient)
	require.NoError(t, err)

	runner := model.NewRunner(registry)
	engine := variant.NewEngine(runner, embed.NewStore(), embed.NewDummyEmbedder())
	disp := dispatch.New(cfgStore, runner, engine, nil)
	return New(cfgStore, disp, nil)
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHandleInferenceHappyPath(t *testing.T) {
	s := newTestServer(t)
	payload := `{"function_name":"greet","input":{"messages":[{"role":"user","content":"hi"}]}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/inference", bytes.NewBufferString(payload))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp inferenceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "v1", resp.VariantName)
	assert.NotEmpty(t, resp.EpisodeID)
}

func TestHandleInferenceUnknownFunction(t *testing.T) {
	s := newTestServer(t)
	payload := `{"function_name":"nope","input":{"messages":[]}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/inference", bytes.NewBufferString(payload))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body["error"])
}

func TestHandleInferenceInvalidJSON(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/inference", bytes.NewBufferString("not json"))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleInferenceStreamProducesSSE(t *testing.T) {
	s := newTestServer(t)
	payload := `{"function_name":"greet","stream":true,"input":{"messages":[{"role":"user","content":"hi"}]}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/inference", bytes.NewBufferString(payload))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")
	assert.Contains(t, w.Body.String(), "data:")
}

func TestHandleFeedbackRequiresExactlyOneID(t *testing.T) {
	s := newTestServer(t)
	payload := `{"metric_name":"thumbs_up","value":true,"inference_id":"a","episode_id":"b"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/feedback", bytes.NewBufferString(payload))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleFeedbackMissingMetricName(t *testing.T) {
	s := newTestServer(t)
	payload := `{"value":true,"episode_id":"b"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/feedback", bytes.NewBufferString(payload))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleFeedbackHappyPath(t *testing.T) {
	s := newTestServer(t)
	payload := `{"metric_name":"thumbs_up","value":true,"episode_id":"ep-1"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/feedback", bytes.NewBufferString(payload))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body map[string]bool
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body["ok"])
}

func TestInputToMapCarriesSystemAndMessages(t *testing.T) {
	in := wireInput{
		System:   "be nice",
		Messages: []wireMessage{{Role: "user", Content: "hi"}},
	}
	m := inputToMap(in)
	require.NotNil(t, m)
	assert.Equal(t, "be nice", m["system"])
	msgs, ok := m["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 1)
}
