package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorzero-go/tensorgate/internal/value"
)

func TestOpenAIInferTranslatesRequestAndResponse(t *testing.T) {
	var gotAuth string
	var gotReq openaiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "resp-1",
			"choices": [{"message": {"role": "assistant", "content": "hello"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 2, "completion_tokens": 4, "total_tokens": 6}
		}`))
	}))
	defer srv.Close()

	o := NewOpenAIProvider(srv.Client())
	req := &value.Request{Messages: []value.Message{{Role: value.RoleUser, Content: []value.ContentBlock{{Kind: value.BlockText, Text: "hi"}}}}}
	call := Call{Request: req, ModelName: "m1", ProviderModel: "gpt-test", BaseURL: srv.URL, Credentials: Credentials{ConfiguredLiteral: "sk-test"}}

	resp, err := o.Infer(context.Background(), call)
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-test", gotReq.Model)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "hi", gotReq.Messages[0].Content)

	require.Len(t, resp.Content, 1)
	assert.Equal(t, "hello", resp.Content[0].Text)
	assert.Equal(t, "resp-1", resp.ModelInferenceID)
	assert.Equal(t, value.FinishStop, resp.FinishReason)
	assert.Equal(t, 2, resp.Usage.InputTokens)
	assert.Equal(t, 4, resp.Usage.OutputTokens)
}

func TestOpenAIInferToolCallRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"id": "resp-2",
			"choices": [{"message": {
				"role": "assistant",
				"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "get_weather", "arguments": "{\"city\":\"Tokyo\"}"}}]
			}, "finish_reason": "tool_calls"}]
		}`))
	}))
	defer srv.Close()

	o := NewOpenAIProvider(srv.Client())
	call := Call{Request: &value.Request{}, ModelName: "m1", BaseURL: srv.URL}

	resp, err := o.Infer(context.Background(), call)
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, value.BlockToolCall, resp.Content[0].Kind)
	assert.Equal(t, "call_1", resp.Content[0].ToolCallID)
	assert.Equal(t, "get_weather", resp.Content[0].ToolName)
	assert.Equal(t, value.FinishToolCall, resp.FinishReason)
}

func TestOpenAIInferMapsClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"bad key"}`))
	}))
	defer srv.Close()

	o := NewOpenAIProvider(srv.Client())
	call := Call{Request: &value.Request{}, ModelName: "m1", BaseURL: srv.URL}

	_, err := o.Infer(context.Background(), call)
	require.Error(t, err)
}

func TestOpenAIInferStreamAccumulatesChunksAndHandlesDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"id":"c1","choices":[{"index":0,"delta":{"content":"Hel"}}]}` + "\n\n"))
		flusher.Flush()
		w.Write([]byte(`data: {"id":"c1","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}` + "\n\n"))
		flusher.Flush()
		w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	o := NewOpenAIProvider(srv.Client())
	call := Call{Request: &value.Request{}, ModelName: "m1", BaseURL: srv.URL}

	result, err := o.InferStream(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, "Hel", result.First.Deltas[0].Text)

	var texts []string
	var done bool
	for chunk := range result.Remainder {
		for _, d := range chunk.Deltas {
			texts = append(texts, d.Text)
		}
		if chunk.Done {
			done = true
		}
	}
	assert.True(t, done)
	assert.Contains(t, texts, "lo")
}
