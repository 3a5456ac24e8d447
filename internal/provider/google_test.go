package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorzero-go/tensorgate/internal/value"
)

func TestGoogleInferTranslatesRequestAndResponse(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"candidates": [{"content": {"parts": [{"text": "hello from gemini"}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 3, "candidatesTokenCount": 5, "totalTokenCount": 8}
		}`))
	}))
	defer srv.Close()

	g := NewGoogleProvider(srv.Client())
	req := &value.Request{Messages: []value.Message{{Role: value.RoleUser, Content: []value.ContentBlock{{Kind: value.BlockText, Text: "hi"}}}}}
	call := Call{Request: req, ModelName: "m1", ProviderModel: "gemini-pro", BaseURL: srv.URL, Credentials: Credentials{ConfiguredLiteral: "key-123"}}

	resp, err := g.Infer(context.Background(), call)
	require.NoError(t, err)

	assert.Equal(t, "/models/gemini-pro:generateContent", gotPath)
	assert.Contains(t, gotQuery, "key=key-123")

	require.Len(t, resp.Content, 1)
	assert.Equal(t, value.BlockText, resp.Content[0].Kind)
	assert.Equal(t, "hello from gemini", resp.Content[0].Text)
	assert.Equal(t, value.FinishStop, resp.FinishReason)
	assert.Equal(t, 3, resp.Usage.InputTokens)
	assert.Equal(t, 5, resp.Usage.OutputTokens)
}

func TestGoogleInferDropsUnknownBlockOnForeignRoundTrip(t *testing.T) {
	var sentBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		sentBody = string(body)
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]},"finishReason":"STOP"}]}`))
	}))
	defer srv.Close()

	g := NewGoogleProvider(srv.Client())
	req := &value.Request{Messages: []value.Message{{
		Role: value.RoleUser,
		Content: []value.ContentBlock{
			{Kind: value.BlockText, Text: "hi"},
			{Kind: value.BlockUnknown, UnknownRaw: []byte(`{"type":"exotic"}`)},
		},
	}}}
	call := Call{Request: req, ModelName: "m1", ProviderModel: "gemini-pro", BaseURL: srv.URL}

	_, err := g.Infer(context.Background(), call)
	require.NoError(t, err)
	assert.NotContains(t, sentBody, "exotic", "Unknown blocks have no Gemini representation and must not leak onto the wire")
}

func TestGoogleInferMapsServerErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	defer srv.Close()

	g := NewGoogleProvider(srv.Client())
	call := Call{Request: &value.Request{}, ModelName: "m1", BaseURL: srv.URL}

	_, err := g.Infer(context.Background(), call)
	require.Error(t, err)
}

func TestGoogleInferStreamAccumulatesChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"candidates":[{"content":{"parts":[{"text":"partial "}]}}]}` + "\n\n"))
		flusher.Flush()
		w.Write([]byte(`data: {"candidates":[{"content":{"parts":[{"text":"answer"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":2}}` + "\n\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	g := NewGoogleProvider(srv.Client())
	call := Call{Request: &value.Request{}, ModelName: "m1", BaseURL: srv.URL}

	result, err := g.InferStream(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, "partial ", result.First.Deltas[0].Text)

	chunk, ok := <-result.Remainder
	require.True(t, ok)
	assert.Equal(t, "answer", chunk.Deltas[0].Text)
	require.True(t, chunk.Done)
	assert.Equal(t, value.FinishStop, *chunk.FinishReason)
}
