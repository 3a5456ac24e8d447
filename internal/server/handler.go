package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/tensorzero-go/tensorgate/internal/dispatch"
	"github.com/tensorzero-go/tensorgate/internal/obs"
	"github.com/tensorzero-go/tensorgate/internal/stream"
	"github.com/tensorzero-go/tensorgate/internal/value"
	"github.com/tensorzero-go/tensorgate/internal/variant"
	"github.com/tensorzero-go/tensorgate/internal/xerrors"
)

// wireMessage is one conversational turn as it arrives over the wire.
// Content is either a plain string (goes through the variant's user/
// assistant template as {"text": ...}), a template-args object, or a list
// of literal content-block objects, matching spec §6.1 "input {system,
// messages}".
type wireMessage struct {
	Role    value.Role `json:"role"`
	Content any        `json:"content"`
}

// wireInput is the request body's "input" field. System may be a literal
// string or a template-args object (spec §6.1).
type wireInput struct {
	System   any           `json:"system,omitempty"`
	Messages []wireMessage `json:"messages"`
}

// cacheOptions mirrors spec §6.1 cache_options; translated into
// value.CacheOptions and consulted at the model runner's adapter boundary.
type cacheOptions struct {
	Enabled bool `json:"enabled"`
	MaxAgeS int  `json:"max_age_s"`
}

// inferenceRequest is the inference endpoint's wire request body (spec
// §6.1).
type inferenceRequest struct {
	FunctionName string            `json:"function_name,omitempty"`
	ModelName    string            `json:"model_name,omitempty"`
	Input        wireInput         `json:"input"`
	VariantName  string            `json:"variant_name,omitempty"`
	EpisodeID    string            `json:"episode_id,omitempty"`
	Stream       bool              `json:"stream,omitempty"`
	OutputSchema map[string]any    `json:"output_schema,omitempty"`
	ExtraBody    []value.Overlay   `json:"extra_body,omitempty"`
	ExtraHeaders map[string]string `json:"extra_headers,omitempty"`
	CacheOptions *cacheOptions     `json:"cache_options,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	Credentials  map[string]string `json:"credentials,omitempty"`
	Dryrun       bool              `json:"dryrun,omitempty"`
}

// inferenceResponse is the non-streaming inference response (spec §6.1: "a
// normalized response per §3.1 plus inference_id, episode_id, variant_name,
// usage, finish_reason").
type inferenceResponse struct {
	Content      []value.ContentBlock `json:"content,omitempty"`
	Raw          string               `json:"raw,omitempty"`
	Parsed       any                  `json:"parsed,omitempty"`
	InferenceID  string               `json:"inference_id"`
	EpisodeID    string               `json:"episode_id"`
	VariantName  string               `json:"variant_name,omitempty"`
	Usage        value.Usage          `json:"usage"`
	FinishReason value.FinishReason   `json:"finish_reason"`
	Cached       bool                 `json:"cached"`
}

// feedbackRequest is the feedback endpoint's wire body (spec §6.1: "{
// metric_name, value, inference_id XOR episode_id, tags?, dryrun? }").
type feedbackRequest struct {
	MetricName  string            `json:"metric_name"`
	Value       any               `json:"value"`
	InferenceID string            `json:"inference_id,omitempty"`
	EpisodeID   string            `json:"episode_id,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	Dryrun      bool              `json:"dryrun,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// inputToMap is what a function's input_schema validates against: the whole
// {system, messages} payload as it arrived, not just the system object (spec
// §6.1 "input {system, messages}"). Round-tripping through encoding/json
// reuses wireInput's own tags as the canonical shape instead of hand-copying
// fields.
func inputToMap(in wireInput) map[string]any {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// toRenderInput converts the wire input into the shape the variant engine
// renders (spec §4.4 step 1). A string message content becomes {"text":
// content} so a user/assistant template of the form "{{.text}}" works out of
// the box; an object goes straight through as template args; a block list
// passes through untemplated.
func toRenderInput(in wireInput) variant.RenderInput {
	out := variant.RenderInput{}
	switch sys := in.System.(type) {
	case string:
		out.SystemText = &sys
	case map[string]any:
		out.SystemArgs = sys
	}

	for _, m := range in.Messages {
		msg := variant.InputMessage{Role: m.Role}
		switch c := m.Content.(type) {
		case string:
			msg.Args = map[string]any{"text": c}
		case map[string]any:
			msg.Args = c
		case []any:
			for _, raw := range c {
				if block, ok := raw.(map[string]any); ok {
					msg.Content = append(msg.Content, blockFromWire(block))
				}
			}
		}
		out.Messages = append(out.Messages, msg)
	}
	return out
}

// blockFromWire decodes one content-block object from a raw map[string]any,
// round-tripping through encoding/json so value.ContentBlock's own JSON tags
// stay the single source of truth for the wire shape.
func blockFromWire(m map[string]any) value.ContentBlock {
	var block value.ContentBlock
	raw, err := json.Marshal(m)
	if err != nil {
		return block
	}
	_ = json.Unmarshal(raw, &block)
	return block
}

func (s *Server) handleInference(w http.ResponseWriter, r *http.Request) {
	var req inferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.KindInvalidRequest, "invalid request body: %v", err))
		return
	}

	dreq := dispatch.Request{
		FunctionName:  req.FunctionName,
		ModelName:     req.ModelName,
		Input:         inputToMap(req.Input),
		RenderInput:   toRenderInput(req.Input),
		PinnedVariant: req.VariantName,
		EpisodeID:     req.EpisodeID,
		DynamicCreds:  req.Credentials,
		Tags:          req.Tags,
		Dryrun:        req.Dryrun,
	}
	if req.CacheOptions != nil {
		dreq.RenderInput.CacheOptions = value.CacheOptions{
			Enabled: req.CacheOptions.Enabled,
			MaxAge:  time.Duration(req.CacheOptions.MaxAgeS) * time.Second,
		}
	}
	dreq.RenderInput.Dryrun = req.Dryrun
	if req.ModelName != "" {
		dreq.ExplicitRequest = explicitRequestFromWire(req)
	}

	if req.Stream {
		s.handleInferenceStream(w, r, dreq)
		return
	}

	result, err := s.disp.Dispatch(r.Context(), dreq)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := result.Response
	writeJSON(w, http.StatusOK, inferenceResponse{
		Content:      resp.Content,
		Raw:          resp.Raw,
		Parsed:       resp.Parsed,
		InferenceID:  resp.ModelInferenceID,
		EpisodeID:    result.EpisodeID,
		VariantName:  result.VariantName,
		Usage:        resp.Usage,
		FinishReason: resp.FinishReason,
		Cached:       resp.Cached,
	})
}

// explicitRequestFromWire builds the value.Request a model-name bypass
// sends directly to the runner: there's no variant to render a template
// through, so only literal string content is supported on this path.
func explicitRequestFromWire(req inferenceRequest) *value.Request {
	vreq := &value.Request{
		OutputSchema: req.OutputSchema,
		ExtraBody:    req.ExtraBody,
		ExtraHeaders: req.ExtraHeaders,
		Dryrun:       req.Dryrun,
	}
	if req.CacheOptions != nil {
		vreq.CacheOptions = value.CacheOptions{
			Enabled: req.CacheOptions.Enabled,
			MaxAge:  time.Duration(req.CacheOptions.MaxAgeS) * time.Second,
		}
	}
	if s, ok := req.Input.System.(string); ok {
		vreq.System = &s
	}
	for _, m := range req.Input.Messages {
		msg := value.Message{Role: m.Role}
		if text, ok := m.Content.(string); ok {
			msg.Content = append(msg.Content, value.ContentBlock{Kind: value.BlockText, Text: text})
		}
		vreq.Messages = append(vreq.Messages, msg)
	}
	return vreq
}

// handleInferenceStream drains a chat_completion streaming call and forwards
// chunks to the caller as SSE (spec §6.1 "for stream=true, server-sent
// chunks... terminated by a completion sentinel"). A first-chunk failure
// returns a unary JSON error (spec §8 "First-chunk failure in streaming →
// returns a unary error; no stream is opened"): DispatchStream already
// guarantees this, since InferStream awaits the first chunk before
// returning.
func (s *Server) handleInferenceStream(w http.ResponseWriter, r *http.Request, dreq dispatch.Request) {
	result, err := s.disp.DispatchStream(r.Context(), dreq)
	if err != nil {
		writeError(w, err)
		return
	}

	idleTimeout := s.cfg.Get().Server.StreamIdleTimeout
	caller, aggregated := stream.Tee(r.Context(), result.Stream.First, result.Stream.Remainder, idleTimeout)
	if err := stream.Write(w, dreq.ModelName, caller); err != nil {
		log.Printf("stream write error: %v", err)
	}

	go func() {
		resp, ok := <-aggregated
		if !ok || resp == nil || s.sink == nil {
			return
		}
		s.sink.WriteFunctionRecord(obs.FunctionRecord{
			FunctionName: dreq.FunctionName,
			VariantName:  result.VariantName,
			EpisodeID:    result.EpisodeID,
			Input:        dreq.Input,
			Output:       resp.Parsed,
			Latency:      resp.Latency,
			Tags:         dreq.Tags,
		})
	}()
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.KindInvalidRequest, "invalid request body: %v", err))
		return
	}

	if (req.InferenceID == "") == (req.EpisodeID == "") {
		writeError(w, xerrors.New(xerrors.KindInvalidRequest, "feedback requires exactly one of inference_id or episode_id"))
		return
	}
	if req.MetricName == "" {
		writeError(w, xerrors.New(xerrors.KindInvalidRequest, "metric_name is required"))
		return
	}

	// Observability failures never propagate to the caller (spec §7.5):
	// this is a best-effort write, skipped entirely for dryrun requests.
	if !req.Dryrun && s.sink != nil {
		s.sink.WriteFunctionRecord(obs.FunctionRecord{
			FunctionName: req.MetricName,
			EpisodeID:    req.EpisodeID,
			InferenceID:  req.InferenceID,
			Output:       req.Value,
			Tags:         req.Tags,
		})
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("encode response: %v", err)
	}
}

// writeError maps a dispatch error to its HTTP status class (spec §4.9) and
// writes a sanitized JSON error body.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, xerrors.StatusClass(err), map[string]string{"error": err.Error()})
}
