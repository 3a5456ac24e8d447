package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tensorzero-go/tensorgate/internal/value"
)

// ---------------------------------------------------------------------------
// GoogleProvider struct + constructor
// ---------------------------------------------------------------------------

// GoogleProvider implements Provider for Google's Gemini API. Same pattern as
// AnthropicProvider: one instance serves every Gemini-backed provider entry
// in config, with base URL/credentials arriving per call.
type GoogleProvider struct {
	client *http.Client
}

func NewGoogleProvider(client *http.Client) *GoogleProvider {
	return &GoogleProvider{client: client}
}

func (g *GoogleProvider) Name() string { return "google" }

func (g *GoogleProvider) CredentialLocations() []CredentialLocation {
	return []CredentialLocation{
		{Kind: CredentialDynamic, Name: "google"},
		{Kind: CredentialLiteral},
		{Kind: CredentialEnvVar, Name: "GOOGLE_API_KEY"},
	}
}

func (g *GoogleProvider) Supports(f Feature) bool {
	return f == FeatureFiles
}

// ---------------------------------------------------------------------------
// Gemini API types (unexported)
// ---------------------------------------------------------------------------

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []geminiToolDecl        `json:"tools,omitempty"`
}

// geminiContent is one message. Gemini's "parts" array carries text, function
// calls/responses, and (for "thinking" models) a thought part — so, unlike
// the teacher's text-only version, geminiPart needs one branch per kind
// instead of a bare Text field.
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`

	// thought part (Gemini's reasoning-trace equivalent of Anthropic's
	// "thinking" block; preserved per spec §4.2.2's "Thought blocks survive
	// any provider round trip").
	Thought         bool   `json:"thought,omitempty"`
	ThoughtSignature string `json:"thoughtSignature,omitempty"`

	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiToolDecl struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
	ThinkingConfig  *geminiThinkingConfig `json:"thinkingConfig,omitempty"`
}

type geminiThinkingConfig struct {
	ThinkingBudget int `json:"thinkingBudget"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

func toGeminiRequest(call Call) *geminiRequest {
	req := call.Request
	gr := &geminiRequest{}

	if s := systemText(req); s != "" {
		gr.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: s}}}
	}

	for _, msg := range req.Messages {
		role := string(msg.Role)
		if role == "assistant" {
			role = "model"
		}
		gr.Contents = append(gr.Contents, geminiContent{
			Role:  role,
			Parts: toGeminiParts(msg.Content),
		})
	}

	if req.Tools != nil && len(req.Tools.Tools) > 0 {
		decl := geminiToolDecl{}
		for _, t := range req.Tools.Tools {
			decl.FunctionDeclarations = append(decl.FunctionDeclarations, geminiFunctionDecl{
				Name: t.Name, Description: t.Description, Parameters: t.Parameters,
			})
		}
		gr.Tools = []geminiToolDecl{decl}
	}

	cfg := &geminiGenerationConfig{}
	haveCfg := false
	if req.Sampling.MaxTokens != nil && *req.Sampling.MaxTokens > 0 {
		cfg.MaxOutputTokens = *req.Sampling.MaxTokens
		haveCfg = true
	}
	if req.Sampling.Temperature != nil {
		cfg.Temperature = req.Sampling.Temperature
		haveCfg = true
	}
	if req.Sampling.TopP != nil {
		cfg.TopP = req.Sampling.TopP
		haveCfg = true
	}
	if len(req.Sampling.Stop) > 0 {
		cfg.StopSequences = req.Sampling.Stop
		haveCfg = true
	}
	if req.Sampling.ThinkingBudget != nil && *req.Sampling.ThinkingBudget > 0 {
		cfg.ThinkingConfig = &geminiThinkingConfig{ThinkingBudget: *req.Sampling.ThinkingBudget}
		haveCfg = true
	}
	if haveCfg {
		gr.GenerationConfig = cfg
	}

	return gr
}

// toGeminiParts maps our content blocks onto Gemini's parts shape. Tool
// results become functionResponse parts (Gemini has no separate tool role);
// Unknown blocks have no Gemini representation and are dropped here — round
// trip fidelity for Unknown is the provider-of-origin's job, not a foreign
// provider's (spec §4.2.2 only requires round trip through the SAME adapter).
func toGeminiParts(blocks []value.ContentBlock) []geminiPart {
	out := make([]geminiPart, 0, len(blocks))
	for _, b := range blocks {
		switch b.Kind {
		case value.BlockText:
			out = append(out, geminiPart{Text: b.Text})
		case value.BlockThought:
			out = append(out, geminiPart{Thought: true, Text: b.ThoughtText, ThoughtSignature: b.ThoughtSignature})
		case value.BlockToolCall:
			args, _ := b.Arguments.(map[string]any)
			out = append(out, geminiPart{FunctionCall: &geminiFunctionCall{Name: b.ToolName, Args: args}})
		case value.BlockToolResult:
			out = append(out, geminiPart{FunctionResponse: &geminiFunctionResponse{
				Name:     b.ToolName,
				Response: map[string]any{"result": b.ResultText},
			}})
		}
	}
	return out
}

func geminiFinishReason(finishReason string) value.FinishReason {
	switch finishReason {
	case "STOP":
		return value.FinishStop
	case "MAX_TOKENS":
		return value.FinishLength
	default:
		return value.FinishUnknown
	}
}

func geminiErrFromStatus(status int, raw, rawReq string) error {
	if status >= 500 {
		return kindInferenceServer(status, raw, rawReq, "google")
	}
	return kindInferenceClient(status, raw, rawReq, "google")
}

func geminiURL(baseURL, model, method, apiKey string) string {
	return fmt.Sprintf("%s/models/%s:%s?key=%s", baseURL, model, method, apiKey)
}

// ---------------------------------------------------------------------------
// Non-streaming: Infer
// ---------------------------------------------------------------------------

func (g *GoogleProvider) Infer(ctx context.Context, call Call) (*value.Response, error) {
	start := time.Now()
	geminiReq := toGeminiRequest(call)

	body, err := json.Marshal(geminiReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := geminiURL(call.BaseURL, call.ProviderModel, "generateContent", call.Credentials.Resolve())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range call.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to gemini: %w", err)
	}
	defer httpResp.Body.Close()

	rawBody, err := readAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading gemini response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, geminiErrFromStatus(httpResp.StatusCode, string(rawBody), string(body))
	}

	var geminiResp geminiResponse
	if err := json.Unmarshal(rawBody, &geminiResp); err != nil {
		return nil, fmt.Errorf("decoding gemini response: %w", err)
	}
	if len(geminiResp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini returned no candidates")
	}

	candidate := geminiResp.Candidates[0]
	content := fromGeminiParts(candidate.Content.Parts)

	resp := &value.Response{
		Content:      content,
		Latency:      time.Since(start),
		FinishReason: geminiFinishReason(candidate.FinishReason),
		RawRequest:   string(body),
		RawResponse:  string(rawBody),
	}
	if geminiResp.UsageMetadata != nil {
		resp.Usage = value.Usage{
			InputTokens:  geminiResp.UsageMetadata.PromptTokenCount,
			OutputTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
		}
	}
	return resp, nil
}

// fromGeminiParts is the non-streaming counterpart to toGeminiParts.
func fromGeminiParts(parts []geminiPart) []value.ContentBlock {
	var out []value.ContentBlock
	for i, p := range parts {
		switch {
		case p.Thought:
			out = append(out, value.ContentBlock{Kind: value.BlockThought, ThoughtText: p.Text, ThoughtSignature: p.ThoughtSignature, Index: i})
		case p.FunctionCall != nil:
			argsJSON, _ := json.Marshal(p.FunctionCall.Args)
			out = append(out, value.ContentBlock{
				Kind: value.BlockToolCall, ToolName: p.FunctionCall.Name,
				Arguments: p.FunctionCall.Args, RawArguments: string(argsJSON), Index: i,
			})
		case p.FunctionResponse != nil:
			raw, _ := json.Marshal(p.FunctionResponse.Response)
			out = append(out, value.ContentBlock{Kind: value.BlockToolResult, ToolName: p.FunctionResponse.Name, ResultText: string(raw), Index: i})
		default:
			out = append(out, value.ContentBlock{Kind: value.BlockText, Text: p.Text, Index: i})
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Streaming: InferStream
// ---------------------------------------------------------------------------

func (g *GoogleProvider) InferStream(ctx context.Context, call Call) (*StreamResult, error) {
	geminiReq := toGeminiRequest(call)

	body, err := json.Marshal(geminiReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := geminiURL(call.BaseURL, call.ProviderModel, "streamGenerateContent", call.Credentials.Resolve()) + "&alt=sse"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range call.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to gemini: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		rawBody, _ := readAll(httpResp.Body)
		return nil, geminiErrFromStatus(httpResp.StatusCode, string(rawBody), string(body))
	}

	ch := make(chan value.StreamChunk)
	firstCh := make(chan value.StreamChunk, 1)

	go g.pumpStream(ctx, httpResp, ch, firstCh)

	first, ok := <-firstCh
	if !ok {
		return nil, fmt.Errorf("gemini stream closed before first chunk")
	}
	if first.Err != nil {
		return nil, first.Err
	}

	return &StreamResult{First: first, Remainder: ch, RawRequest: string(body)}, nil
}

// pumpStream reads Gemini's SSE events (each a full geminiResponse, unlike
// Anthropic's named partial events) and emits one value.StreamChunk per
// event, first on firstCh, the rest on ch.
func (g *GoogleProvider) pumpStream(ctx context.Context, httpResp *http.Response, ch chan<- value.StreamChunk, firstCh chan<- value.StreamChunk) {
	defer close(ch)
	defer close(firstCh)
	defer httpResp.Body.Close()

	sentFirst := false
	send := func(c value.StreamChunk) bool {
		if !sentFirst {
			sentFirst = true
			select {
			case firstCh <- c:
			case <-ctx.Done():
				return false
			}
			return true
		}
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		jsonData := strings.TrimPrefix(line, "data: ")

		var geminiResp geminiResponse
		if err := json.Unmarshal([]byte(jsonData), &geminiResp); err != nil {
			send(value.StreamChunk{Done: true, Err: fmt.Errorf("decoding gemini stream event: %w", err)})
			return
		}
		if len(geminiResp.Candidates) == 0 {
			continue
		}
		candidate := geminiResp.Candidates[0]
		deltas := fromGeminiParts(candidate.Content.Parts)

		chunk := value.StreamChunk{Deltas: deltas, RawChunk: jsonData}
		if candidate.FinishReason != "" {
			chunk.Done = true
			reason := geminiFinishReason(candidate.FinishReason)
			chunk.FinishReason = &reason
			if geminiResp.UsageMetadata != nil {
				chunk.PartialUsage = &value.Usage{
					InputTokens:  geminiResp.UsageMetadata.PromptTokenCount,
					OutputTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
				}
			}
		}

		if !send(chunk) {
			return
		}
		if chunk.Done {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		send(value.StreamChunk{Done: true, Err: fmt.Errorf("reading gemini stream: %w", err)})
	}
}
