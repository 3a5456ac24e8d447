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

// OpenAIProvider implements Provider for any OpenAI-Chat-compatible backend
// (spec §3.1 lists OpenAI-Chat, Fireworks, Together, Groq, DeepSeek, SGLang,
// vLLM, TGI, etc. as sharing this wire format). The wire structs below are
// grounded on the teacher's internal/stream sseChunk/sseChoice/sseDelta,
// reused here on the outbound (request-building and response-decoding) side.
type OpenAIProvider struct {
	client *http.Client
}

func NewOpenAIProvider(client *http.Client) *OpenAIProvider {
	return &OpenAIProvider{client: client}
}

func (o *OpenAIProvider) Name() string { return "openai" }

func (o *OpenAIProvider) CredentialLocations() []CredentialLocation {
	return []CredentialLocation{
		{Kind: CredentialDynamic, Name: "openai"},
		{Kind: CredentialLiteral},
		{Kind: CredentialEnvVar, Name: "OPENAI_API_KEY"},
	}
}

func (o *OpenAIProvider) Supports(f Feature) bool {
	return false
}

// ---------------------------------------------------------------------------
// OpenAI chat-completions wire types
// ---------------------------------------------------------------------------

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       []openaiTool    `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Seed        *int64          `json:"seed,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	ResponseFormat *openaiResponseFormat `json:"response_format,omitempty"`
}

type openaiResponseFormat struct {
	Type string `json:"type"` // "json_object" | "text"
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string             `json:"type"`
	Function openaiFunctionDecl `json:"function"`
}

type openaiFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiFunctionCall `json:"function"`
}

type openaiFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   *openaiUsage   `json:"usage"`
}

type openaiChoice struct {
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- streaming chunk (mirrors the teacher's sseChunk, plus tool_calls deltas) ---

type openaiStreamChunk struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	Choices []openaiStreamChoice `json:"choices"`
	Usage   *openaiUsage       `json:"usage"`
}

type openaiStreamChoice struct {
	Index        int              `json:"index"`
	Delta        openaiStreamDelta `json:"delta"`
	FinishReason *string          `json:"finish_reason"`
}

type openaiStreamDelta struct {
	Content   string                   `json:"content,omitempty"`
	ToolCalls []openaiStreamToolCall   `json:"tool_calls,omitempty"`
}

type openaiStreamToolCall struct {
	Index    int                `json:"index"`
	ID       string             `json:"id,omitempty"`
	Function openaiFunctionCall `json:"function"`
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

func toOpenAIRequest(call Call) *openaiRequest {
	req := call.Request
	or := &openaiRequest{Model: call.ProviderModel, Stream: req.Stream}

	if s := systemText(req); s != "" {
		or.Messages = append(or.Messages, openaiMessage{Role: "system", Content: s})
	}
	for _, msg := range req.Messages {
		or.Messages = append(or.Messages, toOpenAIMessages(msg)...)
	}

	if req.Tools != nil {
		for _, t := range req.Tools.Tools {
			or.Tools = append(or.Tools, openaiTool{
				Type: "function",
				Function: openaiFunctionDecl{
					Name: t.Name, Description: t.Description, Parameters: t.Parameters,
				},
			})
		}
		switch req.Tools.Choice {
		case value.ToolChoiceNone:
			or.ToolChoice = "none"
		case value.ToolChoiceRequired:
			or.ToolChoice = "required"
		case value.ToolChoiceAuto:
			or.ToolChoice = "auto"
		}
	}

	if req.JSONMode == value.JSONModeOn || req.JSONMode == value.JSONModeStrict {
		or.ResponseFormat = &openaiResponseFormat{Type: "json_object"}
	}

	or.Temperature = req.Sampling.Temperature
	or.TopP = req.Sampling.TopP
	or.MaxTokens = req.Sampling.MaxTokens
	or.Seed = req.Sampling.Seed
	if len(req.Sampling.Stop) > 0 {
		or.Stop = req.Sampling.Stop
	}

	return or
}

// toOpenAIMessages expands one value.Message into OpenAI's flatter shape:
// a tool_result block becomes its own "tool" role message, and tool_call
// blocks collect onto the assistant message's tool_calls array, since OpenAI
// has no generic content-block array like Anthropic/Gemini.
func toOpenAIMessages(msg value.Message) []openaiMessage {
	role := string(msg.Role)
	var text strings.Builder
	var toolCalls []openaiToolCall
	var toolResults []openaiMessage

	for _, b := range msg.Content {
		switch b.Kind {
		case value.BlockText:
			text.WriteString(b.Text)
		case value.BlockToolCall:
			toolCalls = append(toolCalls, openaiToolCall{
				ID: b.ToolCallID, Type: "function",
				Function: openaiFunctionCall{Name: b.ToolName, Arguments: b.RawArguments},
			})
		case value.BlockToolResult:
			toolResults = append(toolResults, openaiMessage{
				Role: "tool", ToolCallID: b.ToolCallID, Content: b.ResultText,
			})
		}
	}

	out := []openaiMessage{{Role: role, Content: text.String(), ToolCalls: toolCalls}}
	out = append(out, toolResults...)
	return out
}

func openaiFinishReason(finishReason string) value.FinishReason {
	switch finishReason {
	case "stop":
		return value.FinishStop
	case "length":
		return value.FinishLength
	case "tool_calls":
		return value.FinishToolCall
	case "content_filter":
		return value.FinishContentFilter
	default:
		return value.FinishUnknown
	}
}

func openaiErrFromStatus(status int, raw, rawReq string) error {
	if status >= 500 {
		return kindInferenceServer(status, raw, rawReq, "openai")
	}
	return kindInferenceClient(status, raw, rawReq, "openai")
}

// ---------------------------------------------------------------------------
// Non-streaming: Infer
// ---------------------------------------------------------------------------

func (o *OpenAIProvider) Infer(ctx context.Context, call Call) (*value.Response, error) {
	start := time.Now()
	openaiReq := toOpenAIRequest(call)
	openaiReq.Stream = false

	body, err := json.Marshal(openaiReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := strings.TrimSuffix(call.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+call.Credentials.Resolve())
	for k, v := range call.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to openai: %w", err)
	}
	defer httpResp.Body.Close()

	rawBody, err := readAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading openai response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, openaiErrFromStatus(httpResp.StatusCode, string(rawBody), string(body))
	}

	var resp openaiResponse
	if err := json.Unmarshal(rawBody, &resp); err != nil {
		return nil, fmt.Errorf("decoding openai response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	choice := resp.Choices[0]
	content := fromOpenAIMessage(choice.Message)

	out := &value.Response{
		Content:          content,
		ModelInferenceID: resp.ID,
		Latency:          time.Since(start),
		FinishReason:     openaiFinishReason(choice.FinishReason),
		RawRequest:       string(body),
		RawResponse:      string(rawBody),
	}
	if resp.Usage != nil {
		out.Usage = value.Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	}
	return out, nil
}

func fromOpenAIMessage(msg openaiMessage) []value.ContentBlock {
	var out []value.ContentBlock
	idx := 0
	if msg.Content != "" {
		out = append(out, value.ContentBlock{Kind: value.BlockText, Text: msg.Content, Index: idx})
		idx++
	}
	for _, tc := range msg.ToolCalls {
		var args any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		out = append(out, value.ContentBlock{
			Kind: value.BlockToolCall, ToolCallID: tc.ID, ToolName: tc.Function.Name,
			Arguments: args, RawArguments: tc.Function.Arguments, Index: idx,
		})
		idx++
	}
	return out
}

// ---------------------------------------------------------------------------
// Streaming: InferStream
// ---------------------------------------------------------------------------

func (o *OpenAIProvider) InferStream(ctx context.Context, call Call) (*StreamResult, error) {
	openaiReq := toOpenAIRequest(call)
	openaiReq.Stream = true

	body, err := json.Marshal(openaiReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := strings.TrimSuffix(call.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+call.Credentials.Resolve())
	for k, v := range call.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to openai: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		rawBody, _ := readAll(httpResp.Body)
		return nil, openaiErrFromStatus(httpResp.StatusCode, string(rawBody), string(body))
	}

	ch := make(chan value.StreamChunk)
	firstCh := make(chan value.StreamChunk, 1)

	go o.pumpStream(ctx, httpResp, ch, firstCh)

	first, ok := <-firstCh
	if !ok {
		return nil, fmt.Errorf("openai stream closed before first chunk")
	}
	if first.Err != nil {
		return nil, first.Err
	}

	return &StreamResult{First: first, Remainder: ch, RawRequest: string(body)}, nil
}

func (o *OpenAIProvider) pumpStream(ctx context.Context, httpResp *http.Response, ch chan<- value.StreamChunk, firstCh chan<- value.StreamChunk) {
	defer close(ch)
	defer close(firstCh)
	defer httpResp.Body.Close()

	var usage *value.Usage
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
		if jsonData == "[DONE]" {
			reason := value.FinishStop
			send(value.StreamChunk{Done: true, FinishReason: &reason, PartialUsage: usage, RawChunk: jsonData})
			return
		}

		var event openaiStreamChunk
		if err := json.Unmarshal([]byte(jsonData), &event); err != nil {
			send(value.StreamChunk{Done: true, Err: fmt.Errorf("decoding openai stream event: %w", err)})
			return
		}
		if event.Usage != nil {
			usage = &value.Usage{InputTokens: event.Usage.PromptTokens, OutputTokens: event.Usage.CompletionTokens}
		}
		if len(event.Choices) == 0 {
			continue
		}
		choice := event.Choices[0]

		var deltas []value.ContentBlock
		if choice.Delta.Content != "" {
			deltas = append(deltas, value.ContentBlock{Kind: value.BlockText, Text: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			deltas = append(deltas, value.ContentBlock{
				Kind: value.BlockToolCall, Index: tc.Index, ToolCallID: tc.ID,
				ToolName: tc.Function.Name, RawArguments: tc.Function.Arguments,
			})
		}

		chunk := value.StreamChunk{Deltas: deltas, RawChunk: jsonData}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			chunk.Done = true
			reason := openaiFinishReason(*choice.FinishReason)
			chunk.FinishReason = &reason
			chunk.PartialUsage = usage
		}
		if !send(chunk) {
			return
		}
		if chunk.Done {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		send(value.StreamChunk{Done: true, Err: fmt.Errorf("reading openai stream: %w", err)})
	}
}
