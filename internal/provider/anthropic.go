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
// AnthropicProvider struct + constructor
// ---------------------------------------------------------------------------

// AnthropicProvider implements Provider for Anthropic's Messages API.
// Same pattern as GoogleProvider: translate the normalized value.Request
// into Anthropic's format, make the HTTP call, translate back.
type AnthropicProvider struct {
	client *http.Client
}

// NewAnthropicProvider creates an AnthropicProvider ready to make API calls.
// Unlike the original single-tenant constructor, base URL and API key now
// arrive per call (via Call), since one adapter instance serves every
// Anthropic-backed provider entry in config.
func NewAnthropicProvider(client *http.Client) *AnthropicProvider {
	return &AnthropicProvider{client: client}
}

// Name returns the adapter identifier.
func (a *AnthropicProvider) Name() string { return "anthropic" }

func (a *AnthropicProvider) CredentialLocations() []CredentialLocation {
	return []CredentialLocation{
		{Kind: CredentialDynamic, Name: "anthropic"},
		{Kind: CredentialLiteral},
		{Kind: CredentialEnvVar, Name: "ANTHROPIC_API_KEY"},
	}
}

func (a *AnthropicProvider) Supports(f Feature) bool {
	return f == FeatureFiles
}

// ---------------------------------------------------------------------------
// Anthropic API types (unexported)
// ---------------------------------------------------------------------------

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Stream    bool               `json:"stream,omitempty"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
	Thinking  *anthropicThinking `json:"thinking,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// anthropicMessage carries an array of content blocks, not a flat string —
// needed once tool_use/tool_result round-trips matter (spec §4.1 "Round-trip
// ordering of blocks is preserved").
type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// tool_use
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Input any    `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content_  string `json:"content,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// --- Streaming event types ---
//
// Anthropic sends NAMED SSE events, each with a different JSON payload
// shape. We decode into one wrapper struct first (reading "type"), then
// branch, exactly like the teacher's original anthropicStreamEvent.
type anthropicStreamEvent struct {
	Type         string                 `json:"type"`
	Index        int                    `json:"index"`
	Message      *anthropicEventMessage `json:"message,omitempty"`
	ContentBlock *anthropicContentBlock `json:"content_block,omitempty"`
	Delta        *anthropicEventDelta   `json:"delta,omitempty"`
	Usage        *anthropicUsage        `json:"usage,omitempty"`
}

type anthropicEventMessage struct {
	ID    string         `json:"id"`
	Model string         `json:"model"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicEventDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

const anthropicAPIVersion = "2023-06-01"

const defaultMaxTokens = 1024

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

func toAnthropicRequest(call Call) *anthropicRequest {
	req := call.Request
	ar := &anthropicRequest{Model: call.ProviderModel}

	if s := systemText(req); s != "" {
		ar.System = s
	}

	for _, msg := range req.Messages {
		ar.Messages = append(ar.Messages, anthropicMessage{
			Role:    string(msg.Role),
			Content: toAnthropicBlocks(msg.Content),
		})
	}

	if req.Tools != nil {
		for _, t := range req.Tools.Tools {
			ar.Tools = append(ar.Tools, anthropicTool{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.Parameters,
			})
		}
	}

	if req.Sampling.MaxTokens != nil && *req.Sampling.MaxTokens > 0 {
		ar.MaxTokens = *req.Sampling.MaxTokens
	} else {
		ar.MaxTokens = defaultMaxTokens
	}

	if req.Sampling.ThinkingBudget != nil && *req.Sampling.ThinkingBudget > 0 {
		ar.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: *req.Sampling.ThinkingBudget}
	}

	return ar
}

func toAnthropicBlocks(blocks []value.ContentBlock) []anthropicContentBlock {
	out := make([]anthropicContentBlock, 0, len(blocks))
	for _, b := range blocks {
		switch b.Kind {
		case value.BlockText:
			out = append(out, anthropicContentBlock{Type: "text", Text: b.Text})
		case value.BlockToolCall:
			out = append(out, anthropicContentBlock{Type: "tool_use", ID: b.ToolCallID, Name: b.ToolName, Input: b.Arguments})
		case value.BlockToolResult:
			out = append(out, anthropicContentBlock{Type: "tool_result", ToolUseID: b.ToolCallID, Content_: b.ResultText})
		case value.BlockThought:
			out = append(out, anthropicContentBlock{Type: "thinking", Thinking: b.ThoughtText, Signature: b.ThoughtSignature})
		}
	}
	return out
}

func anthropicFinishReason(stopReason string) value.FinishReason {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return value.FinishStop
	case "max_tokens":
		return value.FinishLength
	case "tool_use":
		return value.FinishToolCall
	default:
		return value.FinishUnknown
	}
}

func anthropicErrFromStatus(status int, raw string, rawReq string) error {
	if status >= 500 {
		return kindInferenceServer(status, raw, rawReq, "anthropic")
	}
	return kindInferenceClient(status, raw, rawReq, "anthropic")
}

// ---------------------------------------------------------------------------
// Non-streaming: Infer
// ---------------------------------------------------------------------------

func (a *AnthropicProvider) Infer(ctx context.Context, call Call) (*value.Response, error) {
	start := time.Now()
	anthropicReq := toAnthropicRequest(call)

	body, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/messages", call.BaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", call.Credentials.Resolve())
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	for k, v := range call.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to anthropic: %w", err)
	}
	defer httpResp.Body.Close()

	rawBody, err := readAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading anthropic response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, anthropicErrFromStatus(httpResp.StatusCode, string(rawBody), string(body))
	}

	var anthropicResp anthropicResponse
	if err := json.Unmarshal(rawBody, &anthropicResp); err != nil {
		return nil, fmt.Errorf("decoding anthropic response: %w", err)
	}

	var content []value.ContentBlock
	idx := 0
	for _, block := range anthropicResp.Content {
		switch block.Type {
		case "text":
			content = append(content, value.ContentBlock{Kind: value.BlockText, Text: block.Text, Index: idx})
		case "thinking":
			content = append(content, value.ContentBlock{Kind: value.BlockThought, ThoughtText: block.Thinking, ThoughtSignature: block.Signature, Index: idx})
		case "tool_use":
			argsJSON, _ := json.Marshal(block.Input)
			content = append(content, value.ContentBlock{
				Kind: value.BlockToolCall, ToolCallID: block.ID, ToolName: block.Name,
				Arguments: block.Input, RawArguments: string(argsJSON), Index: idx,
			})
		default:
			raw, _ := json.Marshal(block)
			content = append(content, value.ContentBlock{Kind: value.BlockUnknown, UnknownRaw: raw, Index: idx})
		}
		idx++
	}

	return &value.Response{
		Content:          content,
		ModelInferenceID: anthropicResp.ID,
		Latency:          time.Since(start),
		Usage: value.Usage{
			InputTokens:  anthropicResp.Usage.InputTokens,
			OutputTokens: anthropicResp.Usage.OutputTokens,
		},
		FinishReason: anthropicFinishReason(anthropicResp.StopReason),
		RawRequest:   string(body),
		RawResponse:  string(rawBody),
	}, nil
}

// ---------------------------------------------------------------------------
// Streaming: InferStream
// ---------------------------------------------------------------------------

func (a *AnthropicProvider) InferStream(ctx context.Context, call Call) (*StreamResult, error) {
	anthropicReq := toAnthropicRequest(call)
	anthropicReq.Stream = true

	body, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/messages", call.BaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", call.Credentials.Resolve())
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	for k, v := range call.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to anthropic: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		rawBody, _ := readAll(httpResp.Body)
		return nil, anthropicErrFromStatus(httpResp.StatusCode, string(rawBody), string(body))
	}

	ch := make(chan value.StreamChunk)
	firstCh := make(chan value.StreamChunk, 1)

	go a.pumpStream(ctx, httpResp, ch, firstCh)

	first, ok := <-firstCh
	if !ok {
		return nil, fmt.Errorf("anthropic stream closed before first chunk")
	}
	if first.Err != nil {
		return nil, first.Err
	}

	return &StreamResult{First: first, Remainder: ch, RawRequest: string(body)}, nil
}

// pumpStream reads Anthropic SSE events, emits the first chunk on firstCh,
// and the remainder on ch. Metadata (response id, model-level usage) is
// accumulated across events, the same way the teacher's original goroutine
// did, just now producing normalized value.StreamChunk/ContentBlock deltas
// instead of a single flat Delta string.
func (a *AnthropicProvider) pumpStream(ctx context.Context, httpResp *http.Response, ch chan<- value.StreamChunk, firstCh chan<- value.StreamChunk) {
	defer close(ch)
	defer close(firstCh)
	defer httpResp.Body.Close()

	var (
		inputTokens  int
		outputTokens int
		stopReason   string
		sentFirst    bool
	)

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

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(jsonData), &event); err != nil {
			send(value.StreamChunk{Done: true, Err: fmt.Errorf("decoding anthropic stream event: %w", err)})
			return
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				inputTokens = event.Message.Usage.InputTokens
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				if !send(value.StreamChunk{
					RawChunk: jsonData,
					Deltas: []value.ContentBlock{{
						Kind: value.BlockToolCall, Index: event.Index,
						ToolCallID: event.ContentBlock.ID, ToolName: event.ContentBlock.Name,
					}},
				}) {
					return
				}
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			var block value.ContentBlock
			block.Index = event.Index
			switch event.Delta.Type {
			case "text_delta":
				block.Kind = value.BlockText
				block.Text = event.Delta.Text
			case "thinking_delta":
				block.Kind = value.BlockThought
				block.ThoughtText = event.Delta.Thinking
			case "signature_delta":
				block.Kind = value.BlockThought
				block.ThoughtSignature = event.Delta.Signature
			case "input_json_delta":
				block.Kind = value.BlockToolCall
				block.RawArguments = event.Delta.PartialJSON
			default:
				continue
			}
			if !send(value.StreamChunk{Deltas: []value.ContentBlock{block}, RawChunk: jsonData}) {
				return
			}

		case "message_delta":
			if event.Usage != nil {
				outputTokens = event.Usage.OutputTokens
			}
			if event.Delta != nil && event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}

		case "message_stop":
			reason := anthropicFinishReason(stopReason)
			send(value.StreamChunk{
				Done:         true,
				FinishReason: &reason,
				PartialUsage: &value.Usage{InputTokens: inputTokens, OutputTokens: outputTokens},
				RawChunk:     jsonData,
			})
			return
		}
	}

	if err := scanner.Err(); err != nil {
		send(value.StreamChunk{Done: true, Err: fmt.Errorf("reading anthropic stream: %w", err)})
	}
}
