// Package value defines the canonical request/response/content-block types
// that flow through the gateway. Every provider adapter translates into and
// out of these types; nothing downstream of the adapter layer ever sees a
// provider-native shape.
package value

import "time"

// FunctionKind is the kind of a logical function.
type FunctionKind string

const (
	FunctionChat FunctionKind = "chat"
	FunctionJSON FunctionKind = "json"
)

// JSONMode controls how a variant asks a provider to produce JSON output.
type JSONMode string

const (
	JSONModeOff          JSONMode = "off"
	JSONModeOn           JSONMode = "on"
	JSONModeStrict       JSONMode = "strict"
	JSONModeImplicitTool JSONMode = "implicit_tool"
)

// Role is a message's author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// FinishReason is why a model stopped generating.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCall      FinishReason = "tool_call"
	FinishContentFilter FinishReason = "content_filter"
	FinishUnknown       FinishReason = "unknown"
)

// BlockKind discriminates the ContentBlock union.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockToolCall   BlockKind = "tool_call"
	BlockToolResult BlockKind = "tool_result"
	BlockFile       BlockKind = "file"
	BlockThought    BlockKind = "thought"
	BlockUnknown    BlockKind = "unknown"
)

// ContentBlock is a discriminated union of the content types a message can
// carry. Only the fields relevant to Kind are populated; the rest stay at
// their zero value. Go has no tagged-union syntax, so (like the teacher's
// anthropicStreamEvent) we fold every branch into one struct and switch on
// Kind at the call site.
type ContentBlock struct {
	Kind BlockKind `json:"kind"`

	// BlockText
	Text string `json:"text,omitempty"`

	// BlockToolCall
	ToolCallID   string `json:"tool_call_id,omitempty"`
	ToolName     string `json:"tool_name,omitempty"`
	Arguments    any    `json:"arguments,omitempty"`
	RawArguments string `json:"raw_arguments,omitempty"`

	// BlockToolResult
	ResultJSON any    `json:"result_json,omitempty"`
	ResultText string `json:"result_text,omitempty"`

	// BlockFile
	FileURL  string `json:"file_url,omitempty"`
	FileData []byte `json:"file_data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`

	// BlockThought
	ThoughtText      string `json:"thought_text,omitempty"`
	ThoughtSignature string `json:"thought_signature,omitempty"`

	// BlockUnknown: the block is round-tripped verbatim through this field.
	UnknownRaw []byte `json:"unknown_raw,omitempty"`

	// Index identifies this block's position among all sibling blocks
	// within one response or streaming attempt (deltas with the same index
	// are merged into one block during aggregation; see internal/stream).
	Index int `json:"index"`
}

// SystemPrompt is either a literal string or a template reference. The
// variant engine (internal/variant) resolves it to a string before dispatch.
type SystemPrompt struct {
	Literal      string         `json:"literal,omitempty"`
	TemplateName string         `json:"template_name,omitempty"`
	Arguments    map[string]any `json:"arguments,omitempty"`
}

// IsTemplate reports whether the system prompt still needs rendering.
func (s SystemPrompt) IsTemplate() bool {
	return s.TemplateName != ""
}

// Message is one turn in the conversation.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ToolChoice constrains which tool (if any) the model must call.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceNone     ToolChoice = "none"
	ToolChoiceRequired ToolChoice = "required"
)

// Tool is a single callable tool definition.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
	Strict      bool           `json:"strict,omitempty"`
}

// ToolConfig bundles a function's available tools and the call policy.
type ToolConfig struct {
	Tools             []Tool     `json:"tools,omitempty"`
	Choice            ToolChoice `json:"choice,omitempty"`
	ParallelToolCalls bool       `json:"parallel_tool_calls,omitempty"`
}

// SamplingParams are the provider-agnostic generation knobs.
type SamplingParams struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"top_p,omitempty"`
	MaxTokens       *int     `json:"max_tokens,omitempty"`
	Seed            *int64   `json:"seed,omitempty"`
	PresencePenalty *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	Stop            []string `json:"stop,omitempty"`
	ThinkingBudget  *int     `json:"thinking_budget,omitempty"`
}

// Overlay is a JSON-pointer overlay applied after request translation.
// Scope is empty for "applies to everything"; a non-empty (model, provider)
// pair narrows it to that exact model/provider combination.
type Overlay struct {
	Pointer      string `json:"pointer"`
	Value        any    `json:"value"`
	ScopeModel   string `json:"scope_model,omitempty"`
	ScopeProvider string `json:"scope_provider,omitempty"`
}

// Applies reports whether the overlay applies to the given (model, provider).
func (o Overlay) Applies(model, provider string) bool {
	if o.ScopeModel == "" && o.ScopeProvider == "" {
		return true
	}
	return o.ScopeModel == model && o.ScopeProvider == provider
}

// CacheOptions is the caller's per-call cache preference (spec §6.1
// "cache_options {enabled, max_age_s}"). A zero MaxAge means "use the
// model's configured default".
type CacheOptions struct {
	Enabled bool          `json:"enabled,omitempty"`
	MaxAge  time.Duration `json:"max_age_s,omitempty"`
}

// Request is the normalized inference request that every provider adapter
// consumes. The per-request InferenceID is stripped before cache-key
// hashing (see cacheKey in internal/model) so identical requests hash
// identically.
type Request struct {
	InferenceID string `json:"inference_id"`

	System   *string   `json:"system,omitempty"`
	Messages []Message `json:"messages"`

	Tools *ToolConfig `json:"tools,omitempty"`

	Sampling SamplingParams `json:"sampling"`

	JSONMode     JSONMode       `json:"json_mode,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`

	Stream bool `json:"stream"`

	ExtraBody    []Overlay         `json:"extra_body,omitempty"`
	ExtraHeaders map[string]string `json:"extra_headers,omitempty"`

	// CacheOptions and Dryrun are excluded from the cache key (see
	// internal/model's canonicalization) — they govern cache consultation
	// itself, not what gets matched.
	CacheOptions CacheOptions `json:"cache_options,omitempty"`
	Dryrun       bool         `json:"dryrun,omitempty"`
}

// Usage is token accounting, populated where the provider reports it.
type Usage struct {
	InputTokens  int  `json:"input_tokens"`
	OutputTokens int  `json:"output_tokens"`
	CachedTokens *int `json:"cached_tokens,omitempty"`
}

// Response is the normalized inference response.
type Response struct {
	// Chat functions populate Content; JSON functions populate Raw/Parsed
	// and may also carry auxiliary Content (e.g. a leading Thought block
	// from chain_of_thought).
	Content []ContentBlock `json:"content,omitempty"`
	Raw     string         `json:"raw,omitempty"`
	Parsed  any            `json:"parsed,omitempty"`

	ModelInferenceID string        `json:"model_inference_id"`
	Latency          time.Duration `json:"latency"`
	Usage            Usage         `json:"usage"`
	FinishReason     FinishReason  `json:"finish_reason"`

	RawRequest  string `json:"raw_request,omitempty"`
	RawResponse string `json:"raw_response,omitempty"`

	Cached bool `json:"cached"`
}

// StreamChunk is one increment of a streaming response.
type StreamChunk struct {
	Deltas       []ContentBlock `json:"deltas,omitempty"`
	PartialUsage *Usage         `json:"partial_usage,omitempty"`
	FinishReason *FinishReason  `json:"finish_reason,omitempty"`
	Done         bool           `json:"done"`
	RawChunk     string         `json:"raw_chunk,omitempty"`
	Err          error          `json:"-"`
}
