// Package provider defines the uniform adapter interface over N concrete LLM
// backends (spec §4.2, C2) and the credential-resolution rules every adapter
// shares. Adapters translate value.Request/value.Response to and from a
// specific provider's wire format; nothing above this package ever sees a
// provider-native shape.
package provider

import (
	"context"
	"os"
	"strings"

	"github.com/tensorzero-go/tensorgate/internal/value"
)

// Feature names adapters can optionally support (spec §4.2 "supports").
type Feature string

const (
	FeatureBatch        Feature = "batch"
	FeatureOptimization Feature = "optimization"
	FeatureFiles        Feature = "files"
)

// CredentialLocationKind is where an adapter should look for its API key.
type CredentialLocationKind string

const (
	CredentialEnvVar  CredentialLocationKind = "env_var"
	CredentialLiteral CredentialLocationKind = "literal"
	CredentialDynamic CredentialLocationKind = "dynamic"
	CredentialAbsent  CredentialLocationKind = "absent"
)

// CredentialLocation names one place an adapter's credential can come from.
type CredentialLocation struct {
	Kind CredentialLocationKind
	Name string // env var name, or dynamic-credential key name
}

// Credentials resolves a provider's API key following the precedence in
// spec §4.2.5: request-provided dynamic credentials > configured literal >
// env var.
type Credentials struct {
	// ConfiguredLiteral is the literal key from config (after ${VAR}
	// expansion in internal/config).
	ConfiguredLiteral string
	// EnvVar is the environment variable name to fall back to.
	EnvVar string
	// Dynamic is the per-call caller-provided credential map (spec §6.1
	// "credentials"), keyed by the name the adapter looks up under.
	Dynamic map[string]string
	// DynamicKey is the key this adapter looks up in Dynamic.
	DynamicKey string
}

// Resolve returns the API key to use for one call, following precedence.
func (c Credentials) Resolve() string {
	if c.Dynamic != nil {
		if v, ok := c.Dynamic[c.DynamicKey]; ok && v != "" {
			return v
		}
	}
	if c.ConfiguredLiteral != "" {
		return c.ConfiguredLiteral
	}
	if c.EnvVar != "" {
		return os.Getenv(c.EnvVar)
	}
	return ""
}

// Call is everything an adapter needs for one infer/infer_stream call: the
// normalized request plus the provider-side model id, credentials, and any
// per-call overlays already filtered to this (model, provider) scope.
type Call struct {
	ModelName     string
	ProviderName  string
	Request       *value.Request
	ProviderModel string
	Credentials   Credentials
	BaseURL       string
	ExtraHeaders  map[string]string
	ExtraBody     []value.Overlay
}

// StreamResult is what InferStream returns before the remainder of the
// stream is handed to the caller (spec §4.2 table): the first chunk has
// already been awaited, surfacing early failures as a plain error instead of
// a mid-stream event.
type StreamResult struct {
	First      value.StreamChunk
	Remainder  <-chan value.StreamChunk
	RawRequest string
}

// Provider is the interface every adapter implements (spec §4.2).
type Provider interface {
	// Name returns the adapter kind, e.g. "anthropic" or "google".
	Name() string

	Infer(ctx context.Context, call Call) (*value.Response, error)
	InferStream(ctx context.Context, call Call) (*StreamResult, error)

	CredentialLocations() []CredentialLocation
	Supports(f Feature) bool
}

// BatchProvider is implemented by adapters that support batch inference
// (spec §4.2 "start_batch_inference"/"poll_batch_inference", optional).
type BatchProvider interface {
	StartBatchInference(ctx context.Context, calls []Call) (string, error)
	PollBatchInference(ctx context.Context, handle string) (BatchStatus, []value.Response, error)
}

// BatchStatus is the state of a batch inference job.
type BatchStatus string

const (
	BatchCompleted BatchStatus = "completed"
	BatchPending   BatchStatus = "pending"
	BatchFailed    BatchStatus = "failed"
)

// OptimizationProvider is implemented by adapters that support fine-tuning
// job orchestration (spec §4.2 "start_optimization", optional; job
// orchestration itself is out of scope per §1 — this interface only exists
// so UnsupportedOptimization has somewhere to come from).
type OptimizationProvider interface {
	StartOptimization(ctx context.Context, samples []map[string]any, hyperparams map[string]any) (string, error)
}

// ApplyOverlays merges configured extra_body/extra_headers with any dynamic
// (per-call) overlays. Overlays matching the exact (model, provider) scope
// apply; unscoped overlays apply to everything. Dynamic overlays win over
// configured ones at the same JSON pointer (spec §4.2.4).
func ApplyOverlays(configured, dynamic []value.Overlay, model, providerName string) []value.Overlay {
	byPointer := make(map[string]value.Overlay)
	for _, o := range configured {
		if o.Applies(model, providerName) {
			byPointer[o.Pointer] = o
		}
	}
	for _, o := range dynamic {
		if o.Applies(model, providerName) {
			byPointer[o.Pointer] = o // dynamic wins
		}
	}
	out := make([]value.Overlay, 0, len(byPointer))
	for _, o := range byPointer {
		out = append(out, o)
	}
	return out
}

// systemText collapses a request's resolved system prompt (already rendered
// by internal/variant before dispatch) into a plain string, for adapters
// whose wire format wants system as a top-level string.
func systemText(req *value.Request) string {
	if req.System == nil {
		return ""
	}
	return strings.TrimSpace(*req.System)
}

// concatText joins every Text/Thought block in a message into one string,
// for adapters whose wire format wants a flat string per message instead of
// a content-block array.
func concatText(blocks []value.ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		switch b.Kind {
		case value.BlockText:
			sb.WriteString(b.Text)
		case value.BlockThought:
			sb.WriteString(b.ThoughtText)
		}
	}
	return sb.String()
}
