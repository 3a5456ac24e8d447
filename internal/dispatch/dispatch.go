// Package dispatch implements the function dispatcher (spec §4.5, C5): the
// top-level entry point for an inference call. It resolves a function name
// (or an explicit model-name bypass), validates input, selects a variant via
// the experimentation sampler (C8), dispatches through the variant engine
// (C4), retries with the next variant on failure, and emits an observability
// record.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tensorzero-go/tensorgate/internal/config"
	"github.com/tensorzero-go/tensorgate/internal/model"
	"github.com/tensorzero-go/tensorgate/internal/obs"
	"github.com/tensorzero-go/tensorgate/internal/provider"
	"github.com/tensorzero-go/tensorgate/internal/sample"
	"github.com/tensorzero-go/tensorgate/internal/schema"
	"github.com/tensorzero-go/tensorgate/internal/value"
	"github.com/tensorzero-go/tensorgate/internal/variant"
	"github.com/tensorzero-go/tensorgate/internal/xerrors"
)

// Request is one inference call into the dispatcher (spec §4.5 "Entry
// point"). FunctionName and ModelName are mutually exclusive: ModelName
// bypasses function/variant resolution entirely and runs ExplicitRequest
// directly through the model runner.
type Request struct {
	FunctionName string
	ModelName    string

	// Function path.
	Input         map[string]any // validated against the function's input_schema
	RenderInput   variant.RenderInput
	PinnedVariant string // dynamic override: skip sampling, dispatch this variant

	// Model-bypass path.
	ExplicitRequest *value.Request

	EpisodeID    string
	DynamicCreds map[string]string
	Tags         map[string]string

	// Dryrun disables observability writes (spec §6.1); cache demotion for
	// dryrun is applied deeper down, in internal/model, since only the
	// adapter boundary knows the per-attempt cache mode.
	Dryrun bool
}

// Result is what the dispatcher returns for one call: the normalized
// response plus the variant actually used (empty on the model-bypass path).
type Result struct {
	Response    *value.Response
	VariantName string
	EpisodeID   string
}

// ConfigSource supplies the current config snapshot. config.Store implements
// this; tests can substitute a fixed in-memory snapshot without touching the
// filesystem.
type ConfigSource interface {
	Get() *config.Config
}

// Dispatcher wires C5 to C4/C3 and owns retry-with-next-variant on failure.
type Dispatcher struct {
	cfg    ConfigSource
	runner *model.Runner
	engine *variant.Engine
	sink   obs.Sink
}

// New builds a Dispatcher and wires engine's composite-variant subcalls
// (best_of_n/mixture_of_n) back through the dispatcher itself, breaking the
// variant↔dispatch import cycle via variant.SubDispatchFunc.
func New(cfg ConfigSource, runner *model.Runner, engine *variant.Engine, sink obs.Sink) *Dispatcher {
	d := &Dispatcher{cfg: cfg, runner: runner, engine: engine, sink: sink}
	engine.SetSubDispatch(d.subDispatch)
	return d
}

// buildPool converts a function's configured variants into a sample.Pool,
// the one shape the experimentation sampler operates on.
func buildPool(fn config.FunctionConfig) sample.Pool {
	pool := make(sample.Pool, len(fn.Variants))
	for name, vc := range fn.Variants {
		pool[name] = sample.Entry{Weight: vc.Weight, Payload: vc}
	}
	return pool
}

// subDispatch re-enters the function dispatcher for a named sub-variant
// (spec §4.4 step 2's best_of_n/mixture_of_n candidate/judge/synthesizer
// subcalls), with no resampling or retry: the variant name is explicit.
func (d *Dispatcher) subDispatch(ctx context.Context, functionName, variantName string, in variant.RenderInput, dynamicCreds map[string]string) (*value.Response, error) {
	cfg := d.cfg.Get()
	fn, ok := cfg.Functions[functionName]
	if !ok {
		return nil, xerrors.New(xerrors.KindInvalidRequest, "unknown function %q", functionName)
	}
	vc, ok := fn.Variants[variantName]
	if !ok {
		return nil, xerrors.New(xerrors.KindInvalidRequest, "function %q: unknown variant %q", functionName, variantName)
	}
	return d.engine.Dispatch(ctx, cfg, functionName, fn, variantName, vc, in, dynamicCreds)
}

// Dispatch runs one inference call end to end (spec §4.5 steps 1–5).
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	if req.ModelName != "" {
		return d.dispatchModelBypass(ctx, req)
	}
	return d.dispatchFunction(ctx, req, start)
}

func (d *Dispatcher) dispatchModelBypass(ctx context.Context, req Request) (*Result, error) {
	cfg := d.cfg.Get()
	m, ok := cfg.Models[req.ModelName]
	if !ok {
		return nil, xerrors.New(xerrors.KindInvalidRequest, "unknown model %q", req.ModelName)
	}
	if req.ExplicitRequest == nil {
		return nil, xerrors.New(xerrors.KindInvalidRequest, "model bypass requires an explicit request body")
	}

	resp, _, err := d.runner.Infer(ctx, req.ModelName, m, req.ExplicitRequest, req.DynamicCreds)
	if err != nil {
		return nil, err
	}
	return &Result{Response: resp, EpisodeID: req.EpisodeID}, nil
}

func (d *Dispatcher) dispatchFunction(ctx context.Context, req Request, start time.Time) (*Result, error) {
	cfg := d.cfg.Get()

	fn, ok := cfg.Functions[req.FunctionName]
	if !ok {
		return nil, xerrors.New(xerrors.KindInvalidRequest, "unknown function %q", req.FunctionName)
	}

	if fn.InputSchema != nil {
		if violations := schema.Validate(fn.InputSchema, req.Input); len(violations) > 0 {
			return nil, xerrors.New(xerrors.KindInputValidation, "input does not match function schema: %v", violations)
		}
	}

	episodeID := req.EpisodeID
	if episodeID == "" {
		episodeID = uuid.NewString()
	}

	if req.PinnedVariant != "" {
		vc, ok := fn.Variants[req.PinnedVariant]
		if !ok {
			return nil, xerrors.New(xerrors.KindInvalidRequest, "function %q: unknown variant %q", req.FunctionName, req.PinnedVariant)
		}
		resp, err := d.engine.Dispatch(ctx, cfg, req.FunctionName, fn, req.PinnedVariant, vc, req.RenderInput, req.DynamicCreds)
		if err != nil {
			return nil, err
		}
		d.recordFunction(req, episodeID, req.PinnedVariant, resp, start)
		return &Result{Response: resp, VariantName: req.PinnedVariant, EpisodeID: episodeID}, nil
	}

	pool, err := sample.CopyPool(buildPool(fn))
	if err != nil {
		return nil, err
	}

	var causes []error
	for len(pool) > 0 {
		name, entry, remaining, err := sample.Sample(req.FunctionName, episodeID, pool)
		if err != nil {
			causes = append(causes, err)
			break
		}
		vc := entry.Payload.(config.VariantConfig)

		resp, err := d.engine.Dispatch(ctx, cfg, req.FunctionName, fn, name, vc, req.RenderInput, req.DynamicCreds)
		if err == nil {
			d.recordFunction(req, episodeID, name, resp, start)
			return &Result{Response: resp, VariantName: name, EpisodeID: episodeID}, nil
		}

		causes = append(causes, err)
		pool = remaining
	}

	if len(causes) == 0 {
		causes = []error{xerrors.New(xerrors.KindAllVariantsFailed, "function %q: no variants configured", req.FunctionName)}
	}
	return nil, xerrors.AllVariantsFailed(causes)
}

// StreamResult is what DispatchStream returns: the raw provider stream plus
// enough context for the caller to aggregate and record it once draining
// finishes (the caller, not the dispatcher, owns draining — see
// internal/stream.Tee).
type StreamResult struct {
	Stream      *provider.StreamResult
	VariantName string
	EpisodeID   string
}

// DispatchStream is the streaming counterpart of Dispatch (spec §4.3
// "Streaming path", §6 stream=true). Only the chat_completion variant kind
// streams; composite kinds have no streaming semantics (see
// variant.Engine.DispatchStream), so a function whose sampled variant isn't
// chat_completion fails immediately rather than retrying a different
// variant kind under a streaming request — streaming is a property of the
// call, not something to paper over by resampling.
func (d *Dispatcher) DispatchStream(ctx context.Context, req Request) (*StreamResult, error) {
	if req.ModelName != "" {
		return d.dispatchModelBypassStream(ctx, req)
	}

	cfg := d.cfg.Get()
	fn, ok := cfg.Functions[req.FunctionName]
	if !ok {
		return nil, xerrors.New(xerrors.KindInvalidRequest, "unknown function %q", req.FunctionName)
	}
	if fn.InputSchema != nil {
		if violations := schema.Validate(fn.InputSchema, req.Input); len(violations) > 0 {
			return nil, xerrors.New(xerrors.KindInputValidation, "input does not match function schema: %v", violations)
		}
	}

	episodeID := req.EpisodeID
	if episodeID == "" {
		episodeID = uuid.NewString()
	}

	variantName := req.PinnedVariant
	var vc config.VariantConfig
	if variantName != "" {
		vc, ok = fn.Variants[variantName]
		if !ok {
			return nil, xerrors.New(xerrors.KindInvalidRequest, "function %q: unknown variant %q", req.FunctionName, req.PinnedVariant)
		}
	} else {
		pool, err := sample.CopyPool(buildPool(fn))
		if err != nil {
			return nil, err
		}
		name, entry, _, err := sample.Sample(req.FunctionName, episodeID, pool)
		if err != nil {
			return nil, err
		}
		variantName = name
		vc = entry.Payload.(config.VariantConfig)
	}

	stream, _, err := d.engine.DispatchStream(ctx, cfg, fn, vc, req.RenderInput, req.DynamicCreds)
	if err != nil {
		return nil, err
	}
	return &StreamResult{Stream: stream, VariantName: variantName, EpisodeID: episodeID}, nil
}

func (d *Dispatcher) dispatchModelBypassStream(ctx context.Context, req Request) (*StreamResult, error) {
	cfg := d.cfg.Get()
	m, ok := cfg.Models[req.ModelName]
	if !ok {
		return nil, xerrors.New(xerrors.KindInvalidRequest, "unknown model %q", req.ModelName)
	}
	if req.ExplicitRequest == nil {
		return nil, xerrors.New(xerrors.KindInvalidRequest, "model bypass requires an explicit request body")
	}
	req.ExplicitRequest.Stream = true

	stream, _, _, err := d.runner.InferStream(ctx, req.ModelName, m, req.ExplicitRequest, req.DynamicCreds)
	if err != nil {
		return nil, err
	}
	return &StreamResult{Stream: stream, EpisodeID: req.EpisodeID}, nil
}

// recordFunction emits the function-level observability record (spec
// §4.10.1), non-blocking: the sink itself owns buffering/drop behavior.
func (d *Dispatcher) recordFunction(req Request, episodeID, variantName string, resp *value.Response, start time.Time) {
	if d.sink == nil || req.Dryrun {
		return
	}
	d.sink.WriteFunctionRecord(obs.FunctionRecord{
		FunctionName:   req.FunctionName,
		VariantName:    variantName,
		EpisodeID:      episodeID,
		InferenceID:    resp.ModelInferenceID,
		Input:          req.Input,
		Output:         resp.Parsed,
		Latency:        resp.Latency,
		ProcessingTime: time.Since(start),
		Tags:           req.Tags,
	})
}
