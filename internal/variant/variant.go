// Package variant implements the variant engine (spec §4.4, C4): the state
// machines — chat_completion, best_of_n, mixture_of_n,
// dynamic_in_context_learning, chain_of_thought — that sit between the
// function dispatcher and the model runner. Each variant kind resolves its
// templated input into a value.Request, dispatches it (directly to C3 for
// chat_completion, or via one or more subcalls for the composite kinds),
// and returns a normalized value.Response.
package variant

import (
	"context"

	"github.com/tensorzero-go/tensorgate/internal/config"
	"github.com/tensorzero-go/tensorgate/internal/embed"
	"github.com/tensorzero-go/tensorgate/internal/model"
	"github.com/tensorzero-go/tensorgate/internal/value"
	"github.com/tensorzero-go/tensorgate/internal/xerrors"
)

// Variant kind strings, matching config.VariantConfig.Kind (spec §3.1).
const (
	KindChatCompletion         = "chat_completion"
	KindBestOfN                = "best_of_n"
	KindMixtureOfN              = "mixture_of_n"
	KindDynamicInContextLearning = "dynamic_in_context_learning"
	KindChainOfThought          = "chain_of_thought"
)

// InputMessage is one not-yet-rendered conversational turn (spec §4.4 step
// 1). If the variant configures a template for Role, Args is rendered
// through it; Content carries literal blocks (tool results, files, blocks
// from a previous turn) that pass through untemplated, after any rendered
// text.
type InputMessage struct {
	Role    value.Role
	Args    map[string]any
	Content []value.ContentBlock
}

// RenderInput is the caller-supplied content and call-scoped options for one
// function call, before template resolution.
type RenderInput struct {
	SystemText *string
	SystemArgs map[string]any
	Messages   []InputMessage

	// CacheOptions and Dryrun carry straight through to the rendered
	// value.Request (see renderRequest); they're call-scoped, not
	// template-rendered, so they ride along with everything else
	// RenderInput already threads through every variant kind.
	CacheOptions value.CacheOptions
	Dryrun       bool
}

// SubDispatchFunc lets a composite variant (best_of_n, mixture_of_n) call
// back into the function dispatcher for a named sub-variant, without
// internal/variant importing internal/dispatch (which imports
// internal/variant) — the dispatcher supplies this callback when it builds
// an Engine.
type SubDispatchFunc func(ctx context.Context, functionName, variantName string, in RenderInput, dynamicCreds map[string]string) (*value.Response, error)

// Engine runs one variant dispatch. It is stateless with respect to config:
// callers pass the function/variant config for each call, so a config
// hot-reload never requires rebuilding the Engine itself — only the
// embedded model.Runner (which owns the provider registry) needs rebuilding
// on reload, same as the teacher's single construct-at-startup registry.
type Engine struct {
	runner      *model.Runner
	examples    *embed.Store
	embedder    embed.Embedder
	subDispatch SubDispatchFunc
}

func NewEngine(runner *model.Runner, examples *embed.Store, embedder embed.Embedder) *Engine {
	return &Engine{runner: runner, examples: examples, embedder: embedder}
}

// SetSubDispatch wires the dispatcher's callback in after construction,
// breaking the variant↔dispatch import cycle.
func (e *Engine) SetSubDispatch(f SubDispatchFunc) { e.subDispatch = f }

// Dispatch runs functionName's variant named variantName against in (spec
// §4.4 steps 2–3): render input, dispatch by kind, return the normalized
// response. functionName is used by the composite kinds
// (best_of_n/mixture_of_n), which re-enter the dispatcher by name via
// SubDispatchFunc for their candidate/judge/synthesizer subcalls, and by
// dynamic_in_context_learning, whose example-store key includes it.
func (e *Engine) Dispatch(ctx context.Context, cfg *config.Config, functionName string, fn config.FunctionConfig, variantName string, vc config.VariantConfig, in RenderInput, dynamicCreds map[string]string) (*value.Response, error) {
	switch vc.Kind {
	case KindChatCompletion:
		return e.dispatchChatCompletion(ctx, cfg, fn, vc, in, dynamicCreds)
	case KindBestOfN:
		return e.dispatchBestOfN(ctx, cfg, functionName, fn, vc, in, dynamicCreds)
	case KindMixtureOfN:
		return e.dispatchMixtureOfN(ctx, cfg, functionName, fn, vc, in, dynamicCreds)
	case KindDynamicInContextLearning:
		return e.dispatchDICL(ctx, cfg, functionName, variantName, vc, in, dynamicCreds)
	case KindChainOfThought:
		return e.dispatchChainOfThought(ctx, cfg, fn, vc, in, dynamicCreds)
	default:
		return nil, xerrors.New(xerrors.KindInvalidRequest, "unknown variant kind %q", vc.Kind)
	}
}
