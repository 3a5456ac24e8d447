package variant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorzero-go/tensorgate/internal/config"
	"github.com/tensorzero-go/tensorgate/internal/embed"
	"github.com/tensorzero-go/tensorgate/internal/model"
	"github.com/tensorzero-go/tensorgate/internal/provider"
	"github.com/tensorzero-go/tensorgate/internal/value"
	"github.com/tensorzero-go/tensorgate/internal/xerrors"
)

// fakeResolver resolves every provider name to the dummy adapter, optionally
// pinned to a provider_model scenario (spec §8's dummy adapter conventions).
type fakeResolver struct {
	providerModel string
}

func (f fakeResolver) Resolve(providerName string, dynamicCreds map[string]string) (provider.Resolved, error) {
	return provider.Resolved{Adapter: provider.NewDummyProvider(), ProviderModel: f.providerModel}, nil
}

func newTestEngine(providerModel string) (*Engine, *config.Config) {
	runner := model.NewRunner(fakeResolver{providerModel: providerModel})
	cfg := &config.Config{
		Models: map[string]config.ModelConfig{
			"m1": {Providers: []string{"p1"}},
		},
	}
	return NewEngine(runner, embed.NewStore(), embed.NewDummyEmbedder()), cfg
}

func TestDispatchChatCompletion(t *testing.T) {
	e, cfg := newTestEngine("")
	fn := config.FunctionConfig{Kind: "chat"}
	vc := config.VariantConfig{Kind: KindChatCompletion, Model: "m1", UserTemplate: "Q: {{.question}}"}
	in := RenderInput{Messages: []InputMessage{{Role: value.RoleUser, Args: map[string]any{"question": "hi"}}}}

	resp, err := e.Dispatch(context.Background(), cfg, "fn1", fn, "v1", vc, in, nil)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, value.FinishStop, resp.FinishReason)
}

func TestDispatchChatCompletionUnknownModel(t *testing.T) {
	e, cfg := newTestEngine("")
	fn := config.FunctionConfig{Kind: "chat"}
	vc := config.VariantConfig{Kind: KindChatCompletion, Model: "does-not-exist"}

	_, err := e.Dispatch(context.Background(), cfg, "fn1", fn, "v1", vc, RenderInput{}, nil)
	require.Error(t, err)
	xe, ok := xerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, xerrors.KindInvalidRequest, xe.Kind)
}

func TestDispatchChatCompletionProviderError(t *testing.T) {
	e, cfg := newTestEngine(provider.DummyModelError)
	fn := config.FunctionConfig{Kind: "chat"}
	vc := config.VariantConfig{Kind: KindChatCompletion, Model: "m1"}

	_, err := e.Dispatch(context.Background(), cfg, "fn1", fn, "v1", vc, RenderInput{}, nil)
	require.Error(t, err)
}

func TestDispatchBestOfNPicksJudgeWinner(t *testing.T) {
	e, cfg := newTestEngine("")
	fn := config.FunctionConfig{Kind: "chat"}
	vc := config.VariantConfig{
		Kind:          KindBestOfN,
		Candidates:    2,
		CandidateVariant: "candidate",
		JudgeVariant:  "judge",
	}

	calls := map[string]int{}
	e.SetSubDispatch(func(ctx context.Context, functionName, variantName string, in RenderInput, dynamicCreds map[string]string) (*value.Response, error) {
		calls[variantName]++
		switch variantName {
		case "candidate":
			return &value.Response{Raw: "candidate answer", FinishReason: value.FinishStop}, nil
		case "judge":
			return &value.Response{Raw: `{"winner":1}`, FinishReason: value.FinishStop}, nil
		}
		return nil, assertUnreachable(t)
	})

	resp, err := e.Dispatch(context.Background(), cfg, "fn1", fn, "v1", vc, RenderInput{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "candidate answer", resp.Raw)
	assert.Equal(t, 2, calls["candidate"])
	assert.Equal(t, 1, calls["judge"])
}

func TestDispatchBestOfNFallsBackOnBadJudgeVerdict(t *testing.T) {
	e, cfg := newTestEngine("")
	fn := config.FunctionConfig{Kind: "chat"}
	vc := config.VariantConfig{
		Kind:          KindBestOfN,
		Candidates:    2,
		CandidateVariant: "candidate",
		JudgeVariant:  "judge",
	}

	e.SetSubDispatch(func(ctx context.Context, functionName, variantName string, in RenderInput, dynamicCreds map[string]string) (*value.Response, error) {
		switch variantName {
		case "candidate":
			return &value.Response{Raw: "first", FinishReason: value.FinishStop}, nil
		case "judge":
			return &value.Response{Raw: `not json`, FinishReason: value.FinishStop}, nil
		}
		return nil, assertUnreachable(t)
	})

	resp, err := e.Dispatch(context.Background(), cfg, "fn1", fn, "v1", vc, RenderInput{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "first", resp.Raw)
}

func TestDispatchBestOfNAllCandidatesFail(t *testing.T) {
	e, cfg := newTestEngine("")
	fn := config.FunctionConfig{Kind: "chat"}
	vc := config.VariantConfig{Kind: KindBestOfN, Candidates: 2, CandidateVariant: "candidate", JudgeVariant: "judge"}

	e.SetSubDispatch(func(ctx context.Context, functionName, variantName string, in RenderInput, dynamicCreds map[string]string) (*value.Response, error) {
		return nil, xerrors.New(xerrors.KindInferenceServer, "boom")
	})

	_, err := e.Dispatch(context.Background(), cfg, "fn1", fn, "v1", vc, RenderInput{}, nil)
	require.Error(t, err)
	xe, ok := xerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, xerrors.KindAllVariantsFailed, xe.Kind)
}

func TestDispatchMixtureOfNReturnsSynthesizerOutput(t *testing.T) {
	e, cfg := newTestEngine("")
	fn := config.FunctionConfig{Kind: "chat"}
	vc := config.VariantConfig{
		Kind:          KindMixtureOfN,
		Candidates:    2,
		CandidateVariant: "candidate",
		SynthesizerVariant: "synth",
	}

	e.SetSubDispatch(func(ctx context.Context, functionName, variantName string, in RenderInput, dynamicCreds map[string]string) (*value.Response, error) {
		switch variantName {
		case "candidate":
			return &value.Response{Raw: "partial", FinishReason: value.FinishStop}, nil
		case "synth":
			return &value.Response{Raw: "combined", FinishReason: value.FinishStop}, nil
		}
		return nil, assertUnreachable(t)
	})

	resp, err := e.Dispatch(context.Background(), cfg, "fn1", fn, "v1", vc, RenderInput{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "combined", resp.Raw)
}

func TestDispatchDICLInjectsExamplesAndRuns(t *testing.T) {
	e, cfg := newTestEngine("")
	embedder := embed.NewDummyEmbedder()
	e.embedder = embedder
	vec, err := embedder.Embed(context.Background(), "what is the capital of France")
	require.NoError(t, err)
	e.examples.Add("fn1/v1/geo", vec, embed.Example{Input: "capital of Spain?", Output: "Madrid"})

	fn := config.FunctionConfig{Kind: "chat"}
	vc := config.VariantConfig{
		Kind:               KindDynamicInContextLearning,
		Model:              "m1",
		EmbeddingNamespace: "geo",
		TopK:               1,
	}
	in := RenderInput{Messages: []InputMessage{{
		Role:    value.RoleUser,
		Content: []value.ContentBlock{{Kind: value.BlockText, Text: "what is the capital of France"}},
	}}}

	resp, err := e.Dispatch(context.Background(), cfg, "fn1", fn, "v1", vc, in, nil)
	require.NoError(t, err)
	require.NotNil(t, resp)
}

// thinkingEnvelopeProvider simulates a real model's raw JSON output for a
// thinking-wrapped call: {"thinking": ..., "response": ...}, the shape
// dispatchChainOfThought is responsible for splitting apart. TestDispatch
// ChainOfThoughtWithDummyProvider below exercises the same split through the
// real dummy adapter instead of this bespoke one.
type thinkingEnvelopeProvider struct{ provider.DummyProvider }

func (p *thinkingEnvelopeProvider) Infer(ctx context.Context, call provider.Call) (*value.Response, error) {
	return &value.Response{
		Raw:          `{"thinking":"step by step...","response":{"answer":"42"}}`,
		FinishReason: value.FinishStop,
	}, nil
}

type thinkingEnvelopeResolver struct{}

func (thinkingEnvelopeResolver) Resolve(providerName string, dynamicCreds map[string]string) (provider.Resolved, error) {
	return provider.Resolved{Adapter: &thinkingEnvelopeProvider{}}, nil
}

func TestDispatchChainOfThoughtSplitsThinkingAndResponse(t *testing.T) {
	runner := model.NewRunner(thinkingEnvelopeResolver{})
	cfg := &config.Config{Models: map[string]config.ModelConfig{"m1": {Providers: []string{"p1"}}}}
	e := NewEngine(runner, embed.NewStore(), embed.NewDummyEmbedder())

	fn := config.FunctionConfig{
		Kind:         string(value.FunctionJSON),
		OutputSchema: map[string]any{"type": "object"},
	}
	vc := config.VariantConfig{Kind: KindChainOfThought, Model: "m1"}

	resp, err := e.Dispatch(context.Background(), cfg, "fn1", fn, "v1", vc, RenderInput{}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Content)
	assert.Equal(t, value.BlockThought, resp.Content[0].Kind)
	assert.Equal(t, "step by step...", resp.Content[0].ThoughtText)
	assert.JSONEq(t, `{"answer":"42"}`, resp.Raw)
	assert.Equal(t, map[string]any{"answer": "42"}, resp.Parsed)
}

// TestDispatchChainOfThoughtWithDummyProvider drives spec scenario 6 (a JSON
// chain_of_thought call) through the real dummy adapter's
// DummyModelChainOfThought fixture, end to end through dispatchChainOfThought
// itself, rather than a bespoke provider.Infer stub.
func TestDispatchChainOfThoughtWithDummyProvider(t *testing.T) {
	e, cfg := newTestEngine(provider.DummyModelChainOfThought)

	fn := config.FunctionConfig{
		Kind:         string(value.FunctionJSON),
		OutputSchema: map[string]any{"type": "object"},
	}
	vc := config.VariantConfig{Kind: KindChainOfThought, Model: "m1"}

	resp, err := e.Dispatch(context.Background(), cfg, "fn1", fn, "v1", vc, RenderInput{}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Content)
	assert.Equal(t, value.BlockThought, resp.Content[0].Kind)
	assert.Equal(t, "step...", resp.Content[0].ThoughtText)
	assert.JSONEq(t, `{"answer":"42"}`, resp.Raw)
	assert.Equal(t, map[string]any{"answer": "42"}, resp.Parsed)
}

func TestDispatchChainOfThoughtRejectsChatFunction(t *testing.T) {
	e, cfg := newTestEngine("")
	fn := config.FunctionConfig{Kind: "chat"}
	vc := config.VariantConfig{Kind: KindChainOfThought, Model: "m1"}

	_, err := e.Dispatch(context.Background(), cfg, "fn1", fn, "v1", vc, RenderInput{}, nil)
	require.Error(t, err)
}

func assertUnreachable(t *testing.T) error {
	t.Helper()
	t.Fatal("unexpected sub-dispatch variant")
	return nil
}
