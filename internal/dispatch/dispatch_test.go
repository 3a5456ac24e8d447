package dispatch

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
	"github.com/tensorzero-go/tensorgate/internal/variant"
	"github.com/tensorzero-go/tensorgate/internal/xerrors"
)

// fixedConfig is the test double for ConfigSource: a config snapshot that
// never reloads.
type fixedConfig struct{ cfg *config.Config }

func (f fixedConfig) Get() *config.Config { return f.cfg }

type fakeResolver struct{ providerModel string }

func (f fakeResolver) Resolve(providerName string, dynamicCreds map[string]string) (provider.Resolved, error) {
	return provider.Resolved{Adapter: provider.NewDummyProvider(), ProviderModel: f.providerModel}, nil
}

func newTestDispatcher(cfg *config.Config) *Dispatcher {
	runner := model.NewRunner(fakeResolver{})
	engine := variant.NewEngine(runner, embed.NewStore(), embed.NewDummyEmbedder())
	return New(fixedConfig{cfg}, runner, engine, nil)
}

func oneVariantConfig(weight *float64) *config.Config {
	return &config.Config{
		Models: map[string]config.ModelConfig{
			"m1": {Providers: []string{"p1"}},
		},
		Functions: map[string]config.FunctionConfig{
			"greet": {
				Kind: "chat",
				Variants: map[string]config.VariantConfig{
					"v1": {Kind: variant.KindChatCompletion, Model: "m1", Weight: weight},
				},
			},
		},
	}
}

func TestDispatchFunctionSelectsSoleVariant(t *testing.T) {
	d := newTestDispatcher(oneVariantConfig(nil))

	result, err := d.Dispatch(context.Background(), Request{
		FunctionName: "greet",
		EpisodeID:    "ep-1",
		RenderInput: variant.RenderInput{
			Messages: []variant.InputMessage{{Role: value.RoleUser, Args: map[string]any{}}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "v1", result.VariantName)
	assert.Equal(t, "ep-1", result.EpisodeID)
	require.NotNil(t, result.Response)
}

func TestDispatchFunctionGeneratesEpisodeIDWhenAbsent(t *testing.T) {
	d := newTestDispatcher(oneVariantConfig(nil))

	result, err := d.Dispatch(context.Background(), Request{FunctionName: "greet"})
	require.NoError(t, err)
	assert.NotEmpty(t, result.EpisodeID)
}

func TestDispatchFunctionUnknownFunction(t *testing.T) {
	d := newTestDispatcher(oneVariantConfig(nil))

	_, err := d.Dispatch(context.Background(), Request{FunctionName: "does-not-exist"})
	require.Error(t, err)
	xe, ok := xerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, xerrors.KindInvalidRequest, xe.Kind)
}

func TestDispatchFunctionPinnedVariantUnknown(t *testing.T) {
	d := newTestDispatcher(oneVariantConfig(nil))

	_, err := d.Dispatch(context.Background(), Request{FunctionName: "greet", PinnedVariant: "nope"})
	require.Error(t, err)
}

func TestDispatchFunctionRetriesNextVariantOnFailure(t *testing.T) {
	cfg := &config.Config{
		Models: map[string]config.ModelConfig{
			"bad":  {Providers: []string{"p-bad"}},
			"good": {Providers: []string{"p-good"}},
		},
		Functions: map[string]config.FunctionConfig{
			"greet": {
				Kind: "chat",
				Variants: map[string]config.VariantConfig{
					"broken": {Kind: variant.KindChatCompletion, Model: "bad"},
					"works":  {Kind: variant.KindChatCompletion, Model: "good"},
				},
			},
		},
	}

	resolver := perProviderResolver{
		"p-bad":  provider.DummyModelError,
		"p-good": "",
	}
	runner := model.NewRunner(resolver)
	engine := variant.NewEngine(runner, embed.NewStore(), embed.NewDummyEmbedder())
	d := New(fixedConfig{cfg}, runner, engine, nil)

	result, err := d.Dispatch(context.Background(), Request{FunctionName: "greet", EpisodeID: "ep-retry"})
	require.NoError(t, err)
	assert.Equal(t, "works", result.VariantName)
}

func TestDispatchFunctionAllVariantsFailed(t *testing.T) {
	cfg := &config.Config{
		Models: map[string]config.ModelConfig{"bad": {Providers: []string{"p-bad"}}},
		Functions: map[string]config.FunctionConfig{
			"greet": {
				Kind: "chat",
				Variants: map[string]config.VariantConfig{
					"broken": {Kind: variant.KindChatCompletion, Model: "bad"},
				},
			},
		},
	}
	runner := model.NewRunner(fakeResolver{providerModel: provider.DummyModelError})
	engine := variant.NewEngine(runner, embed.NewStore(), embed.NewDummyEmbedder())
	d := New(fixedConfig{cfg}, runner, engine, nil)

	_, err := d.Dispatch(context.Background(), Request{FunctionName: "greet"})
	require.Error(t, err)
	xe, ok := xerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, xerrors.KindAllVariantsFailed, xe.Kind)
}

func TestDispatchModelBypass(t *testing.T) {
	d := newTestDispatcher(oneVariantConfig(nil))

	result, err := d.Dispatch(context.Background(), Request{
		ModelName:       "m1",
		ExplicitRequest: &value.Request{Messages: []value.Message{{Role: value.RoleUser}}},
	})
	require.NoError(t, err)
	assert.Empty(t, result.VariantName)
	require.NotNil(t, result.Response)
}

func TestDispatchModelBypassUnknownModel(t *testing.T) {
	d := newTestDispatcher(oneVariantConfig(nil))

	_, err := d.Dispatch(context.Background(), Request{ModelName: "nope", ExplicitRequest: &value.Request{}})
	require.Error(t, err)
}

func TestDispatchFunctionInputValidationFailure(t *testing.T) {
	cfg := oneVariantConfig(nil)
	fn := cfg.Functions["greet"]
	fn.InputSchema = map[string]any{
		"type":     "object",
		"required": []any{"name"},
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
		},
	}
	cfg.Functions["greet"] = fn
	d := newTestDispatcher(cfg)

	_, err := d.Dispatch(context.Background(), Request{FunctionName: "greet", Input: map[string]any{}})
	require.Error(t, err)
	xe, ok := xerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, xerrors.KindInputValidation, xe.Kind)
}

func TestDispatchStreamSelectsVariant(t *testing.T) {
	d := newTestDispatcher(oneVariantConfig(nil))

	result, err := d.DispatchStream(context.Background(), Request{
		FunctionName: "greet",
		EpisodeID:    "ep-stream",
		RenderInput: variant.RenderInput{
			Messages: []variant.InputMessage{{Role: value.RoleUser, Args: map[string]any{}}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "v1", result.VariantName)
	assert.Equal(t, "ep-stream", result.EpisodeID)
	require.NotNil(t, result.Stream)
}

func TestDispatchStreamRejectsNonChatCompletionVariant(t *testing.T) {
	cfg := &config.Config{
		Models: map[string]config.ModelConfig{"m1": {Providers: []string{"p1"}}},
		Functions: map[string]config.FunctionConfig{
			"greet": {
				Kind: "chat",
				Variants: map[string]config.VariantConfig{
					"boost": {Kind: variant.KindBestOfN, Model: "m1"},
				},
			},
		},
	}
	d := newTestDispatcher(cfg)

	_, err := d.DispatchStream(context.Background(), Request{FunctionName: "greet", PinnedVariant: "boost"})
	require.Error(t, err)
	xe, ok := xerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, xerrors.KindStream, xe.Kind)
}

func TestDispatchStreamDoesNotRetryOnOpenFailure(t *testing.T) {
	cfg := &config.Config{
		Models: map[string]config.ModelConfig{
			"bad":  {Providers: []string{"p-bad"}},
			"good": {Providers: []string{"p-good"}},
		},
		Functions: map[string]config.FunctionConfig{
			"greet": {
				Kind: "chat",
				Variants: map[string]config.VariantConfig{
					"broken": {Kind: variant.KindChatCompletion, Model: "bad"},
				},
			},
		},
	}
	resolver := perProviderResolver{"p-bad": provider.DummyModelError}
	runner := model.NewRunner(resolver)
	engine := variant.NewEngine(runner, embed.NewStore(), embed.NewDummyEmbedder())
	d := New(fixedConfig{cfg}, runner, engine, nil)

	_, err := d.DispatchStream(context.Background(), Request{FunctionName: "greet", PinnedVariant: "broken"})
	require.Error(t, err, "a first-chunk failure surfaces as a unary error; DispatchStream never resamples a different variant")
}

func TestDispatchStreamModelBypass(t *testing.T) {
	d := newTestDispatcher(oneVariantConfig(nil))

	result, err := d.DispatchStream(context.Background(), Request{
		ModelName:       "m1",
		ExplicitRequest: &value.Request{Messages: []value.Message{{Role: value.RoleUser}}},
	})
	require.NoError(t, err)
	assert.Empty(t, result.VariantName)
	require.NotNil(t, result.Stream)
}

func TestDispatchStreamModelBypassUnknownModel(t *testing.T) {
	d := newTestDispatcher(oneVariantConfig(nil))

	_, err := d.DispatchStream(context.Background(), Request{ModelName: "nope", ExplicitRequest: &value.Request{}})
	require.Error(t, err)
}

// perProviderResolver resolves different provider_model scenarios per
// provider name, letting a test pin one provider to fail and another to
// succeed.
type perProviderResolver map[string]string

func (r perProviderResolver) Resolve(providerName string, dynamicCreds map[string]string) (provider.Resolved, error) {
	return provider.Resolved{Adapter: provider.NewDummyProvider(), ProviderModel: r[providerName]}, nil
}
