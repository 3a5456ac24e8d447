package variant

import (
	"context"

	"github.com/google/uuid"

	"github.com/tensorzero-go/tensorgate/internal/config"
	"github.com/tensorzero-go/tensorgate/internal/provider"
	tgtemplate "github.com/tensorzero-go/tensorgate/internal/template"
	"github.com/tensorzero-go/tensorgate/internal/value"
	"github.com/tensorzero-go/tensorgate/internal/xerrors"
)

// renderRequest applies vc's template bundle to in (spec §4.4 step 1) and
// builds the normalized value.Request chat_completion (and every variant
// kind built on top of it) sends to the model runner.
func renderRequest(vc config.VariantConfig, in RenderInput, jsonMode value.JSONMode, outputSchema map[string]any) (*value.Request, error) {
	bundle, err := tgtemplate.Compile(tgtemplate.Bundle{
		System:    vc.SystemTemplate,
		User:      vc.UserTemplate,
		Assistant: vc.AssistantTemplate,
	})
	if err != nil {
		return nil, err
	}

	req := &value.Request{
		InferenceID:  uuid.NewString(),
		JSONMode:     jsonMode,
		OutputSchema: outputSchema,
		Sampling:     samplingFromConfig(vc.Sampling),
		CacheOptions: in.CacheOptions,
		Dryrun:       in.Dryrun,
	}

	if bundle.HasSystem() {
		if in.SystemArgs == nil {
			in.SystemArgs = map[string]any{}
		}
		sys, err := bundle.RenderSystem(in.SystemArgs)
		if err != nil {
			return nil, err
		}
		req.System = &sys
	} else if in.SystemText != nil {
		req.System = in.SystemText
	}

	for _, m := range in.Messages {
		content := make([]value.ContentBlock, 0, len(m.Content)+1)

		var rendered string
		var renderErr error
		switch m.Role {
		case value.RoleUser:
			rendered, renderErr = bundle.RenderUser(m.Args)
		case value.RoleAssistant:
			rendered, renderErr = bundle.RenderAssistant(m.Args)
		}
		if renderErr != nil {
			return nil, renderErr
		}
		if rendered != "" {
			content = append(content, value.ContentBlock{Kind: value.BlockText, Text: rendered})
		}
		content = append(content, m.Content...)

		req.Messages = append(req.Messages, value.Message{Role: m.Role, Content: content})
	}

	return req, nil
}

func samplingFromConfig(s config.SamplingConfig) value.SamplingParams {
	return value.SamplingParams{
		Temperature:    s.Temperature,
		TopP:           s.TopP,
		MaxTokens:      s.MaxTokens,
		Seed:           s.Seed,
		ThinkingBudget: s.ThinkingBudget,
	}
}

// dispatchChatCompletion is the base case every other variant kind builds
// on: render the template bundle, resolve the configured model, and run it
// through the model runner (spec §4.4 step 2 "chat_completion: single model
// call via C3; return directly"). JSON functions ask for structured output
// via jsonMode/outputSchema; chain_of_thought overrides both with its
// thinking-wrapped schema (see chain_of_thought.go).
func (e *Engine) dispatchChatCompletion(ctx context.Context, cfg *config.Config, fn config.FunctionConfig, vc config.VariantConfig, in RenderInput, dynamicCreds map[string]string) (*value.Response, error) {
	jsonMode := value.JSONModeOff
	var outputSchema map[string]any
	if fn.Kind == string(value.FunctionJSON) {
		jsonMode = value.JSONModeOn
		outputSchema = fn.OutputSchema
	}
	return e.runChatCompletion(ctx, cfg, vc, in, jsonMode, outputSchema, dynamicCreds)
}

// runChatCompletion is the shared model-call path: render, resolve model,
// run through C3.
func (e *Engine) runChatCompletion(ctx context.Context, cfg *config.Config, vc config.VariantConfig, in RenderInput, jsonMode value.JSONMode, outputSchema map[string]any, dynamicCreds map[string]string) (*value.Response, error) {
	req, err := renderRequest(vc, in, jsonMode, outputSchema)
	if err != nil {
		return nil, err
	}

	m, ok := cfg.Models[vc.Model]
	if !ok {
		return nil, xerrors.New(xerrors.KindInvalidRequest, "variant references unknown model %q", vc.Model)
	}

	resp, _, err := e.runner.Infer(ctx, vc.Model, m, req, dynamicCreds)
	return resp, err
}

// DispatchStream runs the streaming counterpart of chat_completion (spec
// §4.3 "Streaming path"). Composite variant kinds (best_of_n, mixture_of_n,
// dynamic_in_context_learning, chain_of_thought) have no streaming
// counterpart — their sub-variant calls can't be torn apart and recombined
// mid-flight, the same reason the original chain_of_thought implementation
// rejects streaming outright — so Dispatch is the only path for them.
func (e *Engine) DispatchStream(ctx context.Context, cfg *config.Config, fn config.FunctionConfig, vc config.VariantConfig, in RenderInput, dynamicCreds map[string]string) (*provider.StreamResult, string, error) {
	if vc.Kind != KindChatCompletion {
		return nil, "", xerrors.New(xerrors.KindStream, "variant kind %q has no streaming counterpart", vc.Kind)
	}

	jsonMode := value.JSONModeOff
	var outputSchema map[string]any
	if fn.Kind == string(value.FunctionJSON) {
		jsonMode = value.JSONModeOn
		outputSchema = fn.OutputSchema
	}

	req, err := renderRequest(vc, in, jsonMode, outputSchema)
	if err != nil {
		return nil, "", err
	}
	req.Stream = true

	m, ok := cfg.Models[vc.Model]
	if !ok {
		return nil, "", xerrors.New(xerrors.KindInvalidRequest, "variant references unknown model %q", vc.Model)
	}

	result, providerName, _, err := e.runner.InferStream(ctx, vc.Model, m, req, dynamicCreds)
	return result, providerName, err
}
