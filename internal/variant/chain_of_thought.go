package variant

import (
	"context"
	"encoding/json"

	"github.com/tensorzero-go/tensorgate/internal/config"
	"github.com/tensorzero-go/tensorgate/internal/value"
	"github.com/tensorzero-go/tensorgate/internal/xerrors"
)

// thinkingOutputSchema wraps a JSON function's real output schema in a
// {thinking, response} envelope, grounded on
// tensorzero-core/src/variant/chain_of_thought.rs's prepare_thinking_output_schema:
// the model is asked for its reasoning and its answer in one structured
// call, and the two are split apart again in parseThinkingOutput.
func thinkingOutputSchema(inner map[string]any) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"thinking": map[string]any{"type": "string"},
			"response": inner,
		},
		"required":             []any{"thinking", "response"},
		"additionalProperties": false,
	}
}

type thinkingOutput struct {
	Thinking string `json:"thinking"`
	Response json.RawMessage `json:"response"`
}

// parseThinkingOutput splits a thinking-wrapped JSON response back into its
// thought and its real answer (chain_of_thought.rs's parse_thinking_output).
func parseThinkingOutput(raw string) (thinking string, response json.RawMessage, err error) {
	var out thinkingOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return "", nil, xerrors.Wrap(xerrors.KindOutputParsing, err, "chain_of_thought: model output did not match the thinking envelope")
	}
	if len(out.Response) == 0 {
		return "", nil, xerrors.New(xerrors.KindOutputParsing, "chain_of_thought: model output missing \"response\"")
	}
	return out.Thinking, out.Response, nil
}

// dispatchChainOfThought implements spec §4.4 step 2's chain_of_thought: a
// JSON function's output schema is wrapped so the model must emit its
// reasoning alongside its answer in one call; the reasoning is split out
// into a leading Thought content block and the answer becomes the parsed
// output, as if the function's original schema had been satisfied directly.
//
// Unsupported for streaming, same as the original: a partial thinking/
// response split cannot be reconciled chunk by chunk, so callers that need
// this variant kind must use the non-streaming path.
func (e *Engine) dispatchChainOfThought(ctx context.Context, cfg *config.Config, fn config.FunctionConfig, vc config.VariantConfig, in RenderInput, dynamicCreds map[string]string) (*value.Response, error) {
	if fn.Kind != string(value.FunctionJSON) {
		return nil, xerrors.New(xerrors.KindInvalidRequest, "chain_of_thought: only valid for json functions")
	}

	wrapped := thinkingOutputSchema(fn.OutputSchema)

	resp, err := e.runChatCompletion(ctx, cfg, vc, in, value.JSONModeOn, wrapped, dynamicCreds)
	if err != nil {
		return nil, err
	}

	thinking, response, err := parseThinkingOutput(resp.Raw)
	if err != nil {
		return nil, err
	}

	var parsed any
	if err := json.Unmarshal(response, &parsed); err != nil {
		return nil, xerrors.Wrap(xerrors.KindOutputParsing, err, "chain_of_thought: response field was not valid JSON")
	}

	out := *resp
	out.Raw = string(response)
	out.Parsed = parsed
	out.Content = append([]value.ContentBlock{{Kind: value.BlockThought, ThoughtText: thinking}}, resp.Content...)
	return &out, nil
}
