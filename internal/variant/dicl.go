package variant

import (
	"context"
	"fmt"

	"github.com/tensorzero-go/tensorgate/internal/config"
	"github.com/tensorzero-go/tensorgate/internal/value"
	"github.com/tensorzero-go/tensorgate/internal/xerrors"
)

// namespaceKey composes the embedding store partition key (spec §4.4:
// "keyed on the function/variant/namespace").
func namespaceKey(functionName, variantName string, vc config.VariantConfig) string {
	return fmt.Sprintf("%s/%s/%s", functionName, variantName, vc.EmbeddingNamespace)
}

// queryText flattens the input's last user turn into the string embedded
// for the nearest-neighbor lookup — the turn the examples should be most
// relevant to.
func queryText(in RenderInput) string {
	for i := len(in.Messages) - 1; i >= 0; i-- {
		m := in.Messages[i]
		if m.Role != value.RoleUser {
			continue
		}
		if text, ok := m.Args["text"].(string); ok && text != "" {
			return text
		}
		for _, b := range m.Content {
			if b.Kind == value.BlockText && b.Text != "" {
				return b.Text
			}
		}
	}
	return ""
}

// dispatchDICL implements spec §4.4 step 2's dynamic_in_context_learning:
// embed the request, retrieve the top_k nearest stored examples, inject
// them as leading user/assistant turns, then run a single chat_completion
// subcall over the augmented input.
func (e *Engine) dispatchDICL(ctx context.Context, cfg *config.Config, functionName, variantName string, vc config.VariantConfig, in RenderInput, dynamicCreds map[string]string) (*value.Response, error) {
	if e.embedder == nil || e.examples == nil {
		return nil, xerrors.New(xerrors.KindInvalidRequest, "dynamic_in_context_learning: no embedder/example store configured")
	}

	q := queryText(in)
	if q == "" {
		return nil, xerrors.New(xerrors.KindInputValidation, "dynamic_in_context_learning: no user text to embed")
	}

	vec, err := e.embedder.Embed(ctx, q)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInferenceServer, err, "dynamic_in_context_learning: embedding query")
	}

	topK := vc.TopK
	if topK <= 0 {
		topK = 1
	}
	examples, err := e.examples.TopK(namespaceKey(functionName, variantName, vc), vec, topK)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInferenceServer, err, "dynamic_in_context_learning: retrieving examples")
	}

	augmented := RenderInput{SystemText: in.SystemText, SystemArgs: in.SystemArgs}
	for _, ex := range examples {
		augmented.Messages = append(augmented.Messages,
			InputMessage{Role: value.RoleUser, Content: []value.ContentBlock{{Kind: value.BlockText, Text: ex.Input}}},
			InputMessage{Role: value.RoleAssistant, Content: []value.ContentBlock{{Kind: value.BlockText, Text: ex.Output}}},
		)
	}
	augmented.Messages = append(augmented.Messages, in.Messages...)

	jsonMode := value.JSONModeOff
	return e.runChatCompletion(ctx, cfg, vc, augmented, jsonMode, nil, dynamicCreds)
}
