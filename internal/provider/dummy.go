package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tensorzero-go/tensorgate/internal/value"
)

// DummyProvider is the internal test adapter (spec §3.1 "an internal 'dummy'
// adapter for tests"). It makes no network calls; behavior is selected by
// call.ProviderModel so config fixtures can pin deterministic scenarios
// without a real upstream. This is the adapter the "Round-trip of Unknown
// blocks" law (spec §8) is defined against.
type DummyProvider struct{}

func NewDummyProvider() *DummyProvider { return &DummyProvider{} }

func (d *DummyProvider) Name() string { return "dummy" }

func (d *DummyProvider) CredentialLocations() []CredentialLocation { return nil }

func (d *DummyProvider) Supports(f Feature) bool { return false }

// Dummy provider-model conventions. Anything else falls back to echoing a
// canned text reply, so `provider_model: test` (spec scenario 1) just works.
const (
	DummyModelError         = "error"          // always a simulated 500
	DummyModelToolCallStream = "tool_call_stream" // streaming tool-call scenario (spec §8 scenario 5)
	DummyModelChainOfThought = "chain_of_thought" // JSON chain-of-thought scenario (spec §8 scenario 6)
)

const dummyCannedText = "This is a canned response from the dummy adapter."

func (d *DummyProvider) Infer(ctx context.Context, call Call) (*value.Response, error) {
	start := time.Now()
	raw, _ := json.Marshal(call.Request)

	switch call.ProviderModel {
	case DummyModelError:
		return nil, kindInferenceServer(500, `{"error":"simulated failure"}`, string(raw), "dummy")

	case DummyModelChainOfThought:
		// Raw carries the thinking-wrapped envelope chain_of_thought's
		// parseThinkingOutput expects to split, the same shape a real model
		// would emit for a thinking-wrapped JSON call — not the already-split
		// result, so this scenario only makes sense behind a chain_of_thought
		// variant.
		rawResp := `{"thinking":"step...","response":{"answer":"42"}}`
		return &value.Response{
			Raw:              rawResp,
			ModelInferenceID: "dummy-cot",
			Latency:          time.Since(start),
			FinishReason:     value.FinishStop,
			RawRequest:       string(raw),
			RawResponse:      rawResp,
		}, nil
	}

	// Echo Unknown blocks verbatim, bitwise, if the caller sent any — this is
	// the one law this adapter exists to satisfy.
	if unk := firstUnknownBlock(call.Request); unk != nil {
		return &value.Response{
			Content:          []value.ContentBlock{*unk},
			ModelInferenceID: "dummy-echo",
			Latency:          time.Since(start),
			FinishReason:     value.FinishStop,
			RawRequest:       string(raw),
			RawResponse:      string(unk.UnknownRaw),
		}, nil
	}

	return &value.Response{
		Content: []value.ContentBlock{
			{Kind: value.BlockText, Text: dummyCannedText},
		},
		ModelInferenceID: "dummy-" + call.ModelName,
		Latency:          time.Since(start),
		Usage:            value.Usage{InputTokens: 1, OutputTokens: len(dummyCannedText)},
		FinishReason:     value.FinishStop,
		RawRequest:       string(raw),
		RawResponse:      fmt.Sprintf(`{"text":%q}`, dummyCannedText),
	}, nil
}

func (d *DummyProvider) InferStream(ctx context.Context, call Call) (*StreamResult, error) {
	raw, _ := json.Marshal(call.Request)

	if call.ProviderModel == DummyModelError {
		return nil, kindInferenceServer(500, `{"error":"simulated failure"}`, string(raw), "dummy")
	}

	if call.ProviderModel == DummyModelToolCallStream {
		return d.streamToolCall(string(raw)), nil
	}

	ch := make(chan value.StreamChunk, 1)
	reason := value.FinishStop
	first := value.StreamChunk{
		Deltas:       []value.ContentBlock{{Kind: value.BlockText, Text: dummyCannedText}},
		Done:         true,
		FinishReason: &reason,
		PartialUsage: &value.Usage{InputTokens: 1, OutputTokens: len(dummyCannedText)},
	}
	close(ch)
	return &StreamResult{First: first, Remainder: ch, RawRequest: string(raw)}, nil
}

// streamToolCall builds the literal three-chunk fixture from spec §8 scenario
// 5: two tool_call.arguments fragments, then a terminal chunk with
// finish_reason=tool_call. The two fragments concatenate to
// `{"location":"Tokyo"}`.
func (d *DummyProvider) streamToolCall(rawReq string) *StreamResult {
	ch := make(chan value.StreamChunk, 1)
	reason := value.FinishToolCall

	first := value.StreamChunk{
		Deltas: []value.ContentBlock{{
			Kind: value.BlockToolCall, Index: 0,
			ToolCallID: "call_1", ToolName: "get_temperature",
			RawArguments: `{"location":`,
		}},
	}

	go func() {
		defer close(ch)
		ch <- value.StreamChunk{
			Deltas: []value.ContentBlock{{
				Kind: value.BlockToolCall, Index: 0,
				RawArguments: `"Tokyo"}`,
			}},
		}
		ch <- value.StreamChunk{
			Done:         true,
			FinishReason: &reason,
			PartialUsage: &value.Usage{InputTokens: 5, OutputTokens: 10},
		}
	}()

	return &StreamResult{First: first, Remainder: ch, RawRequest: rawReq}
}

// firstUnknownBlock returns the first Unknown content block in the request's
// messages, if any.
func firstUnknownBlock(req *value.Request) *value.ContentBlock {
	for _, msg := range req.Messages {
		for i := range msg.Content {
			if msg.Content[i].Kind == value.BlockUnknown {
				return &msg.Content[i]
			}
		}
	}
	return nil
}
