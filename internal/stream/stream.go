// Package stream handles the streaming pipeline (spec §4.7, C7): the
// tee/aggregator split (tee.go), block-order-preserving aggregation
// (aggregate.go), and the OpenAI-compatible SSE writer below, grounded on
// the teacher's original stream.go writer.
package stream

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/tensorzero-go/tensorgate/internal/value"
)

// ---------------------------------------------------------------------------
// OpenAI-compatible SSE response types
// ---------------------------------------------------------------------------

type sseChunk struct {
	ID      string      `json:"id"`
	Object  string      `json:"object"`
	Model   string      `json:"model"`
	Choices []sseChoice `json:"choices"`
	Usage   *sseUsage   `json:"usage,omitempty"`
}

type sseChoice struct {
	Index        int      `json:"index"`
	Delta        sseDelta `json:"delta"`
	FinishReason *string  `json:"finish_reason"`
}

type sseDelta struct {
	Content   string        `json:"content,omitempty"`
	ToolCalls []sseToolCall `json:"tool_calls,omitempty"`
}

type sseToolCall struct {
	Index    int             `json:"index"`
	ID       string          `json:"id,omitempty"`
	Function sseFunctionCall `json:"function"`
}

type sseFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type sseUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ---------------------------------------------------------------------------
// SSE Writer
// ---------------------------------------------------------------------------

// Write reads normalized StreamChunks from the caller arm of a Tee and
// writes them to w as OpenAI-compatible Server-Sent Events, exactly the
// format the teacher's original single-provider writer produced, now driven
// off value.ContentBlock deltas instead of a flat Delta string.
func Write(w http.ResponseWriter, modelName string, chunks <-chan value.StreamChunk) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing (http.Flusher)")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for chunk := range chunks {
		if chunk.Err != nil {
			log.Printf("stream error: %v", chunk.Err)
			return chunk.Err
		}

		delta := toSSEDelta(chunk.Deltas)
		event := sseChunk{
			Object:  "chat.completion.chunk",
			Model:   modelName,
			Choices: []sseChoice{{Index: 0, Delta: delta}},
		}

		if chunk.Done {
			if delta.Content != "" || len(delta.ToolCalls) > 0 {
				if err := writeEvent(w, flusher, event); err != nil {
					return err
				}
			}

			reason := "stop"
			if chunk.FinishReason != nil {
				reason = string(*chunk.FinishReason)
			}
			event.Choices[0].FinishReason = &reason
			event.Choices[0].Delta = sseDelta{}
			if chunk.PartialUsage != nil {
				event.Usage = &sseUsage{
					PromptTokens:     chunk.PartialUsage.InputTokens,
					CompletionTokens: chunk.PartialUsage.OutputTokens,
					TotalTokens:      chunk.PartialUsage.InputTokens + chunk.PartialUsage.OutputTokens,
				}
			}
			if err := writeEvent(w, flusher, event); err != nil {
				return err
			}
			continue
		}

		if err := writeEvent(w, flusher, event); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintf(w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("writing SSE done marker: %w", err)
	}
	flusher.Flush()
	return nil
}

func toSSEDelta(blocks []value.ContentBlock) sseDelta {
	var d sseDelta
	for _, b := range blocks {
		switch b.Kind {
		case value.BlockText:
			d.Content += b.Text
		case value.BlockToolCall:
			d.ToolCalls = append(d.ToolCalls, sseToolCall{
				Index: b.Index, ID: b.ToolCallID,
				Function: sseFunctionCall{Name: b.ToolName, Arguments: b.RawArguments},
			})
		}
	}
	return d
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, event sseChunk) error {
	jsonBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling SSE chunk: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", jsonBytes); err != nil {
		return fmt.Errorf("writing SSE event: %w", err)
	}
	flusher.Flush()
	return nil
}
