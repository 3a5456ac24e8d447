package stream

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/tensorzero-go/tensorgate/internal/value"
)

func decodeJSON(raw string, v any) error {
	return json.Unmarshal([]byte(raw), v)
}

func joinRawChunks(chunks []string) string {
	return strings.Join(chunks, "\n")
}

// Aggregator folds an ordered sequence of value.StreamChunk deltas into one
// canonical value.Response (spec §4.7 step 3): "block-by-block concatenation
// with index reconciliation for tool-call and thought blocks." Blocks of the
// same Index accumulate text/arguments across chunks; a new Index starts a
// new block.
type Aggregator struct {
	blocks    map[int]*value.ContentBlock
	rawChunks []string
	usage     value.Usage
	finish    value.FinishReason
}

func NewAggregator() *Aggregator {
	return &Aggregator{blocks: make(map[int]*value.ContentBlock)}
}

// Ingest folds one chunk into the running aggregate.
func (a *Aggregator) Ingest(chunk value.StreamChunk) {
	if chunk.RawChunk != "" {
		a.rawChunks = append(a.rawChunks, chunk.RawChunk)
	}
	for _, delta := range chunk.Deltas {
		a.mergeDelta(delta)
	}
	if chunk.PartialUsage != nil {
		a.usage = *chunk.PartialUsage
	}
	if chunk.FinishReason != nil {
		a.finish = *chunk.FinishReason
	}
}

func (a *Aggregator) mergeDelta(delta value.ContentBlock) {
	existing, ok := a.blocks[delta.Index]
	if !ok {
		cp := delta
		a.blocks[delta.Index] = &cp
		return
	}
	switch delta.Kind {
	case value.BlockText:
		existing.Text += delta.Text
	case value.BlockThought:
		existing.ThoughtText += delta.ThoughtText
		if delta.ThoughtSignature != "" {
			existing.ThoughtSignature = delta.ThoughtSignature
		}
	case value.BlockToolCall:
		existing.RawArguments += delta.RawArguments
		if delta.ToolCallID != "" {
			existing.ToolCallID = delta.ToolCallID
		}
		if delta.ToolName != "" {
			existing.ToolName = delta.ToolName
		}
	default:
		existing.Kind = delta.Kind
		*existing = delta
	}
}

// Result finalizes the aggregate into a value.Response. Tool-call blocks
// have their concatenated raw_arguments JSON-decoded into Arguments (spec §8
// scenario 5: "stored aggregate has one ToolCall block with
// arguments={...}").
func (a *Aggregator) Result() *value.Response {
	indices := make([]int, 0, len(a.blocks))
	for idx := range a.blocks {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	content := make([]value.ContentBlock, 0, len(indices))
	for _, idx := range indices {
		b := *a.blocks[idx]
		if b.Kind == value.BlockToolCall && b.RawArguments != "" {
			var args any
			if decodeJSON(b.RawArguments, &args) == nil {
				b.Arguments = args
			}
		}
		content = append(content, b)
	}

	return &value.Response{
		Content:      content,
		Usage:        a.usage,
		FinishReason: a.finish,
		RawResponse:  joinRawChunks(a.rawChunks),
	}
}

// RawChunksInOrder exposes the verbatim raw_chunk strings in emission order,
// for callers storing a streaming cache entry (spec §4.6 lookup_stream:
// "the synthetic stream's raw_chunks are preserved verbatim").
func (a *Aggregator) RawChunksInOrder() []string {
	return append([]string(nil), a.rawChunks...)
}
