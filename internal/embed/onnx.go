package embed

import (
	"context"
	"fmt"

	"github.com/chewxy/math32"
	"github.com/daulet/tokenizers"
	ort "github.com/yalue/onnxruntime_go"
)

// OnnxEmbedder runs a sentence-embedding ONNX model (e.g. a distilled
// sentence-transformers export) behind the Embedder interface. It is the
// production counterpart to DummyEmbedder: real tokenization via
// daulet/tokenizers, real inference via yalue/onnxruntime_go, mean-pooled
// and L2-normalized with chewxy/math32.
//
// Not exercised by this repo's test suite — like the provider adapters, it
// needs a real artifact (here, a tokenizer.json and a .onnx file) that
// tests don't ship. DummyEmbedder plays that role for tests instead.
type OnnxEmbedder struct {
	tokenizer *tokenizers.Tokenizer
	session   *ort.AdvancedSession
	dimension int

	inputIDs      *ort.Tensor[int64]
	attentionMask *ort.Tensor[int64]
	output        *ort.Tensor[float32]
	maxTokens     int
}

// NewOnnxEmbedder loads a tokenizer and an ONNX embedding model from disk.
// The model is expected to take input_ids/attention_mask and produce a
// last_hidden_state of shape (1, maxTokens, dimension); Embed mean-pools
// over the token axis.
func NewOnnxEmbedder(tokenizerPath, modelPath string, maxTokens, dimension int) (*OnnxEmbedder, error) {
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("embed: initializing onnxruntime: %w", err)
	}

	tk, err := tokenizers.FromFile(tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("embed: loading tokenizer: %w", err)
	}

	inputIDs, err := ort.NewEmptyTensor[int64](ort.NewShape(1, int64(maxTokens)))
	if err != nil {
		tk.Close()
		return nil, fmt.Errorf("embed: allocating input_ids tensor: %w", err)
	}
	attentionMask, err := ort.NewEmptyTensor[int64](ort.NewShape(1, int64(maxTokens)))
	if err != nil {
		tk.Close()
		return nil, fmt.Errorf("embed: allocating attention_mask tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(maxTokens), int64(dimension)))
	if err != nil {
		tk.Close()
		return nil, fmt.Errorf("embed: allocating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input_ids", "attention_mask"},
		[]string{"last_hidden_state"},
		[]ort.Value{inputIDs, attentionMask},
		[]ort.Value{output},
		nil)
	if err != nil {
		tk.Close()
		return nil, fmt.Errorf("embed: creating onnx session: %w", err)
	}

	return &OnnxEmbedder{
		tokenizer: tk, session: session, dimension: dimension,
		inputIDs: inputIDs, attentionMask: attentionMask, output: output,
		maxTokens: maxTokens,
	}, nil
}

func (o *OnnxEmbedder) Dimension() int { return o.dimension }

// Embed tokenizes text, pads/truncates to maxTokens, runs the session, and
// mean-pools the last hidden state over real (non-padding) tokens into one
// L2-normalized vector.
func (o *OnnxEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	encoding := o.tokenizer.EncodeWithOptions(text, false, tokenizers.WithReturnAttentionMask())
	ids := encoding.IDs
	mask := encoding.AttentionMask

	idsData := o.inputIDs.GetData()
	maskData := o.attentionMask.GetData()
	for i := range idsData {
		if i < len(ids) {
			idsData[i] = int64(ids[i])
			maskData[i] = int64(mask[i])
		} else {
			idsData[i] = 0
			maskData[i] = 0
		}
	}

	if err := o.session.Run(); err != nil {
		return nil, fmt.Errorf("embed: running session: %w", err)
	}

	hidden := o.output.GetData()
	pooled := make([]float32, o.dimension)
	var count float32
	for t := 0; t < o.maxTokens; t++ {
		if maskData[t] == 0 {
			continue
		}
		count++
		base := t * o.dimension
		for d := 0; d < o.dimension; d++ {
			pooled[d] += hidden[base+d]
		}
	}
	if count == 0 {
		return nil, fmt.Errorf("embed: input produced no attended tokens")
	}
	for d := range pooled {
		pooled[d] /= count
	}

	var normSq float32
	for _, v := range pooled {
		normSq += v * v
	}
	norm := math32.Sqrt(normSq)
	if norm > 0 {
		for d := range pooled {
			pooled[d] /= norm
		}
	}
	return pooled, nil
}

// Close releases the ONNX session and tokenizer. Callers that construct an
// OnnxEmbedder at startup should defer Close until process shutdown.
func (o *OnnxEmbedder) Close() error {
	o.session.Destroy()
	o.tokenizer.Close()
	return nil
}
