package embed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDummyEmbedderIsDeterministic(t *testing.T) {
	d := NewDummyEmbedder()
	v1, err := d.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	v2, err := d.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Len(t, v1, d.Dimension())
}

func TestDummyEmbedderDiffersByInput(t *testing.T) {
	d := NewDummyEmbedder()
	v1, err := d.Embed(context.Background(), "cats")
	require.NoError(t, err)
	v2, err := d.Embed(context.Background(), "dogs")
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)
}

func TestStoreTopKReturnsClosestFirst(t *testing.T) {
	ctx := context.Background()
	d := NewDummyEmbedder()
	store := NewStore()

	examples := map[string]Example{
		"cat food":   {Input: "cat food", Output: "feline nutrition"},
		"dog food":   {Input: "dog food", Output: "canine nutrition"},
		"car engine": {Input: "car engine", Output: "automotive"},
	}
	for text, ex := range examples {
		vec, err := d.Embed(ctx, text)
		require.NoError(t, err)
		store.Add("ns", vec, ex)
	}

	query, err := d.Embed(ctx, "cat food")
	require.NoError(t, err)
	top, err := store.TopK("ns", query, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "feline nutrition", top[0].Output)
}

func TestStoreTopKBoundedByAvailableExamples(t *testing.T) {
	ctx := context.Background()
	d := NewDummyEmbedder()
	store := NewStore()
	vec, err := d.Embed(ctx, "only example")
	require.NoError(t, err)
	store.Add("ns", vec, Example{Input: "only example"})

	top, err := store.TopK("ns", vec, 5)
	require.NoError(t, err)
	assert.Len(t, top, 1)
}

func TestStoreTopKEmptyNamespace(t *testing.T) {
	store := NewStore()
	top, err := store.TopK("missing", []float32{1, 0}, 3)
	require.NoError(t, err)
	assert.Nil(t, top)
}

func TestStoreLen(t *testing.T) {
	ctx := context.Background()
	d := NewDummyEmbedder()
	store := NewStore()
	assert.Equal(t, 0, store.Len("ns"))
	vec, _ := d.Embed(ctx, "x")
	store.Add("ns", vec, Example{Input: "x"})
	assert.Equal(t, 1, store.Len("ns"))
}
