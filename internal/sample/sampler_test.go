package sample

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorzero-go/tensorgate/internal/xerrors"
)

func weight(w float64) *float64 { return &w }

func TestSampleWeightedDistribution(t *testing.T) {
	base := Pool{
		"A": {Weight: weight(1.0)},
		"B": {Weight: weight(2.0)},
		"C": {Weight: weight(3.0)},
	}

	counts := map[string]int{}
	const n = 10000
	for i := 0; i < n; i++ {
		episodeID := fmt.Sprintf("episode-%d", i)
		name, _, _, err := Sample("test_function", episodeID, base)
		require.NoError(t, err)
		counts[name]++
	}

	total := 6.0
	tolerance := 0.03
	assert.InDelta(t, 1.0/total, float64(counts["A"])/n, tolerance)
	assert.InDelta(t, 2.0/total, float64(counts["B"])/n, tolerance)
	assert.InDelta(t, 3.0/total, float64(counts["C"])/n, tolerance)
}

func TestSampleDeterministicPerEpisode(t *testing.T) {
	pool := Pool{"A": {Weight: weight(1.0)}, "B": {Weight: weight(1.0)}}
	name1, _, _, err := Sample("fn", "episode-fixed", pool)
	require.NoError(t, err)
	name2, _, _, err := Sample("fn", "episode-fixed", pool)
	require.NoError(t, err)
	assert.Equal(t, name1, name2)
}

func TestSampleFallbackPool(t *testing.T) {
	pool := Pool{
		"A": {Weight: weight(0.0)},
		"B": {Weight: nil},
		"C": {Weight: nil},
	}
	name, _, remaining, err := Sample("fn", "episode-1", pool)
	require.NoError(t, err)
	assert.Contains(t, []string{"B", "C"}, name)
	assert.NotContains(t, remaining, name)
	assert.Len(t, remaining, 2)
}

func TestSampleNoFallbackVariantsRemaining(t *testing.T) {
	pool := Pool{"A": {Weight: weight(0.0)}}
	_, _, _, err := Sample("fn", "episode-1", pool)
	require.Error(t, err)
	xerr, ok := xerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, xerrors.KindNoFallbackVariantsRemaining, xerr.Kind)
}

func TestSamplePopRemovesSelected(t *testing.T) {
	pool := Pool{"A": {Weight: weight(1.0)}, "B": {Weight: weight(1.0)}, "C": {Weight: weight(1.0)}}
	name, _, remaining, err := Sample("fn", "episode-pop", pool)
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
	assert.NotContains(t, remaining, name)
	// original pool is untouched (working copy, not shared mutation).
	assert.Len(t, pool, 3)
}

func TestSampleSecondDrawDiffersFromFirst(t *testing.T) {
	pool := Pool{"foo": {Weight: weight(5.0)}, "bar": {Weight: weight(1.0)}, "baz": {Weight: nil}}
	first, _, remaining, err := Sample("test", "episode-retry", pool)
	require.NoError(t, err)
	second, _, remaining2, err := Sample("test", "episode-retry", remaining)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	third, _, _, err := Sample("test", "episode-retry", remaining2)
	require.NoError(t, err)
	assert.Equal(t, "baz", third)
}
