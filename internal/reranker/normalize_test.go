package reranker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_SortsDescendingWithIndexTieBreak(t *testing.T) {
	docs := []string{"a", "b", "c", "d"}
	raw := []ScoreEntry{
		{Index: 3, RelevanceScore: 0.5},
		{Index: 0, RelevanceScore: 0.1},
		{Index: 2, RelevanceScore: 0.9},
		{Index: 1, RelevanceScore: 0.5},
	}

	results, err := Normalize(raw, docs, 0, false)
	require.NoError(t, err)

	got := make([]int, len(results))
	for i, r := range results {
		got[i] = r.Index
	}
	assert.Equal(t, []int{2, 1, 3, 0}, got)

	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].RelevanceScore, results[i].RelevanceScore)
	}
}

func TestNormalize_TopN(t *testing.T) {
	docs := []string{"a", "b", "c"}
	raw := []ScoreEntry{
		{Index: 0, RelevanceScore: 1},
		{Index: 1, RelevanceScore: 3},
		{Index: 2, RelevanceScore: 2},
	}

	tests := []struct {
		name string
		topN int
		want int
	}{
		{name: "unset", topN: 0, want: 3},
		{name: "smaller", topN: 2, want: 2},
		{name: "equal", topN: 3, want: 3},
		{name: "larger is clamped", topN: 10, want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := Normalize(raw, docs, tt.topN, true)
			require.NoError(t, err)
			assert.Len(t, results, tt.want)
			assert.Equal(t, 1, results[0].Index)
		})
	}
}

func TestNormalize_ReturnDocuments(t *testing.T) {
	docs := []string{"  leading space", "ünïcode\ttab", ""}
	raw := []ScoreEntry{
		{Index: 2, RelevanceScore: 0.3},
		{Index: 0, RelevanceScore: 0.2},
		{Index: 1, RelevanceScore: 0.1},
	}

	t.Run("documents attached verbatim", func(t *testing.T) {
		results, err := Normalize(raw, docs, 0, true)
		require.NoError(t, err)
		for _, r := range results {
			require.NotNil(t, r.Document)
			assert.Equal(t, docs[r.Index], *r.Document)
		}
	})

	t.Run("documents omitted", func(t *testing.T) {
		results, err := Normalize(raw, docs, 0, false)
		require.NoError(t, err)
		for _, r := range results {
			assert.Nil(t, r.Document)
		}
	})
}

func TestNormalize_IdempotentUnderBackendOrdering(t *testing.T) {
	docs := []string{"a", "b", "c", "d", "e"}
	unsorted := []ScoreEntry{
		{Index: 4, RelevanceScore: 0.2},
		{Index: 1, RelevanceScore: 0.8},
		{Index: 0, RelevanceScore: 0.8},
		{Index: 3, RelevanceScore: 0.05},
		{Index: 2, RelevanceScore: 0.6},
	}
	presorted := []ScoreEntry{
		{Index: 0, RelevanceScore: 0.8},
		{Index: 1, RelevanceScore: 0.8},
		{Index: 2, RelevanceScore: 0.6},
	}

	fromUnsorted, err := Normalize(unsorted, docs, 3, true)
	require.NoError(t, err)
	fromPresorted, err := Normalize(presorted, docs, 3, true)
	require.NoError(t, err)

	assert.Equal(t, fromUnsorted, fromPresorted)

	again, err := Normalize(presorted, docs, 3, true)
	require.NoError(t, err)
	assert.Equal(t, fromPresorted, again)
}

func TestNormalize_DoesNotMutateInput(t *testing.T) {
	raw := []ScoreEntry{{Index: 0, RelevanceScore: 0.1}, {Index: 1, RelevanceScore: 0.9}}
	_, err := Normalize(raw, []string{"a", "b"}, 1, false)
	require.NoError(t, err)
	assert.Equal(t, 0, raw[0].Index)
	assert.Equal(t, 1, raw[1].Index)
}

func TestNormalize_PartialCoverage(t *testing.T) {
	docs := []string{"a", "b", "c", "d"}
	raw := []ScoreEntry{{Index: 3, RelevanceScore: 0.4}, {Index: 1, RelevanceScore: 0.7}}

	results, err := Normalize(raw, docs, 0, true)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].Index)
	assert.Equal(t, "b", *results[0].Document)
	assert.Equal(t, 3, results[1].Index)
}

func TestNormalize_InvalidIndices(t *testing.T) {
	docs := []string{"a", "b"}

	tests := []struct {
		name string
		raw  []ScoreEntry
	}{
		{name: "too large", raw: []ScoreEntry{{Index: 2, RelevanceScore: 1}}},
		{name: "negative", raw: []ScoreEntry{{Index: -1, RelevanceScore: 1}}},
		{name: "duplicate", raw: []ScoreEntry{{Index: 0, RelevanceScore: 1}, {Index: 0, RelevanceScore: 0.5}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.raw, docs, 0, true)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidIndex)
		})
	}
}

func TestNormalize_Empty(t *testing.T) {
	results, err := Normalize(nil, []string{"a"}, 5, true)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.NotNil(t, results)
}
