package reranker

import (
	"fmt"
	"sort"
)

// Normalize turns raw backend judgments into the final ranking.
//
// Entries are sorted by relevance score descending with ties broken by
// ascending document index, truncated to topN when topN > 0, and decorated
// with documents[index] when returnDocuments is set. The document text always
// comes from documents, never from the backend.
//
// Normalize gives the same output for any permutation of raw and for raw that
// a backend already truncated to at least topN entries. Indices outside
// documents or repeated indices yield an error wrapping ErrInvalidIndex.
func Normalize(raw []ScoreEntry, documents []string, topN int, returnDocuments bool) ([]Result, error) {
	if err := validateIndices(raw, len(documents)); err != nil {
		return nil, err
	}

	entries := make([]ScoreEntry, len(raw))
	copy(entries, raw)

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].RelevanceScore == entries[j].RelevanceScore {
			return entries[i].Index < entries[j].Index
		}
		return entries[i].RelevanceScore > entries[j].RelevanceScore
	})

	if topN > 0 && len(entries) > topN {
		entries = entries[:topN]
	}

	results := make([]Result, len(entries))
	for i, entry := range entries {
		results[i] = Result{
			Index:          entry.Index,
			RelevanceScore: entry.RelevanceScore,
		}
		if returnDocuments {
			doc := documents[entry.Index]
			results[i].Document = &doc
		}
	}

	return results, nil
}

func validateIndices(raw []ScoreEntry, n int) error {
	seen := make(map[int]struct{}, len(raw))
	for _, entry := range raw {
		if entry.Index < 0 || entry.Index >= n {
			return fmt.Errorf("%w: %d out of range [0, %d)", ErrInvalidIndex, entry.Index, n)
		}
		if _, dup := seen[entry.Index]; dup {
			return fmt.Errorf("%w: duplicate index %d", ErrInvalidIndex, entry.Index)
		}
		seen[entry.Index] = struct{}{}
	}
	return nil
}
