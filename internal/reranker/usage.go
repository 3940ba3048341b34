package reranker

import "strings"

// EstimateTokens approximates the token count of a request as the number of
// whitespace-separated words in the query plus those in every document.
//
// This is not a tokenizer. Clients compare total_tokens across deployments, so
// the counting rule must stay exactly as is.
func EstimateTokens(query string, documents []string) int {
	total := len(strings.Fields(query))
	for _, doc := range documents {
		total += len(strings.Fields(doc))
	}
	return total
}
