// Package reranker orders candidate documents by relevance to a query.
//
// The package is split into a scoring layer and an orchestration layer.
// A Scorer produces raw relevance judgments keyed by original document index;
// two implementations exist and are selected once at startup:
//
//   - LocalEngine runs a native scoring executable as a subprocess.
//   - RemoteEngine posts the query and documents to a remote /rerank endpoint.
//
// Service sits on top of whichever Scorer is active. It normalizes the raw
// judgments (sort, top-N truncation, document re-attachment) and computes
// usage, so that the response shape is identical no matter which backend
// produced the scores.
package reranker

import (
	"context"
	"fmt"
)

// ScoreEntry is a single relevance judgment produced by a Scorer.
type ScoreEntry struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Scorer is the scoring capability both backends implement.
type Scorer interface {
	// Score returns relevance judgments for documents against query. Entries
	// reference documents by their position in the input slice. The result may
	// be unsorted and may omit documents. topN is a hint; 0 means no limit,
	// and implementations are free to ignore it.
	Score(ctx context.Context, query string, documents []string, topN int) ([]ScoreEntry, error)

	// Name identifies the backend in logs, metrics and error messages.
	Name() string
}

// Request is a rerank request after transport-level validation.
type Request struct {
	Query           string
	Documents       []string
	TopN            int // 0 means return every scored document
	ReturnDocuments bool
	Model           string
}

// Result is a single entry of the final, display-ready ranking.
type Result struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
	Document       *string `json:"document,omitempty"`
}

// Usage reports the approximate token count of a request.
type Usage struct {
	TotalTokens int `json:"total_tokens"`
}

// Response is the assembled rerank response. It is built once per request and
// not modified afterwards.
type Response struct {
	Model   string   `json:"model"`
	Object  string   `json:"object"`
	Usage   Usage    `json:"usage"`
	Results []Result `json:"results"`
}

// ResponseObject is the constant discriminator carried in every Response.
const ResponseObject = "list"

// payloadEntry uses pointers so that missing fields can be told apart from zero values.
type payloadEntry struct {
	Index          *int     `json:"index"`
	RelevanceScore *float64 `json:"relevance_score"`
}

// scorePayload is the {results: [...]} body both engines produce.
type scorePayload struct {
	Results *[]payloadEntry `json:"results"`
}

func (p scorePayload) entries() ([]ScoreEntry, error) {
	if p.Results == nil {
		return nil, fmt.Errorf("%w: missing results", ErrUnexpectedResponse)
	}
	entries := make([]ScoreEntry, 0, len(*p.Results))
	for i, r := range *p.Results {
		if r.Index == nil || r.RelevanceScore == nil {
			return nil, fmt.Errorf("%w: result %d lacks index or relevance_score", ErrUnexpectedResponse, i)
		}
		entries = append(entries, ScoreEntry{Index: *r.Index, RelevanceScore: *r.RelevanceScore})
	}
	return entries, nil
}
