package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	remoteName = "remote"

	// DefaultRemoteRerankPath is the reranking endpoint exposed by llama.cpp-style servers.
	DefaultRemoteRerankPath = "/v1/rerank"

	// DefaultRemoteTimeout bounds a single remote scoring call.
	DefaultRemoteTimeout = 120 * time.Second

	// maxErrorBody caps how much of a non-2xx body is quoted in errors.
	maxErrorBody = 2048
)

// RemoteConfig holds configuration for the remote engine.
type RemoteConfig struct {
	// BaseURL is the remote server base URL (e.g. http://llama:8080).
	BaseURL string

	// Path is the reranking endpoint path (default: /v1/rerank).
	Path string

	// Timeout bounds each call (default: 120s).
	Timeout time.Duration

	// HTTPClient is an optional custom HTTP client. Its Timeout is left alone.
	HTTPClient *http.Client
}

// RemoteEngine implements Scorer by delegating to a remote rerank endpoint.
type RemoteEngine struct {
	endpoint string
	timeout  time.Duration
	client   *http.Client
}

type remoteRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

// NewRemoteEngine creates a remote engine for the given configuration.
func NewRemoteEngine(cfg RemoteConfig) (*RemoteEngine, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("remote engine: base URL is required")
	}

	path := cfg.Path
	if path == "" {
		path = DefaultRemoteRerankPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	return &RemoteEngine{
		endpoint: base + path,
		timeout:  timeout,
		client:   client,
	}, nil
}

// Name returns the backend name.
func (e *RemoteEngine) Name() string {
	return remoteName
}

// Endpoint returns the full URL scoring requests are posted to.
func (e *RemoteEngine) Endpoint() string {
	return e.endpoint
}

// Score posts the query and documents to the remote endpoint. The topN hint is
// not forwarded; truncation happens in Normalize.
//
// The call is bounded by the configured timeout only. Cancelling ctx does not
// abort a request that has already been issued.
func (e *RemoteEngine) Score(ctx context.Context, query string, documents []string, _ int) ([]ScoreEntry, error) {
	jsonBody, err := json.Marshal(remoteRequest{Query: query, Documents: documents})
	if err != nil {
		return nil, e.fail(0, fmt.Errorf("failed to marshal request: %w", err))
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, e.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, e.fail(0, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, e.fail(0, fmt.Errorf("failed to connect to reranker at %s: %w", e.endpoint, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, e.fail(resp.StatusCode, fmt.Errorf("reranker API error: %s", strings.TrimSpace(string(body))))
	}

	var parsed scorePayload
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, e.fail(0, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err))
	}

	entries, err := parsed.entries()
	if err != nil {
		return nil, e.fail(0, err)
	}
	return entries, nil
}

func (e *RemoteEngine) fail(status int, err error) error {
	return &BackendError{
		Backend:    remoteName,
		Endpoint:   e.endpoint,
		StatusCode: status,
		Err:        err,
	}
}

// Ensure RemoteEngine implements Scorer interface.
var _ Scorer = (*RemoteEngine)(nil)
