// Package server provides the HTTP API and gRPC health server for the
// rerank service.
package server

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/lukolszewski/local-rerank/internal/reranker"
)

// maxRequestBody caps the size of a /rerank body.
const maxRequestBody = 32 << 20

//go:embed openapi.json
var openAPISpec []byte

// RerankRequest is the JSON body of POST /rerank. Pointer fields distinguish
// absent values from zero values.
type RerankRequest struct {
	Query           *string  `json:"query"`
	Documents       []*string `json:"documents"`
	BatchSize       *int      `json:"batch_size,omitempty"` // accepted for compatibility, unused
	TopN            *int      `json:"top_n,omitempty"`
	ReturnDocuments *bool     `json:"return_documents,omitempty"`
	Model           *string   `json:"model,omitempty"`
}

// InfoResponse describes the running service. It is built once at startup.
type InfoResponse struct {
	ModelName     string `json:"model_name"`
	Version       string `json:"version"`
	BuildID       string `json:"build_id"`
	CommitSHA     string `json:"commit_sha"`
	Backend       string `json:"backend"`
	ModelPath     string `json:"model_path"`
	ProjectorPath string `json:"projector_path,omitempty"`
	RemoteURL     string `json:"remote_url,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Detail any `json:"detail"`
}

// FieldIssue is one validation failure, shaped like FastAPI's 422 entries.
type FieldIssue struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

// ValidationError reports a malformed rerank request.
type ValidationError struct {
	Issues []FieldIssue
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = strings.Join(issue.Loc, ".") + ": " + issue.Msg
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) add(field, msg, typ string) {
	if field == "" {
		e.addAt(msg, typ, "body")
		return
	}
	e.addAt(msg, typ, "body", field)
}

func (e *ValidationError) addAt(msg, typ string, loc ...string) {
	e.Issues = append(e.Issues, FieldIssue{Loc: loc, Msg: msg, Type: typ})
}

// decodeRerankRequest parses and validates a /rerank body.
func decodeRerankRequest(body io.Reader) (reranker.Request, error) {
	var raw RerankRequest
	verr := &ValidationError{}

	dec := json.NewDecoder(body)
	if err := dec.Decode(&raw); err != nil {
		var typeErr *json.UnmarshalTypeError
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &typeErr):
			verr.add(typeErr.Field, fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value), "type_error")
		case errors.As(err, &maxErr):
			verr.add("", fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit), "value_error")
		case errors.Is(err, io.EOF):
			verr.add("", "request body is required", "missing")
		default:
			verr.add("", "invalid JSON: "+err.Error(), "json_invalid")
		}
		return reranker.Request{}, verr
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		verr.add("", "invalid JSON: unexpected data after the request object", "json_invalid")
		return reranker.Request{}, verr
	}

	if raw.Query == nil {
		verr.add("query", "field required", "missing")
	} else if *raw.Query == "" {
		verr.add("query", "query must not be empty", "value_error")
	}
	documents := make([]string, len(raw.Documents))
	switch {
	case raw.Documents == nil:
		verr.add("documents", "field required", "missing")
	case len(raw.Documents) == 0:
		verr.add("documents", "list should have at least 1 item", "too_short")
	default:
		for i, doc := range raw.Documents {
			if doc == nil {
				verr.addAt("Input should be a valid string", "string_type", "body", "documents", strconv.Itoa(i))
				continue
			}
			documents[i] = *doc
		}
	}
	if raw.TopN != nil && *raw.TopN <= 0 {
		verr.add("top_n", "top_n must be a positive integer", "greater_than")
	}
	if len(verr.Issues) > 0 {
		return reranker.Request{}, verr
	}

	req := reranker.Request{
		Query:           *raw.Query,
		Documents:       documents,
		ReturnDocuments: true,
	}
	if raw.TopN != nil {
		req.TopN = *raw.TopN
	}
	if raw.ReturnDocuments != nil {
		req.ReturnDocuments = *raw.ReturnDocuments
	}
	if raw.Model != nil {
		req.Model = *raw.Model
	}
	return req, nil
}

// handleRerank serves POST /rerank.
func (s *HTTPServer) handleRerank(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRerankRequest(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Detail: verr.Issues})
			return
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Detail: err.Error()})
		return
	}

	resp, err := s.reranker.Rerank(r.Context(), req)
	if err != nil {
		s.writeRerankError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// writeRerankError maps orchestrator failures onto 500 responses.
func (s *HTTPServer) writeRerankError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := middleware.GetReqID(r.Context())

	if reranker.IsBackendError(err) {
		s.logger.ErrorContext(r.Context(), "rerank failed", "error", err, "request_id", requestID)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Detail: "Error during reranking: " + err.Error(),
		})
		return
	}

	stack := string(debug.Stack())
	var ierr *reranker.InternalError
	if errors.As(err, &ierr) && ierr.Stack != "" {
		stack = ierr.Stack
	}

	if s.exposeErrorTrace {
		s.logger.ErrorContext(r.Context(), "rerank internal error", "error", err, "request_id", requestID)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Detail: fmt.Sprintf("Error during reranking: %v. Traceback: %s", err, stack),
		})
		return
	}

	errorID := uuid.NewString()
	s.logger.ErrorContext(r.Context(), "rerank internal error",
		"error", err,
		"error_id", errorID,
		"request_id", requestID,
		"stack", stack,
	)
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Detail: "Internal error during reranking (error id " + errorID + ")",
	})
}

// handleInfo serves GET /info.
func (s *HTTPServer) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.info)
}

// handleRoot redirects to the API documentation.
func (s *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/docs", http.StatusTemporaryRedirect)
}

func (s *HTTPServer) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(openAPISpec)
}

func (s *HTTPServer) handleDocs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := docsPage.Execute(w, s.info); err != nil {
		s.logger.ErrorContext(r.Context(), "render docs page", "error", err)
	}
}

var docsPage = template.Must(template.New("docs").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.ModelName}} rerank API</title></head>
<body>
<h1>{{.ModelName}} rerank API</h1>
<p>Version {{.Version}}, {{.Backend}} backend.</p>
<ul>
<li><code>POST /rerank</code> &mdash; rank documents by relevance to a query</li>
<li><code>GET /info</code> &mdash; model and build information</li>
<li><code>GET /healthz</code>, <code>GET /readyz</code> &mdash; health checks</li>
</ul>
<p>The OpenAPI document is served at <a href="/openapi.json">/openapi.json</a>.</p>
</body>
</html>
`))
