package reranker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// DefaultModelName is reported when neither the request nor the service
// configuration names a model.
const DefaultModelName = "jina-reranker-v3"

// Observer receives one notification per backend call.
type Observer interface {
	ObserveScore(backend string, documents int, duration time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveScore(string, int, time.Duration, error) {}

// Service is the request orchestrator. It is safe for concurrent use; it holds
// no per-request state.
type Service struct {
	scorer       Scorer
	defaultModel string
	logger       *slog.Logger
	observer     Observer
}

// ServiceOption is a functional option for configuring Service.
type ServiceOption func(*Service)

// WithDefaultModel sets the model label used when a request does not name one.
func WithDefaultModel(model string) ServiceOption {
	return func(s *Service) {
		if model != "" {
			s.defaultModel = model
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver sets the backend call observer.
func WithObserver(o Observer) ServiceOption {
	return func(s *Service) {
		if o != nil {
			s.observer = o
		}
	}
}

// NewService creates an orchestrator on top of an initialized scorer.
func NewService(scorer Scorer, opts ...ServiceOption) (*Service, error) {
	if scorer == nil {
		return nil, errors.New("scorer is required")
	}

	s := &Service{
		scorer:       scorer,
		defaultModel: DefaultModelName,
		logger:       slog.Default(),
		observer:     nopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Backend returns the name of the active scorer.
func (s *Service) Backend() string {
	return s.scorer.Name()
}

// Rerank scores req.Documents against req.Query and returns the normalized
// ranking. A failure of the scorer, including a response that references
// unknown documents, is reported as *BackendError; anything else that goes
// wrong while assembling the response is reported as *InternalError. There are
// no retries.
func (s *Service) Rerank(ctx context.Context, req Request) (*Response, error) {
	backend := s.scorer.Name()

	start := time.Now()
	entries, err := s.scorer.Score(ctx, req.Query, req.Documents, req.TopN)
	s.observer.ObserveScore(backend, len(req.Documents), time.Since(start), err)
	if err != nil {
		var be *BackendError
		if !errors.As(err, &be) {
			err = &BackendError{Backend: backend, Err: err}
		}
		s.logger.ErrorContext(ctx, "rerank backend failed",
			"backend", backend,
			"documents", len(req.Documents),
			"error", err,
		)
		return nil, err
	}

	s.logger.DebugContext(ctx, "rerank backend returned",
		"backend", backend,
		"documents", len(req.Documents),
		"entries", len(entries),
		"duration", time.Since(start),
	)

	return s.assemble(req, entries)
}

func (s *Service) assemble(req Request, entries []ScoreEntry) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = &InternalError{Err: fmt.Errorf("panic: %v", r), Stack: string(debug.Stack())}
		}
	}()

	results, err := Normalize(entries, req.Documents, req.TopN, req.ReturnDocuments)
	if err != nil {
		if errors.Is(err, ErrInvalidIndex) {
			return nil, &BackendError{Backend: s.scorer.Name(), Err: err}
		}
		return nil, &InternalError{Err: err, Stack: string(debug.Stack())}
	}

	model := req.Model
	if model == "" {
		model = s.defaultModel
	}

	return &Response{
		Model:   model,
		Object:  ResponseObject,
		Usage:   Usage{TotalTokens: EstimateTokens(req.Query, req.Documents)},
		Results: results,
	}, nil
}
