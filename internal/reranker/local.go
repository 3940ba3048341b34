package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync/atomic"
	"time"
)

const (
	localName = "local"

	// maxStderr caps how much engine diagnostic output is kept per call.
	maxStderr = 16 * 1024
)

// EngineState is the lifecycle state of a LocalEngine.
type EngineState int32

const (
	EngineUninitialized EngineState = iota
	EngineReady
	EngineFailed
)

func (s EngineState) String() string {
	switch s {
	case EngineUninitialized:
		return "uninitialized"
	case EngineReady:
		return "ready"
	case EngineFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LocalConfig holds configuration for the local scoring engine.
type LocalConfig struct {
	// ExecutablePath is the engine binary. Bare names are resolved via PATH.
	ExecutablePath string

	// ModelPath is the GGUF model passed to the engine as --model.
	ModelPath string

	// ProjectorPath is the projector weights passed as --projector.
	ProjectorPath string

	// Args are placed before the engine flags on every invocation.
	Args []string

	// Env is appended to the current process environment.
	Env []string

	// Timeout bounds a single invocation; zero leaves it unbounded.
	Timeout time.Duration
}

// LocalEngine implements Scorer by running a native scoring executable once
// per request. The engine reads a JSON request on stdin and writes
// {"results": [{"index", "relevance_score"}]} on stdout; its output may
// already be sorted and truncated to the requested top N.
type LocalEngine struct {
	cfg        LocalConfig
	executable string
	state      atomic.Int32
}

type localRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

// NewLocalEngine verifies the executable, model and projector and returns a
// ready engine. An error here means the service must not start.
func NewLocalEngine(cfg LocalConfig) (*LocalEngine, error) {
	e := &LocalEngine{cfg: cfg}
	if err := e.init(); err != nil {
		e.state.Store(int32(EngineFailed))
		return nil, fmt.Errorf("failed to load model: %w", err)
	}
	e.state.Store(int32(EngineReady))
	return e, nil
}

func (e *LocalEngine) init() error {
	if e.cfg.ExecutablePath == "" {
		return errors.New("engine executable path is required")
	}
	executable, err := exec.LookPath(e.cfg.ExecutablePath)
	if err != nil {
		return fmt.Errorf("engine executable %s: %w", e.cfg.ExecutablePath, err)
	}
	e.executable = executable

	if err := requireFile("model", e.cfg.ModelPath); err != nil {
		return err
	}
	if err := requireFile("projector", e.cfg.ProjectorPath); err != nil {
		return err
	}
	return nil
}

func requireFile(kind, path string) error {
	if path == "" {
		return fmt.Errorf("%s path is required", kind)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s file: %w", kind, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s path %s is a directory", kind, path)
	}
	return nil
}

// Name returns the backend name.
func (e *LocalEngine) Name() string {
	return localName
}

// State returns the current lifecycle state.
func (e *LocalEngine) State() EngineState {
	return EngineState(e.state.Load())
}

// Executable returns the resolved engine binary path.
func (e *LocalEngine) Executable() string {
	return e.executable
}

// Score runs the engine for a single request. Cancelling ctx does not stop an
// engine that is already running; only the configured timeout does.
func (e *LocalEngine) Score(ctx context.Context, query string, documents []string, topN int) ([]ScoreEntry, error) {
	if e.State() != EngineReady {
		return nil, &BackendError{Backend: localName, Err: ErrEngineNotReady}
	}

	input, err := json.Marshal(localRequest{Query: query, Documents: documents, TopN: topN})
	if err != nil {
		return nil, &BackendError{Backend: localName, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	runCtx := context.WithoutCancel(ctx)
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, e.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, e.executable, e.args(topN)...)
	if len(e.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), e.cfg.Env...)
	}
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		be := &BackendError{Backend: localName, Stderr: tail(stderr.Bytes(), maxStderr), Err: err}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			be.ExitCode = &code
			be.Err = nil
		}
		if runCtx.Err() == context.DeadlineExceeded {
			be.Err = fmt.Errorf("engine timeout after %v", e.cfg.Timeout)
		}
		return nil, be
	}

	var parsed scorePayload
	if err := json.Unmarshal(stdout.Bytes(), &parsed); err != nil {
		err = fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
		return nil, &BackendError{Backend: localName, Stderr: tail(stderr.Bytes(), maxStderr), Err: err}
	}

	entries, err := parsed.entries()
	if err != nil {
		return nil, &BackendError{Backend: localName, Stderr: tail(stderr.Bytes(), maxStderr), Err: err}
	}
	return entries, nil
}

func (e *LocalEngine) args(topN int) []string {
	args := make([]string, 0, len(e.cfg.Args)+6)
	args = append(args, e.cfg.Args...)
	args = append(args, "--model", e.cfg.ModelPath, "--projector", e.cfg.ProjectorPath)
	if topN > 0 {
		args = append(args, "--top-n", strconv.Itoa(topN))
	}
	return args
}

// tail keeps the last limit bytes of b, where engines usually print the error.
func tail(b []byte, limit int) string {
	if len(b) <= limit {
		return string(b)
	}
	return "..." + string(b[len(b)-limit:])
}

// Ensure LocalEngine implements Scorer interface.
var _ Scorer = (*LocalEngine)(nil)
