package reranker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is not a real test. It stands in for the native engine
// when LocalEngine re-executes the test binary.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_ENGINE_HELPER") != "1" {
		return
	}
	defer os.Exit(0)

	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}

	var req localRequest
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		fmt.Fprintf(os.Stderr, "bad input: %v\n", err)
		os.Exit(2)
	}

	switch os.Getenv("ENGINE_HELPER_MODE") {
	case "fail":
		fmt.Fprintln(os.Stderr, "ggml_init: failed to allocate buffer")
		os.Exit(3)
	case "garbage":
		fmt.Fprint(os.Stdout, "loading model... done")
		fmt.Fprint(os.Stderr, "warning: projector dtype mismatch")
	case "sleep":
		time.Sleep(5 * time.Second)
	case "args":
		want := []string{"--model", "--projector", "--top-n"}
		joined := strings.Join(args, " ")
		for _, flag := range want {
			if !strings.Contains(joined, flag) {
				fmt.Fprintf(os.Stderr, "missing flag %s in %q\n", flag, joined)
				os.Exit(4)
			}
		}
		fmt.Fprint(os.Stdout, `{"results":[{"index":0,"relevance_score":1}]}`)
	default:
		// Score by word overlap with the query, sorted and truncated like the real engine.
		type entry struct {
			Index          int     `json:"index"`
			RelevanceScore float64 `json:"relevance_score"`
		}
		words := strings.Fields(strings.ToLower(req.Query))
		entries := make([]entry, len(req.Documents))
		for i, doc := range req.Documents {
			score := 0.0
			for _, w := range words {
				if strings.Contains(strings.ToLower(doc), w) {
					score++
				}
			}
			entries[i] = entry{Index: i, RelevanceScore: score}
		}
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].RelevanceScore > entries[j].RelevanceScore })
		if req.TopN > 0 && req.TopN < len(entries) {
			entries = entries[:req.TopN]
		}
		_ = json.NewEncoder(os.Stdout).Encode(map[string]any{"results": entries})
	}
}

func newHelperEngine(t *testing.T, mode string, timeout time.Duration) *LocalEngine {
	t.Helper()
	dir := t.TempDir()
	model := filepath.Join(dir, "model.gguf")
	projector := filepath.Join(dir, "projector.safetensors")
	require.NoError(t, os.WriteFile(model, []byte("gguf"), 0o600))
	require.NoError(t, os.WriteFile(projector, []byte("st"), 0o600))

	engine, err := NewLocalEngine(LocalConfig{
		ExecutablePath: os.Args[0],
		ModelPath:      model,
		ProjectorPath:  projector,
		Args:           []string{"-test.run=TestHelperProcess", "--"},
		Env:            []string{"GO_WANT_ENGINE_HELPER=1", "ENGINE_HELPER_MODE=" + mode},
		Timeout:        timeout,
	})
	require.NoError(t, err)
	return engine
}

func TestNewLocalEngine_Initialization(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "model.gguf")
	projector := filepath.Join(dir, "projector.safetensors")
	require.NoError(t, os.WriteFile(model, []byte("gguf"), 0o600))
	require.NoError(t, os.WriteFile(projector, []byte("st"), 0o600))

	tests := []struct {
		name    string
		cfg     LocalConfig
		wantErr string
	}{
		{
			name: "ready",
			cfg:  LocalConfig{ExecutablePath: os.Args[0], ModelPath: model, ProjectorPath: projector},
		},
		{
			name:    "missing executable",
			cfg:     LocalConfig{ExecutablePath: filepath.Join(dir, "llama-embedding"), ModelPath: model, ProjectorPath: projector},
			wantErr: "engine executable",
		},
		{
			name:    "missing model",
			cfg:     LocalConfig{ExecutablePath: os.Args[0], ModelPath: filepath.Join(dir, "nope.gguf"), ProjectorPath: projector},
			wantErr: "model file",
		},
		{
			name:    "projector is a directory",
			cfg:     LocalConfig{ExecutablePath: os.Args[0], ModelPath: model, ProjectorPath: dir},
			wantErr: "is a directory",
		},
		{
			name:    "empty executable",
			cfg:     LocalConfig{ModelPath: model, ProjectorPath: projector},
			wantErr: "executable path is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := NewLocalEngine(tt.cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, EngineReady, engine.State())
				assert.Equal(t, "local", engine.Name())
				assert.NotEmpty(t, engine.Executable())
				return
			}
			require.Error(t, err)
			assert.Nil(t, engine)
			assert.Contains(t, err.Error(), "failed to load model")
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLocalEngine_Score(t *testing.T) {
	engine := newHelperEngine(t, "", 0)

	docs := []string{"Berlin is in Germany", "Paris is the capital of France", "Lyon is in France"}
	entries, err := engine.Score(context.Background(), "capital France", docs, 2)
	require.NoError(t, err)

	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].Index)
	assert.Equal(t, 2.0, entries[0].RelevanceScore)
	assert.Equal(t, 2, entries[1].Index)
}

func TestLocalEngine_Score_PassesFlags(t *testing.T) {
	engine := newHelperEngine(t, "args", 0)

	_, err := engine.Score(context.Background(), "q", []string{"a"}, 4)
	require.NoError(t, err)

	args := engine.args(4)
	assert.Equal(t, []string{
		"-test.run=TestHelperProcess", "--",
		"--model", engine.cfg.ModelPath,
		"--projector", engine.cfg.ProjectorPath,
		"--top-n", "4",
	}, args)
	assert.NotContains(t, engine.args(0), "--top-n")
}

func TestLocalEngine_Score_NonZeroExit(t *testing.T) {
	engine := newHelperEngine(t, "fail", 0)

	_, err := engine.Score(context.Background(), "q", []string{"a"}, 0)
	require.Error(t, err)

	var be *BackendError
	require.True(t, errors.As(err, &be))
	require.NotNil(t, be.ExitCode)
	assert.Equal(t, 3, *be.ExitCode)
	assert.Contains(t, be.Stderr, "ggml_init")
	assert.Contains(t, err.Error(), "exit code 3")
	assert.Contains(t, err.Error(), "Stderr: ggml_init: failed to allocate buffer")
}

func TestLocalEngine_Score_MalformedOutput(t *testing.T) {
	engine := newHelperEngine(t, "garbage", 0)

	_, err := engine.Score(context.Background(), "q", []string{"a"}, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnexpectedResponse)

	var be *BackendError
	require.True(t, errors.As(err, &be))
	assert.Nil(t, be.ExitCode)
	assert.Contains(t, be.Stderr, "projector dtype mismatch")
}

func TestLocalEngine_Score_Timeout(t *testing.T) {
	engine := newHelperEngine(t, "sleep", 100*time.Millisecond)

	_, err := engine.Score(context.Background(), "q", []string{"a"}, 0)
	require.Error(t, err)
	assert.True(t, IsBackendError(err))
	assert.Contains(t, err.Error(), "engine timeout")
}

func TestLocalEngine_Score_NotReady(t *testing.T) {
	engine := newHelperEngine(t, "", 0)
	engine.state.Store(int32(EngineFailed))

	_, err := engine.Score(context.Background(), "q", []string{"a"}, 0)
	assert.ErrorIs(t, err, ErrEngineNotReady)
}

func TestLocalEngine_WithService_NormalizesOutput(t *testing.T) {
	engine := newHelperEngine(t, "", 0)
	svc, err := NewService(engine)
	require.NoError(t, err)

	docs := []string{"Paris is the capital of France", "Berlin is in Germany", "Lyon is in France"}
	resp, err := svc.Rerank(context.Background(), Request{
		Query:           "capital France",
		Documents:       docs,
		TopN:            2,
		ReturnDocuments: true,
	})
	require.NoError(t, err)

	require.Len(t, resp.Results, 2)
	assert.Equal(t, 0, resp.Results[0].Index)
	assert.Equal(t, docs[0], *resp.Results[0].Document)
	assert.Equal(t, 2, resp.Results[1].Index)
	assert.Equal(t, "local", svc.Backend())
}

func TestEngineState_String(t *testing.T) {
	assert.Equal(t, "uninitialized", EngineUninitialized.String())
	assert.Equal(t, "ready", EngineReady.String())
	assert.Equal(t, "failed", EngineFailed.String())
	assert.Equal(t, "unknown", EngineState(42).String())
}
