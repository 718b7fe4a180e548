package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/jdziat/durable-flows/pkg/core"
	"github.com/jdziat/durable-flows/pkg/payload"
	"github.com/jdziat/durable-flows/pkg/sandbox"
)

// countingLease counts releases so tests can assert exactly one.
type countingLease struct {
	dir      string
	cache    string
	releases atomic.Int32
}

func newLease(t *testing.T) *countingLease {
	return &countingLease{dir: t.TempDir(), cache: t.TempDir()}
}

func (l *countingLease) Dir() string       { return l.dir }
func (l *countingLease) CachePath() string { return l.cache }
func (l *countingLease) Release()          { l.releases.Add(1) }

// engineScript writes a shell script standing in for the engine.
func engineScript(t *testing.T, body string) []string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return []string{"/bin/sh", path}
}

func flowOp() ExecuteFlow {
	return ExecuteFlow{
		FlowVersion:   core.FlowVersion{ID: "v1", FlowID: "f1", ProjectID: "p1"},
		RunID:         "r1",
		ProjectID:     "p1",
		Environment:   core.EnvProduction,
		ExecutionType: payload.Begin,
	}
}

func TestGateway_Success(t *testing.T) {
	cmd := engineScript(t, `cat > "$FLOWS_OUTPUT_FILE" <<'JSON'
{"status":"OK","response":{"status":"SUCCEEDED","tasks":3},"standardOutput":"hello","standardError":""}
JSON`)
	g := NewGateway(&sandbox.ProcessRunner{}, cmd, WithTimeout(5*time.Second))
	lease := newLease(t)

	res, err := g.Execute(context.Background(), lease, flowOp())
	require.NoError(t, err)
	assert.Equal(t, VerdictSuccess, res.Verdict)
	assert.Equal(t, "hello", res.Stdout)

	fr, err := DecodeFlowResponse(res)
	require.NoError(t, err)
	assert.Equal(t, core.RunSucceeded, fr.Status)
	assert.Equal(t, 3, fr.Tasks)
	assert.Equal(t, int32(1), lease.releases.Load())
}

func TestGateway_FlowFailureIsNotAnError(t *testing.T) {
	cmd := engineScript(t, `cat > "$FLOWS_OUTPUT_FILE" <<'JSON'
{"status":"ERROR","response":{"status":"FAILED","tasks":1,"error":{"step":"send_email"}}}
JSON`)
	g := NewGateway(&sandbox.ProcessRunner{}, cmd)
	lease := newLease(t)

	res, err := g.Execute(context.Background(), lease, flowOp())
	require.NoError(t, err)
	assert.Equal(t, VerdictFailure, res.Verdict)

	fr, err := DecodeFlowResponse(res)
	require.NoError(t, err)
	assert.Equal(t, core.RunFailed, fr.Status)
	assert.JSONEq(t, `{"step":"send_email"}`, string(fr.Error))
	assert.Equal(t, int32(1), lease.releases.Load())
}

func TestGateway_TimeoutReleasesOnce(t *testing.T) {
	cmd := engineScript(t, `sleep 10`)
	g := NewGateway(&sandbox.ProcessRunner{}, cmd, WithTimeout(100*time.Millisecond))
	lease := newLease(t)

	start := time.Now()
	res, err := g.Execute(context.Background(), lease, flowOp())
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrExecutionTimeout)
	assert.Equal(t, core.CodeExecutionTimeout, core.CodeOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, int32(1), lease.releases.Load())
}

func TestGateway_EngineReportedTimeout(t *testing.T) {
	cmd := engineScript(t, `echo '{"status":"TIMEOUT"}' > "$FLOWS_OUTPUT_FILE"`)
	g := NewGateway(&sandbox.ProcessRunner{}, cmd)
	lease := newLease(t)

	_, err := g.Execute(context.Background(), lease, flowOp())
	assert.ErrorIs(t, err, ErrExecutionTimeout)
	assert.Equal(t, int32(1), lease.releases.Load())
}

func TestGateway_RunnerErrorReleasesOnce(t *testing.T) {
	g := NewGateway(&sandbox.ProcessRunner{}, []string{filepath.Join(t.TempDir(), "missing")})
	lease := newLease(t)

	_, err := g.Execute(context.Background(), lease, flowOp())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrExecutionTimeout)
	assert.Equal(t, int32(1), lease.releases.Load())
}

func TestGateway_NoCommandReleasesOnce(t *testing.T) {
	g := NewGateway(&sandbox.ProcessRunner{}, nil)
	lease := newLease(t)

	_, err := g.Execute(context.Background(), lease, flowOp())
	require.Error(t, err)
	assert.Equal(t, int32(1), lease.releases.Load())
}

func TestGateway_WritesInputEnvelope(t *testing.T) {
	cmd := engineScript(t, `printf '{"status":"OK","response":%s}' "$(cat "$FLOWS_INPUT_FILE")" > "$FLOWS_OUTPUT_FILE"`)
	g := NewGateway(&sandbox.ProcessRunner{}, cmd, WithAPIURL("http://api.local/"))
	lease := newLease(t)

	res, err := g.Execute(context.Background(), lease, flowOp())
	require.NoError(t, err)

	input := gjson.ParseBytes(res.Raw)
	assert.Equal(t, "EXECUTE_FLOW", input.Get("operationKind").String())
	assert.Equal(t, "http://api.local/", input.Get("apiUrl").String())
	assert.Equal(t, "r1", input.Get("flowRunId").String())
	assert.Equal(t, "v1", input.Get("flowVersion.id").String())
	assert.Equal(t, "BEGIN", input.Get("executionType").String())
	assert.FileExists(t, filepath.Join(lease.Dir(), InputFile))
}

func TestGateway_FallsBackToStdout(t *testing.T) {
	t.Run("plain text stays a string", func(t *testing.T) {
		g := NewGateway(&sandbox.ProcessRunner{}, engineScript(t, `printf 'not json at all'`))
		res, err := g.Execute(context.Background(), newLease(t), ExecuteCode{Artifact: core.CodeArtifact{ContentID: "c1"}})
		require.NoError(t, err)
		assert.Equal(t, VerdictSuccess, res.Verdict)
		assert.Equal(t, "not json at all", res.Output)
		assert.Error(t, res.Decode(&map[string]any{}))
	})

	t.Run("non-zero exit is a failure verdict", func(t *testing.T) {
		g := NewGateway(&sandbox.ProcessRunner{}, engineScript(t, `echo 'engine crashed' >&2; exit 1`))
		res, err := g.Execute(context.Background(), newLease(t), flowOp())
		require.NoError(t, err)
		assert.Equal(t, VerdictFailure, res.Verdict)

		fr, err := DecodeFlowResponse(res)
		require.NoError(t, err)
		assert.Equal(t, core.RunFailed, fr.Status)
		assert.Contains(t, string(fr.Error), "engine crashed")
	})
}

func TestGateway_StringResponseCarryingJSON(t *testing.T) {
	cmd := engineScript(t, `printf '%s' '{"status":"OK","response":"{\"valid\":true}"}' > "$FLOWS_OUTPUT_FILE"`)
	g := NewGateway(&sandbox.ProcessRunner{}, cmd)

	res, err := g.Execute(context.Background(), newLease(t), ValidateAuth{Piece: core.PieceRef{Name: "slack", Version: "1.0.0"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"valid": true}, res.Output)
}

func TestEncodeInput(t *testing.T) {
	raw, err := encodeInput(ExecuteAction{
		Piece:      core.PieceRef{Name: "slack", Version: "1.0.0"},
		ActionName: "send_message",
		Input:      json.RawMessage(`{"text":"hi"}`),
	}, "http://api")
	require.NoError(t, err)

	doc := gjson.ParseBytes(raw)
	assert.Equal(t, "EXECUTE_STEP", doc.Get("operationKind").String())
	assert.Equal(t, "http://api", doc.Get("apiUrl").String())
	assert.Equal(t, "send_message", doc.Get("actionName").String())
	assert.Equal(t, "hi", doc.Get("input.text").String())
	assert.Equal(t, "1.0.0", doc.Get("piece.version").String())
}

func TestOperationKinds(t *testing.T) {
	ops := []Operation{ExecuteFlow{}, ExecuteTrigger{}, ExecuteAction{}, ExecuteCode{}, ExecuteProp{}, ValidateAuth{}}
	seen := map[OperationKind]bool{}
	for _, op := range ops {
		seen[op.Kind()] = true
	}
	assert.Len(t, seen, len(allOperations))
	for _, k := range allOperations {
		assert.True(t, seen[k], "%s", k)
	}
}
