package adapters

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dyadhq/dyad-gateway/internal/registry"
	"github.com/dyadhq/dyad-gateway/internal/sandbox"
)

func shAdapter(t *testing.T, script string) *spawnAdapter {
	t.Helper()
	a, err := newSpawnAdapter("cli1", registry.SpawnConfig{
		Command:        "sh",
		Args:           []string{"-c", script},
		TimeoutSeconds: 5,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestSpawnAdapter_NonStreaming(t *testing.T) {
	a := shAdapter(t, `cat > /dev/null; echo '{"id":"r1","usage":{"prompt_tokens":3,"completion_tokens":7}}'`)

	resp, err := a.Invoke(context.Background(), chatRequest(false))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Usage.InputTokens != 3 || resp.Usage.OutputTokens != 7 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if string(resp.Body) != `{"id":"r1","usage":{"prompt_tokens":3,"completion_tokens":7}}` {
		t.Errorf("body = %s", resp.Body)
	}
}

func TestSpawnAdapter_StdinDocument(t *testing.T) {
	// The CLI contract is one JSON document on stdin; echo it back to verify
	// kind, model and payload are carried through.
	a := shAdapter(t, `cat`)

	resp, err := a.Invoke(context.Background(), &Request{
		Kind:  KindChat,
		Model: "local-model",
		Body:  []byte(`{"messages":[]}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	got := string(resp.Body)
	for _, want := range []string{`"kind":"chat"`, `"model":"local-model"`, `"payload":{"messages":[]}`} {
		if !strings.Contains(got, want) {
			t.Errorf("stdin document missing %s: %s", want, got)
		}
	}
}

func TestSpawnAdapter_Streaming(t *testing.T) {
	a := shAdapter(t, `cat > /dev/null
echo '{"choices":[{"delta":{"content":"a"}}]}'
echo '{"choices":[{"delta":{},"finish_reason":"stop"}]}'`)

	resp, err := a.Invoke(context.Background(), chatRequest(true))
	if err != nil {
		t.Fatal(err)
	}

	var lines []string
	var done bool
	for c := range resp.Stream {
		if c.Err != nil {
			t.Fatalf("stream error: %v", c.Err)
		}
		if c.Done {
			done = true
			continue
		}
		lines = append(lines, string(c.Data))
	}
	if len(lines) != 2 {
		t.Fatalf("chunks = %q", lines)
	}
	if !done {
		t.Error("clean exit must produce a done marker")
	}
}

func TestSpawnAdapter_ProcessExit(t *testing.T) {
	a := shAdapter(t, `echo "credentials rejected" >&2; exit 7`)

	_, err := a.Invoke(context.Background(), chatRequest(false))
	var aerr *AdapterError
	if !errors.As(err, &aerr) || aerr.Kind != ErrProcessExit {
		t.Fatalf("expected process_exit, got %v", err)
	}
	if !strings.Contains(aerr.Message, "credentials rejected") {
		t.Errorf("stderr tail missing from error: %s", aerr.Message)
	}
	if !aerr.CountsForBreaker() {
		t.Error("process exits must count toward the breaker")
	}
}

func TestSpawnAdapter_InvalidRequestExitCode(t *testing.T) {
	a := shAdapter(t, `exit 2`)

	_, err := a.Invoke(context.Background(), chatRequest(false))
	var aerr *AdapterError
	if !errors.As(err, &aerr) || aerr.Kind != ErrProtocol {
		t.Fatalf("exit 2 must map to a protocol error, got %v", err)
	}
	if aerr.CountsForBreaker() {
		t.Error("malformed-input exits must not count toward the breaker")
	}
}

func TestSpawnAdapter_Timeout(t *testing.T) {
	a, err := newSpawnAdapter("cli1", registry.SpawnConfig{
		Command:        "sh",
		Args:           []string{"-c", "sleep 10"},
		TimeoutSeconds: 1,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err = a.Invoke(context.Background(), chatRequest(false))
	var aerr *AdapterError
	if !errors.As(err, &aerr) || aerr.Kind != ErrTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout must fire at the configured deadline")
	}
}

func TestSpawnAdapter_InvalidJSONOutput(t *testing.T) {
	a := shAdapter(t, `cat > /dev/null; echo "not json"`)

	_, err := a.Invoke(context.Background(), chatRequest(false))
	var aerr *AdapterError
	if !errors.As(err, &aerr) || aerr.Kind != ErrProtocol {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestSpawnAdapter_CredentialEnv(t *testing.T) {
	a := shAdapter(t, `cat > /dev/null; printf '{"key":"%s"}' "$PROVIDER_API_KEY"`)

	resp, err := a.Invoke(context.Background(), chatRequest(false))
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Body) != `{"key":"sk-test"}` {
		t.Errorf("credential not injected into env: %s", resp.Body)
	}
}

func TestSpawnAdapter_SandboxRequiresImage(t *testing.T) {
	_, err := newSpawnAdapter("cli1", registry.SpawnConfig{
		Command:       "llm",
		DockerSandbox: true,
	}, nil)
	if err == nil {
		t.Error("dockerSandbox without executor and image must fail")
	}
}

// stalledRunner parks every container until release closes, so the sandbox
// fills up on demand.
type stalledRunner struct {
	started chan struct{}
	release chan struct{}
}

func (r *stalledRunner) Run(ctx context.Context, _ []string, _ []byte) ([]byte, []byte, int, error) {
	select {
	case r.started <- struct{}{}:
	default:
	}
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return []byte(`{"id":"r1"}`), nil, 0, nil
}

func TestSpawnAdapter_SandboxSaturationMapsToOverloaded(t *testing.T) {
	runner := &stalledRunner{started: make(chan struct{}, 2), release: make(chan struct{})}
	t.Cleanup(func() { close(runner.release) })
	sbx := sandbox.New(sandbox.Options{MaxConcurrent: 1, MaxQueue: 1, Runner: runner})

	a, err := newSpawnAdapter("cli1", registry.SpawnConfig{
		Command:        "llm",
		DockerSandbox:  true,
		Image:          "registry.test/llm:1",
		TimeoutSeconds: 5,
	}, sbx)
	if err != nil {
		t.Fatal(err)
	}

	// One execution runs, one waits for the slot.
	for i := 0; i < 2; i++ {
		go a.Invoke(context.Background(), chatRequest(false))
	}
	<-runner.started
	time.Sleep(100 * time.Millisecond)

	_, err = a.Invoke(context.Background(), chatRequest(false))
	var aerr *AdapterError
	if !errors.As(err, &aerr) || aerr.Kind != ErrOverloaded {
		t.Fatalf("expected overloaded, got %v", err)
	}
	if aerr.CountsForBreaker() {
		t.Error("saturation must not count toward the breaker")
	}
	if got := aerr.HTTPStatus(); got != 503 {
		t.Errorf("status = %d, want 503", got)
	}
}

func TestRingBuffer_KeepsTail(t *testing.T) {
	r := &ringBuffer{size: 8}
	r.Write([]byte("0123456789abcdef"))
	if got := string(r.Bytes()); got != "89abcdef" {
		t.Errorf("tail = %q, want last 8 bytes", got)
	}
}
