package adapters

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/dyadhq/dyad-gateway/internal/registry"
	"github.com/dyadhq/dyad-gateway/internal/sandbox"
)

const (
	defaultSpawnTimeout = 120 * time.Second
	stderrRingSize      = 16 << 10 // tail kept for diagnostics

	// exitInvalidRequest is the CLI contract's "your input was malformed"
	// exit code; it maps to a protocol error, not a provider failure.
	exitInvalidRequest = 2
)

// cliRequest is the JSON document written to the CLI's stdin.
type cliRequest struct {
	Kind    Kind            `json:"kind"`
	Model   string          `json:"model"`
	Stream  bool            `json:"stream"`
	Payload json.RawMessage `json:"payload"`
}

// spawnAdapter invokes a provider CLI per request: one JSON document on
// stdin, one JSON response (or NDJSON chunk lines when streaming) on stdout.
// With DockerSandbox set, the process runs inside the sandbox executor;
// otherwise it is spawned directly.
type spawnAdapter struct {
	providerID string
	cfg        registry.SpawnConfig
	sandbox    *sandbox.Executor // nil unless cfg.DockerSandbox
}

func newSpawnAdapter(providerID string, cfg registry.SpawnConfig, sbx *sandbox.Executor) (*spawnAdapter, error) {
	if cfg.DockerSandbox {
		if sbx == nil {
			return nil, &AdapterError{Provider: providerID, Kind: ErrConfiguration, Message: "dockerSandbox requires a sandbox executor"}
		}
		if cfg.Image == "" {
			return nil, &AdapterError{Provider: providerID, Kind: ErrConfiguration, Message: "dockerSandbox requires an image"}
		}
	}
	return &spawnAdapter{providerID: providerID, cfg: cfg, sandbox: sbx}, nil
}

func (a *spawnAdapter) ProviderID() string { return a.providerID }

func (a *spawnAdapter) timeout() time.Duration {
	if a.cfg.TimeoutSeconds > 0 {
		return time.Duration(a.cfg.TimeoutSeconds) * time.Second
	}
	return defaultSpawnTimeout
}

func (a *spawnAdapter) env(req *Request) map[string]string {
	env := make(map[string]string, len(a.cfg.Env)+1)
	for k, v := range a.cfg.Env {
		env[k] = v
	}
	if req.APIKey != "" {
		env["PROVIDER_API_KEY"] = req.APIKey
	}
	return env
}

func (a *spawnAdapter) stdin(req *Request) ([]byte, error) {
	doc := cliRequest{
		Kind:    req.Kind,
		Model:   req.Model,
		Stream:  req.Stream,
		Payload: req.Body,
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, &AdapterError{Provider: a.providerID, Kind: ErrProtocol, Message: err.Error()}
	}
	return b, nil
}

func (a *spawnAdapter) Invoke(ctx context.Context, req *Request) (*Response, error) {
	stdin, err := a.stdin(req)
	if err != nil {
		return nil, err
	}
	if a.sandbox != nil {
		return a.invokeSandboxed(ctx, req, stdin)
	}
	return a.invokeDirect(ctx, req, stdin)
}

// ─────────────────────────────────────────────────────────────────────────────
// Sandboxed path
// ─────────────────────────────────────────────────────────────────────────────

func (a *spawnAdapter) invokeSandboxed(ctx context.Context, req *Request, stdin []byte) (*Response, error) {
	cpu := 0.0
	if a.cfg.CPULimit != "" {
		cpu, _ = strconv.ParseFloat(a.cfg.CPULimit, 64)
	}

	res, err := a.sandbox.Execute(ctx, sandbox.Spec{
		ProviderID:   a.providerID,
		Image:        a.cfg.Image,
		Command:      append([]string{a.cfg.Command}, a.cfg.Args...),
		Env:          a.env(req),
		Stdin:        stdin,
		MemoryLimit:  a.cfg.MemoryLimit,
		CPULimit:     cpu,
		NeedsNetwork: a.cfg.NeedsNetwork,
		Timeout:      a.timeout(),
	})
	if err == sandbox.ErrOverloaded {
		// Local saturation, not an upstream fault: answer 503 and leave the
		// breaker alone.
		return nil, &AdapterError{Provider: a.providerID, Kind: ErrOverloaded, Message: "sandbox queue full"}
	}
	if err != nil {
		return nil, &AdapterError{Provider: a.providerID, Kind: ErrConnection, Message: err.Error()}
	}

	switch res.State {
	case sandbox.StateCompleted:
	case sandbox.StateTimedOut:
		return nil, &AdapterError{Provider: a.providerID, Kind: ErrTimeout, Message: "cli timed out"}
	case sandbox.StateCancelled:
		return nil, &AdapterError{Provider: a.providerID, Kind: ErrCancelled, Message: "request cancelled"}
	case sandbox.StateOOMKilled:
		return nil, &AdapterError{Provider: a.providerID, Kind: ErrProcessExit, Message: "cli killed: out of memory"}
	default:
		return nil, a.exitError(res.ExitCode, res.Stderr)
	}

	if req.Stream {
		// The sandbox collects output; replay the NDJSON lines as chunks so
		// clients see the same wire shape as a live stream.
		ch := make(chan Chunk, 64)
		go replayLines(res.Stdout, ch)
		return &Response{StatusCode: 200, Stream: ch}, nil
	}
	return a.parseResponse(res.Stdout)
}

// ─────────────────────────────────────────────────────────────────────────────
// Direct path
// ─────────────────────────────────────────────────────────────────────────────

func (a *spawnAdapter) invokeDirect(ctx context.Context, req *Request, stdin []byte) (*Response, error) {
	runCtx, cancel := context.WithTimeout(ctx, a.timeout())

	cmd := exec.CommandContext(runCtx, a.cfg.Command, a.cfg.Args...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Env = os.Environ()
	for k, v := range a.env(req) {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stderr := &ringBuffer{size: stderrRingSize}
	cmd.Stderr = stderr

	if req.Stream {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			cancel()
			return nil, &AdapterError{Provider: a.providerID, Kind: ErrConnection, Message: err.Error()}
		}
		if err := cmd.Start(); err != nil {
			cancel()
			return nil, &AdapterError{Provider: a.providerID, Kind: ErrConnection, Message: err.Error()}
		}

		ch := make(chan Chunk, 64)
		go func() {
			defer cancel()
			defer close(ch)

			scanner := bufio.NewScanner(stdout)
			scanner.Buffer(make([]byte, 64<<10), maxSSELineBytes)
			for scanner.Scan() {
				line := bytes.TrimSpace(scanner.Bytes())
				if len(line) == 0 {
					continue
				}
				ch <- Chunk{Data: append([]byte(nil), line...)}
			}

			err := cmd.Wait()
			switch {
			case runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
				ch <- Chunk{Err: &AdapterError{Provider: a.providerID, Kind: ErrTimeout, Message: "cli timed out mid-stream"}}
			case err != nil:
				ch <- Chunk{Err: a.exitError(exitCodeOf(err), stderr.Bytes())}
			default:
				ch <- Chunk{Done: true}
			}
		}()
		return &Response{StatusCode: 200, Stream: ch}, nil
	}

	defer cancel()
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	err := cmd.Run()
	switch {
	case runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		return nil, &AdapterError{Provider: a.providerID, Kind: ErrTimeout, Message: "cli timed out"}
	case ctx.Err() != nil:
		return nil, &AdapterError{Provider: a.providerID, Kind: ErrCancelled, Message: "request cancelled"}
	case err != nil:
		return nil, a.exitError(exitCodeOf(err), stderr.Bytes())
	}
	return a.parseResponse(stdout.Bytes())
}

func (a *spawnAdapter) parseResponse(stdout []byte) (*Response, error) {
	body := bytes.TrimSpace(stdout)
	if !json.Valid(body) {
		return nil, &AdapterError{Provider: a.providerID, Kind: ErrProtocol, Message: "cli produced invalid JSON"}
	}
	return &Response{
		StatusCode: 200,
		Body:       body,
		Usage:      extractUsage(body),
	}, nil
}

func (a *spawnAdapter) exitError(code int, stderr []byte) *AdapterError {
	tail := string(bytes.TrimSpace(stderr))
	if len(tail) > 512 {
		tail = tail[len(tail)-512:]
	}
	msg := fmt.Sprintf("cli exited with code %d", code)
	if tail != "" {
		msg += ": " + tail
	}
	if code == exitInvalidRequest {
		return &AdapterError{Provider: a.providerID, Kind: ErrProtocol, StatusCode: 0, Message: msg}
	}
	return &AdapterError{Provider: a.providerID, Kind: ErrProcessExit, Message: msg}
}

// HealthCheck verifies the CLI binary is invocable. Sandboxed providers are
// probed for image presence instead of spawning a container per probe.
func (a *spawnAdapter) HealthCheck(ctx context.Context) error {
	if a.sandbox != nil {
		out, err := exec.CommandContext(ctx, "docker", "image", "inspect", a.cfg.Image).CombinedOutput()
		if err != nil {
			return &AdapterError{Provider: a.providerID, Kind: ErrConfiguration,
				Message: fmt.Sprintf("image %s not available: %s", a.cfg.Image, bytes.TrimSpace(out))}
		}
		return nil
	}
	if _, err := exec.LookPath(a.cfg.Command); err != nil {
		return &AdapterError{Provider: a.providerID, Kind: ErrConfiguration, Message: err.Error()}
	}
	return nil
}

func exitCodeOf(err error) int {
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}

// replayLines feeds collected NDJSON output to ch as chunks.
func replayLines(stdout []byte, ch chan<- Chunk) {
	defer close(ch)
	for _, line := range bytes.Split(stdout, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		ch <- Chunk{Data: append([]byte(nil), line...)}
	}
	ch <- Chunk{Done: true}
}

// ringBuffer keeps the last size bytes written to it.
type ringBuffer struct {
	mu   sync.Mutex
	size int
	buf  []byte
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, p...)
	if len(r.buf) > r.size {
		r.buf = r.buf[len(r.buf)-r.size:]
	}
	return len(p), nil
}

func (r *ringBuffer) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.buf...)
}
