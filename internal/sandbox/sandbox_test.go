package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeRunner serves canned results and can block until released to simulate
// long-running containers.
type fakeRunner struct {
	mu       sync.Mutex
	calls    [][]string
	stdout   []byte
	exitCode int
	block    chan struct{} // when non-nil, Run waits for close or ctx
	spawnErr error
}

func (f *fakeRunner) Run(ctx context.Context, args []string, stdin []byte) ([]byte, []byte, int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, args)
	block := f.block
	f.mu.Unlock()

	if f.spawnErr != nil {
		return nil, nil, -1, f.spawnErr
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, nil, -1, ctx.Err()
		}
	}
	return f.stdout, nil, f.exitCode, nil
}

func TestBuildArgs_Lockdown(t *testing.T) {
	spec := Spec{
		ProviderID:  "llama",
		Image:       "llama-cli:latest",
		Command:     []string{"llama", "--json"},
		MemoryLimit: "512m",
		CPULimit:    1.5,
	}
	args := strings.Join(BuildArgs("dyad-sbx-llama-1", spec), " ")

	for _, want := range []string{
		"--cap-drop ALL",
		"--security-opt no-new-privileges",
		"--read-only",
		"--user 65534:65534",
		"--network none",
		"--memory 512m",
		"--memory-swap 512m",
		"--cpus 1.50",
		"--pids-limit 128",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("docker args missing %q:\n%s", want, args)
		}
	}
	if !strings.HasSuffix(args, "llama-cli:latest llama --json") {
		t.Errorf("image and command must come last:\n%s", args)
	}
}

func TestBuildArgs_NetworkOptIn(t *testing.T) {
	args := strings.Join(BuildArgs("c", Spec{Image: "img", NeedsNetwork: true}), " ")
	if strings.Contains(args, "--network none") {
		t.Error("needsNetwork must drop the --network none flag")
	}
}

func TestExecute_Completed(t *testing.T) {
	fr := &fakeRunner{stdout: []byte(`{"ok":true}`)}
	e := New(Options{Runner: fr})

	res, err := e.Execute(context.Background(), Spec{ProviderID: "p1", Image: "img", Command: []string{"run"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateCompleted {
		t.Errorf("state = %s, want completed", res.State)
	}
	if string(res.Stdout) != `{"ok":true}` {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestExecute_NonZeroExit(t *testing.T) {
	fr := &fakeRunner{exitCode: 2}
	e := New(Options{Runner: fr})

	res, err := e.Execute(context.Background(), Spec{ProviderID: "p1", Image: "img"})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateFailed || res.ExitCode != 2 {
		t.Errorf("got state=%s exit=%d, want failed/2", res.State, res.ExitCode)
	}
}

func TestExecute_OOMKilled(t *testing.T) {
	fr := &fakeRunner{exitCode: dockerOOMExitCode}
	e := New(Options{Runner: fr})

	res, _ := e.Execute(context.Background(), Spec{ProviderID: "p1", Image: "img"})
	if res.State != StateOOMKilled {
		t.Errorf("exit 137 must map to oom-killed, got %s", res.State)
	}
}

func TestExecute_Timeout(t *testing.T) {
	fr := &fakeRunner{block: make(chan struct{})}
	e := New(Options{Runner: fr})

	res, _ := e.Execute(context.Background(), Spec{
		ProviderID: "p1",
		Image:      "img",
		Timeout:    20 * time.Millisecond,
	})
	if res.State != StateTimedOut {
		t.Errorf("state = %s, want timed-out", res.State)
	}
}

func TestExecute_Cancelled(t *testing.T) {
	fr := &fakeRunner{block: make(chan struct{})}
	e := New(Options{Runner: fr})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, _ := e.Execute(ctx, Spec{ProviderID: "p1", Image: "img", Timeout: time.Minute})
	if res.State != StateCancelled {
		t.Errorf("state = %s, want cancelled", res.State)
	}
}

func TestExecute_QueueOverflow(t *testing.T) {
	block := make(chan struct{})
	fr := &fakeRunner{block: block}
	e := New(Options{Runner: fr, MaxConcurrent: 1, MaxQueue: 1})

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := e.Execute(context.Background(), Spec{ProviderID: "p1", Image: "img"})
			results <- err
		}()
	}

	// Wait until one runs and one is queued; capacity (1+1) is now full.
	deadline := time.After(time.Second)
	for e.inFlight.Load() != 2 {
		select {
		case <-deadline:
			t.Fatal("executions never reached the queue")
		case <-time.After(time.Millisecond):
		}
	}

	if _, err := e.Execute(context.Background(), Spec{ProviderID: "p1", Image: "img"}); !errors.Is(err, ErrOverloaded) {
		t.Errorf("expected ErrOverloaded, got %v", err)
	}

	close(block)
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Errorf("queued execution failed: %v", err)
		}
	}
}

func TestExecute_SpawnFailure(t *testing.T) {
	fr := &fakeRunner{spawnErr: errors.New("docker: not found")}
	e := New(Options{Runner: fr})

	res, err := e.Execute(context.Background(), Spec{ProviderID: "p1", Image: "img"})
	if err == nil {
		t.Fatal("spawn failure must surface an error")
	}
	if res.State != StateFailed {
		t.Errorf("state = %s, want failed", res.State)
	}
}
