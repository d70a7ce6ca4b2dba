// Package sandbox runs provider CLI processes inside locked-down Docker
// containers. Containers get no capabilities, no privilege escalation, a
// read-only root filesystem, and no network unless the provider declares it
// needs one. Concurrency is capped by a weighted semaphore with a bounded
// wait queue; when the queue is full the execution is rejected immediately so
// load sheds at the gateway instead of piling onto the Docker daemon.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dyadhq/dyad-gateway/internal/metrics"
)

// State is the terminal state of a sandboxed execution.
type State string

const (
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed-out"
	StateOOMKilled State = "oom-killed"
	StateCancelled State = "cancelled"
)

// ErrOverloaded is returned when the wait queue is full.
var ErrOverloaded = errors.New("sandbox: queue full")

// dockerOOMExitCode is what the daemon reports when the kernel OOM-kills the
// container's init process.
const dockerOOMExitCode = 137

// Spec describes one execution.
type Spec struct {
	ProviderID string
	Image      string
	Command    []string
	Env        map[string]string
	Stdin      []byte

	MemoryLimit  string  // docker --memory syntax, e.g. "512m"
	CPULimit     float64 // fractional cores, 0 = unlimited
	NeedsNetwork bool
	Timeout      time.Duration
}

// Result is the outcome of one execution.
type Result struct {
	State    State
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Runner abstracts the docker CLI so executions can be faked in tests.
type Runner interface {
	// Run executes docker with args, feeding stdin and returning the exit
	// code. A non-zero exit is not an error; err covers spawn failures and
	// context expiry only.
	Run(ctx context.Context, args []string, stdin []byte) (stdout, stderr []byte, exitCode int, err error)
}

type dockerRunner struct{}

func (dockerRunner) Run(ctx context.Context, args []string, stdin []byte) ([]byte, []byte, int, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf
	if len(stdin) > 0 {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	err := cmd.Run()
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdoutBuf.Bytes(), stderrBuf.Bytes(), exitErr.ExitCode(), nil
	}
	return stdoutBuf.Bytes(), stderrBuf.Bytes(), exitCode, err
}

// Options configure an Executor.
type Options struct {
	MaxConcurrent int // simultaneous containers, default 4
	MaxQueue      int // executions allowed to wait for a slot, default 16
	Runner        Runner
	Logger        *slog.Logger
	Metrics       *metrics.Registry
}

// Executor schedules sandboxed executions.
type Executor struct {
	sem      *semaphore.Weighted
	capacity int64 // maxConcurrent + maxQueue
	inFlight atomic.Int64

	runner  Runner
	logger  *slog.Logger
	metrics *metrics.Registry

	mu     sync.Mutex
	active map[string]struct{} // container names, killed on Close
	seq    atomic.Uint64
}

// New creates an Executor.
func New(opts Options) *Executor {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.MaxQueue <= 0 {
		opts.MaxQueue = 16
	}
	if opts.Runner == nil {
		opts.Runner = dockerRunner{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Executor{
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		capacity: int64(opts.MaxConcurrent + opts.MaxQueue),
		runner:   opts.Runner,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		active:   make(map[string]struct{}),
	}
}

// Execute runs spec and blocks until it finishes, ctx expires while queued,
// or the queue rejects it. Capacity is running + queued executions.
func (e *Executor) Execute(ctx context.Context, spec Spec) (Result, error) {
	if e.inFlight.Add(1) > e.capacity {
		e.inFlight.Add(-1)
		return Result{}, ErrOverloaded
	}
	defer func() {
		e.inFlight.Add(-1)
		if e.metrics != nil {
			e.metrics.SetSandboxQueueDepth(int(e.inFlight.Load()))
		}
	}()
	if e.metrics != nil {
		e.metrics.SetSandboxQueueDepth(int(e.inFlight.Load()))
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return Result{State: StateCancelled}, ctx.Err()
	}
	defer e.sem.Release(1)

	return e.run(ctx, spec)
}

func (e *Executor) run(ctx context.Context, spec Spec) (Result, error) {
	name := fmt.Sprintf("dyad-sbx-%s-%d", sanitizeName(spec.ProviderID), e.seq.Add(1))

	e.mu.Lock()
	e.active[name] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, name)
		e.mu.Unlock()
	}()

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	args := BuildArgs(name, spec)
	start := time.Now()
	stdout, stderr, exitCode, err := e.runner.Run(runCtx, args, spec.Stdin)
	dur := time.Since(start)

	res := Result{
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: dur,
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		res.State = StateTimedOut
		e.stopContainer(name)
	case ctx.Err() != nil:
		res.State = StateCancelled
		e.stopContainer(name)
	case err != nil:
		res.State = StateFailed
		e.logger.Error("sandbox_spawn_failed",
			slog.String("provider", spec.ProviderID),
			slog.String("container", name),
			slog.String("error", err.Error()))
	case exitCode == dockerOOMExitCode:
		res.State = StateOOMKilled
	case exitCode == 0:
		res.State = StateCompleted
	default:
		res.State = StateFailed
	}

	if e.metrics != nil {
		e.metrics.RecordSandboxExecution(spec.ProviderID, string(res.State))
	}
	e.logger.Debug("sandbox_execution",
		slog.String("provider", spec.ProviderID),
		slog.String("container", name),
		slog.String("state", string(res.State)),
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("duration", dur))

	if err != nil && res.State == StateFailed {
		return res, err
	}
	return res, nil
}

// BuildArgs assembles the docker run invocation for spec.
func BuildArgs(containerName string, spec Spec) []string {
	args := []string{
		"run",
		"--rm",
		"--name", containerName,
		"-i",
		"--user", "65534:65534",
		"--read-only",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--pids-limit", "128",
	}

	if spec.MemoryLimit != "" {
		args = append(args, "--memory", spec.MemoryLimit, "--memory-swap", spec.MemoryLimit)
	}
	if spec.CPULimit > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(spec.CPULimit, 'f', 2, 64))
	}
	if !spec.NeedsNetwork {
		args = append(args, "--network", "none")
	}
	for k, v := range spec.Env {
		args = append(args, "-e", k+"="+v)
	}

	args = append(args, spec.Image)
	args = append(args, spec.Command...)
	return args
}

// stopContainer attempts a graceful stop, then forces removal. Runs against
// the real daemon regardless of the injected Runner: a fake runner never
// leaves containers behind, so the extra call is harmless.
func (e *Executor) stopContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = exec.CommandContext(ctx, "docker", "stop", "-t", "2", name).Run()
	_ = exec.CommandContext(ctx, "docker", "rm", "-f", name).Run()
}

// Close force-removes any containers still tracked as active.
func (e *Executor) Close() error {
	e.mu.Lock()
	names := make([]string, 0, len(e.active))
	for n := range e.active {
		names = append(names, n)
	}
	e.mu.Unlock()

	for _, n := range names {
		e.stopContainer(n)
	}
	if len(names) > 0 {
		e.logger.Info("sandbox_cleanup", slog.Int("containers", len(names)))
	}
	return nil
}

func sanitizeName(id string) string {
	var b strings.Builder
	for _, c := range id {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			b.WriteRune(c)
		}
	}
	s := b.String()
	if len(s) > 32 {
		s = s[:32]
	}
	if s == "" {
		s = "anon"
	}
	return s
}
