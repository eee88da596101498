package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/brewva/brewva/internal/gateway/bridge"
)

// Spawner starts worker child processes. The default implementation
// re-execs the current binary with the worker environment marker set;
// tests substitute an in-process fake.
type Spawner interface {
	Spawn(ctx context.Context) (Process, error)
}

// Process is a started worker child as the supervisor sees it: an
// NDJSON pipe pair plus lifecycle control.
type Process interface {
	PID() int
	Stdin() io.Writer
	Stdout() io.Reader

	// Terminate asks the process to exit (SIGTERM). Kill forces it.
	Terminate() error
	Kill() error

	// Wait blocks until the process exits. It must be called exactly
	// once.
	Wait() error

	// StderrTail returns the most recent captured stderr output, for
	// crash diagnostics.
	StderrTail() string
}

// SelfExec spawns workers by re-executing the current binary.
type SelfExec struct{}

func (SelfExec) Spawn(ctx context.Context) (Process, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}

	cmd := exec.CommandContext(ctx, exe)
	cmd.Env = append(workerEnv(os.Environ()), bridge.EnvWorker+"=1")
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout pipe: %w", err)
	}
	tail := &tailBuffer{max: 8 * 1024}
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, tail: tail}, nil
}

// workerEnv strips any inherited worker marker so a worker's own
// children are never mistaken for workers.
func workerEnv(env []string) []string {
	out := env[:0:0]
	for _, kv := range env {
		if strings.HasPrefix(kv, bridge.EnvWorker+"=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	tail   *tailBuffer
}

func (p *execProcess) PID() int          { return p.cmd.Process.Pid }
func (p *execProcess) Stdin() io.Writer  { return p.stdin }
func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) StderrTail() string {
	return p.tail.String()
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
