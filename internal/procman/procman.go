// Package procman spawns and supervises agent subprocesses. A child's stderr
// is merged into its stdout so a single reader drains both and neither pipe
// can block the child. The package never reads the streams itself; callers
// tie the merged output to their own sink.
package procman

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// Options configures a spawn.
type Options struct {
	// Argv is the command line; Argv[0] is the executable.
	Argv []string

	// Dir is the child's working directory ("" inherits the parent's).
	Dir string

	// Env holds additional environment variables for the child.
	Env map[string]string

	// ClearEnv starts the child from an empty environment before Env is
	// applied, instead of inheriting the parent's.
	ClearEnv bool

	// Logger is the structured logger for lifecycle diagnostics.
	Logger *zap.Logger
}

// Process is the live handle to a spawned child. All methods are safe to
// call repeatedly and from multiple goroutines.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	output io.ReadCloser
	done   chan struct{}
	logger *zap.Logger
}

// Spawn launches a child process with stderr redirected into stdout. A
// launch failure surfaces as an error and no handle is created.
func Spawn(opts Options) (*Process, error) {
	if len(opts.Argv) == 0 {
		return nil, fmt.Errorf("procman: empty argv")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cmd := exec.Command(opts.Argv[0], opts.Argv[1:]...)
	cmd.Dir = opts.Dir

	env := os.Environ()
	if opts.ClearEnv {
		env = nil
	}
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("procman: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("procman: stdout pipe: %w", err)
	}
	// One stream for both: stderr shares the stdout pipe's write end.
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("procman: start %s: %w", opts.Argv[0], err)
	}

	logger.Info("Spawned child process",
		zap.Int("pid", cmd.Process.Pid),
		zap.Strings("argv", opts.Argv),
		zap.String("dir", opts.Dir))

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		output: stdout,
		done:   make(chan struct{}),
		logger: logger,
	}
	go func() {
		err := cmd.Wait()
		if err != nil {
			logger.Info("Child process exited",
				zap.Int("pid", cmd.Process.Pid),
				zap.Error(err))
		} else {
			logger.Info("Child process exited", zap.Int("pid", cmd.Process.Pid))
		}
		close(p.done)
	}()
	return p, nil
}

// Pid returns the operating-system process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Stdin is the child's standard input.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Output is the child's merged stdout+stderr stream.
func (p *Process) Output() io.Reader { return p.output }

// Alive reports whether the child is still running.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Wait blocks up to timeout for the child to exit and reports whether it
// did. A zero or negative timeout polls without blocking.
func (p *Process) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		return !p.Alive()
	}
	select {
	case <-p.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Terminate waits up to timeout for the child to exit on its own and
// force-kills it if still alive.
func (p *Process) Terminate(timeout time.Duration) error {
	if p.Wait(timeout) {
		return nil
	}
	p.logger.Warn("Child did not exit in time, killing",
		zap.Int("pid", p.cmd.Process.Pid),
		zap.Duration("timeout", timeout))
	if err := p.cmd.Process.Kill(); err != nil && p.Alive() {
		return fmt.Errorf("procman: kill pid %d: %w", p.cmd.Process.Pid, err)
	}
	<-p.done
	return nil
}

// ExitCode returns the child's exit code, or -1 while it is still running.
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
		return p.cmd.ProcessState.ExitCode()
	default:
		return -1
	}
}
