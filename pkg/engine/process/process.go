// Package process runs rulebook workers as plain child processes of
// the orchestrator. Intended for development and single-node
// deployments where no container runtime is available.
package process

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/rulefleet/rulefleet/pkg/core"
	"github.com/rulefleet/rulefleet/pkg/engine"
)

// Engine launches workers with os/exec and tracks them in memory. The
// handle namespace only survives this orchestrator process; a restart
// orphans nothing because workers exit with their parent.
type Engine struct {
	// BinaryPath overrides the worker executable. Empty means resolve
	// the standard worker binary on PATH.
	BinaryPath string

	mu    sync.Mutex
	procs map[string]*workerProc
}

type workerProc struct {
	cmd *exec.Cmd

	mu       sync.Mutex
	pending  []string
	partial  string
	done     chan struct{}
	exitErr  error
	finished bool
}

// New returns an empty process engine.
func New() *Engine {
	return &Engine{procs: make(map[string]*workerProc)}
}

func (e *Engine) Start(_ context.Context, req engine.Request) (string, error) {
	bin := e.BinaryPath
	if bin == "" {
		bin = req.CmdLine.Command()
	}
	cmd := exec.Command(bin, req.CmdLine.Args()...)
	if len(req.Env) > 0 {
		// Extra variables extend the inherited environment; replacing
		// it would strip PATH from the worker.
		cmd.Env = os.Environ()
		for k, v := range req.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	wp := &workerProc{cmd: cmd, done: make(chan struct{})}
	// Wait drains the writer before returning, so collected output is
	// complete once the exit status is visible.
	cmd.Stdout = (*lineWriter)(wp)
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return "", &engine.StartError{Err: err}
	}
	handle := fmt.Sprintf("proc-%d-%d", req.InstanceID, cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		wp.mu.Lock()
		wp.exitErr = err
		wp.finished = true
		wp.mu.Unlock()
		close(wp.done)
	}()

	e.mu.Lock()
	e.procs[handle] = wp
	e.mu.Unlock()
	slog.Info("worker process started", "handle", handle, "instance_id", req.InstanceID)
	return handle, nil
}

// lineWriter splits worker output into lines under the proc lock. A
// trailing partial line is buffered until its newline arrives.
type lineWriter workerProc

func (w *lineWriter) Write(p []byte) (int, error) {
	wp := (*workerProc)(w)
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.partial += string(p)
	for {
		idx := strings.IndexByte(wp.partial, '\n')
		if idx < 0 {
			break
		}
		wp.pending = append(wp.pending, wp.partial[:idx])
		wp.partial = wp.partial[idx+1:]
	}
	return len(p), nil
}

func (e *Engine) lookup(handle string) (*workerProc, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wp, ok := e.procs[handle]
	return wp, ok
}

func (e *Engine) GetStatus(_ context.Context, handle string) (engine.Status, error) {
	wp, ok := e.lookup(handle)
	if !ok {
		return engine.Status{}, engine.ErrContainerNotFound
	}
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if !wp.finished {
		return engine.Status{Status: core.StatusRunning}, nil
	}
	if wp.exitErr != nil {
		return engine.Status{
			Status:  core.StatusFailed,
			Message: wp.exitErr.Error(),
		}, nil
	}
	return engine.Status{Status: core.StatusCompleted, Message: "worker exited cleanly"}, nil
}

func (e *Engine) Cleanup(_ context.Context, handle string) error {
	e.mu.Lock()
	wp, ok := e.procs[handle]
	delete(e.procs, handle)
	e.mu.Unlock()
	if !ok {
		return nil
	}
	wp.mu.Lock()
	finished := wp.finished
	wp.mu.Unlock()
	if !finished {
		if err := wp.cmd.Process.Kill(); err != nil {
			return &engine.CleanupError{Handle: handle, Err: err}
		}
	}
	<-wp.done
	slog.Info("worker process removed", "handle", handle)
	return nil
}

func (e *Engine) UpdateLogs(ctx context.Context, handle string, instanceID int64, sink engine.LogSink) error {
	wp, ok := e.lookup(handle)
	if !ok {
		return engine.ErrContainerNotFound
	}
	wp.mu.Lock()
	lines := wp.pending
	wp.pending = nil
	wp.mu.Unlock()
	if len(lines) == 0 {
		return nil
	}
	if err := sink.AppendInstanceLog(ctx, instanceID, lines); err != nil {
		// Put the lines back so the next flush retries them.
		wp.mu.Lock()
		wp.pending = append(lines, wp.pending...)
		wp.mu.Unlock()
		return err
	}
	return nil
}

var _ engine.Engine = (*Engine)(nil)
