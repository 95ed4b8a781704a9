package adapters

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/meshlink/meshlink/session"
)

// LocalExecutor is a reference implementation of the session.Executor
// contract: it spawns req.Command with req.Args as an argument array,
// never through a shell, and captures stdout/stderr/exit code. Process
// spawning is an explicit non-goal of the core itself; this exists so
// the session layer has something real to exercise in tests and small
// demos, not as a hardened command-execution sandbox.
type LocalExecutor struct{}

// Execute implements session.Executor.
func (LocalExecutor) Execute(ctx context.Context, req session.CommandRequest) (session.CommandResult, error) {
	if req.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSecs)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	if req.Env != nil {
		env := make([]string, 0, len(req.Env))
		for k, v := range req.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := uint64(time.Since(start) / time.Millisecond)

	result := session.CommandResult{
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		ElapsedMs: elapsed,
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.Status = session.StatusSuccess
		result.ExitCode = 0
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.Status = session.StatusTimeout
		result.ExitCode = -1
	case errors.As(err, &exitErr):
		result.Status = session.StatusError
		result.ExitCode = int32(exitErr.ExitCode())
	default:
		result.Status = session.StatusError
		result.ExitCode = -1
		result.Stderr = append(result.Stderr, []byte(err.Error())...)
	}
	return result, nil
}
