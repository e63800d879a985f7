package executor

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// waitDelay bounds how long Wait keeps draining pipes held open by
// processes that outlived the command.
const waitDelay = 2 * time.Second

// directExecutor runs commands on the host without isolation.
type directExecutor struct {
	logger zerolog.Logger
}

func (e *directExecutor) ID() string {
	return "direct"
}

func (e *directExecutor) Execute(ctx context.Context, req RunRequest) (*ExecuteResult, error) {
	if len(req.Command) == 0 {
		return nil, &Error{Type: ErrInvalid, Message: "empty command"}
	}
	// A cancelled caller gets no new process.
	if err := ctx.Err(); err != nil {
		return nil, &Error{Type: ErrCanceled, Message: "command canceled before start", Cause: err}
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := e.logger.With().Str("label", req.Label).Strs("command", req.Command).Logger()

	cmd := exec.Command(req.Command[0], req.Command[1:]...)
	cmd.Dir = req.WorkingDirectory
	cmd.Env = req.Env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	startTime := time.Now()
	if err := cmd.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start command")
		return nil, &Error{
			Type:    ErrCmdStart,
			Message: "failed to start command",
			Cause:   err,
		}
	}
	pid := cmd.Process.Pid
	logger.Debug().Int("pid", pid).Dur("timeout", timeout).Msg("Process started")

	errChan := make(chan error, 1)
	go func() {
		errChan <- cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-errChan:
		duration := time.Since(startTime)
		// Background children left behind by the script go with it.
		if kerr := killProcessGroup(cmd); kerr != nil {
			logger.Debug().Err(kerr).Int("pid", pid).Msg("Failed to signal process group after exit")
		}

		exitCode := 0
		if err != nil {
			var exitErr *exec.ExitError
			switch {
			case errors.As(err, &exitErr):
				exitCode = exitErr.ExitCode()
			case errors.Is(err, exec.ErrWaitDelay):
				exitCode = cmd.ProcessState.ExitCode()
				logger.Warn().Int("pid", pid).Msg("Command exited but left its output pipes open")
			default:
				logger.Error().Err(err).Int("pid", pid).Msg("Command wait failed")
				return nil, &Error{
					Type:    ErrCmdWait,
					Message: "command wait failed with unexpected error",
					Cause:   err,
				}
			}
		}
		logger.Debug().Int("pid", pid).Int("exit_code", exitCode).Dur("duration", duration).Msg("Command completed")
		return &ExecuteResult{
			Status:   Completed,
			ExitCode: exitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: duration,
		}, nil

	case <-timer.C:
		e.terminate(logger, cmd)
		<-errChan
		logger.Warn().Int("pid", pid).Dur("timeout", timeout).Msg("Command killed after deadline")
		return &ExecuteResult{
			Status:   TimedOut,
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(startTime),
		}, nil

	case <-ctx.Done():
		e.terminate(logger, cmd)
		<-errChan
		logger.Warn().Int("pid", pid).Msg("Command killed due to context cancellation")
		return nil, &Error{
			Type:    ErrCanceled,
			Message: "command canceled",
			Cause:   ctx.Err(),
		}
	}
}

// terminate kills the command's process group, then any descendant that
// moved out of it.
func (e *directExecutor) terminate(logger zerolog.Logger, cmd *exec.Cmd) {
	pid := cmd.Process.Pid
	// Descendants have to be collected before the parent dies and they get reparented.
	stragglers := descendants(int32(pid))

	if err := killProcessGroup(cmd); err != nil {
		logger.Error().Err(err).Int("pid", pid).Msg("Failed to kill process group")
		if kerr := cmd.Process.Kill(); kerr != nil {
			logger.Error().Err(kerr).Int("pid", pid).Msg("Failed to kill process")
		}
	}
	for _, p := range stragglers {
		if running, _ := p.IsRunning(); !running {
			continue
		}
		if err := p.Kill(); err != nil {
			logger.Debug().Err(err).Int32("pid", p.Pid).Msg("Failed to kill descendant")
		}
	}
}

func descendants(pid int32) []*process.Process {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil
	}
	children, err := proc.Children()
	if err != nil {
		return nil
	}
	all := make([]*process.Process, 0, len(children))
	for _, c := range children {
		all = append(all, c)
		all = append(all, descendants(c.Pid)...)
	}
	return all
}
