package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Mirai3103/gradebuddy/internal/core/contract"
	"github.com/Mirai3103/gradebuddy/internal/core/executor"
	"github.com/Mirai3103/gradebuddy/internal/models"
)

// RunnerConfig is everything a Runner needs to invoke scripts. Env is passed
// to every invocation as-is; nil inherits the process environment.
type RunnerConfig struct {
	Scripts         []string
	Timeout         time.Duration
	Layout          contract.Layout
	Env             []string
	IdentifyScript  string
	IdentifyTimeout time.Duration
}

// Runner applies the configured marking scripts to one submission at a time.
// It holds no per-submission state and is safe for concurrent use.
type Runner struct {
	executor executor.Executor
	parser   contract.Parser
	cfg      RunnerConfig
	logger   zerolog.Logger
}

func NewRunner(exec executor.Executor, cfg RunnerConfig, logger zerolog.Logger) *Runner {
	scripts := make([]string, len(cfg.Scripts))
	copy(scripts, cfg.Scripts)
	cfg.Scripts = scripts
	return &Runner{
		executor: exec,
		parser:   contract.NewParser(cfg.Layout),
		cfg:      cfg,
		logger:   logger.With().Str("component", "runner").Logger(),
	}
}

// Scripts returns the marking scripts in configuration order.
func (r *Runner) Scripts() []string {
	out := make([]string, len(r.cfg.Scripts))
	copy(out, r.cfg.Scripts)
	return out
}

// ValidateScripts checks that every configured script is an existing regular file.
func (r *Runner) ValidateScripts() error {
	if len(r.cfg.Scripts) == 0 {
		return ErrNoScripts
	}
	for _, script := range r.cfg.Scripts {
		if err := checkScript(script); err != nil {
			return err
		}
	}
	return nil
}

// MarkSubmission runs every script over dir, in order, and returns one
// Result per script. A script whose output breaks the contract aborts the
// chain and no results are returned.
func (r *Runner) MarkSubmission(ctx context.Context, dir string) ([]models.Result, error) {
	results := make([]models.Result, 0, len(r.cfg.Scripts))
	for i, script := range r.cfg.Scripts {
		res, err := r.MarkingResult(ctx, dir, script)
		if err != nil {
			r.logger.Error().Err(err).Str("submission", dir).Str("script", script).
				Int("part", i+1).Msg("Stopping marking of submission")
			return nil, fmt.Errorf("part %d (%s): %w", i+1, filepath.Base(script), err)
		}
		results = append(results, res)
	}
	return results, nil
}

// MarkingResult runs one script over dir. A timeout becomes a zero-marks
// Result; a contract violation or a failed invocation is returned as an error.
func (r *Runner) MarkingResult(ctx context.Context, dir, script string) (models.Result, error) {
	req, err := r.request(dir, script, r.cfg.Timeout)
	if err != nil {
		return models.Result{}, err
	}
	execResult, err := r.executor.Execute(ctx, req)
	if err != nil {
		return models.Result{}, err
	}
	if execResult.TimedOut() {
		r.logger.Warn().Str("submission", dir).Str("script", script).Msg("Marking script timed out")
		return models.TimeoutResult(), nil
	}

	res, err := r.parser.Parse(execResult.ExitCode, execResult.Stdout, execResult.Stderr)
	if err != nil {
		return models.Result{}, err
	}
	r.logger.Debug().Str("submission", dir).Str("script", script).
		Int("exit_code", execResult.ExitCode).Float64("marks", res.Marks).
		Dur("duration", execResult.Duration).Msg("Script finished")
	return res, nil
}

// Identify runs the identify script over dir and returns its trimmed stdout.
// Every failure, timeouts included, is an error.
func (r *Runner) Identify(ctx context.Context, dir string) (string, error) {
	if r.cfg.IdentifyScript == "" {
		return "", errors.New("no identify script configured")
	}
	req, err := r.request(dir, r.cfg.IdentifyScript, r.cfg.IdentifyTimeout)
	if err != nil {
		return "", err
	}
	execResult, err := r.executor.Execute(ctx, req)
	if err != nil {
		return "", err
	}
	if execResult.TimedOut() {
		return "", fmt.Errorf("timeout while trying to extract the student identifier from submission %s", dir)
	}
	if execResult.ExitCode != 0 {
		return "", fmt.Errorf("identify script returned a non-zero code (%d).\nOutput stream: %s\nError stream: %s",
			execResult.ExitCode, execResult.Stdout, execResult.Stderr)
	}
	return strings.TrimSpace(execResult.Stdout), nil
}

// request builds the invocation `sh <script> <abs dir>` run from the
// script's own directory.
func (r *Runner) request(dir, script string, timeout time.Duration) (executor.RunRequest, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return executor.RunRequest{}, fmt.Errorf("resolve submission directory %s: %w", dir, err)
	}
	absScript, err := filepath.Abs(script)
	if err != nil {
		return executor.RunRequest{}, fmt.Errorf("resolve script %s: %w", script, err)
	}
	if err := checkScript(absScript); err != nil {
		return executor.RunRequest{}, err
	}
	return executor.RunRequest{
		Command:          []string{"sh", filepath.Base(absScript), absDir},
		WorkingDirectory: filepath.Dir(absScript),
		Env:              r.cfg.Env,
		Timeout:          timeout,
		Label:            filepath.Base(absScript) + " " + filepath.Base(absDir),
	}, nil
}

func checkScript(script string) error {
	info, err := os.Stat(script)
	if err != nil {
		return &ScriptError{Script: script, Cause: err}
	}
	if !info.Mode().IsRegular() {
		return &ScriptError{Script: script, Cause: errors.New("not a regular file")}
	}
	return nil
}
