package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	_ "go.uber.org/automaxprocs"

	"github.com/Mirai3103/gradebuddy/internal/config"
	"github.com/Mirai3103/gradebuddy/pkg/logger"
)

// Exit codes of the gradebuddy command.
const (
	exitUsage       = 1
	exitMissingPath = 3
	exitIdentify    = 4
	exitMarking     = 5
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func fail(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

type options struct {
	configPath string
	backup     string
	save       string
	listen     bool
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var opts options

	rootCmd := &cobra.Command{
		Use:           "gradebuddy",
		Short:         "Run marking scripts over a directory of student submissions",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, opts.configPath)
			if err != nil {
				return &exitError{code: exitUsage, err: err}
			}
			return run(cmd.Context(), cfg, opts, cmd.OutOrStdout())
		},
	}

	flags := rootCmd.Flags()
	flags.StringP("directory", "d", "", "Directory containing one subdirectory per submission")
	flags.StringArrayP("marking-script", "m", nil, "Marking script, repeat for every part in marking order")
	flags.StringP("naming-script", "n", "", "Script printing the student id of a submission")
	flags.StringP("exclude", "e", "", "Regular expression of submission directory names to skip")
	flags.Duration("timeout", 60*time.Second, "Time limit of a single script run")
	flags.IntP("thread-pool", "t", 1, "Number of submissions marked at once, 0 for one per CPU")
	flags.String("layout", "file-first", "Marking script output layout: file-first or marks-first")
	flags.String("nats-url", "", "NATS server to publish outcomes to")
	flags.String("log-level", "info", "Log level: debug, info, warn or error")
	flags.StringVarP(&opts.backup, "backup", "b", "", "Load a saved session instead of marking")
	flags.StringVar(&opts.save, "save", "", "Save the session to this file after marking (.yaml or .toml)")
	flags.StringVar(&opts.configPath, "config", "", "Config file or directory")
	flags.BoolVar(&opts.listen, "listen", false, "Serve re-mark requests over NATS until interrupted")

	if err := bindFlags(v, flags); err != nil {
		panic(err)
	}
	return rootCmd
}

// bindFlags lets command line flags override the matching config keys.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for key, flag := range map[string]string{
		"submissions.directory": "directory",
		"marking.scripts":       "marking-script",
		"identify.script":       "naming-script",
		"submissions.exclude":   "exclude",
		"marking.timeout":       "timeout",
		"marking.concurrency":   "thread-pool",
		"marking.layout":        "layout",
		"nats.url":              "nats-url",
		"log.level":             "log-level",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("bind --%s: %w", flag, err)
		}
	}
	return nil
}

func main() {
	// Replaced once the configured level is known.
	zlog.Logger = logger.New("info", true, false)
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		os.Exit(exitUsage)
	}
}
