package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/Mirai3103/gradebuddy/internal/config"
	"github.com/Mirai3103/gradebuddy/internal/core"
	"github.com/Mirai3103/gradebuddy/internal/core/executor"
	natsClient "github.com/Mirai3103/gradebuddy/internal/nats"
	"github.com/Mirai3103/gradebuddy/internal/provider"
	"github.com/Mirai3103/gradebuddy/internal/report"
	"github.com/Mirai3103/gradebuddy/internal/store"
	"github.com/Mirai3103/gradebuddy/internal/worker"
	"github.com/Mirai3103/gradebuddy/pkg/logger"
)

func run(ctx context.Context, cfg *config.Config, opts options, stdout io.Writer) error {
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty, false)
	zlog.Logger = log

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		var err error
		nc, err = connect(cfg.NATS.URL, log)
		if err != nil {
			return fail(exitMarking, "connect to NATS: %w", err)
		}
		defer func() {
			if err := nc.Drain(); err != nil {
				log.Error().Err(err).Msg("Error draining NATS connection")
			}
		}()
	} else if opts.listen {
		return fail(exitUsage, "--listen needs a NATS server (--nats-url)")
	}

	var st *store.Store
	scripts := cfg.Marking.Scripts
	if opts.backup != "" {
		if err := requirePaths(opts.backup); err != nil {
			return err
		}
		snap, err := store.LoadSnapshot(opts.backup)
		if err != nil {
			return fail(exitMarking, "%w", err)
		}
		if st, err = store.FromSnapshot(snap); err != nil {
			return fail(exitMarking, "%w", err)
		}
		if len(scripts) == 0 {
			scripts = snap.Scripts
		}
		log.Info().Str("file", opts.backup).Int("submissions", st.Len()).Msg("Session restored")
	}

	hostExecutor := executor.NewExecutor(log)
	log.Info().Str("executor", hostExecutor.ID()).Int("concurrency", cfg.Concurrency()).Msg("Marking engine ready")
	runner := core.NewRunner(hostExecutor, core.RunnerConfig{
		Scripts:         scripts,
		Timeout:         cfg.Marking.Timeout,
		Layout:          cfg.Layout(),
		Env:             cfg.Environ(os.Environ()),
		IdentifyScript:  cfg.Identify.Script,
		IdentifyTimeout: cfg.Identify.Timeout,
	}, log)

	if st == nil {
		if cfg.Submissions.Directory == "" || cfg.Identify.Script == "" || len(scripts) == 0 {
			return fail(exitUsage, "a submissions directory, a naming script and at least one marking script are required")
		}
		if err := requirePaths(append([]string{cfg.Submissions.Directory, cfg.Identify.Script}, scripts...)...); err != nil {
			return err
		}
		p, err := provider.New(cfg.Submissions.Directory, cfg.Submissions.Exclude, runner, cfg.Concurrency(), log)
		if err != nil {
			return fail(exitUsage, "%w", err)
		}
		if st, err = p.Load(ctx); err != nil {
			return fail(exitIdentify, "%w", err)
		}
	}

	var sink worker.OutcomeSink
	if nc != nil {
		sink = natsClient.NewPublisher(nc, cfg.NATS.ResultSubject, log)
	}
	coordinator := worker.NewCoordinator(runner, st, cfg.Concurrency(), sink, log)

	if opts.backup == "" {
		passReport, err := coordinator.Mark(ctx)
		if err != nil {
			return fail(exitMarking, "%w", err)
		}
		log.Info().Str("pass_id", passReport.ID).Int("marked", passReport.Marked).
			Int("failed", passReport.Failed).Dur("duration", passReport.Duration).Msg("Marking finished")
	}

	if opts.save != "" {
		if err := store.SaveSnapshot(opts.save, st.Snapshot(runner.Scripts())); err != nil {
			return fail(exitMarking, "%w", err)
		}
		log.Info().Str("file", opts.save).Msg("Session saved")
	}

	if err := report.WriteCSV(stdout, st.All()); err != nil {
		return fail(exitMarking, "write report: %w", err)
	}

	if opts.listen {
		return listen(ctx, nc, coordinator, st, runner, cfg, opts, log)
	}
	return nil
}

// listen serves re-mark requests until ctx is cancelled, then saves the
// session again when a save file was given.
func listen(ctx context.Context, nc *nats.Conn, coordinator *worker.Coordinator, st *store.Store,
	runner *core.Runner, cfg *config.Config, opts options, log zerolog.Logger) error {
	subscriber := natsClient.NewSubscriber(nc, coordinator, cfg.NATS.RemarkSubject, cfg.NATS.QueueGroup,
		cfg.Marking.Timeout*time.Duration(len(runner.Scripts())+1), log)
	subscription, err := subscriber.SubscribeToRemarks()
	if err != nil {
		return fail(exitMarking, "subscribe to re-mark requests: %w", err)
	}
	defer func() {
		if err := subscription.Unsubscribe(); err != nil {
			log.Error().Err(err).Msg("Error unsubscribing")
		}
	}()

	log.Info().Msg("Listening for re-mark requests on NATS")
	<-ctx.Done()
	log.Info().Msg("Shutting down")

	if opts.save != "" {
		if err := store.SaveSnapshot(opts.save, st.Snapshot(runner.Scripts())); err != nil {
			return fail(exitMarking, "%w", err)
		}
	}
	return nil
}

func connect(url string, log zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("gradebuddy"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	log.Info().Str("url", url).Msg("Connected to NATS server")
	return nc, nil
}

func requirePaths(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fail(exitMissingPath, "%s does not exist", path)
			}
			return fail(exitMissingPath, "%s: %w", path, err)
		}
	}
	return nil
}
