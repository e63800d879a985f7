package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/Mirai3103/gradebuddy/internal/core"
	"github.com/Mirai3103/gradebuddy/internal/models"
	"github.com/Mirai3103/gradebuddy/internal/store"
)

var (
	ErrNoScripts          = core.ErrNoScripts
	ErrInvalidConcurrency = errors.New("concurrency must be at least 1")
	ErrPassRunning        = errors.New("marking is already in progress")
)

// SubmissionMarker applies the marking scripts to a submission directory.
// *core.Runner implements it.
type SubmissionMarker interface {
	ValidateScripts() error
	MarkSubmission(ctx context.Context, dir string) ([]models.Result, error)
}

// OutcomeSink is told about every submission once its outcome is recorded.
type OutcomeSink interface {
	PublishOutcome(outcome models.Outcome) error
}

type State int32

const (
	Idle State = iota
	Running
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// PassReport summarises one marking pass.
type PassReport struct {
	ID       string
	Total    int
	Marked   int
	Failed   int
	Aborted  int
	Duration time.Duration
}

// Coordinator marks every submission of a store on a fixed pool of workers.
type Coordinator struct {
	runner      SubmissionMarker
	store       *store.Store
	concurrency int
	sink        OutcomeSink
	logger      zerolog.Logger

	state     *atomic.Int32
	// running is held for the whole of a pass or a re-mark, so a
	// submission never has two writers.
	running   *atomic.Bool
	completed *atomic.Int64
	total     *atomic.Int64
}

// NewCoordinator builds a coordinator. sink may be nil.
func NewCoordinator(runner SubmissionMarker, st *store.Store, concurrency int, sink OutcomeSink, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		runner:      runner,
		store:       st,
		concurrency: concurrency,
		sink:        sink,
		logger:      logger.With().Str("component", "coordinator").Logger(),
		state:       atomic.NewInt32(int32(Idle)),
		running:     atomic.NewBool(false),
		completed:   atomic.NewInt64(0),
		total:       atomic.NewInt64(0),
	}
}

func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Progress reports how many submissions of the current or last pass are done.
func (c *Coordinator) Progress() (done, total int) {
	return int(c.completed.Load()), int(c.total.Load())
}

// Mark runs a full pass over the store. It returns once every dispatched
// submission has an outcome. A cancelled ctx stops dispatching; submissions
// that were never started are recorded as aborted.
func (c *Coordinator) Mark(ctx context.Context) (*PassReport, error) {
	if c.running.Swap(true) {
		return nil, ErrPassRunning
	}
	defer c.running.Store(false)

	passID := uuid.NewString()
	logger := c.logger.With().Str("pass_id", passID).Logger()
	start := time.Now()

	if err := c.runner.ValidateScripts(); err != nil {
		c.state.Store(int32(Failed))
		logger.Error().Err(err).Msg("Refusing to start marking pass")
		return nil, fmt.Errorf("validate scripts: %w", err)
	}
	if c.concurrency < 1 {
		c.state.Store(int32(Failed))
		return nil, fmt.Errorf("%w, got %d", ErrInvalidConcurrency, c.concurrency)
	}

	// Outcomes of an earlier pass are not shown as current while this one runs.
	c.store.Reset()
	dirs := c.store.Directories()
	c.completed.Store(0)
	c.total.Store(int64(len(dirs)))
	c.state.Store(int32(Running))
	logger.Info().Int("submissions", len(dirs)).Int("concurrency", c.concurrency).Msg("Marking pass started")

	progress := &rate.Sometimes{Interval: time.Second}
	p := pool.New().WithMaxGoroutines(c.concurrency)
	dispatched := 0
	for i, dir := range dirs {
		if ctx.Err() != nil {
			for _, left := range dirs[i:] {
				c.record(passID, left, nil, errors.New(models.AbortedFailure), 0)
			}
			logger.Warn().Int("aborted", len(dirs)-i).Msg("Marking pass cancelled before every submission was dispatched")
			break
		}
		dir := dir
		dispatched++
		// Go blocks until a worker is free.
		p.Go(func() {
			defer func() {
				done := c.completed.Inc()
				progress.Do(func() {
					logger.Info().Int64("done", done).Int("total", len(dirs)).Msg("Marking progress")
				})
			}()
			c.markTask(ctx, passID, dir)
		})
	}
	p.Wait()

	report := c.summarise(passID, time.Since(start))
	if got := c.completed.Load(); got != int64(dispatched) {
		c.state.Store(int32(Failed))
		return report, fmt.Errorf("marking pass finished %d of %d dispatched submissions", got, dispatched)
	}
	if err := ctx.Err(); err != nil {
		c.state.Store(int32(Failed))
		return report, fmt.Errorf("marking pass aborted: %w", err)
	}
	c.state.Store(int32(Completed))
	logger.Info().Int("marked", report.Marked).Int("failed", report.Failed).
		Dur("duration", report.Duration).Msg("Marking pass completed")
	return report, nil
}

// MarkOne re-marks a single submission outside the pool and records the
// outcome. It follows exactly the path a full pass takes for that submission.
// It is rejected with ErrPassRunning while a pass or another re-mark runs.
func (c *Coordinator) MarkOne(ctx context.Context, dir string) ([]models.Result, error) {
	if c.running.Swap(true) {
		return nil, ErrPassRunning
	}
	defer c.running.Store(false)
	sub, err := c.store.Get(dir)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}
	start := time.Now()
	results, err := c.mark(ctx, sub.Directory)
	c.record("", sub.Directory, results, err, time.Since(start))
	return results, err
}

// Remark is MarkOne reporting the recorded outcome. Only a submission that
// could not be attempted yields an error.
func (c *Coordinator) Remark(ctx context.Context, dir string) (models.Outcome, error) {
	start := time.Now()
	if _, err := c.MarkOne(ctx, dir); errors.Is(err, store.ErrNotFound) || errors.Is(err, ErrPassRunning) {
		return models.Outcome{}, err
	}
	sub, err := c.store.Get(dir)
	if err != nil {
		return models.Outcome{}, err
	}
	return models.NewOutcome("", sub, time.Since(start)), nil
}

func (c *Coordinator) markTask(ctx context.Context, passID, dir string) {
	start := time.Now()
	results, err := c.mark(ctx, dir)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		err = errors.New(models.AbortedFailure)
	}
	c.record(passID, dir, results, err, time.Since(start))
}

// mark runs the script chain, turning a panic into an ordinary failure.
func (c *Coordinator) mark(ctx context.Context, dir string) (results []models.Result, err error) {
	var pc panics.Catcher
	pc.Try(func() {
		results, err = c.runner.MarkSubmission(ctx, dir)
	})
	if r := pc.Recovered(); r != nil {
		c.logger.Error().Str("submission", dir).Str("stack", string(r.Stack)).Msg("Marking panicked")
		return nil, fmt.Errorf("unexpected error while marking: %w", r.AsError())
	}
	return results, err
}

func (c *Coordinator) record(passID, dir string, results []models.Result, failure error, d time.Duration) {
	if err := c.store.Record(dir, results, failure); err != nil {
		c.logger.Error().Err(err).Str("submission", dir).Msg("Failed to record outcome")
		return
	}
	if failure != nil {
		c.logger.Warn().Err(failure).Str("submission", dir).Msg("Submission could not be marked")
	}
	if c.sink == nil {
		return
	}
	sub, err := c.store.Get(dir)
	if err != nil {
		return
	}
	if err := c.sink.PublishOutcome(models.NewOutcome(passID, sub, d)); err != nil {
		c.logger.Error().Err(err).Str("submission", dir).Msg("Failed to publish outcome")
	}
}

func (c *Coordinator) summarise(passID string, d time.Duration) *PassReport {
	report := &PassReport{ID: passID, Duration: d}
	for _, sub := range c.store.All() {
		report.Total++
		switch {
		case sub.Failure == models.AbortedFailure:
			report.Aborted++
		case sub.Failed():
			report.Failed++
		default:
			report.Marked++
		}
	}
	return report
}
