package worker_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/Mirai3103/gradebuddy/internal/core"
	"github.com/Mirai3103/gradebuddy/internal/core/executor"
	"github.com/Mirai3103/gradebuddy/internal/models"
	"github.com/Mirai3103/gradebuddy/internal/store"
	"github.com/Mirai3103/gradebuddy/internal/worker"
)

type fakeMarker struct {
	validate error
	mark     func(ctx context.Context, dir string) ([]models.Result, error)

	inflight *atomic.Int64
	peak     *atomic.Int64
	calls    *atomic.Int64
}

func newFake(mark func(ctx context.Context, dir string) ([]models.Result, error)) *fakeMarker {
	return &fakeMarker{mark: mark, inflight: atomic.NewInt64(0), peak: atomic.NewInt64(0), calls: atomic.NewInt64(0)}
}

func (f *fakeMarker) ValidateScripts() error { return f.validate }

func (f *fakeMarker) MarkSubmission(ctx context.Context, dir string) ([]models.Result, error) {
	f.calls.Inc()
	n := f.inflight.Inc()
	defer f.inflight.Dec()
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CAS(p, n) {
			break
		}
	}
	return f.mark(ctx, dir)
}

type collectingSink struct {
	mu       sync.Mutex
	outcomes []models.Outcome
}

func (s *collectingSink) PublishOutcome(o models.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
	return nil
}

func populate(t *testing.T, n int) (*store.Store, []string) {
	t.Helper()
	root := t.TempDir()
	st := store.New()
	dirs := make([]string, n)
	for i := range dirs {
		dirs[i] = filepath.Join(root, fmt.Sprintf("sub-%02d", i))
		require.NoError(t, os.Mkdir(dirs[i], 0o755))
		require.NoError(t, st.Add(models.Submission{Directory: dirs[i], StudentID: fmt.Sprintf("s%02d", i)}))
	}
	return st, dirs
}

func byName(ctx context.Context, dir string) ([]models.Result, error) {
	time.Sleep(5 * time.Millisecond)
	return []models.Result{{MarkedFile: filepath.Base(dir), Marks: 1, Feedback: "ok"}}, nil
}

func TestMarkCoversEverySubmissionForAnyPoolSize(t *testing.T) {
	const n = 7
	for c := 1; c <= n+1; c++ {
		t.Run(fmt.Sprintf("C=%d", c), func(t *testing.T) {
			st, dirs := populate(t, n)
			fake := newFake(byName)
			sink := &collectingSink{}
			coord := worker.NewCoordinator(fake, st, c, sink, zerolog.Nop())

			report, err := coord.Mark(context.Background())
			require.NoError(t, err)
			assert.Equal(t, worker.Completed, coord.State())
			assert.Equal(t, n, report.Total)
			assert.Equal(t, n, report.Marked)
			assert.NotEmpty(t, report.ID)
			assert.EqualValues(t, n, fake.calls.Load(), "each submission is marked exactly once")
			assert.LessOrEqual(t, fake.peak.Load(), int64(c))

			done, total := coord.Progress()
			assert.Equal(t, n, done)
			assert.Equal(t, n, total)

			for i, sub := range st.All() {
				require.Len(t, sub.Results, 1, sub.Directory)
				assert.Equal(t, filepath.Base(dirs[i]), sub.Results[0].MarkedFile)
			}
			assert.Len(t, sink.outcomes, n)
			for _, o := range sink.outcomes {
				assert.Equal(t, report.ID, o.PassID)
			}
		})
	}
}

func TestMarkResultsIndependentOfConcurrency(t *testing.T) {
	marks := func(ctx context.Context, dir string) ([]models.Result, error) {
		base := filepath.Base(dir)
		if base == "sub-03" {
			return nil, errors.New("no decimal in marks line")
		}
		return []models.Result{{MarkedFile: base, Marks: float64(len(base))}, {Feedback: base}}, nil
	}

	var baseline []models.Submission
	for _, c := range []int{1, 3, 16} {
		st, _ := populate(t, 10)
		_, err := worker.NewCoordinator(newFake(marks), st, c, nil, zerolog.Nop()).Mark(context.Background())
		require.NoError(t, err)

		got := st.All()
		for i := range got {
			got[i].Directory = filepath.Base(got[i].Directory)
		}
		if baseline == nil {
			baseline = got
			continue
		}
		assert.Equal(t, baseline, got, "C=%d", c)
	}
}

func TestMarkHardFailureIsIsolated(t *testing.T) {
	st, dirs := populate(t, 4)
	fake := newFake(func(ctx context.Context, dir string) ([]models.Result, error) {
		if dir == dirs[1] {
			return nil, errors.New("part 1 (p.sh): malformed output")
		}
		return byName(ctx, dir)
	})

	report, err := worker.NewCoordinator(fake, st, 2, nil, zerolog.Nop()).Mark(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Marked)
	assert.Equal(t, 1, report.Failed)

	failed, err := st.Get(dirs[1])
	require.NoError(t, err)
	assert.Empty(t, failed.Results)
	assert.Contains(t, failed.Failure, "malformed output")

	for _, dir := range []string{dirs[0], dirs[2], dirs[3]} {
		sub, _ := st.Get(dir)
		assert.Len(t, sub.Results, 1)
		assert.False(t, sub.Failed())
	}
}

func TestMarkRecoversPanics(t *testing.T) {
	st, dirs := populate(t, 3)
	fake := newFake(func(ctx context.Context, dir string) ([]models.Result, error) {
		if dir == dirs[0] {
			panic("script table corrupted")
		}
		return byName(ctx, dir)
	})

	report, err := worker.NewCoordinator(fake, st, 2, nil, zerolog.Nop()).Mark(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 2, report.Marked)

	sub, _ := st.Get(dirs[0])
	assert.Contains(t, sub.Failure, "script table corrupted")
}

func TestMarkSystemicFailures(t *testing.T) {
	st, _ := populate(t, 2)

	fake := newFake(byName)
	fake.validate = &core.ScriptError{Script: "/nowhere.sh", Cause: os.ErrNotExist}
	coord := worker.NewCoordinator(fake, st, 1, nil, zerolog.Nop())
	_, err := coord.Mark(context.Background())
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, worker.Failed, coord.State())
	assert.Zero(t, fake.calls.Load(), "no task is dispatched")

	fake = newFake(byName)
	fake.validate = core.ErrNoScripts
	_, err = worker.NewCoordinator(fake, st, 1, nil, zerolog.Nop()).Mark(context.Background())
	assert.ErrorIs(t, err, worker.ErrNoScripts)

	coord = worker.NewCoordinator(newFake(byName), st, 0, nil, zerolog.Nop())
	_, err = coord.Mark(context.Background())
	assert.ErrorIs(t, err, worker.ErrInvalidConcurrency)
	assert.Equal(t, worker.Failed, coord.State())
}

func TestMarkCancelledPassAbortsRemaining(t *testing.T) {
	st, _ := populate(t, 6)
	ctx, cancel := context.WithCancel(context.Background())
	fake := newFake(func(ctx context.Context, dir string) ([]models.Result, error) {
		cancel()
		<-ctx.Done()
		return nil, fmt.Errorf("part 1 (p.sh): %w", ctx.Err())
	})

	coord := worker.NewCoordinator(fake, st, 1, nil, zerolog.Nop())
	report, err := coord.Mark(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, worker.Failed, coord.State())
	require.NotNil(t, report)
	assert.Equal(t, 6, report.Aborted)

	for _, sub := range st.All() {
		assert.Equal(t, models.AbortedFailure, sub.Failure)
	}
}

func TestMarkRejectsConcurrentPass(t *testing.T) {
	st, _ := populate(t, 1)
	release := make(chan struct{})
	started := make(chan struct{})
	coord := worker.NewCoordinator(newFake(func(ctx context.Context, dir string) ([]models.Result, error) {
		close(started)
		<-release
		return nil, nil
	}), st, 1, nil, zerolog.Nop())

	errc := make(chan error, 1)
	go func() {
		_, err := coord.Mark(context.Background())
		errc <- err
	}()
	<-started
	assert.Equal(t, worker.Running, coord.State())

	_, err := coord.Mark(context.Background())
	assert.ErrorIs(t, err, worker.ErrPassRunning)
	_, err = coord.MarkOne(context.Background(), st.Directories()[0])
	assert.ErrorIs(t, err, worker.ErrPassRunning)

	close(release)
	require.NoError(t, <-errc)
}

func TestMarkOneExcludesOtherWriters(t *testing.T) {
	st, dirs := populate(t, 1)
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	fake := newFake(func(ctx context.Context, dir string) ([]models.Result, error) {
		once.Do(func() {
			close(started)
			<-release
		})
		return byName(ctx, dir)
	})
	coord := worker.NewCoordinator(fake, st, 1, nil, zerolog.Nop())

	errc := make(chan error, 1)
	go func() {
		_, err := coord.MarkOne(context.Background(), dirs[0])
		errc <- err
	}()
	<-started

	_, err := coord.Mark(context.Background())
	assert.ErrorIs(t, err, worker.ErrPassRunning)
	_, err = coord.MarkOne(context.Background(), dirs[0])
	assert.ErrorIs(t, err, worker.ErrPassRunning)

	close(release)
	require.NoError(t, <-errc)
	assert.EqualValues(t, 1, fake.peak.Load(), "one writer per submission")
	assert.EqualValues(t, 1, fake.calls.Load())

	// Once the re-mark is done the coordinator accepts work again.
	_, err = coord.Mark(context.Background())
	require.NoError(t, err)
}

func TestMarkClearsPreviousOutcomes(t *testing.T) {
	st, dirs := populate(t, 2)
	for _, dir := range dirs {
		require.NoError(t, st.Record(dir, nil, errors.New("stale")))
	}
	var seen models.Submission
	coord := worker.NewCoordinator(newFake(func(ctx context.Context, dir string) ([]models.Result, error) {
		if dir == dirs[0] {
			seen, _ = st.Get(dirs[1])
		}
		return byName(ctx, dir)
	}), st, 1, nil, zerolog.Nop())

	_, err := coord.Mark(context.Background())
	require.NoError(t, err)
	assert.False(t, seen.Marked(), "a stale outcome is visible during the pass")
}

func TestMarkOneUnknownSubmission(t *testing.T) {
	st, _ := populate(t, 1)
	coord := worker.NewCoordinator(newFake(byName), st, 1, nil, zerolog.Nop())
	_, err := coord.MarkOne(context.Background(), filepath.Join(t.TempDir(), "ghost"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRemarkReportsOutcome(t *testing.T) {
	st, dirs := populate(t, 2)
	fail := true
	coord := worker.NewCoordinator(newFake(func(ctx context.Context, dir string) ([]models.Result, error) {
		if fail {
			return nil, errors.New("broken output")
		}
		return byName(ctx, dir)
	}), st, 1, nil, zerolog.Nop())

	out, err := coord.Remark(context.Background(), dirs[0])
	require.NoError(t, err)
	assert.Equal(t, "broken output", out.Failure)
	assert.Equal(t, "s00", out.StudentID)

	fail = false
	out, err = coord.Remark(context.Background(), dirs[0])
	require.NoError(t, err)
	assert.Empty(t, out.Failure)
	assert.Len(t, out.Results, 1)
}

// The scripts below go through the real runner and executor.

func scriptDir(t *testing.T, scripts map[string]string) []string {
	t.Helper()
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"part1.sh", "part2.sh", "part3.sh"} {
		body, ok := scripts[name]
		if !ok {
			continue
		}
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		paths = append(paths, path)
	}
	return paths
}

func realRunner(scripts []string, timeout time.Duration) *core.Runner {
	return core.NewRunner(executor.NewExecutor(zerolog.Nop()),
		core.RunnerConfig{Scripts: scripts, Timeout: timeout}, zerolog.Nop())
}

func TestMarkEndToEnd(t *testing.T) {
	st, dirs := populate(t, 5)
	// sub-02 has a file that makes part 2 print no marks.
	require.NoError(t, os.WriteFile(filepath.Join(dirs[2], "broken"), nil, 0o644))
	scripts := scriptDir(t, map[string]string{
		"part1.sh": "printf '%s/main.py\\n%s\\nran part 1\\n' \"$1\" 2.5\n",
		"part2.sh": "if [ -e \"$1/broken\" ]; then echo f; echo nothing; exit 0; fi\necho f\necho 1\n",
		"part3.sh": "echo oops >&2\nexit 4\n",
	})

	report, err := worker.NewCoordinator(realRunner(scripts, 5*time.Second), st, 3, nil, zerolog.Nop()).
		Mark(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, report.Marked)
	assert.Equal(t, 1, report.Failed)

	for i, sub := range st.All() {
		if i == 2 {
			assert.Contains(t, sub.Failure, "part 2 (part2.sh)")
			assert.Empty(t, sub.Results)
			continue
		}
		require.Len(t, sub.Results, 3)
		assert.Equal(t, dirs[i]+"/main.py", sub.Results[0].MarkedFile)
		assert.Equal(t, 2.5, sub.Results[0].Marks)
		assert.Equal(t, 1.0, sub.Results[1].Marks)
		assert.Zero(t, sub.Results[2].Marks)
		assert.Contains(t, sub.Results[2].Feedback, "(4)")
		assert.Contains(t, sub.Results[2].Feedback, "oops")
		assert.Equal(t, 3.5, sub.TotalMarks())
	}
}

func TestMarkOneMatchesFullPass(t *testing.T) {
	scripts := scriptDir(t, map[string]string{
		"part1.sh": "echo a.py\necho 3\necho fine\necho output\n",
		"part2.sh": "sleep 30\n",
	})
	runner := realRunner(scripts, 300*time.Millisecond)

	st, dirs := populate(t, 1)
	coord := worker.NewCoordinator(runner, st, 1, nil, zerolog.Nop())
	_, err := coord.Mark(context.Background())
	require.NoError(t, err)
	pass, _ := st.Get(dirs[0])

	results, err := coord.MarkOne(context.Background(), dirs[0])
	require.NoError(t, err)
	again, _ := st.Get(dirs[0])

	assert.Equal(t, pass.Results, results)
	assert.Equal(t, pass, again)
	require.Len(t, results, 2)
	assert.Equal(t, models.TimeoutResult(), results[1])
}
