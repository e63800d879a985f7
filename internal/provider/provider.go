// Package provider discovers submission directories and identifies their owners.
package provider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/Mirai3103/gradebuddy/internal/models"
	"github.com/Mirai3103/gradebuddy/internal/store"
)

// Identifier extracts a student id from a submission directory.
// *core.Runner implements it.
type Identifier interface {
	Identify(ctx context.Context, dir string) (string, error)
}

// IdentifyError means a submission could not be given a student id.
type IdentifyError struct {
	Directory string
	Cause     error
}

func (e *IdentifyError) Error() string {
	return fmt.Sprintf("identify %s: %v", e.Directory, e.Cause)
}

func (e *IdentifyError) Unwrap() error {
	return e.Cause
}

// FileProvider lists the subdirectories of a root directory as submissions.
type FileProvider struct {
	root        string
	exclude     *regexp.Regexp
	identifier  Identifier
	concurrency int
	logger      zerolog.Logger
}

// New builds a provider. A directory whose whole name matches exclude is
// skipped; an empty exclude skips nothing.
func New(root, exclude string, identifier Identifier, concurrency int, logger zerolog.Logger) (*FileProvider, error) {
	var re *regexp.Regexp
	if exclude != "" {
		var err error
		re, err = regexp.Compile("^(?:" + exclude + ")$")
		if err != nil {
			return nil, fmt.Errorf("invalid exclusion pattern %q: %w", exclude, err)
		}
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &FileProvider{
		root:        root,
		exclude:     re,
		identifier:  identifier,
		concurrency: concurrency,
		logger:      logger.With().Str("component", "provider").Logger(),
	}, nil
}

// Directories returns the absolute paths of the submission directories in name order.
func (p *FileProvider) Directories() ([]string, error) {
	root, err := filepath.Abs(p.root)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	var dirs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if p.exclude != nil && p.exclude.MatchString(entry.Name()) {
			p.logger.Debug().Str("directory", entry.Name()).Msg("Excluded")
			continue
		}
		dirs = append(dirs, filepath.Join(root, entry.Name()))
	}
	return dirs, nil
}

// Submissions identifies every submission directory. The first identify
// failure cancels the rest and is returned as an *IdentifyError.
func (p *FileProvider) Submissions(ctx context.Context) ([]models.Submission, error) {
	dirs, err := p.Directories()
	if err != nil {
		return nil, err
	}
	subs := make([]models.Submission, len(dirs))
	pl := pool.New().WithMaxGoroutines(p.concurrency).WithContext(ctx).WithCancelOnError().WithFirstError()
	for i, dir := range dirs {
		i, dir := i, dir
		pl.Go(func(ctx context.Context) error {
			id, err := p.identifier.Identify(ctx, dir)
			if err != nil {
				return &IdentifyError{Directory: dir, Cause: err}
			}
			subs[i] = models.Submission{Directory: dir, StudentID: id}
			return nil
		})
	}
	if err := pl.Wait(); err != nil {
		return nil, err
	}
	p.logger.Info().Int("submissions", len(subs)).Str("root", p.root).Msg("Submissions identified")
	return subs, nil
}

// Load identifies every submission and adds it to a new store.
func (p *FileProvider) Load(ctx context.Context) (*store.Store, error) {
	subs, err := p.Submissions(ctx)
	if err != nil {
		return nil, err
	}
	st := store.New()
	for _, sub := range subs {
		if err := st.Add(sub); err != nil {
			return nil, fmt.Errorf("add %s: %w", sub.Directory, err)
		}
	}
	return st, nil
}
