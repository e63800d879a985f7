// Package contract turns the captured output of a marking script into a Result.
//
// A script that exits with status 0 must print, one field per line:
//
//	marked file path
//	marks (a non-negative decimal number)
//	feedback
//	program output (everything up to the end of stdout, kept verbatim)
//
// The marks line is the first line, after the marked file, holding a
// standalone decimal token. Non-blank lines skipped on the way to it are kept
// in front of the feedback line. The MarksFirst layout swaps the first two fields.
package contract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Mirai3103/gradebuddy/internal/models"
)

// Layout selects the order of the first two fields.
type Layout string

const (
	FileFirst  Layout = "file-first"
	MarksFirst Layout = "marks-first"
)

// ParseLayout maps a configuration value to a Layout. Empty means FileFirst.
func ParseLayout(s string) (Layout, error) {
	switch Layout(strings.ToLower(strings.TrimSpace(s))) {
	case "", FileFirst:
		return FileFirst, nil
	case MarksFirst:
		return MarksFirst, nil
	}
	return "", fmt.Errorf("unknown output layout %q (want %q or %q)", s, FileFirst, MarksFirst)
}

var marksToken = regexp.MustCompile(`(?:^|\s)(\d+(?:\.\d*)?|\.\d+)(?:\s|$)`)

// Error reports stdout that does not follow the output contract. It is a
// script bug, not a grade.
type Error struct {
	Reason string
	Stdout string
	Stderr string
}

func (e *Error) Error() string {
	return fmt.Sprintf("output from marking script does not follow expected output (%s).\nActual output: %s\nError output: %s",
		e.Reason, e.Stdout, e.Stderr)
}

// Parser is stateless and safe for concurrent use.
type Parser struct {
	Layout Layout
}

func NewParser(layout Layout) Parser {
	if layout == "" {
		layout = FileFirst
	}
	return Parser{Layout: layout}
}

// Parse builds the Result for one script run. A non-zero exit code yields a
// diagnostic Result; a zero exit code with malformed stdout yields *Error.
func (p Parser) Parse(exitCode int, stdout, stderr string) (models.Result, error) {
	if exitCode != 0 {
		return models.Result{
			Feedback: fmt.Sprintf("The marking script returned a non-zero code (%d).\nOutput stream: %s\nError stream: %s",
				exitCode, stdout, stderr),
		}, nil
	}

	lines, starts := splitLines(stdout)
	var (
		file    string
		marks   float64
		skipped []string
		rest    int // index of the feedback line
		err     error
	)
	switch p.Layout {
	case MarksFirst:
		var at int
		marks, at, err = findMarks(lines, 0)
		if err != nil {
			return models.Result{}, &Error{Reason: err.Error(), Stdout: stdout, Stderr: stderr}
		}
		if at+1 >= len(lines) {
			return models.Result{}, &Error{Reason: "missing marked file line", Stdout: stdout, Stderr: stderr}
		}
		skipped = lines[:at]
		file = lines[at+1]
		rest = at + 2
	default:
		if len(lines) == 0 {
			return models.Result{}, &Error{Reason: "empty output", Stdout: stdout, Stderr: stderr}
		}
		file = lines[0]
		var at int
		marks, at, err = findMarks(lines, 1)
		if err != nil {
			return models.Result{}, &Error{Reason: err.Error(), Stdout: stdout, Stderr: stderr}
		}
		skipped = lines[1:at]
		rest = at + 1
	}

	feedback := make([]string, 0, len(skipped)+1)
	for _, l := range skipped {
		if strings.TrimSpace(l) != "" {
			feedback = append(feedback, l)
		}
	}
	if rest < len(lines) {
		feedback = append(feedback, lines[rest])
	}
	res := models.Result{MarkedFile: file, Marks: marks, Feedback: strings.Join(feedback, "\n")}
	if rest+1 < len(lines) {
		res.Output = stdout[starts[rest+1]:]
	}
	return res, nil
}

// findMarks returns the first standalone decimal token on lines[from:] and
// the index of its line.
func findMarks(lines []string, from int) (float64, int, error) {
	for i := from; i < len(lines); i++ {
		m := marksToken.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid marks %q: %w", m[1], err)
		}
		return v, i, nil
	}
	return 0, 0, fmt.Errorf("no decimal marks found")
}

// splitLines splits on \n, drops a trailing \r from every line and ignores
// the empty element produced by a final newline. starts holds the offset of
// every line in s.
func splitLines(s string) (lines []string, starts []int) {
	if s == "" {
		return nil, nil
	}
	body := strings.TrimSuffix(s, "\n")
	offset := 0
	for _, l := range strings.Split(body, "\n") {
		lines = append(lines, strings.TrimSuffix(l, "\r"))
		starts = append(starts, offset)
		offset += len(l) + 1
	}
	return lines, starts
}
