// Package report renders marked submissions for the person grading them.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Mirai3103/gradebuddy/internal/models"
)

const noFeedback = "No feedback provided"

var header = []string{"StudentId", "Marks", "Feedback", "Directory"}

// WriteCSV writes one row per submission, in the order given.
func WriteCSV(w io.Writer, subs []models.Submission) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, sub := range subs {
		row := []string{
			sub.StudentID,
			strconv.FormatFloat(sub.TotalMarks(), 'f', -1, 64),
			Feedback(sub),
			sub.Directory,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write row for %s: %w", sub.Directory, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Feedback joins the feedback of every part of a submission, one line per part.
func Feedback(sub models.Submission) string {
	if sub.Failed() {
		return "NOT MARKED: " + sub.Failure
	}
	var b strings.Builder
	for i, res := range sub.Results {
		fb := res.Feedback
		if fb == "" {
			fb = noFeedback
		}
		fmt.Fprintf(&b, "PART %d (%s): %s\n", i+1, fileName(res.MarkedFile), fb)
	}
	return b.String()
}

func fileName(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Base(path)
}
