package models

import "time"

// TimeoutFeedback is the feedback recorded for a script that exceeded its deadline.
const TimeoutFeedback = "Timeout while trying to mark the submission"

// AbortedFailure is recorded for submissions left undispatched by a cancelled pass.
const AbortedFailure = "marking pass aborted before the submission was marked"

// Submission is one directory of files to be graded.
type Submission struct {
	Directory string   `json:"directory" yaml:"directory" toml:"directory"`
	StudentID string   `json:"studentId" yaml:"studentId" toml:"studentId"`
	Results   []Result `json:"results,omitempty" yaml:"results,omitempty" toml:"results,omitempty"`
	// Failure holds the diagnostic of a submission that could not be graded.
	Failure string `json:"failure,omitempty" yaml:"failure,omitempty" toml:"failure,omitempty"`
}

// Failed reports whether the submission carries a recorded failure.
func (s *Submission) Failed() bool {
	return s.Failure != ""
}

// Marked reports whether the submission has a final outcome.
func (s *Submission) Marked() bool {
	return s.Failed() || len(s.Results) > 0
}

// TotalMarks sums the marks of every result.
func (s *Submission) TotalMarks() float64 {
	total := 0.0
	for _, r := range s.Results {
		total += r.Marks
	}
	return total
}

// Result is the outcome of one marking script applied to one submission.
type Result struct {
	MarkedFile string  `json:"markedFile" yaml:"markedFile" toml:"markedFile"`
	Marks      float64 `json:"marks" yaml:"marks" toml:"marks"`
	Feedback   string  `json:"feedback" yaml:"feedback" toml:"feedback"`
	Output     string  `json:"output" yaml:"output" toml:"output"`
}

// TimeoutResult is substituted for a script run that hit its deadline.
func TimeoutResult() Result {
	return Result{Feedback: TimeoutFeedback}
}

// Outcome is the message form of a submission's final state.
type Outcome struct {
	PassID    string        `json:"passId,omitempty"`
	Directory string        `json:"directory"`
	StudentID string        `json:"studentId"`
	Results   []Result      `json:"results,omitempty"`
	Failure   string        `json:"failure,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// NewOutcome captures the current state of a submission.
func NewOutcome(passID string, s Submission, d time.Duration) Outcome {
	return Outcome{
		PassID:    passID,
		Directory: s.Directory,
		StudentID: s.StudentID,
		Results:   s.Results,
		Failure:   s.Failure,
		Duration:  d,
	}
}
