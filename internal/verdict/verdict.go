// Package verdict aligns a reference Run Result against a submission's Run
// Result, test by test, and aggregates the outcome into a score a student
// and an operator can both read. The actual per-test comparison is the
// checker's own compare_results function (opaque problem-bundle content,
// invoked via internal/sandbox.CompareResults outside the jail); this
// package consumes the resulting outcomes and applies the scoring and
// truncation rules that are independent of any one checker language.
package verdict

import (
	"github.com/jpequegn/xqueue-watcher/internal/sandbox"
)

// maxOutputBytes is the per-test output cap: truncation happens before
// both comparison and display so a display-only truncation can never
// cause a spurious mismatch.
const maxOutputBytes = 5000

const truncatedSuffix = "...OUTPUT TRUNCATED"

// TestRecord is one aligned, compared test, ready to render into a reply.
type TestRecord struct {
	ShortDescription string
	LongDescription  string
	Correct          bool
	Expected         string
	Actual           string
}

// Verdict is the final, user-facing outcome of grading one submission.
type Verdict struct {
	Correct bool
	Score   float64
	Tests   []TestRecord
	Errors  []string
}

const staffContactMessage = "There was a problem while running your code. Please contact the course staff for assistance."

// Truncate applies the 5000-byte cap. Truncating an already-truncated
// string is a no-op: the sentinel is only appended once, at the original
// byte boundary, never re-derived from the already shortened string.
func Truncate(out string) string {
	if len(out) <= maxOutputBytes {
		return out
	}
	if len(out) >= maxOutputBytes+len(truncatedSuffix) {
		tail := out[maxOutputBytes : maxOutputBytes+len(truncatedSuffix)]
		if tail == truncatedSuffix {
			return out
		}
	}
	return out[:maxOutputBytes] + truncatedSuffix
}

// Compare is the Verdict Engine. outcomes must already be aligned
// index-for-index with expected.Results/actual.Results (the caller runs
// sandbox.CompareResults against the truncated actual outputs before
// calling Compare); Compare itself only validates shape and aggregates.
func Compare(expected, actual *sandbox.RunResult, outcomes []sandbox.CompareOutcome, hideOutput bool) *Verdict {
	v := &Verdict{}

	if expected == nil || actual == nil {
		v.Errors = append(v.Errors, staffContactMessage)
		return v
	}

	if expected.Grader.Status != "ok" || actual.Grader.Status != "ok" {
		v.Errors = append(v.Errors, "There was a problem running the staff solution.")
		return v
	}

	if actual.Submission.Status == "caught" {
		v.Errors = append(v.Errors, actual.Submission.Exception)
		return v
	}

	if actual.Submission.Status != "ok" {
		msg := actual.Submission.Exception
		if msg == "" {
			msg = "There was an error thrown while running your solution."
		}
		v.Errors = append(v.Errors, msg)
		return v
	}

	if len(expected.Results) != len(actual.Results) || len(expected.Results) != len(outcomes) {
		v.Errors = append(v.Errors, "Something went wrong: different numbers of tests ran for your code and for our reference code.")
		return v
	}

	for i := range expected.Results {
		if expected.Results[i].ShortDescription != actual.Results[i].ShortDescription {
			v.Errors = append(v.Errors, "Something went wrong: tests don't match up.")
			return v
		}
	}

	corrects := make([]bool, 0, len(outcomes))
	for i, outcome := range outcomes {
		exp := expected.Results[i]
		actOutput := Truncate(actual.Results[i].Output)
		correct := outcome.Correct

		if outcome.EndTest {
			actOutput += "\n*** ERROR: " + outcome.Error + " ***"
			correct = false
		}

		corrects = append(corrects, correct)
		if !hideOutput {
			v.Tests = append(v.Tests, TestRecord{
				ShortDescription: exp.ShortDescription,
				LongDescription:  exp.LongDescription,
				Correct:          correct,
				Expected:         exp.Output,
				Actual:           actOutput,
			})
		}
	}

	n := len(corrects)
	correctCount := 0
	for _, c := range corrects {
		if c {
			correctCount++
		}
	}
	v.Correct = n > 0 && correctCount == n
	if n > 0 {
		v.Score = float64(correctCount) / float64(n)
	}

	if n == 0 && len(v.Errors) == 0 {
		v.Errors = append(v.Errors, staffContactMessage)
	}

	return v
}

// Skip implements skip_grader short-circuit: full credit,
// nothing run.
func Skip() *Verdict {
	return &Verdict{Correct: true, Score: 1}
}
