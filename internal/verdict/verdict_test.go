package verdict

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpequegn/xqueue-watcher/internal/sandbox"
)

func okRunResult(n int) *sandbox.RunResult {
	r := &sandbox.RunResult{
		Grader:     sandbox.ProgramStatus{Status: "ok"},
		Submission: sandbox.ProgramStatus{Status: "ok"},
	}
	for i := 0; i < n; i++ {
		r.Results = append(r.Results, sandbox.TestResult{ShortDescription: "t", Output: "out"})
	}
	return r
}

// TestScoreArithmetic verifies property 2.
func TestScoreArithmetic(t *testing.T) {
	cases := []struct {
		n, k int
	}{
		{3, 3}, {3, 2}, {3, 0}, {1, 1}, {1, 0},
	}
	for _, c := range cases {
		expected := okRunResult(c.n)
		actual := okRunResult(c.n)
		outcomes := make([]sandbox.CompareOutcome, c.n)
		for i := 0; i < c.k; i++ {
			outcomes[i] = sandbox.CompareOutcome{Correct: true}
		}

		v := Compare(expected, actual, outcomes, false)
		assert.InDelta(t, float64(c.k)/float64(c.n), v.Score, 1e-9)
		assert.Equal(t, c.n > 0 && c.k == c.n, v.Correct)
	}
}

// TestSkipShortCircuit verifies property 3.
func TestSkipShortCircuit(t *testing.T) {
	v := Skip()
	assert.True(t, v.Correct)
	assert.Equal(t, 1.0, v.Score)
	assert.Empty(t, v.Tests)
	assert.Empty(t, v.Errors)
}

// TestTruncationIdempotence verifies property 5.
func TestTruncationIdempotence(t *testing.T) {
	long := strings.Repeat("x", 6000)
	once := Truncate(long)
	twice := Truncate(once)

	assert.Equal(t, once, twice)
	assert.Equal(t, 1, strings.Count(once, truncatedSuffix))
	assert.LessOrEqual(t, len(once), maxOutputBytes+len(truncatedSuffix))
}

func TestTruncationNoOpUnderLimit(t *testing.T) {
	short := "hello"
	assert.Equal(t, short, Truncate(short))
}

func TestMisalignedTestsErrors(t *testing.T) {
	expected := okRunResult(2)
	actual := okRunResult(2)
	actual.Results[1].ShortDescription = "different"

	v := Compare(expected, actual, []sandbox.CompareOutcome{{Correct: true}, {Correct: true}}, false)
	require.Len(t, v.Errors, 1)
	assert.False(t, v.Correct)
	assert.Equal(t, 0.0, v.Score)
}

func TestZeroTestsSynthesizesStaffMessage(t *testing.T) {
	expected := okRunResult(0)
	actual := okRunResult(0)

	v := Compare(expected, actual, nil, false)
	require.Len(t, v.Errors, 1)
	assert.Contains(t, v.Errors[0], "contact the course staff")
}

func TestCaughtEvasionSurfacesFixedMessage(t *testing.T) {
	expected := okRunResult(1)
	actual := okRunResult(1)
	actual.Submission.Status = "caught"
	actual.Submission.Exception = "Your code interfered with our grader. Don't use bare except clauses."

	v := Compare(expected, actual, []sandbox.CompareOutcome{{Correct: true}}, false)
	require.Len(t, v.Errors, 1)
	assert.Contains(t, v.Errors[0], "bare except")
}

func TestHideOutputSuppressesTestRecords(t *testing.T) {
	expected := okRunResult(1)
	actual := okRunResult(1)

	v := Compare(expected, actual, []sandbox.CompareOutcome{{Correct: true}}, true)
	assert.Empty(t, v.Tests)
	assert.True(t, v.Correct)
}
