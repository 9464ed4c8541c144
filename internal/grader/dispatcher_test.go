package grader

import (
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpequegn/xqueue-watcher/internal/i18n"
	"github.com/jpequegn/xqueue-watcher/internal/queueclient"
	"github.com/jpequegn/xqueue-watcher/internal/sandbox"
)

func python3() string {
	path, err := exec.LookPath("python3")
	if err != nil {
		return ""
	}
	return path
}

// newDispatcher builds a Dispatcher against testdata/problems/default,
// with wallClock bounding how long a submission may run before the Runner
// calls it suspicious.
func newDispatcher(t *testing.T, py string, wallClock int64) *Dispatcher {
	t.Helper()
	jail := sandbox.NewJailConfig()
	require.NoError(t, jail.Add(sandbox.Interpreter{
		Name:    "python",
		BinPath: py,
		Limits:  sandbox.Limits{WallClock: wallClock},
	}))
	return &Dispatcher{
		GraderRoot:     "testdata/problems",
		Interpreter:    "python",
		Jail:           jail,
		TrustReference: true,
		ForkPerItem:    false,
		DefaultTimeout: 5 * time.Second,
		Catalog:        i18n.Default,
		Logger:         slog.Default(),
		runnerFactory:  sandbox.NewRunner,
	}
}

func envelopeFor(t *testing.T, studentResponse string, payload Payload) *queueclient.Envelope {
	t.Helper()
	payloadBytes, err := json.Marshal(payload)
	require.NoError(t, err)
	b := body{StudentResponse: studentResponse, GraderPayload: string(payloadBytes)}
	bodyBytes, err := json.Marshal(b)
	require.NoError(t, err)
	return &queueclient.Envelope{Header: `{"submission_id": 1, "submission_key": "k"}`, Body: string(bodyBytes)}
}

const submissionCorrect = `
def add(a, b):
    return a + b


def process(items, check):
    results = []
    for item in items:
        results.append(check(item))
    return results
`

const submissionIncorrect = `
def add(a, b):
    return a + b + 1


def process(items, check):
    results = []
    for item in items:
        results.append(check(item))
    return results
`

const submissionEmpty = ``

const submissionSyntaxError = `
def add(a, b)
    return a + b
`

const submissionInfiniteLoop = `
def add(a, b):
    while True:
        pass


def process(items, check):
    return [check(i) for i in items]
`

const submissionEvasion = `
def add(a, b):
    return a + b


def process(items, check):
    results = []
    for item in items:
        try:
            results.append(check(item))
        except:
            pass
    return results
`

// TestEndToEndCorrect verifies the "correct" end-to-end scenario (correct
// submission scores 1.0).
func TestEndToEndCorrect(t *testing.T) {
	py := python3()
	if py == "" {
		t.Skip("python3 not available")
	}
	d := newDispatcher(t, py, 5)
	env := envelopeFor(t, submissionCorrect, Payload{Grader: "default/checker.py"})
	reply := d.Handle(context.Background(), env)
	assert.Equal(t, 1, reply.Correct)
	assert.Equal(t, 1.0, reply.Score)
	assert.Contains(t, reply.Msg, "result-correct")
}

// TestEndToEndIncorrect verifies the partial-credit case: one of two tests
// wrong yields a 0.5 score and an overall incorrect verdict.
func TestEndToEndIncorrect(t *testing.T) {
	py := python3()
	if py == "" {
		t.Skip("python3 not available")
	}
	d := newDispatcher(t, py, 5)
	env := envelopeFor(t, submissionIncorrect, Payload{Grader: "default/checker.py"})
	reply := d.Handle(context.Background(), env)
	assert.Equal(t, 0, reply.Correct)
	assert.InDelta(t, 0.5, reply.Score, 1e-9)
	assert.Contains(t, reply.Msg, "result-incorrect")
}

// TestEndToEndEmptySubmission verifies an empty submission imports cleanly
// but fails every test that calls into it, rather than erroring out.
func TestEndToEndEmptySubmission(t *testing.T) {
	py := python3()
	if py == "" {
		t.Skip("python3 not available")
	}
	d := newDispatcher(t, py, 5)
	env := envelopeFor(t, submissionEmpty, Payload{Grader: "default/checker.py"})
	reply := d.Handle(context.Background(), env)
	assert.Equal(t, 0, reply.Correct)
	assert.Equal(t, 0.0, reply.Score)
}

// TestEndToEndSyntaxError verifies a submission that fails to import
// produces an ERROR verdict, not a crash.
func TestEndToEndSyntaxError(t *testing.T) {
	py := python3()
	if py == "" {
		t.Skip("python3 not available")
	}
	d := newDispatcher(t, py, 5)
	env := envelopeFor(t, submissionSyntaxError, Payload{Grader: "default/checker.py"})
	reply := d.Handle(context.Background(), env)
	assert.Equal(t, 0, reply.Correct)
	assert.Contains(t, reply.Msg, "ERROR")
}

// TestEndToEndInfiniteLoop verifies the "infinite loop" end-to-end
// scenario and spec.md §7's "message
// names the limit" rule: a submission that exceeds the wall-clock limit
// is reported as an error naming the time limit, not a generic message
// and not left hanging.
func TestEndToEndInfiniteLoop(t *testing.T) {
	py := python3()
	if py == "" {
		t.Skip("python3 not available")
	}
	d := newDispatcher(t, py, 1)
	env := envelopeFor(t, submissionInfiniteLoop, Payload{Grader: "default/checker.py"})

	start := time.Now()
	reply := d.Handle(context.Background(), env)
	elapsed := time.Since(start)

	assert.Equal(t, 0, reply.Correct)
	assert.Contains(t, reply.Msg, "ERROR")
	assert.Contains(t, reply.Msg, "wall-clock limit")
	assert.NotContains(t, reply.Msg, "Please contact the course staff")
	assert.Less(t, elapsed, 4*time.Second)
}

// TestEndToEndEvasion verifies the bare-except evasion message surfaces as
// an ERROR verdict.
func TestEndToEndEvasion(t *testing.T) {
	py := python3()
	if py == "" {
		t.Skip("python3 not available")
	}
	d := newDispatcher(t, py, 5)
	env := envelopeFor(t, submissionEvasion, Payload{Grader: "default/checker.py"})
	reply := d.Handle(context.Background(), env)
	assert.Equal(t, 0, reply.Correct)
	assert.Contains(t, reply.Msg, "bare")
}

// TestEndToEndEvasionTranslated verifies the bare-except warning is
// rendered in the payload's requested language when the Dispatcher's
// catalog has an entry for it.
func TestEndToEndEvasionTranslated(t *testing.T) {
	py := python3()
	if py == "" {
		t.Skip("python3 not available")
	}
	d := newDispatcher(t, py, 5)
	env := envelopeFor(t, submissionEvasion, Payload{Grader: "default/checker.py", Lang: "es"})
	reply := d.Handle(context.Background(), env)
	assert.Equal(t, 0, reply.Correct)
	assert.Contains(t, reply.Msg, "cláusulas")
	assert.NotContains(t, reply.Msg, "bare except")
}

// TestSkipGraderShortCircuits verifies the skip_grader payload flag grants
// full credit without running the bundle at all.
func TestSkipGraderShortCircuits(t *testing.T) {
	d := newDispatcher(t, "/does/not/exist", 5)
	env := envelopeFor(t, submissionCorrect, Payload{Grader: "default/checker.py", SkipGrader: true})
	reply := d.Handle(context.Background(), env)
	assert.Equal(t, 1, reply.Correct)
	assert.Equal(t, 1.0, reply.Score)
}

// TestGraderPathEscapeRejected verifies path traversal in the payload's
// grader field never reaches the filesystem outside GraderRoot.
func TestGraderPathEscapeRejected(t *testing.T) {
	d := newDispatcher(t, "/does/not/exist", 5)
	env := envelopeFor(t, submissionCorrect, Payload{Grader: "../../../etc/passwd"})
	reply := d.Handle(context.Background(), env)
	assert.Equal(t, 0, reply.Correct)
	assert.Contains(t, reply.Msg, "course staff")
}

// TestMalformedEnvelopeNeverPanics verifies Handle folds decode failures
// into a Reply instead of propagating an error or panicking.
func TestMalformedEnvelopeNeverPanics(t *testing.T) {
	d := newDispatcher(t, "/does/not/exist", 5)
	env := &queueclient.Envelope{Header: "{}", Body: "not json"}
	reply := d.Handle(context.Background(), env)
	assert.Equal(t, 0, reply.Correct)
	assert.Contains(t, reply.Msg, "course staff")
}
