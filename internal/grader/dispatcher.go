// Package grader implements the Grader Dispatcher: decoding a fetched
// submission envelope, resolving and running its problem bundle, and
// rendering the resulting Verdict into the wire reply the Worker posts
// back to the queue.
package grader

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jpequegn/xqueue-watcher/internal/audit"
	"github.com/jpequegn/xqueue-watcher/internal/config"
	"github.com/jpequegn/xqueue-watcher/internal/i18n"
	"github.com/jpequegn/xqueue-watcher/internal/metrics"
	"github.com/jpequegn/xqueue-watcher/internal/queueclient"
	"github.com/jpequegn/xqueue-watcher/internal/sandbox"
	"github.com/jpequegn/xqueue-watcher/internal/traceid"
	"github.com/jpequegn/xqueue-watcher/internal/verdict"
)

const answerFilename = "answer.py"

// Reusing i18n's catalog keys as these messages' literal text means
// translateVerdict's lookups hit real catalog entries instead of always
// falling back to the untranslated English original.
const (
	msgStaffDebugReference = i18n.KeyStaffDebugReference
	msgStaffDebugChecker   = i18n.KeyStaffDebugChecker
)

// Dispatcher routes one submission through its problem bundle and produces
// a wire-ready Reply. It is stateless across submissions: every field here
// is shared, read-only configuration built once at construction time.
type Dispatcher struct {
	GraderRoot     string
	Interpreter    string
	Jail           *sandbox.JailConfig
	TrustReference bool
	ForkPerItem    bool
	DefaultTimeout time.Duration
	Catalog        i18n.Catalog
	Logger         *slog.Logger

	// QueueName and Audit are set by internal/supervisor after
	// construction; a nil Audit disables the audit trail entirely.
	QueueName string
	Audit     *audit.Trail

	// runnerFactory is overridable in tests; production code always uses
	// sandbox.NewRunner.
	runnerFactory func(jail *sandbox.JailConfig, interpreter string) *sandbox.Runner
}

// New builds a Dispatcher from a handler's configuration. It self-registers
// under the name "python-checker" via init() below.
func New(cfg config.HandlerConfig, jail *sandbox.JailConfig) (*Dispatcher, error) {
	graderRoot, _ := cfg.Kwargs["grader_root"].(string)
	if graderRoot == "" {
		return nil, fmt.Errorf("grader: KWARGS.grader_root is required")
	}
	forkPerItem := true
	if v, ok := cfg.Kwargs["fork_per_item"].(bool); ok {
		forkPerItem = v
	}

	if err := jail.Add(sandbox.Interpreter{
		Name:    cfg.Codejail.Name,
		BinPath: cfg.Codejail.BinPath,
		User:    cfg.Codejail.User,
		Debug:   cfg.Codejail.Debug,
		Limits: sandbox.Limits{
			CPUSeconds: cfg.Codejail.Limits["CPU"],
			VMemBytes:  cfg.Codejail.Limits["VMEM"],
			WallClock:  cfg.Codejail.Limits["WALL"],
		},
	}); err != nil {
		// Already registered (e.g. two handlers sharing one interpreter
		// name) is fine; only surface unexpected errors.
		if !strings.Contains(err.Error(), "already registered") {
			return nil, err
		}
	}

	return &Dispatcher{
		GraderRoot:     graderRoot,
		Interpreter:    cfg.Codejail.Name,
		Jail:           jail,
		TrustReference: cfg.Codejail.TrustReference,
		ForkPerItem:    forkPerItem,
		DefaultTimeout: 10 * time.Second,
		Catalog:        i18n.Default,
		Logger:         slog.Default(),
		runnerFactory:  sandbox.NewRunner,
	}, nil
}

func init() {
	Register("python-checker", New)
}

// Handle decodes env, grades it, and returns a reply ready to post back to
// the queue. It never returns an error: every failure mode is folded into
// the returned Reply, so the Worker always has something to post.
func (d *Dispatcher) Handle(ctx context.Context, env *queueclient.Envelope) queueclient.Reply {
	start := time.Now()
	log := d.Logger.With("submission_id", traceid.From(ctx))

	var b body
	if err := json.Unmarshal([]byte(env.Body), &b); err != nil {
		log.Error("envelope malformed", "error", err)
		d.recordMetrics(start, "error", 0)
		return errorReply("We couldn't process your submission (malformed envelope). Please contact the course staff.")
	}

	var payload Payload
	if err := json.Unmarshal([]byte(b.GraderPayload), &payload); err != nil {
		log.Debug("grader_payload unparseable", "payload", b.GraderPayload, "error", err)
		d.recordMetrics(start, "error", 0)
		return errorReply("We couldn't process your submission (malformed grader payload). Please contact the course staff.")
	}

	if payload.SkipGrader {
		v := verdict.Skip()
		d.recordOutcome(start, env, v)
		return render(v, payload.HideOutput)
	}

	graderPath, err := d.resolveGraderPath(payload.Grader)
	if err != nil {
		log.Error("grader path rejected", "grader", payload.Grader, "error", err)
		d.recordMetrics(start, "error", 0)
		msg := d.translate("We couldn't process your submission (invalid problem reference). Please contact the course staff.", payload.LangOrDefault())
		return errorReply(msg)
	}

	timeout := d.DefaultTimeout
	if payload.TimeoutSecs > 0 {
		timeout = time.Duration(payload.TimeoutSecs) * time.Second
	}
	gradeCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	v, err := d.runGrade(gradeCtx, graderPath, b.StudentResponse, payload)
	if err != nil {
		log.Error("grading failed", "error", err)
		d.recordMetrics(start, "error", 0)
		return errorReply(d.translate(msgStaffDebugChecker, payload.LangOrDefault()))
	}
	d.translateVerdict(v, payload.LangOrDefault())

	d.recordOutcome(start, env, v)
	return render(v, payload.HideOutput)
}

// translate looks msg up in the Dispatcher's catalog for lang, falling
// back to msg itself when the catalog has no entry (untranslated
// language, or a message that was never catalogued).
func (d *Dispatcher) translate(msg, lang string) string {
	return i18n.Translate(d.Catalog, lang, msg)
}

// translateVerdict rewrites v.Errors into the submission's requested
// language in place. Only the fixed set of staff-facing strings this
// package and the in-sandbox driver emit are catalogued (per
// SPEC_FULL.md's i18n scope); per-test output is checker- and
// student-authored and is never translated.
func (d *Dispatcher) translateVerdict(v *verdict.Verdict, lang string) {
	for i, msg := range v.Errors {
		v.Errors[i] = d.translate(msg, lang)
	}
}

// recordOutcome records both the audit trail entry and the Prometheus
// observation for a verdict that was actually computed.
func (d *Dispatcher) recordOutcome(start time.Time, env *queueclient.Envelope, v *verdict.Verdict) {
	if d.Audit != nil {
		if err := d.Audit.Record(d.QueueName, env, v, time.Now()); err != nil {
			d.Logger.Warn("audit record failed", "error", err)
		}
	}
	outcome := "incorrect"
	if len(v.Errors) > 0 {
		outcome = "error"
	} else if v.Correct {
		outcome = "correct"
	}
	d.recordMetrics(start, outcome, v.Score)
}

// recordMetrics reports one graded (or failed) submission's latency,
// outcome, and score to Prometheus.
func (d *Dispatcher) recordMetrics(start time.Time, outcome string, score float64) {
	metrics.ObserveGrade(d.QueueName, outcome, time.Since(start), score)
}

// runGrade dispatches to the forked-child path when ForkPerItem is set,
// falling back to in-process grading otherwise (and whenever re-exec
// itself can't be set up, since a submission should never go ungraded
// just because fork isolation was unavailable).
func (d *Dispatcher) runGrade(ctx context.Context, graderPath, studentResponse string, payload Payload) (*verdict.Verdict, error) {
	if !d.ForkPerItem {
		return d.grade(ctx, graderPath, studentResponse, payload)
	}

	exePath, err := os.Executable()
	if err != nil {
		d.Logger.Warn("fork_per_item requested but os.Executable failed, grading in-process", "error", err)
		return d.grade(ctx, graderPath, studentResponse, payload)
	}

	return d.handleForked(ctx, exePath, graderPath, studentResponse, payload)
}

// resolveGraderPath joins GraderRoot with the payload-supplied relative
// path and rejects anything that would escape GraderRoot.
func (d *Dispatcher) resolveGraderPath(relative string) (string, error) {
	if relative == "" {
		return "", fmt.Errorf("empty grader path")
	}
	joined := filepath.Join(d.GraderRoot, relative)
	rel, err := filepath.Rel(d.GraderRoot, joined)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("grader path %q escapes grader_root", relative)
	}
	return joined, nil
}

// grade runs the reference answer and the student submission, compares
// them through the checker, and returns the Verdict. It is the in-process
// implementation invoked either directly (fork_per_item=false) or inside
// the forked child (see child.go).
func (d *Dispatcher) grade(ctx context.Context, graderPath, studentResponse string, payload Payload) (*verdict.Verdict, error) {
	bundle := sandbox.BundlePath{
		Dir:     filepath.Dir(graderPath),
		Checker: filepath.Base(graderPath),
		Answer:  answerFilename,
	}

	interp, ok := d.Jail.Get(d.Interpreter)
	if !ok {
		return nil, fmt.Errorf("interpreter %q not registered", d.Interpreter)
	}

	answerSource, err := readFile(filepath.Join(bundle.Dir, bundle.Answer))
	if err != nil {
		return nil, fmt.Errorf("reading reference answer: %w", err)
	}

	seed := rand.Intn(20000)
	runner := d.runnerFactory(d.Jail, d.Interpreter)
	runner.OnSuspicious = func(reason, source string) {
		d.Logger.Warn("suspicious submission", "queue", d.QueueName, "reason", reason, "source_len", len(source))
	}

	expected, err := runner.Run(ctx, bundle, answerSource, seed, d.TrustReference)
	if err != nil || expected.Grader.Status != "ok" || expected.Submission.Status != "ok" {
		d.Logger.Error("reference answer did not run cleanly", "error", err, "result", expected)
		return &verdict.Verdict{Errors: []string{msgStaffDebugReference}}, nil
	}

	actual, err := runner.Run(ctx, bundle, studentResponse, seed, false)
	if err != nil {
		d.Logger.Warn("submission run failed", "error", err)
		return &verdict.Verdict{Errors: []string{err.Error()}}, nil
	}
	if actual.Grader.Status != "ok" {
		d.Logger.Error("checker did not run cleanly against the submission", "result", actual)
		return &verdict.Verdict{Errors: []string{msgStaffDebugChecker}}, nil
	}

	pairs := make([]sandbox.ComparePair, len(expected.Results))
	for i, r := range expected.Results {
		actualOut := ""
		if i < len(actual.Results) {
			actualOut = verdict.Truncate(actual.Results[i].Output)
		}
		pairs[i] = sandbox.ComparePair{Expected: r.Output, Actual: actualOut}
	}

	outcomes, err := sandbox.CompareResults(ctx, bundle, interp.BinPath, pairs)
	if err != nil {
		return nil, fmt.Errorf("comparing results: %w", err)
	}

	return verdict.Compare(expected, actual, outcomes, payload.HideOutput), nil
}

func errorReply(msg string) queueclient.Reply {
	return queueclient.Reply{Correct: 0, Score: 0, Msg: renderErrors([]string{msg})}
}
