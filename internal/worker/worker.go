// Package worker implements the Queue Worker: one goroutine per queue
// connection that logs in, polls for submissions, dispatches each to its
// handler, and posts the resulting reply back.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jpequegn/xqueue-watcher/internal/queueclient"
	"github.com/jpequegn/xqueue-watcher/internal/traceid"
)

// Handler grades one fetched submission and produces a reply. It must
// never block past ctx and must never panic past its own boundary -
// processOne recovers it anyway, but a well-behaved Handler (like
// grader.Dispatcher) folds every failure into the Reply itself.
type Handler interface {
	Handle(ctx context.Context, env *queueclient.Envelope) queueclient.Reply
}

// State is where a Worker is in its fetch/process/reply cycle.
type State int

const (
	StateLoggedOut State = iota
	StateLoggingIn
	StateIdle
	StateFetching
	StateProcessing
	StateReplying
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateLoggedOut:
		return "logged_out"
	case StateLoggingIn:
		return "logging_in"
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateProcessing:
		return "processing"
	case StateReplying:
		return "replying"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Worker drives one queue connection end to end. Exactly one goroutine
// should call Run; Stop is safe to call from any goroutine.
type Worker struct {
	QueueName         string
	Client            *queueclient.Client
	Handler           Handler
	PollInterval      time.Duration
	IdlePollInterval  time.Duration
	LoginPollInterval time.Duration
	Sandboxes         *semaphore.Weighted
	Logger            *slog.Logger

	running atomic.Bool
	state   atomic.Int32
}

// New builds a ready-to-Run Worker. sandboxSlots <= 0 means unlimited
// concurrent sandboxes.
func New(queueName string, client *queueclient.Client, handler Handler, pollInterval, idlePollInterval, loginPollInterval time.Duration, sandboxSlots int64, logger *slog.Logger) *Worker {
	var sem *semaphore.Weighted
	if sandboxSlots > 0 {
		sem = semaphore.NewWeighted(sandboxSlots)
	}
	w := &Worker{
		QueueName:         queueName,
		Client:            client,
		Handler:           handler,
		PollInterval:      pollInterval,
		IdlePollInterval:  idlePollInterval,
		LoginPollInterval: loginPollInterval,
		Sandboxes:         sem,
		Logger:            logger,
	}
	w.running.Store(true)
	w.state.Store(int32(StateLoggedOut))
	return w
}

// Name identifies this Worker in logs and supervisor error messages.
func (w *Worker) Name() string {
	return w.QueueName
}

// State reports the Worker's current point in its cycle, for liveness
// checks and tests.
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// Stop asks Run to return after its current loop iteration completes. It
// never interrupts an in-flight HTTP call or sandbox child.
func (w *Worker) Stop() {
	w.running.Store(false)
}

// Run logs in, then polls and processes submissions until Stop is called
// or ctx is done. It returns nil on a clean shutdown.
func (w *Worker) Run(ctx context.Context) error {
	consecutiveEmpty := 0

	for w.running.Load() && ctx.Err() == nil {
		w.setState(StateLoggingIn)
		if err := w.Client.Login(ctx); err != nil {
			w.Logger.Warn("login failed, retrying", "queue", w.QueueName, "error", err)
			if !w.sleep(ctx, w.LoginPollInterval) {
				return nil
			}
			continue
		}

		w.setState(StateIdle)
		for w.running.Load() && ctx.Err() == nil {
			hadWork, needsLogin := w.processOne(ctx)
			if needsLogin {
				break
			}
			if hadWork {
				consecutiveEmpty = 0
				continue
			}

			consecutiveEmpty++
			interval := w.PollInterval
			if consecutiveEmpty >= 3 && w.IdlePollInterval > 0 {
				interval = w.IdlePollInterval
			}
			if !w.sleep(ctx, interval) {
				return nil
			}
		}
	}

	w.setState(StateStopped)
	return nil
}

// processOne fetches and, if there was work, grades and replies to
// exactly one submission. hadWork reports whether a submission was
// fetched; needsLogin reports that the session expired mid-cycle and the
// outer loop should re-login before polling again.
func (w *Worker) processOne(ctx context.Context) (hadWork, needsLogin bool) {
	w.setState(StateFetching)
	env, ok, err := w.Client.GetSubmission(ctx)
	if err == queueclient.ErrLoginRequired {
		return false, true
	}
	if isTimeout(err) {
		// A request timeout is "no work this tick," not a failure worth
		// logging.
		return false, false
	}
	if err != nil {
		w.Logger.Warn("get_submission failed", "queue", w.QueueName, "error", err)
		return false, false
	}
	if !ok {
		w.setState(StateIdle)
		return false, false
	}

	ctx, id := traceid.New(ctx)
	log := w.Logger.With("submission_id", id)

	w.setState(StateProcessing)
	if w.Sandboxes != nil {
		if err := w.Sandboxes.Acquire(ctx, 1); err != nil {
			log.Warn("sandbox slot acquisition aborted", "queue", w.QueueName, "error", err)
			return true, false
		}
	}
	reply := w.invokeHandler(ctx, env)
	if w.Sandboxes != nil {
		w.Sandboxes.Release(1)
	}

	w.setState(StateReplying)
	return true, w.putResultWithRetry(ctx, log, env.Header, reply)
}

// putResultWithRetry posts reply once. If the server answers with a
// session-expired redirect, it re-logs in and reposts the identical
// reply once more before giving up - the "re-authenticate and retry the
// original request once" rule applies to put_result the same as every
// other call, and unlike get_submission there is no safe substitute
// request to fall back to: reply is the only copy of a verdict that took
// a sandboxed run to compute, so it must be the thing that gets retried,
// not a freshly fetched submission. The returned needsLogin tells the
// caller whether the session is still expired so the outer loop
// re-authenticates before its next fetch.
func (w *Worker) putResultWithRetry(ctx context.Context, log *slog.Logger, header string, reply queueclient.Reply) (needsLogin bool) {
	err := w.Client.PutResult(ctx, header, reply)
	if err == nil {
		return false
	}
	if err != queueclient.ErrLoginRequired {
		log.Error("put_result failed", "queue", w.QueueName, "error", err)
		return false
	}

	w.setState(StateLoggingIn)
	if loginErr := w.Client.Login(ctx); loginErr != nil {
		log.Warn("re-login before put_result retry failed", "queue", w.QueueName, "error", loginErr)
		return true
	}

	w.setState(StateReplying)
	if err := w.Client.PutResult(ctx, header, reply); err != nil {
		log.Error("put_result retry after re-login failed", "queue", w.QueueName, "error", err)
		return err == queueclient.ErrLoginRequired
	}
	return false
}

// invokeHandler calls the Worker's Handler, recovering a panic into an
// error Reply so one bad submission never kills the Worker's loop.
func (w *Worker) invokeHandler(ctx context.Context, env *queueclient.Envelope) (reply queueclient.Reply) {
	defer func() {
		if r := recover(); r != nil {
			w.Logger.Error("handler panicked", "queue", w.QueueName, "submission_id", traceid.From(ctx), "panic", r)
			reply = queueclient.Reply{Correct: 0, Score: 0, Msg: "There was an internal error grading your submission. Please contact the course staff."}
		}
	}()
	return w.Handler.Handle(ctx, env)
}

// sleep waits for d or until ctx is done / Stop is called, whichever
// comes first. It returns false when the Worker should exit Run
// immediately instead of looping again.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return w.running.Load() && ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return w.running.Load()
	}
}

// isTimeout reports whether err is (or wraps) a network timeout, the
// signal a request made with REQUESTS_TIMEOUT produces when the server
// simply has nothing to say in time.
func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

var _ fmt.Stringer = State(0)
