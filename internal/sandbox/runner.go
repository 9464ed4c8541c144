package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/jpequegn/xqueue-watcher/internal/sandbox/driver"
)

// SuspiciousHandler is invoked when a submission is killed for exceeding a
// configured resource limit, letting an operator wire alerting without the
// Runner depending on a specific destination.
type SuspiciousHandler func(reason string, programSource string)

// Runner launches the reference answer and the student submission inside
// one named interpreter's jail, per Interpreter's resource limits.
type Runner struct {
	Jail        *JailConfig
	Interpreter string
	OnSuspicious SuspiciousHandler
}

// NewRunner binds a Runner to one handler's interpreter; jail must already
// have that interpreter registered.
func NewRunner(jail *JailConfig, interpreter string) *Runner {
	return &Runner{Jail: jail, Interpreter: interpreter}
}

// BundlePath is the resolved, on-disk location of a problem's checker and
// answer files.
type BundlePath struct {
	Dir      string // directory containing checker and answer
	Checker  string // basename of the checker file, e.g. "checker.py"
	Answer   string // basename of the reference-answer file, e.g. "answer.py"
}

// Run executes one program against bundle's checker, seeded
// deterministically, and returns the parsed Run Result. trusted=true (used
// for a reference answer the handler marks as trusted) skips the uid drop;
// the student submission is always run with trusted=false.
func (r *Runner) Run(ctx context.Context, bundle BundlePath, programSource string, seed int, trusted bool) (*RunResult, error) {
	interp, ok := r.Jail.Get(r.Interpreter)
	if !ok {
		return nil, fmt.Errorf("sandbox: interpreter %q not registered", r.Interpreter)
	}

	driverBytes, driverName, err := driver.Asset(r.Interpreter)
	if err != nil {
		return nil, err
	}

	workDir, err := os.MkdirTemp("", "xqueue-watcher-run-*")
	if err != nil {
		return nil, fmt.Errorf("sandbox: creating work dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	if err := copyFile(filepath.Join(bundle.Dir, bundle.Checker), filepath.Join(workDir, bundle.Checker)); err != nil {
		return nil, fmt.Errorf("sandbox: staging checker: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workDir, driverName), driverBytes, 0o644); err != nil {
		return nil, fmt.Errorf("sandbox: staging driver: %w", err)
	}

	const submissionName = "submission.py"
	if err := os.WriteFile(filepath.Join(workDir, submissionName), []byte(programSource), 0o644); err != nil {
		return nil, fmt.Errorf("sandbox: staging submission: %w", err)
	}

	wallClock := time.Duration(interp.Limits.WallClock) * time.Second
	if wallClock <= 0 {
		wallClock = 10 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, wallClock)
	defer cancel()

	argv := []string{driverName, bundle.Checker, submissionName, strconv.Itoa(seed)}

	var cmd *exec.Cmd
	if trusted {
		// Trusted-reference optimization: run directly,
		// no jail, no uid drop.
		cmd = exec.CommandContext(runCtx, interp.BinPath, argv...)
	} else {
		cmd = exec.CommandContext(runCtx, interp.BinPath, argv...)
		if err := applySandboxAttrs(cmd, interp); err != nil {
			return nil, fmt.Errorf("sandbox: applying isolation attrs: %w", err)
		}
	}
	cmd.Dir = workDir
	cmd.Env = []string{"OPENBLAS_NUM_THREADS=1", "PATH=/usr/bin:/bin"}

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if interp.Debug {
		cmd.Stderr = os.Stderr
	}

	runErr := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		if r.OnSuspicious != nil {
			r.OnSuspicious("wall-clock limit exceeded", programSource)
		}
		return nil, fmt.Errorf("sandbox: wall-clock limit of %s exceeded", wallClock)
	}
	if runErr != nil {
		return nil, fmt.Errorf("sandbox: running %s: %w", r.Interpreter, runErr)
	}

	var result RunResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("sandbox: decoding run result: %w", err)
	}
	return &result, nil
}

// applySandboxAttrs drops privileges to interp.User (when set and the
// process is running as root) via SysProcAttr.Credential. CPU/VMEM limits
// are enforced by the OS-level jail wrapper named in interp.BinPath's
// deployment (e.g. a cgroup or ulimit wrapper script) in production; this
// Runner's own enforcement is limited to the wall-clock context above,
// since Go's exec package has no portable rlimit hook comparable to
// codejail's.
func applySandboxAttrs(cmd *exec.Cmd, interp Interpreter) error {
	if interp.User == "" {
		return nil
	}
	if os.Geteuid() != 0 {
		return nil
	}
	u, err := user.Lookup(interp.User)
	if err != nil {
		return fmt.Errorf("looking up sandbox user %q: %w", interp.User, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return err
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return err
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)},
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
