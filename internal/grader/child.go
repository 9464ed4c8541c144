package grader

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/jpequegn/xqueue-watcher/internal/sandbox"
	"github.com/jpequegn/xqueue-watcher/internal/verdict"
)

// childRequest is the length-prefixed frame streamed to a forked child's
// stdin: everything the child needs to reconstruct a single-use Dispatcher
// and grade one submission, without re-reading the config file.
type childRequest struct {
	GraderPath      string              `json:"grader_path"`
	StudentResponse string              `json:"student_response"`
	Payload         Payload             `json:"payload"`
	Interpreter     sandbox.Interpreter `json:"interpreter"`
	TrustReference  bool                `json:"trust_reference"`
}

// childResponse is the frame streamed back on the child's stdout.
type childResponse struct {
	Verdict *verdict.Verdict `json:"verdict,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// writeFrame writes a 4-byte big-endian length prefix followed by v's JSON
// encoding.
func writeFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling frame: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("reading frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	return buf, nil
}

// ChildCommandName is the hidden cobra subcommand that becomes this frame
// protocol's child side; internal/cmd wires it to RunChild.
const ChildCommandName = "__grade_child__"

// handleForked runs grade inside a freshly spawned copy of the running
// binary, joined with a wall-clock bound, defending against any
// in-process state a submission might otherwise leak into the next one
// graded by this Worker.
func (d *Dispatcher) handleForked(ctx context.Context, exePath, graderPath, studentResponse string, payload Payload) (*verdict.Verdict, error) {
	interp, ok := d.Jail.Get(d.Interpreter)
	if !ok {
		return nil, fmt.Errorf("interpreter %q not registered", d.Interpreter)
	}

	req := childRequest{
		GraderPath:      graderPath,
		StudentResponse: studentResponse,
		Payload:         payload,
		Interpreter:     interp,
		TrustReference:  d.TrustReference,
	}

	timeout := d.DefaultTimeout
	if payload.TimeoutSecs > 0 {
		timeout = time.Duration(payload.TimeoutSecs) * time.Second
	}
	childCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(childCtx, exePath, ChildCommandName)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening child stdin: %w", err)
	}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting grading child: %w", err)
	}

	if err := writeFrame(stdin, req); err != nil {
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		return nil, err
	}
	_ = stdin.Close()

	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("grading child: %w", err)
	}

	raw, err := readFrame(bytes.NewReader(stdout.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("reading child response: %w", err)
	}

	var resp childResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decoding child response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("grading child: %s", resp.Error)
	}
	return resp.Verdict, nil
}

// RunChild is the child-side entry point: read one childRequest from r,
// grade it using a single-use Dispatcher built from the request's
// interpreter config, and write the resulting childResponse to w.
func RunChild(ctx context.Context, r io.Reader, w io.Writer) error {
	raw, err := readFrame(r)
	if err != nil {
		return err
	}

	var req childRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return writeFrame(w, childResponse{Error: fmt.Sprintf("decoding request: %s", err)})
	}

	jail := sandbox.NewJailConfig()
	if err := jail.Add(req.Interpreter); err != nil {
		return writeFrame(w, childResponse{Error: err.Error()})
	}

	d := &Dispatcher{
		Interpreter:    req.Interpreter.Name,
		Jail:           jail,
		TrustReference: req.TrustReference,
		DefaultTimeout: 10 * time.Second,
		Logger:         slog.Default(),
		runnerFactory:  sandbox.NewRunner,
	}

	v, err := d.grade(ctx, req.GraderPath, req.StudentResponse, req.Payload)
	if err != nil {
		return writeFrame(w, childResponse{Error: err.Error()})
	}
	return writeFrame(w, childResponse{Verdict: v})
}
