package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/jpequegn/xqueue-watcher/internal/sandbox/driver"
)

// ComparePair is one aligned (expected, truncated-actual) output pair to
// hand to the checker's own compare_results function.
type ComparePair struct {
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// CompareOutcome is one checker-judged comparison result. EndTest is set
// when the checker raised the end-test sentinel instead of returning a
// plain boolean.
type CompareOutcome struct {
	Correct bool   `json:"correct"`
	EndTest bool   `json:"end_test"`
	Error   string `json:"error,omitempty"`
}

// CompareResults runs the checker's own compare_results function for each
// pair, outside the jail: the checker is trusted problem-bundle content,
// not student code, so this mirrors the "trusted reference" optimization
// in spirit rather than the untrusted-submission path.
func CompareResults(ctx context.Context, bundle BundlePath, interpBinPath string, pairs []ComparePair) ([]CompareOutcome, error) {
	scriptBytes, scriptName, err := driver.CompareAsset("python")
	if err != nil {
		return nil, err
	}

	workDir, err := os.MkdirTemp("", "xqueue-watcher-compare-*")
	if err != nil {
		return nil, fmt.Errorf("sandbox: creating compare work dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	if err := copyFile(filepath.Join(bundle.Dir, bundle.Checker), filepath.Join(workDir, bundle.Checker)); err != nil {
		return nil, fmt.Errorf("sandbox: staging checker for comparison: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workDir, scriptName), scriptBytes, 0o644); err != nil {
		return nil, fmt.Errorf("sandbox: staging compare script: %w", err)
	}

	input, err := json.Marshal(pairs)
	if err != nil {
		return nil, fmt.Errorf("sandbox: marshaling compare pairs: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, interpBinPath, scriptName, bundle.Checker)
	cmd.Dir = workDir
	cmd.Stdin = bytes.NewReader(input)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("sandbox: running comparison: %w", err)
	}

	var outcomes []CompareOutcome
	if err := json.Unmarshal(stdout.Bytes(), &outcomes); err != nil {
		return nil, fmt.Errorf("sandbox: decoding comparison outcomes: %w", err)
	}
	return outcomes, nil
}
