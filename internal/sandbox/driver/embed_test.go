package driver

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func python3() string {
	path, err := exec.LookPath("python3")
	if err != nil {
		return ""
	}
	return path
}

func runDriver(t *testing.T, py string, submissionFile string, seed string) map[string]any {
	t.Helper()

	dir := t.TempDir()
	data, driverName, err := Asset("python")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, driverName), data, 0o644))

	checkerSrc, err := os.ReadFile("testdata/checker.py")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checker.py"), checkerSrc, 0o644))

	subSrc, err := os.ReadFile(submissionFile)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "submission.py"), subSrc, 0o644))

	cmd := exec.Command(py, driverName, "checker.py", "submission.py", seed)
	cmd.Dir = dir
	out, err := cmd.Output()
	require.NoError(t, err, "driver stderr: %s", exitStderr(err))

	var result map[string]any
	require.NoError(t, json.Unmarshal(out, &result))
	return result
}

func exitStderr(err error) string {
	if ee, ok := err.(*exec.ExitError); ok {
		return string(ee.Stderr)
	}
	return ""
}

// TestSeedDeterminism verifies property 4: identical (checker, submission,
// seed) produces a byte-identical Run Result.
func TestSeedDeterminism(t *testing.T) {
	py := python3()
	if py == "" {
		t.Skip("python3 not available")
	}

	r1 := runDriver(t, py, "testdata/submission_correct.py", "7")
	r2 := runDriver(t, py, "testdata/submission_correct.py", "7")

	b1, _ := json.Marshal(r1)
	b2, _ := json.Marshal(r2)
	require.JSONEq(t, string(b1), string(b2))
}

// TestTracebackScrubbing verifies property 10: a crashing submission's
// formatted traceback names only the submission file, never an absolute
// path outside the sandbox working directory.
func TestTracebackScrubbing(t *testing.T) {
	py := python3()
	if py == "" {
		t.Skip("python3 not available")
	}

	result := runDriver(t, py, "testdata/submission_crash.py", "1")
	submission, _ := result["submission"].(map[string]any)
	require.Equal(t, "ok", submission["status"], "importing the crashing-at-call-time submission should still succeed")

	results, _ := result["results"].([]any)
	require.NotEmpty(t, results)
	first, _ := results[0].(map[string]any)
	output, _ := first["output"].(string)

	require.Contains(t, output, "ValueError")
	require.NotContains(t, output, "/testdata/checker.py")
	require.False(t, strings.HasPrefix(output, "/"), "scrubbed traceback should not start with an absolute path")
}
