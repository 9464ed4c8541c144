package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeInterpreter writes a tiny shell script that behaves like a
// deterministic "interpreter": it ignores the driver/checker file contents
// and emits a Run Result JSON derived only from its seed argument, so the
// seed-determinism property is checkable without depending on an external
// python3 binary.
func fakeInterpreter(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake interpreter script requires a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-python")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

const fakeDeterministicScript = `#!/bin/sh
seed=$4
echo "{\"grader\":{\"status\":\"ok\"},\"submission\":{\"status\":\"ok\"},\"results\":[{\"short_description\":\"t\",\"long_description\":\"\",\"output\":\"seed-$seed\\n\"}],\"exceptions\":0}"
`

func newTestJail(t *testing.T, binPath string, limits Limits) *JailConfig {
	jail := NewJailConfig()
	require.NoError(t, jail.Add(Interpreter{Name: "python", BinPath: binPath, Limits: limits}))
	return jail
}

func writeBundle(t *testing.T) BundlePath {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checker.py"), []byte("# unused by the fake interpreter\n"), 0o644))
	return BundlePath{Dir: dir, Checker: "checker.py", Answer: "answer.py"}
}

func TestRunnerSeedDeterminism(t *testing.T) {
	bin := fakeInterpreter(t, fakeDeterministicScript)
	jail := newTestJail(t, bin, Limits{WallClock: 5})
	runner := NewRunner(jail, "python")
	bundle := writeBundle(t)

	r1, err := runner.Run(context.Background(), bundle, "print('hi')", 42, false)
	require.NoError(t, err)
	r2, err := runner.Run(context.Background(), bundle, "print('hi')", 42, false)
	require.NoError(t, err)

	require.Equal(t, r1, r2)
	require.Equal(t, "seed-42\n", r1.Results[0].Output)
}

func TestRunnerWallClockLimit(t *testing.T) {
	bin := fakeInterpreter(t, "#!/bin/sh\nsleep 5\n")
	jail := newTestJail(t, bin, Limits{WallClock: 1})
	runner := NewRunner(jail, "python")
	bundle := writeBundle(t)

	var suspicious bool
	runner.OnSuspicious = func(reason, src string) { suspicious = true }

	start := time.Now()
	_, err := runner.Run(context.Background(), bundle, "while True: pass", 1, false)
	require.Error(t, err)
	require.True(t, suspicious)
	require.Less(t, time.Since(start), 4*time.Second)
}
