// Package audit is an optional, append-only record of graded submissions,
// kept purely for operator debugging. It is never read back to decide what
// to grade next - the worker pool's behavior is identical whether or not
// this package is wired in, and identical whether or not a write to it
// succeeds.
package audit

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jpequegn/xqueue-watcher/internal/queueclient"
	"github.com/jpequegn/xqueue-watcher/internal/verdict"
)

// Trail records verdicts to a local SQLite database.
type Trail struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS verdicts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	queue_name TEXT NOT NULL,
	header TEXT NOT NULL,
	correct INTEGER NOT NULL,
	score REAL NOT NULL,
	msg TEXT NOT NULL,
	recorded_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_verdicts_queue_name ON verdicts(queue_name);
CREATE INDEX IF NOT EXISTS idx_verdicts_recorded_at ON verdicts(recorded_at);
`

// Open opens (creating if needed) the SQLite database at path and applies
// the schema. An empty path disables the trail: Record becomes a no-op and
// every other method returns nil immediately, so callers can leave a Trail
// wired in unconditionally and let AUDIT_DB_PATH decide whether it does
// anything.
func Open(path string) (*Trail, error) {
	if path == "" {
		return &Trail{}, nil
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("audit: opening database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: applying schema: %w", err)
	}
	return &Trail{db: db}, nil
}

// Close releases the underlying database handle, if any.
func (t *Trail) Close() error {
	if t.db == nil {
		return nil
	}
	return t.db.Close()
}

// Record appends one graded submission's outcome. Record never returns an
// error to influence grading - callers should log a non-nil return value
// and continue; a disabled (path=="") Trail always returns nil.
func (t *Trail) Record(queueName string, env *queueclient.Envelope, v *verdict.Verdict, recordedAt time.Time) error {
	if t.db == nil {
		return nil
	}

	_, err := t.db.Exec(`
		INSERT INTO verdicts (queue_name, header, correct, score, msg, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, queueName, env.Header, boolToInt(v.Correct), v.Score, summarize(v), recordedAt)
	if err != nil {
		return fmt.Errorf("audit: recording verdict: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func summarize(v *verdict.Verdict) string {
	if len(v.Errors) > 0 {
		return v.Errors[0]
	}
	return fmt.Sprintf("%d/%d tests correct", correctCount(v), len(v.Tests))
}

func correctCount(v *verdict.Verdict) int {
	n := 0
	for _, tr := range v.Tests {
		if tr.Correct {
			n++
		}
	}
	return n
}
