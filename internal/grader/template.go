package grader

import (
	"html/template"
	"os"
	"strings"

	"github.com/jpequegn/xqueue-watcher/internal/queueclient"
	"github.com/jpequegn/xqueue-watcher/internal/verdict"
)

// resultsTemplate mirrors xqueue_watcher/grader.py's results_template /
// results_correct_template / results_incorrect_template trio: a status
// banner, an error list, then one block per test styled result-correct or
// result-incorrect. html/template auto-escapes every interpolated field,
// which is what makes this safe against a submission whose captured
// output happens to contain markup.
var resultsTemplate = template.Must(template.New("results").Parse(`
<div class="test">
<header>Test results</header>
  <section>
    <div class="shortform">{{.Status}}</div>
    <div class="longform">
      {{if .Errors}}
      <div class="result-errors">
        <ul>
          {{range .Errors}}<li><pre>{{.}}</pre></li>
          {{end}}
        </ul>
      </div>
      {{end}}
      {{range .Tests}}
      <div class="result-output {{if .Correct}}result-correct{{else}}result-incorrect{{end}}">
        <h4>{{.ShortDescription}}</h4>
        {{if .LongDescription}}<p>{{.LongDescription}}</p>{{end}}
        <dl>
          <dt>{{if .Correct}}Output{{else}}Your output{{end}}:</dt>
          <dd class="result-actual-output"><pre>{{.Actual}}</pre></dd>
          {{if not .Correct}}
          <dt>Correct output:</dt>
          <dd><pre>{{.Expected}}</pre></dd>
          {{end}}
        </dl>
      </div>
      {{end}}
    </div>
  </section>
</div>
`))

type templateData struct {
	Status string
	Errors []string
	Tests  []verdict.TestRecord
}

// render turns a Verdict into the wire reply, matching
// xqueue_watcher/grader.py's render_results status selection: ERROR when
// there are errors, CORRECT/INCORRECT otherwise.
func render(v *verdict.Verdict, hideOutput bool) queueclient.Reply {
	status := "INCORRECT"
	switch {
	case len(v.Errors) > 0:
		status = "ERROR"
	case v.Correct:
		status = "CORRECT"
	}

	tests := v.Tests
	if hideOutput {
		tests = nil
	}

	var sb strings.Builder
	_ = resultsTemplate.Execute(&sb, templateData{Status: status, Errors: v.Errors, Tests: tests})

	correct := 0
	if v.Correct {
		correct = 1
	}
	return queueclient.Reply{Correct: correct, Score: v.Score, Msg: sb.String()}
}

func renderErrors(errs []string) string {
	var sb strings.Builder
	_ = resultsTemplate.Execute(&sb, templateData{Status: "ERROR", Errors: errs})
	return sb.String()
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
