// Package queueclient wraps the xqueue HTTP wire protocol: form-based
// login, submission fetch, and result posting, with the redirect-means-
// relogin recovery needs.
package queueclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// ErrLoginRequired is returned by GetSubmission and PutResult when the
// server answered with a 301/302 redirect (session expired). The Client
// does not re-login on its own; the caller logs in again and retries.
var ErrLoginRequired = errors.New("queueclient: login required")

// Envelope is a fetched submission: the header must be echoed verbatim in
// the eventual reply, and Body is itself a JSON-encoded student
// response/grader-payload pair (see internal/grader).
type Envelope struct {
	Header string            `json:"xqueue_header"`
	Body   string            `json:"xqueue_body"`
	Files  map[string]string `json:"xqueue_files,omitempty"`
}

// Reply is what gets posted back to /xqueue/put_result/.
type Reply struct {
	Correct int     `json:"correct"`
	Score   float64 `json:"score"`
	Msg     string  `json:"msg"`
}

// Client talks to one xqueue server on behalf of one named queue. It is not
// safe for concurrent use by more than one Worker goroutine at a time -
// each Worker owns its own Client, matching "HTTP session of each
// Worker is single-threaded" ownership rule.
type Client struct {
	Server      string
	QueueName   string
	Username    string
	Password    string
	BasicAuth   *[2]string
	LongPoll    bool
	HTTPClient  *http.Client

	mu          sync.Mutex
	loggedIn    bool
}

// New builds a Client. httpClient's Timeout should be set to
// MANAGER.REQUESTS_TIMEOUT by the caller; a redirect-stopping
// CheckRedirect is installed here regardless of what the caller passed in,
// since redirect handling is part of this protocol, not generic transport
// policy.
func New(server, queueName, username, password string, basicAuth *[2]string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	httpClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Client{
		Server:     strings.TrimRight(server, "/"),
		QueueName:  queueName,
		Username:   username,
		Password:   password,
		BasicAuth:  basicAuth,
		HTTPClient: httpClient,
	}
}

// Login posts the configured form credentials to /xqueue/login/. If no
// username is configured, login is a no-op success.
func (c *Client) Login(ctx context.Context) error {
	if c.Username == "" {
		c.mu.Lock()
		c.loggedIn = true
		c.mu.Unlock()
		return nil
	}

	form := url.Values{"username": {c.Username}, "password": {c.Password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Server+"/xqueue/login/", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.applyBasicAuth(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	ok, msg := parseEnvelope(resp)
	if !ok {
		return fmt.Errorf("login refused: %s", msg)
	}
	c.mu.Lock()
	c.loggedIn = true
	c.mu.Unlock()
	return nil
}

// GetSubmission fetches one item from the queue. A false ok with a nil
// error means "no work available this tick," not a failure.
func (c *Client) GetSubmission(ctx context.Context) (env *Envelope, ok bool, err error) {
	q := url.Values{"queue_name": {c.QueueName}}
	if c.LongPoll {
		q.Set("block", "true")
	}

	ok, content, retry, err := c.request(ctx, http.MethodGet, "/xqueue/get_submission/?"+q.Encode(), nil)
	if err != nil {
		return nil, false, err
	}
	if retry {
		return nil, false, ErrLoginRequired
	}
	if !ok {
		return nil, false, nil
	}

	contentStr, _ := content.(string)
	if contentStr == "" {
		if b, isMap := content.(map[string]any); isMap {
			raw, _ := json.Marshal(b)
			contentStr = string(raw)
		}
	}

	var e Envelope
	if err := json.Unmarshal([]byte(contentStr), &e); err != nil {
		return nil, false, fmt.Errorf("decoding submission envelope: %w", err)
	}
	return &e, true, nil
}

// PutResult posts a graded Reply back to the server, echoing header
// verbatim as xqueue_header.
func (c *Client) PutResult(ctx context.Context, header string, reply Reply) error {
	body, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("marshaling reply: %w", err)
	}
	form := url.Values{
		"xqueue_header": {header},
		"xqueue_body":   {string(body)},
	}

	ok, _, retry, err := c.request(ctx, http.MethodPost, "/xqueue/put_result/", form)
	if err != nil {
		return err
	}
	if retry {
		return ErrLoginRequired
	}
	if !ok {
		return fmt.Errorf("put_result refused by server")
	}
	return nil
}

// request performs one HTTP call and classifies the outcome. retry==true
// means the server answered with a 301/302 and the caller should re-login
// and retry the original call once.
func (c *Client) request(ctx context.Context, method, path string, form url.Values) (ok bool, content any, retry bool, err error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.Server+path, body)
	if err != nil {
		return false, nil, false, fmt.Errorf("building request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	c.applyBasicAuth(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return false, nil, false, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusFound {
		return false, nil, true, nil
	}

	ok, content = parseEnvelopeContent(resp)
	return ok, content, false, nil
}

func (c *Client) applyBasicAuth(req *http.Request) {
	if c.BasicAuth != nil {
		req.SetBasicAuth(c.BasicAuth[0], c.BasicAuth[1])
	}
}

// parseEnvelope reports success/failure only; used by Login where the
// payload content is irrelevant.
func parseEnvelope(resp *http.Response) (bool, string) {
	ok, content := parseEnvelopeContent(resp)
	if ok {
		return true, ""
	}
	msg, _ := content.(string)
	return false, msg
}

// parseEnvelopeContent implements envelope rule: a JSON body
// is success iff it carries return_code==0 (payload is content) or
// success==true (payload is the whole envelope). Anything else - malformed
// JSON, a non-200 status, or neither key present - is failure.
func parseEnvelopeContent(resp *http.Response) (bool, any) {
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Sprintf("server returned status %d", resp.StatusCode)
	}

	var envelope map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return false, "could not parse response body"
	}

	if rc, present := envelope["return_code"]; present {
		code, isNum := toFloat(rc)
		if !isNum {
			return false, "invalid return_code"
		}
		if code == 0 {
			return true, envelope["content"]
		}
		msg, _ := envelope["msg"].(string)
		return false, msg
	}

	if success, present := envelope["success"]; present {
		if b, isBool := success.(bool); isBool {
			if b {
				return true, envelope
			}
			msg, _ := envelope["msg"].(string)
			return false, msg
		}
		return false, "invalid success flag"
	}

	return false, "cannot find a valid success or return_code field"
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
