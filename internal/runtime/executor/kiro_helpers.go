package executor

import (
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// backoffBase is the first retry delay; attempt n waits base << n.
const backoffBase = time.Second

// errorBodyLimit caps how much of an upstream error body is retained.
const errorBodyLimit = 64 << 10

// kiroStatusError carries the upstream HTTP status so the dispatcher can
// classify failures without string matching.
type kiroStatusError struct {
	code int
	msg  string
}

func (e kiroStatusError) Error() string {
	if e.msg == "" {
		return http.StatusText(e.code)
	}
	return e.msg
}

// StatusCode returns the upstream HTTP status.
func (e kiroStatusError) StatusCode() int { return e.code }

// drainStatusError consumes a non-2xx response into a status-carrying error
// and closes the body.
func drainStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	if err := resp.Body.Close(); err != nil {
		log.Debugf("kiro client: close error body: %v", err)
	}
	return kiroStatusError{code: resp.StatusCode, msg: strings.TrimSpace(string(body))}
}

func backoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 6 {
		attempt = 6
	}
	return backoffBase << attempt
}
