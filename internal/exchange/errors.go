// errors.go defines the typed error set REST responses are mapped to.
//
// Callers branch on error class with errors.Is / errors.As; the orchestrator
// retries with backoff on the transient classes and gives up on the fatal
// ones (IP ban, WAF rejection).
package exchange

import (
	"errors"
	"fmt"
)

// Sentinel errors for HTTP-level failure classes.
var (
	ErrTimeout            = errors.New("request timed out")
	ErrConnection         = errors.New("connection failed")
	ErrIPBanned           = errors.New("ip banned (418)")
	ErrWAFRejected        = errors.New("rejected by waf (403)")
	ErrRateLimited        = errors.New("rate limited (429)")
	ErrServiceUnavailable = errors.New("service unavailable (503)")
)

// APIError is an exchange-reported error: a JSON body containing a nonzero
// code. Code conventions follow the exchange (negative codes for request
// errors, e.g. -1121 invalid symbol).
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange api error %d: %s", e.Code, e.Msg)
}

// HTTPError covers any remaining non-2xx status.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Status, e.Body)
}

// Transient reports whether the error class is worth retrying with backoff.
func Transient(err error) bool {
	switch {
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrConnection),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrServiceUnavailable):
		return true
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status >= 500
	}
	return false
}
