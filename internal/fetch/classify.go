package fetch

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/hazz-dev/egresspool/internal/transport"
)

// ErrRetriesExhausted is wrapped by the error of a request whose transient
// failure budget ran out. The last underlying error is wrapped alongside it.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Class is the classification of one attempt.
type Class int

const (
	ClassSuccess Class = iota
	ClassTransient
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassTransient:
		return "transient"
	default:
		return "permanent"
	}
}

// StatusError is an HTTP status the request policy does not accept.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	kind := "client error"
	if e.Transient() {
		kind = "server error"
	}
	return fmt.Sprintf("%s: status %d %s", kind, e.StatusCode, http.StatusText(e.StatusCode))
}

// Transient reports whether a retry may succeed (5xx and 429).
func (e *StatusError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// AcceptFunc decides which non-error status codes count as success.
type AcceptFunc func(code int) bool

// AcceptSuccess admits 2xx and 3xx.
func AcceptSuccess(code int) bool {
	return code >= 200 && code < 400
}

// Classify maps the outcome of one attempt to a Class and the error that
// describes it. accept may be nil.
func Classify(resp *transport.Response, err error, accept AcceptFunc) (Class, error) {
	if err != nil {
		var ce *transport.ConnError
		if errors.As(err, &ce) {
			return ClassTransient, err
		}
		// the request itself could not be built
		return ClassPermanent, err
	}
	if accept == nil {
		accept = AcceptSuccess
	}

	code := resp.StatusCode
	switch {
	case code >= 500 || code == http.StatusTooManyRequests:
		return ClassTransient, &StatusError{StatusCode: code}
	case code >= 400:
		return ClassPermanent, &StatusError{StatusCode: code}
	case accept(code):
		return ClassSuccess, nil
	default:
		return ClassPermanent, &StatusError{StatusCode: code}
	}
}
