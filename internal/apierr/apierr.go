// Package apierr classifies fetch and stream failures into a closed set of
// kinds with a retryable flag and a user-facing message.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
	"time"
)

// Kind is the closed error taxonomy
type Kind string

const (
	KindNetwork      Kind = "NetworkError"
	KindHTTP         Kind = "HttpError"
	KindUnauthorized Kind = "Unauthorized"
	KindForbidden    Kind = "Forbidden"
	KindUnknown      Kind = "Unknown"
)

// ErrNoCredential is returned by credential sources that have no token.
// It classifies as Unauthorized.
var ErrNoCredential = errors.New("no credential available")

// offliner lets packages further up (retry) mark their own errors as an
// offline condition without this package importing them.
type offliner interface {
	Offline() bool
}

// HTTPError is a non-2xx response from a REST or stream endpoint
type HTTPError struct {
	Status int
	Body   string
	URL    string
}

func (e *HTTPError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("http %d from %s", e.Status, e.URL)
	}
	return fmt.Sprintf("http %d", e.Status)
}

// Details is the classification result. It is derived once and never mutated.
type Details struct {
	Message   string    `json:"message"`
	Kind      Kind      `json:"kind"`
	Status    int       `json:"status,omitempty"`
	Retryable bool      `json:"retryable"`
	Canceled  bool      `json:"canceled,omitempty"`
	Offline   bool      `json:"offline,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Cause     error     `json:"-"`
}

func (d Details) Error() string {
	if d.Status != 0 {
		return fmt.Sprintf("%s (%s %d)", d.Message, d.Kind, d.Status)
	}
	return fmt.Sprintf("%s (%s)", d.Message, d.Kind)
}

func (d Details) Unwrap() error { return d.Cause }

// Surfaced reports whether the failure belongs on the user-facing error
// path. Canceled requests are superseded or torn down and are discarded.
func (d Details) Surfaced() bool { return !d.Canceled }

// now is swapped in tests
var now = time.Now

// Classify maps any failure to Details. It has no side effects.
func Classify(err error) Details {
	d := Details{Timestamp: now(), Cause: err}
	if err == nil {
		d.Kind = KindUnknown
		d.Message = UserMessage(KindUnknown, 0)
		return d
	}

	var httpErr *HTTPError
	var off offliner
	switch {
	case errors.As(err, &httpErr):
		d.Status = httpErr.Status
		d.Kind, d.Retryable = classifyStatus(httpErr.Status)
	case errors.Is(err, ErrNoCredential):
		d.Kind = KindUnauthorized
		d.Status = 401
	case errors.As(err, &off) && off.Offline():
		d.Kind = KindNetwork
		d.Retryable = true
		d.Offline = true
	case errors.Is(err, context.Canceled):
		d.Kind = KindNetwork
		d.Retryable = true
		d.Canceled = true
	case isTransport(err):
		d.Kind = KindNetwork
		d.Retryable = true
	default:
		d.Kind = KindUnknown
	}

	d.Message = UserMessage(d.Kind, d.Status)
	if d.Offline {
		d.Message = "You are offline. We will retry when your connection returns"
	}
	return d
}

func classifyStatus(status int) (Kind, bool) {
	switch {
	case status == 401:
		return KindUnauthorized, false
	case status == 403:
		return KindForbidden, false
	case status == 429:
		return KindHTTP, true
	case status >= 400 && status < 500:
		return KindHTTP, false
	case status >= 500:
		return KindHTTP, true
	default:
		return KindHTTP, false
	}
}

func isTransport(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// UserMessage is the human-readable message shown for a classification.
func UserMessage(kind Kind, status int) string {
	switch kind {
	case KindUnauthorized:
		return "Your session has expired, please sign in again"
	case KindForbidden:
		return "You do not have permission to access this resource"
	case KindNetwork:
		return "Unable to reach the server, check your connection"
	case KindHTTP:
		switch status {
		case 400:
			return "The request was invalid"
		case 404:
			return "The requested resource was not found"
		case 409:
			return "The resource was modified by someone else, reload and try again"
		case 429:
			return "Too many requests, please wait and try again"
		case 500:
			return "The server encountered an error, please try again later"
		case 502:
			return "Bad gateway, please try again later"
		case 503:
			return "Service temporarily unavailable"
		case 504:
			return "The server took too long to respond"
		}
		if status >= 500 {
			return "The server encountered an error, please try again later"
		}
		return fmt.Sprintf("Request failed (%d)", status)
	default:
		return "An unexpected error occurred"
	}
}
