package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error is a classified fetch failure. Transient failures may be retried.
type Error struct {
	URL        string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *Error) Error() string {
	class := "permanent"
	if e.Transient {
		class = "transient"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s fetch error: %s: HTTP %d: %v", class, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s fetch error: %s: %v", class, e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func transient(url string, err error) *Error {
	return &Error{URL: url, Transient: true, Err: err}
}

func permanent(url string, err error) *Error {
	return &Error{URL: url, Err: err}
}

// IsTransient reports whether err is a fetch error worth retrying.
func IsTransient(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Transient
	}
	return false
}

func classifyStatus(url string, code int) error {
	if code >= 200 && code < 300 {
		return nil
	}
	err := &Error{URL: url, StatusCode: code, Err: errors.New(http.StatusText(code))}
	if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500 {
		err.Transient = true
	}
	return err
}

// classifyTransport maps client.Do failures. All of them are transient;
// malformed requests are caught earlier when the request is built.
func classifyTransport(url string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return transient(url, fmt.Errorf("request timed out: %w", err))
	}
	return transient(url, fmt.Errorf("request failed: %w", err))
}
