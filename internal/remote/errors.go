package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/mod/semver"
)

// ErrIncompatibleProtocol is returned when the peer speaks a different
// major protocol version.
var ErrIncompatibleProtocol = errors.New("incompatible sync protocol")

// TransportError is a failure of a whole batch exchange, as opposed to a
// per-item result.
type TransportError struct {
	// StatusCode is the HTTP status, or 0 when no response arrived.
	StatusCode int
	// Temporary is true for timeouts, connection failures, 5xx and 429.
	Temporary  bool
	RetryAfter time.Duration
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("origin returned %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("origin unreachable: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Temporary
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// RetryAfterOf returns the retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var te *TransportError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}

// statusError classifies a non-2xx HTTP response.
func statusError(resp *http.Response, msg string) *TransportError {
	te := &TransportError{
		StatusCode: resp.StatusCode,
		Temporary:  resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		Err:        errors.New(msg),
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		te.RetryAfter = time.Duration(secs) * time.Second
	}
	return te
}

// compatible reports whether peer shares our major protocol version.
// A peer that sends no version is assumed compatible.
func compatible(peer string) error {
	if peer == "" {
		return nil
	}
	if !semver.IsValid(peer) {
		return fmt.Errorf("%w: invalid version %q", ErrIncompatibleProtocol, peer)
	}
	if semver.Major(peer) != semver.Major(ProtocolVersion) {
		return fmt.Errorf("%w: peer speaks %s, we speak %s", ErrIncompatibleProtocol, peer, ProtocolVersion)
	}
	return nil
}
