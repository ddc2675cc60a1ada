package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// TransientError marks an HTTP failure as safe to retry.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transient status %d", e.StatusCode)
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// StatusError wraps non-2xx responses, classifying 429 and 5xx as transient.
func StatusError(statusCode int, url string) error {
	err := fmt.Errorf("unexpected status %d for %s", statusCode, url)
	if statusCode == http.StatusTooManyRequests || statusCode >= http.StatusInternalServerError {
		return &TransientError{StatusCode: statusCode, Err: err}
	}
	return err
}

var connectionPatterns = []string{
	"closed",
	"disconnected",
	"refused",
	"websocket",
}

// IsConnectionError reports browser/CDP connection-class failures
// (closed, disconnected, refused, websocket). Timeouts and cancellations are not
// connection errors.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range connectionPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"unexpected eof",
}

// IsTransient reports errors from plain HTTP calls that are safe to retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
