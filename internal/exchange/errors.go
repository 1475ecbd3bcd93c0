// errors.go classifies exchange failures so callers can decide whether to
// retry. Transient errors (timeouts, 429, 5xx) are safe to retry with
// backoff; permanent errors (rejections, bad params) are not.
package exchange

import (
	"errors"
	"fmt"
)

// ErrOrderNotFound is returned by cancel/get when the exchange no longer
// knows the order. Reconciliation treats this as "already terminal".
var ErrOrderNotFound = errors.New("order not found")

// ErrRateLimited marks a 429 response. The reconciler shrinks its per-tick
// budget when it sees this.
var ErrRateLimited = errors.New("rate limited")

// APIError wraps an exchange REST failure with its classification.
type APIError struct {
	Status    int
	Body      string
	Transient bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange: status %d: %s", e.Status, e.Body)
}

// IsTransient reports whether err is worth retrying: network failures,
// rate limits, and server-side errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient
	}
	// Plain transport errors (conn refused, timeout) come through unwrapped.
	return !errors.Is(err, ErrOrderNotFound)
}

// statusError builds an APIError from an HTTP status, classifying 429 and
// 5xx as transient.
func statusError(status int, body string) error {
	if status == 429 {
		return fmt.Errorf("%w: %s", ErrRateLimited, body)
	}
	return &APIError{Status: status, Body: body, Transient: status >= 500}
}
