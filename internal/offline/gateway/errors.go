package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a sync failure.
type Kind int

const (
	// KindTransient failures (network, timeout, 5xx, 429) are retried with backoff.
	KindTransient Kind = iota
	// KindPermanent failures (other 4xx, no route) go straight to Failed.
	KindPermanent
	// KindCorrupt marks items whose payload cannot be sent at all.
	KindCorrupt
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindCorrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// SyncError is the error every gateway returns for a failed attempt.
type SyncError struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *SyncError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s sync error (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s sync error: %v", e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(err error) error { return &SyncError{Kind: KindTransient, Err: err} }

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) error { return &SyncError{Kind: KindPermanent, Err: err} }

// Corrupt wraps err as an unsendable payload.
func Corrupt(err error) error { return &SyncError{Kind: KindCorrupt, Err: err} }

// FromStatus classifies a non-2xx HTTP response.
func FromStatus(code int, body string) error {
	err := fmt.Errorf("%s: %s", http.StatusText(code), body)
	switch {
	case code == http.StatusRequestTimeout,
		code == http.StatusTooEarly,
		code == http.StatusTooManyRequests,
		code >= 500:
		return &SyncError{Kind: KindTransient, StatusCode: code, Err: err}
	default:
		return &SyncError{Kind: KindPermanent, StatusCode: code, Err: err}
	}
}

// KindOf classifies any error returned by a gateway. Unclassified errors
// (timeouts, dial failures, resets) are transient.
func KindOf(err error) Kind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Retryable reports whether err should be retried.
func Retryable(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}
