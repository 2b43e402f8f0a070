// Package transfer classifies failures of remote transfers so callers can
// decide whether another attempt is worthwhile.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// Kind is the class of a transfer failure.
type Kind int

const (
	// KindNetwork is a connection level failure.
	KindNetwork Kind = iota + 1
	// KindTimeout is a request that did not complete in time.
	KindTimeout
	// KindServer is a 5xx response.
	KindServer
	// KindResumable is a partial upload the remote can continue.
	KindResumable
	// KindRestartable is an upload that must start over but may succeed.
	KindRestartable
	// KindNoMoreRetries is a failure the remote says must not be retried.
	KindNoMoreRetries
	KindBadURL
	KindUnsupportedEndpoint
	KindUnexpectedStatus
	KindMissingFile
)

var kindNames = map[Kind]string{
	KindNetwork:             "network",
	KindTimeout:             "timeout",
	KindServer:              "server",
	KindResumable:           "resumable",
	KindRestartable:         "restartable",
	KindNoMoreRetries:       "no more retries",
	KindBadURL:              "bad url",
	KindUnsupportedEndpoint: "unsupported endpoint",
	KindUnexpectedStatus:    "unexpected status",
	KindMissingFile:         "missing file",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified transfer failure.
type Error struct {
	Kind       Kind
	StatusCode int
	// RetryAfter is a server supplied wait before the next attempt.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("transfer %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("transfer %s (status %d)", e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("transfer %s: %v", e.Kind, e.Err)
	}
	return "transfer " + e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error wrapping err.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}

// IsNetwork reports whether err is a pure connectivity failure: a classified
// network or timeout error, or an unclassified net.Error.
func IsNetwork(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if k, ok := KindOf(err); ok {
		return k == KindNetwork || k == KindTimeout
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// IsRetryableUpload reports whether an upload failing with err may succeed
// on another attempt. Network failures, timeouts, 5xx responses and uploads
// the remote flagged resumable or restartable are retryable. Client side
// errors and anything flagged no-more-retries are not.
func IsRetryableUpload(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	k, ok := KindOf(err)
	if !ok {
		return IsNetwork(err)
	}
	switch k {
	case KindNetwork, KindTimeout, KindServer, KindResumable, KindRestartable:
		return true
	}
	return false
}

// RetryAfter returns the server supplied wait carried by err.
func RetryAfter(err error) (time.Duration, bool) {
	var te *Error
	if errors.As(err, &te) && te.RetryAfter > 0 {
		return te.RetryAfter, true
	}
	return 0, false
}

// FromLocal classifies errors raised while reading the local file.
func FromLocal(err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return New(KindMissingFile, err)
	}
	return err
}

// FromNetwork classifies an error returned by an HTTP round trip that did
// not produce a response.
func FromNetwork(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if _, ok := KindOf(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return New(KindTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return New(KindTimeout, err)
		}
		return New(KindNetwork, err)
	}
	return err
}

// FromStatus classifies an HTTP response status. It returns nil for 2xx.
func FromStatus(status int, retryAfter time.Duration, err error) error {
	var kind Kind
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 308:
		kind = KindResumable
	case status == 404, status == 410:
		kind = KindRestartable
	case status == 408:
		kind = KindTimeout
	case status == 429:
		kind = KindServer
	case status == 400, status == 414:
		kind = KindBadURL
	case status == 405, status == 501:
		kind = KindUnsupportedEndpoint
	case status == 413:
		kind = KindNoMoreRetries
	case status >= 500:
		kind = KindServer
	default:
		kind = KindUnexpectedStatus
	}
	return &Error{Kind: kind, StatusCode: status, RetryAfter: retryAfter, Err: err}
}
