package blynk

import (
	"errors"
	"fmt"
)

var (
	ErrAuthentication   = errors.New("invalid authentication token")
	ErrMalformedRequest = errors.New("bad request - check device token and pin")
	ErrRemote           = errors.New("remote service error")
	ErrRetryExhausted   = errors.New("request failed after retries")
	ErrClosed           = errors.New("client closed")
)

// ErrorKind classifies a failed pin request.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindAuthentication
	KindMalformedRequest
	KindRemote
	KindRetryExhausted
	KindClosed
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindMalformedRequest:
		return "malformed_request"
	case KindRemote:
		return "remote"
	case KindRetryExhausted:
		return "retry_exhausted"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindAuthentication:
		return ErrAuthentication
	case KindMalformedRequest:
		return ErrMalformedRequest
	case KindRemote:
		return ErrRemote
	case KindRetryExhausted:
		return ErrRetryExhausted
	case KindClosed:
		return ErrClosed
	default:
		return nil
	}
}

// Error is the outcome of a pin request that did not succeed. Callers
// switch on Kind (or match the Err* sentinels with errors.Is) instead of
// parsing messages.
type Error struct {
	Kind ErrorKind
	Op   string // "get" or "update"
	Pin  Pin

	// Status and Body are set for HTTP level failures.
	Status int
	Body   string

	// Attempts and Err are set when the transport kept failing.
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	prefix := fmt.Sprintf("blynk: %s %s", e.Op, e.Pin)
	switch e.Kind {
	case KindRemote:
		return fmt.Sprintf("%s: HTTP %d: %s", prefix, e.Status, e.Body)
	case KindRetryExhausted:
		return fmt.Sprintf("%s: request failed after %d attempts: %v", prefix, e.Attempts, e.Err)
	case KindAuthentication, KindMalformedRequest, KindClosed:
		return prefix + ": " + e.Kind.sentinel().Error()
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", prefix, e.Err)
		}
		return prefix + ": unknown error"
	}
}

func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classification of err, or KindUnknown when err does
// not come from a Client.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
