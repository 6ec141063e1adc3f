package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// FaultKind classifies a remote-call failure by how the pipeline should
// react to it.
type FaultKind int

const (
	// FaultAuth means the credential was rejected; a forced refresh and one
	// retry may resolve it, otherwise the run aborts.
	FaultAuth FaultKind = iota
	// FaultRateLimited means the remote asked us to back off; retried with
	// a longer delay.
	FaultRateLimited
	// FaultTransient is a network-level failure, retried a bounded number
	// of times.
	FaultTransient
	// FaultRemote is a non-retryable remote error, fatal for the item only.
	FaultRemote
)

func (k FaultKind) String() string {
	switch k {
	case FaultAuth:
		return "auth"
	case FaultRateLimited:
		return "rate-limited"
	case FaultTransient:
		return "transient"
	case FaultRemote:
		return "remote"
	}
	return "unknown"
}

// Fault wraps a remote-call error with its taxonomy kind and the operation
// that produced it.
type Fault struct {
	Kind FaultKind
	Op   string
	Err  error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s: %v", f.Op, f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// NewFault builds a Fault; adapters use it when classifying provider errors.
func NewFault(kind FaultKind, op string, err error) *Fault {
	return &Fault{Kind: kind, Op: op, Err: err}
}

// ClassifyStatus maps an HTTP status from a remote API into a Fault.
func ClassifyStatus(op string, status int, err error) *Fault {
	switch {
	case status == 401:
		return NewFault(FaultAuth, op, err)
	case status == 429:
		return NewFault(FaultRateLimited, op, err)
	case status >= 500:
		return NewFault(FaultTransient, op, err)
	default:
		return NewFault(FaultRemote, op, err)
	}
}

// faultKind extracts the kind from err, defaulting to FaultRemote for errors
// that are not Faults.
func faultKind(err error) FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return FaultRemote
}

const (
	maxAttempts      = 3
	transientBackoff = 500 * time.Millisecond
	rateLimitBackoff = 2 * time.Second
)

// withRetry runs fn, retrying rate-limited and transient faults with
// exponential backoff up to maxAttempts total attempts. It returns the
// attempt count alongside the final error so recorded failures can report
// it.
func withRetry(ctx context.Context, fn func() error) (int, error) {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return attempt, nil
		}

		var delay time.Duration
		switch faultKind(err) {
		case FaultRateLimited:
			delay = rateLimitBackoff
		case FaultTransient:
			delay = transientBackoff
		default:
			return attempt, err
		}
		if attempt >= maxAttempts {
			return attempt, err
		}

		delay <<= attempt - 1
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return attempt, ctx.Err()
		}
	}
}
