// Package apperr defines the closed set of error kinds used across the
// engine (spec §7). Components wrap these sentinels with fmt.Errorf("%w")
// so callers can classify failures with errors.Is at any boundary —
// the generalized form of the teacher's StoreError{Op, Err} wrapper.
package apperr

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Each maps to an HTTP status at the API boundary.
var (
	// ErrRejectedInput is empty content or a malformed identifier: 400,
	// never written.
	ErrRejectedInput = errors.New("rejected input")

	// ErrNotLeader is a write issued against a Raft follower: 503 with a
	// leader hint.
	ErrNotLeader = errors.New("not leader")

	// ErrLLMUnavailable covers a missing key, network failure, or invalid
	// JSON response from the LLM capability; callers fall through to
	// identity/empty behaviour.
	ErrLLMUnavailable = errors.New("llm unavailable")

	// ErrStoreTransient is a missing vector table or stale text reader:
	// treated as an empty contribution inside retrieval.
	ErrStoreTransient = errors.New("store transient failure")

	// ErrStorePersistent is a KV or snapshot IO error: surfaced to the
	// caller as 500.
	ErrStorePersistent = errors.New("store persistent failure")

	// ErrRaftFatal is surfaced to the caller as 500.
	ErrRaftFatal = errors.New("raft fatal error")

	// ErrRetryExhausted marks an event that reached max_retries: moved to
	// the failed queue, retry counter cleared.
	ErrRetryExhausted = errors.New("retry exhausted")
)

// Wrap attaches an operation name to a sentinel error for logging and
// error-chain inspection via errors.Is/errors.As.
func Wrap(op string, kind error, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s: %w", op, kind)
	}
	return fmt.Errorf("%s: %w: %v", op, kind, cause)
}

// HTTPStatus maps an error kind to the user-visible HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrRejectedInput):
		return 400
	case errors.Is(err, ErrNotLeader):
		return 503
	case errors.Is(err, ErrRaftFatal):
		return 500
	case errors.Is(err, ErrStorePersistent):
		return 500
	case err == nil:
		return 200
	default:
		return 500
	}
}
