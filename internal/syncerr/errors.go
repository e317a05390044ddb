// Package syncerr defines the error taxonomy shared by every layer of the
// sync engine. Errors carry a Kind for programmatic handling, the operation
// and module they occurred in, and a retryability hint consumed by the retry
// wrapper and the rate-limit gate.
package syncerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for propagation policy decisions.
type Kind string

const (
	// Configuration errors. Fatal, exit code 2.
	KindConfigMissing Kind = "config-missing"
	KindConfigInvalid Kind = "config-invalid"

	// Authentication errors. Fatal per-remote for the run.
	KindAuthExpired Kind = "auth-expired"
	KindAuthDenied  Kind = "auth-denied"

	// Transiently recoverable errors.
	KindRateLimited Kind = "rate-limited"
	KindURLTooLong  Kind = "url-too-long"
	KindTransient   Kind = "transient-network"

	// Expected per-item conditions.
	KindNotFound        Kind = "not-found"
	KindValidation      Kind = "validation"
	KindPartialBatch    Kind = "partial-batch"
	KindMissingRequired Kind = "missing-required-fields"

	// Module-fatal: never degrade to no-mapping writes.
	KindRegistryEmpty Kind = "registry-empty"

	KindInternal Kind = "internal"
)

// Error is the engine-wide error type.
type Error struct {
	Kind   Kind
	Op     string // operation that failed, e.g. "zoho.ListAll"
	Module string // record module, when known
	Msg    string

	// RetryAfter is a server-provided backoff hint (Retry-After header).
	RetryAfter time.Duration

	Cause error
}

func (e *Error) Error() string {
	prefix := string(e.Kind)
	if e.Op != "" {
		prefix = fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	if e.Module != "" {
		prefix = fmt.Sprintf("%s [%s]", prefix, e.Module)
	}
	switch {
	case e.Msg != "" && e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", prefix, e.Msg, e.Cause)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", prefix, e.Msg)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", prefix, e.Cause)
	}
	return prefix
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error with a formatted message.
func New(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and operation context to an underlying error.
// A nil cause returns nil so call sites can wrap unconditionally.
func Wrap(kind Kind, op string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// WithModule returns a copy of err annotated with the module name when err
// is a *Error; other errors are wrapped as internal.
func WithModule(err error, module string) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		clone := *se
		clone.Module = module
		return &clone
	}
	return &Error{Kind: KindInternal, Module: module, Cause: err}
}

// KindOf extracts the Kind from err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// Retryable reports whether the retry wrapper may re-issue the operation.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindTransient:
		return true
	}
	return false
}

// RetryAfterOf returns the server-provided backoff hint, zero when absent.
func RetryAfterOf(err error) time.Duration {
	var se *Error
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// Exit codes for the CLI surface.
const (
	ExitOK       = 0
	ExitFatal    = 1
	ExitConfig   = 2
	ExitRegistry = 3
)

// ExitCode maps an error to the process exit code contract.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindConfigMissing, KindConfigInvalid, KindAuthExpired, KindAuthDenied:
		return ExitConfig
	case KindRegistryEmpty:
		return ExitRegistry
	}
	return ExitFatal
}
