// Package core holds the error taxonomy and shared types used across every
// mapd package, so the HTTP layer and the reconciliation loop have one place
// to switch on failure kind.
package core

import "fmt"

// Kind classifies a failure the way the pipeline and its callers need to
// react to it, independent of the Go error chain that produced it.
type Kind string

const (
	KindInvalidInput         Kind = "invalid_input"
	KindNotFound             Kind = "not_found"
	KindNetwork              Kind = "network"
	KindDownloadURLFailed    Kind = "download_url_failed"
	KindNoDownloadURL        Kind = "no_download_url"
	KindUnsupportedType      Kind = "unsupported_type"
	KindArchiveMalformed     Kind = "archive_malformed"
	KindContainmentViolation Kind = "containment_violation"
	KindStorageError         Kind = "storage_error"
	KindNameConflict         Kind = "name_conflict"
)

// Error is the tagged error type every mapd package returns. The Kind drives
// API status mapping and reconciliation log-and-skip behavior; Eresult is set
// only for Steam-origin failures.
type Error struct {
	Kind    Kind
	Message string
	Eresult int32
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, &core.Error{Kind: core.KindNotFound}) style checks
// against a Kind sentinel without requiring callers to unwrap manually.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func DownloadURLFailed(eresult int32) *Error {
	return &Error{Kind: KindDownloadURLFailed, Message: "steam denied download url request", Eresult: eresult}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error, defaulting to KindStorageError for anything unrecognized.
func KindOf(err error) Kind {
	var e *Error
	for err != nil {
		if k, ok := err.(*Error); ok {
			e = k
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return KindStorageError
	}
	return e.Kind
}
