package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies failures crossing the bridge boundary.
type Kind string

const (
	KindSubmissionTimeout Kind = "SubmissionTimeout"
	KindRemoteRevert      Kind = "RemoteRevert"
	KindRemoteUnavailable Kind = "RemoteUnavailable"
	KindMalformedReceipt  Kind = "MalformedReceipt"
	KindUnknownFunction   Kind = "UnknownFunction"
	KindUnknownParty      Kind = "UnknownParty"
	KindAmbiguousAddress  Kind = "AmbiguousAddress"
	KindStorageConflict   Kind = "StorageConflict"
	KindInvalidArguments  Kind = "InvalidArguments"
	KindInternal          Kind = "Internal"
)

// Error carries a failure kind, a human readable message and, for submission
// failures, the hash of the transaction that was broadcast.
type Error struct {
	Kind    Kind
	Message string
	TxHash  string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.TxHash != "" {
		return fmt.Sprintf("%s: %s (tx %s)", e.Kind, msg, e.TxHash)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind so callers can compare against the
// exported sentinels with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !stderrors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind && other.Message == "" && other.Err == nil
}

// New builds an error of the supplied kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind. The message defaults to err's text.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	msg := ""
	if format != "" {
		msg = fmt.Sprintf(format, args...)
		if err != nil {
			msg = msg + ": " + err.Error()
		}
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// WithTx returns a copy of e bound to the supplied transaction hash.
func (e *Error) WithTx(hash string) *Error {
	if e == nil {
		return nil
	}
	clone := *e
	clone.TxHash = hash
	return &clone
}

// KindOf reports the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed.Kind
	}
	return KindInternal
}

// TxHashOf returns the transaction hash attached to err, if any.
func TxHashOf(err error) string {
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed.TxHash
	}
	return ""
}

// Sentinels usable with errors.Is.
var (
	ErrSubmissionTimeout = &Error{Kind: KindSubmissionTimeout}
	ErrRemoteRevert      = &Error{Kind: KindRemoteRevert}
	ErrRemoteUnavailable = &Error{Kind: KindRemoteUnavailable}
	ErrMalformedReceipt  = &Error{Kind: KindMalformedReceipt}
	ErrUnknownFunction   = &Error{Kind: KindUnknownFunction}
	ErrUnknownParty      = &Error{Kind: KindUnknownParty}
	ErrAmbiguousAddress  = &Error{Kind: KindAmbiguousAddress}
	ErrStorageConflict   = &Error{Kind: KindStorageConflict}
	ErrInvalidArguments  = &Error{Kind: KindInvalidArguments}
)
