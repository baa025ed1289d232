package errkind

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error by how the caller should react to it.
type Kind int

const (
	// Unknown is the zero value for errors that carry no classification.
	Unknown Kind = iota
	// Transient errors (network, rate limit, provider overload) are safe to retry.
	Transient
	// Validation errors mean the input or decision was rejected; retrying
	// the same input will fail again.
	Validation
	// Configuration errors mean a referenced config is missing or malformed.
	// The operation is skipped until an operator fixes the config.
	Configuration
	// Fatal errors stop the owning bot; the supervisor must intervene.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Validation:
		return "validation"
	case Configuration:
		return "configuration"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind. It supports errors.Is/As
// through Unwrap.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error from a message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// Newf creates a classified error from a format string.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to an existing error. A nil err returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Wrapf attaches a kind and a message prefix to an existing error.
func Wrapf(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: fmt.Errorf(format+": %w", append(args, err)...)}
}

// KindOf returns the classification of err. Context cancellation and
// deadline expiry classify as Transient so retry loops treat them as
// interruptions rather than failures. Unclassified errors return Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	return Unknown
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return KindOf(err) == Transient }

// IsValidation reports whether err is a rejected input.
func IsValidation(err error) bool { return KindOf(err) == Validation }

// IsConfiguration reports whether err is a config problem.
func IsConfiguration(err error) bool { return KindOf(err) == Configuration }

// IsFatal reports whether err must stop the owning bot.
func IsFatal(err error) bool { return KindOf(err) == Fatal }
