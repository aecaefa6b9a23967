package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
// The string values are stable, and are written into result files and the results database.
type Kind string

const (
	SourceRejected        Kind = "SourceRejected"        // The image source refused the request, or retries were exhausted
	TransientFetchFailure Kind = "TransientFetchFailure" // Network blip, 429, 5xx, or per-call timeout
	DecodeFailed          Kind = "DecodeFailed"          // Image bytes are not a valid image encoding
	ScoringFailed         Kind = "ScoringFailed"         // The scorer returned an error
	ConfigInvalid         Kind = "ConfigInvalid"         // Bad counts, sizes, or thresholds
)

// Error is an error tagged with a Kind
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind when the target carries no inner error.
// This is what allows errors.Is(err, failure.ErrDecodeFailed).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Err == nil && t.Kind == e.Kind
}

// Sentinels for use with errors.Is
var (
	ErrSourceRejected = &Error{Kind: SourceRejected}
	ErrTransientFetch = &Error{Kind: TransientFetchFailure}
	ErrDecodeFailed   = &Error{Kind: DecodeFailed}
	ErrScoringFailed  = &Error{Kind: ScoringFailed}
	ErrConfigInvalid  = &Error{Kind: ConfigInvalid}
)

// New wraps err with the given kind.
// If err is nil, the returned error carries only the kind.
func New(kind Kind, err error) error {
	return &Error{Kind: kind, Err: err}
}

func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of the outermost *Error in err's chain, or an empty string
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
