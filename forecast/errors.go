package forecast

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can branch without string matching.
type Kind string

const (
	KindConfiguration    Kind = "configuration_error"
	KindDataUnavailable  Kind = "data_unavailable"
	KindInsufficientData Kind = "insufficient_data"
	KindArtifactMissing  Kind = "artifact_missing"
	KindPersistence      Kind = "persistence_error"
	KindInternal         Kind = "internal_error"
)

// Error is a failure raised inside the forecasting core. Key identifies the
// model, sensor or artifact the failure is about.
type Error struct {
	Kind Kind
	Key  string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Key != "" {
		msg = fmt.Sprintf("%s: %s", e.Key, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Key == "" && t.Msg == "" && t.Kind == e.Kind
}

var (
	ErrConfiguration    = &Error{Kind: KindConfiguration}
	ErrDataUnavailable  = &Error{Kind: KindDataUnavailable}
	ErrInsufficientData = &Error{Kind: KindInsufficientData}
	ErrArtifactMissing  = &Error{Kind: KindArtifactMissing}
	ErrPersistence      = &Error{Kind: KindPersistence}
)

func newError(kind Kind, key string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Key: key, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Failure is the serializable form of an error carried by outcomes.
type Failure struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Key     string `json:"key,omitempty"`
}

func failureFrom(err error, key string) *Failure {
	f := &Failure{Kind: KindOf(err), Message: err.Error(), Key: key}
	var fe *Error
	if errors.As(err, &fe) && fe.Key != "" {
		f.Key = fe.Key
	}
	return f
}
