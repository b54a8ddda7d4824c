package content

import (
	"errors"
	"strings"
)

var (
	ErrTransientOrigin = errors.New("transient origin error")
	ErrRetryExhausted  = errors.New("max retry limit exceeded")
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("invalid input")
	ErrConflict        = errors.New("data already exists")
	ErrStorageIO       = errors.New("storage failure")
)

type Kind int

const (
	KindUnknown Kind = iota
	KindTransientOrigin
	KindRetryExhausted
	KindNotFound
	KindValidation
	KindDataConflict
	KindStorageIO
)

func (k Kind) String() string {
	switch k {
	case KindTransientOrigin:
		return "transient_origin"
	case KindRetryExhausted:
		return "retry_exhausted"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindDataConflict:
		return "data_conflict"
	case KindStorageIO:
		return "storage_io"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindTransientOrigin:
		return ErrTransientOrigin
	case KindRetryExhausted:
		return ErrRetryExhausted
	case KindNotFound:
		return ErrNotFound
	case KindValidation:
		return ErrValidation
	case KindDataConflict:
		return ErrConflict
	case KindStorageIO:
		return ErrStorageIO
	default:
		return nil
	}
}

// Error is the single error type surfaced by the sync engine. Kind drives how the
// orchestrator reports it; Message carries the origin body or a human readable reason.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	parts := make([]string, 0, 3)
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	if len(parts) == 0 {
		if s := e.Kind.sentinel(); s != nil {
			return s.Error()
		}
		return "content error"
	}
	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

func E(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap tags err with kind unless it already carries one.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return KindUnknown
}
