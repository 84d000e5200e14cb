package ingest

import (
	"errors"
	"fmt"

	"catalog-ingest-service/internal/store"
)

// Kind classifies an item-level failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork      // timeout, refused connection, explicit rate limiting
	KindParse        // payload shape not recognized
	KindValidation   // business-rule rejection
	KindStorage      // database or blob failure
	KindNotFound     // the source says the item does not exist
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindParse:
		return "parse"
	case KindValidation:
		return "validation"
	case KindStorage:
		return "storage"
	case KindNotFound:
		return "not_found"
	}
	return "unknown"
}

// Run-level failures. Everything else is isolated to its item.
var (
	ErrCircuitOpen        = errors.New("ingest: circuit breaker open")
	ErrStorageUnavailable = errors.New("ingest: storage unavailable")
	ErrRunInProgress      = errors.New("ingest: run already in progress")
	ErrUnknownSource      = errors.New("ingest: unknown source")
)

// Error is a classified item failure.
type Error struct {
	Kind       Kind
	Op         string
	Key        string
	StatusCode int // HTTP status for network errors, 0 otherwise
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("ingest: %s %s", e.Kind, e.Op)
	if e.Key != "" {
		msg += " " + e.Key
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func NetworkError(op, key string, status int, err error) *Error {
	return &Error{Kind: KindNetwork, Op: op, Key: key, StatusCode: status, Err: err}
}

func ParseError(op, key string, err error) *Error {
	return &Error{Kind: KindParse, Op: op, Key: key, Err: err}
}

func ValidationError(op, key string, err error) *Error {
	return &Error{Kind: KindValidation, Op: op, Key: key, Err: err}
}

func StorageError(op, key string, err error) *Error {
	return &Error{Kind: KindStorage, Op: op, Key: key, Err: err}
}

func NotFoundError(op, key string, err error) *Error {
	return &Error{Kind: KindNotFound, Op: op, Key: key, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// IsRetryable reports network failures and transient storage failures.
// Constraint violations and every other kind are final.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork:
		return true
	case KindStorage:
		return store.IsTransient(err)
	}
	return false
}
