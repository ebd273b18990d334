package gateway

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindAuth
	KindQuery
	KindWrite
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindQuery:
		return "query"
	case KindWrite:
		return "write"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("already exists")
)

// Error - ошибка бэкенда с видом операции для программной обработки.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Message == "" && e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Errorf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

func NotFound(kind Kind, what string) *Error {
	return &Error{Kind: kind, Code: "not_found", Message: what + " not found", StatusCode: 404, Err: ErrNotFound}
}

func Unauthorized(message string) *Error {
	return &Error{Kind: KindAuth, Code: "unauthorized", Message: message, StatusCode: 401, Err: ErrUnauthorized}
}

// KindOf возвращает вид ошибки бэкенда или KindUnknown для посторонних ошибок.
func KindOf(err error) Kind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return KindUnknown
}

// AsKind помечает ошибку видом, если она еще не ошибка бэкенда.
func AsKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var gerr *Error
	if errors.As(err, &gerr) {
		return err
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}
