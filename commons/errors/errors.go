package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrSessionNotFound     = errors.New("upload session not found")
	ErrAssetNotFound       = errors.New("asset not found")
	ErrDatabaseNotFound    = errors.New("database not found")
	ErrObjectNotFound      = errors.New("object not found")
	ErrBucketNotConfigured = errors.New("bucket not configured")
	ErrCompletionInFlight  = errors.New("another completion is in progress for this upload")
	ErrRateLimited         = errors.New("too many upload initializations, try again later")
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindAuthorization
	KindRateLimit
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindAuthorization:
		return "authorization"
	case KindRateLimit:
		return "rate_limit"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(err error) *Error {
	return &Error{Kind: KindNotFound, Err: err}
}

func Authorization(msg string) *Error {
	return &Error{Kind: KindAuthorization, Msg: msg}
}

func RateLimit() *Error {
	return &Error{Kind: KindRateLimit, Err: ErrRateLimited}
}

func Conflict(msg string, err error) *Error {
	return &Error{Kind: KindConflict, Msg: msg, Err: err}
}

func Internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Msg: msg, Err: err}
}

// KindOf reports the kind of err. Sentinel not-found errors are recognised
// even when they were not wrapped in an *Error.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	switch {
	case errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrAssetNotFound),
		errors.Is(err, ErrDatabaseNotFound),
		errors.Is(err, ErrObjectNotFound):
		return KindNotFound
	case errors.Is(err, ErrRateLimited):
		return KindRateLimit
	case errors.Is(err, ErrCompletionInFlight):
		return KindConflict
	}
	return KindInternal
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAuthorization:
		return http.StatusForbidden
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
