package render

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies failures so callers can branch without string matching.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindQuotaExceeded
	KindUsageUnavailable
	KindProviderTimeout
	KindProviderServerError
	KindProviderRejected
	KindProviderUnavailable
	KindCacheUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindUsageUnavailable:
		return "usage_unavailable"
	case KindProviderTimeout:
		return "provider_timeout"
	case KindProviderServerError:
		return "provider_server_error"
	case KindProviderRejected:
		return "provider_rejected"
	case KindProviderUnavailable:
		return "provider_unavailable"
	case KindCacheUnavailable:
		return "cache_unavailable"
	default:
		return "unknown"
	}
}

// Rejection narrows KindProviderRejected.
type Rejection string

const (
	RejectContentPolicy       Rejection = "content_policy"
	RejectAccountVerification Rejection = "account_verification"
	RejectAuthentication      Rejection = "authentication"
	RejectInvalidRequest      Rejection = "invalid_request"
)

// Error is the typed error surfaced by the render pipeline.
type Error struct {
	Kind      Kind
	Provider  string
	Status    int
	Rejection Rejection
	// RetryAfter is the provider's requested wait, if it sent one.
	RetryAfter time.Duration
	Msg        string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("render: ")
	b.WriteString(e.Kind.String())
	if e.Provider != "" {
		b.WriteString(" [")
		b.WriteString(e.Provider)
		b.WriteString("]")
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Rejection != "" {
		b.WriteString(" ")
		b.WriteString(string(e.Rejection))
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind only, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrQuotaExceeded       = &Error{Kind: KindQuotaExceeded}
	ErrUsageUnavailable    = &Error{Kind: KindUsageUnavailable}
	ErrProviderTimeout     = &Error{Kind: KindProviderTimeout}
	ErrProviderServerError = &Error{Kind: KindProviderServerError}
	ErrProviderRejected    = &Error{Kind: KindProviderRejected}
	ErrProviderUnavailable = &Error{Kind: KindProviderUnavailable}
	ErrCacheUnavailable    = &Error{Kind: KindCacheUnavailable}
)

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// RejectionOf returns the rejection reason of the first rejected error in
// err's chain.
func RejectionOf(err error) Rejection {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return ""
		}
		if e.Kind == KindProviderRejected {
			return e.Rejection
		}
		err = e.Err
	}
	return ""
}

// IsRetryable reports whether a provider call that failed with err may
// succeed on a later attempt.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindProviderTimeout, KindProviderServerError:
		return true
	default:
		return false
	}
}

// RetryAfterOf returns the first positive RetryAfter in err's chain.
func RetryAfterOf(err error) time.Duration {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return 0
		}
		if e.RetryAfter > 0 {
			return e.RetryAfter
		}
		err = e.Err
	}
	return 0
}

func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}
