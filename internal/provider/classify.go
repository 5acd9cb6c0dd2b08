package provider

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"wardrobe-render/internal/render"
)

// classifyStatus maps a non-2xx upstream response onto the render error
// taxonomy. message is the provider's error text, if any.
func classifyStatus(name string, resp *http.Response, message string) *render.Error {
	status := resp.StatusCode
	e := &render.Error{Provider: name, Status: status, Msg: message}
	lower := strings.ToLower(message)

	switch {
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		e.Kind = render.KindProviderTimeout
	case status == http.StatusTooManyRequests || status >= 500:
		e.Kind = render.KindProviderServerError
		e.RetryAfter = parseRetryAfter(resp)
	case status == http.StatusUnauthorized:
		e.Kind = render.KindProviderRejected
		e.Rejection = render.RejectAuthentication
	case status == http.StatusPaymentRequired:
		// out of upstream credit: account state, not content
		e.Kind = render.KindProviderRejected
		e.Rejection = render.RejectAccountVerification
	case status == http.StatusForbidden && strings.Contains(lower, "verif"):
		e.Kind = render.KindProviderRejected
		e.Rejection = render.RejectAccountVerification
	case isContentPolicy(lower):
		e.Kind = render.KindProviderRejected
		e.Rejection = render.RejectContentPolicy
	case status == http.StatusForbidden:
		e.Kind = render.KindProviderRejected
		e.Rejection = render.RejectAuthentication
	default:
		e.Kind = render.KindProviderRejected
		e.Rejection = render.RejectInvalidRequest
	}
	return e
}

func isContentPolicy(lower string) bool {
	for _, p := range []string{"content policy", "content_policy", "safety", "moderation", "flagged"} {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// classifyTransport maps an error from http.Client.Do.
func classifyTransport(name string, err error) *render.Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &render.Error{Kind: render.KindProviderTimeout, Provider: name, Err: err}
	case isTransientNetError(err):
		return &render.Error{Kind: render.KindProviderServerError, Provider: name, Err: err}
	default:
		return &render.Error{Kind: render.KindProviderUnavailable, Provider: name, Err: err}
	}
}

// resetMarkers catch connection failures that reach us only as wrapped text.
var resetMarkers = [...]string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"unexpected eof",
}

// isTransientNetError reports whether err looks like a connection that may
// succeed on another attempt.
func isTransientNetError(err error) bool {
	if err == nil {
		return false
	}
	if dnsErr := (*net.DNSError)(nil); errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}
	if netErr := net.Error(nil); errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if opErr := (*net.OpError)(nil); errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial", "read", "write":
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, m := range resetMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// parseRetryAfter reads Retry-After as delay-seconds or an HTTP date. The
// retry policy caps the result at its MaxBackoff.
func parseRetryAfter(resp *http.Response) time.Duration {
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		if secs > maxRetryAfterSeconds {
			secs = maxRetryAfterSeconds
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(time.Until(at), 0)
	}
	return 0
}

// maxRetryAfterSeconds keeps the Duration conversion from overflowing.
const maxRetryAfterSeconds = int64(math.MaxInt64 / int64(time.Second))
