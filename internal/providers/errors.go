package providers

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/meridian-labs/llmgate/internal/routecore"
)

// UpstreamError carries the classified failure from a Client call so the
// pipeline can record it and shape the egress error envelope without
// re-inspecting the transport-level error.
type UpstreamError struct {
	Kind    routecore.ErrorKind
	Message string
	cause   error
}

func (e *UpstreamError) Error() string { return e.Message }
func (e *UpstreamError) Unwrap() error { return e.cause }

func newUpstreamError(kind routecore.ErrorKind, message string, cause error) *UpstreamError {
	return &UpstreamError{Kind: kind, Message: message, cause: cause}
}

// ClassifyTransportError maps a transport-level failure (dial/TLS/context
// deadline) to an ErrorKind. http status codes are classified separately by
// ClassifyStatus once a response is actually received.
func ClassifyTransportError(err error) *UpstreamError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newUpstreamError(routecore.ErrTimeout, "upstream request timed out", err)
	}
	return newUpstreamError(routecore.ErrNetwork, "upstream connection failed: "+err.Error(), err)
}

// ClassifyStatus maps an upstream HTTP status code to an ErrorKind, per the
// cue column of the error taxonomy table.
func ClassifyStatus(status int, body string) *UpstreamError {
	switch {
	case status == http.StatusTooManyRequests:
		return newUpstreamError(routecore.ErrRateLimit, "upstream rate limited the request", nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return newUpstreamError(routecore.ErrAuth, "upstream rejected the provider credential", nil)
	case status == http.StatusBadRequest && looksLikeModelError(body):
		return newUpstreamError(routecore.ErrModel, "upstream reported an unknown or unsupported model", nil)
	case status == http.StatusNotFound:
		return newUpstreamError(routecore.ErrModel, "upstream model not found", nil)
	case status >= 500:
		// 503/504 are folded into ErrServer here rather than split out as
		// their own cue: both already map to the same retryable outcome as
		// every other 5xx, so the taxonomy's "5xx other than 503/504"
		// distinction has no observable effect on routing behavior.
		return newUpstreamError(routecore.ErrServer, "upstream server error", nil)
	case status >= 400:
		return newUpstreamError(routecore.ErrBadRequest, "upstream rejected the request body", nil)
	default:
		return nil
	}
}

func looksLikeModelError(body string) bool {
	lower := strings.ToLower(body)
	found := 0
	for _, needle := range []string{"model", "does not exist", "not found"} {
		if strings.Contains(lower, needle) {
			found++
		}
	}
	return found >= 2
}
